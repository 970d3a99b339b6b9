package sandbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimits_Deadline(t *testing.T) {
	l := Limits{WallTimeS: 2, ExtraTimeS: 0.5}
	d := l.Deadline(time.Second)
	require.Equal(t, 3500*time.Millisecond, d)
}

func TestMeta_WriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	want := ExecutionReport{
		Cause:        CauseMemoryLimit,
		ExitCode:     137,
		Signal:       9,
		CPUTime:      1500 * time.Millisecond,
		PeakMemoryKB: 131072,
	}
	require.NoError(t, writeMeta(dir, want, "killed: memory limit exceeded"))

	got, err := readMeta(dir)
	require.NoError(t, err)
	require.Equal(t, want.Cause, got.Cause)
	require.Equal(t, want.ExitCode, got.ExitCode)
	require.Equal(t, want.Signal, got.Signal)
	require.Equal(t, want.PeakMemoryKB, got.PeakMemoryKB)
	require.InDelta(t, want.CPUTime.Seconds(), got.CPUTime.Seconds(), 0.001)
}

func TestReadMeta_NotFound(t *testing.T) {
	_, err := readMeta(t.TempDir())
	require.Error(t, err)
}
