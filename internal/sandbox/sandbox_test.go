package sandbox

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeBoxFile(t *testing.T, boxdir, name string, size int) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(boxdir, name), make([]byte, size), 0o644))
}

func TestScanBoxFileSizeBreach(t *testing.T) {
	boxdir := t.TempDir()
	writeBoxFile(t, boxdir, "output.txt", 3*1024)

	cause, breached := scanBox(boxdir, Limits{FileSizeKB: 2})
	require.True(t, breached)
	assert.Equal(t, CauseOutputLimit, cause)

	_, breached = scanBox(boxdir, Limits{FileSizeKB: 4})
	assert.False(t, breached)
}

func TestScanBoxDiskQuotaBreach(t *testing.T) {
	boxdir := t.TempDir()
	for i := 0; i < 4; i++ {
		writeBoxFile(t, boxdir, "chunk"+string(rune('a'+i)), 1024)
	}

	cause, breached := scanBox(boxdir, Limits{DiskQuotaKB: 2})
	require.True(t, breached)
	assert.Equal(t, CauseRunError, cause)
}

func TestScanBoxInodeBreach(t *testing.T) {
	boxdir := t.TempDir()
	for i := 0; i < 8; i++ {
		writeBoxFile(t, boxdir, "f"+string(rune('0'+i)), 1)
	}

	cause, breached := scanBox(boxdir, Limits{DiskInodes: 4})
	require.True(t, breached)
	assert.Equal(t, CauseRunError, cause)
}

func TestScanBoxNoLimitsNoScan(t *testing.T) {
	boxdir := t.TempDir()
	writeBoxFile(t, boxdir, "huge", 1<<20)
	_, breached := scanBox(boxdir, Limits{})
	assert.False(t, breached)
}

func TestUlimitsFor(t *testing.T) {
	out := ulimitsFor(Limits{FileSizeKB: 64, StackKB: 128})
	require.Len(t, out, 2)
	assert.Equal(t, "fsize", out[0].Name)
	assert.Equal(t, int64(64*1024), out[0].Soft)
	assert.Equal(t, int64(64*1024), out[0].Hard)
	assert.Equal(t, "stack", out[1].Name)
	assert.Equal(t, int64(128*1024), out[1].Soft)

	assert.Empty(t, ulimitsFor(Limits{}))
}

func TestUsageMonitorRecordsMaxima(t *testing.T) {
	m := &usageMonitor{}
	m.record(2*time.Second, 1024)
	m.record(time.Second, 4096)
	// A final post-exit sample can read zero; maxima must survive it.
	m.record(0, 0)

	cpu, peakKB, breach := m.snapshot()
	assert.Equal(t, 2*time.Second, cpu)
	assert.Equal(t, int64(4096), peakKB)
	assert.Empty(t, breach)
}

func TestUsageMonitorFirstBreachWins(t *testing.T) {
	m := &usageMonitor{}
	require.True(t, m.setBreach(CauseTimeLimit))
	assert.False(t, m.setBreach(CauseOutputLimit))

	_, _, breach := m.snapshot()
	assert.Equal(t, CauseTimeLimit, breach)
}
