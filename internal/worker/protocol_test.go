package worker

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/fairyhunter13/contest-core/internal/domain"
	"github.com/fairyhunter13/contest-core/internal/sandbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type funcSandbox struct {
	fn func(boxdir string, argv []string, stdin io.Reader, stdout io.Writer) (sandbox.ExecutionReport, error)
}

func (f *funcSandbox) Execute(_ context.Context, boxdir string, argv []string, stdin io.Reader, stdout, _ io.Writer, _ sandbox.Limits, _ []string, _ []string) (sandbox.ExecutionReport, error) {
	return f.fn(boxdir, argv, stdin, stdout)
}

func TestRunTwoStepsPipesProcesses(t *testing.T) {
	box := &funcSandbox{fn: func(_ string, argv []string, stdin io.Reader, stdout io.Writer) (sandbox.ExecutionReport, error) {
		role := argv[len(argv)-1]
		switch role {
		case "first":
			_, _ = stdout.Write([]byte("intermediate"))
		case "second":
			in, _ := io.ReadAll(stdin)
			require.Equal(t, "intermediate", string(in))
			_, _ = stdout.Write([]byte("final"))
		}
		return sandbox.ExecutionReport{Cause: sandbox.CauseOK}, nil
	}}
	w := &Worker{Box: box}

	out, report, err := w.runTwoSteps(context.Background(), t.TempDir(), []byte("7\n"), sandbox.Limits{}, LanguageRecipe{RunCommand: []string{"./a.out"}})
	require.NoError(t, err)
	assert.Equal(t, "final", string(out))
	assert.Equal(t, sandbox.CauseOK, report.Cause)
}

func TestRunTwoStepsFirstStepTimeout(t *testing.T) {
	box := &funcSandbox{fn: func(_ string, argv []string, _ io.Reader, _ io.Writer) (sandbox.ExecutionReport, error) {
		if argv[len(argv)-1] == "first" {
			return sandbox.ExecutionReport{Cause: sandbox.CauseTimeLimit}, nil
		}
		t.Fatal("second step must not run after a first-step limit breach")
		return sandbox.ExecutionReport{}, nil
	}}
	w := &Worker{Box: box}

	_, report, err := w.runTwoSteps(context.Background(), t.TempDir(), nil, sandbox.Limits{}, LanguageRecipe{RunCommand: []string{"./a.out"}})
	require.NoError(t, err)
	assert.Equal(t, sandbox.CauseTimeLimit, report.Cause)
}

func TestEvaluateCommunicationManagerVerdict(t *testing.T) {
	box := &funcSandbox{fn: func(_ string, argv []string, _ io.Reader, stdout io.Writer) (sandbox.ExecutionReport, error) {
		if strings.Contains(argv[0], "manager") {
			_, _ = stdout.Write([]byte("1.0\nDialogue complete\n"))
		}
		return sandbox.ExecutionReport{Cause: sandbox.CauseOK}, nil
	}}
	w := &Worker{Box: box}

	result := w.evaluateCommunication(context.Background(), t.TempDir(),
		domain.Job{Kind: domain.JobEvaluate, SubmissionID: "s1", DatasetID: "d1", TestcaseCodename: "001"},
		domain.JobResult{},
		[]domain.Manager{{Filename: "manager", Kind: domain.ManagerCommunicator}},
		[]byte("7\n"), sandbox.Limits{CPUTimeS: 1, WallTimeS: 2},
		LanguageRecipe{RunCommand: []string{"./a.out"}},
		CommunicationParameters{})

	require.False(t, result.Failed)
	assert.Equal(t, "1.0", result.Outcome)
	assert.Equal(t, "Dialogue complete", result.TextTemplate)
}

func TestEvaluateCommunicationMissingManager(t *testing.T) {
	w := &Worker{Box: &funcSandbox{fn: func(_ string, _ []string, _ io.Reader, _ io.Writer) (sandbox.ExecutionReport, error) {
		return sandbox.ExecutionReport{Cause: sandbox.CauseOK}, nil
	}}}

	result := w.evaluateCommunication(context.Background(), t.TempDir(),
		domain.Job{}, domain.JobResult{}, nil, nil, sandbox.Limits{}, LanguageRecipe{}, CommunicationParameters{})
	assert.True(t, result.Failed)
	assert.Equal(t, domain.FailureInvariantViolation, result.FailureClass)
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name    string
		out     string
		score   float64
		message string
		wantErr bool
	}{
		{"score and message", "0.5\npartial credit\n", 0.5, "partial credit", false},
		{"score only", "1.0\n", 1.0, "", false},
		{"empty", "", 0, "", true},
		{"non-numeric", "great job\n", 0, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, message, err := parseVerdict(tt.out)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.score, score)
			assert.Equal(t, tt.message, message)
		})
	}
}
