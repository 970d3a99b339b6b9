package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fairyhunter13/contest-core/internal/blobstore"
	"github.com/fairyhunter13/contest-core/internal/domain"
	"github.com/fairyhunter13/contest-core/internal/sandbox"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("contest-core/worker")

// SandboxExecutor is the subset of *sandbox.Sandbox the Worker depends on,
// narrowed to a port so worker.go can be exercised with a fake in tests
// without a Docker daemon.
type SandboxExecutor interface {
	Execute(ctx context.Context, boxdir string, argv []string, stdin io.Reader, stdout, stderr io.Writer, limits sandbox.Limits, env []string, readonlyMounts []string) (sandbox.ExecutionReport, error)
}

// Worker executes Jobs by orchestrating Sandbox invocations. It is
// stateless between Jobs: its only persistent state is its sandbox root
// directory, which is cleaned up after every invocation unless
// cfg.KeepSandbox is set.
type Worker struct {
	ID          string
	Blobs       *blobstore.Store
	Box         SandboxExecutor
	Recipes     RecipeSet
	TempDir     string
	KeepSandbox bool

	Submissions domain.SubmissionRepository
	Datasets    domain.DatasetRepository
	Executables domain.ExecutableRepository
	UserTests   domain.UserTestRepository
}

// Process executes one Job and returns its JobResult by value. This is the
// sole entry point the Worker RPC server and the in-process consumer path
// call; it never writes to the database, matching the Worker's
// return-by-value contract.
func (w *Worker) Process(ctx context.Context, job domain.Job) domain.JobResult {
	ctx, span := tracer.Start(ctx, "worker.Process", trace.WithAttributes(
		attribute.String("job.kind", string(job.Kind)),
		attribute.String("job.fingerprint", string(job.Fingerprint())),
	))
	defer span.End()

	result := domain.JobResult{Job: job, WorkerID: w.ID}

	boxdir, err := os.MkdirTemp(w.TempDir, "box-*")
	if err != nil {
		return w.transientFailure(result, fmt.Errorf("op=worker.Process.mkboxdir: %w", err))
	}
	defer func() {
		if !w.KeepSandbox {
			_ = os.RemoveAll(boxdir)
		}
	}()

	slog.Info("worker processing job",
		slog.String("worker_id", w.ID),
		slog.String("kind", string(job.Kind)),
		slog.String("fingerprint", string(job.Fingerprint())))

	switch job.Kind {
	case domain.JobCompile:
		return w.processCompile(ctx, boxdir, job, result)
	case domain.JobEvaluate:
		return w.processEvaluate(ctx, boxdir, job, result)
	case domain.JobCompileTest:
		return w.processCompile(ctx, boxdir, job, result)
	case domain.JobEvaluateTest:
		return w.processEvaluate(ctx, boxdir, job, result)
	default:
		result.Failed = true
		result.FailureClass = domain.FailureInvariantViolation
		span.RecordError(fmt.Errorf("unknown job kind %q", job.Kind))
		return result
	}
}

func (w *Worker) transientFailure(result domain.JobResult, err error) domain.JobResult {
	slog.Error("worker transient failure", slog.Any("error", err))
	result.Failed = true
	result.FailureClass = domain.FailureTransientInfra
	return result
}

// processCompile fetches submission sources + dataset managers, runs the
// language recipe's compile pipeline inside a sandbox, and on success
// uploads the resulting executables to BlobStore.
func (w *Worker) processCompile(ctx context.Context, boxdir string, job domain.Job, result domain.JobResult) domain.JobResult {
	language, files, err := w.fetchSources(ctx, job)
	if err != nil {
		return w.transientFailure(result, err)
	}

	dataset, err := w.Datasets.Get(ctx, job.DatasetID)
	if err != nil {
		return w.transientFailure(result, fmt.Errorf("op=worker.processCompile.dataset: %w", err))
	}
	managers, err := w.Datasets.Managers(ctx, dataset.ID)
	if err != nil {
		return w.transientFailure(result, fmt.Errorf("op=worker.processCompile.managers: %w", err))
	}

	recipe, ok := w.Recipes.ByName(language)
	if !ok {
		result.Failed = true
		result.FailureClass = domain.FailureInvariantViolation
		return result
	}

	if err := w.materializeFiles(boxdir, files); err != nil {
		return w.transientFailure(result, err)
	}
	if err := w.materializeManagers(boxdir, managers); err != nil {
		return w.transientFailure(result, err)
	}
	for _, header := range recipe.HeaderFilesInjected {
		// Header files are expected to already be among the dataset's
		// managers (kind=header); nothing extra to fetch here.
		_ = header
	}

	compileLimits := sandbox.Limits{CPUTimeS: 10, WallTimeS: 20, ExtraTimeS: 2, MemoryKB: 512 * 1024, Processes: 16, FileSizeKB: 65536}

	var stdout, stderr bytes.Buffer
	var lastReport sandbox.ExecutionReport
	for _, step := range recipe.CompileCommands {
		stdout.Reset()
		stderr.Reset()
		report, err := w.Box.Execute(ctx, boxdir, step, nil, &stdout, &stderr, compileLimits, nil, nil)
		if err != nil {
			return w.transientFailure(result, fmt.Errorf("op=worker.processCompile.execute: %w", err))
		}
		lastReport = report
		if report.Cause != sandbox.CauseOK || report.ExitCode != 0 {
			outcome := domain.CompilationOutcomeFail
			result.CompilationOutcome = &outcome
			result.CompilationText = stderr.String() + stdout.String()
			result.CompilationTimeS = report.CPUTime.Seconds()
			result.CompilationMemoryKB = report.PeakMemoryKB
			return result
		}
	}

	digests, err := w.uploadExecutables(boxdir, recipe)
	if err != nil {
		return w.transientFailure(result, err)
	}

	outcome := domain.CompilationOutcomeOK
	result.CompilationOutcome = &outcome
	result.CompilationText = stdout.String()
	result.CompilationTimeS = lastReport.CPUTime.Seconds()
	result.CompilationMemoryKB = lastReport.PeakMemoryKB
	result.ExecutableDigests = digests
	return result
}

// processEvaluate fetches the compiled executable and runs it against one
// testcase under the dataset's task-type protocol, then runs the checker.
func (w *Worker) processEvaluate(ctx context.Context, boxdir string, job domain.Job, result domain.JobResult) domain.JobResult {
	language, submissionFiles, err := w.fetchSources(ctx, job)
	if err != nil {
		return w.transientFailure(result, err)
	}

	dataset, err := w.Datasets.Get(ctx, job.DatasetID)
	if err != nil {
		return w.transientFailure(result, fmt.Errorf("op=worker.processEvaluate.dataset: %w", err))
	}

	// OutputOnly submissions carry no language; every other task type needs
	// the recipe's run command.
	var recipe LanguageRecipe
	if dataset.TaskType != domain.TaskTypeOutputOnly {
		var ok bool
		recipe, ok = w.Recipes.ByName(language)
		if !ok {
			result.Failed = true
			result.FailureClass = domain.FailureInvariantViolation
			return result
		}
	}
	testcases, err := w.Datasets.Testcases(ctx, dataset.ID)
	if err != nil {
		return w.transientFailure(result, fmt.Errorf("op=worker.processEvaluate.testcases: %w", err))
	}
	var tc domain.Testcase
	found := false
	for _, t := range testcases {
		if t.Codename == job.TestcaseCodename {
			tc, found = t, true
			break
		}
	}
	if !found {
		result.Failed = true
		result.FailureClass = domain.FailureInvariantViolation
		return result
	}

	managers, err := w.Datasets.Managers(ctx, dataset.ID)
	if err != nil {
		return w.transientFailure(result, fmt.Errorf("op=worker.processEvaluate.managers: %w", err))
	}
	if err := w.materializeManagers(boxdir, managers); err != nil {
		return w.transientFailure(result, err)
	}

	executables, err := w.Executables.ListBySubmissionDataset(ctx, job.SubmissionID, job.DatasetID)
	if err != nil {
		return w.transientFailure(result, fmt.Errorf("op=worker.processEvaluate.executables: %w", err))
	}
	if err := w.materializeExecutables(boxdir, executables); err != nil {
		return w.transientFailure(result, err)
	}

	input, err := w.Blobs.Get(tc.InputDigest)
	if err != nil {
		return w.transientFailure(result, fmt.Errorf("op=worker.processEvaluate.input: %w", err))
	}
	reference, err := w.Blobs.Get(tc.OutputDigest)
	if err != nil {
		return w.transientFailure(result, fmt.Errorf("op=worker.processEvaluate.reference: %w", err))
	}

	// Parameters are decoded up front so a corrupt dataset surfaces as an
	// invariant violation before any sandbox run.
	params, err := DecodeTaskTypeParameters(dataset.TaskType, dataset.TaskTypeParameters)
	if err != nil {
		result.Failed = true
		result.FailureClass = domain.FailureInvariantViolation
		return result
	}

	evalLimits := sandbox.Limits{
		CPUTimeS:   dataset.TimeLimitS,
		WallTimeS:  dataset.TimeLimitS * 2,
		ExtraTimeS: 1,
		MemoryKB:   dataset.MemoryLimitKB,
		Processes:  1,
		FileSizeKB: 262144,
	}

	var userOutput []byte
	var execReport sandbox.ExecutionReport
	switch p := params.(type) {
	case OutputOnlyParameters:
		// No user process: the submission itself is the output, one file
		// per testcase codename.
		userOutput, err = outputOnlyFile(submissionFiles, job.TestcaseCodename)
		if err != nil {
			result.Failed = true
			result.FailureClass = domain.FailureInvariantViolation
			return result
		}
	case CommunicationParameters:
		// The manager judges the dialogue directly; there is no separate
		// checker pass.
		return w.evaluateCommunication(ctx, boxdir, job, result, managers, input, evalLimits, recipe, p)
	case TwoStepsParameters:
		userOutput, execReport, err = w.runTwoSteps(ctx, boxdir, input, evalLimits, recipe)
		if err != nil {
			return w.transientFailure(result, err)
		}
	default:
		// Batch covers both wirings: input lands on stdin and in input.txt,
		// output is taken from stdout or output.txt, whichever the program
		// used.
		userOutput, execReport, err = w.runUserProgram(ctx, boxdir, input, evalLimits, recipe)
		if err != nil {
			return w.transientFailure(result, err)
		}
	}

	if execReport.Cause != "" && execReport.Cause != sandbox.CauseOK {
		result.Outcome = "0.0"
		result.TextTemplate = terminationMessageTemplate(execReport.Cause)
		result.ExecTimeS = execReport.CPUTime.Seconds()
		result.WallTimeS = execReport.WallTime.Seconds()
		result.MemoryKB = execReport.PeakMemoryKB
		return result
	}

	checkerManager, hasChecker := findManager(managers, domain.ManagerChecker)
	if !hasChecker {
		result.Failed = true
		result.FailureClass = domain.FailureInvariantViolation
		return result
	}

	score, message, err := w.runChecker(ctx, boxdir, checkerManager, input, reference, userOutput, evalLimits)
	if err != nil {
		return w.transientFailure(result, err)
	}
	if score < 0 || score > 1 {
		result.Failed = true
		result.FailureClass = domain.FailureInvariantViolation
		return result
	}

	result.Outcome = formatOutcome(score)
	result.TextTemplate = message
	result.ExecTimeS = execReport.CPUTime.Seconds()
	result.WallTimeS = execReport.WallTime.Seconds()
	result.MemoryKB = execReport.PeakMemoryKB
	return result
}

// formatOutcome renders a checker score the way downstream consumers
// expect: integral scores keep one decimal ("1.0", "0.0"), fractional
// scores keep their exact shortest form.
func formatOutcome(score float64) string {
	if score == math.Trunc(score) {
		return strconv.FormatFloat(score, 'f', 1, 64)
	}
	return strconv.FormatFloat(score, 'f', -1, 64)
}

func terminationMessageTemplate(cause sandbox.TerminationCause) string {
	switch cause {
	case sandbox.CauseNonzeroExit:
		return "Execution failed (non-zero exit)"
	case sandbox.CauseTimeLimit:
		return "Execution timed out (CPU limit)"
	case sandbox.CauseWallLimit:
		return "Execution timed out (wall-clock limit)"
	case sandbox.CauseMemoryLimit:
		return "Memory limit exceeded"
	case sandbox.CauseOutputLimit:
		return "Output size limit exceeded"
	case sandbox.CauseSignal:
		return "Execution terminated by signal"
	case sandbox.CauseRunError:
		return "Execution error"
	default:
		return "Execution failed"
	}
}

func findManager(managers []domain.Manager, kind domain.ManagerKind) (domain.Manager, bool) {
	for _, m := range managers {
		if m.Kind == kind {
			return m, true
		}
	}
	return domain.Manager{}, false
}

// outputOnlyFile picks the submission file that answers one testcase,
// matching on the codename embedded in the filename.
func outputOnlyFile(files map[string][]byte, codename string) ([]byte, error) {
	if b, ok := files["output_"+codename+".txt"]; ok {
		return b, nil
	}
	for name, b := range files {
		if strings.Contains(name, codename) {
			return b, nil
		}
	}
	return nil, fmt.Errorf("op=worker.outputOnlyFile: no submission file for testcase %s: %w", codename, domain.ErrInvalidArgument)
}

// runUserProgram places the testcase input into the box, runs the recipe's
// run command under evalLimits, and returns the program's output.
func (w *Worker) runUserProgram(ctx context.Context, boxdir string, input []byte, limits sandbox.Limits, recipe LanguageRecipe) ([]byte, sandbox.ExecutionReport, error) {
	if err := os.WriteFile(filepath.Join(boxdir, "input.txt"), input, 0o644); err != nil {
		return nil, sandbox.ExecutionReport{}, fmt.Errorf("op=worker.runUserProgram.writeinput: %w", err)
	}
	var stdout, stderr bytes.Buffer
	argv := recipe.RunCommand
	report, err := w.Box.Execute(ctx, boxdir, argv, bytes.NewReader(input), &stdout, &stderr, limits, nil, nil)
	if err != nil {
		return nil, sandbox.ExecutionReport{}, fmt.Errorf("op=worker.runUserProgram.execute: %w", err)
	}
	if report.Cause != sandbox.CauseOK {
		// A limit breach or crash has no output worth reading; the caller
		// records the termination cause as the outcome.
		return nil, report, nil
	}
	if b := stdout.Bytes(); len(b) > 0 {
		return b, report, nil
	}
	out, err := os.ReadFile(filepath.Join(boxdir, "output.txt"))
	if err != nil {
		// No stdout and no output file: treat as empty output and let the
		// checker judge it, rather than failing the Job.
		return nil, report, nil
	}
	return out, report, nil
}

// runChecker runs the Manager-provided checker process with
// (input, reference_output, user_output) and parses a score in [0,1] plus a
// one-line message from its stdout.
func (w *Worker) runChecker(ctx context.Context, boxdir string, checker domain.Manager, input, reference, userOutput []byte, limits sandbox.Limits) (float64, string, error) {
	inPath := filepath.Join(boxdir, "checker_input.txt")
	refPath := filepath.Join(boxdir, "checker_reference.txt")
	outPath := filepath.Join(boxdir, "checker_output.txt")
	if err := os.WriteFile(inPath, input, 0o644); err != nil {
		return 0, "", fmt.Errorf("op=worker.runChecker.writeinput: %w", err)
	}
	if err := os.WriteFile(refPath, reference, 0o644); err != nil {
		return 0, "", fmt.Errorf("op=worker.runChecker.writereference: %w", err)
	}
	if err := os.WriteFile(outPath, userOutput, 0o644); err != nil {
		return 0, "", fmt.Errorf("op=worker.runChecker.writeoutput: %w", err)
	}

	var stdout, stderr bytes.Buffer
	argv := []string{filepath.Join("/box", checker.Filename), "/box/checker_input.txt", "/box/checker_reference.txt", "/box/checker_output.txt"}
	checkerLimits := sandbox.Limits{CPUTimeS: 10, WallTimeS: 20, ExtraTimeS: 2, MemoryKB: 262144, Processes: 4}
	report, err := w.Box.Execute(ctx, boxdir, argv, nil, &stdout, &stderr, checkerLimits, nil, nil)
	if err != nil {
		return 0, "", fmt.Errorf("op=worker.runChecker.execute: %w", err)
	}
	if report.Cause != sandbox.CauseOK {
		return 0, "", fmt.Errorf("op=worker.runChecker: checker itself failed: %s: %w", report.Cause, domain.ErrInternal)
	}

	return parseVerdict(stdout.String())
}

// fetchSources resolves the job's source files and language: submission
// rows for Compile/Evaluate, user-test rows for the *Test variants.
func (w *Worker) fetchSources(ctx context.Context, job domain.Job) (string, map[string][]byte, error) {
	var language string
	var digests map[string]string

	switch job.Kind {
	case domain.JobCompileTest, domain.JobEvaluateTest:
		ut, err := w.UserTests.Get(ctx, job.UserTestID)
		if err != nil {
			return "", nil, fmt.Errorf("op=worker.fetchSources.usertest: %w", err)
		}
		language, digests = ut.Language, ut.Files
	default:
		submission, err := w.Submissions.Get(ctx, job.SubmissionID)
		if err != nil {
			return "", nil, fmt.Errorf("op=worker.fetchSources: %w", err)
		}
		language, digests = submission.Language, submission.Files
	}

	files := make(map[string][]byte, len(digests))
	for name, digest := range digests {
		content, err := w.Blobs.Get(digest)
		if err != nil {
			return "", nil, fmt.Errorf("op=worker.fetchSources.blob: %w", err)
		}
		files[name] = content
	}
	return language, files, nil
}

func (w *Worker) materializeFiles(boxdir string, files map[string][]byte) error {
	return sandbox.PutFiles(boxdir, files, 0o644)
}

func (w *Worker) materializeManagers(boxdir string, managers []domain.Manager) error {
	files := make(map[string][]byte, len(managers))
	for _, m := range managers {
		content, err := w.Blobs.Get(m.Digest)
		if err != nil {
			return fmt.Errorf("op=worker.materializeManagers: %w", err)
		}
		files[m.Filename] = content
	}
	return sandbox.PutFiles(boxdir, files, 0o755)
}

func (w *Worker) materializeExecutables(boxdir string, executables []domain.Executable) error {
	files := make(map[string][]byte, len(executables))
	for _, e := range executables {
		content, err := w.Blobs.Get(e.Digest)
		if err != nil {
			return fmt.Errorf("op=worker.materializeExecutables: %w", err)
		}
		files[e.Filename] = content
	}
	return sandbox.PutFiles(boxdir, files, 0o755)
}

// uploadExecutables reads back the recipe's compiled artifact and uploads
// it to BlobStore, returning filename -> digest.
func (w *Worker) uploadExecutables(boxdir string, recipe LanguageRecipe) (map[string]string, error) {
	binName := recipe.ArtifactName()
	if binName == "" {
		return nil, fmt.Errorf("op=worker.uploadExecutables: recipe %q declares no artifact or run_command: %w", recipe.Name, domain.ErrInvalidArgument)
	}
	content, err := os.ReadFile(filepath.Join(boxdir, binName))
	if err != nil {
		return nil, fmt.Errorf("op=worker.uploadExecutables: %w", err)
	}
	digest, err := w.Blobs.Put(content)
	if err != nil {
		return nil, fmt.Errorf("op=worker.uploadExecutables: %w", err)
	}
	return map[string]string{binName: digest}, nil
}

// NewWorkerID returns a fresh UUID-based Worker identity for RPC
// registration.
func NewWorkerID() string {
	return uuid.NewString()
}
