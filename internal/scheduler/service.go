package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/contest-core/internal/domain"
	"github.com/fairyhunter13/contest-core/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("contest-core/scheduler")

// Dispatcher carries a popped Job descriptor to the Workers. Production
// wiring is the Kafka producer in internal/adapter/queue/kafka; tests use
// an in-process fake.
type Dispatcher interface {
	Dispatch(ctx context.Context, job domain.Job) error
}

// Scorer is the ScoringService port the scheduler notifies once a
// SubmissionResult reaches EVALUATED.
type Scorer interface {
	ScoreResult(ctx context.Context, submissionResultID string) error
}

// InvalidationLevel selects how much of a SubmissionResult an
// invalidate_submission request clears.
type InvalidationLevel string

// Invalidation levels.
const (
	InvalidateCompilation InvalidationLevel = "compilation"
	InvalidateEvaluation  InvalidationLevel = "evaluation"
)

// compile jobs run under fixed limits (see worker.processCompile); their
// wall budget is likewise fixed.
const compileWallBudgetS = 22

// Service is the EvaluationService. Transitions of the per-SubmissionResult
// state machine are driven by exactly two things: a new Submission
// appearing, and a JobResult arriving.
type Service struct {
	Queue    *MemoryQueue
	Dispatch Dispatcher
	Pool     *WorkerPool
	Scorer   Scorer

	Results        domain.SubmissionResultRepository
	Evaluations    domain.EvaluationRepository
	Submissions    domain.SubmissionRepository
	Datasets       domain.DatasetRepository
	Tasks          domain.TaskRepository
	Executables    domain.ExecutableRepository
	UserTests      domain.UserTestRepository
	Participations domain.ParticipationRepository

	MaxCompilationTries int
	MaxEvaluationTries  int
	MaxQueueDepth       int

	mu       sync.Mutex
	inflight map[domain.Fingerprint]domain.Job
}

// markInflight records that a fingerprint has been handed to the transport.
// Together with the queue's own dedup this enforces at most one concurrent
// effective attempt per fingerprint.
func (s *Service) markInflight(job domain.Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight == nil {
		s.inflight = map[domain.Fingerprint]domain.Job{}
	}
	fp := job.Fingerprint()
	if _, busy := s.inflight[fp]; busy {
		return false
	}
	s.inflight[fp] = job
	return true
}

func (s *Service) clearInflight(fp domain.Fingerprint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, fp)
}

func (s *Service) isInflight(fp domain.Fingerprint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[fp]
	return ok
}

// Enqueue places a job descriptor in the priority queue. Beyond
// MaxQueueDepth, autojudge and other low-priority enqueues are refused with
// ErrSaturated and a saturation warning is logged; contest-time submissions
// are never refused.
func (s *Service) Enqueue(ctx context.Context, job domain.Job) error {
	if s.MaxQueueDepth > 0 && s.Queue.Depth() >= s.MaxQueueDepth &&
		(job.Priority == domain.PriorityLow || job.Priority == domain.PriorityExtraLow) {
		slog.Warn("job queue saturated; refusing low-priority enqueue",
			slog.Int("depth", s.Queue.Depth()),
			slog.String("fingerprint", string(job.Fingerprint())))
		return fmt.Errorf("op=scheduler.Enqueue: %w", domain.ErrSaturated)
	}
	if s.isInflight(job.Fingerprint()) {
		return nil
	}
	if s.Queue.Push(job) {
		observability.EnqueueJob(string(job.Kind), job.Priority.String())
	}
	return nil
}

// requeueHead puts a returned or lost job back at the head of its band with
// its tries counter advanced.
func (s *Service) requeueHead(job domain.Job) {
	s.clearInflight(job.Fingerprint())
	job.Tries++
	if s.Queue.PushHead(job) {
		observability.RetryJob(string(job.Kind))
	}
}

// ReclaimLostJob is the worker pool's callback for a Job whose Worker
// disconnected or overran its heartbeat deadline: back to the head of its
// band with tries incremented.
func (s *Service) ReclaimLostJob(job domain.Job) {
	s.requeueHead(job)
}

// NewSubmission handles the web tier's notification that a submission row
// appeared. It
// creates the SubmissionResult for the task's active dataset lazily and
// enqueues a Compile job at HIGH priority.
func (s *Service) NewSubmission(ctx context.Context, submissionID string) error {
	ctx, span := tracer.Start(ctx, "scheduler.NewSubmission", trace.WithAttributes(
		attribute.String("submission.id", submissionID)))
	defer span.End()

	submission, err := s.Submissions.Get(ctx, submissionID)
	if err != nil {
		return fmt.Errorf("op=scheduler.NewSubmission.get: %w", err)
	}
	task, err := s.Tasks.Get(ctx, submission.TaskID)
	if err != nil {
		return fmt.Errorf("op=scheduler.NewSubmission.task: %w", err)
	}
	if task.ActiveDatasetID == nil {
		// Task has no active dataset: nothing to evaluate against, skip.
		slog.Info("submission skipped: task has no active dataset",
			slog.String("submission_id", submissionID),
			slog.String("task_id", task.ID))
		return nil
	}
	datasetID := *task.ActiveDatasetID

	result, created, err := s.Results.GetOrCreate(ctx, submissionID, datasetID)
	if err != nil {
		return fmt.Errorf("op=scheduler.NewSubmission.result: %w", err)
	}
	if !created && result.State != domain.ResultCompiling {
		return nil
	}

	slog.Info("submission noticed; compile job enqueued",
		slog.String("submission_id", submissionID),
		slog.String("dataset_id", datasetID))
	return s.Enqueue(ctx, domain.Job{
		Kind:         domain.JobCompile,
		Priority:     domain.PriorityHigh,
		SubmissionID: submissionID,
		DatasetID:    datasetID,
		WallBudgetS:  compileWallBudgetS,
		Tries:        result.CompilationTries,
	})
}

// NewUserTest enqueues compilation of a contestant-supplied test at MEDIUM
// priority.
func (s *Service) NewUserTest(ctx context.Context, userTestID string) error {
	ut, err := s.UserTests.Get(ctx, userTestID)
	if err != nil {
		return fmt.Errorf("op=scheduler.NewUserTest.get: %w", err)
	}
	task, err := s.Tasks.Get(ctx, ut.TaskID)
	if err != nil {
		return fmt.Errorf("op=scheduler.NewUserTest.task: %w", err)
	}
	if task.ActiveDatasetID == nil {
		return nil
	}
	return s.Enqueue(ctx, domain.Job{
		Kind:        domain.JobCompileTest,
		Priority:    domain.PriorityMedium,
		UserTestID:  userTestID,
		DatasetID:   *task.ActiveDatasetID,
		WallBudgetS: compileWallBudgetS,
	})
}

// Run drives the dispatcher loop: one task reading from the priority queue,
// handing each descriptor to the transport. A failed dispatch re-enters the
// job at the head of its band.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler dispatcher stopping")
			return
		case <-ticker.C:
			for {
				job, ok := s.Queue.Pop()
				if !ok {
					break
				}
				if !s.markInflight(job) {
					// A result for this fingerprint is still pending; the
					// descriptor will be re-created if it is still needed.
					continue
				}
				observability.StartProcessingJob(string(job.Kind))
				if err := s.Dispatch.Dispatch(ctx, job); err != nil {
					slog.Error("job dispatch failed; re-enqueueing at head",
						slog.String("fingerprint", string(job.Fingerprint())),
						slog.Any("error", err))
					observability.FailJob(string(job.Kind), "dispatch")
					s.requeueHead(job)
				}
			}
		}
	}
}

// HandleJobResult ingests one JobResult. Persistence is keyed on the Job
// fingerprint; later-arriving results for keys already completed are
// discarded, so a Job that ran twice after a timeout still transitions to a
// terminal state exactly once.
func (s *Service) HandleJobResult(ctx context.Context, res domain.JobResult) error {
	ctx, span := tracer.Start(ctx, "scheduler.HandleJobResult", trace.WithAttributes(
		attribute.String("job.kind", string(res.Job.Kind)),
		attribute.String("job.fingerprint", string(res.Job.Fingerprint())),
		attribute.Bool("job.failed", res.Failed)))
	defer span.End()

	fp := res.Job.Fingerprint()
	s.clearInflight(fp)
	s.Pool.JobFinished(fp)

	switch res.Job.Kind {
	case domain.JobCompile:
		return s.handleCompileResult(ctx, res)
	case domain.JobEvaluate:
		return s.handleEvaluateResult(ctx, res)
	case domain.JobCompileTest, domain.JobEvaluateTest:
		return s.handleUserTestResult(ctx, res)
	default:
		return fmt.Errorf("op=scheduler.HandleJobResult: unknown job kind %q: %w", res.Job.Kind, domain.ErrInvalidArgument)
	}
}

func (s *Service) handleCompileResult(ctx context.Context, res domain.JobResult) error {
	result, err := s.Results.GetByFingerprint(ctx, res.Job.SubmissionID, res.Job.DatasetID)
	if errors.Is(err, domain.ErrNotFound) {
		// No SubmissionResult exists for this (submission, dataset) pair;
		// discard silently.
		slog.Debug("discarding compile result for vanished submission result",
			slog.String("fingerprint", string(res.Job.Fingerprint())))
		return nil
	}
	if err != nil {
		return fmt.Errorf("op=scheduler.handleCompileResult.get: %w", err)
	}
	if result.State != domain.ResultCompiling {
		slog.Info("discarding superseded compile result",
			slog.String("submission_result_id", result.ID),
			slog.String("state", string(result.State)))
		return nil
	}

	if res.Failed {
		return s.compileAttemptFailed(ctx, result, res)
	}

	result.CompilationTries++
	result.CompilationOutcome = res.CompilationOutcome
	result.CompilationText = res.CompilationText
	result.CompilationTimeS = res.CompilationTimeS
	result.CompilationMemoryKB = res.CompilationMemoryKB

	if res.CompilationOutcome != nil && *res.CompilationOutcome == domain.CompilationOutcomeFail {
		// Contestant-visible compile failure: terminal, score is the score
		// type's zero contribution, no evaluations.
		zero := 0.0
		result.State = domain.ResultCompilationFailed
		result.Score = &zero
		result.PublicScore = &zero
		result.ScoreDetails = []byte(`{}`)
		result.PublicScoreDetails = []byte(`{}`)
		result.RankingScoreDetails = []byte(`[]`)
		if err := s.Results.Update(ctx, result); err != nil {
			return fmt.Errorf("op=scheduler.handleCompileResult.fail: %w", err)
		}
		observability.CompleteJob(string(res.Job.Kind))
		slog.Info("compilation failed (contestant-visible)",
			slog.String("submission_result_id", result.ID))
		return nil
	}

	for filename, digest := range res.ExecutableDigests {
		if err := s.Executables.Upsert(ctx, domain.Executable{
			SubmissionID: result.SubmissionID,
			DatasetID:    result.DatasetID,
			Filename:     filename,
			Digest:       digest,
		}); err != nil {
			return fmt.Errorf("op=scheduler.handleCompileResult.executable: %w", err)
		}
	}

	result.State = domain.ResultEvaluating
	if err := s.Results.Update(ctx, result); err != nil {
		return fmt.Errorf("op=scheduler.handleCompileResult.update: %w", err)
	}
	observability.CompleteJob(string(res.Job.Kind))

	return s.enqueueEvaluations(ctx, result, res.Job.Priority)
}

// compileAttemptFailed applies the retry policy to a transient or poisonous
// compile failure.
func (s *Service) compileAttemptFailed(ctx context.Context, result domain.SubmissionResult, res domain.JobResult) error {
	result.CompilationTries++
	if err := s.Results.Update(ctx, result); err != nil {
		return fmt.Errorf("op=scheduler.compileAttemptFailed.tries: %w", err)
	}
	observability.FailJob(string(res.Job.Kind), string(res.FailureClass))

	if !res.IsPoisonous() && result.CompilationTries < s.MaxCompilationTries {
		job := res.Job
		job.Tries = result.CompilationTries
		s.requeueHead(job)
		return nil
	}

	// Cap reached (or the Job is poisonous): synthetic system-error outcome
	// so one flaky worker cannot block medal computation forever.
	fail := domain.CompilationOutcomeFail
	zero := 0.0
	result.CompilationOutcome = &fail
	result.CompilationText = fmt.Sprintf("system error: compilation failed after %d tries", result.CompilationTries)
	result.State = domain.ResultCompilationFailed
	result.Score = &zero
	result.PublicScore = &zero
	result.ScoreDetails = []byte(`{}`)
	result.PublicScoreDetails = []byte(`{}`)
	result.RankingScoreDetails = []byte(`[]`)
	if err := s.Results.Update(ctx, result); err != nil {
		return fmt.Errorf("op=scheduler.compileAttemptFailed.cap: %w", err)
	}
	slog.Error("compilation abandoned after retry cap; operator attention suggested",
		slog.String("submission_result_id", result.ID),
		slog.Int("tries", result.CompilationTries),
		slog.String("failure_class", string(res.FailureClass)))
	return nil
}

// enqueueEvaluations creates one Evaluate job per testcase that does not
// yet have a persisted Evaluation.
func (s *Service) enqueueEvaluations(ctx context.Context, result domain.SubmissionResult, priority domain.Priority) error {
	dataset, err := s.Datasets.Get(ctx, result.DatasetID)
	if err != nil {
		return fmt.Errorf("op=scheduler.enqueueEvaluations.dataset: %w", err)
	}
	testcases, err := s.Datasets.Testcases(ctx, dataset.ID)
	if err != nil {
		return fmt.Errorf("op=scheduler.enqueueEvaluations.testcases: %w", err)
	}
	evals, err := s.Evaluations.ListByResult(ctx, result.ID)
	if err != nil {
		return fmt.Errorf("op=scheduler.enqueueEvaluations.evals: %w", err)
	}
	done := make(map[string]bool, len(evals))
	for _, e := range evals {
		done[e.TestcaseCodename] = true
	}

	wallBudget := dataset.TimeLimitS*2 + 1
	for _, tc := range testcases {
		if done[tc.Codename] {
			continue
		}
		if err := s.Enqueue(ctx, domain.Job{
			Kind:             domain.JobEvaluate,
			Priority:         priority,
			SubmissionID:     result.SubmissionID,
			DatasetID:        result.DatasetID,
			TestcaseCodename: tc.Codename,
			WallBudgetS:      wallBudget,
			Tries:            result.EvaluationTries,
		}); err != nil && !errors.Is(err, domain.ErrSaturated) {
			return err
		}
	}
	return nil
}

func (s *Service) handleEvaluateResult(ctx context.Context, res domain.JobResult) error {
	result, err := s.Results.GetByFingerprint(ctx, res.Job.SubmissionID, res.Job.DatasetID)
	if errors.Is(err, domain.ErrNotFound) {
		slog.Debug("discarding evaluate result for vanished submission result",
			slog.String("fingerprint", string(res.Job.Fingerprint())))
		return nil
	}
	if err != nil {
		return fmt.Errorf("op=scheduler.handleEvaluateResult.get: %w", err)
	}
	if result.State != domain.ResultEvaluating {
		slog.Info("discarding superseded evaluate result",
			slog.String("submission_result_id", result.ID),
			slog.String("state", string(result.State)))
		return nil
	}

	evals, err := s.Evaluations.ListByResult(ctx, result.ID)
	if err != nil {
		return fmt.Errorf("op=scheduler.handleEvaluateResult.evals: %w", err)
	}
	for _, e := range evals {
		if e.TestcaseCodename == res.Job.TestcaseCodename {
			// This fingerprint already reached its terminal state once; the
			// tries counter records the ambiguity for audit.
			slog.Info("discarding duplicate evaluate result",
				slog.String("submission_result_id", result.ID),
				slog.String("testcase", res.Job.TestcaseCodename))
			return nil
		}
	}

	if res.Failed {
		return s.evaluateAttemptFailed(ctx, result, res)
	}

	result.EvaluationTries++
	if err := s.Results.Update(ctx, result); err != nil {
		return fmt.Errorf("op=scheduler.handleEvaluateResult.tries: %w", err)
	}
	observability.CompleteJob(string(res.Job.Kind))
	return s.recordEvaluation(ctx, result, domain.Evaluation{
		SubmissionResultID: result.ID,
		DatasetID:          result.DatasetID,
		TestcaseCodename:   res.Job.TestcaseCodename,
		Outcome:            res.Outcome,
		TextTemplate:       res.TextTemplate,
		TextArgs:           res.TextArgs,
		ExecTimeS:          res.ExecTimeS,
		WallTimeS:          res.WallTimeS,
		MemoryKB:           res.MemoryKB,
		WorkerID:           res.WorkerID,
	})
}

func (s *Service) evaluateAttemptFailed(ctx context.Context, result domain.SubmissionResult, res domain.JobResult) error {
	result.EvaluationTries++
	if err := s.Results.Update(ctx, result); err != nil {
		return fmt.Errorf("op=scheduler.evaluateAttemptFailed.tries: %w", err)
	}
	observability.FailJob(string(res.Job.Kind), string(res.FailureClass))

	if res.IsPoisonous() {
		// Persistent invariant violation (checker score out of range,
		// manager crashing repeatedly): halt this SubmissionResult, alert
		// the operator, touch nothing else.
		result.ScoreError = fmt.Sprintf("invariant violation evaluating testcase %s", res.Job.TestcaseCodename)
		if err := s.Results.Update(ctx, result); err != nil {
			return fmt.Errorf("op=scheduler.evaluateAttemptFailed.poison: %w", err)
		}
		slog.Error("evaluation halted on invariant violation; operator attention required",
			slog.String("submission_result_id", result.ID),
			slog.String("testcase", res.Job.TestcaseCodename))
		return nil
	}

	if result.EvaluationTries < s.MaxEvaluationTries {
		job := res.Job
		job.Tries = result.EvaluationTries
		s.requeueHead(job)
		return nil
	}

	slog.Error("evaluation abandoned after retry cap; recording synthetic outcome",
		slog.String("submission_result_id", result.ID),
		slog.String("testcase", res.Job.TestcaseCodename),
		slog.Int("tries", result.EvaluationTries))
	return s.recordEvaluation(ctx, result, domain.Evaluation{
		SubmissionResultID: result.ID,
		DatasetID:          result.DatasetID,
		TestcaseCodename:   res.Job.TestcaseCodename,
		Outcome:            "0.0",
		TextTemplate:       "execution failed after %d tries",
		TextArgs:           []string{fmt.Sprintf("%d", result.EvaluationTries)},
		WorkerID:           res.WorkerID,
	})
}

// recordEvaluation persists one testcase outcome and, when the evaluation
// set becomes complete, advances the result to EVALUATED and hands it to
// the ScoringService.
func (s *Service) recordEvaluation(ctx context.Context, result domain.SubmissionResult, eval domain.Evaluation) error {
	if err := s.Evaluations.Upsert(ctx, eval); err != nil {
		return fmt.Errorf("op=scheduler.recordEvaluation.upsert: %w", err)
	}

	testcases, err := s.Datasets.Testcases(ctx, result.DatasetID)
	if err != nil {
		return fmt.Errorf("op=scheduler.recordEvaluation.testcases: %w", err)
	}
	evals, err := s.Evaluations.ListByResult(ctx, result.ID)
	if err != nil {
		return fmt.Errorf("op=scheduler.recordEvaluation.evals: %w", err)
	}
	if len(evals) < len(testcases) {
		return nil
	}

	ok := domain.EvaluationOutcomeOK
	result.EvaluationOutcome = &ok
	result.State = domain.ResultEvaluated
	if err := s.Results.Update(ctx, result); err != nil {
		return fmt.Errorf("op=scheduler.recordEvaluation.update: %w", err)
	}
	slog.Info("all evaluations complete",
		slog.String("submission_result_id", result.ID),
		slog.Int("testcases", len(testcases)))

	if s.Scorer == nil {
		return nil
	}
	if err := s.Scorer.ScoreResult(ctx, result.ID); err != nil {
		// Scoring failures are recorded on the result by the scorer; the
		// scheduler's transition is already durable.
		slog.Error("scoring failed", slog.String("submission_result_id", result.ID), slog.Any("error", err))
	}
	return nil
}

func (s *Service) handleUserTestResult(ctx context.Context, res domain.JobResult) error {
	if res.Failed {
		observability.FailJob(string(res.Job.Kind), string(res.FailureClass))
		slog.Warn("user test job failed",
			slog.String("fingerprint", string(res.Job.Fingerprint())),
			slog.String("failure_class", string(res.FailureClass)))
		return nil
	}
	observability.CompleteJob(string(res.Job.Kind))

	utr := domain.UserTestResult{
		UserTestID:         res.Job.UserTestID,
		DatasetID:          res.Job.DatasetID,
		CompilationOutcome: res.CompilationOutcome,
		CompilationText:    res.CompilationText,
		ExecTimeS:          res.ExecTimeS,
		MemoryKB:           res.MemoryKB,
	}
	switch res.Job.Kind {
	case domain.JobCompileTest:
		utr.State = domain.ResultEvaluating
		if res.CompilationOutcome != nil && *res.CompilationOutcome == domain.CompilationOutcomeFail {
			utr.State = domain.ResultCompilationFailed
		}
	case domain.JobEvaluateTest:
		ok := domain.EvaluationOutcomeOK
		utr.EvaluationOutcome = &ok
		utr.State = domain.ResultEvaluated
	}
	if err := s.UserTests.UpsertResult(ctx, utr); err != nil {
		return fmt.Errorf("op=scheduler.handleUserTestResult: %w", err)
	}

	// A successful user-test compile chains straight into its evaluation.
	if res.Job.Kind == domain.JobCompileTest && utr.State == domain.ResultEvaluating {
		job := domain.Job{
			Kind:        domain.JobEvaluateTest,
			Priority:    domain.PriorityMedium,
			UserTestID:  res.Job.UserTestID,
			DatasetID:   res.Job.DatasetID,
			WallBudgetS: res.Job.WallBudgetS,
		}
		return s.Enqueue(ctx, job)
	}
	return nil
}

// InvalidateSubmission is the admin re-queue: it clears the named
// level's fields (setting them back to unset) and re-enqueues the
// corresponding Jobs at EXTRA priority. Tries counters are never reset;
// they are monotone for audit.
func (s *Service) InvalidateSubmission(ctx context.Context, submissionID string, datasetID *string, level InvalidationLevel) error {
	ctx, span := tracer.Start(ctx, "scheduler.InvalidateSubmission", trace.WithAttributes(
		attribute.String("submission.id", submissionID),
		attribute.String("level", string(level))))
	defer span.End()

	target := ""
	if datasetID != nil {
		target = *datasetID
	} else {
		submission, err := s.Submissions.Get(ctx, submissionID)
		if err != nil {
			return fmt.Errorf("op=scheduler.InvalidateSubmission.submission: %w", err)
		}
		task, err := s.Tasks.Get(ctx, submission.TaskID)
		if err != nil {
			return fmt.Errorf("op=scheduler.InvalidateSubmission.task: %w", err)
		}
		if task.ActiveDatasetID == nil {
			return nil
		}
		target = *task.ActiveDatasetID
	}

	result, err := s.Results.GetByFingerprint(ctx, submissionID, target)
	if err != nil {
		return fmt.Errorf("op=scheduler.InvalidateSubmission.result: %w", err)
	}

	if err := s.Evaluations.DeleteByResult(ctx, result.ID); err != nil {
		return fmt.Errorf("op=scheduler.InvalidateSubmission.evals: %w", err)
	}
	result.EvaluationOutcome = nil
	result.Score = nil
	result.ScoreDetails = nil
	result.PublicScore = nil
	result.PublicScoreDetails = nil
	result.RankingScoreDetails = nil
	result.ScoreError = ""

	switch level {
	case InvalidateCompilation:
		result.CompilationOutcome = nil
		result.CompilationText = ""
		result.CompilationTimeS = 0
		result.CompilationMemoryKB = 0
		result.State = domain.ResultCompiling
	case InvalidateEvaluation:
		// The compile outcome and this dataset's executables are kept.
		result.State = domain.ResultEvaluating
	default:
		return fmt.Errorf("op=scheduler.InvalidateSubmission: unknown level %q: %w", level, domain.ErrInvalidArgument)
	}
	if err := s.Results.Update(ctx, result); err != nil {
		return fmt.Errorf("op=scheduler.InvalidateSubmission.update: %w", err)
	}

	slog.Info("submission result invalidated",
		slog.String("submission_result_id", result.ID),
		slog.String("level", string(level)))

	if level == InvalidateCompilation {
		return s.Enqueue(ctx, domain.Job{
			Kind:         domain.JobCompile,
			Priority:     domain.PriorityExtra,
			SubmissionID: submissionID,
			DatasetID:    target,
			WallBudgetS:  compileWallBudgetS,
			Tries:        result.CompilationTries,
		})
	}
	return s.enqueueEvaluations(ctx, result, domain.PriorityExtra)
}

// SwapActiveDataset changes a task's active dataset and re-enqueues every
// affected submission against the new recipe. The old dataset's
// SubmissionResults are left in place: results from Jobs still in flight
// against it carry the old dataset ID in their fingerprint and update only
// those rows, never the new dataset's.
func (s *Service) SwapActiveDataset(ctx context.Context, taskID, newDatasetID string) error {
	ctx, span := tracer.Start(ctx, "scheduler.SwapActiveDataset", trace.WithAttributes(
		attribute.String("task.id", taskID),
		attribute.String("dataset.id", newDatasetID)))
	defer span.End()

	if _, err := s.Datasets.Get(ctx, newDatasetID); err != nil {
		return fmt.Errorf("op=scheduler.SwapActiveDataset.dataset: %w", err)
	}
	if err := s.Tasks.SetActiveDataset(ctx, taskID, &newDatasetID); err != nil {
		return fmt.Errorf("op=scheduler.SwapActiveDataset.set: %w", err)
	}

	submissions, err := s.Submissions.ListByTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("op=scheduler.SwapActiveDataset.submissions: %w", err)
	}
	for _, sub := range submissions {
		result, created, err := s.Results.GetOrCreate(ctx, sub.ID, newDatasetID)
		if err != nil {
			return fmt.Errorf("op=scheduler.SwapActiveDataset.result: %w", err)
		}
		if !created && result.State == domain.ResultScored {
			continue
		}
		if err := s.Enqueue(ctx, domain.Job{
			Kind:         domain.JobCompile,
			Priority:     domain.PriorityExtra,
			SubmissionID: sub.ID,
			DatasetID:    newDatasetID,
			WallBudgetS:  compileWallBudgetS,
			Tries:        result.CompilationTries,
		}); err != nil {
			return err
		}
	}
	slog.Info("active dataset swapped; submissions re-enqueued",
		slog.String("task_id", taskID),
		slog.String("dataset_id", newDatasetID),
		slog.Int("submissions", len(submissions)))
	return nil
}

// Requeue reconstructs the outstanding Jobs for one non-terminal
// SubmissionResult. This is the unit of work behind "Recovery at startup":
// the durable state machine position alone determines what gets enqueued.
func (s *Service) Requeue(ctx context.Context, result domain.SubmissionResult) error {
	switch result.State {
	case domain.ResultCompiling:
		return s.Enqueue(ctx, domain.Job{
			Kind:         domain.JobCompile,
			Priority:     domain.PriorityHigh,
			SubmissionID: result.SubmissionID,
			DatasetID:    result.DatasetID,
			WallBudgetS:  compileWallBudgetS,
			Tries:        result.CompilationTries,
		})
	case domain.ResultEvaluating:
		return s.enqueueEvaluations(ctx, result, domain.PriorityHigh)
	case domain.ResultEvaluated, domain.ResultScoring:
		if s.Scorer == nil {
			return nil
		}
		return s.Scorer.ScoreResult(ctx, result.ID)
	default:
		return nil
	}
}

// SubmissionsStatus is the operator view of a contest's results.
func (s *Service) SubmissionsStatus(ctx context.Context, contestID string) (map[domain.ResultState]int, error) {
	return s.Results.StatusSummary(ctx, contestID)
}
