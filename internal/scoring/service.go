package scoring

import (
	"context"
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

var tracer = otel.Tracer("contest-core/scoring")

// ScoreChange is the delta the ScoringService hands to the ProxyService for
// mirroring to the external ranking endpoint.
type ScoreChange struct {
	ContestID       string
	TaskID          string
	ParticipationID string
	SubmissionID    string
	Timestamp       time.Time
	SubmissionScore float64
	TaskScore       float64
	Tokened         bool
	RankingDetails  []byte
}

// Notifier receives score changes for asynchronous mirroring. Cross-service
// invalidation is a message, never shared memory.
type Notifier interface {
	ScoreChanged(ctx context.Context, change ScoreChange) error
}

// Service is the ScoringService: once all evaluations for a
// (submission, dataset) tuple are complete, it computes per-testcase
// outcomes -> subtask scores -> submission score, then recomputes the
// user-visible task score. Score updates on a single (participation, task)
// are serialised by a keyed mutex.
type Service struct {
	Results        domain.SubmissionResultRepository
	Evaluations    domain.EvaluationRepository
	Submissions    domain.SubmissionRepository
	Datasets       domain.DatasetRepository
	Tasks          domain.TaskRepository
	Participations domain.ParticipationRepository
	Notifier       Notifier

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// lockFor returns the mutex serialising score updates for one
// (participation, task) pair, creating it on first use.
func (s *Service) lockFor(participationID, taskID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks == nil {
		s.locks = map[string]*sync.Mutex{}
	}
	key := participationID + "/" + taskID
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// ScoreResult drives one SubmissionResult from EVALUATED through SCORING to
// SCORED. Running it twice on the same inputs yields the same outputs; a
// result already SCORED is a no-op. On a score-type error the result is
// halted with a recorded ScoreError, an operator alert is logged, and
// nothing is published.
func (s *Service) ScoreResult(ctx context.Context, submissionResultID string) error {
	ctx, span := tracer.Start(ctx, "scoring.ScoreResult", trace.WithAttributes(
		attribute.String("submission_result.id", submissionResultID)))
	defer span.End()
	start := time.Now()

	r, err := s.Results.Get(ctx, submissionResultID)
	if err != nil {
		return fmt.Errorf("op=scoring.ScoreResult.get: %w", err)
	}
	switch r.State {
	case domain.ResultScored:
		return nil
	case domain.ResultEvaluated, domain.ResultScoring:
	default:
		return fmt.Errorf("op=scoring.ScoreResult: result %s in state %s: %w", r.ID, r.State, domain.ErrConflict)
	}

	r.State = domain.ResultScoring
	if err := s.Results.Update(ctx, r); err != nil {
		return fmt.Errorf("op=scoring.ScoreResult.mark_scoring: %w", err)
	}

	dataset, err := s.Datasets.Get(ctx, r.DatasetID)
	if err != nil {
		return fmt.Errorf("op=scoring.ScoreResult.dataset: %w", err)
	}
	testcases, err := s.Datasets.Testcases(ctx, dataset.ID)
	if err != nil {
		return fmt.Errorf("op=scoring.ScoreResult.testcases: %w", err)
	}
	submission, err := s.Submissions.Get(ctx, r.SubmissionID)
	if err != nil {
		return fmt.Errorf("op=scoring.ScoreResult.submission: %w", err)
	}
	task, err := s.Tasks.Get(ctx, submission.TaskID)
	if err != nil {
		return fmt.Errorf("op=scoring.ScoreResult.task: %w", err)
	}

	var computed Computed
	if r.CompilationOutcome != nil && *r.CompilationOutcome == domain.CompilationOutcomeFail {
		// Compile failure contributes the score type's zero: no evaluations
		// exist, the score is 0 with empty details.
		computed = Computed{ScoreDetails: []byte(`{}`), PublicScoreDetails: []byte(`{}`), RankingScoreDetails: []byte(`[]`)}
	} else {
		evals, err := s.Evaluations.ListByResult(ctx, r.ID)
		if err != nil {
			return fmt.Errorf("op=scoring.ScoreResult.evaluations: %w", err)
		}
		if len(evals) != len(testcases) {
			return s.halt(ctx, r, fmt.Errorf("op=scoring.ScoreResult: %d evaluations for %d testcases: %w", len(evals), len(testcases), domain.ErrInvalidArgument))
		}
		computed, err = Compute(ComputeInput{
			ScoreType:     dataset.ScoreType,
			Parameters:    dataset.ScoreTypeParameters,
			Testcases:     testcases,
			Evaluations:   evals,
			FeedbackLevel: task.FeedbackLevel,
		})
		if err != nil {
			return s.halt(ctx, r, err)
		}
	}

	score := Round(computed.Score, task.ScorePrecision)
	publicScore := Round(computed.PublicScore, task.ScorePrecision)
	if score < 0 || score > task.MaxScore {
		return s.halt(ctx, r, fmt.Errorf("op=scoring.ScoreResult: score %v outside [0,%v]: %w", score, task.MaxScore, domain.ErrInvalidArgument))
	}

	r.Score = &score
	r.ScoreDetails = computed.ScoreDetails
	r.PublicScore = &publicScore
	r.PublicScoreDetails = computed.PublicScoreDetails
	r.RankingScoreDetails = computed.RankingScoreDetails
	r.ScoreError = ""
	r.State = domain.ResultScored
	if err := s.Results.Update(ctx, r); err != nil {
		return fmt.Errorf("op=scoring.ScoreResult.update: %w", err)
	}

	observability.ObserveScore(string(dataset.ScoreType), score, task.MaxScore)
	observability.ScoreComputeDuration.WithLabelValues(string(dataset.ScoreType)).Observe(time.Since(start).Seconds())
	slog.Info("submission result scored",
		slog.String("submission_result_id", r.ID),
		slog.String("submission_id", r.SubmissionID),
		slog.Float64("score", score))

	return s.recomputeTaskScore(ctx, submission, task, r, score)
}

// halt records a persistent invariant violation on the result without
// advancing it to SCORED; the affected SubmissionResult stops, others are
// untouched, and an operator alert is raised.
func (s *Service) halt(ctx context.Context, r domain.SubmissionResult, cause error) error {
	r.ScoreError = cause.Error()
	if err := s.Results.Update(ctx, r); err != nil {
		slog.Error("failed to record score error", slog.String("submission_result_id", r.ID), slog.Any("error", err))
	}
	slog.Error("scoring halted on invariant violation; operator attention required",
		slog.String("submission_result_id", r.ID),
		slog.Any("error", cause))
	return cause
}

// recomputeTaskScore recomputes the user-visible task score for the
// submission's (participation, task) and notifies the proxy. Serialised per
// pair so concurrent ScoreResult calls cannot interleave task-score reads
// and writes.
func (s *Service) recomputeTaskScore(ctx context.Context, submission domain.Submission, task domain.Task, scored domain.SubmissionResult, submissionScore float64) error {
	lock := s.lockFor(submission.ParticipationID, task.ID)
	lock.Lock()
	defer lock.Unlock()

	ctx, span := tracer.Start(ctx, "scoring.recomputeTaskScore")
	defer span.End()

	submissions, err := s.Submissions.ListByParticipationTask(ctx, submission.ParticipationID, task.ID)
	if err != nil {
		return fmt.Errorf("op=scoring.recomputeTaskScore.submissions: %w", err)
	}
	results, err := s.Results.ListByParticipationTask(ctx, submission.ParticipationID, task.ID)
	if err != nil {
		return fmt.Errorf("op=scoring.recomputeTaskScore.results: %w", err)
	}

	activeDataset := ""
	if task.ActiveDatasetID != nil {
		activeDataset = *task.ActiveDatasetID
	}
	bySubmission := map[string]domain.SubmissionResult{}
	for _, r := range results {
		if r.DatasetID == activeDataset {
			bySubmission[r.SubmissionID] = r
		}
	}

	scores := make([]SubmissionScore, 0, len(submissions))
	for _, sub := range submissions {
		r, ok := bySubmission[sub.ID]
		if !ok || r.Score == nil {
			// Not yet scored against the active dataset: contributes zero,
			// and a later ScoreResult will recompute.
			scores = append(scores, SubmissionScore{SubmissionID: sub.ID, Timestamp: sub.Timestamp, Tokened: sub.TokenUsed})
			continue
		}
		scores = append(scores, SubmissionScore{
			SubmissionID:  sub.ID,
			Timestamp:     sub.Timestamp,
			Tokened:       sub.TokenUsed,
			Score:         *r.Score,
			SubtaskScores: SubtaskScoresFromDetails(r.ScoreDetails),
		})
	}

	taskScore := Round(TaskScore(task.ScoreMode, scores), task.ScorePrecision)
	slog.Info("task score recomputed",
		slog.String("participation_id", submission.ParticipationID),
		slog.String("task_id", task.ID),
		slog.Float64("task_score", taskScore))

	if s.Notifier == nil {
		return nil
	}
	change := ScoreChange{
		ContestID:       task.ContestID,
		TaskID:          task.ID,
		ParticipationID: submission.ParticipationID,
		SubmissionID:    submission.ID,
		Timestamp:       submission.Timestamp,
		SubmissionScore: submissionScore,
		TaskScore:       taskScore,
		Tokened:         submission.TokenUsed,
		RankingDetails:  scored.RankingScoreDetails,
	}
	if err := s.Notifier.ScoreChanged(ctx, change); err != nil {
		// Delivery is the proxy's responsibility to retry; a failed handoff
		// is logged but does not unwind the already-committed score.
		slog.Error("score change notification failed", slog.String("submission_id", submission.ID), slog.Any("error", err))
	}
	return nil
}
