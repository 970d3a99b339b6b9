package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/contest-core/internal/domain"
)

// SubmissionResultRepo persists SubmissionResults. Rows are keyed uniquely
// by (submission_id, dataset_id) so fingerprint-based idempotence holds at
// the storage layer, not just in the scheduler's memory.
type SubmissionResultRepo struct{ Pool PgxPool }

// NewSubmissionResultRepo constructs a SubmissionResultRepo with the given pool.
func NewSubmissionResultRepo(p PgxPool) *SubmissionResultRepo { return &SubmissionResultRepo{Pool: p} }

const resultColumns = `id, submission_id, dataset_id, state, compilation_outcome, compilation_text, compilation_time_s, compilation_memory_kb, compilation_tries, evaluation_outcome, evaluation_tries, score, score_details, public_score, public_score_details, ranking_score_details, score_error, created_at, updated_at`

func scanResult(row pgx.Row) (domain.SubmissionResult, error) {
	var r domain.SubmissionResult
	err := row.Scan(&r.ID, &r.SubmissionID, &r.DatasetID, &r.State,
		&r.CompilationOutcome, &r.CompilationText, &r.CompilationTimeS, &r.CompilationMemoryKB, &r.CompilationTries,
		&r.EvaluationOutcome, &r.EvaluationTries,
		&r.Score, &r.ScoreDetails, &r.PublicScore, &r.PublicScoreDetails, &r.RankingScoreDetails,
		&r.ScoreError, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

// GetOrCreate returns the SubmissionResult for (submissionID, datasetID),
// inserting a fresh COMPILING row if absent. ON CONFLICT DO NOTHING plus a
// re-read makes concurrent creators converge on one row.
func (r *SubmissionResultRepo) GetOrCreate(ctx domain.Context, submissionID, datasetID string) (domain.SubmissionResult, bool, error) {
	tracer := otel.Tracer("repo.submission_results")
	ctx, span := tracer.Start(ctx, "submission_results.GetOrCreate")
	defer span.End()
	span.SetAttributes(spanAttrs("INSERT", "submission_results")...)

	now := time.Now().UTC()
	q := `INSERT INTO submission_results (id, submission_id, dataset_id, state, compilation_tries, evaluation_tries, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,0,0,$5,$5)
	      ON CONFLICT (submission_id, dataset_id) DO NOTHING`
	tag, err := r.Pool.Exec(ctx, q, uuid.New().String(), submissionID, datasetID, domain.ResultCompiling, now)
	if err != nil {
		return domain.SubmissionResult{}, false, fmt.Errorf("op=submission_result.get_or_create: %w", err)
	}
	created := tag.RowsAffected() == 1

	result, err := r.GetByFingerprint(ctx, submissionID, datasetID)
	if err != nil {
		return domain.SubmissionResult{}, false, err
	}
	return result, created, nil
}

// Get loads one result by id.
func (r *SubmissionResultRepo) Get(ctx domain.Context, id string) (domain.SubmissionResult, error) {
	tracer := otel.Tracer("repo.submission_results")
	ctx, span := tracer.Start(ctx, "submission_results.Get")
	defer span.End()
	span.SetAttributes(spanAttrs("SELECT", "submission_results")...)

	result, err := scanResult(r.Pool.QueryRow(ctx, `SELECT `+resultColumns+` FROM submission_results WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SubmissionResult{}, fmt.Errorf("op=submission_result.get: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.SubmissionResult{}, fmt.Errorf("op=submission_result.get: %w", err)
	}
	return result, nil
}

// GetByFingerprint loads the result keyed by (submission_id, dataset_id).
func (r *SubmissionResultRepo) GetByFingerprint(ctx domain.Context, submissionID, datasetID string) (domain.SubmissionResult, error) {
	tracer := otel.Tracer("repo.submission_results")
	ctx, span := tracer.Start(ctx, "submission_results.GetByFingerprint")
	defer span.End()
	span.SetAttributes(spanAttrs("SELECT", "submission_results")...)

	result, err := scanResult(r.Pool.QueryRow(ctx, `SELECT `+resultColumns+` FROM submission_results WHERE submission_id=$1 AND dataset_id=$2`, submissionID, datasetID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SubmissionResult{}, fmt.Errorf("op=submission_result.get_by_fingerprint: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.SubmissionResult{}, fmt.Errorf("op=submission_result.get_by_fingerprint: %w", err)
	}
	return result, nil
}

// Update rewrites one result row inside a short transaction with a row
// lock; SubmissionResult mutation always goes through here.
func (r *SubmissionResultRepo) Update(ctx domain.Context, result domain.SubmissionResult) error {
	tracer := otel.Tracer("repo.submission_results")
	ctx, span := tracer.Start(ctx, "submission_results.Update")
	defer span.End()
	span.SetAttributes(spanAttrs("UPDATE", "submission_results")...)

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("op=submission_result.update.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err := tx.Exec(ctx, `SELECT 1 FROM submission_results WHERE id=$1 FOR UPDATE`, result.ID); err != nil {
		return fmt.Errorf("op=submission_result.update.lock: %w", err)
	}
	q := `UPDATE submission_results SET
	        state=$2, compilation_outcome=$3, compilation_text=$4, compilation_time_s=$5, compilation_memory_kb=$6, compilation_tries=$7,
	        evaluation_outcome=$8, evaluation_tries=$9,
	        score=$10, score_details=$11, public_score=$12, public_score_details=$13, ranking_score_details=$14,
	        score_error=$15, updated_at=$16
	      WHERE id=$1`
	tag, err := tx.Exec(ctx, q, result.ID, result.State,
		result.CompilationOutcome, result.CompilationText, result.CompilationTimeS, result.CompilationMemoryKB, result.CompilationTries,
		result.EvaluationOutcome, result.EvaluationTries,
		result.Score, result.ScoreDetails, result.PublicScore, result.PublicScoreDetails, result.RankingScoreDetails,
		result.ScoreError, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=submission_result.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=submission_result.update: %w", domain.ErrNotFound)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=submission_result.update.commit: %w", err)
	}
	committed = true
	return nil
}

// ListNonTerminal pages through results not yet in a terminal state, for
// startup recovery and the stuck-result sweep.
func (r *SubmissionResultRepo) ListNonTerminal(ctx domain.Context, offset, limit int) ([]domain.SubmissionResult, error) {
	tracer := otel.Tracer("repo.submission_results")
	ctx, span := tracer.Start(ctx, "submission_results.ListNonTerminal")
	defer span.End()
	span.SetAttributes(spanAttrs("SELECT", "submission_results")...)

	q := `SELECT ` + resultColumns + ` FROM submission_results
	      WHERE state NOT IN ($1,$2) ORDER BY created_at OFFSET $3 LIMIT $4`
	rows, err := r.Pool.Query(ctx, q, domain.ResultScored, domain.ResultCompilationFailed, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("op=submission_result.list_non_terminal: %w", err)
	}
	defer rows.Close()
	return collectResults(rows)
}

// ListByParticipationTask loads all of a participation's results for one
// task across datasets; the scorer filters to the active dataset.
func (r *SubmissionResultRepo) ListByParticipationTask(ctx domain.Context, participationID, taskID string) ([]domain.SubmissionResult, error) {
	tracer := otel.Tracer("repo.submission_results")
	ctx, span := tracer.Start(ctx, "submission_results.ListByParticipationTask")
	defer span.End()
	span.SetAttributes(spanAttrs("SELECT", "submission_results")...)

	q := `SELECT ` + prefixedResultColumns("r") + `
	      FROM submission_results r
	      JOIN submissions s ON s.id = r.submission_id
	      WHERE s.participation_id=$1 AND s.task_id=$2 ORDER BY r.created_at`
	rows, err := r.Pool.Query(ctx, q, participationID, taskID)
	if err != nil {
		return nil, fmt.Errorf("op=submission_result.list_by_participation_task: %w", err)
	}
	defer rows.Close()
	return collectResults(rows)
}

// StatusSummary counts a contest's results by state.
func (r *SubmissionResultRepo) StatusSummary(ctx domain.Context, contestID string) (map[domain.ResultState]int, error) {
	tracer := otel.Tracer("repo.submission_results")
	ctx, span := tracer.Start(ctx, "submission_results.StatusSummary")
	defer span.End()
	span.SetAttributes(spanAttrs("SELECT", "submission_results")...)

	q := `SELECT r.state, COUNT(*)
	      FROM submission_results r
	      JOIN submissions s ON s.id = r.submission_id
	      JOIN tasks t ON t.id = s.task_id
	      WHERE t.contest_id=$1 GROUP BY r.state`
	rows, err := r.Pool.Query(ctx, q, contestID)
	if err != nil {
		return nil, fmt.Errorf("op=submission_result.status_summary: %w", err)
	}
	defer rows.Close()

	out := map[domain.ResultState]int{}
	for rows.Next() {
		var state domain.ResultState
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("op=submission_result.status_summary.scan: %w", err)
		}
		out[state] = count
	}
	return out, rows.Err()
}

func prefixedResultColumns(alias string) string {
	return alias + `.id, ` + alias + `.submission_id, ` + alias + `.dataset_id, ` + alias + `.state, ` +
		alias + `.compilation_outcome, ` + alias + `.compilation_text, ` + alias + `.compilation_time_s, ` + alias + `.compilation_memory_kb, ` + alias + `.compilation_tries, ` +
		alias + `.evaluation_outcome, ` + alias + `.evaluation_tries, ` +
		alias + `.score, ` + alias + `.score_details, ` + alias + `.public_score, ` + alias + `.public_score_details, ` + alias + `.ranking_score_details, ` +
		alias + `.score_error, ` + alias + `.created_at, ` + alias + `.updated_at`
}

func collectResults(rows pgx.Rows) ([]domain.SubmissionResult, error) {
	var out []domain.SubmissionResult
	for rows.Next() {
		result, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("op=submission_result.scan: %w", err)
		}
		out = append(out, result)
	}
	return out, rows.Err()
}

// EvaluationRepo persists per-testcase evaluations. The unique
// (submission_result_id, testcase_codename) key makes Upsert the storage
// half of at-most-once-per-completed-attempt.
type EvaluationRepo struct{ Pool PgxPool }

// NewEvaluationRepo constructs an EvaluationRepo with the given pool.
func NewEvaluationRepo(p PgxPool) *EvaluationRepo { return &EvaluationRepo{Pool: p} }

// Upsert writes one evaluation; a later write for the same key keeps the
// first outcome.
func (r *EvaluationRepo) Upsert(ctx domain.Context, e domain.Evaluation) error {
	tracer := otel.Tracer("repo.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.Upsert")
	defer span.End()
	span.SetAttributes(spanAttrs("INSERT", "evaluations")...)

	id := e.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO evaluations (id, submission_result_id, dataset_id, testcase_codename, outcome, text_template, text_args, exec_time_s, wall_time_s, memory_kb, worker_id, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	      ON CONFLICT (submission_result_id, testcase_codename) DO NOTHING`
	_, err := r.Pool.Exec(ctx, q, id, e.SubmissionResultID, e.DatasetID, e.TestcaseCodename, e.Outcome, e.TextTemplate, e.TextArgs, e.ExecTimeS, e.WallTimeS, e.MemoryKB, e.WorkerID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=evaluation.upsert: %w", err)
	}
	return nil
}

// ListByResult loads a result's evaluations ordered by codename.
func (r *EvaluationRepo) ListByResult(ctx domain.Context, submissionResultID string) ([]domain.Evaluation, error) {
	tracer := otel.Tracer("repo.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.ListByResult")
	defer span.End()
	span.SetAttributes(spanAttrs("SELECT", "evaluations")...)

	q := `SELECT id, submission_result_id, dataset_id, testcase_codename, outcome, text_template, text_args, exec_time_s, wall_time_s, memory_kb, worker_id, created_at
	      FROM evaluations WHERE submission_result_id=$1 ORDER BY testcase_codename`
	rows, err := r.Pool.Query(ctx, q, submissionResultID)
	if err != nil {
		return nil, fmt.Errorf("op=evaluation.list: %w", err)
	}
	defer rows.Close()

	var out []domain.Evaluation
	for rows.Next() {
		var e domain.Evaluation
		if err := rows.Scan(&e.ID, &e.SubmissionResultID, &e.DatasetID, &e.TestcaseCodename, &e.Outcome, &e.TextTemplate, &e.TextArgs, &e.ExecTimeS, &e.WallTimeS, &e.MemoryKB, &e.WorkerID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=evaluation.list.scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteByResult removes a result's evaluations, used by invalidation.
func (r *EvaluationRepo) DeleteByResult(ctx domain.Context, submissionResultID string) error {
	tracer := otel.Tracer("repo.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.DeleteByResult")
	defer span.End()
	span.SetAttributes(spanAttrs("DELETE", "evaluations")...)

	if _, err := r.Pool.Exec(ctx, `DELETE FROM evaluations WHERE submission_result_id=$1`, submissionResultID); err != nil {
		return fmt.Errorf("op=evaluation.delete_by_result: %w", err)
	}
	return nil
}

// ExecutableRepo persists compiled artifacts by digest.
type ExecutableRepo struct{ Pool PgxPool }

// NewExecutableRepo constructs an ExecutableRepo with the given pool.
func NewExecutableRepo(p PgxPool) *ExecutableRepo { return &ExecutableRepo{Pool: p} }

// Upsert writes one executable record; digests are immutable, so the last
// write for a filename wins only when a recompile produced a new digest.
func (r *ExecutableRepo) Upsert(ctx domain.Context, e domain.Executable) error {
	tracer := otel.Tracer("repo.executables")
	ctx, span := tracer.Start(ctx, "executables.Upsert")
	defer span.End()
	span.SetAttributes(spanAttrs("INSERT", "executables")...)

	id := e.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO executables (id, submission_id, dataset_id, filename, digest)
	      VALUES ($1,$2,$3,$4,$5)
	      ON CONFLICT (submission_id, dataset_id, filename) DO UPDATE SET digest = EXCLUDED.digest`
	if _, err := r.Pool.Exec(ctx, q, id, e.SubmissionID, e.DatasetID, e.Filename, e.Digest); err != nil {
		return fmt.Errorf("op=executable.upsert: %w", err)
	}
	return nil
}

// ListBySubmissionDataset loads the executables a Worker needs to
// materialise for evaluation.
func (r *ExecutableRepo) ListBySubmissionDataset(ctx domain.Context, submissionID, datasetID string) ([]domain.Executable, error) {
	tracer := otel.Tracer("repo.executables")
	ctx, span := tracer.Start(ctx, "executables.ListBySubmissionDataset")
	defer span.End()
	span.SetAttributes(spanAttrs("SELECT", "executables")...)

	rows, err := r.Pool.Query(ctx, `SELECT id, submission_id, dataset_id, filename, digest FROM executables WHERE submission_id=$1 AND dataset_id=$2 ORDER BY filename`, submissionID, datasetID)
	if err != nil {
		return nil, fmt.Errorf("op=executable.list: %w", err)
	}
	defer rows.Close()

	var out []domain.Executable
	for rows.Next() {
		var e domain.Executable
		if err := rows.Scan(&e.ID, &e.SubmissionID, &e.DatasetID, &e.Filename, &e.Digest); err != nil {
			return nil, fmt.Errorf("op=executable.list.scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UserTestRepo persists user tests and their results.
type UserTestRepo struct{ Pool PgxPool }

// NewUserTestRepo constructs a UserTestRepo with the given pool.
func NewUserTestRepo(p PgxPool) *UserTestRepo { return &UserTestRepo{Pool: p} }

// Create inserts a user test and its files in one transaction.
func (r *UserTestRepo) Create(ctx domain.Context, u domain.UserTest) (string, error) {
	tracer := otel.Tracer("repo.user_tests")
	ctx, span := tracer.Start(ctx, "user_tests.Create")
	defer span.End()
	span.SetAttributes(spanAttrs("INSERT", "user_tests")...)

	id := u.ID
	if id == "" {
		id = uuid.New().String()
	}
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return "", fmt.Errorf("op=user_test.create.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err := tx.Exec(ctx, `INSERT INTO user_tests (id, participation_id, task_id, ts, language, input_digest) VALUES ($1,$2,$3,$4,$5,$6)`,
		id, u.ParticipationID, u.TaskID, u.Timestamp, u.Language, u.Input); err != nil {
		return "", fmt.Errorf("op=user_test.create: %w", err)
	}
	for filename, digest := range u.Files {
		if _, err := tx.Exec(ctx, `INSERT INTO user_test_files (user_test_id, filename, digest) VALUES ($1,$2,$3)`, id, filename, digest); err != nil {
			return "", fmt.Errorf("op=user_test.create.file: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("op=user_test.create.commit: %w", err)
	}
	committed = true
	return id, nil
}

// Get loads a user test with files populated.
func (r *UserTestRepo) Get(ctx domain.Context, id string) (domain.UserTest, error) {
	tracer := otel.Tracer("repo.user_tests")
	ctx, span := tracer.Start(ctx, "user_tests.Get")
	defer span.End()
	span.SetAttributes(spanAttrs("SELECT", "user_tests")...)

	var u domain.UserTest
	err := r.Pool.QueryRow(ctx, `SELECT id, participation_id, task_id, ts, language, input_digest FROM user_tests WHERE id=$1`, id).
		Scan(&u.ID, &u.ParticipationID, &u.TaskID, &u.Timestamp, &u.Language, &u.Input)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.UserTest{}, fmt.Errorf("op=user_test.get: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.UserTest{}, fmt.Errorf("op=user_test.get: %w", err)
	}

	rows, err := r.Pool.Query(ctx, `SELECT filename, digest FROM user_test_files WHERE user_test_id=$1`, id)
	if err != nil {
		return domain.UserTest{}, fmt.Errorf("op=user_test.get.files: %w", err)
	}
	defer rows.Close()
	u.Files = map[string]string{}
	for rows.Next() {
		var filename, digest string
		if err := rows.Scan(&filename, &digest); err != nil {
			return domain.UserTest{}, fmt.Errorf("op=user_test.get.files.scan: %w", err)
		}
		u.Files[filename] = digest
	}
	return u, rows.Err()
}

// UpsertResult writes the user-test result keyed by (user_test_id, dataset_id).
func (r *UserTestRepo) UpsertResult(ctx domain.Context, result domain.UserTestResult) error {
	tracer := otel.Tracer("repo.user_tests")
	ctx, span := tracer.Start(ctx, "user_tests.UpsertResult")
	defer span.End()
	span.SetAttributes(spanAttrs("INSERT", "user_test_results")...)

	id := result.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO user_test_results (id, user_test_id, dataset_id, state, compilation_outcome, compilation_text, evaluation_outcome, output_digest, exec_time_s, memory_kb)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	      ON CONFLICT (user_test_id, dataset_id) DO UPDATE SET
	        state = EXCLUDED.state,
	        compilation_outcome = COALESCE(EXCLUDED.compilation_outcome, user_test_results.compilation_outcome),
	        compilation_text = COALESCE(NULLIF(EXCLUDED.compilation_text, ''), user_test_results.compilation_text),
	        evaluation_outcome = EXCLUDED.evaluation_outcome,
	        output_digest = EXCLUDED.output_digest,
	        exec_time_s = EXCLUDED.exec_time_s,
	        memory_kb = EXCLUDED.memory_kb`
	if _, err := r.Pool.Exec(ctx, q, id, result.UserTestID, result.DatasetID, result.State, result.CompilationOutcome, result.CompilationText, result.EvaluationOutcome, result.OutputDigest, result.ExecTimeS, result.MemoryKB); err != nil {
		return fmt.Errorf("op=user_test.upsert_result: %w", err)
	}
	return nil
}
