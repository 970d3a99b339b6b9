package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/contest-core/internal/domain"
)

// PgxPool is the minimal pgx surface the repositories need; *pgxpool.Pool
// satisfies it.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

func spanAttrs(op, table string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", op),
		attribute.String("db.sql.table", table),
	}
}

// ContestRepo persists contests.
type ContestRepo struct{ Pool PgxPool }

// NewContestRepo constructs a ContestRepo with the given pool.
func NewContestRepo(p PgxPool) *ContestRepo { return &ContestRepo{Pool: p} }

// Create inserts a new contest and returns its id.
func (r *ContestRepo) Create(ctx domain.Context, c domain.Contest) (string, error) {
	tracer := otel.Tracer("repo.contests")
	ctx, span := tracer.Start(ctx, "contests.Create")
	defer span.End()
	span.SetAttributes(spanAttrs("INSERT", "contests")...)

	id := c.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO contests (id, name, start_at, stop_at, per_user_extra_time_s, allowed_languages, score_precision, token_initial, token_max, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	now := time.Now().UTC()
	_, err := r.Pool.Exec(ctx, q, id, c.Name, c.Start, c.Stop, c.PerUserExtraTime.Seconds(), c.AllowedLanguages, c.ScorePrecision, c.TokenInitial, c.TokenMax, now, now)
	if err != nil {
		return "", fmt.Errorf("op=contest.create: %w", err)
	}
	return id, nil
}

// Get loads a contest by id.
func (r *ContestRepo) Get(ctx domain.Context, id string) (domain.Contest, error) {
	tracer := otel.Tracer("repo.contests")
	ctx, span := tracer.Start(ctx, "contests.Get")
	defer span.End()
	span.SetAttributes(spanAttrs("SELECT", "contests")...)

	q := `SELECT id, name, start_at, stop_at, per_user_extra_time_s, allowed_languages, score_precision, token_initial, token_max, created_at, updated_at
	      FROM contests WHERE id=$1`
	var c domain.Contest
	var extraTimeS float64
	err := r.Pool.QueryRow(ctx, q, id).Scan(&c.ID, &c.Name, &c.Start, &c.Stop, &extraTimeS, &c.AllowedLanguages, &c.ScorePrecision, &c.TokenInitial, &c.TokenMax, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Contest{}, fmt.Errorf("op=contest.get: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Contest{}, fmt.Errorf("op=contest.get: %w", err)
	}
	c.PerUserExtraTime = time.Duration(extraTimeS * float64(time.Second))
	return c, nil
}

// List loads every contest, oldest first; used by the proxy's restart
// resync.
func (r *ContestRepo) List(ctx domain.Context) ([]domain.Contest, error) {
	tracer := otel.Tracer("repo.contests")
	ctx, span := tracer.Start(ctx, "contests.List")
	defer span.End()
	span.SetAttributes(spanAttrs("SELECT", "contests")...)

	q := `SELECT id, name, start_at, stop_at, per_user_extra_time_s, allowed_languages, score_precision, token_initial, token_max, created_at, updated_at
	      FROM contests ORDER BY created_at`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=contest.list: %w", err)
	}
	defer rows.Close()

	var out []domain.Contest
	for rows.Next() {
		var c domain.Contest
		var extraTimeS float64
		if err := rows.Scan(&c.ID, &c.Name, &c.Start, &c.Stop, &extraTimeS, &c.AllowedLanguages, &c.ScorePrecision, &c.TokenInitial, &c.TokenMax, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=contest.list.scan: %w", err)
		}
		c.PerUserExtraTime = time.Duration(extraTimeS * float64(time.Second))
		out = append(out, c)
	}
	return out, rows.Err()
}

// TaskRepo persists tasks.
type TaskRepo struct{ Pool PgxPool }

// NewTaskRepo constructs a TaskRepo with the given pool.
func NewTaskRepo(p PgxPool) *TaskRepo { return &TaskRepo{Pool: p} }

// Create inserts a new task and returns its id.
func (r *TaskRepo) Create(ctx domain.Context, t domain.Task) (string, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Create")
	defer span.End()
	span.SetAttributes(spanAttrs("INSERT", "tasks")...)

	id := t.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO tasks (id, contest_id, name, submission_format, max_score, score_precision, score_mode, feedback_level, token_mode, submission_limit, user_test_limit, active_dataset_id, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
	now := time.Now().UTC()
	_, err := r.Pool.Exec(ctx, q, id, t.ContestID, t.Name, t.SubmissionFormat, t.MaxScore, t.ScorePrecision, t.ScoreMode, t.FeedbackLevel, t.TokenMode, t.SubmissionLimit, t.UserTestLimit, t.ActiveDatasetID, now, now)
	if err != nil {
		return "", fmt.Errorf("op=task.create: %w", err)
	}
	return id, nil
}

const taskColumns = `id, contest_id, name, submission_format, max_score, score_precision, score_mode, feedback_level, token_mode, submission_limit, user_test_limit, active_dataset_id, created_at, updated_at`

func scanTask(row pgx.Row) (domain.Task, error) {
	var t domain.Task
	err := row.Scan(&t.ID, &t.ContestID, &t.Name, &t.SubmissionFormat, &t.MaxScore, &t.ScorePrecision, &t.ScoreMode, &t.FeedbackLevel, &t.TokenMode, &t.SubmissionLimit, &t.UserTestLimit, &t.ActiveDatasetID, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

// Get loads a task by id.
func (r *TaskRepo) Get(ctx domain.Context, id string) (domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Get")
	defer span.End()
	span.SetAttributes(spanAttrs("SELECT", "tasks")...)

	t, err := scanTask(r.Pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Task{}, fmt.Errorf("op=task.get: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("op=task.get: %w", err)
	}
	return t, nil
}

// ListByContest loads every task in a contest.
func (r *TaskRepo) ListByContest(ctx domain.Context, contestID string) ([]domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ListByContest")
	defer span.End()
	span.SetAttributes(spanAttrs("SELECT", "tasks")...)

	rows, err := r.Pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE contest_id=$1 ORDER BY created_at`, contestID)
	if err != nil {
		return nil, fmt.Errorf("op=task.list_by_contest: %w", err)
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("op=task.list_by_contest.scan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetActiveDataset updates the task's weak active-dataset reference. A nil
// datasetID means "task has no active dataset"; the scheduler skips such
// tasks.
func (r *TaskRepo) SetActiveDataset(ctx domain.Context, taskID string, datasetID *string) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.SetActiveDataset")
	defer span.End()
	span.SetAttributes(spanAttrs("UPDATE", "tasks")...)

	tag, err := r.Pool.Exec(ctx, `UPDATE tasks SET active_dataset_id=$2, updated_at=$3 WHERE id=$1`, taskID, datasetID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=task.set_active_dataset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=task.set_active_dataset: %w", domain.ErrNotFound)
	}
	return nil
}
