package postgres

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/contest-core/internal/domain"
)

// SubmissionRepo persists submissions and their file-digest maps. The core
// never mutates a submission; the web tier creates them and the scheduler
// only reads.
type SubmissionRepo struct{ Pool PgxPool }

// NewSubmissionRepo constructs a SubmissionRepo with the given pool.
func NewSubmissionRepo(p PgxPool) *SubmissionRepo { return &SubmissionRepo{Pool: p} }

// Create inserts a submission and its files in one transaction.
func (r *SubmissionRepo) Create(ctx domain.Context, s domain.Submission) (string, error) {
	tracer := otel.Tracer("repo.submissions")
	ctx, span := tracer.Start(ctx, "submissions.Create")
	defer span.End()
	span.SetAttributes(spanAttrs("INSERT", "submissions")...)

	id := s.ID
	if id == "" {
		id = uuid.New().String()
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return "", fmt.Errorf("op=submission.create.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	q := `INSERT INTO submissions (id, participation_id, task_id, ts, language, comment, official, token_used)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	if _, err := tx.Exec(ctx, q, id, s.ParticipationID, s.TaskID, s.Timestamp, s.Language, s.Comment, s.Official, s.TokenUsed); err != nil {
		return "", fmt.Errorf("op=submission.create: %w", err)
	}
	for filename, digest := range s.Files {
		if _, err := tx.Exec(ctx, `INSERT INTO submission_files (submission_id, filename, digest) VALUES ($1,$2,$3)`, id, filename, digest); err != nil {
			return "", fmt.Errorf("op=submission.create.file: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("op=submission.create.commit: %w", err)
	}
	committed = true
	return id, nil
}

const submissionColumns = `id, participation_id, task_id, ts, language, comment, official, token_used`

func (r *SubmissionRepo) loadFiles(ctx domain.Context, submissionID string) (map[string]string, error) {
	rows, err := r.Pool.Query(ctx, `SELECT filename, digest FROM submission_files WHERE submission_id=$1`, submissionID)
	if err != nil {
		return nil, fmt.Errorf("op=submission.files: %w", err)
	}
	defer rows.Close()
	files := map[string]string{}
	for rows.Next() {
		var filename, digest string
		if err := rows.Scan(&filename, &digest); err != nil {
			return nil, fmt.Errorf("op=submission.files.scan: %w", err)
		}
		files[filename] = digest
	}
	return files, rows.Err()
}

// Get loads a submission with its files fully populated; callers never lazy
// load mid-computation.
func (r *SubmissionRepo) Get(ctx domain.Context, id string) (domain.Submission, error) {
	tracer := otel.Tracer("repo.submissions")
	ctx, span := tracer.Start(ctx, "submissions.Get")
	defer span.End()
	span.SetAttributes(spanAttrs("SELECT", "submissions")...)

	var s domain.Submission
	err := r.Pool.QueryRow(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id=$1`, id).
		Scan(&s.ID, &s.ParticipationID, &s.TaskID, &s.Timestamp, &s.Language, &s.Comment, &s.Official, &s.TokenUsed)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Submission{}, fmt.Errorf("op=submission.get: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Submission{}, fmt.Errorf("op=submission.get: %w", err)
	}
	s.Files, err = r.loadFiles(ctx, id)
	if err != nil {
		return domain.Submission{}, err
	}
	return s, nil
}

func (r *SubmissionRepo) list(ctx domain.Context, q string, args ...any) ([]domain.Submission, error) {
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=submission.list: %w", err)
	}
	defer rows.Close()

	var out []domain.Submission
	for rows.Next() {
		var s domain.Submission
		if err := rows.Scan(&s.ID, &s.ParticipationID, &s.TaskID, &s.Timestamp, &s.Language, &s.Comment, &s.Official, &s.TokenUsed); err != nil {
			return nil, fmt.Errorf("op=submission.list.scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListByParticipationTask loads one participation's submissions for a task,
// oldest first.
func (r *SubmissionRepo) ListByParticipationTask(ctx domain.Context, participationID, taskID string) ([]domain.Submission, error) {
	tracer := otel.Tracer("repo.submissions")
	ctx, span := tracer.Start(ctx, "submissions.ListByParticipationTask")
	defer span.End()
	span.SetAttributes(spanAttrs("SELECT", "submissions")...)

	return r.list(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE participation_id=$1 AND task_id=$2 ORDER BY ts`, participationID, taskID)
}

// ListByTask loads every submission against a task, oldest first; used by
// dataset swaps.
func (r *SubmissionRepo) ListByTask(ctx domain.Context, taskID string) ([]domain.Submission, error) {
	tracer := otel.Tracer("repo.submissions")
	ctx, span := tracer.Start(ctx, "submissions.ListByTask")
	defer span.End()
	span.SetAttributes(spanAttrs("SELECT", "submissions")...)

	return r.list(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE task_id=$1 ORDER BY ts`, taskID)
}

// ParticipationRepo persists participations and their token balances.
type ParticipationRepo struct{ Pool PgxPool }

// NewParticipationRepo constructs a ParticipationRepo with the given pool.
func NewParticipationRepo(p PgxPool) *ParticipationRepo { return &ParticipationRepo{Pool: p} }

// Get loads a participation by id.
func (r *ParticipationRepo) Get(ctx domain.Context, id string) (domain.Participation, error) {
	tracer := otel.Tracer("repo.participations")
	ctx, span := tracer.Start(ctx, "participations.Get")
	defer span.End()
	span.SetAttributes(spanAttrs("SELECT", "participations")...)

	q := `SELECT id, user_id, contest_id, ip_override, delay_s, extra_time_s, hidden, unrestricted, tokens FROM participations WHERE id=$1`
	var p domain.Participation
	var extraTimeS float64
	err := r.Pool.QueryRow(ctx, q, id).Scan(&p.ID, &p.UserID, &p.ContestID, &p.IPOverride, &p.DelaySeconds, &extraTimeS, &p.Hidden, &p.Unrestricted, &p.Tokens)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Participation{}, fmt.Errorf("op=participation.get: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Participation{}, fmt.Errorf("op=participation.get: %w", err)
	}
	p.ExtraTime = time.Duration(extraTimeS * float64(time.Second))
	return p, nil
}

// ConsumeToken atomically decrements the participation's token balance,
// returning false when none remain. The SELECT ... FOR UPDATE row lock keeps
// two concurrent token plays from both succeeding on the last token.
func (r *ParticipationRepo) ConsumeToken(ctx domain.Context, id string) (bool, error) {
	tracer := otel.Tracer("repo.participations")
	ctx, span := tracer.Start(ctx, "participations.ConsumeToken")
	defer span.End()
	span.SetAttributes(spanAttrs("UPDATE", "participations")...)

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return false, fmt.Errorf("op=participation.consume_token.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	var tokens int
	err = tx.QueryRow(ctx, `SELECT tokens FROM participations WHERE id=$1 FOR UPDATE`, id).Scan(&tokens)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("op=participation.consume_token: %w", domain.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("op=participation.consume_token: %w", err)
	}
	if tokens <= 0 {
		if err := tx.Commit(ctx); err != nil {
			return false, fmt.Errorf("op=participation.consume_token.commit: %w", err)
		}
		committed = true
		return false, nil
	}
	if _, err := tx.Exec(ctx, `UPDATE participations SET tokens=tokens-1 WHERE id=$1`, id); err != nil {
		return false, fmt.Errorf("op=participation.consume_token.update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("op=participation.consume_token.commit: %w", err)
	}
	committed = true
	slog.Info("token consumed", slog.String("participation_id", id), slog.Int("remaining", tokens-1))
	return true, nil
}

// TokenRepo persists token plays.
type TokenRepo struct{ Pool PgxPool }

// NewTokenRepo constructs a TokenRepo with the given pool.
func NewTokenRepo(p PgxPool) *TokenRepo { return &TokenRepo{Pool: p} }

// Create records a token play against a submission.
func (r *TokenRepo) Create(ctx domain.Context, t domain.Token) (string, error) {
	tracer := otel.Tracer("repo.tokens")
	ctx, span := tracer.Start(ctx, "tokens.Create")
	defer span.End()
	span.SetAttributes(spanAttrs("INSERT", "tokens")...)

	id := t.ID
	if id == "" {
		id = uuid.New().String()
	}
	_, err := r.Pool.Exec(ctx, `INSERT INTO tokens (id, participation_id, submission_id, ts) VALUES ($1,$2,$3,$4)`, id, t.ParticipationID, t.SubmissionID, t.Timestamp)
	if err != nil {
		return "", fmt.Errorf("op=token.create: %w", err)
	}
	return id, nil
}

// ListByParticipationTask loads a participation's token plays for one task.
func (r *TokenRepo) ListByParticipationTask(ctx domain.Context, participationID, taskID string) ([]domain.Token, error) {
	tracer := otel.Tracer("repo.tokens")
	ctx, span := tracer.Start(ctx, "tokens.ListByParticipationTask")
	defer span.End()
	span.SetAttributes(spanAttrs("SELECT", "tokens")...)

	q := `SELECT t.id, t.participation_id, t.submission_id, t.ts
	      FROM tokens t JOIN submissions s ON s.id = t.submission_id
	      WHERE t.participation_id=$1 AND s.task_id=$2 ORDER BY t.ts`
	rows, err := r.Pool.Query(ctx, q, participationID, taskID)
	if err != nil {
		return nil, fmt.Errorf("op=token.list: %w", err)
	}
	defer rows.Close()

	var out []domain.Token
	for rows.Next() {
		var t domain.Token
		if err := rows.Scan(&t.ID, &t.ParticipationID, &t.SubmissionID, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("op=token.list.scan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
