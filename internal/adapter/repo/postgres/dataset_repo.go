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

// DatasetRepo persists datasets together with their testcases and managers.
type DatasetRepo struct{ Pool PgxPool }

// NewDatasetRepo constructs a DatasetRepo with the given pool.
func NewDatasetRepo(p PgxPool) *DatasetRepo { return &DatasetRepo{Pool: p} }

// Create inserts a new dataset and returns its id.
func (r *DatasetRepo) Create(ctx domain.Context, d domain.Dataset) (string, error) {
	tracer := otel.Tracer("repo.datasets")
	ctx, span := tracer.Start(ctx, "datasets.Create")
	defer span.End()
	span.SetAttributes(spanAttrs("INSERT", "datasets")...)

	id := d.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO datasets (id, task_id, name, task_type, task_type_parameters, score_type, score_type_parameters, time_limit_s, memory_limit_kb, autojudge, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err := r.Pool.Exec(ctx, q, id, d.TaskID, d.Name, d.TaskType, d.TaskTypeParameters, d.ScoreType, d.ScoreTypeParameters, d.TimeLimitS, d.MemoryLimitKB, d.Autojudge, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("op=dataset.create: %w", err)
	}
	return id, nil
}

// Get loads a dataset by id.
func (r *DatasetRepo) Get(ctx domain.Context, id string) (domain.Dataset, error) {
	tracer := otel.Tracer("repo.datasets")
	ctx, span := tracer.Start(ctx, "datasets.Get")
	defer span.End()
	span.SetAttributes(spanAttrs("SELECT", "datasets")...)

	q := `SELECT id, task_id, name, task_type, task_type_parameters, score_type, score_type_parameters, time_limit_s, memory_limit_kb, autojudge, created_at
	      FROM datasets WHERE id=$1`
	var d domain.Dataset
	err := r.Pool.QueryRow(ctx, q, id).Scan(&d.ID, &d.TaskID, &d.Name, &d.TaskType, &d.TaskTypeParameters, &d.ScoreType, &d.ScoreTypeParameters, &d.TimeLimitS, &d.MemoryLimitKB, &d.Autojudge, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Dataset{}, fmt.Errorf("op=dataset.get: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Dataset{}, fmt.Errorf("op=dataset.get: %w", err)
	}
	return d, nil
}

// Testcases loads a dataset's testcases ordered by codename.
func (r *DatasetRepo) Testcases(ctx domain.Context, datasetID string) ([]domain.Testcase, error) {
	tracer := otel.Tracer("repo.datasets")
	ctx, span := tracer.Start(ctx, "datasets.Testcases")
	defer span.End()
	span.SetAttributes(spanAttrs("SELECT", "testcases")...)

	rows, err := r.Pool.Query(ctx, `SELECT id, dataset_id, codename, public, input_digest, output_digest FROM testcases WHERE dataset_id=$1 ORDER BY codename`, datasetID)
	if err != nil {
		return nil, fmt.Errorf("op=dataset.testcases: %w", err)
	}
	defer rows.Close()

	var out []domain.Testcase
	for rows.Next() {
		var tc domain.Testcase
		if err := rows.Scan(&tc.ID, &tc.DatasetID, &tc.Codename, &tc.Public, &tc.InputDigest, &tc.OutputDigest); err != nil {
			return nil, fmt.Errorf("op=dataset.testcases.scan: %w", err)
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

// Managers loads a dataset's managers (checker, stub, grader, headers).
func (r *DatasetRepo) Managers(ctx domain.Context, datasetID string) ([]domain.Manager, error) {
	tracer := otel.Tracer("repo.datasets")
	ctx, span := tracer.Start(ctx, "datasets.Managers")
	defer span.End()
	span.SetAttributes(spanAttrs("SELECT", "managers")...)

	rows, err := r.Pool.Query(ctx, `SELECT id, dataset_id, filename, kind, digest FROM managers WHERE dataset_id=$1 ORDER BY filename`, datasetID)
	if err != nil {
		return nil, fmt.Errorf("op=dataset.managers: %w", err)
	}
	defer rows.Close()

	var out []domain.Manager
	for rows.Next() {
		var m domain.Manager
		if err := rows.Scan(&m.ID, &m.DatasetID, &m.Filename, &m.Kind, &m.Digest); err != nil {
			return nil, fmt.Errorf("op=dataset.managers.scan: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
