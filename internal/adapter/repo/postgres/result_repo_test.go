package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/contest-core/internal/domain"
)

// fakeRow scripts one QueryRow response.
type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

type execCall struct {
	sql  string
	args []any
}

// fakePool scripts Exec/QueryRow responses in call order and records every
// statement, so repository branching can be exercised without a database.
type fakePool struct {
	execTags []pgconn.CommandTag
	execErrs []error
	execIdx  int
	execs    []execCall

	rows   []fakeRow
	rowIdx int

	tx       *fakeTx
	beginErr error
}

func (p *fakePool) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.execs = append(p.execs, execCall{sql: sql, args: args})
	i := p.execIdx
	p.execIdx++
	var tag pgconn.CommandTag
	var err error
	if i < len(p.execTags) {
		tag = p.execTags[i]
	}
	if i < len(p.execErrs) {
		err = p.execErrs[i]
	}
	return tag, err
}

func (p *fakePool) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	i := p.rowIdx
	p.rowIdx++
	if i >= len(p.rows) {
		return fakeRow{scan: func(...any) error { return pgx.ErrNoRows }}
	}
	return p.rows[i]
}

func (p *fakePool) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	return nil, pgx.ErrNoRows
}

func (p *fakePool) BeginTx(_ context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	if p.beginErr != nil {
		return nil, p.beginErr
	}
	p.tx = &fakeTx{pool: p}
	return p.tx, nil
}

// fakeTx delegates statements back to the pool's scripts and records the
// commit/rollback outcome.
type fakeTx struct {
	pool       *fakePool
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Begin(context.Context) (pgx.Tx, error) { return t, nil }

func (t *fakeTx) Commit(context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	t.rolledBack = true
	return nil
}

func (t *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}

func (t *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }

func (t *fakeTx) LargeObjects() pgx.LargeObjects { return pgx.LargeObjects{} }

func (t *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.pool.Exec(ctx, sql, args...)
}

func (t *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.pool.Query(ctx, sql, args...)
}

func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.pool.QueryRow(ctx, sql, args...)
}

func (t *fakeTx) Conn() *pgx.Conn { return nil }

// scanFromResult populates scanResult's destination list from r, matching
// the column order of resultColumns.
func scanFromResult(r domain.SubmissionResult) fakeRow {
	return fakeRow{scan: func(dest ...any) error {
		*(dest[0].(*string)) = r.ID
		*(dest[1].(*string)) = r.SubmissionID
		*(dest[2].(*string)) = r.DatasetID
		*(dest[3].(*domain.ResultState)) = r.State
		*(dest[4].(**domain.CompilationOutcome)) = r.CompilationOutcome
		*(dest[5].(*string)) = r.CompilationText
		*(dest[6].(*float64)) = r.CompilationTimeS
		*(dest[7].(*int64)) = r.CompilationMemoryKB
		*(dest[8].(*int)) = r.CompilationTries
		*(dest[9].(**domain.EvaluationOutcome)) = r.EvaluationOutcome
		*(dest[10].(*int)) = r.EvaluationTries
		*(dest[11].(**float64)) = r.Score
		*(dest[12].(*[]byte)) = r.ScoreDetails
		*(dest[13].(**float64)) = r.PublicScore
		*(dest[14].(*[]byte)) = r.PublicScoreDetails
		*(dest[15].(*[]byte)) = r.RankingScoreDetails
		*(dest[16].(*string)) = r.ScoreError
		*(dest[17].(*time.Time)) = r.CreatedAt
		*(dest[18].(*time.Time)) = r.UpdatedAt
		return nil
	}}
}

func TestGetOrCreateInsertsFreshRow(t *testing.T) {
	fresh := domain.SubmissionResult{
		ID: "r1", SubmissionID: "s1", DatasetID: "d1", State: domain.ResultCompiling,
	}
	pool := &fakePool{
		execTags: []pgconn.CommandTag{pgconn.NewCommandTag("INSERT 0 1")},
		rows:     []fakeRow{scanFromResult(fresh)},
	}
	repo := NewSubmissionResultRepo(pool)

	got, created, err := repo.GetOrCreate(context.Background(), "s1", "d1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "r1", got.ID)
	assert.Equal(t, domain.ResultCompiling, got.State)
	require.Len(t, pool.execs, 1)
	assert.Contains(t, pool.execs[0].sql, "ON CONFLICT (submission_id, dataset_id) DO NOTHING")
}

func TestGetOrCreateConvergesOnExistingRow(t *testing.T) {
	existing := domain.SubmissionResult{
		ID: "r1", SubmissionID: "s1", DatasetID: "d1", State: domain.ResultEvaluating, CompilationTries: 2,
	}
	// The conflicting insert affects zero rows; the re-read returns the row
	// a concurrent creator (or an earlier call) already persisted.
	pool := &fakePool{
		execTags: []pgconn.CommandTag{pgconn.NewCommandTag("INSERT 0 0")},
		rows:     []fakeRow{scanFromResult(existing)},
	}
	repo := NewSubmissionResultRepo(pool)

	got, created, err := repo.GetOrCreate(context.Background(), "s1", "d1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, domain.ResultEvaluating, got.State)
	assert.Equal(t, 2, got.CompilationTries)
}

func TestGetByFingerprintNotFound(t *testing.T) {
	repo := NewSubmissionResultRepo(&fakePool{})
	_, err := repo.GetByFingerprint(context.Background(), "s1", "d1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateLocksRowAndCommits(t *testing.T) {
	pool := &fakePool{
		execTags: []pgconn.CommandTag{
			pgconn.NewCommandTag("SELECT 1"),
			pgconn.NewCommandTag("UPDATE 1"),
		},
	}
	repo := NewSubmissionResultRepo(pool)

	err := repo.Update(context.Background(), domain.SubmissionResult{ID: "r1", State: domain.ResultScored})
	require.NoError(t, err)
	require.Len(t, pool.execs, 2)
	assert.Contains(t, pool.execs[0].sql, "FOR UPDATE")
	assert.Contains(t, pool.execs[1].sql, "UPDATE submission_results SET")
	assert.True(t, pool.tx.committed)
	assert.False(t, pool.tx.rolledBack)
}

func TestUpdateMissingRowRollsBack(t *testing.T) {
	pool := &fakePool{
		execTags: []pgconn.CommandTag{
			pgconn.NewCommandTag("SELECT 0"),
			pgconn.NewCommandTag("UPDATE 0"),
		},
	}
	repo := NewSubmissionResultRepo(pool)

	err := repo.Update(context.Background(), domain.SubmissionResult{ID: "missing"})
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.False(t, pool.tx.committed)
	assert.True(t, pool.tx.rolledBack)
}

func TestUpsertResultMergesPartialWrites(t *testing.T) {
	pool := &fakePool{execTags: []pgconn.CommandTag{pgconn.NewCommandTag("INSERT 0 1")}}
	repo := NewUserTestRepo(pool)

	// An evaluate-phase write carries no compilation fields; the statement
	// must merge rather than wipe the compile outcome already stored.
	err := repo.UpsertResult(context.Background(), domain.UserTestResult{
		UserTestID: "ut1", DatasetID: "d1", State: domain.ResultEvaluated, ExecTimeS: 0.5,
	})
	require.NoError(t, err)
	require.Len(t, pool.execs, 1)
	assert.Contains(t, pool.execs[0].sql, "ON CONFLICT (user_test_id, dataset_id) DO UPDATE")
	assert.Contains(t, pool.execs[0].sql, "COALESCE(EXCLUDED.compilation_outcome, user_test_results.compilation_outcome)")
	assert.Contains(t, pool.execs[0].sql, "COALESCE(NULLIF(EXCLUDED.compilation_text, ''), user_test_results.compilation_text)")
}
