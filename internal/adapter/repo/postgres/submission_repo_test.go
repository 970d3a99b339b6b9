package postgres

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/contest-core/internal/domain"
)

func tokenRow(tokens int) fakeRow {
	return fakeRow{scan: func(dest ...any) error {
		*(dest[0].(*int)) = tokens
		return nil
	}}
}

func TestConsumeTokenDecrementsUnderRowLock(t *testing.T) {
	pool := &fakePool{
		rows:     []fakeRow{tokenRow(2)},
		execTags: []pgconn.CommandTag{pgconn.NewCommandTag("UPDATE 1")},
	}
	repo := NewParticipationRepo(pool)

	ok, err := repo.ConsumeToken(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, pool.execs, 1)
	assert.Contains(t, pool.execs[0].sql, "tokens=tokens-1")
	assert.True(t, pool.tx.committed)
	assert.False(t, pool.tx.rolledBack)
}

func TestConsumeTokenExhaustedBalance(t *testing.T) {
	pool := &fakePool{rows: []fakeRow{tokenRow(0)}}
	repo := NewParticipationRepo(pool)

	ok, err := repo.ConsumeToken(context.Background(), "p1")
	require.NoError(t, err)
	assert.False(t, ok)
	// No decrement was issued; the read-only transaction still commits.
	assert.Empty(t, pool.execs)
	assert.True(t, pool.tx.committed)
}

func TestConsumeTokenMissingParticipation(t *testing.T) {
	pool := &fakePool{
		rows: []fakeRow{{scan: func(...any) error { return pgx.ErrNoRows }}},
	}
	repo := NewParticipationRepo(pool)

	_, err := repo.ConsumeToken(context.Background(), "ghost")
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.True(t, pool.tx.rolledBack)
}
