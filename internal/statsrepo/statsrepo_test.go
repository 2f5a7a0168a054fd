package statsrepo

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umr-dbs/cachemesh/internal/cacheentry"
	"github.com/umr-dbs/cachemesh/internal/observability"
	"github.com/umr-dbs/cachemesh/internal/wire"
)

func newMockRepo(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	sqlxDB := sqlx.NewDb(db, "sqlmock")
	return New(sqlxDB, observability.NewNoopLogger()), mock
}

func TestRepository_RecordNodeStats(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec("INSERT INTO node_stats").
		WithArgs(uint32(1), uint8(cacheentry.CacheTypeRaster), uint64(1000), uint64(200), uint64(5), uint64(2), uint64(1), uint64(0)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	repo.RecordNodeStats(context.Background(), wire.NodeStats{
		NodeID: 1,
		ByType: []wire.TypeStats{
			{Type: cacheentry.CacheTypeRaster, CapacityBytes: 1000, UsedBytes: 200, SingleHits: 5, PuzzleHits: 2, Misses: 1, LostPuts: 0},
		},
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_RecordQueryCompletion(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()
	mock.ExpectExec("INSERT INTO query_stats").
		WithArgs("q1", "sem", uint8(cacheentry.CacheTypePoints), "hit", 12.5, now).
		WillReturnResult(sqlmock.NewResult(1, 1))

	repo.RecordQueryCompletion(context.Background(), QueryCompletion{
		QueryID: "q1", SemanticID: "sem", Type: cacheentry.CacheTypePoints,
		Outcome: OutcomeHit, DurationMS: 12.5, CompletedAt: now,
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_RecordReorgMove(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec("INSERT INTO reorg_moves").
		WithArgs(uint32(3), uint8(cacheentry.CacheTypeLines), "sem", uint64(42), true, "").
		WillReturnResult(sqlmock.NewResult(1, 1))

	repo.RecordReorgMove(context.Background(), 3, wire.ReorgMoveResult{
		Type: cacheentry.CacheTypeLines, SemanticID: "sem", EntryID: 42, Success: true,
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_NilReceiverNoOps(t *testing.T) {
	var repo *Repository
	assert.NotPanics(t, func() {
		repo.RecordNodeStats(context.Background(), wire.NodeStats{})
		repo.RecordQueryCompletion(context.Background(), QueryCompletion{})
		repo.RecordReorgMove(context.Background(), 0, wire.ReorgMoveResult{})
		_ = repo.Close()
	})
}
