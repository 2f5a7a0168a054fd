// Package statsrepo persists query and reorganization statistics to
// Postgres for offline analysis. This is observability data, never cache
// entries themselves, so a down Postgres degrades reporting, not caching —
// Repository swallows its own write failures into a logged warning rather
// than surfacing them to the scheduler's hot path.
package statsrepo

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/umr-dbs/cachemesh/internal/cacheentry"
	"github.com/umr-dbs/cachemesh/internal/observability"
	"github.com/umr-dbs/cachemesh/internal/wire"
)

// QueryOutcome discriminates how a completed query was served.
type QueryOutcome string

const (
	OutcomeHit     QueryOutcome = "hit"
	OutcomePartial QueryOutcome = "partial"
	OutcomeMiss    QueryOutcome = "miss"
)

// QueryCompletion is one finished query's audit record.
type QueryCompletion struct {
	QueryID     string
	SemanticID  string
	Type        cacheentry.CacheType
	Outcome     QueryOutcome
	DurationMS  float64
	CompletedAt time.Time
}

// Repository persists NodeStats reports, query completions, and reorg move
// outcomes.
type Repository struct {
	db     *sqlx.DB
	logger observability.Logger
}

// Open connects to dsn, applies pending migrations, and returns a ready
// Repository. An empty dsn disables stats persistence (per SPEC_FULL.md
// §6.3's statsrepo.dsn option); callers should skip calling Open entirely
// in that case and use a nil *Repository, whose methods no-op.
func Open(dsn string, migrationsPath string, logger observability.Logger) (*Repository, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to statsrepo database")
	}
	if err := Migrate(db, migrationsPath); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repository{db: db, logger: logger}, nil
}

// New wraps an already-open sqlx.DB, for callers (and tests) supplying
// their own connection/mock.
func New(db *sqlx.DB, logger observability.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// Close closes the underlying connection pool.
func (r *Repository) Close() error {
	if r == nil {
		return nil
	}
	return r.db.Close()
}

// RecordNodeStats persists one NodeStats report, one row per CacheType.
func (r *Repository) RecordNodeStats(ctx context.Context, stats wire.NodeStats) {
	if r == nil {
		return
	}
	const q = `INSERT INTO node_stats
		(node_id, cache_type, capacity_bytes, used_bytes, single_hits, puzzle_hits, misses, lost_puts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	for _, ts := range stats.ByType {
		_, err := r.db.ExecContext(ctx, q, stats.NodeID, uint8(ts.Type), ts.CapacityBytes, ts.UsedBytes,
			ts.SingleHits, ts.PuzzleHits, ts.Misses, ts.LostPuts)
		if err != nil {
			r.logger.Warn("recording node stats failed", map[string]interface{}{
				"node_id": stats.NodeID, "cache_type": ts.Type.String(), "error": err.Error(),
			})
		}
	}
}

// RecordQueryCompletion persists one finished query's audit row.
func (r *Repository) RecordQueryCompletion(ctx context.Context, c QueryCompletion) {
	if r == nil {
		return
	}
	const q = `INSERT INTO query_stats
		(query_id, semantic_id, cache_type, outcome, duration_ms, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.ExecContext(ctx, q, c.QueryID, c.SemanticID, uint8(c.Type), string(c.Outcome), c.DurationMS, c.CompletedAt)
	if err != nil {
		r.logger.Warn("recording query completion failed", map[string]interface{}{
			"query_id": c.QueryID, "error": err.Error(),
		})
	}
}

// RecordReorgMove persists one reorganization move's result.
func (r *Repository) RecordReorgMove(ctx context.Context, nodeID uint32, result wire.ReorgMoveResult) {
	if r == nil {
		return
	}
	const q = `INSERT INTO reorg_moves
		(node_id, cache_type, semantic_id, entry_id, success, error)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.ExecContext(ctx, q, nodeID, uint8(result.Type), result.SemanticID, result.EntryID, result.Success, result.Error)
	if err != nil {
		r.logger.Warn("recording reorg move failed", map[string]interface{}{
			"node_id": nodeID, "semantic_id": result.SemanticID, "error": err.Error(),
		})
	}
}
