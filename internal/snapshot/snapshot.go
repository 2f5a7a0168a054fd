// Package snapshot publishes a periodic JSON summary of per-node cache
// usage to Redis, for external dashboards to poll. It is a side-channel
// publication only: the index never reads these keys back for correctness,
// the same way the reorg strategies already compute this data from
// NodeStats independently.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"github.com/umr-dbs/cachemesh/internal/observability"
	"github.com/umr-dbs/cachemesh/internal/wire"
)

// KeyPrefix namespaces every published snapshot key.
const KeyPrefix = "cachemesh:node_snapshot:"

// TTL bounds how long a stale snapshot lingers if a node stops publishing.
const TTL = 2 * time.Minute

// TypeUsage is one CacheType's published usage figures.
type TypeUsage struct {
	Type          string `json:"type"`
	CapacityBytes uint64 `json:"capacity_bytes"`
	UsedBytes     uint64 `json:"used_bytes"`
	SingleHits    uint64 `json:"single_hits"`
	PuzzleHits    uint64 `json:"puzzle_hits"`
	Misses        uint64 `json:"misses"`
	LostPuts      uint64 `json:"lost_puts"`
}

// NodeSnapshot is the JSON document published per node.
type NodeSnapshot struct {
	NodeID      uint32      `json:"node_id"`
	ByType      []TypeUsage `json:"by_type"`
	PublishedAt time.Time   `json:"published_at"`
}

// Publisher writes NodeSnapshots to Redis. A nil *Publisher (constructed
// when snapshot.redis_addr is empty) no-ops Publish, matching
// statsrepo.Repository's disabled-by-empty-config shape.
type Publisher struct {
	client *redis.Client
	logger observability.Logger
}

// NewPublisher connects to addr and returns a ready Publisher.
func NewPublisher(addr string, logger observability.Logger) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, errors.Wrap(err, "connecting to snapshot redis")
	}
	return &Publisher{client: client, logger: logger}, nil
}

// New wraps an already-constructed redis.Client, for callers (and tests)
// supplying their own connection (e.g. miniredis-backed).
func New(client *redis.Client, logger observability.Logger) *Publisher {
	return &Publisher{client: client, logger: logger}
}

// Close closes the underlying Redis client.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.client.Close()
}

// Publish writes stats as a JSON snapshot under this node's key, expiring
// after TTL so a dashboard never shows a node that has stopped reporting.
func (p *Publisher) Publish(ctx context.Context, stats wire.NodeStats) {
	if p == nil {
		return
	}
	snap := NodeSnapshot{NodeID: stats.NodeID, PublishedAt: time.Now()}
	for _, ts := range stats.ByType {
		snap.ByType = append(snap.ByType, TypeUsage{
			Type: ts.Type.String(), CapacityBytes: ts.CapacityBytes, UsedBytes: ts.UsedBytes,
			SingleHits: ts.SingleHits, PuzzleHits: ts.PuzzleHits, Misses: ts.Misses, LostPuts: ts.LostPuts,
		})
	}

	data, err := json.Marshal(snap)
	if err != nil {
		p.logger.Warn("marshaling node snapshot failed", map[string]interface{}{"node_id": stats.NodeID, "error": err.Error()})
		return
	}

	key := fmt.Sprintf("%s%d", KeyPrefix, stats.NodeID)
	if err := p.client.Set(ctx, key, data, TTL).Err(); err != nil {
		p.logger.Warn("publishing node snapshot failed", map[string]interface{}{"node_id": stats.NodeID, "error": err.Error()})
	}
}

// Run publishes the latest snapshot from next() every interval until stop
// is closed.
func (p *Publisher) Run(stop <-chan struct{}, interval time.Duration, next func() wire.NodeStats) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.Publish(context.Background(), next())
		case <-stop:
			return
		}
	}
}
