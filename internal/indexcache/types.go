// Package indexcache mirrors, on the index, what each node's NodeCache
// holds — one CacheStructure per (type, semantic-id) as on a node, keyed by
// (node, entry-id) instead of bare entry-id — so the index can plan
// placement, answer opportunistic worker queries, and run reorganization
// without round-tripping to every node.
package indexcache

import (
	"time"

	"github.com/umr-dbs/cachemesh/internal/cacheentry"
)

// Key addresses one entry in the index's mirror: which node holds it and
// its id on that node. The owning IndexCache already fixes the type and the
// semantic-id bucket fixes the semantic id, matching CacheStructure[K]'s own
// doc comment ("a node+entry-id pair at the index").
type Key struct {
	NodeID  uint32
	EntryID uint64
}

// NodeUsage is the index's latest view of one node's capacity for a single
// cache type, refreshed from periodic NodeStats reports.
type NodeUsage struct {
	NodeID        uint32
	UsedBytes     uint64
	CapacityBytes uint64
}

// Ratio returns used/capacity, or 0 for a node with no configured capacity.
func (u NodeUsage) Ratio() float64 {
	if u.CapacityBytes == 0 {
		return 0
	}
	return float64(u.UsedBytes) / float64(u.CapacityBytes)
}

// ScoredEntry is an indexed entry annotated with its retention score, the
// unit reorg strategies operate on.
type ScoredEntry struct {
	Type       cacheentry.CacheType
	SemanticID string
	Key        Key
	Entry      cacheentry.CacheEntry
	Score      float64
}

// RelevanceFunc scores an entry for retention; higher survives eviction.
type RelevanceFunc func(cacheentry.CacheEntry) float64

// relevanceQuantum matches spec.md's "10s_quantum" for the costlru score.
const relevanceQuantum = 10 * time.Second

// CostLRU is the default relevance function: last_access (in 10s quanta)
// scaled by a hit-count bonus capped at 2x.
func CostLRU(e cacheentry.CacheEntry) float64 {
	return cacheentry.IndexCacheEntry{MetaCacheEntry: cacheentry.MetaCacheEntry{Entry: e}}.RelevanceScore(relevanceQuantum)
}

// LRU is the alternative relevance function: last_access alone.
func LRU(e cacheentry.CacheEntry) float64 {
	return cacheentry.IndexCacheEntry{MetaCacheEntry: cacheentry.MetaCacheEntry{Entry: e}}.LRUScore()
}

// Move instructs a node to fetch one entry from another node.
type Move struct {
	Type       cacheentry.CacheType
	SemanticID string
	EntryID    uint64
	FromNodeID uint32
	ToNodeID   uint32
}

// Removal instructs a node to evict an entry with no replacement.
type Removal struct {
	Type       cacheentry.CacheType
	SemanticID string
	EntryID    uint64
	NodeID     uint32
}

// Plan is a reorganization's output across every affected node.
type Plan struct {
	Moves    []Move
	Removals []Removal
}

// ForNode splits a Plan into the moves/removals relevant to one node.
func (p Plan) ForNode(nodeID uint32) Plan {
	var out Plan
	for _, m := range p.Moves {
		if m.ToNodeID == nodeID {
			out.Moves = append(out.Moves, m)
		}
	}
	for _, r := range p.Removals {
		if r.NodeID == nodeID {
			out.Removals = append(out.Removals, r)
		}
	}
	return out
}
