package indexcache

import (
	"time"

	"github.com/umr-dbs/cachemesh/internal/cacheentry"
	"github.com/umr-dbs/cachemesh/internal/cachestruct"
	"github.com/umr-dbs/cachemesh/internal/geom"
)

// Manager holds one IndexCache per cache type and runs periodic
// reorganization across all five.
type Manager struct {
	caches map[cacheentry.CacheType]*IndexCache
}

// CacheConfig configures one type's relevance function and reorg strategy.
type CacheConfig struct {
	Type      cacheentry.CacheType
	Relevance RelevanceFunc
	Strategy  ReorgStrategy
}

// NewManager builds a Manager with one IndexCache per configured type,
// defaulting any type spec.md's AllCacheTypes names but CacheConfig omits
// to CostLRU + CapacityStrategy.
func NewManager(configs []CacheConfig) *Manager {
	m := &Manager{caches: make(map[cacheentry.CacheType]*IndexCache, len(cacheentry.AllCacheTypes))}
	configured := make(map[cacheentry.CacheType]bool, len(configs))
	for _, cfg := range configs {
		m.caches[cfg.Type] = New(cfg.Type, cfg.Relevance, cfg.Strategy)
		configured[cfg.Type] = true
	}
	for _, t := range cacheentry.AllCacheTypes {
		if !configured[t] {
			m.caches[t] = New(t, CostLRU, CapacityStrategy{})
		}
	}
	return m
}

// Cache returns the IndexCache for a type.
func (m *Manager) Cache(typ cacheentry.CacheType) *IndexCache { return m.caches[typ] }

// Put records a node's announcement of a newly cached entry.
func (m *Manager) Put(typ cacheentry.CacheType, semanticID string, nodeID uint32, entryID uint64, entry cacheentry.CacheEntry) {
	m.caches[typ].Put(semanticID, nodeID, entryID, entry)
}

// Query runs the planner for one type/semantic-id across every node.
func (m *Manager) Query(typ cacheentry.CacheType, semanticID string, qr geom.QueryRectangle) cachestruct.CacheQueryResult[Key] {
	return m.caches[typ].Query(semanticID, qr)
}

// Entry returns one located key's metadata, used to build puzzle CacheRefs.
func (m *Manager) Entry(typ cacheentry.CacheType, semanticID string, key Key) (cacheentry.CacheEntry, bool) {
	return m.caches[typ].Entry(semanticID, key)
}

// Touch forwards an access notification to the relevant type's cache.
func (m *Manager) Touch(typ cacheentry.CacheType, semanticID string, nodeID uint32, entryID uint64, now time.Time) {
	m.caches[typ].Touch(semanticID, nodeID, entryID, now)
}

// UpdateUsage records one node's usage snapshot for one type.
func (m *Manager) UpdateUsage(typ cacheentry.CacheType, u NodeUsage) {
	m.caches[typ].UpdateUsage(u)
}

// PurgeNode drops every entry owned by a failed node across all types.
func (m *Manager) PurgeNode(nodeID uint32) {
	for _, c := range m.caches {
		c.PurgeNode(nodeID)
	}
}

// MoveEntry re-homes one entry from fromNode to toNode once a node has
// confirmed the fetch that carried it, the index-side counterpart of a
// successful wire.ReorgMoveResult. Reports false if the entry was no longer
// present at fromNode (already moved or evicted).
func (m *Manager) MoveEntry(typ cacheentry.CacheType, semanticID string, fromNode, toNode uint32, entryID uint64) bool {
	c, ok := m.caches[typ]
	if !ok {
		return false
	}
	entry, ok := c.Entry(semanticID, Key{NodeID: fromNode, EntryID: entryID})
	if !ok {
		return false
	}
	c.Remove(semanticID, fromNode, entryID)
	c.Put(semanticID, toNode, entryID, entry)
	return true
}

// ReorgPass runs requires_reorg then Reorganize for every type that needs
// it, returning one Plan per type that triggered.
func (m *Manager) ReorgPass() map[cacheentry.CacheType]Plan {
	out := make(map[cacheentry.CacheType]Plan)
	for typ, c := range m.caches {
		if c.RequiresReorg() {
			out[typ] = c.Reorganize()
		}
	}
	return out
}

// TriggerReorg runs Reorganize for one type unconditionally, bypassing
// RequiresReorg — the path an operator-initiated reorg takes, as opposed to
// the scheduler's periodic ReorgPass.
func (m *Manager) TriggerReorg(typ cacheentry.CacheType) (Plan, bool) {
	c, ok := m.caches[typ]
	if !ok {
		return Plan{}, false
	}
	return c.Reorganize(), true
}

// TypeStats summarizes one cache type's mirrored holdings for the admin
// surface.
type TypeStats struct {
	Type       cacheentry.CacheType
	EntryCount int
	Nodes      map[uint32]NodeUsage
}

// Stats returns a TypeStats snapshot for every configured cache type.
func (m *Manager) Stats() map[cacheentry.CacheType]TypeStats {
	out := make(map[cacheentry.CacheType]TypeStats, len(m.caches))
	for typ, c := range m.caches {
		out[typ] = TypeStats{Type: typ, EntryCount: c.EntryCount(), Nodes: c.Usage()}
	}
	return out
}

// NodeTotals aggregates usage across all cache types into one row per node,
// summing bytes used against the largest reported capacity for that node.
func (m *Manager) NodeTotals() map[uint32]NodeUsage {
	out := make(map[uint32]NodeUsage)
	for _, c := range m.caches {
		for id, u := range c.Usage() {
			agg := out[id]
			agg.NodeID = id
			agg.UsedBytes += u.UsedBytes
			if u.CapacityBytes > agg.CapacityBytes {
				agg.CapacityBytes = u.CapacityBytes
			}
			out[id] = agg
		}
	}
	return out
}
