package indexcache

import (
	"sync"
	"time"

	"github.com/umr-dbs/cachemesh/internal/cacheentry"
	"github.com/umr-dbs/cachemesh/internal/cachestruct"
	"github.com/umr-dbs/cachemesh/internal/geom"
)

// IndexCache is the index's mirror of every node's holdings for a single
// cache type: one CacheStructure[Key] per semantic id, plus the latest
// per-node usage snapshot the configured ReorgStrategy reasons over.
type IndexCache struct {
	typ       cacheentry.CacheType
	relevance RelevanceFunc
	strategy  ReorgStrategy

	mu      sync.RWMutex
	buckets map[string]*cachestruct.CacheStructure[Key]
	usage   map[uint32]NodeUsage
}

// New constructs an empty IndexCache for one cache type.
func New(typ cacheentry.CacheType, relevance RelevanceFunc, strategy ReorgStrategy) *IndexCache {
	return &IndexCache{
		typ: typ, relevance: relevance, strategy: strategy,
		buckets: make(map[string]*cachestruct.CacheStructure[Key]),
		usage:   make(map[uint32]NodeUsage),
	}
}

func (c *IndexCache) bucket(semanticID string, create bool) *cachestruct.CacheStructure[Key] {
	c.mu.RLock()
	b, ok := c.buckets[semanticID]
	c.mu.RUnlock()
	if ok || !create {
		return b
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok = c.buckets[semanticID]; ok {
		return b
	}
	b = cachestruct.New[Key]()
	c.buckets[semanticID] = b
	return b
}

// Put records a node's announcement of a newly cached entry.
func (c *IndexCache) Put(semanticID string, nodeID uint32, entryID uint64, entry cacheentry.CacheEntry) {
	c.bucket(semanticID, true).Put(Key{NodeID: nodeID, EntryID: entryID}, entry)
}

// Remove drops an entry, typically after a reorg move or removal is
// acknowledged by the owning node.
func (c *IndexCache) Remove(semanticID string, nodeID uint32, entryID uint64) {
	if b := c.bucket(semanticID, false); b != nil {
		b.Remove(Key{NodeID: nodeID, EntryID: entryID})
	}
}

// PurgeNode drops every entry owned by a failed node, across every semantic
// id bucket of this type.
func (c *IndexCache) PurgeNode(nodeID uint32) {
	c.mu.RLock()
	buckets := make([]*cachestruct.CacheStructure[Key], 0, len(c.buckets))
	for _, b := range c.buckets {
		buckets = append(buckets, b)
	}
	c.mu.RUnlock()
	for _, b := range buckets {
		for key := range b.All() {
			if key.NodeID == nodeID {
				b.Remove(key)
			}
		}
	}
	c.mu.Lock()
	delete(c.usage, nodeID)
	c.mu.Unlock()
}

// Query runs the same planner NodeCache uses, but across every node's
// holdings for one semantic id: a hit's Key tells the caller which node to
// route to.
func (c *IndexCache) Query(semanticID string, qr geom.QueryRectangle) cachestruct.CacheQueryResult[Key] {
	b := c.bucket(semanticID, false)
	if b == nil {
		return cachestruct.CacheQueryResult[Key]{Covered: qr, Remainder: []geom.Cube3{qr.Cube()}}
	}
	return b.Query(qr)
}

// Entry returns the metadata for one already-located key, used to build a
// CacheRef's bounds when assembling a puzzle job.
func (c *IndexCache) Entry(semanticID string, key Key) (cacheentry.CacheEntry, bool) {
	b := c.bucket(semanticID, false)
	if b == nil {
		return cacheentry.CacheEntry{}, false
	}
	return b.Get(key)
}

// Touch records an access against the index's mirror (kept in step with
// the node's own access tracking so relevance scoring stays current between
// NodeStats reports).
func (c *IndexCache) Touch(semanticID string, nodeID uint32, entryID uint64, now time.Time) {
	if b := c.bucket(semanticID, false); b != nil {
		b.Touch(Key{NodeID: nodeID, EntryID: entryID}, now)
	}
}

// UpdateUsage records a node's latest capacity snapshot for this type.
func (c *IndexCache) UpdateUsage(u NodeUsage) {
	c.mu.Lock()
	c.usage[u.NodeID] = u
	c.mu.Unlock()
}

// RequiresReorg reports whether this cache's strategy wants to run a
// reorganization pass given the latest usage snapshot.
func (c *IndexCache) RequiresReorg() bool {
	c.mu.RLock()
	usage := cloneUsage(c.usage)
	c.mu.RUnlock()
	return c.strategy.RequiresReorg(usage)
}

// Reorganize computes a Plan from the current mirror and usage snapshot.
func (c *IndexCache) Reorganize() Plan {
	c.mu.RLock()
	usage := cloneUsage(c.usage)
	entries := c.snapshotEntries()
	c.mu.RUnlock()
	return c.strategy.Plan(entries, usage)
}

// EntryCount returns the number of entries mirrored for this type, across
// every semantic id bucket.
func (c *IndexCache) EntryCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, b := range c.buckets {
		n += b.NumElements()
	}
	return n
}

// Usage returns a snapshot of the latest per-node usage this type has seen.
func (c *IndexCache) Usage() map[uint32]NodeUsage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneUsage(c.usage)
}

func (c *IndexCache) snapshotEntries() []ScoredEntry {
	var out []ScoredEntry
	for semanticID, b := range c.buckets {
		for key, e := range b.All() {
			out = append(out, ScoredEntry{
				Type: c.typ, SemanticID: semanticID, Key: key, Entry: e,
				Score: c.relevance(e),
			})
		}
	}
	return out
}

func cloneUsage(in map[uint32]NodeUsage) map[uint32]NodeUsage {
	out := make(map[uint32]NodeUsage, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
