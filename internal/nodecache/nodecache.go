// Package nodecache implements the per-type, per-node cache container: a
// lazily-created CacheStructure per semantic id, capacity accounting, and
// access tracking batched for the index's periodic stats pull.
package nodecache

import (
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/umr-dbs/cachemesh/internal/cacheentry"
	"github.com/umr-dbs/cachemesh/internal/cachestruct"
	"github.com/umr-dbs/cachemesh/internal/cacheerrors"
	"github.com/umr-dbs/cachemesh/internal/geom"
	"github.com/umr-dbs/cachemesh/internal/observability"
)

// overshootFactor bounds how far above capacity any put (Put or PutWithID)
// may push usage before CapacityExceeded kicks in.
const overshootFactor = 1.1

// recentHintSize bounds the hashicorp/golang-lru recency hint kept
// alongside the authoritative CacheStructure bookkeeping; it is updated on
// every put and get, is not read by any scoring or lookup code, and is
// never the source of truth for presence.
const recentHintSize = 4096

type recentKey struct {
	SemanticID string
	EntryID    uint64
}

type semanticBucket[T any] struct {
	structure *cachestruct.CacheStructure[uint64]
	mu        sync.RWMutex
	payload   map[uint64]*T
}

func newSemanticBucket[T any]() *semanticBucket[T] {
	return &semanticBucket[T]{structure: cachestruct.New[uint64](), payload: make(map[uint64]*T)}
}

func (b *semanticBucket[T]) put(id uint64, data *T, entry cacheentry.CacheEntry) {
	b.structure.Put(id, entry)
	b.mu.Lock()
	b.payload[id] = data
	b.mu.Unlock()
}

func (b *semanticBucket[T]) get(id uint64) (*T, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	d, ok := b.payload[id]
	return d, ok
}

func (b *semanticBucket[T]) remove(id uint64) (cacheentry.CacheEntry, bool) {
	e, ok := b.structure.Remove(id)
	if ok {
		b.mu.Lock()
		delete(b.payload, id)
		b.mu.Unlock()
	}
	return e, ok
}

// NodeCache holds every cached entry of one CacheType on a single node,
// keyed by semantic id. Concurrency: a reader-writer lock guards the
// semantic_id -> bucket map itself (structures are created lazily); each
// bucket then guards its own entries independently, so lookups against
// different semantic ids never contend.
type NodeCache[T any] struct {
	typ        cacheentry.CacheType
	maxSize    uint64
	nextID     atomic.Uint64
	currentSz  atomic.Uint64
	lostPuts   atomic.Uint64
	bucketsMu  sync.RWMutex
	buckets    map[string]*semanticBucket[T]
	accessMu   sync.Mutex
	access     map[string]map[uint64]struct{}
	recentHint *lru.Cache[recentKey, struct{}]
	logger     observability.Logger
	metrics    observability.MetricsClient
	clock      func() time.Time
}

// Option configures a NodeCache at construction.
type Option[T any] func(*NodeCache[T])

// WithLogger sets the logger used for capacity and lookup diagnostics.
func WithLogger[T any](l observability.Logger) Option[T] {
	return func(c *NodeCache[T]) { c.logger = l }
}

// WithMetrics sets the metrics sink used for cache operation counters.
func WithMetrics[T any](m observability.MetricsClient) Option[T] {
	return func(c *NodeCache[T]) { c.metrics = m }
}

// WithClock overrides the time source, for deterministic tests.
func WithClock[T any](now func() time.Time) Option[T] {
	return func(c *NodeCache[T]) { c.clock = now }
}

// New constructs a NodeCache for the given type with the given byte capacity.
func New[T any](typ cacheentry.CacheType, maxSize uint64, opts ...Option[T]) *NodeCache[T] {
	hint, _ := lru.New[recentKey, struct{}](recentHintSize)
	c := &NodeCache[T]{
		typ:        typ,
		maxSize:    maxSize,
		buckets:    make(map[string]*semanticBucket[T]),
		access:     make(map[string]map[uint64]struct{}),
		recentHint: hint,
		logger:     observability.NewNoopLogger(),
		metrics:    observability.NewNoopMetricsClient(),
		clock:      time.Now,
	}
	c.nextID.Store(1)
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *NodeCache[T]) bucket(semanticID string, create bool) *semanticBucket[T] {
	c.bucketsMu.RLock()
	b, ok := c.buckets[semanticID]
	c.bucketsMu.RUnlock()
	if ok || !create {
		return b
	}

	c.bucketsMu.Lock()
	defer c.bucketsMu.Unlock()
	if b, ok = c.buckets[semanticID]; ok {
		return b
	}
	b = newSemanticBucket[T]()
	c.buckets[semanticID] = b
	return b
}

// Put allocates a new entry id and inserts data with the given bounds,
// size, and cost profile. Returns CapacityExceeded (the put is skipped,
// counted as a lost put) if current usage would exceed 1.1x capacity.
func (c *NodeCache[T]) Put(semanticID string, data T, size uint64, profile cacheentry.ProfilingData, bounds cacheentry.CacheCube) (cacheentry.MetaCacheEntry, error) {
	if c.currentSz.Load()+size > uint64(float64(c.maxSize)*overshootFactor) {
		c.lostPuts.Add(1)
		c.metrics.IncrementCounter("node_cache_lost_puts_total", 1)
		return cacheentry.MetaCacheEntry{}, errors.Wrapf(cacheerrors.ErrCapacityExceeded,
			"type=%s semantic_id=%s size=%d used=%d capacity=%d", c.typ, semanticID, size, c.currentSz.Load(), c.maxSize)
	}

	id := c.nextID.Add(1) - 1
	b := c.bucket(semanticID, true)
	entry := cacheentry.CacheEntry{
		Bounds:      bounds,
		SizeBytes:   size,
		Profile:     profile,
		LastAccess:  c.clock(),
		AccessCount: 1,
	}
	b.put(id, &data, entry)
	c.currentSz.Add(size)
	c.recentHint.Add(recentKey{SemanticID: semanticID, EntryID: id}, struct{}{})

	c.logger.Debug("node cache put", map[string]interface{}{
		"type": c.typ.String(), "semantic_id": semanticID, "entry_id": id, "size": size,
	})

	return cacheentry.MetaCacheEntry{
		Key:   cacheentry.TypedNodeCacheKey{Type: c.typ, SemanticID: semanticID, EntryID: id},
		Entry: entry,
	}, nil
}

// PutWithID inserts data under an explicit entry id rather than allocating
// a fresh one, for a reorg-driven move where the index's mirror already
// identifies this entry by the id it held on the donor node. Subsequent
// ordinary Puts never reuse an id accepted this way.
func (c *NodeCache[T]) PutWithID(semanticID string, id uint64, data T, size uint64, profile cacheentry.ProfilingData, bounds cacheentry.CacheCube) (cacheentry.MetaCacheEntry, error) {
	if c.currentSz.Load()+size > uint64(float64(c.maxSize)*overshootFactor) {
		c.lostPuts.Add(1)
		c.metrics.IncrementCounter("node_cache_lost_puts_total", 1)
		return cacheentry.MetaCacheEntry{}, errors.Wrapf(cacheerrors.ErrCapacityExceeded,
			"type=%s semantic_id=%s size=%d used=%d capacity=%d", c.typ, semanticID, size, c.currentSz.Load(), c.maxSize)
	}

	for {
		next := c.nextID.Load()
		if id < next {
			break
		}
		if c.nextID.CompareAndSwap(next, id+1) {
			break
		}
	}

	b := c.bucket(semanticID, true)
	entry := cacheentry.CacheEntry{
		Bounds:      bounds,
		SizeBytes:   size,
		Profile:     profile,
		LastAccess:  c.clock(),
		AccessCount: 1,
	}
	b.put(id, &data, entry)
	c.currentSz.Add(size)
	c.recentHint.Add(recentKey{SemanticID: semanticID, EntryID: id}, struct{}{})

	c.logger.Debug("node cache put (explicit id)", map[string]interface{}{
		"type": c.typ.String(), "semantic_id": semanticID, "entry_id": id, "size": size,
	})

	return cacheentry.MetaCacheEntry{
		Key:   cacheentry.TypedNodeCacheKey{Type: c.typ, SemanticID: semanticID, EntryID: id},
		Entry: entry,
	}, nil
}

// Get returns the shared payload for key, recording an access. A cache get
// never copies data: the returned pointer aliases the same value every
// other holder of this entry sees.
func (c *NodeCache[T]) Get(key cacheentry.TypedNodeCacheKey) (*T, error) {
	b := c.bucket(key.SemanticID, false)
	if b == nil {
		return nil, errors.Wrapf(cacheerrors.ErrNoSuchEntry, "semantic_id=%s entry_id=%d", key.SemanticID, key.EntryID)
	}
	data, ok := b.get(key.EntryID)
	if !ok {
		return nil, errors.Wrapf(cacheerrors.ErrNoSuchEntry, "semantic_id=%s entry_id=%d", key.SemanticID, key.EntryID)
	}
	b.structure.Touch(key.EntryID, c.clock())
	c.trackAccess(key)
	c.recentHint.Add(recentKey{SemanticID: key.SemanticID, EntryID: key.EntryID}, struct{}{})
	return data, nil
}

// Meta returns an entry's metadata (bounds, size, cost profile) without
// touching its access tracking, used by the puzzle executor's local
// retriever to add a piece's original profile to the job's profiler.
func (c *NodeCache[T]) Meta(key cacheentry.TypedNodeCacheKey) (cacheentry.CacheEntry, bool) {
	b := c.bucket(key.SemanticID, false)
	if b == nil {
		return cacheentry.CacheEntry{}, false
	}
	return b.structure.Get(key.EntryID)
}

// Remove deletes an entry, adjusting the capacity accounting.
func (c *NodeCache[T]) Remove(key cacheentry.TypedNodeCacheKey) error {
	b := c.bucket(key.SemanticID, false)
	if b == nil {
		return errors.Wrap(cacheerrors.ErrNoSuchEntry, "semantic id unknown")
	}
	e, ok := b.remove(key.EntryID)
	if !ok {
		return errors.Wrap(cacheerrors.ErrNoSuchEntry, "entry id unknown")
	}
	c.currentSz.Add(^(e.SizeBytes - 1)) // atomic subtraction: add two's-complement
	return nil
}

// Query delegates to the semantic id's CacheStructure planner; if no
// structure exists yet for this semantic id, the query is a miss.
func (c *NodeCache[T]) Query(semanticID string, qr geom.QueryRectangle) cachestruct.CacheQueryResult[uint64] {
	b := c.bucket(semanticID, false)
	if b == nil {
		return cachestruct.CacheQueryResult[uint64]{Covered: qr, Remainder: []geom.Cube3{qr.Cube()}}
	}
	return b.structure.Query(qr)
}

// EntryMetadata returns a copy of an entry's metadata without touching
// access counters, for announcing to the index (handshake, new-entry
// notification).
func (c *NodeCache[T]) EntryMetadata(key cacheentry.TypedNodeCacheKey) (cacheentry.CacheEntry, bool) {
	b := c.bucket(key.SemanticID, false)
	if b == nil {
		return cacheentry.CacheEntry{}, false
	}
	return b.structure.Get(key.EntryID)
}

// AllMeta returns every MetaCacheEntry currently held, for the handshake a
// node sends the index on (re)connect.
func (c *NodeCache[T]) AllMeta() []cacheentry.MetaCacheEntry {
	c.bucketsMu.RLock()
	semanticIDs := make([]string, 0, len(c.buckets))
	bs := make([]*semanticBucket[T], 0, len(c.buckets))
	for sid, b := range c.buckets {
		semanticIDs = append(semanticIDs, sid)
		bs = append(bs, b)
	}
	c.bucketsMu.RUnlock()

	var out []cacheentry.MetaCacheEntry
	for i, sid := range semanticIDs {
		for id, e := range bs[i].structure.All() {
			out = append(out, cacheentry.MetaCacheEntry{
				Key:   cacheentry.TypedNodeCacheKey{Type: c.typ, SemanticID: sid, EntryID: id},
				Entry: e,
			})
		}
	}
	return out
}

// CurrentSize returns the currently tracked used bytes.
func (c *NodeCache[T]) CurrentSize() uint64 { return c.currentSz.Load() }

// Capacity returns the configured byte capacity.
func (c *NodeCache[T]) Capacity() uint64 { return c.maxSize }

// LostPuts returns the count of puts rejected by CapacityExceeded so far.
func (c *NodeCache[T]) LostPuts() uint64 { return c.lostPuts.Load() }

func (c *NodeCache[T]) trackAccess(key cacheentry.TypedNodeCacheKey) {
	c.accessMu.Lock()
	defer c.accessMu.Unlock()
	ids, ok := c.access[key.SemanticID]
	if !ok {
		ids = make(map[uint64]struct{})
		c.access[key.SemanticID] = ids
	}
	ids[key.EntryID] = struct{}{}
}

// GetStats drains the access tracker into a CacheStats delta, resolving
// each touched id's current counters. Entries removed since being touched
// (e.g. by a reorg) are silently skipped, matching the original's
// NoSuchElement-is-absorbed-locally policy.
func (c *NodeCache[T]) GetStats() CacheStats {
	c.accessMu.Lock()
	drained := c.access
	c.access = make(map[string]map[uint64]struct{})
	c.accessMu.Unlock()

	stats := newCacheStats(c.typ)
	stats.CapacityBytes = c.maxSize
	stats.UsedBytes = c.currentSz.Load()

	for semanticID, ids := range drained {
		b := c.bucket(semanticID, false)
		if b == nil {
			continue
		}
		for id := range ids {
			e, ok := b.structure.Get(id)
			if !ok {
				continue
			}
			stats.add(semanticID, EntryAccessStats{EntryID: id, LastAccess: e.LastAccess.Unix(), AccessCount: e.AccessCount})
		}
	}
	return stats
}
