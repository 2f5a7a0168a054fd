package nodecache

import "github.com/umr-dbs/cachemesh/internal/cacheentry"

// EntryAccessStats reports a single entry's access counters at stats-drain
// time, so the index can fold them into its relevance scoring without
// re-deriving them from raw access events.
type EntryAccessStats struct {
	EntryID     uint64
	LastAccess  int64 // unix seconds
	AccessCount uint32
}

// CacheStats is the per-type access-delta report a node hands to the index
// on a stats request: every (semantic_id, entry) touched since the last
// drain.
type CacheStats struct {
	Type          cacheentry.CacheType
	CapacityBytes uint64
	UsedBytes     uint64
	ByEntry       map[string][]EntryAccessStats // semantic_id -> touched entries
	SingleHits    uint64
	PuzzleHits    uint64
	Misses        uint64
	LostPuts      uint64
}

func newCacheStats(t cacheentry.CacheType) CacheStats {
	return CacheStats{Type: t, ByEntry: make(map[string][]EntryAccessStats)}
}

func (s *CacheStats) add(semanticID string, e EntryAccessStats) {
	s.ByEntry[semanticID] = append(s.ByEntry[semanticID], e)
}
