// Package cachestruct implements the per-(type, semantic-id) cache
// structure: an in-process map of entry id to entry, plus the query planner
// that turns a QueryRectangle into a full hit, a puzzle plan, or a miss.
package cachestruct

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/umr-dbs/cachemesh/internal/cacheentry"
	"github.com/umr-dbs/cachemesh/internal/geom"
)

// pixelScaleTolerance is the relative tolerance used for resolution
// coherence checks inside a puzzle and for the scheduler's batching match.
const pixelScaleTolerance = 0.01

// lowCoverageThreshold: a query whose total remainder volume exceeds this
// fraction of the query volume is treated as a miss rather than a puzzle.
const lowCoverageThreshold = 0.9

// unionSlackFactor allows the greedy remainder union to merge two
// near-adjacent slabs even when their combined bounding box slightly
// overshoots the sum of their volumes (dissection leaves slivers).
const unionSlackFactor = 1.01

// CacheQueryResult is the outcome of CacheStructure.Query.
type CacheQueryResult[K comparable] struct {
	Covered   geom.QueryRectangle
	Keys      []K
	Remainder []geom.Cube3
}

// IsFullHit reports whether the query was entirely satisfied by a single
// cached entry with nothing left over.
func (r CacheQueryResult[K]) IsFullHit() bool {
	return len(r.Remainder) == 0 && len(r.Keys) == 1
}

// IsMiss reports whether nothing useful was found.
func (r CacheQueryResult[K]) IsMiss() bool {
	return len(r.Keys) == 0
}

// CacheStructure is the per-semantic-id, per-type cache container: a map of
// entry id to entry metadata, guarded by a single lock, plus the query
// planner. K is the owner's entry-id type (uint64 on a node, a
// node+entry-id pair at the index).
type CacheStructure[K comparable] struct {
	mu          sync.RWMutex
	entries     map[K]*cacheentry.CacheEntry
	currentSize uint64
}

// New constructs an empty CacheStructure.
func New[K comparable]() *CacheStructure[K] {
	return &CacheStructure[K]{entries: make(map[K]*cacheentry.CacheEntry)}
}

// Put inserts a new entry. Entries are never mutated after insertion except
// their access counters and last-access timestamp (see Touch).
func (s *CacheStructure[K]) Put(key K, entry cacheentry.CacheEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &entry
	s.currentSize += entry.SizeBytes
}

// Get returns a copy of the entry's current metadata without touching
// access counters (used for read-only inspection, e.g. reorg scoring).
func (s *CacheStructure[K]) Get(key K) (cacheentry.CacheEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return cacheentry.CacheEntry{}, false
	}
	return *e, true
}

// Touch records an access: increments access_count and refreshes
// last_access. Returns false if the key is not present.
func (s *CacheStructure[K]) Touch(key K, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return false
	}
	e.AccessCount++
	e.LastAccess = now
	return true
}

// Remove deletes an entry, returning it if present.
func (s *CacheStructure[K]) Remove(key K) (cacheentry.CacheEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return cacheentry.CacheEntry{}, false
	}
	delete(s.entries, key)
	s.currentSize -= e.SizeBytes
	return *e, true
}

// Size returns the sum of entry sizes currently tracked.
func (s *CacheStructure[K]) Size() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentSize
}

// NumElements returns the number of entries tracked.
func (s *CacheStructure[K]) NumElements() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// All returns a snapshot of every (key, entry) pair, used by reorg
// strategies and stats reporting.
func (s *CacheStructure[K]) All() map[K]cacheentry.CacheEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[K]cacheentry.CacheEntry, len(s.entries))
	for k, e := range s.entries {
		out[k] = *e
	}
	return out
}

type candidate[K comparable] struct {
	key    K
	bounds cacheentry.CacheCube
	score  float64
}

// Query runs the planner: collect intersecting, resolution-compatible
// candidates, greedily dissect the query cube against them in descending
// score order, union the leftover remainders, and enlarge the covered
// envelope as far as the chosen pieces allow.
func (s *CacheStructure[K]) Query(spec geom.QueryRectangle) CacheQueryResult[K] {
	s.mu.RLock()
	candidates := s.collectCandidates(spec)
	s.mu.RUnlock()

	if len(candidates) == 0 {
		return CacheQueryResult[K]{Covered: spec, Remainder: []geom.Cube3{spec.Cube()}}
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	remainders := []geom.Cube3{spec.Cube()}
	var used []candidate[K]

	for _, cand := range candidates {
		if len(remainders) == 0 {
			break
		}
		if spec.ResType == geom.ResolutionPixels && len(used) > 0 {
			first := used[0].bounds.Resolution
			if !geom.PixelScalesMatch(cand.bounds.Resolution.PixelScaleX, first.PixelScaleX, pixelScaleTolerance) ||
				!geom.PixelScalesMatch(cand.bounds.Resolution.PixelScaleY, first.PixelScaleY, pixelScaleTolerance) {
				continue
			}
		}

		var next []geom.Cube3
		touched := false
		for _, rem := range remainders {
			if cand.bounds.Cube3.Intersects(rem) {
				touched = true
				next = append(next, rem.DissectBy(cand.bounds.Cube3)...)
			} else {
				next = append(next, rem)
			}
		}
		remainders = next
		if touched {
			used = append(used, cand)
		}
	}

	remainders = unionRemainders(remainders)
	return enlargeExpectedResult(spec, used, remainders)
}

// collectCandidates scores every entry compatible with spec; compatible
// means same coordinate space, matching resolution admissibility, spatial
// intersection, and (for PIXELS queries) full containment of the time
// interval rather than a mere intersection -- a raster result must cover
// the whole requested time span.
func (s *CacheStructure[K]) collectCandidates(spec geom.QueryRectangle) []candidate[K] {
	qc := spec.QueryCube()
	var out []candidate[K]
	for key, e := range s.entries {
		b := e.Bounds
		if b.EPSG != spec.EPSG || b.TimeType != spec.TimeType {
			continue
		}
		if !b.Resolution.Matches(spec) {
			continue
		}
		if !b.Cube3.Intersects(qc.Cube3) {
			continue
		}
		if spec.ResType == geom.ResolutionPixels {
			if !b.TimeSpan().Contains(geom.Interval{A: spec.T1, B: spec.T2}) {
				continue
			}
		}
		score := b.Cube3.Intersect(qc.Cube3).Volume() / qc.Volume()
		out = append(out, candidate[K]{key: key, bounds: b, score: score})
		// Short-circuit: an exact full-score candidate ends candidate
		// collection, but the planner still runs the full dissect/enlarge
		// pipeline below so resolution-coherence filtering on subsequent
		// ties is not skipped.
		if math.Abs(1.0-score) <= 1e-9 {
			break
		}
	}
	return out
}

// unionRemainders greedily pairwise-combines remainder cubes, accepting a
// merge when the combined bounding box is within 1% of the sum of the two
// pieces' volumes -- this merges the near-adjacent slabs dissection leaves
// behind into fewer, larger remainder cubes.
func unionRemainders(remainders []geom.Cube3) []geom.Cube3 {
	work := append([]geom.Cube3(nil), remainders...)
	var result []geom.Cube3

	for len(work) > 0 {
		current := work[len(work)-1]
		work = work[:len(work)-1]

		for i := 0; i < len(work); {
			combined := current.Combine(work[i])
			if combined.Volume() < (current.Volume()+work[i].Volume())*unionSlackFactor {
				current = combined
				work = append(work[:i], work[i+1:]...)
				i = 0
			} else {
				i++
			}
		}
		result = append(result, current)
	}
	return result
}

// enlargeExpectedResult computes the enlarged covered envelope: for each
// dimension, the envelope is clamped inward to the original query bound on
// any side a remainder still touches, then extended outward toward any used
// candidate's bound on a side that candidate itself touches the query
// boundary. PIXELS queries only enlarge x/y from remainders (the time
// interval must stay exact across every raster piece in a puzzle) but
// extend all three dimensions from hits.
func enlargeExpectedResult[K comparable](orig geom.QueryRectangle, hits []candidate[K], remainders []geom.Cube3) CacheQueryResult[K] {
	qc := orig.QueryCube()

	values := [6]float64{
		math.Inf(-1), math.Inf(1),
		math.Inf(-1), math.Inf(1),
		math.Inf(-1), math.Inf(1),
	}

	checkDims := 3
	if orig.ResType == geom.ResolutionPixels {
		checkDims = 2
	}

	var remVolume float64
	for _, rem := range remainders {
		remVolume += rem.Volume()
		for i := 0; i < checkDims; i++ {
			rdim := dimOf(rem, i)
			qdim := dimOf(qc.Cube3, i)
			if rdim.A <= qdim.A {
				values[2*i] = qdim.A
			}
			if rdim.B >= qdim.B {
				values[2*i+1] = qdim.B
			}
		}
	}

	if remVolume/qc.Volume() > lowCoverageThreshold {
		return CacheQueryResult[K]{Covered: orig, Remainder: []geom.Cube3{orig.Cube()}}
	}

	keys := make([]K, 0, len(hits))
	for _, h := range hits {
		keys = append(keys, h.key)
		for i := 0; i < 3; i++ {
			cdim := dimOf(h.bounds.Cube3, i)
			qdim := dimOf(qc.Cube3, i)
			idxL, idxR := 2*i, 2*i+1
			if cdim.A <= qdim.A {
				values[idxL] = math.Max(values[idxL], cdim.A)
			}
			if cdim.B >= qdim.B {
				values[idxR] = math.Min(values[idxR], cdim.B)
			}
		}
	}

	for i := 0; i < 6; i++ {
		if math.IsInf(values[i], 0) {
			d := dimOf(qc.Cube3, i/2)
			if i%2 == 0 {
				values[i] = d.A
			} else {
				values[i] = d.B
			}
		}
	}

	result := geom.QueryRectangle{
		EPSG:     orig.EPSG,
		X1:       values[0], X2: values[1],
		Y1: values[2], Y2: values[3],
		TimeType: orig.TimeType,
		T1:       values[4], T2: values[5],
		ResType: geom.ResolutionNone,
	}

	if orig.ResType == geom.ResolutionPixels {
		for i := range remainders {
			remainders[i].T = geom.Interval{A: values[4], B: values[5]}
		}
		w := math.Ceil(float64(orig.XRes) / (orig.X2 - orig.X1) * (values[1] - values[0]))
		h := math.Ceil(float64(orig.YRes) / (orig.Y2 - orig.Y1) * (values[3] - values[2]))
		result.ResType = geom.ResolutionPixels
		result.XRes = uint32(w)
		result.YRes = uint32(h)
	}

	return CacheQueryResult[K]{Covered: result, Keys: keys, Remainder: remainders}
}

func dimOf(c geom.Cube3, i int) geom.Interval {
	switch i {
	case 0:
		return c.X
	case 1:
		return c.Y
	default:
		return c.T
	}
}
