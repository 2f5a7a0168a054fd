package experiment

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/umr-dbs/cachemesh/internal/cacheentry"
	"github.com/umr-dbs/cachemesh/internal/cachestruct"
	"github.com/umr-dbs/cachemesh/internal/geom"
	"github.com/umr-dbs/cachemesh/internal/indexcache"
	"github.com/umr-dbs/cachemesh/internal/nodecache"
	"github.com/umr-dbs/cachemesh/internal/payload"
	"github.com/umr-dbs/cachemesh/internal/puzzle"
)

// bytesPerPixel is the fixed pixel depth every harness raster uses; the
// experiments only care about relative cost and size, not actual pixel
// content.
const bytesPerPixel = 4

// Outcome classifies how the harness served one query.
type Outcome int

const (
	OutcomeMiss Outcome = iota
	OutcomeSingleHit
	OutcomePuzzleHit
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSingleHit:
		return "single_hit"
	case OutcomePuzzleHit:
		return "puzzle_hit"
	default:
		return "miss"
	}
}

// node is one simulated worker: its own raster cache plus the id the index
// mirror addresses it by.
type node struct {
	id    uint32
	cache *nodecache.NodeCache[payload.RasterData]
}

// ComputeFunc renders the raster a query would produce; the harness adds
// its own simulated cost before handing the result back, mirroring
// QueryProfiler::self_cpu accounting for a freshly executed operator graph.
type ComputeFunc func(semanticID string, qr geom.QueryRectangle) payload.RasterData

// LocalHarness is the in-process stand-in for the original's
// LocalTestSetup: a handful of worker node caches and an index mirror,
// driven directly by Go calls rather than real ClientConnection/
// WorkerConnection sockets, since every experiment in this package runs
// single-process.
type LocalHarness struct {
	nodes     []*node
	index     *indexcache.Manager
	compute   ComputeFunc
	nextRR    int
	puzzling  bool
	relevance indexcache.RelevanceFunc
	strategy  indexcache.ReorgStrategy
}

// NewLocalHarness builds a harness with numNodes workers, each capped at
// nodeCapacity bytes for the raster type, reorganized by strategy and
// scored by relevance. puzzling controls whether a multi-piece hit is
// assembled (PuzzleExperiment) or treated as a miss (LocalCacheExperiment).
func NewLocalHarness(numNodes int, nodeCapacity uint64, strategy indexcache.ReorgStrategy, relevance indexcache.RelevanceFunc, puzzling bool, compute ComputeFunc) *LocalHarness {
	h := &LocalHarness{compute: compute, puzzling: puzzling, relevance: relevance, strategy: strategy}
	for i := 0; i < numNodes; i++ {
		h.nodes = append(h.nodes, &node{
			id:    uint32(i + 1),
			cache: nodecache.New[payload.RasterData](cacheentry.CacheTypeRaster, nodeCapacity),
		})
	}
	h.index = indexcache.NewManager([]indexcache.CacheConfig{
		{Type: cacheentry.CacheTypeRaster, Relevance: relevance, Strategy: strategy},
	})
	return h
}

// Reset clears every node's cache and the index mirror, for experiments
// that need a cold cache at the start of each run.
func (h *LocalHarness) Reset(nodeCapacity uint64) {
	for _, n := range h.nodes {
		n.cache = nodecache.New[payload.RasterData](cacheentry.CacheTypeRaster, nodeCapacity)
	}
	h.index = indexcache.NewManager([]indexcache.CacheConfig{
		{Type: cacheentry.CacheTypeRaster, Relevance: h.relevance, Strategy: h.strategy},
	})
}

// Query serves one QTriple: a planner lookup against the index mirror,
// either a direct/puzzle hit fetched from owning nodes or a fresh compute,
// storing newly computed results on a round-robin node.
func (h *LocalHarness) Query(t QTriple, profiler *puzzle.Profiler) (payload.RasterData, Outcome, error) {
	res := h.index.Query(cacheentry.CacheTypeRaster, t.SemanticID, t.Query)

	if len(res.Keys) > 0 && len(res.Remainder) == 0 {
		if len(res.Keys) == 1 || h.puzzling {
			return h.assemble(t, res, profiler)
		}
	}

	if !res.IsMiss() && h.puzzling {
		return h.assembleWithRemainder(t, res, profiler)
	}

	return h.computeAndStore(t, profiler)
}

func (h *LocalHarness) assemble(t QTriple, res cachestruct.CacheQueryResult[indexcache.Key], profiler *puzzle.Profiler) (payload.RasterData, Outcome, error) {
	pieces := make([]payload.RasterData, 0, len(res.Keys))
	cubes := make([]geom.Cube3, 0, len(res.Keys))
	for _, key := range res.Keys {
		entry, ok := h.index.Entry(cacheentry.CacheTypeRaster, t.SemanticID, key)
		if !ok {
			return payload.RasterData{}, OutcomeMiss, errors.Errorf("index entry vanished for node %d", key.NodeID)
		}
		n := h.findNode(key.NodeID)
		if n == nil {
			return payload.RasterData{}, OutcomeMiss, errors.Errorf("unknown node %d", key.NodeID)
		}
		v, err := n.cache.Get(cacheentry.TypedNodeCacheKey{Type: cacheentry.CacheTypeRaster, SemanticID: t.SemanticID, EntryID: key.EntryID})
		if err != nil {
			return payload.RasterData{}, OutcomeMiss, errors.Wrap(err, "fetching hit piece")
		}
		profiler.AddPieceCost(entry.Profile)
		if n.id != h.nodes[0].id {
			profiler.AddIOCost(len(v.Pixels))
		}
		pieces = append(pieces, *v)
		cubes = append(cubes, entry.Bounds.Cube3)
	}

	if len(pieces) == 1 {
		return pieces[0], OutcomeSingleHit, nil
	}

	bbox := puzzle.EnlargeBounds(t.Query.Cube(), cubes)
	assembled, err := (puzzle.RasterAssembler{}).Puzzle(bbox, pieces)
	if err != nil {
		return payload.RasterData{}, OutcomeMiss, err
	}
	return assembled, OutcomePuzzleHit, nil
}

func (h *LocalHarness) assembleWithRemainder(t QTriple, res cachestruct.CacheQueryResult[indexcache.Key], profiler *puzzle.Profiler) (payload.RasterData, Outcome, error) {
	hitData, outcome, err := h.assemble(t, res, profiler)
	if err != nil || len(res.Remainder) == 0 {
		return hitData, outcome, err
	}

	pieces := []payload.RasterData{hitData}
	cubes := []geom.Cube3{res.Covered.Cube()}
	for _, rem := range res.Remainder {
		rq := geom.QueryRectangle{
			EPSG: t.Query.EPSG, X1: rem.X.A, Y1: rem.Y.A, X2: rem.X.B, Y2: rem.Y.B,
			TimeType: t.Query.TimeType, T1: rem.T.A, T2: rem.T.B,
			ResType: t.Query.ResType, XRes: t.Query.XRes, YRes: t.Query.YRes,
		}
		v := h.compute(t.SemanticID, rq)
		profiler.AddPieceCost(estimateCost(v))
		pieces = append(pieces, v)
		cubes = append(cubes, rem)
	}

	bbox := puzzle.EnlargeBounds(t.Query.Cube(), cubes)
	assembled, err := (puzzle.RasterAssembler{}).Puzzle(bbox, pieces)
	if err != nil {
		return payload.RasterData{}, OutcomeMiss, err
	}
	return assembled, OutcomePuzzleHit, h.store(t, assembled, estimateCost(assembled))
}

func (h *LocalHarness) computeAndStore(t QTriple, profiler *puzzle.Profiler) (payload.RasterData, Outcome, error) {
	v := h.compute(t.SemanticID, t.Query)
	cost := estimateCost(v)
	profiler.AddPieceCost(cost)
	return v, OutcomeMiss, h.store(t, v, cost)
}

func (h *LocalHarness) store(t QTriple, v payload.RasterData, cost cacheentry.ProfilingData) error {
	n := h.nodes[h.nextRR%len(h.nodes)]
	h.nextRR++

	bounds := cacheentry.CacheCube{
		QueryCube: geom.QueryCube{Cube3: t.Query.Cube(), EPSG: t.Query.EPSG, TimeType: t.Query.TimeType},
		Resolution: cacheentry.ResolutionInfo{
			ResType:     t.Query.ResType,
			PixelScaleX: v.PixelScaleX, PixelScaleY: v.PixelScaleY,
			PixelScaleXRng: geom.Interval{A: v.PixelScaleX, B: v.PixelScaleX},
			PixelScaleYRng: geom.Interval{A: v.PixelScaleY, B: v.PixelScaleY},
		},
	}
	meta, err := n.cache.Put(t.SemanticID, v, uint64(len(v.Pixels)), cost, bounds)
	if err != nil {
		return errors.Wrap(err, "storing computed raster")
	}
	h.index.Put(cacheentry.CacheTypeRaster, t.SemanticID, n.id, meta.Key.EntryID, meta.Entry)
	return nil
}

func (h *LocalHarness) findNode(id uint32) *node {
	for _, n := range h.nodes {
		if n.id == id {
			return n
		}
	}
	return nil
}

// estimateCost derives a simulated CPU/IO profile from a rendered tile's
// size, proportional to bytes the same way the harness's synthetic
// ComputeFunc sizes its output.
func estimateCost(v payload.RasterData) cacheentry.ProfilingData {
	return cacheentry.ProfilingData{CPUCostMS: float64(len(v.Pixels)) / 50_000, IOCostMS: 0}
}

// SyntheticCompute renders a deterministic raster for a query: pixel bytes
// filled with a fixed repeating pattern and an artificial render delay proportional to the
// requested pixel count, standing in for the original's operator graph
// execution (GenericOperator::getCachedRaster).
func SyntheticCompute(renderDelay time.Duration) ComputeFunc {
	return func(semanticID string, qr geom.QueryRectangle) payload.RasterData {
		if renderDelay > 0 {
			time.Sleep(time.Duration(float64(renderDelay) * float64(qr.XRes*qr.YRes) / (256 * 256)))
		}
		pixels := make([]byte, int(qr.XRes)*int(qr.YRes)*bytesPerPixel)
		for i := range pixels {
			pixels[i] = byte(i % 251)
		}
		return payload.RasterData{
			OriginX: qr.X1, OriginY: qr.Y1,
			TimeStart: qr.T1, TimeEnd: qr.T2,
			PixelScaleX: qr.PixelScaleX(), PixelScaleY: qr.PixelScaleY(),
			Width: qr.XRes, Height: qr.YRes, BytesPerPixel: bytesPerPixel,
			Pixels: pixels,
		}
	}
}

// NodeUsage reports every node's current raster-cache usage, for
// ReorgExperiment to feed into indexcache's planner between runs.
func (h *LocalHarness) NodeUsage() map[uint32]indexcache.NodeUsage {
	out := make(map[uint32]indexcache.NodeUsage, len(h.nodes))
	for _, n := range h.nodes {
		out[n.id] = indexcache.NodeUsage{NodeID: n.id, UsedBytes: n.cache.CurrentSize(), CapacityBytes: n.cache.Capacity()}
		h.index.UpdateUsage(cacheentry.CacheTypeRaster, out[n.id])
	}
	return out
}

// String names the harness configuration for result labeling.
func (h *LocalHarness) String() string {
	return fmt.Sprintf("nodes=%d puzzling=%v", len(h.nodes), h.puzzling)
}
