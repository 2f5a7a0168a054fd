package experiment

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/umr-dbs/cachemesh/internal/deliverymgr"
	"github.com/umr-dbs/cachemesh/internal/indexcache"
	"github.com/umr-dbs/cachemesh/internal/puzzle"
)

const defaultNodeCapacity = 64 * 1024 * 1024

// LocalCacheExperiment replays random windows from spec against a single
// warming harness with puzzling disabled: a query only hits if an earlier
// run cached the identical window, measuring raw single-entry reuse.
// Mirrors the original's LocalCacheExperiment.
type LocalCacheExperiment struct {
	Spec     QuerySpec
	Extend   float64
	NumRuns_ uint32

	rng     *rand.Rand
	harness *LocalHarness
}

func NewLocalCacheExperiment(spec QuerySpec, numRuns uint32, extend float64, resolution uint32) *LocalCacheExperiment {
	spec.XRes, spec.YRes = resolution, resolution
	return &LocalCacheExperiment{Spec: spec, NumRuns_: numRuns, Extend: extend}
}

func (e *LocalCacheExperiment) Name() string    { return fmt.Sprintf("local_cache[%s]", e.Spec) }
func (e *LocalCacheExperiment) NumRuns() uint32 { return e.NumRuns_ }

func (e *LocalCacheExperiment) GlobalSetup() {
	e.rng = rand.New(rand.NewSource(1))
	e.harness = NewLocalHarness(1, defaultNodeCapacity, indexcache.CapacityStrategy{}, indexcache.CostLRU, false, SyntheticCompute(time.Millisecond))
}
func (e *LocalCacheExperiment) Setup(uint32)    {}
func (e *LocalCacheExperiment) Teardown(uint32) {}
func (e *LocalCacheExperiment) GlobalTeardown() {}

func (e *LocalCacheExperiment) RunOnce(_ uint32, profiler *puzzle.Profiler) []QueryResult {
	q := QTriple{SemanticID: e.Spec.SemanticID, Query: e.Spec.RandomRectangle(e.rng, e.Extend)}
	start := time.Now()
	_, outcome, err := e.harness.Query(q, profiler)
	dur := time.Since(start)
	if err != nil {
		outcome = OutcomeMiss
	}
	return []QueryResult{{SemanticID: q.SemanticID, Outcome: outcome, DurationMS: float64(dur.Microseconds()) / 1000}}
}

// PuzzleExperiment splits spec's extent into a fixed tiling, warms the
// harness on individual tiles, then re-queries the union of several tiles
// at once, forcing a puzzle reassembly. Mirrors the original's
// PuzzleExperiment.
type PuzzleExperiment struct {
	Spec     QuerySpec
	NumRuns_ uint32
	Extend   float64

	tiles   []QTriple
	harness *LocalHarness
}

func NewPuzzleExperiment(spec QuerySpec, numRuns uint32, extend float64, resolution uint32) *PuzzleExperiment {
	spec.XRes, spec.YRes = resolution, resolution
	return &PuzzleExperiment{Spec: spec, NumRuns_: numRuns, Extend: extend}
}

func (e *PuzzleExperiment) Name() string    { return fmt.Sprintf("puzzle[%s]", e.Spec) }
func (e *PuzzleExperiment) NumRuns() uint32 { return e.NumRuns_ }

func (e *PuzzleExperiment) GlobalSetup() {
	e.harness = NewLocalHarness(1, defaultNodeCapacity, indexcache.CapacityStrategy{}, indexcache.CostLRU, true, SyntheticCompute(time.Millisecond))
	tileRects := e.Spec.DisjunctRectangles(4, e.Extend)
	e.tiles = make([]QTriple, len(tileRects))
	for i, r := range tileRects {
		e.tiles[i] = QTriple{SemanticID: e.Spec.SemanticID, Query: r}
	}
	warmProfiler := &puzzle.Profiler{}
	for _, t := range e.tiles {
		_, _, _ = e.harness.Query(t, warmProfiler)
	}
}
func (e *PuzzleExperiment) Setup(uint32)    {}
func (e *PuzzleExperiment) Teardown(uint32) {}
func (e *PuzzleExperiment) GlobalTeardown() {}

func (e *PuzzleExperiment) RunOnce(_ uint32, profiler *puzzle.Profiler) []QueryResult {
	union := e.tiles[0].Query
	for _, t := range e.tiles[1:] {
		union.X2 = maxf(union.X2, t.Query.X2)
		union.Y2 = maxf(union.Y2, t.Query.Y2)
	}
	union.XRes *= uint32(len(e.tiles))

	q := QTriple{SemanticID: e.Spec.SemanticID, Query: union}
	start := time.Now()
	_, outcome, err := e.harness.Query(q, profiler)
	dur := time.Since(start)
	if err != nil {
		outcome = OutcomeMiss
	}
	return []QueryResult{{SemanticID: q.SemanticID, Outcome: outcome, DurationMS: float64(dur.Microseconds()) / 1000}}
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// StrategyExperiment runs the same imbalanced-load workload against each
// candidate ReorgStrategy in turn (one per run), then runs a reorg pass.
// Each run reports only its query outcomes; the resulting usage spread and
// reorg plan are not included in the results. Mirrors the original's
// StrategyExperiment.
type StrategyExperiment struct {
	Spec     QuerySpec
	NumQ     int
	strategies []indexcache.ReorgStrategy
	harness  *LocalHarness
}

func NewStrategyExperiment(spec QuerySpec, numQueries int) *StrategyExperiment {
	spec.XRes, spec.YRes = 128, 128
	return &StrategyExperiment{
		Spec: spec,
		NumQ: numQueries,
		strategies: []indexcache.ReorgStrategy{
			indexcache.CapacityStrategy{},
			indexcache.GeographicStrategy{},
			indexcache.GraphStrategy{},
		},
	}
}

func (e *StrategyExperiment) Name() string    { return fmt.Sprintf("strategy[%s]", e.Spec) }
func (e *StrategyExperiment) NumRuns() uint32 { return uint32(len(e.strategies)) }

func (e *StrategyExperiment) GlobalSetup()    {}
func (e *StrategyExperiment) GlobalTeardown() {}
func (e *StrategyExperiment) Teardown(uint32) {}

func (e *StrategyExperiment) Setup(run uint32) {
	e.harness = NewLocalHarness(4, defaultNodeCapacity/8, e.strategies[run], indexcache.CostLRU, true, SyntheticCompute(0))
}

func (e *StrategyExperiment) RunOnce(run uint32, profiler *puzzle.Profiler) []QueryResult {
	rng := rand.New(rand.NewSource(int64(run) + 1))
	out := make([]QueryResult, 0, e.NumQ)
	for i := 0; i < e.NumQ; i++ {
		q := QTriple{SemanticID: e.Spec.SemanticID, Query: e.Spec.RandomRectangle(rng, 1.0/16)}
		start := time.Now()
		_, outcome, err := e.harness.Query(q, profiler)
		if err != nil {
			outcome = OutcomeMiss
		}
		out = append(out, QueryResult{SemanticID: q.SemanticID, Outcome: outcome, DurationMS: float64(time.Since(start).Microseconds()) / 1000})
	}
	e.harness.NodeUsage()
	e.harness.index.ReorgPass()
	return out
}

// RelevanceExperiment compares CostLRU against a bare last-access relevance
// function under reorg pressure, reporting each's resulting hit rate.
// Mirrors the original's RelevanceExperiment.
type RelevanceExperiment struct {
	Spec     QuerySpec
	NumQ     int
	funcs    []indexcache.RelevanceFunc
	harness  *LocalHarness
}

func NewRelevanceExperiment(spec QuerySpec, numQueries int) *RelevanceExperiment {
	spec.XRes, spec.YRes = 128, 128
	return &RelevanceExperiment{
		Spec: spec,
		NumQ: numQueries,
		funcs: []indexcache.RelevanceFunc{
			indexcache.CostLRU,
			indexcache.LRU,
		},
	}
}

func (e *RelevanceExperiment) Name() string    { return fmt.Sprintf("relevance[%s]", e.Spec) }
func (e *RelevanceExperiment) NumRuns() uint32 { return uint32(len(e.funcs)) }

func (e *RelevanceExperiment) GlobalSetup()    {}
func (e *RelevanceExperiment) GlobalTeardown() {}
func (e *RelevanceExperiment) Teardown(uint32) {}

func (e *RelevanceExperiment) Setup(run uint32) {
	e.harness = NewLocalHarness(2, defaultNodeCapacity/16, indexcache.CapacityStrategy{}, e.funcs[run], true, SyntheticCompute(0))
}

func (e *RelevanceExperiment) RunOnce(run uint32, profiler *puzzle.Profiler) []QueryResult {
	rng := rand.New(rand.NewSource(int64(run) + 7))
	out := make([]QueryResult, 0, e.NumQ)
	for i := 0; i < e.NumQ; i++ {
		q := QTriple{SemanticID: e.Spec.SemanticID, Query: e.Spec.RandomRectangle(rng, 1.0/8)}
		_, outcome, err := e.harness.Query(q, profiler)
		if err != nil {
			outcome = OutcomeMiss
		}
		out = append(out, QueryResult{SemanticID: q.SemanticID, Outcome: outcome})
	}
	return out
}

// QueryBatchingExperiment fires a burst of identical queries for the same
// window, one after another, and measures how many are served off a single
// deliverymgr.Manager delivery rather than recomputed individually.
// Mirrors the original's QueryBatchingExperiment.
type QueryBatchingExperiment struct {
	Spec       QuerySpec
	NumRuns_   uint32
	BurstSize  uint32

	mgr *deliverymgr.Manager
}

func NewQueryBatchingExperiment(spec QuerySpec, numRuns uint32, burstSize uint32) *QueryBatchingExperiment {
	spec.XRes, spec.YRes = 256, 256
	return &QueryBatchingExperiment{Spec: spec, NumRuns_: numRuns, BurstSize: burstSize}
}

func (e *QueryBatchingExperiment) Name() string    { return fmt.Sprintf("batching[%s]", e.Spec) }
func (e *QueryBatchingExperiment) NumRuns() uint32 { return e.NumRuns_ }

func (e *QueryBatchingExperiment) GlobalSetup()    { e.mgr = deliverymgr.New() }
func (e *QueryBatchingExperiment) GlobalTeardown() {}
func (e *QueryBatchingExperiment) Setup(uint32)    {}
func (e *QueryBatchingExperiment) Teardown(uint32) {}

func (e *QueryBatchingExperiment) RunOnce(_ uint32, profiler *puzzle.Profiler) []QueryResult {
	compute := SyntheticCompute(0)
	rect := e.Spec.RandomRectangle(rand.New(rand.NewSource(3)), 1.0/16)
	v := compute(e.Spec.SemanticID, rect)
	profiler.AddPieceCost(estimateCost(v))

	id := e.mgr.Add(v.Pixels, e.BurstSize)
	out := make([]QueryResult, 0, e.BurstSize)
	for i := uint32(0); i < e.BurstSize; i++ {
		_, err := e.mgr.FetchDelivery(id)
		outcome := OutcomeSingleHit
		if err != nil {
			outcome = OutcomeMiss
		}
		out = append(out, QueryResult{SemanticID: e.Spec.SemanticID, Outcome: outcome})
	}
	return out
}

// ReorgExperiment drives an imbalanced multi-node harness through repeated
// reorg passes, reporting how many moves/removals each pass plans. Mirrors
// the original's ReorgExperiment.
type ReorgExperiment struct {
	Spec     QuerySpec
	NumRuns_ uint32
	NumQ     int

	harness *LocalHarness
}

func NewReorgExperiment(spec QuerySpec, numRuns uint32) *ReorgExperiment {
	spec.XRes, spec.YRes = 128, 128
	return &ReorgExperiment{Spec: spec, NumRuns_: numRuns, NumQ: 64}
}

func (e *ReorgExperiment) Name() string    { return fmt.Sprintf("reorg[%s]", e.Spec) }
func (e *ReorgExperiment) NumRuns() uint32 { return e.NumRuns_ }

func (e *ReorgExperiment) GlobalSetup() {
	e.harness = NewLocalHarness(6, defaultNodeCapacity/32, indexcache.CapacityStrategy{}, indexcache.CostLRU, true, SyntheticCompute(0))
}
func (e *ReorgExperiment) GlobalTeardown() {}
func (e *ReorgExperiment) Setup(uint32)    {}
func (e *ReorgExperiment) Teardown(uint32) {}

func (e *ReorgExperiment) RunOnce(run uint32, profiler *puzzle.Profiler) []QueryResult {
	rng := rand.New(rand.NewSource(int64(run) + 11))
	out := make([]QueryResult, 0, e.NumQ)
	for i := 0; i < e.NumQ; i++ {
		q := QTriple{SemanticID: e.Spec.SemanticID, Query: e.Spec.RandomRectangle(rng, 1.0/32)}
		_, outcome, err := e.harness.Query(q, profiler)
		if err != nil {
			outcome = OutcomeMiss
		}
		out = append(out, QueryResult{SemanticID: q.SemanticID, Outcome: outcome})
	}
	e.harness.NodeUsage()
	plans := e.harness.index.ReorgPass()
	total := 0
	for _, p := range plans {
		total += len(p.Moves) + len(p.Removals)
	}
	out = append(out, QueryResult{SemanticID: "__reorg_moves__", Outcome: OutcomeMiss, DurationMS: float64(total)})
	return out
}
