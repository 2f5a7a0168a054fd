package experiment

import (
	"time"

	"github.com/umr-dbs/cachemesh/internal/puzzle"
)

// Experiment is one configurable workload, mirroring the original's
// CacheExperiment/run() template method split into GlobalSetup (once),
// Setup/Teardown (per run), and RunOnce (the timed body).
type Experiment interface {
	Name() string
	NumRuns() uint32
	GlobalSetup()
	Setup(run uint32)
	RunOnce(run uint32, profiler *puzzle.Profiler) []QueryResult
	Teardown(run uint32)
	GlobalTeardown()
}

// QueryResult is one query's outcome within a run, the row unit Results
// aggregates into a report.
type QueryResult struct {
	SemanticID string
	Outcome    Outcome
	DurationMS float64
}

// RunResult is one run's aggregated outcome counts and timing.
type RunResult struct {
	Experiment string
	Run        uint32
	Queries    []QueryResult
	WallMS     float64
	Cost       float64 // accumulated simulated CPU+IO cost, from the run's Profiler
}

// Runner drives an Experiment through its full lifecycle and collects one
// RunResult per run.
type Runner struct{}

// Run executes e.NumRuns() runs of e, calling GlobalSetup/GlobalTeardown
// once and Setup/RunOnce/Teardown per run, exactly like the original's
// CacheExperiment::run().
func (Runner) Run(e Experiment) []RunResult {
	e.GlobalSetup()
	defer e.GlobalTeardown()

	results := make([]RunResult, 0, e.NumRuns())
	for run := uint32(0); run < e.NumRuns(); run++ {
		e.Setup(run)

		profiler := &puzzle.Profiler{}
		start := time.Now()
		queries := e.RunOnce(run, profiler)
		wall := time.Since(start)

		e.Teardown(run)

		cost := profiler.Total()
		results = append(results, RunResult{
			Experiment: e.Name(),
			Run:        run,
			Queries:    queries,
			WallMS:     float64(wall.Microseconds()) / 1000,
			Cost:       cost.CPUCostMS + cost.GPUCostMS + cost.IOCostMS,
		})
	}
	return results
}

// HitRate returns the fraction of queries in r that were served from cache
// (single or puzzle hit), the summary figure every experiment's
// print_results() leads with in the original.
func (r RunResult) HitRate() float64 {
	if len(r.Queries) == 0 {
		return 0
	}
	hits := 0
	for _, q := range r.Queries {
		if q.Outcome != OutcomeMiss {
			hits++
		}
	}
	return float64(hits) / float64(len(r.Queries))
}
