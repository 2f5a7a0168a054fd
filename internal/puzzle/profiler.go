package puzzle

import "github.com/umr-dbs/cachemesh/internal/cacheentry"

// Profiler accumulates the cost of assembling one puzzle result: the
// summed profile of every piece it touched, local or remote, plus the
// network IO cost paid fetching remote pieces. Mirrors QueryProfiler's
// addTotalCosts/addIOCost split from the original puzzle executor.
type Profiler struct {
	total cacheentry.ProfilingData
}

// AddPieceCost folds a fetched piece's own recorded cost into the job.
func (p *Profiler) AddPieceCost(cost cacheentry.ProfilingData) {
	p.total = p.total.Add(cost)
}

// AddIOCost records the network cost of pulling a piece from a remote
// node, keyed by the serialized payload size.
func (p *Profiler) AddIOCost(bytes int) {
	p.total.IOCostMS += float64(bytes) / ioBytesPerMS
}

// ioBytesPerMS approximates network throughput for IO cost accounting: a
// 100MB/s transfer, matching the rough order of magnitude the original
// profiler's byte-count-as-IO-cost assumed for inter-node fetches.
const ioBytesPerMS = 100_000

// Total returns the accumulated cost profile.
func (p *Profiler) Total() cacheentry.ProfilingData { return p.total }
