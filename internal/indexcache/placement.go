package indexcache

import (
	"math"
	"sort"
	"sync"

	"github.com/umr-dbs/cachemesh/internal/geom"
	"github.com/umr-dbs/cachemesh/internal/wire"
)

// PlacementStrategy picks a node for a fresh job without moving anything
// already cached — the "simple schedulers" of spec.md §4.G.
type PlacementStrategy interface {
	NodeForJob(req wire.BaseRequest, nodes []uint32) uint32
}

const emaAlpha = 0.3

type center struct{ x, y float64 }

func queryCenter(req wire.BaseRequest) center {
	x, y := geom.Centroid(req.Query.Cube())
	return center{x: x, y: y}
}

func dist(a, b center) float64 {
	dx, dy := a.x-b.x, a.y-b.y
	return math.Hypot(dx, dy)
}

// DEMAStrategy keeps an exponential moving average of the last query
// center assigned to each node, and routes each new job to the nearest.
type DEMAStrategy struct {
	mu      sync.Mutex
	centers map[uint32]center
}

func NewDEMAStrategy() *DEMAStrategy {
	return &DEMAStrategy{centers: make(map[uint32]center)}
}

func (s *DEMAStrategy) NodeForJob(req wire.BaseRequest, nodes []uint32) uint32 {
	c := queryCenter(req)
	s.mu.Lock()
	defer s.mu.Unlock()

	best := s.nearest(c, nodes)
	cur, ok := s.centers[best]
	if !ok {
		cur = c
	}
	s.centers[best] = center{
		x: cur.x + emaAlpha*(c.x-cur.x),
		y: cur.y + emaAlpha*(c.y-cur.y),
	}
	return best
}

func (s *DEMAStrategy) nearest(c center, nodes []uint32) uint32 {
	best := nodes[0]
	bestDist := math.Inf(1)
	for _, id := range nodes {
		nc, ok := s.centers[id]
		if !ok {
			nc = c
		}
		if d := dist(c, nc); d < bestDist {
			bestDist = d
			best = id
		}
	}
	return best
}

// BEMAStrategy is DEMA plus a sliding window of the last 100 assignments:
// distance to each node is weighted by how much of that window the node
// already holds, to pull load away from recently over-assigned nodes.
type BEMAStrategy struct {
	dema      *DEMAStrategy
	mu        sync.Mutex
	window    []uint32
	windowCap int
}

func NewBEMAStrategy() *BEMAStrategy {
	return &BEMAStrategy{dema: NewDEMAStrategy(), windowCap: 100}
}

func (s *BEMAStrategy) NodeForJob(req wire.BaseRequest, nodes []uint32) uint32 {
	c := queryCenter(req)

	s.mu.Lock()
	counts := make(map[uint32]int, len(nodes))
	for _, id := range s.window {
		counts[id]++
	}
	s.mu.Unlock()

	s.dema.mu.Lock()
	best := nodes[0]
	bestScore := math.Inf(1)
	for _, id := range nodes {
		nc, ok := s.dema.centers[id]
		if !ok {
			nc = c
		}
		weight := 1.0 + float64(counts[id])/float64(s.windowCap)
		score := dist(c, nc) * weight
		if score < bestScore {
			bestScore = score
			best = id
		}
	}
	cur, ok := s.dema.centers[best]
	if !ok {
		cur = c
	}
	s.dema.centers[best] = center{
		x: cur.x + emaAlpha*(c.x-cur.x),
		y: cur.y + emaAlpha*(c.y-cur.y),
	}
	s.dema.mu.Unlock()

	s.mu.Lock()
	s.window = append(s.window, best)
	if len(s.window) > s.windowCap {
		s.window = s.window[len(s.window)-s.windowCap:]
	}
	s.mu.Unlock()

	return best
}

const (
	hilbertBins   = 2000
	hilbertKernel = 6
	hilbertOrder  = 16 // 2^16 grid per axis for the Hilbert index
)

// EMKDEHilbertStrategy maintains an exponentially-decayed kernel density
// estimate over the Hilbert-curve value of each query's center, split into
// equal-frequency bins across the active nodes: queries landing in a denser
// region of the curve get spread across more nodes than queries in a
// sparse region.
type EMKDEHilbertStrategy struct {
	mu      sync.Mutex
	density [hilbertBins]float64
	minX    float64
	maxX    float64
	minY    float64
	maxY    float64
	seenAny bool
}

func NewEMKDEHilbertStrategy() *EMKDEHilbertStrategy {
	return &EMKDEHilbertStrategy{}
}

func (s *EMKDEHilbertStrategy) NodeForJob(req wire.BaseRequest, nodes []uint32) uint32 {
	c := queryCenter(req)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.seenAny {
		s.minX, s.maxX, s.minY, s.maxY = c.x, c.x, c.y, c.y
		s.seenAny = true
	} else {
		s.minX, s.maxX = math.Min(s.minX, c.x), math.Max(s.maxX, c.x)
		s.minY, s.maxY = math.Min(s.minY, c.y), math.Max(s.maxY, c.y)
	}

	h := hilbertIndex(normalize(c.x, s.minX, s.maxX), normalize(c.y, s.minY, s.maxY))
	bin := int(h % hilbertBins)

	for i := -hilbertKernel; i <= hilbertKernel; i++ {
		idx := ((bin+i)%hilbertBins + hilbertBins) % hilbertBins
		weight := math.Exp(-0.5 * float64(i*i) / float64(hilbertKernel))
		s.density[idx] = s.density[idx] + emaAlpha*(weight-s.density[idx])
	}

	sorted := append([]uint32(nil), nodes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var total, below float64
	for i, d := range s.density {
		total += d
		if i < bin {
			below += d
		}
	}
	slot := int(below / total * float64(len(sorted)))
	if slot >= len(sorted) {
		slot = len(sorted) - 1
	}
	return sorted[slot]
}

func normalize(v, min, max float64) float64 {
	if max <= min {
		return 0
	}
	n := (v - min) / (max - min)
	if n < 0 {
		return 0
	}
	if n > 1 {
		return 1
	}
	return n
}

// hilbertIndex maps a unit-square (x, y) pair to its Hilbert-curve distance
// at hilbertOrder bits per axis.
func hilbertIndex(x, y float64) uint64 {
	side := uint32(1) << hilbertOrder
	ix := uint32(x * float64(side-1))
	iy := uint32(y * float64(side-1))

	var d uint64
	for s := side / 2; s > 0; s /= 2 {
		var rx, ry uint32
		if ix&s > 0 {
			rx = 1
		}
		if iy&s > 0 {
			ry = 1
		}
		d += uint64(s) * uint64(s) * uint64((3*rx)^ry)
		// rotate
		if ry == 0 {
			if rx == 1 {
				ix = s - 1 - ix
				iy = s - 1 - iy
			}
			ix, iy = iy, ix
		}
	}
	return d
}
