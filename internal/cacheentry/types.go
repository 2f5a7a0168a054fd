// Package cacheentry defines the unit of cached work (an entry with its
// spatial/temporal bounds, size, and cost) and the keys used to address it
// on a node and at the index.
package cacheentry

import (
	"time"

	"github.com/umr-dbs/cachemesh/internal/geom"
)

// CacheType discriminates the payload shape a cached entry carries.
type CacheType uint8

const (
	CacheTypeRaster CacheType = iota
	CacheTypePoints
	CacheTypeLines
	CacheTypePolygons
	CacheTypePlot
)

func (t CacheType) String() string {
	switch t {
	case CacheTypeRaster:
		return "raster"
	case CacheTypePoints:
		return "points"
	case CacheTypeLines:
		return "lines"
	case CacheTypePolygons:
		return "polygons"
	case CacheTypePlot:
		return "plot"
	default:
		return "unknown"
	}
}

// AllCacheTypes lists every CacheType, in the order NodeCache and
// IndexCacheManager iterate them.
var AllCacheTypes = []CacheType{CacheTypeRaster, CacheTypePoints, CacheTypeLines, CacheTypePolygons, CacheTypePlot}

// ParseCacheType maps a config/CLI type name (as used in
// NodeConfig.CapacityBytesPerType keys) back to its CacheType, the inverse
// of String.
func ParseCacheType(s string) (CacheType, bool) {
	for _, t := range AllCacheTypes {
		if t.String() == s {
			return t, true
		}
	}
	return 0, false
}

// ResolutionInfo describes the pixel-scale admissibility of a raster-like
// entry. For non-raster entries ResType is ResolutionNone and the ranges
// are ignored.
type ResolutionInfo struct {
	ResType        geom.ResolutionType
	PixelScaleXRng geom.Interval
	PixelScaleYRng geom.Interval
	PixelScaleX    float64
	PixelScaleY    float64
}

// Matches reports whether a query's resolution requirement is admissible
// for this entry: the resolution types must agree, and for PIXELS queries
// both pixel scales must fall within the entry's admissible ranges.
func (r ResolutionInfo) Matches(q geom.QueryRectangle) bool {
	if r.ResType != q.ResType {
		return false
	}
	if r.ResType == geom.ResolutionNone {
		return true
	}
	qx, qy := q.PixelScaleX(), q.PixelScaleY()
	return r.PixelScaleXRng.A <= qx && qx <= r.PixelScaleXRng.B &&
		r.PixelScaleYRng.A <= qy && qy <= r.PixelScaleYRng.B
}

// CacheCube is the spatial/temporal region a cache entry is valid for, plus
// the resolution it was computed at.
type CacheCube struct {
	geom.QueryCube
	Resolution ResolutionInfo
}

// TimeSpan returns the cube's time interval, used by callers checking
// raster full-interval containment (a raster result must cover the full
// query time interval, not merely intersect it).
func (c CacheCube) TimeSpan() geom.Interval {
	return c.T
}

// ProfilingData carries the estimated cost of having produced an entry, so
// puzzle reassembly and relevance scoring can account for it.
type ProfilingData struct {
	CPUCostMS float64
	GPUCostMS float64
	IOCostMS  float64
}

// Add returns the sum of two cost profiles, used when a puzzle combines the
// profiles of its constituent pieces.
func (p ProfilingData) Add(other ProfilingData) ProfilingData {
	return ProfilingData{
		CPUCostMS: p.CPUCostMS + other.CPUCostMS,
		GPUCostMS: p.GPUCostMS + other.GPUCostMS,
		IOCostMS:  p.IOCostMS + other.IOCostMS,
	}
}

// CacheEntry is the metadata of a single cached computation result.
type CacheEntry struct {
	Bounds      CacheCube
	SizeBytes   uint64
	Profile     ProfilingData
	LastAccess  time.Time
	AccessCount uint32
}

// TypedNodeCacheKey addresses a single entry on a specific node's cache.
type TypedNodeCacheKey struct {
	Type       CacheType
	SemanticID string
	EntryID    uint64
}

// MetaCacheEntry is the unit exchanged between a node and the index: key
// plus the entry's metadata.
type MetaCacheEntry struct {
	Key   TypedNodeCacheKey
	Entry CacheEntry
}

// IndexCacheEntry is the index's view of a MetaCacheEntry: it additionally
// knows which node owns the entry.
type IndexCacheEntry struct {
	MetaCacheEntry
	NodeID uint32
}

// RelevanceScore computes the default "costlru" retention score:
// last_access (in 10s quantums) scaled by a hit-count bonus capped at 2x.
// Matches the original CapacityReorgStrategy::get_score.
func (e IndexCacheEntry) RelevanceScore(quantum time.Duration) float64 {
	quanta := float64(e.Entry.LastAccess.Unix()) / quantum.Seconds()
	hitFactor := 1.0 + minF(float64(e.Entry.AccessCount)/1000.0, 1.0)
	return quanta * hitFactor
}

// LRUScore computes the "lru" relevance score: last_access alone.
func (e IndexCacheEntry) LRUScore() float64 {
	return float64(e.Entry.LastAccess.Unix())
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
