package wire

import (
	"github.com/umr-dbs/cachemesh/internal/cacheentry"
	"github.com/umr-dbs/cachemesh/internal/geom"
)

func encodeInterval(e *Encoder, iv geom.Interval) {
	e.F64(iv.A)
	e.F64(iv.B)
}

func decodeInterval(d *Decoder) geom.Interval {
	a := d.F64()
	b := d.F64()
	return geom.Interval{A: a, B: b}
}

func encodeCube3(e *Encoder, c geom.Cube3) {
	encodeInterval(e, c.X)
	encodeInterval(e, c.Y)
	encodeInterval(e, c.T)
}

func decodeCube3(d *Decoder) geom.Cube3 {
	x := decodeInterval(d)
	y := decodeInterval(d)
	t := decodeInterval(d)
	return geom.Cube3{X: x, Y: y, T: t}
}

func encodeQueryCube(e *Encoder, q geom.QueryCube) {
	encodeCube3(e, q.Cube3)
	e.U32(uint32(q.EPSG))
	e.U32(uint32(q.TimeType))
}

func decodeQueryCube(d *Decoder) geom.QueryCube {
	c := decodeCube3(d)
	epsg := geom.EPSG(d.U32())
	tt := geom.TimeType(d.U32())
	return geom.NewQueryCube(c, epsg, tt)
}

func encodeQueryRectangle(e *Encoder, q geom.QueryRectangle) {
	e.U32(uint32(q.EPSG))
	e.F64(q.X1)
	e.F64(q.Y1)
	e.F64(q.X2)
	e.F64(q.Y2)
	e.U32(uint32(q.TimeType))
	e.F64(q.T1)
	e.F64(q.T2)
	e.U8(uint8(q.ResType))
	e.U32(q.XRes)
	e.U32(q.YRes)
}

func decodeQueryRectangle(d *Decoder) geom.QueryRectangle {
	epsg := geom.EPSG(d.U32())
	x1, y1, x2, y2 := d.F64(), d.F64(), d.F64(), d.F64()
	tt := geom.TimeType(d.U32())
	t1, t2 := d.F64(), d.F64()
	resType := geom.ResolutionType(d.U8())
	xres, yres := d.U32(), d.U32()
	return geom.QueryRectangle{
		EPSG: epsg, X1: x1, Y1: y1, X2: x2, Y2: y2,
		TimeType: tt, T1: t1, T2: t2,
		ResType: resType, XRes: xres, YRes: yres,
	}
}

func encodeResolutionInfo(e *Encoder, r cacheentry.ResolutionInfo) {
	e.U8(uint8(r.ResType))
	encodeInterval(e, r.PixelScaleXRng)
	encodeInterval(e, r.PixelScaleYRng)
	e.F64(r.PixelScaleX)
	e.F64(r.PixelScaleY)
}

func decodeResolutionInfo(d *Decoder) cacheentry.ResolutionInfo {
	resType := geom.ResolutionType(d.U8())
	xrng := decodeInterval(d)
	yrng := decodeInterval(d)
	x := d.F64()
	y := d.F64()
	return cacheentry.ResolutionInfo{ResType: resType, PixelScaleXRng: xrng, PixelScaleYRng: yrng, PixelScaleX: x, PixelScaleY: y}
}

func encodeCacheCube(e *Encoder, c cacheentry.CacheCube) {
	encodeQueryCube(e, c.QueryCube)
	encodeResolutionInfo(e, c.Resolution)
}

func decodeCacheCube(d *Decoder) cacheentry.CacheCube {
	qc := decodeQueryCube(d)
	res := decodeResolutionInfo(d)
	return cacheentry.CacheCube{QueryCube: qc, Resolution: res}
}

func encodeProfilingData(e *Encoder, p cacheentry.ProfilingData) {
	e.F64(p.CPUCostMS)
	e.F64(p.GPUCostMS)
	e.F64(p.IOCostMS)
}

func decodeProfilingData(d *Decoder) cacheentry.ProfilingData {
	cpu := d.F64()
	gpu := d.F64()
	io := d.F64()
	return cacheentry.ProfilingData{CPUCostMS: cpu, GPUCostMS: gpu, IOCostMS: io}
}

func encodeCacheEntry(e *Encoder, c cacheentry.CacheEntry) {
	encodeCacheCube(e, c.Bounds)
	e.U64(c.SizeBytes)
	encodeProfilingData(e, c.Profile)
	e.Time(c.LastAccess)
	e.U32(c.AccessCount)
}

func decodeCacheEntry(d *Decoder) cacheentry.CacheEntry {
	bounds := decodeCacheCube(d)
	size := d.U64()
	profile := decodeProfilingData(d)
	lastAccess := d.Time()
	accessCount := d.U32()
	return cacheentry.CacheEntry{Bounds: bounds, SizeBytes: size, Profile: profile, LastAccess: lastAccess, AccessCount: accessCount}
}

func encodeTypedKey(e *Encoder, k cacheentry.TypedNodeCacheKey) {
	e.U8(uint8(k.Type))
	e.Str(k.SemanticID)
	e.U64(k.EntryID)
}

func decodeTypedKey(d *Decoder) cacheentry.TypedNodeCacheKey {
	typ := cacheentry.CacheType(d.U8())
	sid := d.Str()
	id := d.U64()
	return cacheentry.TypedNodeCacheKey{Type: typ, SemanticID: sid, EntryID: id}
}

func encodeMetaCacheEntry(e *Encoder, m cacheentry.MetaCacheEntry) {
	encodeTypedKey(e, m.Key)
	encodeCacheEntry(e, m.Entry)
}

func decodeMetaCacheEntry(d *Decoder) cacheentry.MetaCacheEntry {
	key := decodeTypedKey(d)
	entry := decodeCacheEntry(d)
	return cacheentry.MetaCacheEntry{Key: key, Entry: entry}
}
