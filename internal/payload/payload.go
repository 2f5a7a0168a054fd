// Package payload defines the worker's in-memory representation of a
// cached computation result for each CacheType: the typed value a
// nodecache.NodeCache[T] holds locally, and the wire codec used to move it
// across a DeliveryConnection (CacheItemPayload/DeliveryPayload only carry
// raw bytes; payload.Encode/Decode is the serialization boundary).
package payload

import (
	"sort"

	"github.com/umr-dbs/cachemesh/internal/wire"
)

// RasterData is a row-major, fixed-bytes-per-pixel raster tile: the
// in-memory shape of a CacheTypeRaster result.
type RasterData struct {
	OriginX, OriginY         float64
	TimeStart, TimeEnd       float64
	PixelScaleX, PixelScaleY float64
	Width, Height            uint32
	BytesPerPixel            uint32
	Pixels                   []byte
}

// RowStride is the number of bytes in one pixel row.
func (r RasterData) RowStride() int { return int(r.Width) * int(r.BytesPerPixel) }

func (r RasterData) Encode(e *wire.Encoder) {
	e.F64(r.OriginX)
	e.F64(r.OriginY)
	e.F64(r.TimeStart)
	e.F64(r.TimeEnd)
	e.F64(r.PixelScaleX)
	e.F64(r.PixelScaleY)
	e.U32(r.Width)
	e.U32(r.Height)
	e.U32(r.BytesPerPixel)
	e.Blob(r.Pixels)
}

func DecodeRasterData(d *wire.Decoder) RasterData {
	return RasterData{
		OriginX: d.F64(), OriginY: d.F64(),
		TimeStart: d.F64(), TimeEnd: d.F64(),
		PixelScaleX: d.F64(), PixelScaleY: d.F64(),
		Width: d.U32(), Height: d.U32(), BytesPerPixel: d.U32(),
		Pixels: d.Blob(),
	}
}

// FeatureKind discriminates the shape of a FeatureCollection's per-feature
// index vectors.
type FeatureKind uint8

const (
	FeaturePoints FeatureKind = iota
	FeatureLines
	FeaturePolygons
)

// FeatureCollection is the in-memory shape of a CacheTypePoints/Lines/
// Polygons result. Every Start* vector is a flat, ascending list of
// coordinate offsets into Coordinates, with a trailing sentinel equal to
// the running coordinate count — the same CSR shape at every nesting
// level, so one append routine (see features.go's appendIdxVec) folds any
// of them across pieces identically. StartFeature always has nFeatures+1
// entries; StartLine/StartPolygon/StartRing are populated only for the
// matching Kind and mark finer breakpoints within the same coordinate run.
type FeatureCollection struct {
	Kind               FeatureKind
	Coordinates        [][2]float64
	TimeStart, TimeEnd []float64
	NumericAttrs       map[string][]float64
	TextAttrs          map[string][]string
	StartFeature       []uint32
	StartLine          []uint32
	StartPolygon       []uint32
	StartRing          []uint32
}

func (f FeatureCollection) Encode(e *wire.Encoder) {
	e.U8(uint8(f.Kind))
	e.U64(uint64(len(f.Coordinates)))
	for _, c := range f.Coordinates {
		e.F64(c[0])
		e.F64(c[1])
	}
	encodeF64Vec(e, f.TimeStart)
	encodeF64Vec(e, f.TimeEnd)

	numKeys := sortedKeys(f.NumericAttrs)
	e.U64(uint64(len(numKeys)))
	for _, k := range numKeys {
		e.Str(k)
		encodeF64Vec(e, f.NumericAttrs[k])
	}
	textKeys := sortedTextKeys(f.TextAttrs)
	e.U64(uint64(len(textKeys)))
	for _, k := range textKeys {
		e.Str(k)
		arr := f.TextAttrs[k]
		e.U64(uint64(len(arr)))
		for _, s := range arr {
			e.Str(s)
		}
	}

	encodeU32Vec(e, f.StartFeature)
	encodeU32Vec(e, f.StartLine)
	encodeU32Vec(e, f.StartPolygon)
	encodeU32Vec(e, f.StartRing)
}

func DecodeFeatureCollection(d *wire.Decoder) FeatureCollection {
	f := FeatureCollection{Kind: FeatureKind(d.U8())}

	n := d.U64()
	f.Coordinates = make([][2]float64, 0, n)
	for i := uint64(0); i < n; i++ {
		f.Coordinates = append(f.Coordinates, [2]float64{d.F64(), d.F64()})
	}
	f.TimeStart = decodeF64Vec(d)
	f.TimeEnd = decodeF64Vec(d)

	nNum := d.U64()
	f.NumericAttrs = make(map[string][]float64, nNum)
	for i := uint64(0); i < nNum; i++ {
		k := d.Str()
		f.NumericAttrs[k] = decodeF64Vec(d)
	}
	nText := d.U64()
	f.TextAttrs = make(map[string][]string, nText)
	for i := uint64(0); i < nText; i++ {
		k := d.Str()
		m := d.U64()
		arr := make([]string, 0, m)
		for j := uint64(0); j < m; j++ {
			arr = append(arr, d.Str())
		}
		f.TextAttrs[k] = arr
	}

	f.StartFeature = decodeU32Vec(d)
	f.StartLine = decodeU32Vec(d)
	f.StartPolygon = decodeU32Vec(d)
	f.StartRing = decodeU32Vec(d)
	return f
}

// PlotData is the in-memory shape of a CacheTypePlot result: an opaque
// rendered blob. Puzzling is unsupported for plots (plot.go's
// PlotAssembler.Puzzle rejects any attempt to assemble one from pieces).
type PlotData struct {
	Data []byte
}

func (p PlotData) Encode(e *wire.Encoder) { e.Blob(p.Data) }

func DecodePlotData(d *wire.Decoder) PlotData { return PlotData{Data: d.Blob()} }

func encodeF64Vec(e *wire.Encoder, v []float64) {
	e.U64(uint64(len(v)))
	for _, x := range v {
		e.F64(x)
	}
}

func decodeF64Vec(d *wire.Decoder) []float64 {
	n := d.U64()
	out := make([]float64, 0, n)
	for i := uint64(0); i < n; i++ {
		out = append(out, d.F64())
	}
	return out
}

func encodeU32Vec(e *wire.Encoder, v []uint32) {
	e.U64(uint64(len(v)))
	for _, x := range v {
		e.U32(x)
	}
}

func decodeU32Vec(d *wire.Decoder) []uint32 {
	n := d.U64()
	if n == 0 {
		return nil
	}
	out := make([]uint32, 0, n)
	for i := uint64(0); i < n; i++ {
		out = append(out, d.U32())
	}
	return out
}

func sortedKeys(m map[string][]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedTextKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
