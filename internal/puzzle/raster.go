package puzzle

import (
	"math"

	"github.com/pkg/errors"

	"github.com/umr-dbs/cachemesh/internal/cacheerrors"
	"github.com/umr-dbs/cachemesh/internal/geom"
	"github.com/umr-dbs/cachemesh/internal/observability"
	"github.com/umr-dbs/cachemesh/internal/payload"
)

// RasterAssembler puzzles RasterData pieces: allocate a result sized to
// the enlarged bounding box at the reference piece's pixel scale, then
// blit every piece into it at its pixel offset.
type RasterAssembler struct {
	Logger observability.Logger
}

// Bounds returns the spatial/temporal extent a raster piece covers.
func (RasterAssembler) Bounds(r payload.RasterData) geom.Cube3 {
	return geom.Cube3{
		X: geom.Interval{A: r.OriginX, B: r.OriginX + float64(r.Width)*r.PixelScaleX},
		Y: geom.Interval{A: r.OriginY, B: r.OriginY + float64(r.Height)*r.PixelScaleY},
		T: geom.Interval{A: r.TimeStart, B: r.TimeEnd},
	}
}

// Puzzle allocates a raster covering bbox at the first item's pixel scale
// and blits every item into it, dropping (with a warning) any piece that
// falls entirely outside the result — the remainder computation is
// expected to have covered that ground already.
func (a RasterAssembler) Puzzle(bbox geom.Cube3, items []payload.RasterData) (payload.RasterData, error) {
	if len(items) == 0 {
		return payload.RasterData{}, errors.Wrap(cacheerrors.ErrInvalidArgument, "no raster pieces to puzzle")
	}
	ref := items[0]
	width := uint32(math.Floor(bbox.X.Distance() / ref.PixelScaleX))
	height := uint32(math.Floor(bbox.Y.Distance() / ref.PixelScaleY))

	result := payload.RasterData{
		OriginX: bbox.X.A, OriginY: bbox.Y.A,
		TimeStart: bbox.T.A, TimeEnd: bbox.T.B,
		PixelScaleX: ref.PixelScaleX, PixelScaleY: ref.PixelScaleY,
		Width: width, Height: height, BytesPerPixel: ref.BytesPerPixel,
		Pixels: make([]byte, int(width)*int(height)*int(ref.BytesPerPixel)),
	}

	logger := a.Logger
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	for _, piece := range items {
		x := int(math.Round((piece.OriginX - bbox.X.A) / ref.PixelScaleX))
		y := int(math.Round((piece.OriginY - bbox.Y.A) / ref.PixelScaleY))
		if x >= int(width) || y >= int(height) || x+int(piece.Width) <= 0 || y+int(piece.Height) <= 0 {
			logger.Warn("puzzle piece falls outside result raster", map[string]interface{}{
				"result_width": width, "result_height": height, "piece_x": x, "piece_y": y,
			})
			continue
		}
		blit(&result, piece, x, y)
	}
	return result, nil
}

// blit copies src's pixels into dst at pixel offset (x, y), clipping rows
// and columns that fall outside dst's bounds.
func blit(dst *payload.RasterData, src payload.RasterData, x, y int) {
	bpp := int(dst.BytesPerPixel)
	startCol, endCol := 0, int(src.Width)
	if x < 0 {
		startCol = -x
	}
	if x+endCol > int(dst.Width) {
		endCol = int(dst.Width) - x
	}
	if startCol >= endCol {
		return
	}
	n := (endCol - startCol) * bpp

	for row := 0; row < int(src.Height); row++ {
		dy := y + row
		if dy < 0 || dy >= int(dst.Height) {
			continue
		}
		srcOff := row*src.RowStride() + startCol*bpp
		dstOff := dy*dst.RowStride() + (x+startCol)*bpp
		copy(dst.Pixels[dstOff:dstOff+n], src.Pixels[srcOff:srcOff+n])
	}
}

// Resample rebuilds r at a new origin/scale/dimension via nearest-neighbor
// sampling, used when a remainder came back from the compute engine at a
// resolution that doesn't match the reference piece closely enough to
// blit directly.
func Resample(r payload.RasterData, originX, originY, scaleX, scaleY float64, width, height uint32) payload.RasterData {
	out := payload.RasterData{
		OriginX: originX, OriginY: originY,
		TimeStart: r.TimeStart, TimeEnd: r.TimeEnd,
		PixelScaleX: scaleX, PixelScaleY: scaleY,
		Width: width, Height: height, BytesPerPixel: r.BytesPerPixel,
		Pixels: make([]byte, int(width)*int(height)*int(r.BytesPerPixel)),
	}
	bpp := int(r.BytesPerPixel)
	for row := 0; row < int(height); row++ {
		srcY := int(((originY + float64(row)*scaleY) - r.OriginY) / r.PixelScaleY)
		if srcY < 0 || srcY >= int(r.Height) {
			continue
		}
		for col := 0; col < int(width); col++ {
			srcX := int(((originX + float64(col)*scaleX) - r.OriginX) / r.PixelScaleX)
			if srcX < 0 || srcX >= int(r.Width) {
				continue
			}
			srcOff := srcY*r.RowStride() + srcX*bpp
			dstOff := row*out.RowStride() + col*bpp
			copy(out.Pixels[dstOff:dstOff+bpp], r.Pixels[srcOff:srcOff+bpp])
		}
	}
	return out
}

// ResolutionMatches reports whether two pixel scales agree within the
// planner's 1% resolution-coherence tolerance.
func ResolutionMatches(refScaleX, refScaleY, scaleX, scaleY float64) bool {
	const tolerance = 0.01
	return geom.PixelScalesMatch(refScaleX, scaleX, tolerance) && geom.PixelScalesMatch(refScaleY, scaleY, tolerance)
}
