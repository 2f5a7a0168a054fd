package puzzle

import (
	"github.com/pkg/errors"

	"github.com/umr-dbs/cachemesh/internal/cacheerrors"
	"github.com/umr-dbs/cachemesh/internal/geom"
	"github.com/umr-dbs/cachemesh/internal/payload"
)

// PlotAssembler rejects puzzling: a plot is a single rendered artifact, not
// a tileable partial result, so a plot query is never split across pieces
// upstream of the assembler. Kept symmetric with the other assemblers so
// the executor can stay generic over CacheType.
type PlotAssembler struct{}

// Bounds returns the zero cube: a plot is never split into pieces, so its
// envelope is never consulted by EnlargeBounds before Puzzle rejects the
// assembly outright.
func (PlotAssembler) Bounds(_ payload.PlotData) geom.Cube3 {
	return geom.Cube3{}
}

// Puzzle always fails: plot results cannot be assembled from fragments.
func (PlotAssembler) Puzzle(_ geom.Cube3, _ []payload.PlotData) (payload.PlotData, error) {
	return payload.PlotData{}, errors.Wrap(cacheerrors.ErrInvalidArgument, "plot results cannot be puzzled from pieces")
}
