package puzzle

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/umr-dbs/cachemesh/internal/geom"
	"github.com/umr-dbs/cachemesh/internal/payload"
)

func TestPlotAssembler_PuzzleAlwaysErrors(t *testing.T) {
	pa := PlotAssembler{}
	_, err := pa.Puzzle(geom.Cube3{}, []payload.PlotData{{Data: []byte("x")}})
	assert.Error(t, err)
}

func TestPlotAssembler_Bounds(t *testing.T) {
	pa := PlotAssembler{}
	assert.Equal(t, geom.Cube3{}, pa.Bounds(payload.PlotData{}))
}
