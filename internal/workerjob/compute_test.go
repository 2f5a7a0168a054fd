package workerjob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umr-dbs/cachemesh/internal/geom"
	"github.com/umr-dbs/cachemesh/internal/payload"
	"github.com/umr-dbs/cachemesh/internal/puzzle"
)

func TestSyntheticEngine_Compute(t *testing.T) {
	calls := 0
	engine := NewSyntheticEngine(func(semanticID string, qr geom.QueryRectangle) payload.RasterData {
		calls++
		return payload.RasterData{Pixels: make([]byte, 100)}
	})

	profiler := &puzzle.Profiler{}
	v, err := engine.Compute(context.Background(), "sid", geom.QueryRectangle{}, profiler)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Len(t, v.Pixels, 100)
	assert.InDelta(t, 100*rasterCostPerByte, profiler.Total().CPUCostMS, 1e-9)
}

func TestSyntheticEngine_Compute_CtxCanceled(t *testing.T) {
	engine := NewSyntheticEngine(func(semanticID string, qr geom.QueryRectangle) payload.RasterData {
		t.Fatal("fn should not run once ctx is already canceled")
		return payload.RasterData{}
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Compute(ctx, "sid", geom.QueryRectangle{}, &puzzle.Profiler{})
	assert.ErrorIs(t, err, context.Canceled)
}
