package wire

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umr-dbs/cachemesh/internal/cacheentry"
	"github.com/umr-dbs/cachemesh/internal/geom"
)

func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello puzzle")
	require.NoError(t, WriteFrame(&buf, CmdGet, payload))

	code, got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, byte(CmdGet), code)
	assert.Equal(t, payload, got)
}

func TestFrame_EmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, CmdGetStats, nil))
	code, got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, byte(CmdGetStats), code)
	assert.Empty(t, got)
}

func TestFrame_TruncatedHeaderErrors(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{1, 2, 3})
	_, _, err := ReadFrame(&buf)
	require.Error(t, err)
}

func TestMagic_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMagic(&buf, MagicWorker))
	m, err := ReadMagic(&buf)
	require.NoError(t, err)
	assert.Equal(t, MagicWorker, m)
}

func TestBaseRequest_RoundTrip(t *testing.T) {
	req := BaseRequest{
		Type:       cacheentry.CacheTypeRaster,
		SemanticID: "OP1 {SRC}",
		Query: geom.QueryRectangle{
			EPSG: geom.EPSGWebMercator, X1: 0, Y1: 0, X2: 10, Y2: 10,
			TimeType: geom.TimeTypeUnix, T1: 0, T2: 1,
			ResType: geom.ResolutionPixels, XRes: 256, YRes: 256,
		},
	}
	e := NewEncoder()
	req.Encode(e)
	d := NewDecoder(e.Bytes())
	got := DecodeBaseRequest(d)
	require.NoError(t, d.Err())
	assert.Equal(t, req, got)
}

func TestMetaCacheEntry_RoundTrip(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	me := cacheentry.MetaCacheEntry{
		Key: cacheentry.TypedNodeCacheKey{Type: cacheentry.CacheTypePolygons, SemanticID: "sid", EntryID: 42},
		Entry: cacheentry.CacheEntry{
			Bounds: cacheentry.CacheCube{
				QueryCube: geom.NewQueryCube(geom.Cube3{
					X: geom.Interval{A: 0, B: 1}, Y: geom.Interval{A: 0, B: 1}, T: geom.Interval{A: 0, B: 1},
				}, geom.EPSGLatLon, geom.TimeTypeUnix),
			},
			SizeBytes:   1024,
			Profile:     cacheentry.ProfilingData{CPUCostMS: 1.5, GPUCostMS: 0, IOCostMS: 2.25},
			LastAccess:  now,
			AccessCount: 7,
		},
	}
	e := NewEncoder()
	EncodeMetaCacheEntry(e, me)
	d := NewDecoder(e.Bytes())
	got := DecodeMetaCacheEntryMsg(d)
	require.NoError(t, d.Err())
	assert.Equal(t, me.Key, got.Key)
	assert.Equal(t, me.Entry.SizeBytes, got.Entry.SizeBytes)
	assert.Equal(t, me.Entry.Profile, got.Entry.Profile)
	assert.True(t, me.Entry.LastAccess.Equal(got.Entry.LastAccess))
	assert.Equal(t, me.Entry.AccessCount, got.Entry.AccessCount)
}

func TestReorgDescription_RoundTrip(t *testing.T) {
	desc := ReorgDescription{
		Moves: []ReorgMoveItem{
			{Type: cacheentry.CacheTypeRaster, SemanticID: "a", EntryID: 1, FromNodeID: 2, FromHost: "h1", FromPort: 9100},
		},
		Removals: []ReorgRemoveItem{
			{Type: cacheentry.CacheTypePoints, SemanticID: "b", EntryID: 9},
		},
	}
	e := NewEncoder()
	desc.Encode(e)
	d := NewDecoder(e.Bytes())
	got := DecodeReorgDescription(d)
	require.NoError(t, d.Err())
	assert.Equal(t, desc, got)
}

func TestNodeStats_RoundTrip(t *testing.T) {
	stats := NodeStats{
		NodeID: 3,
		ByType: []TypeStats{
			{
				Type: cacheentry.CacheTypeRaster, CapacityBytes: 100, UsedBytes: 40,
				Accesses: []EntryAccessDelta{{SemanticID: "sid", EntryID: 1, LastAccess: 1000, AccessCount: 5}},
				SingleHits: 3, PuzzleHits: 1, Misses: 2, LostPuts: 0,
			},
		},
	}
	e := NewEncoder()
	stats.Encode(e)
	d := NewDecoder(e.Bytes())
	got := DecodeNodeStats(d)
	require.NoError(t, d.Err())
	assert.Equal(t, stats, got)
}
