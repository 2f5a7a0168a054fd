package conn

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umr-dbs/cachemesh/internal/cacheentry"
	"github.com/umr-dbs/cachemesh/internal/observability"
	"github.com/umr-dbs/cachemesh/internal/wire"
)

type recordingDeliveryHandler struct {
	confirmedMove chan cacheentry.TypedNodeCacheKey
}

func (h *recordingDeliveryHandler) FetchDelivery(deliveryID uint64) (wire.DeliveryPayload, error) {
	return wire.DeliveryPayload{Data: []byte("raster-bytes")}, nil
}

func (h *recordingDeliveryHandler) FetchCachedItem(key cacheentry.TypedNodeCacheKey) (wire.CacheItemPayload, error) {
	return wire.CacheItemPayload{
		Entry: cacheentry.MetaCacheEntry{Key: key},
		Data:  []byte("item-bytes"),
	}, nil
}

func (h *recordingDeliveryHandler) PrepareMove(key cacheentry.TypedNodeCacheKey) (wire.CacheItemPayload, error) {
	return wire.CacheItemPayload{
		Entry: cacheentry.MetaCacheEntry{Key: key},
		Data:  []byte("move-bytes"),
	}, nil
}

func (h *recordingDeliveryHandler) ConfirmMove(key cacheentry.TypedNodeCacheKey) error {
	h.confirmedMove <- key
	return nil
}

func TestDeliveryConnection_GetCachedItem(t *testing.T) {
	serverSide, peerSide := net.Pipe()
	defer serverSide.Close()
	defer peerSide.Close()

	handler := &recordingDeliveryHandler{confirmedMove: make(chan cacheentry.TypedNodeCacheKey, 1)}
	go func() {
		require.NoError(t, wire.WriteMagic(peerSide, wire.MagicDelivery))
	}()

	dc, err := NewDeliveryConnection(serverSide, handler, observability.NewNoopLogger())
	require.NoError(t, err)
	go func() { _ = dc.Serve() }()

	key := cacheentry.TypedNodeCacheKey{Type: cacheentry.CacheTypeRaster, SemanticID: "sid", EntryID: 3}
	e := wire.NewEncoder()
	wire.EncodeTypedKey(e, key)
	require.NoError(t, wire.WriteFrame(peerSide, wire.CmdGetCachedItem, e.Bytes()))

	code, payload, err := wire.ReadFrame(peerSide)
	require.NoError(t, err)
	assert.Equal(t, byte(wire.RespCacheItem), code)
	got := wire.DecodeCacheItemPayload(wire.NewDecoder(payload))
	assert.Equal(t, []byte("item-bytes"), got.Data)
	assert.Equal(t, key, got.Entry.Key)
}

func TestDeliveryConnection_MoveItemThenConfirm(t *testing.T) {
	serverSide, peerSide := net.Pipe()
	defer serverSide.Close()
	defer peerSide.Close()

	handler := &recordingDeliveryHandler{confirmedMove: make(chan cacheentry.TypedNodeCacheKey, 1)}
	go func() {
		require.NoError(t, wire.WriteMagic(peerSide, wire.MagicDelivery))
	}()

	dc, err := NewDeliveryConnection(serverSide, handler, observability.NewNoopLogger())
	require.NoError(t, err)
	go func() { _ = dc.Serve() }()

	key := cacheentry.TypedNodeCacheKey{Type: cacheentry.CacheTypePoints, SemanticID: "sid2", EntryID: 9}
	e := wire.NewEncoder()
	wire.EncodeTypedKey(e, key)
	require.NoError(t, wire.WriteFrame(peerSide, wire.CmdMoveItem, e.Bytes()))

	code, payload, err := wire.ReadFrame(peerSide)
	require.NoError(t, err)
	assert.Equal(t, byte(wire.RespMoveInfo), code)
	got := wire.DecodeCacheItemPayload(wire.NewDecoder(payload))
	assert.Equal(t, []byte("move-bytes"), got.Data)

	require.NoError(t, wire.WriteFrame(peerSide, wire.CmdMoveDone, nil))
	confirmed := <-handler.confirmedMove
	assert.Equal(t, key, confirmed)
}

func TestDeliveryConnection_Get(t *testing.T) {
	serverSide, peerSide := net.Pipe()
	defer serverSide.Close()
	defer peerSide.Close()

	handler := &recordingDeliveryHandler{confirmedMove: make(chan cacheentry.TypedNodeCacheKey, 1)}
	go func() {
		require.NoError(t, wire.WriteMagic(peerSide, wire.MagicDelivery))
	}()

	dc, err := NewDeliveryConnection(serverSide, handler, observability.NewNoopLogger())
	require.NoError(t, err)
	go func() { _ = dc.Serve() }()

	e := wire.NewEncoder()
	e.U64(42)
	require.NoError(t, wire.WriteFrame(peerSide, wire.CmdGet, e.Bytes()))

	code, payload, err := wire.ReadFrame(peerSide)
	require.NoError(t, err)
	assert.Equal(t, byte(wire.RespDeliveryPayload), code)
	got := wire.DecodeDeliveryPayload(wire.NewDecoder(payload))
	assert.Equal(t, []byte("raster-bytes"), got.Data)
}
