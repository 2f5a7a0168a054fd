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

type recordingControlHandler struct {
	gotMoved chan wire.ReorgMoveResult
	gotDone  chan struct{}
	gotStats chan wire.NodeStats
}

func newRecordingControlHandler() *recordingControlHandler {
	return &recordingControlHandler{
		gotMoved: make(chan wire.ReorgMoveResult, 4),
		gotDone:  make(chan struct{}, 1),
		gotStats: make(chan wire.NodeStats, 1),
	}
}

func (h *recordingControlHandler) HandleReorgItemMoved(c *ControlConnection, result wire.ReorgMoveResult) {
	h.gotMoved <- result
}
func (h *recordingControlHandler) HandleReorgDone(c *ControlConnection) { h.gotDone <- struct{}{} }
func (h *recordingControlHandler) HandleNodeStats(c *ControlConnection, stats wire.NodeStats) {
	h.gotStats <- stats
}

func TestControlConnection_HandshakeAndReorg(t *testing.T) {
	indexSide, nodeSide := net.Pipe()
	defer indexSide.Close()
	defer nodeSide.Close()

	handler := newRecordingControlHandler()
	handshakeDone := make(chan struct{})
	var cc *ControlConnection
	go func() {
		var err error
		cc, _, err = DialControlConnection(indexSide, 7, "nodeA", handler, observability.NewNoopLogger())
		require.NoError(t, err)
		close(handshakeDone)
	}()

	m, err := wire.ReadMagic(nodeSide)
	require.NoError(t, err)
	assert.Equal(t, wire.MagicControl, m)

	code, payload, err := wire.ReadFrame(nodeSide)
	require.NoError(t, err)
	assert.Equal(t, byte(wire.CmdHello), code)
	hello := wire.DecodeHelloRequest(wire.NewDecoder(payload))
	assert.Equal(t, uint32(7), hello.NodeID)
	assert.Equal(t, "nodeA", hello.Hostname)

	e := wire.NewEncoder()
	wire.NodeHandshake{Port: 9100, CapacityPerType: map[cacheentry.CacheType]uint64{cacheentry.CacheTypeRaster: 1 << 30}}.Encode(e)
	require.NoError(t, wire.WriteFrame(nodeSide, wire.RespHello, e.Bytes()))
	<-handshakeDone

	go func() { _ = cc.Serve() }()

	desc := wire.ReorgDescription{Moves: []wire.ReorgMoveItem{{Type: cacheentry.CacheTypeRaster, SemanticID: "s", EntryID: 1, FromNodeID: 2, FromHost: "h", FromPort: 1}}}
	require.NoError(t, cc.SendReorg(desc))

	code, payload, err = wire.ReadFrame(nodeSide)
	require.NoError(t, err)
	assert.Equal(t, byte(wire.CmdReorg), code)
	got := wire.DecodeReorgDescription(wire.NewDecoder(payload))
	assert.Equal(t, desc, got)

	e2 := wire.NewEncoder()
	wire.ReorgMoveResult{Type: cacheentry.CacheTypeRaster, SemanticID: "s", EntryID: 1, Success: true}.Encode(e2)
	require.NoError(t, wire.WriteFrame(nodeSide, wire.RespReorgItemMoved, e2.Bytes()))
	moved := <-handler.gotMoved
	assert.True(t, moved.Success)

	require.NoError(t, wire.WriteFrame(nodeSide, wire.RespReorgDone, nil))
	<-handler.gotDone
}
