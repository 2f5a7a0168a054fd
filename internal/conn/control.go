package conn

import (
	"net"

	"github.com/pkg/errors"

	"github.com/umr-dbs/cachemesh/internal/cacheerrors"
	"github.com/umr-dbs/cachemesh/internal/observability"
	"github.com/umr-dbs/cachemesh/internal/wire"
)

// ControlState is one of ControlConnection's FSM states.
type ControlState int

const (
	ControlSendingHello ControlState = iota
	ControlIdle
	ControlSendingReorg
	ControlReorganizing
	ControlMoveResultRead
	ControlReorgFinished
	ControlSendingStatsRequest
	ControlStatsRequested
	ControlStatsReceived
)

// ControlHandler reacts to messages streamed back over a control
// connection: reorg progress and periodic stats reports.
type ControlHandler interface {
	HandleReorgItemMoved(c *ControlConnection, result wire.ReorgMoveResult)
	HandleReorgDone(c *ControlConnection)
	HandleNodeStats(c *ControlConnection, stats wire.NodeStats)
}

// ControlConnection is the index's endpoint of a node's control channel:
// magic 0x42345678. Unlike ClientConnection/WorkerConnection, the index
// is the active party here — it dials the node and writes CMD_HELLO first.
type ControlConnection struct {
	fsm[ControlState]
	netConn  net.Conn
	logger   observability.Logger
	handler  ControlHandler
	nodeID   uint32
	hostname string
}

// DialControlConnection connects to a node's control listener, writes the
// magic and the CMD_HELLO handshake, and reads back the node's
// announcement of its current state.
func DialControlConnection(c net.Conn, nodeID uint32, hostname string, handler ControlHandler, logger observability.Logger) (*ControlConnection, wire.NodeHandshake, error) {
	cc := &ControlConnection{
		fsm: newFSM(ControlSendingHello), netConn: c, logger: logger,
		handler: handler, nodeID: nodeID, hostname: hostname,
	}
	if err := wire.WriteMagic(c, wire.MagicControl); err != nil {
		return nil, wire.NodeHandshake{}, err
	}
	e := wire.NewEncoder()
	wire.HelloRequest{NodeID: nodeID, Hostname: hostname}.Encode(e)
	if err := wire.WriteFrame(c, wire.CmdHello, e.Bytes()); err != nil {
		return nil, wire.NodeHandshake{}, err
	}
	code, payload, err := wire.ReadFrame(c)
	if err != nil {
		return nil, wire.NodeHandshake{}, err
	}
	if code != wire.RespHello {
		return nil, wire.NodeHandshake{}, errors.Wrapf(cacheerrors.ErrProtocolState, "expected RESP_HELLO, got code %d", code)
	}
	d := wire.NewDecoder(payload)
	hs := wire.DecodeNodeHandshake(d)
	if d.Err() != nil {
		return nil, wire.NodeHandshake{}, d.Err()
	}
	cc.set(ControlIdle)
	return cc, hs, nil
}

// Serve loops reading frames arriving outside a direct request/response
// pairing (reorg streaming, stats reports).
func (c *ControlConnection) Serve() error {
	for {
		code, payload, err := wire.ReadFrame(c.netConn)
		if err != nil {
			return err
		}
		if err := c.dispatch(code, payload); err != nil {
			return err
		}
	}
}

func (c *ControlConnection) dispatch(code byte, payload []byte) error {
	switch code {
	case wire.RespReorgItemMoved:
		if err := c.requireAndSet(ControlMoveResultRead, ControlReorganizing); err != nil {
			return err
		}
		d := wire.NewDecoder(payload)
		result := wire.DecodeReorgMoveResult(d)
		if d.Err() != nil {
			return d.Err()
		}
		c.handler.HandleReorgItemMoved(c, result)
		c.set(ControlReorganizing)
		return nil
	case wire.RespReorgDone:
		if err := c.requireAndSet(ControlReorgFinished, ControlReorganizing); err != nil {
			return err
		}
		c.handler.HandleReorgDone(c)
		c.set(ControlIdle)
		return nil
	case wire.RespNodeStats:
		if err := c.requireAndSet(ControlStatsReceived, ControlStatsRequested); err != nil {
			return err
		}
		d := wire.NewDecoder(payload)
		stats := wire.DecodeNodeStats(d)
		if d.Err() != nil {
			return d.Err()
		}
		c.handler.HandleNodeStats(c, stats)
		c.set(ControlIdle)
		return nil
	default:
		return errors.Wrapf(cacheerrors.ErrWireFraming, "unexpected control response %d", code)
	}
}

// SendReorg dispatches a reorganization plan; only valid from Idle.
func (c *ControlConnection) SendReorg(desc wire.ReorgDescription) error {
	if err := c.requireAndSet(ControlSendingReorg, ControlIdle); err != nil {
		return err
	}
	e := wire.NewEncoder()
	desc.Encode(e)
	if err := wire.WriteFrame(c.netConn, wire.CmdReorg, e.Bytes()); err != nil {
		return err
	}
	c.set(ControlReorganizing)
	return nil
}

// RequestStats asks the node for its periodic stats report; only valid
// from Idle.
func (c *ControlConnection) RequestStats() error {
	if err := c.requireAndSet(ControlSendingStatsRequest, ControlIdle); err != nil {
		return err
	}
	if err := wire.WriteFrame(c.netConn, wire.CmdStatsRequest, nil); err != nil {
		return err
	}
	c.set(ControlStatsRequested)
	return nil
}

// NodeID returns the id this connection was handed to the node under.
func (c *ControlConnection) NodeID() uint32 { return c.nodeID }

// Hostname returns the hostname recorded at handshake time.
func (c *ControlConnection) Hostname() string { return c.hostname }

// Close closes the underlying connection.
func (c *ControlConnection) Close() error { return c.netConn.Close() }
