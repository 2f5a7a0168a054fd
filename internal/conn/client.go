package conn

import (
	"net"

	"github.com/pkg/errors"

	"github.com/umr-dbs/cachemesh/internal/cacheerrors"
	"github.com/umr-dbs/cachemesh/internal/observability"
	"github.com/umr-dbs/cachemesh/internal/wire"
)

// ClientState is one of ClientConnection's FSM states.
type ClientState int

const (
	ClientIdle ClientState = iota
	ClientAwaitResponse
	ClientAwaitStats
	ClientAwaitReset
	ClientWritingResponse
	ClientWritingStats
	ClientWritingRst
)

// ClientHandler reacts to requests arriving on a ClientConnection. The
// index implements this to wire requests into the scheduler.
type ClientHandler interface {
	HandleGet(c *ClientConnection, req wire.BaseRequest)
	HandleGetStats(c *ClientConnection)
	HandleResetStats(c *ClientConnection)
}

// ClientConnection is the index's endpoint of a client session: magic
// 0x22345678, exactly one outstanding request at a time.
type ClientConnection struct {
	fsm[ClientState]
	netConn net.Conn
	logger  observability.Logger
	handler ClientHandler
}

// NewClientConnection performs the magic handshake read and returns a
// ready-to-run connection.
func NewClientConnection(c net.Conn, handler ClientHandler, logger observability.Logger) (*ClientConnection, error) {
	m, err := wire.ReadMagic(c)
	if err != nil {
		return nil, err
	}
	if m != wire.MagicClient {
		return nil, errors.Wrapf(cacheerrors.ErrWireFraming, "expected client magic, got %#x", uint32(m))
	}
	return &ClientConnection{fsm: newFSM(ClientIdle), netConn: c, logger: logger, handler: handler}, nil
}

// Serve loops reading frames until the connection closes or a framing
// error occurs. Each frame is handled synchronously, matching the
// "exactly one outstanding request" invariant.
func (c *ClientConnection) Serve() error {
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

func (c *ClientConnection) dispatch(code byte, payload []byte) error {
	switch code {
	case wire.CmdGet:
		if err := c.requireAndSet(ClientAwaitResponse, ClientIdle); err != nil {
			return err
		}
		d := wire.NewDecoder(payload)
		req := wire.DecodeBaseRequest(d)
		if d.Err() != nil {
			return d.Err()
		}
		c.handler.HandleGet(c, req)
		return nil
	case wire.CmdGetStats:
		if err := c.requireAndSet(ClientAwaitStats, ClientIdle); err != nil {
			return err
		}
		c.handler.HandleGetStats(c)
		return nil
	case wire.CmdResetStats:
		if err := c.requireAndSet(ClientAwaitReset, ClientIdle); err != nil {
			return err
		}
		c.handler.HandleResetStats(c)
		return nil
	default:
		return errors.Wrapf(cacheerrors.ErrWireFraming, "unexpected client command %d", code)
	}
}

// SendResponse writes RESP_OK; only valid from AwaitResponse.
func (c *ClientConnection) SendResponse(resp wire.DeliveryResponse) error {
	if err := c.requireAndSet(ClientWritingResponse, ClientAwaitResponse); err != nil {
		return err
	}
	e := wire.NewEncoder()
	resp.Encode(e)
	if err := wire.WriteFrame(c.netConn, wire.RespOK, e.Bytes()); err != nil {
		return err
	}
	c.set(ClientIdle)
	return nil
}

// SendStats writes RESP_STATS; only valid from AwaitStats.
func (c *ClientConnection) SendStats(stats wire.NodeStats) error {
	if err := c.requireAndSet(ClientWritingStats, ClientAwaitStats); err != nil {
		return err
	}
	e := wire.NewEncoder()
	stats.Encode(e)
	if err := wire.WriteFrame(c.netConn, wire.RespStats, e.Bytes()); err != nil {
		return err
	}
	c.set(ClientIdle)
	return nil
}

// SendResetted writes RESP_RESETTED; only valid from AwaitReset.
func (c *ClientConnection) SendResetted() error {
	if err := c.requireAndSet(ClientWritingRst, ClientAwaitReset); err != nil {
		return err
	}
	if err := wire.WriteFrame(c.netConn, wire.RespResetted, nil); err != nil {
		return err
	}
	c.set(ClientIdle)
	return nil
}

// SendError writes RESP_ERROR from whichever Await* state is active,
// resetting to Idle afterward. This is the one response variant valid from
// more than one precondition state.
func (c *ClientConnection) SendError(cause error) error {
	if err := c.requireAndSet(ClientWritingRst, ClientAwaitResponse, ClientAwaitStats, ClientAwaitReset); err != nil {
		return err
	}
	e := wire.NewEncoder()
	e.Str(cause.Error())
	if err := wire.WriteFrame(c.netConn, wire.RespError, e.Bytes()); err != nil {
		return err
	}
	c.set(ClientIdle)
	return nil
}

// RemoteAddr returns the underlying connection's remote address, used by the
// index's acceptor to key its per-address rate limiter.
func (c *ClientConnection) RemoteAddr() net.Addr { return c.netConn.RemoteAddr() }

// Close closes the underlying connection.
func (c *ClientConnection) Close() error { return c.netConn.Close() }
