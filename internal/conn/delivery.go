package conn

import (
	"net"

	"github.com/pkg/errors"

	"github.com/umr-dbs/cachemesh/internal/cacheentry"
	"github.com/umr-dbs/cachemesh/internal/cacheerrors"
	"github.com/umr-dbs/cachemesh/internal/observability"
	"github.com/umr-dbs/cachemesh/internal/wire"
)

// DeliveryState is one of DeliveryConnection's FSM states.
type DeliveryState int

const (
	DeliveryIdle DeliveryState = iota
	DeliveryRequestRead
	CacheRequestRead
	MoveRequestRead
	DeliverySending
	DeliverySendingCacheEntry
	DeliverySendingMove
	DeliveryAwaitingMoveConfirm
	DeliveryMoveDone
	DeliverySendingError
)

// DeliveryHandler serves the three things a peer can ask a
// DeliveryConnection for: a finished job's result, a single cached item for
// puzzle assembly, or a cached item being relocated by reorganization.
type DeliveryHandler interface {
	FetchDelivery(deliveryID uint64) (wire.DeliveryPayload, error)
	FetchCachedItem(key cacheentry.TypedNodeCacheKey) (wire.CacheItemPayload, error)
	PrepareMove(key cacheentry.TypedNodeCacheKey) (wire.CacheItemPayload, error)
	ConfirmMove(key cacheentry.TypedNodeCacheKey) error
}

// DeliveryConnection is the serving side of a worker-to-worker (or
// client-to-worker) data pickup: magic 0x52345678.
type DeliveryConnection struct {
	fsm[DeliveryState]
	netConn net.Conn
	logger  observability.Logger
	handler DeliveryHandler

	pendingMove cacheentry.TypedNodeCacheKey
}

// NewDeliveryConnection checks the magic and returns a ready-to-run
// connection sitting in Idle.
func NewDeliveryConnection(c net.Conn, handler DeliveryHandler, logger observability.Logger) (*DeliveryConnection, error) {
	m, err := wire.ReadMagic(c)
	if err != nil {
		return nil, err
	}
	if m != wire.MagicDelivery {
		return nil, errors.Wrapf(cacheerrors.ErrWireFraming, "expected delivery magic, got %#x", uint32(m))
	}
	return &DeliveryConnection{fsm: newFSM(DeliveryIdle), netConn: c, logger: logger, handler: handler}, nil
}

// Serve loops reading one request per round trip: every command here is
// answered before the next frame is read, so Idle is re-entered after
// every exchange except CMD_MOVE_ITEM, which waits for CMD_MOVE_DONE.
func (c *DeliveryConnection) Serve() error {
	for {
		code, payload, err := wire.ReadFrame(c.netConn)
		if err != nil {
			return err
		}
		if err := c.dispatch(code, payload); err != nil {
			c.sendError(err)
			return err
		}
	}
}

func (c *DeliveryConnection) dispatch(code byte, payload []byte) error {
	switch code {
	case wire.CmdGetCachedItem:
		return c.handleGetCachedItem(payload)
	case wire.CmdMoveItem:
		return c.handleMoveItem(payload)
	case wire.CmdMoveDone:
		return c.handleMoveDone()
	case wire.CmdGet:
		return c.handleGet(payload)
	default:
		return errors.Wrapf(cacheerrors.ErrWireFraming, "unexpected delivery command %d", code)
	}
}

func (c *DeliveryConnection) handleGet(payload []byte) error {
	if err := c.requireAndSet(DeliveryRequestRead, DeliveryIdle); err != nil {
		return err
	}
	d := wire.NewDecoder(payload)
	deliveryID := d.U64()
	if d.Err() != nil {
		return d.Err()
	}
	body, err := c.handler.FetchDelivery(deliveryID)
	if err != nil {
		return err
	}
	c.set(DeliverySending)
	e := wire.NewEncoder()
	body.Encode(e)
	if err := wire.WriteFrame(c.netConn, wire.RespDeliveryPayload, e.Bytes()); err != nil {
		return err
	}
	c.set(DeliveryIdle)
	return nil
}

func (c *DeliveryConnection) handleGetCachedItem(payload []byte) error {
	if err := c.requireAndSet(CacheRequestRead, DeliveryIdle); err != nil {
		return err
	}
	d := wire.NewDecoder(payload)
	key := wire.DecodeTypedKey(d)
	if d.Err() != nil {
		return d.Err()
	}
	item, err := c.handler.FetchCachedItem(key)
	if err != nil {
		return err
	}
	c.set(DeliverySendingCacheEntry)
	e := wire.NewEncoder()
	item.Encode(e)
	if err := wire.WriteFrame(c.netConn, wire.RespCacheItem, e.Bytes()); err != nil {
		return err
	}
	c.set(DeliveryIdle)
	return nil
}

func (c *DeliveryConnection) handleMoveItem(payload []byte) error {
	if err := c.requireAndSet(MoveRequestRead, DeliveryIdle); err != nil {
		return err
	}
	d := wire.NewDecoder(payload)
	key := wire.DecodeTypedKey(d)
	if d.Err() != nil {
		return d.Err()
	}
	item, err := c.handler.PrepareMove(key)
	if err != nil {
		return err
	}
	c.set(DeliverySendingMove)
	e := wire.NewEncoder()
	item.Encode(e)
	if err := wire.WriteFrame(c.netConn, wire.RespMoveInfo, e.Bytes()); err != nil {
		return err
	}
	c.pendingMove = key
	c.set(DeliveryAwaitingMoveConfirm)
	return nil
}

func (c *DeliveryConnection) handleMoveDone() error {
	if err := c.requireAndSet(DeliveryMoveDone, DeliveryAwaitingMoveConfirm); err != nil {
		return err
	}
	key := c.pendingMove
	c.pendingMove = cacheentry.TypedNodeCacheKey{}
	if err := c.handler.ConfirmMove(key); err != nil {
		return err
	}
	c.set(DeliveryIdle)
	return nil
}

func (c *DeliveryConnection) sendError(cause error) {
	c.set(DeliverySendingError)
	e := wire.NewEncoder()
	e.Str(cause.Error())
	_ = wire.WriteFrame(c.netConn, wire.RespError, e.Bytes())
}

// Close closes the underlying connection.
func (c *DeliveryConnection) Close() error { return c.netConn.Close() }
