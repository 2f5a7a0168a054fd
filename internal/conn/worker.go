package conn

import (
	"net"
	"sync"

	"github.com/pkg/errors"

	"github.com/umr-dbs/cachemesh/internal/cacheentry"
	"github.com/umr-dbs/cachemesh/internal/cacheerrors"
	"github.com/umr-dbs/cachemesh/internal/observability"
	"github.com/umr-dbs/cachemesh/internal/wire"
)

// WorkerState is one of WorkerConnection's FSM states.
type WorkerState int

const (
	WorkerIdle WorkerState = iota
	WorkerSendingRequest
	WorkerProcessing
	WorkerQueryRequested
	WorkerSendingQueryResponse
	WorkerNewEntry
	WorkerDone
	WorkerSendingDeliveryQty
	WorkerWaitingDelivery
	WorkerDeliveryReady
	WorkerError
)

// WorkerIndexHandler reacts to messages arriving from the worker side, on
// the index's end of a WorkerConnection. Implemented by the scheduler.
type WorkerIndexHandler interface {
	HandleQueryCache(w *WorkerConnection, req wire.BaseRequest)
	HandleNewCacheEntry(w *WorkerConnection, entry cacheentry.MetaCacheEntry)
	HandleResultReady(w *WorkerConnection)
	HandleDeliveryReady(w *WorkerConnection, deliveryID uint64)
	HandleWorkerError(w *WorkerConnection, message string)
}

// WorkerConnection is the index's endpoint of a single worker slot: magic
// 0x32345678. While Processing, the worker may interleave any number of
// QueryRequested/NewEntry round trips before finally reporting
// RESP_RESULT_READY.
type WorkerConnection struct {
	fsm[WorkerState]
	netConn net.Conn
	logger  observability.Logger
	handler WorkerIndexHandler
	nodeID  uint32

	writeMu sync.Mutex // serializes the command-out side against async query replies
}

// NewWorkerConnection reads the worker-role magic and the node id the
// index previously assigned this worker's owning node.
func NewWorkerConnection(c net.Conn, handler WorkerIndexHandler, logger observability.Logger) (*WorkerConnection, uint32, error) {
	m, err := wire.ReadMagic(c)
	if err != nil {
		return nil, 0, err
	}
	if m != wire.MagicWorker {
		return nil, 0, errors.Wrapf(cacheerrors.ErrWireFraming, "expected worker magic, got %#x", uint32(m))
	}
	code, payload, err := wire.ReadFrame(c)
	if err != nil {
		return nil, 0, err
	}
	if code != wire.CmdHello {
		return nil, 0, errors.Wrapf(cacheerrors.ErrProtocolState, "expected worker hello, got code %d", code)
	}
	nodeID := wire.NewDecoder(payload).U32()
	return &WorkerConnection{fsm: newFSM(WorkerIdle), netConn: c, logger: logger, handler: handler, nodeID: nodeID}, nodeID, nil
}

// NodeID returns the node this worker slot belongs to.
func (w *WorkerConnection) NodeID() uint32 { return w.nodeID }

// Serve loops reading frames from the worker and dispatching them.
func (w *WorkerConnection) Serve() error {
	for {
		code, payload, err := wire.ReadFrame(w.netConn)
		if err != nil {
			return err
		}
		if err := w.dispatch(code, payload); err != nil {
			return err
		}
	}
}

func (w *WorkerConnection) dispatch(code byte, payload []byte) error {
	switch code {
	case wire.CmdQueryCache:
		if err := w.requireAndSet(WorkerQueryRequested, WorkerProcessing); err != nil {
			return err
		}
		d := wire.NewDecoder(payload)
		req := wire.DecodeBaseRequest(d)
		if d.Err() != nil {
			return d.Err()
		}
		w.handler.HandleQueryCache(w, req)
		return nil
	case wire.RespNewCacheEntry:
		if err := w.requireAndSet(WorkerNewEntry, WorkerProcessing); err != nil {
			return err
		}
		d := wire.NewDecoder(payload)
		entry := wire.DecodeMetaCacheEntryMsg(d)
		if d.Err() != nil {
			return d.Err()
		}
		w.handler.HandleNewCacheEntry(w, entry)
		w.set(WorkerProcessing)
		return nil
	case wire.RespResultReady:
		if err := w.requireAndSet(WorkerDone, WorkerProcessing); err != nil {
			return err
		}
		w.handler.HandleResultReady(w)
		return nil
	case wire.RespDeliveryReady:
		if err := w.requireAndSet(WorkerDeliveryReady, WorkerWaitingDelivery); err != nil {
			return err
		}
		id := wire.NewDecoder(payload).U64()
		w.handler.HandleDeliveryReady(w, id)
		return nil
	case wire.RespError:
		w.set(WorkerError)
		msg := wire.NewDecoder(payload).Str()
		w.handler.HandleWorkerError(w, msg)
		return nil
	default:
		return errors.Wrapf(cacheerrors.ErrWireFraming, "unexpected worker command %d", code)
	}
}

// SendCreate dispatches a CMD_CREATE job; only valid from Idle.
func (w *WorkerConnection) SendCreate(req wire.BaseRequest) error {
	return w.sendJob(wire.CmdCreate, func(e *wire.Encoder) { req.Encode(e) })
}

// SendDeliver dispatches a CMD_DELIVER job; only valid from Idle.
func (w *WorkerConnection) SendDeliver(req wire.DeliveryRequest) error {
	return w.sendJob(wire.CmdDeliver, func(e *wire.Encoder) { req.Encode(e) })
}

// SendPuzzle dispatches a CMD_PUZZLE job; only valid from Idle.
func (w *WorkerConnection) SendPuzzle(req wire.PuzzleRequest) error {
	return w.sendJob(wire.CmdPuzzle, func(e *wire.Encoder) { req.Encode(e) })
}

func (w *WorkerConnection) sendJob(code byte, encode func(e *wire.Encoder)) error {
	if err := w.requireAndSet(WorkerSendingRequest, WorkerIdle); err != nil {
		return err
	}
	e := wire.NewEncoder()
	encode(e)
	w.writeMu.Lock()
	err := wire.WriteFrame(w.netConn, code, e.Bytes())
	w.writeMu.Unlock()
	if err != nil {
		return err
	}
	w.set(WorkerProcessing)
	return nil
}

// ReplyQueryHit answers a worker-side opportunistic query with a single hit.
func (w *WorkerConnection) ReplyQueryHit(ref wire.CacheRef) error {
	if err := w.requireAndSet(WorkerSendingQueryResponse, WorkerQueryRequested); err != nil {
		return err
	}
	e := wire.NewEncoder()
	wire.EncodeCacheRef(e, ref)
	w.writeMu.Lock()
	err := wire.WriteFrame(w.netConn, wire.RespQueryHit, e.Bytes())
	w.writeMu.Unlock()
	if err != nil {
		return err
	}
	w.set(WorkerProcessing)
	return nil
}

// ReplyQueryPartial answers with a puzzle plan.
func (w *WorkerConnection) ReplyQueryPartial(req wire.PuzzleRequest) error {
	if err := w.requireAndSet(WorkerSendingQueryResponse, WorkerQueryRequested); err != nil {
		return err
	}
	e := wire.NewEncoder()
	req.Encode(e)
	w.writeMu.Lock()
	err := wire.WriteFrame(w.netConn, wire.RespQueryPartial, e.Bytes())
	w.writeMu.Unlock()
	if err != nil {
		return err
	}
	w.set(WorkerProcessing)
	return nil
}

// ReplyQueryMiss answers with a miss.
func (w *WorkerConnection) ReplyQueryMiss() error {
	if err := w.requireAndSet(WorkerSendingQueryResponse, WorkerQueryRequested); err != nil {
		return err
	}
	w.writeMu.Lock()
	err := wire.WriteFrame(w.netConn, wire.RespQueryMiss, nil)
	w.writeMu.Unlock()
	if err != nil {
		return err
	}
	w.set(WorkerProcessing)
	return nil
}

// SendDeliveryQty tells the worker how many clients are attached, moving
// the connection to WaitingDelivery.
func (w *WorkerConnection) SendDeliveryQty(qty uint32) error {
	if err := w.requireAndSet(WorkerSendingDeliveryQty, WorkerDone); err != nil {
		return err
	}
	e := wire.NewEncoder()
	e.U32(qty)
	w.writeMu.Lock()
	err := wire.WriteFrame(w.netConn, wire.RespDeliveryQty, e.Bytes())
	w.writeMu.Unlock()
	if err != nil {
		return err
	}
	w.set(WorkerWaitingDelivery)
	return nil
}

// Release resets a DeliveryReady connection back to Idle, making it
// available for a new job.
func (w *WorkerConnection) Release() error {
	return w.requireAndSet(WorkerIdle, WorkerDeliveryReady, WorkerError)
}

// Close closes the underlying connection.
func (w *WorkerConnection) Close() error { return w.netConn.Close() }
