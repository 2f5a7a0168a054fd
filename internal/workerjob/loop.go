// Package workerjob drives a worker's half of the index<->worker protocol
// (conn.WorkerConnection's mirror): dial the index as a worker slot, then
// loop answering CMD_CREATE/CMD_DELIVER/CMD_PUZZLE jobs until the
// connection drops.
//
// conn.WorkerConnection only implements the index's end of this exchange
// (it dispatches the handful of codes a worker sends); nothing in conn
// speaks the worker's end, so this package reads/writes wire frames
// directly, the same way conn's own FSM types do internally.
package workerjob

import (
	"context"
	"net"

	"github.com/pkg/errors"

	"github.com/umr-dbs/cachemesh/internal/cacheentry"
	"github.com/umr-dbs/cachemesh/internal/cacheerrors"
	"github.com/umr-dbs/cachemesh/internal/deliverymgr"
	"github.com/umr-dbs/cachemesh/internal/geom"
	"github.com/umr-dbs/cachemesh/internal/observability"
	"github.com/umr-dbs/cachemesh/internal/payload"
	"github.com/umr-dbs/cachemesh/internal/puzzle"
	"github.com/umr-dbs/cachemesh/internal/wire"
	"github.com/umr-dbs/cachemesh/internal/workerstore"
)

// deliveryFanout is the number of pickups a result is registered for when
// the index's RESP_DELIVERY_QTY reports zero.
const deliveryFanout = 1

// Loop runs one worker slot's connection to the index. Only CacheTypeRaster
// jobs are computed here — the worker's compute graph (puzzle.Executor)
// is wired concretely for raster results only; every other cache type is
// served purely from already-cached entries over DeliveryConnection
// (internal/workerstore), never computed fresh by this loop.
type Loop struct {
	conn       net.Conn
	nodeID     uint32
	store      *workerstore.Store
	deliveries *deliverymgr.Manager
	executor   *puzzle.Executor[payload.RasterData]
	raster     *puzzle.RasterRef
	logger     observability.Logger
}

// NewLoop constructs a worker job loop bound to an already-dialed,
// already-handshaken connection (see Dial).
func NewLoop(conn net.Conn, nodeID uint32, store *workerstore.Store, deliveries *deliverymgr.Manager, executor *puzzle.Executor[payload.RasterData], raster *puzzle.RasterRef, logger observability.Logger) *Loop {
	return &Loop{conn: conn, nodeID: nodeID, store: store, deliveries: deliveries, executor: executor, raster: raster, logger: logger}
}

// Dial opens a worker-role connection to the index at addr and performs the
// CMD_HELLO handshake, announcing nodeID.
func Dial(addr string, nodeID uint32) (net.Conn, error) {
	c, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	if err := wire.WriteMagic(c, wire.MagicWorker); err != nil {
		c.Close()
		return nil, err
	}
	e := wire.NewEncoder()
	e.U32(nodeID)
	if err := wire.WriteFrame(c, wire.CmdHello, e.Bytes()); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Run reads and answers jobs until the connection fails or ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		code, body, err := wire.ReadFrame(l.conn)
		if err != nil {
			return err
		}
		if err := l.handle(ctx, code, body); err != nil {
			l.sendError(err)
			return err
		}
	}
}

func (l *Loop) handle(ctx context.Context, code byte, raw []byte) error {
	d := wire.NewDecoder(raw)
	switch code {
	case wire.CmdCreate:
		req := wire.DecodeBaseRequest(d)
		if d.Err() != nil {
			return d.Err()
		}
		return l.runCompute(ctx, req)
	case wire.CmdPuzzle:
		req := wire.DecodePuzzleRequest(d)
		if d.Err() != nil {
			return d.Err()
		}
		return l.runPuzzle(ctx, req)
	case wire.CmdDeliver:
		req := wire.DecodeDeliveryRequest(d)
		if d.Err() != nil {
			return d.Err()
		}
		return l.runDeliver(req)
	default:
		return errors.Wrapf(cacheerrors.ErrWireFraming, "unexpected job command %d", code)
	}
}

func (l *Loop) runCompute(ctx context.Context, req wire.BaseRequest) error {
	if req.Type != cacheentry.CacheTypeRaster {
		return errors.Wrapf(cacheerrors.ErrNoSuchEntry, "compute unsupported for type %s on this worker", req.Type)
	}
	profiler := &puzzle.Profiler{}
	result, bbox, err := l.executor.Run(ctx, wire.PuzzleRequest{BaseRequest: req}, l.raster, profiler)
	if err != nil {
		return err
	}
	return l.storeCompute(req, bbox, result, profiler)
}

func (l *Loop) runPuzzle(ctx context.Context, req wire.PuzzleRequest) error {
	if req.Type != cacheentry.CacheTypeRaster {
		return errors.Wrapf(cacheerrors.ErrNoSuchEntry, "puzzle unsupported for type %s on this worker", req.Type)
	}
	profiler := &puzzle.Profiler{}
	result, bbox, err := l.executor.Run(ctx, req, l.raster, profiler)
	if err != nil {
		return err
	}
	return l.storeCompute(req.BaseRequest, bbox, result, profiler)
}

func (l *Loop) runDeliver(req wire.DeliveryRequest) error {
	key := cacheentry.TypedNodeCacheKey{Type: req.Type, SemanticID: req.SemanticID, EntryID: req.EntryID}
	item, err := l.store.FetchCachedItem(key)
	if err != nil {
		return err
	}
	return l.finishWithDelivery(item.Data)
}

// storeCompute persists a freshly computed raster result locally,
// announces it to the index, and hands off its bytes for delivery. bbox is
// the actual enlarged extent the executor assembled result over, which may
// be larger than req.Query — the stored entry must advertise that real
// extent, not the narrower original query.
func (l *Loop) storeCompute(req wire.BaseRequest, bbox geom.Cube3, result payload.RasterData, profiler *puzzle.Profiler) error {
	bounds := cacheentry.CacheCube{QueryCube: geom.NewQueryCube(bbox, req.Query.EPSG, req.Query.TimeType)}
	meta, err := l.store.Raster.Put(req.SemanticID, result, uint64(len(result.Pixels)), profiler.Total(), bounds)
	if err != nil {
		return err
	}
	e := wire.NewEncoder()
	wire.EncodeMetaCacheEntry(e, meta)
	if err := wire.WriteFrame(l.conn, wire.RespNewCacheEntry, e.Bytes()); err != nil {
		return err
	}

	out := wire.NewEncoder()
	result.Encode(out)
	return l.finishWithDelivery(out.Bytes())
}

func (l *Loop) finishWithDelivery(data []byte) error {
	if err := wire.WriteFrame(l.conn, wire.RespResultReady, nil); err != nil {
		return err
	}

	code, body, err := wire.ReadFrame(l.conn)
	if err != nil {
		return err
	}
	if code != wire.RespDeliveryQty {
		return errors.Wrapf(cacheerrors.ErrProtocolState, "expected RESP_DELIVERY_QTY, got code %d", code)
	}
	qty := wire.NewDecoder(body).U32()
	if qty == 0 {
		qty = deliveryFanout
	}

	id := l.deliveries.Add(data, qty)
	out := wire.NewEncoder()
	out.U64(id)
	return wire.WriteFrame(l.conn, wire.RespDeliveryReady, out.Bytes())
}

func (l *Loop) sendError(cause error) {
	e := wire.NewEncoder()
	e.Str(cause.Error())
	_ = wire.WriteFrame(l.conn, wire.RespError, e.Bytes())
}
