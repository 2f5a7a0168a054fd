// Package workerctrl is a worker node's endpoint of the control channel:
// the passive side conn.ControlConnection never implements (that type only
// dials out, from the index). It answers the index's CMD_HELLO with a
// NodeHandshake, then loops on CMD_REORG/CMD_STATS_REQUEST the same way
// conn's own FSM types read and dispatch frames.
package workerctrl

import (
	"context"
	"net"

	"github.com/pkg/errors"

	"github.com/umr-dbs/cachemesh/internal/cacheentry"
	"github.com/umr-dbs/cachemesh/internal/cacheerrors"
	"github.com/umr-dbs/cachemesh/internal/observability"
	"github.com/umr-dbs/cachemesh/internal/puzzle"
	"github.com/umr-dbs/cachemesh/internal/wire"
	"github.com/umr-dbs/cachemesh/internal/workerstore"
)

// Listener accepts one worker node's control connection from the index and
// serves it until the connection drops.
type Listener struct {
	port      uint16
	store     *workerstore.Store
	fetcher   *puzzle.DialFetcher
	logger    observability.Logger
	statsFn   func() wire.NodeStats
	nodeIDSet func(uint32)
}

// New constructs a Listener. statsFn builds the current NodeStats snapshot
// on demand (see cmd/workernode); nodeIDSet records the node id the index
// assigns this process on handshake, so the rest of the process can learn
// its own identity from the first control connection.
func New(port uint16, store *workerstore.Store, fetcher *puzzle.DialFetcher, logger observability.Logger, statsFn func() wire.NodeStats, nodeIDSet func(uint32)) *Listener {
	return &Listener{port: port, store: store, fetcher: fetcher, logger: logger, statsFn: statsFn, nodeIDSet: nodeIDSet}
}

// Serve accepts connections on ln until ctx is done.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go func() {
			if err := l.handleConn(ctx, c); err != nil {
				l.logger.Warn("control connection closed", map[string]interface{}{"error": err.Error()})
			}
		}()
	}
}

func (l *Listener) handleConn(ctx context.Context, c net.Conn) error {
	defer c.Close()

	m, err := wire.ReadMagic(c)
	if err != nil {
		return err
	}
	if m != wire.MagicControl {
		return errors.Wrapf(cacheerrors.ErrWireFraming, "expected control magic, got %#x", uint32(m))
	}

	code, body, err := wire.ReadFrame(c)
	if err != nil {
		return err
	}
	if code != wire.CmdHello {
		return errors.Wrapf(cacheerrors.ErrProtocolState, "expected CMD_HELLO, got code %d", code)
	}
	hello := wire.DecodeHelloRequest(wire.NewDecoder(body))
	l.nodeIDSet(hello.NodeID)

	hs := wire.NodeHandshake{
		Port:            l.port,
		CapacityPerType: l.store.AllCapacities(),
		Entries:         l.store.AllEntries(),
	}
	e := wire.NewEncoder()
	hs.Encode(e)
	if err := wire.WriteFrame(c, wire.RespHello, e.Bytes()); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		code, body, err := wire.ReadFrame(c)
		if err != nil {
			return err
		}
		switch code {
		case wire.CmdReorg:
			if err := l.handleReorg(ctx, c, body); err != nil {
				return err
			}
		case wire.CmdStatsRequest:
			if err := l.handleStatsRequest(c); err != nil {
				return err
			}
		default:
			return errors.Wrapf(cacheerrors.ErrWireFraming, "unexpected control command %d", code)
		}
	}
}

func (l *Listener) handleReorg(ctx context.Context, c net.Conn, body []byte) error {
	desc := wire.DecodeReorgDescription(wire.NewDecoder(body))

	for _, mv := range desc.Moves {
		result := l.move(ctx, mv)
		e := wire.NewEncoder()
		result.Encode(e)
		if err := wire.WriteFrame(c, wire.RespReorgItemMoved, e.Bytes()); err != nil {
			return err
		}
	}
	for _, rm := range desc.Removals {
		key := cacheentry.TypedNodeCacheKey{Type: rm.Type, SemanticID: rm.SemanticID, EntryID: rm.EntryID}
		if err := l.store.Remove(key); err != nil {
			l.logger.Warn("reorg removal failed", map[string]interface{}{"semantic_id": rm.SemanticID, "entry_id": rm.EntryID, "error": err.Error()})
		}
	}
	return wire.WriteFrame(c, wire.RespReorgDone, nil)
}

func (l *Listener) move(ctx context.Context, mv wire.ReorgMoveItem) wire.ReorgMoveResult {
	key := cacheentry.TypedNodeCacheKey{Type: mv.Type, SemanticID: mv.SemanticID, EntryID: mv.EntryID}
	item, err := l.fetcher.FetchMovedItem(ctx, mv.FromHost, mv.FromPort, key)
	if err != nil {
		return wire.ReorgMoveResult{Type: mv.Type, SemanticID: mv.SemanticID, EntryID: mv.EntryID, FromNodeID: mv.FromNodeID, Success: false, Error: err.Error()}
	}
	if _, err := l.store.AdoptMoved(key, item); err != nil {
		return wire.ReorgMoveResult{Type: mv.Type, SemanticID: mv.SemanticID, EntryID: mv.EntryID, FromNodeID: mv.FromNodeID, Success: false, Error: err.Error()}
	}
	return wire.ReorgMoveResult{Type: mv.Type, SemanticID: mv.SemanticID, EntryID: mv.EntryID, FromNodeID: mv.FromNodeID, Success: true}
}

func (l *Listener) handleStatsRequest(c net.Conn) error {
	stats := l.statsFn()
	e := wire.NewEncoder()
	stats.Encode(e)
	return wire.WriteFrame(c, wire.RespNodeStats, e.Bytes())
}
