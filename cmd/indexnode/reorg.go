package main

import (
	"context"
	"sync"
	"time"

	"github.com/umr-dbs/cachemesh/internal/indexcache"
	"github.com/umr-dbs/cachemesh/internal/observability"
	"github.com/umr-dbs/cachemesh/internal/registry"
	"github.com/umr-dbs/cachemesh/internal/wire"
)

// controlConn is the subset of conn.ControlConnection the reorg loop needs.
type controlConn interface {
	NodeID() uint32
	SendReorg(desc wire.ReorgDescription) error
}

// runReorgLoop periodically runs the index's ReorgPass and pushes each
// type's plan out to every node it names, over that node's already-dialed
// control connection.
func runReorgLoop(ctx context.Context, cache *indexcache.Manager, conns *controlConnSet, interval time.Duration, logger observability.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, plan := range cache.ReorgPass() {
				dispatchPlan(plan, conns, logger)
			}
		}
	}
}

func dispatchPlan(plan indexcache.Plan, conns *controlConnSet, logger observability.Logger) {
	nodes := conns.NodeIDs()
	for _, nodeID := range nodes {
		perNode := plan.ForNode(nodeID)
		if len(perNode.Moves) == 0 && len(perNode.Removals) == 0 {
			continue
		}
		desc := toReorgDescription(perNode, conns.reg)
		cc, ok := conns.Get(nodeID)
		if !ok {
			continue
		}
		if err := cc.SendReorg(desc); err != nil {
			logger.Warn("sending reorg description failed", map[string]interface{}{"node_id": nodeID, "error": err.Error()})
		}
	}
}

func toReorgDescription(plan indexcache.Plan, reg *registry.Registry) wire.ReorgDescription {
	desc := wire.ReorgDescription{}
	for _, m := range plan.Moves {
		host, port, ok := reg.HostPort(m.FromNodeID)
		if !ok {
			continue
		}
		desc.Moves = append(desc.Moves, wire.ReorgMoveItem{
			Type: m.Type, SemanticID: m.SemanticID, EntryID: m.EntryID,
			FromNodeID: m.FromNodeID, FromHost: host, FromPort: port,
		})
	}
	for _, r := range plan.Removals {
		desc.Removals = append(desc.Removals, wire.ReorgRemoveItem{Type: r.Type, SemanticID: r.SemanticID, EntryID: r.EntryID})
	}
	return desc
}

// controlConnSet tracks the live control connection to every configured
// node, so the reorg loop and admin surface can reach any of them by id.
type controlConnSet struct {
	reg *registry.Registry

	mu    sync.Mutex
	conns map[uint32]controlConn
}

func newControlConnSet(reg *registry.Registry) *controlConnSet {
	return &controlConnSet{reg: reg, conns: make(map[uint32]controlConn)}
}

func (s *controlConnSet) Add(nodeID uint32, cc controlConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[nodeID] = cc
}

func (s *controlConnSet) Remove(nodeID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, nodeID)
}

func (s *controlConnSet) Get(nodeID uint32) (controlConn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cc, ok := s.conns[nodeID]
	return cc, ok
}

func (s *controlConnSet) NodeIDs() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint32, 0, len(s.conns))
	for id := range s.conns {
		out = append(out, id)
	}
	return out
}
