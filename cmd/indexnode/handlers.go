package main

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/umr-dbs/cachemesh/internal/cacheentry"
	"github.com/umr-dbs/cachemesh/internal/cacheerrors"
	"github.com/umr-dbs/cachemesh/internal/conn"
	"github.com/umr-dbs/cachemesh/internal/indexcache"
	"github.com/umr-dbs/cachemesh/internal/resilience"
	"github.com/umr-dbs/cachemesh/internal/scheduler"
	"github.com/umr-dbs/cachemesh/internal/statsrepo"
	"github.com/umr-dbs/cachemesh/internal/wire"
)

// clientHandler wires a conn.ClientConnection into the scheduler: every
// distinct connection gets its own uuid so AbortClient can detach it from
// whatever it's attached to once the connection drops.
type clientHandler struct {
	scheduler *scheduler.Scheduler
	cache     *indexcache.Manager
	limiter   *resilience.RemoteLimiter
	clientID  string
}

func newClientHandler(s *scheduler.Scheduler, cache *indexcache.Manager, limiter *resilience.RemoteLimiter) *clientHandler {
	return &clientHandler{scheduler: s, cache: cache, limiter: limiter, clientID: uuid.NewString()}
}

func (h *clientHandler) HandleGet(c *conn.ClientConnection, req wire.BaseRequest) {
	if h.limiter != nil && !h.limiter.Allow(c.RemoteAddr().String()) {
		_ = c.SendError(cacheerrors.ErrRateLimited)
		return
	}
	if err := req.Query.Validate(); err != nil {
		_ = c.SendError(errors.Wrap(cacheerrors.ErrInvalidArgument, err.Error()))
		return
	}
	h.scheduler.AddRequest(h.clientID, c, req)
}

// HandleGetStats answers CMD_GET_STATS with the mesh-wide totals per cache
// type; it isn't scoped to any single node, so NodeID is left zero.
func (h *clientHandler) HandleGetStats(c *conn.ClientConnection) {
	byType := make([]wire.TypeStats, 0, len(cacheentry.AllCacheTypes))
	for _, ts := range h.cache.Stats() {
		var usedBytes, capacityBytes uint64
		for _, u := range ts.Nodes {
			usedBytes += u.UsedBytes
			capacityBytes += u.CapacityBytes
		}
		byType = append(byType, wire.TypeStats{Type: ts.Type, CapacityBytes: capacityBytes, UsedBytes: usedBytes})
	}
	_ = c.SendStats(wire.NodeStats{ByType: byType})
}

// HandleResetStats acknowledges CMD_RESET_STATS; the index mirror has no
// per-client counters of its own to clear — node-side counters are reset by
// their own drain-on-read semantics (NodeCache.GetStats).
func (h *clientHandler) HandleResetStats(c *conn.ClientConnection) {
	_ = c.SendResetted()
}

// clientAbort is invoked by the accept loop once a client connection's
// Serve returns, detaching its in-flight requests from the scheduler.
func clientAbort(s *scheduler.Scheduler, h *clientHandler) {
	s.AbortClient(h.clientID)
}

// workerIndexHandler wires a conn.WorkerConnection into the scheduler for
// the handful of things a worker slot announces mid-job.
type workerIndexHandler struct {
	scheduler *scheduler.Scheduler
}

func (h *workerIndexHandler) HandleQueryCache(w *conn.WorkerConnection, req wire.BaseRequest) {
	hit, partial, miss := h.scheduler.QueryForWorker(req)
	switch {
	case hit != nil:
		_ = w.ReplyQueryHit(*hit)
	case partial != nil:
		_ = w.ReplyQueryPartial(*partial)
	case miss:
		_ = w.ReplyQueryMiss()
	}
}

func (h *workerIndexHandler) HandleNewCacheEntry(w *conn.WorkerConnection, entry cacheentry.MetaCacheEntry) {
	h.scheduler.HandleNewCacheEntry(w, entry)
}

func (h *workerIndexHandler) HandleResultReady(w *conn.WorkerConnection) {
	h.scheduler.HandleResultReady(w)
}

func (h *workerIndexHandler) HandleDeliveryReady(w *conn.WorkerConnection, deliveryID uint64) {
	h.scheduler.HandleDeliveryReady(w, deliveryID)
}

func (h *workerIndexHandler) HandleWorkerError(w *conn.WorkerConnection, message string) {
	h.scheduler.HandleWorkerError(w, errors.New(message))
}

// controlHandler wires a conn.ControlConnection into the index's mirror and
// the optional stats archive: every move result re-homes the index's entry
// (FromNodeID travels in the result itself, so no pending-move bookkeeping
// is needed here), and every stats report both feeds relevance scoring and
// gets archived.
type controlHandler struct {
	cache     *indexcache.Manager
	statsRepo *statsrepo.Repository
}

func (h *controlHandler) HandleReorgItemMoved(c *conn.ControlConnection, result wire.ReorgMoveResult) {
	if h.statsRepo != nil {
		h.statsRepo.RecordReorgMove(context.Background(), c.NodeID(), result)
	}
	if !result.Success {
		return
	}
	h.cache.MoveEntry(result.Type, result.SemanticID, result.FromNodeID, c.NodeID(), result.EntryID)
}

func (h *controlHandler) HandleReorgDone(c *conn.ControlConnection) {}

func (h *controlHandler) HandleNodeStats(c *conn.ControlConnection, stats wire.NodeStats) {
	for _, ts := range stats.ByType {
		h.cache.UpdateUsage(ts.Type, indexcache.NodeUsage{NodeID: c.NodeID(), UsedBytes: ts.UsedBytes, CapacityBytes: ts.CapacityBytes})
		for _, a := range ts.Accesses {
			h.cache.Touch(ts.Type, a.SemanticID, c.NodeID(), a.EntryID, time.Unix(a.LastAccess, 0))
		}
	}
	if h.statsRepo != nil {
		h.statsRepo.RecordNodeStats(context.Background(), stats)
	}
}
