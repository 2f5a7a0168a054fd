package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/umr-dbs/cachemesh/internal/cacheentry"
	"github.com/umr-dbs/cachemesh/internal/geom"
	"github.com/umr-dbs/cachemesh/internal/indexcache"
	"github.com/umr-dbs/cachemesh/internal/observability"
	"github.com/umr-dbs/cachemesh/internal/wire"
)

// createExtensionMaxGrowth bounds how much a CreateJob's union volume may
// grow, relative to the sum of the individual query volumes it batches,
// before a new request gets its own job instead of joining an existing one.
const createExtensionMaxGrowth = 1.01

// createExtensionMaxMultiple bounds a CreateJob's total volume relative to
// the first query that started it: a job batching requests from a large
// spread of clients must still stay within 4.04x of where it began.
const createExtensionMaxMultiple = 4.04

// NodeRegistry resolves a node id to the host/port a DeliveryConnection or
// puzzle CacheRef should address.
type NodeRegistry interface {
	HostPort(nodeID uint32) (host string, port uint16, ok bool)
}

// Scheduler owns pending_jobs, running_queries and finished_queries behind
// a single goroutine: every mutating operation is a message sent over a
// channel and applied by Run, so none of the three maps needs a lock.
type Scheduler struct {
	cache    *indexcache.Manager
	pool     WorkerPool
	registry NodeRegistry
	logger   observability.Logger

	placement map[cacheentry.CacheType]indexcache.PlacementStrategy

	inbox chan func(s *schedulerState)
	done  chan struct{}
}

// schedulerState is the single-goroutine-owned state; it only ever exists
// inside Run.
type schedulerState struct {
	pending  map[string]*PendingQuery
	running  map[WorkerHandle]*RunningQuery
	finished map[WorkerHandle]*RunningQuery
}

// New constructs a Scheduler. placement configures the simple-scheduler
// node-choice strategy per cache type; a type absent from the map falls
// back to WorkerPool.ClaimAny, which takes whichever idle worker it finds
// first.
func New(cache *indexcache.Manager, pool WorkerPool, registry NodeRegistry, placement map[cacheentry.CacheType]indexcache.PlacementStrategy, logger observability.Logger) *Scheduler {
	return &Scheduler{
		cache:     cache,
		pool:      pool,
		registry:  registry,
		placement: placement,
		logger:    logger,
		inbox:     make(chan func(s *schedulerState), 256),
		done:      make(chan struct{}),
	}
}

// Run owns the scheduler's state for the lifetime of ctx; one goroutine,
// applying every queued mutation in order, then attempting to schedule
// pending work after each one.
func (s *Scheduler) Run(ctx context.Context) {
	state := &schedulerState{
		pending:  make(map[string]*PendingQuery),
		running:  make(map[WorkerHandle]*RunningQuery),
		finished: make(map[WorkerHandle]*RunningQuery),
	}
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-s.inbox:
			fn(state)
			s.schedulePending(state)
		case <-ticker.C:
			s.schedulePending(state)
		}
	}
}

// Stopped is closed once Run returns, for callers that want to wait for a
// clean shutdown after canceling the context passed to Run.
func (s *Scheduler) Stopped() <-chan struct{} { return s.done }

func (s *Scheduler) apply(fn func(s *schedulerState)) {
	s.inbox <- fn
}

// Sync blocks until every mutation queued before this call has been applied
// (and its post-apply scheduling pass has run). Callers that need to
// observe scheduler state right after issuing a request use this instead
// of guessing at a sleep.
func (s *Scheduler) Sync() {
	done := make(chan struct{})
	s.apply(func(*schedulerState) { close(done) })
	<-done
}

// AddRequest is the entry point for a client's CMD_GET: batch against
// in-flight work, else consult the index cache, else enqueue a fresh job.
func (s *Scheduler) AddRequest(clientID string, sink ClientSink, req wire.BaseRequest) {
	s.apply(func(st *schedulerState) {
		client := attachedClient{id: clientID, sink: sink}

		for _, rq := range st.running {
			if matches(rq.Req, req) {
				rq.Clients = append(rq.Clients, client)
				return
			}
		}
		for _, pq := range st.pending {
			if pq.Kind == JobCreate && matches(pq.Req, req) {
				pq.Clients = append(pq.Clients, client)
				return
			}
		}

		result := s.cache.Query(req.Type, req.SemanticID, req.Query)
		switch {
		case result.IsFullHit():
			id := uuid.NewString()
			st.pending[id] = &PendingQuery{
				ID:   id,
				Kind: JobDeliver,
				Req:  req,
				Delivery: wire.DeliveryRequest{
					BaseRequest: req,
					EntryID:     result.Keys[0].EntryID,
				},
				PreferredNode: result.Keys[0].NodeID,
				Clients:       []attachedClient{client},
				Created:       s.now(),
			}
		case !result.IsMiss():
			parts := s.toCacheRefs(req, result.Keys)
			preferred := uint32(0)
			if len(result.Keys) > 0 {
				preferred = result.Keys[0].NodeID
			}
			id := uuid.NewString()
			st.pending[id] = &PendingQuery{
				ID:   id,
				Kind: JobPuzzle,
				Req:  req,
				Puzzle: wire.PuzzleRequest{
					BaseRequest: req,
					Parts:       parts,
					Remainder:   result.Remainder,
				},
				PreferredNode: preferred,
				Clients:       []attachedClient{client},
				Created:       s.now(),
			}
		default:
			s.addCreateJob(st, req, client)
		}
	})
}

// addCreateJob tries to fold req into an existing CreateJob for the same
// type/semantic-id before opening a new one, subject to the volume-growth
// and pixel-scale rules spec.md places on CreateJob extension.
func (s *Scheduler) addCreateJob(st *schedulerState, req wire.BaseRequest, client attachedClient) {
	reqVol := req.Query.Cube().Volume()

	for _, pq := range st.pending {
		if pq.Kind != JobCreate || pq.Req.Type != req.Type || pq.Req.SemanticID != req.SemanticID {
			continue
		}
		if req.Query.ResType != pq.Req.Query.ResType {
			continue
		}
		if req.Query.ResType == geom.ResolutionPixels &&
			(!geom.PixelScalesMatch(req.Query.PixelScaleX(), pq.Req.PixelScaleX(), pixelScaleTolerance) ||
				!geom.PixelScalesMatch(req.Query.PixelScaleY(), pq.Req.PixelScaleY(), pixelScaleTolerance)) {
			continue
		}

		combined := pq.Req.Query.Cube().Combine(req.Query.Cube())
		sumVol := pq.sumVolume + reqVol
		if combined.Volume() > sumVol*createExtensionMaxGrowth {
			continue
		}
		if combined.Volume() > pq.firstVolume*createExtensionMaxMultiple {
			continue
		}

		pq.Req.Query = geom.QueryRectangle{
			EPSG:     pq.Req.Query.EPSG,
			X1:       combined.X.A, Y1: combined.Y.A, X2: combined.X.B, Y2: combined.Y.B,
			TimeType: pq.Req.Query.TimeType,
			T1:       combined.T.A, T2: combined.T.B,
			ResType:  pq.Req.Query.ResType,
			XRes:     pq.Req.Query.XRes, YRes: pq.Req.Query.YRes,
		}
		pq.sumVolume = sumVol
		pq.Clients = append(pq.Clients, client)
		return
	}

	id := uuid.NewString()
	st.pending[id] = &PendingQuery{
		ID:            id,
		Kind:          JobCreate,
		Req:           req,
		PreferredNode: s.preferredNodeFor(req),
		Clients:       []attachedClient{client},
		Created:       s.now(),
		sumVolume:     reqVol,
		firstVolume:   reqVol,
	}
}

// QueryForWorker answers a worker's opportunistic CMD_QUERY_CACHE: can a
// sub-query of the compute it just started be served from elsewhere? This
// reads s.cache directly rather than going through the apply/run loop —
// the planner is already safe for concurrent readers, and a worker-side
// query cannot observe or mutate pending_jobs/running_queries.
func (s *Scheduler) QueryForWorker(req wire.BaseRequest) (hit *wire.CacheRef, partial *wire.PuzzleRequest, miss bool) {
	result := s.cache.Query(req.Type, req.SemanticID, req.Query)
	switch {
	case result.IsFullHit():
		refs := s.toCacheRefs(req, result.Keys)
		if len(refs) == 0 {
			return nil, nil, true
		}
		return &refs[0], nil, false
	case !result.IsMiss():
		parts := s.toCacheRefs(req, result.Keys)
		return nil, &wire.PuzzleRequest{BaseRequest: req, Parts: parts, Remainder: result.Remainder}, false
	default:
		return nil, nil, true
	}
}

// preferredNodeFor consults req.Type's configured PlacementStrategy, if
// any, to pick a node for a brand new CreateJob before any data exists to
// route it by.
func (s *Scheduler) preferredNodeFor(req wire.BaseRequest) uint32 {
	strategy, ok := s.placement[req.Type]
	if !ok {
		return 0
	}
	nodes := s.pool.ActiveNodes()
	if len(nodes) == 0 {
		return 0
	}
	return strategy.NodeForJob(req, nodes)
}

// toCacheRefs resolves a set of indexcache keys to wire.CacheRef values the
// worker can fetch pieces from.
func (s *Scheduler) toCacheRefs(req wire.BaseRequest, keys []indexcache.Key) []wire.CacheRef {
	refs := make([]wire.CacheRef, 0, len(keys))
	for _, k := range keys {
		entry, ok := s.cache.Entry(req.Type, req.SemanticID, k)
		if !ok {
			continue
		}
		host, port, ok := s.registry.HostPort(k.NodeID)
		if !ok {
			continue
		}
		refs = append(refs, wire.CacheRef{Host: host, Port: port, EntryID: k.EntryID, Bounds: entry.Bounds})
	}
	return refs
}

// schedulePending claims an idle worker for every pending job it can,
// preferring each job's PreferredNode and falling back to any idle worker.
func (s *Scheduler) schedulePending(st *schedulerState) {
	for id, pq := range st.pending {
		w, ok := s.pool.ClaimIdle(pq.PreferredNode)
		if !ok {
			w, ok = s.pool.ClaimAny()
		}
		if !ok {
			continue
		}

		var err error
		switch pq.Kind {
		case JobDeliver:
			err = w.SendDeliver(pq.Delivery)
		case JobPuzzle:
			err = w.SendPuzzle(pq.Puzzle)
		case JobCreate:
			err = w.SendCreate(pq.Req)
		}
		if err != nil {
			s.logger.Error("failed to dispatch job to worker", map[string]interface{}{
				"job_id": id, "kind": int(pq.Kind), "error": err.Error(),
			})
			s.pool.Release(w)
			continue
		}

		delete(st.pending, id)
		st.running[w] = &RunningQuery{
			ID: id, Kind: pq.Kind, Req: pq.Req, Worker: w, WorkerNodeID: w.NodeID(),
			Clients: pq.Clients, TimeScheduled: s.now(),
		}
	}
}

// HandleResultReady processes RESP_RESULT_READY: the running query moves to
// finished, and the worker is told how many clients are waiting on delivery.
func (s *Scheduler) HandleResultReady(w WorkerHandle) {
	s.apply(func(st *schedulerState) {
		rq, ok := st.running[w]
		if !ok {
			return
		}
		delete(st.running, w)
		rq.DeliveryCount = uint32(len(rq.Clients))
		st.finished[w] = rq
		if err := w.SendDeliveryQty(rq.DeliveryCount); err != nil {
			s.logger.Error("failed to send delivery quantity", map[string]interface{}{"error": err.Error()})
		}
	})
}

// HandleDeliveryReady processes RESP_DELIVERY_READY: every attached client
// is told where to fetch its result, and the worker slot is released.
func (s *Scheduler) HandleDeliveryReady(w WorkerHandle, deliveryID uint64) {
	s.apply(func(st *schedulerState) {
		rq, ok := st.finished[w]
		if !ok {
			return
		}
		delete(st.finished, w)

		host, port, _ := s.registry.HostPort(rq.WorkerNodeID)
		resp := wire.DeliveryResponse{Host: host, Port: port, DeliveryID: deliveryID}
		for _, c := range rq.Clients {
			if err := c.sink.SendResponse(resp); err != nil {
				s.logger.Warn("failed to deliver response to client", map[string]interface{}{
					"client_id": c.id, "error": err.Error(),
				})
			}
		}

		_ = w.Release()
		s.pool.Release(w)
	})
}

// HandleNewCacheEntry records a node's announcement of a freshly cached
// entry in the index's mirror, so subsequent queries can find it without
// waiting for the job to finish.
func (s *Scheduler) HandleNewCacheEntry(w WorkerHandle, entry cacheentry.MetaCacheEntry) {
	s.apply(func(st *schedulerState) {
		s.cache.Put(entry.Key.Type, entry.Key.SemanticID, w.NodeID(), entry.Key.EntryID, entry.Entry)
	})
}

// HandleWorkerError fails every client attached to w's running or finished
// query and releases the slot; the worker connection itself is expected to
// be torn down by its caller.
func (s *Scheduler) HandleWorkerError(w WorkerHandle, cause error) {
	s.apply(func(st *schedulerState) {
		s.failWorkerQuery(st, w, cause)
	})
}

// HandleWorkerGone is the worker-socket-faulty recovery path: any job still
// attributed to w is rebuilt as a fresh pending job (so it gets rescheduled
// onto a different worker) instead of simply failing its clients.
func (s *Scheduler) HandleWorkerGone(w WorkerHandle) {
	s.apply(func(st *schedulerState) {
		for _, src := range []map[WorkerHandle]*RunningQuery{st.running, st.finished} {
			rq, ok := src[w]
			if !ok {
				continue
			}
			delete(src, w)
			id := uuid.NewString()
			st.pending[id] = &PendingQuery{
				ID: id, Kind: JobCreate, Req: rq.Req, Clients: rq.Clients, Created: s.now(),
				sumVolume: rq.Req.Query.Cube().Volume(), firstVolume: rq.Req.Query.Cube().Volume(),
			}
		}
	})
}

// HandleNodeFailure is the node-failure recovery path: every entry the
// index mirrors for nodeID is purged, and any job running or finished on
// one of that node's workers is rebuilt as a pending job.
func (s *Scheduler) HandleNodeFailure(nodeID uint32) {
	s.apply(func(st *schedulerState) {
		s.cache.PurgeNode(nodeID)
		for _, src := range []map[WorkerHandle]*RunningQuery{st.running, st.finished} {
			for w, rq := range src {
				if rq.WorkerNodeID != nodeID {
					continue
				}
				delete(src, w)
				id := uuid.NewString()
				st.pending[id] = &PendingQuery{
					ID: id, Kind: JobCreate, Req: rq.Req, Clients: rq.Clients, Created: s.now(),
					sumVolume: rq.Req.Query.Cube().Volume(), firstVolume: rq.Req.Query.Cube().Volume(),
				}
			}
		}
	})
}

// AbortClient is the client-abort recovery path: clientID is detached from
// whatever it's attached to; a pending job left with no clients is dropped
// (a running job is left to finish — other clients, or a future request,
// may still want the result once it lands in the cache).
func (s *Scheduler) AbortClient(clientID string) {
	s.apply(func(st *schedulerState) {
		for id, pq := range st.pending {
			pq.Clients = removeClient(pq.Clients, clientID)
			if len(pq.Clients) == 0 {
				delete(st.pending, id)
			}
		}
		for _, rq := range st.running {
			rq.Clients = removeClient(rq.Clients, clientID)
		}
		for _, rq := range st.finished {
			rq.Clients = removeClient(rq.Clients, clientID)
		}
	})
}

func (s *Scheduler) failWorkerQuery(st *schedulerState, w WorkerHandle, cause error) {
	for _, src := range []map[WorkerHandle]*RunningQuery{st.running, st.finished} {
		rq, ok := src[w]
		if !ok {
			continue
		}
		delete(src, w)
		for _, c := range rq.Clients {
			_ = c.sink.SendError(cause)
		}
	}
	s.pool.Release(w)
}

func removeClient(clients []attachedClient, clientID string) []attachedClient {
	out := clients[:0]
	for _, c := range clients {
		if c.id != clientID {
			out = append(out, c)
		}
	}
	return out
}

func (s *Scheduler) now() time.Time { return time.Now() }
