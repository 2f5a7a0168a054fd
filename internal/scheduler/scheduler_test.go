package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umr-dbs/cachemesh/internal/cacheentry"
	"github.com/umr-dbs/cachemesh/internal/geom"
	"github.com/umr-dbs/cachemesh/internal/indexcache"
	"github.com/umr-dbs/cachemesh/internal/observability"
	"github.com/umr-dbs/cachemesh/internal/wire"
)

type fakeWorker struct {
	nodeID uint32

	mu       sync.Mutex
	creates  []wire.BaseRequest
	delivers []wire.DeliveryRequest
	puzzles  []wire.PuzzleRequest
	qty      []uint32
	released int
}

func (w *fakeWorker) NodeID() uint32 { return w.nodeID }
func (w *fakeWorker) SendCreate(req wire.BaseRequest) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.creates = append(w.creates, req)
	return nil
}
func (w *fakeWorker) SendDeliver(req wire.DeliveryRequest) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.delivers = append(w.delivers, req)
	return nil
}
func (w *fakeWorker) SendPuzzle(req wire.PuzzleRequest) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.puzzles = append(w.puzzles, req)
	return nil
}
func (w *fakeWorker) SendDeliveryQty(qty uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.qty = append(w.qty, qty)
	return nil
}
func (w *fakeWorker) Release() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.released++
	return nil
}

type fakeSink struct {
	mu        sync.Mutex
	responses []wire.DeliveryResponse
	errors    []error
}

func (s *fakeSink) SendResponse(resp wire.DeliveryResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, resp)
	return nil
}
func (s *fakeSink) SendError(cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, cause)
	return nil
}

type fakeRegistry map[uint32]struct {
	host string
	port uint16
}

func (r fakeRegistry) HostPort(nodeID uint32) (string, uint16, bool) {
	e, ok := r[nodeID]
	return e.host, e.port, ok
}

func pixelsReq(semanticID string, x1, y1, x2, y2 float64) wire.BaseRequest {
	return wire.BaseRequest{
		Type:       cacheentry.CacheTypeRaster,
		SemanticID: semanticID,
		Query: geom.QueryRectangle{
			EPSG: geom.EPSGWebMercator, X1: x1, Y1: y1, X2: x2, Y2: y2,
			TimeType: geom.TimeTypeUnix, T1: 0, T2: 1,
			ResType: geom.ResolutionPixels, XRes: 10, YRes: 10,
		},
	}
}

func runScheduler(t *testing.T, s *Scheduler) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	return cancel
}

func TestScheduler_FullHitRoundTrip(t *testing.T) {
	cache := indexcache.NewManager(nil)
	req := pixelsReq("s", 0, 0, 10, 10)
	entry := cacheentry.CacheEntry{
		Bounds: cacheentry.CacheCube{
			QueryCube: geom.NewQueryCube(req.Query.Cube(), geom.EPSGWebMercator, geom.TimeTypeUnix),
			Resolution: cacheentry.ResolutionInfo{
				ResType:        geom.ResolutionPixels,
				PixelScaleXRng: geom.Interval{A: 0, B: 100},
				PixelScaleYRng: geom.Interval{A: 0, B: 100},
			},
		},
		SizeBytes:   100,
		LastAccess:  time.Unix(1_700_000_000, 0),
		AccessCount: 1,
	}
	cache.Put(cacheentry.CacheTypeRaster, "s", 7, 42, entry)

	pool := NewWorkerSlotPool()
	worker := &fakeWorker{nodeID: 7}
	pool.Add(worker)

	registry := fakeRegistry{7: {host: "node7", port: 9000}}
	sched := New(cache, pool, registry, nil, observability.NewNoopLogger())
	defer runScheduler(t, sched)()

	sink := &fakeSink{}
	sched.AddRequest("client-1", sink, req)
	sched.Sync()

	require.Len(t, worker.delivers, 1)
	assert.Equal(t, uint64(42), worker.delivers[0].EntryID)

	sched.HandleResultReady(worker)
	sched.Sync()
	require.Len(t, worker.qty, 1)
	assert.Equal(t, uint32(1), worker.qty[0])

	sched.HandleDeliveryReady(worker, 555)
	sched.Sync()

	require.Len(t, sink.responses, 1)
	assert.Equal(t, "node7", sink.responses[0].Host)
	assert.Equal(t, uint16(9000), sink.responses[0].Port)
	assert.Equal(t, uint64(555), sink.responses[0].DeliveryID)
	assert.Equal(t, 1, worker.released)

	w, ok := pool.ClaimIdle(7)
	assert.True(t, ok)
	assert.Same(t, worker, w)
}

func TestScheduler_NodeFailureRebuildsRunningJobAsPending(t *testing.T) {
	cache := indexcache.NewManager(nil)
	req := pixelsReq("missing", 0, 0, 10, 10) // nothing cached: miss -> CreateJob

	pool := NewWorkerSlotPool()
	worker := &fakeWorker{nodeID: 3}
	pool.Add(worker)

	sched := New(cache, pool, fakeRegistry{}, nil, observability.NewNoopLogger())
	defer runScheduler(t, sched)()

	sink := &fakeSink{}
	sched.AddRequest("client-1", sink, req)
	sched.Sync()
	require.Len(t, worker.creates, 1)

	sched.HandleNodeFailure(3)
	sched.Sync()

	w2, ok := pool.ClaimIdle(3)
	require.False(t, ok, "the failed node's slot was never released back to idle")
	_ = w2
}

func TestAddCreateJob_BatchesWithinGrowthBound(t *testing.T) {
	s := &Scheduler{}
	st := &schedulerState{pending: make(map[string]*PendingQuery)}

	req1 := pixelsReq("s", 0, 0, 10, 10)
	req2 := pixelsReq("s", 10, 0, 11, 10) // one-unit strip right next to req1
	req2.Query.XRes = 1                   // same pixel scale as req1

	s.addCreateJob(st, req1, attachedClient{id: "c1"})
	s.addCreateJob(st, req2, attachedClient{id: "c2"})

	require.Len(t, st.pending, 1)
	for _, pq := range st.pending {
		assert.Len(t, pq.Clients, 2)
		assert.GreaterOrEqual(t, pq.Req.Query.X2, 11.0)
	}
}

func TestAddCreateJob_OpensNewJobWhenGrowthExceedsBound(t *testing.T) {
	s := &Scheduler{}
	st := &schedulerState{pending: make(map[string]*PendingQuery)}

	req1 := pixelsReq("s", 0, 0, 10, 10)
	req2 := pixelsReq("s", 1000, 1000, 1010, 1010) // far away: union volume explodes

	s.addCreateJob(st, req1, attachedClient{id: "c1"})
	s.addCreateJob(st, req2, attachedClient{id: "c2"})

	assert.Len(t, st.pending, 2)
}

func TestMatches_ContainmentAndResolutionType(t *testing.T) {
	running := pixelsReq("s", 0, 0, 100, 100)
	inner := pixelsReq("s", 10, 10, 20, 20)
	inner.Query.XRes, inner.Query.YRes = 1, 1 // same pixel scale as running
	outside := pixelsReq("s", 200, 200, 210, 210)
	differentType := inner
	differentType.Type = cacheentry.CacheTypePoints

	assert.True(t, matches(running, inner))
	assert.False(t, matches(running, outside))
	assert.False(t, matches(running, differentType))
}
