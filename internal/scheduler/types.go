// Package scheduler owns the index's pending_jobs/running_queries/
// finished_queries bookkeeping: it batches incoming client requests against
// in-flight work, consults indexcache.Manager to turn a miss into a job, and
// dispatches jobs to idle workers. Every map here is touched by exactly one
// goroutine (Scheduler.Run), matching spec.md's single-owner invariant — no
// locks guard pending/running/finished.
package scheduler

import (
	"time"

	"github.com/umr-dbs/cachemesh/internal/geom"
	"github.com/umr-dbs/cachemesh/internal/wire"
)

// pixelScaleTolerance matches cachestruct's resolution-coherence tolerance:
// the scheduler applies the same 1% rule when batching PIXELS requests.
const pixelScaleTolerance = 0.01

// JobKind discriminates the three shapes a job to a worker can take.
type JobKind int

const (
	JobDeliver JobKind = iota
	JobPuzzle
	JobCreate
)

// ClientSink is what the scheduler needs from a client-facing connection to
// answer it: *conn.ClientConnection satisfies this without scheduler
// importing conn.
type ClientSink interface {
	SendResponse(resp wire.DeliveryResponse) error
	SendError(cause error) error
}

// WorkerHandle is what the scheduler needs from a worker slot:
// *conn.WorkerConnection satisfies this without scheduler importing conn.
type WorkerHandle interface {
	NodeID() uint32
	SendCreate(req wire.BaseRequest) error
	SendDeliver(req wire.DeliveryRequest) error
	SendPuzzle(req wire.PuzzleRequest) error
	SendDeliveryQty(qty uint32) error
	Release() error
}

// WorkerPool hands out idle worker slots and takes them back.
type WorkerPool interface {
	// ClaimIdle returns an idle worker belonging to preferredNode, if one
	// exists.
	ClaimIdle(preferredNode uint32) (WorkerHandle, bool)
	// ClaimAny returns any idle worker, used when the preferred node has
	// none free.
	ClaimAny() (WorkerHandle, bool)
	// Release returns a worker slot to the idle pool.
	Release(w WorkerHandle)
	// ActiveNodes lists every node currently holding at least one worker
	// slot, for PlacementStrategy.NodeForJob's node-choice set.
	ActiveNodes() []uint32
}

// attachedClient is one client waiting on a pending or running query.
type attachedClient struct {
	id   string
	sink ClientSink
}

// PendingQuery is a job built (from a cache miss/partial) but not yet
// claimed by a worker.
type PendingQuery struct {
	ID            string
	Kind          JobKind
	Req           wire.BaseRequest
	Puzzle        wire.PuzzleRequest   // valid when Kind == JobPuzzle
	Delivery      wire.DeliveryRequest // valid when Kind == JobDeliver
	PreferredNode uint32
	Clients       []attachedClient
	Created       time.Time

	// sumVolume/firstVolume bound JobCreate extension: sumVolume is the
	// running sum of every batched request's own query volume, firstVolume
	// is the volume of the request that opened this job.
	sumVolume   float64
	firstVolume float64
}

// RunningQuery is a job currently being worked by a worker slot.
type RunningQuery struct {
	ID            string
	Kind          JobKind
	Req           wire.BaseRequest
	Worker        WorkerHandle
	WorkerNodeID  uint32
	Clients       []attachedClient
	TimeScheduled time.Time
	DeliveryCount uint32
}

// matches reports whether req can be satisfied by a query already in flight
// for the same type/semantic-id: req's region must lie entirely within the
// in-flight region, resolution kind must agree, and for PIXELS queries the
// pixel scale must match within 1%.
func matches(running wire.BaseRequest, req wire.BaseRequest) bool {
	if running.Type != req.Type || running.SemanticID != req.SemanticID {
		return false
	}
	if running.Query.ResType != req.Query.ResType {
		return false
	}
	if !running.Query.Cube().Contains(req.Query.Cube()) {
		return false
	}
	if req.Query.ResType == geom.ResolutionPixels {
		if !geom.PixelScalesMatch(running.Query.PixelScaleX(), req.Query.PixelScaleX(), pixelScaleTolerance) ||
			!geom.PixelScalesMatch(running.Query.PixelScaleY(), req.Query.PixelScaleY(), pixelScaleTolerance) {
			return false
		}
	}
	return true
}
