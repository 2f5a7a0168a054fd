// Package conn implements the four typed connection state machines:
// client<->index, index<->worker, index<->node-control, and
// worker<->worker delivery. Each wraps a net.Conn and the length-framed
// wire protocol with a small explicit state machine that rejects an
// operation attempted from the wrong state.
//
// Unlike the source system's single-threaded poll loop driving every
// connection's non-blocking read_nb/write_nb, each connection here owns a
// dedicated goroutine performing blocking reads; the state field is still
// kept (transitions are meaningful for the protocol, not just for
// scheduling) but it no longer also stands in for "is this fd readable
// right now" — that's the Go runtime's job.
package conn

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/umr-dbs/cachemesh/internal/cacheerrors"
)

// fsm is an embeddable finite state holder: a mutex-guarded current state
// plus a transition check every Send/Recv goes through.
type fsm[S comparable] struct {
	mu    sync.Mutex
	state S
}

func newFSM[S comparable](initial S) fsm[S] {
	return fsm[S]{state: initial}
}

// current returns the state under lock.
func (f *fsm[S]) current() S {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// requireAndSet checks the connection is in one of `from`, then atomically
// moves it to `to`. Returns ErrProtocolState if the precondition fails.
func (f *fsm[S]) requireAndSet(to S, from ...S) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range from {
		if f.state == s {
			f.state = to
			return nil
		}
	}
	return errors.Wrapf(cacheerrors.ErrProtocolState, "invalid transition from %v to %v", f.state, to)
}

// set unconditionally moves the connection to a new state, used for
// transitions that aren't gated on a precondition (e.g. resetting to Idle
// after a response is flushed).
func (f *fsm[S]) set(to S) {
	f.mu.Lock()
	f.state = to
	f.mu.Unlock()
}
