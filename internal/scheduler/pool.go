package scheduler

import "sync"

// WorkerSlotPool is the default WorkerPool: idle worker handles bucketed by
// their owning node, guarded by a plain mutex. Unlike the scheduler's own
// pending/running/finished maps, the pool is touched by every connection
// acceptor goroutine as workers come and go, so it needs its own lock.
type WorkerSlotPool struct {
	mu   sync.Mutex
	idle map[uint32][]WorkerHandle
	node map[WorkerHandle]uint32 // every known handle's node, idle or busy
}

// NewWorkerSlotPool constructs an empty pool.
func NewWorkerSlotPool() *WorkerSlotPool {
	return &WorkerSlotPool{
		idle: make(map[uint32][]WorkerHandle),
		node: make(map[WorkerHandle]uint32),
	}
}

// Add registers a freshly connected worker slot as idle.
func (p *WorkerSlotPool) Add(w WorkerHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	nodeID := w.NodeID()
	p.node[w] = nodeID
	p.idle[nodeID] = append(p.idle[nodeID], w)
}

// Remove drops a worker slot entirely, e.g. after its connection fails.
func (p *WorkerSlotPool) Remove(w WorkerHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	nodeID, ok := p.node[w]
	if !ok {
		return
	}
	delete(p.node, w)
	p.idle[nodeID] = removeHandle(p.idle[nodeID], w)
}

func (p *WorkerSlotPool) ClaimIdle(preferredNode uint32) (WorkerHandle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	slots := p.idle[preferredNode]
	if len(slots) == 0 {
		return nil, false
	}
	w := slots[len(slots)-1]
	p.idle[preferredNode] = slots[:len(slots)-1]
	return w, true
}

func (p *WorkerSlotPool) ClaimAny() (WorkerHandle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for nodeID, slots := range p.idle {
		if len(slots) == 0 {
			continue
		}
		w := slots[len(slots)-1]
		p.idle[nodeID] = slots[:len(slots)-1]
		return w, true
	}
	return nil, false
}

func (p *WorkerSlotPool) Release(w WorkerHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	nodeID, ok := p.node[w]
	if !ok {
		return
	}
	p.idle[nodeID] = append(p.idle[nodeID], w)
}

func (p *WorkerSlotPool) ActiveNodes() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	nodes := make(map[uint32]struct{}, len(p.idle))
	for _, n := range p.node {
		nodes[n] = struct{}{}
	}
	out := make([]uint32, 0, len(nodes))
	for n := range nodes {
		out = append(out, n)
	}
	return out
}

func removeHandle(slots []WorkerHandle, target WorkerHandle) []WorkerHandle {
	for i, w := range slots {
		if w == target {
			return append(slots[:i], slots[i+1:]...)
		}
	}
	return slots
}
