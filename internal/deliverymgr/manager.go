// Package deliverymgr hands out one-shot delivery ids for finished job
// results: a worker stashes a serialized result behind a numeric id with a
// fan-out count, and every CMD_GET against that id decrements the count,
// removing the entry once every waiting client has picked it up (or once
// it's gone stale).
package deliverymgr

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/umr-dbs/cachemesh/internal/cacheerrors"
	"github.com/umr-dbs/cachemesh/internal/observability"
	"github.com/umr-dbs/cachemesh/internal/wire"
)

// expiry is how long an unclaimed delivery survives the periodic sweep.
const expiry = 30 * time.Second

// delivery wraps one finished result: its already-serialized bytes, the
// number of CMD_GETs still owed against it, and when it was created.
type delivery struct {
	data      []byte
	remaining uint32
	createdAt time.Time
}

// Manager is the per-worker delivery table: touched by every connection
// acceptor goroutine serving a CMD_GET, so (like scheduler.WorkerSlotPool)
// it guards its state with a plain mutex rather than the scheduler's
// single-goroutine-owner pattern.
type Manager struct {
	mu         sync.Mutex
	deliveries map[uint64]*delivery
	nextID     uint64

	clock   func() time.Time
	logger  observability.Logger
	metrics observability.MetricsClient
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithLogger sets the logger used for sweep diagnostics.
func WithLogger(l observability.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the metrics sink used for delivery counters.
func WithMetrics(mc observability.MetricsClient) Option {
	return func(m *Manager) { m.metrics = mc }
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.clock = now }
}

// New constructs an empty Manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		deliveries: make(map[uint64]*delivery),
		nextID:     1,
		clock:      time.Now,
		logger:     observability.NewNoopLogger(),
		metrics:    observability.NewNoopMetricsClient(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Add registers a finished result as available for count pickups and
// returns the delivery id clients will CMD_GET against.
func (m *Manager) Add(data []byte, count uint32) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.deliveries[id] = &delivery{data: data, remaining: count, createdAt: m.clock()}
	m.metrics.RecordGauge("deliverymgr_pending", float64(len(m.deliveries)), nil)
	return id
}

// FetchDelivery implements conn.DeliveryHandler: it decrements id's
// remaining count and returns its bytes, removing the entry once the
// count reaches zero.
func (m *Manager) FetchDelivery(id uint64) (wire.DeliveryPayload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[id]
	if !ok {
		return wire.DeliveryPayload{}, errors.Wrapf(cacheerrors.ErrNoSuchEntry, "delivery %d", id)
	}
	d.remaining--
	if d.remaining == 0 {
		delete(m.deliveries, id)
	}
	m.metrics.RecordGauge("deliverymgr_pending", float64(len(m.deliveries)), nil)
	return wire.DeliveryPayload{Data: d.data}, nil
}

// Sweep evicts every delivery older than expiry, returning how many were
// removed. Intended to be called periodically (see Run).
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	removed := 0
	for id, d := range m.deliveries {
		if now.Sub(d.createdAt) >= expiry {
			delete(m.deliveries, id)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Info("swept stale deliveries", map[string]interface{}{"count": removed})
		m.metrics.RecordGauge("deliverymgr_pending", float64(len(m.deliveries)), nil)
	}
	return removed
}

// Run sweeps every interval until stop is closed, the worker-side periodic
// task the event loop's short-timeout poll wait is built to make room for.
func (m *Manager) Run(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-stop:
			return
		}
	}
}

// Len reports the current number of pending deliveries, for tests and
// diagnostics.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.deliveries)
}
