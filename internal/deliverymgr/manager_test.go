package deliverymgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_AddAndFetch_DecrementsThenRemoves(t *testing.T) {
	m := New()
	id := m.Add([]byte("result"), 2)
	assert.Equal(t, 1, m.Len())

	got, err := m.FetchDelivery(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("result"), got.Data)
	assert.Equal(t, 1, m.Len(), "count hasn't reached zero yet")

	_, err = m.FetchDelivery(id)
	require.NoError(t, err)
	assert.Equal(t, 0, m.Len(), "last pickup removes the entry")

	_, err = m.FetchDelivery(id)
	assert.Error(t, err)
}

func TestManager_FetchDelivery_UnknownID(t *testing.T) {
	m := New()
	_, err := m.FetchDelivery(999)
	assert.Error(t, err)
}

func TestManager_Sweep_EvictsStaleDeliveries(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	m := New(WithClock(func() time.Time { return clock() }))

	id := m.Add([]byte("stale"), 5)
	now = now.Add(31 * time.Second)

	removed := m.Sweep()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, m.Len())

	_, err := m.FetchDelivery(id)
	assert.Error(t, err)
}

func TestManager_Sweep_KeepsFreshDeliveries(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	m := New(WithClock(func() time.Time { return clock() }))

	m.Add([]byte("fresh"), 1)
	now = now.Add(5 * time.Second)

	removed := m.Sweep()
	assert.Equal(t, 0, removed)
	assert.Equal(t, 1, m.Len())
}

func TestManager_Run_StopsOnSignal(t *testing.T) {
	m := New()
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		m.Run(stop, time.Millisecond)
		close(done)
	}()
	close(stop)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after stop was closed")
	}
}
