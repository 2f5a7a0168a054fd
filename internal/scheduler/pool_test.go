package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerSlotPool_ClaimPrefersPreferredNode(t *testing.T) {
	p := NewWorkerSlotPool()
	w1 := &fakeWorker{nodeID: 1}
	w2 := &fakeWorker{nodeID: 2}
	p.Add(w1)
	p.Add(w2)

	w, ok := p.ClaimIdle(2)
	require.True(t, ok)
	assert.Same(t, w2, w)

	_, ok = p.ClaimIdle(2)
	assert.False(t, ok, "node 2 has only one slot")
}

func TestWorkerSlotPool_ClaimAnyFallsBackWhenPreferredEmpty(t *testing.T) {
	p := NewWorkerSlotPool()
	w1 := &fakeWorker{nodeID: 1}
	p.Add(w1)

	_, ok := p.ClaimIdle(99)
	assert.False(t, ok)

	w, ok := p.ClaimAny()
	require.True(t, ok)
	assert.Same(t, w1, w)
}

func TestWorkerSlotPool_ReleaseReturnsSlotToIdle(t *testing.T) {
	p := NewWorkerSlotPool()
	w1 := &fakeWorker{nodeID: 1}
	p.Add(w1)

	claimed, ok := p.ClaimIdle(1)
	require.True(t, ok)
	_, ok = p.ClaimIdle(1)
	require.False(t, ok)

	p.Release(claimed)
	_, ok = p.ClaimIdle(1)
	assert.True(t, ok)
}

func TestWorkerSlotPool_RemoveDropsHandleEntirely(t *testing.T) {
	p := NewWorkerSlotPool()
	w1 := &fakeWorker{nodeID: 1}
	p.Add(w1)
	p.Remove(w1)

	assert.Empty(t, p.ActiveNodes())
	_, ok := p.ClaimIdle(1)
	assert.False(t, ok)
}

func TestWorkerSlotPool_ActiveNodes(t *testing.T) {
	p := NewWorkerSlotPool()
	p.Add(&fakeWorker{nodeID: 1})
	p.Add(&fakeWorker{nodeID: 2})
	p.Add(&fakeWorker{nodeID: 1})

	assert.ElementsMatch(t, []uint32{1, 2}, p.ActiveNodes())
}
