package renderer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
)

func TestTransitionEmitsOneBarrier(t *testing.T) {
	tr := NewTracker()
	list := &fakeList{}
	res := &fakeResource{label: "output"}
	tr.Track(res, metadata.ResourceStateUnorderedAccess)

	tr.Transition(list, res, metadata.ResourceStateUnorderedAccess, metadata.ResourceStateGenericRead)
	require.Len(t, list.barriers, 1)
	b := list.barriers[0]
	assert.Equal(t, metadata.BarrierTypeTransition, b.Type)
	assert.Equal(t, metadata.ResourceStateUnorderedAccess, b.StateBefore)
	assert.Equal(t, metadata.ResourceStateGenericRead, b.StateAfter)

	state, ok := tr.State(res)
	require.True(t, ok)
	assert.Equal(t, metadata.ResourceStateGenericRead, state)
	assert.Equal(t, uint64(1), tr.Stats().Transitions)
}

func TestUnpairedTransitionsPanic(t *testing.T) {
	tr := NewTracker()
	list := &fakeList{}
	surface := &fakeResource{label: "backbuffer[0]"}
	tr.TrackSurface(surface)

	// wrong from state
	requireUnpaired(t, func() {
		tr.Transition(list, surface, metadata.ResourceStateRenderTarget, metadata.ResourceStatePresent)
	})
	// surfaces only alternate between Present and RenderTarget
	requireUnpaired(t, func() {
		tr.Transition(list, surface, metadata.ResourceStatePresent, metadata.ResourceStateUnorderedAccess)
	})
	// untracked
	requireUnpaired(t, func() {
		tr.Transition(list, &fakeResource{label: "stray"}, metadata.ResourceStateCommon, metadata.ResourceStatePresent)
	})

	tr.Transition(list, surface, metadata.ResourceStatePresent, metadata.ResourceStateRenderTarget)
	// double transition
	requireUnpaired(t, func() {
		tr.Transition(list, surface, metadata.ResourceStatePresent, metadata.ResourceStateRenderTarget)
	})
	requireUnpaired(t, func() {
		tr.Transition(list, surface, metadata.ResourceStateRenderTarget, metadata.ResourceStateRenderTarget)
	})
	assert.Len(t, list.barriers, 1)
}

func TestOpenSurfaces(t *testing.T) {
	tr := NewTracker()
	list := &fakeList{}
	a, b := &fakeResource{label: "a"}, &fakeResource{label: "b"}
	tr.TrackSurface(a)
	tr.TrackSurface(b)
	assert.Empty(t, tr.Open())

	tr.Transition(list, b, metadata.ResourceStatePresent, metadata.ResourceStateRenderTarget)
	open := tr.Open()
	require.Len(t, open, 1)
	assert.Same(t, b, open[0])

	tr.Transition(list, b, metadata.ResourceStateRenderTarget, metadata.ResourceStatePresent)
	assert.Empty(t, tr.Open())
}

func TestAbandonRollsBack(t *testing.T) {
	tr := NewTracker()
	list := &fakeList{}
	surface := &fakeResource{label: "surface"}
	tr.TrackSurface(surface)

	tr.Transition(list, surface, metadata.ResourceStatePresent, metadata.ResourceStateRenderTarget)
	tr.Commit()
	tr.Transition(list, surface, metadata.ResourceStateRenderTarget, metadata.ResourceStatePresent)
	tr.Transition(list, surface, metadata.ResourceStatePresent, metadata.ResourceStateRenderTarget)
	tr.Abandon()

	state, _ := tr.State(surface)
	assert.Equal(t, metadata.ResourceStateRenderTarget, state)
	assert.Equal(t, uint64(1), tr.Stats().Abandoned)

	// nothing to roll back
	tr.Abandon()
	assert.Equal(t, uint64(1), tr.Stats().Abandoned)
}

func TestUAVBarrierKeepsState(t *testing.T) {
	tr := NewTracker()
	list := &fakeList{}
	blas := &fakeResource{label: "blas"}
	tr.Track(blas, metadata.ResourceStateAccelerationStructure)

	tr.UAVBarrier(list, blas)
	require.Len(t, list.barriers, 1)
	assert.Equal(t, metadata.BarrierTypeUAV, list.barriers[0].Type)
	state, _ := tr.State(blas)
	assert.Equal(t, metadata.ResourceStateAccelerationStructure, state)

	tr.Untrack(blas)
	_, ok := tr.State(blas)
	assert.False(t, ok)
}
