package renderer

import (
	"github.com/pkg/errors"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
)

type trackedResource struct {
	state   metadata.ResourceState
	surface bool
}

type journalEntry struct {
	res  metadata.Resource
	prev metadata.ResourceState
}

type TrackerStats struct {
	Transitions uint64
	UAVBarriers uint64
	Abandoned   uint64
}

// Tracker records the declared state of every resource it knows and emits
// whole-resource barriers to move between them. Transitions recorded since
// the last Commit can be rolled back with Abandon.
type Tracker struct {
	resources map[metadata.Resource]*trackedResource
	journal   []journalEntry
	stats     TrackerStats
}

func NewTracker() *Tracker {
	return &Tracker{resources: make(map[metadata.Resource]*trackedResource)}
}

func (t *Tracker) Track(res metadata.Resource, state metadata.ResourceState) {
	t.resources[res] = &trackedResource{state: state}
}

// TrackSurface registers a swap chain buffer. Surfaces may only alternate
// between Present and RenderTarget.
func (t *Tracker) TrackSurface(res metadata.Resource) {
	t.resources[res] = &trackedResource{state: metadata.ResourceStatePresent, surface: true}
}

func (t *Tracker) Untrack(res metadata.Resource) {
	delete(t.resources, res)
}

func (t *Tracker) State(res metadata.Resource) (metadata.ResourceState, bool) {
	tr, ok := t.resources[res]
	if !ok {
		return 0, false
	}
	return tr.state, true
}

func (t *Tracker) Stats() TrackerStats {
	return t.stats
}

func unpaired(format string, args ...interface{}) {
	panic(errors.Wrapf(core.ErrUnpairedTransition, format, args...))
}

/**
 * @brief Records a single barrier moving res from one state to another.
 * Panics with core.ErrUnpairedTransition when from is not the tracked state,
 * or when a surface leaves the Present/RenderTarget pair.
 */
func (t *Tracker) Transition(list metadata.CommandList, res metadata.Resource, from, to metadata.ResourceState) {
	tr, ok := t.resources[res]
	if !ok {
		unpaired("%q is not tracked", res.Desc().Label)
	}
	if tr.state != from {
		unpaired("%q is in %s, not %s", res.Desc().Label, tr.state, from)
	}
	if from == to {
		unpaired("%q transitioned to its own state %s", res.Desc().Label, to)
	}
	if tr.surface {
		forward := from == metadata.ResourceStatePresent && to == metadata.ResourceStateRenderTarget
		back := from == metadata.ResourceStateRenderTarget && to == metadata.ResourceStatePresent
		if !forward && !back {
			unpaired("surface %q cannot move from %s to %s", res.Desc().Label, from, to)
		}
	}

	list.ResourceBarrier(metadata.TransitionBarrier(res, from, to))
	t.journal = append(t.journal, journalEntry{res: res, prev: tr.state})
	tr.state = to
	t.stats.Transitions++
}

// UAVBarrier makes prior unordered-access writes to res, such as an
// acceleration structure build, visible to later reads on the queue.
func (t *Tracker) UAVBarrier(list metadata.CommandList, res metadata.Resource) {
	list.ResourceBarrier(metadata.UAVBarrier(res))
	t.stats.UAVBarriers++
}

// Open returns the surfaces currently left in RenderTarget.
func (t *Tracker) Open() []metadata.Resource {
	var open []metadata.Resource
	for res, tr := range t.resources {
		if tr.surface && tr.state == metadata.ResourceStateRenderTarget {
			open = append(open, res)
		}
	}
	return open
}

// Commit accepts the transitions recorded so far, once they were submitted.
func (t *Tracker) Commit() {
	t.journal = t.journal[:0]
}

// Abandon rolls back the transitions recorded since the last Commit.
func (t *Tracker) Abandon() {
	if len(t.journal) == 0 {
		return
	}
	for i := len(t.journal) - 1; i >= 0; i-- {
		e := t.journal[i]
		if tr, ok := t.resources[e.res]; ok {
			tr.state = e.prev
		}
	}
	t.journal = t.journal[:0]
	t.stats.Abandoned++
}
