package software

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rt/engine/systems"
)

// Queue executes submissions in order on a single worker. The semaphore
// bounds how many submissions may be queued before ExecuteCommandLists blocks.
type Queue struct {
	device   *Device
	jobs     *systems.JobSystem
	inFlight *semaphore.Weighted
	latency  time.Duration

	mu       sync.Mutex
	released bool
}

func newQueue(d *Device) (*Queue, error) {
	jobs, err := systems.NewJobSystem(1, int(d.opts.MaxQueuedSubmissions)*2)
	if err != nil {
		return nil, errors.Wrap(err, "creating queue worker")
	}
	return &Queue{
		device:   d,
		jobs:     jobs,
		inFlight: semaphore.NewWeighted(d.opts.MaxQueuedSubmissions),
		latency:  d.opts.ExecutionLatency,
	}, nil
}

func (q *Queue) ExecuteCommandLists(lists ...metadata.CommandList) error {
	if q.isReleased() {
		return errors.Wrap(core.ErrResourceReleased, "executing on a released queue")
	}

	var cmds []command
	allocs := make([]*CommandAllocator, 0, len(lists))
	for _, l := range lists {
		cl, ok := l.(*CommandList)
		if !ok || cl.device != q.device {
			return errors.Wrap(core.ErrInvalidCall, "command list does not belong to this device")
		}
		if cl.state != listClosed || cl.broken {
			return errors.Wrapf(core.ErrListNotClosed, "executing %s list", cl.state)
		}
		cmds = append(cmds, cl.commands...)
		allocs = append(allocs, cl.allocator)
	}

	if err := q.inFlight.Acquire(context.Background(), 1); err != nil {
		return err
	}
	for _, a := range allocs {
		a.inFlight.Add(1)
	}
	submission := q.device.stats.submissions.Add(1)

	err := q.jobs.Submit(systems.Job{
		Name: fmt.Sprintf("submission-%d", submission),
		Run: func() error {
			if q.latency > 0 {
				time.Sleep(q.latency)
			}
			return q.device.execute(submission, cmds)
		},
		OnCompletion: func() {
			for _, a := range allocs {
				a.inFlight.Add(-1)
			}
			q.inFlight.Release(1)
		},
	})
	if err != nil {
		for _, a := range allocs {
			a.inFlight.Add(-1)
		}
		q.inFlight.Release(1)
		return errors.Wrap(err, "submitting command lists")
	}
	return nil
}

func (q *Queue) Signal(fence metadata.Fence, value uint64) error {
	f, ok := fence.(*Fence)
	if !ok {
		return errors.Wrap(core.ErrInvalidCall, "fence does not belong to the software backend")
	}
	n := q.device.stats.signals.Add(1)
	if faults := q.device.opts.Faults; faults.FailSignal != nil && faults.FailSignal(n) {
		return errors.Wrapf(core.ErrDeviceRemoved, "signal %d to %d failed", n, value)
	}
	if q.isReleased() {
		return errors.Wrap(core.ErrResourceReleased, "signaling on a released queue")
	}
	return q.jobs.Submit(systems.Job{
		Name: fmt.Sprintf("signal-%d", value),
		Run: func() error {
			if !f.signal(value) {
				q.device.mu.Lock()
				q.device.report(false, "FENCE_VALUE_DECREASED", "fence signaled with %d below completed value", value)
				q.device.mu.Unlock()
			}
			return nil
		},
	})
}

// enqueue runs fn on the queue after all previously submitted work.
func (q *Queue) enqueue(name string, fn func()) error {
	if q.isReleased() {
		return errors.Wrap(core.ErrResourceReleased, "enqueueing on a released queue")
	}
	return q.jobs.Submit(systems.Job{
		Name: name,
		Run: func() error {
			fn()
			return nil
		},
	})
}

func (q *Queue) isReleased() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.released
}

// Release drains the queue and stops its worker.
func (q *Queue) Release() {
	q.mu.Lock()
	if q.released {
		q.mu.Unlock()
		return
	}
	q.released = true
	q.mu.Unlock()
	if err := q.jobs.Shutdown(); err != nil {
		core.LogError("software queue shutdown: %s", err)
	}
}
