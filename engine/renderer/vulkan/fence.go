package vulkan

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/spaghettifunk/anima-rt/engine/core"
)

type pendingSignal struct {
	queue *Queue
	sub   *submission
	value uint64
}

// Fence emulates a counter fence on top of binary VkFences: every Signal is
// an empty submission, and the counter takes the value of the newest one
// that finished.
type Fence struct {
	device *Device

	mu        sync.Mutex
	completed uint64
	pending   []pendingSignal
	released  bool
}

// enqueue records a signal. It returns false when value is below an earlier
// signal, which is then ignored.
func (f *Fence) enqueue(q *Queue, s *submission, value uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	last := f.completed
	if n := len(f.pending); n > 0 {
		last = f.pending[n-1].value
	}
	if value < last {
		return false
	}
	f.pending = append(f.pending, pendingSignal{queue: q, sub: s, value: value})
	return true
}

// poll advances the counter past finished signals. The caller holds f.mu,
// which is always taken before a queue lock.
func (f *Fence) poll() {
	n := 0
	for _, p := range f.pending {
		if !p.sub.finished() {
			break
		}
		f.completed = p.value
		n++
	}
	f.pending = f.pending[n:]
}

func (f *Fence) CompletedValue() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.poll()
	return f.completed
}

func (f *Fence) Wait(ctx context.Context, value uint64) error {
	for {
		f.mu.Lock()
		if f.released {
			f.mu.Unlock()
			return errors.Wrap(core.ErrResourceReleased, "waiting on a released fence")
		}
		f.poll()
		if f.completed >= value {
			f.mu.Unlock()
			return nil
		}
		var next *pendingSignal
		for i := range f.pending {
			if f.pending[i].value >= value {
				next = &f.pending[i]
				break
			}
		}
		var target pendingSignal
		if next != nil {
			target = *next
		}
		f.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return errors.Wrapf(core.ErrFenceTimeout, "fence at %d, waiting for %d", f.CompletedValue(), value)
		}
		if next == nil {
			// nothing signaled that far yet, give other goroutines a chance
			select {
			case <-ctx.Done():
			case <-time.After(time.Millisecond):
			}
			continue
		}
		if err := target.queue.waitFor(target.sub); err != nil {
			return err
		}
	}
}

func (f *Fence) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = true
	f.pending = nil
}
