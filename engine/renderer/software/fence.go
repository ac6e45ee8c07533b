package software

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/spaghettifunk/anima-rt/engine/core"
)

type fenceWaiter struct {
	value uint64
	ch    chan struct{}
}

// Fence is a counter fence. The queue worker advances it, any goroutine may
// wait on it.
type Fence struct {
	mu       sync.Mutex
	value    uint64
	waiters  []fenceWaiter
	released bool
}

func newFence(initial uint64) *Fence {
	return &Fence{value: initial}
}

func (f *Fence) CompletedValue() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

// signal advances the fence and wakes satisfied waiters. Values lower than
// the current one are ignored and reported with false.
func (f *Fence) signal(value uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if value < f.value {
		return false
	}
	f.value = value
	remaining := f.waiters[:0]
	for _, w := range f.waiters {
		if w.value <= value {
			close(w.ch)
			continue
		}
		remaining = append(remaining, w)
	}
	f.waiters = remaining
	return true
}

func (f *Fence) Wait(ctx context.Context, value uint64) error {
	f.mu.Lock()
	if f.released {
		f.mu.Unlock()
		return errors.Wrap(core.ErrResourceReleased, "waiting on a released fence")
	}
	if f.value >= value {
		f.mu.Unlock()
		return nil
	}
	w := fenceWaiter{value: value, ch: make(chan struct{})}
	f.waiters = append(f.waiters, w)
	f.mu.Unlock()

	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		f.mu.Lock()
		defer f.mu.Unlock()
		for i := range f.waiters {
			if f.waiters[i].ch == w.ch {
				f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
				break
			}
		}
		// the signal may have raced the cancellation
		if f.value >= value {
			return nil
		}
		return errors.Wrapf(core.ErrFenceTimeout, "waiting for %d, completed %d: %s", value, f.value, ctx.Err())
	}
}

func (f *Fence) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = true
}
