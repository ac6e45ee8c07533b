package software

import (
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
)

// SwapChain is a flip-model chain without a window. Presenting copies the back
// buffer to a front buffer that tests can inspect.
type SwapChain struct {
	queue   *Queue
	desc    metadata.SwapChainDesc
	buffers []*resource
	index   atomic.Uint32

	// guarded by queue.device.mu
	front []byte
}

func newSwapChain(q *Queue, desc metadata.SwapChainDesc) (*SwapChain, error) {
	if desc.Format == metadata.FormatUnknown {
		desc.Format = metadata.FormatR8G8B8A8Unorm
	}
	sc := &SwapChain{queue: q, desc: desc}
	for i := uint32(0); i < desc.BufferCount; i++ {
		res, err := q.device.CreateResource(metadata.ResourceDesc{
			Label:        fmt.Sprintf("backbuffer[%d]", i),
			Dimension:    metadata.ResourceDimensionTexture2D,
			Width:        desc.Width,
			Height:       desc.Height,
			Format:       desc.Format,
			InitialState: metadata.ResourceStatePresent,
		})
		if err != nil {
			sc.Release()
			return nil, errors.Wrapf(err, "creating back buffer %d", i)
		}
		sc.buffers = append(sc.buffers, res.(*resource))
	}
	return sc, nil
}

func (sc *SwapChain) CurrentBackBufferIndex() uint32 {
	return sc.index.Load()
}

func (sc *SwapChain) Buffer(index uint32) (metadata.Resource, error) {
	if index >= uint32(len(sc.buffers)) {
		return nil, errors.Wrapf(core.ErrInvalidCall, "back buffer %d out of %d", index, len(sc.buffers))
	}
	return sc.buffers[index], nil
}

func (sc *SwapChain) BufferCount() uint32 {
	return uint32(len(sc.buffers))
}

// Present queues the current back buffer. The index only advances when the
// present was accepted.
func (sc *SwapChain) Present(syncInterval uint32) error {
	d := sc.queue.device
	n := d.stats.presentCalls.Add(1)
	if d.opts.Faults.FailPresent != nil && d.opts.Faults.FailPresent(n) {
		d.stats.presentFailures.Add(1)
		return errors.Wrapf(core.ErrPresentFailed, "present %d rejected", n)
	}
	if syncInterval > 4 {
		return errors.Wrapf(core.ErrInvalidCall, "sync interval %d", syncInterval)
	}

	idx := sc.index.Load()
	buf := sc.buffers[idx]
	err := sc.queue.enqueue(fmt.Sprintf("present-%d", n), func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if buf.gpuState != metadata.ResourceStatePresent {
			d.stats.stateMismatches.Add(1)
			d.report(false, "PRESENT_INVALID_STATE", "presenting %q in %s", buf.desc.Label, buf.gpuState)
		}
		sc.front = append(sc.front[:0], buf.data...)
		d.stats.presents.Add(1)
		d.record(ExecutedCommand{Kind: "Present", Resource: buf.desc.Label, Before: buf.gpuState, After: buf.gpuState})
	})
	if err != nil {
		d.stats.presentFailures.Add(1)
		return errors.Wrap(core.ErrPresentFailed, err.Error())
	}
	sc.index.Store((idx + 1) % uint32(len(sc.buffers)))
	return nil
}

// FrontBuffer returns a copy of the last presented image.
func (sc *SwapChain) FrontBuffer() []byte {
	d := sc.queue.device
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), sc.front...)
}

func (sc *SwapChain) Release() {
	for _, b := range sc.buffers {
		b.Release()
	}
	sc.buffers = nil
}
