package renderer

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
)

type FrameRingOptions struct {
	// Count is the number of slots, one per swap chain buffer.
	Count int
	// OutputWidth and OutputHeight size the per-slot ray output buffer. No
	// buffer is created when either is zero.
	OutputWidth  uint32
	OutputHeight uint32
	// WaitTimeout bounds fence waits. Zero waits forever.
	WaitTimeout time.Duration
}

/**
 * @brief One of the N cycling frame contexts. The allocator and list are only
 * touched by the frame that acquired the slot, and only after the fence has
 * reached the slot target.
 */
type FrameSlot struct {
	Index     int
	Allocator metadata.CommandAllocator
	List      metadata.CommandList
	Fence     metadata.Fence
	// Output receives DispatchRays results, owned by the ring.
	Output metadata.Resource

	target uint64
	// dirty is set when the slot is handed out and cleared by ResetSlot.
	dirty bool
	// submitted is set when work went to the queue since the last reset.
	submitted bool
	// unfenced is set when the last signal failed.
	unfenced bool
}

// Target is the last value the slot fence was asked to reach.
func (s *FrameSlot) Target() uint64 {
	return s.target
}

// Submitted reports whether work was queued since the slot was last reset.
func (s *FrameSlot) Submitted() bool {
	return s.submitted
}

type FrameRingStats struct {
	Submissions    uint64
	Signals        uint64
	SignalFailures uint64
	Waits          uint64
	Resets         uint64
	// UnsafeResets counts resets attempted while the fence was below target.
	UnsafeResets uint64
}

type FrameRing struct {
	dc     *DeviceContext
	opts   FrameRingOptions
	slots  []*FrameSlot
	stats  FrameRingStats
	closed bool
}

// NewFrameRing allocates every slot up front. On failure everything created
// so far is released.
func NewFrameRing(dc *DeviceContext, opts FrameRingOptions) (*FrameRing, error) {
	if opts.Count < 2 {
		return nil, errors.Wrapf(core.ErrInvalidConfig, "frame ring needs at least 2 slots, got %d", opts.Count)
	}
	ring := &FrameRing{dc: dc, opts: opts}
	for i := 0; i < opts.Count; i++ {
		slot, err := ring.newSlot(i)
		if err != nil {
			ring.release()
			return nil, errors.Wrapf(err, "creating frame slot %d", i)
		}
		ring.slots = append(ring.slots, slot)
	}
	return ring, nil
}

func (r *FrameRing) newSlot(index int) (*FrameSlot, error) {
	slot := &FrameSlot{Index: index}
	var err error
	if slot.Allocator, err = r.dc.Device.CreateCommandAllocator(); err != nil {
		return nil, err
	}
	if slot.List, err = r.dc.Device.CreateCommandList(slot.Allocator); err != nil {
		slot.Allocator.Release()
		return nil, err
	}
	if slot.Fence, err = r.dc.Device.CreateFence(0); err != nil {
		slot.List.Release()
		slot.Allocator.Release()
		return nil, err
	}
	if r.opts.OutputWidth > 0 && r.opts.OutputHeight > 0 {
		size := uint64(r.opts.OutputWidth) * uint64(r.opts.OutputHeight) * 4
		slot.Output, err = r.dc.Device.CreateResource(metadata.BufferDesc(
			fmt.Sprintf("frame[%d].output", index),
			size,
			metadata.HeapTypeDefault,
			metadata.ResourceFlagAllowUnorderedAccess,
			metadata.ResourceStateUnorderedAccess,
		))
		if err != nil {
			slot.Fence.Release()
			slot.List.Release()
			slot.Allocator.Release()
			return nil, err
		}
	}
	return slot, nil
}

func (r *FrameRing) Count() int {
	return len(r.slots)
}

func (r *FrameRing) Slot(index int) *FrameSlot {
	return r.slots[index]
}

func (r *FrameRing) Stats() FrameRingStats {
	return r.stats
}

// AcquireSlot returns the slot for the surface index, recycling it first when
// it was not reset since it was last handed out.
func (r *FrameRing) AcquireSlot(surfaceIndex uint32) (*FrameSlot, error) {
	if r.closed {
		return nil, core.ErrRingClosed
	}
	if int(surfaceIndex) >= len(r.slots) {
		return nil, errors.Wrapf(core.ErrInvalidCall, "surface index %d out of %d slots", surfaceIndex, len(r.slots))
	}
	slot := r.slots[surfaceIndex]
	if slot.dirty {
		if err := r.ResetSlot(slot); err != nil {
			return nil, err
		}
	}
	slot.dirty = true
	return slot, nil
}

// SubmitAndAdvance executes the closed list of the slot and signals its fence
// to the next target. It never waits for the GPU.
func (r *FrameRing) SubmitAndAdvance(slot *FrameSlot) error {
	if r.closed {
		return core.ErrRingClosed
	}
	if err := r.dc.Queue.ExecuteCommandLists(slot.List); err != nil {
		return errors.Wrapf(err, "executing slot %d", slot.Index)
	}
	slot.submitted = true
	r.stats.Submissions++
	return r.signal(slot)
}

func (r *FrameRing) signal(slot *FrameSlot) error {
	slot.target++
	r.stats.Signals++
	if err := r.dc.Queue.Signal(slot.Fence, slot.target); err != nil {
		slot.target--
		slot.unfenced = true
		r.stats.SignalFailures++
		return errors.Wrapf(err, "signaling slot %d to %d", slot.Index, slot.target+1)
	}
	slot.unfenced = false
	return nil
}

// WaitForSlot blocks until the slot fence reaches the slot target. A fence
// past the target was advanced by someone else and is an error.
func (r *FrameRing) WaitForSlot(slot *FrameSlot) error {
	if slot.unfenced {
		if err := r.signal(slot); err != nil {
			return err
		}
	}
	r.stats.Waits++
	done := slot.Fence.CompletedValue()
	if done > slot.target {
		return errors.Wrapf(core.ErrFenceOutOfRange, "slot %d completed %d, last target %d", slot.Index, done, slot.target)
	}
	if done == slot.target {
		return nil
	}

	ctx := context.Background()
	if r.opts.WaitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.WaitTimeout)
		defer cancel()
	}
	if err := slot.Fence.Wait(ctx, slot.target); err != nil {
		return errors.Wrapf(err, "waiting for slot %d", slot.Index)
	}
	return nil
}

// ResetSlot waits for the slot and then resets its allocator and list.
func (r *FrameRing) ResetSlot(slot *FrameSlot) error {
	if err := r.WaitForSlot(slot); err != nil {
		return err
	}
	if !slot.dirty {
		return nil
	}
	if slot.Fence.CompletedValue() < slot.target {
		r.stats.UnsafeResets++
		return errors.Wrapf(core.ErrAllocatorInFlight, "slot %d below target %d", slot.Index, slot.target)
	}
	if err := slot.Allocator.Reset(); err != nil {
		return errors.Wrapf(err, "resetting allocator of slot %d", slot.Index)
	}
	if err := slot.List.Reset(slot.Allocator); err != nil {
		return errors.Wrapf(err, "resetting list of slot %d", slot.Index)
	}
	r.stats.Resets++
	slot.dirty = false
	slot.submitted = false
	return nil
}

// Shutdown drains every slot before releasing anything. Later calls are no-ops.
func (r *FrameRing) Shutdown() error {
	if r.closed {
		return nil
	}
	r.closed = true

	for _, slot := range r.slots {
		if err := r.WaitForSlot(slot); err != nil {
			core.LogError("frame ring: slot %d did not drain, leaking its resources: %s", slot.Index, err)
			return err
		}
	}
	r.release()
	return nil
}

func (r *FrameRing) release() {
	for _, slot := range r.slots {
		if slot.Output != nil {
			slot.Output.Release()
		}
		slot.List.Release()
		slot.Allocator.Release()
		slot.Fence.Release()
	}
	r.slots = nil
}
