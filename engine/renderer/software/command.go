package software

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
)

type CommandAllocator struct {
	device   *Device
	inFlight atomic.Int64
	released bool
}

// Reset fails with core.ErrAllocatorInFlight while a submission recorded from
// the allocator has not finished executing.
func (a *CommandAllocator) Reset() error {
	n := a.device.stats.allocatorResetCalls.Add(1)
	if a.released {
		return errors.Wrap(core.ErrResourceReleased, "resetting a released allocator")
	}
	if faults := a.device.opts.Faults; faults.FailAllocatorReset != nil && faults.FailAllocatorReset(n) {
		return errors.Wrapf(core.ErrOutOfMemory, "resetting allocator (reset %d)", n)
	}
	if n := a.inFlight.Load(); n > 0 {
		a.device.stats.allocatorResetsInFlight.Add(1)
		a.device.mu.Lock()
		a.device.report(false, "COMMAND_ALLOCATOR_RESET_IN_FLIGHT", "allocator reset with %d submissions in flight", n)
		a.device.mu.Unlock()
		return errors.Wrapf(core.ErrAllocatorInFlight, "%d submissions pending", n)
	}
	a.device.stats.allocatorResets.Add(1)
	return nil
}

func (a *CommandAllocator) Release() {
	a.released = true
}

type listState int

const (
	listRecording listState = iota
	listClosed
)

func (s listState) String() string {
	if s == listRecording {
		return "recording"
	}
	return "closed"
}

type commandKind int

const (
	cmdBarrier commandKind = iota
	cmdClear
	cmdBuildAS
	cmdDispatchRays
)

type command struct {
	kind     commandKind
	barriers []metadata.Barrier
	target   *resource
	color    [4]float32
	build    metadata.BuildDesc
	dispatch metadata.DispatchRaysDesc
}

// CommandList records commands for later execution by the queue. Recording
// errors are deferred and returned by Close.
type CommandList struct {
	device    *Device
	allocator *CommandAllocator
	state     listState
	commands  []command
	err       error
	broken    bool
	released  bool
}

func (l *CommandList) Reset(alloc metadata.CommandAllocator) error {
	a, ok := alloc.(*CommandAllocator)
	if !ok || a.device != l.device {
		return errors.Wrap(core.ErrInvalidCall, "allocator does not belong to this device")
	}
	if l.state == listRecording {
		return errors.Wrap(core.ErrInvalidState, "resetting a list that is still recording")
	}
	if a.released {
		return errors.Wrap(core.ErrResourceReleased, "resetting onto a released allocator")
	}
	n := l.device.stats.listResetCalls.Add(1)
	if faults := l.device.opts.Faults; faults.FailListReset != nil && faults.FailListReset(n) {
		return errors.Wrapf(core.ErrOutOfMemory, "resetting list (reset %d)", n)
	}
	l.allocator = a
	l.state = listRecording
	l.commands = nil
	l.err = nil
	l.broken = false
	return nil
}

func (l *CommandList) Close() error {
	n := l.device.stats.closes.Add(1)
	if l.state != listRecording {
		return core.ErrListNotRecording
	}
	l.state = listClosed
	if faults := l.device.opts.Faults; faults.FailClose != nil && faults.FailClose(n) {
		l.broken = true
		return errors.Wrapf(core.ErrInvalidCall, "closing list (close %d)", n)
	}
	if l.err != nil {
		l.broken = true
		return l.err
	}
	return nil
}

func (l *CommandList) fail(err error) {
	if l.err == nil {
		l.err = err
	}
}

func (l *CommandList) recording() bool {
	if l.state != listRecording {
		l.fail(core.ErrListNotRecording)
		return false
	}
	return true
}

func (l *CommandList) ResourceBarrier(barriers ...metadata.Barrier) {
	if !l.recording() {
		return
	}
	for _, b := range barriers {
		if _, ok := b.Resource.(*resource); !ok {
			l.fail(errors.Wrap(core.ErrInvalidCall, "barrier on a foreign resource"))
			return
		}
		if b.Type == metadata.BarrierTypeTransition && b.StateBefore == b.StateAfter {
			l.fail(errors.Wrapf(core.ErrInvalidCall, "transition of %q to its own state %s", b.Resource.Desc().Label, b.StateAfter))
			return
		}
	}
	l.commands = append(l.commands, command{
		kind:     cmdBarrier,
		barriers: append([]metadata.Barrier(nil), barriers...),
	})
}

func (l *CommandList) ClearRenderTarget(target metadata.Resource, color [4]float32) {
	if !l.recording() {
		return
	}
	r, ok := target.(*resource)
	if !ok || r.desc.Dimension != metadata.ResourceDimensionTexture2D {
		l.fail(errors.Wrap(core.ErrInvalidCall, "clear target must be a software texture"))
		return
	}
	l.commands = append(l.commands, command{kind: cmdClear, target: r, color: color})
}

func (l *CommandList) BuildRaytracingAccelerationStructure(desc metadata.BuildDesc) {
	if !l.recording() {
		return
	}
	if desc.Dest == 0 || desc.Scratch == 0 {
		l.fail(errors.Wrap(core.ErrInvalidCall, "acceleration structure build needs destination and scratch addresses"))
		return
	}
	if desc.Dest%asAlignment != 0 || desc.Scratch%scratchAlignment != 0 {
		l.fail(errors.Wrap(core.ErrInvalidCall, "misaligned acceleration structure build addresses"))
		return
	}
	desc.Inputs.Geometries = append([]metadata.GeometryDesc(nil), desc.Inputs.Geometries...)
	l.commands = append(l.commands, command{kind: cmdBuildAS, build: desc})
}

func (l *CommandList) DispatchRays(desc metadata.DispatchRaysDesc) {
	if !l.recording() {
		return
	}
	if desc.Pipeline == nil {
		l.fail(errors.Wrap(core.ErrInvalidCall, "dispatch without a pipeline"))
		return
	}
	if _, ok := desc.Output.(*resource); !ok {
		l.fail(errors.Wrap(core.ErrInvalidCall, "dispatch output must be a software resource"))
		return
	}
	if desc.Width == 0 || desc.Height == 0 {
		l.fail(errors.Wrap(core.ErrInvalidCall, "empty dispatch"))
		return
	}
	l.commands = append(l.commands, command{kind: cmdDispatchRays, dispatch: desc})
}

func (l *CommandList) Release() {
	l.released = true
	l.commands = nil
}
