package renderer

import (
	"github.com/pkg/errors"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
)

// RecordContext is handed to the scene recorder between the clear and the
// transition back to Present.
type RecordContext struct {
	Frame      uint64
	Slot       *FrameSlot
	List       metadata.CommandList
	BackBuffer metadata.Resource
	// Output is the slot ray output buffer, nil without ray tracing.
	Output   metadata.Resource
	Scene    metadata.GPUVirtualAddress
	Pipeline metadata.RaytracingPipeline
	Width    uint32
	Height   uint32
	Tracker  *Tracker
}

type SceneRecorder interface {
	Record(ctx *RecordContext) error
}

// SceneRecorderFunc adapts a function to SceneRecorder.
type SceneRecorderFunc func(ctx *RecordContext) error

func (f SceneRecorderFunc) Record(ctx *RecordContext) error {
	return f(ctx)
}

type FrameDriverOptions struct {
	ClearColor [4]float32
	Recorder   SceneRecorder
	Scene      metadata.GPUVirtualAddress
	Pipeline   metadata.RaytracingPipeline
	Width      uint32
	Height     uint32
}

// FrameResult describes what happened to one frame.
type FrameResult struct {
	Frame        uint64
	SurfaceIndex uint32
	Slot         int
	Submitted    bool
	Presented    bool
	Dropped      bool
	Err          error
}

type FrameStats struct {
	Frames    uint64
	Submitted uint64
	Presented uint64
	Dropped   uint64
	// ResetFailures counts next-slot recycles that failed after a submit.
	// The slot is recycled again when it is next acquired.
	ResetFailures uint64
}

// FrameDriver runs Begin, Record and End for one frame at a time.
type FrameDriver struct {
	dc        *DeviceContext
	swapChain metadata.SwapChain
	ring      *FrameRing
	tracker   *Tracker
	opts      FrameDriverOptions
	surfaces  []metadata.Resource
	stats     FrameStats
}

func NewFrameDriver(dc *DeviceContext, swapChain metadata.SwapChain, ring *FrameRing, tracker *Tracker, opts FrameDriverOptions) (*FrameDriver, error) {
	if int(swapChain.BufferCount()) != ring.Count() {
		return nil, errors.Wrapf(core.ErrInvalidConfig, "swap chain has %d buffers, ring has %d slots", swapChain.BufferCount(), ring.Count())
	}
	fd := &FrameDriver{
		dc:        dc,
		swapChain: swapChain,
		ring:      ring,
		tracker:   tracker,
		opts:      opts,
	}
	for i := uint32(0); i < swapChain.BufferCount(); i++ {
		buf, err := swapChain.Buffer(i)
		if err != nil {
			fd.Release()
			return nil, errors.Wrapf(err, "getting back buffer %d", i)
		}
		tracker.TrackSurface(buf)
		fd.surfaces = append(fd.surfaces, buf)
	}
	return fd, nil
}

func (fd *FrameDriver) SetClearColor(color [4]float32) {
	fd.opts.ClearColor = color
}

func (fd *FrameDriver) Stats() FrameStats {
	return fd.stats
}

// RenderFrame drives one frame. Step failures drop the frame and are
// reported in the result; they never stop the next frame.
func (fd *FrameDriver) RenderFrame() FrameResult {
	fd.stats.Frames++
	res := FrameResult{Frame: fd.stats.Frames}

	// Begin
	idx := fd.swapChain.CurrentBackBufferIndex()
	res.SurfaceIndex = idx
	slot, err := fd.ring.AcquireSlot(idx)
	if err != nil {
		return fd.drop(res, errors.Wrap(err, "acquiring slot"))
	}
	res.Slot = slot.Index
	back := fd.surfaces[idx]

	fd.tracker.Transition(slot.List, back, metadata.ResourceStatePresent, metadata.ResourceStateRenderTarget)
	slot.List.ClearRenderTarget(back, fd.opts.ClearColor)

	// Record
	if fd.opts.Recorder != nil {
		rc := &RecordContext{
			Frame:      res.Frame,
			Slot:       slot,
			List:       slot.List,
			BackBuffer: back,
			Output:     slot.Output,
			Scene:      fd.opts.Scene,
			Pipeline:   fd.opts.Pipeline,
			Width:      fd.opts.Width,
			Height:     fd.opts.Height,
			Tracker:    fd.tracker,
		}
		if err := fd.opts.Recorder.Record(rc); err != nil {
			fd.abandon(slot)
			return fd.drop(res, errors.Wrap(err, "recording scene"))
		}
	}

	// End
	fd.tracker.Transition(slot.List, back, metadata.ResourceStateRenderTarget, metadata.ResourceStatePresent)
	if open := fd.tracker.Open(); len(open) > 0 {
		panic(errors.Wrapf(core.ErrUnpairedTransition, "frame %d ends with %q in %s",
			res.Frame, open[0].Desc().Label, metadata.ResourceStateRenderTarget))
	}
	if err := slot.List.Close(); err != nil {
		fd.tracker.Abandon()
		return fd.drop(res, errors.Wrap(err, "closing list"))
	}
	if err := fd.ring.SubmitAndAdvance(slot); err != nil {
		if slot.Submitted() {
			fd.tracker.Commit()
			res.Submitted = true
			fd.stats.Submitted++
		} else {
			fd.tracker.Abandon()
		}
		return fd.drop(res, errors.Wrap(err, "submitting"))
	}
	fd.tracker.Commit()
	res.Submitted = true
	fd.stats.Submitted++

	// a failed recycle does not drop a submitted frame
	next := fd.ring.Slot((int(idx) + 1) % fd.ring.Count())
	if err := fd.ring.ResetSlot(next); err != nil {
		core.LogError("frame %d: recycling slot %d: %s", res.Frame, next.Index, err)
		fd.stats.ResetFailures++
	}

	if err := fd.swapChain.Present(1); err != nil {
		return fd.drop(res, errors.Wrap(err, "presenting"))
	}
	res.Presented = true
	fd.stats.Presented++
	return res
}

// abandon closes a list left recording so the slot can be recycled, and
// rolls back the transitions it held.
func (fd *FrameDriver) abandon(slot *FrameSlot) {
	fd.tracker.Abandon()
	if err := slot.List.Close(); err != nil {
		core.LogDebug("closing abandoned list of slot %d: %s", slot.Index, err)
	}
}

func (fd *FrameDriver) drop(res FrameResult, err error) FrameResult {
	core.LogError("frame %d dropped: %s", res.Frame, err)
	res.Dropped = true
	res.Err = err
	fd.stats.Dropped++
	return res
}

// Release stops tracking the swap chain buffers.
func (fd *FrameDriver) Release() {
	for _, s := range fd.surfaces {
		fd.tracker.Untrack(s)
	}
	fd.surfaces = nil
}
