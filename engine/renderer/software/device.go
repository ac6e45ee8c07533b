package software

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
)

const (
	asAlignment       = 256
	scratchAlignment  = 256
	instanceAlignment = 16
	vaBase            = 0x10000
)

// Stats are counters the device keeps for instrumentation.
type Stats struct {
	Submissions             uint64
	Signals                 uint64
	PresentCalls            uint64
	Presents                uint64
	PresentFailures         uint64
	AllocatorResets         uint64
	AllocatorResetsInFlight uint64
	Transitions             uint64
	UAVBarriers             uint64
	Clears                  uint64
	ASBuilds                uint64
	RayDispatches           uint64
	StateMismatches         uint64
	Hazards                 uint64
	ValidationErrors        uint64
	LiveResources           int
}

type counters struct {
	submissions             atomic.Uint64
	signals                 atomic.Uint64
	presentCalls            atomic.Uint64
	presents                atomic.Uint64
	presentFailures         atomic.Uint64
	allocatorResets         atomic.Uint64
	allocatorResetsInFlight atomic.Uint64
	transitions             atomic.Uint64
	uavBarriers             atomic.Uint64
	clears                  atomic.Uint64
	asBuilds                atomic.Uint64
	rayDispatches           atomic.Uint64
	stateMismatches         atomic.Uint64
	hazards                 atomic.Uint64
	validationErrors        atomic.Uint64
	closes                  atomic.Uint64
	allocatorResetCalls     atomic.Uint64
	listResetCalls          atomic.Uint64
}

// ExecutedCommand is one entry of the execution log.
type ExecutedCommand struct {
	Kind     string
	Resource string
	Before   metadata.ResourceState
	After    metadata.ResourceState
	// Submission is the queue submission the command belonged to, 0 for
	// presents.
	Submission uint64
}

// Device is the software implementation of metadata.Device. Work is executed
// by the queue's worker goroutine; all GPU-side state is guarded by mu.
type Device struct {
	adapter AdapterConfig
	level   metadata.FeatureLevel
	debug   metadata.DebugOptions
	opts    Options

	ids   *core.Identifier
	stats counters

	mu        sync.Mutex
	resources map[uint32]*resource
	nextVA    uint64
	callback  metadata.MessageCallback
	log       []ExecutedCommand
}

func newDevice(cfg AdapterConfig, level metadata.FeatureLevel, debug metadata.DebugOptions, opts Options) *Device {
	return &Device{
		adapter:   cfg,
		level:     level,
		debug:     debug,
		opts:      opts,
		ids:       core.NewIdentifier(64),
		resources: make(map[uint32]*resource),
		nextVA:    vaBase,
	}
}

func (d *Device) FeatureLevel() metadata.FeatureLevel {
	return d.level
}

func (d *Device) Limits() metadata.DeviceLimits {
	return metadata.DeviceLimits{
		AccelerationStructureAlignment: asAlignment,
		ScratchAlignment:               scratchAlignment,
		InstanceDescAlignment:          instanceAlignment,
	}
}

func (d *Device) SetMessageCallback(cb metadata.MessageCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callback = cb
}

func (d *Device) CreateCommandQueue() (metadata.Queue, error) {
	return newQueue(d)
}

func (d *Device) CreateCommandAllocator() (metadata.CommandAllocator, error) {
	return &CommandAllocator{device: d}, nil
}

func (d *Device) CreateCommandList(alloc metadata.CommandAllocator) (metadata.CommandList, error) {
	a, ok := alloc.(*CommandAllocator)
	if !ok || a.device != d {
		return nil, errors.Wrap(core.ErrInvalidCall, "allocator does not belong to this device")
	}
	return &CommandList{device: d, allocator: a, state: listRecording}, nil
}

func (d *Device) CreateFence(initialValue uint64) (metadata.Fence, error) {
	return newFence(initialValue), nil
}

func (d *Device) CreateResource(desc metadata.ResourceDesc) (metadata.Resource, error) {
	if d.opts.Faults.FailResource != nil && d.opts.Faults.FailResource(desc) {
		return nil, errors.Wrapf(core.ErrOutOfMemory, "creating %q", desc.Label)
	}

	var size uint64
	switch desc.Dimension {
	case metadata.ResourceDimensionBuffer:
		size = desc.Size
	case metadata.ResourceDimensionTexture2D:
		size = uint64(desc.Width) * uint64(desc.Height) * desc.Format.BytesPerElement()
	default:
		return nil, errors.Wrapf(core.ErrInvalidCall, "unknown dimension %d", desc.Dimension)
	}
	if size == 0 {
		if d.opts.Faults.DisallowZeroSize || desc.Dimension == metadata.ResourceDimensionTexture2D {
			return nil, errors.Wrapf(core.ErrZeroSizeResource, "creating %q", desc.Label)
		}
		size = 1
	}
	if desc.Heap == metadata.HeapTypeUpload {
		if desc.InitialState != metadata.ResourceStateGenericRead {
			return nil, errors.Wrapf(core.ErrInvalidCall, "upload heap resource %q must start in %s", desc.Label, metadata.ResourceStateGenericRead)
		}
		if desc.Flags&metadata.ResourceFlagAllowUnorderedAccess != 0 {
			return nil, errors.Wrapf(core.ErrInvalidCall, "upload heap resource %q cannot allow unordered access", desc.Label)
		}
	}
	if desc.InitialState == metadata.ResourceStateAccelerationStructure && desc.Dimension != metadata.ResourceDimensionBuffer {
		return nil, errors.Wrapf(core.ErrInvalidCall, "acceleration structure %q must be a buffer", desc.Label)
	}
	if desc.Label == "" {
		desc.Label = "resource-" + uuid.NewString()
	}

	r := &resource{
		device:   d,
		desc:     desc,
		data:     make([]byte, size),
		gpuState: desc.InitialState,
	}

	d.mu.Lock()
	if desc.Dimension == metadata.ResourceDimensionBuffer {
		r.va = metadata.GPUVirtualAddress(d.nextVA)
		d.nextVA += core.AlignUp[uint64](size, asAlignment)
	}
	r.id = d.ids.AcquireNewID(r)
	d.resources[r.id] = r
	d.mu.Unlock()

	return r, nil
}

func (d *Device) releaseResource(r *resource) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.resources, r.id)
	if err := d.ids.ReleaseID(r.id); err != nil {
		core.LogWarn("software device: %s", err)
	}
}

// lookupVA returns the live buffer containing addr. Caller holds d.mu.
func (d *Device) lookupVA(addr metadata.GPUVirtualAddress) *resource {
	for _, r := range d.resources {
		if r.va == 0 {
			continue
		}
		if addr >= r.va && uint64(addr) < uint64(r.va)+uint64(len(r.data)) {
			return r
		}
	}
	return nil
}

func (d *Device) CreateRaytracingPipeline(desc metadata.RaytracingPipelineDesc) (metadata.RaytracingPipeline, error) {
	if d.adapter.RayTracingTier == metadata.RayTracingTierNotSupported || d.level < metadata.FeatureLevel12_0 {
		return nil, core.ErrRayTracingUnsupported
	}
	names := map[string]bool{}
	for _, n := range []string{desc.RayGen, desc.Miss, desc.ClosestHit, desc.HitGroup} {
		if n == "" {
			return nil, errors.Wrap(core.ErrInvalidCall, "pipeline export names must not be empty")
		}
		if names[n] {
			return nil, errors.Wrapf(core.ErrInvalidCall, "duplicate pipeline export %q", n)
		}
		names[n] = true
	}
	if desc.MaxRecursionDepth == 0 {
		desc.MaxRecursionDepth = 1
	}
	return &pipeline{desc: desc}, nil
}

func (d *Device) GetAccelerationStructurePrebuildInfo(inputs metadata.BuildInputs) (metadata.PrebuildInfo, error) {
	if d.adapter.RayTracingTier == metadata.RayTracingTierNotSupported || d.level < metadata.FeatureLevel12_0 {
		return metadata.PrebuildInfo{}, core.ErrRayTracingUnsupported
	}
	if d.opts.Faults.FailPrebuild {
		return metadata.PrebuildInfo{}, errors.Wrap(core.ErrInvalidCall, "prebuild info query failed")
	}

	var info metadata.PrebuildInfo
	switch inputs.Type {
	case metadata.AccelerationStructureTypeBottomLevel:
		tris := uint64(0)
		for _, g := range inputs.Geometries {
			if g.Triangles.VertexFormat != metadata.FormatR32G32B32Float {
				return info, errors.Wrapf(core.ErrInvalidCall, "unsupported vertex format %d", g.Triangles.VertexFormat)
			}
			tris += uint64(g.Triangles.VertexCount / 3)
		}
		if tris == 0 {
			return info, errors.Wrap(core.ErrInvalidCall, "bottom-level build without triangles")
		}
		info.ResultDataMaxSizeInBytes = core.AlignUp[uint64](blasSize(tris), asAlignment)
		info.ScratchDataSizeInBytes = core.AlignUp[uint64](tris*16, scratchAlignment)
	case metadata.AccelerationStructureTypeTopLevel:
		if inputs.NumDescs == 0 {
			return info, errors.Wrap(core.ErrInvalidCall, "top-level build without instances")
		}
		info.ResultDataMaxSizeInBytes = core.AlignUp[uint64](tlasSize(uint64(inputs.NumDescs)), asAlignment)
		info.ScratchDataSizeInBytes = core.AlignUp[uint64](uint64(inputs.NumDescs)*32, scratchAlignment)
	default:
		return info, errors.Wrapf(core.ErrInvalidCall, "unknown acceleration structure type %d", inputs.Type)
	}
	if inputs.Flags&metadata.BuildFlagAllowUpdate != 0 {
		info.UpdateScratchSizeInBytes = info.ScratchDataSizeInBytes
	}
	if d.opts.Faults.ZeroScratch {
		info.ScratchDataSizeInBytes = 0
	}
	return info, nil
}

// Stats returns a snapshot of the instrumentation counters.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	live := len(d.resources)
	d.mu.Unlock()
	return Stats{
		Submissions:             d.stats.submissions.Load(),
		Signals:                 d.stats.signals.Load(),
		PresentCalls:            d.stats.presentCalls.Load(),
		Presents:                d.stats.presents.Load(),
		PresentFailures:         d.stats.presentFailures.Load(),
		AllocatorResets:         d.stats.allocatorResets.Load(),
		AllocatorResetsInFlight: d.stats.allocatorResetsInFlight.Load(),
		Transitions:             d.stats.transitions.Load(),
		UAVBarriers:             d.stats.uavBarriers.Load(),
		Clears:                  d.stats.clears.Load(),
		ASBuilds:                d.stats.asBuilds.Load(),
		RayDispatches:           d.stats.rayDispatches.Load(),
		StateMismatches:         d.stats.stateMismatches.Load(),
		Hazards:                 d.stats.hazards.Load(),
		ValidationErrors:        d.stats.validationErrors.Load(),
		LiveResources:           live,
	}
}

// ExecutionLog returns the executed commands when Options.RecordExecution is set.
func (d *Device) ExecutionLog() []ExecutedCommand {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]ExecutedCommand(nil), d.log...)
}

// record appends to the execution log. Caller holds d.mu.
func (d *Device) record(c ExecutedCommand) {
	if d.opts.RecordExecution {
		d.log = append(d.log, c)
	}
}

// report forwards a validation message when the matching layer is enabled.
// Caller holds d.mu.
func (d *Device) report(gpuBased bool, id string, format string, args ...interface{}) {
	d.stats.validationErrors.Add(1)
	if !d.debug.EnableValidation || (gpuBased && !d.debug.EnableGPUBasedValidation) {
		return
	}
	if d.callback != nil {
		d.callback(metadata.Message{
			Severity: metadata.MessageSeverityError,
			ID:       id,
			Text:     fmt.Sprintf(format, args...),
		})
	}
}

func (d *Device) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range d.resources {
		core.LogWarn("software device released with live resource %q", r.desc.Label)
	}
}
