package renderer

import (
	"context"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
)

// Geometry is a non-indexed triangle list.
type Geometry struct {
	Vertices []mgl32.Vec3
}

// DefaultTriangle is the static scene.
func DefaultTriangle() Geometry {
	return Geometry{Vertices: []mgl32.Vec3{
		{0, 0.5, 0},
		{0.5, -0.5, 0},
		{-0.5, -0.5, 0},
	}}
}

type ASBuildOptions struct {
	// Flags for the bottom-level build only, PreferFastTrace when zero. The
	// top-level build always uses BuildFlagNone.
	Flags metadata.BuildFlags
	// Timeout bounds the blocking wait for the build. Zero waits forever.
	Timeout time.Duration
}

// buildError is returned for every failed step so callers can match both
// core.ErrAccelerationStructureBuild and the device error underneath.
type buildError struct {
	step string
	err  error
}

func (e *buildError) Error() string {
	return core.ErrAccelerationStructureBuild.Error() + ": " + e.step + ": " + e.err.Error()
}

func (e *buildError) Unwrap() []error {
	return []error{core.ErrAccelerationStructureBuild, e.err}
}

// AccelerationStructures owns the built BLAS and TLAS.
type AccelerationStructures struct {
	BLAS     metadata.Resource
	TLAS     metadata.Resource
	BLASInfo metadata.PrebuildInfo
	TLASInfo metadata.PrebuildInfo

	tracker  *Tracker
	released bool
}

func (as *AccelerationStructures) TLASAddress() metadata.GPUVirtualAddress {
	return as.TLAS.GPUVirtualAddress()
}

// Release frees the TLAS before the BLAS it references.
func (as *AccelerationStructures) Release() {
	if as.released {
		return
	}
	as.released = true
	as.tracker.Untrack(as.TLAS)
	as.TLAS.Release()
	as.tracker.Untrack(as.BLAS)
	as.BLAS.Release()
}

type asBuilder struct {
	dc      *DeviceContext
	tracker *Tracker
	// transient resources, released once the build completed or failed
	transient []metadata.Resource
	// results, released only when the build failed
	results []metadata.Resource
	// leaked is set when the queue could not be drained after a failed wait,
	// nothing may be released then.
	leaked bool
}

func (b *asBuilder) create(desc metadata.ResourceDesc, transient bool) (metadata.Resource, error) {
	res, err := b.dc.Device.CreateResource(desc)
	if err != nil {
		return nil, &buildError{step: "creating " + desc.Label, err: err}
	}
	b.tracker.Track(res, desc.InitialState)
	if transient {
		b.transient = append(b.transient, res)
	} else {
		b.results = append(b.results, res)
	}
	return res, nil
}

func (b *asBuilder) upload(label string, data []byte, alignment uint64) (metadata.Resource, error) {
	size := core.AlignUp[uint64](uint64(len(data)), alignment)
	res, err := b.create(metadata.BufferDesc(label, size, metadata.HeapTypeUpload, metadata.ResourceFlagNone, metadata.ResourceStateGenericRead), true)
	if err != nil {
		return nil, err
	}
	mem, err := res.Map()
	if err != nil {
		return nil, &buildError{step: "mapping " + label, err: err}
	}
	copy(mem, data)
	res.Unmap()
	return res, nil
}

// buffers allocates the scratch and result buffers for a prebuild answer. A
// zero scratch size still gets one aligned block.
func (b *asBuilder) buffers(name string, info metadata.PrebuildInfo) (scratch, result metadata.Resource, err error) {
	limits := b.dc.Device.Limits()
	scratchSize := core.AlignUp(info.ScratchDataSizeInBytes, limits.ScratchAlignment)
	if scratchSize < limits.ScratchAlignment {
		scratchSize = limits.ScratchAlignment
	}
	if scratchSize == 0 {
		scratchSize = 256
	}
	scratch, err = b.create(metadata.BufferDesc(name+".scratch", scratchSize, metadata.HeapTypeDefault,
		metadata.ResourceFlagAllowUnorderedAccess, metadata.ResourceStateUnorderedAccess), true)
	if err != nil {
		return nil, nil, err
	}
	resultSize := core.AlignUp(info.ResultDataMaxSizeInBytes, limits.AccelerationStructureAlignment)
	result, err = b.create(metadata.BufferDesc(name, resultSize, metadata.HeapTypeDefault,
		metadata.ResourceFlagAllowUnorderedAccess, metadata.ResourceStateAccelerationStructure), false)
	if err != nil {
		return nil, nil, err
	}
	return scratch, result, nil
}

func (b *asBuilder) releaseTransient() {
	if b.leaked {
		return
	}
	for i := len(b.transient) - 1; i >= 0; i-- {
		b.tracker.Untrack(b.transient[i])
		b.transient[i].Release()
	}
	b.transient = nil
}

func (b *asBuilder) releaseResults() {
	if b.leaked {
		return
	}
	for i := len(b.results) - 1; i >= 0; i-- {
		b.tracker.Untrack(b.results[i])
		b.results[i].Release()
	}
	b.results = nil
}

/**
 * @brief Builds a BLAS over geom and a TLAS holding one identity instance of
 * it. Both builds share a dedicated list that is submitted and waited on
 * before returning. Every failure is fatal and leaves nothing allocated,
 * unless the build was queued and the queue cannot be drained: the buffers
 * are then leaked since the GPU may still read them.
 */
func BuildAccelerationStructures(dc *DeviceContext, tracker *Tracker, geom Geometry, opts ASBuildOptions) (as *AccelerationStructures, err error) {
	if len(geom.Vertices) < 3 {
		return nil, &buildError{step: "validating geometry", err: core.ErrInvalidCall}
	}
	if opts.Flags == metadata.BuildFlagNone {
		opts.Flags = metadata.BuildFlagPreferFastTrace
	}

	b := &asBuilder{dc: dc, tracker: tracker}
	defer func() {
		b.releaseTransient()
		if err != nil {
			b.releaseResults()
		}
	}()

	vertices, err := b.upload("blas.vertices", metadata.EncodeVertices(geom.Vertices), 4)
	if err != nil {
		return nil, err
	}

	blasInputs := metadata.BuildInputs{
		Type:  metadata.AccelerationStructureTypeBottomLevel,
		Flags: opts.Flags,
		Geometries: []metadata.GeometryDesc{{
			Flags: metadata.GeometryFlagOpaque,
			Triangles: metadata.TrianglesDesc{
				VertexBuffer: vertices.GPUVirtualAddress(),
				VertexStride: 12,
				VertexCount:  uint32(len(geom.Vertices)),
				VertexFormat: metadata.FormatR32G32B32Float,
			},
		}},
	}
	blasInfo, err := dc.Device.GetAccelerationStructurePrebuildInfo(blasInputs)
	if err != nil {
		return nil, &buildError{step: "querying bottom-level prebuild info", err: err}
	}
	blasScratch, blas, err := b.buffers("blas", blasInfo)
	if err != nil {
		return nil, err
	}

	alloc, err := dc.Device.CreateCommandAllocator()
	if err != nil {
		return nil, &buildError{step: "creating build allocator", err: err}
	}
	defer func() {
		if !b.leaked {
			alloc.Release()
		}
	}()
	list, err := dc.Device.CreateCommandList(alloc)
	if err != nil {
		return nil, &buildError{step: "creating build list", err: err}
	}
	defer func() {
		if !b.leaked {
			list.Release()
		}
	}()

	list.BuildRaytracingAccelerationStructure(metadata.BuildDesc{
		Dest:    blas.GPUVirtualAddress(),
		Inputs:  blasInputs,
		Scratch: blasScratch.GPUVirtualAddress(),
	})
	tracker.UAVBarrier(list, blas)

	instance := metadata.InstanceDesc{
		Transform:             metadata.Transform3x4(mgl32.Ident4()),
		InstanceID:            0,
		InstanceMask:          0xFF,
		AccelerationStructure: blas.GPUVirtualAddress(),
	}
	raw := make([]byte, metadata.InstanceDescSize)
	instance.Encode(raw)
	instances, err := b.upload("tlas.instances", raw, dc.Device.Limits().InstanceDescAlignment)
	if err != nil {
		return nil, err
	}

	tlasInputs := metadata.BuildInputs{
		Type:          metadata.AccelerationStructureTypeTopLevel,
		Flags:         metadata.BuildFlagNone,
		NumDescs:      1,
		InstanceDescs: instances.GPUVirtualAddress(),
	}
	tlasInfo, err := dc.Device.GetAccelerationStructurePrebuildInfo(tlasInputs)
	if err != nil {
		return nil, &buildError{step: "querying top-level prebuild info", err: err}
	}
	tlasScratch, tlas, err := b.buffers("tlas", tlasInfo)
	if err != nil {
		return nil, err
	}

	list.BuildRaytracingAccelerationStructure(metadata.BuildDesc{
		Dest:    tlas.GPUVirtualAddress(),
		Inputs:  tlasInputs,
		Scratch: tlasScratch.GPUVirtualAddress(),
	})
	tracker.UAVBarrier(list, tlas)

	if err := list.Close(); err != nil {
		return nil, &buildError{step: "closing build list", err: err}
	}
	if queued, err := submitAndWait(dc, list, opts.Timeout); err != nil {
		if queued {
			// the build may still run, wait for it before anything is freed
			if derr := dc.WaitIdle(0); derr != nil {
				core.LogError("acceleration structure build did not drain, leaking its buffers: %s", derr)
				b.leaked = true
			}
		}
		return nil, &buildError{step: "executing build", err: err}
	}

	core.LogDebug("acceleration structures built: blas %d bytes, tlas %d bytes",
		blasInfo.ResultDataMaxSizeInBytes, tlasInfo.ResultDataMaxSizeInBytes)

	return &AccelerationStructures{
		BLAS:     blas,
		TLAS:     tlas,
		BLASInfo: blasInfo,
		TLASInfo: tlasInfo,
		tracker:  tracker,
	}, nil
}

// submitAndWait executes list and blocks until the queue reports completion.
// queued reports whether the list reached the queue.
func submitAndWait(dc *DeviceContext, list metadata.CommandList, timeout time.Duration) (queued bool, err error) {
	fence, err := dc.Device.CreateFence(0)
	if err != nil {
		return false, err
	}
	defer fence.Release()

	if err := dc.Queue.ExecuteCommandLists(list); err != nil {
		return false, err
	}
	if err := dc.Queue.Signal(fence, 1); err != nil {
		return true, err
	}
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return true, fence.Wait(ctx, 1)
}
