package software

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
)

func newTestDevice(t *testing.T, opts Options) (*Factory, *Device, *Queue) {
	t.Helper()
	f := NewFactory(opts)
	adapters, err := f.EnumerateAdaptersByPreference(metadata.GPUPreferenceHighPerformance)
	require.NoError(t, err)
	dev, err := f.CreateDevice(adapters[0], metadata.FeatureLevel12_1)
	require.NoError(t, err)
	q, err := dev.CreateCommandQueue()
	require.NoError(t, err)
	t.Cleanup(q.Release)
	return f, dev.(*Device), q.(*Queue)
}

func flush(t *testing.T, q *Queue, d *Device) {
	t.Helper()
	fence, err := d.CreateFence(0)
	require.NoError(t, err)
	require.NoError(t, q.Signal(fence, 1))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, fence.Wait(ctx, 1))
}

func TestPreferenceOrdersDiscreteFirst(t *testing.T) {
	f := NewFactory(Options{})

	adapters, err := f.EnumerateAdaptersByPreference(metadata.GPUPreferenceHighPerformance)
	require.NoError(t, err)
	require.Len(t, adapters, 2)
	assert.Equal(t, metadata.AdapterTypeDiscrete, adapters[0].Desc().Type)

	adapters, err = f.EnumerateAdaptersByPreference(metadata.GPUPreferenceMinimumPower)
	require.NoError(t, err)
	assert.Equal(t, metadata.AdapterTypeIntegrated, adapters[0].Desc().Type)
}

func TestFeatureSupport(t *testing.T) {
	f := NewFactory(Options{})
	adapters, err := f.EnumerateAdapters()
	require.NoError(t, err)
	integrated := adapters[0]

	assert.False(t, integrated.CheckFeatureSupport(metadata.FeatureLevel12_1).Supported)
	sup := integrated.CheckFeatureSupport(metadata.FeatureLevel12_0)
	assert.True(t, sup.Supported)
	assert.Equal(t, metadata.RayTracingTierNotSupported, sup.RayTracingTier)

	_, err = f.CreateDevice(integrated, metadata.FeatureLevel12_1)
	assert.ErrorIs(t, err, core.ErrFeatureLevelUnsupported)
}

func TestFactoryFaults(t *testing.T) {
	f := NewFactory(Options{PreferenceUnsupported: true, ValidationUnavailable: true})
	_, err := f.EnumerateAdaptersByPreference(metadata.GPUPreferenceHighPerformance)
	assert.ErrorIs(t, err, core.ErrPreferenceUnsupported)
	assert.ErrorIs(t, f.EnableDebugLayer(metadata.DebugOptions{EnableValidation: true}), core.ErrValidationUnavailable)
}

func TestFenceWait(t *testing.T) {
	_, d, q := newTestDevice(t, Options{ExecutionLatency: 20 * time.Millisecond})
	fence, err := d.CreateFence(0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, fence.Wait(ctx, 1), core.ErrFenceTimeout)

	alloc, _ := d.CreateCommandAllocator()
	list, _ := d.CreateCommandList(alloc)
	require.NoError(t, list.Close())
	require.NoError(t, q.ExecuteCommandLists(list))
	require.NoError(t, q.Signal(fence, 1))
	assert.Equal(t, uint64(0), fence.CompletedValue())

	require.NoError(t, fence.Wait(context.Background(), 1))
	assert.Equal(t, uint64(1), fence.CompletedValue())
	// already reached
	require.NoError(t, fence.Wait(context.Background(), 1))
}

func TestAllocatorResetWhileInFlight(t *testing.T) {
	_, d, q := newTestDevice(t, Options{ExecutionLatency: 50 * time.Millisecond})
	alloc, err := d.CreateCommandAllocator()
	require.NoError(t, err)
	list, err := d.CreateCommandList(alloc)
	require.NoError(t, err)
	require.NoError(t, list.Close())
	require.NoError(t, q.ExecuteCommandLists(list))

	assert.ErrorIs(t, alloc.Reset(), core.ErrAllocatorInFlight)
	assert.Equal(t, uint64(1), d.Stats().AllocatorResetsInFlight)

	flush(t, q, d)
	require.NoError(t, alloc.Reset())
	require.NoError(t, list.Reset(alloc))
}

func TestCommandListStates(t *testing.T) {
	_, d, q := newTestDevice(t, Options{})
	alloc, _ := d.CreateCommandAllocator()
	list, _ := d.CreateCommandList(alloc)

	assert.ErrorIs(t, list.Reset(alloc), core.ErrInvalidState)
	require.NoError(t, list.Close())
	assert.ErrorIs(t, list.Close(), core.ErrListNotRecording)

	require.NoError(t, list.Reset(alloc))
	assert.ErrorIs(t, q.ExecuteCommandLists(list), core.ErrListNotClosed)

	// recording into a closed list is reported by the next Close
	require.NoError(t, list.Close())
	list.ClearRenderTarget(nil, [4]float32{})
	require.NoError(t, list.Reset(alloc))
	list.ClearRenderTarget(nil, [4]float32{})
	assert.ErrorIs(t, list.Close(), core.ErrInvalidCall)
	assert.ErrorIs(t, q.ExecuteCommandLists(list), core.ErrListNotClosed)
}

func TestBarrierStateMismatchIsReported(t *testing.T) {
	f := NewFactory(Options{})
	require.NoError(t, f.EnableDebugLayer(metadata.DebugOptions{EnableValidation: true}))
	adapters, _ := f.EnumerateAdaptersByPreference(metadata.GPUPreferenceHighPerformance)
	dev, err := f.CreateDevice(adapters[0], metadata.FeatureLevel12_1)
	require.NoError(t, err)
	d := dev.(*Device)
	qi, _ := d.CreateCommandQueue()
	q := qi.(*Queue)
	defer q.Release()

	var messages []metadata.Message
	d.SetMessageCallback(func(m metadata.Message) { messages = append(messages, m) })

	tex, err := d.CreateResource(metadata.ResourceDesc{
		Label: "rt", Dimension: metadata.ResourceDimensionTexture2D,
		Width: 2, Height: 2, Format: metadata.FormatR8G8B8A8Unorm,
		InitialState: metadata.ResourceStatePresent,
	})
	require.NoError(t, err)

	alloc, _ := d.CreateCommandAllocator()
	list, _ := d.CreateCommandList(alloc)
	list.ResourceBarrier(metadata.TransitionBarrier(tex, metadata.ResourceStateCommon, metadata.ResourceStateRenderTarget))
	require.NoError(t, list.Close())
	require.NoError(t, q.ExecuteCommandLists(list))
	flush(t, q, d)

	assert.Equal(t, uint64(1), d.Stats().StateMismatches)
	require.Len(t, messages, 1)
	assert.Equal(t, "RESOURCE_BARRIER_BEFORE_AFTER_MISMATCH", messages[0].ID)
	assert.Equal(t, metadata.ResourceStateRenderTarget, d.ResourceState(tex))
}

func TestClearAndPresent(t *testing.T) {
	f, d, q := newTestDevice(t, Options{RecordExecution: true})
	sci, err := f.CreateSwapChain(q, metadata.WindowHandle{Width: 4, Height: 2}, metadata.SwapChainDesc{BufferCount: 2})
	require.NoError(t, err)
	sc := sci.(*SwapChain)
	defer sc.Release()

	back, err := sc.Buffer(sc.CurrentBackBufferIndex())
	require.NoError(t, err)

	alloc, _ := d.CreateCommandAllocator()
	list, _ := d.CreateCommandList(alloc)
	list.ResourceBarrier(metadata.TransitionBarrier(back, metadata.ResourceStatePresent, metadata.ResourceStateRenderTarget))
	list.ClearRenderTarget(back, [4]float32{1, 0, 0, 1})
	list.ResourceBarrier(metadata.TransitionBarrier(back, metadata.ResourceStateRenderTarget, metadata.ResourceStatePresent))
	require.NoError(t, list.Close())
	require.NoError(t, q.ExecuteCommandLists(list))
	require.NoError(t, sc.Present(1))
	assert.Equal(t, uint32(1), sc.CurrentBackBufferIndex())
	flush(t, q, d)

	front := sc.FrontBuffer()
	require.Len(t, front, 4*2*4)
	assert.Equal(t, []byte{255, 0, 0, 255}, front[:4])

	kinds := []string{}
	for _, c := range d.ExecutionLog() {
		kinds = append(kinds, c.Kind)
	}
	assert.Equal(t, []string{"Transition", "Clear", "Transition", "Present"}, kinds)
	assert.Zero(t, d.Stats().StateMismatches)
}

func TestFailedPresentKeepsIndex(t *testing.T) {
	f, _, q := newTestDevice(t, Options{Faults: Faults{FailPresent: func(n uint64) bool { return n == 2 }}})
	sc, err := f.CreateSwapChain(q, metadata.WindowHandle{Width: 2, Height: 2}, metadata.SwapChainDesc{BufferCount: 2})
	require.NoError(t, err)
	defer sc.Release()

	require.NoError(t, sc.Present(1))
	assert.Equal(t, uint32(1), sc.CurrentBackBufferIndex())
	assert.ErrorIs(t, sc.Present(1), core.ErrPresentFailed)
	assert.Equal(t, uint32(1), sc.CurrentBackBufferIndex())
	require.NoError(t, sc.Present(1))
	assert.Equal(t, uint32(0), sc.CurrentBackBufferIndex())
}

func TestResourceCreation(t *testing.T) {
	_, d, _ := newTestDevice(t, Options{Faults: Faults{DisallowZeroSize: true}})

	a, err := d.CreateResource(metadata.BufferDesc("a", 10, metadata.HeapTypeUpload, metadata.ResourceFlagNone, metadata.ResourceStateGenericRead))
	require.NoError(t, err)
	b, err := d.CreateResource(metadata.BufferDesc("b", 10, metadata.HeapTypeDefault, metadata.ResourceFlagAllowUnorderedAccess, metadata.ResourceStateUnorderedAccess))
	require.NoError(t, err)
	assert.Zero(t, a.GPUVirtualAddress()%asAlignment)
	assert.Zero(t, b.GPUVirtualAddress()%asAlignment)
	assert.NotEqual(t, a.GPUVirtualAddress(), b.GPUVirtualAddress())

	_, err = b.Map()
	assert.ErrorIs(t, err, core.ErrInvalidCall)
	mem, err := a.Map()
	require.NoError(t, err)
	assert.Len(t, mem, 10)

	_, err = d.CreateResource(metadata.BufferDesc("zero", 0, metadata.HeapTypeDefault, metadata.ResourceFlagNone, metadata.ResourceStateCommon))
	assert.ErrorIs(t, err, core.ErrZeroSizeResource)
	_, err = d.CreateResource(metadata.BufferDesc("bad", 8, metadata.HeapTypeUpload, metadata.ResourceFlagNone, metadata.ResourceStateCommon))
	assert.ErrorIs(t, err, core.ErrInvalidCall)

	assert.Equal(t, 2, d.Stats().LiveResources)
	a.Release()
	a.Release()
	b.Release()
	assert.Equal(t, 0, d.Stats().LiveResources)
}

func TestPrebuildInfo(t *testing.T) {
	_, d, _ := newTestDevice(t, Options{})
	info, err := d.GetAccelerationStructurePrebuildInfo(metadata.BuildInputs{
		Type: metadata.AccelerationStructureTypeBottomLevel,
		Geometries: []metadata.GeometryDesc{{
			Triangles: metadata.TrianglesDesc{VertexBuffer: 0x10000, VertexStride: 12, VertexCount: 3, VertexFormat: metadata.FormatR32G32B32Float},
		}},
	})
	require.NoError(t, err)
	assert.Zero(t, info.ResultDataMaxSizeInBytes%asAlignment)
	assert.GreaterOrEqual(t, info.ResultDataMaxSizeInBytes, blasSize(1))
	assert.NotZero(t, info.ScratchDataSizeInBytes)

	_, err = d.GetAccelerationStructurePrebuildInfo(metadata.BuildInputs{Type: metadata.AccelerationStructureTypeTopLevel})
	assert.ErrorIs(t, err, core.ErrInvalidCall)

	_, zd, _ := newTestDevice(t, Options{Faults: Faults{ZeroScratch: true}})
	info, err = zd.GetAccelerationStructurePrebuildInfo(metadata.BuildInputs{Type: metadata.AccelerationStructureTypeTopLevel, NumDescs: 1})
	require.NoError(t, err)
	assert.Zero(t, info.ScratchDataSizeInBytes)
}

// buildScene builds one triangle covering the lower left half of the view
// and returns the TLAS together with the number of hazards observed.
func buildScene(t *testing.T, d *Device, q *Queue, withBarriers bool) metadata.Resource {
	t.Helper()
	verts := metadata.EncodeVertices([]mgl32.Vec3{{-1, -1, 0}, {1, -1, 0}, {-1, 1, 0}})
	vb, err := d.CreateResource(metadata.BufferDesc("vertices", uint64(len(verts)), metadata.HeapTypeUpload, metadata.ResourceFlagNone, metadata.ResourceStateGenericRead))
	require.NoError(t, err)
	mem, _ := vb.Map()
	copy(mem, verts)

	geom := []metadata.GeometryDesc{{
		Flags:     metadata.GeometryFlagOpaque,
		Triangles: metadata.TrianglesDesc{VertexBuffer: vb.GPUVirtualAddress(), VertexStride: 12, VertexCount: 3, VertexFormat: metadata.FormatR32G32B32Float},
	}}
	bInputs := metadata.BuildInputs{Type: metadata.AccelerationStructureTypeBottomLevel, Geometries: geom}
	bInfo, err := d.GetAccelerationStructurePrebuildInfo(bInputs)
	require.NoError(t, err)
	tInputs := metadata.BuildInputs{Type: metadata.AccelerationStructureTypeTopLevel, NumDescs: 1}
	tInfo, err := d.GetAccelerationStructurePrebuildInfo(tInputs)
	require.NoError(t, err)

	mk := func(label string, size uint64, state metadata.ResourceState) metadata.Resource {
		r, err := d.CreateResource(metadata.BufferDesc(label, size, metadata.HeapTypeDefault, metadata.ResourceFlagAllowUnorderedAccess, state))
		require.NoError(t, err)
		return r
	}
	blas := mk("blas", bInfo.ResultDataMaxSizeInBytes, metadata.ResourceStateAccelerationStructure)
	bScratch := mk("blas-scratch", bInfo.ScratchDataSizeInBytes, metadata.ResourceStateUnorderedAccess)
	tlas := mk("tlas", tInfo.ResultDataMaxSizeInBytes, metadata.ResourceStateAccelerationStructure)
	tScratch := mk("tlas-scratch", tInfo.ScratchDataSizeInBytes, metadata.ResourceStateUnorderedAccess)

	inst := metadata.InstanceDesc{
		Transform:             metadata.Transform3x4(mgl32.Ident4()),
		InstanceID:            6,
		InstanceMask:          0xFF,
		AccelerationStructure: blas.GPUVirtualAddress(),
	}
	ib, err := d.CreateResource(metadata.BufferDesc("instances", metadata.InstanceDescSize, metadata.HeapTypeUpload, metadata.ResourceFlagNone, metadata.ResourceStateGenericRead))
	require.NoError(t, err)
	mem, _ = ib.Map()
	inst.Encode(mem)
	tInputs.InstanceDescs = ib.GPUVirtualAddress()

	alloc, _ := d.CreateCommandAllocator()
	list, _ := d.CreateCommandList(alloc)
	list.BuildRaytracingAccelerationStructure(metadata.BuildDesc{Dest: blas.GPUVirtualAddress(), Inputs: bInputs, Scratch: bScratch.GPUVirtualAddress()})
	if withBarriers {
		list.ResourceBarrier(metadata.UAVBarrier(blas))
	}
	list.BuildRaytracingAccelerationStructure(metadata.BuildDesc{Dest: tlas.GPUVirtualAddress(), Inputs: tInputs, Scratch: tScratch.GPUVirtualAddress()})
	if withBarriers {
		list.ResourceBarrier(metadata.UAVBarrier(tlas))
	}
	require.NoError(t, list.Close())
	require.NoError(t, q.ExecuteCommandLists(list))
	flush(t, q, d)
	return tlas
}

func TestBuildAndTrace(t *testing.T) {
	_, d, q := newTestDevice(t, Options{})
	tlas := buildScene(t, d, q, true)
	assert.Zero(t, d.Stats().Hazards)
	assert.Equal(t, uint64(2), d.Stats().ASBuilds)

	out, err := d.CreateResource(metadata.BufferDesc("output", 4*4*4, metadata.HeapTypeDefault, metadata.ResourceFlagAllowUnorderedAccess, metadata.ResourceStateUnorderedAccess))
	require.NoError(t, err)
	pso, err := d.CreateRaytracingPipeline(metadata.RaytracingPipelineDesc{RayGen: "RayGen", Miss: "Miss", ClosestHit: "ClosestHit", HitGroup: "HitGroup"})
	require.NoError(t, err)

	alloc, _ := d.CreateCommandAllocator()
	list, _ := d.CreateCommandList(alloc)
	list.DispatchRays(metadata.DispatchRaysDesc{Pipeline: pso, Scene: tlas.GPUVirtualAddress(), Output: out, Width: 4, Height: 4})
	require.NoError(t, list.Close())
	require.NoError(t, q.ExecuteCommandLists(list))
	flush(t, q, d)

	data, err := d.ReadResource(out)
	require.NoError(t, err)
	px := func(x, y int) uint32 { return binary.LittleEndian.Uint32(data[(y*4+x)*4:]) }
	// bottom-left is inside the triangle, top-right is outside
	assert.Equal(t, uint32(7), px(0, 3))
	assert.Equal(t, uint32(0), px(3, 0))
	assert.Zero(t, d.Stats().Hazards)
}

func TestMissingUAVBarrierIsAHazard(t *testing.T) {
	_, d, q := newTestDevice(t, Options{})
	buildScene(t, d, q, false)
	assert.Equal(t, uint64(1), d.Stats().Hazards)
}

func TestBVHIntersectsManyTriangles(t *testing.T) {
	var tris []triangle
	for i := 0; i < 64; i++ {
		x := float32(i%8)*0.25 - 1
		y := float32(i/8)*0.25 - 1
		z := float32(i) * 0.01
		tris = append(tris, triangle{{x, y, z}, {x + 0.2, y, z}, {x, y + 0.2, z}})
	}
	view, ok := openBLAS(buildBLAS(tris))
	require.True(t, ok)
	assert.Equal(t, 64, view.triangles)
	assert.LessOrEqual(t, view.nodes, 2*64-1)

	min, max := view.Bounds()
	assert.Equal(t, mgl32.Vec3{-1, -1, 0}, min)
	assert.InDelta(t, 0.95, max[0], 1e-5)

	// a ray through the corner of triangle 9 at (-0.75, -0.75)
	d, hit := view.intersect(mgl32.Vec3{-0.74, -0.74, -1}, mgl32.Vec3{0, 0, 1}, 0, 1e30)
	require.True(t, hit)
	assert.InDelta(t, 1.09, d, 1e-4)

	_, hit = view.intersect(mgl32.Vec3{5, 5, -1}, mgl32.Vec3{0, 0, 1}, 0, 1e30)
	assert.False(t, hit)
}
