package metadata

import "context"

// Factory enumerates adapters and creates devices and swap chains. It is the
// entry point of every renderer backend.
type Factory interface {
	// EnableDebugLayer turns on API validation for devices created afterwards.
	EnableDebugLayer(opts DebugOptions) error
	// EnumerateAdaptersByPreference lists adapters ordered by the preference.
	// Backends without such ordering return core.ErrPreferenceUnsupported.
	EnumerateAdaptersByPreference(pref GPUPreference) ([]Adapter, error)
	EnumerateAdapters() ([]Adapter, error)
	CreateDevice(adapter Adapter, level FeatureLevel) (Device, error)
	CreateSwapChain(queue Queue, window WindowHandle, desc SwapChainDesc) (SwapChain, error)
	Release()
}

type Adapter interface {
	Desc() AdapterDesc
	CheckFeatureSupport(level FeatureLevel) FeatureSupport
}

type Device interface {
	CreateCommandQueue() (Queue, error)
	CreateCommandAllocator() (CommandAllocator, error)
	// CreateCommandList returns a list in the recording state bound to alloc.
	CreateCommandList(alloc CommandAllocator) (CommandList, error)
	CreateFence(initialValue uint64) (Fence, error)
	CreateResource(desc ResourceDesc) (Resource, error)
	CreateRaytracingPipeline(desc RaytracingPipelineDesc) (RaytracingPipeline, error)
	GetAccelerationStructurePrebuildInfo(inputs BuildInputs) (PrebuildInfo, error)
	Limits() DeviceLimits
	// SetMessageCallback receives validation layer reports.
	SetMessageCallback(cb MessageCallback)
	Release()
}

type Queue interface {
	// ExecuteCommandLists submits closed lists; they run asynchronously in
	// submission order.
	ExecuteCommandLists(lists ...CommandList) error
	// Signal sets fence to value once all previously submitted work completes.
	Signal(fence Fence, value uint64) error
	Release()
}

// Fence is a monotonically increasing 64-bit counter advanced by the GPU.
type Fence interface {
	CompletedValue() uint64
	// Wait blocks until the completed value reaches value or ctx is done.
	Wait(ctx context.Context, value uint64) error
	Release()
}

type CommandAllocator interface {
	// Reset reclaims the memory of every list recorded from the allocator.
	// It fails while any of those lists is still executing.
	Reset() error
	Release()
}

type CommandList interface {
	Reset(alloc CommandAllocator) error
	Close() error
	ResourceBarrier(barriers ...Barrier)
	ClearRenderTarget(target Resource, color [4]float32)
	BuildRaytracingAccelerationStructure(desc BuildDesc)
	DispatchRays(desc DispatchRaysDesc)
	Release()
}

type Resource interface {
	Desc() ResourceDesc
	GPUVirtualAddress() GPUVirtualAddress
	// Map exposes the memory of an upload heap buffer.
	Map() ([]byte, error)
	Unmap()
	Release()
}

type SwapChain interface {
	CurrentBackBufferIndex() uint32
	Buffer(index uint32) (Resource, error)
	BufferCount() uint32
	// Present queues the current back buffer for display and advances the
	// index on success.
	Present(syncInterval uint32) error
	Release()
}

type RaytracingPipeline interface {
	Desc() RaytracingPipelineDesc
	Release()
}
