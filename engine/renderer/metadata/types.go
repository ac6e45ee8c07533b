package metadata

import "fmt"

// GPUVirtualAddress is the device-visible address of a buffer.
type GPUVirtualAddress uint64

type RendererType int

const (
	RendererTypeSoftware RendererType = iota
	RendererTypeVulkan
)

func (t RendererType) String() string {
	switch t {
	case RendererTypeSoftware:
		return "software"
	case RendererTypeVulkan:
		return "vulkan"
	}
	return fmt.Sprintf("RendererType(%d)", int(t))
}

/** @brief Debug configuration resolved once at startup. */
type DebugOptions struct {
	/** @brief Enables the API validation layer. Failing to enable it is only a warning. */
	EnableValidation bool `toml:"enable_validation"`
	/** @brief Enables execution-time (GPU-based) validation. Requires EnableValidation. */
	EnableGPUBasedValidation bool `toml:"enable_gpu_based_validation"`
}

// FeatureLevel uses the D3D encoding: major in the high nibble, minor below.
type FeatureLevel uint32

const (
	FeatureLevel11_0 FeatureLevel = 0xb000
	FeatureLevel11_1 FeatureLevel = 0xb100
	FeatureLevel12_0 FeatureLevel = 0xc000
	FeatureLevel12_1 FeatureLevel = 0xc100
)

// FeatureLevelCandidates is the negotiation order, highest first.
var FeatureLevelCandidates = []FeatureLevel{
	FeatureLevel12_1,
	FeatureLevel12_0,
	FeatureLevel11_1,
	FeatureLevel11_0,
}

func (l FeatureLevel) String() string {
	return fmt.Sprintf("%d_%d", uint32(l)>>12, (uint32(l)>>8)&0xf)
}

// ParseFeatureLevel accepts the "12_1" notation.
func ParseFeatureLevel(s string) (FeatureLevel, error) {
	for _, l := range FeatureLevelCandidates {
		if l.String() == s {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown feature level %q", s)
}

type RayTracingTier uint32

const (
	RayTracingTierNotSupported RayTracingTier = 0
	RayTracingTier1_0          RayTracingTier = 10
	RayTracingTier1_1          RayTracingTier = 11
)

type GPUPreference int

const (
	GPUPreferenceUnspecified GPUPreference = iota
	GPUPreferenceMinimumPower
	GPUPreferenceHighPerformance
)

type AdapterType int

const (
	AdapterTypeOther AdapterType = iota
	AdapterTypeIntegrated
	AdapterTypeDiscrete
	AdapterTypeVirtual
	AdapterTypeCPU
)

func (t AdapterType) String() string {
	switch t {
	case AdapterTypeIntegrated:
		return "Integrated"
	case AdapterTypeDiscrete:
		return "Discrete"
	case AdapterTypeVirtual:
		return "Virtual"
	case AdapterTypeCPU:
		return "CPU"
	}
	return "Unknown"
}

type AdapterDesc struct {
	Name                 string
	VendorID             uint32
	DeviceID             uint32
	Type                 AdapterType
	DedicatedVideoMemory uint64
	SharedSystemMemory   uint64
	// Software marks CPU rasterizers such as WARP or lavapipe.
	Software bool
}

// FeatureSupport is the answer of an adapter for one feature level.
type FeatureSupport struct {
	Supported      bool
	RayTracingTier RayTracingTier
}

type DeviceLimits struct {
	// Alignment of acceleration structure result buffers and their sizes.
	AccelerationStructureAlignment uint64
	// Alignment and minimum size of acceleration structure scratch buffers.
	ScratchAlignment uint64
	// Placement alignment of TLAS instance descriptors.
	InstanceDescAlignment uint64
}

/** @brief Usage state of a GPU resource. */
type ResourceState uint32

const (
	ResourceStateCommon ResourceState = iota
	ResourceStatePresent
	ResourceStateRenderTarget
	ResourceStateUnorderedAccess
	ResourceStateAccelerationStructure
	ResourceStateGenericRead
)

func (s ResourceState) String() string {
	switch s {
	case ResourceStateCommon:
		return "COMMON"
	case ResourceStatePresent:
		return "PRESENT"
	case ResourceStateRenderTarget:
		return "RENDER_TARGET"
	case ResourceStateUnorderedAccess:
		return "UNORDERED_ACCESS"
	case ResourceStateAccelerationStructure:
		return "RAYTRACING_ACCELERATION_STRUCTURE"
	case ResourceStateGenericRead:
		return "GENERIC_READ"
	}
	return fmt.Sprintf("ResourceState(%d)", uint32(s))
}

type HeapType int

const (
	// Device local memory.
	HeapTypeDefault HeapType = iota
	// CPU visible memory the GPU reads through.
	HeapTypeUpload
)

type ResourceFlags uint32

const (
	ResourceFlagNone                 ResourceFlags = 0
	ResourceFlagAllowUnorderedAccess ResourceFlags = 0x4
)

type ResourceDimension int

const (
	ResourceDimensionBuffer ResourceDimension = iota
	ResourceDimensionTexture2D
)

type Format int

const (
	FormatUnknown Format = iota
	FormatR8G8B8A8Unorm
	FormatB8G8R8A8Unorm
	FormatR32G32B32Float
)

// BytesPerElement returns the size of one texel or vertex in the format.
func (f Format) BytesPerElement() uint64 {
	switch f {
	case FormatR8G8B8A8Unorm, FormatB8G8R8A8Unorm:
		return 4
	case FormatR32G32B32Float:
		return 12
	}
	return 0
}

type ResourceDesc struct {
	Label        string
	Dimension    ResourceDimension
	Size         uint64 // buffers
	Width        uint32 // textures
	Height       uint32 // textures
	Format       Format
	Heap         HeapType
	Flags        ResourceFlags
	InitialState ResourceState
}

// BufferDesc is a shorthand for a buffer description.
func BufferDesc(label string, size uint64, heap HeapType, flags ResourceFlags, state ResourceState) ResourceDesc {
	return ResourceDesc{
		Label:        label,
		Dimension:    ResourceDimensionBuffer,
		Size:         size,
		Heap:         heap,
		Flags:        flags,
		InitialState: state,
	}
}

type BarrierType int

const (
	BarrierTypeTransition BarrierType = iota
	// BarrierTypeUAV orders all unordered-access writes to the resource before
	// later reads. It does not change the state.
	BarrierTypeUAV
)

type Barrier struct {
	Type        BarrierType
	Resource    Resource
	StateBefore ResourceState
	StateAfter  ResourceState
}

func TransitionBarrier(res Resource, before, after ResourceState) Barrier {
	return Barrier{
		Type:        BarrierTypeTransition,
		Resource:    res,
		StateBefore: before,
		StateAfter:  after,
	}
}

func UAVBarrier(res Resource) Barrier {
	return Barrier{
		Type:     BarrierTypeUAV,
		Resource: res,
	}
}

type SwapChainDesc struct {
	BufferCount uint32
	Width       uint32
	Height      uint32
	Format      Format
}

// WindowHandle is the opaque window the surface chain is created for. Handle
// is a *glfw.Window for hardware backends and nil for headless rendering.
type WindowHandle struct {
	Handle interface{}
	Width  uint32
	Height uint32
}

type MessageSeverity int

const (
	MessageSeverityInfo MessageSeverity = iota
	MessageSeverityWarning
	MessageSeverityError
	MessageSeverityCorruption
)

// Message is a validation layer report.
type Message struct {
	Severity MessageSeverity
	ID       string
	Text     string
}

type MessageCallback func(msg Message)
