package metadata

import (
	"encoding/binary"
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

type AccelerationStructureType int

const (
	AccelerationStructureTypeTopLevel AccelerationStructureType = iota
	AccelerationStructureTypeBottomLevel
)

type BuildFlags uint32

const (
	BuildFlagNone            BuildFlags = 0
	BuildFlagAllowUpdate     BuildFlags = 0x1
	BuildFlagPreferFastTrace BuildFlags = 0x4
	BuildFlagPreferFastBuild BuildFlags = 0x8
)

type GeometryFlags uint32

const (
	GeometryFlagNone   GeometryFlags = 0
	GeometryFlagOpaque GeometryFlags = 0x1
)

type TrianglesDesc struct {
	VertexBuffer GPUVirtualAddress
	VertexStride uint64
	VertexCount  uint32
	VertexFormat Format
}

type GeometryDesc struct {
	Flags     GeometryFlags
	Triangles TrianglesDesc
}

// BuildInputs describe either a bottom-level build (Geometries) or a top-level
// build (NumDescs instances starting at InstanceDescs).
type BuildInputs struct {
	Type          AccelerationStructureType
	Flags         BuildFlags
	Geometries    []GeometryDesc
	NumDescs      uint32
	InstanceDescs GPUVirtualAddress
}

type PrebuildInfo struct {
	ResultDataMaxSizeInBytes uint64
	ScratchDataSizeInBytes   uint64
	UpdateScratchSizeInBytes uint64
}

type BuildDesc struct {
	Dest    GPUVirtualAddress
	Inputs  BuildInputs
	Scratch GPUVirtualAddress
}

// InstanceDescSize is the size of one encoded InstanceDesc.
const InstanceDescSize = 64

// InstanceDesc is a TLAS instance record, laid out like
// D3D12_RAYTRACING_INSTANCE_DESC.
type InstanceDesc struct {
	Transform                           [3][4]float32
	InstanceID                          uint32 // 24 bits
	InstanceMask                        uint8
	InstanceContributionToHitGroupIndex uint32 // 24 bits
	Flags                               uint8
	AccelerationStructure               GPUVirtualAddress
}

// Transform3x4 returns the 3x4 row-major affine part of m.
func Transform3x4(m mgl32.Mat4) [3][4]float32 {
	var t [3][4]float32
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			t[r][c] = m.At(r, c)
		}
	}
	return t
}

// Encode writes the instance into b, which must hold InstanceDescSize bytes.
func (d *InstanceDesc) Encode(b []byte) {
	off := 0
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			binary.LittleEndian.PutUint32(b[off:], math.Float32bits(d.Transform[r][c]))
			off += 4
		}
	}
	binary.LittleEndian.PutUint32(b[48:], (d.InstanceID&0xFFFFFF)|uint32(d.InstanceMask)<<24)
	binary.LittleEndian.PutUint32(b[52:], (d.InstanceContributionToHitGroupIndex&0xFFFFFF)|uint32(d.Flags)<<24)
	binary.LittleEndian.PutUint64(b[56:], uint64(d.AccelerationStructure))
}

// DecodeInstanceDesc reads an instance written by Encode.
func DecodeInstanceDesc(b []byte) InstanceDesc {
	var d InstanceDesc
	off := 0
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			d.Transform[r][c] = math.Float32frombits(binary.LittleEndian.Uint32(b[off:]))
			off += 4
		}
	}
	w := binary.LittleEndian.Uint32(b[48:])
	d.InstanceID = w & 0xFFFFFF
	d.InstanceMask = uint8(w >> 24)
	w = binary.LittleEndian.Uint32(b[52:])
	d.InstanceContributionToHitGroupIndex = w & 0xFFFFFF
	d.Flags = uint8(w >> 24)
	d.AccelerationStructure = GPUVirtualAddress(binary.LittleEndian.Uint64(b[56:]))
	return d
}

// EncodeVertices packs positions as tightly packed R32G32B32_FLOAT.
func EncodeVertices(vertices []mgl32.Vec3) []byte {
	b := make([]byte, 12*len(vertices))
	for i, v := range vertices {
		for k := 0; k < 3; k++ {
			binary.LittleEndian.PutUint32(b[i*12+k*4:], math.Float32bits(v[k]))
		}
	}
	return b
}

// DecodeVertices is the inverse of EncodeVertices for an arbitrary stride.
func DecodeVertices(b []byte, stride uint64, count uint32) []mgl32.Vec3 {
	out := make([]mgl32.Vec3, count)
	for i := uint64(0); i < uint64(count); i++ {
		base := i * stride
		for k := uint64(0); k < 3; k++ {
			out[i][k] = math.Float32frombits(binary.LittleEndian.Uint32(b[base+k*4:]))
		}
	}
	return out
}

/** @brief Shader entry points and hit group of a ray tracing pipeline. */
type RaytracingPipelineDesc struct {
	/** @brief Compiled shader library. May be empty for the software backend. */
	Library    []byte
	RayGen     string
	Miss       string
	ClosestHit string
	HitGroup   string
	// Maximum recursion depth of TraceRay calls.
	MaxRecursionDepth uint32
}

type DispatchRaysDesc struct {
	Pipeline RaytracingPipeline
	Scene    GPUVirtualAddress
	Output   Resource
	Width    uint32
	Height   uint32
}
