package vulkan

import (
	"unsafe"

	vk "github.com/goki/vulkan"
	"github.com/pkg/errors"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
)

// buffer is a VkBuffer with its own allocation. Upload heap buffers stay
// mapped for their whole life.
type buffer struct {
	device *Device
	desc   metadata.ResourceDesc
	handle vk.Buffer
	memory vk.DeviceMemory
	va     metadata.GPUVirtualAddress
	state  metadata.ResourceState
	mapped []byte

	released bool
}

func bufferUsage(desc metadata.ResourceDesc) vk.BufferUsageFlags {
	usage := vk.BufferUsageFlags(vk.BufferUsageTransferSrcBit | vk.BufferUsageTransferDstBit | vk.BufferUsageStorageBufferBit)
	if desc.Heap == metadata.HeapTypeUpload {
		usage |= vk.BufferUsageFlags(vk.BufferUsageUniformBufferBit)
	}
	return usage
}

func newBuffer(d *Device, desc metadata.ResourceDesc) (*buffer, error) {
	if desc.Heap == metadata.HeapTypeUpload && desc.Flags&metadata.ResourceFlagAllowUnorderedAccess != 0 {
		return nil, errors.Wrapf(core.ErrInvalidCall, "%s: upload buffers cannot allow unordered access", desc.Label)
	}
	b := &buffer{device: d, desc: desc, state: desc.InitialState}

	info := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(desc.Size),
		Usage:       bufferUsage(desc),
		SharingMode: vk.SharingModeExclusive,
	}
	if err := check(vk.CreateBuffer(d.logical, &info, nil, &b.handle), "vkCreateBuffer"); err != nil {
		return nil, errors.Wrapf(err, "creating %s", desc.Label)
	}

	var req vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(d.logical, b.handle, &req)
	req.Deref()

	props := vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit)
	if desc.Heap == metadata.HeapTypeUpload {
		props = vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit)
	}
	index := d.findMemoryIndex(req.MemoryTypeBits, props)
	if index < 0 {
		b.Release()
		return nil, errors.Wrapf(core.ErrOutOfMemory, "no memory type for %s", desc.Label)
	}
	alloc := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  req.Size,
		MemoryTypeIndex: uint32(index),
	}
	if err := check(vk.AllocateMemory(d.logical, &alloc, nil, &b.memory), "vkAllocateMemory"); err != nil {
		b.Release()
		return nil, errors.Wrapf(err, "allocating %s", desc.Label)
	}
	if err := check(vk.BindBufferMemory(d.logical, b.handle, b.memory, 0), "vkBindBufferMemory"); err != nil {
		b.Release()
		return nil, errors.Wrapf(err, "binding %s", desc.Label)
	}

	if desc.Heap == metadata.HeapTypeUpload {
		var ptr unsafe.Pointer
		if err := check(vk.MapMemory(d.logical, b.memory, 0, vk.DeviceSize(desc.Size), 0, &ptr), "vkMapMemory"); err != nil {
			b.Release()
			return nil, errors.Wrapf(err, "mapping %s", desc.Label)
		}
		b.mapped = unsafe.Slice((*byte)(ptr), desc.Size)
	}
	b.va = d.allocateVA(desc.Size)
	return b, nil
}

func (b *buffer) Desc() metadata.ResourceDesc {
	return b.desc
}

func (b *buffer) GPUVirtualAddress() metadata.GPUVirtualAddress {
	return b.va
}

func (b *buffer) Map() ([]byte, error) {
	if b.released {
		return nil, errors.Wrapf(core.ErrResourceReleased, "mapping %s", b.desc.Label)
	}
	if b.mapped == nil {
		return nil, errors.Wrapf(core.ErrInvalidCall, "%s is not on the upload heap", b.desc.Label)
	}
	return b.mapped, nil
}

// Unmap does nothing, the memory is host coherent and mapped persistently.
func (b *buffer) Unmap() {}

func (b *buffer) Release() {
	if b.released {
		return
	}
	b.released = true
	if b.mapped != nil {
		vk.UnmapMemory(b.device.logical, b.memory)
		b.mapped = nil
	}
	if b.handle != nil {
		vk.DestroyBuffer(b.device.logical, b.handle, nil)
	}
	if b.memory != nil {
		vk.FreeMemory(b.device.logical, b.memory, nil)
	}
}

// surfaceImage is a swap chain image. The chain owns it, Release is a no-op.
type surfaceImage struct {
	desc        metadata.ResourceDesc
	handle      vk.Image
	view        vk.ImageView
	format      vk.Format
	pass        *renderpass
	framebuffer *framebuffer
	state       metadata.ResourceState
	// false until the first barrier took it out of VK_IMAGE_LAYOUT_UNDEFINED
	initialized bool
}

func (i *surfaceImage) Desc() metadata.ResourceDesc {
	return i.desc
}

func (i *surfaceImage) GPUVirtualAddress() metadata.GPUVirtualAddress {
	return 0
}

func (i *surfaceImage) Map() ([]byte, error) {
	return nil, errors.Wrapf(core.ErrUnsupported, "%s cannot be mapped", i.desc.Label)
}

func (i *surfaceImage) Unmap() {}

func (i *surfaceImage) Release() {}
