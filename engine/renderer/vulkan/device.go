package vulkan

import (
	"sync"

	vk "github.com/goki/vulkan"
	"github.com/pkg/errors"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
)

const (
	// fake address space for buffers, the backend does not enable
	// bufferDeviceAddress
	vaBase      = 0x10000
	vaAlignment = 256
)

// Device wraps the logical device and its single graphics queue.
type Device struct {
	factory *Factory
	adapter *Adapter
	level   metadata.FeatureLevel
	logical vk.Device
	queue   vk.Queue
	memory  vk.PhysicalDeviceMemoryProperties

	mu       sync.Mutex
	fences   []vk.Fence // free list, all unsignaled
	nextVA   uint64
	queues   []*Queue
	passes   map[vk.Format]*renderpass
	callback metadata.MessageCallback
	released bool
}

func newDevice(f *Factory, a *Adapter, level metadata.FeatureLevel) (*Device, error) {
	core.LogInfo("Creating logical device...")

	queueInfo := []vk.DeviceQueueCreateInfo{{
		SType:            vk.StructureTypeDeviceQueueCreateInfo,
		QueueFamilyIndex: uint32(a.graphicsFamily),
		QueueCount:       1,
		PQueuePriorities: []float32{1.0},
	}}

	extensions := []string{swapchainExtension}
	if a.extensions["VK_KHR_portability_subset"] {
		core.LogInfo("Adding required extension 'VK_KHR_portability_subset'.")
		extensions = append(extensions, "VK_KHR_portability_subset")
	}

	createInfo := vk.DeviceCreateInfo{
		SType:                   vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount:    uint32(len(queueInfo)),
		PQueueCreateInfos:       queueInfo,
		PEnabledFeatures:        []vk.PhysicalDeviceFeatures{{}},
		EnabledExtensionCount:   uint32(len(extensions)),
		PpEnabledExtensionNames: safeStrings(extensions),
	}

	d := &Device{
		factory: f,
		adapter: a,
		level:   level,
		nextVA:  vaBase,
		passes:  map[vk.Format]*renderpass{},
	}
	if err := check(vk.CreateDevice(a.physical, &createInfo, nil, &d.logical), "vkCreateDevice"); err != nil {
		return nil, err
	}
	vk.GetDeviceQueue(d.logical, uint32(a.graphicsFamily), 0, &d.queue)
	vk.GetPhysicalDeviceMemoryProperties(a.physical, &d.memory)
	d.memory.Deref()

	core.LogInfo("Logical device created on '%s' at %s.", a.desc.Name, level)
	return d, nil
}

func (d *Device) FeatureLevel() metadata.FeatureLevel {
	return d.level
}

func (d *Device) Limits() metadata.DeviceLimits {
	return metadata.DeviceLimits{
		AccelerationStructureAlignment: 256,
		ScratchAlignment:               256,
		InstanceDescAlignment:          16,
	}
}

// SetMessageCallback routes the validation layer of the factory to cb.
func (d *Device) SetMessageCallback(cb metadata.MessageCallback) {
	d.mu.Lock()
	d.callback = cb
	d.mu.Unlock()
	d.factory.setSink(cb)
}

// report forwards a backend-side validation finding.
func (d *Device) report(severity metadata.MessageSeverity, id, text string) {
	d.mu.Lock()
	cb := d.callback
	d.mu.Unlock()
	if cb != nil {
		cb(metadata.Message{Severity: severity, ID: id, Text: text})
	}
}

func (d *Device) CreateCommandQueue() (metadata.Queue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return nil, errors.Wrap(core.ErrResourceReleased, "device released")
	}
	q := newQueue(d)
	d.queues = append(d.queues, q)
	return q, nil
}

func (d *Device) CreateCommandAllocator() (metadata.CommandAllocator, error) {
	return newCommandAllocator(d)
}

func (d *Device) CreateCommandList(alloc metadata.CommandAllocator) (metadata.CommandList, error) {
	a, ok := alloc.(*CommandAllocator)
	if !ok {
		return nil, errors.Wrap(core.ErrInvalidCall, "allocator does not belong to the vulkan device")
	}
	return newCommandList(d, a)
}

func (d *Device) CreateFence(initialValue uint64) (metadata.Fence, error) {
	return &Fence{device: d, completed: initialValue}, nil
}

func (d *Device) CreateResource(desc metadata.ResourceDesc) (metadata.Resource, error) {
	if desc.Dimension != metadata.ResourceDimensionBuffer {
		return nil, errors.Wrap(core.ErrUnsupported, "textures are owned by the swap chain")
	}
	if desc.Size == 0 {
		return nil, errors.Wrapf(core.ErrZeroSizeResource, "creating %s", desc.Label)
	}
	return newBuffer(d, desc)
}

func (d *Device) CreateRaytracingPipeline(metadata.RaytracingPipelineDesc) (metadata.RaytracingPipeline, error) {
	return nil, errors.Wrap(core.ErrRayTracingUnsupported, "vulkan backend")
}

func (d *Device) GetAccelerationStructurePrebuildInfo(metadata.BuildInputs) (metadata.PrebuildInfo, error) {
	return metadata.PrebuildInfo{}, errors.Wrap(core.ErrRayTracingUnsupported, "vulkan backend")
}

// allocateVA hands out an aligned fake virtual address range.
func (d *Device) allocateVA(size uint64) metadata.GPUVirtualAddress {
	d.mu.Lock()
	defer d.mu.Unlock()
	va := d.nextVA
	d.nextVA = core.AlignUp(va+size, vaAlignment)
	return metadata.GPUVirtualAddress(va)
}

// findMemoryIndex returns the first memory type allowed by typeFilter that
// has every flag in properties, or -1.
func (d *Device) findMemoryIndex(typeFilter uint32, properties vk.MemoryPropertyFlags) int32 {
	for i := uint32(0); i < d.memory.MemoryTypeCount; i++ {
		mt := d.memory.MemoryTypes[i]
		mt.Deref()
		if typeFilter&(1<<i) != 0 && mt.PropertyFlags&properties == properties {
			return int32(i)
		}
	}
	core.LogWarn("Unable to find suitable memory type!")
	return -1
}

// acquireFence takes an unsignaled VkFence from the free list.
func (d *Device) acquireFence() (vk.Fence, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n := len(d.fences); n > 0 {
		f := d.fences[n-1]
		d.fences = d.fences[:n-1]
		return f, nil
	}
	info := vk.FenceCreateInfo{SType: vk.StructureTypeFenceCreateInfo}
	var f vk.Fence
	if err := check(vk.CreateFence(d.logical, &info, nil, &f), "vkCreateFence"); err != nil {
		return vk.NullFence, err
	}
	return f, nil
}

// recycleFence resets a signaled fence and returns it to the free list.
func (d *Device) recycleFence(f vk.Fence) {
	if err := check(vk.ResetFences(d.logical, 1, []vk.Fence{f}), "vkResetFences"); err != nil {
		core.LogWarn("dropping fence: %s", err)
		vk.DestroyFence(d.logical, f, nil)
		return
	}
	d.mu.Lock()
	d.fences = append(d.fences, f)
	d.mu.Unlock()
}

// renderpassFor returns the clear pass for color attachments of format.
func (d *Device) renderpassFor(format vk.Format) (*renderpass, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rp, ok := d.passes[format]; ok {
		return rp, nil
	}
	rp, err := newClearRenderpass(d, format)
	if err != nil {
		return nil, err
	}
	d.passes[format] = rp
	return rp, nil
}

// Release waits for the device to go idle and destroys it. Every object
// created from the device must have been released.
func (d *Device) Release() {
	d.mu.Lock()
	if d.released {
		d.mu.Unlock()
		return
	}
	d.released = true
	d.mu.Unlock()

	vk.DeviceWaitIdle(d.logical)
	for _, q := range d.queues {
		q.Release()
	}
	for _, rp := range d.passes {
		rp.destroy(d)
	}
	for _, f := range d.fences {
		vk.DestroyFence(d.logical, f, nil)
	}
	d.fences = nil

	core.LogInfo("Destroying logical device...")
	vk.DestroyDevice(d.logical, nil)
	d.logical = nil
	d.factory.setSink(nil)
}
