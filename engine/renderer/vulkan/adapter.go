package vulkan

import (
	vk "github.com/goki/vulkan"
	"github.com/pkg/errors"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
)

const swapchainExtension = "VK_KHR_swapchain"

// Adapter is a physical device with a graphics queue family.
type Adapter struct {
	physical   vk.PhysicalDevice
	desc       metadata.AdapterDesc
	apiVersion vk.Version
	// graphics queue family index, -1 when there is none
	graphicsFamily int32
	extensions     map[string]bool
}

func newAdapter(pd vk.PhysicalDevice) (*Adapter, error) {
	var props vk.PhysicalDeviceProperties
	vk.GetPhysicalDeviceProperties(pd, &props)
	props.Deref()

	var memory vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(pd, &memory)
	memory.Deref()

	a := &Adapter{
		physical:   pd,
		apiVersion: vk.Version(props.ApiVersion),
		desc: metadata.AdapterDesc{
			Name:     cString(props.DeviceName[:]),
			VendorID: props.VendorID,
			DeviceID: props.DeviceID,
			Type:     adapterType(props.DeviceType),
			Software: props.DeviceType == vk.PhysicalDeviceTypeCpu,
		},
		graphicsFamily: -1,
		extensions:     map[string]bool{},
	}
	for i := uint32(0); i < memory.MemoryHeapCount; i++ {
		heap := memory.MemoryHeaps[i]
		heap.Deref()
		if vk.MemoryHeapFlagBits(heap.Flags)&vk.MemoryHeapDeviceLocalBit != 0 {
			a.desc.DedicatedVideoMemory += uint64(heap.Size)
		} else {
			a.desc.SharedSystemMemory += uint64(heap.Size)
		}
	}

	var familyCount uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(pd, &familyCount, nil)
	families := make([]vk.QueueFamilyProperties, familyCount)
	vk.GetPhysicalDeviceQueueFamilyProperties(pd, &familyCount, families)
	for i := range families {
		families[i].Deref()
		if vk.QueueFlagBits(families[i].QueueFlags)&vk.QueueGraphicsBit != 0 {
			a.graphicsFamily = int32(i)
			break
		}
	}

	var extCount uint32
	if err := check(vk.EnumerateDeviceExtensionProperties(pd, "", &extCount, nil), "vkEnumerateDeviceExtensionProperties"); err != nil {
		return nil, err
	}
	if extCount > 0 {
		exts := make([]vk.ExtensionProperties, extCount)
		if err := check(vk.EnumerateDeviceExtensionProperties(pd, "", &extCount, exts), "vkEnumerateDeviceExtensionProperties"); err != nil {
			return nil, err
		}
		for i := range exts {
			exts[i].Deref()
			a.extensions[cString(exts[i].ExtensionName[:])] = true
		}
	}

	core.LogInfo("Vulkan adapter: '%s' (%s), API %d.%d.%d, %d MiB local",
		a.desc.Name, a.desc.Type,
		a.apiVersion.Major(), a.apiVersion.Minor(), a.apiVersion.Patch(),
		a.desc.DedicatedVideoMemory>>20)
	if a.graphicsFamily < 0 {
		return nil, errors.Wrapf(core.ErrUnsupported, "%s has no graphics queue", a.desc.Name)
	}
	return a, nil
}

func adapterType(t vk.PhysicalDeviceType) metadata.AdapterType {
	switch t {
	case vk.PhysicalDeviceTypeIntegratedGpu:
		return metadata.AdapterTypeIntegrated
	case vk.PhysicalDeviceTypeDiscreteGpu:
		return metadata.AdapterTypeDiscrete
	case vk.PhysicalDeviceTypeVirtualGpu:
		return metadata.AdapterTypeVirtual
	case vk.PhysicalDeviceTypeCpu:
		return metadata.AdapterTypeCPU
	}
	return metadata.AdapterTypeOther
}

// maxFeatureLevel maps the Vulkan API version onto the feature level scale.
func maxFeatureLevel(major, minor uint32) metadata.FeatureLevel {
	switch {
	case major > 1 || minor >= 3:
		return metadata.FeatureLevel12_1
	case minor == 2:
		return metadata.FeatureLevel12_0
	case minor == 1:
		return metadata.FeatureLevel11_1
	}
	return metadata.FeatureLevel11_0
}

func (a *Adapter) Desc() metadata.AdapterDesc {
	return a.desc
}

// CheckFeatureSupport never reports ray tracing: the backend does not bind
// VK_KHR_ray_tracing_pipeline.
func (a *Adapter) CheckFeatureSupport(level metadata.FeatureLevel) metadata.FeatureSupport {
	if !a.extensions[swapchainExtension] {
		return metadata.FeatureSupport{}
	}
	if level > maxFeatureLevel(uint32(a.apiVersion.Major()), uint32(a.apiVersion.Minor())) {
		return metadata.FeatureSupport{}
	}
	return metadata.FeatureSupport{Supported: true, RayTracingTier: metadata.RayTracingTierNotSupported}
}
