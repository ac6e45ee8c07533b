package vulkan

import (
	"math"
	"testing"

	vk "github.com/goki/vulkan"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
)

func TestMaxFeatureLevel(t *testing.T) {
	assert.Equal(t, metadata.FeatureLevel11_0, maxFeatureLevel(1, 0))
	assert.Equal(t, metadata.FeatureLevel11_1, maxFeatureLevel(1, 1))
	assert.Equal(t, metadata.FeatureLevel12_0, maxFeatureLevel(1, 2))
	assert.Equal(t, metadata.FeatureLevel12_1, maxFeatureLevel(1, 3))
	assert.Equal(t, metadata.FeatureLevel12_1, maxFeatureLevel(2, 0))
}

func TestAdapterType(t *testing.T) {
	assert.Equal(t, metadata.AdapterTypeDiscrete, adapterType(vk.PhysicalDeviceTypeDiscreteGpu))
	assert.Equal(t, metadata.AdapterTypeIntegrated, adapterType(vk.PhysicalDeviceTypeIntegratedGpu))
	assert.Equal(t, metadata.AdapterTypeVirtual, adapterType(vk.PhysicalDeviceTypeVirtualGpu))
	assert.Equal(t, metadata.AdapterTypeCPU, adapterType(vk.PhysicalDeviceTypeCpu))
	assert.Equal(t, metadata.AdapterTypeOther, adapterType(vk.PhysicalDeviceTypeOther))
}

func TestChooseFormat(t *testing.T) {
	formats := []vk.SurfaceFormat{
		{Format: vk.FormatR16g16b16a16Sfloat, ColorSpace: vk.ColorSpaceSrgbNonlinear},
		{Format: vk.FormatB8g8r8a8Unorm, ColorSpace: vk.ColorSpaceSrgbNonlinear},
		{Format: vk.FormatR8g8b8a8Unorm, ColorSpace: vk.ColorSpaceSrgbNonlinear},
	}
	assert.Equal(t, vk.FormatR8g8b8a8Unorm, chooseFormat(formats, vk.FormatR8g8b8a8Unorm).Format)
	// falls back to BGRA8
	assert.Equal(t, vk.FormatB8g8r8a8Unorm, chooseFormat(formats[:2], vk.FormatR8g8b8a8Unorm).Format)
	// then to the first entry
	assert.Equal(t, vk.FormatR16g16b16a16Sfloat, chooseFormat(formats[:1], vk.FormatR8g8b8a8Unorm).Format)
}

func TestChoosePresentMode(t *testing.T) {
	modes := []vk.PresentMode{vk.PresentModeImmediate, vk.PresentModeMailbox, vk.PresentModeFifo}
	assert.Equal(t, vk.PresentModeFifo, choosePresentMode(modes, 1))
	assert.Equal(t, vk.PresentModeMailbox, choosePresentMode(modes, 0))
	assert.Equal(t, vk.PresentModeFifo, choosePresentMode([]vk.PresentMode{vk.PresentModeFifo}, 0))
}

func TestChooseExtent(t *testing.T) {
	caps := vk.SurfaceCapabilities{
		CurrentExtent:  vk.Extent2D{Width: 800, Height: 600},
		MinImageExtent: vk.Extent2D{Width: 1, Height: 1},
		MaxImageExtent: vk.Extent2D{Width: 4096, Height: 4096},
	}
	assert.Equal(t, vk.Extent2D{Width: 800, Height: 600}, chooseExtent(caps, 1024, 768))

	caps.CurrentExtent = vk.Extent2D{Width: math.MaxUint32, Height: math.MaxUint32}
	assert.Equal(t, vk.Extent2D{Width: 1024, Height: 768}, chooseExtent(caps, 1024, 768))
	assert.Equal(t, vk.Extent2D{Width: 4096, Height: 1}, chooseExtent(caps, 10000, 0))
}

func TestChooseImageCount(t *testing.T) {
	caps := vk.SurfaceCapabilities{MinImageCount: 2, MaxImageCount: 3}
	assert.Equal(t, uint32(2), chooseImageCount(caps, 1))
	assert.Equal(t, uint32(3), chooseImageCount(caps, 3))
	assert.Equal(t, uint32(3), chooseImageCount(caps, 8))

	// zero max means unbounded
	caps.MaxImageCount = 0
	assert.Equal(t, uint32(8), chooseImageCount(caps, 8))
}

func TestVkFormat(t *testing.T) {
	assert.Equal(t, vk.FormatB8g8r8a8Unorm, vkFormat(metadata.FormatB8G8R8A8Unorm))
	assert.Equal(t, vk.FormatR8g8b8a8Unorm, vkFormat(metadata.FormatR8G8B8A8Unorm))
	assert.Equal(t, vk.FormatUndefined, vkFormat(metadata.FormatUnknown))
}

func TestLayoutAndAccess(t *testing.T) {
	assert.Equal(t, vk.ImageLayoutPresentSrc, layoutFor(metadata.ResourceStatePresent))
	assert.Equal(t, vk.ImageLayoutColorAttachmentOptimal, layoutFor(metadata.ResourceStateRenderTarget))
	assert.Equal(t, vk.ImageLayoutGeneral, layoutFor(metadata.ResourceStateUnorderedAccess))

	assert.Zero(t, accessFor(metadata.ResourceStatePresent))
	assert.NotZero(t, accessFor(metadata.ResourceStateRenderTarget)&vk.AccessFlags(vk.AccessColorAttachmentWriteBit))
	assert.NotZero(t, accessFor(metadata.ResourceStateUnorderedAccess)&vk.AccessFlags(vk.AccessShaderWriteBit))
}

func TestCheck(t *testing.T) {
	assert.NoError(t, check(vk.Success, "vkQueueSubmit"))

	err := check(vk.ErrorDeviceLost, "vkQueueSubmit")
	assert.True(t, errors.Is(err, core.ErrDeviceRemoved))
	assert.Contains(t, err.Error(), "vkQueueSubmit: VK_ERROR_DEVICE_LOST")

	assert.True(t, errors.Is(check(vk.ErrorOutOfDeviceMemory, "op"), core.ErrOutOfMemory))
	assert.True(t, errors.Is(check(vk.ErrorOutOfDate, "op"), core.ErrPresentFailed))
	assert.True(t, errors.Is(check(vk.ErrorLayerNotPresent, "op"), core.ErrValidationUnavailable))
	assert.True(t, errors.Is(check(vk.ErrorExtensionNotPresent, "op"), core.ErrUnsupported))
	assert.True(t, errors.Is(check(vk.Timeout, "op"), core.ErrFenceTimeout))
	assert.True(t, errors.Is(check(vk.ErrorInitializationFailed, "op"), core.ErrUnknown))
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "VK_KHR_surface\x00", safeString("VK_KHR_surface"))
	assert.Equal(t, "x\x00", safeString("x\x00"))
	assert.Equal(t, "\x00", safeString(""))

	assert.Equal(t, "llvmpipe", cString([]byte{'l', 'l', 'v', 'm', 'p', 'i', 'p', 'e', 0, 'z'}))
	assert.Equal(t, "abc", cString([]byte("abc")))

	assert.Equal(t, []string{"a", "b", "c"}, dedupe([]string{"a", "b", "a", "c", "b"}))
}
