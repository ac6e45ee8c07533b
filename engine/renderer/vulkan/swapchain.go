package vulkan

import (
	"fmt"
	"math"

	vk "github.com/goki/vulkan"
	"github.com/pkg/errors"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
)

type swapchainSupport struct {
	capabilities vk.SurfaceCapabilities
	formats      []vk.SurfaceFormat
	presentModes []vk.PresentMode
}

func querySwapchainSupport(pd vk.PhysicalDevice, surface vk.Surface) (*swapchainSupport, error) {
	s := &swapchainSupport{}
	if err := check(vk.GetPhysicalDeviceSurfaceCapabilities(pd, surface, &s.capabilities), "vkGetPhysicalDeviceSurfaceCapabilitiesKHR"); err != nil {
		return nil, err
	}
	s.capabilities.Deref()
	s.capabilities.CurrentExtent.Deref()
	s.capabilities.MinImageExtent.Deref()
	s.capabilities.MaxImageExtent.Deref()

	var count uint32
	if err := check(vk.GetPhysicalDeviceSurfaceFormats(pd, surface, &count, nil), "vkGetPhysicalDeviceSurfaceFormatsKHR"); err != nil {
		return nil, err
	}
	s.formats = make([]vk.SurfaceFormat, count)
	if count > 0 {
		if err := check(vk.GetPhysicalDeviceSurfaceFormats(pd, surface, &count, s.formats), "vkGetPhysicalDeviceSurfaceFormatsKHR"); err != nil {
			return nil, err
		}
	}
	for i := range s.formats {
		s.formats[i].Deref()
	}

	count = 0
	if err := check(vk.GetPhysicalDeviceSurfacePresentModes(pd, surface, &count, nil), "vkGetPhysicalDeviceSurfacePresentModesKHR"); err != nil {
		return nil, err
	}
	s.presentModes = make([]vk.PresentMode, count)
	if count > 0 {
		if err := check(vk.GetPhysicalDeviceSurfacePresentModes(pd, surface, &count, s.presentModes), "vkGetPhysicalDeviceSurfacePresentModesKHR"); err != nil {
			return nil, err
		}
	}
	if len(s.formats) == 0 || len(s.presentModes) == 0 {
		return nil, errors.Wrap(core.ErrUnsupported, "surface has no formats or present modes")
	}
	return s, nil
}

func vkFormat(f metadata.Format) vk.Format {
	switch f {
	case metadata.FormatB8G8R8A8Unorm:
		return vk.FormatB8g8r8a8Unorm
	case metadata.FormatR8G8B8A8Unorm:
		return vk.FormatR8g8b8a8Unorm
	}
	return vk.FormatUndefined
}

// chooseFormat prefers the requested format, then BGRA8, then whatever the
// surface lists first.
func chooseFormat(formats []vk.SurfaceFormat, want vk.Format) vk.SurfaceFormat {
	for _, candidate := range []vk.Format{want, vk.FormatB8g8r8a8Unorm} {
		for _, f := range formats {
			if f.Format == candidate && f.ColorSpace == vk.ColorSpaceSrgbNonlinear {
				return f
			}
		}
	}
	return formats[0]
}

// choosePresentMode maps a sync interval of 0 to mailbox when available.
// FIFO is always supported.
func choosePresentMode(modes []vk.PresentMode, syncInterval uint32) vk.PresentMode {
	if syncInterval > 0 {
		return vk.PresentModeFifo
	}
	for _, m := range modes {
		if m == vk.PresentModeMailbox {
			return m
		}
	}
	return vk.PresentModeFifo
}

func chooseExtent(caps vk.SurfaceCapabilities, width, height uint32) vk.Extent2D {
	if caps.CurrentExtent.Width != math.MaxUint32 {
		return caps.CurrentExtent
	}
	return vk.Extent2D{
		Width:  core.Clamp(width, caps.MinImageExtent.Width, caps.MaxImageExtent.Width),
		Height: core.Clamp(height, caps.MinImageExtent.Height, caps.MaxImageExtent.Height),
	}
}

func chooseImageCount(caps vk.SurfaceCapabilities, want uint32) uint32 {
	count := want
	if count < caps.MinImageCount {
		count = caps.MinImageCount
	}
	if caps.MaxImageCount > 0 && count > caps.MaxImageCount {
		count = caps.MaxImageCount
	}
	return count
}

// SwapChain owns the surface, the VkSwapchainKHR and its images. One image is
// always acquired: the one CurrentBackBufferIndex reports.
type SwapChain struct {
	factory *Factory
	device  *Device
	queue   *Queue
	surface vk.Surface
	handle  vk.Swapchain
	format  vk.SurfaceFormat
	images  []*surfaceImage

	// imageAvailable is indexed by acquire count, rendered by image index
	imageAvailable []vk.Semaphore
	rendered       []vk.Semaphore
	acquires       uint64
	current        uint32

	released bool
}

func newSwapChain(f *Factory, q *Queue, surface vk.Surface, desc metadata.SwapChainDesc) (_ *SwapChain, err error) {
	d := q.device
	sc := &SwapChain{factory: f, device: d, queue: q, surface: surface}
	defer func() {
		if err != nil {
			sc.Release()
		}
	}()

	var supported vk.Bool32
	if err := check(vk.GetPhysicalDeviceSurfaceSupport(d.adapter.physical, uint32(d.adapter.graphicsFamily), surface, &supported), "vkGetPhysicalDeviceSurfaceSupportKHR"); err != nil {
		return nil, err
	}
	if supported != vk.True {
		return nil, errors.Wrap(core.ErrUnsupported, "graphics queue cannot present to the surface")
	}
	support, err := querySwapchainSupport(d.adapter.physical, surface)
	if err != nil {
		return nil, err
	}

	sc.format = chooseFormat(support.formats, vkFormat(desc.Format))
	extent := chooseExtent(support.capabilities, desc.Width, desc.Height)
	info := vk.SwapchainCreateInfo{
		SType:            vk.StructureTypeSwapchainCreateInfo,
		Surface:          surface,
		MinImageCount:    chooseImageCount(support.capabilities, desc.BufferCount),
		ImageFormat:      sc.format.Format,
		ImageColorSpace:  sc.format.ColorSpace,
		ImageExtent:      extent,
		ImageArrayLayers: 1,
		ImageUsage:       vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit | vk.ImageUsageTransferDstBit),
		ImageSharingMode: vk.SharingModeExclusive,
		PreTransform:     support.capabilities.CurrentTransform,
		CompositeAlpha:   vk.CompositeAlphaOpaqueBit,
		PresentMode:      choosePresentMode(support.presentModes, 1),
		Clipped:          vk.True,
	}
	if err := check(vk.CreateSwapchain(d.logical, &info, nil, &sc.handle), "vkCreateSwapchainKHR"); err != nil {
		return nil, err
	}

	var count uint32
	if err := check(vk.GetSwapchainImages(d.logical, sc.handle, &count, nil), "vkGetSwapchainImagesKHR"); err != nil {
		return nil, err
	}
	handles := make([]vk.Image, count)
	if err := check(vk.GetSwapchainImages(d.logical, sc.handle, &count, handles), "vkGetSwapchainImagesKHR"); err != nil {
		return nil, err
	}

	pass, err := d.renderpassFor(sc.format.Format)
	if err != nil {
		return nil, err
	}
	for i, h := range handles {
		img := &surfaceImage{
			desc: metadata.ResourceDesc{
				Label:        fmt.Sprintf("backbuffer[%d]", i),
				Dimension:    metadata.ResourceDimensionTexture2D,
				Width:        extent.Width,
				Height:       extent.Height,
				Format:       desc.Format,
				InitialState: metadata.ResourceStatePresent,
			},
			handle: h,
			format: sc.format.Format,
			pass:   pass,
			state:  metadata.ResourceStatePresent,
		}
		sc.images = append(sc.images, img)
		viewInfo := vk.ImageViewCreateInfo{
			SType:    vk.StructureTypeImageViewCreateInfo,
			Image:    h,
			ViewType: vk.ImageViewType2d,
			Format:   sc.format.Format,
			SubresourceRange: vk.ImageSubresourceRange{
				AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
				LevelCount: 1,
				LayerCount: 1,
			},
		}
		if err := check(vk.CreateImageView(d.logical, &viewInfo, nil, &img.view), "vkCreateImageView"); err != nil {
			return nil, err
		}
		if img.framebuffer, err = newFramebuffer(d, pass, img.view, extent.Width, extent.Height); err != nil {
			return nil, err
		}
	}

	semInfo := vk.SemaphoreCreateInfo{SType: vk.StructureTypeSemaphoreCreateInfo}
	for range handles {
		var a, r vk.Semaphore
		if err := check(vk.CreateSemaphore(d.logical, &semInfo, nil, &a), "vkCreateSemaphore"); err != nil {
			return nil, err
		}
		sc.imageAvailable = append(sc.imageAvailable, a)
		if err := check(vk.CreateSemaphore(d.logical, &semInfo, nil, &r), "vkCreateSemaphore"); err != nil {
			return nil, err
		}
		sc.rendered = append(sc.rendered, r)
	}

	if err := sc.acquire(); err != nil {
		return nil, err
	}
	core.LogInfo("Swapchain created: %d images, %dx%d.", len(sc.images), extent.Width, extent.Height)
	return sc, nil
}

// acquire takes the next image and arms the queue with its semaphores.
func (sc *SwapChain) acquire() error {
	sem := sc.imageAvailable[sc.acquires%uint64(len(sc.imageAvailable))]
	var index uint32
	res := vk.AcquireNextImage(sc.device.logical, sc.handle, math.MaxUint64, sem, vk.NullFence, &index)
	if res != vk.Success && res != vk.Suboptimal {
		return check(res, "vkAcquireNextImageKHR")
	}
	sc.acquires++
	sc.current = index
	sc.queue.presentWaits(sem, sc.rendered[index])
	return nil
}

func (sc *SwapChain) CurrentBackBufferIndex() uint32 {
	return sc.current
}

func (sc *SwapChain) Buffer(index uint32) (metadata.Resource, error) {
	if int(index) >= len(sc.images) {
		return nil, errors.Wrapf(core.ErrInvalidCall, "buffer %d of %d", index, len(sc.images))
	}
	return sc.images[index], nil
}

func (sc *SwapChain) BufferCount() uint32 {
	return uint32(len(sc.images))
}

// Present hands the current image back and acquires the next one. On failure
// the index stays where it was.
func (sc *SwapChain) Present(syncInterval uint32) error {
	if sc.released {
		return errors.Wrap(core.ErrResourceReleased, "presenting a released swap chain")
	}
	info := vk.PresentInfo{
		SType:              vk.StructureTypePresentInfo,
		WaitSemaphoreCount: 1,
		PWaitSemaphores:    []vk.Semaphore{sc.rendered[sc.current]},
		SwapchainCount:     1,
		PSwapchains:        []vk.Swapchain{sc.handle},
		PImageIndices:      []uint32{sc.current},
	}
	sc.queue.mu.Lock()
	res := vk.QueuePresent(sc.queue.handle, &info)
	sc.queue.mu.Unlock()
	if res != vk.Success {
		// the same image is rendered again, the next submission signals for it
		sc.queue.presentWaits(vk.NullSemaphore, sc.rendered[sc.current])
		// out of date surfaces are not recreated, resizing is not supported
		return errors.Wrapf(core.ErrPresentFailed, "vkQueuePresentKHR: %s", resultName(res))
	}
	if err := sc.acquire(); err != nil {
		return errors.Wrap(core.ErrPresentFailed, err.Error())
	}
	return nil
}

func (sc *SwapChain) Release() {
	if sc.released {
		return
	}
	sc.released = true
	d := sc.device
	vk.DeviceWaitIdle(d.logical)
	for _, img := range sc.images {
		if img.framebuffer != nil {
			img.framebuffer.destroy(d)
		}
		if img.view != nil {
			vk.DestroyImageView(d.logical, img.view, nil)
		}
	}
	sc.images = nil
	for _, s := range sc.imageAvailable {
		vk.DestroySemaphore(d.logical, s, nil)
	}
	for _, s := range sc.rendered {
		vk.DestroySemaphore(d.logical, s, nil)
	}
	sc.imageAvailable, sc.rendered = nil, nil
	if sc.handle != nil {
		vk.DestroySwapchain(d.logical, sc.handle, nil)
	}
	if sc.surface != vk.NullSurface {
		vk.DestroySurface(sc.factory.instance, sc.surface, nil)
	}
	core.LogDebug("Swapchain destroyed.")
}
