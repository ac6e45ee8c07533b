package vulkan

import (
	vk "github.com/goki/vulkan"
)

type framebuffer struct {
	handle vk.Framebuffer
}

func newFramebuffer(d *Device, rp *renderpass, view vk.ImageView, width, height uint32) (*framebuffer, error) {
	info := vk.FramebufferCreateInfo{
		SType:           vk.StructureTypeFramebufferCreateInfo,
		RenderPass:      rp.handle,
		AttachmentCount: 1,
		PAttachments:    []vk.ImageView{view},
		Width:           width,
		Height:          height,
		Layers:          1,
	}
	fb := &framebuffer{}
	if err := check(vk.CreateFramebuffer(d.logical, &info, nil, &fb.handle), "vkCreateFramebuffer"); err != nil {
		return nil, err
	}
	return fb, nil
}

func (fb *framebuffer) destroy(d *Device) {
	if fb.handle != nil {
		vk.DestroyFramebuffer(d.logical, fb.handle, nil)
		fb.handle = nil
	}
}
