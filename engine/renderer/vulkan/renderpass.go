package vulkan

import (
	vk "github.com/goki/vulkan"
)

// renderpass is a single subpass pass whose only job is to clear a color
// attachment that is already in COLOR_ATTACHMENT_OPTIMAL.
type renderpass struct {
	handle vk.RenderPass
	format vk.Format
}

func newClearRenderpass(d *Device, format vk.Format) (*renderpass, error) {
	colorAttachment := vk.AttachmentDescription{
		Format:         format,
		Samples:        vk.SampleCount1Bit,
		LoadOp:         vk.AttachmentLoadOpClear,
		StoreOp:        vk.AttachmentStoreOpStore,
		StencilLoadOp:  vk.AttachmentLoadOpDontCare,
		StencilStoreOp: vk.AttachmentStoreOpDontCare,
		// layout changes are explicit barriers
		InitialLayout: vk.ImageLayoutColorAttachmentOptimal,
		FinalLayout:   vk.ImageLayoutColorAttachmentOptimal,
	}
	colorRef := []vk.AttachmentReference{{
		Attachment: 0,
		Layout:     vk.ImageLayoutColorAttachmentOptimal,
	}}
	subpass := vk.SubpassDescription{
		PipelineBindPoint:    vk.PipelineBindPointGraphics,
		ColorAttachmentCount: 1,
		PColorAttachments:    colorRef,
	}
	dependency := vk.SubpassDependency{
		SrcSubpass:    vk.SubpassExternal,
		DstSubpass:    0,
		SrcStageMask:  vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit),
		DstStageMask:  vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit),
		DstAccessMask: vk.AccessFlags(vk.AccessColorAttachmentReadBit | vk.AccessColorAttachmentWriteBit),
	}

	info := vk.RenderPassCreateInfo{
		SType:           vk.StructureTypeRenderPassCreateInfo,
		AttachmentCount: 1,
		PAttachments:    []vk.AttachmentDescription{colorAttachment},
		SubpassCount:    1,
		PSubpasses:      []vk.SubpassDescription{subpass},
		DependencyCount: 1,
		PDependencies:   []vk.SubpassDependency{dependency},
	}
	rp := &renderpass{format: format}
	if err := check(vk.CreateRenderPass(d.logical, &info, nil, &rp.handle), "vkCreateRenderPass"); err != nil {
		return nil, err
	}
	return rp, nil
}

func (rp *renderpass) begin(cmd vk.CommandBuffer, fb *framebuffer, width, height uint32, color [4]float32) {
	clear := make([]vk.ClearValue, 1)
	clear[0].SetColor(color[:])
	info := vk.RenderPassBeginInfo{
		SType:       vk.StructureTypeRenderPassBeginInfo,
		RenderPass:  rp.handle,
		Framebuffer: fb.handle,
		RenderArea: vk.Rect2D{
			Extent: vk.Extent2D{Width: width, Height: height},
		},
		ClearValueCount: 1,
		PClearValues:    clear,
	}
	vk.CmdBeginRenderPass(cmd, &info, vk.SubpassContentsInline)
}

func (rp *renderpass) end(cmd vk.CommandBuffer) {
	vk.CmdEndRenderPass(cmd)
}

func (rp *renderpass) destroy(d *Device) {
	if rp.handle != nil {
		vk.DestroyRenderPass(d.logical, rp.handle, nil)
		rp.handle = nil
	}
}
