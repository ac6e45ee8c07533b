package vulkan

import (
	"fmt"
	"sync"

	vk "github.com/goki/vulkan"
	"github.com/pkg/errors"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
)

// CommandAllocator owns a VkCommandPool. Reset refuses to run while a
// submission recorded from the pool has not finished.
type CommandAllocator struct {
	device *Device
	pool   vk.CommandPool

	mu          sync.Mutex
	submissions []*submission
	released    bool
}

func newCommandAllocator(d *Device) (*CommandAllocator, error) {
	info := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: uint32(d.adapter.graphicsFamily),
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
	}
	a := &CommandAllocator{device: d}
	if err := check(vk.CreateCommandPool(d.logical, &info, nil, &a.pool), "vkCreateCommandPool"); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *CommandAllocator) track(s *submission) {
	a.mu.Lock()
	a.submissions = append(a.submissions, s)
	a.mu.Unlock()
}

// busy reports whether any tracked submission is still executing.
func (a *CommandAllocator) busy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	remaining := a.submissions[:0]
	for _, s := range a.submissions {
		if !s.finished() {
			remaining = append(remaining, s)
		}
	}
	a.submissions = remaining
	return len(remaining) > 0
}

func (a *CommandAllocator) Reset() error {
	if a.released {
		return errors.Wrap(core.ErrResourceReleased, "allocator released")
	}
	if a.busy() {
		a.device.report(metadata.MessageSeverityError, "COMMAND_ALLOCATOR_RESET_IN_FLIGHT",
			"command allocator reset while its command lists are executing")
		return core.ErrAllocatorInFlight
	}
	return check(vk.ResetCommandPool(a.device.logical, a.pool, 0), "vkResetCommandPool")
}

// Release destroys the pool and every buffer allocated from it.
func (a *CommandAllocator) Release() {
	if a.released {
		return
	}
	a.released = true
	vk.DestroyCommandPool(a.device.logical, a.pool, nil)
}

type listState int

const (
	listRecording listState = iota
	listClosed
)

func (s listState) String() string {
	switch s {
	case listRecording:
		return "recording"
	case listClosed:
		return "closed"
	}
	return fmt.Sprintf("listState(%d)", int(s))
}

// CommandList is a primary command buffer. Unsupported commands and invalid
// arguments are remembered and reported by Close.
type CommandList struct {
	device *Device
	alloc  *CommandAllocator
	handle vk.CommandBuffer
	state  listState
	broken bool
	err    error
	// touchesSurface is set once a swap chain image is used
	touchesSurface bool
	// image states after this recording, applied when it is submitted
	pending  map[*surfaceImage]metadata.ResourceState
	released bool
}

func newCommandList(d *Device, a *CommandAllocator) (*CommandList, error) {
	l := &CommandList{device: d}
	if err := l.allocate(a); err != nil {
		return nil, err
	}
	if err := l.begin(); err != nil {
		l.Release()
		return nil, err
	}
	return l, nil
}

func (l *CommandList) allocate(a *CommandAllocator) error {
	info := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        a.pool,
		Level:              vk.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	}
	buffers := make([]vk.CommandBuffer, 1)
	if err := check(vk.AllocateCommandBuffers(l.device.logical, &info, buffers), "vkAllocateCommandBuffers"); err != nil {
		return err
	}
	l.alloc = a
	l.handle = buffers[0]
	return nil
}

func (l *CommandList) begin() error {
	info := vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	}
	if err := check(vk.BeginCommandBuffer(l.handle, &info), "vkBeginCommandBuffer"); err != nil {
		return err
	}
	l.state = listRecording
	l.broken = false
	l.err = nil
	l.touchesSurface = false
	l.pending = map[*surfaceImage]metadata.ResourceState{}
	return nil
}

func (l *CommandList) stateOf(img *surfaceImage) metadata.ResourceState {
	if s, ok := l.pending[img]; ok {
		return s
	}
	return img.state
}

// commit applies the recorded image states once the list was submitted.
func (l *CommandList) commit() {
	for img, s := range l.pending {
		img.state = s
		img.initialized = true
	}
}

// Reset starts a new recording from alloc. Moving to another allocator
// reallocates the buffer from its pool.
func (l *CommandList) Reset(alloc metadata.CommandAllocator) error {
	a, ok := alloc.(*CommandAllocator)
	if !ok {
		return errors.Wrap(core.ErrInvalidCall, "allocator does not belong to the vulkan device")
	}
	if l.state == listRecording {
		return errors.Wrap(core.ErrInvalidState, "resetting a list that is still recording")
	}
	if a != l.alloc {
		vk.FreeCommandBuffers(l.device.logical, l.alloc.pool, 1, []vk.CommandBuffer{l.handle})
		if err := l.allocate(a); err != nil {
			return err
		}
	}
	return l.begin()
}

func (l *CommandList) Close() error {
	if l.state != listRecording {
		return core.ErrListNotRecording
	}
	l.state = listClosed
	if l.err != nil {
		l.broken = true
		return l.err
	}
	if err := check(vk.EndCommandBuffer(l.handle), "vkEndCommandBuffer"); err != nil {
		l.broken = true
		return err
	}
	return nil
}

// fail keeps the first recording error.
func (l *CommandList) fail(err error) {
	if l.err == nil {
		l.err = err
	}
}

func (l *CommandList) recording() bool {
	if l.state != listRecording {
		l.device.report(metadata.MessageSeverityError, "COMMAND_LIST_CLOSED", "command recorded into a closed list")
		return false
	}
	return true
}

func (l *CommandList) ResourceBarrier(barriers ...metadata.Barrier) {
	if !l.recording() {
		return
	}
	for _, b := range barriers {
		switch res := b.Resource.(type) {
		case *surfaceImage:
			l.touchesSurface = true
			if b.Type == metadata.BarrierTypeUAV {
				l.memoryBarrier()
				continue
			}
			if cur := l.stateOf(res); cur != b.StateBefore {
				l.device.report(metadata.MessageSeverityError, "RESOURCE_BARRIER_BEFORE_AFTER_MISMATCH",
					fmt.Sprintf("%s is %s, barrier expects %s", res.desc.Label, cur, b.StateBefore))
			}
			l.imageBarrier(res, b.StateAfter)
		case *buffer:
			if b.Type == metadata.BarrierTypeTransition {
				res.state = b.StateAfter
			}
			// buffers only need their writes made visible
			l.memoryBarrier()
		default:
			l.fail(errors.Wrapf(core.ErrInvalidCall, "barrier on foreign resource %T", b.Resource))
		}
	}
}

func (l *CommandList) imageBarrier(img *surfaceImage, after metadata.ResourceState) {
	before := l.stateOf(img)
	oldLayout := layoutFor(before)
	if _, touched := l.pending[img]; !touched && !img.initialized {
		oldLayout = vk.ImageLayoutUndefined
	}
	l.pending[img] = after
	barrier := vk.ImageMemoryBarrier{
		SType:               vk.StructureTypeImageMemoryBarrier,
		SrcAccessMask:       accessFor(before),
		DstAccessMask:       accessFor(after),
		OldLayout:           oldLayout,
		NewLayout:           layoutFor(after),
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Image:               img.handle,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
			LevelCount: 1,
			LayerCount: 1,
		},
	}
	vk.CmdPipelineBarrier(l.handle,
		vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit),
		vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit),
		0, 0, nil, 0, nil, 1, []vk.ImageMemoryBarrier{barrier})
}

func (l *CommandList) memoryBarrier() {
	barrier := vk.MemoryBarrier{
		SType:         vk.StructureTypeMemoryBarrier,
		SrcAccessMask: vk.AccessFlags(vk.AccessMemoryWriteBit),
		DstAccessMask: vk.AccessFlags(vk.AccessMemoryReadBit | vk.AccessMemoryWriteBit),
	}
	vk.CmdPipelineBarrier(l.handle,
		vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit),
		vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit),
		0, 1, []vk.MemoryBarrier{barrier}, 0, nil, 0, nil)
}

// ClearRenderTarget clears a swap chain image through a load-op-clear render
// pass. The image must be in the render target state.
func (l *CommandList) ClearRenderTarget(target metadata.Resource, color [4]float32) {
	if !l.recording() {
		return
	}
	img, ok := target.(*surfaceImage)
	if !ok {
		l.fail(errors.Wrapf(core.ErrInvalidCall, "clear target %T is not a swap chain image", target))
		return
	}
	l.touchesSurface = true
	if cur := l.stateOf(img); cur != metadata.ResourceStateRenderTarget {
		l.device.report(metadata.MessageSeverityError, "CLEAR_RENDER_TARGET_INVALID_STATE",
			fmt.Sprintf("%s is %s", img.desc.Label, cur))
	}
	if img.format == vk.FormatB8g8r8a8Unorm && img.desc.Format == metadata.FormatR8G8B8A8Unorm {
		color[0], color[2] = color[2], color[0]
	}
	img.pass.begin(l.handle, img.framebuffer, img.desc.Width, img.desc.Height, color)
	img.pass.end(l.handle)
}

func (l *CommandList) BuildRaytracingAccelerationStructure(metadata.BuildDesc) {
	if l.recording() {
		l.fail(errors.Wrap(core.ErrRayTracingUnsupported, "acceleration structure build"))
	}
}

func (l *CommandList) DispatchRays(metadata.DispatchRaysDesc) {
	if l.recording() {
		l.fail(errors.Wrap(core.ErrRayTracingUnsupported, "dispatch rays"))
	}
}

func (l *CommandList) Release() {
	if l.released {
		return
	}
	l.released = true
	if !l.alloc.released {
		vk.FreeCommandBuffers(l.device.logical, l.alloc.pool, 1, []vk.CommandBuffer{l.handle})
	}
}

func layoutFor(s metadata.ResourceState) vk.ImageLayout {
	switch s {
	case metadata.ResourceStatePresent:
		return vk.ImageLayoutPresentSrc
	case metadata.ResourceStateRenderTarget:
		return vk.ImageLayoutColorAttachmentOptimal
	case metadata.ResourceStateGenericRead:
		return vk.ImageLayoutShaderReadOnlyOptimal
	}
	return vk.ImageLayoutGeneral
}

func accessFor(s metadata.ResourceState) vk.AccessFlags {
	switch s {
	case metadata.ResourceStateRenderTarget:
		return vk.AccessFlags(vk.AccessColorAttachmentReadBit | vk.AccessColorAttachmentWriteBit)
	case metadata.ResourceStateUnorderedAccess:
		return vk.AccessFlags(vk.AccessShaderReadBit | vk.AccessShaderWriteBit)
	case metadata.ResourceStateGenericRead:
		return vk.AccessFlags(vk.AccessShaderReadBit)
	}
	return 0
}
