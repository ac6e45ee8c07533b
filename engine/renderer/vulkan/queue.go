package vulkan

import (
	"sync"
	"time"

	vk "github.com/goki/vulkan"
	"github.com/pkg/errors"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
)

// waitSlice bounds a single vkWaitForFences call so context cancellation is
// noticed.
const waitSlice = uint64(time.Millisecond)

// submission is one vkQueueSubmit tracked through a pooled VkFence.
type submission struct {
	queue *Queue
	fence vk.Fence
	done  bool
}

// finished polls the queue once. It takes the queue lock.
func (s *submission) finished() bool {
	s.queue.mu.Lock()
	defer s.queue.mu.Unlock()
	if !s.done {
		s.queue.retire()
	}
	return s.done
}

// Queue is the graphics queue of the device. Completion is observed by
// polling the fences of in-flight submissions in order.
type Queue struct {
	device *Device
	handle vk.Queue

	mu       sync.Mutex
	inFlight []*submission
	// set by the swap chain after an acquire, consumed by the next submission
	// that touches a surface
	acquired vk.Semaphore
	rendered vk.Semaphore
	released bool
}

func newQueue(d *Device) *Queue {
	return &Queue{device: d, handle: d.queue}
}

// submit sends the buffers with a fresh fence. The caller holds q.mu.
func (q *Queue) submit(buffers []vk.CommandBuffer, wait, signal vk.Semaphore) (*submission, error) {
	fence, err := q.device.acquireFence()
	if err != nil {
		return nil, err
	}
	info := vk.SubmitInfo{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: uint32(len(buffers)),
		PCommandBuffers:    buffers,
	}
	if wait != vk.NullSemaphore {
		info.WaitSemaphoreCount = 1
		info.PWaitSemaphores = []vk.Semaphore{wait}
		info.PWaitDstStageMask = []vk.PipelineStageFlags{vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit)}
	}
	if signal != vk.NullSemaphore {
		info.SignalSemaphoreCount = 1
		info.PSignalSemaphores = []vk.Semaphore{signal}
	}
	if err := check(vk.QueueSubmit(q.handle, 1, []vk.SubmitInfo{info}, fence), "vkQueueSubmit"); err != nil {
		q.device.recycleFence(fence)
		return nil, err
	}
	s := &submission{queue: q, fence: fence}
	q.inFlight = append(q.inFlight, s)
	return s, nil
}

// retire marks finished submissions done, oldest first, and recycles their
// fences. The caller holds q.mu.
func (q *Queue) retire() {
	n := 0
	for _, s := range q.inFlight {
		if vk.GetFenceStatus(q.device.logical, s.fence) != vk.Success {
			break
		}
		s.done = true
		q.device.recycleFence(s.fence)
		n++
	}
	q.inFlight = q.inFlight[n:]
}

// waitFor blocks for at most one slice on s.
func (q *Queue) waitFor(s *submission) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if s.done {
		return nil
	}
	res := vk.WaitForFences(q.device.logical, 1, []vk.Fence{s.fence}, vk.True, waitSlice)
	if res != vk.Success && res != vk.Timeout {
		return check(res, "vkWaitForFences")
	}
	q.retire()
	return nil
}

func (q *Queue) ExecuteCommandLists(lists ...metadata.CommandList) error {
	s, cls, err := q.execute(lists)
	if err != nil {
		return err
	}
	// allocators are locked after the queue is let go
	for _, cl := range cls {
		cl.alloc.track(s)
	}
	return nil
}

func (q *Queue) execute(lists []metadata.CommandList) (*submission, []*CommandList, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.released {
		return nil, nil, errors.Wrap(core.ErrResourceReleased, "queue released")
	}

	buffers := make([]vk.CommandBuffer, 0, len(lists))
	cls := make([]*CommandList, 0, len(lists))
	surface := false
	for _, l := range lists {
		cl, ok := l.(*CommandList)
		if !ok {
			return nil, nil, errors.Wrap(core.ErrInvalidCall, "list does not belong to the vulkan device")
		}
		if cl.state != listClosed || cl.broken {
			return nil, nil, errors.Wrapf(core.ErrListNotClosed, "list is %s", cl.state)
		}
		buffers = append(buffers, cl.handle)
		cls = append(cls, cl)
		surface = surface || cl.touchesSurface
	}

	var wait, signal vk.Semaphore
	if surface {
		wait, signal = q.acquired, q.rendered
		q.acquired, q.rendered = vk.NullSemaphore, vk.NullSemaphore
	}
	s, err := q.submit(buffers, wait, signal)
	if err != nil {
		return nil, nil, err
	}
	for _, cl := range cls {
		cl.commit()
	}
	return s, cls, nil
}

// Signal submits an empty batch whose completion advances fence to value.
func (q *Queue) Signal(fence metadata.Fence, value uint64) error {
	f, ok := fence.(*Fence)
	if !ok {
		return errors.Wrap(core.ErrInvalidCall, "fence does not belong to the vulkan device")
	}
	q.mu.Lock()
	if q.released {
		q.mu.Unlock()
		return errors.Wrap(core.ErrResourceReleased, "queue released")
	}
	s, err := q.submit(nil, vk.NullSemaphore, vk.NullSemaphore)
	q.mu.Unlock()
	if err != nil {
		return err
	}
	if !f.enqueue(q, s, value) {
		q.device.report(metadata.MessageSeverityError, "FENCE_VALUE_DECREASED",
			"signal value is lower than a previous signal of the fence")
	}
	return nil
}

// presentWaits arms the semaphores for the next surface submission.
func (q *Queue) presentWaits(acquired, rendered vk.Semaphore) {
	q.mu.Lock()
	q.acquired, q.rendered = acquired, rendered
	q.mu.Unlock()
}

func (q *Queue) Release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.released {
		return
	}
	q.released = true
	vk.QueueWaitIdle(q.handle)
	q.retire()
}
