package software

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
)

type resource struct {
	device *Device
	id     uint32
	desc   metadata.ResourceDesc
	va     metadata.GPUVirtualAddress

	// guarded by device.mu
	data         []byte
	gpuState     metadata.ResourceState
	pendingWrite bool

	releaseOnce sync.Once
	released    bool
}

func (r *resource) Desc() metadata.ResourceDesc {
	return r.desc
}

func (r *resource) GPUVirtualAddress() metadata.GPUVirtualAddress {
	return r.va
}

func (r *resource) Map() ([]byte, error) {
	if r.desc.Heap != metadata.HeapTypeUpload {
		return nil, errors.Wrapf(core.ErrInvalidCall, "%q is not CPU visible", r.desc.Label)
	}
	r.device.mu.Lock()
	defer r.device.mu.Unlock()
	if r.released {
		return nil, errors.Wrapf(core.ErrResourceReleased, "mapping %q", r.desc.Label)
	}
	return r.data, nil
}

func (r *resource) Unmap() {}

func (r *resource) Release() {
	r.releaseOnce.Do(func() {
		r.device.mu.Lock()
		r.released = true
		r.device.mu.Unlock()
		r.device.releaseResource(r)
	})
}

// ReadResource copies the current contents of res. Call it after the fence
// covering the writes has completed.
func (d *Device) ReadResource(res metadata.Resource) ([]byte, error) {
	r, ok := res.(*resource)
	if !ok || r.device != d {
		return nil, errors.Wrap(core.ErrInvalidCall, "resource does not belong to this device")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if r.released {
		return nil, errors.Wrapf(core.ErrResourceReleased, "reading %q", r.desc.Label)
	}
	return append([]byte(nil), r.data...), nil
}

// ResourceState returns the state res is in on the GPU timeline.
func (d *Device) ResourceState(res metadata.Resource) metadata.ResourceState {
	r := res.(*resource)
	d.mu.Lock()
	defer d.mu.Unlock()
	return r.gpuState
}

type pipeline struct {
	desc metadata.RaytracingPipelineDesc
}

func (p *pipeline) Desc() metadata.RaytracingPipelineDesc {
	return p.desc
}

func (p *pipeline) Release() {}
