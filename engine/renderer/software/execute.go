package software

import (
	"encoding/binary"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/pkg/errors"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
)

// execute runs one submission on the queue worker.
func (d *Device) execute(submission uint64, cmds []command) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	for _, c := range cmds {
		var err error
		switch c.kind {
		case cmdBarrier:
			d.executeBarriers(submission, c.barriers)
		case cmdClear:
			d.executeClear(submission, c.target, c.color)
		case cmdBuildAS:
			err = d.executeBuild(submission, c.build)
		case cmdDispatchRays:
			err = d.executeDispatch(submission, c.dispatch)
		}
		if err != nil {
			d.report(false, "EXECUTION_ERROR", "submission %d: %s", submission, err)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Wrapf(errs[0], "submission %d had %d failing commands", submission, len(errs))
	}
	return nil
}

func (d *Device) executeBarriers(submission uint64, barriers []metadata.Barrier) {
	for _, b := range barriers {
		r := b.Resource.(*resource)
		if r.released {
			d.report(false, "RESOURCE_BARRIER_RELEASED", "barrier on released resource %q", r.desc.Label)
			continue
		}
		switch b.Type {
		case metadata.BarrierTypeTransition:
			if r.gpuState != b.StateBefore {
				d.stats.stateMismatches.Add(1)
				d.report(false, "RESOURCE_BARRIER_BEFORE_AFTER_MISMATCH",
					"%q is in %s, barrier expects %s", r.desc.Label, r.gpuState, b.StateBefore)
			}
			r.gpuState = b.StateAfter
			r.pendingWrite = false
			d.stats.transitions.Add(1)
			d.record(ExecutedCommand{Kind: "Transition", Resource: r.desc.Label, Before: b.StateBefore, After: b.StateAfter, Submission: submission})
		case metadata.BarrierTypeUAV:
			r.pendingWrite = false
			d.stats.uavBarriers.Add(1)
			d.record(ExecutedCommand{Kind: "UAVBarrier", Resource: r.desc.Label, Before: r.gpuState, After: r.gpuState, Submission: submission})
		}
	}
}

func (d *Device) executeClear(submission uint64, r *resource, color [4]float32) {
	if r.gpuState != metadata.ResourceStateRenderTarget {
		d.stats.stateMismatches.Add(1)
		d.report(false, "CLEAR_RENDER_TARGET_INVALID_STATE", "clearing %q in %s", r.desc.Label, r.gpuState)
	}
	var px [4]byte
	for k := 0; k < 4; k++ {
		px[k] = uint8(core.Clamp(color[k], 0, 1)*255 + 0.5)
	}
	if r.desc.Format == metadata.FormatB8G8R8A8Unorm {
		px[0], px[2] = px[2], px[0]
	}
	for i := 0; i+4 <= len(r.data); i += 4 {
		copy(r.data[i:], px[:])
	}
	d.stats.clears.Add(1)
	d.record(ExecutedCommand{Kind: "Clear", Resource: r.desc.Label, Before: r.gpuState, After: r.gpuState, Submission: submission})
}

// span returns the bytes of the buffer containing addr starting at addr.
func (d *Device) span(addr metadata.GPUVirtualAddress, what string) (*resource, []byte, error) {
	r := d.lookupVA(addr)
	if r == nil {
		return nil, nil, errors.Wrapf(core.ErrInvalidCall, "%s address 0x%x is not mapped", what, uint64(addr))
	}
	return r, r.data[uint64(addr-r.va):], nil
}

func (d *Device) executeBuild(submission uint64, desc metadata.BuildDesc) error {
	dest, destBytes, err := d.span(desc.Dest, "destination")
	if err != nil {
		return err
	}
	scratch, scratchBytes, err := d.span(desc.Scratch, "scratch")
	if err != nil {
		return err
	}
	if dest.gpuState != metadata.ResourceStateAccelerationStructure {
		d.report(true, "ACCELERATION_STRUCTURE_INVALID_STATE", "destination %q is in %s", dest.desc.Label, dest.gpuState)
	}
	if scratch.gpuState != metadata.ResourceStateUnorderedAccess {
		d.report(true, "ACCELERATION_STRUCTURE_INVALID_STATE", "scratch %q is in %s", scratch.desc.Label, scratch.gpuState)
	}
	if scratch.pendingWrite {
		d.stats.hazards.Add(1)
		d.report(true, "ACCELERATION_STRUCTURE_HAZARD", "scratch %q reused without a UAV barrier", scratch.desc.Label)
	}

	var blob []byte
	var required uint64
	switch desc.Inputs.Type {
	case metadata.AccelerationStructureTypeBottomLevel:
		var tris []triangle
		for _, g := range desc.Inputs.Geometries {
			vb, vbBytes, err := d.span(g.Triangles.VertexBuffer, "vertex buffer")
			if err != nil {
				return err
			}
			if vb.gpuState != metadata.ResourceStateGenericRead {
				d.report(true, "ACCELERATION_STRUCTURE_INVALID_STATE", "vertex buffer %q is in %s", vb.desc.Label, vb.gpuState)
			}
			need := uint64(g.Triangles.VertexCount) * g.Triangles.VertexStride
			if g.Triangles.VertexStride < 12 || uint64(len(vbBytes)) < need {
				return errors.Wrapf(core.ErrInvalidCall, "vertex buffer %q too small for %d vertices", vb.desc.Label, g.Triangles.VertexCount)
			}
			verts := metadata.DecodeVertices(vbBytes, g.Triangles.VertexStride, g.Triangles.VertexCount)
			for i := 0; i+2 < len(verts); i += 3 {
				tris = append(tris, triangle{verts[i], verts[i+1], verts[i+2]})
			}
		}
		if len(tris) == 0 {
			return errors.Wrap(core.ErrInvalidCall, "bottom-level build without triangles")
		}
		blob = buildBLAS(tris)
		required = core.AlignUp[uint64](uint64(len(tris))*16, scratchAlignment)
	case metadata.AccelerationStructureTypeTopLevel:
		_, instBytes, err := d.span(desc.Inputs.InstanceDescs, "instance descriptors")
		if err != nil {
			return err
		}
		n := int(desc.Inputs.NumDescs)
		if n == 0 || len(instBytes) < n*metadata.InstanceDescSize {
			return errors.Wrapf(core.ErrInvalidCall, "instance buffer too small for %d instances", n)
		}
		blob = make([]byte, tlasSize(uint64(n)))
		binary.LittleEndian.PutUint32(blob[0:], tlasMagic)
		binary.LittleEndian.PutUint32(blob[4:], uint32(n))
		for i := 0; i < n; i++ {
			raw := instBytes[i*metadata.InstanceDescSize : (i+1)*metadata.InstanceDescSize]
			inst := metadata.DecodeInstanceDesc(raw)
			blas := d.lookupVA(inst.AccelerationStructure)
			if blas == nil {
				return errors.Wrapf(core.ErrInvalidCall, "instance %d references unmapped address 0x%x", i, uint64(inst.AccelerationStructure))
			}
			if _, ok := openBLAS(blas.data[uint64(inst.AccelerationStructure-blas.va):]); !ok {
				return errors.Wrapf(core.ErrInvalidCall, "instance %d references %q which holds no bottom-level structure", i, blas.desc.Label)
			}
			if blas.pendingWrite {
				d.stats.hazards.Add(1)
				d.report(true, "ACCELERATION_STRUCTURE_HAZARD", "instance %d reads %q before its build completed", i, blas.desc.Label)
			}
			copy(blob[blobHeaderSize+i*metadata.InstanceDescSize:], raw)
		}
		required = core.AlignUp[uint64](uint64(n)*32, scratchAlignment)
	default:
		return errors.Wrapf(core.ErrInvalidCall, "unknown acceleration structure type %d", desc.Inputs.Type)
	}

	if uint64(len(scratchBytes)) < required {
		return errors.Wrapf(core.ErrInvalidCall, "scratch %q holds %d bytes, build needs %d", scratch.desc.Label, len(scratchBytes), required)
	}
	if len(destBytes) < len(blob) {
		return errors.Wrapf(core.ErrInvalidCall, "destination %q holds %d bytes, build needs %d", dest.desc.Label, len(destBytes), len(blob))
	}
	copy(destBytes, blob)
	dest.pendingWrite = true
	scratch.pendingWrite = true
	d.stats.asBuilds.Add(1)

	kind := "BuildBLAS"
	if desc.Inputs.Type == metadata.AccelerationStructureTypeTopLevel {
		kind = "BuildTLAS"
	}
	d.record(ExecutedCommand{Kind: kind, Resource: dest.desc.Label, Before: dest.gpuState, After: dest.gpuState, Submission: submission})
	return nil
}

type sceneInstance struct {
	desc    metadata.InstanceDesc
	inverse mgl32.Mat4
	blas    blasView
}

func (d *Device) executeDispatch(submission uint64, desc metadata.DispatchRaysDesc) error {
	out := desc.Output.(*resource)
	if out.gpuState != metadata.ResourceStateUnorderedAccess {
		d.report(true, "DISPATCH_RAYS_INVALID_STATE", "output %q is in %s", out.desc.Label, out.gpuState)
	}
	if uint64(len(out.data)) < uint64(desc.Width)*uint64(desc.Height)*4 {
		return errors.Wrapf(core.ErrInvalidCall, "output %q too small for %dx%d", out.desc.Label, desc.Width, desc.Height)
	}

	scene, sceneBytes, err := d.span(desc.Scene, "scene")
	if err != nil {
		return err
	}
	if scene.pendingWrite {
		d.stats.hazards.Add(1)
		d.report(true, "ACCELERATION_STRUCTURE_HAZARD", "rays traced against %q before its build completed", scene.desc.Label)
	}
	if len(sceneBytes) < blobHeaderSize || binary.LittleEndian.Uint32(sceneBytes) != tlasMagic {
		return errors.Wrapf(core.ErrInvalidCall, "%q holds no top-level structure", scene.desc.Label)
	}

	n := int(binary.LittleEndian.Uint32(sceneBytes[4:]))
	instances := make([]sceneInstance, 0, n)
	for i := 0; i < n; i++ {
		off := blobHeaderSize + i*metadata.InstanceDescSize
		inst := metadata.DecodeInstanceDesc(sceneBytes[off : off+metadata.InstanceDescSize])
		if inst.InstanceMask == 0 {
			continue
		}
		blas := d.lookupVA(inst.AccelerationStructure)
		if blas == nil {
			return errors.Wrapf(core.ErrResourceReleased, "instance %d references a released structure", i)
		}
		view, ok := openBLAS(blas.data[uint64(inst.AccelerationStructure-blas.va):])
		if !ok {
			return errors.Wrapf(core.ErrInvalidCall, "instance %d references corrupt structure %q", i, blas.desc.Label)
		}
		m := mgl32.Ident4()
		for r := 0; r < 3; r++ {
			for c := 0; c < 4; c++ {
				m.Set(r, c, inst.Transform[r][c])
			}
		}
		if m.Det() == 0 {
			continue
		}
		instances = append(instances, sceneInstance{desc: inst, inverse: m.Inv(), blas: view})
	}

	traceOrthographic(instances, desc.Width, desc.Height, out.data)
	out.pendingWrite = true
	d.stats.rayDispatches.Add(1)
	d.record(ExecutedCommand{Kind: "DispatchRays", Resource: out.desc.Label, Before: out.gpuState, After: out.gpuState, Submission: submission})
	return nil
}

// traceOrthographic shoots one +Z ray per pixel from z = -1 through the
// [-1, 1] square. Each pixel receives instanceID+1 of the closest hit, 0 on a
// miss.
func traceOrthographic(instances []sceneInstance, width, height uint32, out []byte) {
	for y := uint32(0); y < height; y++ {
		for x := uint32(0); x < width; x++ {
			origin := mgl32.Vec3{
				(float32(x)+0.5)/float32(width)*2 - 1,
				1 - (float32(y)+0.5)/float32(height)*2,
				-1,
			}
			dir := mgl32.Vec3{0, 0, 1}

			var value uint32
			best := float32(1e30)
			for _, inst := range instances {
				o := inst.inverse.Mul4x1(origin.Vec4(1)).Vec3()
				dd := inst.inverse.Mul4x1(dir.Vec4(0)).Vec3()
				if t, ok := inst.blas.intersect(o, dd, 0, best); ok {
					best = t
					value = inst.desc.InstanceID + 1
				}
			}
			binary.LittleEndian.PutUint32(out[(y*width+x)*4:], value)
		}
	}
}
