package renderer

import (
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rt/engine/renderer/software"
)

func TestMain(m *testing.M) {
	core.LogSetOutput(io.Discard)
	os.Exit(m.Run())
}

var testWindow = metadata.WindowHandle{Width: 8, Height: 8}

func newTestContext(t *testing.T, opts software.Options) (*DeviceContext, *software.Device) {
	t.Helper()
	dc, err := CreateDevice(software.NewFactory(opts), DeviceOptions{RequireRayTracing: true})
	require.NoError(t, err)
	t.Cleanup(dc.Release)
	return dc, dc.Device.(*software.Device)
}

func newTestRenderer(t *testing.T, sw software.Options, mutate func(*Options)) *Renderer {
	t.Helper()
	opts := Options{
		FrameCount:   2,
		ClearColor:   [4]float32{0, 0, 1, 1},
		Device:       DeviceOptions{RequireRayTracing: true},
		FenceTimeout: 5 * time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	r := New(software.NewFactory(sw), opts)
	require.NoError(t, r.Initialize(testWindow))
	t.Cleanup(func() { _ = r.Shutdown() })
	return r
}

func softwareDevice(r *Renderer) *software.Device {
	return r.DeviceContext().Device.(*software.Device)
}

func requireUnpaired(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		rec := recover()
		require.NotNil(t, rec, "expected a panic")
		err, ok := rec.(error)
		require.True(t, ok)
		assert.ErrorIs(t, err, core.ErrUnpairedTransition)
	}()
	fn()
}

// assertTransitionsPaired checks that surfaces alternate between
// Present->RenderTarget and RenderTarget->Present on the GPU timeline.
func assertTransitionsPaired(t *testing.T, log []software.ExecutedCommand) {
	t.Helper()
	open := map[string]bool{}
	for _, c := range log {
		if c.Kind != "Transition" {
			continue
		}
		switch {
		case c.Before == metadata.ResourceStatePresent && c.After == metadata.ResourceStateRenderTarget:
			assert.False(t, open[c.Resource], "double transition to render target on %s", c.Resource)
			open[c.Resource] = true
		case c.Before == metadata.ResourceStateRenderTarget && c.After == metadata.ResourceStatePresent:
			assert.True(t, open[c.Resource], "present transition without render target on %s", c.Resource)
			open[c.Resource] = false
		}
	}
	for res, o := range open {
		assert.False(t, o, "%s left in render target", res)
	}
}

// assertPresentsPaired checks that every present of a surface is preceded by
// exactly one RenderTarget->Present transition of that surface since its
// previous present, and returns the number of presents.
func assertPresentsPaired(t *testing.T, log []software.ExecutedCommand) int {
	t.Helper()
	assertTransitionsPaired(t, log)
	pending := map[string]int{}
	presents := 0
	for _, c := range log {
		switch {
		case c.Kind == "Transition" && c.After == metadata.ResourceStatePresent:
			pending[c.Resource]++
		case c.Kind == "Present":
			presents++
			assert.Equal(t, 1, pending[c.Resource], "present of %s", c.Resource)
			pending[c.Resource] = 0
		}
	}
	return presents
}

// fakeResource and fakeList let the tracker be tested without a device.
type fakeResource struct {
	label string
}

func (r *fakeResource) Desc() metadata.ResourceDesc {
	return metadata.ResourceDesc{Label: r.label}
}

func (r *fakeResource) GPUVirtualAddress() metadata.GPUVirtualAddress { return 0 }

func (r *fakeResource) Map() ([]byte, error) { return nil, core.ErrUnsupported }

func (r *fakeResource) Unmap() {}

func (r *fakeResource) Release() {}

type fakeList struct {
	barriers []metadata.Barrier
}

func (l *fakeList) Reset(metadata.CommandAllocator) error { return nil }

func (l *fakeList) Close() error { return nil }

func (l *fakeList) ResourceBarrier(b ...metadata.Barrier) {
	l.barriers = append(l.barriers, b...)
}

func (l *fakeList) ClearRenderTarget(metadata.Resource, [4]float32) {}

func (l *fakeList) BuildRaytracingAccelerationStructure(metadata.BuildDesc) {}

func (l *fakeList) DispatchRays(metadata.DispatchRaysDesc) {}

func (l *fakeList) Release() {}
