package renderer

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rt/engine/renderer/software"
)

func TestRenderFiveFrames(t *testing.T) {
	r := newTestRenderer(t, software.Options{RecordExecution: true, ExecutionLatency: time.Millisecond}, nil)
	dev := softwareDevice(r)

	for i := 0; i < 5; i++ {
		res, err := r.RenderFrameResult()
		require.NoError(t, err)
		assert.True(t, res.Presented, "frame %d", res.Frame)
		assert.Equal(t, uint32(i%2), res.SurfaceIndex)
	}

	ring := r.Ring()
	waits := ring.Stats().Waits
	require.NoError(t, r.Shutdown())
	// shutdown waits on both slots
	assert.Equal(t, waits+2, ring.Stats().Waits)

	stats := dev.Stats()
	assert.Equal(t, uint64(5), stats.PresentCalls)
	assert.Equal(t, uint64(5), stats.Presents)
	assert.Equal(t, 5, assertPresentsPaired(t, dev.ExecutionLog()))
	assert.Zero(t, stats.StateMismatches)
	assert.Zero(t, stats.Hazards)
	assert.Zero(t, stats.AllocatorResetsInFlight)
	assert.Zero(t, ring.Stats().UnsafeResets)
	assert.Equal(t, 0, stats.LiveResources)
}

func TestPresentFailureOnThirdFrame(t *testing.T) {
	r := newTestRenderer(t, software.Options{
		RecordExecution: true,
		Faults:          software.Faults{FailPresent: func(n uint64) bool { return n == 3 }},
	}, nil)
	dev := softwareDevice(r)

	var results []FrameResult
	for i := 0; i < 5; i++ {
		res, err := r.RenderFrameResult()
		require.NoError(t, err)
		results = append(results, res)
	}

	for i, res := range results {
		if i == 2 {
			assert.True(t, res.Dropped)
			assert.True(t, res.Submitted)
			assert.ErrorIs(t, res.Err, core.ErrPresentFailed)
			continue
		}
		assert.True(t, res.Presented, "frame %d", res.Frame)
		assert.False(t, res.Dropped)
	}

	// frame 3 and 4 both rendered into surface 0, its slot fence advanced for both
	assert.Equal(t, uint32(0), results[2].SurfaceIndex)
	assert.Equal(t, uint32(0), results[3].SurfaceIndex)
	slot := r.Ring().Slot(0)
	require.NoError(t, r.Ring().WaitForSlot(slot))
	assert.Equal(t, uint64(3), slot.Target())
	assert.Equal(t, uint64(3), slot.Fence.CompletedValue())

	stats := r.Stats()
	assert.Equal(t, uint64(4), stats.Frames.Presented)
	assert.Equal(t, uint64(1), stats.Frames.Dropped)
	assert.Equal(t, uint64(5), stats.Frames.Submitted)

	require.NoError(t, r.Shutdown())
	assert.Equal(t, uint64(4), dev.Stats().Presents)
	assertTransitionsPaired(t, dev.ExecutionLog())
	assert.Zero(t, dev.Stats().StateMismatches)
}

func TestCloseFailureDropsFrame(t *testing.T) {
	r := newTestRenderer(t, software.Options{
		Faults: software.Faults{FailClose: func(n uint64) bool { return n == 3 }},
	}, nil)
	dev := softwareDevice(r)

	// the acceleration structure build used close 1
	for i := 0; i < 4; i++ {
		require.NoError(t, r.RenderFrame())
	}
	stats := r.Stats()
	assert.Equal(t, uint64(1), stats.Frames.Dropped)
	assert.Equal(t, uint64(3), stats.Frames.Presented)
	assert.Equal(t, uint64(1), stats.Tracker.Abandoned)

	for _, s := range r.driver.surfaces {
		state, _ := r.Tracker().State(s)
		assert.Equal(t, metadata.ResourceStatePresent, state)
	}
	require.NoError(t, r.Shutdown())
	assert.Zero(t, dev.Stats().StateMismatches)
}

func TestRecorderFailureDropsFrame(t *testing.T) {
	calls := 0
	r := newTestRenderer(t, software.Options{}, func(o *Options) {
		o.Recorder = SceneRecorderFunc(func(rc *RecordContext) error {
			calls++
			if calls == 2 {
				return errors.New("scene not ready")
			}
			return nil
		})
	})
	dev := softwareDevice(r)

	for i := 0; i < 3; i++ {
		require.NoError(t, r.RenderFrame())
	}
	stats := r.Stats()
	assert.Equal(t, uint64(1), stats.Frames.Dropped)
	assert.Equal(t, uint64(2), stats.Frames.Presented)
	assert.Empty(t, r.Tracker().Open())
	require.NoError(t, r.Shutdown())
	assert.Zero(t, dev.Stats().StateMismatches)
}

func TestRecycleFailureStillPresents(t *testing.T) {
	cases := map[string]software.Faults{
		"allocator": {FailAllocatorReset: func(n uint64) bool { return n == 1 }},
		"list":      {FailListReset: func(n uint64) bool { return n == 1 }},
	}
	for name, faults := range cases {
		t.Run(name, func(t *testing.T) {
			r := newTestRenderer(t, software.Options{RecordExecution: true, Faults: faults}, nil)
			dev := softwareDevice(r)

			// frame 2 fails to recycle slot 0, frame 3 recycles it on acquire
			for i := 0; i < 4; i++ {
				res, err := r.RenderFrameResult()
				require.NoError(t, err)
				assert.True(t, res.Presented, "frame %d", res.Frame)
				assert.NoError(t, res.Err)
			}

			stats := r.Stats()
			assert.Equal(t, uint64(4), stats.Frames.Presented)
			assert.Zero(t, stats.Frames.Dropped)
			assert.Equal(t, uint64(1), stats.Frames.ResetFailures)
			assert.Equal(t, uint64(3), stats.Ring.Resets)

			for i := 0; i < r.Ring().Count(); i++ {
				slot := r.Ring().Slot(i)
				require.NoError(t, r.Ring().WaitForSlot(slot))
				assert.Equal(t, uint64(2), slot.Target())
				assert.Equal(t, uint64(2), slot.Fence.CompletedValue())
			}

			require.NoError(t, r.Shutdown())
			assert.Equal(t, 4, assertPresentsPaired(t, dev.ExecutionLog()))
			assert.Zero(t, dev.Stats().AllocatorResetsInFlight)
			assert.Zero(t, dev.Stats().StateMismatches)
		})
	}
}

func TestDispatchRaysIntoSlotOutput(t *testing.T) {
	var output metadata.Resource
	r := newTestRenderer(t, software.Options{}, func(o *Options) {
		o.Recorder = SceneRecorderFunc(func(rc *RecordContext) error {
			output = rc.Output
			rc.List.DispatchRays(metadata.DispatchRaysDesc{
				Pipeline: rc.Pipeline,
				Scene:    rc.Scene,
				Output:   rc.Output,
				Width:    rc.Width,
				Height:   rc.Height,
			})
			return nil
		})
	})
	dev := softwareDevice(r)

	res, err := r.RenderFrameResult()
	require.NoError(t, err)
	require.True(t, res.Presented)
	require.NoError(t, r.DeviceContext().WaitIdle(time.Second))

	data, err := dev.ReadResource(output)
	require.NoError(t, err)
	px := func(x, y uint32) uint32 {
		return binary.LittleEndian.Uint32(data[(y*testWindow.Width+x)*4:])
	}
	assert.Equal(t, uint32(1), px(4, 4))
	assert.Equal(t, uint32(0), px(0, 0))
	assert.Equal(t, uint32(0), px(7, 7))
	assert.Zero(t, dev.Stats().Hazards)
	assert.Equal(t, uint64(1), dev.Stats().RayDispatches)
}

func TestClearColorReachesFrontBuffer(t *testing.T) {
	r := newTestRenderer(t, software.Options{}, nil)
	r.SetClearColor([4]float32{0, 1, 0, 1})
	require.NoError(t, r.RenderFrame())
	require.NoError(t, r.DeviceContext().WaitIdle(time.Second))

	front := r.SwapChain().(*software.SwapChain).FrontBuffer()
	require.NotEmpty(t, front)
	assert.Equal(t, []byte{0, 255, 0, 255}, front[:4])
}

func TestShutdownIsIdempotent(t *testing.T) {
	r := newTestRenderer(t, software.Options{ExecutionLatency: 5 * time.Millisecond}, nil)
	require.NoError(t, r.RenderFrame())
	require.NoError(t, r.RenderFrame())

	require.NoError(t, r.Shutdown())
	require.NoError(t, r.Shutdown())
	assert.ErrorIs(t, r.RenderFrame(), core.ErrNotInitialized)
}

func TestInitializeFailureLeavesRendererUninitialized(t *testing.T) {
	r := New(software.NewFactory(software.Options{
		Faults: software.Faults{FailResource: func(desc metadata.ResourceDesc) bool { return desc.Label == "blas" }},
	}), Options{Device: DeviceOptions{RequireRayTracing: true}})

	err := r.Initialize(testWindow)
	assert.ErrorIs(t, err, core.ErrAccelerationStructureBuild)
	assert.Nil(t, r.DeviceContext())
	assert.ErrorIs(t, r.RenderFrame(), core.ErrNotInitialized)
	assert.NoError(t, r.Shutdown())

	r = New(software.NewFactory(software.Options{Faults: software.Faults{FailSwapChain: true}}), Options{})
	assert.Error(t, r.Initialize(testWindow))
	assert.ErrorIs(t, r.RenderFrame(), core.ErrNotInitialized)
}

func TestInitializeTwice(t *testing.T) {
	r := newTestRenderer(t, software.Options{}, nil)
	assert.ErrorIs(t, r.Initialize(testWindow), core.ErrAlreadyInitialized)
}

func TestRenderWithoutRayTracing(t *testing.T) {
	r := newTestRenderer(t, software.Options{
		Adapters: []software.AdapterConfig{integrated("igpu", 1<<30)},
	}, func(o *Options) {
		o.Device.RequireRayTracing = false
	})
	assert.Nil(t, r.AccelerationStructures())
	require.NoError(t, r.RenderFrame())
	assert.Equal(t, uint64(1), r.Stats().Frames.Presented)
	assert.Nil(t, r.Ring().Slot(0).Output)
}
