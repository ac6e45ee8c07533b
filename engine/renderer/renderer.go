package renderer

import (
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
)

// Shader entry points of the ray tracing library.
const (
	ExportRayGen     = "RayGen"
	ExportMiss       = "MissShader"
	ExportClosestHit = "ClosestHitShader"
	ExportHitGroup   = "HitGroup"
)

type Options struct {
	FrameCount   int
	ClearColor   [4]float32
	Device       DeviceOptions
	FenceTimeout time.Duration
	Format       metadata.Format
	// Geometry defaults to DefaultTriangle.
	Geometry *Geometry
	// ShaderLibrary holds the compiled ray tracing shaders.
	ShaderLibrary []byte
	Recorder      SceneRecorder
}

type Stats struct {
	Session        string
	Adapter        string
	FeatureLevel   metadata.FeatureLevel
	RayTracingTier metadata.RayTracingTier
	Frames         FrameStats
	Ring           FrameRingStats
	Tracker        TrackerStats
}

// Renderer wires the device, the surface chain, the frame ring and the
// acceleration structures together.
type Renderer struct {
	factory metadata.Factory
	opts    Options
	session string
	logger  *log.Logger

	dc        *DeviceContext
	swapChain metadata.SwapChain
	ring      *FrameRing
	tracker   *Tracker
	accel     *AccelerationStructures
	pipeline  metadata.RaytracingPipeline
	driver    *FrameDriver

	// cleanup holds release steps in creation order
	cleanup     []func()
	initialized bool
}

// New does not touch the device. The factory stays owned by the caller.
func New(factory metadata.Factory, opts Options) *Renderer {
	if opts.FrameCount == 0 {
		opts.FrameCount = 2
	}
	if opts.Format == metadata.FormatUnknown {
		opts.Format = metadata.FormatR8G8B8A8Unorm
	}
	session := uuid.NewString()
	return &Renderer{
		factory: factory,
		opts:    opts,
		session: session,
		logger:  core.LogWith("session", session),
	}
}

func (r *Renderer) push(fn func()) {
	r.cleanup = append(r.cleanup, fn)
}

func (r *Renderer) unwind() {
	for i := len(r.cleanup) - 1; i >= 0; i-- {
		r.cleanup[i]()
	}
	r.cleanup = nil
	r.dc, r.swapChain, r.ring, r.tracker, r.accel, r.pipeline, r.driver = nil, nil, nil, nil, nil, nil, nil
}

/**
 * @brief Creates every GPU object needed to render. On failure everything
 * created so far is released and the renderer stays uninitialized.
 */
func (r *Renderer) Initialize(window metadata.WindowHandle) (err error) {
	if r.initialized {
		return core.ErrAlreadyInitialized
	}
	if window.Width == 0 || window.Height == 0 {
		return errors.Wrapf(core.ErrInvalidCall, "window size %dx%d", window.Width, window.Height)
	}
	defer func() {
		if err != nil {
			r.unwind()
		}
	}()

	r.dc, err = CreateDevice(r.factory, r.opts.Device)
	if err != nil {
		return errors.Wrap(err, "creating device")
	}
	r.push(r.dc.Release)

	r.swapChain, err = r.factory.CreateSwapChain(r.dc.Queue, window, metadata.SwapChainDesc{
		BufferCount: uint32(r.opts.FrameCount),
		Width:       window.Width,
		Height:      window.Height,
		Format:      r.opts.Format,
	})
	if err != nil {
		return errors.Wrap(err, "creating swap chain")
	}
	r.push(r.swapChain.Release)

	r.tracker = NewTracker()
	rayTracing := r.dc.RayTracingSupported()

	// the chain may hold more images than requested, one slot per image
	ringOpts := FrameRingOptions{Count: int(r.swapChain.BufferCount()), WaitTimeout: r.opts.FenceTimeout}
	if rayTracing {
		ringOpts.OutputWidth, ringOpts.OutputHeight = window.Width, window.Height
	}
	r.ring, err = NewFrameRing(r.dc, ringOpts)
	if err != nil {
		return errors.Wrap(err, "creating frame ring")
	}
	ring := r.ring
	r.push(func() {
		if err := ring.Shutdown(); err != nil {
			r.logger.Error("frame ring shutdown", "err", err)
		}
	})

	driverOpts := FrameDriverOptions{
		ClearColor: r.opts.ClearColor,
		Recorder:   r.opts.Recorder,
		Width:      window.Width,
		Height:     window.Height,
	}
	if rayTracing {
		geom := DefaultTriangle()
		if r.opts.Geometry != nil {
			geom = *r.opts.Geometry
		}
		r.accel, err = BuildAccelerationStructures(r.dc, r.tracker, geom, ASBuildOptions{Timeout: r.opts.FenceTimeout})
		if err != nil {
			return err
		}
		r.push(r.accel.Release)

		r.pipeline, err = r.dc.Device.CreateRaytracingPipeline(metadata.RaytracingPipelineDesc{
			Library:           r.opts.ShaderLibrary,
			RayGen:            ExportRayGen,
			Miss:              ExportMiss,
			ClosestHit:        ExportClosestHit,
			HitGroup:          ExportHitGroup,
			MaxRecursionDepth: 1,
		})
		if err != nil {
			return errors.Wrap(err, "creating ray tracing pipeline")
		}
		r.push(r.pipeline.Release)

		driverOpts.Scene = r.accel.TLASAddress()
		driverOpts.Pipeline = r.pipeline
	} else {
		r.logger.Warn("ray tracing unavailable, rendering clear only", "level", r.dc.FeatureLevel)
	}

	r.driver, err = NewFrameDriver(r.dc, r.swapChain, r.ring, r.tracker, driverOpts)
	if err != nil {
		return errors.Wrap(err, "creating frame driver")
	}
	r.push(r.driver.Release)

	r.initialized = true
	r.logger.Info("renderer initialized",
		"adapter", r.dc.Adapter.Desc().Name,
		"level", r.dc.FeatureLevel,
		"frames", r.ring.Count(),
		"size", [2]uint32{window.Width, window.Height})
	return nil
}

// RenderFrame renders one frame. Dropped frames are not errors, they show up
// in Stats.
func (r *Renderer) RenderFrame() error {
	if !r.initialized {
		return core.ErrNotInitialized
	}
	res := r.driver.RenderFrame()
	if res.Dropped {
		r.logger.Debug("frame dropped", "frame", res.Frame, "submitted", res.Submitted)
	}
	return nil
}

// RenderFrameResult renders one frame and reports what happened to it.
func (r *Renderer) RenderFrameResult() (FrameResult, error) {
	if !r.initialized {
		return FrameResult{}, core.ErrNotInitialized
	}
	return r.driver.RenderFrame(), nil
}

func (r *Renderer) SetClearColor(color [4]float32) {
	r.opts.ClearColor = color
	if r.driver != nil {
		r.driver.SetClearColor(color)
	}
}

// OnResize is accepted but not acted on: the surface chain keeps its size.
func (r *Renderer) OnResize(width, height uint32) {
	r.logger.Debug("resize ignored", "width", width, "height", height)
}

func (r *Renderer) Stats() Stats {
	s := Stats{Session: r.session}
	if r.dc != nil {
		s.Adapter = r.dc.Adapter.Desc().Name
		s.FeatureLevel = r.dc.FeatureLevel
		s.RayTracingTier = r.dc.RayTracingTier
	}
	if r.driver != nil {
		s.Frames = r.driver.Stats()
	}
	if r.ring != nil {
		s.Ring = r.ring.Stats()
	}
	if r.tracker != nil {
		s.Tracker = r.tracker.Stats()
	}
	return s
}

func (r *Renderer) DeviceContext() *DeviceContext {
	return r.dc
}

func (r *Renderer) SwapChain() metadata.SwapChain {
	return r.swapChain
}

func (r *Renderer) Ring() *FrameRing {
	return r.ring
}

func (r *Renderer) Tracker() *Tracker {
	return r.tracker
}

func (r *Renderer) AccelerationStructures() *AccelerationStructures {
	return r.accel
}

/**
 * @brief Drains every in-flight frame, then releases everything in reverse
 * creation order. Calling it again does nothing.
 */
func (r *Renderer) Shutdown() error {
	if !r.initialized {
		return nil
	}
	r.initialized = false

	var drainErr error
	if err := r.ring.Shutdown(); err != nil {
		drainErr = errors.Wrap(err, "draining frames")
	}
	if err := r.dc.WaitIdle(r.opts.FenceTimeout); err != nil && drainErr == nil {
		drainErr = errors.Wrap(err, "waiting for queue idle")
	}
	if drainErr != nil {
		// releasing now could free memory the GPU still uses
		r.logger.Error("shutdown without a drained queue, GPU objects leak", "err", drainErr)
		r.cleanup = nil
		return drainErr
	}
	r.unwind()
	r.logger.Info("renderer shut down")
	return nil
}
