package engine

import (
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/spaghettifunk/anima-rt/engine/config"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/platform"
	"github.com/spaghettifunk/anima-rt/engine/renderer"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rt/engine/renderer/software"
	"github.com/spaghettifunk/anima-rt/engine/renderer/vulkan"
)

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine is currently initializing
	EngineStageInitializing
	// Engine initialization is complete
	EngineStageInitialized
	// Engine is currently running
	EngineStageRunning
	// Engine is in the process of shutting down
	EngineStageShuttingDown
	// Engine released everything
	EngineStageShutdown
)

const statsInterval = 5 * time.Second

type Engine struct {
	currentStage Stage
	cfg          *config.Config
	configPath   string
	gameInstance *Game

	events   *core.EventSystem
	platform *platform.Platform
	factory  metadata.Factory
	renderer *renderer.Renderer
	watcher  *config.Watcher
	clock    *core.Clock
	metrics  *core.Metrics

	isRunning   atomic.Bool
	isSuspended bool
	width       uint32
	height      uint32
	frames      uint64
	lastTime    float64
}

// New validates cfg but creates nothing. configPath may be empty, in which
// case the config is not watched.
func New(cfg *config.Config, configPath string, g *Game) (*Engine, error) {
	if g == nil {
		return nil, errors.Wrap(core.ErrInvalidCall, "no game")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	events := core.NewEventSystem(64)
	return &Engine{
		currentStage: EngineStageUninitialized,
		cfg:          cfg,
		configPath:   configPath,
		gameInstance: g,
		events:       events,
		platform:     platform.New(events),
		clock:        core.NewClock(),
		metrics:      core.NewMetrics(),
		width:        cfg.Application.Width,
		height:       cfg.Application.Height,
	}, nil
}

func (e *Engine) Initialize() (err error) {
	if e.currentStage != EngineStageUninitialized {
		return core.ErrAlreadyInitialized
	}
	e.currentStage = EngineStageInitializing
	defer func() {
		if err != nil {
			e.release()
			e.currentStage = EngineStageUninitialized
		}
	}()

	if err := core.LogSetLevel(e.cfg.Application.LogLevel); err != nil {
		return errors.Wrap(core.ErrInvalidConfig, err.Error())
	}

	e.events.Register(core.EVENT_CODE_APPLICATION_QUIT, e, e.onQuit)
	e.events.Register(core.EVENT_CODE_RESIZED, e, e.onResized)
	e.events.Register(core.EVENT_CODE_CONFIG_RELOADED, e, e.onConfigReloaded)

	window := metadata.WindowHandle{Width: e.width, Height: e.height}
	if !e.cfg.Application.Headless {
		app := e.cfg.Application
		if err := e.platform.Startup(app.Name, app.StartPosX, app.StartPosY, app.Width, app.Height); err != nil {
			return err
		}
		window = e.platform.WindowHandle()
	}

	e.factory, err = e.newFactory()
	if err != nil {
		return err
	}

	e.renderer = renderer.New(e.factory, e.rendererOptions())
	if err := e.renderer.Initialize(window); err != nil {
		return errors.Wrap(err, "initializing renderer")
	}

	if e.configPath != "" {
		e.watcher, err = config.NewWatcher(e.configPath, e.cfg, e.events)
		if err != nil {
			// hot reload is a convenience
			core.LogWarn("config will not be reloaded: %s", err)
			e.watcher = nil
		}
	}

	if e.gameInstance.FnInitialize != nil {
		if err := e.gameInstance.FnInitialize(e); err != nil {
			return errors.Wrap(err, "initializing game")
		}
	}
	if e.gameInstance.FnOnResize != nil {
		if err := e.gameInstance.FnOnResize(e.width, e.height); err != nil {
			return err
		}
	}

	e.currentStage = EngineStageInitialized
	stats := e.renderer.Stats()
	core.LogInfo("engine initialized: backend=%s adapter=%q level=%s headless=%t",
		e.cfg.Renderer.Backend, stats.Adapter, stats.FeatureLevel, e.cfg.Application.Headless)
	return nil
}

func (e *Engine) newFactory() (metadata.Factory, error) {
	typ, err := e.cfg.RendererType()
	if err != nil {
		return nil, err
	}
	switch typ {
	case metadata.RendererTypeVulkan:
		f, err := vulkan.NewFactory(vulkan.Options{
			AppName:            e.cfg.Application.Name,
			InstanceExtensions: e.platform.RequiredInstanceExtensions(),
		})
		if err != nil {
			return nil, errors.Wrap(err, "creating vulkan factory")
		}
		return f, nil
	default:
		sw := e.cfg.Renderer.Software
		return software.NewFactory(software.Options{
			ExecutionLatency:     sw.ExecutionLatency.Duration,
			MaxQueuedSubmissions: sw.MaxQueued,
		}), nil
	}
}

func (e *Engine) rendererOptions() renderer.Options {
	rc := e.cfg.Renderer
	opts := renderer.Options{
		FrameCount:   rc.FrameCount,
		ClearColor:   rc.ClearColor,
		FenceTimeout: rc.FenceTimeout.Duration,
		Device: renderer.DeviceOptions{
			Debug:             rc.Debug,
			Preference:        metadata.GPUPreferenceHighPerformance,
			MinFeatureLevel:   e.cfg.FeatureLevel(),
			RequireRayTracing: rc.RequireRayTracing,
		},
	}
	if e.gameInstance.FnRecord != nil {
		opts.Recorder = renderer.SceneRecorderFunc(e.gameInstance.FnRecord)
	}
	return opts
}

/**
 * @brief Runs frames until a quit event, Stop or max_frames. Dropped frames
 * are counted, only renderer misuse ends the loop with an error.
 */
func (e *Engine) Run() error {
	if e.currentStage != EngineStageInitialized {
		return core.ErrNotInitialized
	}
	e.currentStage = EngineStageRunning
	e.isRunning.Store(true)

	e.clock.Start()
	e.clock.Update()
	e.lastTime = e.clock.Elapsed()
	lastStats := e.lastTime

	for e.isRunning.Load() {
		if !e.platform.PumpMessages() {
			e.isRunning.Store(false)
			break
		}
		e.events.Dispatch()
		if !e.isRunning.Load() {
			break
		}
		if e.isSuspended {
			time.Sleep(10 * time.Millisecond)
			continue
		}

		e.clock.Update()
		currentTime := e.clock.Elapsed()
		delta := currentTime - e.lastTime
		frameStart := time.Now()

		if e.gameInstance.FnUpdate != nil {
			if err := e.gameInstance.FnUpdate(delta); err != nil {
				core.LogError("game update failed, shutting down: %s", err)
				e.isRunning.Store(false)
				return err
			}
		}

		res, err := e.renderer.RenderFrameResult()
		if err != nil {
			e.isRunning.Store(false)
			return err
		}
		switch {
		case res.Presented:
			e.metrics.FramePresented()
		case res.Dropped:
			e.metrics.FrameDropped()
			core.LogDebug("frame %d dropped: %v", res.Frame, res.Err)
		}
		e.metrics.Update(time.Since(frameStart).Seconds())
		e.frames++

		if currentTime-lastStats >= statsInterval.Seconds() {
			fps, ms := e.metrics.Frame()
			core.LogInfo("fps=%.1f frame=%.3fms presented=%d dropped=%d", fps, ms, e.metrics.Presented(), e.metrics.Dropped())
			lastStats = currentTime
		}

		if limit := e.cfg.Application.MaxFrames; limit > 0 && e.frames >= limit {
			core.LogInfo("rendered %d frames, stopping", e.frames)
			e.isRunning.Store(false)
		}
		e.lastTime = currentTime
	}

	e.clock.Stop()
	e.currentStage = EngineStageInitialized
	return nil
}

// Stop asks Run to return after the current frame. Safe from any goroutine.
func (e *Engine) Stop() {
	if !e.events.Fire(core.EventContext{Type: core.EVENT_CODE_APPLICATION_QUIT, Sender: e}) {
		e.isRunning.Store(false)
	}
}

/**
 * @brief Drains the GPU and releases everything. Must not run concurrently
 * with Run.
 */
func (e *Engine) Shutdown() error {
	if e.currentStage == EngineStageShutdown || e.currentStage == EngineStageUninitialized {
		return nil
	}
	e.currentStage = EngineStageShuttingDown

	if e.gameInstance.FnShutdown != nil {
		if err := e.gameInstance.FnShutdown(); err != nil {
			core.LogError("game shutdown: %s", err)
		}
	}
	err := e.release()
	e.currentStage = EngineStageShutdown
	core.LogInfo("engine shut down after %d frames (presented=%d dropped=%d)",
		e.frames, e.metrics.Presented(), e.metrics.Dropped())
	return err
}

func (e *Engine) release() error {
	var firstErr error
	if e.watcher != nil {
		if err := e.watcher.Close(); err != nil {
			core.LogWarn("closing config watcher: %s", err)
		}
		e.watcher = nil
	}
	if e.renderer != nil {
		if err := e.renderer.Shutdown(); err != nil {
			firstErr = err
		}
		e.renderer = nil
	}
	if e.factory != nil {
		e.factory.Release()
		e.factory = nil
	}
	if err := e.platform.Shutdown(); err != nil && firstErr == nil {
		firstErr = err
	}
	e.events.Unregister(core.EVENT_CODE_APPLICATION_QUIT, e)
	e.events.Unregister(core.EVENT_CODE_RESIZED, e)
	e.events.Unregister(core.EVENT_CODE_CONFIG_RELOADED, e)
	return firstErr
}

func (e *Engine) Renderer() *renderer.Renderer {
	return e.renderer
}

func (e *Engine) Metrics() *core.Metrics {
	return e.metrics
}

func (e *Engine) Events() *core.EventSystem {
	return e.events
}

func (e *Engine) Frames() uint64 {
	return e.frames
}

// GetFramebufferSize returns the width and height (in this order) of the
// window framebuffer.
func (e *Engine) GetFramebufferSize() (uint32, uint32) {
	return e.width, e.height
}

func (e *Engine) onQuit(ctx core.EventContext) bool {
	core.LogInfo("EVENT_CODE_APPLICATION_QUIT received, shutting down.")
	e.isRunning.Store(false)
	return true
}

func (e *Engine) onResized(ctx core.EventContext) bool {
	re, ok := ctx.Data.(*core.ResizeEvent)
	if !ok {
		core.LogError("wrong event associated with the event type `%d`", ctx.Type)
		return false
	}
	if re.Width == e.width && re.Height == e.height {
		return false
	}
	e.width, e.height = re.Width, re.Height

	// Handle minimization
	if re.Width == 0 || re.Height == 0 {
		core.LogInfo("Window minimized, suspending application.")
		e.isSuspended = true
		return false
	}
	if e.isSuspended {
		core.LogInfo("Window restored, resuming application.")
		e.isSuspended = false
	}
	e.renderer.OnResize(re.Width, re.Height)
	if e.gameInstance.FnOnResize != nil {
		if err := e.gameInstance.FnOnResize(re.Width, re.Height); err != nil {
			core.LogError("game resize: %s", err)
		}
	}
	return false
}

func (e *Engine) onConfigReloaded(ctx core.EventContext) bool {
	ev, ok := ctx.Data.(*core.ConfigReloadEvent)
	if !ok {
		core.LogError("wrong event associated with the event type `%d`", ctx.Type)
		return false
	}
	if err := core.LogSetLevel(ev.LogLevel); err != nil {
		core.LogWarn("keeping log level: %s", err)
	} else {
		e.cfg.Application.LogLevel = ev.LogLevel
	}
	e.cfg.Renderer.ClearColor = ev.ClearColor
	if e.renderer != nil {
		e.renderer.SetClearColor(ev.ClearColor)
	}
	core.LogInfo("applied config reload: log_level=%s clear_color=%v", ev.LogLevel, ev.ClearColor)
	return false
}
