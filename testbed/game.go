package testbed

import (
	"github.com/spaghettifunk/anima-rt/engine"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
)

type TestGame struct {
	*engine.Game
}

type gameState struct {
	engine *engine.Engine

	elapsed    float64
	dispatches uint64
	width      uint32
	height     uint32
}

func NewTestGame() *TestGame {
	tg := &TestGame{
		Game: &engine.Game{
			State: &gameState{},
		},
	}

	tg.FnInitialize = tg.Initialize
	tg.FnUpdate = tg.Update
	tg.FnRecord = tg.Record
	tg.FnOnResize = tg.OnResize
	tg.FnShutdown = tg.Shutdown

	return tg
}

func (g *TestGame) state() *gameState {
	return g.State.(*gameState)
}

func (g *TestGame) Initialize(e *engine.Engine) error {
	core.LogDebug("TestGame Initialize fn....")
	state := g.state()
	state.engine = e
	state.width, state.height = e.GetFramebufferSize()

	if e.Renderer().AccelerationStructures() == nil {
		core.LogWarn("no acceleration structures, the testbed only clears")
	}
	return nil
}

func (g *TestGame) Update(deltaTime float64) error {
	g.state().elapsed += deltaTime
	return nil
}

// Record traces the triangle into the frame's output buffer. Without ray
// tracing the frame is only cleared.
func (g *TestGame) Record(rc *renderer.RecordContext) error {
	if rc.Output == nil || rc.Pipeline == nil {
		return nil
	}
	rc.List.DispatchRays(metadata.DispatchRaysDesc{
		Pipeline: rc.Pipeline,
		Scene:    rc.Scene,
		Output:   rc.Output,
		Width:    rc.Width,
		Height:   rc.Height,
	})
	g.state().dispatches++
	return nil
}

func (g *TestGame) OnResize(width uint32, height uint32) error {
	state := g.state()
	state.width, state.height = width, height
	return nil
}

func (g *TestGame) Shutdown() error {
	state := g.state()
	core.LogInfo("testbed ran for %.2fs, %d ray dispatches", state.elapsed, state.dispatches)
	return nil
}

func (g *TestGame) Dispatches() uint64 {
	return g.state().dispatches
}
