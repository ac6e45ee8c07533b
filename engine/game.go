package engine

import (
	"github.com/spaghettifunk/anima-rt/engine/renderer"
)

// Game holds the callbacks the engine drives. Only FnRecord is required.
type Game struct {
	State        interface{}
	FnInitialize Initialize
	FnUpdate     Update
	FnRecord     Record
	FnOnResize   OnResize
	FnShutdown   Shutdown
}

type Initialize func(e *Engine) error
type Update func(deltaTime float64) error

// Record adds the game's commands to a frame, between the clear and the
// transition back to present.
type Record func(ctx *renderer.RecordContext) error
type OnResize func(width uint32, height uint32) error
type Shutdown func() error
