package platform

import (
	"runtime"

	"github.com/go-gl/glfw/v3.3/glfw"
	"github.com/pkg/errors"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
)

func init() {
	// GLFW event handling must run on the main OS thread
	runtime.LockOSThread()
}

type Platform struct {
	Window *glfw.Window

	events *core.EventSystem
	width  uint32
	height uint32
}

func New(events *core.EventSystem) *Platform {
	return &Platform{events: events}
}

/**
 * @brief Opens a window without a client API, the renderer owns the surface.
 */
func (p *Platform) Startup(applicationName string, x, y, width, height uint32) error {
	if err := glfw.Init(); err != nil {
		return errors.Wrap(err, "failed to initialize glfw")
	}
	if !glfw.VulkanSupported() {
		core.LogWarn("glfw reports no vulkan loader, only the software backend will work")
	}

	glfw.WindowHint(glfw.Visible, glfw.False)
	glfw.WindowHint(glfw.Resizable, glfw.True)
	glfw.WindowHint(glfw.ClientAPI, glfw.NoAPI)

	window, err := glfw.CreateWindow(int(width), int(height), applicationName, nil, nil)
	if err != nil {
		glfw.Terminate()
		return errors.Wrap(err, "failed to create window")
	}
	p.Window = window
	p.width, p.height = width, height

	p.Window.SetKeyCallback(p.keyCallback)
	p.Window.SetCloseCallback(p.closeCallback)
	p.Window.SetFramebufferSizeCallback(p.framebufferSizeCallback)
	p.Window.SetPos(int(x), int(y))
	p.Window.Show()

	return nil
}

// WindowHandle describes the window to the swap chain. The handle is the glfw
// window, which can create its own Vulkan surface.
func (p *Platform) WindowHandle() metadata.WindowHandle {
	return metadata.WindowHandle{Handle: p.Window, Width: p.width, Height: p.height}
}

// RequiredInstanceExtensions lists the Vulkan instance extensions the window
// surface needs.
func (p *Platform) RequiredInstanceExtensions() []string {
	if p.Window == nil {
		return nil
	}
	return p.Window.GetRequiredInstanceExtensions()
}

// PumpMessages returns false once the window was asked to close.
func (p *Platform) PumpMessages() bool {
	if p.Window == nil {
		return true
	}
	glfw.PollEvents()
	return !p.Window.ShouldClose()
}

func (p *Platform) Shutdown() error {
	if p.Window == nil {
		return nil
	}
	p.Window.Destroy()
	p.Window = nil
	glfw.Terminate()
	return nil
}

func GetAbsoluteTime() float64 {
	return glfw.GetTime()
}

func (p *Platform) keyCallback(w *glfw.Window, key glfw.Key, scancode int, action glfw.Action, mods glfw.ModifierKey) {
	if key == glfw.KeyEscape && action == glfw.Press {
		p.events.Fire(core.EventContext{Type: core.EVENT_CODE_APPLICATION_QUIT, Sender: p})
	}
}

func (p *Platform) closeCallback(w *glfw.Window) {
	p.events.Fire(core.EventContext{Type: core.EVENT_CODE_APPLICATION_QUIT, Sender: p})
}

func (p *Platform) framebufferSizeCallback(w *glfw.Window, width, height int) {
	p.width, p.height = uint32(width), uint32(height)
	p.events.Fire(core.EventContext{
		Type:   core.EVENT_CODE_RESIZED,
		Sender: p,
		Data:   &core.ResizeEvent{Width: uint32(width), Height: uint32(height)},
	})
}
