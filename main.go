/*
Renders the ray tracing testbed with the engine. Flags override the
matching config.toml entries.
*/
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/spaghettifunk/anima-rt/engine"
	"github.com/spaghettifunk/anima-rt/engine/config"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/testbed"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to the engine config")
	backend := flag.String("backend", "", "software or vulkan")
	headless := flag.Bool("headless", false, "render without a window (software backend only)")
	frames := flag.Uint64("frames", 0, "stop after that many frames")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		core.LogFatal("%s", err)
	}
	if *backend != "" {
		cfg.Renderer.Backend = *backend
	}
	if *headless {
		cfg.Application.Headless = true
	}
	if *frames > 0 {
		cfg.Application.MaxFrames = *frames
	}

	tb := testbed.NewTestGame()

	e, err := engine.New(cfg, *configPath, tb.Game)
	if err != nil {
		core.LogFatal("%s", err)
	}

	if err := e.Initialize(); err != nil {
		core.LogFatal("%s", err)
	}

	// signal channel to capture system calls
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)

	go func() {
		<-sigCh
		e.Stop()
	}()

	runErr := e.Run()
	if err := e.Shutdown(); err != nil {
		core.LogError("shutdown: %s", err)
	}
	if runErr != nil {
		core.LogFatal("%s", runErr)
	}
}
