package config

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/spaghettifunk/anima-rt/engine/core"
)

// Watcher reloads the config file when it changes on disk and fires
// EVENT_CODE_CONFIG_RELOADED with the values that can change at runtime.
// Everything else needs a restart.
type Watcher struct {
	path   string
	events *core.EventSystem

	fsnotify *fsnotify.Watcher
	done     chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	current *Config
	closed  bool
}

func NewWatcher(path string, current *Config, events *core.EventSystem) (*Watcher, error) {
	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating config watcher")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fsWatch.Close()
		return nil, err
	}
	// editors replace the file, so watch the directory
	if err := fsWatch.Add(filepath.Dir(abs)); err != nil {
		fsWatch.Close()
		return nil, errors.Wrapf(err, "watching %s", filepath.Dir(abs))
	}
	w := &Watcher{
		path:     abs,
		events:   events,
		fsnotify: fsWatch,
		done:     make(chan struct{}),
		current:  current,
	}
	w.wg.Add(1)
	go w.start()
	return w, nil
}

func (w *Watcher) start() {
	defer w.wg.Done()
	for {
		select {
		case e, ok := <-w.fsnotify.Events:
			if !ok {
				return
			}
			if filepath.Clean(e.Name) != w.path {
				continue
			}
			if e.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.reload()
			}

		case err, ok := <-w.fsnotify.Errors:
			if !ok {
				return
			}
			core.LogError("config watcher: %s", err)

		case <-w.done:
			return
		}
	}
}

// reload keeps the previous config when the new file does not parse.
func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		core.LogWarn("ignoring config change: %s", err)
		return
	}

	w.mu.Lock()
	prev := w.current
	w.current = cfg
	w.mu.Unlock()

	if prev != nil && prev.Application.LogLevel == cfg.Application.LogLevel &&
		prev.Renderer.ClearColor == cfg.Renderer.ClearColor {
		return
	}
	core.LogInfo("config reloaded from %s", w.path)
	w.events.Fire(core.EventContext{
		Type:   core.EVENT_CODE_CONFIG_RELOADED,
		Sender: w,
		Data: &core.ConfigReloadEvent{
			LogLevel:   cfg.Application.LogLevel,
			ClearColor: cfg.Renderer.ClearColor,
		},
	})
}

func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.done)
	w.wg.Wait()
	return w.fsnotify.Close()
}
