package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
)

const sample = `
[application]
name = "testbed"
width = 640
height = 480
log_level = "debug"
headless = true
max_frames = 10

[renderer]
backend = "software"
frame_count = 3
clear_color = [0.1, 0.2, 0.3, 1.0]
min_feature_level = "12_0"
require_ray_tracing = true
fence_timeout = "250ms"

[renderer.debug]
enable_validation = true
enable_gpu_based_validation = true

[renderer.software]
execution_latency = "2ms"
max_queued = 4
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "testbed", cfg.Application.Name)
	assert.Equal(t, uint32(640), cfg.Application.Width)
	assert.True(t, cfg.Application.Headless)
	assert.Equal(t, uint64(10), cfg.Application.MaxFrames)
	// untouched keys keep their defaults
	assert.Equal(t, uint32(100), cfg.Application.StartPosX)

	assert.Equal(t, 3, cfg.Renderer.FrameCount)
	assert.Equal(t, [4]float32{0.1, 0.2, 0.3, 1.0}, cfg.Renderer.ClearColor)
	assert.Equal(t, metadata.FeatureLevel12_0, cfg.FeatureLevel())
	assert.True(t, cfg.Renderer.RequireRayTracing)
	assert.Equal(t, 250*time.Millisecond, cfg.Renderer.FenceTimeout.Duration)
	assert.True(t, cfg.Renderer.Debug.EnableValidation)
	assert.True(t, cfg.Renderer.Debug.EnableGPUBasedValidation)
	assert.Equal(t, 2*time.Millisecond, cfg.Renderer.Software.ExecutionLatency.Duration)
	assert.Equal(t, int64(4), cfg.Renderer.Software.MaxQueued)

	typ, err := cfg.RendererType()
	require.NoError(t, err)
	assert.Equal(t, metadata.RendererTypeSoftware, typ)
}

func TestParseEmptyGivesDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 2, cfg.Renderer.FrameCount)
	assert.Equal(t, [4]float32{0, 0, 0, 1}, cfg.Renderer.ClearColor)
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":        "[renderer]\nframes = 2\n",
		"single frame":       "[renderer]\nframe_count = 1\n",
		"unknown backend":    "[renderer]\nbackend = \"d3d12\"\n",
		"feature level":      "[renderer]\nmin_feature_level = \"13_0\"\n",
		"zero width":         "[application]\nwidth = 0\n",
		"bad log level":      "[application]\nlog_level = \"loud\"\n",
		"bad duration":       "[renderer]\nfence_timeout = \"soon\"\n",
		"negative timeout":   "[renderer]\nfence_timeout = \"-1s\"\n",
		"color out of range": "[renderer]\nclear_color = [2.0, 0.0, 0.0, 1.0]\n",
		"headless vulkan":    "[application]\nheadless = true\n[renderer]\nbackend = \"vulkan\"\n",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(data))
			require.Error(t, err)
			assert.True(t, errors.Is(err, core.ErrInvalidConfig), err.Error())
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "testbed", cfg.Application.Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestWatcherFiresOnHotChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[application]\nlog_level = \"info\"\n"), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)

	events := core.NewEventSystem(16)
	var got *core.ConfigReloadEvent
	events.Register(core.EVENT_CODE_CONFIG_RELOADED, t, func(ctx core.EventContext) bool {
		got = ctx.Data.(*core.ConfigReloadEvent)
		return true
	})

	w, err := NewWatcher(path, cfg, events)
	require.NoError(t, err)
	defer w.Close()

	changed := "[application]\nlog_level = \"debug\"\n[renderer]\nclear_color = [1.0, 0.0, 0.0, 1.0]\n"
	require.NoError(t, os.WriteFile(path, []byte(changed), 0o644))

	assert.Eventually(t, func() bool {
		events.Dispatch()
		return got != nil && got.LogLevel == "debug" && got.ClearColor == [4]float32{1, 0, 0, 1}
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "debug", w.Current().Application.LogLevel)
}

func TestWatcherKeepsConfigOnBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)

	w, err := NewWatcher(path, cfg, core.NewEventSystem(4))
	require.NoError(t, err)

	w.reload()
	assert.Equal(t, cfg, w.Current())

	require.NoError(t, os.WriteFile(path, []byte("[renderer]\nframe_count = 0\n"), 0o644))
	w.reload()
	assert.Equal(t, 2, w.Current().Renderer.FrameCount)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}
