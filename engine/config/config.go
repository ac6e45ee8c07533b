package config

import (
	"bytes"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
)

type ApplicationConfig struct {
	// The application name used in windowing, if applicable.
	Name string `toml:"name"`
	// Window starting position, if applicable.
	StartPosX uint32 `toml:"start_x"`
	StartPosY uint32 `toml:"start_y"`
	// Window size and the size of the surface chain.
	Width  uint32 `toml:"width"`
	Height uint32 `toml:"height"`
	// One of debug, info, warn, error, fatal.
	LogLevel string `toml:"log_level"`
	// Headless renders without a window. Only the software backend supports it.
	Headless bool `toml:"headless"`
	// MaxFrames stops the run loop after that many frames, 0 runs until quit.
	MaxFrames uint64 `toml:"max_frames"`
}

type SoftwareConfig struct {
	// Per-submission delay added by the software queue.
	ExecutionLatency Duration `toml:"execution_latency"`
	MaxQueued        int64    `toml:"max_queued"`
}

type RendererConfig struct {
	// software or vulkan
	Backend           string                `toml:"backend"`
	FrameCount        int                   `toml:"frame_count"`
	ClearColor        [4]float32            `toml:"clear_color"`
	MinFeatureLevel   string                `toml:"min_feature_level"`
	RequireRayTracing bool                  `toml:"require_ray_tracing"`
	FenceTimeout      Duration              `toml:"fence_timeout"`
	Debug             metadata.DebugOptions `toml:"debug"`
	Software          SoftwareConfig        `toml:"software"`
}

type Config struct {
	Application ApplicationConfig `toml:"application"`
	Renderer    RendererConfig    `toml:"renderer"`
}

// Duration decodes "250ms" style strings.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func Default() *Config {
	return &Config{
		Application: ApplicationConfig{
			Name:      "Anima RT",
			StartPosX: 100,
			StartPosY: 100,
			Width:     1280,
			Height:    720,
			LogLevel:  "info",
		},
		Renderer: RendererConfig{
			Backend:         metadata.RendererTypeSoftware.String(),
			FrameCount:      2,
			ClearColor:      [4]float32{0, 0, 0, 1},
			MinFeatureLevel: metadata.FeatureLevel11_0.String(),
			FenceTimeout:    Duration{5 * time.Second},
			Software: SoftwareConfig{
				MaxQueued: 8,
			},
		},
	}
}

/**
 * @brief Reads the file at path on top of the defaults. Unknown keys are
 * rejected so that typos do not silently fall back to defaults.
 */
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return nil, errors.Wrap(core.ErrInvalidConfig, strict.String())
		}
		return nil, errors.Wrap(core.ErrInvalidConfig, err.Error())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if _, err := c.RendererType(); err != nil {
		return err
	}
	if c.Renderer.FrameCount < 2 {
		return errors.Wrapf(core.ErrInvalidConfig, "frame_count must be at least 2, got %d", c.Renderer.FrameCount)
	}
	if _, err := metadata.ParseFeatureLevel(c.Renderer.MinFeatureLevel); err != nil {
		return errors.Wrap(core.ErrInvalidConfig, err.Error())
	}
	if c.Application.Width == 0 || c.Application.Height == 0 {
		return errors.Wrapf(core.ErrInvalidConfig, "window size %dx%d", c.Application.Width, c.Application.Height)
	}
	if c.Renderer.FenceTimeout.Duration <= 0 {
		return errors.Wrap(core.ErrInvalidConfig, "fence_timeout must be positive")
	}
	if !validLogLevel(c.Application.LogLevel) {
		return errors.Wrapf(core.ErrInvalidConfig, "unknown log level %q", c.Application.LogLevel)
	}
	for _, v := range c.Renderer.ClearColor {
		if v < 0 || v > 1 {
			return errors.Wrapf(core.ErrInvalidConfig, "clear_color component %v outside [0, 1]", v)
		}
	}
	if c.Application.Headless && c.Renderer.Backend != metadata.RendererTypeSoftware.String() {
		return errors.Wrapf(core.ErrInvalidConfig, "headless needs the software backend, not %s", c.Renderer.Backend)
	}
	return nil
}

func (c *Config) RendererType() (metadata.RendererType, error) {
	switch strings.ToLower(c.Renderer.Backend) {
	case metadata.RendererTypeSoftware.String():
		return metadata.RendererTypeSoftware, nil
	case metadata.RendererTypeVulkan.String():
		return metadata.RendererTypeVulkan, nil
	}
	return 0, errors.Wrapf(core.ErrInvalidConfig, "unknown backend %q", c.Renderer.Backend)
}

// FeatureLevel is only meaningful on a validated config.
func (c *Config) FeatureLevel() metadata.FeatureLevel {
	l, _ := metadata.ParseFeatureLevel(c.Renderer.MinFeatureLevel)
	return l
}

func validLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "error", "fatal":
		return true
	}
	return false
}
