package renderer

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
)

/** @brief Device creation options resolved once at startup. */
type DeviceOptions struct {
	Debug metadata.DebugOptions
	/** @brief Adapter preference, high performance when unspecified. */
	Preference metadata.GPUPreference
	/** @brief Lowest acceptable feature level, 11_0 when zero. */
	MinFeatureLevel metadata.FeatureLevel
	/** @brief Only accept feature levels the adapter can ray trace at. */
	RequireRayTracing bool
}

// DeviceContext owns the device and its single direct queue.
type DeviceContext struct {
	Factory        metadata.Factory
	Adapter        metadata.Adapter
	Device         metadata.Device
	Queue          metadata.Queue
	FeatureLevel   metadata.FeatureLevel
	RayTracingTier metadata.RayTracingTier

	idleFence metadata.Fence
	idleValue uint64
	released  bool
}

// CreateDevice selects an adapter, negotiates the highest feature level and
// creates the direct queue. The factory stays owned by the caller.
func CreateDevice(factory metadata.Factory, opts DeviceOptions) (*DeviceContext, error) {
	if opts.Debug.EnableValidation {
		if err := factory.EnableDebugLayer(opts.Debug); err != nil {
			core.LogWarn("validation layer unavailable, continuing without it: %s", err)
		}
	}

	adapter, err := SelectAdapter(factory, opts.Preference)
	if err != nil {
		return nil, err
	}
	desc := adapter.Desc()

	level, tier, err := negotiateFeatureLevel(adapter, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "adapter %q", desc.Name)
	}

	device, err := factory.CreateDevice(adapter, level)
	if err != nil {
		return nil, errors.Wrapf(err, "creating device on %q", desc.Name)
	}
	device.SetMessageCallback(logDeviceMessage)

	queue, err := device.CreateCommandQueue()
	if err != nil {
		device.Release()
		return nil, errors.Wrap(err, "creating direct queue")
	}
	idle, err := device.CreateFence(0)
	if err != nil {
		queue.Release()
		device.Release()
		return nil, errors.Wrap(err, "creating idle fence")
	}

	core.LogInfo("selected adapter %q (%s, %d MiB dedicated), feature level %s, ray tracing tier %d",
		desc.Name, desc.Type, desc.DedicatedVideoMemory>>20, level, tier)

	return &DeviceContext{
		Factory:        factory,
		Adapter:        adapter,
		Device:         device,
		Queue:          queue,
		FeatureLevel:   level,
		RayTracingTier: tier,
		idleFence:      idle,
	}, nil
}

// SelectAdapter prefers the first discrete adapter in preference order and
// falls back to the adapter with the most dedicated memory when the
// preference query is unavailable. Software adapters are never selected.
// Both paths failing is fatal.
func SelectAdapter(factory metadata.Factory, pref metadata.GPUPreference) (metadata.Adapter, error) {
	if pref == metadata.GPUPreferenceUnspecified {
		pref = metadata.GPUPreferenceHighPerformance
	}

	adapters, err := factory.EnumerateAdaptersByPreference(pref)
	adapters = hardwareOnly(adapters)
	if err == nil && len(adapters) > 0 {
		for _, a := range adapters {
			if a.Desc().Type == metadata.AdapterTypeDiscrete {
				return a, nil
			}
		}
		return adapters[0], nil
	}
	if err != nil {
		core.LogWarn("adapter preference query failed, scanning by memory: %s", err)
	}

	adapters, err = factory.EnumerateAdapters()
	if err != nil {
		return nil, errors.Wrapf(core.ErrNoAdapter, "enumerating adapters: %s", err)
	}
	var best metadata.Adapter
	for _, a := range hardwareOnly(adapters) {
		if best == nil || a.Desc().DedicatedVideoMemory > best.Desc().DedicatedVideoMemory {
			best = a
		}
	}
	if best == nil {
		return nil, core.ErrNoAdapter
	}
	return best, nil
}

func hardwareOnly(adapters []metadata.Adapter) []metadata.Adapter {
	out := adapters[:0:0]
	for _, a := range adapters {
		if desc := a.Desc(); desc.Software {
			core.LogDebug("skipping software adapter %q", desc.Name)
			continue
		}
		out = append(out, a)
	}
	return out
}

func negotiateFeatureLevel(adapter metadata.Adapter, opts DeviceOptions) (metadata.FeatureLevel, metadata.RayTracingTier, error) {
	min := opts.MinFeatureLevel
	if min == 0 {
		min = metadata.FeatureLevel11_0
	}
	for _, level := range metadata.FeatureLevelCandidates {
		if level < min {
			break
		}
		support := adapter.CheckFeatureSupport(level)
		if !support.Supported {
			continue
		}
		if opts.RequireRayTracing && support.RayTracingTier < metadata.RayTracingTier1_0 {
			continue
		}
		return level, support.RayTracingTier, nil
	}
	if opts.RequireRayTracing {
		return 0, 0, errors.Wrapf(core.ErrFeatureLevelUnsupported, "no level >= %s with ray tracing", min)
	}
	return 0, 0, errors.Wrapf(core.ErrFeatureLevelUnsupported, "no level >= %s", min)
}

func logDeviceMessage(msg metadata.Message) {
	switch msg.Severity {
	case metadata.MessageSeverityError, metadata.MessageSeverityCorruption:
		core.LogError("[%s] %s", msg.ID, msg.Text)
	case metadata.MessageSeverityWarning:
		core.LogWarn("[%s] %s", msg.ID, msg.Text)
	default:
		core.LogDebug("[%s] %s", msg.ID, msg.Text)
	}
}

// RayTracingSupported reports whether the negotiated level can trace rays.
func (dc *DeviceContext) RayTracingSupported() bool {
	return dc.RayTracingTier >= metadata.RayTracingTier1_0
}

// WaitIdle blocks until all work submitted to the queue so far has completed.
func (dc *DeviceContext) WaitIdle(timeout time.Duration) error {
	dc.idleValue++
	if err := dc.Queue.Signal(dc.idleFence, dc.idleValue); err != nil {
		dc.idleValue--
		return errors.Wrap(err, "signaling idle fence")
	}
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return dc.idleFence.Wait(ctx, dc.idleValue)
}

// Release tears down the queue and device. The factory is left to its owner.
func (dc *DeviceContext) Release() {
	if dc.released {
		return
	}
	dc.released = true
	dc.idleFence.Release()
	dc.Queue.Release()
	dc.Device.Release()
}
