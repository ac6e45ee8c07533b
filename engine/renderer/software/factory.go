package software

import (
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
)

// AdapterConfig describes one simulated adapter.
type AdapterConfig struct {
	Desc            metadata.AdapterDesc
	MaxFeatureLevel metadata.FeatureLevel
	RayTracingTier  metadata.RayTracingTier
}

// Faults injects failures into the simulated device. Counters passed to the
// callbacks start at 1.
type Faults struct {
	FailPresent  func(n uint64) bool
	FailClose    func(n uint64) bool
	FailSignal   func(n uint64) bool
	FailResource func(desc metadata.ResourceDesc) bool
	// FailAllocatorReset and FailListReset count every Reset call.
	FailAllocatorReset func(n uint64) bool
	FailListReset      func(n uint64) bool
	FailPrebuild       bool
	ZeroScratch        bool
	DisallowZeroSize   bool
	FailSwapChain      bool
}

type Options struct {
	// Adapters defaults to DefaultAdapters when nil.
	Adapters []AdapterConfig
	// PreferenceUnsupported makes EnumerateAdaptersByPreference fail.
	PreferenceUnsupported bool
	// ValidationUnavailable makes EnableDebugLayer fail.
	ValidationUnavailable bool
	// ExecutionLatency is added to every submission executed by the queue.
	ExecutionLatency time.Duration
	// MaxQueuedSubmissions bounds the work accepted by the queue before
	// ExecuteCommandLists blocks. Defaults to 8.
	MaxQueuedSubmissions int64
	// RecordExecution keeps a log of executed commands, see Device.ExecutionLog.
	RecordExecution bool
	Faults          Faults
}

func DefaultAdapters() []AdapterConfig {
	return []AdapterConfig{
		{
			Desc: metadata.AdapterDesc{
				Name:                 "Anima Software Integrated",
				VendorID:             0x1414,
				DeviceID:             0x0001,
				Type:                 metadata.AdapterTypeIntegrated,
				DedicatedVideoMemory: 512 << 20,
				SharedSystemMemory:   8 << 30,
			},
			MaxFeatureLevel: metadata.FeatureLevel12_0,
			RayTracingTier:  metadata.RayTracingTierNotSupported,
		},
		{
			Desc: metadata.AdapterDesc{
				Name:                 "Anima Software Discrete",
				VendorID:             0x1414,
				DeviceID:             0x0002,
				Type:                 metadata.AdapterTypeDiscrete,
				DedicatedVideoMemory: 8 << 30,
				SharedSystemMemory:   16 << 30,
			},
			MaxFeatureLevel: metadata.FeatureLevel12_1,
			RayTracingTier:  metadata.RayTracingTier1_1,
		},
	}
}

type adapter struct {
	cfg AdapterConfig
}

func (a *adapter) Desc() metadata.AdapterDesc {
	return a.cfg.Desc
}

func (a *adapter) CheckFeatureSupport(level metadata.FeatureLevel) metadata.FeatureSupport {
	if level > a.cfg.MaxFeatureLevel {
		return metadata.FeatureSupport{}
	}
	tier := a.cfg.RayTracingTier
	// DXR needs at least 12_0.
	if level < metadata.FeatureLevel12_0 {
		tier = metadata.RayTracingTierNotSupported
	}
	return metadata.FeatureSupport{Supported: true, RayTracingTier: tier}
}

// Factory is the software implementation of metadata.Factory.
type Factory struct {
	opts     Options
	adapters []*adapter
	debug    metadata.DebugOptions
}

func NewFactory(opts Options) *Factory {
	if opts.Adapters == nil {
		opts.Adapters = DefaultAdapters()
	}
	if opts.MaxQueuedSubmissions <= 0 {
		opts.MaxQueuedSubmissions = 8
	}
	f := &Factory{opts: opts}
	for _, cfg := range opts.Adapters {
		f.adapters = append(f.adapters, &adapter{cfg: cfg})
	}
	return f
}

func (f *Factory) EnableDebugLayer(opts metadata.DebugOptions) error {
	if f.opts.ValidationUnavailable {
		return core.ErrValidationUnavailable
	}
	f.debug = opts
	return nil
}

// EnumerateAdaptersByPreference orders adapters by type (discrete first for
// high performance, integrated first for minimum power), then by memory.
func (f *Factory) EnumerateAdaptersByPreference(pref metadata.GPUPreference) ([]metadata.Adapter, error) {
	if f.opts.PreferenceUnsupported {
		return nil, core.ErrPreferenceUnsupported
	}
	rank := func(t metadata.AdapterType) int {
		switch pref {
		case metadata.GPUPreferenceHighPerformance:
			if t == metadata.AdapterTypeDiscrete {
				return 0
			}
		case metadata.GPUPreferenceMinimumPower:
			if t == metadata.AdapterTypeIntegrated {
				return 0
			}
		}
		return 1
	}
	sorted := append([]*adapter(nil), f.adapters...)
	sort.SliceStable(sorted, func(i, j int) bool {
		ri, rj := rank(sorted[i].cfg.Desc.Type), rank(sorted[j].cfg.Desc.Type)
		if ri != rj {
			return ri < rj
		}
		return sorted[i].cfg.Desc.DedicatedVideoMemory > sorted[j].cfg.Desc.DedicatedVideoMemory
	})
	out := make([]metadata.Adapter, 0, len(sorted))
	for _, a := range sorted {
		out = append(out, a)
	}
	return out, nil
}

func (f *Factory) EnumerateAdapters() ([]metadata.Adapter, error) {
	out := make([]metadata.Adapter, 0, len(f.adapters))
	for _, a := range f.adapters {
		out = append(out, a)
	}
	return out, nil
}

func (f *Factory) CreateDevice(a metadata.Adapter, level metadata.FeatureLevel) (metadata.Device, error) {
	sa, ok := a.(*adapter)
	if !ok {
		return nil, errors.Wrap(core.ErrInvalidCall, "adapter does not belong to the software factory")
	}
	if !sa.CheckFeatureSupport(level).Supported {
		return nil, errors.Wrapf(core.ErrFeatureLevelUnsupported, "%s does not support %s", sa.cfg.Desc.Name, level)
	}
	return newDevice(sa.cfg, level, f.debug, f.opts), nil
}

// CreateSwapChain creates a headless FLIP-style surface chain. The window
// handle only contributes its dimensions.
func (f *Factory) CreateSwapChain(q metadata.Queue, window metadata.WindowHandle, desc metadata.SwapChainDesc) (metadata.SwapChain, error) {
	sq, ok := q.(*Queue)
	if !ok {
		return nil, errors.Wrap(core.ErrInvalidCall, "queue does not belong to the software factory")
	}
	if f.opts.Faults.FailSwapChain {
		return nil, errors.Wrap(core.ErrInvalidCall, "swap chain creation failed")
	}
	if desc.BufferCount < 2 {
		return nil, errors.Wrapf(core.ErrInvalidCall, "swap chain needs at least 2 buffers, got %d", desc.BufferCount)
	}
	if desc.Width == 0 {
		desc.Width = window.Width
	}
	if desc.Height == 0 {
		desc.Height = window.Height
	}
	if desc.Width == 0 || desc.Height == 0 {
		return nil, errors.Wrap(core.ErrInvalidCall, "swap chain needs a non-zero size")
	}
	return newSwapChain(sq, desc)
}

func (f *Factory) Release() {}
