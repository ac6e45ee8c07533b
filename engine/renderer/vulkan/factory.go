package vulkan

import (
	"runtime"
	"sync"
	"unsafe"

	"github.com/go-gl/glfw/v3.3/glfw"
	vk "github.com/goki/vulkan"
	"github.com/pkg/errors"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
)

const validationLayer = "VK_LAYER_KHRONOS_validation"

type Options struct {
	AppName string
	// InstanceExtensions are the extensions the window system needs to create
	// surfaces, as reported by glfw.
	InstanceExtensions []string
}

// Factory is the Vulkan implementation of metadata.Factory. The instance is
// created lazily so the debug layer can still be enabled after NewFactory.
type Factory struct {
	opts     Options
	debug    metadata.DebugOptions
	instance vk.Instance
	debugCB  vk.DebugReportCallback
	adapters []*Adapter

	// sink receives validation messages of the device created last.
	sinkMu sync.Mutex
	sink   metadata.MessageCallback

	released bool
}

// NewFactory loads the Vulkan loader through glfw, which must already be
// initialized.
func NewFactory(opts Options) (*Factory, error) {
	procAddr := glfw.GetVulkanGetInstanceProcAddress()
	if procAddr == nil {
		return nil, errors.Wrap(core.ErrUnsupported, "vulkan loader not found")
	}
	vk.SetGetInstanceProcAddr(procAddr)
	if err := vk.Init(); err != nil {
		return nil, errors.Wrap(core.ErrUnsupported, err.Error())
	}
	if opts.AppName == "" {
		opts.AppName = "anima-rt"
	}
	return &Factory{opts: opts}, nil
}

// EnableDebugLayer checks that the Khronos validation layer is installed.
// It must run before the first enumeration.
func (f *Factory) EnableDebugLayer(opts metadata.DebugOptions) error {
	if f.instance != nil {
		return errors.Wrap(core.ErrInvalidCall, "debug layer must be enabled before the instance exists")
	}
	if !opts.EnableValidation {
		return nil
	}
	var count uint32
	if err := check(vk.EnumerateInstanceLayerProperties(&count, nil), "vkEnumerateInstanceLayerProperties"); err != nil {
		return err
	}
	layers := make([]vk.LayerProperties, count)
	if err := check(vk.EnumerateInstanceLayerProperties(&count, layers), "vkEnumerateInstanceLayerProperties"); err != nil {
		return err
	}
	found := false
	for i := range layers {
		layers[i].Deref()
		if cString(layers[i].LayerName[:]) == validationLayer {
			found = true
			break
		}
	}
	if !found {
		return errors.Wrapf(core.ErrValidationUnavailable, "%s is not installed", validationLayer)
	}
	if opts.EnableGPUBasedValidation {
		core.LogWarn("GPU-assisted validation is configured through vk_layer_settings.txt, ignoring the flag")
	}
	f.debug = opts
	return nil
}

func (f *Factory) ensureInstance() error {
	if f.released {
		return errors.Wrap(core.ErrResourceReleased, "factory released")
	}
	if f.instance != nil {
		return nil
	}

	appInfo := &vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		ApiVersion:         uint32(vk.MakeVersion(1, 2, 0)),
		ApplicationVersion: uint32(vk.MakeVersion(1, 0, 0)),
		PApplicationName:   safeString(f.opts.AppName),
		PEngineName:        safeString("Anima RT"),
	}
	createInfo := vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: appInfo,
	}

	extensions := []string{"VK_KHR_surface"}
	extensions = append(extensions, f.opts.InstanceExtensions...)
	if runtime.GOOS == "darwin" {
		extensions = append(extensions, "VK_KHR_portability_enumeration", "VK_KHR_get_physical_device_properties2")
		// VK_INSTANCE_CREATE_ENUMERATE_PORTABILITY_BIT_KHR
		createInfo.Flags |= 1
	}
	var layers []string
	if f.debug.EnableValidation {
		extensions = append(extensions, vk.ExtDebugReportExtensionName)
		layers = append(layers, validationLayer)
	}
	extensions = dedupe(extensions)
	core.LogDebug("vulkan instance extensions: %v", extensions)

	createInfo.EnabledExtensionCount = uint32(len(extensions))
	createInfo.PpEnabledExtensionNames = safeStrings(extensions)
	createInfo.EnabledLayerCount = uint32(len(layers))
	createInfo.PpEnabledLayerNames = safeStrings(layers)

	var instance vk.Instance
	if err := check(vk.CreateInstance(&createInfo, nil, &instance), "vkCreateInstance"); err != nil {
		return err
	}
	if err := vk.InitInstance(instance); err != nil {
		vk.DestroyInstance(instance, nil)
		return errors.Wrap(core.ErrUnsupported, err.Error())
	}
	f.instance = instance

	if f.debug.EnableValidation {
		info := vk.DebugReportCallbackCreateInfo{
			SType:       vk.StructureTypeDebugReportCallbackCreateInfo,
			Flags:       vk.DebugReportFlags(vk.DebugReportErrorBit | vk.DebugReportWarningBit | vk.DebugReportPerformanceWarningBit),
			PfnCallback: f.debugReport,
		}
		var cb vk.DebugReportCallback
		if err := check(vk.CreateDebugReportCallback(f.instance, &info, nil, &cb), "vkCreateDebugReportCallback"); err != nil {
			core.LogWarn("validation messages will not be reported: %s", err)
		} else {
			f.debugCB = cb
		}
	}
	core.LogInfo("Vulkan instance created.")
	return f.enumerate()
}

func (f *Factory) enumerate() error {
	var count uint32
	if err := check(vk.EnumeratePhysicalDevices(f.instance, &count, nil), "vkEnumeratePhysicalDevices"); err != nil {
		return err
	}
	devices := make([]vk.PhysicalDevice, count)
	if count > 0 {
		if err := check(vk.EnumeratePhysicalDevices(f.instance, &count, devices), "vkEnumeratePhysicalDevices"); err != nil {
			return err
		}
	}
	f.adapters = f.adapters[:0]
	for _, pd := range devices {
		a, err := newAdapter(pd)
		if err != nil {
			core.LogWarn("skipping physical device: %s", err)
			continue
		}
		f.adapters = append(f.adapters, a)
	}
	return nil
}

// EnumerateAdaptersByPreference is not offered by Vulkan; callers fall back
// to EnumerateAdapters.
func (f *Factory) EnumerateAdaptersByPreference(metadata.GPUPreference) ([]metadata.Adapter, error) {
	return nil, core.ErrPreferenceUnsupported
}

func (f *Factory) EnumerateAdapters() ([]metadata.Adapter, error) {
	if err := f.ensureInstance(); err != nil {
		return nil, err
	}
	out := make([]metadata.Adapter, 0, len(f.adapters))
	for _, a := range f.adapters {
		out = append(out, a)
	}
	return out, nil
}

func (f *Factory) CreateDevice(a metadata.Adapter, level metadata.FeatureLevel) (metadata.Device, error) {
	va, ok := a.(*Adapter)
	if !ok {
		return nil, errors.Wrap(core.ErrInvalidCall, "adapter does not belong to the vulkan factory")
	}
	if !va.CheckFeatureSupport(level).Supported {
		return nil, errors.Wrapf(core.ErrFeatureLevelUnsupported, "%s does not support %s", va.desc.Name, level)
	}
	return newDevice(f, va, level)
}

// surfaceSource is satisfied by *glfw.Window.
type surfaceSource interface {
	CreateWindowSurface(instance interface{}, allocCallbacks unsafe.Pointer) (uintptr, error)
}

func (f *Factory) CreateSwapChain(q metadata.Queue, window metadata.WindowHandle, desc metadata.SwapChainDesc) (metadata.SwapChain, error) {
	vq, ok := q.(*Queue)
	if !ok {
		return nil, errors.Wrap(core.ErrInvalidCall, "queue does not belong to the vulkan factory")
	}
	src, ok := window.Handle.(surfaceSource)
	if !ok {
		return nil, errors.Wrapf(core.ErrInvalidCall, "window handle %T cannot create a vulkan surface", window.Handle)
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
	ptr, err := src.CreateWindowSurface(f.instance, nil)
	if err != nil {
		return nil, errors.Wrap(core.ErrUnsupported, err.Error())
	}
	return newSwapChain(f, vq, vk.SurfaceFromPointer(ptr), desc)
}

func (f *Factory) setSink(cb metadata.MessageCallback) {
	f.sinkMu.Lock()
	f.sink = cb
	f.sinkMu.Unlock()
}

func (f *Factory) debugReport(flags vk.DebugReportFlags, objectType vk.DebugReportObjectType, object uint64, location uint64, messageCode int32, pLayerPrefix string, pMessage string, pUserData unsafe.Pointer) vk.Bool32 {
	msg := metadata.Message{
		Severity: metadata.MessageSeverityInfo,
		ID:       pLayerPrefix,
		Text:     pMessage,
	}
	switch {
	case flags&vk.DebugReportFlags(vk.DebugReportErrorBit) != 0:
		msg.Severity = metadata.MessageSeverityError
	case flags&vk.DebugReportFlags(vk.DebugReportWarningBit|vk.DebugReportPerformanceWarningBit) != 0:
		msg.Severity = metadata.MessageSeverityWarning
	}

	f.sinkMu.Lock()
	sink := f.sink
	f.sinkMu.Unlock()
	if sink != nil {
		sink(msg)
		return vk.Bool32(vk.False)
	}
	switch msg.Severity {
	case metadata.MessageSeverityError:
		core.LogError("[%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	case metadata.MessageSeverityWarning:
		core.LogWarn("[%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	default:
		core.LogInfo("[%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	}
	return vk.Bool32(vk.False)
}

// Release destroys the instance. Devices and swap chains must be released
// first.
func (f *Factory) Release() {
	if f.released {
		return
	}
	f.released = true
	if f.instance == nil {
		return
	}
	if f.debugCB != vk.NullDebugReportCallback {
		vk.DestroyDebugReportCallback(f.instance, f.debugCB, nil)
	}
	vk.DestroyInstance(f.instance, nil)
	f.instance = nil
	core.LogDebug("Vulkan instance destroyed.")
}

func dedupe(list []string) []string {
	seen := make(map[string]bool, len(list))
	out := list[:0]
	for _, s := range list {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
