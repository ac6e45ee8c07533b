package core

import (
	"github.com/pkg/errors"
)

var (
	ErrUnknown = errors.New("unknown")

	// initialization
	ErrNoAdapter               = errors.New("no GPU adapter could be selected")
	ErrPreferenceUnsupported   = errors.New("adapter enumeration by preference is not supported")
	ErrFeatureLevelUnsupported = errors.New("adapter does not support any acceptable feature level")
	ErrRayTracingUnsupported   = errors.New("ray tracing is not supported by this device")
	ErrValidationUnavailable   = errors.New("validation layer is not available")
	ErrAlreadyInitialized      = errors.New("renderer already initialized")
	ErrNotInitialized          = errors.New("renderer not initialized")
	ErrInvalidConfig           = errors.New("invalid configuration")

	// resources and commands
	ErrUnsupported       = errors.New("operation not supported by this backend")
	ErrInvalidState      = errors.New("resource is not in the expected state")
	ErrInvalidCall       = errors.New("invalid call")
	ErrOutOfMemory       = errors.New("out of device memory")
	ErrZeroSizeResource  = errors.New("zero-sized resources are not allowed")
	ErrResourceReleased  = errors.New("resource already released")
	ErrListNotRecording  = errors.New("command list is not recording")
	ErrListNotClosed     = errors.New("command list is not closed")
	ErrAllocatorInFlight = errors.New("command allocator reset while its commands are still executing")
	ErrDeviceRemoved     = errors.New("device removed")

	// synchronization
	ErrFenceTimeout    = errors.New("timed out waiting for fence")
	ErrFenceOutOfRange = errors.New("fence value was never signaled")
	ErrRingClosed      = errors.New("frame ring already shut down")

	// frames
	ErrPresentFailed              = errors.New("failed to present swap chain")
	ErrAccelerationStructureBuild = errors.New("failed to build acceleration structures")

	// ErrUnpairedTransition is the panic value raised when a resource transition
	// does not start from the state the resource is known to be in.
	ErrUnpairedTransition = errors.New("unpaired resource transition")
)
