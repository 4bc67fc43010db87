package backends

import "errors"

// Construction errors abort pipeline creation.
var (
	ErrEngineNotFound        = errors.New("compiled engine file not found")
	ErrEngineLoad            = errors.New("failed to load compiled engine")
	ErrWeightsNotFound       = errors.New("reference model weights not found")
	ErrIncompatibleEmbedding = errors.New("incompatible embedding dimension")
)

// Allocation errors are fatal for the current request only.
var (
	ErrOutOfDeviceMemory = errors.New("out of device memory")
	ErrInvalidShape      = errors.New("shape outside of the engine profile")
)

var (
	ErrShapeMismatch       = errors.New("input shape does not match the allocated buffers")
	ErrBuffersNotAllocated = errors.New("engine buffers have not been allocated")
	ErrStreamReleased      = errors.New("compute stream has been released")
)
