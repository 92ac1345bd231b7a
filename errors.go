package snapllm

import "errors"

// Error taxonomy shared by every component. Callers match with errors.Is;
// wrapped variants carry the component-specific detail.
var (
	// ErrNotFound reports an unknown model, tensor or context.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput reports a bad size, malformed name or unusable option.
	ErrInvalidInput = errors.New("invalid input")

	// ErrCapacityExceeded reports a full workspace or memory tier.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrIntegrity reports a checksum mismatch on read.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrUnsupported reports an unknown quantization or compression format.
	ErrUnsupported = errors.New("unsupported format")

	// ErrBackend wraps failures surfaced by the inference backend.
	ErrBackend = errors.New("backend error")

	// ErrTierUnavailable reports a memory tier that is not present on this host.
	ErrTierUnavailable = errors.New("tier unavailable")

	// ErrClosed reports use after shutdown.
	ErrClosed = errors.New("closed")
)
