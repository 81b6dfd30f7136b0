package kernel

import "errors"

// Errors surfaced by the manager. Callers match with errors.Is; the
// manager wraps them with the offending id or type key.
var (
	// ErrPolicy covers disallowed (mode, language) pairs, id collisions,
	// and ids containing the namespace delimiter. No resources are
	// allocated before a policy rejection.
	ErrPolicy = errors.New("kernel policy violation")

	// ErrNotFound is returned for operations on an unknown kernel id.
	ErrNotFound = errors.New("kernel not found")

	// ErrNotInitialized is returned for operations on a kernel whose
	// driver has not signaled ready or has reached its terminal error.
	ErrNotInitialized = errors.New("kernel not initialized")

	// ErrInitFailed is returned when driver initialization failed; all
	// resources allocated for the attempt have been released.
	ErrInitFailed = errors.New("kernel initialization failed")

	// ErrKernelLimit is returned when the live-kernel cap is reached.
	ErrKernelLimit = errors.New("kernel limit reached")
)
