package supervisor

import "errors"

// Start failures. They are returned wrapped with context; use errors.Is.
var (
	// ErrInvocationLimitExceeded means the session used up its CLI calls
	// until the caller resets it. Nothing was spawned.
	ErrInvocationLimitExceeded = errors.New("invocation limit exceeded")

	// ErrPoolExhausted means all process slots are taken; retry later
	ErrPoolExhausted = errors.New("process pool exhausted")

	// ErrSpawnFailed wraps the OS error of starting the process
	ErrSpawnFailed = errors.New("spawning process failed")

	// ErrRegistrationRaceLost means another start took the last slot while
	// this process was spawning. The process has already been killed.
	ErrRegistrationRaceLost = errors.New("process pool registration race lost")
)

// ErrSessionNotFound is returned by Cancel for unknown or finished tasks
var ErrSessionNotFound = errors.New("no active session")
