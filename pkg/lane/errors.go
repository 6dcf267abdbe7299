package lane

import "errors"

// Scheduler lifecycle and submission errors.
var (
	// ErrNotStarted is returned when submitting before Start
	ErrNotStarted = errors.New("lane scheduler not started")
	// ErrStopped is returned when submitting after Stop
	ErrStopped = errors.New("lane scheduler stopped")
	// ErrQueueFull is returned when a lane's bounded queue is full
	ErrQueueFull = errors.New("lane queue full")
	// ErrStopTimeout is returned when lanes do not drain within the stop timeout
	ErrStopTimeout = errors.New("timeout waiting for lanes to drain")
)
