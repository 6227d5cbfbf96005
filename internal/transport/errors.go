package transport

import "errors"

var (
	// ErrBusy is returned when the action worker pool queue is full
	ErrBusy = errors.New("action server busy")

	// ErrStopped is returned for requests arriving after shutdown began
	ErrStopped = errors.New("action server stopped")
)
