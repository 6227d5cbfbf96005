package monitor

import "errors"

var (
	// ErrInvalidMetric is returned for a sample without an agent or with a non-finite value
	ErrInvalidMetric = errors.New("invalid health metric")

	// ErrBroadcasterClosed is returned when subscribing to a closed broadcaster
	ErrBroadcasterClosed = errors.New("broadcaster closed")
)
