package orchestrator

import "errors"

var (
	// ErrUnknownAction is returned for an action name outside the contract
	ErrUnknownAction = errors.New("unknown action")

	// ErrInvalidRequest is returned when a request payload is malformed or incomplete
	ErrInvalidRequest = errors.New("invalid request")

	// ErrUnknownAgent is returned when an operation names an unregistered agent
	ErrUnknownAgent = errors.New("unknown agent")
)
