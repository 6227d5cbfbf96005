package recovery

import "errors"

var (
	// ErrUnknownTarget is returned when the agent is not a managed process
	ErrUnknownTarget = errors.New("unknown recovery target")

	// ErrRecoveryAborted is returned when a step of a tier fails
	ErrRecoveryAborted = errors.New("recovery aborted")

	// ErrInvalidTier is returned for a tier outside 1..4
	ErrInvalidTier = errors.New("invalid recovery tier")

	// ErrRecoveryInProgress is returned when the target already has a recovery running
	ErrRecoveryInProgress = errors.New("recovery already in progress")
)
