package resource

import "errors"

var (
	// ErrInvalidRequest is returned for an empty id, empty request or non-positive or non-finite amount
	ErrInvalidRequest = errors.New("invalid allocation request")

	// ErrDuplicateAllocation is returned when the allocation id is already live
	ErrDuplicateAllocation = errors.New("allocation already exists")

	// ErrUnknownResource is returned when a requested kind has no pool
	ErrUnknownResource = errors.New("unknown resource kind")

	// ErrExceedsTotal is returned when a single amount is larger than its whole pool
	ErrExceedsTotal = errors.New("request exceeds pool total")

	// ErrInsufficientCapacity is returned when a pool cannot fund the request
	ErrInsufficientCapacity = errors.New("insufficient capacity")

	// ErrVRAMTierCap is returned when a vram request exceeds the requester's tier cap
	ErrVRAMTierCap = errors.New("vram tier cap exceeded")
)
