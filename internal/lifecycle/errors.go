package lifecycle

import "errors"

var (
	// ErrUnknownProcess is returned for a name not in the registry
	ErrUnknownProcess = errors.New("unknown managed process")

	// ErrSpawnArtifactMissing is returned when a process's executable or container does not exist
	ErrSpawnArtifactMissing = errors.New("spawn artifact missing")

	// ErrRestartCooldown is returned when a restart comes too soon after the previous one
	ErrRestartCooldown = errors.New("restart cooldown in effect")

	// ErrUnknownRuntime is returned when no runtime serves a process's runtime kind
	ErrUnknownRuntime = errors.New("unknown process runtime")

	// ErrDependencyCycle is returned when declared dependencies form a cycle
	ErrDependencyCycle = errors.New("process dependency cycle")
)
