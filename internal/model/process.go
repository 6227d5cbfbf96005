package model

import "time"

// ProcessRuntime selects how a managed process is spawned
type ProcessRuntime string

const (
	RuntimeExec      ProcessRuntime = "exec"
	RuntimeContainer ProcessRuntime = "container"
)

// ProcessConfig is the spawn configuration of a managed process
type ProcessConfig struct {
	Name         string            `json:"name" mapstructure:"name"`
	Runtime      ProcessRuntime    `json:"runtime" mapstructure:"runtime"`
	Command      string            `json:"command,omitempty" mapstructure:"command"`
	Args         []string          `json:"args,omitempty" mapstructure:"args"`
	Env          map[string]string `json:"env,omitempty" mapstructure:"env"`
	WorkingDir   string            `json:"working_dir,omitempty" mapstructure:"working_dir"`
	Container    string            `json:"container,omitempty" mapstructure:"container"`
	StateDir     string            `json:"state_dir,omitempty" mapstructure:"state_dir"`
	Dependencies []string          `json:"dependencies,omitempty" mapstructure:"dependencies"`
	AutoStart    bool              `json:"auto_start" mapstructure:"auto_start"`
}

// ProcessStatus is a read-only view of a managed process
type ProcessStatus struct {
	Name        string     `json:"name"`
	Runtime     string     `json:"runtime"`
	Running     bool       `json:"running"`
	HandleID    string     `json:"handle_id,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	LastRestart *time.Time `json:"last_restart,omitempty"`
}
