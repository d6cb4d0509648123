// Package sandbox owns the per-conversation container lifecycle and the
// long-lived stateful shell inside each container. Containers are never
// created up front: they materialize on the first shell invocation for a
// conversation, may be stopped by the idle reaper, and resume in place on
// the next invocation.
package sandbox

import (
	"errors"
	"sync"
	"time"
)

// State is a container's lifecycle state.
type State string

const (
	StateNotCreated State = "not-created"
	StateCreating   State = "creating"
	StateRunning    State = "running"
	StateStopped    State = "stopped"
	StateFailed     State = "failed"
	StateDestroyed  State = "destroyed"
)

// ErrContainerUnavailable means the sandbox cannot serve shell commands for
// this conversation (missing image, failed provisioning, destroyed record).
var ErrContainerUnavailable = errors.New("container unavailable")

// record tracks one conversation's container. Its mutex serializes all
// state transitions and command execution for that conversation; distinct
// conversations proceed in parallel.
type record struct {
	mu sync.Mutex

	conversationID string
	state          State
	containerName  string
	workDir        string // host-side mount source for /mnt
	createdAt      time.Time
	lastActivity   time.Time
	commandCount   int

	session *Session
}

// Status is a point-in-time snapshot of a container record.
type Status struct {
	ConversationID string        `json:"conversation_id"`
	State          State         `json:"state"`
	ContainerName  string        `json:"container_name,omitempty"`
	WorkDir        string        `json:"working_directory,omitempty"`
	CreatedAt      time.Time     `json:"created_at,omitzero"`
	LastActivity   time.Time     `json:"last_activity,omitzero"`
	CommandCount   int           `json:"command_count"`
	MemoryLimit    string        `json:"memory_limit"`
	CPULimit       float64       `json:"cpu_limit"`
	IdleTimeout    time.Duration `json:"idle_timeout"`
}

// ExecResult is the outcome of one shell command.
type ExecResult struct {
	ExitCode         int
	Stdout           string
	Stderr           string
	CommandNumber    int
	CreatedOrResumed bool
	Duration         time.Duration
}

// Success reports whether the command exited zero.
func (r ExecResult) Success() bool { return r.ExitCode == 0 }
