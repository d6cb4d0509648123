package sandbox

import (
	"context"
	"io"
)

// shellPIDFile is where the long-lived shell records its own PID inside the
// container, so the runtime can signal its foreground children on timeout.
const shellPIDFile = "/tmp/.warden-shell.pid"

// ContainerSpec describes one container to create and start.
type ContainerSpec struct {
	Name           string
	Image          string
	ConversationID string
	HostWorkDir    string // bound read-write at /mnt
	MemoryLimit    string // docker syntax, e.g. "2g"
	CPULimit       float64
	Network        string // "host" or "bridge"
}

// Runtime drives the container engine. The production implementation shells
// out to the docker CLI; tests substitute a fake.
type Runtime interface {
	// ImageExists reports whether the image is present locally.
	ImageExists(ctx context.Context, image string) (bool, error)

	// CreateAndStart provisions a container from the spec and leaves it
	// running with its keep-alive command.
	CreateAndStart(ctx context.Context, spec ContainerSpec) error

	// Start resumes a stopped container.
	Start(ctx context.Context, name string) error

	// Stop stops a running container, preserving it for a later Start.
	Stop(ctx context.Context, name string) error

	// Remove force-removes a container.
	Remove(ctx context.Context, name string) error

	// OpenShell attaches a long-lived bash with piped stdio.
	OpenShell(ctx context.Context, name string) (ShellProcess, error)

	// Interrupt delivers SIGINT to the foreground children of the shell
	// opened by OpenShell. The shell itself must survive.
	Interrupt(ctx context.Context, name string) error
}

// ShellProcess is one attached shell with piped stdio. Close terminates the
// attachment, not the container.
type ShellProcess interface {
	Stdin() io.Writer
	Stdout() io.Reader
	Stderr() io.Reader
	Close() error
}
