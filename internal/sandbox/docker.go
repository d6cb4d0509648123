package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/haasonsaas/warden/internal/observability"
)

// grantedCaps is the minimal capability set the agent image needs after
// --cap-drop ALL: file ownership changes, setuid/setgid for the entrypoint,
// and raw sockets for ping-style diagnostics.
var grantedCaps = []string{
	"CHOWN",
	"DAC_OVERRIDE",
	"SETGID",
	"SETUID",
	"NET_RAW",
	"NET_BIND_SERVICE",
}

// dockerRuntime implements Runtime by shelling out to the docker CLI.
type dockerRuntime struct {
	bin    string
	logger *observability.Logger
}

// NewDockerRuntime returns a Runtime backed by the docker CLI.
func NewDockerRuntime(logger *observability.Logger) Runtime {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &dockerRuntime{
		bin:    "docker",
		logger: logger.WithFields("component", "docker_runtime"),
	}
}

// run executes one docker subcommand and returns its trimmed stdout. On a
// non-zero exit the error carries docker's stderr.
func (d *dockerRuntime) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, d.bin, args...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return "", fmt.Errorf("docker %s: %w", args[0], err)
		}
		return "", fmt.Errorf("docker %s: %w: %s", args[0], err, msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (d *dockerRuntime) ImageExists(ctx context.Context, image string) (bool, error) {
	_, err := d.run(ctx, "image", "inspect", image)
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, err
}

func (d *dockerRuntime) CreateAndStart(ctx context.Context, spec ContainerSpec) error {
	network := spec.Network
	if network == "" {
		network = "host"
	}
	args := []string{
		"run", "-d",
		"--name", spec.Name,
		"--read-only",
		"--tmpfs", "/tmp:rw,noexec,nosuid,size=100m",
		"--tmpfs", "/home/agent/.cache:rw,noexec,nosuid,size=50m",
		"-v", fmt.Sprintf("%s:/mnt:rw", spec.HostWorkDir),
		"--network", network,
		"--memory", spec.MemoryLimit,
		"--cpus", fmt.Sprintf("%g", spec.CPULimit),
		"--ulimit", "nofile=1024:2048",
		"--ulimit", "nproc=512:1024",
		"--cap-drop", "ALL",
	}
	for _, c := range grantedCaps {
		args = append(args, "--cap-add", c)
	}
	args = append(args,
		"--security-opt", "no-new-privileges",
		"-e", "AGENT_ID="+spec.ConversationID,
		"-e", "AGENT_WORK_DIR=/mnt",
		"-w", "/mnt",
		spec.Image,
		"tail", "-f", "/dev/null",
	)

	id, err := d.run(ctx, args...)
	if err != nil {
		return err
	}
	d.logger.Info(ctx, "container started",
		"container", spec.Name, "id", truncateID(id), "image", spec.Image)
	return nil
}

func (d *dockerRuntime) Start(ctx context.Context, name string) error {
	_, err := d.run(ctx, "start", name)
	return err
}

func (d *dockerRuntime) Stop(ctx context.Context, name string) error {
	_, err := d.run(ctx, "stop", "-t", "5", name)
	return err
}

func (d *dockerRuntime) Remove(ctx context.Context, name string) error {
	_, err := d.run(ctx, "rm", "-f", name)
	return err
}

func (d *dockerRuntime) OpenShell(ctx context.Context, name string) (ShellProcess, error) {
	cmd := exec.Command(d.bin, "exec", "-i", name, "bash")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open shell stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open shell stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("open shell stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("docker exec: %w", err)
	}
	return &execShell{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

func (d *dockerRuntime) Interrupt(ctx context.Context, name string) error {
	// SIGINT the shell's children only; the shell itself keeps running and
	// will emit the pending sentinel once its foreground job dies.
	script := fmt.Sprintf(`kill -INT $(pgrep -P "$(cat %s)") 2>/dev/null || true`, shellPIDFile)
	_, err := d.run(ctx, "exec", name, "bash", "-c", script)
	return err
}

// execShell wraps a started docker exec process.
type execShell struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

func (s *execShell) Stdin() io.Writer  { return s.stdin }
func (s *execShell) Stdout() io.Reader { return s.stdout }
func (s *execShell) Stderr() io.Reader { return s.stderr }

func (s *execShell) Close() error {
	s.stdin.Close()
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	return s.cmd.Wait()
}

func truncateID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
