// Package testharness provides shared fakes for end-to-end tests: an
// in-memory container runtime that speaks the shell session's wire protocol
// and a scripted completion service.
package testharness

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"

	"github.com/haasonsaas/warden/internal/sandbox"
)

// CmdHandler scripts the fake shell's response to one command. hang makes
// the command block until the runtime's Interrupt fires.
type CmdHandler func(command string) (stdout, stderr string, exitCode int, hang bool)

// OKHandler answers every command with "ok" and exit 0.
func OKHandler(command string) (string, string, int, bool) {
	return "ok", "", 0, false
}

const pidFilePath = "/tmp/.warden-shell.pid"

var (
	readyRE    = regexp.MustCompile(`printf '([0-9a-f]{32})\\n'`)
	sentinelRE = regexp.MustCompile(`printf '\\n(WARDEN_RC_[0-9a-f]{32}) %d\\n'`)
)

// FakeShell speaks the session's wire protocol over in-process pipes: it
// answers the PID handshake and interprets { … } frames, consulting the
// handler for each command.
type FakeShell struct {
	handler CmdHandler

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	interrupted chan struct{}
	closed      chan struct{}
	closeOnce   sync.Once

	mu       sync.Mutex
	commands []string
}

// NewFakeShell starts a fake shell. A nil handler answers "ok" to
// everything.
func NewFakeShell(handler CmdHandler) *FakeShell {
	if handler == nil {
		handler = OKHandler
	}
	f := &FakeShell{
		handler:     handler,
		interrupted: make(chan struct{}, 1),
		closed:      make(chan struct{}),
	}
	f.stdinR, f.stdinW = io.Pipe()
	f.stdoutR, f.stdoutW = io.Pipe()
	f.stderrR, f.stderrW = io.Pipe()
	go f.loop()
	return f
}

func (f *FakeShell) Stdin() io.Writer  { return f.stdinW }
func (f *FakeShell) Stdout() io.Reader { return f.stdoutR }
func (f *FakeShell) Stderr() io.Reader { return f.stderrR }

func (f *FakeShell) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		f.stdinR.Close()
		f.stdoutW.Close()
		f.stderrW.Close()
	})
	return nil
}

// Commands returns every framed command the shell received.
func (f *FakeShell) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *FakeShell) loop() {
	scanner := bufio.NewScanner(f.stdinR)
	var frame []string
	inFrame := false
	for scanner.Scan() {
		line := scanner.Text()
		if !inFrame {
			if strings.Contains(line, pidFilePath) {
				if m := readyRE.FindStringSubmatch(line); m != nil {
					fmt.Fprintf(f.stdoutW, "%s\n", m[1])
				}
				continue
			}
			if strings.HasPrefix(line, "{ ") {
				inFrame = true
				frame = []string{strings.TrimPrefix(line, "{ ")}
			}
			continue
		}
		if strings.HasPrefix(line, "} ; __rc=$?") {
			m := sentinelRE.FindStringSubmatch(line)
			inFrame = false
			if m == nil {
				continue
			}
			sentinel := m[1]
			command := strings.Join(frame, "\n")
			f.mu.Lock()
			f.commands = append(f.commands, command)
			f.mu.Unlock()

			stdout, stderr, rc, hang := f.handler(command)
			if hang {
				select {
				case <-f.interrupted:
					stdout, stderr, rc = "", "", 130
				case <-f.closed:
					return
				}
			}
			if stderr != "" {
				io.WriteString(f.stderrW, stderr)
			}
			fmt.Fprintf(f.stdoutW, "%s\n%s %d\n", stdout, sentinel, rc)
			continue
		}
		frame = append(frame, line)
	}
}

// FakeRuntime is an in-memory sandbox.Runtime tracking every lifecycle
// call.
type FakeRuntime struct {
	mu sync.Mutex

	Handler      CmdHandler
	ImageMissing bool

	CreateFailures int // fail this many CreateAndStart calls before succeeding

	createCalls int
	creates     []sandbox.ContainerSpec
	starts      []string
	stops       []string
	removes     []string
	interrupts  int

	running map[string]bool
	shells  map[string]*FakeShell
}

// NewFakeRuntime builds a runtime whose shells answer via handler (nil for
// OKHandler).
func NewFakeRuntime(handler CmdHandler) *FakeRuntime {
	return &FakeRuntime{
		Handler: handler,
		running: make(map[string]bool),
		shells:  make(map[string]*FakeShell),
	}
}

func (r *FakeRuntime) ImageExists(ctx context.Context, image string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.ImageMissing, nil
}

func (r *FakeRuntime) CreateAndStart(ctx context.Context, spec sandbox.ContainerSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.createCalls++
	if r.CreateFailures > 0 {
		r.CreateFailures--
		return errors.New("transient create failure")
	}
	r.creates = append(r.creates, spec)
	r.running[spec.Name] = true
	return nil
}

func (r *FakeRuntime) Start(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = append(r.starts, name)
	r.running[name] = true
	return nil
}

func (r *FakeRuntime) Stop(ctx context.Context, name string) error {
	r.mu.Lock()
	sh := r.shells[name]
	r.stops = append(r.stops, name)
	r.running[name] = false
	r.mu.Unlock()
	if sh != nil {
		sh.Close()
	}
	return nil
}

func (r *FakeRuntime) Remove(ctx context.Context, name string) error {
	r.mu.Lock()
	sh := r.shells[name]
	r.removes = append(r.removes, name)
	delete(r.running, name)
	r.mu.Unlock()
	if sh != nil {
		sh.Close()
	}
	return nil
}

func (r *FakeRuntime) OpenShell(ctx context.Context, name string) (sandbox.ShellProcess, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running[name] {
		return nil, fmt.Errorf("container %s is not running", name)
	}
	sh := NewFakeShell(r.Handler)
	r.shells[name] = sh
	return sh, nil
}

func (r *FakeRuntime) Interrupt(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interrupts++
	if sh := r.shells[name]; sh != nil {
		select {
		case sh.interrupted <- struct{}{}:
		default:
		}
	}
	return nil
}

// Creates returns every successful CreateAndStart spec.
func (r *FakeRuntime) Creates() []sandbox.ContainerSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sandbox.ContainerSpec(nil), r.creates...)
}

// Stops returns container names passed to Stop, in order.
func (r *FakeRuntime) Stops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.stops...)
}

// Starts returns container names passed to Start, in order.
func (r *FakeRuntime) Starts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.starts...)
}

// Removes returns container names passed to Remove, in order.
func (r *FakeRuntime) Removes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.removes...)
}

// CommandsFor returns the commands the container's shell received.
func (r *FakeRuntime) CommandsFor(name string) []string {
	r.mu.Lock()
	sh := r.shells[name]
	r.mu.Unlock()
	if sh == nil {
		return nil
	}
	return sh.Commands()
}
