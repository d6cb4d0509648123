package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
)

// cmdHandler scripts the fake shell's response to one command. hang makes
// the command block until the runtime's Interrupt fires.
type cmdHandler func(command string) (stdout, stderr string, exitCode int, hang bool)

func okHandler(command string) (string, string, int, bool) {
	return "ok", "", 0, false
}

var (
	readyRE    = regexp.MustCompile(`printf '([0-9a-f]{32})\\n'`)
	sentinelRE = regexp.MustCompile(`printf '\\n(WARDEN_RC_[0-9a-f]{32}) %d\\n'`)
)

// fakeShell speaks the session's wire protocol over in-process pipes: it
// answers the PID handshake and interprets { … } frames, consulting the
// handler for each command.
type fakeShell struct {
	handler cmdHandler

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

func newFakeShell(handler cmdHandler) *fakeShell {
	if handler == nil {
		handler = okHandler
	}
	f := &fakeShell{
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

func (f *fakeShell) Stdin() io.Writer  { return f.stdinW }
func (f *fakeShell) Stdout() io.Reader { return f.stdoutR }
func (f *fakeShell) Stderr() io.Reader { return f.stderrR }

func (f *fakeShell) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		f.stdinR.Close()
		f.stdoutW.Close()
		f.stderrW.Close()
	})
	return nil
}

func (f *fakeShell) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *fakeShell) loop() {
	scanner := bufio.NewScanner(f.stdinR)
	var frame []string
	inFrame := false
	for scanner.Scan() {
		line := scanner.Text()
		if !inFrame {
			if strings.Contains(line, shellPIDFile) {
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

// fakeRuntime is an in-memory Runtime tracking every lifecycle call.
type fakeRuntime struct {
	mu sync.Mutex

	handler      cmdHandler
	imageMissing bool
	imageErr     error

	createFailures int // fail this many CreateAndStart calls before succeeding
	startFailures  int

	createCalls int
	creates     []ContainerSpec
	starts      []string
	stops       []string
	removes     []string
	interrupts  int

	running map[string]bool
	shells  map[string]*fakeShell
}

func newFakeRuntime(handler cmdHandler) *fakeRuntime {
	return &fakeRuntime{
		handler: handler,
		running: make(map[string]bool),
		shells:  make(map[string]*fakeShell),
	}
}

func (r *fakeRuntime) ImageExists(ctx context.Context, image string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.imageMissing, r.imageErr
}

func (r *fakeRuntime) CreateAndStart(ctx context.Context, spec ContainerSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.createCalls++
	if r.createFailures > 0 {
		r.createFailures--
		return errors.New("transient create failure")
	}
	r.creates = append(r.creates, spec)
	r.running[spec.Name] = true
	return nil
}

func (r *fakeRuntime) Start(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startFailures > 0 {
		r.startFailures--
		return errors.New("transient start failure")
	}
	r.starts = append(r.starts, name)
	r.running[name] = true
	return nil
}

func (r *fakeRuntime) Stop(ctx context.Context, name string) error {
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

func (r *fakeRuntime) Remove(ctx context.Context, name string) error {
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

func (r *fakeRuntime) OpenShell(ctx context.Context, name string) (ShellProcess, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running[name] {
		return nil, fmt.Errorf("container %s is not running", name)
	}
	sh := newFakeShell(r.handler)
	r.shells[name] = sh
	return sh, nil
}

func (r *fakeRuntime) Interrupt(ctx context.Context, name string) error {
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

func (r *fakeRuntime) commandsFor(name string) []string {
	r.mu.Lock()
	sh := r.shells[name]
	r.mu.Unlock()
	if sh == nil {
		return nil
	}
	return sh.Commands()
}
