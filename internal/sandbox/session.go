package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/warden/internal/observability"
)

// ErrSessionBroken means the attached shell died or stopped responding. The
// caller reopens the session and may retry.
var ErrSessionBroken = errors.New("shell session broken")

const (
	// openTimeout bounds the handshake after attaching a fresh shell.
	openTimeout = 10 * time.Second

	// interruptGrace is how long Run waits for the pending sentinel after
	// interrupting a timed-out command before declaring the shell broken.
	interruptGrace = 2 * time.Second
)

// Session is one long-lived shell inside a container. State set by earlier
// commands (cwd, environment, shell variables, background jobs) is visible
// to later ones. A mutex serializes commands; concurrent Run calls queue.
type Session struct {
	mu        sync.Mutex
	proc      ShellProcess
	interrupt func(context.Context) error
	stdin     io.Writer
	lines     chan string
	stderr    *stderrPump
	broken    bool
	logger    *observability.Logger
}

// RunResult is the outcome of one command inside the session.
type RunResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// NewSession attaches to proc and performs the handshake: the shell records
// its PID (so interrupt can target its children) and echoes a ready token.
func NewSession(proc ShellProcess, interrupt func(context.Context) error, logger *observability.Logger) (*Session, error) {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	s := &Session{
		proc:      proc,
		interrupt: interrupt,
		stdin:     proc.Stdin(),
		lines:     make(chan string, 64),
		stderr:    newStderrPump(proc.Stderr()),
		logger:    logger.WithFields("component", "shell_session"),
	}
	go s.readLines(proc.Stdout())

	token := newSentinel()
	_, err := fmt.Fprintf(s.stdin, "printf '%%s' \"$$\" > %s 2>/dev/null; printf '%s\\n'\n", shellPIDFile, token)
	if err != nil {
		proc.Close()
		return nil, fmt.Errorf("shell handshake write: %w", err)
	}

	deadline := time.NewTimer(openTimeout)
	defer deadline.Stop()
	for {
		select {
		case line, ok := <-s.lines:
			if !ok {
				proc.Close()
				return nil, fmt.Errorf("%w: shell exited during handshake", ErrSessionBroken)
			}
			if line == token {
				return s, nil
			}
			// Banner noise before the token is discarded.
		case <-deadline.C:
			proc.Close()
			return nil, fmt.Errorf("%w: handshake timed out", ErrSessionBroken)
		}
	}
}

// readLines pumps stdout into the line channel until EOF or read error.
func (s *Session) readLines(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		s.lines <- scanner.Text()
	}
	close(s.lines)
}

// Run executes one command and waits for its sentinel. The command is wrapped
// as
//
//	{ command
//	} ; __rc=$? ; printf '\n<sentinel> %d\n' "$__rc"
//
// so multi-line commands work and the exit code rides on the sentinel line.
// The injected leading newline guarantees the sentinel starts a fresh line
// even when the command's output does not end with one; it is stripped back
// out so stdout is byte-exact.
//
// On timeout the shell's foreground children get SIGINT and the result is
// exit 124 with the shell preserved. If the sentinel never arrives the
// session is marked broken and Run returns ErrSessionBroken.
func (s *Session) Run(ctx context.Context, command string, timeout time.Duration) (RunResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.broken {
		return RunResult{}, ErrSessionBroken
	}

	sentinel := "WARDEN_RC_" + newSentinel()
	s.stderr.take() // drop any leftover stderr from a previous timeout

	frame := fmt.Sprintf("{ %s\n} ; __rc=$? ; printf '\\n%s %%d\\n' \"$__rc\"\n", command, sentinel)
	if _, err := io.WriteString(s.stdin, frame); err != nil {
		s.broken = true
		return RunResult{}, fmt.Errorf("%w: write: %v", ErrSessionBroken, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var collected []string
	for {
		select {
		case line, ok := <-s.lines:
			if !ok {
				s.broken = true
				return RunResult{}, fmt.Errorf("%w: shell exited", ErrSessionBroken)
			}
			if rc, found := parseSentinel(line, sentinel); found {
				return RunResult{
					ExitCode: rc,
					Stdout:   strings.Join(collected, "\n"),
					Stderr:   s.stderr.take(),
				}, nil
			}
			collected = append(collected, line)

		case <-timer.C:
			return s.handleTimeout(ctx, sentinel, timeout)

		case <-ctx.Done():
			s.broken = true
			return RunResult{}, ctx.Err()
		}
	}
}

// handleTimeout interrupts the foreground job and waits briefly for the
// sentinel so the shell stays usable for the next command.
func (s *Session) handleTimeout(ctx context.Context, sentinel string, timeout time.Duration) (RunResult, error) {
	if s.interrupt != nil {
		if err := s.interrupt(ctx); err != nil {
			s.logger.Warn(ctx, "interrupt after timeout failed", "error", err)
		}
	}

	grace := time.NewTimer(interruptGrace)
	defer grace.Stop()
	settled := false
	for !settled {
		select {
		case line, ok := <-s.lines:
			if !ok {
				s.broken = true
				settled = true
				break
			}
			if _, found := parseSentinel(line, sentinel); found {
				settled = true
			}
			// Output produced before the interrupt landed is dropped.
		case <-grace.C:
			// The job ignored SIGINT; this session cannot accept more
			// commands safely.
			s.broken = true
			settled = true
		}
	}

	stderr := s.stderr.take()
	note := fmt.Sprintf("command timed out after %s, sent SIGINT", timeout)
	if stderr != "" {
		stderr += "\n"
	}
	stderr += note

	return RunResult{ExitCode: 124, Stderr: stderr, TimedOut: true}, nil
}

// Broken reports whether the session needs a restart.
func (s *Session) Broken() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broken
}

// Close terminates the shell attachment.
func (s *Session) Close() error {
	s.mu.Lock()
	s.broken = true
	s.mu.Unlock()
	return s.proc.Close()
}

// parseSentinel matches "<sentinel> <rc>" lines. Commands that swallow the
// injected newline (rare, but possible with partial reads) may leave output
// glued in front of the sentinel; the suffix match still recovers the code.
func parseSentinel(line, sentinel string) (int, bool) {
	idx := strings.Index(line, sentinel)
	if idx < 0 {
		return 0, false
	}
	rest := strings.TrimSpace(line[idx+len(sentinel):])
	rc, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return rc, true
}

// newSentinel returns a random 128-bit hex token.
func newSentinel() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// stderrPump drains a reader into a buffer from its own goroutine so stderr
// never backpressures the shell.
type stderrPump struct {
	mu  sync.Mutex
	buf strings.Builder
}

func newStderrPump(r io.Reader) *stderrPump {
	p := &stderrPump{}
	go func() {
		chunk := make([]byte, 32*1024)
		for {
			n, err := r.Read(chunk)
			if n > 0 {
				p.mu.Lock()
				p.buf.Write(chunk[:n])
				p.mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()
	return p
}

// take returns everything buffered so far and resets, trimming the single
// trailing newline shells append to diagnostics.
//
// stderr rides a separate pipe and races the stdout sentinel, so take polls
// until the buffer stops growing for one interval (bounded overall) rather
// than trusting a single fixed sleep. A slow flush under load would
// otherwise leak into the next command's result.
func (p *stderrPump) take() string {
	const (
		quiet  = 10 * time.Millisecond
		budget = 200 * time.Millisecond
	)
	prev := p.size()
	for waited := time.Duration(0); ; {
		time.Sleep(quiet)
		waited += quiet
		cur := p.size()
		if cur == prev || waited >= budget {
			break
		}
		prev = cur
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.buf.String()
	p.buf.Reset()
	return strings.TrimSuffix(out, "\n")
}

func (p *stderrPump) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.Len()
}
