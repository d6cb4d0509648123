package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/warden/internal/observability"
)

const (
	createRetries = 2
	createBackoff = 500 * time.Millisecond
)

// Options configures the container manager.
type Options struct {
	Image          string
	MemoryLimit    string
	CPULimit       float64
	Network        string
	CommandTimeout time.Duration

	// IdleTimeout stops (never removes) containers with no activity for
	// this long. Zero disables idle reaping.
	IdleTimeout   time.Duration
	SweepInterval time.Duration

	// WorkDirFor resolves (creating if needed) the host directory mounted
	// at /mnt for a conversation.
	WorkDirFor func(conversationID string) (string, error)

	// Now is the clock; nil means time.Now. Tests inject a fake.
	Now func() time.Time
}

// Manager owns one container record per conversation. Containers are created
// on first Execute, stopped when idle, resumed in place, and destroyed only
// by Reset or never. Per-record mutexes keep conversations independent: a
// slow command in one container never blocks another conversation.
type Manager struct {
	mu      sync.Mutex
	records map[string]*record

	rt      Runtime
	opts    Options
	now     func() time.Time
	logger  *observability.Logger
	metrics *observability.Metrics

	sweeperStop chan struct{}
	sweeperDone chan struct{}
}

// NewManager creates a container manager. metrics may be nil.
func NewManager(rt Runtime, opts Options, logger *observability.Logger, metrics *observability.Metrics) *Manager {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	if opts.Image == "" {
		opts.Image = "claude-agent:latest"
	}
	if opts.MemoryLimit == "" {
		opts.MemoryLimit = "2g"
	}
	if opts.CPULimit == 0 {
		opts.CPULimit = 2.0
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = time.Minute
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		records: make(map[string]*record),
		rt:      rt,
		opts:    opts,
		now:     now,
		logger:  logger.WithFields("component", "container_manager"),
		metrics: metrics,
	}
}

// ContainerName returns the container name for a conversation.
func ContainerName(conversationID string) string {
	return "claude-agent-" + conversationID
}

// recordFor returns the conversation's record, creating a not-created one on
// first reference.
func (m *Manager) recordFor(conversationID string) *record {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[conversationID]
	if !ok {
		rec = &record{
			conversationID: conversationID,
			state:          StateNotCreated,
			containerName:  ContainerName(conversationID),
		}
		m.records[conversationID] = rec
	}
	return rec
}

// Execute runs one shell command in the conversation's container, creating
// or resuming the container first if needed. workingDir, when non-empty, is
// prepended as a cd that must succeed.
func (m *Manager) Execute(ctx context.Context, conversationID, command string, timeout time.Duration, workingDir string) (ExecResult, error) {
	if timeout <= 0 {
		timeout = m.opts.CommandTimeout
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	rec := m.recordFor(conversationID)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	provisioned, err := m.ensureRunning(ctx, rec)
	if err != nil {
		return ExecResult{}, err
	}
	if err := m.ensureSession(ctx, rec); err != nil {
		return ExecResult{}, err
	}

	if workingDir != "" {
		command = fmt.Sprintf("cd %s && {\n%s\n}", shellQuote(workingDir), command)
	}

	start := m.now()
	res, err := rec.session.Run(ctx, command, timeout)
	if errors.Is(err, ErrSessionBroken) {
		// The shell died underneath us (stopped container, killed exec).
		// One transparent restart, then give up for this call.
		m.logger.Warn(ctx, "shell session broken, restarting",
			"conversation_id", rec.conversationID)
		rec.session.Close()
		rec.session = nil
		if err = m.ensureSession(ctx, rec); err == nil {
			res, err = rec.session.Run(ctx, command, timeout)
		}
	}
	if err != nil {
		return ExecResult{}, fmt.Errorf("execute in %s: %w", rec.containerName, err)
	}

	rec.commandCount++
	rec.lastActivity = m.now()
	m.observeCommand(res, start)

	return ExecResult{
		ExitCode:         res.ExitCode,
		Stdout:           res.Stdout,
		Stderr:           res.Stderr,
		CommandNumber:    rec.commandCount,
		CreatedOrResumed: provisioned,
		Duration:         m.now().Sub(start),
	}, nil
}

// ensureRunning drives the record to StateRunning. Returns true when the
// container was created or resumed by this call. Caller holds rec.mu.
func (m *Manager) ensureRunning(ctx context.Context, rec *record) (bool, error) {
	switch rec.state {
	case StateRunning:
		return false, nil

	case StateStopped:
		if err := m.withRetries(ctx, func() error { return m.rt.Start(ctx, rec.containerName) }); err != nil {
			rec.state = StateFailed
			return false, fmt.Errorf("%w: resume %s: %v", ErrContainerUnavailable, rec.containerName, err)
		}
		rec.state = StateRunning
		rec.lastActivity = m.now()
		m.logger.Info(ctx, "container resumed", "container", rec.containerName)
		return true, nil

	case StateNotCreated:
		return true, m.provision(ctx, rec)

	case StateFailed, StateDestroyed:
		// Sticky until an explicit Reset puts the record back to
		// not-created; execute never re-provisions on its own.
		return false, fmt.Errorf("%w: %s is %s; reset the shell to provision a fresh container",
			ErrContainerUnavailable, rec.containerName, rec.state)

	case StateCreating:
		// Unreachable while rec.mu is held; kept for completeness.
		return false, fmt.Errorf("%w: %s is mid-provisioning", ErrContainerUnavailable, rec.containerName)

	default:
		return false, fmt.Errorf("%w: %s in unexpected state %s", ErrContainerUnavailable, rec.containerName, rec.state)
	}
}

// provision creates and starts a fresh container for the record.
func (m *Manager) provision(ctx context.Context, rec *record) error {
	exists, err := m.rt.ImageExists(ctx, m.opts.Image)
	if err != nil {
		return fmt.Errorf("%w: image check: %v", ErrContainerUnavailable, err)
	}
	if !exists {
		return fmt.Errorf("%w: image %q not found; build or pull it before running the agent",
			ErrContainerUnavailable, m.opts.Image)
	}

	workDir := ""
	if m.opts.WorkDirFor != nil {
		workDir, err = m.opts.WorkDirFor(rec.conversationID)
		if err != nil {
			return fmt.Errorf("%w: working directory: %v", ErrContainerUnavailable, err)
		}
	}

	rec.state = StateCreating
	spec := ContainerSpec{
		Name:           rec.containerName,
		Image:          m.opts.Image,
		ConversationID: rec.conversationID,
		HostWorkDir:    workDir,
		MemoryLimit:    m.opts.MemoryLimit,
		CPULimit:       m.opts.CPULimit,
		Network:        m.opts.Network,
	}
	if err := m.withRetries(ctx, func() error { return m.rt.CreateAndStart(ctx, spec) }); err != nil {
		rec.state = StateFailed
		if m.metrics != nil {
			m.metrics.ContainerCreations.WithLabelValues("error").Inc()
		}
		return fmt.Errorf("%w: create %s: %v", ErrContainerUnavailable, rec.containerName, err)
	}

	rec.state = StateRunning
	rec.workDir = workDir
	rec.createdAt = m.now()
	rec.lastActivity = rec.createdAt
	if m.metrics != nil {
		m.metrics.ContainerCreations.WithLabelValues("success").Inc()
	}
	m.logger.Info(ctx, "container created",
		"container", rec.containerName, "image", m.opts.Image, "workdir", workDir)
	return nil
}

// withRetries runs fn up to 1+createRetries times with a fixed backoff.
func (m *Manager) withRetries(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= createRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(createBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// ensureSession opens the long-lived shell if none is attached. Caller holds
// rec.mu.
func (m *Manager) ensureSession(ctx context.Context, rec *record) error {
	if rec.session != nil && !rec.session.Broken() {
		return nil
	}
	if rec.session != nil {
		rec.session.Close()
		rec.session = nil
	}
	proc, err := m.rt.OpenShell(ctx, rec.containerName)
	if err != nil {
		return fmt.Errorf("%w: open shell: %v", ErrContainerUnavailable, err)
	}
	name := rec.containerName
	session, err := NewSession(proc, func(ictx context.Context) error {
		return m.rt.Interrupt(ictx, name)
	}, m.logger)
	if err != nil {
		return fmt.Errorf("%w: attach shell: %v", ErrContainerUnavailable, err)
	}
	rec.session = session
	return nil
}

// Status returns a snapshot for one conversation. A conversation that never
// ran a shell command reports not-created.
func (m *Manager) Status(conversationID string) Status {
	m.mu.Lock()
	rec, ok := m.records[conversationID]
	m.mu.Unlock()

	status := Status{
		ConversationID: conversationID,
		State:          StateNotCreated,
		MemoryLimit:    m.opts.MemoryLimit,
		CPULimit:       m.opts.CPULimit,
		IdleTimeout:    m.opts.IdleTimeout,
	}
	if !ok {
		return status
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	status.State = rec.state
	status.ContainerName = rec.containerName
	status.WorkDir = rec.workDir
	status.CreatedAt = rec.createdAt
	status.LastActivity = rec.lastActivity
	status.CommandCount = rec.commandCount
	return status
}

// StatusAll returns snapshots for every known conversation, sorted by ID.
func (m *Manager) StatusAll() []Status {
	m.mu.Lock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)

	statuses := make([]Status, 0, len(ids))
	for _, id := range ids {
		statuses = append(statuses, m.Status(id))
	}
	return statuses
}

// Reset destroys the conversation's container, resets its counters, and
// returns the record to not-created so the next Execute provisions fresh.
// When keepScratch is false the contents of the host working directory are
// wiped as well (the directory itself survives).
func (m *Manager) Reset(ctx context.Context, conversationID string, keepScratch bool) error {
	rec := m.recordFor(conversationID)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.session != nil {
		rec.session.Close()
		rec.session = nil
	}
	if rec.state == StateRunning || rec.state == StateStopped || rec.state == StateFailed {
		if err := m.rt.Remove(ctx, rec.containerName); err != nil {
			m.logger.Warn(ctx, "container remove failed during reset",
				"container", rec.containerName, "error", err)
		}
	}
	rec.state = StateNotCreated
	rec.commandCount = 0
	rec.createdAt = time.Time{}
	rec.lastActivity = time.Time{}

	if !keepScratch && rec.workDir != "" {
		if err := wipeDir(rec.workDir); err != nil {
			return fmt.Errorf("wipe scratch %s: %w", rec.workDir, err)
		}
	}
	rec.workDir = ""
	m.logger.Info(ctx, "container reset",
		"conversation_id", conversationID, "kept_scratch", keepScratch)
	return nil
}

// Shutdown stops every running container and closes all sessions. Containers
// are stopped, not removed, so scratch state survives a host restart.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.StopSweeper()

	m.mu.Lock()
	recs := make([]*record, 0, len(m.records))
	for _, rec := range m.records {
		recs = append(recs, rec)
	}
	m.mu.Unlock()

	var firstErr error
	for _, rec := range recs {
		rec.mu.Lock()
		if rec.session != nil {
			rec.session.Close()
			rec.session = nil
		}
		if rec.state == StateRunning {
			if err := m.rt.Stop(ctx, rec.containerName); err != nil {
				m.logger.Warn(ctx, "container stop failed during shutdown",
					"container", rec.containerName, "error", err)
				if firstErr == nil {
					firstErr = err
				}
			} else {
				rec.state = StateStopped
			}
		}
		rec.mu.Unlock()
	}
	return firstErr
}

// StartSweeper launches the idle reaper. No-op when idle reaping is disabled
// or a sweeper is already running.
func (m *Manager) StartSweeper() {
	if m.opts.IdleTimeout <= 0 || m.sweeperStop != nil {
		return
	}
	m.sweeperStop = make(chan struct{})
	m.sweeperDone = make(chan struct{})
	go m.sweepLoop(m.opts.SweepInterval, m.sweeperStop, m.sweeperDone)
}

// StopSweeper stops the idle reaper and waits for it to exit.
func (m *Manager) StopSweeper() {
	if m.sweeperStop == nil {
		return
	}
	close(m.sweeperStop)
	<-m.sweeperDone
	m.sweeperStop = nil
	m.sweeperDone = nil
}

func (m *Manager) sweepLoop(interval time.Duration, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.SweepIdle(context.Background())
		case <-stop:
			return
		}
	}
}

// SweepIdle stops containers whose last activity is older than the idle
// timeout. Stopped containers keep their filesystem and resume on the next
// Execute.
func (m *Manager) SweepIdle(ctx context.Context) int {
	if m.opts.IdleTimeout <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.opts.IdleTimeout)

	m.mu.Lock()
	recs := make([]*record, 0, len(m.records))
	for _, rec := range m.records {
		recs = append(recs, rec)
	}
	m.mu.Unlock()

	stopped := 0
	for _, rec := range recs {
		rec.mu.Lock()
		if rec.state == StateRunning && rec.lastActivity.Before(cutoff) {
			if rec.session != nil {
				rec.session.Close()
				rec.session = nil
			}
			if err := m.rt.Stop(ctx, rec.containerName); err != nil {
				m.logger.Warn(ctx, "idle stop failed",
					"container", rec.containerName, "error", err)
			} else {
				rec.state = StateStopped
				stopped++
				m.logger.Info(ctx, "idle container stopped",
					"container", rec.containerName,
					"idle", m.now().Sub(rec.lastActivity).Round(time.Second))
			}
		}
		rec.mu.Unlock()
	}
	m.updateStateGauge()
	return stopped
}

func (m *Manager) updateStateGauge() {
	if m.metrics == nil {
		return
	}
	counts := map[State]int{}
	m.mu.Lock()
	recs := make([]*record, 0, len(m.records))
	for _, rec := range m.records {
		recs = append(recs, rec)
	}
	m.mu.Unlock()
	for _, rec := range recs {
		rec.mu.Lock()
		counts[rec.state]++
		rec.mu.Unlock()
	}
	for _, state := range []State{StateNotCreated, StateCreating, StateRunning, StateStopped, StateFailed, StateDestroyed} {
		m.metrics.ContainersByState.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

func (m *Manager) observeCommand(res RunResult, start time.Time) {
	if m.metrics == nil {
		return
	}
	status := "ok"
	switch {
	case res.TimedOut:
		status = "timeout"
	case res.ExitCode != 0:
		status = "error"
	}
	m.metrics.ShellCommandCounter.WithLabelValues(status).Inc()
	m.metrics.ShellCommandDuration.Observe(m.now().Sub(start).Seconds())
}

// wipeDir removes the contents of dir, keeping dir itself.
func wipeDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// shellQuote single-quotes a string for safe interpolation into a command.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
