package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T, rt Runtime, opts Options) *Manager {
	t.Helper()
	if opts.WorkDirFor == nil {
		root := t.TempDir()
		opts.WorkDirFor = func(id string) (string, error) {
			dir := filepath.Join(root, id)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", err
			}
			return dir, nil
		}
	}
	m := NewManager(rt, opts, nil, nil)
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m
}

func TestExecuteCreatesContainerLazily(t *testing.T) {
	rt := newFakeRuntime(okHandler)
	m := newTestManager(t, rt, Options{Image: "agent:test"})

	res, err := m.Execute(context.Background(), "c1", "echo hi", 0, "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.CreatedOrResumed {
		t.Error("first command should report container creation")
	}
	if res.Stdout != "ok" || res.ExitCode != 0 {
		t.Errorf("result = %+v", res)
	}
	if res.CommandNumber != 1 {
		t.Errorf("command number = %d, want 1", res.CommandNumber)
	}

	if len(rt.creates) != 1 {
		t.Fatalf("creates = %d, want 1", len(rt.creates))
	}
	spec := rt.creates[0]
	if spec.Name != "claude-agent-c1" {
		t.Errorf("container name = %q", spec.Name)
	}
	if spec.Image != "agent:test" || spec.ConversationID != "c1" {
		t.Errorf("spec = %+v", spec)
	}
	if spec.MemoryLimit != "2g" || spec.CPULimit != 2.0 {
		t.Errorf("resource defaults not applied: %+v", spec)
	}
	if spec.HostWorkDir == "" {
		t.Error("host workdir not resolved")
	}

	res, err = m.Execute(context.Background(), "c1", "echo again", 0, "")
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if res.CreatedOrResumed {
		t.Error("second command should reuse the running container")
	}
	if res.CommandNumber != 2 {
		t.Errorf("command number = %d, want 2", res.CommandNumber)
	}
	if len(rt.creates) != 1 {
		t.Errorf("creates = %d after reuse, want 1", len(rt.creates))
	}
}

func TestExecuteFailsWhenImageMissing(t *testing.T) {
	rt := newFakeRuntime(okHandler)
	rt.imageMissing = true
	m := newTestManager(t, rt, Options{})

	_, err := m.Execute(context.Background(), "c1", "echo hi", 0, "")
	if !errors.Is(err, ErrContainerUnavailable) {
		t.Fatalf("expected ErrContainerUnavailable, got %v", err)
	}
	if rt.createCalls != 0 {
		t.Errorf("create attempted despite missing image")
	}
	if !strings.Contains(err.Error(), "claude-agent:latest") {
		t.Errorf("error should name the missing image: %v", err)
	}
}

func TestExecuteRetriesTransientCreateFailure(t *testing.T) {
	rt := newFakeRuntime(okHandler)
	rt.createFailures = 1
	m := newTestManager(t, rt, Options{})

	res, err := m.Execute(context.Background(), "c1", "echo hi", 0, "")
	if err != nil {
		t.Fatalf("Execute should succeed after retry: %v", err)
	}
	if !res.CreatedOrResumed {
		t.Error("creation flag lost across retry")
	}
	if rt.createCalls != 2 {
		t.Errorf("create calls = %d, want 2", rt.createCalls)
	}
}

func TestExecuteGivesUpAfterRetriesExhausted(t *testing.T) {
	rt := newFakeRuntime(okHandler)
	rt.createFailures = 3
	m := newTestManager(t, rt, Options{})

	_, err := m.Execute(context.Background(), "c1", "echo hi", 0, "")
	if !errors.Is(err, ErrContainerUnavailable) {
		t.Fatalf("expected ErrContainerUnavailable, got %v", err)
	}
	if got := m.Status("c1").State; got != StateFailed {
		t.Errorf("state = %s, want %s", got, StateFailed)
	}
}

func TestFailedContainerUnavailableUntilReset(t *testing.T) {
	rt := newFakeRuntime(okHandler)
	rt.createFailures = 3
	m := newTestManager(t, rt, Options{})

	if _, err := m.Execute(context.Background(), "c1", "echo hi", 0, ""); !errors.Is(err, ErrContainerUnavailable) {
		t.Fatalf("expected ErrContainerUnavailable, got %v", err)
	}
	attempts := rt.createCalls

	// A failed record stays failed; execute must not quietly re-provision.
	if _, err := m.Execute(context.Background(), "c1", "echo hi", 0, ""); !errors.Is(err, ErrContainerUnavailable) {
		t.Fatalf("second Execute = %v, want ErrContainerUnavailable", err)
	}
	if rt.createCalls != attempts {
		t.Errorf("create calls grew from %d to %d without a reset", attempts, rt.createCalls)
	}

	if err := m.Reset(context.Background(), "c1", false); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if got := m.Status("c1").State; got != StateNotCreated {
		t.Errorf("state after reset = %s, want %s", got, StateNotCreated)
	}

	res, err := m.Execute(context.Background(), "c1", "echo hi", 0, "")
	if err != nil {
		t.Fatalf("Execute after reset: %v", err)
	}
	if !res.CreatedOrResumed || res.CommandNumber != 1 {
		t.Errorf("post-reset result = %+v", res)
	}
}

func TestExecutePrependsWorkingDir(t *testing.T) {
	rt := newFakeRuntime(func(cmd string) (string, string, int, bool) {
		return "", "", 0, false
	})
	m := newTestManager(t, rt, Options{})

	if _, err := m.Execute(context.Background(), "c1", "ls", 0, "/mnt/sub dir"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	cmds := rt.commandsFor("claude-agent-c1")
	if len(cmds) != 1 {
		t.Fatalf("commands = %v", cmds)
	}
	if !strings.HasPrefix(cmds[0], "cd '/mnt/sub dir' && {") {
		t.Errorf("working dir not prepended: %q", cmds[0])
	}
	if !strings.Contains(cmds[0], "ls") {
		t.Errorf("original command lost: %q", cmds[0])
	}
}

func TestIdleSweepStopsThenResumes(t *testing.T) {
	clock := newFakeClock()
	rt := newFakeRuntime(okHandler)
	m := newTestManager(t, rt, Options{
		IdleTimeout: time.Minute,
		Now:         clock.Now,
	})

	if _, err := m.Execute(context.Background(), "c1", "echo hi", 0, ""); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// Still fresh: nothing to reap.
	if n := m.SweepIdle(context.Background()); n != 0 {
		t.Errorf("swept %d fresh containers", n)
	}

	clock.Advance(2 * time.Minute)
	if n := m.SweepIdle(context.Background()); n != 1 {
		t.Fatalf("swept %d containers, want 1", n)
	}
	if got := m.Status("c1").State; got != StateStopped {
		t.Errorf("state after sweep = %s, want %s", got, StateStopped)
	}
	if len(rt.removes) != 0 {
		t.Error("idle reaper must stop, never remove")
	}

	res, err := m.Execute(context.Background(), "c1", "echo back", 0, "")
	if err != nil {
		t.Fatalf("Execute after sweep: %v", err)
	}
	if !res.CreatedOrResumed {
		t.Error("resume should be reported")
	}
	if len(rt.starts) != 1 {
		t.Errorf("starts = %v, want one resume", rt.starts)
	}
	if res.CommandNumber != 2 {
		t.Errorf("command counter reset on resume: %d", res.CommandNumber)
	}
}

func TestResetDestroysContainerAndScratch(t *testing.T) {
	rt := newFakeRuntime(okHandler)
	m := newTestManager(t, rt, Options{})

	if _, err := m.Execute(context.Background(), "c1", "echo hi", 0, ""); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	workDir := m.Status("c1").WorkDir
	marker := filepath.Join(workDir, "scratch.txt")
	if err := os.WriteFile(marker, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := m.Reset(context.Background(), "c1", false); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if len(rt.removes) != 1 || rt.removes[0] != "claude-agent-c1" {
		t.Errorf("removes = %v", rt.removes)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Error("scratch file survived reset")
	}
	if _, err := os.Stat(workDir); err != nil {
		t.Error("working directory itself should survive reset")
	}
	status := m.Status("c1")
	if status.State != StateNotCreated || status.CommandCount != 0 {
		t.Errorf("status after reset = %+v", status)
	}

	// The conversation recovers with a fresh container.
	res, err := m.Execute(context.Background(), "c1", "echo hi", 0, "")
	if err != nil {
		t.Fatalf("Execute after reset: %v", err)
	}
	if !res.CreatedOrResumed || res.CommandNumber != 1 {
		t.Errorf("post-reset result = %+v", res)
	}
}

func TestResetKeepsScratchWhenAsked(t *testing.T) {
	rt := newFakeRuntime(okHandler)
	m := newTestManager(t, rt, Options{})

	if _, err := m.Execute(context.Background(), "c1", "echo hi", 0, ""); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	marker := filepath.Join(m.Status("c1").WorkDir, "keep.txt")
	if err := os.WriteFile(marker, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := m.Reset(context.Background(), "c1", true); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Error("scratch file should survive reset with keepScratch")
	}
}

func TestShutdownStopsRunningContainers(t *testing.T) {
	rt := newFakeRuntime(okHandler)
	m := newTestManager(t, rt, Options{})

	for _, id := range []string{"c1", "c2"} {
		if _, err := m.Execute(context.Background(), id, "echo hi", 0, ""); err != nil {
			t.Fatalf("Execute(%s): %v", id, err)
		}
	}

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if len(rt.stops) != 2 {
		t.Errorf("stops = %v, want both containers", rt.stops)
	}
	if len(rt.removes) != 0 {
		t.Error("shutdown must stop, not remove")
	}
	for _, id := range []string{"c1", "c2"} {
		if got := m.Status(id).State; got != StateStopped {
			t.Errorf("%s state = %s, want stopped", id, got)
		}
	}
}

func TestConversationsExecuteInParallel(t *testing.T) {
	release := make(chan struct{})
	rt := newFakeRuntime(func(cmd string) (string, string, int, bool) {
		if cmd == "slow" {
			<-release
		}
		return "done", "", 0, false
	})
	m := newTestManager(t, rt, Options{})

	slowDone := make(chan error, 1)
	go func() {
		_, err := m.Execute(context.Background(), "slow-conv", "slow", time.Minute, "")
		slowDone <- err
	}()

	// The fast conversation completes while the slow one is blocked.
	fastDone := make(chan error, 1)
	go func() {
		_, err := m.Execute(context.Background(), "fast-conv", "fast", time.Minute, "")
		fastDone <- err
	}()

	select {
	case err := <-fastDone:
		if err != nil {
			t.Fatalf("fast Execute: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("fast conversation blocked behind slow one")
	}

	close(release)
	if err := <-slowDone; err != nil {
		t.Fatalf("slow Execute: %v", err)
	}
}

func TestStatusUnknownConversation(t *testing.T) {
	rt := newFakeRuntime(okHandler)
	m := newTestManager(t, rt, Options{MemoryLimit: "4g"})

	status := m.Status("ghost")
	if status.State != StateNotCreated {
		t.Errorf("state = %s, want %s", status.State, StateNotCreated)
	}
	if status.MemoryLimit != "4g" {
		t.Errorf("memory limit = %q", status.MemoryLimit)
	}
	if status.CommandCount != 0 {
		t.Errorf("command count = %d", status.CommandCount)
	}
}

func TestStatusAllSorted(t *testing.T) {
	rt := newFakeRuntime(okHandler)
	m := newTestManager(t, rt, Options{})

	for _, id := range []string{"zeta", "alpha", "mid"} {
		if _, err := m.Execute(context.Background(), id, "echo hi", 0, ""); err != nil {
			t.Fatalf("Execute(%s): %v", id, err)
		}
	}
	all := m.StatusAll()
	if len(all) != 3 {
		t.Fatalf("StatusAll = %d entries", len(all))
	}
	want := []string{"alpha", "mid", "zeta"}
	for i, status := range all {
		if status.ConversationID != want[i] {
			t.Errorf("order[%d] = %s, want %s", i, status.ConversationID, want[i])
		}
	}
}
