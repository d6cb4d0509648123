package shell

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/warden/internal/sandbox"
	"github.com/haasonsaas/warden/internal/tools"
)

// fakeSandbox scripts the container manager.
type fakeSandbox struct {
	execResult sandbox.ExecResult
	execErr    error
	lastCmd    string
	lastDir    string
	lastConv   string
	lastTO     time.Duration

	statusResult sandbox.Status

	resetErr  error
	resetKeep bool
	resets    int
}

func (f *fakeSandbox) Execute(_ context.Context, conversationID, command string, timeout time.Duration, workingDir string) (sandbox.ExecResult, error) {
	f.lastConv = conversationID
	f.lastCmd = command
	f.lastTO = timeout
	f.lastDir = workingDir
	return f.execResult, f.execErr
}

func (f *fakeSandbox) Status(conversationID string) sandbox.Status {
	return f.statusResult
}

func (f *fakeSandbox) Reset(_ context.Context, conversationID string, keepScratch bool) error {
	f.resets++
	f.resetKeep = keepScratch
	return f.resetErr
}

func convState(id string) map[string]any {
	return map[string]any{
		tools.StateConversationID: id,
		"commands_run":            0,
	}
}

func TestBashResultShape(t *testing.T) {
	sb := &fakeSandbox{execResult: sandbox.ExecResult{
		ExitCode:         0,
		Stdout:           "hello\n",
		Stderr:           "",
		CommandNumber:    3,
		CreatedOrResumed: true,
		Duration:         250 * time.Millisecond,
	}}
	p := NewProvider(sb, nil)
	global := map[string]any{"total_commands": 0}

	result, err := p.Invoke(context.Background(), "bash",
		map[string]any{"command": "echo hello", "timeout": float64(30)},
		convState("c1"), global)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	got := result.(map[string]any)
	if got["exit_code"] != 0 || got["success"] != true {
		t.Errorf("exit_code=%v success=%v", got["exit_code"], got["success"])
	}
	if got["stdout"] != "hello\n" || got["output"] != "hello\n" {
		t.Errorf("stdout=%q output=%q", got["stdout"], got["output"])
	}
	if got["command"] != "echo hello" {
		t.Errorf("command = %v", got["command"])
	}
	if got["conversation_id"] != "c1" {
		t.Errorf("conversation_id = %v", got["conversation_id"])
	}
	if got["command_number"] != 3 {
		t.Errorf("command_number = %v", got["command_number"])
	}
	if got["container_was_created"] != true {
		t.Errorf("container_was_created = %v", got["container_was_created"])
	}
	if got["execution_time"] != 0.25 {
		t.Errorf("execution_time = %v", got["execution_time"])
	}

	if sb.lastTO != 30*time.Second {
		t.Errorf("timeout = %v, want 30s", sb.lastTO)
	}
	if sb.lastConv != "c1" {
		t.Errorf("conversation id = %q", sb.lastConv)
	}
}

func TestBashFailureUsesStderrAsOutput(t *testing.T) {
	sb := &fakeSandbox{execResult: sandbox.ExecResult{
		ExitCode: 2,
		Stdout:   "partial",
		Stderr:   "ls: no such file",
	}}
	p := NewProvider(sb, nil)

	result, err := p.Invoke(context.Background(), "bash",
		map[string]any{"command": "ls /nope"}, convState("c1"), map[string]any{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	got := result.(map[string]any)
	if got["success"] != false {
		t.Errorf("success = %v", got["success"])
	}
	if got["output"] != "ls: no such file" {
		t.Errorf("output = %q, want stderr", got["output"])
	}
}

func TestBashDefaultTimeout(t *testing.T) {
	sb := &fakeSandbox{}
	p := NewProvider(sb, nil)

	if _, err := p.Invoke(context.Background(), "bash",
		map[string]any{"command": "true"}, convState("c1"), map[string]any{}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if sb.lastTO != 120*time.Second {
		t.Errorf("default timeout = %v, want 120s", sb.lastTO)
	}
}

func TestBashPropagatesContainerUnavailable(t *testing.T) {
	sb := &fakeSandbox{execErr: sandbox.ErrContainerUnavailable}
	p := NewProvider(sb, nil)

	_, err := p.Invoke(context.Background(), "bash",
		map[string]any{"command": "true"}, convState("c1"), map[string]any{})
	if !errors.Is(err, sandbox.ErrContainerUnavailable) {
		t.Fatalf("expected ErrContainerUnavailable, got %v", err)
	}
}

func TestBashCountsCommands(t *testing.T) {
	sb := &fakeSandbox{}
	p := NewProvider(sb, nil)
	conv := convState("c1")
	global := map[string]any{"total_commands": float64(5)} // post-reload shape

	for i := 0; i < 2; i++ {
		if _, err := p.Invoke(context.Background(), "bash",
			map[string]any{"command": "true"}, conv, global); err != nil {
			t.Fatalf("Invoke: %v", err)
		}
	}
	if conv["commands_run"] != 2 {
		t.Errorf("commands_run = %v, want 2", conv["commands_run"])
	}
	if global["total_commands"] != float64(7) {
		t.Errorf("total_commands = %v, want 7", global["total_commands"])
	}
}

func TestBashStatus(t *testing.T) {
	created := time.Date(2025, 8, 1, 10, 0, 0, 0, time.UTC)
	sb := &fakeSandbox{statusResult: sandbox.Status{
		ConversationID: "c1",
		State:          sandbox.StateRunning,
		ContainerName:  "claude-agent-c1",
		WorkDir:        "/runtime/agent-working-directory/c1",
		CreatedAt:      created,
		CommandCount:   4,
		MemoryLimit:    "2g",
		CPULimit:       2.0,
		IdleTimeout:    10 * time.Minute,
	}}
	p := NewProvider(sb, nil)

	result, err := p.Invoke(context.Background(), "bash_status", map[string]any{}, convState("c1"), map[string]any{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	got := result.(map[string]any)
	if got["state"] != "running" || got["container_name"] != "claude-agent-c1" {
		t.Errorf("status = %v", got)
	}
	if got["command_count"] != 4 {
		t.Errorf("command_count = %v", got["command_count"])
	}
	if got["idle_timeout_seconds"] != 600.0 {
		t.Errorf("idle_timeout_seconds = %v", got["idle_timeout_seconds"])
	}
	if got["created_at"] != "2025-08-01T10:00:00Z" {
		t.Errorf("created_at = %v", got["created_at"])
	}
}

func TestBashResetClearsCounters(t *testing.T) {
	sb := &fakeSandbox{}
	p := NewProvider(sb, nil)
	conv := convState("c1")
	conv["commands_run"] = 9

	result, err := p.Invoke(context.Background(), "bash_reset",
		map[string]any{"keep_data": true}, conv, map[string]any{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	got := result.(map[string]any)
	if got["reset"] != true || got["kept_data"] != true {
		t.Errorf("result = %v", got)
	}
	if sb.resets != 1 || !sb.resetKeep {
		t.Errorf("sandbox reset calls = %d keep = %v", sb.resets, sb.resetKeep)
	}
	if conv["commands_run"] != 0 {
		t.Errorf("commands_run = %v, want 0", conv["commands_run"])
	}
}

func TestInvokeWithoutConversationID(t *testing.T) {
	p := NewProvider(&fakeSandbox{}, nil)
	_, err := p.Invoke(context.Background(), "bash",
		map[string]any{"command": "true"}, map[string]any{}, map[string]any{})
	if err == nil {
		t.Fatal("expected error without conversation id")
	}
}

func TestDeclareSchemasCompile(t *testing.T) {
	p := NewProvider(&fakeSandbox{}, nil)
	declared, global, template := p.Declare()
	if len(declared) != 3 {
		t.Fatalf("declared %d tools", len(declared))
	}
	names := map[string]bool{}
	for _, tool := range declared {
		names[tool.Name] = true
	}
	for _, want := range []string{"bash", "bash_status", "bash_reset"} {
		if !names[want] {
			t.Errorf("missing tool %s", want)
		}
	}
	if global["total_commands"] != 0 {
		t.Errorf("global template = %v", global)
	}
	if template["commands_run"] != 0 {
		t.Errorf("conversation template = %v", template)
	}
}
