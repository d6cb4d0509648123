package tools

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/haasonsaas/warden/internal/statestore"
)

// fakeProvider is a scriptable provider for registry tests.
type fakeProvider struct {
	name     string
	tools    []Tool
	global   map[string]any
	template map[string]any
	invoke   func(ctx context.Context, toolName string, args, convState, globalState map[string]any) (any, error)
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Declare() ([]Tool, map[string]any, map[string]any) {
	return p.tools, p.global, p.template
}

func (p *fakeProvider) Invoke(ctx context.Context, toolName string, args, convState, globalState map[string]any) (any, error) {
	if p.invoke == nil {
		return "ok", nil
	}
	return p.invoke(ctx, toolName, args, convState, globalState)
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	store := statestore.New(filepath.Join(t.TempDir(), "state.json"), nil)
	workDir := func(id string) (string, error) { return "/scratch/" + id, nil }
	return NewRegistry(store, workDir, nil, nil)
}

func echoProvider(name, toolName string) *fakeProvider {
	return &fakeProvider{
		name: name,
		tools: []Tool{{
			Name:        toolName,
			Description: "echoes its input",
			Params: map[string]*Param{
				"text": {Type: TypeString, Required: true},
			},
		}},
		template: map[string]any{"calls": 0},
		invoke: func(_ context.Context, _ string, args, convState, _ map[string]any) (any, error) {
			n, _ := convState["calls"].(int)
			convState["calls"] = n + 1
			return args["text"], nil
		},
	}
}

func TestRegisterRejectsDuplicateTool(t *testing.T) {
	reg := newTestRegistry(t)
	if err := reg.Register(echoProvider("a", "echo")); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	err := reg.Register(echoProvider("b", "echo"))
	if !errors.Is(err, ErrDuplicateTool) {
		t.Fatalf("expected ErrDuplicateTool, got %v", err)
	}
}

func TestCallUnknownTool(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Call(context.Background(), "nope", nil, "c1")
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
}

func TestCallValidatesArgs(t *testing.T) {
	reg := newTestRegistry(t)
	if err := reg.Register(echoProvider("a", "echo")); err != nil {
		t.Fatal(err)
	}
	_, err := reg.Call(context.Background(), "echo", map[string]any{"text": 5}, "c1")
	if !errors.Is(err, ErrInvalidArgs) {
		t.Fatalf("expected ErrInvalidArgs, got %v", err)
	}
}

func TestCallStampsConversationState(t *testing.T) {
	reg := newTestRegistry(t)
	provider := echoProvider("a", "echo")
	var seenConvID, seenWorkDir any
	inner := provider.invoke
	provider.invoke = func(ctx context.Context, toolName string, args, convState, globalState map[string]any) (any, error) {
		seenConvID = convState[StateConversationID]
		seenWorkDir = convState[StateWorkingDirectory]
		return inner(ctx, toolName, args, convState, globalState)
	}
	if err := reg.Register(provider); err != nil {
		t.Fatal(err)
	}

	result, err := reg.Call(context.Background(), "echo", map[string]any{"text": "hi"}, "c9")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result != "hi" {
		t.Errorf("result = %v, want hi", result)
	}
	if seenConvID != "c9" {
		t.Errorf("_conversation_id = %v, want c9", seenConvID)
	}
	if seenWorkDir != "/scratch/c9" {
		t.Errorf("_working_directory = %v, want /scratch/c9", seenWorkDir)
	}
}

func TestCallPersistsMutatedState(t *testing.T) {
	store := statestore.New(filepath.Join(t.TempDir(), "state.json"), nil)
	reg := NewRegistry(store, nil, nil, nil)
	if err := reg.Register(echoProvider("a", "echo")); err != nil {
		t.Fatal(err)
	}

	if _, err := reg.Call(context.Background(), "echo", map[string]any{"text": "x"}, "c1"); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Call(context.Background(), "echo", map[string]any{"text": "y"}, "c1"); err != nil {
		t.Fatal(err)
	}

	_, convs := store.Load()
	state := convs["c1"]["a"].(map[string]any)
	// Counts come back as float64 after the JSON round trip.
	if state["calls"] != float64(2) {
		t.Errorf("persisted calls = %v, want 2", state["calls"])
	}
}

func TestCallRecoversProviderPanic(t *testing.T) {
	reg := newTestRegistry(t)
	provider := echoProvider("a", "echo")
	provider.invoke = func(context.Context, string, map[string]any, map[string]any, map[string]any) (any, error) {
		panic("boom")
	}
	if err := reg.Register(provider); err != nil {
		t.Fatal(err)
	}

	result, err := reg.Call(context.Background(), "echo", map[string]any{"text": "x"}, "c1")
	if err == nil {
		t.Fatal("expected error from panicking provider")
	}
	if result != nil {
		t.Errorf("result should be nil on error, got %v", result)
	}
}

func TestSchemasPreserveRegistrationOrder(t *testing.T) {
	reg := newTestRegistry(t)
	if err := reg.Register(echoProvider("a", "first")); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(echoProvider("b", "second")); err != nil {
		t.Fatal(err)
	}

	schemas := reg.Schemas()
	if len(schemas) != 2 {
		t.Fatalf("len(schemas) = %d, want 2", len(schemas))
	}
	if schemas[0].Name != "first" || schemas[1].Name != "second" {
		t.Errorf("schema order = %s, %s", schemas[0].Name, schemas[1].Name)
	}
	if schemas[0].InputSchema["type"] != "object" {
		t.Errorf("input_schema type = %v", schemas[0].InputSchema["type"])
	}
}

func TestDropConversationClearsState(t *testing.T) {
	reg := newTestRegistry(t)
	if err := reg.Register(echoProvider("a", "echo")); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Call(context.Background(), "echo", map[string]any{"text": "x"}, "c1"); err != nil {
		t.Fatal(err)
	}
	if reg.ConversationState("a", "c1") == nil {
		t.Fatal("expected conversation state after call")
	}

	reg.DropConversation("c1")
	if reg.ConversationState("a", "c1") != nil {
		t.Error("conversation state survived DropConversation")
	}
}

// Two conversations hammering the same provider must not race: each Call
// persists the full buckets while the other mutates its own state maps.
// Run with -race to catch regressions in the copy-and-commit discipline.
func TestConcurrentCallsAcrossConversations(t *testing.T) {
	reg := newTestRegistry(t)
	provider := echoProvider("a", "echo")
	inner := provider.invoke
	provider.invoke = func(ctx context.Context, toolName string, args, convState, globalState map[string]any) (any, error) {
		n, _ := globalState["total"].(int)
		globalState["total"] = n + 1
		return inner(ctx, toolName, args, convState, globalState)
	}
	if err := reg.Register(provider); err != nil {
		t.Fatal(err)
	}

	const perConversation = 50
	var wg sync.WaitGroup
	for _, id := range []string{"left", "right"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < perConversation; i++ {
				if _, err := reg.Call(context.Background(), "echo", map[string]any{"text": "x"}, id); err != nil {
					t.Errorf("Call(%s): %v", id, err)
					return
				}
			}
		}(id)
	}
	wg.Wait()

	// Conversation state is serialized per conversation, so the counts are
	// exact even though the two goroutines interleave.
	for _, id := range []string{"left", "right"} {
		state := reg.ConversationState("a", id)
		if state == nil || state["calls"] != perConversation {
			t.Errorf("conversation %s calls = %v, want %d", id, state["calls"], perConversation)
		}
	}
}

func TestGlobalStateMergedOnlyIfAbsent(t *testing.T) {
	store := statestore.New(filepath.Join(t.TempDir(), "state.json"), nil)
	if err := store.Save(
		statestore.GlobalBucket{"a": map[string]any{"seen": float64(7)}},
		statestore.ConversationBucket{},
	); err != nil {
		t.Fatal(err)
	}

	reg := NewRegistry(store, nil, nil, nil)
	provider := echoProvider("a", "echo")
	provider.global = map[string]any{"seen": 0}
	var got any
	inner := provider.invoke
	provider.invoke = func(ctx context.Context, toolName string, args, convState, globalState map[string]any) (any, error) {
		got = globalState["seen"]
		return inner(ctx, toolName, args, convState, globalState)
	}
	if err := reg.Register(provider); err != nil {
		t.Fatal(err)
	}

	if _, err := reg.Call(context.Background(), "echo", map[string]any{"text": "x"}, "c1"); err != nil {
		t.Fatal(err)
	}
	if got != float64(7) {
		t.Errorf("persisted global state overwritten by template: seen = %v, want 7", got)
	}
}
