package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/warden/internal/observability"
	"github.com/haasonsaas/warden/internal/statestore"
)

// WorkDirFunc resolves (and creates if needed) the host-side working
// directory for a conversation. Stamped into per-conversation state so
// providers can resolve relative paths.
type WorkDirFunc func(conversationID string) (string, error)

// Registry owns tool providers, their schemas, and the two state buckets.
// It validates inbound tool calls and dispatches them to the owning
// provider, persisting state after every invocation.
//
// Registration happens at startup; after that the provider and schema maps
// are effectively read-only and Call may run from many goroutines. The state
// buckets are guarded by their own mutex because distinct conversations
// share the global bucket; providers receive copies of their state maps and
// the mutations are folded back under that mutex, so a persist from one
// conversation never serializes a tree another conversation is mutating.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider // tool name -> owning provider
	tools     map[string]*Tool
	order     []string // registration order, for stable schema listing

	stateMu       sync.Mutex
	global        statestore.GlobalBucket
	conversations statestore.ConversationBucket
	templates     map[string]map[string]any // provider name -> conv template

	store   *statestore.Store
	workDir WorkDirFunc
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// NewRegistry creates a registry seeded with the buckets loaded from the
// store. metrics may be nil.
func NewRegistry(store *statestore.Store, workDir WorkDirFunc, logger *observability.Logger, metrics *observability.Metrics) *Registry {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	global, conversations := store.Load()
	return &Registry{
		providers:     make(map[string]Provider),
		tools:         make(map[string]*Tool),
		templates:     make(map[string]map[string]any),
		global:        global,
		conversations: conversations,
		store:         store,
		workDir:       workDir,
		logger:        logger.WithFields("component", "tool_registry"),
		metrics:       metrics,
	}
}

// WithTracer enables a span per tool invocation.
func (r *Registry) WithTracer(t *observability.Tracer) *Registry {
	r.tracer = t
	return r
}

// Register declares a provider's tools. It fails with ErrDuplicateTool on a
// name collision and rejects declarations whose emitted schema does not
// compile as JSON Schema. The provider's initial global state is merged into
// the global bucket only where absent, so persisted state wins on restart.
func (r *Registry) Register(provider Provider) error {
	tools, globalState, convTemplate := provider.Declare()

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range tools {
		t := &tools[i]
		if _, exists := r.tools[t.Name]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name)
		}
		if err := compileSchema(t.Name, t.InputSchema()); err != nil {
			return err
		}
	}
	for i := range tools {
		t := &tools[i]
		r.tools[t.Name] = t
		r.providers[t.Name] = provider
		r.order = append(r.order, t.Name)
	}

	r.stateMu.Lock()
	if _, exists := r.global[provider.Name()]; !exists && globalState != nil {
		r.global[provider.Name()] = deepCopyMap(globalState)
	}
	r.templates[provider.Name()] = convTemplate
	r.stateMu.Unlock()

	r.logger.Info(context.Background(), "provider registered",
		"provider", provider.Name(), "tools", len(tools))
	return nil
}

// Schemas returns every registered tool in the completion-service wire
// shape, in registration order.
func (r *Registry) Schemas() []Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]Schema, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		schemas = append(schemas, Schema{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema(),
		})
	}
	return schemas
}

// Call validates and dispatches one tool invocation for a conversation.
//
// All failures come back as a non-nil error the caller reports to the model
// as tool-result error content; exactly one of (result, error) is non-nil.
// State is persisted after the provider runs regardless of its outcome.
func (r *Registry) Call(ctx context.Context, toolName string, args map[string]any, conversationID string) (any, error) {
	r.mu.RLock()
	tool, ok := r.tools[toolName]
	provider := r.providers[toolName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, toolName)
	}

	normalized, err := ValidateArgs(tool.Params, args)
	if err != nil {
		return nil, err
	}

	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.TraceToolCall(ctx, toolName, conversationID)
		defer span.End()
		defer func() {
			if err != nil {
				r.tracer.RecordError(span, err)
			}
		}()
	}

	convState, globalState := r.statesFor(provider.Name(), conversationID)

	start := time.Now()
	result, err := r.invoke(ctx, provider, toolName, normalized, convState, globalState)
	r.observe(toolName, start, err)

	// The provider may have mutated state even on error; fold the copies
	// back and persist either way.
	r.commitStates(provider.Name(), conversationID, convState, globalState)
	if perr := r.persist(); perr != nil {
		r.logger.Error(ctx, "state persist failed, will retry on next mutation",
			"tool", toolName, "error", perr)
	}

	if err != nil {
		return nil, err
	}
	return result, nil
}

// invoke runs the provider with panic containment: a panicking provider
// yields a tool-result error, not a process crash.
func (r *Registry) invoke(ctx context.Context, provider Provider, toolName string, args, convState, globalState map[string]any) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = fmt.Errorf("tool %s panicked: %v", toolName, rec)
			r.logger.Error(ctx, "provider panic recovered", "tool", toolName, "panic", rec)
		}
	}()
	return provider.Invoke(ctx, toolName, args, convState, globalState)
}

// statesFor returns the provider's state maps for a conversation, lazily
// initializing the per-conversation map from the provider's template and
// stamping the convenience fields.
func (r *Registry) statesFor(providerName, conversationID string) (convState, globalState map[string]any) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	if r.global[providerName] == nil {
		r.global[providerName] = map[string]any{}
	}
	globalState, _ = r.global[providerName].(map[string]any)
	if globalState == nil {
		// A provider stored a non-map global value; leave it untouched and
		// hand the provider a scratch map for this call.
		globalState = map[string]any{}
	}

	if r.conversations[conversationID] == nil {
		r.conversations[conversationID] = map[string]any{}
	}
	slot := r.conversations[conversationID]
	if slot[providerName] == nil {
		state := deepCopyMap(r.templates[providerName])
		if state == nil {
			state = map[string]any{}
		}
		state[StateConversationID] = conversationID
		if r.workDir != nil {
			if dir, err := r.workDir(conversationID); err == nil {
				state[StateWorkingDirectory] = dir
			}
		}
		slot[providerName] = state
	}
	convState, _ = slot[providerName].(map[string]any)
	if convState == nil {
		convState = map[string]any{}
		slot[providerName] = convState
	}
	// Providers mutate their maps in place, so hand out copies; commitStates
	// folds the mutations back after the call.
	return deepCopyMap(convState), deepCopyMap(globalState)
}

// commitStates writes the provider-mutated copies back into the canonical
// buckets. A conversation dropped mid-call stays dropped, and a provider
// that stored a non-map global value keeps it untouched.
func (r *Registry) commitStates(providerName, conversationID string, convState, globalState map[string]any) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	if _, ok := r.global[providerName].(map[string]any); ok {
		r.global[providerName] = globalState
	}
	if slot := r.conversations[conversationID]; slot != nil {
		slot[providerName] = convState
	}
}

// ConversationState returns the stored state map for one provider and
// conversation, or nil when none exists yet.
func (r *Registry) ConversationState(providerName, conversationID string) map[string]any {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	slot := r.conversations[conversationID]
	if slot == nil {
		return nil
	}
	state, _ := slot[providerName].(map[string]any)
	return state
}

// DropConversation removes all per-conversation state for an ID and persists.
func (r *Registry) DropConversation(conversationID string) {
	r.stateMu.Lock()
	delete(r.conversations, conversationID)
	r.stateMu.Unlock()
	if err := r.persist(); err != nil {
		r.logger.Error(context.Background(), "state persist failed after drop",
			"conversation_id", conversationID, "error", err)
	}
}

// ResetState wipes both buckets and the backing file. Provider templates and
// registrations survive; the next Call re-seeds from templates.
func (r *Registry) ResetState() error {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	global, conversations, err := r.store.Reset()
	if err != nil {
		return err
	}
	r.global = global
	r.conversations = conversations
	return nil
}

// Persist flushes the current buckets to disk. Called at shutdown.
func (r *Registry) Persist() error {
	return r.persist()
}

// persist snapshots both buckets under stateMu, then hands the snapshot to
// the store. The store must never serialize the live trees: serialization
// runs outside stateMu and would race a concurrent call's mutations.
func (r *Registry) persist() error {
	r.stateMu.Lock()
	global := statestore.GlobalBucket(deepCopyMap(r.global))
	conversations := make(statestore.ConversationBucket, len(r.conversations))
	for id, slot := range r.conversations {
		conversations[id] = deepCopyMap(slot)
	}
	r.stateMu.Unlock()
	return r.store.Save(global, conversations)
}

func (r *Registry) observe(toolName string, start time.Time, err error) {
	if r.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	r.metrics.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	r.metrics.ToolExecutionDuration.WithLabelValues(toolName).Observe(time.Since(start).Seconds())
}

// deepCopyMap copies a JSON-shaped tree (maps, slices, scalars). Values of
// other types are shared, which matches the provider contract: templates
// hold plain data.
func deepCopyMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = deepCopyValue(v)
	}
	return dst
}

func deepCopyValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return deepCopyMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}
