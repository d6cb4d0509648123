// Package conversations owns per-conversation prompt handling: history,
// serialization, and the reply path back to the user device.
package conversations

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/warden/internal/observability"
	"github.com/haasonsaas/warden/internal/runtime"
	"github.com/haasonsaas/warden/pkg/models"
)

// Driver runs one user turn against the model, returning the turns to
// append to history. Satisfied by *llm.Driver.
type Driver interface {
	RunTurn(ctx context.Context, conversationID string, history []models.Turn) ([]models.Turn, error)
}

// ToolState is the registry surface the manager needs for resets.
// Satisfied by *tools.Registry.
type ToolState interface {
	DropConversation(conversationID string)
	ResetState() error
	Persist() error
}

// Sandbox destroys per-conversation containers on reset. Satisfied by
// *sandbox.Manager.
type Sandbox interface {
	Reset(ctx context.Context, conversationID string, keepScratch bool) error
}

// Publisher sends a response envelope back toward the user device.
// Satisfied by any channel.Channel.
type Publisher interface {
	Publish(ctx context.Context, env models.Envelope) error
}

const fallbackReply = "Sorry, I ran into a problem and couldn't finish that request."

type conversation struct {
	history []models.Turn
}

// convLock serializes turns within one conversation. Refcounted so the map
// entry disappears once nobody is queued on it.
type convLock struct {
	mu   sync.Mutex
	refs int
}

// Manager routes prompts to the model driver, one in-flight turn per
// conversation, conversations in parallel.
type Manager struct {
	driver    Driver
	toolState ToolState
	sandbox   Sandbox
	layout    *runtime.Layout
	publisher Publisher
	logger    *observability.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer

	mu    sync.Mutex
	convs map[string]*conversation

	locksMu sync.Mutex
	locks   map[string]*convLock
}

// NewManager wires a conversation manager. logger and metrics may be nil;
// tracer may be nil to disable spans.
func NewManager(driver Driver, toolState ToolState, sb Sandbox, layout *runtime.Layout, pub Publisher, logger *observability.Logger, metrics *observability.Metrics) *Manager {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Manager{
		driver:    driver,
		toolState: toolState,
		sandbox:   sb,
		layout:    layout,
		publisher: pub,
		logger:    logger,
		metrics:   metrics,
		convs:     make(map[string]*conversation),
		locks:     make(map[string]*convLock),
	}
}

// WithTracer enables prompt-turn spans.
func (m *Manager) WithTracer(t *observability.Tracer) *Manager {
	m.tracer = t
	return m
}

// SetPublisher swaps the reply destination. Used when the channel connects
// after the manager is built.
func (m *Manager) SetPublisher(p Publisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publisher = p
}

// HandlePrompt runs one user turn to completion and publishes the reply.
// Later prompts for the same conversation queue behind the conversation
// lock. A terminal model failure still yields an apologetic reply for the
// user; the error is returned for the caller's bookkeeping.
func (m *Manager) HandlePrompt(ctx context.Context, conversationID, prompt string) (string, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return "", errors.New("conversation id is required")
	}

	if m.tracer != nil {
		var span trace.Span
		ctx, span = m.tracer.TracePromptTurn(ctx, conversationID)
		defer span.End()
	}

	unlock := m.lockConversation(conversationID)
	defer unlock()

	conv, err := m.conversationFor(conversationID)
	if err != nil {
		m.observePrompt("error")
		return "", err
	}

	history := append(append([]models.Turn(nil), conv.history...),
		models.TextTurn(models.RoleUser, prompt))

	start := time.Now()
	appended, turnErr := m.driver.RunTurn(ctx, conversationID, history)
	history = append(history, appended...)

	reply := finalText(appended)
	if turnErr != nil {
		m.logger.Error(ctx, "prompt turn failed",
			"conversation_id", conversationID, "error", turnErr)
		// The driver ends iteration-cap turns with its own assistant text;
		// anything else gets the apology so the user always hears back and
		// history keeps alternating.
		if !endsWithAssistantText(appended) {
			reply = fallbackReply
			history = append(history, models.TextTurn(models.RoleAssistant, reply))
		}
		m.observePrompt("error")
	} else {
		m.observePrompt("ok")
	}
	conv.history = history

	m.logger.Info(ctx, "prompt turn finished",
		"conversation_id", conversationID,
		"turns_appended", len(appended),
		"duration", time.Since(start),
		"failed", turnErr != nil)

	if err := m.publish(ctx, conversationID, reply); err != nil {
		m.logger.Warn(ctx, "failed to publish reply",
			"conversation_id", conversationID, "error", err)
	}
	if turnErr != nil {
		return reply, fmt.Errorf("prompt turn for %s: %w", conversationID, turnErr)
	}
	return reply, nil
}

// Reset clears a conversation's history. Tool state and the container are
// left alone.
func (m *Manager) Reset(conversationID string) {
	unlock := m.lockConversation(conversationID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if conv, ok := m.convs[conversationID]; ok {
		conv.history = nil
	}
}

// WipeAll drops every conversation: histories, containers, scratch dirs,
// and persisted tool state. Used by the reset CLI command.
func (m *Manager) WipeAll(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.convs))
	for id := range m.convs {
		ids = append(ids, id)
	}
	m.convs = make(map[string]*conversation)
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.ActiveConversations.Set(0)
	}

	var errs []error
	for _, id := range ids {
		if m.sandbox != nil {
			if err := m.sandbox.Reset(ctx, id, false); err != nil {
				errs = append(errs, fmt.Errorf("reset container for %s: %w", id, err))
			}
		}
		m.toolState.DropConversation(id)
	}
	if err := m.toolState.ResetState(); err != nil {
		errs = append(errs, fmt.Errorf("reset tool state: %w", err))
	}
	if m.layout != nil {
		if err := m.layout.ResetAll(); err != nil {
			errs = append(errs, fmt.Errorf("reset runtime layout: %w", err))
		}
	}
	return errors.Join(errs...)
}

// History returns a copy of a conversation's turns.
func (m *Manager) History(conversationID string) []models.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.convs[conversationID]
	if !ok {
		return nil
	}
	return append([]models.Turn(nil), conv.history...)
}

// Conversations lists known conversation IDs, sorted.
func (m *Manager) Conversations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.convs))
	for id := range m.convs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Serve pumps inbound prompt envelopes, one goroutine per prompt, until the
// channel closes or the context is canceled. In-flight turns are waited on
// before returning.
func (m *Manager) Serve(ctx context.Context, inbound <-chan models.Envelope) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case env, ok := <-inbound:
			if !ok {
				return
			}
			if env.Payload.ConversationID == "" || env.Payload.Prompt == "" {
				m.logger.Warn(ctx, "dropping prompt with empty conversation id or text")
				continue
			}
			wg.Add(1)
			go func(env models.Envelope) {
				defer wg.Done()
				if _, err := m.HandlePrompt(ctx, env.Payload.ConversationID, env.Payload.Prompt); err != nil {
					m.logger.Error(ctx, "prompt handling failed",
						"conversation_id", env.Payload.ConversationID, "error", err)
				}
			}(env)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) conversationFor(conversationID string) (*conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conv, ok := m.convs[conversationID]; ok {
		return conv, nil
	}
	if m.layout != nil {
		if _, err := m.layout.WorkingDir(conversationID); err != nil {
			return nil, fmt.Errorf("provision conversation %s: %w", conversationID, err)
		}
	}
	conv := &conversation{}
	m.convs[conversationID] = conv
	if m.metrics != nil {
		m.metrics.ActiveConversations.Set(float64(len(m.convs)))
	}
	m.logger.Info(context.Background(), "conversation created", "conversation_id", conversationID)
	return conv, nil
}

func (m *Manager) lockConversation(conversationID string) func() {
	m.locksMu.Lock()
	lock := m.locks[conversationID]
	if lock == nil {
		lock = &convLock{}
		m.locks[conversationID] = lock
	}
	lock.refs++
	m.locksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		m.locksMu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(m.locks, conversationID)
		}
		m.locksMu.Unlock()
	}
}

func (m *Manager) publish(ctx context.Context, conversationID, reply string) error {
	m.mu.Lock()
	pub := m.publisher
	m.mu.Unlock()
	if pub == nil {
		return nil
	}
	return pub.Publish(ctx, models.Envelope{
		Format:    "text",
		Recipient: models.RecipientUserDevice,
		Type:      models.TypeAgentResponse,
		Payload:   models.Payload{ConversationID: conversationID, Prompt: reply},
		Timestamp: time.Now().UnixMilli(),
	})
}

func (m *Manager) observePrompt(outcome string) {
	if m.metrics != nil {
		m.metrics.PromptCounter.WithLabelValues(outcome).Inc()
	}
}

// endsWithAssistantText reports whether the driver already produced a
// user-facing closing turn.
func endsWithAssistantText(turns []models.Turn) bool {
	if len(turns) == 0 {
		return false
	}
	last := turns[len(turns)-1]
	return last.Role == models.RoleAssistant && last.Text() != ""
}

// finalText extracts the reply: the text of the last assistant turn that
// said anything.
func finalText(turns []models.Turn) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role != models.RoleAssistant {
			continue
		}
		if text := turns[i].Text(); text != "" {
			return text
		}
	}
	return "Done."
}
