package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/warden/internal/observability"
	"github.com/haasonsaas/warden/internal/tools"
	"github.com/haasonsaas/warden/pkg/models"
)

// Config tunes the driver. Zero values pick the documented defaults.
type Config struct {
	PrimaryModel string
	BackupModel  string
	System       string
	MaxTokens    int

	// MaxToolIterations caps completion round-trips per user turn.
	MaxToolIterations int

	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64

	// FallbackRetryCount is how many consecutive transient failures switch
	// the driver to the backup model.
	FallbackRetryCount int
}

func (c *Config) applyDefaults() {
	if c.MaxTokens == 0 {
		c.MaxTokens = 32000
	}
	if c.MaxToolIterations == 0 {
		c.MaxToolIterations = 25
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 3 * time.Second
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = 2.0
	}
	if c.FallbackRetryCount == 0 {
		c.FallbackRetryCount = 10
	}
}

// Driver owns the model side of a turn: it sends history plus tool schemas
// to the completion service, dispatches requested tools in order, and loops
// until the model stops asking for tools or the iteration cap trips.
//
// One driver serves all conversations; the mutable fallback state has its
// own mutex.
type Driver struct {
	svc     CompletionService
	tools   ToolRunner
	cfg     Config
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	mu          sync.Mutex
	activeModel string
	consecutive int // consecutive transient failures
	usingBackup bool
}

// NewDriver creates a driver. metrics may be nil.
func NewDriver(svc CompletionService, toolRunner ToolRunner, cfg Config, logger *observability.Logger, metrics *observability.Metrics) *Driver {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	cfg.applyDefaults()
	return &Driver{
		svc:         svc,
		tools:       toolRunner,
		cfg:         cfg,
		logger:      logger.WithFields("component", "llm_driver"),
		metrics:     metrics,
		activeModel: cfg.PrimaryModel,
	}
}

// WithTracer enables a span per completion request.
func (d *Driver) WithTracer(t *observability.Tracer) *Driver {
	d.tracer = t
	return d
}

// ActiveModel returns the model currently in use.
func (d *Driver) ActiveModel() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activeModel
}

// UsingBackup reports whether the driver has fallen back to the backup model.
func (d *Driver) UsingBackup() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.usingBackup
}

// Reset restores the primary model and clears the failure counter.
func (d *Driver) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.activeModel = d.cfg.PrimaryModel
	d.consecutive = 0
	d.usingBackup = false
}

// ErrToolIterationLimit marks a turn that hit the per-turn tool loop cap.
// The returned turns still end with an explanatory assistant text so history
// stays well formed.
var ErrToolIterationLimit = errors.New("tool iteration limit reached")

// RunTurn drives one user turn to completion. history must end with the new
// user turn. It returns the turns to append to history: assistant turns,
// tool-result turns, and finally an assistant turn with no tool calls. A
// non-nil error means a permanent completion failure or the iteration cap;
// turns produced before the failure are still returned so history stays
// consistent.
func (d *Driver) RunTurn(ctx context.Context, conversationID string, history []models.Turn) ([]models.Turn, error) {
	turns := make([]models.Turn, len(history))
	copy(turns, history)

	var appended []models.Turn
	for iteration := 0; iteration < d.cfg.MaxToolIterations; iteration++ {
		resp, err := d.complete(ctx, Request{
			System:    d.cfg.System,
			MaxTokens: d.cfg.MaxTokens,
			Turns:     turns,
			Tools:     d.tools.Schemas(),
		})
		if err != nil {
			return appended, err
		}

		assistant := models.Turn{
			Role:      models.RoleAssistant,
			Blocks:    resp.Blocks,
			CreatedAt: time.Now(),
		}
		appended = append(appended, assistant)
		turns = append(turns, assistant)

		calls := assistant.ToolCalls()
		if len(calls) == 0 {
			return appended, nil
		}

		// Tools run sequentially in order of appearance; their results
		// travel back as one user-role turn, one result per call.
		results := make([]models.ToolResult, 0, len(calls))
		for _, call := range calls {
			results = append(results, d.runTool(ctx, conversationID, call))
		}
		resultTurn := models.ResultsTurn(results)
		appended = append(appended, resultTurn)
		turns = append(turns, resultTurn)
	}

	d.logger.Warn(ctx, "tool iteration cap reached",
		"conversation_id", conversationID, "cap", d.cfg.MaxToolIterations)
	overrun := models.TextTurn(models.RoleAssistant, fmt.Sprintf(
		"I stopped after %d tool calls without finishing. Please narrow the request and try again.",
		d.cfg.MaxToolIterations))
	return append(appended, overrun), fmt.Errorf("%w: %d calls in one turn", ErrToolIterationLimit, d.cfg.MaxToolIterations)
}

// runTool executes one requested tool. Failures become error results fed
// back to the model rather than aborting the turn.
func (d *Driver) runTool(ctx context.Context, conversationID string, call models.ToolCall) models.ToolResult {
	var args map[string]any
	if len(call.Input) > 0 {
		if err := json.Unmarshal(call.Input, &args); err != nil {
			return models.ToolResult{
				ToolCallID: call.ID,
				Content:    fmt.Sprintf("Error: tool input is not a JSON object: %v", err),
				IsError:    true,
			}
		}
	}

	result, err := d.tools.Call(ctx, call.Name, args, conversationID)
	if err != nil {
		d.logger.Warn(ctx, "tool call failed",
			"conversation_id", conversationID, "tool", call.Name, "error", err)
		return models.ToolResult{
			ToolCallID: call.ID,
			Content:    "Error: " + err.Error(),
			IsError:    true,
		}
	}

	switch v := result.(type) {
	case *tools.Image:
		return models.ToolResult{
			ToolCallID: call.ID,
			Image:      &models.ImageContent{MediaType: v.MediaType, Data: v.Data},
		}
	case string:
		return models.ToolResult{ToolCallID: call.ID, Content: v}
	case nil:
		return models.ToolResult{ToolCallID: call.ID, Content: "done"}
	default:
		encoded, merr := json.Marshal(v)
		if merr != nil {
			return models.ToolResult{
				ToolCallID: call.ID,
				Content:    fmt.Sprintf("Error: tool result not serializable: %v", merr),
				IsError:    true,
			}
		}
		return models.ToolResult{ToolCallID: call.ID, Content: string(encoded)}
	}
}

// complete calls the service with retry and fallback. Transient failures
// back off exponentially and never give up on their own; cancellation of ctx
// is the only exit. Permanent failures return immediately.
func (d *Driver) complete(ctx context.Context, req Request) (Response, error) {
	backoff := d.cfg.InitialBackoff
	for {
		req.Model = d.ActiveModel()

		start := time.Now()
		resp, err := d.completeOnce(ctx, req)
		d.observeRequest(req.Model, start, err)
		if err == nil {
			d.recordSuccess()
			return resp, nil
		}

		class := Classify(err)
		if !class.Transient() {
			d.logger.Error(ctx, "completion failed permanently",
				"model", req.Model, "class", string(class), "error", err)
			return Response{}, fmt.Errorf("completion with %s: %w", req.Model, err)
		}

		d.recordFailure(ctx, class, err)
		if d.metrics != nil {
			d.metrics.LLMRetryCounter.WithLabelValues(req.Model).Inc()
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
		backoff = time.Duration(float64(backoff) * d.cfg.BackoffMultiplier)
		if backoff > d.cfg.MaxBackoff {
			backoff = d.cfg.MaxBackoff
		}
	}
}

func (d *Driver) completeOnce(ctx context.Context, req Request) (Response, error) {
	if d.tracer == nil {
		return d.svc.Complete(ctx, req)
	}
	ctx, span := d.tracer.TraceCompletion(ctx, req.Model)
	defer span.End()
	resp, err := d.svc.Complete(ctx, req)
	if err != nil {
		d.tracer.RecordError(span, err)
	}
	return resp, err
}

func (d *Driver) recordSuccess() {
	d.mu.Lock()
	d.consecutive = 0
	d.mu.Unlock()
}

func (d *Driver) recordFailure(ctx context.Context, class FailureClass, err error) {
	d.mu.Lock()
	d.consecutive++
	shouldSwitch := !d.usingBackup &&
		d.cfg.BackupModel != "" &&
		d.consecutive >= d.cfg.FallbackRetryCount
	if shouldSwitch {
		d.activeModel = d.cfg.BackupModel
		d.usingBackup = true
	}
	n := d.consecutive
	d.mu.Unlock()

	d.logger.Warn(ctx, "completion failed, will retry",
		"class", string(class), "consecutive_failures", n, "error", err)
	if shouldSwitch {
		d.logger.Error(ctx, "switching to backup model",
			"fallback", true,
			"backup_model", d.cfg.BackupModel,
			"primary_model", d.cfg.PrimaryModel,
			"consecutive_failures", n)
		if d.metrics != nil {
			d.metrics.FallbackSwitchCounter.Inc()
		}
	}
}

func (d *Driver) observeRequest(model string, start time.Time, err error) {
	if d.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	d.metrics.LLMRequestCounter.WithLabelValues(model, status).Inc()
	d.metrics.LLMRequestDuration.WithLabelValues(model).Observe(time.Since(start).Seconds())
}
