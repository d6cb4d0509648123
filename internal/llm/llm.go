// Package llm drives model completions: the tool-use loop for a user turn,
// transient-failure retry with exponential backoff, and fallback to a backup
// model after sustained failure.
package llm

import (
	"context"

	"github.com/haasonsaas/warden/internal/tools"
	"github.com/haasonsaas/warden/pkg/models"
)

// Stop reasons a completion may report.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// Request is one completion call.
type Request struct {
	Model     string
	System    string
	MaxTokens int
	Turns     []models.Turn
	Tools     []tools.Schema
}

// Usage reports token consumption for a completion.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is the model's reply: text and/or tool_use blocks.
type Response struct {
	Blocks     []models.Block
	StopReason string
	Model      string
	Usage      Usage
}

// CompletionService is a provider-neutral, non-streaming completion API.
// Implementations live in llm/providers; tests script a stub.
type CompletionService interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// ToolRunner is the slice of the tool registry the driver consumes.
type ToolRunner interface {
	Schemas() []tools.Schema
	Call(ctx context.Context, toolName string, args map[string]any, conversationID string) (any, error)
}
