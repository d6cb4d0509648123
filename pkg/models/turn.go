package models

import (
	"encoding/json"
	"time"
)

// Role indicates the turn author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType discriminates the content block union.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// Turn is one entry in a conversation's history. Top-level turns alternate
// between user and assistant roles; tool results travel in a user-role turn
// immediately after the assistant turn that requested them.
type Turn struct {
	Role      Role      `json:"role"`
	Blocks    []Block   `json:"blocks"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Block is a tagged union of the content kinds a turn may carry.
// Exactly one of Text, ToolCall, ToolResult is meaningful per Type.
type Block struct {
	Type       BlockType   `json:"type"`
	Text       string      `json:"text,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// ToolCall represents a model request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the outcome of a tool execution, keyed back to the
// requesting tool call. Content carries the stringified result; Image is set
// instead when the tool produced visual output for the model.
type ToolResult struct {
	ToolCallID string        `json:"tool_call_id"`
	Content    string        `json:"content,omitempty"`
	Image      *ImageContent `json:"image,omitempty"`
	IsError    bool          `json:"is_error,omitempty"`
}

// ImageContent is a base64-encoded image payload for visual tool results.
type ImageContent struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// TextTurn builds a single-block text turn.
func TextTurn(role Role, text string) Turn {
	return Turn{
		Role:      role,
		Blocks:    []Block{{Type: BlockText, Text: text}},
		CreatedAt: time.Now(),
	}
}

// ResultsTurn wraps tool results in the user-role turn the model expects.
func ResultsTurn(results []ToolResult) Turn {
	blocks := make([]Block, 0, len(results))
	for i := range results {
		blocks = append(blocks, Block{Type: BlockToolResult, ToolResult: &results[i]})
	}
	return Turn{Role: RoleUser, Blocks: blocks, CreatedAt: time.Now()}
}

// Text concatenates the text blocks of a turn.
func (t Turn) Text() string {
	var out string
	for _, b := range t.Blocks {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolCalls returns the tool_use blocks of a turn in order of appearance.
func (t Turn) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, b := range t.Blocks {
		if b.Type == BlockToolUse && b.ToolCall != nil {
			calls = append(calls, *b.ToolCall)
		}
	}
	return calls
}

// HasToolCalls reports whether the turn contains at least one tool_use block.
func (t Turn) HasToolCalls() bool {
	for _, b := range t.Blocks {
		if b.Type == BlockToolUse {
			return true
		}
	}
	return false
}
