package testharness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/haasonsaas/warden/internal/llm"
	"github.com/haasonsaas/warden/pkg/models"
)

// Step produces one completion response (or failure) for a request.
type Step func(req llm.Request) (llm.Response, error)

// Text scripts a plain assistant text response.
func Text(text string) Step {
	return func(llm.Request) (llm.Response, error) {
		return llm.Response{
			Blocks:     []models.Block{{Type: models.BlockText, Text: text}},
			StopReason: llm.StopEndTurn,
		}, nil
	}
}

// ToolUse scripts an assistant response requesting one tool call.
func ToolUse(id, name, argsJSON string) Step {
	return func(llm.Request) (llm.Response, error) {
		return llm.Response{
			Blocks: []models.Block{{
				Type: models.BlockToolUse,
				ToolCall: &models.ToolCall{
					ID:    id,
					Name:  name,
					Input: json.RawMessage(argsJSON),
				},
			}},
			StopReason: llm.StopToolUse,
		}, nil
	}
}

// Fail scripts a completion failure.
func Fail(err error) Step {
	return func(llm.Request) (llm.Response, error) {
		return llm.Response{}, err
	}
}

// ScriptedCompletions is an llm.CompletionService that replays a fixed
// script of steps and records every request it saw.
type ScriptedCompletions struct {
	mu       sync.Mutex
	steps    []Step
	requests []llm.Request
}

// NewScriptedCompletions builds a service that answers request i with
// steps[i]. Requests past the end of the script fail the test's turn with
// an explicit error.
func NewScriptedCompletions(steps ...Step) *ScriptedCompletions {
	return &ScriptedCompletions{steps: steps}
}

// Append adds steps to the end of the script.
func (s *ScriptedCompletions) Append(steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, steps...)
}

func (s *ScriptedCompletions) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	s.mu.Lock()
	i := len(s.requests)
	s.requests = append(s.requests, req)
	var step Step
	if i < len(s.steps) {
		step = s.steps[i]
	}
	s.mu.Unlock()

	if step == nil {
		// Permanent-style error so the driver does not retry forever.
		return llm.Response{}, fmt.Errorf("invalid_request_error: completion script exhausted at request %d", i)
	}
	return step(req)
}

// Requests returns a copy of every request received so far.
func (s *ScriptedCompletions) Requests() []llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Request(nil), s.requests...)
}

// RequestCount returns how many completion requests were made.
func (s *ScriptedCompletions) RequestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// ModelAt returns the model of the i-th request, or "" if out of range.
func (s *ScriptedCompletions) ModelAt(i int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.requests) {
		return ""
	}
	return s.requests[i].Model
}

// ErrOverloaded is a reusable transient failure for retry scenarios.
var ErrOverloaded = errors.New("api error: overloaded, status 529")
