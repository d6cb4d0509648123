package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/haasonsaas/warden/internal/llm"
	"github.com/haasonsaas/warden/pkg/models"
)

// chatServer captures the decoded chat completion request and replies with a
// canned response body.
func chatServer(t *testing.T, reply string) (*httptest.Server, *map[string]any) {
	t.Helper()
	captured := make(map[string]any)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write([]byte(reply)); err != nil {
			t.Errorf("write reply: %v", err)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &captured
}

const textReply = `{
	"id": "chatcmpl-1",
	"object": "chat.completion",
	"model": "gpt-4o",
	"choices": [{
		"index": 0,
		"message": {"role": "assistant", "content": "hello there"},
		"finish_reason": "stop"
	}],
	"usage": {"prompt_tokens": 12, "completion_tokens": 4}
}`

const toolReply = `{
	"id": "chatcmpl-2",
	"object": "chat.completion",
	"model": "gpt-4o",
	"choices": [{
		"index": 0,
		"message": {
			"role": "assistant",
			"content": "",
			"tool_calls": [{
				"id": "call_1",
				"type": "function",
				"function": {"name": "bash", "arguments": "{\"command\":\"ls\"}"}
			}]
		},
		"finish_reason": "tool_calls"
	}],
	"usage": {"prompt_tokens": 30, "completion_tokens": 9}
}`

func newTestOpenAI(t *testing.T, srv *httptest.Server) *OpenAIService {
	t.Helper()
	svc, err := NewOpenAI("test-key", srv.URL+"/v1")
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	return svc
}

func TestOpenAITextCompletion(t *testing.T) {
	srv, captured := chatServer(t, textReply)
	svc := newTestOpenAI(t, srv)

	resp, err := svc.Complete(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.StopReason != llm.StopEndTurn {
		t.Errorf("stop reason = %s", resp.StopReason)
	}
	if len(resp.Blocks) != 1 || resp.Blocks[0].Text != "hello there" {
		t.Errorf("blocks = %+v", resp.Blocks)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 4 {
		t.Errorf("usage = %+v", resp.Usage)
	}

	req := *captured
	if req["model"] != "claude-opus-4-1-20250805" {
		t.Errorf("model = %v", req["model"])
	}
	msgs, ok := req["messages"].([]any)
	if !ok || len(msgs) != 2 {
		t.Fatalf("messages = %v", req["messages"])
	}
	first := msgs[0].(map[string]any)
	if first["role"] != "system" || first["content"] != "You are a helpful agent." {
		t.Errorf("system message = %v", first)
	}
	toolsReq, ok := req["tools"].([]any)
	if !ok || len(toolsReq) != 1 {
		t.Fatalf("tools = %v", req["tools"])
	}
	fn := toolsReq[0].(map[string]any)["function"].(map[string]any)
	if fn["name"] != "bash" {
		t.Errorf("tool function = %v", fn)
	}
}

func TestOpenAIDecodesToolCalls(t *testing.T) {
	srv, _ := chatServer(t, toolReply)
	svc := newTestOpenAI(t, srv)

	resp, err := svc.Complete(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.StopReason != llm.StopToolUse {
		t.Errorf("stop reason = %s", resp.StopReason)
	}
	if len(resp.Blocks) != 1 {
		t.Fatalf("blocks = %+v", resp.Blocks)
	}
	call := resp.Blocks[0].ToolCall
	if call == nil || call.ID != "call_1" || call.Name != "bash" {
		t.Fatalf("tool call = %+v", call)
	}
	if string(call.Input) != `{"command":"ls"}` {
		t.Errorf("input = %s", call.Input)
	}
}

func TestOpenAIEncodesToolResultsAsToolMessages(t *testing.T) {
	srv, captured := chatServer(t, textReply)
	svc := newTestOpenAI(t, srv)

	req := baseRequest()
	req.Turns = []models.Turn{
		models.TextTurn(models.RoleUser, "run ls"),
		{
			Role: models.RoleAssistant,
			Blocks: []models.Block{{
				Type:     models.BlockToolUse,
				ToolCall: &models.ToolCall{ID: "call_1", Name: "bash", Input: json.RawMessage(`{"command":"ls"}`)},
			}},
		},
		models.ResultsTurn([]models.ToolResult{{
			ToolCallID: "call_1",
			Content:    "file.txt",
		}}),
	}

	if _, err := svc.Complete(context.Background(), req); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	msgs := (*captured)["messages"].([]any)
	// system, user, assistant with tool call, tool result.
	if len(msgs) != 4 {
		t.Fatalf("messages = %v", msgs)
	}
	assistant := msgs[2].(map[string]any)
	calls, ok := assistant["tool_calls"].([]any)
	if !ok || len(calls) != 1 {
		t.Fatalf("assistant tool calls = %v", assistant)
	}
	result := msgs[3].(map[string]any)
	if result["role"] != "tool" || result["tool_call_id"] != "call_1" || result["content"] != "file.txt" {
		t.Errorf("tool message = %v", result)
	}
}

func TestOpenAIImageResultBecomesDataURL(t *testing.T) {
	got := toolResultText(models.ToolResult{
		ToolCallID: "call_1",
		Image:      &models.ImageContent{MediaType: "image/png", Data: "aGVsbG8="},
	})
	want := "data:image/png;base64,aGVsbG8="
	if got != want {
		t.Errorf("toolResultText = %q, want %q", got, want)
	}
}
