package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/warden/internal/llm"
	"github.com/haasonsaas/warden/pkg/models"
)

// OpenAIService implements llm.CompletionService over chat completions with
// function tools. It also serves OpenAI-compatible gateways via BaseURL.
type OpenAIService struct {
	client *openai.Client
}

// NewOpenAI builds a service. baseURL may be empty for the default endpoint.
func NewOpenAI(apiKey, baseURL string) (*OpenAIService, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &OpenAIService{client: openai.NewClientWithConfig(config)}, nil
}

func (s *OpenAIService) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	messages, err := encodeOpenAIMessages(req)
	if err != nil {
		return llm.Response{}, err
	}

	chatReq := openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
	}
	for _, schema := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        schema.Name,
				Description: schema.Description,
				Parameters:  schema.InputSchema,
			},
		})
	}

	resp, err := s.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return llm.Response{}, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return llm.Response{}, errors.New("openai chat completion: no choices")
	}
	return decodeOpenAIChoice(resp), nil
}

func encodeOpenAIMessages(req llm.Request) ([]openai.ChatCompletionMessage, error) {
	var out []openai.ChatCompletionMessage
	if req.System != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}

	for _, turn := range req.Turns {
		switch turn.Role {
		case models.RoleUser:
			// A user turn is either plain text or a batch of tool results;
			// tool results become individual role=tool messages.
			if results := toolResults(turn); len(results) > 0 {
				for _, r := range results {
					out = append(out, openai.ChatCompletionMessage{
						Role:       openai.ChatMessageRoleTool,
						ToolCallID: r.ToolCallID,
						Content:    toolResultText(r),
					})
				}
				continue
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: turn.Text(),
			})

		case models.RoleAssistant:
			msg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: turn.Text(),
			}
			for _, call := range turn.ToolCalls() {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: string(call.Input),
					},
				})
			}
			out = append(out, msg)

		default:
			return nil, fmt.Errorf("unsupported turn role %q", turn.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("at least one turn is required")
	}
	return out, nil
}

func toolResults(turn models.Turn) []models.ToolResult {
	var results []models.ToolResult
	for _, b := range turn.Blocks {
		if b.Type == models.BlockToolResult && b.ToolResult != nil {
			results = append(results, *b.ToolResult)
		}
	}
	return results
}

// toolResultText flattens a result to the string-only content chat tool
// messages allow. Images ride along as data URLs.
func toolResultText(r models.ToolResult) string {
	if r.Image != nil {
		return fmt.Sprintf("data:%s;base64,%s", r.Image.MediaType, r.Image.Data)
	}
	if r.IsError && r.Content == "" {
		return "Error: tool call failed"
	}
	return r.Content
}

func decodeOpenAIChoice(resp openai.ChatCompletionResponse) llm.Response {
	choice := resp.Choices[0]
	out := llm.Response{
		Model: resp.Model,
		Usage: llm.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}

	switch choice.FinishReason {
	case openai.FinishReasonToolCalls:
		out.StopReason = llm.StopToolUse
	case openai.FinishReasonLength:
		out.StopReason = llm.StopMaxTokens
	default:
		out.StopReason = llm.StopEndTurn
	}

	if choice.Message.Content != "" {
		out.Blocks = append(out.Blocks, models.Block{
			Type: models.BlockText,
			Text: choice.Message.Content,
		})
	}
	for _, call := range choice.Message.ToolCalls {
		out.Blocks = append(out.Blocks, models.Block{
			Type: models.BlockToolUse,
			ToolCall: &models.ToolCall{
				ID:    call.ID,
				Name:  call.Function.Name,
				Input: json.RawMessage(call.Function.Arguments),
			},
		})
	}
	return out
}
