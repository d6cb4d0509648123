// Package providers adapts concrete model APIs to llm.CompletionService.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/warden/internal/llm"
	"github.com/haasonsaas/warden/pkg/models"
)

// MessagesClient is the subset of the Anthropic SDK the adapter uses. It is
// satisfied by *anthropic.MessageService; tests pass a fake.
type MessagesClient interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// AnthropicService implements llm.CompletionService over the Messages API.
type AnthropicService struct {
	msg MessagesClient
}

// NewAnthropic builds a service talking to the real API.
func NewAnthropic(apiKey string) (*AnthropicService, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicService{msg: &client.Messages}, nil
}

// NewAnthropicWithClient builds a service around an injected messages client.
func NewAnthropicWithClient(msg MessagesClient) *AnthropicService {
	return &AnthropicService{msg: msg}
}

func (s *AnthropicService) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	params, err := encodeAnthropicRequest(req)
	if err != nil {
		return llm.Response{}, err
	}
	msg, err := s.msg.New(ctx, params)
	if err != nil {
		return llm.Response{}, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return decodeAnthropicResponse(msg), nil
}

func encodeAnthropicRequest(req llm.Request) (anthropic.MessageNewParams, error) {
	msgs, err := encodeTurns(req.Turns)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  msgs,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	for _, schema := range req.Tools {
		u := anthropic.ToolUnionParamOfTool(
			anthropic.ToolInputSchemaParam{ExtraFields: schema.InputSchema},
			schema.Name,
		)
		if u.OfTool != nil && schema.Description != "" {
			u.OfTool.Description = anthropic.String(schema.Description)
		}
		params.Tools = append(params.Tools, u)
	}
	return params, nil
}

func encodeTurns(turns []models.Turn) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(turns))
	for _, turn := range turns {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(turn.Blocks))
		for _, b := range turn.Blocks {
			switch b.Type {
			case models.BlockText:
				if b.Text != "" {
					blocks = append(blocks, anthropic.NewTextBlock(b.Text))
				}
			case models.BlockToolUse:
				if b.ToolCall == nil {
					return nil, errors.New("tool_use block missing tool call")
				}
				var input any
				if len(b.ToolCall.Input) > 0 {
					if err := json.Unmarshal(b.ToolCall.Input, &input); err != nil {
						return nil, fmt.Errorf("tool_use input for %s: %w", b.ToolCall.Name, err)
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(b.ToolCall.ID, input, b.ToolCall.Name))
			case models.BlockToolResult:
				if b.ToolResult == nil {
					return nil, errors.New("tool_result block missing result")
				}
				blocks = append(blocks, encodeToolResult(*b.ToolResult))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch turn.Role {
		case models.RoleUser:
			out = append(out, anthropic.NewUserMessage(blocks...))
		case models.RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		default:
			return nil, fmt.Errorf("unsupported turn role %q", turn.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("at least one turn is required")
	}
	return out, nil
}

func encodeToolResult(r models.ToolResult) anthropic.ContentBlockParamUnion {
	if r.Image == nil {
		return anthropic.NewToolResultBlock(r.ToolCallID, r.Content, r.IsError)
	}

	block := anthropic.ToolResultBlockParam{ToolUseID: r.ToolCallID}
	if r.IsError {
		block.IsError = anthropic.Bool(true)
	}
	var content []anthropic.ToolResultBlockParamContentUnion
	if r.Content != "" {
		content = append(content, anthropic.ToolResultBlockParamContentUnion{
			OfText: &anthropic.TextBlockParam{Text: r.Content},
		})
	}
	if mt, ok := imageMediaType(r.Image.MediaType); ok {
		content = append(content, anthropic.ToolResultBlockParamContentUnion{
			OfImage: &anthropic.ImageBlockParam{
				Source: anthropic.ImageBlockParamSourceUnion{
					OfBase64: &anthropic.Base64ImageSourceParam{
						Data:      r.Image.Data,
						MediaType: mt,
					},
				},
			},
		})
	} else {
		content = append(content, anthropic.ToolResultBlockParamContentUnion{
			OfText: &anthropic.TextBlockParam{
				Text: fmt.Sprintf("[image with unsupported media type %s omitted]", r.Image.MediaType),
			},
		})
	}
	block.Content = content
	return anthropic.ContentBlockParamUnion{OfToolResult: &block}
}

func imageMediaType(mediaType string) (anthropic.Base64ImageSourceMediaType, bool) {
	switch strings.ToLower(mediaType) {
	case "image/jpeg", "image/jpg":
		return anthropic.Base64ImageSourceMediaTypeImageJPEG, true
	case "image/png":
		return anthropic.Base64ImageSourceMediaTypeImagePNG, true
	case "image/gif":
		return anthropic.Base64ImageSourceMediaTypeImageGIF, true
	case "image/webp":
		return anthropic.Base64ImageSourceMediaTypeImageWebP, true
	default:
		return "", false
	}
}

func decodeAnthropicResponse(msg *anthropic.Message) llm.Response {
	resp := llm.Response{
		StopReason: string(msg.StopReason),
		Model:      string(msg.Model),
		Usage: llm.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			resp.Blocks = append(resp.Blocks, models.Block{
				Type: models.BlockText,
				Text: block.Text,
			})
		case "tool_use":
			resp.Blocks = append(resp.Blocks, models.Block{
				Type: models.BlockToolUse,
				ToolCall: &models.ToolCall{
					ID:    block.ID,
					Name:  block.Name,
					Input: json.RawMessage(block.Input),
				},
			})
		}
	}
	return resp
}
