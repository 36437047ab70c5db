package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/sazonovanton/SirChatalot-sub000/internal/chat"
	"github.com/sazonovanton/SirChatalot-sub000/internal/config"
)

const (
	defaultAnthropicMaxTokens = 1024
	// continuationPrompt opens a history whose first turn belongs to the assistant.
	continuationPrompt = "(continuing our conversation)"
)

type anthropicProvider struct {
	base
	client anthropic.Client
}

func newAnthropicProvider(cfg config.LLMProviderConfig, defaultSystem string) (*anthropicProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("anthropic model is required")
	}

	b := newBase(config.ProviderAnthropic, cfg, defaultSystem)
	if b.maxTokens <= 0 {
		b.maxTokens = defaultAnthropicMaxTokens
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(b.httpClient),
		// Failures surface to the user instead of being retried.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &anthropicProvider{
		base:   b,
		client: anthropic.NewClient(opts...),
	}, nil
}

// Complete sends the conversation to the Messages API.
func (p *anthropicProvider) Complete(ctx context.Context, req ChatRequest) chat.Message {
	if len(req.Messages) == 0 {
		return p.fail(&Error{Kind: chat.ErrBadRequest, Message: "empty conversation"})
	}
	messages := p.withSystem(req.Messages)

	system, turns, err := toAnthropicMessages(messages)
	if err != nil {
		return p.fail(&Error{Kind: chat.ErrBadRequest, Err: err})
	}

	body := anthropic.MessageNewParams{
		Model:       anthropic.Model(p.model.Name),
		MaxTokens:   int64(p.maxTokens),
		Messages:    turns,
		Temperature: anthropic.Float(p.temperature),
	}
	if system != "" {
		body.System = []anthropic.TextBlockParam{{
			Text:         system,
			CacheControl: anthropic.NewCacheControlEphemeralParam(),
		}}
	}
	if len(req.Tools) > 0 {
		body.Tools = toAnthropicTools(req.Tools)
	}

	if err := p.wait(ctx); err != nil {
		return p.fail(err)
	}
	resp, err := p.client.Messages.New(ctx, body)
	if err != nil {
		return p.fail(classifyAnthropicError(err))
	}

	var textParts []string
	var toolUse *anthropic.ToolUseBlock
	for _, block := range resp.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			if v.Text != "" {
				textParts = append(textParts, v.Text)
			}
		case anthropic.ToolUseBlock:
			if toolUse == nil {
				call := v
				toolUse = &call
			}
		}
	}

	var msg chat.Message
	if toolUse != nil {
		msg = chat.ToolRequest(toolUse.ID, toolUse.Name, string(toolUse.Input))
	} else {
		msg = chat.Assistant(strings.Join(textParts, "\n"))
	}
	msg.FinishReason = normalizeAnthropicStop(string(resp.StopReason))

	return p.finish(msg, messages, chat.Tokens{
		Prompt:     int(resp.Usage.InputTokens),
		Completion: int(resp.Usage.OutputTokens),
	})
}

// SupportsVision reports that messages accept base64 image blocks.
func (p *anthropicProvider) SupportsVision() bool { return true }

// Summarize condenses messages into a short summary.
func (p *anthropicProvider) Summarize(ctx context.Context, messages []chat.Message) (Summary, error) {
	return p.summarize(ctx, p.Complete, messages)
}

func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		pe := statusError(apiErr.StatusCode, apiErr.Error())
		pe.Err = err
		return pe
	}
	return err
}

func normalizeAnthropicStop(reason string) string {
	switch reason {
	case "tool_use":
		return chat.FinishToolCalls
	case "max_tokens":
		return chat.FinishLength
	case "refusal":
		return chat.FinishContentFilter
	case "":
		return ""
	default:
		return chat.FinishStop
	}
}

// toAnthropicMessages extracts system text and builds strictly alternating
// user/assistant turns. Consecutive turns of the same side are merged.
func toAnthropicMessages(messages []chat.Message) (string, []anthropic.MessageParam, error) {
	var system []string
	var out []anthropic.MessageParam

	appendBlocks := func(role anthropic.MessageParamRole, blocks ...anthropic.ContentBlockParamUnion) {
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}

	for _, msg := range messages {
		switch msg.Role {
		case chat.RoleSystem:
			if text := strings.TrimSpace(msg.Text()); text != "" {
				system = append(system, text)
			}
		case chat.RoleUser:
			blocks := userBlocks(msg)
			if len(blocks) > 0 {
				appendBlocks(anthropic.MessageParamRoleUser, blocks...)
			}
		case chat.RoleAssistant:
			if text := msg.Text(); text != "" {
				appendBlocks(anthropic.MessageParamRoleAssistant, anthropic.NewTextBlock(text))
			}
		case chat.RoleFunction:
			if msg.ToolID == "" {
				return "", nil, fmt.Errorf("function message %q requires a tool id", msg.ToolName)
			}
			if tc, ok := msg.Content.(chat.ToolContent); ok {
				input := map[string]any{}
				if tc.Arguments != "" {
					if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
						return "", nil, fmt.Errorf("parse tool call args for %s: %w", tc.Name, err)
					}
				}
				appendBlocks(anthropic.MessageParamRoleAssistant, anthropic.NewToolUseBlock(msg.ToolID, input, tc.Name))
				continue
			}
			isError := msg.Error == chat.ErrToolDispatchFailure
			appendBlocks(anthropic.MessageParamRoleUser, anthropic.NewToolResultBlock(msg.ToolID, msg.Text(), isError))
		default:
			return "", nil, fmt.Errorf("unsupported message role %s", msg.Role)
		}
	}

	if len(out) > 0 && out[0].Role == anthropic.MessageParamRoleAssistant {
		out = append([]anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(continuationPrompt))}, out...)
	}
	applyHistoryCacheBreakpoint(out)
	return strings.Join(system, "\n\n"), out, nil
}

func userBlocks(msg chat.Message) []anthropic.ContentBlockParamUnion {
	switch content := msg.Content.(type) {
	case chat.ImageContent:
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(content.Parts))
		for _, part := range content.Parts {
			switch {
			case part.ImageData != "":
				blocks = append(blocks, anthropic.NewImageBlockBase64(part.MediaType, part.ImageData))
			case part.ImageURL != "":
				blocks = append(blocks, anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: part.ImageURL}))
			case part.Text != "":
				blocks = append(blocks, anthropic.NewTextBlock(part.Text))
			}
		}
		return blocks
	default:
		if text := msg.Text(); text != "" {
			return []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(text)}
		}
		return nil
	}
}

// applyHistoryCacheBreakpoint marks the second-to-last turn as a cache
// breakpoint so the prior prefix can be reused across turns.
func applyHistoryCacheBreakpoint(messages []anthropic.MessageParam) {
	if len(messages) < 2 {
		return
	}
	message := &messages[len(messages)-2]
	if len(message.Content) == 0 {
		return
	}
	block := &message.Content[len(message.Content)-1]
	cacheControl := anthropic.NewCacheControlEphemeralParam()

	switch {
	case block.OfText != nil:
		block.OfText.CacheControl = cacheControl
	case block.OfImage != nil:
		block.OfImage.CacheControl = cacheControl
	case block.OfToolUse != nil:
		block.OfToolUse.CacheControl = cacheControl
	case block.OfToolResult != nil:
		block.OfToolResult.CacheControl = cacheControl
	}
}

func toAnthropicTools(tools []ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		toolParam := anthropic.ToolParam{
			Name:        tool.Name,
			Description: anthropic.String(tool.Description),
			InputSchema: toAnthropicInputSchema(tool.Parameters),
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &toolParam})
	}
	return out
}

func toAnthropicInputSchema(schema map[string]any) anthropic.ToolInputSchemaParam {
	if len(schema) == 0 {
		return anthropic.ToolInputSchemaParam{}
	}

	var required []string
	switch v := schema["required"].(type) {
	case []string:
		required = v
	case []any:
		required = make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				required = append(required, s)
			}
		}
	}

	inputSchema := anthropic.ToolInputSchemaParam{Required: required}
	if props, ok := schema["properties"]; ok {
		inputSchema.Properties = props
	}
	return inputSchema
}
