package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/sazonovanton/SirChatalot-sub000/internal/chat"
	"github.com/sazonovanton/SirChatalot-sub000/internal/config"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

type openAIProvider struct {
	base
	apiKey  string
	baseURL string
}

func newOpenAIProvider(cfg config.LLMProviderConfig, defaultSystem string) (*openAIProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("openai model is required")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &openAIProvider{
		base:    newBase(config.ProviderOpenAI, cfg, defaultSystem),
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
	}, nil
}

func (p *openAIProvider) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + p.apiKey}
}

// Complete sends the conversation to the chat completions endpoint.
func (p *openAIProvider) Complete(ctx context.Context, req ChatRequest) chat.Message {
	if len(req.Messages) == 0 {
		return p.fail(&Error{Kind: chat.ErrBadRequest, Message: "empty conversation"})
	}
	messages := p.withSystem(req.Messages)

	temperature := p.temperature
	payload := openAIRequest{
		Model:       p.model.Name,
		Messages:    toOpenAIMessages(messages),
		MaxTokens:   p.maxTokens,
		Temperature: &temperature,
	}
	if len(req.Tools) > 0 {
		payload.Tools = make([]openAITool, 0, len(req.Tools))
		for _, tool := range req.Tools {
			payload.Tools = append(payload.Tools, openAITool{
				Type: "function",
				Function: openAIFunction{
					Name:        tool.Name,
					Description: tool.Description,
					Parameters:  tool.Parameters,
				},
			})
		}
	}

	if err := p.wait(ctx); err != nil {
		return p.fail(err)
	}
	var parsed openAIResponse
	if err := p.postJSON(ctx, p.baseURL+"/chat/completions", p.headers(), payload, &parsed); err != nil {
		return p.fail(err)
	}
	if len(parsed.Choices) == 0 {
		return p.fail(errors.New("openai response has no choices"))
	}

	choice := parsed.Choices[0]
	var msg chat.Message
	if len(choice.Message.ToolCalls) > 0 {
		// Only the first call is honoured; one tool runs per model turn.
		tc := choice.Message.ToolCalls[0]
		id := tc.ID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		msg = chat.ToolRequest(id, tc.Function.Name, tc.Function.Arguments)
	} else {
		msg = chat.Assistant(contentString(choice.Message.Content))
	}
	msg.FinishReason = normalizeOpenAIFinish(choice.FinishReason)

	return p.finish(msg, messages, chat.Tokens{
		Prompt:     parsed.Usage.PromptTokens,
		Completion: parsed.Usage.CompletionTokens,
	})
}

// Summarize condenses messages into a short summary.
func (p *openAIProvider) Summarize(ctx context.Context, messages []chat.Message) (Summary, error) {
	return p.summarize(ctx, p.Complete, messages)
}

// SupportsVision reports that chat completions accept image_url parts.
func (p *openAIProvider) SupportsVision() bool { return true }

// Moderate screens text with the moderation endpoint.
func (p *openAIProvider) Moderate(ctx context.Context, text string) (ModerationResult, error) {
	var parsed openAIModerationResponse
	if err := p.postJSON(ctx, p.baseURL+"/moderations", p.headers(), map[string]string{"input": text}, &parsed); err != nil {
		return ModerationResult{}, fmt.Errorf("moderate input: %w", err)
	}
	if len(parsed.Results) == 0 {
		return ModerationResult{}, errors.New("moderation response has no results")
	}
	result := parsed.Results[0]
	out := ModerationResult{Flagged: result.Flagged}
	for category, hit := range result.Categories {
		if hit {
			out.Categories = append(out.Categories, category)
		}
	}
	sort.Strings(out.Categories)
	return out, nil
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Tools       []openAITool    `json:"tools,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
}

type openAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Arguments   string         `json:"arguments,omitempty"`
}

type openAIToolCall struct {
	ID       string         `json:"id,omitempty"`
	Type     string         `json:"type,omitempty"`
	Function openAIFunction `json:"function"`
}

type openAIResponse struct {
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type openAIModerationResponse struct {
	Results []struct {
		Flagged    bool            `json:"flagged"`
		Categories map[string]bool `json:"categories"`
	} `json:"results"`
}

func contentString(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case []any:
		var parts []string
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				if text, ok := m["text"].(string); ok {
					parts = append(parts, text)
				}
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}

func normalizeOpenAIFinish(reason string) string {
	switch reason {
	case "tool_calls", "function_call":
		return chat.FinishToolCalls
	case "length":
		return chat.FinishLength
	case "content_filter":
		return chat.FinishContentFilter
	case "":
		return ""
	default:
		return chat.FinishStop
	}
}

func toOpenAIMessages(messages []chat.Message) []openAIMessage {
	out := make([]openAIMessage, 0, len(messages))
	for _, msg := range messages {
		switch content := msg.Content.(type) {
		case chat.ToolContent:
			out = append(out, openAIMessage{
				Role: "assistant",
				ToolCalls: []openAIToolCall{{
					ID:   msg.ToolID,
					Type: "function",
					Function: openAIFunction{
						Name:      content.Name,
						Arguments: content.Arguments,
					},
				}},
			})
		case chat.ImageContent:
			parts := make([]openAIContentPart, 0, len(content.Parts))
			for _, part := range content.Parts {
				switch {
				case part.ImageURL != "":
					parts = append(parts, openAIContentPart{Type: "image_url", ImageURL: &openAIImageURL{URL: part.ImageURL}})
				case part.ImageData != "":
					url := "data:" + part.MediaType + ";base64," + part.ImageData
					parts = append(parts, openAIContentPart{Type: "image_url", ImageURL: &openAIImageURL{URL: url}})
				default:
					parts = append(parts, openAIContentPart{Type: "text", Text: part.Text})
				}
			}
			out = append(out, openAIMessage{Role: string(msg.Role), Content: parts})
		default:
			m := openAIMessage{Role: string(msg.Role), Content: msg.Text()}
			if msg.Role == chat.RoleFunction {
				m.Role = "tool"
				m.ToolCallID = msg.ToolID
			}
			out = append(out, m)
		}
	}
	return out
}
