package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/sazonovanton/SirChatalot-sub000/internal/chat"
	"github.com/sazonovanton/SirChatalot-sub000/internal/config"
)

const (
	defaultYandexBaseURL = "https://llm.api.cloud.yandex.net"
	yandexCompletionPath = "/foundationModels/v1/completion"

	yandexStatusFinal         = "ALTERNATIVE_STATUS_FINAL"
	yandexStatusTruncated     = "ALTERNATIVE_STATUS_TRUNCATED_FINAL"
	yandexStatusContentFilter = "ALTERNATIVE_STATUS_CONTENT_FILTER"
)

// yandexProvider talks to YandexGPT. It supports neither tools nor images.
type yandexProvider struct {
	base
	apiKey   string
	folderID string
	endpoint string
}

func newYandexProvider(cfg config.LLMProviderConfig, defaultSystem string) (*yandexProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("yandex api key is required")
	}
	if strings.TrimSpace(cfg.FolderID) == "" {
		return nil, fmt.Errorf("yandex folder id is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("yandex model is required")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultYandexBaseURL
	}
	return &yandexProvider{
		base:     newBase(config.ProviderYandex, cfg, defaultSystem),
		apiKey:   cfg.APIKey,
		folderID: cfg.FolderID,
		endpoint: baseURL + yandexCompletionPath,
	}, nil
}

func (p *yandexProvider) modelURI() string {
	return "gpt://" + p.folderID + "/" + p.model.Name
}

// Complete sends the conversation to the completion endpoint. Tool
// definitions in req are ignored.
func (p *yandexProvider) Complete(ctx context.Context, req ChatRequest) chat.Message {
	if len(req.Messages) == 0 {
		return p.fail(&Error{Kind: chat.ErrBadRequest, Message: "empty conversation"})
	}
	messages := p.withSystem(req.Messages)

	payload := yandexRequest{
		ModelURI: p.modelURI(),
		CompletionOptions: yandexCompletionOptions{
			Stream:      false,
			Temperature: p.temperature,
		},
		Messages: toYandexMessages(messages),
	}
	if p.maxTokens > 0 {
		payload.CompletionOptions.MaxTokens = strconv.Itoa(p.maxTokens)
	}

	if err := p.wait(ctx); err != nil {
		return p.fail(err)
	}
	status, body, err := p.send(ctx, payload)
	if err != nil {
		return p.fail(&Error{Kind: chat.ErrConnectionFailure, Err: err})
	}

	switch {
	case status == http.StatusOK:
		return p.parseResult(body, messages)
	case status == http.StatusTooManyRequests:
		return p.fail(&Error{Kind: chat.ErrRateLimited, StatusCode: status, Message: yandexErrorMessage(body)})
	case status == http.StatusBadRequest:
		message := yandexErrorMessage(body)
		kind := chat.ErrBadRequest
		if mentionsMissingModel(strings.ToLower(message)) {
			kind = chat.ErrInvalidModel
		}
		return p.fail(&Error{Kind: kind, StatusCode: status, Message: message})
	case status == http.StatusNotFound:
		return p.fail(&Error{Kind: chat.ErrInvalidModel, StatusCode: status, Message: yandexErrorMessage(body)})
	case status >= 500:
		return p.fail(&Error{Kind: chat.ErrConnectionFailure, StatusCode: status, Message: yandexErrorMessage(body)})
	default:
		return p.fail(&Error{Kind: chat.ErrUnknown, StatusCode: status, Message: yandexErrorMessage(body)})
	}
}

// Summarize condenses messages into a short summary.
func (p *yandexProvider) Summarize(ctx context.Context, messages []chat.Message) (Summary, error) {
	return p.summarize(ctx, p.Complete, messages)
}

func (p *yandexProvider) send(ctx context.Context, payload yandexRequest) (int, []byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal yandex request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(raw))
	if err != nil {
		return 0, nil, fmt.Errorf("build yandex request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Api-Key "+p.apiKey)
	httpReq.Header.Set("x-folder-id", p.folderID)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return 0, nil, fmt.Errorf("yandex request failed: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read yandex response: %w", err)
	}
	return httpResp.StatusCode, body, nil
}

func (p *yandexProvider) parseResult(body []byte, prompt []chat.Message) chat.Message {
	var parsed yandexResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return p.fail(fmt.Errorf("decode yandex response: %w", err))
	}
	if len(parsed.Result.Alternatives) == 0 {
		return p.fail(fmt.Errorf("yandex response has no alternatives"))
	}

	alt := parsed.Result.Alternatives[0]
	msg := chat.Assistant(alt.Message.Text)
	switch alt.Status {
	case yandexStatusFinal:
		msg.FinishReason = chat.FinishStop
	case yandexStatusTruncated:
		msg.FinishReason = chat.FinishLength
	case yandexStatusContentFilter:
		msg.FinishReason = chat.FinishContentFilter
		if strings.TrimSpace(alt.Message.Text) == "" {
			msg.Content = chat.TextContent{Text: "The provider declined to answer this request."}
		}
	}

	usage := chat.Tokens{
		Prompt:     atoiOrZero(parsed.Result.Usage.InputTextTokens),
		Completion: atoiOrZero(parsed.Result.Usage.CompletionTokens),
	}
	return p.finish(msg, prompt, usage)
}

type yandexRequest struct {
	ModelURI          string                  `json:"modelUri"`
	CompletionOptions yandexCompletionOptions `json:"completionOptions"`
	Messages          []yandexMessage         `json:"messages"`
}

type yandexCompletionOptions struct {
	Stream      bool    `json:"stream"`
	Temperature float64 `json:"temperature"`
	MaxTokens   string  `json:"maxTokens,omitempty"`
}

type yandexMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type yandexResponse struct {
	Result struct {
		Alternatives []struct {
			Message yandexMessage `json:"message"`
			Status  string        `json:"status"`
		} `json:"alternatives"`
		Usage struct {
			// Counts are encoded as decimal strings.
			InputTextTokens  string `json:"inputTextTokens"`
			CompletionTokens string `json:"completionTokens"`
			TotalTokens      string `json:"totalTokens"`
		} `json:"usage"`
		ModelVersion string `json:"modelVersion"`
	} `json:"result"`
}

type yandexErrorEnvelope struct {
	Error struct {
		GRPCCode   int    `json:"grpcCode"`
		HTTPCode   int    `json:"httpCode"`
		Message    string `json:"message"`
		HTTPStatus string `json:"httpStatus"`
	} `json:"error"`
}

func yandexErrorMessage(body []byte) string {
	var env yandexErrorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		return env.Error.Message
	}
	return strings.TrimSpace(string(body))
}

func atoiOrZero(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}

// toYandexMessages flattens the conversation to role/text pairs. Tool turns
// are rendered as text; image parts are dropped.
func toYandexMessages(messages []chat.Message) []yandexMessage {
	out := make([]yandexMessage, 0, len(messages))
	for _, msg := range messages {
		text := msg.Text()
		role := string(msg.Role)
		switch msg.Role {
		case chat.RoleFunction:
			if msg.IsToolRequest() {
				continue
			}
			role = string(chat.RoleUser)
			text = fmt.Sprintf("Result of %s: %s", msg.ToolName, text)
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		out = append(out, yandexMessage{Role: role, Text: text})
	}
	return out
}
