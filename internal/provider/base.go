package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"github.com/sazonovanton/SirChatalot-sub000/internal/chat"
	"github.com/sazonovanton/SirChatalot-sub000/internal/config"
	"github.com/sazonovanton/SirChatalot-sub000/internal/logging"
	"github.com/sazonovanton/SirChatalot-sub000/internal/tokens"
)

const defaultContextTokens = 4096

const summaryPrompt = `You are summarizing an ongoing conversation between a user and an assistant so it can continue with less context.

Write a short summary in the language of the conversation. Keep:
- facts the user shared about themselves and their goals
- decisions, answers and open questions
- names, numbers and other specifics the assistant may need later

Do not add commentary. Output only the summary.`

// base holds what every adapter shares: model identity, budgets, pacing and
// the local token approximation.
type base struct {
	name          string
	model         chat.ModelInfo
	maxTokens     int
	contextTokens int
	temperature   float64
	defaultSystem string
	counter       *tokens.Counter
	limiter       *rate.Limiter
	httpClient    *http.Client
}

func newBase(name string, cfg config.LLMProviderConfig, defaultSystem string) base {
	contextTokens := cfg.ContextTokens
	if contextTokens <= 0 {
		contextTokens = defaultContextTokens
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return base{
		name: name,
		model: chat.ModelInfo{
			Name:            cfg.Model,
			PromptPrice:     cfg.PromptPrice,
			CompletionPrice: cfg.CompletionPrice,
		},
		maxTokens:     cfg.MaxTokens,
		contextTokens: contextTokens,
		temperature:   cfg.Temperature,
		defaultSystem: defaultSystem,
		counter:       tokens.NewCounter(cfg.ImageTokens),
		limiter:       limiter,
		httpClient:    &http.Client{Timeout: cfg.RequestTimeout},
	}
}

func (b *base) Name() string { return b.name }

func (b *base) Model() chat.ModelInfo { return b.model }

func (b *base) MaxTokens() int { return b.contextTokens }

// CountTokens approximates the prompt size with the reference vocabulary.
func (b *base) CountTokens(messages []chat.Message) int {
	return b.counter.Count(messages)
}

// withSystem returns messages with a leading system message, synthesizing the
// default one when missing.
func (b *base) withSystem(messages []chat.Message) []chat.Message {
	if len(messages) > 0 && messages[0].Role == chat.RoleSystem {
		return messages
	}
	out := make([]chat.Message, 0, len(messages)+1)
	out = append(out, chat.System(b.defaultSystem))
	return append(out, messages...)
}

func (b *base) wait(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return &Error{Kind: chat.ErrConnectionFailure, Err: err}
	}
	return nil
}

// fail converts err into a tagged failure message.
func (b *base) fail(err error) chat.Message {
	kind := Classify(err)
	logger := logging.Logger()
	if kind == chat.ErrUnknown {
		logger.Error("provider request failed", "provider", b.name, "model", b.model.Name, "kind", kind, "err", err)
	} else {
		logger.Warn("provider request failed", "provider", b.name, "model", b.model.Name, "kind", kind, "err", err)
	}
	msg := chat.Failure(kind)
	model := b.model
	msg.Model = &model
	return msg
}

// finish stamps provenance and usage. When the provider reported no usage the
// local approximation fills both counts.
func (b *base) finish(msg chat.Message, prompt []chat.Message, usage chat.Tokens) chat.Message {
	if usage.Prompt == 0 && usage.Completion == 0 {
		usage = chat.Tokens{
			Prompt:     b.counter.Count(prompt),
			Completion: b.counter.CountText(msg.Text()),
		}
	}
	msg.Tokens = usage
	model := b.model
	msg.Model = &model
	return msg
}

func (b *base) summarize(ctx context.Context, complete func(context.Context, ChatRequest) chat.Message, messages []chat.Message) (Summary, error) {
	transcript := buildTranscript(messages)
	if strings.TrimSpace(transcript) == "" {
		return Summary{}, errors.New("nothing to summarize")
	}
	resp := complete(ctx, ChatRequest{Messages: []chat.Message{
		chat.System(summaryPrompt),
		chat.User(transcript),
	}})
	if resp.Failed() {
		return Summary{Tokens: resp.Tokens}, fmt.Errorf("summarize conversation: %w", &Error{Kind: resp.Error, Message: resp.Text()})
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return Summary{Tokens: resp.Tokens}, errors.New("summarize conversation: empty summary")
	}
	return Summary{Text: text, Tokens: resp.Tokens}, nil
}

func buildTranscript(messages []chat.Message) string {
	var b strings.Builder
	for _, msg := range messages {
		if msg.Role == chat.RoleSystem {
			continue
		}
		text := strings.TrimSpace(msg.Text())
		if text == "" {
			continue
		}
		switch {
		case msg.IsToolRequest():
			fmt.Fprintf(&b, "assistant called tool %s with %s\n", msg.ToolName, msg.ToolArgs)
		case msg.Role == chat.RoleFunction:
			fmt.Fprintf(&b, "tool %s returned: %s\n", msg.ToolName, text)
		default:
			fmt.Fprintf(&b, "%s: %s\n", msg.Role, text)
		}
	}
	return b.String()
}

// postJSON sends payload and decodes a 2xx response into out. Non-2xx
// responses come back as *Error.
func (b *base) postJSON(ctx context.Context, url string, headers map[string]string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", b.name, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", b.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return &Error{Kind: chat.ErrConnectionFailure, Err: fmt.Errorf("%s request failed: %w", b.name, err)}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return &Error{Kind: chat.ErrConnectionFailure, Err: fmt.Errorf("read %s response: %w", b.name, err)}
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return statusError(httpResp.StatusCode, string(respBody))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode %s response: %w", b.name, err)
	}
	return nil
}
