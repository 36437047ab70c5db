package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sazonovanton/SirChatalot-sub000/internal/chat"
	"github.com/sazonovanton/SirChatalot-sub000/internal/config"
)

func newTestAnthropic(t *testing.T, baseURL string) *anthropicProvider {
	t.Helper()
	p, err := newAnthropicProvider(config.LLMProviderConfig{
		Provider:       "anthropic",
		APIKey:         "test-key",
		Model:          "claude-sonnet-4-5",
		BaseURL:        baseURL,
		MaxTokens:      256,
		RequestTimeout: 5 * time.Second,
	}, "default system")
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return p
}

func TestAnthropicProviderComplete_RequestAndResponse(t *testing.T) {
	var gotAPIKey string
	var gotReq map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		gotAPIKey = r.Header.Get("X-Api-Key")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decode request: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id":"msg_1",
			"type":"message",
			"role":"assistant",
			"model":"claude-sonnet-4-5",
			"content":[
				{"type":"text","text":"I can call a tool."},
				{"type":"tool_use","id":"toolu_1","name":"web_search","input":{"query":"SF weather"}}
			],
			"stop_reason":"tool_use",
			"stop_sequence":"",
			"usage":{"input_tokens":21,"output_tokens":9}
		}`))
	}))
	defer srv.Close()

	p := newTestAnthropic(t, srv.URL)
	msg := p.Complete(context.Background(), ChatRequest{
		Messages: []chat.Message{
			chat.System("be concise"),
			chat.User("weather in SF?"),
			chat.User("and tomorrow?"),
		},
		Tools: []ToolDefinition{{
			Name:        "web_search",
			Description: "Search the web",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string"},
				},
				"required": []any{"query"},
			},
		}},
	})

	if gotAPIKey != "test-key" {
		t.Fatalf("unexpected api key header: %q", gotAPIKey)
	}
	if gotReq["model"] != "claude-sonnet-4-5" {
		t.Fatalf("unexpected model in request: %#v", gotReq["model"])
	}
	if int(gotReq["max_tokens"].(float64)) != 256 {
		t.Fatalf("unexpected max_tokens: %#v", gotReq["max_tokens"])
	}
	system := gotReq["system"].([]any)
	if system[0].(map[string]any)["text"] != "be concise" {
		t.Fatalf("expected system prompt in top-level field, got %#v", system)
	}
	turns := gotReq["messages"].([]any)
	if len(turns) != 1 {
		t.Fatalf("expected consecutive user turns merged into one, got %d", len(turns))
	}
	if blocks := turns[0].(map[string]any)["content"].([]any); len(blocks) != 2 {
		t.Fatalf("expected merged turn with 2 blocks, got %#v", blocks)
	}

	if !msg.IsToolRequest() || msg.ToolID != "toolu_1" || msg.ToolName != "web_search" {
		t.Fatalf("unexpected message: %#v", msg)
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(msg.ToolArgs), &args); err != nil || args["query"] != "SF weather" {
		t.Fatalf("unexpected tool args %q: %v", msg.ToolArgs, err)
	}
	if msg.FinishReason != chat.FinishToolCalls {
		t.Fatalf("unexpected finish reason: %q", msg.FinishReason)
	}
	if msg.Tokens != (chat.Tokens{Prompt: 21, Completion: 9}) {
		t.Fatalf("unexpected usage: %+v", msg.Tokens)
	}
}

func TestAnthropicProviderComplete_RateLimited(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer srv.Close()

	msg := newTestAnthropic(t, srv.URL).Complete(context.Background(), ChatRequest{Messages: []chat.Message{chat.User("hi")}})
	if msg.Error != chat.ErrRateLimited {
		t.Fatalf("expected rate limited, got %q", msg.Error)
	}
	if calls != 1 {
		t.Fatalf("expected no automatic retry, got %d calls", calls)
	}
}

func TestToAnthropicMessages_AlternationAndTools(t *testing.T) {
	system, turns, err := toAnthropicMessages([]chat.Message{
		chat.System("sys"),
		chat.Assistant("<Previous conversation summary: user likes Go>"),
		chat.User("search go news"),
		chat.ToolRequest("toolu_1", "web_search", `{"query":"go news"}`),
		chat.ToolResult("toolu_1", "web_search", "Go 1.24 released"),
		chat.Assistant("Go 1.24 is out."),
	})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if system != "sys" {
		t.Fatalf("unexpected system: %q", system)
	}

	wantRoles := []string{"user", "assistant", "user", "assistant", "user", "assistant"}
	if len(turns) != len(wantRoles) {
		t.Fatalf("expected %d turns, got %d", len(wantRoles), len(turns))
	}
	for i, want := range wantRoles {
		if string(turns[i].Role) != want {
			t.Fatalf("turn %d: expected role %s, got %s", i, want, turns[i].Role)
		}
	}
	if turns[0].Content[0].OfText == nil || turns[0].Content[0].OfText.Text != continuationPrompt {
		t.Fatalf("expected synthetic opening user turn, got %#v", turns[0])
	}
	if turns[3].Content[0].OfToolUse == nil || turns[3].Content[0].OfToolUse.Name != "web_search" {
		t.Fatalf("expected tool_use block, got %#v", turns[3])
	}
	if turns[4].Content[0].OfToolResult == nil || turns[4].Content[0].OfToolResult.ToolUseID != "toolu_1" {
		t.Fatalf("expected tool_result block, got %#v", turns[4])
	}
}

func TestToAnthropicMessages_RejectsToolResultWithoutID(t *testing.T) {
	_, _, err := toAnthropicMessages([]chat.Message{chat.ToolResult("", "web_search", "x")})
	if err == nil {
		t.Fatalf("expected error for tool result without id")
	}
}
