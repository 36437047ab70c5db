package agent

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sazonovanton/SirChatalot-sub000/internal/chat"
	"github.com/sazonovanton/SirChatalot-sub000/internal/config"
	"github.com/sazonovanton/SirChatalot-sub000/internal/costs"
	"github.com/sazonovanton/SirChatalot-sub000/internal/provider"
	"github.com/sazonovanton/SirChatalot-sub000/internal/session"
	"github.com/sazonovanton/SirChatalot-sub000/internal/tools"
)

type testEnv struct {
	engine *Engine
	store  *session.Store
	usage  *costs.Accountant
	ledger *costs.Ledger
}

func newTestEngine(t *testing.T, p provider.Provider, features config.FeaturesConfig, registry *tools.Registry) testEnv {
	t.Helper()
	dir := t.TempDir()
	backend, err := session.NewFileBackend(filepath.Join(dir, "store"))
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	store := session.New(backend, nil)
	ledger := costs.NewLedger(filepath.Join(dir, "costs.jsonl"))
	usage := costs.NewAccountant(backend, ledger, costs.Prices{PromptPer1K: 1, CompletionPer1K: 2}, "script", "script-model")

	engine, err := New(Options{
		Provider:      p,
		Store:         store,
		Usage:         usage,
		Tools:         registry,
		SystemMessage: "You are a helpful assistant.",
		Features:      features,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return testEnv{engine: engine, store: store, usage: usage, ledger: ledger}
}

func TestEngineChatPersistsTurnAndRecordsUsage(t *testing.T) {
	answer := chat.Assistant("Hi there")
	answer.Tokens = chat.Tokens{Prompt: 12, Completion: 5}
	p := &scriptProvider{responses: []chat.Message{answer}}
	env := newTestEngine(t, p, config.FeaturesConfig{}, nil)
	ctx := context.Background()

	reply := env.engine.Chat(ctx, 7, "Hello")
	if reply.Text != "Hi there" || reply.Error != "" || reply.Failed {
		t.Fatalf("unexpected reply: %#v", reply)
	}

	conv, ok, err := env.store.Load(ctx, 7)
	if err != nil || !ok {
		t.Fatalf("load conversation: ok=%v err=%v", ok, err)
	}
	if len(conv) != 3 {
		t.Fatalf("expected [system, user, assistant], got %d messages", len(conv))
	}
	wantRoles := []chat.Role{chat.RoleSystem, chat.RoleUser, chat.RoleAssistant}
	for i, role := range wantRoles {
		if conv[i].Role != role {
			t.Fatalf("message %d: expected role %q, got %q", i, role, conv[i].Role)
		}
	}
	if conv[0].Text() != "You are a helpful assistant." || conv[1].Text() != "Hello" {
		t.Fatalf("unexpected stored conversation: %#v", conv)
	}

	usage, err := env.usage.Usage(ctx, 7)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if usage.MessagesSent != 1 || usage.PromptTokens != 12 || usage.CompletionTokens != 5 {
		t.Fatalf("unexpected usage: %+v", usage)
	}
}

func TestEngineChatAccumulatesHistory(t *testing.T) {
	p := &scriptProvider{responses: []chat.Message{chat.Assistant("r1"), chat.Assistant("r2")}}
	env := newTestEngine(t, p, config.FeaturesConfig{}, nil)
	ctx := context.Background()

	env.engine.Chat(ctx, 1, "one")
	env.engine.Chat(ctx, 1, "two")

	if len(p.requests) != 2 {
		t.Fatalf("expected 2 provider requests, got %d", len(p.requests))
	}
	if got := len(p.requests[1].Messages); got != 4 {
		t.Fatalf("expected second request to include prior history, got %d messages", got)
	}
}

func TestEngineChatTrimsToBudget(t *testing.T) {
	p := &scriptProvider{responses: []chat.Message{chat.Assistant("ok")}, maxTokens: 50}
	env := newTestEngine(t, p, config.FeaturesConfig{}, nil)
	ctx := context.Background()

	conv := chat.NewConversation("You are a helpful assistant.")
	for i := 0; i < 10; i++ {
		conv = append(conv, chat.User(fmt.Sprintf("q%d", i)), chat.Assistant(fmt.Sprintf("a%d", i)))
	}
	if err := env.store.Overwrite(ctx, 3, conv); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}

	env.engine.Chat(ctx, 3, "newest")
	sent := p.requests[0].Messages
	if got := p.CountTokens(sent); got > 40 {
		t.Fatalf("expected request within 80%% of budget, got %d tokens", got)
	}
	if sent[0].Role != chat.RoleSystem {
		t.Fatalf("expected system message at index 0, got %q", sent[0].Role)
	}
	if sent[len(sent)-1].Text() != "newest" {
		t.Fatalf("expected newest user message last, got %q", sent[len(sent)-1].Text())
	}
}

func TestEngineChatSummarizesOnOverflow(t *testing.T) {
	p := &scriptProvider{responses: []chat.Message{chat.Assistant("ok")}, maxTokens: 60, summary: "earlier chatter"}
	features := config.FeaturesConfig{SummarizeOnOverflow: true, SummaryKeepLast: 2}
	env := newTestEngine(t, p, features, nil)
	ctx := context.Background()

	conv := chat.NewConversation("You are a helpful assistant.")
	for i := 0; i < 5; i++ {
		conv = append(conv, chat.User(fmt.Sprintf("q%d", i)), chat.Assistant(fmt.Sprintf("a%d", i)))
	}
	if err := env.store.Overwrite(ctx, 4, conv); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}

	env.engine.Chat(ctx, 4, "newest")
	sent := p.requests[0].Messages
	if len(sent) != 4 {
		t.Fatalf("expected system + summary + 2 kept, got %d", len(sent))
	}
	if !strings.Contains(sent[1].Text(), "earlier chatter") {
		t.Fatalf("expected summary message, got %q", sent[1].Text())
	}

	usage, err := env.usage.Usage(ctx, 4)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if usage.PromptTokens != 7 || usage.CompletionTokens != 3 {
		t.Fatalf("expected summary tokens recorded, got %+v", usage)
	}
}

func TestEngineChatTrimsWhenSummaryFails(t *testing.T) {
	p := &scriptProvider{responses: []chat.Message{chat.Assistant("ok")}, maxTokens: 60}
	features := config.FeaturesConfig{SummarizeOnOverflow: true, SummaryKeepLast: 2}
	env := newTestEngine(t, p, features, nil)
	ctx := context.Background()

	conv := chat.NewConversation("You are a helpful assistant.")
	for i := 0; i < 3; i++ {
		conv = append(conv, chat.User(fmt.Sprintf("q%d", i)), chat.Assistant(fmt.Sprintf("a%d", i)))
	}
	if err := env.store.Overwrite(ctx, 6, conv); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}

	reply := env.engine.Chat(ctx, 6, "newest")
	if reply.Text != "ok" || reply.Error != "" {
		t.Fatalf("expected the turn to succeed after trimming, got %#v", reply)
	}
	if p.calls() != 1 {
		t.Fatalf("expected one completion request, got %d", p.calls())
	}
	sent := p.requests[0].Messages
	if got := p.CountTokens(sent); got > 48 {
		t.Fatalf("expected request within 80%% of budget, got %d tokens", got)
	}
	if sent[0].Role != chat.RoleSystem {
		t.Fatalf("expected system message at index 0, got %q", sent[0].Role)
	}
	if sent[len(sent)-1].Text() != "newest" {
		t.Fatalf("expected newest user message last, got %q", sent[len(sent)-1].Text())
	}
	if len(sent) != 4 || sent[1].Text() != "q2" || sent[2].Text() != "a2" {
		t.Fatalf("expected oldest turns dropped with no summary, got %d messages starting %q", len(sent), sent[1].Text())
	}
}

func TestEngineChatRateLimitedLeavesConversationUnchanged(t *testing.T) {
	p := &scriptProvider{responses: []chat.Message{chat.Assistant("first"), chat.Failure(chat.ErrRateLimited)}}
	env := newTestEngine(t, p, config.FeaturesConfig{}, nil)
	ctx := context.Background()

	env.engine.Chat(ctx, 9, "hello")
	before, _, _ := env.store.Load(ctx, 9)

	reply := env.engine.Chat(ctx, 9, "again")
	if reply.Error != chat.ErrRateLimited {
		t.Fatalf("expected RateLimited, got %q", reply.Error)
	}
	if reply.Text != chat.ErrRateLimited.UserText() {
		t.Fatalf("unexpected reply text: %q", reply.Text)
	}
	after, _, _ := env.store.Load(ctx, 9)
	if len(after) != len(before) {
		t.Fatalf("expected conversation unchanged, before=%d after=%d", len(before), len(after))
	}

	usage, _ := env.usage.Usage(ctx, 9)
	if usage.MessagesSent != 1 {
		t.Fatalf("expected failed turn not counted as sent, got %d", usage.MessagesSent)
	}
}

func TestEngineChatBadRequestDeletesConversationWhenEnabled(t *testing.T) {
	p := &scriptProvider{responses: []chat.Message{chat.Assistant("first"), chat.Failure(chat.ErrBadRequest)}}
	env := newTestEngine(t, p, config.FeaturesConfig{DeleteChatOnError: true}, nil)
	ctx := context.Background()

	env.engine.Chat(ctx, 2, "hello")
	reply := env.engine.Chat(ctx, 2, "too long")
	if reply.Error != chat.ErrBadRequest || reply.Text != chatDeletedText {
		t.Fatalf("unexpected reply: %#v", reply)
	}
	if _, ok, _ := env.store.Load(ctx, 2); ok {
		t.Fatalf("expected conversation deleted")
	}
}

func TestEngineChatBadRequestKeepsConversationByDefault(t *testing.T) {
	p := &scriptProvider{responses: []chat.Message{chat.Assistant("first"), chat.Failure(chat.ErrBadRequest)}}
	env := newTestEngine(t, p, config.FeaturesConfig{}, nil)
	ctx := context.Background()

	env.engine.Chat(ctx, 2, "hello")
	reply := env.engine.Chat(ctx, 2, "too long")
	if !strings.Contains(reply.Text, "/reset") {
		t.Fatalf("expected reset hint, got %q", reply.Text)
	}
	if _, ok, _ := env.store.Load(ctx, 2); !ok {
		t.Fatalf("expected conversation kept")
	}
}

func TestEngineChatImageRefusedWithoutVision(t *testing.T) {
	p := &scriptProvider{responses: []chat.Message{chat.Assistant("unused")}}
	env := newTestEngine(t, p, config.FeaturesConfig{}, nil)

	reply := env.engine.ChatImage(context.Background(), 5, "what is this", "aW1n", "image/jpeg")
	if reply.Text != visionDisabledText {
		t.Fatalf("expected vision refusal, got %q", reply.Text)
	}
	if p.calls() != 0 {
		t.Fatalf("expected no provider call")
	}
}

func TestEngineChatImageRefusedWhenProviderCannotReadImages(t *testing.T) {
	p := &scriptProvider{responses: []chat.Message{chat.Assistant("unused")}}
	env := newTestEngine(t, p, config.FeaturesConfig{Vision: true}, nil)
	ctx := context.Background()

	reply := env.engine.ChatImage(ctx, 5, "what is this", "aW1n", "image/jpeg")
	if reply.Text != visionDisabledText {
		t.Fatalf("expected vision refusal, got %q", reply.Text)
	}
	if p.calls() != 0 {
		t.Fatalf("expected no provider call, got %d", p.calls())
	}
	if _, ok, err := env.store.Load(ctx, 5); err != nil || ok {
		t.Fatalf("expected refused image not to be stored, ok=%v err=%v", ok, err)
	}
}

func TestEngineChatImageWithVision(t *testing.T) {
	p := &scriptProvider{responses: []chat.Message{chat.Assistant("a cat")}}
	env := newTestEngine(t, visionProvider{p}, config.FeaturesConfig{Vision: true}, nil)
	ctx := context.Background()

	reply := env.engine.ChatImage(ctx, 5, "what is this", "aW1n", "image/jpeg")
	if reply.Text != "a cat" {
		t.Fatalf("unexpected reply: %q", reply.Text)
	}
	sent := p.requests[0].Messages
	if _, ok := sent[len(sent)-1].Content.(chat.ImageContent); !ok {
		t.Fatalf("expected image content in request, got %T", sent[len(sent)-1].Content)
	}
}

func TestEngineChatModerationRejects(t *testing.T) {
	p := &moderatingProvider{scriptProvider: &scriptProvider{
		responses: []chat.Message{chat.Assistant("unused")},
		flagged:   map[string]bool{"bad words": true},
	}}
	env := newTestEngine(t, p, config.FeaturesConfig{Moderation: true}, nil)

	reply := env.engine.Chat(context.Background(), 1, "bad words")
	if reply.Error != chat.ErrModerationRejected {
		t.Fatalf("expected moderation rejection, got %#v", reply)
	}
	if p.calls() != 0 {
		t.Fatalf("expected no completion call")
	}
}

func TestEngineChatModerationFailsOpen(t *testing.T) {
	p := &moderatingProvider{
		scriptProvider: &scriptProvider{responses: []chat.Message{chat.Assistant("hello")}},
		err:            errors.New("moderation down"),
	}
	env := newTestEngine(t, p, config.FeaturesConfig{Moderation: true}, nil)

	reply := env.engine.Chat(context.Background(), 1, "hi")
	if reply.Text != "hello" {
		t.Fatalf("expected message to pass through, got %#v", reply)
	}
	if len(p.moderated) != 1 {
		t.Fatalf("expected one moderation call, got %d", len(p.moderated))
	}
}

func TestEngineSpendLimitBlocksLLMCall(t *testing.T) {
	p := &scriptProvider{responses: []chat.Message{chat.Assistant("unused")}}
	env := newTestEngine(t, p, config.FeaturesConfig{}, nil)
	env.engine.limits = config.CostsConfig{DailyLimit: 1}
	ctx := context.Background()

	if err := env.ledger.Append(ctx, costs.Record{Timestamp: time.Now(), CostUSD: 2}); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}

	reply := env.engine.Chat(ctx, 1, "hi")
	if reply.Text != spendLimitText {
		t.Fatalf("expected spend limit reply, got %q", reply.Text)
	}
	if p.calls() != 0 {
		t.Fatalf("expected no provider call")
	}
}

func TestEngineToolLoopEndToEnd(t *testing.T) {
	registry := tools.NewRegistry()
	if err := registry.Register(fakeTool{name: "generate_image", err: errors.New("policy violation")}); err != nil {
		t.Fatalf("register tool: %v", err)
	}
	p := &scriptProvider{responses: []chat.Message{
		chat.ToolRequest("call_1", "generate_image", `{"prompt":"forbidden"}`),
		chat.Assistant("That image is not allowed."),
	}}
	env := newTestEngine(t, p, config.FeaturesConfig{Functions: true, MaxToolResubmissions: 1}, registry)
	ctx := context.Background()

	reply := env.engine.Chat(ctx, 11, "draw something forbidden")
	if reply.Text != "That image is not allowed." || reply.Image != nil {
		t.Fatalf("unexpected reply: %#v", reply)
	}
	conv, _, _ := env.store.Load(ctx, 11)
	if len(conv) != 5 {
		t.Fatalf("expected system, user, request, result, answer; got %d", len(conv))
	}
	if conv[3].Error != chat.ErrToolDispatchFailure || !strings.Contains(conv[3].Text(), "policy violation") {
		t.Fatalf("expected failed function result in history, got %#v", conv[3])
	}
}

func TestEngineFunctionsDisabledSendsNoTools(t *testing.T) {
	registry := tools.NewRegistry()
	if err := registry.Register(fakeTool{name: "web_search", output: "x"}); err != nil {
		t.Fatalf("register tool: %v", err)
	}
	p := &scriptProvider{responses: []chat.Message{chat.Assistant("ok")}}
	env := newTestEngine(t, p, config.FeaturesConfig{}, registry)

	env.engine.Chat(context.Background(), 1, "hi")
	if len(p.requests[0].Tools) != 0 {
		t.Fatalf("expected no tools when functions are disabled, got %d", len(p.requests[0].Tools))
	}
}

func TestEngineImageReplyRecordsImageUsage(t *testing.T) {
	registry := tools.NewRegistry()
	if err := registry.Register(fakeTool{name: "generate_image", output: "a fox", image: "aW1n"}); err != nil {
		t.Fatalf("register tool: %v", err)
	}
	p := &scriptProvider{responses: []chat.Message{chat.ToolRequest("call_1", "generate_image", `{"prompt":"fox"}`)}}
	env := newTestEngine(t, p, config.FeaturesConfig{Functions: true, MaxToolResubmissions: 1}, registry)
	ctx := context.Background()

	reply := env.engine.Chat(ctx, 6, "draw a fox")
	if reply.Image == nil || reply.Image.Base64 != "aW1n" || reply.Text != "a fox" {
		t.Fatalf("unexpected reply: %#v", reply)
	}
	usage, _ := env.usage.Usage(ctx, 6)
	if usage.ImagesGenerated != 1 {
		t.Fatalf("expected one generated image recorded, got %+v", usage)
	}
}

func TestEngineResetAndSessions(t *testing.T) {
	p := &scriptProvider{responses: []chat.Message{chat.Assistant("ok")}}
	env := newTestEngine(t, p, config.FeaturesConfig{}, nil)
	ctx := context.Background()

	if _, err := env.engine.SaveSession(ctx, 8, ""); !errors.Is(err, session.ErrNoConversation) {
		t.Fatalf("expected ErrNoConversation before any turn, got %v", err)
	}

	env.engine.Chat(ctx, 8, "remember me")
	name, err := env.engine.SaveSession(ctx, 8, "first")
	if err != nil || name != "first" {
		t.Fatalf("save session: name=%q err=%v", name, err)
	}
	sessions, err := env.engine.ListSessions(ctx, 8)
	if err != nil || len(sessions) != 1 {
		t.Fatalf("list sessions: %#v err=%v", sessions, err)
	}

	deleted, err := env.engine.Reset(ctx, 8)
	if err != nil || !deleted {
		t.Fatalf("reset: deleted=%v err=%v", deleted, err)
	}
	if _, ok, _ := env.store.Load(ctx, 8); ok {
		t.Fatalf("expected conversation gone after reset")
	}

	if err := env.engine.LoadSession(ctx, 8, "first"); err != nil {
		t.Fatalf("load session: %v", err)
	}
	conv, ok, _ := env.store.Load(ctx, 8)
	if !ok || len(conv) != 3 || conv[1].Text() != "remember me" {
		t.Fatalf("expected restored conversation, got %#v", conv)
	}

	if err := env.engine.DeleteSession(ctx, 8, "first"); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if err := env.engine.DeleteSession(ctx, 8, "first"); !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestEngineStats(t *testing.T) {
	answer := chat.Assistant("ok")
	answer.Tokens = chat.Tokens{Prompt: 1000, Completion: 500}
	p := &scriptProvider{responses: []chat.Message{answer}}
	env := newTestEngine(t, p, config.FeaturesConfig{}, nil)
	ctx := context.Background()

	env.engine.Chat(ctx, 4, "hi")
	if _, err := env.engine.SaveSession(ctx, 4, "s"); err != nil {
		t.Fatalf("save session: %v", err)
	}

	st, err := env.engine.Stats(ctx, 4)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Usage.MessagesSent != 1 || st.Messages != 3 || st.Sessions != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if st.CostUSD < 1.999 || st.CostUSD > 2.001 {
		t.Fatalf("expected cost 2.0, got %f", st.CostUSD)
	}
}

func TestEngineExpireIdle(t *testing.T) {
	p := &scriptProvider{responses: []chat.Message{chat.Assistant("ok")}}
	env := newTestEngine(t, p, config.FeaturesConfig{}, nil)
	ctx := context.Background()

	env.engine.Chat(ctx, 1, "hi")
	env.engine.Chat(ctx, 2, "hi")

	expired, err := env.engine.ExpireIdle(ctx, time.Hour)
	if err != nil || expired != 0 {
		t.Fatalf("expected nothing expired yet, got %d err=%v", expired, err)
	}

	env.engine.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	expired, err = env.engine.ExpireIdle(ctx, time.Hour)
	if err != nil || expired != 2 {
		t.Fatalf("expected 2 expired, got %d err=%v", expired, err)
	}
	infos, _ := env.store.Conversations(ctx)
	if len(infos) != 0 {
		t.Fatalf("expected no live conversations, got %d", len(infos))
	}
}

func TestEngineSerializesTurnsPerUser(t *testing.T) {
	p := &scriptProvider{responses: []chat.Message{chat.Assistant("ok")}}
	env := newTestEngine(t, p, config.FeaturesConfig{}, nil)
	ctx := context.Background()

	const turns = 8
	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			env.engine.Chat(ctx, 1, fmt.Sprintf("message %d", i))
		}(i)
	}
	wg.Wait()

	conv, _, _ := env.store.Load(ctx, 1)
	if len(conv) != 1+2*turns {
		t.Fatalf("expected %d messages, got %d", 1+2*turns, len(conv))
	}
	usage, _ := env.usage.Usage(ctx, 1)
	if usage.MessagesSent != turns {
		t.Fatalf("expected %d messages sent, got %d", turns, usage.MessagesSent)
	}
}

func TestNewRequiresProviderAndStore(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected error without provider")
	}
	if _, err := New(Options{Provider: &scriptProvider{}}); err == nil {
		t.Fatalf("expected error without store")
	}
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	m := newKeyedMutex()
	unlockA := m.Lock(1)
	unlockB := m.Lock(2)
	if m.size() != 2 {
		t.Fatalf("expected 2 entries, got %d", m.size())
	}

	acquired := make(chan struct{})
	go func() {
		unlock := m.Lock(1)
		close(acquired)
		unlock()
	}()
	select {
	case <-acquired:
		t.Fatalf("second lock on the same key must wait")
	case <-time.After(20 * time.Millisecond):
	}

	unlockA()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("waiter never acquired the lock")
	}
	unlockB()

	deadline := time.Now().Add(time.Second)
	for m.size() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if m.size() != 0 {
		t.Fatalf("expected entries released, got %d", m.size())
	}
}
