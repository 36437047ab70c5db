package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/sazonovanton/SirChatalot-sub000/internal/chat"
	"github.com/sazonovanton/SirChatalot-sub000/internal/config"
	"github.com/sazonovanton/SirChatalot-sub000/internal/provider"
)

func createTestHome(t *testing.T) string {
	t.Helper()
	homeDir := filepath.Join(t.TempDir(), ".chatalot")
	t.Setenv("CHATALOT_HOME", homeDir)
	return homeDir
}

func writeValidConfig(t *testing.T, homeDir string) {
	t.Helper()
	writeConfig(t, homeDir, "")
}

func writeConfig(t *testing.T, homeDir, extra string) {
	t.Helper()
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		t.Fatalf("mkdir home dir: %v", err)
	}
	configBody := `
[llm.default]
api_key = "test-key"
provider = "openai"
model = "gpt-4o-mini"

[channels.telegram]
enabled = true
token = "telegram-token"
allowed_users = [123456789]
` + extra
	if err := os.WriteFile(filepath.Join(homeDir, "config.toml"), []byte(configBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

// useFakeProvider swaps the provider factory for the duration of the test.
func useFakeProvider(t *testing.T, answer string) {
	t.Helper()
	orig := providerFactory
	t.Cleanup(func() { providerFactory = orig })
	providerFactory = func(_ config.LLMProviderConfig, _ string) (provider.Provider, error) {
		return fakeProvider{answer: answer}, nil
	}
}

func runRoot(t *testing.T, in string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	out := &syncBuffer{}
	cmd.SetIn(strings.NewReader(in))
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// syncBuffer is shared by the prompt loop and dispatch goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fakeProvider struct {
	answer string
}

func (p fakeProvider) Name() string { return "openai" }

func (p fakeProvider) Model() chat.ModelInfo {
	return chat.ModelInfo{Name: "gpt-4o-mini"}
}

func (p fakeProvider) MaxTokens() int { return 0 }

func (p fakeProvider) Complete(_ context.Context, _ provider.ChatRequest) chat.Message {
	msg := chat.Assistant(p.answer)
	msg.Tokens = chat.Tokens{Prompt: 10, Completion: 5}
	return msg
}

func (p fakeProvider) Summarize(context.Context, []chat.Message) (provider.Summary, error) {
	return provider.Summary{Text: "summary"}, nil
}

func (p fakeProvider) CountTokens(msgs []chat.Message) int {
	return 10 * len(msgs)
}
