package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sazonovanton/SirChatalot-sub000/internal/chat"
	"github.com/sazonovanton/SirChatalot-sub000/internal/logging"
	"github.com/sazonovanton/SirChatalot-sub000/internal/provider"
)

// ErrNotEnoughMessages is returned by Summarize when there is nothing older
// than the kept turns.
var ErrNotEnoughMessages = errors.New("not enough messages to summarize")

// trimTargetPercent is the share of the context budget Trim shrinks to.
const trimTargetPercent = 80

// TokenCounter counts the tokens of a message list.
type TokenCounter func([]chat.Message) int

// Summarizer condenses older turns into a summary.
type Summarizer interface {
	Summarize(ctx context.Context, messages []chat.Message) (provider.Summary, error)
}

// Trim removes the oldest non-system messages until the conversation fits in
// 80% of maxTokens, or until only the system message and one turn remain. It
// returns the trimmed copy and the number of removed messages.
func Trim(conv chat.Conversation, count TokenCounter, maxTokens int) (chat.Conversation, int) {
	out := conv.Clone()
	if maxTokens <= 0 {
		return out, 0
	}
	target := maxTokens * trimTargetPercent / 100
	head := headLen(out)

	removed := 0
	for len(out) > head+1 && count(out) > target {
		out = append(out[:head], out[head+1:]...)
		removed++
		// A tool result cannot open the history without its request.
		for len(out) > head+1 && isToolResult(out[head]) {
			out = append(out[:head], out[head+1:]...)
			removed++
		}
	}
	return out, removed
}

// Summarize replaces everything but the system message and the last keepLast
// messages with one assistant message holding a summary. The returned tokens
// are those spent on the summarization call itself.
func Summarize(ctx context.Context, conv chat.Conversation, s Summarizer, keepLast int) (chat.Conversation, chat.Tokens, error) {
	if keepLast < 0 {
		keepLast = 0
	}
	head := headLen(conv)
	body := conv[head:]
	if len(body) < keepLast+1 {
		return conv, chat.Tokens{}, ErrNotEnoughMessages
	}

	split := recentStart(body, len(body)-keepLast)
	if split <= 0 {
		return conv, chat.Tokens{}, ErrNotEnoughMessages
	}
	logging.Logger().Info(
		"history summarization triggered",
		"message_count", len(conv),
		"summarized", split,
		"kept", len(body)-split,
	)

	summary, err := s.Summarize(ctx, body[:split])
	if err != nil {
		return conv, summary.Tokens, fmt.Errorf("summarize history: %w", err)
	}
	text := strings.TrimSpace(summary.Text)
	if text == "" {
		return conv, summary.Tokens, errors.New("summarize history: empty summary")
	}

	out := make(chat.Conversation, 0, head+1+len(body)-split)
	out = append(out, conv[:head]...)
	out = append(out, chat.Assistant(fmt.Sprintf(summaryFormat, text)))
	out = append(out, body[split:]...)
	return out, summary.Tokens, nil
}

// recentStart adjusts the start of the kept window so it does not begin on a
// tool result. It expands backward to include the matching tool request when
// there is one, otherwise skips forward past the orphan results.
func recentStart(messages []chat.Message, start int) int {
	if start <= 0 || start >= len(messages) || !isToolResult(messages[start]) {
		return start
	}
	if prev := start - 1; messages[prev].IsToolRequest() {
		return prev
	}
	i := start
	for i < len(messages) && isToolResult(messages[i]) {
		i++
	}
	return i
}

func headLen(conv chat.Conversation) int {
	if conv.HasSystemHead() {
		return 1
	}
	return 0
}

func isToolResult(msg chat.Message) bool {
	return msg.Role == chat.RoleFunction && !msg.IsToolRequest()
}
