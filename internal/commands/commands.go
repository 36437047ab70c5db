// Package commands provides channel-agnostic slash command handling.
package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/shlex"

	"github.com/sazonovanton/SirChatalot-sub000/internal/agent"
	"github.com/sazonovanton/SirChatalot-sub000/internal/runtime"
	"github.com/sazonovanton/SirChatalot-sub000/internal/session"
)

const (
	startText = "Hi! I'm Sir Chatalot, your chat assistant. Send me a message to begin, or /help to see what I can do."
	helpText  = `Commands:
/reset - start a new conversation
/save [name] - save the current conversation
/sessions - list saved conversations
/load <name> - restore a saved conversation
/delsession <name> - delete a saved conversation
/stats - show your usage
/help - show this message`
)

// Engine is the part of the chat engine commands operate on.
type Engine interface {
	Reset(ctx context.Context, userID int64) (bool, error)
	SaveSession(ctx context.Context, userID int64, name string) (string, error)
	ListSessions(ctx context.Context, userID int64) ([]session.SessionInfo, error)
	LoadSession(ctx context.Context, userID int64, name string) error
	DeleteSession(ctx context.Context, userID int64, name string) error
	Stats(ctx context.Context, userID int64) (agent.Stats, error)
}

// Handler dispatches supported slash commands.
type Handler struct {
	engine Engine
}

// New creates a new slash command handler.
func New(engine Engine) *Handler {
	return &Handler{engine: engine}
}

// Handle executes one command and reports whether it was handled.
func (h *Handler) Handle(ctx context.Context, userID int64, text string, w runtime.ResponseWriter) (handled bool, err error) {
	if w == nil {
		return false, errors.New("response writer is required")
	}
	name, args, ok := parse(text)
	if !ok {
		return false, nil
	}

	switch name {
	case "/start":
		return true, w.WriteMessage(ctx, startText)
	case "/help", "/commands":
		return true, w.WriteMessage(ctx, helpText)
	case "/reset", "/new":
		return true, h.handleReset(ctx, userID, w)
	case "/save":
		return true, h.handleSave(ctx, userID, args, w)
	case "/sessions":
		return true, h.handleSessions(ctx, userID, w)
	case "/load":
		return true, h.handleLoad(ctx, userID, args, w)
	case "/delsession":
		return true, h.handleDeleteSession(ctx, userID, args, w)
	case "/stats":
		return true, h.handleStats(ctx, userID, w)
	default:
		return false, nil
	}
}

func (h *Handler) handleReset(ctx context.Context, userID int64, w runtime.ResponseWriter) error {
	if h.engine == nil {
		return errors.New("reset command is unavailable")
	}
	deleted, err := h.engine.Reset(ctx, userID)
	if err != nil {
		return err
	}
	if !deleted {
		return w.WriteMessage(ctx, "Nothing to reset.")
	}
	return w.WriteMessage(ctx, "Conversation cleared.")
}

func (h *Handler) handleSave(ctx context.Context, userID int64, args []string, w runtime.ResponseWriter) error {
	if h.engine == nil {
		return errors.New("save command is unavailable")
	}
	name, err := h.engine.SaveSession(ctx, userID, strings.Join(args, " "))
	if errors.Is(err, session.ErrNoConversation) {
		return w.WriteMessage(ctx, "There is nothing to save yet.")
	}
	if err != nil {
		return err
	}
	return w.WriteMessage(ctx, fmt.Sprintf("Conversation saved as %q.", name))
}

func (h *Handler) handleSessions(ctx context.Context, userID int64, w runtime.ResponseWriter) error {
	if h.engine == nil {
		return errors.New("sessions command is unavailable")
	}
	sessions, err := h.engine.ListSessions(ctx, userID)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		return w.WriteMessage(ctx, "No saved conversations.")
	}
	var b strings.Builder
	b.WriteString("Saved conversations:\n")
	for i, s := range sessions {
		_, _ = fmt.Fprintf(&b, "%d. %s (%d messages, %s)", i+1, s.Name, s.Messages, s.SavedAt.Format(session.SessionNameLayout))
		if i < len(sessions)-1 {
			b.WriteByte('\n')
		}
	}
	return w.WriteMessage(ctx, b.String())
}

func (h *Handler) handleLoad(ctx context.Context, userID int64, args []string, w runtime.ResponseWriter) error {
	if h.engine == nil {
		return errors.New("load command is unavailable")
	}
	if len(args) == 0 {
		return w.WriteMessage(ctx, "Usage: /load <name>")
	}
	name := strings.Join(args, " ")
	err := h.engine.LoadSession(ctx, userID, name)
	if errors.Is(err, session.ErrSessionNotFound) {
		return w.WriteMessage(ctx, fmt.Sprintf("No saved conversation named %q.", name))
	}
	if err != nil {
		return err
	}
	return w.WriteMessage(ctx, fmt.Sprintf("Conversation %q restored.", name))
}

func (h *Handler) handleDeleteSession(ctx context.Context, userID int64, args []string, w runtime.ResponseWriter) error {
	if h.engine == nil {
		return errors.New("delsession command is unavailable")
	}
	if len(args) == 0 {
		return w.WriteMessage(ctx, "Usage: /delsession <name>")
	}
	name := strings.Join(args, " ")
	err := h.engine.DeleteSession(ctx, userID, name)
	if errors.Is(err, session.ErrSessionNotFound) {
		return w.WriteMessage(ctx, fmt.Sprintf("No saved conversation named %q.", name))
	}
	if err != nil {
		return err
	}
	return w.WriteMessage(ctx, fmt.Sprintf("Conversation %q deleted.", name))
}

func (h *Handler) handleStats(ctx context.Context, userID int64, w runtime.ResponseWriter) error {
	if h.engine == nil {
		return errors.New("stats command is unavailable")
	}
	st, err := h.engine.Stats(ctx, userID)
	if err != nil {
		return err
	}
	return w.WriteMessage(ctx, FormatStats(st))
}

// FormatStats renders usage stats for display.
func FormatStats(st agent.Stats) string {
	var b strings.Builder
	_, _ = fmt.Fprintf(&b, "Messages sent: %d\n", st.Usage.MessagesSent)
	if st.Usage.VoiceMessagesSent > 0 {
		_, _ = fmt.Fprintf(&b, "Voice messages: %d (%d s)\n", st.Usage.VoiceMessagesSent, st.Usage.SpeechSeconds)
	}
	_, _ = fmt.Fprintf(&b, "Tokens: %d prompt, %d completion\n", st.Usage.PromptTokens, st.Usage.CompletionTokens)
	if st.Usage.ImagesGenerated > 0 {
		_, _ = fmt.Fprintf(&b, "Images generated: %d\n", st.Usage.ImagesGenerated)
	}
	_, _ = fmt.Fprintf(&b, "Current conversation: %d messages\n", st.Messages)
	_, _ = fmt.Fprintf(&b, "Saved conversations: %d\n", st.Sessions)
	_, _ = fmt.Fprintf(&b, "Estimated cost: $%.4f", st.CostUSD)
	return b.String()
}

// Router dispatches slash commands before delegating to the next runtime.Handler.
type Router struct {
	Commands *Handler
	Next     runtime.Handler
}

// HandleMessage runs command dispatch first, then forwards non-command input.
func (r Router) HandleMessage(ctx context.Context, w runtime.ResponseWriter, msg *runtime.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	if r.Next == nil {
		return errors.New("next handler is required")
	}
	if r.Commands != nil && msg.Image == nil && msg.Document == nil {
		handled, err := r.Commands.Handle(ctx, msg.UserID, msg.Text, w)
		if handled || err != nil {
			return err
		}
	}
	return r.Next.HandleMessage(ctx, w, msg)
}

// parse splits a slash command into its lowercased name and arguments. A
// Telegram bot suffix such as /start@SirChatalotBot is dropped.
func parse(text string) (string, []string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	tokens, err := shlex.Split(text)
	if err != nil || len(tokens) == 0 {
		// Unbalanced quotes: fall back to whitespace splitting.
		tokens = strings.Fields(text)
	}
	name := strings.ToLower(tokens[0])
	if at := strings.IndexByte(name, '@'); at > 0 {
		name = name[:at]
	}
	return name, tokens[1:], true
}
