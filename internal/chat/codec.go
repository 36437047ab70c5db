package chat

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Conversation is the ordered message history of one user. Element 0, when
// present, is the system message.
type Conversation []Message

// NewConversation returns a conversation holding only a system message.
func NewConversation(system string) Conversation {
	return Conversation{System(system)}
}

// HasSystemHead reports whether the first message is a system message.
func (c Conversation) HasSystemHead() bool {
	return len(c) > 0 && c[0].Role == RoleSystem
}

// Clone returns a shallow copy safe to append to.
func (c Conversation) Clone() Conversation {
	out := make(Conversation, len(c))
	copy(out, c)
	return out
}

// Transcript renders the conversation as plain text, one turn per block.
func (c Conversation) Transcript(now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Chat log exported %s\n\n", now.Format(time.RFC3339))
	for _, msg := range c {
		label := string(msg.Role)
		if msg.Role == RoleFunction && msg.ToolName != "" {
			label += " (" + msg.ToolName + ")"
		}
		text := msg.Text()
		if msg.ContentType() == ContentImage {
			text = "[image] " + text
		}
		fmt.Fprintf(&b, "%s: %s\n\n", label, strings.TrimSpace(text))
	}
	return b.String()
}

type wireMessage struct {
	Role         Role         `json:"role"`
	ContentType  ContentType  `json:"content_type"`
	Text         string       `json:"text,omitempty"`
	Parts        []Part       `json:"parts,omitempty"`
	Tool         *ToolContent `json:"tool,omitempty"`
	Tokens       Tokens       `json:"tokens"`
	Model        *ModelInfo   `json:"model,omitempty"`
	FinishReason string       `json:"finish_reason,omitempty"`
	ToolID       string       `json:"tool_id,omitempty"`
	ToolName     string       `json:"tool_name,omitempty"`
	ToolArgs     string       `json:"tool_args,omitempty"`
	Error        ErrorKind    `json:"error,omitempty"`
}

// MarshalJSON encodes the message with an explicit content_type tag.
func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		Role:         m.Role,
		ContentType:  m.ContentType(),
		Tokens:       m.Tokens,
		Model:        m.Model,
		FinishReason: m.FinishReason,
		ToolID:       m.ToolID,
		ToolName:     m.ToolName,
		ToolArgs:     m.ToolArgs,
		Error:        m.Error,
	}
	switch c := m.Content.(type) {
	case TextContent:
		w.Text = c.Text
	case ImageContent:
		w.Parts = c.Parts
	case ToolContent:
		tc := c
		w.Tool = &tc
	case nil:
	default:
		return nil, fmt.Errorf("unsupported content %T", m.Content)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a message written by MarshalJSON.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = Message{
		Role:         w.Role,
		Tokens:       w.Tokens,
		Model:        w.Model,
		FinishReason: w.FinishReason,
		ToolID:       w.ToolID,
		ToolName:     w.ToolName,
		ToolArgs:     w.ToolArgs,
		Error:        w.Error,
	}
	switch w.ContentType {
	case ContentText, "":
		m.Content = TextContent{Text: w.Text}
	case ContentImage:
		m.Content = ImageContent{Parts: w.Parts}
	case ContentTool:
		if w.Tool == nil {
			return fmt.Errorf("tool message without tool payload")
		}
		m.Content = *w.Tool
	default:
		return fmt.Errorf("unknown content type %q", w.ContentType)
	}
	return nil
}
