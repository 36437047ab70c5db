// Package chat defines the canonical conversation model shared by providers,
// the conversation store and the engine.
package chat

import "strings"

// Role identifies who authored a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleFunction  Role = "function"
)

// ContentType discriminates the Content variant of a message.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
	ContentTool  ContentType = "tool"
)

// Finish reasons normalized across providers.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishToolCalls     = "tool_calls"
	FinishContentFilter = "content_filter"
)

// Content is the payload of a message. It is one of TextContent,
// ImageContent or ToolContent.
type Content interface {
	contentType() ContentType
}

// TextContent is plain text.
type TextContent struct {
	Text string
}

// ImageContent mixes text and image parts. Used when vision is enabled.
type ImageContent struct {
	Parts []Part
}

// Part is one element of an ImageContent. Exactly one of Text, ImageURL or
// ImageData is set.
type Part struct {
	Text      string `json:"text,omitempty"`
	ImageURL  string `json:"image_url,omitempty"`
	ImageData string `json:"image_data,omitempty"`
	MediaType string `json:"media_type,omitempty"`
}

// IsImage reports whether the part references an image.
func (p Part) IsImage() bool {
	return p.ImageURL != "" || p.ImageData != ""
}

// ToolContent is a tool invocation requested by a model.
type ToolContent struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

func (TextContent) contentType() ContentType  { return ContentText }
func (ImageContent) contentType() ContentType { return ContentImage }
func (ToolContent) contentType() ContentType  { return ContentTool }

// Tokens is the usage attributed to producing one message.
type Tokens struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
}

// Total returns prompt plus completion tokens.
func (t Tokens) Total() int {
	return t.Prompt + t.Completion
}

// Add sums two usage values.
func (t Tokens) Add(other Tokens) Tokens {
	return Tokens{Prompt: t.Prompt + other.Prompt, Completion: t.Completion + other.Completion}
}

// ModelInfo records which model produced a message and its prices per 1K tokens.
type ModelInfo struct {
	Name            string  `json:"name"`
	PromptPrice     float64 `json:"prompt_price"`
	CompletionPrice float64 `json:"completion_price"`
}

// Message is one conversational turn.
//
// A function-role message carrying ToolContent is a tool request produced by
// a model. A function-role message carrying TextContent is the result of
// running that tool. ToolID, ToolName and ToolArgs are only set on function
// messages.
type Message struct {
	Role         Role
	Content      Content
	Tokens       Tokens
	Model        *ModelInfo
	FinishReason string
	ToolID       string
	ToolName     string
	ToolArgs     string
	Error        ErrorKind
}

// ContentType reports which Content variant the message carries.
func (m Message) ContentType() ContentType {
	if m.Content == nil {
		return ContentText
	}
	return m.Content.contentType()
}

// Text returns the textual portion of the message.
func (m Message) Text() string {
	switch c := m.Content.(type) {
	case TextContent:
		return c.Text
	case ImageContent:
		var parts []string
		for _, p := range c.Parts {
			if !p.IsImage() && p.Text != "" {
				parts = append(parts, p.Text)
			}
		}
		return strings.Join(parts, "\n")
	case ToolContent:
		return c.Name + " " + c.Arguments
	}
	return ""
}

// IsToolRequest reports whether the message asks for a tool to be run.
func (m Message) IsToolRequest() bool {
	if m.Role != RoleFunction {
		return false
	}
	tc, ok := m.Content.(ToolContent)
	return ok && tc.Name != "" && tc.Arguments != ""
}

// Failed reports whether the message represents a failure.
func (m Message) Failed() bool {
	return m.Error != ""
}

// System builds a system message.
func System(text string) Message {
	return Message{Role: RoleSystem, Content: TextContent{Text: text}}
}

// User builds a user text message.
func User(text string) Message {
	return Message{Role: RoleUser, Content: TextContent{Text: text}}
}

// UserImage builds a user message with a caption and one base64 image.
func UserImage(caption, data, mediaType string) Message {
	parts := make([]Part, 0, 2)
	if caption != "" {
		parts = append(parts, Part{Text: caption})
	}
	parts = append(parts, Part{ImageData: data, MediaType: mediaType})
	return Message{Role: RoleUser, Content: ImageContent{Parts: parts}}
}

// Assistant builds an assistant text message.
func Assistant(text string) Message {
	return Message{Role: RoleAssistant, Content: TextContent{Text: text}}
}

// ToolRequest builds a function message asking for tool name to run with args.
func ToolRequest(id, name, args string) Message {
	return Message{
		Role:     RoleFunction,
		Content:  ToolContent{Name: name, Arguments: args},
		ToolID:   id,
		ToolName: name,
		ToolArgs: args,
	}
}

// ToolResult builds a function message carrying the output of a tool run.
func ToolResult(id, name, output string) Message {
	return Message{
		Role:     RoleFunction,
		Content:  TextContent{Text: output},
		ToolID:   id,
		ToolName: name,
	}
}

// Failure builds an assistant message tagged with kind whose text is the
// user-facing explanation.
func Failure(kind ErrorKind) Message {
	return Message{
		Role:    RoleAssistant,
		Content: TextContent{Text: kind.UserText()},
		Error:   kind,
	}
}
