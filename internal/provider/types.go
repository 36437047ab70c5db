// Package provider adapts the canonical conversation model to LLM vendor APIs.
package provider

import (
	"context"

	"github.com/sazonovanton/SirChatalot-sub000/internal/chat"
)

// ToolDefinition describes a callable tool exposed to a model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ChatRequest is one completion call.
type ChatRequest struct {
	Messages []chat.Message
	Tools    []ToolDefinition
}

// Summary is the result of condensing older turns.
type Summary struct {
	Text   string
	Tokens chat.Tokens
}

// Provider is a chat completion backend.
//
// Complete never returns an error: failures come back as a message with
// Error set and a user-facing text.
type Provider interface {
	Name() string
	Model() chat.ModelInfo
	// MaxTokens is the context budget used to decide when history must shrink.
	MaxTokens() int
	Complete(ctx context.Context, req ChatRequest) chat.Message
	Summarize(ctx context.Context, messages []chat.Message) (Summary, error)
	CountTokens(messages []chat.Message) int
}

// ModerationResult is the outcome of screening user input.
type ModerationResult struct {
	Flagged    bool
	Categories []string
}

// VisionCapable is implemented by providers whose models accept image input.
// Providers that do not implement it cannot read images.
type VisionCapable interface {
	SupportsVision() bool
}

// SupportsVision reports whether p can be sent image messages.
func SupportsVision(p Provider) bool {
	v, ok := p.(VisionCapable)
	return ok && v.SupportsVision()
}

// Moderator screens user input before it reaches a model.
type Moderator interface {
	Moderate(ctx context.Context, text string) (ModerationResult, error)
}
