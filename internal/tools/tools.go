// Package tools defines the Tool interface, Registry, and ToolResult used by the tool-call loop.
package tools

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/sazonovanton/SirChatalot-sub000/internal/provider"
)

const defaultInlineOutputChars = 4000

// Tool is an external capability the model may invoke.
type Tool interface {
	Name() string
	Description() string
	Schema() map[string]any
	Execute(ctx context.Context, args map[string]any) (*ToolResult, error)
}

// ToolResult is the normalized output returned by tools.
type ToolResult struct {
	Output string
	// ImageBase64 is set by tools whose final product is an image.
	ImageBase64 string
	Truncated   bool
}

type userIDKey struct{}

// WithUserID annotates ctx with the user on whose behalf tools run.
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// UserID returns the user set by WithUserID.
func UserID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userIDKey{}).(int64)
	return id, ok
}

// TruncateOutput caps output at limit runes, marking the result as truncated.
func TruncateOutput(output string, limit int) *ToolResult {
	if limit <= 0 {
		limit = defaultInlineOutputChars
	}
	if utf8.RuneCountInString(output) <= limit {
		return &ToolResult{Output: output}
	}
	runes := []rune(output)
	return &ToolResult{
		Output:    string(runes[:limit]) + "\n[output truncated]",
		Truncated: true,
	}
}

// Registry holds the tools offered to the model, kept sorted by name so tool
// definitions are sent in a stable order.
type Registry struct {
	tools []Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds tool. Names must be unique and schemas must describe an
// object, since providers pass arguments as a JSON object.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return errors.New("tool cannot be nil")
	}
	name := tool.Name()
	if name == "" {
		return errors.New("tool name cannot be empty")
	}
	if typ, _ := tool.Schema()["type"].(string); typ != "object" {
		return fmt.Errorf("tool %s: parameters schema must be an object, got %q", name, typ)
	}
	i, found := r.search(name)
	if found {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools = slices.Insert(r.tools, i, tool)
	return nil
}

// Lookup returns a tool by name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	if r == nil {
		return nil, false
	}
	i, found := r.search(name)
	if !found {
		return nil, false
	}
	return r.tools[i], true
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.tools)
}

// Tools returns the registered tools in name order.
func (r *Registry) Tools() []Tool {
	if r == nil {
		return nil
	}
	return slices.Clone(r.tools)
}

// Names returns the registered tool names in order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, len(r.tools))
	for i, tool := range r.tools {
		names[i] = tool.Name()
	}
	return names
}

// ToolDefinitions converts registered tools into provider tool definitions.
func (r *Registry) ToolDefinitions() []provider.ToolDefinition {
	if r == nil {
		return nil
	}
	defs := make([]provider.ToolDefinition, len(r.tools))
	for i, tool := range r.tools {
		defs[i] = provider.ToolDefinition{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.Schema(),
		}
	}
	return defs
}

func (r *Registry) search(name string) (int, bool) {
	return slices.BinarySearchFunc(r.tools, name, func(t Tool, name string) int {
		return strings.Compare(t.Name(), name)
	})
}
