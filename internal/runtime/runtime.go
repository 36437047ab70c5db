// Package runtime defines the channel-facing message contract and the
// per-user dispatch queues between transports and the chat engine.
package runtime

import "context"

// Attachment is a file sent along with a message.
type Attachment struct {
	// Data holds the raw bytes for images; documents may use Path instead.
	Data      []byte
	MediaType string
	FileName  string
	// Path points at a local copy of the file when the transport downloaded it.
	Path string
}

// Message is an inbound message delivered by a channel transport.
type Message struct {
	UserID   int64
	Text     string
	Image    *Attachment
	Document *Attachment
}

// ResponseWriter sends handler responses back to the active channel transport.
type ResponseWriter interface {
	WriteMessage(ctx context.Context, text string) error
	// WriteImage sends a base64 encoded image with an optional caption.
	WriteImage(ctx context.Context, imageBase64, caption string) error
}

// Handler processes inbound messages and writes responses.
type Handler interface {
	HandleMessage(ctx context.Context, w ResponseWriter, msg *Message) error
}

// Listener receives channel input and dispatches it to a Router.
type Listener interface {
	Listen(ctx context.Context, router *Router) error
}
