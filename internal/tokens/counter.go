// Package tokens approximates prompt sizes with a single reference vocabulary.
//
// Every provider is measured with cl100k_base, even providers whose real
// tokenizer differs. Counts are estimates for budget decisions, never billing.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"

	"github.com/sazonovanton/SirChatalot-sub000/internal/chat"
	"github.com/sazonovanton/SirChatalot-sub000/internal/logging"
)

const (
	// ReferenceEncoding is the vocabulary used for all providers.
	ReferenceEncoding = "cl100k_base"
	// DefaultImageTokens is charged per image part in place of encoding it.
	DefaultImageTokens = 85

	messageOverhead = 3
	replyPriming    = 3
)

// Encoder returns the number of tokens in text.
type Encoder interface {
	CountText(text string) int
}

// EncoderFunc adapts a function to Encoder.
type EncoderFunc func(text string) int

// CountText calls f.
func (f EncoderFunc) CountText(text string) int { return f(text) }

// Counter counts tokens of conversations.
type Counter struct {
	enc         Encoder
	imageTokens int
}

var (
	referenceOnce sync.Once
	referenceEnc  Encoder
)

// NewCounter returns a counter using the reference vocabulary. If it cannot be
// loaded the counter falls back to a length-based estimate.
func NewCounter(imageTokens int) *Counter {
	referenceOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
		enc, err := tiktoken.GetEncoding(ReferenceEncoding)
		if err != nil {
			logging.Logger().Warn("token encoding unavailable, using length estimate", "encoding", ReferenceEncoding, "err", err)
			referenceEnc = EncoderFunc(Estimate)
			return
		}
		referenceEnc = EncoderFunc(func(text string) int {
			return len(enc.Encode(text, nil, nil))
		})
	})
	return NewCounterWithEncoder(referenceEnc, imageTokens)
}

// NewCounterWithEncoder returns a counter using enc.
func NewCounterWithEncoder(enc Encoder, imageTokens int) *Counter {
	if enc == nil {
		enc = EncoderFunc(Estimate)
	}
	if imageTokens <= 0 {
		imageTokens = DefaultImageTokens
	}
	return &Counter{enc: enc, imageTokens: imageTokens}
}

// CountText counts the tokens of a bare string.
func (c *Counter) CountText(text string) int {
	return c.enc.CountText(text)
}

// Count returns the approximate prompt size of messages including
// per-message framing and reply priming.
func (c *Counter) Count(messages []chat.Message) int {
	if len(messages) == 0 {
		return 0
	}
	total := replyPriming
	for _, msg := range messages {
		total += c.countMessage(msg)
	}
	return total
}

func (c *Counter) countMessage(msg chat.Message) int {
	n := messageOverhead + c.enc.CountText(string(msg.Role))
	switch content := msg.Content.(type) {
	case chat.TextContent:
		n += c.enc.CountText(content.Text)
	case chat.ImageContent:
		for _, part := range content.Parts {
			if part.IsImage() {
				n += c.imageTokens
				continue
			}
			n += c.enc.CountText(part.Text)
		}
	case chat.ToolContent:
		n += c.enc.CountText(content.Name) + c.enc.CountText(content.Arguments)
	}
	if msg.ToolName != "" {
		n += c.enc.CountText(msg.ToolName)
	}
	return n
}

// Estimate approximates tokens as one per four characters.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
