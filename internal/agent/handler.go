package agent

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/sazonovanton/SirChatalot-sub000/internal/logging"
	"github.com/sazonovanton/SirChatalot-sub000/internal/runtime"
	"github.com/sazonovanton/SirChatalot-sub000/internal/tools"
)

// maxDocumentChars caps how much of an uploaded document is quoted into a turn.
const maxDocumentChars = 20000

// HandleMessage runs one inbound channel message through the engine and
// writes the reply.
func (e *Engine) HandleMessage(ctx context.Context, w runtime.ResponseWriter, msg *runtime.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	if w == nil {
		return errors.New("response writer is required")
	}

	var reply Reply
	switch {
	case msg.Image != nil:
		mediaType := msg.Image.MediaType
		if mediaType == "" {
			mediaType = "image/jpeg"
		}
		encoded := base64.StdEncoding.EncodeToString(msg.Image.Data)
		reply = e.ChatImage(ctx, msg.UserID, strings.TrimSpace(msg.Text), encoded, mediaType)
	case msg.Document != nil:
		text, err := documentPrompt(msg.Text, msg.Document)
		if err != nil {
			logging.Logger().Warn("document rejected", "user_id", msg.UserID, "file", msg.Document.FileName, "err", err)
			return w.WriteMessage(ctx, fmt.Sprintf("Sorry, I could not read that document: %v", err))
		}
		reply = e.Chat(ctx, msg.UserID, text)
	default:
		if strings.TrimSpace(msg.Text) == "" {
			return nil
		}
		reply = e.Chat(ctx, msg.UserID, msg.Text)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if reply.Image != nil {
		return w.WriteImage(ctx, reply.Image.Base64, reply.Image.Caption)
	}
	return w.WriteMessage(ctx, reply.Text)
}

func documentPrompt(caption string, doc *runtime.Attachment) (string, error) {
	var (
		content string
		err     error
	)
	if doc.Path != "" {
		content, err = tools.ExtractText(doc.Path)
		if err != nil {
			return "", err
		}
	} else {
		content = strings.TrimSpace(string(doc.Data))
	}
	if content == "" {
		return "", errors.New("document is empty")
	}
	content = tools.TruncateOutput(content, maxDocumentChars).Output

	var b strings.Builder
	if caption = strings.TrimSpace(caption); caption != "" {
		b.WriteString(caption)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Document %s:\n%s", doc.FileName, content)
	return b.String(), nil
}
