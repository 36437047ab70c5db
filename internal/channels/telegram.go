// Package channels connects chat transports to the runtime router.
package channels

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/sazonovanton/SirChatalot-sub000/internal/logging"
	"github.com/sazonovanton/SirChatalot-sub000/internal/runtime"
)

const (
	// telegramMessageLimit is the maximum text length of one Telegram message,
	// in UTF-16 code units.
	telegramMessageLimit = 4096
	// telegramCaptionLimit is the maximum caption length of one photo.
	telegramCaptionLimit = 1024
	// defaultMaxFileBytes caps downloaded photos and documents.
	defaultMaxFileBytes = 10 << 20
	defaultQueueSize    = 4
)

type telegramSendMessageFunc func(context.Context, *bot.SendMessageParams) (*models.Message, error)
type telegramSendPhotoFunc func(context.Context, *bot.SendPhotoParams) (*models.Message, error)
type telegramSendChatActionFunc func(context.Context, *bot.SendChatActionParams) (bool, error)
type telegramDownloadFunc func(ctx context.Context, fileID string) ([]byte, error)

var _ runtime.Listener = (*TelegramListener)(nil)

// TelegramListener receives Telegram updates and routes authorized messages.
type TelegramListener struct {
	token string
	// allowed is empty when every user may talk to the bot.
	allowed      map[int64]struct{}
	maxFileBytes int

	sendMessage    telegramSendMessageFunc
	sendPhoto      telegramSendPhotoFunc
	sendChatAction telegramSendChatActionFunc
	download       telegramDownloadFunc
}

// NewTelegram creates a Telegram listener for one bot token. An empty
// allowedUsers list admits everyone.
func NewTelegram(token string, allowedUsers []int64) *TelegramListener {
	allowed := make(map[int64]struct{}, len(allowedUsers))
	for _, id := range allowedUsers {
		allowed[id] = struct{}{}
	}
	return &TelegramListener{
		token:        token,
		allowed:      allowed,
		maxFileBytes: defaultMaxFileBytes,
	}
}

// Listen long-polls Telegram until ctx is done.
func (t *TelegramListener) Listen(ctx context.Context, router *runtime.Router) error {
	if router == nil {
		return errors.New("router is required")
	}
	if strings.TrimSpace(t.token) == "" {
		return errors.New("telegram token is required")
	}
	if len(t.allowed) == 0 {
		logging.Logger().Warn("channels.telegram.allowed_users is empty; the bot answers everyone")
	}

	defaultHandler := func(updateCtx context.Context, _ *bot.Bot, update *models.Update) {
		if update == nil || update.Message == nil || update.Message.From == nil {
			return
		}
		t.handleInboundMessage(updateCtx, router, update.Message)
	}
	b, err := bot.New(strings.TrimSpace(t.token), bot.WithDefaultHandler(defaultHandler))
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	me, err := b.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("fetch telegram bot profile: %w", err)
	}
	logging.Logger().Info(fmt.Sprintf("Connected to Telegram Bot @%s", strings.TrimSpace(me.Username)))

	t.sendMessage = b.SendMessage
	t.sendPhoto = b.SendPhoto
	t.sendChatAction = b.SendChatAction
	t.download = botDownloader(b)

	b.Start(ctx)
	return nil
}

func (t *TelegramListener) handleInboundMessage(ctx context.Context, router *runtime.Router, msg *models.Message) {
	if msg == nil || msg.From == nil {
		return
	}
	userID := msg.From.ID
	username := strings.TrimSpace(msg.From.Username)
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	logging.Logger().Info(
		"telegram inbound message",
		"user_id", userID,
		"username", username,
		"text", messagePreview(text, 100),
		"photo", len(msg.Photo) > 0,
		"document", msg.Document != nil,
	)

	if !t.isAllowedUser(userID) {
		logging.Logger().Warn("telegram message from unauthorized user dropped", "user_id", userID, "username", username)
		return
	}

	writer := &telegramWriter{listener: t, chatID: msg.Chat.ID}
	inbound := &runtime.Message{UserID: userID, Text: strings.TrimSpace(text)}

	var err error
	switch {
	case len(msg.Photo) > 0:
		inbound.Image, err = t.fetchPhoto(ctx, msg.Photo)
	case msg.Document != nil:
		inbound.Document, err = t.fetchDocument(ctx, msg.Document)
	}
	if err != nil {
		logging.Logger().Warn("telegram attachment download failed", "user_id", userID, "err", err)
		if sendErr := t.sendChatMessage(ctx, msg.Chat.ID, "Sorry, I could not download that file."); sendErr != nil {
			logging.Logger().Warn("failed to report download error", "user_id", userID, "err", sendErr)
		}
		return
	}

	if err := router.Route(ctx, inbound, writer); err != nil {
		logging.Logger().Warn("telegram enqueue failed", "user_id", userID, "username", username, "err", err)
		if errors.Is(err, runtime.ErrQueueFull) {
			_ = t.sendChatMessage(ctx, msg.Chat.ID, "Please wait, I am still answering your previous messages.")
		}
		removeDocument(inbound)
	}
}

func (t *TelegramListener) isAllowedUser(userID int64) bool {
	if len(t.allowed) == 0 {
		return true
	}
	_, ok := t.allowed[userID]
	return ok
}

func (t *TelegramListener) fetchPhoto(ctx context.Context, sizes []models.PhotoSize) (*runtime.Attachment, error) {
	largest := sizes[0]
	for _, size := range sizes[1:] {
		if size.Width*size.Height > largest.Width*largest.Height {
			largest = size
		}
	}
	if largest.FileSize > t.maxFileBytes {
		return nil, fmt.Errorf("photo is too large (%d bytes)", largest.FileSize)
	}
	data, err := t.downloadFile(ctx, largest.FileID)
	if err != nil {
		return nil, err
	}
	return &runtime.Attachment{Data: data, MediaType: http.DetectContentType(data), FileName: largest.FileUniqueID + ".jpg"}, nil
}

// fetchDocument saves the document to a temporary file that is removed once
// the message has been handled.
func (t *TelegramListener) fetchDocument(ctx context.Context, doc *models.Document) (*runtime.Attachment, error) {
	if doc.FileSize > int64(t.maxFileBytes) {
		return nil, fmt.Errorf("document is too large (%d bytes)", doc.FileSize)
	}
	data, err := t.downloadFile(ctx, doc.FileID)
	if err != nil {
		return nil, err
	}
	name := filepath.Base(strings.TrimSpace(doc.FileName))
	if name == "." || name == "/" {
		name = doc.FileUniqueID
	}
	f, err := os.CreateTemp("", "chatalot-*"+filepath.Ext(name))
	if err != nil {
		return nil, fmt.Errorf("create temp document: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		_ = os.Remove(f.Name())
		return nil, fmt.Errorf("write temp document: %w", err)
	}
	return &runtime.Attachment{Path: f.Name(), FileName: name, MediaType: doc.MimeType}, nil
}

func (t *TelegramListener) downloadFile(ctx context.Context, fileID string) ([]byte, error) {
	if t.download == nil {
		return nil, errors.New("telegram bot is not connected")
	}
	return t.download(ctx, fileID)
}

func botDownloader(b *bot.Bot) telegramDownloadFunc {
	client := &http.Client{Timeout: 60 * time.Second}
	return func(ctx context.Context, fileID string) ([]byte, error) {
		file, err := b.GetFile(ctx, &bot.GetFileParams{FileID: fileID})
		if err != nil {
			return nil, fmt.Errorf("get telegram file: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.FileDownloadLink(file), nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("download telegram file: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("download telegram file: status %d", resp.StatusCode)
		}
		return io.ReadAll(io.LimitReader(resp.Body, defaultMaxFileBytes+1))
	}
}

// Handler wraps next with a typing indicator and temp file cleanup.
func (t *TelegramListener) Handler(next runtime.Handler) runtime.Handler {
	return &telegramHandler{listener: t, handler: next}
}

type telegramHandler struct {
	listener *TelegramListener
	handler  runtime.Handler
}

func (h *telegramHandler) HandleMessage(ctx context.Context, w runtime.ResponseWriter, msg *runtime.Message) error {
	defer removeDocument(msg)
	if writer, ok := w.(*telegramWriter); ok && h.listener != nil {
		if msg != nil && !strings.HasPrefix(strings.TrimSpace(msg.Text), "/") {
			typingCtx, stopTyping := context.WithCancel(ctx)
			defer stopTyping()
			go h.listener.runTypingIndicator(typingCtx, writer.chatID)
		}
	}
	return h.handler.HandleMessage(ctx, w, msg)
}

func removeDocument(msg *runtime.Message) {
	if msg == nil || msg.Document == nil || msg.Document.Path == "" {
		return
	}
	if err := os.Remove(msg.Document.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.Logger().Warn("failed to remove temp document", "path", msg.Document.Path, "err", err)
	}
}

type telegramWriter struct {
	listener *TelegramListener
	chatID   int64
}

// WriteMessage sends text as Telegram HTML, split to the message size limit,
// falling back to plain text when formatting fails.
func (w *telegramWriter) WriteMessage(ctx context.Context, text string) error {
	if w == nil || w.listener == nil {
		return errors.New("telegram sender is not configured")
	}
	for _, chunk := range splitMessage(text, telegramMessageLimit) {
		if err := w.listener.sendFormatted(ctx, w.chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

// WriteImage sends a generated image as a photo.
func (w *telegramWriter) WriteImage(ctx context.Context, imageBase64, caption string) error {
	if w == nil || w.listener == nil || w.listener.sendPhoto == nil {
		return errors.New("telegram sender is not configured")
	}
	data, err := base64.StdEncoding.DecodeString(imageBase64)
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}
	params := &bot.SendPhotoParams{
		ChatID: w.chatID,
		Photo:  &models.InputFileUpload{Filename: "image.png", Data: bytes.NewReader(data)},
	}
	rest := ""
	if runes := []rune(caption); len(runes) > telegramCaptionLimit {
		params.Caption = string(runes[:telegramCaptionLimit])
		rest = string(runes[telegramCaptionLimit:])
	} else {
		params.Caption = caption
	}
	if _, err := w.listener.sendPhoto(ctx, params); err != nil {
		return fmt.Errorf("send photo: %w", err)
	}
	if strings.TrimSpace(rest) != "" {
		return w.WriteMessage(ctx, rest)
	}
	return nil
}

func (t *TelegramListener) sendFormatted(ctx context.Context, chatID int64, text string) error {
	if formatted, ok := formatTelegram(text); ok && utf16Len(formatted) <= telegramMessageLimit {
		_, err := t.sendTelegramMessage(ctx, &bot.SendMessageParams{
			ChatID:    chatID,
			Text:      formatted,
			ParseMode: models.ParseModeHTML,
		})
		if err == nil {
			return nil
		}
		logging.Logger().Warn("telegram rejected formatted message; resending as plain text", "chat_id", chatID, "err", err)
	}
	return t.sendChatMessage(ctx, chatID, text)
}

func (t *TelegramListener) sendTelegramMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error) {
	send := t.sendMessage
	if send == nil {
		return nil, errors.New("telegram bot is not connected")
	}
	return send(ctx, params)
}

func (t *TelegramListener) sendChatMessage(ctx context.Context, chatID int64, text string) error {
	_, err := t.sendTelegramMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	})
	return err
}

func (t *TelegramListener) runTypingIndicator(ctx context.Context, chatID int64) {
	t.sendTypingAction(ctx, chatID)

	ticker := time.NewTicker(4 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sendTypingAction(ctx, chatID)
		}
	}
}

func (t *TelegramListener) sendTypingAction(ctx context.Context, chatID int64) {
	send := t.sendChatAction
	if send == nil {
		return
	}
	_, _ = send(ctx, &bot.SendChatActionParams{
		ChatID: chatID,
		Action: models.ChatActionTyping,
	})
}

// splitMessage cuts text into chunks of at most limit runes, preferring
// paragraph and line boundaries.
// splitMessage cuts text into chunks of at most limit UTF-16 code units,
// preferring paragraph and then line boundaries.
func splitMessage(text string, limit int) []string {
	if utf16Len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	for utf16Len(text) > limit {
		window := text[:utf16Prefix(text, limit)]
		cut := len(window)
		if i := strings.LastIndex(window, "\n\n"); i > 0 {
			cut = i
		} else if i := strings.LastIndex(window, "\n"); i > 0 {
			cut = i
		}
		if cut == 0 {
			_, cut = utf8.DecodeRuneInString(text)
		}
		chunks = append(chunks, strings.TrimRight(text[:cut], "\n"))
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// utf16Len is the length of s as Telegram counts it.
func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}

// utf16Prefix returns the byte length of the longest prefix of s that fits in
// limit UTF-16 code units.
func utf16Prefix(s string, limit int) int {
	n := 0
	for i, r := range s {
		w := utf16.RuneLen(r)
		if n+w > limit {
			return i
		}
		n += w
	}
	return len(s)
}

func messagePreview(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
