// Package session persists live conversations and named session snapshots per user, writing every mutation through to a Backend.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sazonovanton/SirChatalot-sub000/internal/chat"
	"github.com/sazonovanton/SirChatalot-sub000/internal/logging"
)

// SessionNameLayout formats auto-generated session names.
const SessionNameLayout = "2006-01-02 15:04:05"

var (
	// ErrSessionNotFound is returned for an unknown session name.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNoConversation is returned when mutating a conversation that was never created.
	ErrNoConversation = errors.New("conversation does not exist")
)

// Store manages conversations and saved sessions. It performs no locking of
// its own; callers serialize access per user.
type Store struct {
	backend Backend
	archive *Archive
	now     func() time.Time
}

// ConversationInfo describes one live conversation.
type ConversationInfo struct {
	UserID    int64
	UpdatedAt time.Time
	Messages  int
}

// SessionInfo describes one saved session.
type SessionInfo struct {
	Name     string
	SavedAt  time.Time
	Messages int
}

type conversationDoc struct {
	UpdatedAt time.Time         `json:"updated_at"`
	Messages  chat.Conversation `json:"messages"`
}

type sessionDoc struct {
	Name     string            `json:"name"`
	SavedAt  time.Time         `json:"saved_at"`
	Messages chat.Conversation `json:"messages"`
}

// New creates a store. archive may be nil to disable chat logging.
func New(backend Backend, archive *Archive) *Store {
	return &Store{backend: backend, archive: archive, now: time.Now}
}

// Backend returns the underlying key/value backend.
func (s *Store) Backend() Backend {
	return s.backend
}

// Load returns the live conversation for userID, reporting whether it exists.
func (s *Store) Load(ctx context.Context, userID int64) (chat.Conversation, bool, error) {
	doc, ok, err := s.loadConversation(ctx, userID)
	if err != nil || !ok {
		return nil, ok, err
	}
	return doc.Messages, true, nil
}

// GetOrCreate returns the live conversation, creating one holding only the
// system message when absent.
func (s *Store) GetOrCreate(ctx context.Context, userID int64, system string) (chat.Conversation, error) {
	conv, ok, err := s.Load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if ok {
		return conv, nil
	}
	conv = chat.NewConversation(system)
	if err := s.Overwrite(ctx, userID, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// Append adds messages to an existing conversation.
func (s *Store) Append(ctx context.Context, userID int64, msgs ...chat.Message) error {
	conv, ok, err := s.Load(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("append for user %d: %w", userID, ErrNoConversation)
	}
	return s.Overwrite(ctx, userID, append(conv, msgs...))
}

// Overwrite replaces the live conversation wholesale.
func (s *Store) Overwrite(ctx context.Context, userID int64, conv chat.Conversation) error {
	data, err := json.Marshal(conversationDoc{UpdatedAt: s.now().UTC(), Messages: conv})
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}
	return s.backend.Put(ctx, BucketConversations, userKey(userID), data)
}

// Delete removes the live conversation, archiving it first when chat logging
// is enabled. It reports false when there was nothing to delete.
func (s *Store) Delete(ctx context.Context, userID int64) (bool, error) {
	if s.archive != nil {
		conv, ok, err := s.Load(ctx, userID)
		switch {
		case err != nil:
			logging.Logger().Warn("skipping chat log for unreadable conversation", "user_id", userID, "err", err)
		case ok:
			if _, err := s.archive.Write(userID, conv); err != nil {
				logging.Logger().Warn("failed to write chat log", "user_id", userID, "err", err)
			}
		}
	}
	return s.backend.Delete(ctx, BucketConversations, userKey(userID))
}

// Info describes the live conversation of userID, reporting whether it exists.
func (s *Store) Info(ctx context.Context, userID int64) (ConversationInfo, bool, error) {
	doc, ok, err := s.loadConversation(ctx, userID)
	if err != nil || !ok {
		return ConversationInfo{}, ok, err
	}
	return ConversationInfo{UserID: userID, UpdatedAt: doc.UpdatedAt, Messages: len(doc.Messages)}, true, nil
}

// Conversations lists every live conversation.
func (s *Store) Conversations(ctx context.Context) ([]ConversationInfo, error) {
	keys, err := s.backend.Keys(ctx, BucketConversations, "")
	if err != nil {
		return nil, err
	}
	out := make([]ConversationInfo, 0, len(keys))
	for _, key := range keys {
		userID, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}
		doc, ok, err := s.loadConversation(ctx, userID)
		if err != nil {
			logging.Logger().Warn("skipping unreadable conversation", "user_id", userID, "err", err)
			continue
		}
		if !ok {
			continue
		}
		out = append(out, ConversationInfo{UserID: userID, UpdatedAt: doc.UpdatedAt, Messages: len(doc.Messages)})
	}
	return out, nil
}

// SaveSession snapshots conv under name, or under a timestamp when name is
// empty. Saving over an existing name replaces it.
func (s *Store) SaveSession(ctx context.Context, userID int64, name string, conv chat.Conversation) (string, error) {
	now := s.now()
	name = strings.TrimSpace(name)
	if name == "" {
		name = now.Format(SessionNameLayout)
	}
	data, err := json.Marshal(sessionDoc{Name: name, SavedAt: now.UTC(), Messages: conv})
	if err != nil {
		return "", fmt.Errorf("marshal session: %w", err)
	}
	if err := s.backend.Put(ctx, BucketSessions, sessionKey(userID, name), data); err != nil {
		return "", err
	}
	return name, nil
}

// ListSessions returns the saved sessions of userID ordered by save time.
func (s *Store) ListSessions(ctx context.Context, userID int64) ([]SessionInfo, error) {
	prefix := userKey(userID) + "/"
	keys, err := s.backend.Keys(ctx, BucketSessions, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]SessionInfo, 0, len(keys))
	for _, key := range keys {
		doc, err := s.loadSession(ctx, userID, strings.TrimPrefix(key, prefix))
		if err != nil {
			logging.Logger().Warn("skipping unreadable session", "user_id", userID, "key", key, "err", err)
			continue
		}
		out = append(out, SessionInfo{Name: doc.Name, SavedAt: doc.SavedAt, Messages: len(doc.Messages)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SavedAt.Before(out[j].SavedAt)
	})
	return out, nil
}

// LoadSession replaces the live conversation with the named snapshot.
func (s *Store) LoadSession(ctx context.Context, userID int64, name string) (chat.Conversation, error) {
	doc, err := s.loadSession(ctx, userID, strings.TrimSpace(name))
	if err != nil {
		return nil, err
	}
	if err := s.Overwrite(ctx, userID, doc.Messages); err != nil {
		return nil, err
	}
	return doc.Messages, nil
}

// DeleteSession removes one named snapshot. Other sessions are untouched.
func (s *Store) DeleteSession(ctx context.Context, userID int64, name string) error {
	ok, err := s.backend.Delete(ctx, BucketSessions, sessionKey(userID, strings.TrimSpace(name)))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%q: %w", name, ErrSessionNotFound)
	}
	return nil
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) loadConversation(ctx context.Context, userID int64) (conversationDoc, bool, error) {
	raw, err := s.backend.Get(ctx, BucketConversations, userKey(userID))
	if errors.Is(err, ErrNotFound) {
		return conversationDoc{}, false, nil
	}
	if err != nil {
		return conversationDoc{}, false, err
	}
	var doc conversationDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return conversationDoc{}, false, fmt.Errorf("decode conversation for user %d: %w", userID, err)
	}
	return doc, true, nil
}

func (s *Store) loadSession(ctx context.Context, userID int64, name string) (sessionDoc, error) {
	raw, err := s.backend.Get(ctx, BucketSessions, sessionKey(userID, name))
	if errors.Is(err, ErrNotFound) {
		return sessionDoc{}, fmt.Errorf("%q: %w", name, ErrSessionNotFound)
	}
	if err != nil {
		return sessionDoc{}, err
	}
	var doc sessionDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return sessionDoc{}, fmt.Errorf("decode session %q: %w", name, err)
	}
	if doc.Name == "" {
		doc.Name = name
	}
	return doc, nil
}

func userKey(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

func sessionKey(userID int64, name string) string {
	return userKey(userID) + "/" + name
}
