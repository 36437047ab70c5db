// Package agent runs chat turns: per-user locking, moderation, history budget
// enforcement, the tool-call loop, persistence and usage accounting.
package agent

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sazonovanton/SirChatalot-sub000/internal/chat"
	"github.com/sazonovanton/SirChatalot-sub000/internal/config"
	"github.com/sazonovanton/SirChatalot-sub000/internal/costs"
	"github.com/sazonovanton/SirChatalot-sub000/internal/logging"
	"github.com/sazonovanton/SirChatalot-sub000/internal/provider"
	"github.com/sazonovanton/SirChatalot-sub000/internal/session"
	"github.com/sazonovanton/SirChatalot-sub000/internal/tools"
)

// Reply is what a front end shows the user after one turn.
type Reply struct {
	Text  string
	Image *Image
	// Error is set when the turn failed with a classified error.
	Error chat.ErrorKind
	// Failed reports a storage failure.
	Failed bool
}

// Stats summarizes one user's usage.
type Stats struct {
	Usage    costs.UsageRecord
	CostUSD  float64
	Messages int
	Sessions int
}

// Options configures an Engine.
type Options struct {
	Provider provider.Provider
	Store    *session.Store
	// Usage may be nil to disable accounting.
	Usage *costs.Accountant
	// Tools may be nil when function calling is disabled.
	Tools         *tools.Registry
	SystemMessage string
	Features      config.FeaturesConfig
	Limits        config.CostsConfig
}

// Engine is the chat core shared by every front end.
type Engine struct {
	provider provider.Provider
	store    *session.Store
	usage    *costs.Accountant
	tools    *tools.Registry
	system   string
	features config.FeaturesConfig
	limits   config.CostsConfig
	locks    *keyedMutex
	now      func() time.Time
}

// New creates an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Provider == nil {
		return nil, errors.New("provider is required")
	}
	if opts.Store == nil {
		return nil, errors.New("conversation store is required")
	}
	system := strings.TrimSpace(opts.SystemMessage)
	if system == "" {
		system = config.DefaultSystemMessage
	}
	registry := opts.Tools
	if !opts.Features.Functions {
		registry = nil
	}
	return &Engine{
		provider: opts.Provider,
		store:    opts.Store,
		usage:    opts.Usage,
		tools:    registry,
		system:   system,
		features: opts.Features,
		limits:   opts.Limits,
		locks:    newKeyedMutex(),
		now:      time.Now,
	}, nil
}

// Chat runs one text turn for userID.
func (e *Engine) Chat(ctx context.Context, userID int64, text string) Reply {
	return e.turn(ctx, userID, chat.User(text), text)
}

// ChatImage runs one turn whose user message carries an image. It is refused
// when vision is disabled or the provider cannot read images.
func (e *Engine) ChatImage(ctx context.Context, userID int64, caption, imageBase64, mediaType string) Reply {
	if !e.features.Vision || !provider.SupportsVision(e.provider) {
		return Reply{Text: visionDisabledText}
	}
	return e.turn(ctx, userID, chat.UserImage(caption, imageBase64, mediaType), caption)
}

func (e *Engine) turn(ctx context.Context, userID int64, userMsg chat.Message, moderated string) Reply {
	unlock := e.locks.Lock(userID)
	defer unlock()
	logger := logging.Logger().With("user_id", userID)

	if reply, blocked := e.checkSpend(ctx); blocked {
		return reply
	}
	if reply, rejected := e.moderate(ctx, userID, moderated); rejected {
		return reply
	}

	conv, err := e.store.GetOrCreate(ctx, userID, e.system)
	if err != nil {
		logger.Error("failed to load conversation", "err", err)
		return Reply{Text: storeFailureText, Failed: true}
	}
	conv, dropped := sanitizeToolTurns(conv)
	if dropped {
		logger.Warn("dropped malformed tool turns from history")
	}
	working := append(conv.Clone(), userMsg)

	working, summaryTokens := e.fitBudget(ctx, userID, working)

	loop := orchestrator{
		provider:         e.provider,
		registry:         e.tools,
		maxResubmissions: e.features.MaxToolResubmissions,
	}
	result := loop.Run(ctx, userID, working)
	spent := result.Tokens.Add(summaryTokens)

	if result.Final.Failed() {
		e.record(ctx, userID, costs.Delta{PromptTokens: spent.Prompt, CompletionTokens: spent.Completion, ImagesGenerated: result.ImagesGenerated})
		return e.failure(ctx, userID, result.Final)
	}

	if err := e.store.Overwrite(ctx, userID, result.Conversation); err != nil {
		logger.Error("failed to persist conversation", "err", err)
		return Reply{Text: storeFailureText, Failed: true}
	}
	e.record(ctx, userID, costs.Delta{
		MessagesSent:     1,
		PromptTokens:     spent.Prompt,
		CompletionTokens: spent.Completion,
		ImagesGenerated:  result.ImagesGenerated,
	})

	return Reply{Text: result.Final.Text(), Image: result.Image}
}

// fitBudget shrinks conv when it exceeds the provider context budget. It
// returns the tokens spent on summarization, if any.
func (e *Engine) fitBudget(ctx context.Context, userID int64, conv chat.Conversation) (chat.Conversation, chat.Tokens) {
	limit := e.provider.MaxTokens()
	count := e.provider.CountTokens
	if limit <= 0 {
		return conv, chat.Tokens{}
	}
	before := count(conv)
	if before <= limit {
		return conv, chat.Tokens{}
	}
	logger := logging.Logger().With("user_id", userID)

	var spent chat.Tokens
	if e.features.SummarizeOnOverflow {
		summarized, tokens, err := Summarize(ctx, conv, e.provider, e.features.SummaryKeepLast)
		spent = tokens
		switch {
		case err != nil:
			logger.Warn("history summarization failed; trimming instead", "err", err)
		case count(summarized) <= limit:
			logger.Info("history summarized", "tokens_before", before, "tokens_after", count(summarized))
			return summarized, spent
		default:
			conv = summarized
		}
	}

	trimmed, removed := Trim(conv, count, limit)
	logger.Info("history trimmed", "removed", removed, "tokens_before", before, "tokens_after", count(trimmed), "max_tokens", limit)
	return trimmed, spent
}

// failure maps a failed provider answer to a reply, applying the BadRequest
// recovery policy. The stored conversation is left as it was.
func (e *Engine) failure(ctx context.Context, userID int64, msg chat.Message) Reply {
	reply := Reply{Text: msg.Text(), Error: msg.Error}
	if reply.Text == "" {
		reply.Text = msg.Error.UserText()
	}
	if msg.Error != chat.ErrBadRequest || !e.features.DeleteChatOnError {
		return reply
	}
	if _, err := e.store.Delete(ctx, userID); err != nil {
		logging.Logger().Error("failed to delete conversation after bad request", "user_id", userID, "err", err)
		reply.Failed = true
		return reply
	}
	logging.Logger().Info("conversation deleted after bad request", "user_id", userID)
	reply.Text = chatDeletedText
	return reply
}

func (e *Engine) moderate(ctx context.Context, userID int64, text string) (Reply, bool) {
	if !e.features.Moderation || strings.TrimSpace(text) == "" {
		return Reply{}, false
	}
	m, ok := e.provider.(provider.Moderator)
	if !ok {
		return Reply{}, false
	}
	res, err := m.Moderate(ctx, text)
	if err != nil {
		logging.Logger().Warn("moderation unavailable; letting message through", "user_id", userID, "err", err)
		return Reply{}, false
	}
	if !res.Flagged {
		return Reply{}, false
	}
	logging.Logger().Warn("message rejected by moderation", "user_id", userID, "categories", res.Categories)
	kind := chat.ErrModerationRejected
	return Reply{Text: kind.UserText(), Error: kind}, true
}

func (e *Engine) checkSpend(ctx context.Context) (Reply, bool) {
	if e.usage == nil || e.usage.Ledger() == nil || (e.limits.DailyLimit <= 0 && e.limits.MonthlyLimit <= 0) {
		return Reply{}, false
	}
	spend, err := e.usage.Ledger().Spend(ctx, e.now())
	if err != nil {
		logging.Logger().Warn("failed to compute spend; skipping limits", "err", err)
		return Reply{}, false
	}
	if (e.limits.DailyLimit > 0 && spend.TodayUSD >= e.limits.DailyLimit) ||
		(e.limits.MonthlyLimit > 0 && spend.MonthUSD >= e.limits.MonthlyLimit) {
		logging.Logger().Warn("spending limit reached", "today_usd", spend.TodayUSD, "month_usd", spend.MonthUSD)
		return Reply{Text: spendLimitText}, true
	}
	return Reply{}, false
}

func (e *Engine) record(ctx context.Context, userID int64, d costs.Delta) {
	if e.usage == nil {
		return
	}
	if err := e.usage.Record(ctx, userID, d); err != nil {
		logging.Logger().Warn("failed to record usage", "user_id", userID, "err", err)
	}
}

// Reset deletes the live conversation, archiving it when chat logging is on.
func (e *Engine) Reset(ctx context.Context, userID int64) (bool, error) {
	unlock := e.locks.Lock(userID)
	defer unlock()
	return e.store.Delete(ctx, userID)
}

// SaveSession snapshots the live conversation under name (a timestamp when
// empty) and returns the name used.
func (e *Engine) SaveSession(ctx context.Context, userID int64, name string) (string, error) {
	unlock := e.locks.Lock(userID)
	defer unlock()
	conv, ok, err := e.store.Load(ctx, userID)
	if err != nil {
		return "", err
	}
	if !ok || len(conv) <= headLen(conv) {
		return "", session.ErrNoConversation
	}
	return e.store.SaveSession(ctx, userID, name, conv)
}

// ListSessions returns the saved sessions of userID.
func (e *Engine) ListSessions(ctx context.Context, userID int64) ([]session.SessionInfo, error) {
	unlock := e.locks.Lock(userID)
	defer unlock()
	return e.store.ListSessions(ctx, userID)
}

// LoadSession replaces the live conversation with a saved one.
func (e *Engine) LoadSession(ctx context.Context, userID int64, name string) error {
	unlock := e.locks.Lock(userID)
	defer unlock()
	_, err := e.store.LoadSession(ctx, userID, name)
	return err
}

// DeleteSession removes one saved session.
func (e *Engine) DeleteSession(ctx context.Context, userID int64, name string) error {
	unlock := e.locks.Lock(userID)
	defer unlock()
	return e.store.DeleteSession(ctx, userID, name)
}

// Stats returns usage counters and the estimated cost for userID.
func (e *Engine) Stats(ctx context.Context, userID int64) (Stats, error) {
	unlock := e.locks.Lock(userID)
	defer unlock()

	var st Stats
	if e.usage != nil {
		usage, err := e.usage.Usage(ctx, userID)
		if err != nil {
			return Stats{}, err
		}
		st.Usage = usage
		if st.CostUSD, err = e.usage.EstimateCost(ctx, userID, e.usage.Prices()); err != nil {
			return Stats{}, err
		}
	}
	conv, _, err := e.store.Load(ctx, userID)
	if err != nil {
		return Stats{}, err
	}
	st.Messages = len(conv)
	sessions, err := e.store.ListSessions(ctx, userID)
	if err != nil {
		return Stats{}, err
	}
	st.Sessions = len(sessions)
	return st, nil
}

// ExpireIdle deletes live conversations not updated within maxIdle and
// returns how many were removed.
func (e *Engine) ExpireIdle(ctx context.Context, maxIdle time.Duration) (int, error) {
	if maxIdle <= 0 {
		return 0, nil
	}
	infos, err := e.store.Conversations(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := e.now().Add(-maxIdle)
	expired := 0
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		if !info.UpdatedAt.Before(cutoff) {
			continue
		}
		deleted, err := e.expireOne(ctx, info.UserID, cutoff)
		if err != nil {
			logging.Logger().Warn("failed to expire conversation", "user_id", info.UserID, "err", err)
			continue
		}
		if deleted {
			expired++
		}
	}
	return expired, nil
}

// expireOne re-checks idleness under the user lock before deleting.
func (e *Engine) expireOne(ctx context.Context, userID int64, cutoff time.Time) (bool, error) {
	unlock := e.locks.Lock(userID)
	defer unlock()
	info, ok, err := e.store.Info(ctx, userID)
	if err != nil || !ok || !info.UpdatedAt.Before(cutoff) {
		return false, err
	}
	return e.store.Delete(ctx, userID)
}
