package costs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sazonovanton/SirChatalot-sub000/internal/logging"
	"github.com/sazonovanton/SirChatalot-sub000/internal/session"
)

// UsageRecord holds the cumulative counters of one user. Keys missing from a
// stored record decode as zero.
type UsageRecord struct {
	MessagesSent      int `json:"messages_sent"`
	VoiceMessagesSent int `json:"voice_messages_sent"`
	PromptTokens      int `json:"prompt_tokens"`
	CompletionTokens  int `json:"completion_tokens"`
	SpeechSeconds     int `json:"speech_seconds"`
	ImagesGenerated   int `json:"images_generated"`
}

// Add returns the counter-wise sum of r and d.
func (r UsageRecord) Add(d UsageRecord) UsageRecord {
	r.MessagesSent += d.MessagesSent
	r.VoiceMessagesSent += d.VoiceMessagesSent
	r.PromptTokens += d.PromptTokens
	r.CompletionTokens += d.CompletionTokens
	r.SpeechSeconds += d.SpeechSeconds
	r.ImagesGenerated += d.ImagesGenerated
	return r
}

// IsZero reports whether every counter is zero.
func (r UsageRecord) IsZero() bool {
	return r == UsageRecord{}
}

// Delta is an additive update to a UsageRecord.
type Delta = UsageRecord

// Accountant keeps per-user usage counters in the usage bucket and mirrors
// each priced update into the spend ledger.
type Accountant struct {
	backend session.Backend
	ledger  *Ledger
	prices  Prices
	// Provider and model label ledger lines.
	provider string
	model    string
	now      func() time.Time
	mu       sync.Mutex
}

// NewAccountant creates an accountant pricing ledger lines with prices.
// ledger may be nil.
func NewAccountant(backend session.Backend, ledger *Ledger, prices Prices, providerName, model string) *Accountant {
	return &Accountant{
		backend:  backend,
		ledger:   ledger,
		prices:   prices,
		provider: providerName,
		model:    model,
		now:      time.Now,
	}
}

// Prices returns the prices used for ledger lines.
func (a *Accountant) Prices() Prices {
	return a.prices
}

// Ledger returns the spend ledger, or nil.
func (a *Accountant) Ledger() *Ledger {
	return a.ledger
}

// Usage returns the counters of userID. Missing or unreadable records yield
// zero counters.
func (a *Accountant) Usage(ctx context.Context, userID int64) (UsageRecord, error) {
	raw, err := a.backend.Get(ctx, session.BucketUsage, strconv.FormatInt(userID, 10))
	if errors.Is(err, session.ErrNotFound) {
		return UsageRecord{}, nil
	}
	if err != nil {
		return UsageRecord{}, err
	}
	var rec UsageRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		logging.Logger().Warn("resetting unreadable usage record", "user_id", userID, "err", err)
		return UsageRecord{}, nil
	}
	return rec, nil
}

// Record adds d to the counters of userID and appends its cost to the ledger.
func (a *Accountant) Record(ctx context.Context, userID int64, d Delta) error {
	if d.IsZero() {
		return nil
	}

	a.mu.Lock()
	rec, err := a.Usage(ctx, userID)
	if err == nil {
		var data []byte
		data, err = json.Marshal(rec.Add(d))
		if err == nil {
			err = a.backend.Put(ctx, session.BucketUsage, strconv.FormatInt(userID, 10), data)
		}
	}
	a.mu.Unlock()
	if err != nil {
		return fmt.Errorf("record usage for user %d: %w", userID, err)
	}

	if a.ledger == nil {
		return nil
	}
	line := Record{
		Timestamp:    a.now(),
		UserID:       userID,
		Kind:         kindOf(d),
		Provider:     a.provider,
		Model:        a.model,
		InputTokens:  d.PromptTokens,
		OutputTokens: d.CompletionTokens,
		TotalTokens:  d.PromptTokens + d.CompletionTokens,
		CostUSD:      a.prices.Cost(d),
	}
	if err := a.ledger.Append(ctx, line); err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}
	return nil
}

// EstimateCost prices the accumulated counters of userID.
func (a *Accountant) EstimateCost(ctx context.Context, userID int64, prices Prices) (float64, error) {
	rec, err := a.Usage(ctx, userID)
	if err != nil {
		return 0, err
	}
	return prices.Cost(rec), nil
}

func kindOf(d Delta) string {
	switch {
	case d.ImagesGenerated > 0 && d.PromptTokens == 0 && d.CompletionTokens == 0:
		return "image"
	case d.SpeechSeconds > 0:
		return "voice"
	default:
		return "chat"
	}
}
