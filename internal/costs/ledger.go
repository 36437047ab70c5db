// Package costs keeps per-user usage counters and a JSONL spend ledger used for cost estimates and spending limits.
package costs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sazonovanton/SirChatalot-sub000/internal/store"
)

// Record is one ledger line.
type Record struct {
	Timestamp    time.Time `json:"timestamp"`
	UserID       int64     `json:"user_id,omitempty"`
	Kind         string    `json:"kind,omitempty"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	TotalTokens  int       `json:"total_tokens"`
	CostUSD      float64   `json:"cost_usd"`
}

// Spend is the ledger total for the local calendar day and month of a given
// instant.
type Spend struct {
	TodayUSD float64
	MonthUSD float64
	// MonthByKind splits MonthUSD by record kind ("chat", "image", "voice").
	MonthByKind map[string]float64
}

func (s *Spend) add(rec Record, now time.Time) {
	y, m, d := rec.Timestamp.In(time.Local).Date()
	ny, nm, nd := now.In(time.Local).Date()
	if y != ny || m != nm {
		return
	}
	s.MonthUSD += rec.CostUSD
	kind := rec.Kind
	if kind == "" {
		kind = "chat"
	}
	s.MonthByKind[kind] += rec.CostUSD
	if d == nd {
		s.TodayUSD += rec.CostUSD
	}
}

// Ledger is an append-only JSONL file of priced requests.
type Ledger struct {
	files *store.Files
	path  string
}

// NewLedger returns a Ledger backed by the JSONL file at path.
func NewLedger(path string) *Ledger {
	return &Ledger{files: store.Disk, path: path}
}

// Append adds rec as one line, stamping it with the current time if unset.
func (l *Ledger) Append(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.path == "" {
		return errors.New("costs path is required")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode ledger record: %w", err)
	}
	if err := l.files.Append(l.path, append(line, '\n')); err != nil {
		return fmt.Errorf("append ledger record: %w", err)
	}
	return nil
}

// Spend totals every user's spend for the day and month containing now.
func (l *Ledger) Spend(ctx context.Context, now time.Time) (Spend, error) {
	return l.sum(ctx, now, func(Record) bool { return true })
}

// UserSpend totals the spend of one user for the day and month containing now.
func (l *Ledger) UserSpend(ctx context.Context, now time.Time, userID int64) (Spend, error) {
	return l.sum(ctx, now, func(rec Record) bool { return rec.UserID == userID })
}

// sum ignores lines that do not decode.
func (l *Ledger) sum(ctx context.Context, now time.Time, keep func(Record) bool) (Spend, error) {
	if l.path == "" {
		return Spend{}, errors.New("costs path is required")
	}
	if now.IsZero() {
		now = time.Now()
	}
	total := Spend{MonthByKind: make(map[string]float64)}
	err := l.files.ScanLines(ctx, l.path, func(line []byte) error {
		var rec Record
		if json.Unmarshal(line, &rec) != nil || !keep(rec) {
			return nil
		}
		total.add(rec, now)
		return nil
	})
	if err != nil {
		return Spend{}, fmt.Errorf("read ledger: %w", err)
	}
	return total, nil
}
