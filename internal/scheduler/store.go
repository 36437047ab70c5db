// Package scheduler runs background housekeeping jobs on a cron schedule.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sazonovanton/SirChatalot-sub000/internal/store"
)

// Action identifies which housekeeping operation a job executes.
type Action string

const (
	// ActionExpireIdle deletes conversations idle for longer than the
	// configured expiry.
	ActionExpireIdle Action = "expire_idle"
)

// maxRuns bounds the run log.
const maxRuns = 100

// Job is one housekeeping task bound to a cron schedule.
type Job struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Cron        string `json:"cron"`
	Action      Action `json:"action"`
}

// Run is one recorded job execution.
type Run struct {
	JobID     string        `json:"job_id"`
	Action    Action        `json:"action"`
	Source    string        `json:"source"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Output    string        `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Store keeps the most recent job runs in one JSON file.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates a run log persisted at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Record appends run, dropping the oldest entries beyond the log size.
func (s *Store) Record(ctx context.Context, run Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(run.JobID) == "" {
		return errors.New("job id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	runs, err := s.readLocked()
	if err != nil {
		return err
	}
	runs = append(runs, run)
	if len(runs) > maxRuns {
		runs = runs[len(runs)-maxRuns:]
	}
	return s.writeLocked(runs)
}

// List returns recorded runs, oldest first.
func (s *Store) List(ctx context.Context) ([]Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked()
}

// Last returns the most recent run of jobID.
func (s *Store) Last(ctx context.Context, jobID string) (Run, bool, error) {
	runs, err := s.List(ctx)
	if err != nil {
		return Run{}, false, err
	}
	for i := len(runs) - 1; i >= 0; i-- {
		if runs[i].JobID == jobID {
			return runs[i], true, nil
		}
	}
	return Run{}, false, nil
}

func (s *Store) readLocked() ([]Run, error) {
	if strings.TrimSpace(s.path) == "" {
		return nil, errors.New("runs store path is required")
	}

	content, err := store.ReadFile(s.path)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		return []Run{}, nil
	default:
		return nil, fmt.Errorf("read runs file %s: %w", s.path, err)
	}

	if len(strings.TrimSpace(content)) == 0 {
		return []Run{}, nil
	}

	var runs []Run
	if err := json.Unmarshal([]byte(content), &runs); err != nil {
		return nil, fmt.Errorf("decode runs file %s: %w", s.path, err)
	}
	return runs, nil
}

func (s *Store) writeLocked(runs []Run) error {
	encoded, err := json.MarshalIndent(runs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode runs: %w", err)
	}
	encoded = append(encoded, '\n')

	if err := store.WriteFile(s.path, encoded); err != nil {
		return fmt.Errorf("replace runs file: %w", err)
	}
	return nil
}

func validateJob(job Job) error {
	if strings.TrimSpace(job.ID) == "" {
		return errors.New("job id is required")
	}
	if err := validateAction(job.Action); err != nil {
		return err
	}
	return validateCron(job.Cron)
}

func validateAction(action Action) error {
	switch action {
	case ActionExpireIdle:
		return nil
	default:
		return fmt.Errorf("unsupported job action %s", action)
	}
}

func validateCron(spec string) error {
	trimmed := strings.TrimSpace(spec)
	if trimmed == "" {
		return errors.New("job cron is required")
	}
	if _, err := cron.ParseStandard(trimmed); err != nil {
		return fmt.Errorf("invalid cron expression %s: %w", spec, err)
	}
	return nil
}
