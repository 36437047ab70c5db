package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Expirer deletes conversations idle for longer than maxIdle and reports how
// many were removed.
type Expirer interface {
	ExpireIdle(ctx context.Context, maxIdle time.Duration) (int, error)
}

// Runner executes jobs by dispatching to action-specific handlers.
type Runner struct {
	expirer    Expirer
	idleExpiry time.Duration
}

// NewRunner constructs a runner. idleExpiry of zero disables expiry.
func NewRunner(expirer Expirer, idleExpiry time.Duration) *Runner {
	return &Runner{expirer: expirer, idleExpiry: idleExpiry}
}

// Run executes one job action and returns a short summary of what it did.
func (r *Runner) Run(ctx context.Context, job Job) (string, error) {
	switch job.Action {
	case ActionExpireIdle:
		if r.expirer == nil {
			return "", errors.New("expire_idle runner is not configured")
		}
		if r.idleExpiry <= 0 {
			return "idle expiry disabled", nil
		}
		n, err := r.expirer.ExpireIdle(ctx, r.idleExpiry)
		if err != nil {
			return "", fmt.Errorf("expire idle conversations: %w", err)
		}
		return fmt.Sprintf("expired %d conversations", n), nil
	default:
		return "", fmt.Errorf("unsupported action %q", job.Action)
	}
}
