package runtime

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultIdleTimeout is how long an idle user keeps its dispatcher.
const DefaultIdleTimeout = 30 * time.Minute

// Router fans inbound messages out to one Dispatcher per user, so a user's
// messages run in order while different users run concurrently.
type Router struct {
	handler     Handler
	queueSize   int
	idleTimeout time.Duration
	now         func() time.Time

	mu      sync.Mutex
	ctx     context.Context
	started bool
	byUser  map[int64]*Dispatcher
}

// NewRouter creates a router whose per-user queues hold queueSize messages.
func NewRouter(handler Handler, queueSize int) *Router {
	return &Router{
		handler:     handler,
		queueSize:   queueSize,
		idleTimeout: DefaultIdleTimeout,
		now:         time.Now,
		byUser:      make(map[int64]*Dispatcher),
	}
}

// Start enables routing. Dispatchers created later stop when ctx is done.
func (r *Router) Start(ctx context.Context) error {
	if r.handler == nil {
		return errors.New("handler is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("router already started")
	}
	r.ctx = ctx
	r.started = true
	return nil
}

// Route enqueues msg on its user's dispatcher. The router lock is held until
// the message is queued so a sweep cannot close the dispatcher in between.
func (r *Router) Route(ctx context.Context, msg *Message, writer ResponseWriter) error {
	if msg == nil {
		return errors.New("message is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	d, err := r.dispatcherLocked(msg.UserID)
	if err != nil {
		return err
	}
	return d.Enqueue(ctx, msg, writer)
}

// Stop cancels the in-flight message of userID and drops its queue.
func (r *Router) Stop(userID int64) {
	r.mu.Lock()
	d := r.byUser[userID]
	r.mu.Unlock()
	if d != nil {
		d.Stop()
	}
}

// WaitUntilIdle blocks until every user queue is idle.
func (r *Router) WaitUntilIdle(ctx context.Context) error {
	for _, d := range r.snapshot() {
		if err := d.WaitUntilIdle(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Wait blocks until every dispatch loop has exited.
func (r *Router) Wait() {
	for _, d := range r.snapshot() {
		d.Wait()
	}
}

// Users returns how many users have a dispatcher.
func (r *Router) Users() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser)
}

func (r *Router) dispatcherLocked(userID int64) (*Dispatcher, error) {
	if !r.started {
		return nil, errors.New("router is not started")
	}
	if d, ok := r.byUser[userID]; ok {
		return d, nil
	}
	r.sweepLocked()
	d := NewDispatcher(r.handler, userID, r.queueSize)
	d.now = r.now
	d.lastActive = r.now()
	if err := d.Start(r.ctx); err != nil {
		return nil, err
	}
	r.byUser[userID] = d
	return d, nil
}

// sweepLocked closes dispatchers whose users have been quiet longer than
// idleTimeout.
func (r *Router) sweepLocked() {
	if r.idleTimeout <= 0 {
		return
	}
	cutoff := r.now().Add(-r.idleTimeout)
	for userID, d := range r.byUser {
		since, idle := d.IdleSince()
		if !idle || since.After(cutoff) {
			continue
		}
		d.Close()
		delete(r.byUser, userID)
	}
}

func (r *Router) snapshot() []*Dispatcher {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Dispatcher, 0, len(r.byUser))
	for _, d := range r.byUser {
		out = append(out, d)
	}
	return out
}
