package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sazonovanton/SirChatalot-sub000/internal/chat"
	"github.com/sazonovanton/SirChatalot-sub000/internal/logging"
)

// ErrQueueFull is returned when a user already has too many pending messages.
var ErrQueueFull = errors.New("too many pending messages")

var userVisibleHandlerError = chat.ErrUnknown.UserText()

// Dispatcher executes one user's queued messages sequentially against a
// Handler.
type Dispatcher struct {
	handler Handler
	userID  int64
	now     func() time.Time

	queue chan dispatchItem
	done  chan struct{}

	mu      sync.Mutex
	started bool
	ctx     context.Context
	closeFn context.CancelFunc
	// inFlight cancels the message being handled.
	inFlight context.CancelFunc
	// pending counts messages accepted but not yet fully handled. idle is
	// closed whenever pending is zero.
	pending    int
	idle       chan struct{}
	lastActive time.Time
}

type dispatchItem struct {
	msg    *Message
	writer ResponseWriter
}

// NewDispatcher creates a dispatcher for userID with a fixed-size queue.
func NewDispatcher(handler Handler, userID int64, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1
	}
	idle := make(chan struct{})
	close(idle)
	return &Dispatcher{
		handler:    handler,
		userID:     userID,
		now:        time.Now,
		queue:      make(chan dispatchItem, queueSize),
		done:       make(chan struct{}),
		idle:       idle,
		lastActive: time.Now(),
	}
}

// Start begins the dispatch loop. The loop ends when ctx is done or Close is
// called.
func (d *Dispatcher) Start(ctx context.Context) error {
	if d == nil {
		return errors.New("dispatcher is required")
	}
	if d.handler == nil {
		return errors.New("handler is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return errors.New("dispatcher already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.started = true
	d.ctx = loopCtx
	d.closeFn = cancel

	go d.run(loopCtx)
	return nil
}

// Enqueue submits one message for FIFO processing. It fails instead of
// blocking when the queue is full.
func (d *Dispatcher) Enqueue(ctx context.Context, msg *Message, writer ResponseWriter) error {
	if msg == nil {
		return errors.New("message is required")
	}
	if writer == nil {
		return errors.New("response writer is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return errors.New("dispatcher is not started")
	}
	if err := d.ctx.Err(); err != nil {
		return err
	}
	select {
	case d.queue <- dispatchItem{msg: msg, writer: writer}:
		d.adjustPendingLocked(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop cancels the in-flight message and drops every queued one. The loop
// keeps running.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight != nil {
		d.inFlight()
		d.inFlight = nil
	}
	for {
		select {
		case <-d.queue:
			d.adjustPendingLocked(-1)
		default:
			return
		}
	}
}

// Close stops the dispatcher and ends its loop.
func (d *Dispatcher) Close() {
	d.Stop()
	d.mu.Lock()
	closeFn := d.closeFn
	d.mu.Unlock()
	if closeFn != nil {
		closeFn()
	}
}

// WaitUntilIdle blocks until no message is running and the queue is empty.
func (d *Dispatcher) WaitUntilIdle(ctx context.Context) error {
	if d == nil {
		return errors.New("dispatcher is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	d.mu.Lock()
	idle := d.idle
	d.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IdleSince reports when the dispatcher last finished work. ok is false while
// messages are pending.
func (d *Dispatcher) IdleSince() (since time.Time, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastActive, d.pending == 0
}

// Wait blocks until the dispatch loop exits.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()
	if !started {
		return
	}
	<-d.done
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			d.Stop()
			return
		case item := <-d.queue:
			d.handle(ctx, item)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, item dispatchItem) {
	runCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.inFlight = cancel
	d.mu.Unlock()

	err := d.handler.HandleMessage(runCtx, item.writer, item.msg)
	cancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.Logger().Error("message handling failed", "user_id", d.userID, "err", err)
		if writeErr := item.writer.WriteMessage(ctx, userVisibleHandlerError); writeErr != nil {
			logging.Logger().Warn("failed to write handler error message", "user_id", d.userID, "err", writeErr)
		}
	}

	// The message counts as pending until its error reply is written.
	d.mu.Lock()
	d.inFlight = nil
	d.adjustPendingLocked(-1)
	d.mu.Unlock()
}

// adjustPendingLocked must be called with d.mu held.
func (d *Dispatcher) adjustPendingLocked(delta int) {
	before := d.pending
	d.pending += delta
	d.lastActive = d.now()
	switch {
	case before == 0 && d.pending > 0:
		d.idle = make(chan struct{})
	case before > 0 && d.pending == 0:
		close(d.idle)
	}
}
