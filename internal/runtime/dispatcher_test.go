package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// startDispatcher runs d until the test ends.
func startDispatcher(t *testing.T, h Handler, queueSize int) *Dispatcher {
	t.Helper()
	d := NewDispatcher(h, 42, queueSize)
	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start dispatcher: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		d.Wait()
	})
	return d
}

func mustEnqueue(t *testing.T, d *Dispatcher, w ResponseWriter, texts ...string) {
	t.Helper()
	for _, text := range texts {
		if err := d.Enqueue(context.Background(), &Message{UserID: 42, Text: text}, w); err != nil {
			t.Fatalf("enqueue %q: %v", text, err)
		}
	}
}

func idleWithin(t *testing.T, d *Dispatcher, timeout time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := d.WaitUntilIdle(ctx); err != nil {
		t.Fatalf("wait until idle: %v", err)
	}
}

func TestDispatcherHandlesInOrder(t *testing.T) {
	h := &gateHandler{}
	d := startDispatcher(t, h, 8)

	mustEnqueue(t, d, &recordingWriter{}, "a", "b", "c")
	idleWithin(t, d, time.Second)

	if got := h.seen(); len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("handled = %v, want [a b c]", got)
	}
}

func TestDispatcherRunsOneMessageAtATime(t *testing.T) {
	h := &gateHandler{gate: "a", entered: make(chan struct{}), release: make(chan struct{})}
	d := startDispatcher(t, h, 8)

	mustEnqueue(t, d, &recordingWriter{}, "a")
	<-h.entered
	mustEnqueue(t, d, &recordingWriter{}, "b")

	time.Sleep(30 * time.Millisecond)
	if got := h.seen(); len(got) != 1 {
		t.Fatalf("second message ran while first was in flight: %v", got)
	}

	close(h.release)
	idleWithin(t, d, time.Second)
	if got := h.seen(); len(got) != 2 || got[1] != "b" {
		t.Fatalf("handled = %v, want [a b]", got)
	}
}

func TestDispatcherStopCancelsAndDropsQueue(t *testing.T) {
	h := &gateHandler{gate: "a", entered: make(chan struct{})}
	d := startDispatcher(t, h, 8)

	mustEnqueue(t, d, &recordingWriter{}, "a")
	<-h.entered
	mustEnqueue(t, d, &recordingWriter{}, "b", "c")

	d.Stop()
	idleWithin(t, d, time.Second)

	if !h.wasCanceled() {
		t.Fatalf("in-flight message was not canceled")
	}
	if got := h.seen(); len(got) != 1 {
		t.Fatalf("queued messages ran after stop: %v", got)
	}

	// The loop survives a stop.
	mustEnqueue(t, d, &recordingWriter{}, "d")
	idleWithin(t, d, time.Second)
	if got := h.seen(); got[len(got)-1] != "d" {
		t.Fatalf("handled = %v, want d last", got)
	}
}

func TestDispatcherStopWhenIdle(t *testing.T) {
	d := startDispatcher(t, &gateHandler{}, 1)
	d.Stop()
	idleWithin(t, d, 10*time.Millisecond)
}

func TestDispatcherHandlerErrors(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		wants []string
	}{
		{name: "generic", err: errors.New("boom"), wants: []string{userVisibleHandlerError}},
		{name: "canceled", err: context.Canceled},
		{name: "wrapped canceled", err: errors.Join(errors.New("provider"), context.Canceled)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &recordingWriter{}
			d := startDispatcher(t, &gateHandler{err: tt.err}, 1)
			mustEnqueue(t, d, w, "x")
			idleWithin(t, d, time.Second)

			got := w.sent()
			if len(got) != len(tt.wants) {
				t.Fatalf("writes = %v, want %v", got, tt.wants)
			}
			for i := range got {
				if got[i] != tt.wants[i] {
					t.Fatalf("writes = %v, want %v", got, tt.wants)
				}
			}
		})
	}
}

func TestDispatcherWaitUntilIdleHonorsContext(t *testing.T) {
	h := &gateHandler{gate: "a", entered: make(chan struct{})}
	d := startDispatcher(t, h, 1)
	mustEnqueue(t, d, &recordingWriter{}, "a")
	<-h.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.WaitUntilIdle(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitUntilIdle() = %v, want deadline exceeded", err)
	}
	d.Stop()
}

func TestDispatcherRejectsWhenQueueFull(t *testing.T) {
	h := &gateHandler{gate: "a", entered: make(chan struct{}), release: make(chan struct{})}
	d := startDispatcher(t, h, 1)

	mustEnqueue(t, d, &recordingWriter{}, "a")
	<-h.entered
	mustEnqueue(t, d, &recordingWriter{}, "b")

	err := d.Enqueue(context.Background(), &Message{Text: "c"}, &recordingWriter{})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Enqueue() = %v, want ErrQueueFull", err)
	}
	close(h.release)
	idleWithin(t, d, time.Second)
}

func TestDispatcherEnqueueValidation(t *testing.T) {
	unstarted := NewDispatcher(&gateHandler{}, 1, 1)
	if err := unstarted.Enqueue(context.Background(), &Message{}, &recordingWriter{}); err == nil {
		t.Fatalf("expected error before start")
	}

	d := startDispatcher(t, &gateHandler{}, 1)
	if err := d.Enqueue(context.Background(), nil, &recordingWriter{}); err == nil {
		t.Fatalf("expected error for nil message")
	}
	if err := d.Enqueue(context.Background(), &Message{}, nil); err == nil {
		t.Fatalf("expected error for nil writer")
	}
	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Enqueue(canceled, &Message{}, &recordingWriter{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Enqueue(canceled) = %v, want context.Canceled", err)
	}
	if err := d.Start(context.Background()); err == nil {
		t.Fatalf("expected error on second start")
	}
}

func TestDispatcherCloseEndsLoop(t *testing.T) {
	h := &gateHandler{gate: "a", entered: make(chan struct{})}
	d := NewDispatcher(h, 7, 4)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start dispatcher: %v", err)
	}
	mustEnqueue(t, d, &recordingWriter{}, "a")
	<-h.entered

	d.Close()
	done := make(chan struct{})
	go func() {
		d.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("dispatch loop still running after Close")
	}
	if err := d.Enqueue(context.Background(), &Message{Text: "late"}, &recordingWriter{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Enqueue() after Close = %v, want context.Canceled", err)
	}
}

func TestDispatcherIdleSince(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 5, 6, 7, 0, 0, 0, time.UTC)}
	h := &gateHandler{gate: "a", entered: make(chan struct{}), release: make(chan struct{})}
	d := NewDispatcher(h, 1, 2)
	d.now = clock.Now
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		d.Wait()
	}()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start dispatcher: %v", err)
	}

	mustEnqueue(t, d, &recordingWriter{}, "a")
	<-h.entered
	if _, idle := d.IdleSince(); idle {
		t.Fatalf("dispatcher reported idle with a message in flight")
	}

	clock.Advance(5 * time.Minute)
	close(h.release)
	idleWithin(t, d, time.Second)

	since, idle := d.IdleSince()
	if !idle {
		t.Fatalf("dispatcher not idle after handling")
	}
	if want := clock.Now(); !since.Equal(want) {
		t.Fatalf("IdleSince() = %v, want %v", since, want)
	}
}

// gateHandler records handled messages. The message named gate signals
// entered and then blocks until release is closed or its context ends.
type gateHandler struct {
	gate    string
	entered chan struct{}
	release chan struct{}
	err     error

	mu       sync.Mutex
	handled  []string
	canceled bool
}

func (h *gateHandler) HandleMessage(ctx context.Context, _ ResponseWriter, msg *Message) error {
	h.mu.Lock()
	h.handled = append(h.handled, msg.Text)
	h.mu.Unlock()

	if h.gate != "" && msg.Text == h.gate {
		close(h.entered)
		select {
		case <-h.release:
		case <-ctx.Done():
			h.mu.Lock()
			h.canceled = true
			h.mu.Unlock()
			return ctx.Err()
		}
	}
	return h.err
}

func (h *gateHandler) seen() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.handled...)
}

func (h *gateHandler) wasCanceled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.canceled
}

type recordingWriter struct {
	mu       sync.Mutex
	messages []string
	images   []string
}

func (w *recordingWriter) WriteMessage(_ context.Context, text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.messages = append(w.messages, text)
	return nil
}

func (w *recordingWriter) WriteImage(_ context.Context, _ string, caption string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.images = append(w.images, caption)
	return nil
}

func (w *recordingWriter) sent() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.messages...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
