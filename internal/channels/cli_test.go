package channels

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sazonovanton/SirChatalot-sub000/internal/runtime"
)

func TestCLIListenerListenDispatchesMessages(t *testing.T) {
	out := &lockedBuffer{}
	listener := NewCLI(strings.NewReader("hello\n"), out, 1, t.TempDir())

	handler := &testHandler{response: "ok"}
	router, stop := startTestRouter(t, handler)
	defer stop()

	if err := listener.Listen(context.Background(), router); err != nil {
		t.Fatalf("listen: %v", err)
	}

	if got := handler.seen(); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("expected one dispatched message, got %#v", got)
	}
	if got := out.String(); !strings.Contains(got, "assistant> ok") {
		t.Fatalf("expected assistant output, got %q", got)
	}
}

func TestCLIListenerListenRoutesAsConfiguredUser(t *testing.T) {
	out := &lockedBuffer{}
	listener := NewCLI(strings.NewReader("hi\n"), out, 77, t.TempDir())

	handler := &testHandler{response: "ok"}
	router, stop := startTestRouter(t, handler)
	defer stop()

	if err := listener.Listen(context.Background(), router); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if got := handler.users(); len(got) != 1 || got[0] != 77 {
		t.Fatalf("expected message from user 77, got %#v", got)
	}
}

func TestCLIListenerListenExitsOnExitCommands(t *testing.T) {
	for _, command := range []string{"/exit", "/quit", "exit"} {
		t.Run(command, func(t *testing.T) {
			out := &lockedBuffer{}
			listener := NewCLI(strings.NewReader(command+"\nhello\n"), out, 1, t.TempDir())
			handler := &testHandler{response: "unused"}
			router, stop := startTestRouter(t, handler)
			defer stop()

			if err := listener.Listen(context.Background(), router); err != nil {
				t.Fatalf("listen: %v", err)
			}
			if got := handler.seen(); len(got) != 0 {
				t.Fatalf("expected no handler calls, got %#v", got)
			}
			if got := out.String(); !strings.Contains(got, "assistant> Bye.") {
				t.Fatalf("expected bye output, got %q", got)
			}
		})
	}
}

func TestCLIListenerListenHandlesStopWithoutDispatch(t *testing.T) {
	out := &lockedBuffer{}
	listener := NewCLI(strings.NewReader("/stop\n/quit\n"), out, 1, t.TempDir())
	handler := &testHandler{response: "unused"}
	router, stop := startTestRouter(t, handler)
	defer stop()

	if err := listener.Listen(context.Background(), router); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if got := handler.seen(); len(got) != 0 {
		t.Fatalf("expected no handler calls, got %#v", got)
	}
	if got := out.String(); !strings.Contains(got, "assistant> Stopped.") {
		t.Fatalf("expected stop output, got %q", got)
	}
}

func TestCLIListenerListenWritesHandlerError(t *testing.T) {
	out := &lockedBuffer{}
	listener := NewCLI(strings.NewReader("hello\n"), out, 1, t.TempDir())
	handler := &testHandler{err: errors.New("boom")}
	router, stop := startTestRouter(t, handler)
	defer stop()

	if err := listener.Listen(context.Background(), router); err != nil {
		t.Fatalf("listen: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "assistant> ") || strings.Contains(got, "boom") {
		t.Fatalf("expected generic error reply without internals, got %q", got)
	}
}

func TestCLIListenerRequiresRouter(t *testing.T) {
	listener := NewCLI(strings.NewReader(""), &lockedBuffer{}, 1, t.TempDir())
	if err := listener.Listen(context.Background(), nil); err == nil {
		t.Fatal("expected error without router")
	}
}

func TestCLIListenerSkipsBlankLinesAndReadsUnterminatedLast(t *testing.T) {
	out := &lockedBuffer{}
	listener := NewCLI(strings.NewReader("\n   \nfirst\nlast"), out, 1, t.TempDir())
	handler := &testHandler{response: "ok"}
	router, stop := startTestRouter(t, handler)
	defer stop()

	if err := listener.Listen(context.Background(), router); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if got := handler.seen(); len(got) != 2 || got[0] != "first" || got[1] != "last" {
		t.Fatalf("dispatched %#v, want [first last]", got)
	}
}

func TestPromptReaderPrintsPrompt(t *testing.T) {
	var out bytes.Buffer
	r := &promptReader{out: &out, in: bufio.NewReader(strings.NewReader("hi\n"))}
	line, err := r.ReadLine()
	if err != nil || line != "hi\n" {
		t.Fatalf("ReadLine() = %q, %v", line, err)
	}
	if out.String() != defaultReplPrompt {
		t.Fatalf("prompt = %q, want %q", out.String(), defaultReplPrompt)
	}
	if _, err := r.ReadLine(); !errors.Is(err, io.EOF) {
		t.Fatalf("ReadLine() at end = %v, want EOF", err)
	}
}

func TestCLIWriterWriteImageSavesFile(t *testing.T) {
	dir := t.TempDir()
	out := &bytes.Buffer{}
	writer := &CLIWriter{
		out:      out,
		imageDir: dir,
		now:      func() time.Time { return time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC) },
	}

	encoded := base64.StdEncoding.EncodeToString([]byte("png-bytes"))
	if err := writer.WriteImage(context.Background(), encoded, "a cat"); err != nil {
		t.Fatalf("write image: %v", err)
	}

	path := filepath.Join(dir, "image_20240506T070809.000.png")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read saved image: %v", err)
	}
	if string(data) != "png-bytes" {
		t.Fatalf("unexpected image bytes %q", data)
	}
	if got := out.String(); !strings.Contains(got, path) || !strings.Contains(got, "a cat") {
		t.Fatalf("expected path and caption in output, got %q", got)
	}
}

func TestCLIWriterWriteImageRejectsBadBase64(t *testing.T) {
	writer := &CLIWriter{out: &bytes.Buffer{}, imageDir: t.TempDir()}
	if err := writer.WriteImage(context.Background(), "%%%", ""); err == nil {
		t.Fatal("expected decode error")
	}
}

type testHandler struct {
	mu       sync.Mutex
	response string
	err      error
	messages []string
	userIDs  []int64
}

func (h *testHandler) HandleMessage(ctx context.Context, w runtime.ResponseWriter, msg *runtime.Message) error {
	h.mu.Lock()
	h.messages = append(h.messages, msg.Text)
	h.userIDs = append(h.userIDs, msg.UserID)
	h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	return w.WriteMessage(ctx, h.response)
}

func (h *testHandler) seen() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.messages...)
}

func (h *testHandler) users() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int64(nil), h.userIDs...)
}

// lockedBuffer is written by the prompt loop and the dispatch goroutine.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
