package channels

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"
	"golang.org/x/term"

	"github.com/sazonovanton/SirChatalot-sub000/internal/runtime"
)

const (
	defaultReplPrompt = "you> "
	// Allow queued input to finish when stdin closes before shutting down.
	dispatchDrainTimeout = 5 * time.Minute
)

var _ runtime.Listener = (*CLIListener)(nil)

// CLIWriter writes assistant responses to terminal output. Images are saved
// under imageDir.
type CLIWriter struct {
	mu       sync.Mutex
	out      io.Writer
	imageDir string
	now      func() time.Time
}

// NewCLIWriter creates a writer printing to out and saving images under
// imageDir.
func NewCLIWriter(out io.Writer, imageDir string) *CLIWriter {
	return &CLIWriter{out: out, imageDir: imageDir}
}

// WriteMessage writes one assistant message line.
func (w *CLIWriter) WriteMessage(_ context.Context, text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := fmt.Fprintf(w.out, "assistant> %s\n\n", text)
	return err
}

// WriteImage saves the image to a PNG file and prints its path.
func (w *CLIWriter) WriteImage(_ context.Context, imageBase64, caption string) error {
	data, err := base64.StdEncoding.DecodeString(imageBase64)
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}
	dir := w.imageDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create image dir: %w", err)
	}
	now := time.Now
	if w.now != nil {
		now = w.now
	}
	path := filepath.Join(dir, fmt.Sprintf("image_%s.png", now().UTC().Format("20060102T150405.000")))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write image: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = fmt.Fprintf(w.out, "assistant> [image saved to %s] %s\n\n", path, caption)
	return err
}

// CLIListener runs an interactive terminal conversation as one local user.
type CLIListener struct {
	in     io.Reader
	out    io.Writer
	userID int64
	writer *CLIWriter

	// HistoryFile keeps readline history between sessions when stdin is a
	// terminal. Empty disables history.
	HistoryFile string
}

// NewCLI creates a CLI listener over stdin/stdout style streams. Messages are
// sent on behalf of userID and images are saved under imageDir.
func NewCLI(in io.Reader, out io.Writer, userID int64, imageDir string) *CLIListener {
	return &CLIListener{
		in:     in,
		out:    out,
		userID: userID,
		writer: NewCLIWriter(out, imageDir),
	}
}

// Listen runs the interactive loop until EOF, /quit or /exit.
func (c *CLIListener) Listen(ctx context.Context, router *runtime.Router) error {
	if router == nil {
		return errors.New("router is required")
	}
	lines := c.openLineReader()
	defer lines.Close()

	if _, err := fmt.Fprintln(c.out, "Interactive mode. Type /help for commands, /quit or /exit to stop."); err != nil {
		return err
	}

	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()
	inputCh := make(chan inputEvent)
	go readInputLoop(readCtx, lines, inputCh)

	for {
		var event inputEvent
		var ok bool
		select {
		case <-ctx.Done():
			router.Stop(c.userID)
			return nil
		case event, ok = <-inputCh:
		}

		switch {
		case !ok, errors.Is(event.err, io.EOF):
			c.drain(router)
			return nil
		case errors.Is(event.err, context.Canceled):
			router.Stop(c.userID)
			return nil
		case event.err != nil:
			return event.err
		}

		done, err := c.handleLine(ctx, router, strings.TrimSpace(event.line))
		if done || err != nil {
			return err
		}
	}
}

// handleLine acts on one input line and reports whether the session ended.
func (c *CLIListener) handleLine(ctx context.Context, router *runtime.Router, line string) (bool, error) {
	switch strings.ToLower(line) {
	case "":
		return false, nil
	case "/stop":
		router.Stop(c.userID)
		_ = c.writer.WriteMessage(ctx, "Stopped.")
		return false, nil
	case "/quit", "quit", "/exit", "exit":
		router.Stop(c.userID)
		_ = c.writer.WriteMessage(ctx, "Bye.")
		return true, nil
	}

	err := router.Route(ctx, &runtime.Message{UserID: c.userID, Text: line}, c.writer)
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, context.Canceled):
		return true, nil
	case errors.Is(err, runtime.ErrQueueFull):
		_ = c.writer.WriteMessage(ctx, "Still working on your previous messages.")
		return false, nil
	default:
		return true, err
	}
}

func (c *CLIListener) drain(router *runtime.Router) {
	drainCtx, cancel := context.WithTimeout(context.Background(), dispatchDrainTimeout)
	defer cancel()
	if err := router.WaitUntilIdle(drainCtx); err != nil {
		router.Stop(c.userID)
	}
}

// lineReader yields one line of user input per call.
type lineReader interface {
	ReadLine() (string, error)
	Close() error
}

// openLineReader uses readline on a real terminal and a plain prompt
// otherwise.
func (c *CLIListener) openLineReader() lineReader {
	if rl, err := newReadline(c.in, c.out, c.HistoryFile); err == nil {
		return readlineReader{rl}
	}
	return &promptReader{out: c.out, in: bufio.NewReader(c.in)}
}

type readlineReader struct {
	rl *readline.Instance
}

func (r readlineReader) ReadLine() (string, error) {
	line, err := r.rl.Readline()
	if errors.Is(err, readline.ErrInterrupt) {
		return "", io.EOF
	}
	return line, err
}

func (r readlineReader) Close() error { return r.rl.Close() }

type promptReader struct {
	out io.Writer
	in  *bufio.Reader
}

func (r *promptReader) ReadLine() (string, error) {
	if _, err := fmt.Fprint(r.out, defaultReplPrompt); err != nil {
		return "", err
	}
	line, err := r.in.ReadString('\n')
	if err != nil && line != "" {
		// Last line without a trailing newline.
		return line, nil
	}
	return line, err
}

func (r *promptReader) Close() error { return nil }

func readInputLoop(ctx context.Context, lines lineReader, out chan<- inputEvent) {
	defer close(out)
	for ctx.Err() == nil {
		line, err := lines.ReadLine()
		select {
		case out <- inputEvent{line: line, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

type inputEvent struct {
	line string
	err  error
}

func newReadline(in io.Reader, out io.Writer, historyFile string) (*readline.Instance, error) {
	inFile, ok := in.(*os.File)
	if !ok || !term.IsTerminal(int(inFile.Fd())) {
		return nil, errors.New("stdin is not a terminal")
	}
	outFile, ok := out.(*os.File)
	if !ok || !term.IsTerminal(int(outFile.Fd())) {
		return nil, errors.New("stdout is not a terminal")
	}

	return readline.NewEx(&readline.Config{
		Prompt:          defaultReplPrompt,
		HistoryFile:     historyFile,
		HistoryLimit:    200,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		Stdin:           inFile,
		Stdout:          outFile,
		Stderr:          outFile,
	})
}
