package cli

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sazonovanton/SirChatalot-sub000/internal/channels"
	"github.com/sazonovanton/SirChatalot-sub000/internal/runtime"
)

const (
	// localUserID identifies the terminal user; Telegram IDs are positive.
	localUserID  = 0
	cliQueueSize = 4
	imagesDir    = "images"
)

func newChatCmd() *cobra.Command {
	var (
		prompt string
		userID int64
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Send a message (or start interactive chat without -p)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			imageDir := filepath.Join(a.cfg.DataDir(), imagesDir)
			trimmedPrompt := strings.TrimSpace(prompt)
			if trimmedPrompt != "" {
				writer := &singleShotWriter{
					out:    cmd.OutOrStdout(),
					images: channels.NewCLIWriter(cmd.OutOrStdout(), imageDir),
				}
				return a.handler().HandleMessage(cmd.Context(), writer, &runtime.Message{UserID: userID, Text: trimmedPrompt})
			}

			router := runtime.NewRouter(a.handler(), cliQueueSize)
			if err := router.Start(cmd.Context()); err != nil {
				return err
			}
			listener := channels.NewCLI(cmd.InOrStdin(), cmd.OutOrStdout(), userID, imageDir)
			listener.HistoryFile = a.cfg.HistoryPath()
			return listener.Listen(cmd.Context(), router)
		},
	}

	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "Prompt message")
	cmd.Flags().Int64Var(&userID, "user", localUserID, "Conversation owner ID")

	return cmd
}

type singleShotWriter struct {
	out    io.Writer
	images *channels.CLIWriter
}

// WriteMessage writes one response message for one-shot prompt mode.
func (w *singleShotWriter) WriteMessage(_ context.Context, text string) error {
	_, err := fmt.Fprintln(w.out, text)
	return err
}

// WriteImage saves the image and prints where it went.
func (w *singleShotWriter) WriteImage(ctx context.Context, imageBase64, caption string) error {
	return w.images.WriteImage(ctx, imageBase64, caption)
}
