package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sazonovanton/SirChatalot-sub000/internal/channels"
	"github.com/sazonovanton/SirChatalot-sub000/internal/logging"
	"github.com/sazonovanton/SirChatalot-sub000/internal/runtime"
)

const (
	telegramQueueSize = 4
	shutdownTimeout   = 30 * time.Second
)

// telegramChannel is the part of the Telegram listener serve depends on.
type telegramChannel interface {
	runtime.Listener
	Handler(next runtime.Handler) runtime.Handler
}

var newTelegramChannel = func(token string, allowedUsers []int64) telegramChannel {
	return channels.NewTelegram(token, allowedUsers)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Run the Telegram bot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			tg := a.cfg.TelegramChannel()
			if !tg.Enabled {
				return errors.New("channels.telegram is disabled; nothing to serve")
			}

			llm := a.cfg.ActiveLLM()
			logging.Logger().Info(
				"starting server",
				"provider", llm.Provider,
				"model", llm.Model,
				"storage", a.cfg.Storage.Backend,
				"data_dir", a.cfg.DataDir(),
			)
			if _, err := fmt.Fprintf(
				cmd.OutOrStdout(),
				"starting server... provider=%s model=%s data_dir=%s\n",
				llm.Provider,
				llm.Model,
				a.cfg.DataDir(),
			); err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			service := newSchedulerService(a.cfg, a.engine)
			if err := service.Start(runCtx); err != nil {
				return err
			}

			listener := newTelegramChannel(tg.Token, tg.AllowedUsers)
			router := runtime.NewRouter(listener.Handler(a.handler()), telegramQueueSize)
			if err := router.Start(runCtx); err != nil {
				return err
			}
			listenErr := listener.Listen(runCtx, router)
			stop()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			router.Wait()
			if err := service.Stop(shutdownCtx); err != nil {
				return err
			}
			logging.Logger().Info("server stopped")
			return listenErr
		},
	}
}
