package cli

import (
	"strings"

	"github.com/sazonovanton/SirChatalot-sub000/internal/config"
	"github.com/sazonovanton/SirChatalot-sub000/internal/logging"
)

// Emit startup warnings derived from non-fatal config conditions.
func warnStartupConditions(cfg *config.Config, report *config.ValidationReport) {
	if cfg == nil {
		return
	}

	if report != nil {
		for _, warning := range report.Warnings {
			logging.Logger().Warn(warning)
		}
	}
	if strings.EqualFold(strings.TrimSpace(cfg.Web.Search.Provider), "brave") &&
		strings.TrimSpace(cfg.Web.Search.APIKey) == "" {
		logging.Logger().Warn("web.search.api_key is empty while web.search.provider is brave. web_search tool will fail until this is set")
	}
	if cfg.Chat.IdleExpiry > 0 && strings.TrimSpace(cfg.Maintenance.Schedule) == "" {
		logging.Logger().Warn("chat.idle_expiry is set but maintenance.schedule is empty; idle conversations are never expired")
	}
}
