package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

// Supported provider adapters.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderYandex    = "yandex"
)

// Validatable is implemented by config sections that can self-validate.
type Validatable interface {
	Validate() error
}

// ValidationReport carries non-fatal findings.
type ValidationReport struct {
	Warnings []string
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("provider", validateProvider)
	return v
}

func validateProvider(fl validator.FieldLevel) bool {
	switch strings.ToLower(fl.Field().String()) {
	case ProviderOpenAI, ProviderAnthropic, ProviderYandex:
		return true
	}
	return false
}

func structErrors(err error) []error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []error{err}
	}
	out := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, fmt.Errorf("%s: failed %q validation (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return out
}

// Validate checks provider-specific rules not expressible as tags.
func (c LLMProviderConfig) Validate() error {
	if c.RequestTimeout <= 0 {
		return errors.New("request_timeout must be > 0")
	}
	switch strings.ToLower(c.Provider) {
	case ProviderOpenAI, ProviderAnthropic:
		if c.APIKey == "" {
			return errors.New("api_key is required")
		}
	case ProviderYandex:
		if c.APIKey == "" {
			return errors.New("api_key is required")
		}
		if c.FolderID == "" {
			return errors.New("folder_id is required for yandex")
		}
	default:
		return fmt.Errorf("unsupported provider %q", c.Provider)
	}
	return nil
}

// Validate checks required channel fields when the channel is enabled.
func (c ChannelConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Token == "" {
		return errors.New("token is required when enabled=true")
	}
	return nil
}

// Validate checks image generation settings.
func (c ImagesConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.APIKey == "" {
		return errors.New("api_key is required when enabled=true")
	}
	if c.RateLimitCount > 0 && c.RateLimitWindow <= 0 {
		return errors.New("rate_limit_window must be > 0 when rate_limit_count is set")
	}
	return nil
}

// Validate checks the maintenance cron expression.
func (c MaintenanceConfig) Validate() error {
	if c.Schedule == "" {
		return nil
	}
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", c.Schedule, err)
	}
	return nil
}

// Validate validates startup configuration, joining every fatal error.
func (cfg *Config) Validate() (*ValidationReport, error) {
	var errs []error
	report := &ValidationReport{}

	if err := newValidator().Struct(cfg); err != nil {
		errs = append(errs, structErrors(err)...)
	}

	if _, ok := cfg.LLM[cfg.Provider]; !ok {
		errs = append(errs, fmt.Errorf("provider %q does not name an llm.* profile", cfg.Provider))
	}
	for name, llmCfg := range cfg.LLM {
		if err := llmCfg.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("llm.%s: %w", name, err))
		}
	}
	for name, chCfg := range cfg.Channels {
		if err := chCfg.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("channels.%s: %w", name, err))
		}
		if name == defaultTelegramChannel && chCfg.Enabled && len(chCfg.AllowedUsers) == 0 {
			report.Warnings = append(report.Warnings, "channels.telegram.allowed_users is empty, every Telegram user can chat")
		}
	}
	if err := cfg.Images.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("images: %w", err))
	}
	if err := cfg.Maintenance.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("maintenance: %w", err))
	}

	active := cfg.ActiveLLM()
	if strings.EqualFold(active.Provider, ProviderYandex) {
		if cfg.Features.Functions {
			report.Warnings = append(report.Warnings, "features.functions is ignored by the yandex provider")
		}
		if cfg.Features.Vision {
			report.Warnings = append(report.Warnings, "features.vision has no effect with the yandex provider; images will be refused")
		}
	}
	if cfg.Features.Moderation && !strings.EqualFold(active.Provider, ProviderOpenAI) {
		report.Warnings = append(report.Warnings, "features.moderation requires the openai provider and is disabled")
	}

	if len(errs) > 0 {
		return report, errors.Join(errs...)
	}
	return report, nil
}
