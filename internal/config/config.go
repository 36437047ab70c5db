// Package config loads Chatalot runtime configuration from a TOML file and environment variables, exposing typed structs and accessors for all sections.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultProfile         = "default"
	defaultTelegramChannel = "telegram"

	// StorageFile keeps one JSON document per user and bucket.
	StorageFile = "file"
	// StorageSQLite keeps all buckets in one SQLite database.
	StorageSQLite = "sqlite"
)

// DefaultSystemMessage is used when chat.system_message is not configured.
const DefaultSystemMessage = "You are Sir Chatalot, a helpful and polite assistant. Answer concisely and use Markdown when it helps readability."

// Config is the runtime configuration loaded from defaults, config.toml, and env vars.
type Config struct {
	// HomeDir is runtime-resolved from CHATALOT_HOME and not read from config.
	HomeDir     string                       `mapstructure:"-"`
	Provider    string                       `mapstructure:"provider" validate:"required"`
	LLM         map[string]LLMProviderConfig `mapstructure:"llm" validate:"dive"`
	Features    FeaturesConfig               `mapstructure:"features"`
	Chat        ChatConfig                   `mapstructure:"chat"`
	Images      ImagesConfig                 `mapstructure:"images"`
	Web         WebConfig                    `mapstructure:"web"`
	Storage     StorageConfig                `mapstructure:"storage"`
	Costs       CostsConfig                  `mapstructure:"costs"`
	Channels    map[string]ChannelConfig     `mapstructure:"channels"`
	Maintenance MaintenanceConfig            `mapstructure:"maintenance"`
}

// LLMProviderConfig configures one LLM provider profile.
type LLMProviderConfig struct {
	APIKey            string        `mapstructure:"api_key"`
	Provider          string        `mapstructure:"provider" validate:"required,provider"`
	Model             string        `mapstructure:"model" validate:"required"`
	BaseURL           string        `mapstructure:"base_url" validate:"omitempty,url"`
	FolderID          string        `mapstructure:"folder_id"`
	Temperature       float64       `mapstructure:"temperature" validate:"gte=0,lte=2"`
	MaxTokens         int           `mapstructure:"max_tokens" validate:"gte=0"`
	ContextTokens     int           `mapstructure:"context_tokens" validate:"gte=0"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" validate:"gte=0"`
	PromptPrice       float64       `mapstructure:"prompt_price" validate:"gte=0"`
	CompletionPrice   float64       `mapstructure:"completion_price" validate:"gte=0"`
	ImageTokens       int           `mapstructure:"image_tokens" validate:"gte=0"`
}

// FeaturesConfig toggles optional engine behavior.
type FeaturesConfig struct {
	Vision               bool `mapstructure:"vision"`
	Functions            bool `mapstructure:"functions"`
	Moderation           bool `mapstructure:"moderation"`
	SummarizeOnOverflow  bool `mapstructure:"summarize_on_overflow"`
	DeleteChatOnError    bool `mapstructure:"delete_chat_on_error"`
	ChatLogging          bool `mapstructure:"chat_logging"`
	MaxToolResubmissions int  `mapstructure:"max_tool_resubmissions" validate:"gte=0,lte=10"`
	SummaryKeepLast      int  `mapstructure:"summary_keep_last" validate:"gte=1"`
}

// ChatConfig controls conversation defaults.
type ChatConfig struct {
	SystemMessage string        `mapstructure:"system_message"`
	IdleExpiry    time.Duration `mapstructure:"idle_expiry"`
}

// ImagesConfig configures the image generation tool.
type ImagesConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	APIKey          string        `mapstructure:"api_key"`
	BaseURL         string        `mapstructure:"base_url" validate:"omitempty,url"`
	Model           string        `mapstructure:"model"`
	Size            string        `mapstructure:"size"`
	Price           float64       `mapstructure:"price" validate:"gte=0"`
	RateLimitCount  int           `mapstructure:"rate_limit_count" validate:"gte=0"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
}

// WebConfig configures built-in web tool behavior.
type WebConfig struct {
	Search    WebSearchConfig `mapstructure:"search"`
	URLOpener bool            `mapstructure:"url_opener"`
}

// WebSearchConfig configures the web search provider.
type WebSearchConfig struct {
	Provider string `mapstructure:"provider"`
	APIKey   string `mapstructure:"api_key"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Backend string `mapstructure:"backend" validate:"oneof=file sqlite"`
}

// CostsConfig defines soft USD spending limits and non-token prices.
type CostsConfig struct {
	DailyLimit   float64 `mapstructure:"daily_limit" validate:"gte=0"`
	MonthlyLimit float64 `mapstructure:"monthly_limit" validate:"gte=0"`
	AudioPrice   float64 `mapstructure:"audio_price" validate:"gte=0"`
}

// ChannelConfig configures one inbound/outbound channel.
type ChannelConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Token        string  `mapstructure:"token"`
	AllowedUsers []int64 `mapstructure:"allowed_users"`
}

// MaintenanceConfig schedules background housekeeping.
type MaintenanceConfig struct {
	Schedule string `mapstructure:"schedule"`
}

var defaultConfig = Config{
	Provider: defaultProfile,
	LLM: map[string]LLMProviderConfig{
		defaultProfile: {
			APIKey:          "",
			Provider:        "openai",
			Model:           "gpt-4o-mini",
			Temperature:     0.7,
			MaxTokens:       1024,
			ContextTokens:   8000,
			RequestTimeout:  60 * time.Second,
			PromptPrice:     0.00015,
			CompletionPrice: 0.0006,
		},
	},
	Features: FeaturesConfig{
		MaxToolResubmissions: 1,
		SummaryKeepLast:      4,
	},
	Chat: ChatConfig{
		SystemMessage: DefaultSystemMessage,
		IdleExpiry:    0,
	},
	Images: ImagesConfig{
		Model:           "dall-e-3",
		Size:            "1024x1024",
		Price:           0.04,
		RateLimitCount:  5,
		RateLimitWindow: time.Hour,
	},
	Storage: StorageConfig{
		Backend: StorageFile,
	},
	Channels: map[string]ChannelConfig{
		defaultTelegramChannel: {
			Enabled: true,
			Token:   "",
		},
	},
	Maintenance: MaintenanceConfig{
		Schedule: "@hourly",
	},
}

// homeDir returns the Chatalot home directory.
// Uses CHATALOT_HOME env var if set, otherwise defaults to ~/.chatalot.
func homeDir() (string, error) {
	if dir := os.Getenv("CHATALOT_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return defaultHomePath(home), nil
}

func newViper(home string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(homeConfigPath(home))
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	return v, nil
}

// Load merges hardcoded defaults and config file values in that order.
// Config is always at $CHATALOT_HOME/config.toml.
func Load() (*Config, error) {
	home, err := homeDir()
	if err != nil {
		return nil, err
	}
	v, err := newViper(home)
	if err != nil {
		return nil, err
	}

	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		expandEnvStringHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)

	if err := v.Unmarshal(&cfg, func(c *mapstructure.DecoderConfig) {
		c.DecodeHook = decodeHook
	}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.HomeDir = home

	return &cfg, nil
}

// Write writes the merged configuration (defaults overlaid by user
// config) to w in TOML format.
func Write(w io.Writer) error {
	if w == nil {
		return errors.New("writer is required")
	}

	home, err := homeDir()
	if err != nil {
		return err
	}
	v, err := newViper(home)
	if err != nil {
		return err
	}

	// Keep duration fields human-readable in generated TOML.
	for _, key := range []string{"chat.idle_expiry", "images.rate_limit_window"} {
		v.Set(key, v.GetDuration(key).String())
	}
	for profile := range v.GetStringMap("llm") {
		key := "llm." + profile + ".request_timeout"
		v.Set(key, v.GetDuration(key).String())
	}

	if err := v.WriteConfigTo(w); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider", defaultConfig.Provider)

	llm := defaultConfig.LLM[defaultProfile]
	v.SetDefault("llm.default.api_key", llm.APIKey)
	v.SetDefault("llm.default.provider", llm.Provider)
	v.SetDefault("llm.default.model", llm.Model)
	v.SetDefault("llm.default.temperature", llm.Temperature)
	v.SetDefault("llm.default.max_tokens", llm.MaxTokens)
	v.SetDefault("llm.default.context_tokens", llm.ContextTokens)
	v.SetDefault("llm.default.request_timeout", llm.RequestTimeout)
	v.SetDefault("llm.default.prompt_price", llm.PromptPrice)
	v.SetDefault("llm.default.completion_price", llm.CompletionPrice)

	v.SetDefault("features.vision", defaultConfig.Features.Vision)
	v.SetDefault("features.functions", defaultConfig.Features.Functions)
	v.SetDefault("features.moderation", defaultConfig.Features.Moderation)
	v.SetDefault("features.summarize_on_overflow", defaultConfig.Features.SummarizeOnOverflow)
	v.SetDefault("features.delete_chat_on_error", defaultConfig.Features.DeleteChatOnError)
	v.SetDefault("features.chat_logging", defaultConfig.Features.ChatLogging)
	v.SetDefault("features.max_tool_resubmissions", defaultConfig.Features.MaxToolResubmissions)
	v.SetDefault("features.summary_keep_last", defaultConfig.Features.SummaryKeepLast)

	v.SetDefault("chat.system_message", defaultConfig.Chat.SystemMessage)
	v.SetDefault("chat.idle_expiry", defaultConfig.Chat.IdleExpiry)

	v.SetDefault("images.enabled", defaultConfig.Images.Enabled)
	v.SetDefault("images.api_key", defaultConfig.Images.APIKey)
	v.SetDefault("images.model", defaultConfig.Images.Model)
	v.SetDefault("images.size", defaultConfig.Images.Size)
	v.SetDefault("images.price", defaultConfig.Images.Price)
	v.SetDefault("images.rate_limit_count", defaultConfig.Images.RateLimitCount)
	v.SetDefault("images.rate_limit_window", defaultConfig.Images.RateLimitWindow)

	v.SetDefault("web.search.provider", defaultConfig.Web.Search.Provider)
	v.SetDefault("web.search.api_key", defaultConfig.Web.Search.APIKey)
	v.SetDefault("web.url_opener", defaultConfig.Web.URLOpener)

	v.SetDefault("storage.backend", defaultConfig.Storage.Backend)

	v.SetDefault("costs.daily_limit", defaultConfig.Costs.DailyLimit)
	v.SetDefault("costs.monthly_limit", defaultConfig.Costs.MonthlyLimit)
	v.SetDefault("costs.audio_price", defaultConfig.Costs.AudioPrice)

	v.SetDefault("channels.telegram.enabled", defaultConfig.Channels[defaultTelegramChannel].Enabled)
	v.SetDefault("channels.telegram.token", defaultConfig.Channels[defaultTelegramChannel].Token)

	v.SetDefault("maintenance.schedule", defaultConfig.Maintenance.Schedule)
}

// ActiveLLM returns the LLM profile selected by the provider key, with
// fallback defaults.
func (c *Config) ActiveLLM() LLMProviderConfig {
	if llm, ok := c.LLM[c.Provider]; ok {
		return llm
	}
	return defaultConfig.LLM[defaultProfile]
}

// TelegramChannel returns Telegram channel config with fallback defaults.
func (c *Config) TelegramChannel() ChannelConfig {
	if ch, ok := c.Channels[defaultTelegramChannel]; ok {
		return ch
	}
	return defaultConfig.Channels[defaultTelegramChannel]
}

// SystemMessage returns the configured default system message.
func (c *Config) SystemMessage() string {
	if c.Chat.SystemMessage == "" {
		return DefaultSystemMessage
	}
	return c.Chat.SystemMessage
}

func expandEnvStringHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to.Kind() != reflect.String {
			return data, nil
		}
		value, ok := data.(string)
		if !ok {
			return data, nil
		}
		return os.ExpandEnv(value), nil
	}
}
