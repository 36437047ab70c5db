package provider

import (
	"fmt"
	"strings"

	"github.com/sazonovanton/SirChatalot-sub000/internal/config"
)

// NewProviderFromConfig builds an LLM provider from the selected LLM profile.
// defaultSystem is synthesized when a request lacks a system message.
func NewProviderFromConfig(cfg config.LLMProviderConfig, defaultSystem string) (Provider, error) {
	var (
		p   Provider
		err error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case config.ProviderOpenAI:
		p, err = newOpenAIProvider(cfg, defaultSystem)
	case config.ProviderAnthropic:
		p, err = newAnthropicProvider(cfg, defaultSystem)
	case config.ProviderYandex:
		p, err = newYandexProvider(cfg, defaultSystem)
	default:
		return nil, fmt.Errorf("unsupported provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}
