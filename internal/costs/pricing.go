package costs

import (
	"strings"

	"github.com/sazonovanton/SirChatalot-sub000/internal/config"
)

// Prices are per-unit prices in USD.
type Prices struct {
	PromptPer1K     float64
	CompletionPer1K float64
	PerImage        float64
	PerAudioMinute  float64
}

// Cost prices the counters of rec.
func (p Prices) Cost(rec UsageRecord) float64 {
	return float64(rec.PromptTokens)/1000*p.PromptPer1K +
		float64(rec.CompletionTokens)/1000*p.CompletionPer1K +
		float64(rec.ImagesGenerated)*p.PerImage +
		float64(rec.SpeechSeconds)/60*p.PerAudioMinute
}

// FallbackPrices returns built-in token prices for models without configured
// pricing. ok is false when the model is unknown.
func FallbackPrices(providerName, model string) (prices Prices, ok bool) {
	modelName := strings.ToLower(strings.TrimSpace(model))

	switch strings.ToLower(strings.TrimSpace(providerName)) {
	case "anthropic":
		switch {
		case strings.Contains(modelName, "haiku"):
			return Prices{PromptPer1K: 0.0008, CompletionPer1K: 0.004}, true
		case strings.Contains(modelName, "sonnet"):
			return Prices{PromptPer1K: 0.003, CompletionPer1K: 0.015}, true
		case strings.Contains(modelName, "opus"):
			return Prices{PromptPer1K: 0.015, CompletionPer1K: 0.075}, true
		}
	case "openai":
		switch {
		case strings.HasPrefix(modelName, "gpt-4o-mini"):
			return Prices{PromptPer1K: 0.00015, CompletionPer1K: 0.0006}, true
		case strings.HasPrefix(modelName, "gpt-4o"):
			return Prices{PromptPer1K: 0.0025, CompletionPer1K: 0.01}, true
		case strings.HasPrefix(modelName, "gpt-3.5"):
			return Prices{PromptPer1K: 0.0005, CompletionPer1K: 0.0015}, true
		}
	}
	return Prices{}, false
}

// PricesFromConfig builds prices for the active LLM profile. Token prices fall
// back to FallbackPrices when the profile configures none.
func PricesFromConfig(cfg *config.Config) Prices {
	llm := cfg.ActiveLLM()
	prices := Prices{
		PromptPer1K:     llm.PromptPrice,
		CompletionPer1K: llm.CompletionPrice,
		PerImage:        cfg.Images.Price,
		PerAudioMinute:  cfg.Costs.AudioPrice,
	}
	if prices.PromptPer1K == 0 && prices.CompletionPer1K == 0 {
		if fallback, ok := FallbackPrices(llm.Provider, llm.Model); ok {
			prices.PromptPer1K = fallback.PromptPer1K
			prices.CompletionPer1K = fallback.CompletionPer1K
		}
	}
	return prices
}
