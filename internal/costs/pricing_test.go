package costs

import "testing"

func TestFallbackPrices(t *testing.T) {
	t.Parallel()

	known := map[string][]string{
		"anthropic": {"claude-haiku-4-5", "claude-sonnet-4-6", "claude-opus-4-1"},
		"openai":    {"gpt-4o-mini", "gpt-4o"},
	}
	for provider, models := range known {
		for _, model := range models {
			prices, ok := FallbackPrices(provider, model)
			if !ok {
				t.Errorf("FallbackPrices(%q, %q) missing", provider, model)
				continue
			}
			if prices.PromptPer1K <= 0 || prices.CompletionPer1K <= 0 {
				t.Errorf("FallbackPrices(%q, %q) = %+v, want positive prices", provider, model, prices)
			}
		}
	}

	if _, ok := FallbackPrices("yandex", "yandexgpt"); ok {
		t.Fatalf("unknown model has fallback pricing")
	}
}
