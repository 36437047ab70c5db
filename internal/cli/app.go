package cli

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sazonovanton/SirChatalot-sub000/internal/agent"
	"github.com/sazonovanton/SirChatalot-sub000/internal/commands"
	"github.com/sazonovanton/SirChatalot-sub000/internal/config"
	"github.com/sazonovanton/SirChatalot-sub000/internal/costs"
	"github.com/sazonovanton/SirChatalot-sub000/internal/ratelimit"
	"github.com/sazonovanton/SirChatalot-sub000/internal/runtime"
	"github.com/sazonovanton/SirChatalot-sub000/internal/session"
	"github.com/sazonovanton/SirChatalot-sub000/internal/tools"
)

const toolHTTPTimeout = 30 * time.Second

// app holds the dependencies shared by every front end.
type app struct {
	cfg    *config.Config
	store  *session.Store
	usage  *costs.Accountant
	engine *agent.Engine
}

// loadApp loads and validates configuration, then builds the app.
func loadApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	report, err := cfg.Validate()
	warnStartupConditions(cfg, report)
	if err != nil {
		return nil, err
	}
	return newApp(cfg)
}

func newApp(cfg *config.Config) (*app, error) {
	llmCfg := cfg.ActiveLLM()
	modelProvider, err := providerFactory(llmCfg, cfg.SystemMessage())
	if err != nil {
		return nil, err
	}

	store, err := session.OpenStore(cfg)
	if err != nil {
		return nil, err
	}
	usage := costs.NewAccountant(
		store.Backend(),
		costs.NewLedger(cfg.CostsPath()),
		costs.PricesFromConfig(cfg),
		modelProvider.Name(),
		llmCfg.Model,
	)

	registry, err := buildToolRegistry(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	engine, err := agent.New(agent.Options{
		Provider:      modelProvider,
		Store:         store,
		Usage:         usage,
		Tools:         registry,
		SystemMessage: cfg.SystemMessage(),
		Features:      cfg.Features,
		Limits:        cfg.Costs,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	return &app{cfg: cfg, store: store, usage: usage, engine: engine}, nil
}

// handler routes slash commands before the engine.
func (a *app) handler() runtime.Handler {
	return commands.Router{Commands: commands.New(a.engine), Next: a.engine}
}

func (a *app) Close() error {
	return a.store.Close()
}

func buildToolRegistry(cfg *config.Config) (*tools.Registry, error) {
	registry := tools.NewRegistry()
	httpClient := &http.Client{Timeout: toolHTTPTimeout}

	var enabled []tools.Tool
	if provider := strings.TrimSpace(cfg.Web.Search.Provider); provider != "" {
		enabled = append(enabled, tools.WebSearchTool{
			Client:   httpClient,
			Provider: provider,
			APIKey:   cfg.Web.Search.APIKey,
		})
	}
	if cfg.Web.URLOpener {
		enabled = append(enabled, tools.URLOpenerTool{Client: httpClient})
	}
	if cfg.Images.Enabled {
		if strings.TrimSpace(cfg.Images.APIKey) == "" {
			return nil, errors.New("images.api_key is required when images are enabled")
		}
		enabled = append(enabled, tools.ImageTool{
			Client:  &http.Client{Timeout: 2 * time.Minute},
			APIKey:  cfg.Images.APIKey,
			BaseURL: cfg.Images.BaseURL,
			Model:   cfg.Images.Model,
			Size:    cfg.Images.Size,
			Limiter: ratelimit.NewWindow(cfg.Images.RateLimitCount, cfg.Images.RateLimitWindow),
		})
	}

	for _, tool := range enabled {
		if err := registry.Register(tool); err != nil {
			return nil, fmt.Errorf("register tool %q: %w", tool.Name(), err)
		}
	}
	return registry, nil
}
