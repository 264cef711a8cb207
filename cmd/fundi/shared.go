package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/fundi/internal/agent"
	"github.com/jkaninda/fundi/internal/config"
	"github.com/jkaninda/fundi/internal/fix"
	"github.com/jkaninda/fundi/internal/github"
	"github.com/jkaninda/fundi/internal/identity"
	"github.com/jkaninda/fundi/internal/llm"
	"github.com/jkaninda/fundi/internal/llm/anthropic"
	"github.com/jkaninda/fundi/internal/llm/openai"
	"github.com/jkaninda/fundi/internal/observability"
	"github.com/jkaninda/fundi/internal/pipeline"
	"github.com/jkaninda/fundi/internal/sandbox"
)

// components holds the subsystems every command builds on.
type components struct {
	Config   *config.Config
	Logger   *slog.Logger
	Runner   sandbox.Runner
	IDs      identity.Generator
	Obs      *observability.Observability
	Pipeline *pipeline.Pipeline

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (c *components) Cleanup() {
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		c.cleanups[i]()
	}
}

func (c *components) addCleanup(fn func()) {
	c.cleanups = append(c.cleanups, fn)
}

// initShared loads configuration and builds the runner, observability, and
// pipeline shared by every command. Callers must call Cleanup when done.
func initShared() (*components, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}

	var runner sandbox.Runner = sandbox.NewDockerRunner(logger)
	if obs.MetricsOrNil() != nil || obs.TracerOrNil() != nil {
		runner = observability.NewInstrumentedRunner(runner, obs.MetricsOrNil(), obs.TracerOrNil())
	}
	if obs != nil && obs.Health != nil {
		obs.Health.AddCheck("engine", sandbox.EngineCheck(runner))
	}

	c := &components{
		Config: cfg,
		Logger: logger,
		Runner: runner,
		IDs:    identity.NewUUIDGenerator(),
		Obs:    obs,
	}
	c.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})

	c.Pipeline = pipeline.New(c.Runner, c.IDs, logger, pipeline.FromConfig(cfg)).
		WithMetrics(obs.MetricsOrNil())

	return c, nil
}

// loadConfig resolves the config path (flag, then FUNDI_CONFIG) and loads it;
// with no path at all, built-in defaults apply.
func loadConfig() (*config.Config, error) {
	path := goutils.Env("FUNDI_CONFIG", configPath)
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// newFixOrchestrator wires the LLM provider, the fix agent, and remote
// delivery into an orchestrator.
func (c *components) newFixOrchestrator() (*fix.Orchestrator, error) {
	provider, err := newLLMProvider(c.Config, c.Logger)
	if err != nil {
		return nil, fmt.Errorf("initializing LLM provider: %w", err)
	}
	if m := c.Obs.MetricsOrNil(); m != nil {
		provider = observability.NewInstrumentedProvider(provider, m, c.Obs.TracerOrNil())
	}

	fixer := agent.NewFixer(provider, c.Logger)
	if n := c.Config.Agent.MaxIterations; n > 0 {
		fixer.WithMaxIterations(n)
	}
	if n := c.Config.Agent.MaxTokens; n > 0 {
		fixer.WithMaxTokens(n)
	}

	o := fix.New(c.Runner, c.IDs, c.Logger, fixer).
		WithMetrics(c.Obs.MetricsOrNil())
	if c.Config.GitHub.Complete() {
		o.WithGitHub(github.NewClient(c.Config.GitHub.Token, c.Logger))
	}
	return o, nil
}

// fixOptions builds the per-invocation fix settings from config.
func (c *components) fixOptions(output string) fix.Options {
	if output == "" && c.Config.Watch != nil {
		output = c.Config.Watch.Output
	}
	return fix.Options{
		Workspace: pipeline.WorkspaceOptions(c.Config),
		Output:    output,
		GitHub:    c.Config.GitHub,
	}
}

// startStatusServer starts the observability HTTP server when enabled.
// Returns a stop function (no-op when disabled).
func (c *components) startStatusServer(ctx context.Context) func() {
	obsCfg := c.Config.Observability
	if obsCfg == nil || obsCfg.Status == nil || !obsCfg.Status.Enabled {
		return func() {}
	}

	server := observability.NewStatusServer(
		obsCfg.Status.ListenAddr(),
		obsCfg.Metrics.MetricsPath(),
		c.Obs,
		c.Logger,
	)
	go func() {
		if err := server.Start(ctx); err != nil {
			c.Logger.Error("status server stopped", slog.String("error", err.Error()))
		}
	}()
	return func() {
		if err := server.Stop(); err != nil {
			c.Logger.Error("stopping status server", slog.String("error", err.Error()))
		}
	}
}

// signalContext returns a context canceled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// newLLMProvider creates the provider chain based on the configured default
// and optional fallbacks.
func newLLMProvider(cfg *config.Config, logger *slog.Logger) (llm.Provider, error) {
	primary, err := buildProvider(cfg.Providers.DefaultProvider(), cfg, logger)
	if err != nil {
		return nil, err
	}

	if len(cfg.Providers.Fallback) > 0 {
		providers := []llm.Provider{primary}
		for _, name := range cfg.Providers.Fallback {
			fb, err := buildProvider(name, cfg, logger)
			if err != nil {
				logger.Warn("skipping fallback provider",
					slog.String("provider", name),
					slog.String("error", err.Error()),
				)
				continue
			}
			providers = append(providers, fb)
		}
		if len(providers) > 1 {
			return llm.NewFallbackProvider(providers, logger), nil
		}
	}

	return primary, nil
}

// buildProvider creates a single LLM provider by name.
func buildProvider(name string, cfg *config.Config, logger *slog.Logger) (llm.Provider, error) {
	switch name {
	case "anthropic", "":
		var opts []anthropic.Option
		if cfg.Providers.Anthropic.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.Providers.Anthropic.BaseURL))
		}
		return anthropic.NewClient(
			cfg.Providers.Anthropic.APIKey,
			cfg.Providers.AnthropicModel(),
			logger,
			opts...,
		), nil
	case "openai":
		var opts []openai.Option
		if cfg.Providers.OpenAI.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.Providers.OpenAI.BaseURL))
		}
		return openai.NewClient(
			cfg.Providers.OpenAI.APIKey,
			cfg.Providers.OpenAIModel(),
			logger,
			opts...,
		), nil
	case "ollama":
		baseURL := cfg.Providers.Ollama.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		return openai.NewClient(
			"",
			cfg.Providers.Ollama.Model,
			logger,
			openai.WithBaseURL(baseURL),
			openai.WithName("ollama"),
		), nil
	default:
		return nil, fmt.Errorf("unknown provider: %q", name)
	}
}
