// Package pipeline implements the build/test/serve/publish workflow for the
// managed application: a Python web service with a pytest suite and a
// PostgreSQL dependency.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/fundi/internal/config"
	"github.com/jkaninda/fundi/internal/database"
	"github.com/jkaninda/fundi/internal/identity"
	"github.com/jkaninda/fundi/internal/observability"
	"github.com/jkaninda/fundi/internal/sandbox"
	"github.com/jkaninda/fundi/internal/testrun"
	"github.com/jkaninda/fundi/internal/workspace"
)

// pipCache is the package-manager cache shared across invocations, keyed by
// a stable volume name.
var pipCache = sandbox.CacheMount{Name: "python-pip", Path: "/root/.cache/pip"}

// Options configures a Pipeline.
type Options struct {
	Image       string
	Install     []string
	Caches      []sandbox.CacheMount
	Exclude     []string
	TestCommand []string
	TestDB      database.Service
	AppDB       database.Service
	Port        int
	Entrypoint  []string
	Registry    string
	AppName     string

	// ReadyProbe overrides the database readiness probe. nil = connect and
	// ping with the postgres driver.
	ReadyProbe sandbox.ReadyFunc
}

// FromConfig maps project configuration onto pipeline options.
func FromConfig(cfg *config.Config) Options {
	testDB := cfg.Databases.TestDB()
	appDB := cfg.Databases.AppDB()
	return Options{
		Image:       cfg.Project.BaseImage(),
		Install:     cfg.Project.InstallCommand(),
		Caches:      []sandbox.CacheMount{pipCache},
		Exclude:     cfg.Project.Excluded(),
		TestCommand: cfg.Project.TestCmd(),
		TestDB:      database.Service{Image: testDB.Image, Name: testDB.Name, Password: testDB.Password},
		AppDB:       database.Service{Image: appDB.Image, Name: appDB.Name, Password: appDB.Password},
		Port:        cfg.Project.AppPort(),
		Entrypoint:  cfg.Project.EntrypointCmd(),
		Registry:    cfg.Registry.RegistryHost(),
		AppName:     cfg.Project.AppName(),
	}
}

// WorkspaceOptions maps project configuration onto agent-workspace options,
// carrying the same environment and test settings the pipeline uses.
func WorkspaceOptions(cfg *config.Config) workspace.Options {
	opts := FromConfig(cfg)
	return workspace.Options{
		Image:   opts.Image,
		Install: opts.Install,
		Caches:  opts.Caches,
		Exclude: opts.Exclude,
		Test: testrun.Config{
			Command: opts.TestCommand,
			DB:      opts.TestDB,
		},
	}
}

// Pipeline runs the workflow's operations against a source tree. Operations
// are independent: each one provisions its own environment from source.
type Pipeline struct {
	runner  sandbox.Runner
	ids     identity.Generator
	logger  *slog.Logger
	metrics *observability.MetricsCollector // nil = disabled
	opts    Options
}

// New creates a Pipeline.
func New(runner sandbox.Runner, ids identity.Generator, logger *slog.Logger, opts Options) *Pipeline {
	return &Pipeline{
		runner: runner,
		ids:    ids,
		logger: logger,
		opts:   opts,
	}
}

// WithMetrics attaches a metrics collector.
func (p *Pipeline) WithMetrics(m *observability.MetricsCollector) *Pipeline {
	p.metrics = m
	return p
}

// Env provisions the base environment: source tree copied in, dependencies
// installed under the shared package cache.
func (p *Pipeline) Env(ctx context.Context, source string) (sandbox.Sandbox, error) {
	return sandbox.FromSource(ctx, p.runner, p.ids, p.logger, sandbox.Options{
		Image:     p.opts.Image,
		SourceDir: source,
		Install:   p.opts.Install,
		Caches:    p.opts.Caches,
		Exclude:   p.opts.Exclude,
	})
}

// Test runs the suite against a fresh test database and returns its output.
// A failing suite is a *testrun.Failure carrying the full output.
func (p *Pipeline) Test(ctx context.Context, source string) (string, error) {
	sbx, err := p.Env(ctx, source)
	if err != nil {
		return "", err
	}

	start := time.Now()
	out, err := testrun.Run(ctx, sbx, p.testConfig(), p.ids, p.logger)
	seconds := time.Since(start).Seconds()

	switch {
	case err == nil:
		p.metrics.RecordTestRun("passed", seconds)
	case errors.As(err, new(*testrun.Failure)):
		p.metrics.RecordTestRun("failed", seconds)
	default:
		p.metrics.RecordTestRun("error", seconds)
	}
	return out, err
}

// Build returns the application container: the environment with the serve
// port exposed and the entrypoint configured.
func (p *Pipeline) Build(ctx context.Context, source string) (sandbox.Sandbox, error) {
	sbx, err := p.Env(ctx, source)
	if err != nil {
		return sandbox.Sandbox{}, err
	}
	return sbx.
		WithExposedPort(p.opts.Port).
		WithEntrypoint(p.opts.Entrypoint), nil
}

// Serve runs the application with a fresh database bound, blocking until the
// process exits or ctx is canceled.
func (p *Pipeline) Serve(ctx context.Context, source string) error {
	app, err := p.Build(ctx, source)
	if err != nil {
		return err
	}

	db := p.opts.AppDB
	app = app.
		WithServiceBinding(sandbox.ServiceBinding{
			Name:  "db",
			Image: db.Image,
			Env:   db.Env(),
			Port:  database.DefaultPort,
			Ready: p.readyProbe(db),
		}).
		WithEnv("DATABASE_URL", db.URL("db"))

	p.logger.Info("serving application",
		slog.Int("port", p.opts.Port),
		slog.Any("entrypoint", p.opts.Entrypoint),
	)
	_, err = app.ExecEntrypoint(ctx)
	return err
}

// Publish gates on the test suite, then pushes the application image under a
// fresh unique tag. Returns the pushed address.
func (p *Pipeline) Publish(ctx context.Context, source string) (string, error) {
	if _, err := p.Test(ctx, source); err != nil {
		p.metrics.RecordPublish("gate_failed")
		return "", fmt.Errorf("refusing to publish: %w", err)
	}

	app, err := p.Build(ctx, source)
	if err != nil {
		p.metrics.RecordPublish("error")
		return "", err
	}

	ref := fmt.Sprintf("%s/%s-%s", p.opts.Registry, p.opts.AppName, p.ids.NewID())
	addr, err := app.Publish(ctx, ref)
	if err != nil {
		p.metrics.RecordPublish("error")
		return "", err
	}
	p.metrics.RecordPublish("success")
	return addr, nil
}

// TestConfig exposes the pipeline's test settings for workspaces, so the fix
// agent runs the suite exactly the way the pipeline does.
func (p *Pipeline) TestConfig() testrun.Config {
	return p.testConfig()
}

func (p *Pipeline) testConfig() testrun.Config {
	return testrun.Config{
		Command: p.opts.TestCommand,
		DB:      p.opts.TestDB,
		Ready:   p.readyProbe(p.opts.TestDB),
	}
}

func (p *Pipeline) readyProbe(db database.Service) sandbox.ReadyFunc {
	if p.opts.ReadyProbe != nil {
		return p.opts.ReadyProbe
	}
	return db.Ready(p.logger)
}
