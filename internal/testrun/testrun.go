// Package testrun executes a project's test suite against a freshly bound
// database service. Both the pipeline and the agent-facing workspace expose
// an independent test operation; they share this implementation without one
// calling the other, so the workspace stays usable on its own.
package testrun

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jkaninda/fundi/internal/database"
	"github.com/jkaninda/fundi/internal/identity"
	"github.com/jkaninda/fundi/internal/sandbox"
)

// Config describes how to run the suite.
type Config struct {
	Command        []string         // Test command, e.g. ["sh", "-c", "pytest --tb=short"].
	DB             database.Service // Isolated database bound for this run only.
	Alias          string           // Network alias the project dials. Default: "db".
	DatabaseURLEnv string           // Env var carrying the connection string. Default: DATABASE_URL.
	CacheBustEnv   string           // Env var carrying the uniqueness token. Default: CACHEBUSTER.

	// Ready overrides the database readiness probe. Nil = poll with the
	// database client until the service accepts connections.
	Ready sandbox.ReadyFunc
}

func (c Config) ready(logger *slog.Logger) sandbox.ReadyFunc {
	if c.Ready != nil {
		return c.Ready
	}
	return c.DB.Ready(logger)
}

func (c Config) alias() string {
	if c.Alias != "" {
		return c.Alias
	}
	return "db"
}

func (c Config) databaseURLEnv() string {
	if c.DatabaseURLEnv != "" {
		return c.DatabaseURLEnv
	}
	return "DATABASE_URL"
}

func (c Config) cacheBustEnv() string {
	if c.CacheBustEnv != "" {
		return c.CacheBustEnv
	}
	return "CACHEBUSTER"
}

// Failure reports a non-zero test exit with both captured streams.
type Failure struct {
	Stdout string
	Stderr string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("tests failed.\nError: %s\nOutput: %s",
		strings.TrimSpace(f.Stderr), strings.TrimSpace(f.Stdout))
}

// Run binds the database, injects the connection string and a fresh
// cache-busting token, and executes the test command. The token is mandatory:
// the snapshot layer beneath the sandbox is content-addressed, and without a
// unique input the engine may serve a stale result for a rerun.
//
// Returns captured stdout on success and a *Failure on non-zero exit. Errors
// other than *Failure mean the run itself could not be carried out.
func Run(ctx context.Context, sbx sandbox.Sandbox, cfg Config, ids identity.Generator, logger *slog.Logger) (string, error) {
	if len(cfg.Command) == 0 {
		return "", fmt.Errorf("testrun: no test command configured")
	}

	bound := sbx.
		WithServiceBinding(sandbox.ServiceBinding{
			Name:  cfg.alias(),
			Image: cfg.DB.Image,
			Env:   cfg.DB.Env(),
			Port:  database.DefaultPort,
			Ready: cfg.ready(logger),
		}).
		WithEnv(cfg.databaseURLEnv(), cfg.DB.URL(cfg.alias())).
		WithEnv(cfg.cacheBustEnv(), ids.Token())

	logger.Info("test run starting",
		slog.Any("command", cfg.Command),
		slog.String("database", cfg.DB.Name),
	)

	exec, err := bound.Exec(ctx, cfg.Command, sandbox.CaptureAny)
	if err != nil {
		return "", fmt.Errorf("running tests: %w", err)
	}
	if exec.ExitCode != 0 {
		logger.Warn("test run failed", slog.Int("exit_code", exec.ExitCode))
		return "", &Failure{Stdout: exec.Stdout, Stderr: exec.Stderr}
	}

	logger.Info("test run passed", slog.Duration("duration", exec.Duration))
	return exec.Stdout, nil
}
