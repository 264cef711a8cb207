// Package database describes the PostgreSQL dependency service the target
// project binds against, and provides the readiness probe used before any
// test or serve run. The harness never persists anything itself — the only
// database in the system belongs to the project under test.
package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	// DefaultPort is the standard PostgreSQL wire port the service exposes.
	DefaultPort = 5432

	defaultReadyTimeout = 60 * time.Second
	probeInterval       = 500 * time.Millisecond
)

// Service describes one isolated database instance. Test and app databases
// get distinct names and credentials so concurrent invocations never share
// state.
type Service struct {
	Image    string // e.g. "postgres:alpine"
	Name     string // database name (POSTGRES_DB)
	Password string // superuser password (POSTGRES_PASSWORD)
}

// Env returns the container environment that parameterizes the service.
func (s Service) Env() map[string]string {
	return map[string]string{
		"POSTGRES_DB":       s.Name,
		"POSTGRES_PASSWORD": s.Password,
	}
}

// URL returns the connection string the bound application uses, dialing the
// service by its network alias.
func (s Service) URL(alias string) string {
	return fmt.Sprintf("postgresql://postgres:%s@%s/%s", s.Password, alias, s.Name)
}

// hostURL is the connection string for probing from the harness side,
// through the host-mapped port.
func (s Service) hostURL(hostAddr string) string {
	return fmt.Sprintf("postgres://postgres:%s@%s/%s", s.Password, hostAddr, s.Name)
}

// Ready returns a probe that blocks until the service accepts connections
// on its host-mapped address, polling with a fixed interval. The container
// engine only guarantees the process started — PostgreSQL needs a moment to
// initialize before the first test can run against it.
func (s Service) Ready(logger *slog.Logger) func(ctx context.Context, hostAddr string) error {
	return func(ctx context.Context, hostAddr string) error {
		ctx, cancel := context.WithTimeout(ctx, defaultReadyTimeout)
		defer cancel()

		start := time.Now()
		var lastErr error
		for {
			lastErr = ping(ctx, s.hostURL(hostAddr))
			if lastErr == nil {
				logger.Info("database ready",
					slog.String("database", s.Name),
					slog.Duration("waited", time.Since(start)),
				)
				return nil
			}

			select {
			case <-ctx.Done():
				return fmt.Errorf("database %s not ready after %s: %w", s.Name, time.Since(start).Round(time.Millisecond), lastErr)
			case <-time.After(probeInterval):
			}
		}
	}
}

func ping(ctx context.Context, url string) error {
	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	return conn.Ping(ctx)
}
