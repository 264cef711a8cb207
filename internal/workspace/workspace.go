// Package workspace exposes the narrow file-manipulation surface an
// autonomous agent is allowed to use. A Workspace wraps an exclusively owned
// sandbox snapshot plus the originating source directory; every write
// advances to a new snapshot, so holding an old Workspace value is always
// safe. The agent never touches the sandbox directly.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jkaninda/fundi/internal/identity"
	"github.com/jkaninda/fundi/internal/sandbox"
	"github.com/jkaninda/fundi/internal/testrun"
)

// NotFoundError reports a path absent from the workspace filesystem.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("path not found in workspace: %s", e.Path)
}

// Options configures workspace provisioning and its independent test
// operation.
type Options struct {
	Image   string             // Base image for the project environment.
	Install []string           // Dependency install command.
	Caches  []sandbox.CacheMount
	Exclude []string           // Top-level source entries left out of the copy.
	Test    testrun.Config     // Test command and isolated database.
}

// Workspace is a value: WriteFile returns an advanced Workspace and leaves
// the receiver's snapshot untouched.
type Workspace struct {
	sandbox sandbox.Sandbox
	source  string
	opts    Options
	ids     identity.Generator
	logger  *slog.Logger
}

// Create provisions a sandbox from the source directory and returns the
// bound Workspace. Provisioning failures surface as *sandbox.ProvisionError.
func Create(ctx context.Context, runner sandbox.Runner, ids identity.Generator, logger *slog.Logger, source string, opts Options) (Workspace, error) {
	sbx, err := sandbox.FromSource(ctx, runner, ids, logger, sandbox.Options{
		Image:     opts.Image,
		SourceDir: source,
		Install:   opts.Install,
		Caches:    opts.Caches,
		Exclude:   opts.Exclude,
	})
	if err != nil {
		return Workspace{}, err
	}
	return Workspace{
		sandbox: sbx,
		source:  source,
		opts:    opts,
		ids:     ids,
		logger:  logger,
	}, nil
}

// Source returns the originating source directory, retained for provenance.
func (w Workspace) Source() string { return w.source }

// Container returns the current sandbox snapshot for external inspection,
// e.g. diff extraction.
func (w Workspace) Container() sandbox.Sandbox { return w.sandbox }

// ReadFile returns the contents of a file in the workspace.
func (w Workspace) ReadFile(ctx context.Context, path string) (string, error) {
	exec, err := w.sandbox.Exec(ctx, []string{"cat", path}, sandbox.CaptureAny)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	if exec.ExitCode != 0 {
		return "", &NotFoundError{Path: path}
	}
	return exec.Stdout, nil
}

// WriteFile writes contents to path (creating parent directories) and
// returns the advanced Workspace. The caller should discard the old value —
// its snapshot stays valid but no longer represents the workspace's logical
// state.
func (w Workspace) WriteFile(ctx context.Context, path, contents string) (Workspace, error) {
	sbx, err := w.sandbox.WithNewFile(ctx, path, contents)
	if err != nil {
		return Workspace{}, err
	}
	w.logger.Info("workspace file written", slog.String("path", path), slog.Int("bytes", len(contents)))

	next := w
	next.sandbox = sbx
	return next, nil
}

// ListFiles returns the entries of a directory in the workspace, in the
// order the filesystem reports them. Fails with *NotFoundError if path is
// not a directory.
func (w Workspace) ListFiles(ctx context.Context, path string) ([]string, error) {
	exec, err := w.sandbox.Exec(ctx,
		[]string{"sh", "-c", `test -d "$1" && ls -1 "$1"`, "sh", path},
		sandbox.CaptureAny)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", path, err)
	}
	if exec.ExitCode != 0 {
		return nil, &NotFoundError{Path: path}
	}

	var entries []string
	for _, line := range strings.Split(exec.Stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			entries = append(entries, line)
		}
	}
	return entries, nil
}

// Test runs the project's test suite against a fresh isolated database and
// returns captured stdout. A non-zero exit surfaces as *testrun.Failure.
// This is deliberately independent of the pipeline's test operation: the
// agent interacts only with the Workspace and must be able to verify its own
// fix without reaching the outer module.
func (w Workspace) Test(ctx context.Context) (string, error) {
	return testrun.Run(ctx, w.sandbox, w.opts.Test, w.ids, w.logger)
}

// Export materializes the workspace's current filesystem into dest on the
// host.
func (w Workspace) Export(ctx context.Context, dest string) error {
	return w.sandbox.Export(ctx, dest)
}
