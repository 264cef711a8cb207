package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// maxOutputBytes caps stdout/stderr to prevent OOM from chatty commands.
// Large enough that file reads through the sandbox stay lossless for any
// reasonable source file.
const maxOutputBytes = 8 << 20 // 8 MB

// Runner executes container-engine commands. All docker invocations go
// through this interface so orchestration logic is testable without a
// container engine.
type Runner interface {
	Run(ctx context.Context, args []string) (*RunResult, error)
}

// RunResult captures the outcome of one engine command.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// DockerRunner shells out to the docker CLI.
//
// A non-zero exit code is returned as data, not as an error — callers decide
// whether it is fatal. Errors are reserved for the engine itself being
// unreachable, the binary missing, or the context expiring.
type DockerRunner struct {
	binary string
	logger *slog.Logger
}

// NewDockerRunner creates a Runner backed by the docker CLI.
func NewDockerRunner(logger *slog.Logger) *DockerRunner {
	return &DockerRunner{binary: "docker", logger: logger}
}

// Run executes a single docker command and captures its output.
func (r *DockerRunner) Run(ctx context.Context, args []string) (*RunResult, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("empty docker command")
	}

	cmd := exec.CommandContext(ctx, r.binary, args...)

	// Kill the docker process on context cancellation. Docker stops the
	// container when the attached client disconnects.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	r.logger.Debug("docker command starting", slog.String("subcommand", args[0]))

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("docker %s canceled: %w", args[0], ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("docker %s failed: %w", args[0], runErr)
		}
	}

	r.logger.Debug("docker command completed",
		slog.String("subcommand", args[0]),
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
	)

	return &RunResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded (not an error — just capped).
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil // Silently discard.
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
	}
	n, err := lw.w.Write(p)
	lw.remaining -= n
	return n, err
}

// EngineCheck returns a readiness probe that verifies the container engine
// is reachable through the given runner.
func EngineCheck(runner Runner) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		res, err := runner.Run(ctx, []string{"info", "--format", "{{.ServerVersion}}"})
		if err != nil {
			return fmt.Errorf("container engine unreachable: %w", err)
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("container engine not ready: %s", strings.TrimSpace(res.Stderr))
		}
		return nil
	}
}
