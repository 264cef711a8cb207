package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// serviceSet tracks the network and containers backing one Exec's service
// bindings. Services are per-exec: each command run sees freshly started
// dependencies and nothing survives the run.
type serviceSet struct {
	runner     Runner
	logger     *slog.Logger
	network    string
	containers []string
}

// startServices launches every bound service on a dedicated network and
// waits for the ones that declare a readiness probe. On any failure the
// partial set is torn down before returning.
func (s Sandbox) startServices(ctx context.Context) (*serviceSet, error) {
	set := &serviceSet{runner: s.runner, logger: s.logger}
	if len(s.services) == 0 {
		return set, nil
	}

	execID := s.ids.NewID()
	set.network = "fundi-net-" + execID
	if err := runStep(ctx, s.runner, []string{"network", "create", set.network}, "network"); err != nil {
		return nil, fmt.Errorf("creating service network: %w", err)
	}

	for _, b := range s.services {
		cname := "fundi-svc-" + b.Name + "-" + execID

		args := []string{"run", "-d", "--name", cname,
			"--network", set.network, "--network-alias", b.Name}
		args = append(args, envArgs(b.Env)...)
		if b.Port > 0 {
			// Ephemeral host port so readiness probes can dial in from outside.
			args = append(args, "-p", "127.0.0.1:0:"+strconv.Itoa(b.Port))
		}
		args = append(args, b.Image)

		s.logger.Info("service starting",
			slog.String("name", b.Name),
			slog.String("image", b.Image),
		)

		res, err := s.runner.Run(ctx, args)
		if err != nil {
			set.teardown()
			return nil, fmt.Errorf("starting service %s: %w", b.Name, err)
		}
		if res.ExitCode != 0 {
			set.teardown()
			return nil, fmt.Errorf("starting service %s: %s", b.Name, strings.TrimSpace(res.Stderr))
		}
		set.containers = append(set.containers, cname)

		if b.Ready != nil && b.Port > 0 {
			addr, err := set.hostAddr(ctx, cname, b.Port)
			if err != nil {
				set.teardown()
				return nil, fmt.Errorf("resolving host port for service %s: %w", b.Name, err)
			}
			if err := b.Ready(ctx, addr); err != nil {
				set.teardown()
				return nil, fmt.Errorf("service %s not ready: %w", b.Name, err)
			}
		}
	}

	return set, nil
}

// hostAddr resolves the host-mapped address of a published container port.
func (set *serviceSet) hostAddr(ctx context.Context, container string, port int) (string, error) {
	res, err := set.runner.Run(ctx, []string{"port", container, strconv.Itoa(port) + "/tcp"})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("docker port: %s", strings.TrimSpace(res.Stderr))
	}
	// Output may list both IPv4 and IPv6 mappings; the first line is enough.
	addr := strings.TrimSpace(strings.SplitN(res.Stdout, "\n", 2)[0])
	if addr == "" {
		return "", fmt.Errorf("port %d not published on %s", port, container)
	}
	return addr, nil
}

// teardown removes all service containers and the network. Best-effort, in
// reverse start order, with a background context so cleanup survives
// cancellation of the exec itself.
func (set *serviceSet) teardown() {
	if set.network == "" && len(set.containers) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for i := len(set.containers) - 1; i >= 0; i-- {
		forceRemove(set.runner, set.logger, set.containers[i])
	}
	if set.network != "" {
		if res, err := set.runner.Run(ctx, []string{"network", "rm", set.network}); err != nil {
			set.logger.Warn("network cleanup failed", slog.String("network", set.network), slog.String("error", err.Error()))
		} else if res.ExitCode != 0 {
			set.logger.Warn("network cleanup failed", slog.String("network", set.network), slog.String("output", res.Stderr))
		}
	}
}
