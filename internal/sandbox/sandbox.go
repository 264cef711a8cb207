// Package sandbox provides isolated, snapshot-based execution environments.
// A Sandbox is a value: every mutating operation returns a new snapshot and
// never changes state observable through a previously held copy. Filesystem
// state is carried as committed container-image layers, so two snapshots can
// diverge without aliasing each other.
//
// All container-engine interaction goes through the Runner interface — never
// directly through os/exec — keeping the orchestration deterministic under
// test.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/fundi/internal/identity"
)

const defaultWorkdir = "/app"

// ExecMode controls how a non-zero exit code is treated.
type ExecMode int

const (
	// Strict turns a non-zero exit into an *ExecError.
	Strict ExecMode = iota
	// CaptureAny returns the exit code as data on the Execution.
	CaptureAny
)

// Execution is the read-only outcome of one sandboxed command.
type Execution struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// CacheMount names a reusable engine volume mounted into the environment
// during provisioning (e.g. a package-manager cache keyed by a stable name).
type CacheMount struct {
	Name string // Stable volume name, shared across invocations.
	Path string // Mount path inside the container.
}

// ReadyFunc probes an external service for readiness. hostAddr is the
// host-mapped "ip:port" of the service's exposed port.
type ReadyFunc func(ctx context.Context, hostAddr string) error

// ServiceBinding attaches a network-reachable dependency to the sandbox.
// The service is started fresh for every Exec and torn down afterwards.
type ServiceBinding struct {
	Name  string            // Network alias the sandboxed command dials (e.g. "db").
	Image string            // Service container image.
	Env   map[string]string // Service environment (credentials, database name).
	Port  int               // Service port; also published to the host for readiness probes.
	Ready ReadyFunc         // Optional readiness probe; nil = no wait.
}

// Options configures FromSource.
type Options struct {
	Image     string       // Base image reference (required).
	SourceDir string       // Host directory copied into the environment (required).
	Workdir   string       // Working directory inside the container. Default: /app.
	Install   []string     // Dependency install command; empty = no install step.
	Caches    []CacheMount // Cache volumes mounted during the install step.
	Exclude   []string     // Top-level source entries to leave out of the copy.
}

// Sandbox is an immutable execution snapshot. The zero value is not usable;
// construct with FromSource.
type Sandbox struct {
	runner Runner
	ids    identity.Generator
	logger *slog.Logger

	image      string
	workdir    string
	env        map[string]string
	entrypoint []string
	ports      []int
	services   []ServiceBinding
}

// FromSource builds a base environment: it copies the source tree into a
// container, runs the dependency install command, and commits the result as
// this sandbox's filesystem layer. A non-zero install exit is a
// *ProvisionError.
func FromSource(ctx context.Context, runner Runner, ids identity.Generator, logger *slog.Logger, opts Options) (Sandbox, error) {
	if opts.Image == "" || opts.SourceDir == "" {
		return Sandbox{}, fmt.Errorf("sandbox: image and source directory are required")
	}
	workdir := opts.Workdir
	if workdir == "" {
		workdir = defaultWorkdir
	}

	staging, cleanup, err := materializeSource(opts.SourceDir, opts.Exclude)
	if err != nil {
		return Sandbox{}, &ProvisionError{Stage: "copy", Err: err}
	}
	defer cleanup()

	name := "fundi-provision-" + ids.NewID()
	defer forceRemove(runner, logger, name)

	createArgs := []string{"create", "--name", name, "-w", workdir}
	for _, c := range opts.Caches {
		createArgs = append(createArgs, "-v", c.Name+":"+c.Path)
	}
	createArgs = append(createArgs, opts.Image)
	if len(opts.Install) > 0 {
		createArgs = append(createArgs, opts.Install...)
	} else {
		createArgs = append(createArgs, "true")
	}
	if err := runStep(ctx, runner, createArgs, "create"); err != nil {
		return Sandbox{}, err
	}

	if err := runStep(ctx, runner, []string{"cp", staging + "/.", name + ":" + workdir}, "copy"); err != nil {
		return Sandbox{}, err
	}

	logger.Info("sandbox provisioning",
		slog.String("image", opts.Image),
		slog.String("source", opts.SourceDir),
		slog.Any("install", opts.Install),
	)

	res, err := runner.Run(ctx, []string{"start", "-a", name})
	if err != nil {
		return Sandbox{}, &ProvisionError{Stage: "install", Err: err}
	}
	if res.ExitCode != 0 {
		return Sandbox{}, &ProvisionError{Stage: "install", Output: res.Stderr + res.Stdout}
	}

	layer := "fundi/layer:" + ids.NewID()
	if err := runStep(ctx, runner, []string{"commit", name, layer}, "commit"); err != nil {
		return Sandbox{}, err
	}

	logger.Info("sandbox provisioned", slog.String("layer", layer))

	return Sandbox{
		runner:  runner,
		ids:     ids,
		logger:  logger,
		image:   layer,
		workdir: workdir,
		env:     map[string]string{},
	}, nil
}

// Image returns the snapshot's image layer reference.
func (s Sandbox) Image() string { return s.image }

// Workdir returns the working directory of the snapshot.
func (s Sandbox) Workdir() string { return s.workdir }

// Services returns the currently bound services in binding order.
func (s Sandbox) Services() []ServiceBinding {
	out := make([]ServiceBinding, len(s.services))
	copy(out, s.services)
	return out
}

// WithEnv returns a snapshot with the environment variable set.
func (s Sandbox) WithEnv(key, value string) Sandbox {
	c := s.clone()
	c.env[key] = value
	return c
}

// WithWorkdir returns a snapshot with a different working directory.
func (s Sandbox) WithWorkdir(dir string) Sandbox {
	c := s.clone()
	c.workdir = dir
	return c
}

// WithExposedPort returns a snapshot that exposes the given port. Exposed
// ports are published to the host during Exec and baked into published
// images.
func (s Sandbox) WithExposedPort(port int) Sandbox {
	c := s.clone()
	c.ports = append(c.ports, port)
	return c
}

// WithEntrypoint returns a snapshot with the given entrypoint. The
// entrypoint is used by published images and can be executed directly with
// ExecEntrypoint.
func (s Sandbox) WithEntrypoint(cmd []string) Sandbox {
	c := s.clone()
	c.entrypoint = append([]string(nil), cmd...)
	return c
}

// WithServiceBinding returns a snapshot with the service attached.
// Rebinding an existing name replaces it — last binding wins.
func (s Sandbox) WithServiceBinding(b ServiceBinding) Sandbox {
	c := s.clone()
	for i, existing := range c.services {
		if existing.Name == b.Name {
			c.services[i] = b
			return c
		}
	}
	c.services = append(c.services, b)
	return c
}

// WithNewFile returns a snapshot whose filesystem has the file written at
// path (relative paths resolve against the working directory). Parent
// directories are created implicitly. The receiver's layer is untouched.
func (s Sandbox) WithNewFile(ctx context.Context, filePath, contents string) (Sandbox, error) {
	abs := filePath
	if !strings.HasPrefix(abs, "/") {
		abs = path.Join(s.workdir, abs)
	}

	tmp, err := os.MkdirTemp("", "fundi-write-*")
	if err != nil {
		return Sandbox{}, fmt.Errorf("staging file write: %w", err)
	}
	defer os.RemoveAll(tmp)

	hostPath := filepath.Join(tmp, filepath.FromSlash(abs))
	if err := os.MkdirAll(filepath.Dir(hostPath), 0750); err != nil {
		return Sandbox{}, fmt.Errorf("staging file write: %w", err)
	}
	if err := os.WriteFile(hostPath, []byte(contents), 0644); err != nil {
		return Sandbox{}, fmt.Errorf("staging file write: %w", err)
	}

	name := "fundi-write-" + s.ids.NewID()
	defer forceRemove(s.runner, s.logger, name)

	steps := [][]string{
		{"create", "--name", name, s.image, "true"},
		{"cp", tmp + "/.", name + ":/"},
	}
	for _, args := range steps {
		if err := runStep(ctx, s.runner, args, "write "+abs); err != nil {
			return Sandbox{}, fmt.Errorf("writing %s: %w", abs, err)
		}
	}

	layer := "fundi/layer:" + s.ids.NewID()
	if err := runStep(ctx, s.runner, []string{"commit", name, layer}, "write "+abs); err != nil {
		return Sandbox{}, fmt.Errorf("writing %s: %w", abs, err)
	}

	c := s.clone()
	c.image = layer
	return c, nil
}

// Exec runs a command against the snapshot. Bound services are started
// fresh, wired onto a per-exec network, probed for readiness, and torn down
// after the command exits. The snapshot itself is never modified — process
// output is read back through the returned Execution only.
func (s Sandbox) Exec(ctx context.Context, command []string, mode ExecMode) (*Execution, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	svc, err := s.startServices(ctx)
	if err != nil {
		return nil, err
	}
	defer svc.teardown()

	args := []string{"run", "--rm", "--name", "fundi-exec-" + s.ids.NewID(), "-w", s.workdir}
	if svc.network != "" {
		args = append(args, "--network", svc.network)
	}
	args = append(args, envArgs(s.env)...)
	for _, p := range s.ports {
		args = append(args, "-p", fmt.Sprintf("127.0.0.1:%d:%d", p, p))
	}
	args = append(args, s.image)
	args = append(args, command...)

	s.logger.Info("sandbox executing",
		slog.Any("command", command),
		slog.String("image", s.image),
		slog.Int("services", len(s.services)),
	)

	res, err := s.runner.Run(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("executing %s: %w", command[0], err)
	}

	if mode == Strict && res.ExitCode != 0 {
		return nil, &ExecError{
			Command:  command,
			ExitCode: res.ExitCode,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
		}
	}

	return &Execution{
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
		Duration: res.Duration,
	}, nil
}

// ExecEntrypoint runs the configured entrypoint (set with WithEntrypoint)
// under Strict mode. Used for long-running serve processes.
func (s Sandbox) ExecEntrypoint(ctx context.Context) (*Execution, error) {
	if len(s.entrypoint) == 0 {
		return nil, fmt.Errorf("no entrypoint configured")
	}
	return s.Exec(ctx, s.entrypoint, Strict)
}

// Export materializes the snapshot's working directory into dest on the
// host.
func (s Sandbox) Export(ctx context.Context, dest string) error {
	if err := os.MkdirAll(dest, 0750); err != nil {
		return fmt.Errorf("creating export directory: %w", err)
	}

	name := "fundi-export-" + s.ids.NewID()
	defer forceRemove(s.runner, s.logger, name)

	if err := runStep(ctx, s.runner, []string{"create", "--name", name, s.image, "true"}, "export"); err != nil {
		return fmt.Errorf("exporting %s: %w", s.workdir, err)
	}
	if err := runStep(ctx, s.runner, []string{"cp", name + ":" + s.workdir + "/.", dest}, "export"); err != nil {
		return fmt.Errorf("exporting %s: %w", s.workdir, err)
	}
	return nil
}

// Publish commits the snapshot (with exposed ports and entrypoint baked in)
// under ref and pushes it to the registry. Returns the pushed address.
func (s Sandbox) Publish(ctx context.Context, ref string) (string, error) {
	name := "fundi-publish-" + s.ids.NewID()
	defer forceRemove(s.runner, s.logger, name)

	if err := runStep(ctx, s.runner, []string{"create", "--name", name, s.image, "true"}, "publish"); err != nil {
		return "", &PublishError{Ref: ref, Err: err}
	}

	commitArgs := []string{"commit"}
	for _, p := range s.ports {
		commitArgs = append(commitArgs, "--change", "EXPOSE "+strconv.Itoa(p))
	}
	if len(s.entrypoint) > 0 {
		ep, err := json.Marshal(s.entrypoint)
		if err != nil {
			return "", &PublishError{Ref: ref, Err: err}
		}
		commitArgs = append(commitArgs, "--change", "ENTRYPOINT "+string(ep))
	}
	commitArgs = append(commitArgs, name, ref)

	for _, args := range [][]string{commitArgs, {"push", ref}} {
		res, err := s.runner.Run(ctx, args)
		if err != nil {
			return "", &PublishError{Ref: ref, Err: err}
		}
		if res.ExitCode != 0 {
			return "", &PublishError{Ref: ref, Output: res.Stderr + res.Stdout}
		}
	}

	s.logger.Info("image published", slog.String("ref", ref))
	return ref, nil
}

// --- Internal helpers ---

func (s Sandbox) clone() Sandbox {
	c := s
	c.env = make(map[string]string, len(s.env))
	for k, v := range s.env {
		c.env[k] = v
	}
	c.ports = append([]int(nil), s.ports...)
	c.entrypoint = append([]string(nil), s.entrypoint...)
	c.services = append([]ServiceBinding(nil), s.services...)
	return c
}

// runStep runs one engine command and converts any failure (including a
// non-zero exit) into a *ProvisionError for the given stage.
func runStep(ctx context.Context, runner Runner, args []string, stage string) error {
	res, err := runner.Run(ctx, args)
	if err != nil {
		return &ProvisionError{Stage: stage, Err: err}
	}
	if res.ExitCode != 0 {
		return &ProvisionError{Stage: stage, Output: res.Stderr + res.Stdout}
	}
	return nil
}

// forceRemove removes a container by name. Best-effort cleanup — failures
// are logged, never returned.
func forceRemove(runner Runner, logger *slog.Logger, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := runner.Run(ctx, []string{"rm", "-f", name})
	if err != nil {
		logger.Warn("container cleanup failed", slog.String("container", name), slog.String("error", err.Error()))
		return
	}
	if res.ExitCode != 0 && !strings.Contains(res.Stderr, "No such container") {
		logger.Warn("container cleanup failed", slog.String("container", name), slog.String("output", res.Stderr))
	}
}

// envArgs renders environment variables as sorted -e flags. Sorting keeps
// engine invocations deterministic regardless of map iteration order.
func envArgs(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		args = append(args, "-e", k+"="+env[k])
	}
	return args
}

// materializeSource copies src into a temp staging directory, skipping the
// excluded top-level entries. Returns the staging path and a cleanup func.
func materializeSource(src string, exclude []string) (string, func(), error) {
	excluded := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		excluded[e] = true
	}

	staging, err := os.MkdirTemp("", "fundi-src-*")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { _ = os.RemoveAll(staging) }

	err = filepath.WalkDir(src, func(p string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		top := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
		if excluded[top] {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		dest := filepath.Join(staging, rel)
		if d.IsDir() {
			return os.MkdirAll(dest, 0750)
		}
		if !d.Type().IsRegular() {
			return nil // symlinks and devices do not travel into the sandbox
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		return os.WriteFile(dest, data, info.Mode().Perm())
	})
	if err != nil {
		cleanup()
		return "", nil, err
	}
	return staging, cleanup, nil
}
