package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/jkaninda/fundi/internal/identity"
)

// fakeRunner scripts engine responses and records every invocation.
type fakeRunner struct {
	mu      sync.Mutex
	calls   [][]string
	respond func(args []string) *RunResult
}

func (f *fakeRunner) Run(_ context.Context, args []string) (*RunResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), args...))
	f.mu.Unlock()
	if f.respond != nil {
		if res := f.respond(args); res != nil {
			return res, nil
		}
	}
	if args[0] == "port" {
		return &RunResult{Stdout: "127.0.0.1:49154\n"}, nil
	}
	return &RunResult{}, nil
}

func (f *fakeRunner) callsWith(subcommand string) [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]string
	for _, c := range f.calls {
		if c[0] == subcommand {
			out = append(out, c)
		}
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestSandbox(t *testing.T, runner *fakeRunner) Sandbox {
	t.Helper()
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "main.py"), []byte("print()\n"), 0644); err != nil {
		t.Fatal(err)
	}

	sbx, err := FromSource(context.Background(), runner, identity.NewSequenceGenerator("x"), testLogger(), Options{
		Image:     "python:3.11",
		SourceDir: src,
		Install:   []string{"pip", "install", "-r", "requirements.txt"},
	})
	if err != nil {
		t.Fatalf("FromSource: %v", err)
	}
	return sbx
}

func TestFromSource_ProvisionSteps(t *testing.T) {
	runner := &fakeRunner{}
	sbx := newTestSandbox(t, runner)

	for _, sub := range []string{"create", "cp", "start", "commit"} {
		if len(runner.callsWith(sub)) == 0 {
			t.Errorf("expected a docker %s call during provisioning", sub)
		}
	}
	if !strings.HasPrefix(sbx.Image(), "fundi/layer:") {
		t.Errorf("Image() = %q, want a committed fundi/layer ref", sbx.Image())
	}
	if sbx.Workdir() != "/app" {
		t.Errorf("Workdir() = %q, want /app", sbx.Workdir())
	}

	create := runner.callsWith("create")[0]
	joined := strings.Join(create, " ")
	if !strings.Contains(joined, "python:3.11 pip install -r requirements.txt") {
		t.Errorf("create call missing image+install command: %v", create)
	}
}

func TestFromSource_CacheMounts(t *testing.T) {
	runner := &fakeRunner{}
	src := t.TempDir()

	_, err := FromSource(context.Background(), runner, identity.NewSequenceGenerator("x"), testLogger(), Options{
		Image:     "python:3.11",
		SourceDir: src,
		Caches:    []CacheMount{{Name: "python-pip", Path: "/root/.cache/pip"}},
	})
	if err != nil {
		t.Fatalf("FromSource: %v", err)
	}

	create := strings.Join(runner.callsWith("create")[0], " ")
	if !strings.Contains(create, "-v python-pip:/root/.cache/pip") {
		t.Errorf("create call missing cache volume: %s", create)
	}
}

func TestFromSource_InstallFailure(t *testing.T) {
	runner := &fakeRunner{
		respond: func(args []string) *RunResult {
			if args[0] == "start" {
				return &RunResult{ExitCode: 1, Stderr: "No matching distribution found for flask\n"}
			}
			return nil
		},
	}
	src := t.TempDir()

	_, err := FromSource(context.Background(), runner, identity.NewSequenceGenerator("x"), testLogger(), Options{
		Image:     "python:3.11",
		SourceDir: src,
		Install:   []string{"pip", "install", "-r", "requirements.txt"},
	})

	var pe *ProvisionError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want *ProvisionError", err)
	}
	if pe.Stage != "install" {
		t.Errorf("Stage = %q, want install", pe.Stage)
	}
	if !strings.Contains(pe.Error(), "No matching distribution") {
		t.Errorf("error should carry install output: %v", pe)
	}
}

func TestWithEnv_DoesNotMutateReceiver(t *testing.T) {
	runner := &fakeRunner{}
	base := newTestSandbox(t, runner)
	derived := base.WithEnv("DATABASE_URL", "postgresql://db/app")

	ctx := context.Background()
	if _, err := base.Exec(ctx, []string{"true"}, CaptureAny); err != nil {
		t.Fatal(err)
	}
	baseRun := strings.Join(runner.callsWith("run")[0], " ")
	if strings.Contains(baseRun, "DATABASE_URL") {
		t.Errorf("base snapshot leaked derived env: %s", baseRun)
	}

	if _, err := derived.Exec(ctx, []string{"true"}, CaptureAny); err != nil {
		t.Fatal(err)
	}
	derivedRun := strings.Join(runner.callsWith("run")[1], " ")
	if !strings.Contains(derivedRun, "-e DATABASE_URL=postgresql://db/app") {
		t.Errorf("derived snapshot missing env: %s", derivedRun)
	}
}

func TestWithServiceBinding_LastWins(t *testing.T) {
	runner := &fakeRunner{}
	sbx := newTestSandbox(t, runner).
		WithServiceBinding(ServiceBinding{Name: "db", Image: "postgres:16"}).
		WithServiceBinding(ServiceBinding{Name: "db", Image: "postgres:alpine"})

	svcs := sbx.Services()
	if len(svcs) != 1 {
		t.Fatalf("len(services) = %d, want 1", len(svcs))
	}
	if svcs[0].Image != "postgres:alpine" {
		t.Errorf("service image = %q, want the last binding", svcs[0].Image)
	}
}

func TestExec_StrictFailure(t *testing.T) {
	runner := &fakeRunner{
		respond: func(args []string) *RunResult {
			if args[0] == "run" {
				return &RunResult{ExitCode: 3, Stdout: "out", Stderr: "boom"}
			}
			return nil
		},
	}
	sbx := newTestSandbox(t, runner)

	_, err := sbx.Exec(context.Background(), []string{"false"}, Strict)
	var ee *ExecError
	if !errors.As(err, &ee) {
		t.Fatalf("error = %v, want *ExecError", err)
	}
	if ee.ExitCode != 3 || ee.Stderr != "boom" {
		t.Errorf("ExecError = %+v, want exit 3 with stderr", ee)
	}
}

func TestExec_CaptureAnyReturnsExitCode(t *testing.T) {
	runner := &fakeRunner{
		respond: func(args []string) *RunResult {
			if args[0] == "run" {
				return &RunResult{ExitCode: 1, Stdout: "1 failed"}
			}
			return nil
		},
	}
	sbx := newTestSandbox(t, runner)

	exec, err := sbx.Exec(context.Background(), []string{"pytest"}, CaptureAny)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exec.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", exec.ExitCode)
	}
	if exec.Stdout != "1 failed" {
		t.Errorf("Stdout = %q", exec.Stdout)
	}
}

func TestExec_ServiceLifecycle(t *testing.T) {
	runner := &fakeRunner{}
	var probed string
	sbx := newTestSandbox(t, runner).WithServiceBinding(ServiceBinding{
		Name:  "db",
		Image: "postgres:alpine",
		Env:   map[string]string{"POSTGRES_DB": "app_test"},
		Port:  5432,
		Ready: func(_ context.Context, addr string) error {
			probed = addr
			return nil
		},
	})

	if _, err := sbx.Exec(context.Background(), []string{"pytest"}, CaptureAny); err != nil {
		t.Fatalf("Exec: %v", err)
	}

	if probed != "127.0.0.1:49154" {
		t.Errorf("readiness probe addr = %q, want host-mapped port", probed)
	}

	if len(runner.callsWith("network")) < 2 {
		t.Error("expected network create and network rm calls")
	}

	var sawAlias, sawTeardown bool
	for _, c := range runner.calls {
		s := strings.Join(c, " ")
		if strings.Contains(s, "--network-alias db") && strings.Contains(s, "postgres:alpine") {
			sawAlias = true
		}
		if c[0] == "rm" && strings.Contains(s, "fundi-svc-db-") {
			sawTeardown = true
		}
	}
	if !sawAlias {
		t.Error("service container not started with network alias")
	}
	if !sawTeardown {
		t.Error("service container not torn down after exec")
	}
}

func TestWithNewFile_AdvancesSnapshot(t *testing.T) {
	runner := &fakeRunner{}
	base := newTestSandbox(t, runner)

	derived, err := base.WithNewFile(context.Background(), "models/book.py", "class Book: pass\n")
	if err != nil {
		t.Fatalf("WithNewFile: %v", err)
	}

	if derived.Image() == base.Image() {
		t.Error("write should produce a new layer, not mutate the old one")
	}
	if !strings.HasPrefix(derived.Image(), "fundi/layer:") {
		t.Errorf("derived image = %q", derived.Image())
	}
}

func TestExecEntrypoint_RequiresEntrypoint(t *testing.T) {
	runner := &fakeRunner{}
	sbx := newTestSandbox(t, runner)

	if _, err := sbx.ExecEntrypoint(context.Background()); err == nil {
		t.Fatal("expected error without entrypoint")
	}

	withEP := sbx.WithEntrypoint([]string{"uvicorn", "main:app"})
	if _, err := withEP.ExecEntrypoint(context.Background()); err != nil {
		t.Fatalf("ExecEntrypoint: %v", err)
	}
	run := strings.Join(runner.callsWith("run")[0], " ")
	if !strings.HasSuffix(run, "uvicorn main:app") {
		t.Errorf("entrypoint not executed: %s", run)
	}
}

func TestPublish_ChangesAndPush(t *testing.T) {
	runner := &fakeRunner{}
	sbx := newTestSandbox(t, runner).
		WithExposedPort(8000).
		WithEntrypoint([]string{"uvicorn", "main:app"})

	addr, err := sbx.Publish(context.Background(), "ttl.sh/fundi-app-1")
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if addr != "ttl.sh/fundi-app-1" {
		t.Errorf("address = %q", addr)
	}

	commits := runner.callsWith("commit")
	commit := strings.Join(commits[len(commits)-1], " ") // last commit is the publish one
	if !strings.Contains(commit, "EXPOSE 8000") {
		t.Errorf("commit missing EXPOSE change: %s", commit)
	}
	if !strings.Contains(commit, `ENTRYPOINT ["uvicorn","main:app"]`) {
		t.Errorf("commit missing ENTRYPOINT change: %s", commit)
	}
	if len(runner.callsWith("push")) != 1 {
		t.Error("expected exactly one push call")
	}
}

func TestPublish_PushFailure(t *testing.T) {
	runner := &fakeRunner{
		respond: func(args []string) *RunResult {
			if args[0] == "push" {
				return &RunResult{ExitCode: 1, Stderr: "unauthorized: authentication required"}
			}
			return nil
		},
	}
	sbx := newTestSandbox(t, runner)

	_, err := sbx.Publish(context.Background(), "ttl.sh/fundi-app-1")
	var pe *PublishError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want *PublishError", err)
	}
	if !strings.Contains(pe.Error(), "unauthorized") {
		t.Errorf("error should carry push output: %v", pe)
	}
}

func TestMaterializeSource_Excludes(t *testing.T) {
	src := t.TempDir()
	mustWrite := func(rel, content string) {
		t.Helper()
		p := filepath.Join(src, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0750); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	mustWrite("main.py", "app\n")
	mustWrite("tests/test_main.py", "test\n")
	mustWrite(".harness/pipeline.yaml", "internal\n")

	staging, cleanup, err := materializeSource(src, []string{".harness"})
	if err != nil {
		t.Fatalf("materializeSource: %v", err)
	}
	defer cleanup()

	if _, err := os.Stat(filepath.Join(staging, "tests", "test_main.py")); err != nil {
		t.Errorf("nested file not copied: %v", err)
	}
	if _, err := os.Stat(filepath.Join(staging, ".harness")); !os.IsNotExist(err) {
		t.Error("excluded directory was copied")
	}

	got, err := os.ReadFile(filepath.Join(staging, "main.py"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "app\n" {
		t.Errorf("copied content = %q", got)
	}
}

func TestEngineCheck_Reachable(t *testing.T) {
	runner := &fakeRunner{}

	if err := EngineCheck(runner)(context.Background()); err != nil {
		t.Fatalf("EngineCheck: %v", err)
	}
	if got := runner.callsWith("info"); len(got) != 1 {
		t.Fatalf("info calls = %d, want 1", len(got))
	}
}

func TestEngineCheck_DaemonDown(t *testing.T) {
	runner := &fakeRunner{
		respond: func(args []string) *RunResult {
			return &RunResult{ExitCode: 1, Stderr: "Cannot connect to the Docker daemon\n"}
		},
	}

	err := EngineCheck(runner)(context.Background())
	if err == nil {
		t.Fatal("expected error when the engine is down")
	}
	if !strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
		t.Errorf("error = %v, want engine stderr included", err)
	}
}
