package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/jkaninda/fundi/internal/database"
	"github.com/jkaninda/fundi/internal/identity"
	"github.com/jkaninda/fundi/internal/sandbox"
	"github.com/jkaninda/fundi/internal/testrun"
)

// fakeRunner scripts engine responses keyed on the invocation and records
// every call.
type fakeRunner struct {
	mu      sync.Mutex
	calls   [][]string
	respond func(args []string) *sandbox.RunResult
}

func (f *fakeRunner) Run(_ context.Context, args []string) (*sandbox.RunResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), args...))
	f.mu.Unlock()
	if f.respond != nil {
		if res := f.respond(args); res != nil {
			return res, nil
		}
	}
	if args[0] == "port" {
		return &sandbox.RunResult{Stdout: "127.0.0.1:49154\n"}, nil
	}
	return &sandbox.RunResult{}, nil
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

func testOptions() Options {
	return Options{
		Image:       "python:3.11",
		Install:     []string{"pip", "install", "-r", "requirements.txt"},
		Caches:      []sandbox.CacheMount{pipCache},
		TestCommand: []string{"sh", "-c", "pytest --tb=short"},
		TestDB:      database.Service{Image: "postgres:alpine", Name: "app_test", Password: "app_test_secret"},
		AppDB:       database.Service{Image: "postgres:alpine", Name: "app", Password: "app_secret"},
		Port:        8000,
		Entrypoint:  []string{"uvicorn", "main:app", "--host", "0.0.0.0", "--port", "8000"},
		Registry:    "ttl.sh",
		AppName:     "my-fastapi-app",
		ReadyProbe:  func(context.Context, string) error { return nil },
	}
}

func newPipeline(t *testing.T, runner *fakeRunner) (*Pipeline, string) {
	t.Helper()
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "main.py"), []byte("print()\n"), 0644); err != nil {
		t.Fatal(err)
	}
	return New(runner, identity.NewSequenceGenerator("p"), testLogger(), testOptions()), src
}

func TestTest_ReturnsOutput(t *testing.T) {
	runner := &fakeRunner{
		respond: func(args []string) *sandbox.RunResult {
			if args[0] == "run" && strings.Contains(strings.Join(args, " "), "pytest") {
				return &sandbox.RunResult{Stdout: "2 passed in 0.41s"}
			}
			return nil
		},
	}
	p, src := newPipeline(t, runner)

	out, err := p.Test(context.Background(), src)
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if out != "2 passed in 0.41s" {
		t.Errorf("output = %q", out)
	}
}

func TestTest_FailureCarriesOutput(t *testing.T) {
	runner := &fakeRunner{
		respond: func(args []string) *sandbox.RunResult {
			if args[0] == "run" && strings.Contains(strings.Join(args, " "), "pytest") {
				return &sandbox.RunResult{ExitCode: 1, Stdout: "FAILED test_create"}
			}
			return nil
		},
	}
	p, src := newPipeline(t, runner)

	_, err := p.Test(context.Background(), src)
	var failure *testrun.Failure
	if !errors.As(err, &failure) {
		t.Fatalf("error = %v, want *testrun.Failure", err)
	}
	if !strings.Contains(failure.Error(), "FAILED test_create") {
		t.Errorf("failure text = %q", failure.Error())
	}
}

func TestServe_BindsDatabaseAndRunsEntrypoint(t *testing.T) {
	runner := &fakeRunner{}
	p, src := newPipeline(t, runner)

	if err := p.Serve(context.Background(), src); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	runs := runner.callsWith("run")
	last := strings.Join(runs[len(runs)-1], " ")
	for _, want := range []string{
		"uvicorn main:app",
		"-e DATABASE_URL=postgresql://postgres:app_secret@db/app",
		"-p 127.0.0.1:8000:8000",
		"--network",
	} {
		if !strings.Contains(last, want) {
			t.Errorf("serve invocation missing %q:\n%s", want, last)
		}
	}
	// The database service container was started with its credentials.
	foundDB := false
	for _, r := range runs {
		joined := strings.Join(r, " ")
		if strings.Contains(joined, "postgres:alpine") && strings.Contains(joined, "POSTGRES_DB=app") {
			foundDB = true
		}
	}
	if !foundDB {
		t.Error("app database service was not started")
	}
}

func TestPublish_RefusesOnFailingTests(t *testing.T) {
	runner := &fakeRunner{
		respond: func(args []string) *sandbox.RunResult {
			if args[0] == "run" && strings.Contains(strings.Join(args, " "), "pytest") {
				return &sandbox.RunResult{ExitCode: 1, Stdout: "FAILED test_create"}
			}
			return nil
		},
	}
	p, src := newPipeline(t, runner)

	_, err := p.Publish(context.Background(), src)
	if err == nil {
		t.Fatal("expected publish to refuse on failing tests")
	}
	if pushes := runner.callsWith("push"); len(pushes) != 0 {
		t.Errorf("image was pushed despite failing tests: %v", pushes)
	}
}

func TestPublish_PushesUniqueRef(t *testing.T) {
	runner := &fakeRunner{
		respond: func(args []string) *sandbox.RunResult {
			if args[0] == "run" && strings.Contains(strings.Join(args, " "), "pytest") {
				return &sandbox.RunResult{Stdout: "2 passed"}
			}
			return nil
		},
	}
	p, src := newPipeline(t, runner)

	addr, err := p.Publish(context.Background(), src)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if !strings.HasPrefix(addr, "ttl.sh/my-fastapi-app-") {
		t.Errorf("addr = %q", addr)
	}

	pushes := runner.callsWith("push")
	if len(pushes) != 1 || pushes[0][1] != addr {
		t.Fatalf("pushes = %v, want one push of %q", pushes, addr)
	}

	// The published image bakes in the serve port and entrypoint.
	commits := runner.callsWith("commit")
	publishCommit := strings.Join(commits[len(commits)-1], " ")
	if !strings.Contains(publishCommit, "EXPOSE 8000") {
		t.Errorf("publish commit missing exposed port:\n%s", publishCommit)
	}
	if !strings.Contains(publishCommit, "ENTRYPOINT") || !strings.Contains(publishCommit, "uvicorn") {
		t.Errorf("publish commit missing entrypoint:\n%s", publishCommit)
	}
}
