package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/fundi/internal/config"
	"github.com/jkaninda/fundi/internal/fix"
	"github.com/jkaninda/fundi/internal/testrun"
)

type fakeTester struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeTester) Test(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "2 passed", nil
}

func (f *fakeTester) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeFixer struct {
	calls int
	err   error
}

func (f *fakeFixer) Fix(context.Context, string, fix.Options) (*fix.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &fix.Result{Directory: "fixed", Summary: fix.LocalSummary}, nil
}

// immediateSchedule fires on every poll.
type immediateSchedule struct{}

func (immediateSchedule) Next(t time.Time) time.Time { return t.Add(time.Millisecond) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newWatcher(t *testing.T, tester Tester, cfg *config.WatchConfig) *Watcher {
	t.Helper()
	w, err := New(tester, testLogger(), cfg, "/src/app")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w
}

func TestNew_RejectsInvalidSchedule(t *testing.T) {
	_, err := New(&fakeTester{}, testLogger(), &config.WatchConfig{Schedule: "not a cron line"}, "/src/app")
	if err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestRunOnce_PassingSuiteSkipsFix(t *testing.T) {
	tester := &fakeTester{}
	fixer := &fakeFixer{}
	w := newWatcher(t, tester, &config.WatchConfig{}).WithFixer(fixer, fix.Options{})

	w.runOnce(context.Background())

	if tester.count() != 1 {
		t.Errorf("test calls = %d", tester.count())
	}
	if fixer.calls != 0 {
		t.Errorf("fix calls = %d, want 0", fixer.calls)
	}
}

func TestRunOnce_FailingSuiteTriggersFix(t *testing.T) {
	tester := &fakeTester{err: &testrun.Failure{Stdout: "FAILED test_create"}}
	fixer := &fakeFixer{}
	w := newWatcher(t, tester, &config.WatchConfig{FixOnFailure: true}).WithFixer(fixer, fix.Options{})

	w.runOnce(context.Background())

	if fixer.calls != 1 {
		t.Errorf("fix calls = %d, want 1", fixer.calls)
	}
}

func TestRunOnce_InfraErrorSkipsFix(t *testing.T) {
	tester := &fakeTester{err: errors.New("engine unavailable")}
	fixer := &fakeFixer{}
	w := newWatcher(t, tester, &config.WatchConfig{}).WithFixer(fixer, fix.Options{})

	w.runOnce(context.Background())

	if fixer.calls != 0 {
		t.Errorf("fix calls = %d, want 0 on infrastructure error", fixer.calls)
	}
}

func TestRunOnce_FixErrorIsNotFatal(t *testing.T) {
	tester := &fakeTester{err: &testrun.Failure{Stdout: "FAILED"}}
	fixer := &fakeFixer{err: errors.New("agent run: provider unreachable")}
	w := newWatcher(t, tester, &config.WatchConfig{}).WithFixer(fixer, fix.Options{})

	w.runOnce(context.Background()) // must not panic or propagate
	if fixer.calls != 1 {
		t.Errorf("fix calls = %d", fixer.calls)
	}
}

func TestRun_StopsAtRunBound(t *testing.T) {
	tester := &fakeTester{}
	w := newWatcher(t, tester, &config.WatchConfig{MaxRuns: 3})
	w.sched = immediateSchedule{}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if tester.count() != 3 {
		t.Errorf("test calls = %d, want 3", tester.count())
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	tester := &fakeTester{}
	w := newWatcher(t, tester, &config.WatchConfig{})
	w.sched = immediateSchedule{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Let at least one tick land, then cancel.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
