package revert

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   []int64
	lastRun RunSpec
	failIDs map[int64]int
	emit    []string
	block   chan struct{}
	started chan int64
}

func (f *fakeRunner) Run(ctx context.Context, changesetID int64, spec RunSpec, logLine func(string)) error {
	f.mu.Lock()
	f.calls = append(f.calls, changesetID)
	f.lastRun = spec
	remaining := f.failIDs[changesetID]
	if remaining > 0 {
		f.failIDs[changesetID] = remaining - 1
	}
	f.mu.Unlock()
	if f.started != nil {
		f.started <- changesetID
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, line := range f.emit {
		logLine(line)
	}
	if remaining > 0 {
		return errors.New("exit status 1")
	}
	return nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("bad time %q: %v", value, err)
	}
	return ts
}

func waitFinished(t *testing.T, engine *Engine, id string) TaskSnapshot {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		snap, ok := engine.GetByID(id)
		if ok && snap.Finished {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s never finished", id)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSubmitRejectsInvalidTasks(t *testing.T) {
	engine := NewEngine(EngineConfig{Runner: &fakeRunner{}})
	cases := []struct {
		name string
		task *Task
	}{
		{"nil", nil},
		{"empty id", &Task{Changesets: []int64{1}, Passes: 1}},
		{"no changesets", &Task{ID: "a", Passes: 1}},
		{"zero passes", &Task{ID: "b", Changesets: []int64{1}}},
		{"negative delay", &Task{ID: "c", Changesets: []int64{1}, Passes: 1, IteratorDelay: -time.Second}},
	}
	for _, tc := range cases {
		if err := engine.Submit(tc.task); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("%s: expected ErrInvalidInput, got %v", tc.name, err)
		}
	}
	if got := len(engine.GetAll(true)); got != 0 {
		t.Fatalf("invalid tasks must not be registered, found %d", got)
	}
}

func TestSubmitRejectsDuplicateID(t *testing.T) {
	engine := NewEngine(EngineConfig{Runner: &fakeRunner{}})
	first := &Task{ID: "dup", Changesets: []int64{1}, Passes: 1}
	if err := engine.Submit(first); err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	second := &Task{ID: "dup", Changesets: []int64{2}, Passes: 1}
	if err := engine.Submit(second); !errors.Is(err, ErrTaskExists) {
		t.Fatalf("expected ErrTaskExists, got %v", err)
	}
	waitFinished(t, engine, "dup")
	if got := len(engine.GetAll(true)); got != 1 {
		t.Fatalf("expected 1 registered task, got %d", got)
	}
}

func TestRunCompletesAllPasses(t *testing.T) {
	runner := &fakeRunner{}
	engine := NewEngine(EngineConfig{Runner: runner})
	task := &Task{ID: "full", Changesets: []int64{10, 20, 30}, Passes: 2}
	if err := engine.Submit(task); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	snap := waitFinished(t, engine, "full")
	if snap.Progress != 1.0 {
		t.Fatalf("expected progress 1.0, got %v", snap.Progress)
	}
	if got := runner.callCount(); got != 6 {
		t.Fatalf("expected 6 invocations (3 changesets x 2 passes), got %d", got)
	}
	lines, ok := engine.Logs("full")
	if !ok {
		t.Fatalf("logs missing")
	}
	joined := strings.Join(lines, "\n")
	if !strings.Contains(joined, "starting pass 1 of 2") || !strings.Contains(joined, "starting pass 2 of 2") {
		t.Fatalf("pass markers missing from logs:\n%s", joined)
	}
	if !strings.Contains(joined, "task finished") {
		t.Fatalf("completion marker missing from logs:\n%s", joined)
	}
}

func TestRetryExhaustionDoesNotStopBatch(t *testing.T) {
	runner := &fakeRunner{failIDs: map[int64]int{20: 1000}}
	engine := NewEngine(EngineConfig{
		Runner:              runner,
		ItemRetryInitial:    time.Millisecond,
		ItemRetryMaxElapsed: 5 * time.Millisecond,
	})
	task := &Task{ID: "resilient", Changesets: []int64{10, 20, 30}, Passes: 1}
	if err := engine.Submit(task); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	snap := waitFinished(t, engine, "resilient")
	if snap.Progress != 1.0 {
		t.Fatalf("expected progress 1.0 despite a failing changeset, got %v", snap.Progress)
	}
	lines, _ := engine.Logs("resilient")
	joined := strings.Join(lines, "\n")
	if !strings.Contains(joined, "reverting 20 failed permanently") {
		t.Fatalf("exhaustion not logged:\n%s", joined)
	}
}

func TestAbortStopsAtHandOffBoundary(t *testing.T) {
	runner := &fakeRunner{
		block:   make(chan struct{}, 1),
		started: make(chan int64, 8),
	}
	engine := NewEngine(EngineConfig{Runner: runner})
	task := &Task{ID: "abort", Changesets: []int64{1, 2, 3, 4, 5}, Passes: 1}
	if err := engine.Submit(task); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	select {
	case <-runner.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("first item never started")
	}
	if !engine.AbortByID("abort") {
		t.Fatalf("abort reported task not found")
	}
	runner.block <- struct{}{}

	snap := waitFinished(t, engine, "abort")
	if !snap.Aborted {
		t.Fatalf("expected aborted flag")
	}
	if snap.Progress >= 1.0 {
		t.Fatalf("expected partial progress, got %v", snap.Progress)
	}
	// Only the item dispatched before the abort reaches the runner.
	if got := runner.callCount(); got != 1 {
		t.Fatalf("expected 1 runner invocation, got %d", got)
	}
	lines, _ := engine.Logs("abort")
	if !strings.Contains(strings.Join(lines, "\n"), "task aborted") {
		t.Fatalf("abort marker missing from logs")
	}
}

func TestAbortUnknownTask(t *testing.T) {
	engine := NewEngine(EngineConfig{Runner: &fakeRunner{}})
	if engine.AbortByID("nope") {
		t.Fatalf("abort of unknown task must report false")
	}
}

func TestDeleteOnlyWhenFinished(t *testing.T) {
	runner := &fakeRunner{
		block:   make(chan struct{}),
		started: make(chan int64, 1),
	}
	engine := NewEngine(EngineConfig{Runner: runner})
	task := &Task{ID: "del", Changesets: []int64{1}, Passes: 1}
	if err := engine.Submit(task); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	<-runner.started
	if engine.DeleteByID("del") {
		t.Fatalf("delete must be a no-op while running")
	}
	close(runner.block)
	waitFinished(t, engine, "del")
	if !engine.DeleteByID("del") {
		t.Fatalf("delete of a finished task must succeed")
	}
	if _, ok := engine.GetByID("del"); ok {
		t.Fatalf("deleted task still visible")
	}
}

func TestParallelOutputCarriesChangesetPrefix(t *testing.T) {
	runner := &fakeRunner{emit: []string{"uploading"}}
	engine := NewEngine(EngineConfig{Runner: runner, Parallelism: 2})
	task := &Task{ID: "par", Changesets: []int64{7, 8}, Passes: 1, Parallel: true}
	if err := engine.Submit(task); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	waitFinished(t, engine, "par")
	lines, _ := engine.Logs("par")
	found := false
	for _, line := range lines {
		if line == "(7) uploading" || line == "(8) uploading" {
			found = true
		}
		if line == "uploading" {
			t.Fatalf("tool output missing changeset prefix in parallel mode")
		}
	}
	if !found {
		t.Fatalf("no prefixed tool output found in %v", lines)
	}
}

func TestSnapshotOmitsCredential(t *testing.T) {
	runner := &fakeRunner{}
	engine := NewEngine(EngineConfig{Runner: runner})
	task := &Task{
		ID:         "secret",
		Changesets: []int64{1},
		Passes:     1,
		Credential: "token-abc",
		Env:        map[string]string{"HTTP_PROXY": "http://proxy:8080"},
	}
	if err := engine.Submit(task); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	waitFinished(t, engine, "secret")

	runner.mu.Lock()
	spec := runner.lastRun
	runner.mu.Unlock()
	if spec.Credential != "token-abc" {
		t.Fatalf("credential must reach the runner, got %q", spec.Credential)
	}
	if spec.Env["HTTP_PROXY"] != "http://proxy:8080" {
		t.Fatalf("env overrides must reach the runner, got %v", spec.Env)
	}
	snap, _ := engine.GetByID("secret")
	if snap.Env["HTTP_PROXY"] != "http://proxy:8080" {
		t.Fatalf("env overrides should be visible in snapshots")
	}
	lines, _ := engine.Logs("secret")
	for _, line := range lines {
		if strings.Contains(line, "token-abc") {
			t.Fatalf("credential leaked into logs: %q", line)
		}
	}
}

func TestGetAllOrdering(t *testing.T) {
	engine := NewEngine(EngineConfig{Runner: &fakeRunner{}})
	for _, id := range []string{"a", "b", "c"} {
		if err := engine.Submit(&Task{ID: id, Changesets: []int64{1}, Passes: 1}); err != nil {
			t.Fatalf("submit %s failed: %v", id, err)
		}
	}
	asc := engine.GetAll(true)
	if asc[0].ID != "a" || asc[2].ID != "c" {
		t.Fatalf("unexpected ascending order: %v %v %v", asc[0].ID, asc[1].ID, asc[2].ID)
	}
	desc := engine.GetAll(false)
	if desc[0].ID != "c" || desc[2].ID != "a" {
		t.Fatalf("unexpected descending order: %v %v %v", desc[0].ID, desc[1].ID, desc[2].ID)
	}
}
