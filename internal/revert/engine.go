package revert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/osmtools/revertd/internal/retry"
)

var (
	// ErrInvalidInput reports a task that fails submission validation.
	ErrInvalidInput = errors.New("invalid task")
	// ErrTaskExists reports a duplicate task id.
	ErrTaskExists = errors.New("task already exists")
)

type Logger interface {
	Printf(format string, args ...any)
}

type EngineConfig struct {
	Runner Runner
	// Parallelism is the worker count for tasks marked parallel.
	Parallelism int
	// LogCapacity bounds each task's log ring.
	LogCapacity int
	// ItemTimeout is the per-attempt deadline for one revert invocation.
	ItemTimeout time.Duration
	// ItemRetryInitial and ItemRetryMaxElapsed shape the per-changeset
	// retry policy.
	ItemRetryInitial    time.Duration
	ItemRetryMaxElapsed time.Duration

	Logger Logger
}

// Engine owns the registry of revert tasks and runs each submitted task
// to completion in its own goroutine.
type Engine struct {
	runner              Runner
	parallelism         int
	logCapacity         int
	itemTimeout         time.Duration
	itemRetryInitial    time.Duration
	itemRetryMaxElapsed time.Duration
	logger              Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu    sync.Mutex
	tasks []*Task
}

func NewEngine(cfg EngineConfig) *Engine {
	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = 4
	}
	logCapacity := cfg.LogCapacity
	if logCapacity <= 0 {
		logCapacity = 1000
	}
	itemTimeout := cfg.ItemTimeout
	if itemTimeout <= 0 {
		itemTimeout = 5 * time.Minute
	}
	itemRetryInitial := cfg.ItemRetryInitial
	if itemRetryInitial <= 0 {
		itemRetryInitial = 15 * time.Second
	}
	itemRetryMaxElapsed := cfg.ItemRetryMaxElapsed
	if itemRetryMaxElapsed <= 0 {
		itemRetryMaxElapsed = 2 * time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		runner:              cfg.Runner,
		parallelism:         parallelism,
		logCapacity:         logCapacity,
		itemTimeout:         itemTimeout,
		itemRetryInitial:    itemRetryInitial,
		itemRetryMaxElapsed: itemRetryMaxElapsed,
		logger:              cfg.Logger,
		baseCtx:             ctx,
		cancel:              cancel,
	}
}

// Shutdown cancels all running tasks. Submitted tasks remain in the
// registry for inspection.
func (e *Engine) Shutdown() {
	e.cancel()
}

// Submit validates and registers the task, then starts running it
// asynchronously. On error the task is not registered.
func (e *Engine) Submit(task *Task) error {
	if task == nil {
		return fmt.Errorf("%w: nil task", ErrInvalidInput)
	}
	if task.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidInput)
	}
	if len(task.Changesets) == 0 {
		return fmt.Errorf("%w: no changesets", ErrInvalidInput)
	}
	if task.Passes < 1 {
		return fmt.Errorf("%w: passes must be at least 1", ErrInvalidInput)
	}
	if task.IteratorDelay < 0 {
		return fmt.Errorf("%w: negative iterator delay", ErrInvalidInput)
	}
	if !task.TimeRange.From.IsZero() && task.TimeRange.To.Before(task.TimeRange.From) {
		return fmt.Errorf("%w: inverted time range", ErrInvalidInput)
	}

	e.mu.Lock()
	if e.findLocked(task.ID) != nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskExists, task.ID)
	}
	task.logs = NewLogRing(e.logCapacity)
	e.tasks = append(e.tasks, task)
	e.mu.Unlock()

	e.logf("task %s submitted (%d changesets, %d passes)", task.ID, len(task.Changesets), task.Passes)
	go e.run(e.baseCtx, task)
	return nil
}

// GetAll returns snapshots in submission order, or its reverse.
func (e *Engine) GetAll(ascending bool) []TaskSnapshot {
	e.mu.Lock()
	tasks := make([]*Task, len(e.tasks))
	copy(tasks, e.tasks)
	e.mu.Unlock()

	out := make([]TaskSnapshot, len(tasks))
	for i, task := range tasks {
		if ascending {
			out[i] = task.Snapshot()
		} else {
			out[len(tasks)-1-i] = task.Snapshot()
		}
	}
	return out
}

func (e *Engine) GetByID(id string) (TaskSnapshot, bool) {
	e.mu.Lock()
	task := e.findLocked(id)
	e.mu.Unlock()
	if task == nil {
		return TaskSnapshot{}, false
	}
	return task.Snapshot(), true
}

// AbortByID sets the advisory abort flag. The task stops at its next
// hand-off boundary; items already dispatched run to completion.
func (e *Engine) AbortByID(id string) bool {
	e.mu.Lock()
	task := e.findLocked(id)
	e.mu.Unlock()
	if task == nil {
		return false
	}
	task.markAborted()
	return true
}

// DeleteByID removes a task from the registry, but only once finished.
func (e *Engine) DeleteByID(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, task := range e.tasks {
		if task.ID != id {
			continue
		}
		if !task.isFinished() {
			return false
		}
		e.tasks = append(e.tasks[:i], e.tasks[i+1:]...)
		return true
	}
	return false
}

// Logs returns the task's current log window.
func (e *Engine) Logs(id string) ([]string, bool) {
	e.mu.Lock()
	task := e.findLocked(id)
	e.mu.Unlock()
	if task == nil {
		return nil, false
	}
	return task.logs.Lines(), true
}

// ReadLogs returns log lines at absolute index since and later, plus the
// cursor for the next read.
func (e *Engine) ReadLogs(id string, since uint64) ([]string, uint64, bool) {
	e.mu.Lock()
	task := e.findLocked(id)
	e.mu.Unlock()
	if task == nil {
		return nil, 0, false
	}
	lines, next := task.logs.ReadFrom(since)
	return lines, next, true
}

func (e *Engine) findLocked(id string) *Task {
	for _, task := range e.tasks {
		if task.ID == id {
			return task
		}
	}
	return nil
}

func (e *Engine) run(ctx context.Context, task *Task) {
	workers := 1
	if task.Parallel {
		workers = e.parallelism
	}
	total := float64(len(task.Changesets) * task.Passes)
	var (
		progressMu sync.Mutex
		completed  int
	)
	itemDone := func() {
		progressMu.Lock()
		completed++
		done := completed
		progressMu.Unlock()
		task.setProgress(float64(done) / total)
	}

	for pass := 1; pass <= task.Passes; pass++ {
		task.log(fmt.Sprintf("starting pass %d of %d", pass, task.Passes))

		// Zero-capacity hand-off: nothing is buffered ahead of the
		// producer's abort check.
		work := make(chan int64)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for changesetID := range work {
					e.revertOne(ctx, task, changesetID, workers)
					itemDone()
					if task.IteratorDelay > 0 {
						task.log(fmt.Sprintf("delaying %s", task.IteratorDelay))
						sleepCtx(ctx, task.IteratorDelay)
					}
				}
			}()
		}

		aborted := false
		for _, changesetID := range task.Changesets {
			if task.isAborted() || ctx.Err() != nil {
				aborted = true
				break
			}
			select {
			case work <- changesetID:
			case <-ctx.Done():
				aborted = true
			}
			if aborted {
				break
			}
		}
		close(work)
		wg.Wait()

		if aborted {
			task.log("task aborted")
			task.markFinished()
			e.logf("task %s aborted", task.ID)
			return
		}
	}

	task.log("task finished")
	task.markFinished()
	e.logf("task %s finished", task.ID)
}

// revertOne runs the external revert for a single changeset under the
// per-item retry policy. Exhaustion is logged and swallowed; one bad
// changeset must not stop the batch.
func (e *Engine) revertOne(ctx context.Context, task *Task, changesetID int64, workers int) {
	logLine := func(line string) {
		if workers > 1 {
			line = fmt.Sprintf("(%d) %s", changesetID, line)
		}
		task.log(line)
	}
	spec := RunSpec{
		Comment:          task.Options.Comment,
		DiscussionTarget: task.Options.DiscussionTarget,
		Query:            task.Options.Query,
		OnlyTags:         task.Options.OnlyTags,
		FixParents:       task.Options.FixParents,
		DryRun:           task.Options.DryRun,
		Env:              task.Env,
		Credential:       task.Credential,
	}
	policy := retry.Policy{
		Initial:    e.itemRetryInitial,
		MaxElapsed: e.itemRetryMaxElapsed,
		Notify: func(err error, delay time.Duration) {
			task.log(fmt.Sprintf("reverting %d failed, retrying in %s: %v", changesetID, delay, err))
		},
	}
	err := policy.Do(ctx, func(ctx context.Context) error {
		if task.isAborted() {
			return nil
		}
		task.log(fmt.Sprintf("reverting %d", changesetID))
		attemptCtx, cancel := context.WithTimeout(ctx, e.itemTimeout)
		defer cancel()
		return e.runner.Run(attemptCtx, changesetID, spec, logLine)
	})
	if err != nil && ctx.Err() == nil {
		task.log(fmt.Sprintf("reverting %d failed permanently: %v", changesetID, err))
	}
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
