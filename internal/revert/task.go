package revert

import (
	"strings"
	"sync"
	"time"

	"github.com/osmtools/revertd/internal/store"
)

// Options are the operator-visible knobs passed to the external revert
// tool for every changeset in the batch.
type Options struct {
	Comment          string
	DiscussionTarget string
	Query            string
	OnlyTags         []string
	FixParents       bool
	DryRun           bool
}

// Task is one batch revert job. It lives only in the engine's registry,
// never in a store. The immutable fields are set before Submit; the
// mutable ones (progress, flags, logs) are guarded by mu and written by
// the task's own run goroutine, except for the advisory abort flag.
//
// Credential is bound to the submitting operator and reaches only the
// runner's process environment. It is excluded from snapshots and logs.
type Task struct {
	ID            string
	Changesets    []int64
	TimeRange     store.TimeRange
	Env           map[string]string
	Credential    string
	Options       Options
	Passes        int
	IteratorDelay time.Duration
	Parallel      bool

	mu       sync.Mutex
	progress float64
	aborted  bool
	finished bool
	logs     *LogRing
}

// NewTaskID derives a unique, URL-safe task identifier from a creation
// timestamp, e.g. 20260601-121530042.
func NewTaskID(t time.Time) string {
	return strings.Replace(t.UTC().Format("20060102-150405.000"), ".", "", 1)
}

// TaskSnapshot is the plain, display-safe view of a task. It carries no
// credential and no synchronization state.
type TaskSnapshot struct {
	ID            string            `json:"id"`
	Changesets    []int64           `json:"changesets"`
	TimeRange     store.TimeRange   `json:"time_range"`
	Env           map[string]string `json:"env,omitempty"`
	Options       Options           `json:"options"`
	Passes        int               `json:"passes"`
	IteratorDelay time.Duration     `json:"iterator_delay"`
	Parallel      bool              `json:"parallel"`
	Progress      float64           `json:"progress"`
	Aborted       bool              `json:"aborted"`
	Finished      bool              `json:"finished"`
}

func (t *Task) Snapshot() TaskSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	changesets := make([]int64, len(t.Changesets))
	copy(changesets, t.Changesets)
	env := make(map[string]string, len(t.Env))
	for k, v := range t.Env {
		env[k] = v
	}
	return TaskSnapshot{
		ID:            t.ID,
		Changesets:    changesets,
		TimeRange:     t.TimeRange,
		Env:           env,
		Options:       t.Options,
		Passes:        t.Passes,
		IteratorDelay: t.IteratorDelay,
		Parallel:      t.Parallel,
		Progress:      t.progress,
		Aborted:       t.aborted,
		Finished:      t.finished,
	}
}

func (t *Task) log(line string) {
	t.logs.Append(line)
}

// setProgress never moves progress backwards, even when workers finish
// out of order.
func (t *Task) setProgress(p float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p > t.progress {
		t.progress = p
	}
}

func (t *Task) markAborted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.aborted = true
}

func (t *Task) isAborted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aborted
}

// markFinished is one-way: a finished task never becomes unfinished.
func (t *Task) markFinished() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finished = true
}

func (t *Task) isFinished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished
}
