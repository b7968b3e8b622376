package replication

import (
	"context"
	"errors"
	"time"

	"github.com/osmtools/revertd/internal/retry"
	"github.com/osmtools/revertd/internal/store"
)

type Logger interface {
	Printf(format string, args ...any)
}

const replicationStateName = "replication"

type cursorDoc struct {
	LastReplicationID int64 `json:"last_replication_id"`
}

type WorkerOptions struct {
	Client     Client
	Changesets store.ChangesetStore
	State      store.StateStore

	// Horizon is the retention window for stored changesets.
	Horizon time.Duration
	// Frequency is the feed's emission interval.
	Frequency time.Duration
	// Sleep is the idle interval once the feed's live edge is reached.
	Sleep time.Duration

	Logger Logger
}

// Worker keeps the changeset store an eventually-consistent mirror of
// the feed within the retention horizon. It processes sequences strictly
// in order, one at a time.
type Worker struct {
	client     Client
	changesets store.ChangesetStore
	state      store.StateStore
	horizon    time.Duration
	frequency  time.Duration
	sleep      time.Duration
	logger     Logger
	now        func() time.Time
}

func NewWorker(opts WorkerOptions) *Worker {
	horizon := opts.Horizon
	if horizon <= 0 {
		horizon = 180 * 24 * time.Hour
	}
	frequency := opts.Frequency
	if frequency <= 0 {
		frequency = time.Minute
	}
	sleep := opts.Sleep
	if sleep <= 0 {
		sleep = 30 * time.Second
	}
	return &Worker{
		client:     opts.Client,
		changesets: opts.Changesets,
		state:      opts.State,
		horizon:    horizon,
		frequency:  frequency,
		sleep:      sleep,
		logger:     opts.Logger,
		now:        time.Now,
	}
}

// Run replicates until ctx is canceled. Any failure restarts the loop
// from the persisted (or re-derived) cursor under the unbounded retry
// policy; no sequence is ever skipped.
func (w *Worker) Run(ctx context.Context) error {
	policy := retry.Policy{
		Notify: func(err error, delay time.Duration) {
			w.logf("replication failed, restarting in %s: %v", delay, err)
		},
	}
	return policy.Do(ctx, w.replicate)
}

func (w *Worker) replicate(ctx context.Context) error {
	cursor, err := w.resolveCursor(ctx)
	if err != nil {
		return err
	}
	replID := cursor + 1
	synchronized := false

	downloadPolicy := retry.Policy{
		Notify: func(err error, delay time.Duration) {
			w.logf("[%d] download failed, retrying in %s: %v", replID, delay, err)
		},
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if synchronized {
			if removed, err := w.changesets.DeleteClosedBefore(ctx, w.now().Add(-w.horizon)); err != nil {
				return err
			} else if removed > 0 {
				w.logf("expired %d changesets", removed)
			}
			if err := sleepCtx(ctx, w.sleep); err != nil {
				return err
			}
		}

		var (
			batch  []store.Changeset
			notYet bool
		)
		err := downloadPolicy.Do(ctx, func(ctx context.Context) error {
			changesets, err := w.client.Changesets(ctx, replID)
			if errors.Is(err, ErrNotYetProduced) {
				notYet = true
				return nil
			}
			if err != nil {
				return err
			}
			notYet = false
			batch = changesets
			return nil
		})
		if err != nil {
			return err
		}
		if notYet {
			// Reached the live edge; retry the same sequence next
			// cycle without advancing.
			synchronized = true
			continue
		}

		w.logf("[%d] downloaded %d changesets", replID, len(batch))
		if err := w.changesets.UpsertBatch(ctx, batch); err != nil {
			return err
		}
		if err := w.state.SetNamedState(ctx, replicationStateName, cursorDoc{LastReplicationID: replID}); err != nil {
			return err
		}
		replID++
	}
}

// resolveCursor loads the persisted cursor, or on cold start discovers
// the oldest sequence still within the retention horizon: guess
// head - horizon/frequency, then probe sequence timestamps, jumping half
// the remaining distance while far away and stepping by one close in.
func (w *Worker) resolveCursor(ctx context.Context) (int64, error) {
	var doc cursorDoc
	err := w.state.GetNamedState(ctx, replicationStateName, &doc)
	if err == nil {
		return doc.LastReplicationID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return 0, err
	}

	head, err := w.client.Head(ctx)
	if err != nil {
		return 0, err
	}
	sequence := head.Sequence - int64(w.horizon/w.frequency)
	if sequence < 1 {
		sequence = 1
	}
	now := w.now()

	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		w.logf("synchronizing sequence %d", sequence)
		state, err := w.client.SequenceState(ctx, sequence)
		if err != nil {
			return 0, err
		}
		toTarget := now.Sub(state.LastRun) - w.horizon
		if toTarget < 0 {
			return sequence, nil
		}
		steps := int64(toTarget / w.frequency)
		if steps > 10 {
			sequence += steps / 2
		} else {
			sequence++
		}
	}
}

func (w *Worker) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
