package retry

import (
	"context"
	"time"
)

const (
	defaultInitialDelay = time.Second
	defaultMaxDelay     = 4 * time.Hour
)

// Policy retries a fallible operation with exponentially growing delays.
// The zero value retries forever: delays start at one second and double
// until they reach the four hour ceiling.
type Policy struct {
	// Initial is the delay before the second attempt.
	Initial time.Duration
	// MaxDelay caps delay growth.
	MaxDelay time.Duration
	// MaxElapsed bounds the total time spent across attempts and waits.
	// Zero means unbounded.
	MaxElapsed time.Duration
	// Notify, when set, observes each failed attempt and the delay
	// before the next one.
	Notify func(err error, delay time.Duration)
}

// Do runs op until it succeeds, the policy's elapsed budget runs out, or
// ctx is canceled. On budget exhaustion the last operation error is
// returned; on cancellation ctx.Err() is returned.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	delay := p.Initial
	if delay <= 0 {
		delay = defaultInitialDelay
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	start := time.Now()
	for {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p.MaxElapsed > 0 && time.Since(start)+delay > p.MaxElapsed {
			return err
		}
		if p.Notify != nil {
			p.Notify(err, delay)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
