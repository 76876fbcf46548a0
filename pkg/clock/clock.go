// Package clock provides the shared time source and the interval-aligned
// dispatcher the periodic components run on.
package clock

import (
	"context"
	"time"
)

// Interval is the market interval every schedule is aligned to.
const Interval = 5 * time.Minute

// Timer is a cancellable one-shot timer.
type Timer interface {
	// Stop cancels the timer. It is safe to call more than once.
	Stop() bool
}

// Clock abstracts time so timer-driven components can be tested.
type Clock interface {
	Now() time.Time
	// AfterFunc schedules fn to run on its own goroutine after d.
	AfterFunc(d time.Duration, fn func()) Timer
	// Sleep blocks for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

// FloorInterval floors t to the start of its 5-minute UTC bucket.
func FloorInterval(t time.Time) time.Time {
	return t.UTC().Truncate(Interval)
}

// NextBoundary returns the first interval boundary strictly after t.
func NextBoundary(t time.Time) time.Time {
	return FloorInterval(t).Add(Interval)
}

type realClock struct{}

// Real returns the wall clock.
func Real() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

type realTimer struct {
	t *time.Timer
}

func (t realTimer) Stop() bool {
	return t.t.Stop()
}

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return realTimer{t: time.AfterFunc(d, fn)}
}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
