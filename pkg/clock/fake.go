package clock

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Fake is a manual clock for tests. Advance moves time forward and fires any
// due AfterFunc callbacks synchronously.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	nextID int
}

// NewFake creates a fake clock starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

type fakeTimer struct {
	id      int
	at      time.Time
	fn      func()
	clk     *Fake
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	t := &fakeTimer{id: f.nextID, at: f.now.Add(d), fn: fn, clk: f}
	f.timers = append(f.timers, t)
	return t
}

func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	done := make(chan struct{})
	f.AfterFunc(d, func() { close(done) })
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Advance moves the clock forward, firing due timers in order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		var due *fakeTimer
		for _, t := range f.timers {
			if t.stopped || t.at.After(target) {
				continue
			}
			if due == nil || t.at.Before(due.at) || (t.at.Equal(due.at) && t.id < due.id) {
				due = t
			}
		}
		if due == nil {
			f.now = target
			f.mu.Unlock()
			return
		}
		due.stopped = true
		if due.at.After(f.now) {
			f.now = due.at
		}
		fn := due.fn
		f.mu.Unlock()
		fn()
	}
}

// PendingTimers returns the fire times of armed timers, soonest first.
func (f *Fake) PendingTimers() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []time.Time
	for _, t := range f.timers {
		if !t.stopped {
			out = append(out, t.at)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
