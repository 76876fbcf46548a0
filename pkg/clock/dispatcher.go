package clock

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/tousync/tousync/pkg/log"
)

// Task is a unit of work run on the dispatcher's loop.
type Task func(ctx context.Context)

// Dispatcher runs all scheduled callbacks on a single loop so component
// state is never touched concurrently. Recurring triggers fire at every
// interval boundary plus their offset; events posted from other goroutines
// (the stream worker) are handed off onto the same loop.
type Dispatcher struct {
	clk   Clock
	tasks chan Task

	mu        sync.Mutex
	recurring []recurringEntry
	started   bool
}

type recurringEntry struct {
	name   string
	offset time.Duration
	fn     Task
}

// NewDispatcher creates a dispatcher on the given clock.
func NewDispatcher(clk Clock) *Dispatcher {
	return &Dispatcher{
		clk:   clk,
		tasks: make(chan Task, 64),
	}
}

// Every registers fn to run once per interval at boundary+offset. Must be
// called before Run.
func (d *Dispatcher) Every(name string, offset time.Duration, fn Task) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		panic("clock: Every called after Run")
	}
	d.recurring = append(d.recurring, recurringEntry{name: name, offset: offset, fn: fn})
}

// Submit posts fn onto the loop from any goroutine. It never blocks the
// caller: if the queue is full the task is dropped and logged, since every
// producer also has a recurring fallback trigger.
func (d *Dispatcher) Submit(ctx context.Context, fn Task) {
	select {
	case d.tasks <- fn:
	default:
		log.Ctx(ctx).WarnContext(ctx, "dispatcher queue full, dropping task")
	}
}

// After schedules fn to be posted to the loop after duration. The returned
// Timer cancels it; cancellation is idempotent.
func (d *Dispatcher) After(ctx context.Context, duration time.Duration, fn Task) Timer {
	return d.clk.AfterFunc(duration, func() {
		d.Submit(ctx, fn)
	})
}

// Run executes the loop until ctx is done. Each recurring trigger runs on
// its own feeder goroutine that posts onto the shared loop, so ordering is
// preserved across all triggers.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	d.started = true
	recurring := d.recurring
	d.mu.Unlock()

	var wg sync.WaitGroup
	for _, entry := range recurring {
		wg.Add(1)
		go func(e recurringEntry) {
			defer wg.Done()
			d.feed(ctx, e)
		}(entry)
	}

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case task := <-d.tasks:
			d.runTask(ctx, task)
		}
	}
}

func (d *Dispatcher) feed(ctx context.Context, e recurringEntry) {
	for {
		now := d.clk.Now()
		next := NextBoundary(now).Add(e.offset)
		// if the offset target for this interval hasn't passed yet, use it
		if target := FloorInterval(now).Add(e.offset); target.After(now) {
			next = target
		}
		if err := d.clk.Sleep(ctx, next.Sub(now)); err != nil {
			return
		}
		d.Submit(ctx, e.fn)
	}
}

// runTask isolates panics so a stage failure never kills the loop.
func (d *Dispatcher) runTask(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Ctx(ctx).ErrorContext(ctx, "dispatcher task panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	task(ctx)
}
