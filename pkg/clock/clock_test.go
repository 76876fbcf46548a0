package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloorInterval(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 3, 42, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), FloorInterval(ts))

	ts = time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)
	assert.Equal(t, ts, FloorInterval(ts))

	// non-UTC input floors against UTC buckets
	syd, err := time.LoadLocation("Australia/Sydney")
	require.NoError(t, err)
	local := time.Date(2026, 3, 1, 21, 7, 0, 0, syd)
	assert.Equal(t, local.UTC().Truncate(Interval), FloorInterval(local))
}

func TestNextBoundary(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 3, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC), NextBoundary(ts))

	// exactly on a boundary advances to the next one
	ts = time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 10, 0, 0, time.UTC), NextBoundary(ts))
}

func TestFakeAdvance(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	f := NewFake(start)

	var fired []string
	f.AfterFunc(2*time.Minute, func() { fired = append(fired, "b") })
	f.AfterFunc(time.Minute, func() { fired = append(fired, "a") })
	late := f.AfterFunc(10*time.Minute, func() { fired = append(fired, "late") })

	f.Advance(5 * time.Minute)
	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, start.Add(5*time.Minute), f.Now())

	// cancelled timers never fire
	require.True(t, late.Stop())
	assert.False(t, late.Stop())
	f.Advance(10 * time.Minute)
	assert.Equal(t, []string{"a", "b"}, fired)
}

func TestDispatcherRecurring(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)
	f := NewFake(start)
	d := NewDispatcher(f)

	fires := make(chan time.Time, 10)
	d.Every("stage3", 35*time.Second, func(ctx context.Context) {
		fires <- f.Now()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	// let the feeder arm its sleep, then advance exactly to the offset
	waitForTimers(t, f, 1)
	f.Advance(5 * time.Second)

	first := <-fires
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 35, 0, time.UTC), first)

	// next fire lands at the following interval's offset
	waitForTimers(t, f, 1)
	f.Advance(5 * time.Minute)
	second := <-fires
	assert.Equal(t, time.Date(2026, 3, 1, 10, 5, 35, 0, time.UTC), second)
}

func TestDispatcherSubmitAndAfter(t *testing.T) {
	f := NewFake(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	d := NewDispatcher(f)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	ran := make(chan struct{})
	d.Submit(ctx, func(ctx context.Context) { close(ran) })
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("submitted task never ran")
	}

	fired := make(chan struct{})
	timer := d.After(ctx, 30*time.Minute, func(ctx context.Context) { close(fired) })
	require.NotNil(t, timer)
	f.Advance(30 * time.Minute)
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("one-shot never fired")
	}
}

func TestDispatcherRecoversPanics(t *testing.T) {
	f := NewFake(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	d := NewDispatcher(f)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Submit(ctx, func(ctx context.Context) { panic("boom") })

	// loop must survive the panic and keep serving tasks
	ran := make(chan struct{})
	d.Submit(ctx, func(ctx context.Context) { close(ran) })
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("loop died after panic")
	}
}

func waitForTimers(t *testing.T, f *Fake, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(f.PendingTimers()) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d timers", n)
}
