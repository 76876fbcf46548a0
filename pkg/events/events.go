// Package events is a fire-and-forget signal bus between the controller's
// components and the host platform.
package events

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/tousync/tousync/pkg/log"
)

// Names dispatched by the controller.
const (
	ForceChargeState    = "force_charge_state"
	ForceDischargeState = "force_discharge_state"
	CurtailmentUpdated  = "curtailment_updated"
	TariffUpdated       = "tariff_updated"
	BatteryHealthUpdate = "battery_health_update"
	UserNotification    = "user_notification"
)

// Handler receives a dispatched event. Handlers must be cheap; slow work
// belongs on the handler's own goroutine.
type Handler func(ctx context.Context, event string, data interface{})

// Bus fans events out to subscribers. Dispatch never blocks on or fails
// because of a subscriber.
type Bus struct {
	mu       sync.Mutex
	handlers map[string][]Handler
	all      []Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: map[string][]Handler{}}
}

// Subscribe registers fn for the named event.
func (b *Bus) Subscribe(event string, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[event] = append(b.handlers[event], fn)
}

// SubscribeAll registers fn for every event.
func (b *Bus) SubscribeAll(fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, fn)
}

// Dispatch delivers the event to all matching subscribers synchronously,
// isolating panics.
func (b *Bus) Dispatch(ctx context.Context, event string, data interface{}) {
	b.mu.Lock()
	fns := make([]Handler, 0, len(b.handlers[event])+len(b.all))
	fns = append(fns, b.handlers[event]...)
	fns = append(fns, b.all...)
	b.mu.Unlock()

	log.Ctx(ctx).DebugContext(ctx, "dispatching event", slog.String("event", event))
	for _, fn := range fns {
		b.deliver(ctx, fn, event, data)
	}
}

func (b *Bus) deliver(ctx context.Context, fn Handler, event string, data interface{}) {
	defer func() {
		if r := recover(); r != nil {
			log.Ctx(ctx).ErrorContext(ctx, "event handler panicked",
				slog.String("event", event),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	fn(ctx, event, data)
}
