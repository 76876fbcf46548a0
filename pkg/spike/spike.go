// Package spike watches the wholesale market price and transiently replaces
// the battery tariff with a maximum-export schedule while a spike lasts.
package spike

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tousync/tousync/pkg/battery"
	"github.com/tousync/tousync/pkg/clock"
	"github.com/tousync/tousync/pkg/events"
	"github.com/tousync/tousync/pkg/log"
	"github.com/tousync/tousync/pkg/pricing"
	"github.com/tousync/tousync/pkg/tariff"
	"github.com/tousync/tousync/pkg/types"
)

const pollPeriod = time.Minute

// settleDelay gives the firmware time to apply the restored tariff before
// the operation mode is put back.
const settleDelay = 5 * time.Second

// Events is the subset of the event bus the manager dispatches to.
type Events interface {
	Dispatch(ctx context.Context, event string, data interface{})
}

// Config wires the manager's collaborators.
type Config struct {
	Clock     clock.Clock
	Pricing   *pricing.Map
	Batteries *battery.Map
	Events    Events
	Settings  func() types.Settings
}

// Manager is the two-state spike FSM. All transitions run on the
// dispatcher loop.
type Manager struct {
	clk       clock.Clock
	pricing   *pricing.Map
	batteries *battery.Map
	events    Events
	settings  func() types.Settings

	mu    sync.Mutex
	state types.SpikeState
}

// New creates a manager from the config.
func New(cfg Config) *Manager {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Manager{
		clk:       clk,
		pricing:   cfg.Pricing,
		batteries: cfg.Batteries,
		events:    cfg.Events,
		settings:  cfg.Settings,
	}
}

// Register attaches the minute poll to the dispatcher.
func (m *Manager) Register(disp *clock.Dispatcher) {
	for offset := time.Duration(0); offset < clock.Interval; offset += pollPeriod {
		disp.Every("spike-poll", offset, m.Poll)
	}
}

// Active reports whether a spike response currently owns the tariff.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.InSpike
}

// State returns a copy of the FSM state for HTTP views.
func (m *Manager) State() types.SpikeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Poll reads the wholesale price and drives the FSM.
func (m *Manager) Poll(ctx context.Context) {
	settings := m.settings()
	if !settings.SpikeEnabled {
		return
	}

	// the site's tariff provider is rarely the wholesale market itself, so
	// resolve a wholesale source from the map
	ws, err := m.pricing.Wholesale(ctx, settings)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "spike poll skipped", slog.Any("error", err))
		return
	}

	cents, err := ws.CurrentWholesaleCents(ctx, settings.Region)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "wholesale price read failed", slog.Any("error", err))
		return
	}

	// $/MWh threshold to cents/kWh
	thresholdCents := settings.SpikeThresholdMWhDollar / 10

	m.mu.Lock()
	m.state.LastObservedWholesaleCents = cents
	inSpike := m.state.InSpike
	m.mu.Unlock()

	switch {
	case !inSpike && cents >= thresholdCents:
		if err := m.enter(ctx, settings, cents); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to enter spike response", slog.Any("error", err))
		}
	case inSpike && cents < thresholdCents:
		if err := m.exit(ctx, settings); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to exit spike response", slog.Any("error", err))
		}
	}
}

// enter snapshots the battery state best-effort, switches to autonomous and
// uploads the spike tariff.
func (m *Manager) enter(ctx context.Context, settings types.Settings, cents float64) error {
	ctrl, err := m.batteries.Site(ctx, settings)
	if err != nil {
		return err
	}

	st := types.SpikeState{
		InSpike:                    true,
		SpikeStartedAt:             m.clk.Now(),
		LastObservedWholesaleCents: cents,
		SavedOperationMode:         types.OperationModeSelfConsumption,
	}

	// the snapshot is best-effort: a spike response is worth more than a
	// perfect restore
	if doc, err := ctrl.GetTariff(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "could not snapshot tariff", slog.Any("error", err))
		st.SnapshotIncomplete = true
	} else {
		st.SavedTariff = &doc
	}
	if info, err := ctrl.GetSiteInfo(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "could not snapshot operation mode", slog.Any("error", err))
		st.SnapshotIncomplete = true
	} else {
		st.SavedOperationMode = info.OperationMode
	}

	if err := ctrl.SetOperationMode(ctx, types.OperationModeAutonomous); err != nil {
		return fmt.Errorf("failed to switch to autonomous: %w", err)
	}
	if err := ctrl.UploadTariff(ctx, tariff.Spike(cents, settings.PlanCurrency)); err != nil {
		return fmt.Errorf("spike tariff upload failed: %w", err)
	}

	m.mu.Lock()
	m.state = st
	m.mu.Unlock()

	log.Ctx(ctx).InfoContext(ctx, "entered spike response",
		slog.Float64("wholesaleCents", cents),
		slog.Bool("snapshotIncomplete", st.SnapshotIncomplete),
	)
	m.dispatch(ctx, events.TariffUpdated, map[string]interface{}{"reason": "spike"})
	return nil
}

// exit restores the saved tariff and operation mode in the firmware-safe
// order: self consumption first, tariff, settle, then the saved mode.
func (m *Manager) exit(ctx context.Context, settings types.Settings) error {
	ctrl, err := m.batteries.Site(ctx, settings)
	if err != nil {
		return err
	}

	m.mu.Lock()
	st := m.state
	m.mu.Unlock()

	if err := ctrl.SetOperationMode(ctx, types.OperationModeSelfConsumption); err != nil {
		return fmt.Errorf("failed to switch to self consumption: %w", err)
	}

	if st.SavedTariff != nil {
		if err := ctrl.UploadTariff(ctx, *st.SavedTariff); err != nil {
			return fmt.Errorf("saved tariff restore failed: %w", err)
		}
	} else {
		log.Ctx(ctx).WarnContext(ctx, "no saved tariff to restore")
		m.dispatch(ctx, events.UserNotification, map[string]interface{}{
			"title":   "Tariff restore needed",
			"message": "The tariff could not be saved when the price spike began. Please re-sync or re-configure your tariff.",
		})
	}

	if err := m.clk.Sleep(ctx, settleDelay); err != nil {
		return err
	}

	if err := ctrl.SetOperationMode(ctx, st.SavedOperationMode); err != nil {
		// the battery is now in self consumption with a restored tariff;
		// the user has to finish the job
		m.dispatch(ctx, events.UserNotification, map[string]interface{}{
			"title":   "Operation mode restore failed",
			"message": "The battery operation mode could not be restored after a price spike.",
		})
		return fmt.Errorf("failed to restore operation mode: %w", err)
	}

	m.mu.Lock()
	m.state = types.SpikeState{LastObservedWholesaleCents: st.LastObservedWholesaleCents}
	m.mu.Unlock()

	log.Ctx(ctx).InfoContext(ctx, "exited spike response")
	m.dispatch(ctx, events.TariffUpdated, map[string]interface{}{"reason": "spike-restore"})
	return nil
}

func (m *Manager) dispatch(ctx context.Context, event string, data interface{}) {
	if m.events != nil {
		m.events.Dispatch(ctx, event, data)
	}
}
