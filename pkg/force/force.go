// Package force implements user-initiated force-charge and force-discharge
// modes: a saved-state snapshot, an override tariff, a timed auto-restore,
// and persistence so the deadline survives a process restart.
package force

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tousync/tousync/pkg/battery"
	"github.com/tousync/tousync/pkg/clock"
	"github.com/tousync/tousync/pkg/events"
	"github.com/tousync/tousync/pkg/log"
	"github.com/tousync/tousync/pkg/pricing"
	"github.com/tousync/tousync/pkg/storage"
	"github.com/tousync/tousync/pkg/tariff"
	"github.com/tousync/tousync/pkg/types"
)

// Duration bounds for a force window.
const (
	MinDuration = 5 * time.Minute
	MaxDuration = 24 * time.Hour
)

// Events is the subset of the event bus the manager dispatches to.
type Events interface {
	Dispatch(ctx context.Context, event string, data interface{})
}

// Config wires the manager's collaborators.
type Config struct {
	Clock     clock.Clock
	Pricing   *pricing.Map
	Batteries *battery.Map
	Store     storage.Store
	Events    Events
	Settings  func() types.Settings
	// Resync triggers a fresh scheduler sync after a restore on a dynamic
	// provider, where the saved tariff would be stale.
	Resync func(ctx context.Context) error
}

// Manager drives the force-mode state machine. At most one mode is active
// at a time.
type Manager struct {
	clk       clock.Clock
	pricing   *pricing.Map
	batteries *battery.Map
	store     storage.Store
	events    Events
	settings  func() types.Settings
	resync    func(ctx context.Context) error

	mu    sync.Mutex
	state *types.ForceModeState
	timer clock.Timer
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
		store:     cfg.Store,
		events:    cfg.Events,
		settings:  cfg.Settings,
		resync:    cfg.Resync,
	}
}

// Active reports whether a force mode currently owns the tariff.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state != nil
}

// State returns a copy of the active state, or nil.
func (m *Manager) State() *types.ForceModeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil
	}
	st := *m.state
	return &st
}

// ForceCharge activates force-charge for the duration.
func (m *Manager) ForceCharge(ctx context.Context, duration time.Duration) error {
	return m.activate(ctx, types.ForceModeCharge, duration)
}

// ForceDischarge activates force-discharge for the duration.
func (m *Manager) ForceDischarge(ctx context.Context, duration time.Duration) error {
	return m.activate(ctx, types.ForceModeDischarge, duration)
}

func clampDuration(d time.Duration) time.Duration {
	if d < MinDuration {
		return MinDuration
	}
	if d > MaxDuration {
		return MaxDuration
	}
	return d
}

func (m *Manager) activate(ctx context.Context, mode types.ForceMode, duration time.Duration) error {
	duration = clampDuration(duration)
	settings := m.settings()
	ctrl, err := m.batteries.Site(ctx, settings)
	if err != nil {
		return err
	}
	now := m.clk.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var st types.ForceModeState
	if m.state != nil {
		// a mode is already active: keep the original snapshot, just move
		// the window
		if m.timer != nil {
			m.timer.Stop()
		}
		st = *m.state
		st.Mode = mode
		st.ExpiresAt = now.Add(duration)
	} else {
		doc, err := ctrl.GetTariff(ctx)
		if err != nil {
			return fmt.Errorf("failed to snapshot tariff: %w", err)
		}
		info, err := ctrl.GetSiteInfo(ctx)
		if err != nil {
			return fmt.Errorf("failed to snapshot site info: %w", err)
		}
		st = types.ForceModeState{
			Mode:               mode,
			ExpiresAt:          now.Add(duration),
			SavedTariff:        &doc,
			SavedOperationMode: info.OperationMode,
			SavedBackupReserve: info.BackupReservePercent,
		}
	}

	reserve := 0.0
	if mode == types.ForceModeCharge {
		reserve = 100
	}
	if err := ctrl.SetBackupReserve(ctx, reserve); err != nil {
		return fmt.Errorf("failed to set backup reserve: %w", err)
	}
	if err := ctrl.SetOperationMode(ctx, types.OperationModeAutonomous); err != nil {
		return fmt.Errorf("failed to switch to autonomous: %w", err)
	}

	loc := m.location(settings)
	var doc types.TariffDocument
	if mode == types.ForceModeDischarge {
		doc = tariff.ForceDischarge(*st.SavedTariff, now, duration, loc)
	} else {
		doc = tariff.ForceCharge(*st.SavedTariff, now, duration, loc)
	}
	if err := ctrl.UploadTariff(ctx, doc); err != nil {
		return fmt.Errorf("force tariff upload failed: %w", err)
	}

	if err := m.store.Set(ctx, storage.KeyForceModeState, st); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to persist force mode state", slog.Any("error", err))
	}

	m.state = &st
	m.armTimerLocked(ctx, duration)

	log.Ctx(ctx).InfoContext(ctx, "force mode activated",
		slog.String("mode", string(mode)),
		slog.Time("expiresAt", st.ExpiresAt),
	)
	m.dispatchState(ctx, mode, true, st.ExpiresAt)
	return nil
}

// RestoreNormal deactivates the active mode. Idempotent.
func (m *Manager) RestoreNormal(ctx context.Context) error {
	return m.deactivate(ctx, "user")
}

func (m *Manager) expire(ctx context.Context) {
	if err := m.deactivate(ctx, "expiry"); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "force mode expiry restore failed", slog.Any("error", err))
	}
}

func (m *Manager) deactivate(ctx context.Context, reason string) error {
	settings := m.settings()

	m.mu.Lock()
	st := m.state
	if st == nil {
		m.mu.Unlock()
		return nil
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()

	ctrl, err := m.batteries.Site(ctx, settings)
	if err != nil {
		return err
	}

	// halt the override effect first
	if err := ctrl.SetOperationMode(ctx, types.OperationModeSelfConsumption); err != nil {
		return fmt.Errorf("failed to switch to self consumption: %w", err)
	}

	dynamic := m.providerDynamic(ctx, settings)
	if !dynamic && st.SavedTariff != nil {
		if err := ctrl.UploadTariff(ctx, *st.SavedTariff); err != nil {
			return fmt.Errorf("saved tariff restore failed: %w", err)
		}
	}

	if err := ctrl.SetOperationMode(ctx, st.SavedOperationMode); err != nil {
		m.dispatch(ctx, events.UserNotification, map[string]interface{}{
			"title":   "Operation mode restore failed",
			"message": "The battery operation mode could not be restored after force mode ended.",
		})
		return fmt.Errorf("failed to restore operation mode: %w", err)
	}

	m.restoreReserve(ctx, ctrl, *st)

	if err := m.store.Delete(ctx, storage.KeyForceModeState); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to clear force mode state", slog.Any("error", err))
	}
	m.mu.Lock()
	m.state = nil
	m.mu.Unlock()

	// with a dynamic provider the saved tariff is stale, sync a fresh one
	// now that the override no longer suppresses uploads
	if dynamic && m.resync != nil {
		if err := m.resync(ctx); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "post-restore sync failed", slog.Any("error", err))
		}
	}

	log.Ctx(ctx).InfoContext(ctx, "force mode restored",
		slog.String("mode", string(st.Mode)),
		slog.String("reason", reason),
	)
	m.dispatchState(ctx, st.Mode, false, time.Time{})
	return nil
}

// restoreReserve puts the backup reserve back. A discharge left the battery
// drained: restoring a reserve above the current SoC would trigger grid
// imports, so the reserve stays at 0 and the user is told.
func (m *Manager) restoreReserve(ctx context.Context, ctrl battery.Controller, st types.ForceModeState) {
	if st.Mode == types.ForceModeDischarge {
		status, err := ctrl.GetLiveStatus(ctx)
		if err == nil && status.BatterySOC < st.SavedBackupReserve {
			log.Ctx(ctx).WarnContext(ctx, "leaving backup reserve at 0",
				slog.Float64("soc", status.BatterySOC),
				slog.Float64("savedReserve", st.SavedBackupReserve),
			)
			m.dispatch(ctx, events.UserNotification, map[string]interface{}{
				"title":   "Backup reserve left at 0%",
				"message": "The battery is below your saved backup reserve after force discharge. The reserve stays at 0% to avoid charging from the grid.",
			})
			return
		}
	}
	if err := ctrl.SetBackupReserve(ctx, st.SavedBackupReserve); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to restore backup reserve", slog.Any("error", err))
	}
}

// Recover re-arms the expiry after a process restart, or clears expired
// state and syncs fresh.
func (m *Manager) Recover(ctx context.Context) error {
	var st types.ForceModeState
	if err := m.store.Get(ctx, storage.KeyForceModeState, &st); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}

	now := m.clk.Now()
	if st.ExpiresAt.After(now) {
		remaining := st.ExpiresAt.Sub(now)
		m.mu.Lock()
		m.state = &st
		m.armTimerLocked(ctx, remaining)
		m.mu.Unlock()
		log.Ctx(ctx).InfoContext(ctx, "force mode re-armed after restart",
			slog.String("mode", string(st.Mode)),
			slog.Duration("remaining", remaining),
		)
		return nil
	}

	// expired while we were down: restore through the normal path
	log.Ctx(ctx).InfoContext(ctx, "force mode expired during downtime, restoring")
	m.mu.Lock()
	m.state = &st
	m.mu.Unlock()
	return m.deactivate(ctx, "restart")
}

// armTimerLocked schedules the expiry. Must be called with m.mu held.
func (m *Manager) armTimerLocked(ctx context.Context, d time.Duration) {
	m.timer = m.clk.AfterFunc(d, func() {
		m.expire(context.WithoutCancel(ctx))
	})
}

func (m *Manager) providerDynamic(ctx context.Context, settings types.Settings) bool {
	source, err := m.pricing.Site(ctx, settings)
	if err != nil {
		return false
	}
	return !source.Info().Static
}

func (m *Manager) location(settings types.Settings) *time.Location {
	if settings.Timezone != "" {
		if loc, err := time.LoadLocation(settings.Timezone); err == nil {
			return loc
		}
	}
	return time.UTC
}

func (m *Manager) dispatchState(ctx context.Context, mode types.ForceMode, active bool, expiresAt time.Time) {
	event := events.ForceChargeState
	if mode == types.ForceModeDischarge {
		event = events.ForceDischargeState
	}
	data := map[string]interface{}{"active": active}
	if active {
		data["expiresAt"] = expiresAt
	}
	m.dispatch(ctx, event, data)
}

func (m *Manager) dispatch(ctx context.Context, event string, data interface{}) {
	if m.events != nil {
		m.events.Dispatch(ctx, event, data)
	}
}
