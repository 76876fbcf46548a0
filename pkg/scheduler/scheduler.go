// Package scheduler runs the four-stage per-interval sync state machine:
// a forecast upload at the interval boundary, a streamed-price re-upload
// when the price moves, and two REST fallback polls covering a silent
// stream.
package scheduler

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
	"github.com/tousync/tousync/pkg/stream"
	"github.com/tousync/tousync/pkg/tariff"
	"github.com/tousync/tousync/pkg/types"
)

const (
	stage3Offset = 35 * time.Second
	stage4Offset = time.Minute

	forecastHorizon = 24 * time.Hour
	toggleAttempts  = 3
	// alertCooldown throttles repeated read-back discrepancy alerts.
	alertCooldown = time.Hour
)

// Override reports whether an out-of-band tariff owner (force mode, spike
// response) is active. Uploads are suppressed while any override holds.
type Override interface {
	Active() bool
}

// Events is the subset of the event bus the scheduler dispatches to.
type Events interface {
	Dispatch(ctx context.Context, event string, data interface{})
}

// Config wires the scheduler's collaborators.
type Config struct {
	Clock     clock.Clock
	Pricing   *pricing.Map
	Batteries *battery.Map
	Stream    *stream.Client
	Events    Events
	// Settings is read before every stage so external changes propagate
	// without a restart.
	Settings func() types.Settings
}

// periodState is the per-5-minute-interval progress. It resets on every
// boundary crossing.
type periodState struct {
	start             time.Time
	stage1Done        bool
	websocketReceived bool
	lastSynced        *types.PriceSnapshot
	lastSyncAt        time.Time
}

// Scheduler coordinates the four stages. All stage entry points run on the
// dispatcher loop; the mutex only guards against status reads from HTTP
// handlers.
type Scheduler struct {
	clk       clock.Clock
	pricing   *pricing.Map
	batteries *battery.Map
	stream    *stream.Client
	events    Events
	settings  func() types.Settings

	overrides []Override

	mu     sync.Mutex
	period periodState
	// lastAlertAt throttles discrepancy alerts per battery provider.
	lastAlertAt map[string]time.Time
}

// New creates a scheduler from the config.
func New(cfg Config) *Scheduler {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Scheduler{
		clk:         clk,
		pricing:     cfg.Pricing,
		batteries:   cfg.Batteries,
		stream:      cfg.Stream,
		events:      cfg.Events,
		settings:    cfg.Settings,
		lastAlertAt: map[string]time.Time{},
	}
}

// AddOverride registers an override whose activity suppresses uploads.
func (s *Scheduler) AddOverride(o Override) {
	s.overrides = append(s.overrides, o)
}

// Register attaches the stage triggers to the dispatcher and the stream
// subscription. Must be called before the dispatcher runs.
func (s *Scheduler) Register(ctx context.Context, disp *clock.Dispatcher) {
	disp.Every("sync-stage1", 0, s.Stage1)
	disp.Every("sync-stage3", stage3Offset, s.Stage3)
	disp.Every("sync-stage4", stage4Offset, s.Stage4)
	if s.stream != nil {
		s.stream.Subscribe(func(snap types.PriceSnapshot) {
			disp.Submit(ctx, func(ctx context.Context) {
				s.Stage2(ctx, snap)
			})
		})
	}
}

// Status is a read-only view of the current period for HTTP handlers.
type Status struct {
	PeriodStart       time.Time            `json:"periodStart"`
	Stage1Done        bool                 `json:"stage1Done"`
	WebsocketReceived bool                 `json:"websocketReceived"`
	LastSyncAt        time.Time            `json:"lastSyncAt,omitzero"`
	LastSynced        *types.PriceSnapshot `json:"lastSynced,omitempty"`
}

// Status returns the current period's progress.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		PeriodStart:       s.period.start,
		Stage1Done:        s.period.stage1Done,
		WebsocketReceived: s.period.websocketReceived,
		LastSyncAt:        s.period.lastSyncAt,
		LastSynced:        s.period.lastSynced,
	}
}

// rolloverLocked resets per-period state after a boundary crossing. Must be
// called with s.mu held.
func (s *Scheduler) rolloverLocked(now time.Time) {
	start := clock.FloorInterval(now)
	if s.period.start.Equal(start) {
		return
	}
	s.period = periodState{start: start}
}

// overrideActive reports whether any registered override owns the tariff.
func (s *Scheduler) overrideActive() bool {
	for _, o := range s.overrides {
		if o.Active() {
			return true
		}
	}
	return false
}

// stageAllowed applies the suppression rules common to every stage.
func (s *Scheduler) stageAllowed(ctx context.Context, settings types.Settings, stage int) bool {
	if settings.Pause || !settings.AutoSync {
		return false
	}
	if s.overrideActive() {
		log.Ctx(ctx).DebugContext(ctx, "sync suppressed by active override", slog.Int("stage", stage))
		return false
	}
	if settings.SettledOnly && stage <= 2 {
		return false
	}
	return true
}

// Stage1 uploads a forecast-only tariff at the interval boundary.
func (s *Scheduler) Stage1(ctx context.Context) {
	now := s.clk.Now()
	settings := s.settings()

	s.mu.Lock()
	s.rolloverLocked(now)
	done := s.period.stage1Done
	s.mu.Unlock()
	if done {
		return
	}
	if !s.stageAllowed(ctx, settings, 1) {
		return
	}

	if err := s.sync(ctx, settings, nil, 1, false); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "stage 1 sync failed", slog.Any("error", err))
		return
	}
	s.mu.Lock()
	s.period.stage1Done = true
	s.mu.Unlock()
}

// Stage2 handles a streamed price push: re-upload only when the price moved
// beyond the threshold since the last upload.
func (s *Scheduler) Stage2(ctx context.Context, snap types.PriceSnapshot) {
	now := s.clk.Now()
	settings := s.settings()

	s.mu.Lock()
	s.rolloverLocked(now)
	s.period.websocketReceived = true
	last := s.period.lastSynced
	s.mu.Unlock()

	if !s.stageAllowed(ctx, settings, 2) {
		return
	}
	if !s.priceChanged(settings, last, snap) {
		log.Ctx(ctx).DebugContext(ctx, "stage 2 suppressed, price unchanged",
			slog.Float64("importCents", snap.ImportCents()),
			slog.Float64("exportCents", snap.ExportCents()),
		)
		return
	}

	if err := s.sync(ctx, settings, &snap, 2, false); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "stage 2 sync failed", slog.Any("error", err))
	}
}

// Stage3 polls the REST endpoint at :35 when the stream has been silent
// this period.
func (s *Scheduler) Stage3(ctx context.Context) {
	s.restStage(ctx, 3, true)
}

// Stage4 is the final REST poll at the next minute boundary.
func (s *Scheduler) Stage4(ctx context.Context) {
	s.restStage(ctx, 4, false)
}

func (s *Scheduler) restStage(ctx context.Context, stage int, skipIfStreamed bool) {
	now := s.clk.Now()
	settings := s.settings()

	s.mu.Lock()
	s.rolloverLocked(now)
	streamed := s.period.websocketReceived
	last := s.period.lastSynced
	s.mu.Unlock()

	if skipIfStreamed && streamed {
		return
	}
	if !s.stageAllowed(ctx, settings, stage) {
		return
	}

	source, err := s.pricing.Site(ctx, settings)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "stage poll failed", slog.Int("stage", stage), slog.Any("error", err))
		return
	}
	if source.Info().Static {
		return
	}
	snap, err := source.Current(ctx)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "stage current poll failed", slog.Int("stage", stage), slog.Any("error", err))
		return
	}
	if !s.priceChanged(settings, last, snap) {
		return
	}

	if err := s.sync(ctx, settings, &snap, stage, false); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "stage sync failed", slog.Int("stage", stage), slog.Any("error", err))
	}
}

// SyncNow forces a full sync regardless of thresholds and per-period state.
// Overrides still win: syncing under an active force or spike mode would
// clobber the override tariff.
func (s *Scheduler) SyncNow(ctx context.Context) error {
	settings := s.settings()
	if s.overrideActive() {
		return fmt.Errorf("sync refused: an override is active")
	}
	return s.sync(ctx, settings, nil, 0, true)
}

// priceChanged applies the threshold comparison against the last-synced
// snapshot. With no prior upload this period, any price counts as changed.
func (s *Scheduler) priceChanged(settings types.Settings, last *types.PriceSnapshot, snap types.PriceSnapshot) bool {
	if !snap.Complete() {
		return false
	}
	if last == nil {
		return true
	}
	threshold := settings.PriceChangeThresholdCents
	if threshold <= 0 {
		threshold = 0.5
	}
	return snap.DiffersFrom(*last, threshold)
}

// sync builds and uploads one tariff. current, when non-nil, overlays the
// in-progress slot.
func (s *Scheduler) sync(ctx context.Context, settings types.Settings, current *types.PriceSnapshot, stage int, forced bool) error {
	source, err := s.pricing.Site(ctx, settings)
	if err != nil {
		return err
	}
	if source.Info().Static && !forced {
		// a rate card has no dynamic data to sync
		return nil
	}

	forecast, err := source.Forecast(ctx, forecastHorizon)
	if err != nil {
		if errors.Is(err, pricing.ErrMissingData) {
			log.Ctx(ctx).WarnContext(ctx, "no forecast data, skipping sync", slog.Int("stage", stage))
			return nil
		}
		return fmt.Errorf("forecast failed: %w", err)
	}

	loc := time.UTC
	if settings.Timezone != "" {
		if l, err := time.LoadLocation(settings.Timezone); err == nil {
			loc = l
		}
	}

	doc, err := tariff.Build(tariff.Input{
		Forecast:  forecast,
		Current:   current,
		Location:  loc,
		Wholesale: source.Info().Wholesale,
		Settings:  settings,
	})
	if err != nil {
		return fmt.Errorf("tariff build failed: %w", err)
	}

	ctrl, err := s.batteries.Site(ctx, settings)
	if err != nil {
		return err
	}

	if settings.DryRun {
		log.Ctx(ctx).InfoContext(ctx, "dry run, skipping tariff upload",
			slog.Int("stage", stage), slog.String("tariff", doc.Name))
	} else {
		if err := ctrl.UploadTariff(ctx, doc); err != nil {
			return fmt.Errorf("upload failed: %w", err)
		}
		s.postUpload(ctx, settings, ctrl)
	}

	synced := s.syncedSnapshot(forecast, current, s.clk.Now())
	s.mu.Lock()
	s.period.lastSynced = synced
	s.period.lastSyncAt = s.clk.Now()
	s.mu.Unlock()

	if s.events != nil {
		s.events.Dispatch(ctx, events.TariffUpdated, map[string]interface{}{
			"stage":  stage,
			"tariff": doc.Name,
			"prices": synced,
		})
	}
	log.Ctx(ctx).InfoContext(ctx, "tariff synced",
		slog.Int("stage", stage),
		slog.Bool("dryRun", settings.DryRun),
	)
	return nil
}

// syncedSnapshot records the prices the builder used for the in-progress
// slot, so later stages compare against what was actually uploaded.
func (s *Scheduler) syncedSnapshot(forecast []types.PricePoint, current *types.PriceSnapshot, now time.Time) *types.PriceSnapshot {
	if current != nil && current.Complete() {
		c := *current
		return &c
	}
	var snap types.PriceSnapshot
	for i := range forecast {
		p := forecast[i]
		if !p.Covers(now) {
			continue
		}
		switch p.Channel {
		case types.ChannelImport:
			snap.Import = &p
		case types.ChannelExport:
			snap.Export = &p
		}
	}
	if snap.Import == nil && snap.Export == nil {
		return nil
	}
	return &snap
}

// postUpload applies the firmware workarounds that must follow every tariff
// write.
func (s *Scheduler) postUpload(ctx context.Context, settings types.Settings, ctrl battery.Controller) {
	s.reassertGridCharging(ctx, settings, ctrl)
	if settings.ForceModeToggle {
		s.toggleOperationMode(ctx, settings, ctrl)
	}
}

// reassertGridCharging re-disables grid charging inside the demand window.
// Some firmware silently re-enables it on every tariff write.
func (s *Scheduler) reassertGridCharging(ctx context.Context, settings types.Settings, ctrl battery.Controller) {
	if settings.DemandWindowStart == "" || settings.DemandWindowEnd == "" {
		return
	}
	loc := time.UTC
	if settings.Timezone != "" {
		if l, err := time.LoadLocation(settings.Timezone); err == nil {
			loc = l
		}
	}
	now := s.clk.Now().In(loc)
	hhmm := fmt.Sprintf("%02d:%02d", now.Hour(), now.Minute())
	if !tariff.InWindow(hhmm, settings.DemandWindowStart, settings.DemandWindowEnd) {
		return
	}
	if err := ctrl.SetGridCharging(ctx, false); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to re-assert grid charging", slog.Any("error", err))
	}
}

// toggleOperationMode flips self_consumption -> autonomous -> back so
// firmware that caches the tariff re-reads it. Gated on the pre-toggle
// state and verified by read-back, with retries.
func (s *Scheduler) toggleOperationMode(ctx context.Context, settings types.Settings, ctrl battery.Controller) {
	info, err := ctrl.GetSiteInfo(ctx)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "toggle skipped, site info failed", slog.Any("error", err))
		return
	}
	if info.OperationMode != types.OperationModeSelfConsumption {
		return
	}

	for attempt := 1; attempt <= toggleAttempts; attempt++ {
		if err := ctrl.SetOperationMode(ctx, types.OperationModeAutonomous); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "toggle to autonomous failed",
				slog.Int("attempt", attempt), slog.Any("error", err))
			continue
		}
		if err := ctrl.SetOperationMode(ctx, types.OperationModeSelfConsumption); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "toggle back failed",
				slog.Int("attempt", attempt), slog.Any("error", err))
			continue
		}
		after, err := ctrl.GetSiteInfo(ctx)
		if err == nil && after.OperationMode == types.OperationModeSelfConsumption {
			return
		}
	}
	s.alertDiscrepancy(ctx, settings.BatteryProvider, "operation mode read-back disagrees after toggle")
}

// alertDiscrepancy raises a read-back discrepancy alert, throttled per
// battery provider.
func (s *Scheduler) alertDiscrepancy(ctx context.Context, provider, msg string) {
	now := s.clk.Now()
	s.mu.Lock()
	last := s.lastAlertAt[provider]
	if now.Sub(last) < alertCooldown {
		s.mu.Unlock()
		return
	}
	s.lastAlertAt[provider] = now
	s.mu.Unlock()

	log.Ctx(ctx).ErrorContext(ctx, "battery state discrepancy",
		slog.String("provider", provider), slog.String("message", msg))
	if s.events != nil {
		s.events.Dispatch(ctx, events.UserNotification, map[string]interface{}{
			"title":   "Battery state discrepancy",
			"message": msg,
		})
	}
}
