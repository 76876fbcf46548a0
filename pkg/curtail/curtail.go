// Package curtail evaluates live plant telemetry against the current export
// price and commands two independent knobs: the battery's grid export rule
// and an AC-coupled inverter's output.
package curtail

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/tousync/tousync/pkg/battery"
	"github.com/tousync/tousync/pkg/clock"
	"github.com/tousync/tousync/pkg/events"
	"github.com/tousync/tousync/pkg/log"
	"github.com/tousync/tousync/pkg/pricing"
	"github.com/tousync/tousync/pkg/storage"
	"github.com/tousync/tousync/pkg/stream"
	"github.com/tousync/tousync/pkg/types"
)

const (
	// evaluateOffset puts the periodic evaluation at :01 past the interval
	// boundary, after the sync stages have had first crack at the period.
	evaluateOffset = time.Minute

	// recomputePeriod is how often the load-following limit is refreshed
	// while curtailed.
	recomputePeriod = 30 * time.Second

	// restoreEarningsCents is the export earnings at which a curtailed
	// battery rule is restored.
	restoreEarningsCents = 1.0

	// headroomSOC is the state of charge below which a charging battery
	// tolerates a short negative-price export.
	headroomSOC = 90.0

	// limitDeadbandW suppresses limit reissues below this delta.
	limitDeadbandW = 50.0
)

// Events is the subset of the event bus the controller dispatches to.
type Events interface {
	Dispatch(ctx context.Context, event string, data interface{})
}

// Config wires the controller's collaborators.
type Config struct {
	Clock     clock.Clock
	Pricing   *pricing.Map
	Batteries *battery.Map
	Stream    *stream.Client
	Store     storage.Store
	Events    Events
	Settings  func() types.Settings
	Inverter  Inverter
}

// exportRuleCache is the persisted record of the last written export rule.
// The battery API sometimes omits the rule on read-back, so the cache also
// remembers whether the last write was confirmed.
type exportRuleCache struct {
	Rule     types.ExportRule `json:"rule"`
	Verified bool             `json:"verified"`
}

// manualOverride is the persisted user choice of "normal" export rule.
type manualOverride struct {
	Active bool             `json:"active"`
	Rule   types.ExportRule `json:"rule"`
}

// inverterRecord is the persisted last-commanded inverter state.
type inverterRecord struct {
	State types.InverterState `json:"state"`
	Mode  types.CurtailMode   `json:"mode,omitempty"`
	// Manual marks a user-commanded curtailment that automatic evaluation
	// must not lift.
	Manual bool `json:"manual,omitempty"`
}

// Controller is the curtailment evaluator. Periodic entrypoints run on the
// dispatcher loop; service entrypoints come from HTTP handlers, so all state
// is mutex guarded.
type Controller struct {
	clk       clock.Clock
	pricing   *pricing.Map
	batteries *battery.Map
	stream    *stream.Client
	store     storage.Store
	events    Events
	settings  func() types.Settings
	inverter  Inverter

	mu          sync.Mutex
	rule        exportRuleCache
	override    manualOverride
	inv         inverterRecord
	limitW      float64
	lastIssueAt time.Time
}

// New creates a controller from the config.
func New(cfg Config) *Controller {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	inv := cfg.Inverter
	if inv == nil {
		inv = noopInverter{}
	}
	return &Controller{
		clk:       clk,
		pricing:   cfg.Pricing,
		batteries: cfg.Batteries,
		stream:    cfg.Stream,
		store:     cfg.Store,
		events:    cfg.Events,
		settings:  cfg.Settings,
		inverter:  inv,
		rule:      exportRuleCache{Rule: types.ExportRuleBatteryOK, Verified: false},
		inv:       inverterRecord{State: types.InverterStateNormal},
	}
}

// Register attaches the periodic evaluation, the load-following recompute
// and the stream trigger to the dispatcher.
func (c *Controller) Register(ctx context.Context, disp *clock.Dispatcher) {
	disp.Every("curtail-evaluate", evaluateOffset, c.Evaluate)
	for offset := time.Duration(0); offset < clock.Interval; offset += recomputePeriod {
		disp.Every("curtail-recompute", offset, c.RecomputeLimit)
	}
	if c.stream != nil {
		c.stream.Subscribe(func(snap types.PriceSnapshot) {
			disp.Submit(ctx, func(ctx context.Context) {
				c.evaluateWith(ctx, snap)
			})
		})
	}
}

// Recover loads the persisted curtailment state after a restart.
func (c *Controller) Recover(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var rule exportRuleCache
	if err := c.store.Get(ctx, storage.KeyCachedExportRule, &rule); err == nil {
		c.rule = rule
	}
	var override manualOverride
	if err := c.store.Get(ctx, storage.KeyManualExportOverride, &override); err == nil {
		c.override = override
	}
	var inv inverterRecord
	if err := c.store.Get(ctx, storage.KeyInverterLastState, &inv); err == nil {
		c.inv = inv
	}
	var limit float64
	if err := c.store.Get(ctx, storage.KeyInverterPowerLimitW, &limit); err == nil {
		c.limitW = limit
	}

	log.Ctx(ctx).InfoContext(ctx, "curtailment state recovered",
		slog.String("exportRule", string(c.rule.Rule)),
		slog.Bool("exportRuleVerified", c.rule.Verified),
		slog.String("inverterState", string(c.inv.State)),
	)
	return nil
}

// State assembles the current state for HTTP views.
func (c *Controller) State() types.CurtailmentState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return types.CurtailmentState{
		ExportRule:          c.rule.Rule,
		ExportRuleVerified:  c.rule.Verified,
		InverterLastState:   c.inv.State,
		InverterPowerLimitW: c.limitW,
		ManualOverride:      c.override.Active,
		ManualOverrideRule:  c.override.Rule,
	}
}

// Evaluate runs the full decision tree against freshly polled prices.
func (c *Controller) Evaluate(ctx context.Context) {
	settings := c.settings()
	if !settings.CurtailmentEnabled {
		return
	}
	snap, ok := c.currentPrices(ctx, settings)
	if !ok {
		return
	}
	c.evaluateWith(ctx, snap)
}

// evaluateWith runs the decision tree against the given snapshot.
func (c *Controller) evaluateWith(ctx context.Context, snap types.PriceSnapshot) {
	settings := c.settings()
	if !settings.CurtailmentEnabled {
		return
	}
	if !snap.Complete() {
		log.Ctx(ctx).WarnContext(ctx, "curtailment skipped, incomplete price snapshot")
		return
	}

	ctrl, err := c.batteries.Site(ctx, settings)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "curtailment skipped", slog.Any("error", err))
		return
	}
	status, err := ctrl.GetLiveStatus(ctx)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "live status read failed", slog.Any("error", err))
		return
	}

	importCents := snap.ImportCents()
	earnings := snap.Export.ExportEarningsCents()

	c.evaluateBatteryRule(ctx, ctrl, status, earnings)
	c.evaluateInverter(ctx, settings, status, importCents, earnings)
}

// evaluateBatteryRule drives the export rule toward curtailed or normal.
func (c *Controller) evaluateBatteryRule(ctx context.Context, ctrl battery.Controller, status types.LiveStatus, earnings float64) {
	c.mu.Lock()
	cached := c.rule
	normalRule := types.ExportRuleBatteryOK
	if c.override.Active {
		normalRule = c.override.Rule
	}
	c.mu.Unlock()

	switch {
	case dcShouldCurtail(status, earnings):
		// an unverified cache always retries the write
		if cached.Rule != types.ExportRuleNever || !cached.Verified {
			c.writeExportRule(ctx, ctrl, types.ExportRuleNever)
		}
	case earnings >= restoreEarningsCents:
		if cached.Rule == types.ExportRuleNever || !cached.Verified {
			c.writeExportRule(ctx, ctrl, normalRule)
		}
	}
}

// dcShouldCurtail is the battery-side predicate: curtail when the battery is
// full and exporting, or when nothing is absorbing and the site is exporting
// at a loss.
func dcShouldCurtail(status types.LiveStatus, earnings float64) bool {
	if status.BatterySOC >= 100 && status.Exporting() {
		return true
	}
	if !status.BatteryCharging() && status.Exporting() && earnings < 0 {
		return true
	}
	return false
}

// writeExportRule writes the rule, reads it back and updates the cache. A
// nil read-back (API quirk) trusts the write but marks it unverified.
func (c *Controller) writeExportRule(ctx context.Context, ctrl battery.Controller, rule types.ExportRule) {
	readback, err := ctrl.SetExportRule(ctx, rule)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "export rule write failed",
			slog.String("rule", string(rule)),
			slog.Any("error", err),
		)
		return
	}

	verified := readback != nil && *readback == rule
	if readback != nil && *readback != rule {
		log.Ctx(ctx).ErrorContext(ctx, "export rule read-back mismatch",
			slog.String("wrote", string(rule)),
			slog.String("read", string(*readback)),
		)
	}

	c.mu.Lock()
	c.rule = exportRuleCache{Rule: rule, Verified: verified}
	c.mu.Unlock()

	if err := c.store.Set(ctx, storage.KeyCachedExportRule, c.ruleCache()); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to persist export rule cache", slog.Any("error", err))
	}
	log.Ctx(ctx).InfoContext(ctx, "export rule updated",
		slog.String("rule", string(rule)),
		slog.Bool("verified", verified),
	)
	c.dispatchUpdated(ctx)
}

func (c *Controller) ruleCache() exportRuleCache {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rule
}

// evaluateInverter drives the AC-coupled inverter toward curtailed or
// normal. A manual curtailment is never lifted automatically.
func (c *Controller) evaluateInverter(ctx context.Context, settings types.Settings, status types.LiveStatus, importCents, earnings float64) {
	c.mu.Lock()
	current := c.inv
	c.mu.Unlock()

	if current.Manual {
		return
	}

	should := acShouldCurtail(settings, status, importCents, earnings)
	switch {
	case should && current.State != types.InverterStateCurtailed:
		// a charging battery can absorb, so follow the load; otherwise stop
		// production outright
		mode := types.CurtailModeShutdown
		if status.BatteryCharging() {
			mode = types.CurtailModeLoadFollowing
		}
		c.curtailInverter(ctx, mode, status, false)
	case !should && current.State == types.InverterStateCurtailed:
		c.restoreInverter(ctx)
	case should && current.State == types.InverterStateCurtailed && current.Mode == types.CurtailModeLoadFollowing:
		c.issueLimit(ctx, status, false)
	}
}

// acShouldCurtail is the inverter-side predicate.
func acShouldCurtail(settings types.Settings, status types.LiveStatus, importCents, earnings float64) bool {
	// negative import price: being paid to consume, soak up the grid
	if importCents < 0 {
		return true
	}
	if status.BatterySOC < settings.RestoreSOC {
		return false
	}
	if !status.Exporting() {
		return false
	}
	if earnings >= 0 {
		return false
	}
	// exporting at a loss; tolerate it only while the battery is filling
	// with headroom to spare
	if status.BatteryCharging() && status.BatterySOC < headroomSOC {
		return false
	}
	return true
}

// curtailInverter transitions the inverter into the curtailed state.
func (c *Controller) curtailInverter(ctx context.Context, mode types.CurtailMode, status types.LiveStatus, manual bool) {
	var err error
	switch mode {
	case types.CurtailModeShutdown:
		err = c.inverter.Shutdown(ctx)
	case types.CurtailModeLoadFollowing:
		limit := loadFollowingLimitW(status)
		if err = c.inverter.SetPowerLimit(ctx, limit); err == nil {
			c.recordLimit(ctx, limit)
		}
	default:
		err = fmt.Errorf("unknown curtail mode: %s", mode)
	}
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "inverter curtailment failed",
			slog.String("mode", string(mode)),
			slog.Any("error", err),
		)
		return
	}

	c.mu.Lock()
	c.inv = inverterRecord{State: types.InverterStateCurtailed, Mode: mode, Manual: manual}
	rec := c.inv
	c.mu.Unlock()

	c.persistInverter(ctx, rec)
	log.Ctx(ctx).InfoContext(ctx, "inverter curtailed",
		slog.String("mode", string(mode)),
		slog.Bool("manual", manual),
	)
	c.dispatchUpdated(ctx)
}

// restoreInverter transitions the inverter back to normal production.
func (c *Controller) restoreInverter(ctx context.Context) {
	if err := c.inverter.Restore(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "inverter restore failed", slog.Any("error", err))
		return
	}

	c.mu.Lock()
	c.inv = inverterRecord{State: types.InverterStateNormal}
	c.limitW = 0
	rec := c.inv
	c.mu.Unlock()

	c.persistInverter(ctx, rec)
	if err := c.store.Delete(ctx, storage.KeyInverterPowerLimitW); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to clear inverter power limit", slog.Any("error", err))
	}
	log.Ctx(ctx).InfoContext(ctx, "inverter restored")
	c.dispatchUpdated(ctx)
}

// RecomputeLimit refreshes the load-following limit while curtailed. It is
// a cheap no-op otherwise.
func (c *Controller) RecomputeLimit(ctx context.Context) {
	c.mu.Lock()
	active := c.inv.State == types.InverterStateCurtailed && c.inv.Mode == types.CurtailModeLoadFollowing
	c.mu.Unlock()
	if !active {
		return
	}

	settings := c.settings()
	ctrl, err := c.batteries.Site(ctx, settings)
	if err != nil {
		return
	}
	status, err := ctrl.GetLiveStatus(ctx)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "live status read failed", slog.Any("error", err))
		return
	}
	c.issueLimit(ctx, status, false)
}

// issueLimit computes the load-following target and reissues it when it
// moved past the deadband or the reassert period elapsed.
func (c *Controller) issueLimit(ctx context.Context, status types.LiveStatus, force bool) {
	limit := loadFollowingLimitW(status)
	settings := c.settings()

	c.mu.Lock()
	delta := math.Abs(limit - c.limitW)
	reassertDue := settings.InverterReassertSeconds > 0 &&
		c.clk.Now().Sub(c.lastIssueAt) >= time.Duration(settings.InverterReassertSeconds)*time.Second
	c.mu.Unlock()

	if !force && delta <= limitDeadbandW && !reassertDue {
		return
	}

	if err := c.inverter.SetPowerLimit(ctx, limit); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "inverter power limit write failed", slog.Any("error", err))
		return
	}
	c.recordLimit(ctx, limit)
}

func (c *Controller) recordLimit(ctx context.Context, limit float64) {
	c.mu.Lock()
	changed := c.limitW != limit
	c.limitW = limit
	c.lastIssueAt = c.clk.Now()
	c.mu.Unlock()

	if changed {
		if err := c.store.Set(ctx, storage.KeyInverterPowerLimitW, limit); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to persist inverter power limit", slog.Any("error", err))
		}
	}
}

// loadFollowingLimitW is home load plus whatever the battery is absorbing,
// so net export is zero.
func loadFollowingLimitW(status types.LiveStatus) float64 {
	charge := 0.0
	if status.BatteryPowerW < 0 {
		charge = -status.BatteryPowerW
	}
	return status.LoadPowerW + charge
}

// CurtailInverter is the manual curtailment service. The inverter stays
// curtailed until RestoreInverter is called.
func (c *Controller) CurtailInverter(ctx context.Context, mode types.CurtailMode) error {
	if mode != types.CurtailModeShutdown && mode != types.CurtailModeLoadFollowing {
		return fmt.Errorf("unknown curtail mode: %s", mode)
	}

	var status types.LiveStatus
	if mode == types.CurtailModeLoadFollowing {
		ctrl, err := c.batteries.Site(ctx, c.settings())
		if err != nil {
			return err
		}
		status, err = ctrl.GetLiveStatus(ctx)
		if err != nil {
			return err
		}
	}
	c.curtailInverter(ctx, mode, status, true)

	c.mu.Lock()
	curtailed := c.inv.State == types.InverterStateCurtailed
	c.mu.Unlock()
	if !curtailed {
		return fmt.Errorf("inverter curtailment failed")
	}
	return nil
}

// RestoreInverter is the manual restore service. It also clears a manual
// hold.
func (c *Controller) RestoreInverter(ctx context.Context) error {
	c.restoreInverter(ctx)

	c.mu.Lock()
	restored := c.inv.State == types.InverterStateNormal
	c.mu.Unlock()
	if !restored {
		return fmt.Errorf("inverter restore failed")
	}
	return nil
}

// SetExportOverride records the user's chosen "normal" export rule, writes
// it immediately and suppresses automatic restores to battery_ok.
func (c *Controller) SetExportOverride(ctx context.Context, rule types.ExportRule) error {
	ctrl, err := c.batteries.Site(ctx, c.settings())
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.override = manualOverride{Active: true, Rule: rule}
	override := c.override
	c.mu.Unlock()

	if err := c.store.Set(ctx, storage.KeyManualExportOverride, override); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to persist export override", slog.Any("error", err))
	}
	c.writeExportRule(ctx, ctrl, rule)
	return nil
}

// ClearExportOverride removes the manual override; automatic evaluation
// resumes with battery_ok as the normal rule.
func (c *Controller) ClearExportOverride(ctx context.Context) error {
	c.mu.Lock()
	c.override = manualOverride{}
	c.mu.Unlock()
	return c.store.Delete(ctx, storage.KeyManualExportOverride)
}

func (c *Controller) persistInverter(ctx context.Context, rec inverterRecord) {
	if err := c.store.Set(ctx, storage.KeyInverterLastState, rec); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to persist inverter state", slog.Any("error", err))
	}
}

// currentPrices returns the freshest snapshot: the stream's latest if it
// covers the current interval, otherwise a source poll.
func (c *Controller) currentPrices(ctx context.Context, settings types.Settings) (types.PriceSnapshot, bool) {
	now := c.clk.Now()
	if c.stream != nil {
		if snap, ok := c.stream.Latest(0); ok && snap.Complete() && snap.Import.Covers(now) {
			return snap, true
		}
	}

	source, err := c.pricing.Site(ctx, settings)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "curtailment price read skipped", slog.Any("error", err))
		return types.PriceSnapshot{}, false
	}
	snap, err := source.Current(ctx)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "current price read failed", slog.Any("error", err))
		return types.PriceSnapshot{}, false
	}
	return snap, true
}

func (c *Controller) dispatchUpdated(ctx context.Context) {
	if c.events == nil {
		return
	}
	c.events.Dispatch(ctx, events.CurtailmentUpdated, c.State())
}
