package curtail

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tousync/tousync/pkg/battery"
	"github.com/tousync/tousync/pkg/clock"
	"github.com/tousync/tousync/pkg/events"
	"github.com/tousync/tousync/pkg/storage"
	"github.com/tousync/tousync/pkg/storage/storagemock"
	"github.com/tousync/tousync/pkg/types"
)

var testNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

// fakeInverter records every command.
type fakeInverter struct {
	limits    []float64
	shutdowns int
	restores  int
	err       error
}

func (f *fakeInverter) SetPowerLimit(ctx context.Context, watts float64) error {
	if f.err != nil {
		return f.err
	}
	f.limits = append(f.limits, watts)
	return nil
}

func (f *fakeInverter) Shutdown(ctx context.Context) error {
	if f.err != nil {
		return f.err
	}
	f.shutdowns++
	return nil
}

func (f *fakeInverter) Restore(ctx context.Context) error {
	if f.err != nil {
		return f.err
	}
	f.restores++
	return nil
}

func snapshot(importCents, exportCents float64) types.PriceSnapshot {
	start := clock.FloorInterval(testNow)
	end := start.Add(clock.Interval)
	return types.PriceSnapshot{
		Import: &types.PricePoint{TSStart: start, TSEnd: end, Channel: types.ChannelImport, Kind: types.PriceKindCurrent, PerKWHCents: importCents},
		Export: &types.PricePoint{TSStart: start, TSEnd: end, Channel: types.ChannelExport, Kind: types.PriceKindCurrent, PerKWHCents: exportCents},
	}
}

type harness struct {
	c     *Controller
	mock  *battery.Mock
	inv   *fakeInverter
	store *storagemock.Mock
	clk   *clock.Fake
}

func newTestController(t *testing.T, settings types.Settings) harness {
	t.Helper()

	mock := battery.NewMock()
	batteries := battery.NewMap()
	batteries.SetController("mock", mock)

	inv := &fakeInverter{}
	store := storagemock.New()
	clk := clock.NewFake(testNow)

	settings.CurtailmentEnabled = true
	settings.BatteryProvider = "mock"
	if settings.RestoreSOC == 0 {
		settings.RestoreSOC = 30
	}

	c := New(Config{
		Clock:     clk,
		Batteries: batteries,
		Store:     store,
		Events:    events.NewBus(),
		Settings:  func() types.Settings { return settings },
		Inverter:  inv,
	})
	return harness{c: c, mock: mock, inv: inv, store: store, clk: clk}
}

func TestCurtailFullBatteryNegativeEarnings(t *testing.T) {
	// battery full, exporting 2.5 kW at a negative feed-in: curtail both
	h := newTestController(t, types.Settings{})
	h.mock.Status = types.LiveStatus{
		BatterySOC:  100,
		SolarPowerW: 3000,
		GridPowerW:  -2500,
	}

	h.c.evaluateWith(context.Background(), snapshot(25.0, 5.0))

	require.Equal(t, []types.ExportRule{types.ExportRuleNever}, h.mock.ExportRuleChanges)
	st := h.c.State()
	assert.Equal(t, types.ExportRuleNever, st.ExportRule)
	assert.True(t, st.ExportRuleVerified)

	// the battery cannot absorb, so production stops outright
	assert.Equal(t, 1, h.inv.shutdowns)
	assert.Equal(t, types.InverterStateCurtailed, st.InverterLastState)
	assert.True(t, h.store.Has(storage.KeyInverterLastState))
	assert.True(t, h.store.Has(storage.KeyCachedExportRule))
}

func TestLoadFollowingWhileCharging(t *testing.T) {
	// battery absorbing with headroom: small negative-price export is fine,
	// rule untouched, inverter not curtailed
	h := newTestController(t, types.Settings{})
	h.mock.Status = types.LiveStatus{
		BatterySOC:    70,
		SolarPowerW:   4500,
		BatteryPowerW: -3000,
		LoadPowerW:    1000,
		GridPowerW:    -500,
	}

	h.c.evaluateWith(context.Background(), snapshot(25.0, 2.0))

	assert.Empty(t, h.mock.ExportRuleChanges)
	assert.Equal(t, 0, h.inv.shutdowns)
	assert.Empty(t, h.inv.limits)
	assert.Equal(t, types.InverterStateNormal, h.c.State().InverterLastState)
}

func TestCurtailLoadFollowingPastHeadroom(t *testing.T) {
	// charging but above 90%: limit output to load + charge rate
	h := newTestController(t, types.Settings{})
	h.mock.Status = types.LiveStatus{
		BatterySOC:    95,
		SolarPowerW:   4500,
		BatteryPowerW: -3000,
		LoadPowerW:    1000,
		GridPowerW:    -500,
	}

	h.c.evaluateWith(context.Background(), snapshot(25.0, 2.0))

	require.Equal(t, []float64{4000}, h.inv.limits)
	st := h.c.State()
	assert.Equal(t, types.InverterStateCurtailed, st.InverterLastState)
	assert.Equal(t, 4000.0, st.InverterPowerLimitW)
}

func TestNegativeImportCurtails(t *testing.T) {
	// being paid to consume: curtail even while importing
	h := newTestController(t, types.Settings{})
	h.mock.Status = types.LiveStatus{
		BatterySOC: 50,
		GridPowerW: 500,
		LoadPowerW: 500,
	}

	h.c.evaluateWith(context.Background(), snapshot(-3.0, -1.0))

	assert.Equal(t, 1, h.inv.shutdowns)
}

func TestRestoreSOCBlocksCurtailment(t *testing.T) {
	// below restore SoC the battery tops up first
	h := newTestController(t, types.Settings{RestoreSOC: 30})
	h.mock.Status = types.LiveStatus{
		BatterySOC: 20,
		GridPowerW: -1000,
	}

	h.c.evaluateWith(context.Background(), snapshot(25.0, 3.0))

	assert.Equal(t, 0, h.inv.shutdowns)
	assert.Empty(t, h.inv.limits)
}

func TestExportRuleRestoredOnEarnings(t *testing.T) {
	h := newTestController(t, types.Settings{})
	h.mock.Status = types.LiveStatus{BatterySOC: 100, GridPowerW: -2000}

	// first a curtail at negative earnings
	h.c.evaluateWith(context.Background(), snapshot(25.0, 5.0))
	require.Equal(t, []types.ExportRule{types.ExportRuleNever}, h.mock.ExportRuleChanges)

	// prices recover past 1 c/kWh of earnings
	h.mock.Status = types.LiveStatus{BatterySOC: 80, BatteryPowerW: -500, GridPowerW: 100}
	h.c.evaluateWith(context.Background(), snapshot(25.0, -8.0))

	require.Equal(t, []types.ExportRule{
		types.ExportRuleNever,
		types.ExportRuleBatteryOK,
	}, h.mock.ExportRuleChanges)
	st := h.c.State()
	assert.Equal(t, types.ExportRuleBatteryOK, st.ExportRule)
	assert.True(t, st.ExportRuleVerified)
}

func TestManualOverrideRuleUsedOnRestore(t *testing.T) {
	h := newTestController(t, types.Settings{})
	h.mock.Status = types.LiveStatus{BatterySOC: 80, BatteryPowerW: -500, GridPowerW: 100}

	require.NoError(t, h.c.SetExportOverride(context.Background(), types.ExportRulePVOnly))
	require.Equal(t, []types.ExportRule{types.ExportRulePVOnly}, h.mock.ExportRuleChanges)

	// force the cache to never, then let earnings restore it
	h.mock.Status = types.LiveStatus{BatterySOC: 100, GridPowerW: -2000}
	h.c.evaluateWith(context.Background(), snapshot(25.0, 5.0))
	h.mock.Status = types.LiveStatus{BatterySOC: 80, BatteryPowerW: -500, GridPowerW: 100}
	h.c.evaluateWith(context.Background(), snapshot(25.0, -8.0))

	require.Equal(t, []types.ExportRule{
		types.ExportRulePVOnly,
		types.ExportRuleNever,
		types.ExportRulePVOnly,
	}, h.mock.ExportRuleChanges)
}

func TestUnverifiedReadbackRetries(t *testing.T) {
	h := newTestController(t, types.Settings{})
	h.mock.OmitExportRuleReadback = true
	h.mock.Status = types.LiveStatus{BatterySOC: 100, GridPowerW: -2000}

	h.c.evaluateWith(context.Background(), snapshot(25.0, 5.0))
	require.Equal(t, 1, len(h.mock.ExportRuleChanges))
	assert.False(t, h.c.State().ExportRuleVerified)

	// cache says never already, but unverified means write again
	h.c.evaluateWith(context.Background(), snapshot(25.0, 5.0))
	assert.Equal(t, 2, len(h.mock.ExportRuleChanges))
}

func TestLoadFollowingDeadband(t *testing.T) {
	h := newTestController(t, types.Settings{})
	h.mock.Status = types.LiveStatus{
		BatterySOC:    95,
		BatteryPowerW: -3000,
		LoadPowerW:    1000,
		GridPowerW:    -500,
	}
	h.c.evaluateWith(context.Background(), snapshot(25.0, 2.0))
	require.Equal(t, []float64{4000}, h.inv.limits)

	// 30 W of movement stays inside the deadband
	h.mock.Status.LoadPowerW = 1030
	h.c.RecomputeLimit(context.Background())
	assert.Equal(t, []float64{4000}, h.inv.limits)

	// 200 W of movement reissues
	h.mock.Status.LoadPowerW = 1200
	h.c.RecomputeLimit(context.Background())
	assert.Equal(t, []float64{4000, 4200}, h.inv.limits)
}

func TestReassertReissuesUnchangedLimit(t *testing.T) {
	h := newTestController(t, types.Settings{InverterReassertSeconds: 45})
	h.mock.Status = types.LiveStatus{
		BatterySOC:    95,
		BatteryPowerW: -3000,
		LoadPowerW:    1000,
		GridPowerW:    -500,
	}
	h.c.evaluateWith(context.Background(), snapshot(25.0, 2.0))
	require.Equal(t, []float64{4000}, h.inv.limits)

	h.c.RecomputeLimit(context.Background())
	assert.Equal(t, 1, len(h.inv.limits))

	h.clk.Advance(45 * time.Second)
	h.c.RecomputeLimit(context.Background())
	assert.Equal(t, []float64{4000, 4000}, h.inv.limits)
}

func TestManualCurtailHeldThroughEvaluation(t *testing.T) {
	h := newTestController(t, types.Settings{})
	h.mock.Status = types.LiveStatus{BatterySOC: 60, GridPowerW: -500, LoadPowerW: 800}

	require.NoError(t, h.c.CurtailInverter(context.Background(), types.CurtailModeShutdown))
	require.Equal(t, 1, h.inv.shutdowns)

	// conditions say restore, but the hold is manual
	h.c.evaluateWith(context.Background(), snapshot(25.0, -8.0))
	assert.Equal(t, 0, h.inv.restores)

	require.NoError(t, h.c.RestoreInverter(context.Background()))
	assert.Equal(t, 1, h.inv.restores)
	assert.Equal(t, types.InverterStateNormal, h.c.State().InverterLastState)
}

func TestInverterRestoredWhenConditionsClear(t *testing.T) {
	h := newTestController(t, types.Settings{})
	h.mock.Status = types.LiveStatus{BatterySOC: 100, GridPowerW: -2500, SolarPowerW: 3000}

	h.c.evaluateWith(context.Background(), snapshot(25.0, 5.0))
	require.Equal(t, types.InverterStateCurtailed, h.c.State().InverterLastState)

	// exporting profitably again
	h.mock.Status = types.LiveStatus{BatterySOC: 100, GridPowerW: -2500, SolarPowerW: 3000}
	h.c.evaluateWith(context.Background(), snapshot(25.0, -8.0))

	assert.Equal(t, 1, h.inv.restores)
	assert.Equal(t, types.InverterStateNormal, h.c.State().InverterLastState)
	assert.False(t, h.store.Has(storage.KeyInverterPowerLimitW))
}

func TestRecoverReloadsState(t *testing.T) {
	h := newTestController(t, types.Settings{})
	ctx := context.Background()

	require.NoError(t, h.store.Set(ctx, storage.KeyCachedExportRule, exportRuleCache{Rule: types.ExportRuleNever, Verified: false}))
	require.NoError(t, h.store.Set(ctx, storage.KeyInverterLastState, inverterRecord{
		State: types.InverterStateCurtailed,
		Mode:  types.CurtailModeLoadFollowing,
	}))
	require.NoError(t, h.store.Set(ctx, storage.KeyInverterPowerLimitW, 3500.0))

	require.NoError(t, h.c.Recover(ctx))

	st := h.c.State()
	assert.Equal(t, types.ExportRuleNever, st.ExportRule)
	assert.False(t, st.ExportRuleVerified)
	assert.Equal(t, types.InverterStateCurtailed, st.InverterLastState)
	assert.Equal(t, 3500.0, st.InverterPowerLimitW)
}

func TestDisabledDoesNothing(t *testing.T) {
	h := newTestController(t, types.Settings{})
	hSettings := h.c.settings()
	hSettings.CurtailmentEnabled = false
	h.c.settings = func() types.Settings { return hSettings }
	h.mock.Status = types.LiveStatus{BatterySOC: 100, GridPowerW: -2500}

	h.c.evaluateWith(context.Background(), snapshot(25.0, 5.0))

	assert.Empty(t, h.mock.ExportRuleChanges)
	assert.Equal(t, 0, h.inv.shutdowns)
}
