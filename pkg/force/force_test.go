package force

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tousync/tousync/pkg/battery"
	"github.com/tousync/tousync/pkg/clock"
	"github.com/tousync/tousync/pkg/events"
	"github.com/tousync/tousync/pkg/pricing"
	"github.com/tousync/tousync/pkg/storage"
	"github.com/tousync/tousync/pkg/storage/storagemock"
	"github.com/tousync/tousync/pkg/types"
)

var testNow = time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)

type fakeSource struct {
	info types.PricingProviderInfo
}

func (f *fakeSource) Current(ctx context.Context) (types.PriceSnapshot, error) {
	return types.PriceSnapshot{}, nil
}

func (f *fakeSource) Forecast(ctx context.Context, horizon time.Duration) ([]types.PricePoint, error) {
	return nil, nil
}

func (f *fakeSource) ApplySettings(ctx context.Context, settings types.Settings) error {
	return nil
}

func (f *fakeSource) Info() types.PricingProviderInfo {
	return f.info
}

func baseTariff() types.TariffDocument {
	doc := types.TariffDocument{
		Name:      "Baseline",
		Currency:  "AUD",
		BuyRates:  map[string]float64{},
		SellRates: map[string]float64{},
	}
	for _, label := range types.PeriodLabels() {
		doc.BuyRates[label] = 0.25
		doc.SellRates[label] = 0.08
	}
	return doc
}

type harness struct {
	m      *Manager
	mock   *battery.Mock
	store  *storagemock.Mock
	clk    *clock.Fake
	bus    *events.Bus
	resync *int
}

func newTestManager(t *testing.T, static bool) harness {
	t.Helper()

	prices := pricing.NewMap()
	prices.SetSource("test", &fakeSource{info: types.PricingProviderInfo{ID: "test", Static: static}})

	mock := battery.NewMock()
	mock.Tariff = baseTariff()
	mock.Status.BatterySOC = 55
	batteries := battery.NewMap()
	batteries.SetController("mock", mock)

	store := storagemock.New()
	clk := clock.NewFake(testNow)
	bus := events.NewBus()
	resyncs := 0
	m := New(Config{
		Clock:     clk,
		Pricing:   prices,
		Batteries: batteries,
		Store:     store,
		Events:    bus,
		Settings: func() types.Settings {
			return types.Settings{
				PricingProvider: "test",
				BatteryProvider: "mock",
			}
		},
		Resync: func(ctx context.Context) error {
			resyncs++
			return nil
		},
	})
	return harness{m: m, mock: mock, store: store, clk: clk, bus: bus, resync: &resyncs}
}

func TestForceDischargeLifecycle(t *testing.T) {
	h := newTestManager(t, true)
	ctx := context.Background()

	require.NoError(t, h.m.ForceDischarge(ctx, 30*time.Minute))
	require.True(t, h.m.Active())

	// sell rate is maxed inside the window, untouched outside it
	require.Equal(t, 1, h.mock.UploadCount())
	doc, _ := h.mock.LastUploaded()
	assert.Equal(t, 20.0, doc.SellRates["18:00"])
	assert.Equal(t, 20.0, doc.SellRates["18:30"])
	assert.Equal(t, 0.08, doc.SellRates["17:30"])
	assert.Equal(t, 0.25, doc.BuyRates["18:00"])

	require.Equal(t, []float64{0}, h.mock.ReserveChanges)
	require.Equal(t, []types.OperationMode{types.OperationModeAutonomous}, h.mock.ModeChanges)
	assert.True(t, h.store.Has(storage.KeyForceModeState))

	st := h.m.State()
	require.NotNil(t, st)
	assert.Equal(t, types.ForceModeDischarge, st.Mode)
	assert.True(t, st.ExpiresAt.Equal(testNow.Add(30*time.Minute)))
	assert.Equal(t, 20.0, st.SavedBackupReserve)

	// expiry fires the restore
	h.clk.Advance(30 * time.Minute)

	assert.False(t, h.m.Active())
	require.Equal(t, 2, h.mock.UploadCount())
	doc, _ = h.mock.LastUploaded()
	assert.Equal(t, "Baseline", doc.Name)
	assert.Equal(t, 0.08, doc.SellRates["18:00"])

	// self consumption to halt, then the saved mode
	require.Equal(t, []types.OperationMode{
		types.OperationModeAutonomous,
		types.OperationModeSelfConsumption,
		types.OperationModeSelfConsumption,
	}, h.mock.ModeChanges)
	require.Equal(t, []float64{0, 20}, h.mock.ReserveChanges)
	assert.False(t, h.store.Has(storage.KeyForceModeState))
}

func TestForceChargeZeroesBuyRates(t *testing.T) {
	h := newTestManager(t, true)
	ctx := context.Background()

	require.NoError(t, h.m.ForceCharge(ctx, time.Hour))

	doc, _ := h.mock.LastUploaded()
	assert.Equal(t, 0.0, doc.BuyRates["18:00"])
	assert.Equal(t, 0.0, doc.BuyRates["19:00"])
	assert.Equal(t, 0.25, doc.BuyRates["17:30"])
	assert.Equal(t, 0.08, doc.SellRates["18:00"])
	require.Equal(t, []float64{100}, h.mock.ReserveChanges)
}

func TestForceDurationClamped(t *testing.T) {
	h := newTestManager(t, true)

	require.NoError(t, h.m.ForceDischarge(context.Background(), time.Minute))
	assert.True(t, h.m.State().ExpiresAt.Equal(testNow.Add(MinDuration)))
}

func TestForceSwitchKeepsSnapshot(t *testing.T) {
	h := newTestManager(t, true)
	ctx := context.Background()

	require.NoError(t, h.m.ForceDischarge(ctx, 30*time.Minute))
	require.NoError(t, h.m.ForceCharge(ctx, time.Hour))

	// the second activation overlays the original snapshot, not the force
	// tariff that is currently live
	st := h.m.State()
	require.NotNil(t, st.SavedTariff)
	assert.Equal(t, "Baseline", st.SavedTariff.Name)
	assert.Equal(t, 0.25, st.SavedTariff.BuyRates["18:00"])
	assert.Equal(t, types.ForceModeCharge, st.Mode)

	doc, _ := h.mock.LastUploaded()
	assert.Equal(t, 0.0, doc.BuyRates["18:00"])
	assert.Equal(t, 0.08, doc.SellRates["18:00"])

	// the first timer must not fire a restore mid-charge
	h.clk.Advance(30 * time.Minute)
	assert.True(t, h.m.Active())
}

func TestForceRestoreLowSOCLeavesReserve(t *testing.T) {
	h := newTestManager(t, true)
	ctx := context.Background()
	h.mock.Status.BatterySOC = 8

	var notified bool
	h.bus.Subscribe(events.UserNotification, func(ctx context.Context, event string, data interface{}) {
		notified = true
	})

	require.NoError(t, h.m.ForceDischarge(ctx, 30*time.Minute))
	require.NoError(t, h.m.RestoreNormal(ctx))

	// restoring a 20% reserve over an 8% battery would import from the grid
	require.Equal(t, []float64{0}, h.mock.ReserveChanges)
	assert.True(t, notified)
}

func TestForceRestoreDynamicResyncs(t *testing.T) {
	h := newTestManager(t, false)
	ctx := context.Background()

	require.NoError(t, h.m.ForceDischarge(ctx, 30*time.Minute))
	require.NoError(t, h.m.RestoreNormal(ctx))

	// a dynamic provider gets a fresh sync instead of the stale snapshot
	assert.Equal(t, 1, h.mock.UploadCount())
	assert.Equal(t, 1, *h.resync)
	assert.False(t, h.m.Active())
}

func TestForceRecoverRearms(t *testing.T) {
	h := newTestManager(t, true)
	ctx := context.Background()

	saved := baseTariff()
	require.NoError(t, h.store.Set(ctx, storage.KeyForceModeState, types.ForceModeState{
		Mode:               types.ForceModeDischarge,
		ExpiresAt:          testNow.Add(10 * time.Minute),
		SavedTariff:        &saved,
		SavedOperationMode: types.OperationModeSelfConsumption,
		SavedBackupReserve: 20,
	}))

	require.NoError(t, h.m.Recover(ctx))
	require.True(t, h.m.Active())

	h.clk.Advance(10 * time.Minute)
	assert.False(t, h.m.Active())
	require.Equal(t, 1, h.mock.UploadCount())
	doc, _ := h.mock.LastUploaded()
	assert.Equal(t, "Baseline", doc.Name)
}

func TestForceRecoverExpiredRestoresImmediately(t *testing.T) {
	h := newTestManager(t, true)
	ctx := context.Background()

	saved := baseTariff()
	require.NoError(t, h.store.Set(ctx, storage.KeyForceModeState, types.ForceModeState{
		Mode:               types.ForceModeDischarge,
		ExpiresAt:          testNow.Add(-time.Hour),
		SavedTariff:        &saved,
		SavedOperationMode: types.OperationModeSelfConsumption,
		SavedBackupReserve: 20,
	}))

	require.NoError(t, h.m.Recover(ctx))
	assert.False(t, h.m.Active())
	assert.Equal(t, 1, h.mock.UploadCount())
	assert.False(t, h.store.Has(storage.KeyForceModeState))
}

func TestForceRestoreIdempotent(t *testing.T) {
	h := newTestManager(t, true)
	require.NoError(t, h.m.RestoreNormal(context.Background()))
	assert.Equal(t, 0, h.mock.UploadCount())
}
