package tariff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tousync/tousync/pkg/types"
)

// fullDayForecast returns 30-minute points covering the whole UTC day with
// the given flat rates.
func fullDayForecast(day time.Time, importCents, exportCents float64) []types.PricePoint {
	midnight := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	var points []types.PricePoint
	for i := 0; i < types.PeriodsPerDay; i++ {
		start := midnight.Add(time.Duration(i) * 30 * time.Minute)
		end := start.Add(30 * time.Minute)
		points = append(points,
			types.PricePoint{TSStart: start, TSEnd: end, Channel: types.ChannelImport, Kind: types.PriceKindForecast, PerKWHCents: importCents},
			types.PricePoint{TSStart: start, TSEnd: end, Channel: types.ChannelExport, Kind: types.PriceKindForecast, PerKWHCents: exportCents},
		)
	}
	return points
}

var testDay = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func TestBuildFlat(t *testing.T) {
	doc, err := Build(Input{
		Forecast: fullDayForecast(testDay, 25.0, -8.0),
		Settings: types.Settings{PlanName: "Dynamic", PlanCurrency: "AUD"},
	})
	require.NoError(t, err)
	require.NoError(t, doc.Validate())

	assert.Equal(t, "Dynamic", doc.Name)
	assert.Equal(t, 0.25, doc.BuyRates["10:00"])
	// positive sell means the consumer earns
	assert.Equal(t, 0.08, doc.SellRates["10:00"])
}

func TestBuildKindPrecedence(t *testing.T) {
	forecast := fullDayForecast(testDay, 25.0, -8.0)
	slot := testDay.Add(10 * time.Hour)

	// a settled point for 10:00 displaces the forecast
	forecast = append(forecast, types.PricePoint{
		TSStart: slot, TSEnd: slot.Add(30 * time.Minute),
		Channel: types.ChannelImport, Kind: types.PriceKindSettled, PerKWHCents: 31.0,
	})
	// a later forecast point does not displace the settled one
	forecast = append(forecast, types.PricePoint{
		TSStart: slot, TSEnd: slot.Add(30 * time.Minute),
		Channel: types.ChannelImport, Kind: types.PriceKindForecast, PerKWHCents: 99.0,
	})

	doc, err := Build(Input{Forecast: forecast})
	require.NoError(t, err)
	assert.Equal(t, 0.31, doc.BuyRates["10:00"])
	assert.Equal(t, 0.25, doc.BuyRates["10:30"])
}

func TestBuildCurrentOverlay(t *testing.T) {
	slot := testDay.Add(10 * time.Hour)
	cur := &types.PriceSnapshot{
		Import: &types.PricePoint{TSStart: slot, TSEnd: slot.Add(5 * time.Minute), Channel: types.ChannelImport, Kind: types.PriceKindCurrent, PerKWHCents: 27.0},
		Export: &types.PricePoint{TSStart: slot, TSEnd: slot.Add(5 * time.Minute), Channel: types.ChannelExport, Kind: types.PriceKindCurrent, PerKWHCents: -8.2},
	}

	doc, err := Build(Input{
		Forecast: fullDayForecast(testDay, 25.0, -8.0),
		Current:  cur,
	})
	require.NoError(t, err)
	assert.Equal(t, 0.27, doc.BuyRates["10:00"])
	assert.Equal(t, 0.082, doc.SellRates["10:00"])
	assert.Equal(t, 0.25, doc.BuyRates["10:30"])
}

func TestBuildForwardFill(t *testing.T) {
	// only 10:00 and 14:00 covered
	var forecast []types.PricePoint
	for _, hour := range []int{10, 14} {
		start := testDay.Add(time.Duration(hour) * time.Hour)
		forecast = append(forecast,
			types.PricePoint{TSStart: start, TSEnd: start.Add(30 * time.Minute), Channel: types.ChannelImport, Kind: types.PriceKindForecast, PerKWHCents: float64(hour)},
			types.PricePoint{TSStart: start, TSEnd: start.Add(30 * time.Minute), Channel: types.ChannelExport, Kind: types.PriceKindForecast, PerKWHCents: -1.0},
		)
	}

	doc, err := Build(Input{Forecast: forecast})
	require.NoError(t, err)
	require.NoError(t, doc.Validate())

	assert.Equal(t, 0.10, doc.BuyRates["10:00"])
	assert.Equal(t, 0.10, doc.BuyRates["12:30"])
	assert.Equal(t, 0.14, doc.BuyRates["14:00"])
	assert.Equal(t, 0.14, doc.BuyRates["23:30"])
	// leading gap wraps from the end of the day
	assert.Equal(t, 0.14, doc.BuyRates["00:00"])
	assert.Equal(t, 0.10, doc.BuyRates["10:30"])
}

func TestBuildNoCoverage(t *testing.T) {
	_, err := Build(Input{})
	require.Error(t, err)

	// import-only forecast still fails: a half-built tariff is never emitted
	var forecast []types.PricePoint
	start := testDay.Add(10 * time.Hour)
	forecast = append(forecast, types.PricePoint{
		TSStart: start, TSEnd: start.Add(30 * time.Minute),
		Channel: types.ChannelImport, Kind: types.PriceKindForecast, PerKWHCents: 10,
	})
	_, err = Build(Input{Forecast: forecast})
	require.Error(t, err)
}

func TestBuildTimezone(t *testing.T) {
	loc, err := time.LoadLocation("Australia/Sydney")
	require.NoError(t, err)

	// a single UTC point lands in its local slot
	forecast := fullDayForecast(testDay, 20.0, -5.0)
	// 2026-03-02 10:00 UTC is 21:00 AEDT
	slot := testDay.Add(10 * time.Hour)
	forecast = append(forecast, types.PricePoint{
		TSStart: slot, TSEnd: slot.Add(30 * time.Minute),
		Channel: types.ChannelImport, Kind: types.PriceKindSettled, PerKWHCents: 33.0,
	})

	doc, err := Build(Input{Forecast: forecast, Location: loc})
	require.NoError(t, err)
	assert.Equal(t, 0.33, doc.BuyRates["21:00"])
}

func TestBuildBounds(t *testing.T) {
	doc, err := Build(Input{Forecast: fullDayForecast(testDay, 9000.0, 400.0)})
	require.NoError(t, err)
	assert.Equal(t, 25.0, doc.BuyRates["10:00"])
	assert.Equal(t, -2.0, doc.SellRates["10:00"])
}

func TestBuildRounding(t *testing.T) {
	doc, err := Build(Input{Forecast: fullDayForecast(testDay, 25.6789, -8.12345)})
	require.NoError(t, err)
	assert.Equal(t, 0.2568, doc.BuyRates["10:00"])
	assert.Equal(t, 0.0812, doc.SellRates["10:00"])
}

func TestExtractRoundTrip(t *testing.T) {
	doc, err := Build(Input{
		Forecast: fullDayForecast(testDay, 25.0, -8.0),
		Settings: types.Settings{PlanName: "Dynamic"},
	})
	require.NoError(t, err)

	again, err := Build(Input{
		Forecast: Extract(doc, testDay, time.UTC),
		Settings: types.Settings{PlanName: "Dynamic"},
	})
	require.NoError(t, err)

	for _, label := range types.PeriodLabels() {
		assert.InDelta(t, doc.BuyRates[label], again.BuyRates[label], 0.0001, label)
		assert.InDelta(t, doc.SellRates[label], again.SellRates[label], 0.0001, label)
	}
}
