package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeriodLabel(t *testing.T) {
	loc, err := time.LoadLocation("Australia/Sydney")
	require.NoError(t, err)

	assert.Equal(t, "00:00", PeriodLabel(time.Date(2026, 3, 1, 0, 14, 0, 0, loc)))
	assert.Equal(t, "00:30", PeriodLabel(time.Date(2026, 3, 1, 0, 30, 0, 0, loc)))
	assert.Equal(t, "10:00", PeriodLabel(time.Date(2026, 3, 1, 10, 29, 59, 0, loc)))
	assert.Equal(t, "23:30", PeriodLabel(time.Date(2026, 3, 1, 23, 59, 0, 0, loc)))
}

func TestPeriodLabels(t *testing.T) {
	labels := PeriodLabels()
	require.Len(t, labels, PeriodsPerDay)
	assert.Equal(t, "00:00", labels[0])
	assert.Equal(t, "00:30", labels[1])
	assert.Equal(t, "23:30", labels[47])

	seen := map[string]bool{}
	for _, l := range labels {
		assert.False(t, seen[l], "duplicate label %s", l)
		seen[l] = true
	}
}

func fullTariff() TariffDocument {
	d := TariffDocument{
		Name:      "Test",
		Currency:  "AUD",
		BuyRates:  map[string]float64{},
		SellRates: map[string]float64{},
	}
	for _, l := range PeriodLabels() {
		d.BuyRates[l] = 0.25
		d.SellRates[l] = 0.08
	}
	return d
}

func TestTariffDocumentValidate(t *testing.T) {
	d := fullTariff()
	require.NoError(t, d.Validate())

	delete(d.BuyRates, "13:30")
	assert.Error(t, d.Validate())

	d = fullTariff()
	delete(d.SellRates, "00:00")
	d.SellRates["24:00"] = 0.08
	assert.Error(t, d.Validate())
}

func TestTariffDocumentClone(t *testing.T) {
	d := fullTariff()
	c := d.Clone()
	c.BuyRates["10:00"] = 99

	assert.Equal(t, 0.25, d.BuyRates["10:00"])
	assert.Equal(t, 99.0, c.BuyRates["10:00"])
}

func TestPriceSnapshotDiffersFrom(t *testing.T) {
	mk := func(imp, exp float64) PriceSnapshot {
		return PriceSnapshot{
			Import: &PricePoint{Channel: ChannelImport, PerKWHCents: imp},
			Export: &PricePoint{Channel: ChannelExport, PerKWHCents: exp},
		}
	}

	// within threshold on both channels
	assert.False(t, mk(25.3, -8.2).DiffersFrom(mk(25.0, -8.0), 0.5))
	// import moved by more than threshold
	assert.True(t, mk(27.0, -8.0).DiffersFrom(mk(25.0, -8.0), 0.5))
	// export moved by more than threshold
	assert.True(t, mk(25.0, -9.0).DiffersFrom(mk(25.0, -8.0), 0.5))
	// exactly at threshold is not a change
	assert.False(t, mk(25.5, -8.0).DiffersFrom(mk(25.0, -8.0), 0.5))
	// missing channel counts as a change
	assert.True(t, mk(25.0, -8.0).DiffersFrom(PriceSnapshot{Import: &PricePoint{PerKWHCents: 25.0}}, 0.5))
}

func TestPriceKindPrecedence(t *testing.T) {
	assert.True(t, PriceKindSettled.MoreAuthoritativeThan(PriceKindCurrent))
	assert.True(t, PriceKindCurrent.MoreAuthoritativeThan(PriceKindForecast))
	assert.False(t, PriceKindForecast.MoreAuthoritativeThan(PriceKindSettled))
	assert.False(t, PriceKindSettled.MoreAuthoritativeThan(PriceKindSettled))
}
