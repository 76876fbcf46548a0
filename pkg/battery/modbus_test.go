package battery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tousync/tousync/pkg/tariff"
	"github.com/tousync/tousync/pkg/types"
)

func TestExpandRatesFullDay(t *testing.T) {
	full := map[string]float64{}
	for _, label := range types.PeriodLabels() {
		full[label] = 0.25
	}

	got, err := expandRates(full)
	require.NoError(t, err)
	assert.Len(t, got, types.PeriodsPerDay)
	assert.Equal(t, 0.25, got["17:30"])
}

func TestExpandRatesSingleSlot(t *testing.T) {
	// the spike tariff covers the whole day with one slot
	doc := tariff.Spike(45, "AUD")
	require.Len(t, doc.SellRates, 1)

	sell, err := expandRates(doc.SellRates)
	require.NoError(t, err)
	require.Len(t, sell, types.PeriodsPerDay)
	for _, label := range types.PeriodLabels() {
		assert.Equal(t, 1.35, sell[label])
	}

	buy, err := expandRates(doc.BuyRates)
	require.NoError(t, err)
	assert.Equal(t, 10.0, buy["00:00"])
	assert.Equal(t, 10.0, buy["23:30"])
}

func TestExpandRatesPartialRejected(t *testing.T) {
	_, err := expandRates(map[string]float64{
		"00:00": 0.2,
		"00:30": 0.2,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing rate")
}

func TestModbusRateEncoding(t *testing.T) {
	// round-trip across the biased u16 encoding, including negative rates
	for _, dollars := range []float64{-0.11, 0, 0.25, 1.35, 10} {
		got := decodeRate(encodeRate(dollars))
		assert.InDelta(t, dollars, got, 0.0001)
	}
}
