package tariff

import (
	"time"

	"github.com/tousync/tousync/pkg/types"
)

const (
	// spikeSellMultiplier scales the observed wholesale price into the
	// spike tariff's sell rate so the battery discharges hard.
	spikeSellMultiplier = 3

	// spikeBuyCents is the uniform discouraging buy rate during a spike.
	spikeBuyCents = 1000

	// spikeLabel is the single full-day slot a spike tariff uses.
	spikeLabel = "SPIKE"

	// forceSellCents is the in-window sell rate for a forced discharge.
	forceSellCents = 2000
)

// Spike builds the override tariff uploaded when a wholesale spike is
// detected: a single full-day slot with a sell rate of 3x the observed
// wholesale price and a buy rate high enough that importing never looks
// attractive.
func Spike(wholesaleCents float64, currency string) types.TariffDocument {
	return types.TariffDocument{
		Name:     "Spike",
		Utility:  "Wholesale",
		Currency: currency,
		BuyRates: map[string]float64{
			spikeLabel: CentsToDollars(spikeBuyCents),
		},
		SellRates: map[string]float64{
			spikeLabel: CentsToDollars(clampCents(spikeSellMultiplier * wholesaleCents)),
		},
	}
}

// forceWindowLabels returns the slot labels the force window covers,
// including the slot containing the window's end so a boundary-aligned
// expiry still has the final slot priced.
func forceWindowLabels(start time.Time, duration time.Duration, loc *time.Location) map[string]bool {
	if loc == nil {
		loc = time.UTC
	}
	start = start.In(loc)
	end := start.Add(duration)

	labels := make(map[string]bool)
	slot := start.Truncate(time.Minute)
	if slot.Minute() >= 30 {
		slot = time.Date(slot.Year(), slot.Month(), slot.Day(), slot.Hour(), 30, 0, 0, loc)
	} else {
		slot = time.Date(slot.Year(), slot.Month(), slot.Day(), slot.Hour(), 0, 0, 0, loc)
	}
	for !slot.After(end) && len(labels) < types.PeriodsPerDay {
		labels[types.PeriodLabel(slot)] = true
		slot = slot.Add(30 * time.Minute)
	}
	return labels
}

// ForceDischarge overlays the base tariff with a $20/kWh sell rate inside
// the force window so the battery's autonomous controller exports at full
// power.
func ForceDischarge(base types.TariffDocument, start time.Time, duration time.Duration, loc *time.Location) types.TariffDocument {
	doc := base.Clone()
	for label := range forceWindowLabels(start, duration, loc) {
		if _, ok := doc.SellRates[label]; ok {
			doc.SellRates[label] = CentsToDollars(forceSellCents)
		}
	}
	return doc
}

// ForceCharge overlays the base tariff with a free buy rate inside the
// force window so the battery imports at full power.
func ForceCharge(base types.TariffDocument, start time.Time, duration time.Duration, loc *time.Location) types.TariffDocument {
	doc := base.Clone()
	for label := range forceWindowLabels(start, duration, loc) {
		if _, ok := doc.BuyRates[label]; ok {
			doc.BuyRates[label] = 0
		}
	}
	return doc
}
