// Package tariff builds battery tariff documents from price series. The
// builder is pure: it takes forecast points plus modifier configuration
// and returns a 48-slot document, with no I/O.
package tariff

import (
	"fmt"
	"math"
	"time"

	"github.com/tousync/tousync/pkg/types"
)

// Rate bounds in cents/kWh applied after all modifiers.
const (
	MinRateCents = -200
	MaxRateCents = 2500
)

// Input carries everything the builder needs for one document.
type Input struct {
	// Forecast points at the source's native resolution.
	Forecast []types.PricePoint
	// Current, when present, displaces the forecast for the present slot.
	Current *types.PriceSnapshot
	// Location is the destination timezone slots are labeled in.
	Location *time.Location
	// Wholesale marks the source as a wholesale market source, which
	// enables the network tariff overlay.
	Wholesale bool
	// Settings supplies plan metadata and the modifier configuration.
	Settings types.Settings
}

type slotSide struct {
	set   bool
	cents float64
	kind  types.PriceKind
}

// Build constructs a tariff document from the input. Returns an error when
// either channel has no coverage at all; a half-built tariff is never
// emitted.
func Build(in Input) (types.TariffDocument, error) {
	loc := in.Location
	if loc == nil {
		loc = time.UTC
	}

	labels := types.PeriodLabels()
	buy := make(map[string]slotSide, types.PeriodsPerDay)
	sell := make(map[string]slotSide, types.PeriodsPerDay)

	// assign each point to its slot by start time; a more authoritative
	// kind displaces, equal kind means the later point wins
	for _, p := range in.Forecast {
		label := types.PeriodLabel(p.TSStart.In(loc))
		switch p.Channel {
		case types.ChannelImport:
			assign(buy, label, p.PerKWHCents, p.Kind)
		case types.ChannelExport:
			assign(sell, label, p.ExportEarningsCents(), p.Kind)
		}
	}

	// the streaming price for the in-progress slot displaces the forecast
	if in.Current != nil {
		if p := in.Current.Import; p != nil {
			label := types.PeriodLabel(p.TSStart.In(loc))
			buy[label] = slotSide{set: true, cents: p.PerKWHCents, kind: types.PriceKindSettled}
		}
		if p := in.Current.Export; p != nil {
			label := types.PeriodLabel(p.TSStart.In(loc))
			sell[label] = slotSide{set: true, cents: p.ExportEarningsCents(), kind: types.PriceKindSettled}
		}
	}

	buyCents, err := forwardFill(labels, buy)
	if err != nil {
		return types.TariffDocument{}, fmt.Errorf("buy side: %w", err)
	}
	sellCents, err := forwardFill(labels, sell)
	if err != nil {
		return types.TariffDocument{}, fmt.Errorf("sell side: %w", err)
	}

	doc := types.TariffDocument{
		Name:        in.Settings.PlanName,
		Utility:     in.Settings.PlanUtility,
		Code:        in.Settings.PlanCode,
		Currency:    in.Settings.PlanCurrency,
		DailyCharge: in.Settings.DailyCharge,
		BuyRates:    make(map[string]float64, types.PeriodsPerDay),
		SellRates:   make(map[string]float64, types.PeriodsPerDay),
	}

	applyModifiers(buyCents, sellCents, &doc, in)

	for _, label := range labels {
		doc.BuyRates[label] = CentsToDollars(clampCents(buyCents[label]))
		doc.SellRates[label] = CentsToDollars(clampCents(sellCents[label]))
	}
	return doc, nil
}

func assign(side map[string]slotSide, label string, cents float64, kind types.PriceKind) {
	if cur, ok := side[label]; ok && cur.kind.MoreAuthoritativeThan(kind) {
		return
	}
	side[label] = slotSide{set: true, cents: cents, kind: kind}
}

// forwardFill resolves uncovered slots to the previous slot's value,
// wrapping from the end of the day for leading gaps.
func forwardFill(labels []string, side map[string]slotSide) (map[string]float64, error) {
	out := make(map[string]float64, len(labels))

	last := slotSide{}
	// seed from the last covered slot so leading gaps wrap around
	for i := len(labels) - 1; i >= 0; i-- {
		if s, ok := side[labels[i]]; ok && s.set {
			last = s
			break
		}
	}
	if !last.set {
		return nil, fmt.Errorf("no price coverage")
	}

	for _, label := range labels {
		if s, ok := side[label]; ok && s.set {
			last = s
		}
		out[label] = last.cents
	}
	return out, nil
}

func clampCents(c float64) float64 {
	if c < MinRateCents {
		return MinRateCents
	}
	if c > MaxRateCents {
		return MaxRateCents
	}
	return c
}

// CentsToDollars converts cents/kWh to dollars/kWh rounded to 4 decimals.
func CentsToDollars(cents float64) float64 {
	return math.Round(cents*100) / 10000
}

// Extract inverts a document back to half-hour price points for the given
// local day. Used to diff a battery's live tariff against a rebuilt one.
func Extract(doc types.TariffDocument, day time.Time, loc *time.Location) []types.PricePoint {
	if loc == nil {
		loc = time.UTC
	}
	midnight := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)

	points := make([]types.PricePoint, 0, types.PeriodsPerDay*2)
	for i, label := range types.PeriodLabels() {
		start := midnight.Add(time.Duration(i) * 30 * time.Minute)
		end := start.Add(30 * time.Minute)
		points = append(points, types.PricePoint{
			TSStart:     start,
			TSEnd:       end,
			Channel:     types.ChannelImport,
			Kind:        types.PriceKindForecast,
			PerKWHCents: doc.BuyRates[label] * 100,
		})
		points = append(points, types.PricePoint{
			TSStart:     start,
			TSEnd:       end,
			Channel:     types.ChannelExport,
			Kind:        types.PriceKindForecast,
			PerKWHCents: -doc.SellRates[label] * 100,
		})
	}
	return points
}
