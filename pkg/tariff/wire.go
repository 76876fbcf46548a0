package tariff

import (
	"github.com/tousync/tousync/pkg/types"
)

// The battery API expects a single season covering the whole year.
const wireSeasonName = "All"

// WirePeriod is a day-of-week + time-of-day range. Day-of-week is 0=Sunday
// per the battery API. A 00:00-00:00 range means the full day.
type WirePeriod struct {
	FromDayOfWeek int `json:"fromDayOfWeek"`
	ToDayOfWeek   int `json:"toDayOfWeek"`
	FromHour      int `json:"fromHour"`
	FromMinute    int `json:"fromMinute"`
	ToHour        int `json:"toHour"`
	ToMinute      int `json:"toMinute"`
}

// WireTOUPeriod wraps the period list for one label.
type WireTOUPeriod struct {
	Periods []WirePeriod `json:"periods"`
}

// WireSeason defines the date range a season is active plus its TOU slots.
type WireSeason struct {
	FromMonth  int                      `json:"fromMonth"`
	FromDay    int                      `json:"fromDay"`
	ToMonth    int                      `json:"toMonth"`
	ToDay      int                      `json:"toDay"`
	TOUPeriods map[string]WireTOUPeriod `json:"tou_periods"`
}

// WireSeasonRates maps period label to dollars/kWh for one season.
type WireSeasonRates struct {
	Rates map[string]float64 `json:"rates"`
}

// WireSellTariff holds the sell-side schedule.
type WireSellTariff struct {
	EnergyCharges map[string]WireSeasonRates `json:"energy_charges"`
}

// WireDailyCharge is a fixed daily fee line item.
type WireDailyCharge struct {
	Name    string  `json:"name"`
	Dollars float64 `json:"amount"`
}

// WireTariff is the nested JSON document the battery API accepts.
type WireTariff struct {
	Name          string                     `json:"name"`
	Utility       string                     `json:"utility"`
	Code          string                     `json:"code,omitempty"`
	Currency      string                     `json:"currency"`
	DailyCharges  []WireDailyCharge          `json:"daily_charges"`
	DemandCharges map[string]float64         `json:"demand_charges,omitempty"`
	EnergyCharges map[string]WireSeasonRates `json:"energy_charges"`
	SellTariff    WireSellTariff             `json:"sell_tariff"`
	Seasons       map[string]WireSeason      `json:"seasons"`
}

// periodForLabel maps a slot label to its time-of-day period, Sunday
// through Saturday. Labels that are not HH:MM times (e.g. a spike tariff's
// single slot) cover the full day.
func periodForLabel(label string) WirePeriod {
	p := WirePeriod{FromDayOfWeek: 0, ToDayOfWeek: 6}
	m := labelMinutes(label)
	if m < 0 {
		return p
	}
	p.FromHour = m / 60
	p.FromMinute = m % 60
	end := (m + 30) % (24 * 60)
	p.ToHour = end / 60
	p.ToMinute = end % 60
	return p
}

// Encode translates a document into the battery's native format.
func Encode(doc types.TariffDocument) WireTariff {
	w := WireTariff{
		Name:     doc.Name,
		Utility:  doc.Utility,
		Code:     doc.Code,
		Currency: doc.Currency,
		DailyCharges: []WireDailyCharge{
			{Name: "Supply Charge", Dollars: doc.DailyCharge},
		},
		EnergyCharges: map[string]WireSeasonRates{
			wireSeasonName: {Rates: doc.BuyRates},
		},
		SellTariff: WireSellTariff{
			EnergyCharges: map[string]WireSeasonRates{
				wireSeasonName: {Rates: doc.SellRates},
			},
		},
	}

	if len(doc.DemandCharges) > 0 {
		w.DemandCharges = make(map[string]float64, len(doc.DemandCharges))
		for _, dc := range doc.DemandCharges {
			w.DemandCharges[dc.Name] = dc.DollarsPerKW
		}
	}

	tou := make(map[string]WireTOUPeriod, len(doc.BuyRates))
	for label := range doc.BuyRates {
		tou[label] = WireTOUPeriod{Periods: []WirePeriod{periodForLabel(label)}}
	}
	w.Seasons = map[string]WireSeason{
		wireSeasonName: {
			FromMonth:  1,
			FromDay:    1,
			ToMonth:    12,
			ToDay:      31,
			TOUPeriods: tou,
		},
	}
	return w
}

// Decode inverts Encode for the fields a document carries. Used when
// snapshotting a battery's live tariff before an override.
func Decode(w WireTariff) types.TariffDocument {
	doc := types.TariffDocument{
		Name:      w.Name,
		Utility:   w.Utility,
		Code:      w.Code,
		Currency:  w.Currency,
		BuyRates:  map[string]float64{},
		SellRates: map[string]float64{},
	}
	for _, dc := range w.DailyCharges {
		doc.DailyCharge += dc.Dollars
	}
	for name, dollars := range w.DemandCharges {
		doc.DemandCharges = append(doc.DemandCharges, types.DemandCharge{
			Name:         name,
			DollarsPerKW: dollars,
		})
	}
	if s, ok := w.EnergyCharges[wireSeasonName]; ok {
		for label, rate := range s.Rates {
			doc.BuyRates[label] = rate
		}
	}
	if s, ok := w.SellTariff.EnergyCharges[wireSeasonName]; ok {
		for label, rate := range s.Rates {
			doc.SellRates[label] = rate
		}
	}
	return doc
}
