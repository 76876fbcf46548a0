package types

import (
	"fmt"
	"time"
)

// PeriodsPerDay is the number of half-hour tariff slots in a day.
const PeriodsPerDay = 48

// PeriodLabel returns the HH:MM label for the slot that covers t in t's
// location.
func PeriodLabel(t time.Time) string {
	min := 0
	if t.Minute() >= 30 {
		min = 30
	}
	return fmt.Sprintf("%02d:%02d", t.Hour(), min)
}

// PeriodLabels returns all 48 half-hour labels in day order.
func PeriodLabels() []string {
	labels := make([]string, 0, PeriodsPerDay)
	for h := 0; h < 24; h++ {
		labels = append(labels, fmt.Sprintf("%02d:00", h))
		labels = append(labels, fmt.Sprintf("%02d:30", h))
	}
	return labels
}

// DemandCharge is a $/kW charge applied while a named window is active.
type DemandCharge struct {
	Name         string  `json:"name"`
	DollarsPerKW float64 `json:"dollarsPerKW"`
}

// TariffDocument is the provider-neutral daily schedule uploaded to the
// battery: a buy and a sell rate in dollars/kWh for each of the 48 half-hour
// period labels, plus plan metadata. It is the unit of upload.
type TariffDocument struct {
	Name        string  `json:"name"`
	Utility     string  `json:"utility"`
	Code        string  `json:"code"`
	Currency    string  `json:"currency"`
	DailyCharge float64 `json:"dailyCharge"`

	DemandCharges []DemandCharge `json:"demandCharges,omitempty"`

	// BuyRates and SellRates map period label (HH:MM) to dollars/kWh.
	BuyRates  map[string]float64 `json:"buyRates"`
	SellRates map[string]float64 `json:"sellRates"`
}

// Validate checks the 48x2 coverage invariant.
func (d TariffDocument) Validate() error {
	if len(d.BuyRates) != PeriodsPerDay {
		return fmt.Errorf("tariff has %d buy periods, want %d", len(d.BuyRates), PeriodsPerDay)
	}
	if len(d.SellRates) != PeriodsPerDay {
		return fmt.Errorf("tariff has %d sell periods, want %d", len(d.SellRates), PeriodsPerDay)
	}
	for _, label := range PeriodLabels() {
		if _, ok := d.BuyRates[label]; !ok {
			return fmt.Errorf("tariff missing buy period %s", label)
		}
		if _, ok := d.SellRates[label]; !ok {
			return fmt.Errorf("tariff missing sell period %s", label)
		}
	}
	return nil
}

// Clone returns a deep copy so saved snapshots are not aliased by later
// modifier passes.
func (d TariffDocument) Clone() TariffDocument {
	out := d
	out.BuyRates = make(map[string]float64, len(d.BuyRates))
	for k, v := range d.BuyRates {
		out.BuyRates[k] = v
	}
	out.SellRates = make(map[string]float64, len(d.SellRates))
	for k, v := range d.SellRates {
		out.SellRates[k] = v
	}
	if d.DemandCharges != nil {
		out.DemandCharges = append([]DemandCharge(nil), d.DemandCharges...)
	}
	return out
}
