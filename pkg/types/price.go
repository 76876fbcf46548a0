package types

import "time"

// Channel is the direction of energy flow measured against the consumer.
type Channel string

const (
	// ChannelImport is energy the consumer buys from the grid.
	ChannelImport Channel = "import"
	// ChannelExport is energy the consumer sells to the grid.
	ChannelExport Channel = "export"
)

// PriceKind classifies how final a price is.
type PriceKind string

const (
	// PriceKindSettled is a price the market operator has finalized.
	PriceKindSettled PriceKind = "settled"
	// PriceKindCurrent is the live price for the in-progress interval.
	PriceKindCurrent PriceKind = "current"
	// PriceKindForecast is a predicted price for a future interval.
	PriceKindForecast PriceKind = "forecast"
)

// kindRank orders kinds by how authoritative they are when multiple points
// land in the same tariff slot.
var kindRank = map[PriceKind]int{
	PriceKindForecast: 0,
	PriceKindCurrent:  1,
	PriceKindSettled:  2,
}

// MoreAuthoritativeThan reports whether k displaces other in a slot.
func (k PriceKind) MoreAuthoritativeThan(other PriceKind) bool {
	return kindRank[k] > kindRank[other]
}

// PricePoint is a half-open interval price record. PerKWHCents is signed:
// positive import means the consumer pays; positive export means the consumer
// pays to export; negative export means the consumer is paid.
type PricePoint struct {
	Provider    string    `json:"provider"`
	TSStart     time.Time `json:"tsStart"`
	TSEnd       time.Time `json:"tsEnd"`
	Channel     Channel   `json:"channel"`
	Kind        PriceKind `json:"kind"`
	PerKWHCents float64   `json:"perKWHCents"`

	// WholesaleCents is the underlying wholesale component if the source
	// exposes it, in cents/kWh.
	WholesaleCents float64 `json:"wholesaleCents,omitempty"`
	Region         string  `json:"region,omitempty"`
}

// Covers reports whether t falls within the point's half-open interval.
func (p PricePoint) Covers(t time.Time) bool {
	return !t.Before(p.TSStart) && t.Before(p.TSEnd)
}

// ExportEarningsCents normalizes an export price so that positive means the
// consumer earns money by exporting.
func (p PricePoint) ExportEarningsCents() float64 {
	return -p.PerKWHCents
}

// PriceSnapshot is the most recent known price per channel for the current
// interval.
type PriceSnapshot struct {
	Import *PricePoint `json:"import,omitempty"`
	Export *PricePoint `json:"export,omitempty"`
}

// Complete reports whether both channels are present.
func (s PriceSnapshot) Complete() bool {
	return s.Import != nil && s.Export != nil
}

// ImportCents returns the import price or 0 when absent.
func (s PriceSnapshot) ImportCents() float64 {
	if s.Import == nil {
		return 0
	}
	return s.Import.PerKWHCents
}

// ExportCents returns the export price or 0 when absent.
func (s PriceSnapshot) ExportCents() float64 {
	if s.Export == nil {
		return 0
	}
	return s.Export.PerKWHCents
}

// DiffersFrom reports whether either channel moved by more than
// thresholdCents relative to other. A missing channel on either side counts
// as a change so a fuller snapshot always wins.
func (s PriceSnapshot) DiffersFrom(other PriceSnapshot, thresholdCents float64) bool {
	abs := func(f float64) float64 {
		if f < 0 {
			return -f
		}
		return f
	}
	if (s.Import == nil) != (other.Import == nil) || (s.Export == nil) != (other.Export == nil) {
		return true
	}
	if s.Import != nil && abs(s.Import.PerKWHCents-other.Import.PerKWHCents) > thresholdCents {
		return true
	}
	if s.Export != nil && abs(s.Export.PerKWHCents-other.Export.PerKWHCents) > thresholdCents {
		return true
	}
	return false
}
