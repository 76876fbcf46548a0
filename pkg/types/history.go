package types

import "time"

// EnergyDay is one day of energy totals from the battery's calendar
// history.
type EnergyDay struct {
	Date time.Time `json:"date"`

	SolarKWH      float64 `json:"solarKWH"`
	GridImportKWH float64 `json:"gridImportKWH"`
	GridExportKWH float64 `json:"gridExportKWH"`
	BatteryInKWH  float64 `json:"batteryInKWH"`
	BatteryOutKWH float64 `json:"batteryOutKWH"`
	HomeKWH       float64 `json:"homeKWH"`
}
