package types

import "time"

// OperationMode is the battery's autonomous control mode.
type OperationMode string

const (
	// OperationModeAutonomous lets the battery optimize against the uploaded
	// tariff.
	OperationModeAutonomous OperationMode = "autonomous"
	// OperationModeSelfConsumption makes the battery follow home load only.
	OperationModeSelfConsumption OperationMode = "self_consumption"
)

// ExportRule controls what the battery is allowed to export.
type ExportRule string

const (
	ExportRuleNever     ExportRule = "never"
	ExportRuleBatteryOK ExportRule = "battery_ok"
	ExportRulePVOnly    ExportRule = "pv_only"
)

// InverterState is the last commanded state of the AC-coupled inverter.
type InverterState string

const (
	InverterStateNormal    InverterState = "normal"
	InverterStateCurtailed InverterState = "curtailed"
)

// CurtailMode selects how an inverter is curtailed.
type CurtailMode string

const (
	CurtailModeShutdown      CurtailMode = "shutdown"
	CurtailModeLoadFollowing CurtailMode = "load_following"
)

// ForceMode is a user-initiated override direction.
type ForceMode string

const (
	ForceModeCharge    ForceMode = "charge"
	ForceModeDischarge ForceMode = "discharge"
)

// LiveStatus is a point-in-time reading of plant telemetry. Signs follow the
// grid meter convention: GridPowerW negative means exporting, BatteryPowerW
// negative means charging.
type LiveStatus struct {
	BatterySOC    float64   `json:"batterySOC"`
	GridPowerW    float64   `json:"gridPowerW"`
	SolarPowerW   float64   `json:"solarPowerW"`
	BatteryPowerW float64   `json:"batteryPowerW"`
	LoadPowerW    float64   `json:"loadPowerW"`
	CapturedAt    time.Time `json:"capturedAt"`
}

// Exporting reports whether the site is pushing power to the grid.
func (s LiveStatus) Exporting() bool {
	return s.GridPowerW < 0
}

// BatteryCharging reports whether the battery is absorbing power.
func (s LiveStatus) BatteryCharging() bool {
	return s.BatteryPowerW < 0
}

// SiteInfo is the battery-side configuration read back through the facade.
type SiteInfo struct {
	OperationMode        OperationMode `json:"operationMode"`
	BackupReservePercent float64       `json:"backupReservePercent"`
	// ExportRule is nil when the battery API omits the field.
	ExportRule *ExportRule `json:"exportRule,omitempty"`
	Timezone   string      `json:"timezone"`
}

// ForceModeState is the persisted snapshot taken when a force mode is
// activated. At most one is active at a time.
type ForceModeState struct {
	Mode      ForceMode `json:"mode"`
	ExpiresAt time.Time `json:"expiresAt"`

	SavedTariff        *TariffDocument `json:"savedTariff,omitempty"`
	SavedOperationMode OperationMode   `json:"savedOperationMode"`
	SavedBackupReserve float64         `json:"savedBackupReserve"`
}

// SpikeState tracks the wholesale spike FSM.
type SpikeState struct {
	InSpike                    bool            `json:"inSpike"`
	SpikeStartedAt             time.Time       `json:"spikeStartedAt,omitzero"`
	LastObservedWholesaleCents float64         `json:"lastObservedWholesaleCents"`
	SavedTariff                *TariffDocument `json:"savedTariff,omitempty"`
	SavedOperationMode         OperationMode   `json:"savedOperationMode,omitempty"`
	// SnapshotIncomplete is set when the facade could not read the tariff on
	// entry; the exit path notifies the user instead of restoring silently.
	SnapshotIncomplete bool `json:"snapshotIncomplete,omitempty"`
}

// CurtailmentState is the persisted cache of what the curtailment controller
// last knew and commanded. ExportRule is cached because the battery API
// sometimes omits the field on read-back.
type CurtailmentState struct {
	ExportRule ExportRule `json:"exportRule"`
	// ExportRuleVerified is false when the last write could not be confirmed
	// by read-back; the next write retries unconditionally.
	ExportRuleVerified  bool          `json:"exportRuleVerified"`
	InverterLastState   InverterState `json:"inverterLastState"`
	InverterPowerLimitW float64       `json:"inverterPowerLimitW,omitempty"`
	ManualOverride      bool          `json:"manualOverride,omitempty"`
	ManualOverrideRule  ExportRule    `json:"manualOverrideRule,omitempty"`
}

// BatteryHealth is a pack health reading pushed in from the host platform.
type BatteryHealth struct {
	CapacityKWH     float64   `json:"capacityKWH"`
	FullPackEnergy  float64   `json:"fullPackEnergy"`
	NominalEnergy   float64   `json:"nominalEnergy"`
	PercentHealthy  float64   `json:"percentHealthy"`
	MeasuredAt      time.Time `json:"measuredAt"`
	GatewaySerial   string    `json:"gatewaySerial,omitempty"`
	FirmwareVersion string    `json:"firmwareVersion,omitempty"`
}
