package types

import "fmt"

// CurrentSettingsVersion is the current version of the settings struct.
// Increment this value when adding new fields that require default values.
const CurrentSettingsVersion = 4

// Settings represents the per-site configuration stored in the state store.
// These are dynamic settings that can be changed without redeploying.
type Settings struct {
	DryRun bool `json:"dryRun"`
	// Pause all automatic syncing
	Pause bool `json:"pause"`

	Timezone string `json:"timezone"`

	// Pricing source
	PricingProvider string `json:"pricingProvider"`
	// Region for wholesale sources (e.g. NSW1)
	Region string `json:"region"`
	// ForecastClass selects the retailer's uncertainty class
	// (predicted / conservative / optimistic).
	ForecastClass string `json:"forecastClass"`
	// RateCard backs the static TOU pricing source.
	RateCard RateCard `json:"rateCard,omitzero"`

	// Battery system
	BatteryProvider string `json:"batteryProvider"`

	// Sync behavior
	AutoSync bool `json:"autoSync"`
	// SettledOnly skips stage 1/2 uploads and only syncs settled prices.
	SettledOnly bool `json:"settledOnly"`
	// PriceChangeThresholdCents suppresses re-uploads below this delta.
	PriceChangeThresholdCents float64 `json:"priceChangeThresholdCents"`
	// ForceModeToggle briefly flips the operation mode after an upload so
	// firmware that caches the tariff re-reads it.
	ForceModeToggle bool `json:"forceModeToggle"`

	// Tariff modifiers
	SpikeProtectionEnabled    bool    `json:"spikeProtectionEnabled"`
	SpikeProtectionCapCents   float64 `json:"spikeProtectionCapCents"`
	SpikeProtectionValueCents float64 `json:"spikeProtectionValueCents"`

	ExportBoostEnabled        bool    `json:"exportBoostEnabled"`
	ExportBoostStart          string  `json:"exportBoostStart"` // HH:MM local
	ExportBoostEnd            string  `json:"exportBoostEnd"`   // HH:MM local
	ExportBoostThresholdCents float64 `json:"exportBoostThresholdCents"`
	ExportBoostOffsetCents    float64 `json:"exportBoostOffsetCents"`
	ExportBoostMinCents       float64 `json:"exportBoostMinCents"`

	ChipModeEnabled        bool    `json:"chipModeEnabled"`
	ChipModeStart          string  `json:"chipModeStart"`
	ChipModeEnd            string  `json:"chipModeEnd"`
	ChipModeThresholdCents float64 `json:"chipModeThresholdCents"`

	NetworkTariffEnabled   bool    `json:"networkTariffEnabled"`
	NetworkTariffFeeCents  float64 `json:"networkTariffFeeCents"`
	NetworkDemandChargeKW  float64 `json:"networkDemandChargeKW"`
	ProviderExportEnabled  bool    `json:"providerExportEnabled"`
	ProviderExportSchedule map[string]float64 `json:"providerExportSchedule,omitempty"` // label -> cents

	// Demand window during which grid charging must stay disabled and is
	// re-asserted after tariff writes.
	DemandWindowStart string `json:"demandWindowStart"`
	DemandWindowEnd   string `json:"demandWindowEnd"`

	// Spike manager
	SpikeEnabled            bool    `json:"spikeEnabled"`
	SpikeThresholdMWhDollar float64 `json:"spikeThresholdMWhDollar"`

	// Curtailment
	CurtailmentEnabled bool    `json:"curtailmentEnabled"`
	RestoreSOC         float64 `json:"restoreSOC"`
	// InverterReassertSeconds reissues the power limit on a period even when
	// unchanged; 0 disables. Some brands silently drop limits.
	InverterReassertSeconds int `json:"inverterReassertSeconds"`

	// Plan metadata used in generated tariffs
	PlanName     string  `json:"planName"`
	PlanUtility  string  `json:"planUtility"`
	PlanCode     string  `json:"planCode"`
	PlanCurrency string  `json:"planCurrency"`
	DailyCharge  float64 `json:"dailyCharge"`

	// Credentials for external systems (encrypted)
	EncryptedCredentials []byte `json:"encryptedCredentials,omitempty"`
}

// Credentials for external systems.
type Credentials struct {
	Retailer *RetailerCredentials `json:"retailer,omitempty"`
	Battery  *BatteryCredentials  `json:"battery,omitempty"`
}

// Has reports which credential groups are present, for UI display without
// exposing the secrets.
func (c Credentials) Has() map[string]bool {
	return map[string]bool{
		"retailer": c.Retailer != nil,
		"battery":  c.Battery != nil,
	}
}

// RetailerCredentials authenticate against the retailer REST and streaming
// APIs.
type RetailerCredentials struct {
	APIToken string `json:"apiToken"`
	SiteID   string `json:"siteID"`
}

// BatteryCredentials authenticate against the battery vendor cloud.
type BatteryCredentials struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	// Token is the cached vendor API session token so we can skip login until
	// the backend returns 401.
	Token     string `json:"token,omitempty"`
	GatewayID string `json:"gatewayID,omitempty"`
	// Host is the local endpoint for HTTP/JSON or modbus transports.
	Host string `json:"host,omitempty"`
}

// MigrateSettings migrates the settings to the current version.
// It returns the migrated settings, a boolean indicating if changes were
// made, and an error if migration failed.
func MigrateSettings(s Settings, currentVersion int) (Settings, bool, error) {
	if currentVersion >= CurrentSettingsVersion {
		return s, false, nil
	}

	migrated := false
	for version := currentVersion + 1; version <= CurrentSettingsVersion; version++ {
		switch version {
		case 1:
			// version 1: initial defaults
			if s.PriceChangeThresholdCents == 0 {
				s.PriceChangeThresholdCents = 0.5
				migrated = true
			}
			if s.ForecastClass == "" {
				s.ForecastClass = "predicted"
				migrated = true
			}
			if !s.AutoSync {
				s.AutoSync = true
				migrated = true
			}
		case 2:
			// version 2: spike protection defaults
			if s.SpikeProtectionCapCents == 0 {
				s.SpikeProtectionCapCents = 100
				migrated = true
			}
			if s.SpikeProtectionValueCents == 0 {
				s.SpikeProtectionValueCents = 50
				migrated = true
			}
		case 3:
			// version 3: spike manager + curtailment defaults
			if s.SpikeThresholdMWhDollar == 0 {
				s.SpikeThresholdMWhDollar = 300
				migrated = true
			}
			if s.RestoreSOC == 0 {
				s.RestoreSOC = 30
				migrated = true
			}
		case 4:
			// version 4: plan metadata defaults
			if s.PlanCurrency == "" {
				s.PlanCurrency = "AUD"
				migrated = true
			}
			if s.PlanName == "" {
				s.PlanName = "Dynamic"
				migrated = true
			}
		default:
			return s, migrated, fmt.Errorf("unknown settings version: %d", version)
		}
	}
	return s, migrated, nil
}
