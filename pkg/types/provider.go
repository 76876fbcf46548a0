package types

// PricingProviderInfo provides metadata about a pricing source.
type PricingProviderInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// Wholesale indicates the source publishes wholesale market prices and is
	// eligible for network-tariff overlays and spike monitoring.
	Wholesale bool `json:"wholesale,omitempty"`
	// Static indicates the source is a fixed rate card with no dynamic data
	// to sync.
	Static bool `json:"static,omitempty"`
}

// BatteryProviderInfo provides metadata about a battery system provider.
type BatteryProviderInfo struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Transport   string              `json:"transport"` // http, modbus, cloud
	Credentials []BatteryCredential `json:"credentials"`
	Hidden      bool                `json:"hidden,omitempty"`
}

// BatteryCredential defines a single configuration/credential option for a
// battery provider.
type BatteryCredential struct {
	Field       string `json:"field"`
	Name        string `json:"name"`
	Type        string `json:"type"` // e.g. "string" or "password"
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}
