// Package battery provides a uniform facade over the supported battery
// systems: an HTTP/JSON local gateway, a Modbus IP gateway, and a
// proprietary vendor cloud API. Tariff transformation produces the
// canonical document; each implementation translates it to its native
// format.
package battery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tousync/tousync/pkg/types"
)

// Controller is the uniform control surface over a battery system.
type Controller interface {
	// ApplySettings updates the controller using the provided site settings.
	ApplySettings(ctx context.Context, settings types.Settings) error

	// Authenticate validates the credentials that were applied and returns
	// updated credentials along with a bool indicating if they changed.
	// This should be called AFTER ApplySettings.
	Authenticate(ctx context.Context, creds types.Credentials) (types.Credentials, bool, error)

	// UploadTariff atomically replaces the battery's tariff. Serialized per
	// site; retried internally on transient failures.
	UploadTariff(ctx context.Context, doc types.TariffDocument) error

	// GetTariff reads the battery's live tariff, used to snapshot before an
	// override.
	GetTariff(ctx context.Context) (types.TariffDocument, error)

	// GetSiteInfo returns the battery-side configuration.
	GetSiteInfo(ctx context.Context) (types.SiteInfo, error)

	// SetOperationMode switches between autonomous and self-consumption.
	SetOperationMode(ctx context.Context, mode types.OperationMode) error

	// SetBackupReserve sets the SoC floor, percent in [0,100].
	SetBackupReserve(ctx context.Context, percent float64) error

	// SetExportRule writes the export rule and reads it back. The returned
	// rule is nil when the API omitted the field on read-back.
	SetExportRule(ctx context.Context, rule types.ExportRule) (*types.ExportRule, error)

	// GetLiveStatus returns fresh plant telemetry.
	GetLiveStatus(ctx context.Context) (types.LiveStatus, error)

	// SetGridCharging enables or disables charging from the grid.
	SetGridCharging(ctx context.Context, enabled bool) error

	// Info describes the provider.
	Info() types.BatteryProviderInfo
}

// HealthReader is implemented by controllers that expose pack health.
type HealthReader interface {
	GetBatteryHealth(ctx context.Context) (types.BatteryHealth, error)
}

// HistoryReader is implemented by controllers that expose per-day energy
// calendar history.
type HistoryReader interface {
	GetCalendarHistory(ctx context.Context, start, end time.Time) ([]types.EnergyDay, error)
}

// Timeouts shared by the transports.
const (
	facadeTimeout     = 30 * time.Second
	liveStatusTimeout = 10 * time.Second
	uploadTimeout     = 60 * time.Second
)

// Upload retry schedule: 3 attempts, exponential 1s/2s/4s.
const (
	uploadAttempts  = 3
	uploadRetryBase = time.Second
)

// Configured sets up the battery providers and returns a Map.
func Configured() *Map {
	m := NewMap()
	m.SetController("cloud", configuredCloud())
	m.SetController("modbus", configuredModbus())
	m.SetController("vendor", configuredVendorRPC())
	return m
}

// Map manages the configured battery controllers.
type Map struct {
	mu          sync.Mutex
	controllers map[string]Controller
}

// NewMap creates a new battery Map.
func NewMap() *Map {
	return &Map{
		controllers: make(map[string]Controller),
	}
}

// Site returns the controller selected by the settings, with the settings
// applied.
func (m *Map) Site(ctx context.Context, settings types.Settings) (Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.controllers[settings.BatteryProvider]
	if !ok {
		return nil, fmt.Errorf("unknown battery provider: %s", settings.BatteryProvider)
	}
	if err := c.ApplySettings(ctx, settings); err != nil {
		return nil, err
	}
	return c, nil
}

// SetController sets the controller for the given name. This is primarily
// used for testing.
func (m *Map) SetController(name string, c Controller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.controllers[name] = c
}

// Infos lists the available providers.
func (m *Map) Infos() []types.BatteryProviderInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]types.BatteryProviderInfo, 0, len(m.controllers))
	for _, c := range m.controllers {
		infos = append(infos, c.Info())
	}
	return infos
}
