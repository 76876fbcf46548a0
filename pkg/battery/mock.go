package battery

import (
	"context"
	"sync"
	"time"

	"github.com/tousync/tousync/pkg/types"
)

// Mock is an in-memory Controller used by tests and by the hidden mock
// provider. Every write is recorded; reads return whatever state the test
// configured.
type Mock struct {
	mu sync.Mutex

	Tariff       types.TariffDocument
	SiteInfo     types.SiteInfo
	Status       types.LiveStatus
	GridCharging bool
	Health       types.BatteryHealth
	History      []types.EnergyDay

	// OmitExportRuleReadback simulates the API quirk where the read-back
	// after SetExportRule returns no rule.
	OmitExportRuleReadback bool

	// Err, when set, is returned by every operation.
	Err error
	// TariffErr, when set, is returned by GetTariff only.
	TariffErr error

	// UploadedTariffs records every UploadTariff call in order.
	UploadedTariffs []types.TariffDocument
	// ModeChanges records every SetOperationMode call in order.
	ModeChanges []types.OperationMode
	// ReserveChanges records every SetBackupReserve call in order.
	ReserveChanges []float64
	// ExportRuleChanges records every SetExportRule call in order.
	ExportRuleChanges []types.ExportRule
	// GridChargingChanges records every SetGridCharging call in order.
	GridChargingChanges []bool
}

// NewMock creates a mock controller with sane defaults.
func NewMock() *Mock {
	return &Mock{
		SiteInfo: types.SiteInfo{
			OperationMode:        types.OperationModeSelfConsumption,
			BackupReservePercent: 20,
			Timezone:             "UTC",
		},
	}
}

// Info describes the mock provider.
func (m *Mock) Info() types.BatteryProviderInfo {
	return types.BatteryProviderInfo{
		ID:        "mock",
		Name:      "Mock Battery",
		Transport: "mock",
		Hidden:    true,
	}
}

// ApplySettings is a no-op for the mock.
func (m *Mock) ApplySettings(ctx context.Context, settings types.Settings) error {
	return nil
}

// Authenticate accepts any credentials.
func (m *Mock) Authenticate(ctx context.Context, creds types.Credentials) (types.Credentials, bool, error) {
	return creds, false, nil
}

// UploadTariff records the document and makes it the live tariff.
func (m *Mock) UploadTariff(ctx context.Context, doc types.TariffDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.UploadedTariffs = append(m.UploadedTariffs, doc.Clone())
	m.Tariff = doc.Clone()
	return nil
}

// GetTariff returns the live tariff.
func (m *Mock) GetTariff(ctx context.Context) (types.TariffDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return types.TariffDocument{}, m.Err
	}
	if m.TariffErr != nil {
		return types.TariffDocument{}, m.TariffErr
	}
	return m.Tariff.Clone(), nil
}

// GetSiteInfo returns the configured site info.
func (m *Mock) GetSiteInfo(ctx context.Context) (types.SiteInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return types.SiteInfo{}, m.Err
	}
	return m.SiteInfo, nil
}

// SetOperationMode records the change and applies it to the site info.
func (m *Mock) SetOperationMode(ctx context.Context, mode types.OperationMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.ModeChanges = append(m.ModeChanges, mode)
	m.SiteInfo.OperationMode = mode
	return nil
}

// SetBackupReserve records the change and applies it to the site info.
func (m *Mock) SetBackupReserve(ctx context.Context, percent float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.ReserveChanges = append(m.ReserveChanges, percent)
	m.SiteInfo.BackupReservePercent = percent
	return nil
}

// SetExportRule records the change and returns the read-back, unless the
// quirk flag hides it.
func (m *Mock) SetExportRule(ctx context.Context, rule types.ExportRule) (*types.ExportRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	m.ExportRuleChanges = append(m.ExportRuleChanges, rule)
	r := rule
	m.SiteInfo.ExportRule = &r
	if m.OmitExportRuleReadback {
		return nil, nil
	}
	return &r, nil
}

// GetLiveStatus returns the configured telemetry with a fresh timestamp.
func (m *Mock) GetLiveStatus(ctx context.Context) (types.LiveStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return types.LiveStatus{}, m.Err
	}
	s := m.Status
	if s.CapturedAt.IsZero() {
		s.CapturedAt = time.Now()
	}
	return s, nil
}

// SetGridCharging records the change.
func (m *Mock) SetGridCharging(ctx context.Context, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.GridChargingChanges = append(m.GridChargingChanges, enabled)
	m.GridCharging = enabled
	return nil
}

// GetBatteryHealth returns the configured health reading.
func (m *Mock) GetBatteryHealth(ctx context.Context) (types.BatteryHealth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return types.BatteryHealth{}, m.Err
	}
	return m.Health, nil
}

// GetCalendarHistory returns the configured history.
func (m *Mock) GetCalendarHistory(ctx context.Context, start, end time.Time) ([]types.EnergyDay, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	return append([]types.EnergyDay(nil), m.History...), nil
}

// LastUploaded returns the most recently uploaded tariff, if any.
func (m *Mock) LastUploaded() (types.TariffDocument, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.UploadedTariffs) == 0 {
		return types.TariffDocument{}, false
	}
	return m.UploadedTariffs[len(m.UploadedTariffs)-1], true
}

// UploadCount returns how many tariffs have been uploaded.
func (m *Mock) UploadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.UploadedTariffs)
}
