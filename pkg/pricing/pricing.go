// Package pricing provides a uniform read interface over the supported
// price sources: the retailer REST API, the wholesale market API, and a
// user-configured static rate card.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tousync/tousync/pkg/types"
)

// Error kinds surfaced by every source. Transport errors are retry eligible;
// auth errors are terminal for the invocation; missing data means the source
// responded but had nothing usable.
var (
	ErrTransport   = errors.New("transport error")
	ErrAuth        = errors.New("auth error")
	ErrMissingData = errors.New("missing data")
)

// Source is the uniform read interface over a price provider.
type Source interface {
	// Current returns the most recent known price per channel for the
	// current interval.
	Current(ctx context.Context) (types.PriceSnapshot, error)

	// Forecast returns forecast points for the given horizon, at the
	// source's native resolution.
	Forecast(ctx context.Context, horizon time.Duration) ([]types.PricePoint, error)

	// ApplySettings updates the source using the provided site settings.
	ApplySettings(ctx context.Context, settings types.Settings) error

	// Info describes the source.
	Info() types.PricingProviderInfo
}

// SettledSource is implemented by sources that publish finalized prices.
type SettledSource interface {
	Settled(ctx context.Context, start, end time.Time) ([]types.PricePoint, error)
}

// WholesaleSource is implemented by sources exposing the raw wholesale price
// for a market region, used by the spike manager.
type WholesaleSource interface {
	CurrentWholesaleCents(ctx context.Context, region string) (float64, error)
}

// CredentialedSource is implemented by sources that authenticate with a
// retailer token and site ID.
type CredentialedSource interface {
	SetCredentials(token, siteID string)
}

// Configured sets up the pricing sources and returns a Map.
func Configured() *Map {
	m := NewMap()
	m.SetSource("retailer", configuredRetailer())
	m.SetSource("wholesale", configuredWholesale())
	m.SetSource("ratecard", newRateCard())
	return m
}

// Map manages the configured pricing sources.
type Map struct {
	mu      sync.Mutex
	sources map[string]Source
}

// NewMap creates a new pricing Map.
func NewMap() *Map {
	return &Map{
		sources: make(map[string]Source),
	}
}

// Site returns the source selected by the settings, with the settings
// applied.
func (m *Map) Site(ctx context.Context, settings types.Settings) (Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	src, ok := m.sources[settings.PricingProvider]
	if !ok {
		return nil, fmt.Errorf("unknown pricing provider: %s", settings.PricingProvider)
	}
	if err := src.ApplySettings(ctx, settings); err != nil {
		return nil, err
	}
	return src, nil
}

// Wholesale returns a source exposing the raw wholesale price. The site's
// own provider is preferred when it qualifies; otherwise any configured
// wholesale source serves, so spike detection works for sites whose tariff
// provider is a retailer or rate card.
func (m *Map) Wholesale(ctx context.Context, settings types.Settings) (WholesaleSource, error) {
	if src, err := m.Site(ctx, settings); err == nil {
		if ws, ok := src.(WholesaleSource); ok {
			return ws, nil
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, src := range m.sources {
		if ws, ok := src.(WholesaleSource); ok {
			return ws, nil
		}
	}
	return nil, errors.New("no wholesale price source configured")
}

// SetCredentials pushes retailer credentials to every source that takes
// them.
func (m *Map) SetCredentials(token, siteID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, src := range m.sources {
		if cs, ok := src.(CredentialedSource); ok {
			cs.SetCredentials(token, siteID)
		}
	}
}

// SetSource sets the source for the given name. This is primarily used for
// testing.
func (m *Map) SetSource(name string, src Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[name] = src
}

// Infos lists the available sources.
func (m *Map) Infos() []types.PricingProviderInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]types.PricingProviderInfo, 0, len(m.sources))
	for _, s := range m.sources {
		infos = append(infos, s.Info())
	}
	return infos
}
