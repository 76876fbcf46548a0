package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/tousync/tousync/pkg/common"
	"github.com/tousync/tousync/pkg/log"
	"github.com/tousync/tousync/pkg/types"
)

// Retailer implements Source for the retailer's REST API. It retrieves
// per-channel forecast and settled prices at 30-minute granularity.
type Retailer struct {
	apiURL string
	client *http.Client

	mu            sync.Mutex
	token         string
	siteID        string
	forecastClass string
	lastFetchTime time.Time
	cachedPoints  []types.PricePoint
}

// configuredRetailer sets up flags for the retailer source and returns the
// instance.
func configuredRetailer() *Retailer {
	r := &Retailer{
		client: common.HTTPClient(30 * time.Second),
	}
	apiURL := lflag.String("retailer-api-url", "https://api.amber.com.au/v1", "URL for the retailer pricing API")

	lflag.Do(func() {
		r.apiURL = *apiURL
	})

	return r
}

// Info describes the retailer source.
func (r *Retailer) Info() types.PricingProviderInfo {
	return types.PricingProviderInfo{
		ID:   "retailer",
		Name: "Retailer API",
	}
}

// ApplySettings updates credentials and the forecast uncertainty class.
func (r *Retailer) ApplySettings(ctx context.Context, settings types.Settings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forecastClass = settings.ForecastClass
	if r.forecastClass == "" {
		r.forecastClass = "predicted"
	}
	// token and siteID arrive via SetCredentials once decrypted
	return nil
}

// SetCredentials installs the API token and site identifier.
func (r *Retailer) SetCredentials(token, siteID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.token = token
	r.siteID = siteID
}

type retailerAdvancedPrice struct {
	Low       float64 `json:"low"`
	Predicted float64 `json:"predicted"`
	High      float64 `json:"high"`
}

type retailerInterval struct {
	Type          string                 `json:"type"` // ActualInterval, CurrentInterval, ForecastInterval
	ChannelType   string                 `json:"channelType"`
	PerKwh        float64                `json:"perKwh"`
	StartTime     time.Time              `json:"startTime"`
	EndTime       time.Time              `json:"endTime"`
	Duration      int                    `json:"duration"`
	AdvancedPrice *retailerAdvancedPrice `json:"advancedPrice,omitempty"`
}

// channelFromType transcribes the wire channel names: general -> import,
// feedIn -> export. Controlled-load channels are ignored.
func channelFromType(ct string) (types.Channel, bool) {
	switch ct {
	case "general":
		return types.ChannelImport, true
	case "feedIn":
		return types.ChannelExport, true
	}
	return "", false
}

func kindFromType(t string) types.PriceKind {
	switch t {
	case "ActualInterval":
		return types.PriceKindSettled
	case "CurrentInterval":
		return types.PriceKindCurrent
	}
	return types.PriceKindForecast
}

func (r *Retailer) fetch(ctx context.Context, path string, params url.Values, dest interface{}) error {
	r.mu.Lock()
	token := r.token
	siteID := r.siteID
	r.mu.Unlock()

	if token == "" || siteID == "" {
		return fmt.Errorf("%w: retailer credentials not configured", ErrAuth)
	}

	u, err := url.Parse(r.apiURL)
	if err != nil {
		return fmt.Errorf("invalid api url: %w", err)
	}
	u.Path, err = url.JoinPath(u.Path, "sites", siteID, path)
	if err != nil {
		return err
	}
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: retailer api returned status %d", ErrAuth, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: retailer api returned status %d", ErrTransport, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode retailer response", slog.Any("error", err))
		return fmt.Errorf("%w: failed to decode response: %w", ErrTransport, err)
	}
	return nil
}

// fetchCurrent retrieves current + forecast intervals, cached per 5-minute
// block.
func (r *Retailer) fetchCurrent(ctx context.Context, next int) ([]types.PricePoint, error) {
	now := time.Now().UTC()

	r.mu.Lock()
	if !r.lastFetchTime.IsZero() && !now.Truncate(5*time.Minute).After(r.lastFetchTime) && len(r.cachedPoints) > 0 {
		points := r.cachedPoints
		r.mu.Unlock()
		return points, nil
	}
	forecastClass := r.forecastClass
	r.mu.Unlock()

	params := url.Values{}
	params.Set("next", fmt.Sprintf("%d", next))
	params.Set("resolution", "30")

	var intervals []retailerInterval
	if err := r.fetch(ctx, "prices/current", params, &intervals); err != nil {
		return nil, err
	}

	points := make([]types.PricePoint, 0, len(intervals))
	for _, iv := range intervals {
		ch, ok := channelFromType(iv.ChannelType)
		if !ok {
			continue
		}
		kind := kindFromType(iv.Type)
		cents := iv.PerKwh
		if kind == types.PriceKindForecast && iv.AdvancedPrice != nil {
			switch forecastClass {
			case "conservative":
				cents = iv.AdvancedPrice.High
			case "optimistic":
				cents = iv.AdvancedPrice.Low
			default:
				cents = iv.AdvancedPrice.Predicted
			}
		}
		points = append(points, types.PricePoint{
			Provider:    "retailer",
			TSStart:     iv.StartTime,
			TSEnd:       iv.EndTime,
			Channel:     ch,
			Kind:        kind,
			PerKWHCents: cents,
		})
	}

	sort.Slice(points, func(i, j int) bool {
		return points[i].TSStart.Before(points[j].TSStart)
	})

	r.mu.Lock()
	r.cachedPoints = points
	r.lastFetchTime = now
	r.mu.Unlock()

	return points, nil
}

// Current returns the latest per-channel price for the current interval.
func (r *Retailer) Current(ctx context.Context) (types.PriceSnapshot, error) {
	points, err := r.fetchCurrent(ctx, 1)
	if err != nil {
		return types.PriceSnapshot{}, err
	}

	var snap types.PriceSnapshot
	for i := range points {
		p := points[i]
		if p.Kind != types.PriceKindCurrent {
			continue
		}
		switch p.Channel {
		case types.ChannelImport:
			snap.Import = &p
		case types.ChannelExport:
			snap.Export = &p
		}
	}
	if snap.Import == nil && snap.Export == nil {
		return types.PriceSnapshot{}, fmt.Errorf("%w: no current interval in retailer response", ErrMissingData)
	}
	return snap, nil
}

// Forecast returns forecast points covering the horizon.
func (r *Retailer) Forecast(ctx context.Context, horizon time.Duration) ([]types.PricePoint, error) {
	intervals := int(horizon / (30 * time.Minute))
	if intervals < 1 {
		intervals = 1
	}
	points, err := r.fetchCurrent(ctx, intervals)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: retailer returned no forecast", ErrMissingData)
	}
	return points, nil
}

// Settled returns finalized prices for the given range.
func (r *Retailer) Settled(ctx context.Context, start, end time.Time) ([]types.PricePoint, error) {
	params := url.Values{}
	params.Set("startDate", start.UTC().Format("2006-01-02"))
	params.Set("endDate", end.UTC().Format("2006-01-02"))
	params.Set("resolution", "30")

	var intervals []retailerInterval
	if err := r.fetch(ctx, "prices", params, &intervals); err != nil {
		return nil, err
	}

	var points []types.PricePoint
	for _, iv := range intervals {
		if kindFromType(iv.Type) != types.PriceKindSettled {
			continue
		}
		ch, ok := channelFromType(iv.ChannelType)
		if !ok {
			continue
		}
		if iv.EndTime.Before(start) || iv.StartTime.After(end) {
			continue
		}
		points = append(points, types.PricePoint{
			Provider:    "retailer",
			TSStart:     iv.StartTime,
			TSEnd:       iv.EndTime,
			Channel:     ch,
			Kind:        types.PriceKindSettled,
			PerKWHCents: iv.PerKwh,
		})
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].TSStart.Before(points[j].TSStart)
	})
	return points, nil
}
