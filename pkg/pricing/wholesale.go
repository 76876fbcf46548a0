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
	"github.com/tousync/tousync/pkg/clock"
	"github.com/tousync/tousync/pkg/common"
	"github.com/tousync/tousync/pkg/log"
	"github.com/tousync/tousync/pkg/types"
)

// Wholesale implements Source for the market operator's API. Prices arrive
// as dollars per MWh keyed by region and are converted to cents/kWh.
// Current prices are 5-minute; settled prices publish at 30-minute
// resolution.
type Wholesale struct {
	apiURL string
	client *http.Client
	clk    clock.Clock

	mu            sync.Mutex
	region        string
	lastFetchTime time.Time
	cachedCents   float64
}

// configuredWholesale sets up flags for the wholesale source and returns the
// instance.
func configuredWholesale() *Wholesale {
	w := &Wholesale{
		client: common.HTTPClient(30 * time.Second),
		clk:    clock.Real(),
	}
	apiURL := lflag.String("wholesale-api-url", "https://visualisations.aemo.com.au/aemo/apps/api/report", "URL for the wholesale market API")

	lflag.Do(func() {
		w.apiURL = *apiURL
	})

	return w
}

// Info describes the wholesale source.
func (w *Wholesale) Info() types.PricingProviderInfo {
	return types.PricingProviderInfo{
		ID:        "wholesale",
		Name:      "Wholesale Market",
		Wholesale: true,
	}
}

// ApplySettings updates the market region.
func (w *Wholesale) ApplySettings(ctx context.Context, settings types.Settings) error {
	if settings.Region == "" {
		return fmt.Errorf("wholesale source requires a region")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.region = settings.Region
	return nil
}

type marketEntry struct {
	Region         string  `json:"region"`
	SettlementDate string  `json:"settlementDate"`
	RRP            float64 `json:"rrp"` // dollars per MWh
	PeriodType     string  `json:"periodType"`
	Forecast       bool    `json:"forecast,omitempty"`
}

// mwhDollarsToKWHCents converts $/MWh to cents/kWh.
func mwhDollarsToKWHCents(rrp float64) float64 {
	return rrp / 10.0
}

const marketTimeLayout = "2006-01-02T15:04:05"

// market settlement timestamps are NEM time (UTC+10, no DST)
var marketLocation = time.FixedZone("NEM", 10*60*60)

func (w *Wholesale) fetch(ctx context.Context, report string, params url.Values) ([]marketEntry, error) {
	u, err := url.Parse(w.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid api url: %w", err)
	}
	u.Path, err = url.JoinPath(u.Path, report)
	if err != nil {
		return nil, err
	}
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "fetching wholesale prices", slog.String("url", u.String()))

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: market api returned status %d", ErrTransport, resp.StatusCode)
	}

	var entries []marketEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("%w: failed to decode market response: %w", ErrTransport, err)
	}
	return entries, nil
}

func (w *Wholesale) regionLocked() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.region
}

// CurrentWholesaleCents returns the latest 5-minute wholesale price for the
// region in cents/kWh. Used by the spike manager; cached per minute.
func (w *Wholesale) CurrentWholesaleCents(ctx context.Context, region string) (float64, error) {
	now := w.clk.Now()
	w.mu.Lock()
	if !w.lastFetchTime.IsZero() && now.Sub(w.lastFetchTime) < time.Minute {
		cents := w.cachedCents
		w.mu.Unlock()
		return cents, nil
	}
	w.mu.Unlock()

	params := url.Values{}
	params.Set("region", region)
	entries, err := w.fetch(ctx, "5MIN", params)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, fmt.Errorf("%w: no current wholesale price for %s", ErrMissingData, region)
	}

	latest := entries[len(entries)-1]
	cents := mwhDollarsToKWHCents(latest.RRP)

	w.mu.Lock()
	w.cachedCents = cents
	w.lastFetchTime = now
	w.mu.Unlock()

	return cents, nil
}

func (w *Wholesale) pointsFromEntries(entries []marketEntry, duration time.Duration, kind types.PriceKind) []types.PricePoint {
	var points []types.PricePoint
	for _, e := range entries {
		t, err := time.ParseInLocation(marketTimeLayout, e.SettlementDate, marketLocation)
		if err != nil {
			continue
		}
		cents := mwhDollarsToKWHCents(e.RRP)
		k := kind
		if e.Forecast {
			k = types.PriceKindForecast
		}
		// settlement date marks the interval end
		start := t.Add(-duration)
		points = append(points, types.PricePoint{
			Provider:       "wholesale",
			TSStart:        start,
			TSEnd:          t,
			Channel:        types.ChannelImport,
			Kind:           k,
			PerKWHCents:    cents,
			WholesaleCents: cents,
			Region:         e.Region,
		})
		// the export channel mirrors the wholesale price: the consumer is
		// paid the wholesale rate, so the signed export price is negative
		points = append(points, types.PricePoint{
			Provider:       "wholesale",
			TSStart:        start,
			TSEnd:          t,
			Channel:        types.ChannelExport,
			Kind:           k,
			PerKWHCents:    -cents,
			WholesaleCents: cents,
			Region:         e.Region,
		})
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].TSStart.Before(points[j].TSStart)
	})
	return points
}

// Current returns the latest 5-minute price as a per-channel snapshot.
func (w *Wholesale) Current(ctx context.Context) (types.PriceSnapshot, error) {
	region := w.regionLocked()
	params := url.Values{}
	params.Set("region", region)
	entries, err := w.fetch(ctx, "5MIN", params)
	if err != nil {
		return types.PriceSnapshot{}, err
	}
	points := w.pointsFromEntries(entries, 5*time.Minute, types.PriceKindCurrent)
	if len(points) == 0 {
		return types.PriceSnapshot{}, fmt.Errorf("%w: no current price for %s", ErrMissingData, region)
	}

	var snap types.PriceSnapshot
	for i := len(points) - 1; i >= 0 && !snap.Complete(); i-- {
		p := points[i]
		switch p.Channel {
		case types.ChannelImport:
			if snap.Import == nil {
				snap.Import = &p
			}
		case types.ChannelExport:
			if snap.Export == nil {
				snap.Export = &p
			}
		}
	}
	return snap, nil
}

// Forecast returns predispatch forecast points covering the horizon at
// 30-minute resolution.
func (w *Wholesale) Forecast(ctx context.Context, horizon time.Duration) ([]types.PricePoint, error) {
	region := w.regionLocked()
	params := url.Values{}
	params.Set("region", region)
	entries, err := w.fetch(ctx, "PREDISPATCH", params)
	if err != nil {
		return nil, err
	}
	points := w.pointsFromEntries(entries, 30*time.Minute, types.PriceKindForecast)
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: no forecast for %s", ErrMissingData, region)
	}

	cutoff := w.clk.Now().Add(horizon)
	out := points[:0]
	for _, p := range points {
		if p.TSStart.Before(cutoff) {
			out = append(out, p)
		}
	}
	return out, nil
}

// Settled returns finalized 30-minute prices for the range.
func (w *Wholesale) Settled(ctx context.Context, start, end time.Time) ([]types.PricePoint, error) {
	region := w.regionLocked()
	params := url.Values{}
	params.Set("region", region)
	params.Set("start", start.In(marketLocation).Format(marketTimeLayout))
	params.Set("end", end.In(marketLocation).Format(marketTimeLayout))
	entries, err := w.fetch(ctx, "30MIN", params)
	if err != nil {
		return nil, err
	}
	points := w.pointsFromEntries(entries, 30*time.Minute, types.PriceKindSettled)
	out := points[:0]
	for _, p := range points {
		if !p.TSStart.Before(start) && !p.TSEnd.After(end) {
			out = append(out, p)
		}
	}
	return out, nil
}
