package pricing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tousync/tousync/pkg/types"
)

// rateCard implements Source for a user-configured static TOU rate card. It
// synthesizes price points by computing which card period covers each
// half-hour of the horizon. There is no dynamic data to sync.
type rateCard struct {
	mu       sync.Mutex
	card     types.RateCard
	location *time.Location
}

func newRateCard() *rateCard {
	return &rateCard{location: time.UTC}
}

// Info describes the rate card source.
func (t *rateCard) Info() types.PricingProviderInfo {
	return types.PricingProviderInfo{
		ID:     "ratecard",
		Name:   "TOU Rate Card",
		Static: true,
	}
}

// ApplySettings loads and validates the configured card.
func (t *rateCard) ApplySettings(ctx context.Context, settings types.Settings) error {
	if err := settings.RateCard.Validate(); err != nil {
		return fmt.Errorf("invalid rate card: %w", err)
	}

	loc := time.UTC
	locName := settings.RateCard.Location
	if locName == "" {
		locName = settings.Timezone
	}
	if locName != "" {
		var err error
		loc, err = time.LoadLocation(locName)
		if err != nil {
			return fmt.Errorf("failed to load location %s: %w", locName, err)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.card = settings.RateCard
	t.location = loc
	return nil
}

// pointsForSlot returns the import and export points for the half-hour slot
// starting at start (already in the card's location).
func (t *rateCard) pointsForSlot(start time.Time, kind types.PriceKind) []types.PricePoint {
	t.mu.Lock()
	card := t.card
	t.mu.Unlock()

	var buy, sell float64
	for i := range card.Periods {
		if card.Periods[i].Contains(start) {
			buy = card.Periods[i].BuyCents
			sell = card.Periods[i].SellCents
			break
		}
	}

	end := start.Add(30 * time.Minute)
	return []types.PricePoint{
		{
			Provider:    "ratecard",
			TSStart:     start,
			TSEnd:       end,
			Channel:     types.ChannelImport,
			Kind:        kind,
			PerKWHCents: buy,
		},
		{
			Provider: "ratecard",
			TSStart:  start,
			TSEnd:    end,
			Channel:  types.ChannelExport,
			Kind:     kind,
			// export pays the consumer, so the signed price is negative
			PerKWHCents: -sell,
		},
	}
}

func (t *rateCard) slotStart(at time.Time) time.Time {
	t.mu.Lock()
	loc := t.location
	t.mu.Unlock()

	at = at.In(loc)
	min := 0
	if at.Minute() >= 30 {
		min = 30
	}
	return time.Date(at.Year(), at.Month(), at.Day(), at.Hour(), min, 0, 0, loc)
}

// Current returns the card price for the present half-hour.
func (t *rateCard) Current(ctx context.Context) (types.PriceSnapshot, error) {
	points := t.pointsForSlot(t.slotStart(time.Now()), types.PriceKindCurrent)
	return types.PriceSnapshot{Import: &points[0], Export: &points[1]}, nil
}

// Forecast synthesizes half-hour points covering the horizon.
func (t *rateCard) Forecast(ctx context.Context, horizon time.Duration) ([]types.PricePoint, error) {
	slots := int(horizon / (30 * time.Minute))
	if slots < 1 {
		slots = 1
	}

	start := t.slotStart(time.Now())
	var points []types.PricePoint
	for i := 0; i < slots; i++ {
		points = append(points, t.pointsForSlot(start.Add(time.Duration(i)*30*time.Minute), types.PriceKindForecast)...)
	}
	return points, nil
}
