// Command seed fills a development state store with a plausible site so the
// server has data to show on first boot. Run it against the firestore
// emulator or a scratch local store.
package main

import (
	"context"
	"os"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/tousync/tousync/pkg/log"
	"github.com/tousync/tousync/pkg/settings"
	"github.com/tousync/tousync/pkg/storage"
	"github.com/tousync/tousync/pkg/types"
)

func main() {
	os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	s := storage.Configured()
	cfg := settings.Configured(s)
	lflag.Configure()

	ctx := context.Background()

	log.Ctx(ctx).InfoContext(ctx, "seeding mock data")

	if err := cfg.Load(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to load settings", "error", err)
		os.Exit(1)
	}

	// A static TOU card keeps the scheduler busy without any external API.
	card := types.RateCard{
		Location: "Australia/Sydney",
		Periods: []types.RateCardPeriod{
			{Name: "Night", HourStart: 0, HourEnd: 7, BuyCents: 18, SellCents: 5},
			{Name: "Day", HourStart: 7, HourEnd: 16, BuyCents: 28, SellCents: 7},
			{Name: "Peak", HourStart: 16, HourEnd: 21, BuyCents: 45, SellCents: 12},
			{Name: "Evening", HourStart: 21, HourEnd: 24, BuyCents: 28, SellCents: 7},
		},
	}
	if err := card.Validate(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "seed rate card invalid", "error", err)
		os.Exit(1)
	}

	_, err := cfg.Update(ctx, func(next *types.Settings) error {
		next.Timezone = "Australia/Sydney"
		next.PricingProvider = "ratecard"
		next.RateCard = card
		next.BatteryProvider = "cloud"
		next.DryRun = true
		next.CurtailmentEnabled = true
		next.PlanUtility = "Seed Energy"
		next.PlanCode = "SEED-DEV"
		return nil
	})
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to seed settings", "error", err)
		os.Exit(1)
	}

	// A recent pack health reading so the health views render.
	health := types.BatteryHealth{
		CapacityKWH:    13.5,
		FullPackEnergy: 13.1,
		NominalEnergy:  13.5,
		PercentHealthy: 97.0,
		MeasuredAt:     time.Now().UTC().Add(-6 * time.Hour),
		GatewaySerial:  "SEED0000001",
	}
	if err := s.Set(ctx, storage.KeyBatteryHealth, health); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to seed battery health", "error", err)
		os.Exit(1)
	}

	if err := s.Close(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "seeded mock data successfully")
}
