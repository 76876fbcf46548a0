package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tousync/tousync/pkg/battery"
	"github.com/tousync/tousync/pkg/clock"
	"github.com/tousync/tousync/pkg/curtail"
	"github.com/tousync/tousync/pkg/events"
	"github.com/tousync/tousync/pkg/force"
	"github.com/tousync/tousync/pkg/log"
	"github.com/tousync/tousync/pkg/pricing"
	"github.com/tousync/tousync/pkg/scheduler"
	"github.com/tousync/tousync/pkg/server"
	"github.com/tousync/tousync/pkg/settings"
	"github.com/tousync/tousync/pkg/spike"
	"github.com/tousync/tousync/pkg/storage"
	"github.com/tousync/tousync/pkg/stream"
	"github.com/tousync/tousync/pkg/types"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

func main() {
	// init packages
	store := storage.Configured()
	cfg := settings.Configured(store)
	prices := pricing.Configured()
	batteries := battery.Configured()
	feed := stream.Configured()
	inverter := curtail.ConfiguredInverter()

	bus := events.NewBus()
	sched := scheduler.New(scheduler.Config{
		Pricing:   prices,
		Batteries: batteries,
		Stream:    feed,
		Events:    bus,
		Settings:  cfg.Func(),
	})
	spiker := spike.New(spike.Config{
		Pricing:   prices,
		Batteries: batteries,
		Events:    bus,
		Settings:  cfg.Func(),
	})
	forcer := force.New(force.Config{
		Pricing:   prices,
		Batteries: batteries,
		Store:     store,
		Events:    bus,
		Settings:  cfg.Func(),
		Resync:    sched.SyncNow,
	})
	curtailer := curtail.New(curtail.Config{
		Pricing:   prices,
		Batteries: batteries,
		Stream:    feed,
		Store:     store,
		Events:    bus,
		Settings:  cfg.Func(),
		Inverter:  inverter,
	})

	srv := server.Configured(server.Deps{
		Scheduler: sched,
		Spike:     spiker,
		Force:     forcer,
		Curtail:   curtailer,
		Batteries: batteries,
		Pricing:   prices,
		Stream:    feed,
		Store:     store,
		Settings:  cfg,
		Events:    bus,
	})

	// fan decrypted credentials out to the adapters on load and on every
	// settings save; a vendor login refreshing the cached token reports
	// changed creds so they get re-sealed
	cfg.OnApply(func(ctx context.Context, s types.Settings, creds types.Credentials) (types.Credentials, bool) {
		if creds.Retailer != nil {
			prices.SetCredentials(creds.Retailer.APIToken, creds.Retailer.SiteID)
			feed.SetCredentials(creds.Retailer.APIToken, creds.Retailer.SiteID)
		}
		if creds.Battery == nil || s.BatteryProvider == "" {
			return creds, false
		}
		ctrl, err := batteries.Site(ctx, s)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "cannot authenticate battery provider", "error", err)
			return creds, false
		}
		updated, changed, err := ctrl.Authenticate(ctx, creds)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "battery authentication failed", "error", err)
			return creds, false
		}
		return updated, changed
	})

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(log.NewRedactingHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})))
	slog.SetDefault(logger)
	log.SetDefaultLogLevel(level)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		if err := store.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	if err := cfg.Load(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to load settings", "error", err)
		os.Exit(1)
	}

	// restart recovery: re-arm force expiry, reload curtailment state
	if err := forcer.Recover(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "force mode recovery failed", "error", err)
	}
	if err := curtailer.Recover(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "curtailment recovery failed", "error", err)
	}

	// the dispatcher serializes all scheduled work on one loop
	disp := clock.NewDispatcher(clock.Real())
	sched.AddOverride(forcer)
	sched.AddOverride(spiker)
	sched.Register(ctx, disp)
	spiker.Register(disp)
	curtailer.Register(ctx, disp)

	feed.EnsureRunning(ctx)
	defer feed.Stop()

	go func() {
		if err := disp.Run(ctx); err != nil && ctx.Err() == nil {
			log.Ctx(ctx).ErrorContext(ctx, "dispatcher exited", "error", err)
		}
	}()

	// Run blocks until the context is canceled or an error happens
	if err := srv.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}
