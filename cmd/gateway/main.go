package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lora-osmnotes/gateway/internal/command"
	"github.com/lora-osmnotes/gateway/internal/config"
	"github.com/lora-osmnotes/gateway/internal/gateway"
	"github.com/lora-osmnotes/gateway/internal/httpadmin"
	"github.com/lora-osmnotes/gateway/internal/metrics"
	"github.com/lora-osmnotes/gateway/internal/notify"
	"github.com/lora-osmnotes/gateway/internal/osm"
	"github.com/lora-osmnotes/gateway/internal/poscache"
	"github.com/lora-osmnotes/gateway/internal/ratelimit"
	"github.com/lora-osmnotes/gateway/internal/store"
	"github.com/lora-osmnotes/gateway/internal/transport"
)

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "osmnotes-gateway").Logger()

	cfg := config.FromEnv()

	// Pretty logging for local dev
	if cfg.Env == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("failed to create data directory")
	}

	st, err := store.Open(cfg.DBPath(), cfg.Location())
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath()).Msg("failed to open database")
	}
	defer st.Close()

	cache := poscache.New(st)
	limiter := ratelimit.New(ratelimit.DefaultWindow, ratelimit.DefaultMax)
	parser := command.New(st, cache, limiter, command.Options{
		GPSBypass:   cfg.GPSValidationDisabled,
		FallbackLat: cfg.FallbackLat,
		FallbackLon: cfg.FallbackLon,
		DefaultLang: cfg.DefaultLanguage,
		Location:    cfg.Location(),
	})

	client := osm.NewClient(cfg.OSMAPIURL, cfg.DryRun)
	submitter := osm.NewSubmitter(st, client, cfg.DefaultLanguage)
	geocoder := osm.NewGeocoder(cfg.NominatimAPIURL)

	tr := transport.NewStreamAdapter(cfg.SerialPort)
	notifier := notify.New(tr, st, cfg.DefaultLanguage, osm.MaxRetries)
	mx := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.AdminAddr != "" {
		admin := &httpadmin.Server{Store: st, Transport: tr, Registry: mx.Registry}
		go admin.ListenAndServe(ctx, cfg.AdminAddr)
	}

	gw := gateway.New(gateway.Deps{
		Config:    cfg,
		Store:     st,
		Cache:     cache,
		Limiter:   limiter,
		Parser:    parser,
		Submitter: submitter,
		Geocoder:  geocoder,
		Notifier:  notifier,
		Transport: tr,
		Metrics:   mx,
	})

	if err := gw.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("gateway failed")
	}
}
