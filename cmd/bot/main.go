package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"emabot/internal/broker"
	"emabot/internal/config"
	"emabot/internal/engine"
	"emabot/internal/logging"
	"emabot/internal/md"
	"emabot/internal/state"
	"emabot/internal/web"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	runID := generateRunID()
	log := logging.New(cfg.LogLevel, cfg.LogFormat).With().Str("run_id", runID).Logger()

	decisions, err := engine.NewDecisionLogger(cfg.DecisionsPath, runID, log)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DecisionsPath).Msg("decision logger error")
	}
	defer func() {
		if err := decisions.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close decision logger")
		}
	}()

	store := state.NewStore()
	if err := store.Load(cfg.CheckpointPath); err == nil {
		log.Info().Str("path", cfg.CheckpointPath).Msg("loaded checkpoint")
	}
	if cfg.APIKey == "" {
		log.Warn().Msg("no API credentials, data and broker calls will fail until they are provided")
	}

	brokerClient := broker.New(cfg.APIKey, cfg.APISecret, cfg.BaseURL, log)
	history := md.NewHistory(cfg.APIKey, cfg.APISecret, cfg.Feed, cfg.Bars, log)
	eng := engine.New(cfg, brokerClient, history, store, decisions, log)
	hub := web.NewHub(log)
	eng.SetPublisher(hub)
	server := web.NewServer(eng, store, hub, log)
	driver := engine.NewDriver(eng, store, eng.Symbols(), cfg.Bars, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("mode", string(cfg.Mode)).
		Str("trigger", string(cfg.Trigger)).
		Str("interval", cfg.Bars.Name).
		Int("lookback", cfg.Lookback).
		Str("feed", cfg.Feed).
		Strs("symbols", eng.Symbols()).
		Msg("starting bot")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx, cfg.HTTPAddr)
	})
	if cfg.Mode != config.ModeDryRun {
		g.Go(func() error {
			engine.ReconcileLoop(gctx, brokerClient, store, eng.Symbols(), cfg.ReconcileInterval, log)
			return nil
		})
	}
	g.Go(func() error {
		if cfg.Trigger == config.TriggerStream {
			stream := md.NewStream(cfg.APIKey, cfg.APISecret, cfg.Feed, log)
			return driver.RunStream(gctx, stream.Subscribe)
		}
		return driver.RunClock(gctx, cfg.PollPeriod)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("bot stopped with error")
	}

	if err := store.Save(cfg.CheckpointPath); err != nil {
		log.Error().Err(err).Str("path", cfg.CheckpointPath).Msg("failed to save checkpoint")
	}
	log.Info().Msg("bot shutdown complete")
}

func generateRunID() string {
	timestamp := time.Now().UTC().Format("20060102T150405")
	return timestamp + "-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
}
