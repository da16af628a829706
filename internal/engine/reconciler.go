package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"emabot/internal/state"
)

// ReconcileLoop refreshes the stored position of every symbol until ctx is done.
func ReconcileLoop(ctx context.Context, brokerClient Broker, store *state.Store, symbols []string, interval time.Duration, log zerolog.Logger) {
	log = log.With().Str("component", "reconciler").Logger()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	reconcileOnce(ctx, brokerClient, store, symbols, log)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reconcileOnce(ctx, brokerClient, store, symbols, log)
		}
	}
}

func reconcileOnce(ctx context.Context, brokerClient Broker, store *state.Store, symbols []string, log zerolog.Logger) {
	for _, symbol := range symbols {
		position, err := brokerClient.Position(ctx, symbol)
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("reconcile position failed")
			continue
		}
		store.UpdatePosition(symbol, state.Position{Qty: position.Qty, AvgEntry: position.AvgEntry})
	}

	account, err := brokerClient.Account(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("reconcile account failed")
		return
	}
	log.Info().Float64("equity", account.Equity).Float64("buying_power", account.BuyingPower).Msg("account reconciled")
}
