package engine

import (
	"context"
	"errors"
	"fmt"

	"emabot/internal/md"
	"emabot/internal/state"
	"emabot/internal/strategy"
)

// ErrNoView means no view was ever computed for the symbol and a fresh one failed.
var ErrNoView = errors.New("view unavailable")

// View recomputes the read model for symbol. When the data source or broker
// fails, the last successfully computed view is returned instead.
func (e *Engine) View(ctx context.Context, symbol string) (state.View, error) {
	inst, ok := e.instruments[symbol]
	if !ok {
		return state.View{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	view, err := e.freshView(ctx, inst.Symbol, inst.Strategy)
	if err == nil {
		e.state.SetView(view)
		return view, nil
	}
	if stored, ok := e.state.View(symbol); ok {
		e.log.Warn().Err(err).Str("symbol", symbol).Time("updated_at", stored.UpdatedAt).Msg("serving last computed view")
		return stored, nil
	}
	return state.View{}, fmt.Errorf("%w: %v", ErrNoView, err)
}

func (e *Engine) freshView(ctx context.Context, symbol string, params strategy.Params) (state.View, error) {
	now := e.now()
	from, to := e.cfg.Bars.Window(now, e.cfg.Lookback)
	bars, err := e.bars.FetchBars(ctx, symbol, from, to)
	if err != nil {
		return state.View{}, fmt.Errorf("fetch candles: %w", err)
	}
	pos, err := e.broker.Position(ctx, symbol)
	if err != nil {
		return state.View{}, fmt.Errorf("fetch position: %w", err)
	}
	position := state.Position{Qty: pos.Qty, AvgEntry: pos.AvgEntry}
	e.state.UpdatePosition(symbol, position)
	series := strategy.Annotate(md.Candles(bars), params)
	return state.NewView(symbol, series, position, now), nil
}
