package risk

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"emabot/internal/strategy"
)

type RiskContext struct {
	Now           time.Time
	Symbol        string
	Price         float64
	PositionQty   int
	LastTradeTime time.Time
	// MaxNotional of zero disables the notional cap.
	MaxNotional   float64
	Cooldown      time.Duration
	KillSwitch    bool
	ExtendedHours bool
}

type ApprovedIntent struct {
	Intent strategy.TradeIntent
	Reason string
}

// Gate is the last check between a policy intent and the broker.
type Gate struct {
	Log zerolog.Logger
}

func (g Gate) Evaluate(intent strategy.TradeIntent, ctx RiskContext) (ApprovedIntent, error) {
	if intent.Action == strategy.Hold {
		return ApprovedIntent{Intent: intent, Reason: "hold"}, nil
	}

	price := ctx.Price
	if intent.OrderType == strategy.Limit && intent.LimitPrice > 0 {
		price = intent.LimitPrice
	}
	notional := price * float64(intent.Qty)
	log := g.Log.With().Str("symbol", ctx.Symbol).Str("intent", string(intent.Action)).Int("qty", intent.Qty).Logger()
	log.Debug().Int("position", ctx.PositionQty).Float64("price", price).Float64("notional", notional).Msg("risk evaluation")

	if ctx.KillSwitch {
		log.Info().Str("reason", "kill_switch_enabled").Msg("risk rejected")
		return ApprovedIntent{}, fmt.Errorf("kill_switch_enabled")
	}
	if !ctx.LastTradeTime.IsZero() && ctx.Now.Sub(ctx.LastTradeTime) < ctx.Cooldown {
		remaining := ctx.Cooldown - ctx.Now.Sub(ctx.LastTradeTime)
		log.Info().Str("reason", "cooldown_active").Dur("remaining", remaining).Msg("risk rejected")
		return ApprovedIntent{}, fmt.Errorf("cooldown_active")
	}
	if intent.Qty <= 0 {
		log.Info().Str("reason", "invalid_quantity").Msg("risk rejected")
		return ApprovedIntent{}, fmt.Errorf("invalid_quantity")
	}
	if intent.Action == strategy.Sell && ctx.PositionQty <= 0 {
		log.Info().Str("reason", "no_position_to_sell").Msg("risk rejected")
		return ApprovedIntent{}, fmt.Errorf("no_position_to_sell")
	}
	if intent.Action == strategy.Sell && intent.Qty > ctx.PositionQty {
		log.Info().Str("reason", "sell_exceeds_position").Int("position", ctx.PositionQty).Msg("risk rejected")
		return ApprovedIntent{}, fmt.Errorf("sell_exceeds_position")
	}
	if ctx.MaxNotional > 0 && intent.Action == strategy.Buy && notional > ctx.MaxNotional {
		log.Info().Str("reason", "max_notional_exceeded").Float64("notional", notional).Float64("max", ctx.MaxNotional).Msg("risk rejected")
		return ApprovedIntent{}, fmt.Errorf("max_notional_exceeded")
	}
	if ctx.ExtendedHours && intent.OrderType != strategy.Limit {
		log.Info().Str("reason", "extended_hours_requires_limit").Msg("risk rejected")
		return ApprovedIntent{}, fmt.Errorf("extended_hours_requires_limit")
	}

	log.Debug().Str("reason", intent.Reason).Msg("risk approved")
	return ApprovedIntent{Intent: intent, Reason: "approved"}, nil
}
