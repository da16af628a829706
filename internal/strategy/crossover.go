package strategy

import (
	"math"
)

// Deviation is a relative price move that may be unbounded when no reference price exists.
type Deviation struct {
	value   float64
	bounded bool
}

func Unbounded() Deviation { return Deviation{} }

func DeviationOf(v float64) Deviation { return Deviation{value: v, bounded: true} }

func (d Deviation) Value() (float64, bool) { return d.value, d.bounded }

// Exceeds reports d > threshold. Unbounded exceeds every threshold, +Inf included.
func (d Deviation) Exceeds(threshold float64) bool {
	if !d.bounded {
		return true
	}
	return d.value > threshold
}

// LastBuy returns the most recent buy-side fill.
func LastBuy(ops []Operation) (Operation, bool) {
	for _, op := range ops {
		if op.Side == Buy {
			return op, true
		}
	}
	return Operation{}, false
}

// LastTradeDeviation is |close/lastBuyPrice - 1|, or Unbounded without a usable buy fill.
func LastTradeDeviation(ops []Operation, price float64) Deviation {
	op, ok := LastBuy(ops)
	if !ok || op.Price <= 0 {
		return Unbounded()
	}
	return DeviationOf(math.Abs(price/op.Price - 1))
}

// Crossover turns the latest annotated bar into at most one order intent.
// It holds no state; identical snapshots yield identical intents.
type Crossover struct {
	Params Params
}

func NewCrossover(params Params) Crossover {
	return Crossover{Params: params}
}

func (c Crossover) Decide(s MarketSnapshot) TradeIntent {
	switch s.Bar.Signal {
	case BuySignal:
		return c.decideBuy(s)
	case SellSignal:
		return c.decideSell(s)
	default:
		return hold("no_signal")
	}
}

func (c Crossover) decideBuy(s MarketSnapshot) TradeIntent {
	p := c.Params
	price := s.Bar.Close

	if s.Position.Qty <= 0 {
		if p.Exclusivity == ExclusiveAll && s.PendingOrders > 0 {
			return hold("pending_order")
		}
		return TradeIntent{Action: Buy, Qty: p.OpeningQty(), OrderType: Market, Reason: "open_position"}
	}

	if p.Exclusivity != ExclusiveExits && s.PendingOrders > 0 {
		return hold("pending_order")
	}
	if s.Position.Qty >= p.PositionLimit {
		return hold("position_limit")
	}

	switch p.AddGate {
	case GateEntryDrawdown:
		if s.Position.AvgEntry <= 0 || price <= 0 {
			return hold("missing_average_entry")
		}
		vol, ok := s.Volatility.Value()
		if !ok {
			return hold("volatility_unavailable")
		}
		if !DeviationOf(s.Position.AvgEntry/price - 1).Exceeds(vol * p.BuyDeviationThreshold) {
			return hold("deviation_below_threshold")
		}
	default:
		if !LastTradeDeviation(s.Operations, price).Exceeds(p.VolatilityThreshold) {
			return hold("deviation_below_threshold")
		}
	}

	if p.AddSizing == SizeLotCover {
		if p.LotSize <= 0 {
			return hold("lot_size_unavailable")
		}
		qty := p.Quantity
		if op, ok := LastBuy(s.Operations); ok && op.Qty > 0 {
			qty = int(math.Ceil(op.Qty / float64(p.LotSize)))
		}
		return TradeIntent{Action: Buy, Qty: qty, OrderType: Limit, LimitPrice: price, Reason: "add_position"}
	}
	return TradeIntent{Action: Buy, Qty: p.Quantity, OrderType: Market, Reason: "add_position"}
}

func (c Crossover) decideSell(s MarketSnapshot) TradeIntent {
	p := c.Params
	if s.Position.Qty <= 0 {
		return hold("no_position")
	}
	if s.Position.AvgEntry <= 0 {
		return hold("missing_average_entry")
	}
	if s.PendingOrders > 0 {
		return hold("pending_order")
	}
	profit := s.Bar.Close/s.Position.AvgEntry - 1
	if !(profit > p.ProfitThreshold) {
		return hold("profit_below_threshold")
	}
	intent := TradeIntent{Action: Sell, Qty: s.Position.Qty, OrderType: Market, Reason: "take_profit"}
	if p.SellOrder == Limit {
		intent.OrderType = Limit
		intent.LimitPrice = s.Bar.Close
	}
	return intent
}
