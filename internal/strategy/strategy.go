package strategy

import "time"

type Action string

const (
	Hold Action = "HOLD"
	Buy  Action = "BUY"
	Sell Action = "SELL"
)

type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

// Position is the broker's view of one holding. AvgEntry is meaningless when Qty is zero.
type Position struct {
	Qty      int
	AvgEntry float64
}

// Operation is one executed fill.
type Operation struct {
	Price float64
	Qty   float64
	Side  Action
	Time  time.Time
}

type MarketSnapshot struct {
	Timestamp     time.Time
	Bar           Bar
	Volatility    Volatility
	Position      Position
	PendingOrders int
	// Operations are ordered most recent first.
	Operations []Operation
	LotSize    int
}

type TradeIntent struct {
	Action     Action
	Qty        int
	OrderType  OrderType
	LimitPrice float64
	Reason     string
}

func hold(reason string) TradeIntent {
	return TradeIntent{Action: Hold, Reason: reason}
}

type Strategy interface {
	Decide(snapshot MarketSnapshot) TradeIntent
}
