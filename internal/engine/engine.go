package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/rs/zerolog"

	"emabot/internal/broker"
	"emabot/internal/config"
	"emabot/internal/md"
	"emabot/internal/metrics"
	"emabot/internal/risk"
	"emabot/internal/state"
	"emabot/internal/strategy"
)

// ErrUnknownSymbol is returned for symbols that are not configured instruments.
var ErrUnknownSymbol = errors.New("unknown symbol")

// BarSource returns candles for symbol inside [from, to], oldest first.
type BarSource interface {
	FetchBars(ctx context.Context, symbol string, from, to time.Time) ([]md.Bar, error)
}

type Broker interface {
	Position(ctx context.Context, symbol string) (broker.Position, error)
	OpenOrders(ctx context.Context, symbol string) ([]broker.OrderRef, error)
	RecentOperations(ctx context.Context, symbol string, from, to time.Time) ([]broker.Operation, error)
	PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderRef, error)
	Account(ctx context.Context) (broker.Account, error)
}

// Publisher receives every decision after it is logged.
type Publisher interface {
	Publish(decision Decision)
}

type Engine struct {
	cfg         config.Config
	instruments map[string]config.Instrument
	policies    map[string]strategy.Strategy
	gate        risk.Gate
	broker      Broker
	bars        BarSource
	state       *state.Store
	decisions   *DecisionLogger
	publisher   Publisher
	log         zerolog.Logger
	runID       string
	orderSeqNum uint64
	now         func() time.Time
}

func New(cfg config.Config, brokerClient Broker, bars BarSource, stateStore *state.Store, decisions *DecisionLogger, log zerolog.Logger) *Engine {
	e := &Engine{
		cfg:         cfg,
		instruments: make(map[string]config.Instrument, len(cfg.Instruments)),
		policies:    make(map[string]strategy.Strategy, len(cfg.Instruments)),
		broker:      brokerClient,
		bars:        bars,
		state:       stateStore,
		decisions:   decisions,
		log:         log.With().Str("component", "engine").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	e.gate = risk.Gate{Log: e.log}
	if decisions != nil {
		e.runID = decisions.RunID()
	}
	for _, inst := range cfg.Instruments {
		e.instruments[inst.Symbol] = inst
		e.policies[inst.Symbol] = strategy.NewCrossover(inst.Strategy)
		stateStore.Track(inst.Symbol)
	}
	return e
}

// SetPublisher attaches a sink that sees every decision, typically the websocket hub.
func (e *Engine) SetPublisher(p Publisher) {
	e.publisher = p
}

func (e *Engine) Symbols() []string {
	out := make([]string, 0, len(e.cfg.Instruments))
	for _, inst := range e.cfg.Instruments {
		out = append(out, inst.Symbol)
	}
	return out
}

// Cycle runs fetch, annotate, decide, gate and submit for one symbol as of at.
// A returned error means the cycle aborted before a decision could be made and
// the same bar should be evaluated again. Submission failures are not errors.
func (e *Engine) Cycle(ctx context.Context, symbol string, at time.Time) (Decision, error) {
	inst, ok := e.instruments[symbol]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	start := time.Now()
	defer func() {
		metrics.CycleDuration.WithLabelValues(symbol).Observe(time.Since(start).Seconds())
	}()

	decision := Decision{
		RunID:     e.runID,
		Timestamp: e.now(),
		BarTime:   at,
		Symbol:    symbol,
	}
	log := e.log.With().Str("symbol", symbol).Time("bar_time", at).Logger()

	from, to := e.cfg.Bars.Window(at, e.cfg.Lookback)
	bars, err := e.bars.FetchBars(ctx, symbol, from, to)
	if err != nil {
		log.Error().Err(err).Msg("fetch candles failed")
		decision.Result = ResultFetchFailed
		decision.RejectReason = err.Error()
		e.record(decision)
		return decision, fmt.Errorf("fetch candles: %w", err)
	}

	series := strategy.Annotate(md.Candles(bars), inst.Strategy)
	decision.Bars = len(series.Bars)
	if len(series.Bars) < 2 {
		log.Info().Int("bars", len(series.Bars)).Msg("insufficient history, holding")
		decision.Result = ResultNoHistory
		decision.Intent = strategy.Hold
		e.record(decision)
		return decision, nil
	}
	last, _ := series.Last()
	decision.Close = last.Close
	decision.FastEMA = last.FastEMA
	decision.SlowEMA = last.SlowEMA
	decision.TrendEMA = last.TrendEMA
	decision.Signal = last.Signal

	pos, err := e.broker.Position(ctx, symbol)
	if err != nil {
		log.Error().Err(err).Msg("fetch position failed")
		decision.Result = ResultSnapshotFailed
		decision.RejectReason = err.Error()
		e.record(decision)
		return decision, fmt.Errorf("fetch position: %w", err)
	}
	position := state.Position{Qty: pos.Qty, AvgEntry: pos.AvgEntry}
	decision.PositionQty = position.Qty
	decision.AvgEntry = position.AvgEntry
	e.state.UpdatePosition(symbol, position)
	e.state.SetView(state.NewView(symbol, series, position, e.now()))

	if last.Signal != strategy.NoSignal {
		metrics.SignalsTotal.WithLabelValues(symbol, last.Signal.String()).Inc()
	}

	snapshot := strategy.MarketSnapshot{
		Timestamp:  at,
		Bar:        last,
		Volatility: series.Volatility,
		Position:   strategy.Position{Qty: position.Qty, AvgEntry: position.AvgEntry},
		LotSize:    inst.Strategy.LotSize,
	}
	if last.Signal != strategy.NoSignal {
		if err := e.fillHistory(ctx, &snapshot, symbol, at); err != nil {
			log.Error().Err(err).Msg("fetch order history failed")
			decision.Result = ResultSnapshotFailed
			decision.RejectReason = err.Error()
			e.record(decision)
			return decision, err
		}
	}

	intent := e.policies[symbol].Decide(snapshot)
	if e.cfg.ExtendedHours {
		intent = limitAtClose(intent, last.Close)
	}
	decision.Intent = intent.Action
	decision.IntentQty = intent.Qty
	decision.OrderType = intent.OrderType
	decision.LimitPrice = intent.LimitPrice
	decision.Reason = intent.Reason

	lastTrade := time.Time{}
	if rec, ok := e.state.Instrument(symbol); ok {
		lastTrade = rec.LastTradeTime
	}
	approved, err := e.gate.Evaluate(intent, risk.RiskContext{
		Now:           e.now(),
		Symbol:        symbol,
		Price:         last.Close,
		PositionQty:   position.Qty,
		LastTradeTime: lastTrade,
		MaxNotional:   e.cfg.MaxNotional,
		Cooldown:      e.cfg.Cooldown,
		KillSwitch:    e.cfg.KillSwitch,
		ExtendedHours: e.cfg.ExtendedHours,
	})
	if err != nil {
		decision.Result = ResultRejected
		decision.RejectReason = err.Error()
		e.record(decision)
		return decision, nil
	}
	decision.ApprovalReason = approved.Reason

	if intent.Action == strategy.Hold {
		log.Debug().Str("signal", last.Signal.String()).Str("reason", intent.Reason).Float64("close", last.Close).Msg("hold")
		decision.Result = ResultHold
		e.record(decision)
		return decision, nil
	}

	if e.cfg.Mode == config.ModeDryRun {
		log.Info().
			Str("signal", last.Signal.String()).
			Str("intent", string(intent.Action)).
			Int("qty", intent.Qty).
			Float64("price", last.Close).
			Int("lots", position.Qty).
			Msg("dry run, order not submitted")
		decision.Result = ResultDryRun
		e.record(decision)
		return decision, nil
	}

	orderReq, err := e.buildOrder(symbol, approved.Intent)
	if err != nil {
		log.Error().Err(err).Msg("build order failed")
		decision.Result = ResultBuildFailed
		decision.RejectReason = err.Error()
		e.record(decision)
		return decision, nil
	}

	orderRef, err := e.broker.PlaceOrder(ctx, orderReq)
	if err != nil {
		log.Error().Err(err).
			Str("signal", last.Signal.String()).
			Str("intent", string(intent.Action)).
			Int("qty", intent.Qty).
			Float64("price", last.Close).
			Msg("order submission failed")
		decision.Result = ResultOrderFailed
		decision.RejectReason = err.Error()
		decision.ClientOrderID = orderReq.ClientOrderID
		e.record(decision)
		return decision, nil
	}

	e.state.SetLastTradeTime(symbol, e.now())
	metrics.OrdersTotal.WithLabelValues(symbol, string(orderReq.Side), string(orderReq.Type)).Inc()

	decision.Result = ResultSubmitted
	decision.OrderID = orderRef.ID
	decision.ClientOrderID = orderRef.ClientOrderID
	decision.ExecutedQty = orderRef.FilledQty
	e.record(decision)

	log.Info().
		Time("timestamp", decision.Timestamp).
		Str("signal", last.Signal.String()).
		Str("side", string(orderReq.Side)).
		Str("type", string(orderReq.Type)).
		Int("qty", orderReq.Qty).
		Float64("price", last.Close).
		Int("lots", position.Qty).
		Int("executed_lots", orderRef.FilledQty).
		Str("order_id", orderRef.ID).
		Str("client_order_id", orderRef.ClientOrderID).
		Msg("order submitted")
	return decision, nil
}

// fillHistory loads pending orders and recent fills for the decision snapshot.
func (e *Engine) fillHistory(ctx context.Context, snapshot *strategy.MarketSnapshot, symbol string, at time.Time) error {
	orders, err := e.broker.OpenOrders(ctx, symbol)
	if err != nil {
		return fmt.Errorf("fetch open orders: %w", err)
	}
	snapshot.PendingOrders = len(orders)

	if snapshot.Bar.Signal != strategy.BuySignal || snapshot.Position.Qty <= 0 {
		return nil
	}
	from, _ := e.cfg.Bars.Window(at, e.cfg.Lookback)
	ops, err := e.broker.RecentOperations(ctx, symbol, from, at.Add(e.cfg.Bars.Duration))
	if err != nil {
		return fmt.Errorf("fetch operations: %w", err)
	}
	snapshot.Operations = make([]strategy.Operation, 0, len(ops))
	for _, op := range ops {
		side := strategy.Buy
		if op.Side == alpaca.Sell {
			side = strategy.Sell
		}
		snapshot.Operations = append(snapshot.Operations, strategy.Operation{
			Price: op.Price,
			Qty:   op.Qty,
			Side:  side,
			Time:  op.Time,
		})
	}
	return nil
}

func (e *Engine) record(decision Decision) {
	metrics.CyclesTotal.WithLabelValues(decision.Symbol, decision.Result).Inc()
	if e.decisions != nil {
		e.decisions.Append(decision)
	}
	if e.publisher != nil {
		e.publisher.Publish(decision)
	}
}

// limitAtClose turns a market intent into a limit at price, the only order
// type accepted outside regular hours.
func limitAtClose(intent strategy.TradeIntent, price float64) strategy.TradeIntent {
	if intent.Action == strategy.Hold || intent.OrderType == strategy.Limit {
		return intent
	}
	intent.OrderType = strategy.Limit
	intent.LimitPrice = price
	return intent
}

func (e *Engine) buildOrder(symbol string, intent strategy.TradeIntent) (broker.OrderRequest, error) {
	orderType, err := parseOrderType(intent.OrderType)
	if err != nil {
		return broker.OrderRequest{}, err
	}
	tif, err := parseTimeInForce(e.cfg.TimeInForce)
	if err != nil {
		return broker.OrderRequest{}, err
	}
	side := alpaca.Buy
	if intent.Action == strategy.Sell {
		side = alpaca.Sell
	}

	req := broker.OrderRequest{
		Symbol:        symbol,
		Qty:           intent.Qty,
		Side:          side,
		Type:          orderType,
		TimeInForce:   tif,
		ClientOrderID: e.nextClientOrderID(),
		ExtendedHours: e.cfg.ExtendedHours,
	}

	if orderType == alpaca.Limit {
		if intent.LimitPrice <= 0 {
			return broker.OrderRequest{}, fmt.Errorf("limit order without price")
		}
		price := intent.LimitPrice
		req.LimitPrice = &price
	}

	return req, nil
}

func (e *Engine) nextClientOrderID() string {
	seq := atomic.AddUint64(&e.orderSeqNum, 1)
	return fmt.Sprintf("%s-%d", e.runID, seq)
}

func parseOrderType(value strategy.OrderType) (alpaca.OrderType, error) {
	switch value {
	case strategy.Market, "":
		return alpaca.Market, nil
	case strategy.Limit:
		return alpaca.Limit, nil
	default:
		return "", fmt.Errorf("unsupported order type: %s", value)
	}
}

func parseTimeInForce(value string) (alpaca.TimeInForce, error) {
	switch value {
	case "day":
		return alpaca.Day, nil
	case "gtc":
		return alpaca.GTC, nil
	default:
		return "", fmt.Errorf("unsupported time in force: %s", value)
	}
}
