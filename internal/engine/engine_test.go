package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/rs/zerolog"

	"emabot/internal/broker"
	"emabot/internal/config"
	"emabot/internal/md"
	"emabot/internal/state"
	"emabot/internal/strategy"
)

var barStart = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func barsFor(symbol string, closes ...float64) []md.Bar {
	out := make([]md.Bar, len(closes))
	for i, c := range closes {
		out[i] = md.Bar{
			Symbol:    symbol,
			Timestamp: barStart.Add(time.Duration(i) * time.Hour),
			Open:      c,
			High:      c,
			Low:       c,
			Close:     c,
			Volume:    100,
		}
	}
	return out
}

// Buy fires on the last bar of buyCloses and Sell on the last bar of sellCloses.
var (
	buyCloses  = []float64{12, 10, 10, 12, 15}
	sellCloses = []float64{10, 12, 12, 10, 7}
)

type fakeBars struct {
	mu    sync.Mutex
	bars  []md.Bar
	err   error
	calls int
}

func (f *fakeBars) FetchBars(ctx context.Context, symbol string, from, to time.Time) ([]md.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.bars, nil
}

type fakeBroker struct {
	mu       sync.Mutex
	position broker.Position
	posErr   error
	orders   []broker.OrderRef
	ops      []broker.Operation
	opsCalls int
	placeErr error
	placed   []broker.OrderRequest
}

func (f *fakeBroker) Position(ctx context.Context, symbol string) (broker.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.posErr != nil {
		return broker.Position{}, f.posErr
	}
	pos := f.position
	pos.Symbol = symbol
	return pos, nil
}

func (f *fakeBroker) OpenOrders(ctx context.Context, symbol string) ([]broker.OrderRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orders, nil
}

func (f *fakeBroker) RecentOperations(ctx context.Context, symbol string, from, to time.Time) ([]broker.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opsCalls++
	return f.ops, nil
}

func (f *fakeBroker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return broker.OrderRef{}, f.placeErr
	}
	f.placed = append(f.placed, req)
	return broker.OrderRef{ID: "order-1", ClientOrderID: req.ClientOrderID, Symbol: req.Symbol, Status: "new"}, nil
}

func (f *fakeBroker) Account(ctx context.Context) (broker.Account, error) {
	return broker.Account{Equity: 1000, BuyingPower: 500}, nil
}

type recordingPublisher struct {
	mu        sync.Mutex
	decisions []Decision
}

func (p *recordingPublisher) Publish(d Decision) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.decisions = append(p.decisions, d)
}

func testConfig(t *testing.T, mode config.Mode, params strategy.Params) config.Config {
	t.Helper()
	iv, err := md.ParseInterval("hour")
	if err != nil {
		t.Fatalf("parse interval: %v", err)
	}
	return config.Config{
		Mode:        mode,
		Interval:    "hour",
		Lookback:    10,
		TimeInForce: "day",
		Bars:        iv,
		Instruments: []config.Instrument{{Symbol: "MSFT", Strategy: params}},
	}
}

func newTestEngine(t *testing.T, cfg config.Config, bars *fakeBars, b *fakeBroker) (*Engine, *state.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "decisions.ndjson")
	decisions, err := NewDecisionLogger(path, "run", zerolog.Nop())
	if err != nil {
		t.Fatalf("decision logger: %v", err)
	}
	t.Cleanup(func() { _ = decisions.Close() })
	store := state.NewStore()
	return New(cfg, b, bars, store, decisions, zerolog.Nop()), store, path
}

func TestCycleOpeningBuySubmitsMarketOrder(t *testing.T) {
	params := strategy.DefaultParams()
	params.Quantity = 2
	bars := &fakeBars{bars: barsFor("MSFT", buyCloses...)}
	b := &fakeBroker{}
	eng, store, _ := newTestEngine(t, testConfig(t, config.ModePaper, params), bars, b)

	decision, err := eng.Cycle(context.Background(), "MSFT", barStart.Add(5*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Result != ResultSubmitted || decision.Signal != strategy.BuySignal {
		t.Fatalf("unexpected decision %+v", decision)
	}
	if len(b.placed) != 1 {
		t.Fatalf("expected one order, got %d", len(b.placed))
	}
	order := b.placed[0]
	if order.Side != alpaca.Buy || order.Type != alpaca.Market || order.Qty != 2 || order.TimeInForce != alpaca.Day {
		t.Fatalf("unexpected order %+v", order)
	}
	if order.ClientOrderID != "run-1" {
		t.Fatalf("expected client order id run-1, got %q", order.ClientOrderID)
	}
	if b.opsCalls != 0 {
		t.Fatalf("opening buy must not need operations, got %d calls", b.opsCalls)
	}
	inst, _ := store.Instrument("MSFT")
	if inst.LastTradeTime.IsZero() {
		t.Fatalf("expected last trade time to be recorded")
	}
	if view, ok := store.View("MSFT"); !ok || len(view.Candles) != len(buyCloses) {
		t.Fatalf("expected stored view, got %+v", view)
	}
}

func TestCycleTakeProfitSellsAllLots(t *testing.T) {
	params := strategy.DefaultParams()
	bars := &fakeBars{bars: barsFor("MSFT", sellCloses...)}
	b := &fakeBroker{position: broker.Position{Qty: 5, AvgEntry: 5}}
	eng, _, _ := newTestEngine(t, testConfig(t, config.ModePaper, params), bars, b)

	decision, err := eng.Cycle(context.Background(), "MSFT", barStart.Add(5*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Result != ResultSubmitted || len(b.placed) != 1 {
		t.Fatalf("expected a submitted sell, got %+v", decision)
	}
	if b.placed[0].Side != alpaca.Sell || b.placed[0].Qty != 5 {
		t.Fatalf("expected sell of all 5 lots, got %+v", b.placed[0])
	}
}

func TestCycleLimitSellCarriesClose(t *testing.T) {
	params := strategy.DefaultParams()
	params.SellOrder = strategy.Limit
	bars := &fakeBars{bars: barsFor("MSFT", sellCloses...)}
	b := &fakeBroker{position: broker.Position{Qty: 3, AvgEntry: 5}}
	eng, _, _ := newTestEngine(t, testConfig(t, config.ModePaper, params), bars, b)

	if _, err := eng.Cycle(context.Background(), "MSFT", barStart.Add(5*time.Hour)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(b.placed) != 1 || b.placed[0].Type != alpaca.Limit {
		t.Fatalf("expected a limit sell, got %+v", b.placed)
	}
	if b.placed[0].LimitPrice == nil || *b.placed[0].LimitPrice != 7 {
		t.Fatalf("expected limit at the close, got %v", b.placed[0].LimitPrice)
	}
}

func TestCycleSellBlockedByPendingOrder(t *testing.T) {
	bars := &fakeBars{bars: barsFor("MSFT", sellCloses...)}
	b := &fakeBroker{
		position: broker.Position{Qty: 5, AvgEntry: 5},
		orders:   []broker.OrderRef{{ID: "o1", Symbol: "MSFT", Status: "new"}},
	}
	eng, _, _ := newTestEngine(t, testConfig(t, config.ModePaper, strategy.DefaultParams()), bars, b)

	decision, err := eng.Cycle(context.Background(), "MSFT", barStart.Add(5*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Result != ResultHold || decision.Reason != "pending_order" {
		t.Fatalf("expected pending order hold, got %+v", decision)
	}
	if len(b.placed) != 0 {
		t.Fatalf("expected no order")
	}
}

func TestCycleAddConsultsRecentOperations(t *testing.T) {
	bars := &fakeBars{bars: barsFor("MSFT", buyCloses...)}
	b := &fakeBroker{
		position: broker.Position{Qty: 2, AvgEntry: 14},
		ops: []broker.Operation{
			{Symbol: "MSFT", Side: alpaca.Buy, Price: 15, Qty: 1, Time: barStart},
		},
	}
	eng, _, _ := newTestEngine(t, testConfig(t, config.ModePaper, strategy.DefaultParams()), bars, b)

	decision, err := eng.Cycle(context.Background(), "MSFT", barStart.Add(5*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.opsCalls != 1 {
		t.Fatalf("expected operations to be fetched once, got %d", b.opsCalls)
	}
	if decision.Result != ResultHold || decision.Reason != "deviation_below_threshold" {
		t.Fatalf("expected deviation hold, got %+v", decision)
	}
}

func TestCycleAddWithoutBuyHistoryIsSubmitted(t *testing.T) {
	bars := &fakeBars{bars: barsFor("MSFT", buyCloses...)}
	b := &fakeBroker{position: broker.Position{Qty: 2, AvgEntry: 14}}
	eng, _, _ := newTestEngine(t, testConfig(t, config.ModePaper, strategy.DefaultParams()), bars, b)

	decision, err := eng.Cycle(context.Background(), "MSFT", barStart.Add(5*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Result != ResultSubmitted || decision.Reason != "add_position" {
		t.Fatalf("expected add order, got %+v", decision)
	}
}

func TestCycleNoSignalHolds(t *testing.T) {
	bars := &fakeBars{bars: barsFor("MSFT", 10, 11, 12, 13, 14)}
	b := &fakeBroker{}
	eng, _, _ := newTestEngine(t, testConfig(t, config.ModePaper, strategy.DefaultParams()), bars, b)

	decision, err := eng.Cycle(context.Background(), "MSFT", barStart.Add(5*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Result != ResultHold || decision.Reason != "no_signal" {
		t.Fatalf("unexpected decision %+v", decision)
	}
}

func TestCycleInsufficientHistoryIsNotAnError(t *testing.T) {
	bars := &fakeBars{bars: barsFor("MSFT", 10)}
	b := &fakeBroker{}
	eng, _, _ := newTestEngine(t, testConfig(t, config.ModePaper, strategy.DefaultParams()), bars, b)

	decision, err := eng.Cycle(context.Background(), "MSFT", barStart.Add(time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Result != ResultNoHistory || decision.Intent != strategy.Hold {
		t.Fatalf("unexpected decision %+v", decision)
	}
}

func TestCycleFetchFailureAborts(t *testing.T) {
	bars := &fakeBars{err: errors.New("data source down")}
	b := &fakeBroker{}
	eng, _, _ := newTestEngine(t, testConfig(t, config.ModePaper, strategy.DefaultParams()), bars, b)

	decision, err := eng.Cycle(context.Background(), "MSFT", barStart)
	if err == nil {
		t.Fatalf("expected fetch error")
	}
	if decision.Result != ResultFetchFailed {
		t.Fatalf("unexpected result %q", decision.Result)
	}
}

func TestCycleSubmissionFailureIsNoop(t *testing.T) {
	bars := &fakeBars{bars: barsFor("MSFT", buyCloses...)}
	b := &fakeBroker{placeErr: errors.New("rejected")}
	eng, store, _ := newTestEngine(t, testConfig(t, config.ModePaper, strategy.DefaultParams()), bars, b)

	decision, err := eng.Cycle(context.Background(), "MSFT", barStart.Add(5*time.Hour))
	if err != nil {
		t.Fatalf("submission failure must not abort the cycle: %v", err)
	}
	if decision.Result != ResultOrderFailed || decision.RejectReason != "rejected" {
		t.Fatalf("unexpected decision %+v", decision)
	}
	inst, _ := store.Instrument("MSFT")
	if !inst.LastTradeTime.IsZero() {
		t.Fatalf("failed submission must not start the cooldown")
	}
}

func TestCycleDryRunNeverSubmits(t *testing.T) {
	bars := &fakeBars{bars: barsFor("MSFT", buyCloses...)}
	b := &fakeBroker{}
	eng, _, _ := newTestEngine(t, testConfig(t, config.ModeDryRun, strategy.DefaultParams()), bars, b)

	decision, err := eng.Cycle(context.Background(), "MSFT", barStart.Add(5*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Result != ResultDryRun || len(b.placed) != 0 {
		t.Fatalf("expected dry run without orders, got %+v", decision)
	}
}

func TestCycleKillSwitchRejects(t *testing.T) {
	cfg := testConfig(t, config.ModePaper, strategy.DefaultParams())
	cfg.KillSwitch = true
	bars := &fakeBars{bars: barsFor("MSFT", buyCloses...)}
	b := &fakeBroker{}
	eng, _, _ := newTestEngine(t, cfg, bars, b)

	decision, err := eng.Cycle(context.Background(), "MSFT", barStart.Add(5*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Result != ResultRejected || decision.RejectReason != "kill_switch_enabled" {
		t.Fatalf("unexpected decision %+v", decision)
	}
}

func TestCycleUnknownSymbol(t *testing.T) {
	eng, _, _ := newTestEngine(t, testConfig(t, config.ModePaper, strategy.DefaultParams()), &fakeBars{}, &fakeBroker{})
	if _, err := eng.Cycle(context.Background(), "AAPL", barStart); !errors.Is(err, ErrUnknownSymbol) {
		t.Fatalf("expected ErrUnknownSymbol, got %v", err)
	}
}

func TestCycleWritesDecisionLogAndPublishes(t *testing.T) {
	bars := &fakeBars{bars: barsFor("MSFT", buyCloses...)}
	b := &fakeBroker{}
	eng, _, path := newTestEngine(t, testConfig(t, config.ModePaper, strategy.DefaultParams()), bars, b)
	pub := &recordingPublisher{}
	eng.SetPublisher(pub)

	if _, err := eng.Cycle(context.Background(), "MSFT", barStart.Add(5*time.Hour)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pub.decisions) != 1 || pub.decisions[0].OrderID != "order-1" {
		t.Fatalf("expected published decision, got %+v", pub.decisions)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open decisions: %v", err)
	}
	defer file.Close()
	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		t.Fatalf("expected a decision line")
	}
	var line map[string]any
	if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
		t.Fatalf("decode decision: %v", err)
	}
	if line["run_id"] != "run" || line["signal"] != "Buy" || line["result"] != ResultSubmitted {
		t.Fatalf("unexpected decision line %v", line)
	}
}

func TestViewFallsBackToLastComputed(t *testing.T) {
	bars := &fakeBars{bars: barsFor("MSFT", buyCloses...)}
	b := &fakeBroker{position: broker.Position{Qty: 1, AvgEntry: 10}}
	eng, _, _ := newTestEngine(t, testConfig(t, config.ModePaper, strategy.DefaultParams()), bars, b)

	first, err := eng.View(context.Background(), "MSFT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Lots != 1 || first.Price != 15 {
		t.Fatalf("unexpected view %+v", first)
	}

	bars.mu.Lock()
	bars.err = errors.New("down")
	bars.mu.Unlock()
	second, err := eng.View(context.Background(), "MSFT")
	if err != nil {
		t.Fatalf("expected fallback view, got %v", err)
	}
	if !second.UpdatedAt.Equal(first.UpdatedAt) {
		t.Fatalf("expected the stored view to be served")
	}
}

func TestViewWithoutHistoryFails(t *testing.T) {
	bars := &fakeBars{err: errors.New("down")}
	eng, _, _ := newTestEngine(t, testConfig(t, config.ModePaper, strategy.DefaultParams()), bars, &fakeBroker{})

	if _, err := eng.View(context.Background(), "MSFT"); !errors.Is(err, ErrNoView) {
		t.Fatalf("expected ErrNoView, got %v", err)
	}
	if _, err := eng.View(context.Background(), "AAPL"); !errors.Is(err, ErrUnknownSymbol) {
		t.Fatalf("expected ErrUnknownSymbol, got %v", err)
	}
}

func TestReconcileUpdatesPositions(t *testing.T) {
	store := state.NewStore()
	b := &fakeBroker{position: broker.Position{Qty: 4, AvgEntry: 12.5}}

	reconcileOnce(context.Background(), b, store, []string{"MSFT", "AAPL"}, zerolog.Nop())

	for _, sym := range []string{"MSFT", "AAPL"} {
		inst, ok := store.Instrument(sym)
		if !ok || inst.Position.Qty != 4 || inst.Position.AvgEntry != 12.5 {
			t.Fatalf("%s: unexpected instrument %+v", sym, inst)
		}
	}
}

func TestCycleExtendedHoursOpensWithLimitAtClose(t *testing.T) {
	cfg := testConfig(t, config.ModePaper, strategy.DefaultParams())
	cfg.ExtendedHours = true
	bars := &fakeBars{bars: barsFor("MSFT", buyCloses...)}
	b := &fakeBroker{}
	eng, _, _ := newTestEngine(t, cfg, bars, b)

	decision, err := eng.Cycle(context.Background(), "MSFT", barStart.Add(5*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Result != ResultSubmitted || len(b.placed) != 1 {
		t.Fatalf("expected an opening order outside regular hours, got %+v", decision)
	}
	order := b.placed[0]
	if order.Type != alpaca.Limit || order.LimitPrice == nil || *order.LimitPrice != 15 || !order.ExtendedHours {
		t.Fatalf("expected extended-hours limit at the close, got %+v", order)
	}
}
