package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"emabot/internal/md"
	"emabot/internal/metrics"
	"emabot/internal/state"
)

// Cycler runs one decision cycle for a symbol.
type Cycler interface {
	Cycle(ctx context.Context, symbol string, at time.Time) (Decision, error)
}

// Subscriber delivers live bars to handler until ctx is done or the feed drops.
type Subscriber func(ctx context.Context, symbols []string, handler md.BarHandler) error

const resubscribeDelay = 5 * time.Second

// Driver fans triggers out to per-symbol cycles. A symbol never runs two
// cycles at once and never evaluates the same bar time twice.
type Driver struct {
	cycler    Cycler
	store     *state.Store
	symbols   []string
	interval  md.Interval
	log       zerolog.Logger
	mailboxes map[string]chan md.Bar
	wg        sync.WaitGroup
}

func NewDriver(cycler Cycler, store *state.Store, symbols []string, interval md.Interval, log zerolog.Logger) *Driver {
	d := &Driver{
		cycler:    cycler,
		store:     store,
		symbols:   symbols,
		interval:  interval,
		log:       log.With().Str("component", "driver").Logger(),
		mailboxes: make(map[string]chan md.Bar, len(symbols)),
	}
	for _, sym := range symbols {
		d.mailboxes[sym] = make(chan md.Bar, 1)
	}
	store.Track(symbols...)
	return d
}

// Trigger runs the cycle for symbol at barTime unless that bar was already
// handled or a cycle for symbol is in flight. It reports whether a cycle ran.
func (d *Driver) Trigger(ctx context.Context, symbol string, barTime time.Time) (ran bool) {
	if !d.store.Claim(symbol, barTime) {
		metrics.TriggersSkipped.WithLabelValues(symbol).Inc()
		return false
	}
	ran = true
	retry := true
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Str("symbol", symbol).Time("bar_time", barTime).Interface("panic", r).Msg("cycle panicked")
			metrics.CyclesTotal.WithLabelValues(symbol, "panic").Inc()
			retry = false
		}
		d.store.Release(symbol, retry)
	}()

	_, err := d.cycler.Cycle(ctx, symbol, barTime)
	retry = err != nil
	if err != nil && !errors.Is(err, context.Canceled) {
		d.log.Warn().Err(err).Str("symbol", symbol).Time("bar_time", barTime).Msg("cycle aborted, will retry")
	}
	return ran
}

// Tick starts one cycle per symbol for the interval containing now.
func (d *Driver) Tick(ctx context.Context, now time.Time) {
	boundary := d.interval.Boundary(now)
	for _, sym := range d.symbols {
		d.wg.Add(1)
		go func(symbol string) {
			defer d.wg.Done()
			d.Trigger(ctx, symbol, boundary)
		}(sym)
	}
}

// RunClock wakes every period and ticks until ctx is done.
func (d *Driver) RunClock(ctx context.Context, period time.Duration) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	defer d.wg.Wait()

	d.log.Info().Dur("period", period).Str("interval", d.interval.Name).Strs("symbols", d.symbols).Msg("clock driver started")
	d.Tick(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			d.Tick(ctx, now)
		}
	}
}

// Offer hands a live bar to its symbol's worker, replacing any bar still waiting.
func (d *Driver) Offer(bar md.Bar) {
	mailbox, ok := d.mailboxes[bar.Symbol]
	if !ok {
		return
	}
	metrics.BarsTotal.WithLabelValues(bar.Symbol).Inc()
	for {
		select {
		case mailbox <- bar:
			return
		default:
		}
		select {
		case stale := <-mailbox:
			d.log.Debug().Str("symbol", stale.Symbol).Time("timestamp", stale.Timestamp).Msg("dropping stale bar")
		default:
		}
	}
}

// RunStream runs one worker per symbol fed by subscribe, resubscribing after
// feed failures until ctx is done.
func (d *Driver) RunStream(ctx context.Context, subscribe Subscriber) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, sym := range d.symbols {
		symbol := sym
		mailbox := d.mailboxes[symbol]
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case bar := <-mailbox:
					d.Trigger(gctx, symbol, d.interval.Boundary(bar.Timestamp))
				}
			}
		})
	}
	g.Go(func() error {
		for {
			err := subscribe(gctx, d.symbols, d.Offer)
			if gctx.Err() != nil {
				return nil
			}
			d.log.Error().Err(err).Dur("retry_in", resubscribeDelay).Msg("bar subscription ended")
			if !waitForContext(gctx, resubscribeDelay) {
				return nil
			}
		}
	})
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	return err
}

func waitForContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
