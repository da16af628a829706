package strategy

import (
	"encoding/json"
	"fmt"
	"time"
)

type Signal int

const (
	NoSignal Signal = iota
	BuySignal
	SellSignal
)

func (s Signal) String() string {
	switch s {
	case BuySignal:
		return "Buy"
	case SellSignal:
		return "Sell"
	default:
		return ""
	}
}

func (s Signal) MarshalJSON() ([]byte, error) {
	if s == NoSignal {
		return []byte("null"), nil
	}
	return json.Marshal(s.String())
}

func (s *Signal) UnmarshalJSON(data []byte) error {
	var raw *string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*s = NoSignal
		return nil
	}
	switch *raw {
	case "", "None":
		*s = NoSignal
	case "Buy":
		*s = BuySignal
	case "Sell":
		*s = SellSignal
	default:
		return fmt.Errorf("unknown signal %q", *raw)
	}
	return nil
}

// Candle is one raw OHLCV interval.
type Candle struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume uint64
}

func (c Candle) TypicalPrice() float64 {
	return (c.Open + c.High + c.Low + c.Close) / 4
}

// Bar is a candle enriched by Annotate.
type Bar struct {
	Candle
	TypicalPrice float64
	FastEMA      float64
	SlowEMA      float64
	TrendEMA     *float64
	Signal       Signal
}

// Volatility tracks the close range seen over a window.
type Volatility struct {
	Min float64
	Max float64
	n   int
}

func (v *Volatility) observe(price float64) {
	if v.n == 0 || price < v.Min {
		v.Min = price
	}
	if v.n == 0 || price > v.Max {
		v.Max = price
	}
	v.n++
}

// Value returns max/min - 1, or false when the window is empty or the minimum is not positive.
func (v Volatility) Value() (float64, bool) {
	if v.n == 0 || v.Min <= 0 {
		return 0, false
	}
	return v.Max/v.Min - 1, true
}

func NewVolatility(prices ...float64) Volatility {
	var v Volatility
	for _, p := range prices {
		v.observe(p)
	}
	return v
}

type Series struct {
	Bars       []Bar
	Volatility Volatility
}

func (s Series) Last() (Bar, bool) {
	if len(s.Bars) == 0 {
		return Bar{}, false
	}
	return s.Bars[len(s.Bars)-1], true
}

// Annotate folds the candles once in order, attaching EMAs and crossover signals.
// The result at index i depends only on candles[0..i].
func Annotate(candles []Candle, p Params) Series {
	out := Series{Bars: make([]Bar, len(candles))}
	fast := NewAverage(p.FastPeriod)
	slow := NewAverage(p.SlowPeriod)
	var trend *Average
	if p.TracksTrend() {
		period := p.TrendPeriod
		if period <= 0 {
			period = len(candles)
		}
		trend = NewAverage(period)
	}

	for i, c := range candles {
		price := c.TypicalPrice()
		prevFast, seeded := fast.Value()
		prevSlow, _ := slow.Value()

		bar := Bar{Candle: c, TypicalPrice: price}
		bar.FastEMA = fast.Update(price)
		bar.SlowEMA = slow.Update(price)

		var prevTrend float64
		if trend != nil {
			prevTrend, _ = trend.Value()
			v := trend.Update(price)
			bar.TrendEMA = &v
		}

		if seeded {
			buyLinePrev, buyLine := prevSlow, bar.SlowEMA
			if p.Crossover == TrendFast && trend != nil {
				buyLinePrev, buyLine = prevTrend, *bar.TrendEMA
			}
			switch {
			case crossedDown(prevFast, prevSlow, bar.FastEMA, bar.SlowEMA):
				bar.Signal = SellSignal
			case crossedUp(prevFast, buyLinePrev, bar.FastEMA, buyLine):
				bar.Signal = BuySignal
			}
		}

		out.Volatility.observe(c.Close)
		out.Bars[i] = bar
	}
	return out
}

// crossedUp reports the fast line moving from strictly below the other line to strictly above it.
func crossedUp(prevFast, prevLine, fast, line float64) bool {
	return prevLine > prevFast && line < fast
}

func crossedDown(prevFast, prevLine, fast, line float64) bool {
	return prevLine < prevFast && line > fast
}
