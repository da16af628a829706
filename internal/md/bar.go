package md

import (
	"time"

	"emabot/internal/strategy"
)

type Bar struct {
	Symbol    string
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    uint64
}

func (b Bar) Candle() strategy.Candle {
	return strategy.Candle{
		Time:   b.Timestamp,
		Open:   b.Open,
		High:   b.High,
		Low:    b.Low,
		Close:  b.Close,
		Volume: b.Volume,
	}
}

func Candles(bars []Bar) []strategy.Candle {
	out := make([]strategy.Candle, len(bars))
	for i, b := range bars {
		out[i] = b.Candle()
	}
	return out
}

type BarHandler func(Bar)
