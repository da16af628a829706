package md

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/rs/zerolog"
)

// History fetches closed candles over REST.
type History struct {
	client   *marketdata.Client
	feed     marketdata.Feed
	interval Interval
	log      zerolog.Logger
}

func NewHistory(apiKey, apiSecret, feed string, interval Interval, log zerolog.Logger) *History {
	client := marketdata.NewClient(marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	})
	return &History{
		client:   client,
		feed:     parseFeed(feed),
		interval: interval,
		log:      log.With().Str("component", "history").Logger(),
	}
}

// FetchBars returns bars in ascending time order. Gaps are passed through as is.
func (h *History) FetchBars(ctx context.Context, symbol string, from, to time.Time) ([]Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := h.client.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame: h.interval.TimeFrame,
		Start:     from,
		End:       to,
		Feed:      h.feed,
	})
	if err != nil {
		return nil, fmt.Errorf("get bars %s: %w", symbol, err)
	}
	bars := make([]Bar, 0, len(raw))
	for _, b := range raw {
		bars = append(bars, Bar{
			Symbol:    symbol,
			Timestamp: b.Timestamp.UTC(),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		})
	}
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	h.log.Debug().Str("symbol", symbol).Int("count", len(bars)).Time("from", from).Time("to", to).Msg("bars fetched")
	return bars, nil
}
