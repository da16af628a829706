package md

import (
	"context"
	"fmt"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata/stream"
	"github.com/rs/zerolog"
)

// Stream publishes live minute bars for the tracked symbols.
type Stream struct {
	apiKey    string
	apiSecret string
	feed      marketdata.Feed
	log       zerolog.Logger
}

func NewStream(apiKey, apiSecret, feed string, log zerolog.Logger) *Stream {
	return &Stream{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		feed:      parseFeed(feed),
		log:       log.With().Str("component", "stream").Logger(),
	}
}

// Subscribe blocks until ctx is done, calling handler for every bar received.
func (s *Stream) Subscribe(ctx context.Context, symbols []string, handler BarHandler) error {
	client := stream.NewStocksClient(
		s.feed,
		stream.WithCredentials(s.apiKey, s.apiSecret),
	)

	// Connect must be called before subscribing in this SDK version.
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect market data stream: %w", err)
	}
	s.log.Info().Strs("symbols", symbols).Str("feed", string(s.feed)).Msg("connected, subscribing to bars")

	if err := client.SubscribeToBars(func(bar stream.Bar) {
		s.log.Debug().Str("symbol", bar.Symbol).Time("timestamp", bar.Timestamp).Float64("close", bar.Close).Msg("bar received")
		handler(Bar{
			Symbol:    bar.Symbol,
			Timestamp: bar.Timestamp.UTC(),
			Open:      bar.Open,
			High:      bar.High,
			Low:       bar.Low,
			Close:     bar.Close,
			Volume:    bar.Volume,
		})
	}, symbols...); err != nil {
		return fmt.Errorf("subscribe to bars: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-client.Terminated():
		if err != nil {
			return fmt.Errorf("market data stream terminated: %w", err)
		}
		return ctx.Err()
	}
}

func parseFeed(feed string) marketdata.Feed {
	switch feed {
	case "iex":
		return marketdata.IEX
	case "sip":
		return marketdata.SIP
	default:
		return marketdata.IEX
	}
}
