package md

import (
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
)

// Interval is a candle width understood by both the scheduler and the data API.
type Interval struct {
	Name      string
	Duration  time.Duration
	TimeFrame marketdata.TimeFrame
}

const day = 24 * time.Hour

var intervals = map[string]Interval{
	"1min":  {Name: "1min", Duration: time.Minute, TimeFrame: marketdata.NewTimeFrame(1, marketdata.Min)},
	"2min":  {Name: "2min", Duration: 2 * time.Minute, TimeFrame: marketdata.NewTimeFrame(2, marketdata.Min)},
	"3min":  {Name: "3min", Duration: 3 * time.Minute, TimeFrame: marketdata.NewTimeFrame(3, marketdata.Min)},
	"5min":  {Name: "5min", Duration: 5 * time.Minute, TimeFrame: marketdata.NewTimeFrame(5, marketdata.Min)},
	"10min": {Name: "10min", Duration: 10 * time.Minute, TimeFrame: marketdata.NewTimeFrame(10, marketdata.Min)},
	"15min": {Name: "15min", Duration: 15 * time.Minute, TimeFrame: marketdata.NewTimeFrame(15, marketdata.Min)},
	"30min": {Name: "30min", Duration: 30 * time.Minute, TimeFrame: marketdata.NewTimeFrame(30, marketdata.Min)},
	"hour":  {Name: "hour", Duration: time.Hour, TimeFrame: marketdata.NewTimeFrame(1, marketdata.Hour)},
	"day":   {Name: "day", Duration: day, TimeFrame: marketdata.NewTimeFrame(1, marketdata.Day)},
	"week":  {Name: "week", Duration: 7 * day, TimeFrame: marketdata.NewTimeFrame(1, marketdata.Week)},
	// Month is treated as 31 days for window and boundary arithmetic.
	"month": {Name: "month", Duration: 31 * day, TimeFrame: marketdata.NewTimeFrame(1, marketdata.Month)},
}

func ParseInterval(name string) (Interval, error) {
	iv, ok := intervals[name]
	if !ok {
		return Interval{}, fmt.Errorf("unsupported interval: %q", name)
	}
	return iv, nil
}

// Boundary rounds t down to the start of its interval, in UTC.
func (i Interval) Boundary(t time.Time) time.Time {
	return t.UTC().Truncate(i.Duration)
}

// Window returns the fetch range covering lookback intervals ending at now.
func (i Interval) Window(now time.Time, lookback int) (time.Time, time.Time) {
	return now.Add(-time.Duration(lookback) * i.Duration), now
}
