package strategy

import (
	"errors"
	"fmt"
	"math"
)

// CrossoverMode selects which pair of averages defines a Buy signal.
type CrossoverMode string

const (
	// FastSlow fires Buy when the fast EMA crosses up through the slow EMA.
	FastSlow CrossoverMode = "fast_slow"
	// TrendFast fires Buy when the fast EMA crosses up through the trend EMA.
	// Sell keeps the fast/slow definition.
	TrendFast CrossoverMode = "trend_fast"
)

// AddGate selects the check that must pass before adding to an open position.
type AddGate string

const (
	// GateLastTrade compares the close against the latest buy fill.
	GateLastTrade AddGate = "last_trade"
	// GateEntryDrawdown compares the average entry against the close, scaled by window volatility.
	GateEntryDrawdown AddGate = "entry_drawdown"
)

// AddSizing selects how an add order is sized.
type AddSizing string

const (
	SizeFixed    AddSizing = "fixed"
	SizeLotCover AddSizing = "lot_cover"
)

// Exclusivity selects which branches are blocked by a pending order on the instrument.
type Exclusivity string

const (
	// ExclusiveExits blocks only position-closing sells.
	ExclusiveExits Exclusivity = "exits"
	// ExclusiveFollowUps lets the opening buy through but blocks adds and sells.
	ExclusiveFollowUps Exclusivity = "follow_ups"
	// ExclusiveAll blocks every order.
	ExclusiveAll Exclusivity = "all"
)

type Params struct {
	FastPeriod  int           `yaml:"fast_period" json:"fast_period"`
	SlowPeriod  int           `yaml:"slow_period" json:"slow_period"`
	TrendPeriod int           `yaml:"trend_period" json:"trend_period"`
	TrackTrend  bool          `yaml:"track_trend" json:"track_trend"`
	Crossover   CrossoverMode `yaml:"crossover" json:"crossover"`

	VolatilityThreshold float64 `yaml:"volatility_threshold" json:"volatility_threshold"`
	ProfitThreshold     float64 `yaml:"profit_threshold" json:"profit_threshold"`
	// BuyDeviationThreshold is the fraction of window volatility the entry
	// price must exceed the close by under GateEntryDrawdown.
	BuyDeviationThreshold float64 `yaml:"buy_deviation_threshold" json:"buy_deviation_threshold"`

	Quantity         int     `yaml:"quantity" json:"quantity"`
	SizingMultiplier float64 `yaml:"sizing_multiplier" json:"sizing_multiplier"`
	PositionLimit    int     `yaml:"position_limit" json:"position_limit"`
	// LotSize of zero means unknown; lot-cover adds are skipped.
	LotSize int `yaml:"lot_size" json:"lot_size"`

	AddGate     AddGate     `yaml:"add_gate" json:"add_gate"`
	AddSizing   AddSizing   `yaml:"add_sizing" json:"add_sizing"`
	SellOrder   OrderType   `yaml:"sell_order" json:"sell_order"`
	Exclusivity Exclusivity `yaml:"exclusivity" json:"exclusivity"`
}

func DefaultParams() Params {
	return Params{
		FastPeriod:            3,
		SlowPeriod:            5,
		Crossover:             FastSlow,
		VolatilityThreshold:   0.01,
		ProfitThreshold:       0.05,
		BuyDeviationThreshold: 0.5,
		Quantity:              1,
		SizingMultiplier:      1,
		PositionLimit:         10,
		LotSize:               1,
		AddGate:               GateLastTrade,
		AddSizing:             SizeFixed,
		SellOrder:             Market,
		Exclusivity:           ExclusiveExits,
	}
}

// TracksTrend reports whether annotation must carry a trend average.
func (p Params) TracksTrend() bool {
	return p.TrackTrend || p.Crossover == TrendFast
}

// OpeningQty is the size of the unconditional entry buy.
func (p Params) OpeningQty() int {
	if p.SizingMultiplier <= 0 {
		return p.Quantity
	}
	return int(math.Ceil(float64(p.Quantity) * p.SizingMultiplier))
}

func (p Params) Validate() error {
	var errs []error
	if p.FastPeriod < 1 {
		errs = append(errs, fmt.Errorf("fast_period must be >= 1"))
	}
	if p.SlowPeriod < 1 {
		errs = append(errs, fmt.Errorf("slow_period must be >= 1"))
	}
	if p.TrendPeriod < 0 {
		errs = append(errs, fmt.Errorf("trend_period must be >= 0"))
	}
	if p.Quantity <= 0 {
		errs = append(errs, fmt.Errorf("quantity must be > 0"))
	}
	if p.SizingMultiplier < 0 || math.IsNaN(p.SizingMultiplier) || math.IsInf(p.SizingMultiplier, 0) {
		errs = append(errs, fmt.Errorf("sizing_multiplier must be finite and >= 0"))
	}
	if p.PositionLimit <= 0 {
		errs = append(errs, fmt.Errorf("position_limit must be > 0"))
	}
	if p.LotSize < 0 {
		errs = append(errs, fmt.Errorf("lot_size must be >= 0"))
	}
	thresholds := []struct {
		name  string
		value float64
	}{
		{"volatility_threshold", p.VolatilityThreshold},
		{"profit_threshold", p.ProfitThreshold},
		{"buy_deviation_threshold", p.BuyDeviationThreshold},
	}
	for _, th := range thresholds {
		// +Inf is accepted as a "never" sentinel.
		if math.IsNaN(th.value) || th.value < 0 {
			errs = append(errs, fmt.Errorf("%s must be >= 0", th.name))
		}
	}
	switch p.Crossover {
	case FastSlow, TrendFast:
	default:
		errs = append(errs, fmt.Errorf("unsupported crossover mode: %q", p.Crossover))
	}
	switch p.AddGate {
	case GateLastTrade, GateEntryDrawdown:
	default:
		errs = append(errs, fmt.Errorf("unsupported add gate: %q", p.AddGate))
	}
	switch p.AddSizing {
	case SizeFixed, SizeLotCover:
	default:
		errs = append(errs, fmt.Errorf("unsupported add sizing: %q", p.AddSizing))
	}
	switch p.SellOrder {
	case Market, Limit:
	default:
		errs = append(errs, fmt.Errorf("unsupported sell order type: %q", p.SellOrder))
	}
	switch p.Exclusivity {
	case ExclusiveExits, ExclusiveFollowUps, ExclusiveAll:
	default:
		errs = append(errs, fmt.Errorf("unsupported exclusivity: %q", p.Exclusivity))
	}
	return errors.Join(errs...)
}
