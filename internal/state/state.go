package state

import (
	"encoding/json"
	"os"
	"sort"
	"sync"
	"time"

	"emabot/internal/strategy"
)

type Position struct {
	Qty      int
	AvgEntry float64
}

// Candle is the read-model shape of one annotated bar. Time is epoch milliseconds.
type Candle struct {
	Time     int64           `json:"time"`
	Open     float64         `json:"open"`
	High     float64         `json:"high"`
	Low      float64         `json:"low"`
	Close    float64         `json:"close"`
	Volume   uint64          `json:"volume"`
	FastEMA  float64         `json:"fastEMA"`
	SlowEMA  float64         `json:"slowEMA"`
	TrendEMA *float64        `json:"trendEMA,omitempty"`
	Signal   strategy.Signal `json:"signal"`
}

// View is the last successfully computed presentation of one instrument.
type View struct {
	Symbol               string    `json:"symbol"`
	Lots                 int       `json:"lots"`
	Price                float64   `json:"price"`
	AveragePositionPrice *float64  `json:"averagePositionPrice,omitempty"`
	ExpectedYield        *float64  `json:"expectedYield,omitempty"`
	Profit               *float64  `json:"profit,omitempty"`
	Volatility           *float64  `json:"volatility,omitempty"`
	Candles              []Candle  `json:"candles"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

func NewView(symbol string, series strategy.Series, pos Position, now time.Time) View {
	view := View{
		Symbol:    symbol,
		Lots:      pos.Qty,
		Candles:   make([]Candle, len(series.Bars)),
		UpdatedAt: now,
	}
	for i, b := range series.Bars {
		view.Candles[i] = Candle{
			Time:     b.Time.UnixMilli(),
			Open:     b.Open,
			High:     b.High,
			Low:      b.Low,
			Close:    b.Close,
			Volume:   b.Volume,
			FastEMA:  b.FastEMA,
			SlowEMA:  b.SlowEMA,
			TrendEMA: b.TrendEMA,
			Signal:   b.Signal,
		}
	}
	if last, ok := series.Last(); ok {
		view.Price = last.Close
	}
	if v, ok := series.Volatility.Value(); ok {
		view.Volatility = &v
	}
	if pos.Qty > 0 && pos.AvgEntry > 0 {
		avg := pos.AvgEntry
		view.AveragePositionPrice = &avg
		if view.Price > 0 {
			yield := (view.Price - avg) * float64(pos.Qty)
			profit := view.Price/avg - 1
			view.ExpectedYield = &yield
			view.Profit = &profit
		}
	}
	return view
}

// Instrument is the cross-cycle record kept for one symbol.
type Instrument struct {
	LastBarTime   time.Time
	LastTradeTime time.Time
	Position      Position
	View          *View `json:"-"`
	inFlight      bool
	prevBarTime   time.Time
}

type Snapshot struct {
	Instruments map[string]Instrument
}

type Store struct {
	mu          sync.RWMutex
	instruments map[string]*Instrument
}

func NewStore() *Store {
	return &Store{instruments: map[string]*Instrument{}}
}

func (s *Store) get(symbol string) *Instrument {
	inst, ok := s.instruments[symbol]
	if !ok {
		inst = &Instrument{}
		s.instruments[symbol] = inst
	}
	return inst
}

// Claim reserves the cycle for symbol at barTime. It fails when barTime was
// already handled or a previous cycle for symbol is still running.
func (s *Store) Claim(symbol string, barTime time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst := s.get(symbol)
	if inst.inFlight || inst.LastBarTime.Equal(barTime) {
		return false
	}
	inst.prevBarTime = inst.LastBarTime
	inst.LastBarTime = barTime
	inst.inFlight = true
	return true
}

// Release ends the claimed cycle. With retry set the bar time is forgotten so
// the next trigger for the same bar runs again.
func (s *Store) Release(symbol string, retry bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst := s.get(symbol)
	if retry {
		inst.LastBarTime = inst.prevBarTime
	}
	inst.inFlight = false
}

func (s *Store) Instrument(symbol string) (Instrument, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instruments[symbol]
	if !ok {
		return Instrument{}, false
	}
	return *inst, true
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Snapshot{Instruments: make(map[string]Instrument, len(s.instruments))}
	for k, v := range s.instruments {
		out.Instruments[k] = *v
	}
	return out
}

func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.instruments))
	for k := range s.instruments {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *Store) Track(symbols ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sym := range symbols {
		s.get(sym)
	}
}

func (s *Store) UpdatePosition(symbol string, position Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(symbol).Position = position
}

func (s *Store) SetLastTradeTime(symbol string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(symbol).LastTradeTime = t
}

func (s *Store) SetView(view View) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(view.Symbol).View = &view
}

func (s *Store) View(symbol string) (View, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instruments[symbol]
	if !ok || inst.View == nil {
		return View{}, false
	}
	return *inst.View, true
}

func (s *Store) Save(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := Snapshot{Instruments: make(map[string]Instrument, len(s.instruments))}
	for k, v := range s.instruments {
		snapshot.Instruments[k] = *v
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (s *Store) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range snapshot.Instruments {
		inst := v
		s.instruments[k] = &inst
	}
	return nil
}
