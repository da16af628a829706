package engine

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"emabot/internal/strategy"
)

const (
	ResultHold           = "hold"
	ResultNoHistory      = "insufficient_history"
	ResultFetchFailed    = "fetch_failed"
	ResultSnapshotFailed = "snapshot_failed"
	ResultRejected       = "rejected"
	ResultDryRun         = "dry_run"
	ResultBuildFailed    = "order_build_failed"
	ResultOrderFailed    = "order_failed"
	ResultSubmitted      = "order_submitted"
)

type Decision struct {
	RunID          string             `json:"run_id"`
	Timestamp      time.Time          `json:"timestamp"`
	BarTime        time.Time          `json:"bar_time"`
	Symbol         string             `json:"symbol"`
	Bars           int                `json:"bars"`
	Close          float64            `json:"close,omitempty"`
	FastEMA        float64            `json:"fast_ema,omitempty"`
	SlowEMA        float64            `json:"slow_ema,omitempty"`
	TrendEMA       *float64           `json:"trend_ema,omitempty"`
	Signal         strategy.Signal    `json:"signal"`
	PositionQty    int                `json:"position_qty"`
	AvgEntry       float64            `json:"avg_entry,omitempty"`
	Intent         strategy.Action    `json:"intent,omitempty"`
	IntentQty      int                `json:"intent_qty,omitempty"`
	OrderType      strategy.OrderType `json:"order_type,omitempty"`
	LimitPrice     float64            `json:"limit_price,omitempty"`
	Reason         string             `json:"reason,omitempty"`
	Result         string             `json:"result"`
	ApprovalReason string             `json:"approval_reason,omitempty"`
	RejectReason   string             `json:"reject_reason,omitempty"`
	OrderID        string             `json:"order_id,omitempty"`
	ClientOrderID  string             `json:"client_order_id,omitempty"`
	ExecutedQty    int                `json:"executed_qty,omitempty"`
}

// DecisionLogger appends one JSON line per cycle outcome.
type DecisionLogger struct {
	runID  string
	file   *os.File
	writer *bufio.Writer
	log    zerolog.Logger
	mu     sync.Mutex
}

func NewDecisionLogger(path string, runID string, log zerolog.Logger) (*DecisionLogger, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &DecisionLogger{
		runID:  runID,
		file:   file,
		writer: bufio.NewWriter(file),
		log:    log.With().Str("component", "decisions").Logger(),
	}, nil
}

func (d *DecisionLogger) RunID() string {
	return d.runID
}

func (d *DecisionLogger) Append(decision Decision) {
	d.mu.Lock()
	defer d.mu.Unlock()
	payload, err := json.Marshal(decision)
	if err != nil {
		d.log.Error().Err(err).Msg("failed to marshal decision")
		return
	}
	if _, err := d.writer.Write(append(payload, '\n')); err != nil {
		d.log.Error().Err(err).Msg("failed to write decision")
		return
	}
	if err := d.writer.Flush(); err != nil {
		d.log.Error().Err(err).Msg("failed to flush decision log")
	}
}

func (d *DecisionLogger) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.writer.Flush(); err != nil {
		_ = d.file.Close()
		return err
	}
	return d.file.Close()
}
