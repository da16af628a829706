package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"emabot/internal/md"
	"emabot/internal/strategy"
)

type Mode string

const (
	ModeDryRun Mode = "dry-run"
	ModePaper  Mode = "paper"
	ModeLive   Mode = "live"
)

// Trigger selects how decision cycles are started.
type Trigger string

const (
	TriggerStream Trigger = "stream"
	TriggerClock  Trigger = "clock"
)

const (
	paperBaseURL = "https://paper-api.alpaca.markets"
	liveBaseURL  = "https://api.alpaca.markets"
)

// Instrument is one tracked symbol with its fully resolved strategy parameters.
type Instrument struct {
	Symbol    string          `yaml:"symbol"`
	Overrides yaml.Node       `yaml:"strategy"`
	Strategy  strategy.Params `yaml:"-"`
}

type Config struct {
	Mode              Mode          `yaml:"mode"`
	Trigger           Trigger       `yaml:"trigger"`
	Feed              string        `yaml:"feed"`
	Interval          string        `yaml:"interval"`
	Lookback          int           `yaml:"lookback"`
	PollPeriod        time.Duration `yaml:"poll_period"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	MaxNotional       float64       `yaml:"max_notional"`
	Cooldown          time.Duration `yaml:"cooldown"`
	KillSwitch        bool          `yaml:"kill_switch"`
	ExtendedHours     bool          `yaml:"extended_hours"`
	TimeInForce       string        `yaml:"time_in_force"`
	HTTPAddr          string        `yaml:"http_addr"`
	LogLevel          string        `yaml:"log_level"`
	LogFormat         string        `yaml:"log_format"`
	DecisionsPath     string        `yaml:"decisions_path"`
	CheckpointPath    string        `yaml:"checkpoint_path"`
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"-"`
	APISecret         string        `yaml:"-"`

	Defaults    strategy.Params `yaml:"defaults"`
	Instruments []Instrument    `yaml:"instruments"`

	// Resolved from Interval by Load.
	Bars md.Interval `yaml:"-"`
}

func defaults() Config {
	return Config{
		Mode:              ModeDryRun,
		Trigger:           TriggerClock,
		Feed:              "iex",
		Interval:          "hour",
		Lookback:          7 * 24,
		PollPeriod:        5 * time.Second,
		ReconcileInterval: 30 * time.Second,
		TimeInForce:       "day",
		HTTPAddr:          "0.0.0.0:5000",
		LogLevel:          "info",
		LogFormat:         "json",
		DecisionsPath:     "decisions.ndjson",
		CheckpointPath:    "checkpoint.json",
		Defaults:          strategy.DefaultParams(),
	}
}

func Load() (Config, error) {
	cfg := defaults()
	flags := defaults()
	var mode, trigger, symbols, configPath string

	loadDotEnvIfPresent(".env")

	flag.StringVar(&configPath, "config", "", "path to YAML config file")
	flag.StringVar(&mode, "mode", string(flags.Mode), "run mode: dry-run, paper or live")
	flag.StringVar(&trigger, "trigger", string(flags.Trigger), "cycle trigger: stream or clock")
	flag.StringVar(&symbols, "symbols", "", "comma separated symbols, replaces the configured instruments")
	flag.StringVar(&flags.Feed, "feed", flags.Feed, "market data feed: iex or sip")
	flag.StringVar(&flags.Interval, "interval", flags.Interval, "candle interval: 1min..30min, hour, day, week, month")
	flag.IntVar(&flags.Lookback, "lookback", flags.Lookback, "number of intervals fetched per cycle")
	flag.DurationVar(&flags.PollPeriod, "poll-period", flags.PollPeriod, "clock trigger wake period")
	flag.DurationVar(&flags.ReconcileInterval, "reconcile-interval", flags.ReconcileInterval, "position reconciliation interval")
	flag.Float64Var(&flags.MaxNotional, "max-notional", flags.MaxNotional, "max notional per buy order, 0 disables")
	flag.DurationVar(&flags.Cooldown, "cooldown", flags.Cooldown, "minimum time between orders per symbol")
	flag.BoolVar(&flags.KillSwitch, "kill-switch", flags.KillSwitch, "if true, never place orders")
	flag.BoolVar(&flags.ExtendedHours, "extended-hours", flags.ExtendedHours, "allow extended hours; market intents are sent as limit orders at the close")
	flag.StringVar(&flags.TimeInForce, "time-in-force", flags.TimeInForce, "time in force: day or gtc")
	flag.StringVar(&flags.HTTPAddr, "http-addr", flags.HTTPAddr, "read model HTTP listen address")
	flag.StringVar(&flags.LogLevel, "log-level", flags.LogLevel, "log level")
	flag.StringVar(&flags.LogFormat, "log-format", flags.LogFormat, "log format: json or console")
	flag.StringVar(&flags.DecisionsPath, "decisions-path", flags.DecisionsPath, "path to decisions log")
	flag.StringVar(&flags.CheckpointPath, "checkpoint-path", flags.CheckpointPath, "path to checkpoint file")
	flag.StringVar(&flags.BaseURL, "base-url", flags.BaseURL, "trading API base URL, derived from mode when empty")
	flag.Parse()
	flags.Mode = Mode(mode)
	flags.Trigger = Trigger(trigger)

	if configPath != "" {
		if err := loadFile(configPath, &cfg); err != nil {
			return cfg, err
		}
	}
	applyFlags(&cfg, flags)

	if symbols != "" {
		cfg.Instruments = nil
		for _, sym := range strings.Split(symbols, ",") {
			if sym = strings.TrimSpace(sym); sym != "" {
				cfg.Instruments = append(cfg.Instruments, Instrument{Symbol: strings.ToUpper(sym)})
			}
		}
	}
	if len(cfg.Instruments) == 0 {
		cfg.Instruments = []Instrument{{Symbol: "MSFT"}}
	}
	if err := resolveInstruments(&cfg); err != nil {
		return cfg, err
	}

	cfg.APIKey = os.Getenv("APCA_API_KEY_ID")
	cfg.APISecret = os.Getenv("APCA_API_SECRET_KEY")
	if cfg.BaseURL == "" {
		cfg.BaseURL = paperBaseURL
		if cfg.Mode == ModeLive {
			cfg.BaseURL = liveBaseURL
		}
	}

	if err := validate(cfg); err != nil {
		return cfg, err
	}
	cfg.Bars, _ = md.ParseInterval(cfg.Interval)
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
		return fmt.Errorf("decode yaml: %w", err)
	}
	return nil
}

// applyFlags copies only the flags set on the command line, so they win over the file.
func applyFlags(cfg *Config, flags Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mode":
			cfg.Mode = flags.Mode
		case "trigger":
			cfg.Trigger = flags.Trigger
		case "feed":
			cfg.Feed = flags.Feed
		case "interval":
			cfg.Interval = flags.Interval
		case "lookback":
			cfg.Lookback = flags.Lookback
		case "poll-period":
			cfg.PollPeriod = flags.PollPeriod
		case "reconcile-interval":
			cfg.ReconcileInterval = flags.ReconcileInterval
		case "max-notional":
			cfg.MaxNotional = flags.MaxNotional
		case "cooldown":
			cfg.Cooldown = flags.Cooldown
		case "kill-switch":
			cfg.KillSwitch = flags.KillSwitch
		case "extended-hours":
			cfg.ExtendedHours = flags.ExtendedHours
		case "time-in-force":
			cfg.TimeInForce = flags.TimeInForce
		case "http-addr":
			cfg.HTTPAddr = flags.HTTPAddr
		case "log-level":
			cfg.LogLevel = flags.LogLevel
		case "log-format":
			cfg.LogFormat = flags.LogFormat
		case "decisions-path":
			cfg.DecisionsPath = flags.DecisionsPath
		case "checkpoint-path":
			cfg.CheckpointPath = flags.CheckpointPath
		case "base-url":
			cfg.BaseURL = flags.BaseURL
		}
	})
}

// resolveInstruments layers each instrument's strategy overrides on top of the defaults.
func resolveInstruments(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Instruments))
	for i := range cfg.Instruments {
		inst := &cfg.Instruments[i]
		inst.Symbol = strings.ToUpper(strings.TrimSpace(inst.Symbol))
		if seen[inst.Symbol] {
			return fmt.Errorf("duplicate instrument: %s", inst.Symbol)
		}
		seen[inst.Symbol] = true
		inst.Strategy = cfg.Defaults
		if inst.Overrides.Kind == 0 {
			continue
		}
		if err := inst.Overrides.Decode(&inst.Strategy); err != nil {
			return fmt.Errorf("decode strategy for %s: %w", inst.Symbol, err)
		}
	}
	return nil
}

func validate(cfg Config) error {
	if cfg.Mode != ModeDryRun && cfg.Mode != ModePaper && cfg.Mode != ModeLive {
		return fmt.Errorf("invalid mode: %s", cfg.Mode)
	}
	if cfg.Trigger != TriggerStream && cfg.Trigger != TriggerClock {
		return fmt.Errorf("invalid trigger: %s", cfg.Trigger)
	}
	if cfg.APIKey == "" || cfg.APISecret == "" {
		if cfg.Mode != ModeDryRun {
			return fmt.Errorf("APCA_API_KEY_ID and APCA_API_SECRET_KEY are required in %s mode", cfg.Mode)
		}
	}
	if _, err := md.ParseInterval(cfg.Interval); err != nil {
		return err
	}
	if cfg.Lookback < 2 {
		return fmt.Errorf("lookback must be >= 2")
	}
	if cfg.PollPeriod <= 0 {
		return fmt.Errorf("poll-period must be > 0")
	}
	if cfg.ReconcileInterval <= 0 {
		return fmt.Errorf("reconcile-interval must be > 0")
	}
	if cfg.MaxNotional < 0 {
		return fmt.Errorf("max-notional must be >= 0")
	}
	if cfg.Cooldown < 0 {
		return fmt.Errorf("cooldown must be >= 0")
	}
	if cfg.TimeInForce != "day" && cfg.TimeInForce != "gtc" {
		return fmt.Errorf("unsupported time in force: %s", cfg.TimeInForce)
	}
	if len(cfg.Instruments) == 0 {
		return fmt.Errorf("at least one instrument is required")
	}
	var errs []error
	for _, inst := range cfg.Instruments {
		if inst.Symbol == "" {
			errs = append(errs, fmt.Errorf("instrument symbol must not be empty"))
			continue
		}
		if err := inst.Strategy.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", inst.Symbol, err))
		}
	}
	return errors.Join(errs...)
}

func loadDotEnvIfPresent(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	_ = loadDotEnv(path)
}

// loadDotEnv never overrides variables already present in the environment.
func loadDotEnv(path string) error {
	return godotenv.Load(path)
}
