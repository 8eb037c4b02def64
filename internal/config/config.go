// Package config exposes strongly typed application configuration structs loaded from YAML.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/strategy"
)

// App captures process-wide runtime settings such as name, environment, metrics, and logging levels.
type App struct {
	Name        string
	Env         string
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// Engine holds the universe and every trend-lock knob.
type Engine struct {
	Bridge             string   `yaml:"bridge"`
	Coins              []string `yaml:"coins"`
	FeePerLeg          float64  `yaml:"fee_per_leg"`
	RoundTripFee       float64  `yaml:"round_trip_fee"` // overrides fee_per_leg when set
	BreadthK           int      `yaml:"breadth_k"`
	QuantileLow        float64  `yaml:"quantile_low"`
	QuantileHigh       float64  `yaml:"quantile_high"`
	EntryPersistence   int      `yaml:"entry_persistence"`
	ExitPersistence    int      `yaml:"exit_persistence"`
	ExitMajority       float64  `yaml:"exit_majority"`
	ReferenceMode      string   `yaml:"reference_mode"`
	ReferenceAlpha     float64  `yaml:"reference_alpha"`
	ReferenceWindow    int      `yaml:"reference_window"`
	QuantileWindow     int      `yaml:"quantile_window"`
	QuantileMinSamples int      `yaml:"quantile_min_samples"`
	QuantileScope      string   `yaml:"quantile_scope"`
	Workers            int      `yaml:"workers"`
}

// Survival configures the slow-cadence universe pruning.
type Survival struct {
	Enabled        bool    `yaml:"enabled"`
	EveryTicks     int     `yaml:"every_ticks"`
	MinVolume      float64 `yaml:"min_volume"` // rolling 24h quote volume, bridge units
	MaxDrawdown    float64 `yaml:"max_drawdown"`
	BottomFraction float64 `yaml:"bottom_fraction"`
	Evaluations    int     `yaml:"evaluations"`
}

// Exchange describes where prices come from.
type Exchange struct {
	Name       string    `yaml:"name"` // stub | binance
	WSURL      string    `yaml:"ws_url"`
	IntervalMs int       `yaml:"interval_ms"`
	Discovery  Discovery `yaml:"discovery"`
}

// Discovery configures automatic universe growth from exchange 24h tickers.
type Discovery struct {
	Enabled         bool    `yaml:"enabled"`
	RESTURL         string  `yaml:"rest_url"`
	RefreshInterval int     `yaml:"refresh_interval_ms"`
	MinQuoteVolume  float64 `yaml:"min_quote_volume"`
	MaxCoins        int     `yaml:"max_coins"`
}

// Risk encodes guard-rails for how much size the executor may take on.
type Risk struct {
	MaxNotionalPerTrade float64 `yaml:"max_notional_per_trade"`
}

// Paper captures paper-trading account settings.
type Paper struct {
	StartingCash float64 `yaml:"starting_cash"`
	FeeRate      float64 `yaml:"fee_rate"`
	FillsPath    string  `yaml:"fills_path"`
}

// Store selects the checkpoint database.
type Store struct {
	DSN        string `yaml:"dsn"`
	Checkpoint string `yaml:"checkpoint"`
}

// Telegram holds bot credentials; usually supplied through the environment.
type Telegram struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  int64  `yaml:"chat_id"`
}

// Notify groups notification channels.
type Notify struct {
	Telegram Telegram `yaml:"telegram"`
}

// Config collects every configuration leaf for easy marshaling from YAML.
type Config struct {
	App      App      `yaml:"app"`
	Engine   Engine   `yaml:"engine"`
	Survival Survival `yaml:"survival"`
	Exchange Exchange `yaml:"exchange"`
	Risk     Risk     `yaml:"risk"`
	Paper    Paper    `yaml:"paper"`
	Store    Store    `yaml:"store"`
	Notify   Notify   `yaml:"notify"`
}

// Load reads a YAML file from disk and hydrates a Config struct.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var config Config
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	return &config, nil
}

// Save persists a Config struct to disk as YAML.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// LoadEnv reads .env style files into the process environment. Missing files are
// skipped; existing variables win.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides secrets and endpoints from the environment.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("BINANCE_WS_URL"); v != "" {
		c.Exchange.WSURL = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Notify.Telegram.Token = v
		c.Notify.Telegram.Enabled = true
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("TELEGRAM_CHAT_ID: %w", err)
		}
		c.Notify.Telegram.ChatID = id
	}
	return nil
}

// Params converts the engine section into strategy parameters, falling back to
// strategy.DefaultParams for unset knobs.
func (e Engine) Params() strategy.Params {
	p := strategy.DefaultParams()
	switch {
	case e.RoundTripFee > 0:
		p.FeeRate = e.RoundTripFee
	case e.FeePerLeg > 0:
		p.FeeRate = 1 - (1-e.FeePerLeg)*(1-e.FeePerLeg)
	}
	if e.BreadthK > 0 {
		p.BreadthK = e.BreadthK
	}
	if e.QuantileLow > 0 {
		p.QuantileLow = e.QuantileLow
	}
	if e.QuantileHigh > 0 {
		p.QuantileHigh = e.QuantileHigh
	}
	if e.EntryPersistence > 0 {
		p.EntryPersistence = e.EntryPersistence
	}
	if e.ExitPersistence > 0 {
		p.ExitPersistence = e.ExitPersistence
	}
	if e.ExitMajority > 0 {
		p.ExitMajority = e.ExitMajority
	}
	if e.ReferenceMode != "" {
		p.ReferenceMode = strings.ToLower(e.ReferenceMode)
	}
	if e.ReferenceAlpha > 0 {
		p.ReferenceAlpha = e.ReferenceAlpha
	}
	if e.ReferenceWindow > 0 {
		p.ReferenceWindow = e.ReferenceWindow
	}
	if e.QuantileWindow > 0 {
		p.QuantileWindow = e.QuantileWindow
	}
	if e.QuantileMinSamples > 0 {
		p.QuantileMinSamples = e.QuantileMinSamples
	}
	if e.QuantileScope != "" {
		p.QuantileScope = strings.ToLower(e.QuantileScope)
	}
	if e.Workers > 0 {
		p.Workers = e.Workers
	}
	return p
}

// Validate fails fast on settings the bot cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Engine.Bridge) == "" {
		return errors.New("engine.bridge is required")
	}
	if len(c.Engine.Coins) < 2 {
		return fmt.Errorf("engine.coins needs at least 2 coins, got %d", len(c.Engine.Coins))
	}
	if err := c.Engine.Params().Validate(len(c.Engine.Coins) - 1); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if c.Survival.Enabled && c.Survival.EveryTicks < 1 {
		return errors.New("survival.every_ticks must be positive when survival is enabled")
	}
	if c.Survival.MaxDrawdown < 0 || c.Survival.MaxDrawdown >= 1 {
		return fmt.Errorf("survival.max_drawdown %.3f outside [0,1)", c.Survival.MaxDrawdown)
	}
	switch strings.ToLower(c.Exchange.Name) {
	case "", "stub", "binance":
	default:
		return fmt.Errorf("unknown exchange %q", c.Exchange.Name)
	}
	if c.Paper.StartingCash < 0 {
		return errors.New("paper.starting_cash must not be negative")
	}
	if c.Paper.FeeRate < 0 || c.Paper.FeeRate >= 1 {
		return fmt.Errorf("paper.fee_rate %.6f outside [0,1)", c.Paper.FeeRate)
	}
	if t := c.Notify.Telegram; t.Enabled && (t.Token == "" || t.ChatID == 0) {
		return errors.New("notify.telegram requires token and chat_id")
	}
	return nil
}
