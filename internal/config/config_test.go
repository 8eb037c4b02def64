package config

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/strategy"
)

func TestLoad(t *testing.T) {
	path := filepath.Join("testdata", "config.yaml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.App.Name != "trendlock-test" {
		t.Fatalf("unexpected App.Name: %s", cfg.App.Name)
	}
	if cfg.App.MetricsAddr != ":9101" || cfg.App.LogLevel != "debug" {
		t.Fatalf("unexpected app section: %+v", cfg.App)
	}
	if cfg.Engine.Bridge != "USDT" || len(cfg.Engine.Coins) != 5 {
		t.Fatalf("unexpected universe: %s %+v", cfg.Engine.Bridge, cfg.Engine.Coins)
	}
	if cfg.Engine.ExitPersistence != 4 {
		t.Fatalf("unexpected exit persistence: %d", cfg.Engine.ExitPersistence)
	}
	if !cfg.Survival.Enabled || cfg.Survival.EveryTicks != 60 || cfg.Survival.Evaluations != 5 {
		t.Fatalf("unexpected survival section: %+v", cfg.Survival)
	}
	if cfg.Exchange.Name != "binance" || cfg.Exchange.IntervalMs != 60000 {
		t.Fatalf("unexpected exchange section: %+v", cfg.Exchange)
	}
	if cfg.Exchange.Discovery.MaxCoins != 20 || cfg.Exchange.Discovery.RESTURL != "https://api.binance.com" {
		t.Fatalf("unexpected discovery section: %+v", cfg.Exchange.Discovery)
	}
	if cfg.Risk.MaxNotionalPerTrade != 2500 {
		t.Fatalf("unexpected max notional: %.2f", cfg.Risk.MaxNotionalPerTrade)
	}
	if cfg.Paper.StartingCash != 5000 || cfg.Paper.FeeRate != 0.00075 {
		t.Fatalf("unexpected paper section: %+v", cfg.Paper)
	}
	if cfg.Store.DSN != "data/trendlock.db" || cfg.Store.Checkpoint != "engine" {
		t.Fatalf("unexpected store section: %+v", cfg.Store)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("fixture should validate: %v", err)
	}
}

func TestEngineParams(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "config.yaml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	p := cfg.Engine.Params()
	want := 1 - (1-0.00075)*(1-0.00075)
	if math.Abs(p.FeeRate-want) > 1e-15 {
		t.Fatalf("expected round-trip fee %.8f, got %.8f", want, p.FeeRate)
	}
	if p.ExitPersistence != 4 || p.BreadthK != 3 || p.ReferenceMode != strategy.ReferenceEMA {
		t.Fatalf("unexpected params %+v", p)
	}

	p = Engine{}.Params()
	if p != strategy.DefaultParams() {
		t.Fatalf("empty engine section should yield defaults")
	}
}

func TestValidateRejectsBadEngine(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "config.yaml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	cfg.Engine.BreadthK = 5
	if err := cfg.Validate(); !errors.Is(err, strategy.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for K above peers, got %v", err)
	}

	cfg.Engine.BreadthK = 3
	cfg.Notify.Telegram.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected telegram credentials error")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("TELEGRAM_BOT_TOKEN=abc\nTELEGRAM_CHAT_ID=42\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("DATABASE_URL", "postgres://bot@localhost/trendlock")
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("TELEGRAM_CHAT_ID", "")
	os.Unsetenv("TELEGRAM_BOT_TOKEN")
	os.Unsetenv("TELEGRAM_CHAT_ID")

	if err := LoadEnv(envFile, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	cfg := &Config{}
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Store.DSN != "postgres://bot@localhost/trendlock" {
		t.Fatalf("DATABASE_URL not applied: %s", cfg.Store.DSN)
	}
	if !cfg.Notify.Telegram.Enabled || cfg.Notify.Telegram.Token != "abc" || cfg.Notify.Telegram.ChatID != 42 {
		t.Fatalf("telegram env not applied: %+v", cfg.Notify.Telegram)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "config.yaml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	out := filepath.Join(t.TempDir(), "saved.yaml")
	if err := Save(out, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	back, err := Load(out)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if back.Engine.QuantileWindow != cfg.Engine.QuantileWindow || back.Survival.BottomFraction != cfg.Survival.BottomFraction {
		t.Fatalf("round trip lost engine fields")
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
}
