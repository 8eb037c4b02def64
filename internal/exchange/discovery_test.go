package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/config"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/universe"
)

func TestBinanceDiscoveryRefreshAddsLiquidCoins(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/ticker/24hr" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`[
			{"symbol": "BTCUSDT", "lastPrice": "43000.1", "quoteVolume": "900000000"},
			{"symbol": "SOLUSDT", "lastPrice": "98.2", "quoteVolume": "250000000"},
			{"symbol": "ADAUSDT", "lastPrice": "0.55", "quoteVolume": "150000000"},
			{"symbol": "DOGEUSDT", "lastPrice": "0.08", "quoteVolume": "1000"},
			{"symbol": "BTCUPUSDT", "lastPrice": "12.0", "quoteVolume": "800000000"},
			{"symbol": "ETHBTC", "lastPrice": "0.05", "quoteVolume": "900000000"},
			{"symbol": "DEADUSDT", "lastPrice": "0", "quoteVolume": "900000000"}
		]`))
	}))
	defer server.Close()

	registry := universe.NewRegistry("USDT", []string{"BTC", "ETH"})
	feed := NewFeed(ProviderStub, "USDT", registry.Active(), zerolog.Nop())
	disc := NewBinanceDiscovery(zerolog.Nop(), feed, registry, config.Discovery{
		Enabled:         true,
		RESTURL:         server.URL + "/",
		RefreshInterval: 1000,
		MinQuoteVolume:  1_000_000,
		MaxCoins:        2,
	})
	if disc == nil {
		t.Fatalf("expected discovery to be constructed")
	}
	disc.client = server.Client()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	added, err := disc.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}
	if len(added) != 1 || added[0] != "SOL" {
		t.Fatalf("expected SOL to be added, got %v", added)
	}
	if !registry.IsActive("SOL") || registry.IsActive("ADA") {
		t.Fatalf("unexpected registry membership %v", registry.Active())
	}
	coins := feed.Coins()
	if len(coins) != 3 || coins[2] != "SOL" {
		t.Fatalf("feed should track discovered coin, got %v", coins)
	}

	added, err = disc.Refresh(ctx)
	if err != nil || len(added) != 0 {
		t.Fatalf("second refresh should be a no-op, got %v %v", added, err)
	}
}

func TestBinanceDiscoveryKeepsFlaggedCoinsFlagged(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"symbol": "LUNAUSDT", "lastPrice": "1.0", "quoteVolume": "5000000"}]`))
	}))
	defer server.Close()

	registry := universe.NewRegistry("USDT", []string{"BTC", "ETH", "LUNA"})
	if err := registry.Flag(universe.Flag{Coin: "LUNA", Reason: "drawdown"}); err != nil {
		t.Fatalf("flag: %v", err)
	}
	feed := NewFeed(ProviderStub, "USDT", registry.Active(), zerolog.Nop())
	disc := NewBinanceDiscovery(zerolog.Nop(), feed, registry, config.Discovery{Enabled: true, RESTURL: server.URL})
	disc.client = server.Client()

	if _, err := disc.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if st, _ := registry.Status("LUNA"); st != universe.FlaggedForRemoval {
		t.Fatalf("discovery must not reinstate flagged coins, got %s", st)
	}
}

func TestBinanceDiscoveryReportsHTTPErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer server.Close()

	registry := universe.NewRegistry("USDT", []string{"BTC", "ETH"})
	feed := NewFeed(ProviderStub, "USDT", registry.Active(), zerolog.Nop())
	disc := NewBinanceDiscovery(zerolog.Nop(), feed, registry, config.Discovery{Enabled: true, RESTURL: server.URL})
	disc.client = server.Client()
	if _, err := disc.Refresh(context.Background()); err == nil {
		t.Fatalf("expected error on non-200 status")
	}
}

func TestBinanceDiscoveryDisabled(t *testing.T) {
	registry := universe.NewRegistry("USDT", []string{"BTC"})
	feed := NewFeed(ProviderStub, "USDT", registry.Active(), zerolog.Nop())
	if d := NewBinanceDiscovery(zerolog.Nop(), feed, registry, config.Discovery{}); d != nil {
		t.Fatalf("disabled discovery should be nil")
	}
}
