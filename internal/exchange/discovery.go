package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/config"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/universe"
)

const defaultBinanceRESTURL = "https://api.binance.com"

// BinanceDiscovery grows the universe with liquid bridge-quoted coins found in the
// 24h ticker listing. It only ever adds; pruning is the survival filter's job.
type BinanceDiscovery struct {
	log      zerolog.Logger
	feed     *Feed
	registry *universe.Registry
	client   *http.Client
	baseURL  string
	cfg      config.Discovery
}

type binance24hTicker struct {
	Symbol      string `json:"symbol"`
	LastPrice   string `json:"lastPrice"`
	QuoteVolume string `json:"quoteVolume"`
}

type candidateCoin struct {
	coin   string
	volume float64
}

var leveragedSuffixes = []string{"UP", "DOWN", "BULL", "BEAR"}

// NewBinanceDiscovery constructs a discovery service; returns nil if disabled.
func NewBinanceDiscovery(log zerolog.Logger, feed *Feed, registry *universe.Registry, cfg config.Discovery) *BinanceDiscovery {
	if feed == nil || registry == nil || !cfg.Enabled {
		return nil
	}
	baseURL := cfg.RESTURL
	if baseURL == "" {
		baseURL = defaultBinanceRESTURL
	}
	return &BinanceDiscovery{
		log:      log.With().Str("component", "discovery").Logger(),
		feed:     feed,
		registry: registry,
		client:   &http.Client{Timeout: 10 * time.Second},
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		cfg:      cfg,
	}
}

// Start launches the discovery loop in a goroutine.
func (d *BinanceDiscovery) Start(ctx context.Context) {
	if d == nil {
		return
	}
	go d.loop(ctx)
}

func (d *BinanceDiscovery) loop(ctx context.Context) {
	interval := time.Duration(d.cfg.RefreshInterval) * time.Millisecond
	if interval <= 0 {
		interval = time.Hour
	}
	if _, err := d.Refresh(ctx); err != nil {
		d.log.Warn().Err(err).Msg("universe discovery refresh failed")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Refresh(ctx); err != nil {
				d.log.Warn().Err(err).Msg("universe discovery refresh failed")
			}
		}
	}
}

// Refresh performs a single discovery cycle and returns the coins it added.
func (d *BinanceDiscovery) Refresh(ctx context.Context) ([]string, error) {
	if d == nil {
		return nil, nil
	}
	candidates, err := d.discover(ctx)
	if err != nil {
		return nil, err
	}
	var added []string
	for _, cand := range candidates {
		if d.registry.Add(cand.coin) {
			added = append(added, cand.coin)
		}
	}
	if len(added) > 0 {
		d.feed.AddCoins(added)
		d.log.Info().Strs("added", added).Strs("active", d.registry.Active()).Msg("updated coin universe")
	}
	return added, nil
}

func (d *BinanceDiscovery) discover(ctx context.Context) ([]candidateCoin, error) {
	limit := d.cfg.MaxCoins
	if limit <= 0 {
		limit = 20
	}
	tickers, err := d.fetch(ctx)
	if err != nil {
		return nil, err
	}
	bridge := d.registry.Bridge()
	candidates := make([]candidateCoin, 0, len(tickers))
	for _, tk := range tickers {
		coin, ok := splitSymbol(tk.Symbol, bridge)
		if !ok || isLeveraged(coin) {
			continue
		}
		vol, err := strconv.ParseFloat(tk.QuoteVolume, 64)
		if err != nil || vol < d.cfg.MinQuoteVolume {
			continue
		}
		if px, err := strconv.ParseFloat(tk.LastPrice, 64); err != nil || px <= 0 {
			continue
		}
		candidates = append(candidates, candidateCoin{coin: coin, volume: vol})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].volume != candidates[j].volume {
			return candidates[i].volume > candidates[j].volume
		}
		return candidates[i].coin < candidates[j].coin
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

func (d *BinanceDiscovery) fetch(ctx context.Context) ([]binance24hTicker, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/api/v3/ticker/24hr", nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var payload []binance24hTicker
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func isLeveraged(coin string) bool {
	for _, suffix := range leveragedSuffixes {
		if len(coin) > len(suffix) && strings.HasSuffix(coin, suffix) {
			return true
		}
	}
	return false
}
