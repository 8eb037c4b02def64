// Package exchange hosts price sources that produce per-tick snapshots.
package exchange

import (
	"context"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/metrics"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/signal"
)

const (
	// ProviderStub emits a seeded random walk (useful for tests/offline work).
	ProviderStub = "stub"
	// ProviderBinance aggregates the public Binance mini-ticker stream.
	ProviderBinance = "binance"
)

const (
	defaultInterval     = time.Minute
	defaultBinanceWSURL = "wss://stream.binance.com:9443/ws/!miniTicker@arr"
)

// Feed turns a market data stream into snapshots at a fixed cadence. A coin
// missing from the stream for longer than the staleness window is left out.
type Feed struct {
	provider string
	bridge   string
	log      zerolog.Logger
	interval time.Duration
	maxAge   time.Duration
	wsURL    string
	seed     int64
	mu       sync.RWMutex
	coins    []string
	latest   map[string]signal.PricePoint
	lastEmit time.Time
}

// Option configures Feed construction parameters.
type Option func(*Feed)

// WithInterval overrides the snapshot cadence.
func WithInterval(d time.Duration) Option {
	return func(f *Feed) {
		if d > 0 {
			f.interval = d
		}
	}
}

// WithMaxAge overrides how old a price may be and still enter a snapshot.
func WithMaxAge(d time.Duration) Option {
	return func(f *Feed) {
		if d > 0 {
			f.maxAge = d
		}
	}
}

// WithBinanceURL points the binance provider at another websocket endpoint.
func WithBinanceURL(url string) Option {
	return func(f *Feed) {
		if url != "" {
			f.wsURL = url
		}
	}
}

// WithSeed fixes the stub random walk.
func WithSeed(seed int64) Option {
	return func(f *Feed) { f.seed = seed }
}

// NewFeed constructs a feed backed by the requested provider.
func NewFeed(provider, bridge string, coins []string, log zerolog.Logger, opts ...Option) *Feed {
	if provider == "" {
		provider = ProviderStub
	}
	f := &Feed{
		provider: strings.ToLower(provider),
		bridge:   strings.ToUpper(strings.TrimSpace(bridge)),
		log:      log,
		interval: defaultInterval,
		wsURL:    defaultBinanceWSURL,
		seed:     1,
		latest:   make(map[string]signal.PricePoint),
	}
	f.SetCoins(coins)
	for _, opt := range opts {
		opt(f)
	}
	if f.maxAge <= 0 {
		f.maxAge = 3 * f.interval
	}
	return f
}

// SetCoins replaces the tracked coin list (deduplicated, sorted for determinism).
func (f *Feed) SetCoins(coins []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.coins = mergeCoins(nil, coins, f.bridge)
}

// AddCoins extends the tracked coin list.
func (f *Feed) AddCoins(coins []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.coins = mergeCoins(f.coins, coins, f.bridge)
}

// Coins returns the tracked coins.
func (f *Feed) Coins() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, len(f.coins))
	copy(out, f.coins)
	return out
}

// Run pushes snapshots onto out until the context is canceled.
func (f *Feed) Run(ctx context.Context, out chan<- signal.Snapshot) error {
	switch f.provider {
	case ProviderBinance:
		return f.runBinance(ctx, out)
	default:
		return f.runStub(ctx, out)
	}
}

// observe records the latest price of coin.
func (f *Feed) observe(coin string, price, volume float64, ts time.Time) {
	pt := signal.PricePoint{Coin: coin, Price: price, Volume: volume, Ts: ts}
	if !pt.Valid() {
		return
	}
	f.mu.Lock()
	f.latest[coin] = pt
	f.mu.Unlock()
	metrics.TicksTotal.WithLabelValues(coin).Inc()
}

// snapshotAt stamps every fresh price with ts.
func (f *Feed) snapshotAt(ts time.Time) signal.Snapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	snap := signal.Snapshot{Time: ts, Prices: make(map[string]signal.PricePoint, len(f.coins))}
	for _, coin := range f.coins {
		pt, ok := f.latest[coin]
		if !ok || ts.Sub(pt.Ts) > f.maxAge {
			continue
		}
		pt.Ts = ts
		snap.Prices[coin] = pt
	}
	return snap
}

// emit sends the snapshot for bucket ts unless that bucket was already sent.
func (f *Feed) emit(ctx context.Context, ts time.Time, out chan<- signal.Snapshot) error {
	ts = ts.UTC().Truncate(f.interval)
	if !ts.After(f.lastEmit) {
		return nil
	}
	snap := f.snapshotAt(ts)
	if len(snap.Prices) == 0 {
		return nil
	}
	select {
	case out <- snap:
		f.lastEmit = ts
		metrics.SnapshotsTotal.WithLabelValues(f.provider).Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Feed) runStub(ctx context.Context, out chan<- signal.Snapshot) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	rng := rand.New(rand.NewSource(f.seed))
	prices := make(map[string]float64)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			for i, coin := range f.Coins() {
				px, ok := prices[coin]
				if !ok {
					px = float64(10 * (i + 1))
				}
				px *= 1 + rng.NormFloat64()*0.002
				prices[coin] = px
				f.observe(coin, px, 1e7, now)
			}
			if err := f.emit(ctx, now, out); err != nil {
				return err
			}
		}
	}
}

func mergeCoins(base, extra []string, bridge string) []string {
	set := make(map[string]struct{}, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, c := range list {
			c = strings.ToUpper(strings.TrimSpace(c))
			if c == "" || c == bridge {
				continue
			}
			set[c] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
