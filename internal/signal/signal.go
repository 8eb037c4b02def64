// Package signal standardizes payloads shared between data ingestion, the strategy engine, and execution.
package signal

import (
	"math"
	"sort"
	"time"
)

// PricePoint is one coin's price in bridge units at a snapshot timestamp.
type PricePoint struct {
	Coin   string
	Price  float64
	Volume float64 // quote volume in bridge units, 0 when the source does not report it
	Ts     time.Time
}

// Valid reports whether the point can participate in ratio computation.
func (p PricePoint) Valid() bool {
	return p.Coin != "" && p.Price > 0 && !math.IsInf(p.Price, 0) && !math.IsNaN(p.Price)
}

// Snapshot groups one price per coin at a common tick timestamp.
type Snapshot struct {
	Time   time.Time
	Prices map[string]PricePoint
}

// NewSnapshot builds a snapshot from bare prices, stamping every point with ts.
func NewSnapshot(ts time.Time, prices map[string]float64) Snapshot {
	snap := Snapshot{Time: ts, Prices: make(map[string]PricePoint, len(prices))}
	for coin, px := range prices {
		snap.Prices[coin] = PricePoint{Coin: coin, Price: px, Ts: ts}
	}
	return snap
}

// Price returns the usable price for coin at the snapshot timestamp.
func (s Snapshot) Price(coin string) (float64, bool) {
	pt, ok := s.Prices[coin]
	if !ok || !pt.Valid() {
		return 0, false
	}
	if !pt.Ts.IsZero() && !pt.Ts.Equal(s.Time) {
		return 0, false
	}
	return pt.Price, true
}

// Coins lists the symbols present in the snapshot, sorted.
func (s Snapshot) Coins() []string {
	out := make([]string, 0, len(s.Prices))
	for coin := range s.Prices {
		out = append(out, coin)
	}
	sort.Strings(out)
	return out
}

// IntentKind enumerates the decisions the engine hands to execution.
type IntentKind string

const (
	// HoldBridge keeps the portfolio in the bridge asset.
	HoldBridge IntentKind = "HOLD_BRIDGE"
	// Hold keeps the currently locked coin.
	Hold IntentKind = "HOLD"
	// Enter converts the bridge into Coin.
	Enter IntentKind = "ENTER"
	// ExitToBridge converts the locked coin back to the bridge.
	ExitToBridge IntentKind = "EXIT_TO_BRIDGE"
)

// Intent is the single per-tick output of the engine.
type Intent struct {
	Kind   IntentKind
	Coin   string
	Time   time.Time
	Reason string
}

// Trades reports whether the intent requires an order.
func (i Intent) Trades() bool {
	return i.Kind == Enter || i.Kind == ExitToBridge
}

func (i Intent) String() string {
	if i.Coin == "" {
		return string(i.Kind)
	}
	return string(i.Kind) + "(" + i.Coin + ")"
}
