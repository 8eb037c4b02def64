package strategy

import (
	"sort"
	"time"

	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/signal"
)

// PairKey names an unordered pair in canonical orientation (Base < Quote).
type PairKey struct {
	Base  string
	Quote string
}

func newPairKey(a, b string) PairKey {
	if b < a {
		a, b = b, a
	}
	return PairKey{Base: a, Quote: b}
}

func (k PairKey) String() string { return k.Base + "|" + k.Quote }

// RatioSample is price(Base)/price(Quote) at one tick.
type RatioSample struct {
	Pair  PairKey
	Ts    time.Time
	Ratio float64
}

// Ratios returns the canonical pairwise ratios for the given coins. Coins without a
// usable price at the snapshot timestamp are left out of every pair.
func Ratios(snap signal.Snapshot, coins []string) []RatioSample {
	priced := make([]string, 0, len(coins))
	prices := make(map[string]float64, len(coins))
	for _, c := range coins {
		if _, dup := prices[c]; dup {
			continue
		}
		if px, ok := snap.Price(c); ok {
			priced = append(priced, c)
			prices[c] = px
		}
	}
	sort.Strings(priced)

	out := make([]RatioSample, 0, len(priced)*(len(priced)-1)/2)
	for i := 0; i < len(priced); i++ {
		for j := i + 1; j < len(priced); j++ {
			out = append(out, RatioSample{
				Pair:  PairKey{Base: priced[i], Quote: priced[j]},
				Ts:    snap.Time,
				Ratio: prices[priced[i]] / prices[priced[j]],
			})
		}
	}
	return out
}
