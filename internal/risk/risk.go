// Package risk holds pre-trade limits and the survival filter that prunes the
// trading universe.
package risk

// Limits caps what a single conversion may commit.
type Limits struct {
	MaxNotionalPerTrade float64 // bridge units; zero means uncapped
}

func (l Limits) Allow(notional float64) bool {
	if l.MaxNotionalPerTrade <= 0 {
		return true
	}
	return notional <= l.MaxNotionalPerTrade
}

// Cap clamps notional to the per-trade limit.
func (l Limits) Cap(notional float64) float64 {
	if l.MaxNotionalPerTrade > 0 && notional > l.MaxNotionalPerTrade {
		return l.MaxNotionalPerTrade
	}
	return notional
}
