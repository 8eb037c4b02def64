package strategy

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidConfig wraps every parameter validation failure.
var ErrInvalidConfig = errors.New("invalid strategy config")

const (
	ReferenceEMA    = "ema"
	ReferenceMedian = "median"

	ScopeCoin   = "coin"
	ScopeGlobal = "global"
)

// Params expresses tunable knobs required by the trend-lock engine.
type Params struct {
	FeeRate            float64 // round-trip fee f_tx applied to every score
	BreadthK           int
	QuantileLow        float64
	QuantileHigh       float64
	EntryPersistence   int
	ExitPersistence    int
	ExitMajority       float64 // share of negative peer scores that must be exceeded
	ReferenceMode      string
	ReferenceAlpha     float64 // ema; derived from ReferenceWindow as 2/(W+1) when zero
	ReferenceWindow    int     // median window, or ema span
	QuantileWindow     int
	QuantileMinSamples int
	QuantileScope      string
	Workers            int
}

// DefaultParams mirrors the values the bot was tuned with.
func DefaultParams() Params {
	return Params{
		FeeRate:            1 - (1-0.00075)*(1-0.00075),
		BreadthK:           3,
		QuantileLow:        0.95,
		QuantileHigh:       0.99,
		EntryPersistence:   3,
		ExitPersistence:    3,
		ExitMajority:       0.5,
		ReferenceMode:      ReferenceEMA,
		ReferenceWindow:    20,
		QuantileWindow:     1000,
		QuantileMinSamples: 50,
		QuantileScope:      ScopeCoin,
		Workers:            4,
	}
}

func (p Params) alpha() float64 {
	if p.ReferenceAlpha > 0 {
		return p.ReferenceAlpha
	}
	if p.ReferenceWindow > 0 {
		return 2.0 / float64(p.ReferenceWindow+1)
	}
	return 0
}

// Validate fails fast on parameters the engine cannot honour. peers is the number of
// coins a candidate can be compared against.
func (p Params) Validate(peers int) error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	if p.FeeRate < 0 || p.FeeRate >= 1 {
		return fail("fee rate %.6f outside [0,1)", p.FeeRate)
	}
	if p.BreadthK < 1 {
		return fail("breadth K must be at least 1, got %d", p.BreadthK)
	}
	if p.BreadthK > peers {
		return fail("breadth K=%d exceeds the %d peers available", p.BreadthK, peers)
	}
	if p.QuantileLow <= 0 || p.QuantileHigh > 1 || p.QuantileLow >= p.QuantileHigh {
		return fail("quantile band [%.3f, %.3f] must satisfy 0 < low < high <= 1", p.QuantileLow, p.QuantileHigh)
	}
	if p.EntryPersistence < 1 || p.ExitPersistence < 1 {
		return fail("persistence lengths must be positive (entry=%d exit=%d)", p.EntryPersistence, p.ExitPersistence)
	}
	if p.ExitMajority < 0 || p.ExitMajority >= 1 {
		return fail("exit majority %.3f outside [0,1)", p.ExitMajority)
	}
	switch strings.ToLower(p.ReferenceMode) {
	case ReferenceEMA:
		if a := p.alpha(); a <= 0 || a > 1 {
			return fail("ema alpha %.4f outside (0,1]", a)
		}
	case ReferenceMedian:
		if p.ReferenceWindow < 1 {
			return fail("median window must be positive, got %d", p.ReferenceWindow)
		}
	default:
		return fail("unknown reference mode %q", p.ReferenceMode)
	}
	if p.QuantileMinSamples < 1 || p.QuantileWindow < p.QuantileMinSamples {
		return fail("quantile window %d must hold at least min samples %d (>=1)", p.QuantileWindow, p.QuantileMinSamples)
	}
	switch strings.ToLower(p.QuantileScope) {
	case ScopeCoin, ScopeGlobal:
	default:
		return fail("unknown quantile scope %q", p.QuantileScope)
	}
	if p.Workers < 1 {
		return fail("workers must be positive, got %d", p.Workers)
	}
	return nil
}
