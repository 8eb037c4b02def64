package risk

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/metrics"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/signal"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/universe"
)

const (
	ReasonIlliquid   = "illiquid"
	ReasonDrawdown   = "drawdown"
	ReasonBottomRank = "bottom_rank"
)

// SurvivalConfig sets the thresholds; a zero threshold disables its criterion.
type SurvivalConfig struct {
	MinVolume      float64 // rolling 24h quote volume reported by the feed, bridge units
	MaxDrawdown    float64 // fraction below the running peak
	BottomFraction float64 // share of ranked coins treated as the bottom
	Evaluations    int     // consecutive failing evaluations before flagging
}

// SurvivalFilter flags chronically unsuitable coins. It never flags the active coin;
// such flags wait until the lock is released.
type SurvivalFilter struct {
	mu       sync.Mutex
	cfg      SurvivalConfig
	registry *universe.Registry
	log      zerolog.Logger
	peaks    map[string]float64
	strikes  map[string]map[string]int
	pending  map[string]universe.Flag
}

// NewSurvivalFilter applies defaults to cfg.
func NewSurvivalFilter(cfg SurvivalConfig, registry *universe.Registry, log zerolog.Logger) *SurvivalFilter {
	if cfg.Evaluations <= 0 {
		cfg.Evaluations = 3
	}
	return &SurvivalFilter{
		cfg:      cfg,
		registry: registry,
		log:      log.With().Str("component", "survival").Logger(),
		peaks:    make(map[string]float64),
		strikes:  make(map[string]map[string]int),
		pending:  make(map[string]universe.Flag),
	}
}

// Evaluate runs one survival pass. scores holds each coin's mean cross-sectional
// score from the latest tick. It returns the flags applied to the registry.
func (f *SurvivalFilter) Evaluate(snap signal.Snapshot, scores map[string]float64, activeCoin string) []universe.Flag {
	f.mu.Lock()
	defer f.mu.Unlock()

	applied := f.flushLocked(activeCoin)
	coins := f.registry.Active()
	bottom := f.bottomLocked(coins, scores)

	for _, coin := range coins {
		var failing []string
		if pt, ok := snap.Prices[coin]; ok && pt.Valid() {
			if f.cfg.MinVolume > 0 && pt.Volume > 0 && pt.Volume < f.cfg.MinVolume {
				failing = append(failing, ReasonIlliquid)
			}
			if f.cfg.MaxDrawdown > 0 {
				peak := math.Max(f.peaks[coin], pt.Price)
				f.peaks[coin] = peak
				if 1-pt.Price/peak > f.cfg.MaxDrawdown {
					failing = append(failing, ReasonDrawdown)
				}
			}
		}
		if bottom[coin] {
			failing = append(failing, ReasonBottomRank)
		}

		reason := f.strikeLocked(coin, failing)
		if reason == "" {
			continue
		}
		flag := universe.Flag{Coin: coin, Reason: reason, Ts: snap.Time}
		if coin == activeCoin {
			if _, waiting := f.pending[coin]; !waiting {
				f.pending[coin] = flag
				f.log.Info().Str("coin", coin).Str("reason", reason).Msg("active coin flag deferred until exit")
			}
			continue
		}
		if f.applyLocked(flag) {
			applied = append(applied, flag)
		}
	}
	return applied
}

// Flush applies deferred flags for every coin except activeCoin.
func (f *SurvivalFilter) Flush(activeCoin string) []universe.Flag {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushLocked(activeCoin)
}

// Pending lists deferred flags, sorted by coin.
func (f *SurvivalFilter) Pending() []universe.Flag {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]universe.Flag, 0, len(f.pending))
	for _, fl := range f.pending {
		out = append(out, fl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Coin < out[j].Coin })
	return out
}

func (f *SurvivalFilter) flushLocked(activeCoin string) []universe.Flag {
	var out []universe.Flag
	for coin, flag := range f.pending {
		if coin == activeCoin {
			continue
		}
		delete(f.pending, coin)
		if f.applyLocked(flag) {
			out = append(out, flag)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Coin < out[j].Coin })
	return out
}

func (f *SurvivalFilter) applyLocked(flag universe.Flag) bool {
	if err := f.registry.Flag(flag); err != nil {
		f.log.Warn().Err(err).Str("coin", flag.Coin).Msg("flag rejected")
		return false
	}
	delete(f.strikes, flag.Coin)
	delete(f.peaks, flag.Coin)
	metrics.SurvivalFlags.WithLabelValues(flag.Reason).Inc()
	f.log.Warn().Str("coin", flag.Coin).Str("reason", flag.Reason).Msg("coin flagged for removal")
	return true
}

// strikeLocked advances each failing criterion and resets the rest. It returns the
// reasons that reached the evaluation count, joined, or "".
func (f *SurvivalFilter) strikeLocked(coin string, failing []string) string {
	counts := f.strikes[coin]
	if counts == nil {
		counts = make(map[string]int)
		f.strikes[coin] = counts
	}
	hit := make(map[string]bool, len(failing))
	for _, r := range failing {
		hit[r] = true
		counts[r]++
	}
	var reached []string
	for _, r := range []string{ReasonIlliquid, ReasonDrawdown, ReasonBottomRank} {
		if !hit[r] {
			delete(counts, r)
			continue
		}
		if counts[r] >= f.cfg.Evaluations {
			reached = append(reached, r)
		}
	}
	return strings.Join(reached, ",")
}

// bottomLocked picks the lowest-scoring share of coins. Fewer than three scored
// coins gives no ranking.
func (f *SurvivalFilter) bottomLocked(coins []string, scores map[string]float64) map[string]bool {
	if f.cfg.BottomFraction <= 0 {
		return nil
	}
	ranked := make([]string, 0, len(coins))
	for _, c := range coins {
		if _, ok := scores[c]; ok {
			ranked = append(ranked, c)
		}
	}
	if len(ranked) < 3 {
		return nil
	}
	sort.Slice(ranked, func(i, j int) bool {
		if scores[ranked[i]] != scores[ranked[j]] {
			return scores[ranked[i]] < scores[ranked[j]]
		}
		return ranked[i] < ranked[j]
	})
	n := int(math.Ceil(f.cfg.BottomFraction * float64(len(ranked))))
	if n >= len(ranked) {
		n = len(ranked) - 1
	}
	out := make(map[string]bool, n)
	for _, c := range ranked[:n] {
		out[c] = true
	}
	return out
}

// ErrInvalidSurvivalState rejects a saved survival state that cannot be restored.
var ErrInvalidSurvivalState = errors.New("invalid survival state")

// SurvivalState is the part of the filter that must outlive a restart.
type SurvivalState struct {
	Peaks   map[string]float64        `json:"peaks,omitempty"`
	Strikes map[string]map[string]int `json:"strikes,omitempty"`
	Pending []universe.Flag           `json:"pending,omitempty"`
}

// Snapshot copies peaks, strike counts and deferred flags.
func (f *SurvivalFilter) Snapshot() SurvivalState {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := SurvivalState{
		Peaks:   make(map[string]float64, len(f.peaks)),
		Strikes: make(map[string]map[string]int, len(f.strikes)),
	}
	for coin, peak := range f.peaks {
		st.Peaks[coin] = peak
	}
	for coin, counts := range f.strikes {
		if len(counts) == 0 {
			continue
		}
		cp := make(map[string]int, len(counts))
		for r, n := range counts {
			cp[r] = n
		}
		st.Strikes[coin] = cp
	}
	for _, fl := range f.pending {
		st.Pending = append(st.Pending, fl)
	}
	sort.Slice(st.Pending, func(i, j int) bool { return st.Pending[i].Coin < st.Pending[j].Coin })
	return st
}

// Restore replaces the filter's memory with st. Nothing changes on error.
func (f *SurvivalFilter) Restore(st SurvivalState) error {
	peaks := make(map[string]float64, len(st.Peaks))
	for coin, peak := range st.Peaks {
		if !(peak > 0) || math.IsInf(peak, 0) {
			return fmt.Errorf("%w: peak %v for %s", ErrInvalidSurvivalState, peak, coin)
		}
		peaks[coin] = peak
	}
	strikes := make(map[string]map[string]int, len(st.Strikes))
	for coin, counts := range st.Strikes {
		cp := make(map[string]int, len(counts))
		for r, n := range counts {
			if n < 0 {
				return fmt.Errorf("%w: %s strikes for %s", ErrInvalidSurvivalState, r, coin)
			}
			cp[r] = n
		}
		strikes[coin] = cp
	}
	pending := make(map[string]universe.Flag, len(st.Pending))
	for _, fl := range st.Pending {
		if _, known := f.registry.Status(fl.Coin); !known {
			return fmt.Errorf("%w: deferred flag for unknown coin %q", ErrInvalidSurvivalState, fl.Coin)
		}
		pending[fl.Coin] = fl
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.peaks, f.strikes, f.pending = peaks, strikes, pending
	return nil
}

// String summarises the configuration for startup logs.
func (c SurvivalConfig) String() string {
	return fmt.Sprintf("min_volume=%.2f max_drawdown=%.2f bottom=%.2f evaluations=%d",
		c.MinVolume, c.MaxDrawdown, c.BottomFraction, c.Evaluations)
}

// EvaluationDue reports whether a survival pass is due after ticks evaluations.
func EvaluationDue(ticks uint64, every int) bool {
	if every <= 0 {
		return false
	}
	return ticks > 0 && ticks%uint64(every) == 0
}
