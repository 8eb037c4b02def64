// Package strategy turns price snapshots into trend-lock intents: pairwise ratios,
// smoothed references, fee-adjusted scores, rolling quantiles, breadth, persistence
// and the IDLE/TREND_LOCK state machine.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/metrics"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/signal"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/universe"
)

// ErrOutOfOrder is returned for a snapshot not strictly newer than the last tick.
var ErrOutOfOrder = errors.New("snapshot out of order")

// TrendLock is the cross-sectional trend-lock engine. It is safe for concurrent
// use; evaluations are serialised.
type TrendLock struct {
	mu        sync.Mutex
	params    Params
	log       zerolog.Logger
	registry  *universe.Registry
	refs      *ReferenceTracker
	quantiles *QuantileTracker
	machine   *TrendLockMachine
	lastTick  time.Time
	ticks     uint64
	records   []BreadthRecord
}

// New validates params against the registry and returns an IDLE engine.
func New(params Params, registry *universe.Registry, log zerolog.Logger) (*TrendLock, error) {
	if registry == nil {
		return nil, fmt.Errorf("%w: nil universe", ErrInvalidConfig)
	}
	params.ReferenceMode = strings.ToLower(strings.TrimSpace(params.ReferenceMode))
	params.QuantileScope = strings.ToLower(strings.TrimSpace(params.QuantileScope))
	if err := params.Validate(len(registry.Active()) - 1); err != nil {
		return nil, err
	}
	return &TrendLock{
		params:    params,
		log:       log.With().Str("component", "trendlock").Logger(),
		registry:  registry,
		refs:      newReferenceTracker(params),
		quantiles: newQuantileTracker(params),
		machine:   NewTrendLockMachine(params.EntryPersistence, params.ExitPersistence),
	}, nil
}

// Name returns the identifier for logging.
func (e *TrendLock) Name() string { return "TrendLock" }

// Params returns the validated parameters.
func (e *TrendLock) Params() Params { return e.params }

// Lock returns the current lock state.
func (e *TrendLock) Lock() LockSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.machine.State().snapshot()
}

// EntryStreaks returns the live entry counters.
func (e *TrendLock) EntryStreaks() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.machine.Persistence().Entries()
}

// Records returns the breadth records of the last evaluated tick.
func (e *TrendLock) Records() []BreadthRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]BreadthRecord, len(e.records))
	copy(out, e.records)
	return out
}

// LastTick returns the timestamp of the last evaluated snapshot and the tick count.
func (e *TrendLock) LastTick() (time.Time, uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastTick, e.ticks
}

type pairScore struct {
	key      PairKey
	fwd, rev float64
	ok       bool
}

// OnSnapshot evaluates one tick and returns exactly one intent. The context is only
// consulted before any state is touched; once started a tick always completes.
func (e *TrendLock) OnSnapshot(ctx context.Context, snap signal.Snapshot) (signal.Intent, error) {
	if err := ctx.Err(); err != nil {
		return signal.Intent{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ticks > 0 && !snap.Time.After(e.lastTick) {
		metrics.TicksRejected.WithLabelValues("out_of_order").Inc()
		return signal.Intent{}, fmt.Errorf("%w: %s is not after %s", ErrOutOfOrder,
			snap.Time.Format(time.RFC3339Nano), e.lastTick.Format(time.RFC3339Nano))
	}
	start := time.Now()

	lock := e.machine.State()
	candidates := e.registry.Active()
	participants := candidates
	if lock.Locked() && !e.registry.IsActive(lock.ActiveCoin()) {
		participants = append(append([]string(nil), candidates...), lock.ActiveCoin())
	}

	pairs := e.scorePairs(Ratios(snap, participants))
	byCoin := make(map[string]map[string]float64, len(participants))
	for _, ps := range pairs {
		if !ps.ok {
			continue
		}
		put(byCoin, ps.key.Base, ps.key.Quote, ps.fwd)
		put(byCoin, ps.key.Quote, ps.key.Base, ps.rev)
	}

	records := make([]BreadthRecord, 0, len(participants))
	evals := make([]Candidate, 0, len(candidates))
	for _, coin := range candidates {
		thr, warm := e.quantiles.Threshold(coin, e.params.QuantileLow)
		rec := CountBreadth(coin, byCoin[coin], thr, warm)
		records = append(records, rec)
		_, priced := snap.Price(coin)
		rare := rec.Peers > 0 && e.quantiles.InBand(coin, rec.Mean, e.params.QuantileLow, e.params.QuantileHigh)
		evals = append(evals, Candidate{
			Coin:      coin,
			Priced:    priced && rec.Peers > 0,
			Qualifies: rec.Breadth >= e.params.BreadthK && rare,
			Breadth:   rec.Breadth,
			Score:     rec.Mean,
		})
		if !warm && rec.Peers > 0 {
			e.log.Debug().Str("coin", coin).Int("samples", e.quantiles.Samples(coin)).
				Int("min", e.params.QuantileMinSamples).Msg("warming up")
		}
	}

	var exit ExitCheck
	if lock.Locked() {
		coin := lock.ActiveCoin()
		rec := CountBreadth(coin, byCoin[coin], 0, false)
		if !e.registry.IsActive(coin) {
			records = append(records, rec)
		}
		_, priced := snap.Price(coin)
		exit = ExitCheck{
			Priced:     priced && rec.Peers > 0,
			Collapsing: rec.Collapsing(e.params.ExitMajority),
			Negative:   rec.Negative,
			Peers:      rec.Peers,
		}
	}

	e.commitQuantiles(byCoin)
	intent := e.machine.Step(snap.Time, evals, exit)

	e.records = records
	e.lastTick = snap.Time
	e.ticks++
	e.observe(intent, lock, start)
	return intent, nil
}

func put(m map[string]map[string]float64, coin, peer string, s float64) {
	inner := m[coin]
	if inner == nil {
		inner = make(map[string]float64)
		m[coin] = inner
	}
	inner[peer] = s
}

// scorePairs updates every pair's reference and scores it. Each pair is owned by
// exactly one worker for the duration of the tick.
func (e *TrendLock) scorePairs(ratios []RatioSample) []pairScore {
	out := make([]pairScore, len(ratios))
	if len(ratios) == 0 {
		return out
	}
	refs := make([]*Reference, len(ratios))
	for i, r := range ratios {
		refs[i] = e.refs.ensure(r.Pair)
	}
	workers := e.params.Workers
	if workers > len(ratios) {
		workers = len(ratios)
	}
	fee := e.params.FeeRate

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		offset := w
		g.Go(func() error {
			for i := offset; i < len(ratios); i += workers {
				out[i].key = ratios[i].Pair
				ref, ready := e.refs.Update(refs[i], ratios[i].Ratio)
				if !ready {
					continue
				}
				fwd, okF := Score(ratios[i].Ratio, ref, fee)
				rev, okR := inverseScore(ratios[i].Ratio, ref, fee)
				out[i].fwd, out[i].rev, out[i].ok = fwd, rev, okF && okR
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (e *TrendLock) commitQuantiles(byCoin map[string]map[string]float64) {
	coins := make([]string, 0, len(byCoin))
	for coin := range byCoin {
		coins = append(coins, coin)
	}
	sort.Strings(coins)
	for _, coin := range coins {
		peers := make([]string, 0, len(byCoin[coin]))
		for peer := range byCoin[coin] {
			peers = append(peers, peer)
		}
		sort.Strings(peers)
		scores := make([]float64, len(peers))
		for i, peer := range peers {
			scores[i] = byCoin[coin][peer]
		}
		e.quantiles.Commit(coin, scores)
	}
}

func (e *TrendLock) observe(intent signal.Intent, before LockState, start time.Time) {
	metrics.TicksEvaluated.Inc()
	metrics.EvaluationSeconds.Observe(time.Since(start).Seconds())
	metrics.IntentsTotal.WithLabelValues(string(intent.Kind)).Inc()

	after := e.machine.State()
	metrics.ExitStreak.Set(float64(after.ExitCount()))
	metrics.EntryStreak.Reset()
	for coin, n := range e.machine.Persistence().Entries() {
		metrics.EntryStreak.WithLabelValues(coin).Set(float64(n))
	}
	if after.Locked() {
		metrics.LockActive.Set(1)
	} else {
		metrics.LockActive.Set(0)
	}

	switch intent.Kind {
	case signal.Enter:
		e.log.Info().Str("coin", intent.Coin).Time("tick", intent.Time).Str("detail", intent.Reason).Msg("trend lock engaged")
	case signal.ExitToBridge:
		e.log.Info().Str("coin", intent.Coin).Time("tick", intent.Time).
			Dur("held", intent.Time.Sub(before.EntryTime())).Str("detail", intent.Reason).Msg("trend lock released")
	case signal.Hold:
		if n := after.ExitCount(); n > 0 {
			e.log.Info().Str("coin", intent.Coin).Int("streak", n).Int("needed", e.params.ExitPersistence).Msg("collapse signal")
		} else if before.ExitCount() > 0 {
			e.log.Info().Str("coin", intent.Coin).Msg("cross-sectional strength recovered")
		}
	}
}
