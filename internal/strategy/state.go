package strategy

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/universe"
)

// StateVersion is bumped whenever State changes shape.
const StateVersion = 1

// ErrInvalidState is returned by Restore for a state the engine cannot resume from.
var ErrInvalidState = errors.New("invalid engine state")

// State is everything the engine needs to resume exactly where it stopped.
type State struct {
	Version    int                  `json:"version"`
	Ticks      uint64               `json:"ticks"`
	LastTick   time.Time            `json:"last_tick"`
	Lock       LockSnapshot         `json:"lock"`
	Entry      map[string]int       `json:"entry,omitempty"`
	References map[string]Reference `json:"references"`
	Quantiles  map[string][]float64 `json:"quantiles"`
	Universe   []universe.Member    `json:"universe"`
}

// Snapshot captures the engine state after the last evaluated tick.
func (e *TrendLock) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := State{
		Version:    StateVersion,
		Ticks:      e.ticks,
		LastTick:   e.lastTick,
		Lock:       e.machine.State().snapshot(),
		Entry:      e.machine.Persistence().Entries(),
		References: make(map[string]Reference, len(e.refs.pairs)),
		Quantiles:  make(map[string][]float64, len(e.quantiles.models)),
		Universe:   e.registry.Members(),
	}
	for key, ref := range e.refs.pairs {
		cp := *ref
		cp.Window = append([]float64(nil), ref.Window...)
		st.References[key.String()] = cp
	}
	for key, m := range e.quantiles.models {
		st.Quantiles[key] = m.Values()
	}
	return st
}

// Restore replaces the engine state with st. Nothing is changed when st is invalid.
// Coins the registry knows but st does not stay active.
func (e *TrendLock) Restore(st State) error {
	if st.Version != StateVersion {
		return fmt.Errorf("%w: version %d, want %d", ErrInvalidState, st.Version, StateVersion)
	}

	refs := newReferenceTracker(e.params)
	for raw, ref := range st.References {
		base, quote, ok := strings.Cut(raw, "|")
		if !ok || base == "" || quote == "" || base >= quote {
			return fmt.Errorf("%w: reference key %q", ErrInvalidState, raw)
		}
		if ref.Seeded && !usable(ref.Value) {
			return fmt.Errorf("%w: reference %s value %v", ErrInvalidState, raw, ref.Value)
		}
		cp := ref
		cp.Window = append([]float64(nil), ref.Window...)
		refs.pairs[newPairKey(base, quote)] = &cp
	}

	quantiles := newQuantileTracker(e.params)
	for key, values := range st.Quantiles {
		if quantiles.scope == ScopeGlobal && key != globalModelKey {
			return fmt.Errorf("%w: per-coin quantiles %q under global scope", ErrInvalidState, key)
		}
		m := NewQuantileModel(quantiles.capacity)
		for _, v := range values {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: quantile sample %v for %s", ErrInvalidState, v, key)
			}
			m.Add(v)
		}
		quantiles.models[key] = m
	}

	machine := NewTrendLockMachine(e.params.EntryPersistence, e.params.ExitPersistence)
	if err := machine.restore(st.Lock, st.Entry); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}

	members := append([]universe.Member(nil), st.Universe...)
	known := make(map[string]bool, len(members))
	status := make(map[string]universe.Status, len(members))
	for _, m := range members {
		known[m.Coin] = true
		status[m.Coin] = m.Status
	}
	if coin := st.Lock.ActiveCoin; st.Lock.Mode == ModeTrendLock {
		s, ok := status[coin]
		if len(members) == 0 {
			s, ok = e.registry.Status(coin)
		}
		if !ok || s == universe.Removed {
			return fmt.Errorf("%w: active coin %q is not a universe member", ErrInvalidState, coin)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(members) > 0 {
		prior := e.registry.Members()
		e.registry.Replace(members)
		for _, m := range prior {
			if !known[m.Coin] {
				e.registry.Add(m.Coin)
			}
		}
	}
	e.refs = refs
	e.quantiles = quantiles
	e.machine = machine
	e.ticks = st.Ticks
	e.lastTick = st.LastTick
	e.records = nil
	return nil
}
