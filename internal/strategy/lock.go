package strategy

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/signal"
)

// Mode is the engine's position mode.
type Mode string

const (
	ModeIdle      Mode = "IDLE"
	ModeTrendLock Mode = "TREND_LOCK"
)

// LockState is the authoritative position state. Only TrendLockMachine mutates it.
type LockState struct {
	mode       Mode
	activeCoin string
	entryTime  time.Time
	exitCount  int
}

func (s LockState) Mode() Mode           { return s.mode }
func (s LockState) ActiveCoin() string   { return s.activeCoin }
func (s LockState) EntryTime() time.Time { return s.entryTime }
func (s LockState) ExitCount() int       { return s.exitCount }
func (s LockState) Locked() bool         { return s.mode == ModeTrendLock }

// LockSnapshot is the serialisable form of LockState.
type LockSnapshot struct {
	Mode       Mode      `json:"mode"`
	ActiveCoin string    `json:"active_coin,omitempty"`
	EntryTime  time.Time `json:"entry_time"`
	ExitCount  int       `json:"exit_count"`
}

func (s LockState) snapshot() LockSnapshot {
	return LockSnapshot{Mode: s.mode, ActiveCoin: s.activeCoin, EntryTime: s.entryTime, ExitCount: s.exitCount}
}

func (s LockSnapshot) validate() error {
	switch s.Mode {
	case ModeIdle:
		if s.ActiveCoin != "" {
			return fmt.Errorf("idle lock carries active coin %q", s.ActiveCoin)
		}
	case ModeTrendLock:
		if s.ActiveCoin == "" {
			return fmt.Errorf("trend lock without active coin")
		}
	default:
		return fmt.Errorf("unknown lock mode %q", s.Mode)
	}
	if s.ExitCount < 0 {
		return fmt.Errorf("negative exit count %d", s.ExitCount)
	}
	return nil
}

// Candidate is one coin's entry evaluation for a tick.
type Candidate struct {
	Coin      string
	Priced    bool // false freezes the coin's streak for this tick
	Qualifies bool // breadth >= K and rarity band satisfied
	Breadth   int
	Score     float64 // mean score over defined peers
}

// ExitCheck is the active coin's exit evaluation for a tick.
type ExitCheck struct {
	Priced     bool
	Collapsing bool
	Negative   int
	Peers      int
}

// TrendLockMachine applies IDLE/TREND_LOCK transitions, one per tick.
type TrendLockMachine struct {
	state       LockState
	persistence *PersistenceTracker
	entryT      int
	exitT       int
}

// NewTrendLockMachine starts IDLE with empty counters.
func NewTrendLockMachine(entryT, exitT int) *TrendLockMachine {
	return &TrendLockMachine{
		state:       LockState{mode: ModeIdle},
		persistence: newPersistenceTracker(),
		entryT:      entryT,
		exitT:       exitT,
	}
}

// State returns a copy of the lock state.
func (m *TrendLockMachine) State() LockState { return m.state }

// Persistence exposes the counters read-only to callers in this package.
func (m *TrendLockMachine) Persistence() *PersistenceTracker { return m.persistence }

// Step applies one tick. candidates must list every coin eligible for entry; exit is
// only read while locked.
func (m *TrendLockMachine) Step(ts time.Time, candidates []Candidate, exit ExitCheck) signal.Intent {
	if m.state.Locked() {
		return m.stepLocked(ts, exit)
	}
	return m.stepIdle(ts, candidates)
}

func (m *TrendLockMachine) stepIdle(ts time.Time, candidates []Candidate) signal.Intent {
	eligible := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		eligible[c.Coin] = true
	}
	m.persistence.Retain(eligible)

	var ready []Candidate
	for _, c := range candidates {
		if !c.Priced {
			continue
		}
		if m.persistence.ObserveEntry(c.Coin, c.Qualifies) >= m.entryT {
			ready = append(ready, c)
		}
	}
	if len(ready) == 0 {
		return signal.Intent{Kind: signal.HoldBridge, Time: ts}
	}

	sort.Slice(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		if a.Breadth != b.Breadth {
			return a.Breadth > b.Breadth
		}
		if ma, mb := math.Abs(a.Score), math.Abs(b.Score); ma != mb {
			return ma > mb
		}
		return a.Coin < b.Coin
	})
	winner := ready[0]
	streak := m.persistence.Entry(winner.Coin)

	m.state = LockState{mode: ModeTrendLock, activeCoin: winner.Coin, entryTime: ts}
	m.persistence.Reset()
	return signal.Intent{
		Kind:   signal.Enter,
		Coin:   winner.Coin,
		Time:   ts,
		Reason: fmt.Sprintf("breadth=%d score=%.4f streak=%d", winner.Breadth, winner.Score, streak),
	}
}

func (m *TrendLockMachine) stepLocked(ts time.Time, exit ExitCheck) signal.Intent {
	coin := m.state.activeCoin
	if exit.Priced {
		m.state.exitCount = m.persistence.ObserveExit(exit.Collapsing)
	}
	if m.state.exitCount < m.exitT {
		return signal.Intent{Kind: signal.Hold, Coin: coin, Time: ts}
	}
	reason := fmt.Sprintf("negative=%d/%d streak=%d", exit.Negative, exit.Peers, m.state.exitCount)
	m.state = LockState{mode: ModeIdle}
	m.persistence.Reset()
	return signal.Intent{Kind: signal.ExitToBridge, Coin: coin, Time: ts, Reason: reason}
}

func (m *TrendLockMachine) restore(lock LockSnapshot, entry map[string]int) error {
	if err := lock.validate(); err != nil {
		return err
	}
	for coin, n := range entry {
		if n < 0 {
			return fmt.Errorf("negative entry streak for %s", coin)
		}
	}
	if lock.Mode == ModeTrendLock && len(entry) > 0 {
		return fmt.Errorf("entry streaks present while locked on %s", lock.ActiveCoin)
	}
	m.state = LockState{mode: lock.Mode, activeCoin: lock.ActiveCoin, entryTime: lock.EntryTime, exitCount: lock.ExitCount}
	m.persistence.restore(entry, lock.ExitCount)
	return nil
}
