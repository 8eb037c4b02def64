package paper

import (
	"sync"

	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/execution"
)

// Ledger keeps the most recent fills of a session. With a positive limit the
// oldest fill is evicted once the ring is full; zero keeps every fill.
type Ledger struct {
	mu    sync.Mutex
	limit int
	ring  []execution.Fill
	next  int
	total int
}

// NewLedger returns a ledger holding at most limit fills; limit <= 0 is unbounded.
func NewLedger(limit int) *Ledger {
	if limit < 0 {
		limit = 0
	}
	return &Ledger{limit: limit}
}

// Record adds fill, evicting the oldest one when the ledger is full.
func (l *Ledger) Record(fill execution.Fill) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.total++
	if l.limit == 0 || len(l.ring) < l.limit {
		l.ring = append(l.ring, fill)
		return
	}
	l.ring[l.next] = fill
	l.next = (l.next + 1) % l.limit
}

// Snapshot returns the retained fills, oldest first.
func (l *Ledger) Snapshot() []execution.Fill {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]execution.Fill, 0, len(l.ring))
	out = append(out, l.ring[l.next:]...)
	return append(out, l.ring[:l.next]...)
}

// Total counts every fill recorded since the last Reset, evicted ones included.
func (l *Ledger) Total() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// Reset clears the ledger.
func (l *Ledger) Reset() {
	l.mu.Lock()
	l.ring, l.next, l.total = nil, 0, 0
	l.mu.Unlock()
}
