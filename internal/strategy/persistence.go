package strategy

// PersistenceTracker counts consecutive ticks a condition has held. A failing tick
// resets the counter to zero; there is no decay or partial credit.
type PersistenceTracker struct {
	entry map[string]int
	exit  int
}

func newPersistenceTracker() *PersistenceTracker {
	return &PersistenceTracker{entry: make(map[string]int)}
}

// ObserveEntry advances or resets coin's entry streak and returns the new count.
func (p *PersistenceTracker) ObserveEntry(coin string, holds bool) int {
	if !holds {
		delete(p.entry, coin)
		return 0
	}
	p.entry[coin]++
	return p.entry[coin]
}

// Entry returns coin's current entry streak.
func (p *PersistenceTracker) Entry(coin string) int { return p.entry[coin] }

// Entries returns a copy of every non-zero entry streak.
func (p *PersistenceTracker) Entries() map[string]int {
	out := make(map[string]int, len(p.entry))
	for k, v := range p.entry {
		out[k] = v
	}
	return out
}

// Retain drops streaks of coins no longer eligible for candidacy.
func (p *PersistenceTracker) Retain(eligible map[string]bool) {
	for coin := range p.entry {
		if !eligible[coin] {
			delete(p.entry, coin)
		}
	}
}

// ObserveExit advances or resets the active coin's exit streak.
func (p *PersistenceTracker) ObserveExit(holds bool) int {
	if !holds {
		p.exit = 0
		return 0
	}
	p.exit++
	return p.exit
}

// Exit returns the exit streak.
func (p *PersistenceTracker) Exit() int { return p.exit }

// Reset zeroes every counter.
func (p *PersistenceTracker) Reset() {
	p.entry = make(map[string]int)
	p.exit = 0
}

func (p *PersistenceTracker) restore(entry map[string]int, exit int) {
	p.entry = make(map[string]int, len(entry))
	for k, v := range entry {
		if v > 0 {
			p.entry[k] = v
		}
	}
	p.exit = exit
}
