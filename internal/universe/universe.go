// Package universe tracks which coins may take part in scoring and candidacy.
package universe

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Status is a coin's membership state.
type Status string

const (
	Active            Status = "active"
	FlaggedForRemoval Status = "flagged_for_removal"
	Removed           Status = "removed"
)

// Flag records why and when a coin was flagged.
type Flag struct {
	Coin   string    `json:"coin"`
	Reason string    `json:"reason"`
	Ts     time.Time `json:"ts"`
}

// Member is the exported view of one coin.
type Member struct {
	Coin   string `json:"coin"`
	Status Status `json:"status"`
	Flag   *Flag  `json:"flag,omitempty"`
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	bridge  string
	members map[string]*Member
}

// NewRegistry registers coins as active. The bridge symbol is never a member.
func NewRegistry(bridge string, coins []string) *Registry {
	r := &Registry{
		bridge:  strings.ToUpper(strings.TrimSpace(bridge)),
		members: make(map[string]*Member, len(coins)),
	}
	for _, c := range coins {
		r.Add(c)
	}
	return r
}

// Bridge returns the configured bridge symbol.
func (r *Registry) Bridge() string { return r.bridge }

// Add registers coin as active. Existing members keep their status.
func (r *Registry) Add(coin string) bool {
	coin = normalize(coin)
	if coin == "" || coin == r.bridge {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[coin]; ok {
		return false
	}
	r.members[coin] = &Member{Coin: coin, Status: Active}
	return true
}

// Flag marks coin flagged_for_removal. Removed coins stay removed.
func (r *Registry) Flag(f Flag) error {
	coin := normalize(f.Coin)
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[coin]
	if !ok {
		return fmt.Errorf("flag %s: unknown coin", coin)
	}
	if m.Status == Removed {
		return nil
	}
	f.Coin = coin
	m.Status = FlaggedForRemoval
	m.Flag = &f
	return nil
}

// Remove marks coin removed.
func (r *Registry) Remove(coin string) error {
	coin = normalize(coin)
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[coin]
	if !ok {
		return fmt.Errorf("remove %s: unknown coin", coin)
	}
	m.Status = Removed
	return nil
}

// Reinstate returns a flagged or removed coin to active, as external curation may.
func (r *Registry) Reinstate(coin string) error {
	coin = normalize(coin)
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[coin]
	if !ok {
		return fmt.Errorf("reinstate %s: unknown coin", coin)
	}
	m.Status = Active
	m.Flag = nil
	return nil
}

// Status returns coin's membership, false when unknown.
func (r *Registry) Status(coin string) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[normalize(coin)]
	if !ok {
		return "", false
	}
	return m.Status, true
}

// IsActive reports whether coin may take part in scoring.
func (r *Registry) IsActive(coin string) bool {
	st, ok := r.Status(coin)
	return ok && st == Active
}

// Active lists active coins, sorted.
func (r *Registry) Active() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.members))
	for coin, m := range r.members {
		if m.Status == Active {
			out = append(out, coin)
		}
	}
	sort.Strings(out)
	return out
}

// Members returns a sorted copy of every member.
func (r *Registry) Members() []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		cp := *m
		if m.Flag != nil {
			f := *m.Flag
			cp.Flag = &f
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Coin < out[j].Coin })
	return out
}

// Replace swaps the whole membership table, used when restoring a checkpoint.
func (r *Registry) Replace(members []Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members = make(map[string]*Member, len(members))
	for _, m := range members {
		cp := m
		cp.Coin = normalize(m.Coin)
		if m.Flag != nil {
			f := *m.Flag
			cp.Flag = &f
		}
		r.members[cp.Coin] = &cp
	}
}

func normalize(coin string) string {
	return strings.ToUpper(strings.TrimSpace(coin))
}
