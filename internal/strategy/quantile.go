package strategy

import (
	"math"
	"sort"
	"strings"
)

// QuantileModel keeps the last capacity scores in arrival order and in sorted order,
// so percentile queries cost O(log capacity) however long the stream runs.
type QuantileModel struct {
	capacity int
	ring     []float64
	head     int
	sorted   []float64
}

// NewQuantileModel returns an empty model holding at most capacity samples.
func NewQuantileModel(capacity int) *QuantileModel {
	if capacity <= 0 {
		capacity = 1
	}
	return &QuantileModel{capacity: capacity}
}

// Len reports the number of retained samples.
func (q *QuantileModel) Len() int { return len(q.sorted) }

// Add records v, evicting the oldest sample once full. NaN and Inf are ignored.
func (q *QuantileModel) Add(v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	if len(q.ring) < q.capacity {
		q.ring = append(q.ring, v)
	} else {
		old := q.ring[q.head]
		q.ring[q.head] = v
		q.head = (q.head + 1) % q.capacity
		q.removeSorted(old)
	}
	q.insertSorted(v)
}

func (q *QuantileModel) insertSorted(v float64) {
	idx := sort.SearchFloat64s(q.sorted, v)
	q.sorted = append(q.sorted, 0)
	copy(q.sorted[idx+1:], q.sorted[idx:])
	q.sorted[idx] = v
}

func (q *QuantileModel) removeSorted(v float64) {
	idx := sort.SearchFloat64s(q.sorted, v)
	if idx >= len(q.sorted) || q.sorted[idx] != v {
		return
	}
	q.sorted = append(q.sorted[:idx], q.sorted[idx+1:]...)
}

// ValueAt returns the nearest-rank value at percentile p in [0,1].
func (q *QuantileModel) ValueAt(p float64) (float64, bool) {
	n := len(q.sorted)
	if n == 0 {
		return 0, false
	}
	idx := int(math.Ceil(p*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return q.sorted[idx], true
}

// Rank returns the share of retained samples less than or equal to x.
func (q *QuantileModel) Rank(x float64) (float64, bool) {
	n := len(q.sorted)
	if n == 0 || math.IsNaN(x) {
		return 0, false
	}
	le := sort.Search(n, func(i int) bool { return q.sorted[i] > x })
	return float64(le) / float64(n), true
}

// Values returns the retained samples oldest first.
func (q *QuantileModel) Values() []float64 {
	out := make([]float64, 0, len(q.ring))
	if len(q.ring) < q.capacity {
		return append(out, q.ring...)
	}
	out = append(out, q.ring[q.head:]...)
	return append(out, q.ring[:q.head]...)
}

const globalModelKey = "*"

// QuantileTracker answers rarity questions per coin, or over one pooled model when
// the scope is global.
type QuantileTracker struct {
	scope      string
	capacity   int
	minSamples int
	models     map[string]*QuantileModel
}

func newQuantileTracker(p Params) *QuantileTracker {
	return &QuantileTracker{
		scope:      strings.ToLower(p.QuantileScope),
		capacity:   p.QuantileWindow,
		minSamples: p.QuantileMinSamples,
		models:     make(map[string]*QuantileModel),
	}
}

func (t *QuantileTracker) key(coin string) string {
	if t.scope == ScopeGlobal {
		return globalModelKey
	}
	return coin
}

func (t *QuantileTracker) model(coin string) *QuantileModel {
	k := t.key(coin)
	m := t.models[k]
	if m == nil {
		m = NewQuantileModel(t.capacity)
		t.models[k] = m
	}
	return m
}

// Samples reports how many scores back coin's distribution.
func (t *QuantileTracker) Samples(coin string) int {
	if m := t.models[t.key(coin)]; m != nil {
		return m.Len()
	}
	return 0
}

// Warm reports whether coin has enough history to answer queries.
func (t *QuantileTracker) Warm(coin string) bool {
	return t.Samples(coin) >= t.minSamples
}

// Threshold returns the score at percentile p, false while cold.
func (t *QuantileTracker) Threshold(coin string, p float64) (float64, bool) {
	if !t.Warm(coin) {
		return 0, false
	}
	return t.models[t.key(coin)].ValueAt(p)
}

// InBand reports whether x ranks within [lo, hi] of coin's history. A cold model
// never satisfies the band.
func (t *QuantileTracker) InBand(coin string, x, lo, hi float64) bool {
	if !t.Warm(coin) {
		return false
	}
	r, ok := t.models[t.key(coin)].Rank(x)
	return ok && r >= lo && r <= hi
}

// Commit appends one tick's scores for coin.
func (t *QuantileTracker) Commit(coin string, scores []float64) {
	if len(scores) == 0 {
		return
	}
	m := t.model(coin)
	for _, s := range scores {
		m.Add(s)
	}
}
