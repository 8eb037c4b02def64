package strategy

import (
	"math"
	"sort"
)

// Reference is the smoothed mid-term ratio of one pair. Exactly one goroutine
// updates a given Reference per tick.
type Reference struct {
	Seeded bool      `json:"seeded"`
	Value  float64   `json:"value"`
	Window []float64 `json:"window,omitempty"` // median mode, oldest first
}

// ReferenceTracker holds the per-pair references. ensure must run on the
// coordinating goroutine; the returned *Reference may then be handed to a worker.
type ReferenceTracker struct {
	mode   string
	alpha  float64
	window int
	pairs  map[PairKey]*Reference
}

func newReferenceTracker(p Params) *ReferenceTracker {
	return &ReferenceTracker{
		mode:   p.ReferenceMode,
		alpha:  p.alpha(),
		window: p.ReferenceWindow,
		pairs:  make(map[PairKey]*Reference),
	}
}

func (rt *ReferenceTracker) ensure(key PairKey) *Reference {
	ref := rt.pairs[key]
	if ref == nil {
		ref = &Reference{}
		rt.pairs[key] = ref
	}
	return ref
}

// Get returns the reference for key, if any.
func (rt *ReferenceTracker) Get(key PairKey) (Reference, bool) {
	ref, ok := rt.pairs[key]
	if !ok {
		return Reference{}, false
	}
	return *ref, true
}

// Update folds ratio into the reference and returns the new value. ready is false on
// the seeding observation, which produces no score.
func (rt *ReferenceTracker) Update(ref *Reference, ratio float64) (value float64, ready bool) {
	if ratio <= 0 || math.IsNaN(ratio) || math.IsInf(ratio, 0) {
		return ref.Value, false
	}
	if !ref.Seeded {
		ref.Seeded = true
		ref.Value = ratio
		if rt.mode == ReferenceMedian {
			ref.Window = append(ref.Window[:0], ratio)
		}
		return ref.Value, false
	}
	switch rt.mode {
	case ReferenceMedian:
		ref.Window = append(ref.Window, ratio)
		if len(ref.Window) > rt.window {
			ref.Window = append(ref.Window[:0], ref.Window[len(ref.Window)-rt.window:]...)
		}
		ref.Value = median(ref.Window)
	default:
		ref.Value = rt.alpha*ratio + (1-rt.alpha)*ref.Value
	}
	return ref.Value, true
}

func median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	cp := make([]float64, n)
	copy(cp, values)
	sort.Float64s(cp)
	if n%2 == 1 {
		return cp[n/2]
	}
	return (cp[n/2-1] + cp[n/2]) / 2
}
