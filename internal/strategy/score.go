package strategy

import "math"

// Score is the fee-adjusted deviation of ratio from its reference:
// (1 - fee) * ratio/ref - 1. ok is false when either input is degenerate.
func Score(ratio, ref, fee float64) (float64, bool) {
	if !usable(ratio) || !usable(ref) {
		return 0, false
	}
	s := (1-fee)*(ratio/ref) - 1
	if math.IsNaN(s) || math.IsInf(s, 0) {
		return 0, false
	}
	return s, true
}

// inverseScore scores the reverse orientation of a canonical pair, whose ratio is
// 1/ratio and whose reference is 1/ref.
func inverseScore(ratio, ref, fee float64) (float64, bool) {
	if !usable(ratio) || !usable(ref) {
		return 0, false
	}
	return Score(ref, ratio, fee)
}

func usable(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}
