package risk

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/signal"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/universe"
)

func snapAt(ts time.Time, prices, volumes map[string]float64) signal.Snapshot {
	snap := signal.NewSnapshot(ts, prices)
	for coin, v := range volumes {
		pt := snap.Prices[coin]
		pt.Volume = v
		snap.Prices[coin] = pt
	}
	return snap
}

func TestSurvivalFlagsSustainedIlliquidity(t *testing.T) {
	reg := universe.NewRegistry("USDT", []string{"A", "B", "C"})
	f := NewSurvivalFilter(SurvivalConfig{MinVolume: 1000, Evaluations: 3}, reg, zerolog.Nop())
	prices := map[string]float64{"A": 1, "B": 2, "C": 3}
	ts := time.Unix(0, 0)

	thin := map[string]float64{"A": 5000, "B": 5000, "C": 10}
	assert.Empty(t, f.Evaluate(snapAt(ts, prices, thin), nil, ""))
	assert.Empty(t, f.Evaluate(snapAt(ts.Add(time.Hour), prices, thin), nil, ""))
	// recovery resets the streak
	assert.Empty(t, f.Evaluate(snapAt(ts.Add(2*time.Hour), prices, map[string]float64{"C": 2000}), nil, ""))
	assert.Empty(t, f.Evaluate(snapAt(ts.Add(3*time.Hour), prices, thin), nil, ""))
	assert.Empty(t, f.Evaluate(snapAt(ts.Add(4*time.Hour), prices, thin), nil, ""))

	flags := f.Evaluate(snapAt(ts.Add(5*time.Hour), prices, thin), nil, "")
	require.Len(t, flags, 1)
	assert.Equal(t, "C", flags[0].Coin)
	assert.Equal(t, ReasonIlliquid, flags[0].Reason)
	assert.Equal(t, []string{"A", "B"}, reg.Active())
}

func TestSurvivalDrawdownFromPeak(t *testing.T) {
	reg := universe.NewRegistry("USDT", []string{"A", "B"})
	f := NewSurvivalFilter(SurvivalConfig{MaxDrawdown: 0.5, Evaluations: 2}, reg, zerolog.Nop())
	ts := time.Unix(0, 0)

	f.Evaluate(snapAt(ts, map[string]float64{"A": 10, "B": 10}, nil), nil, "")
	assert.Empty(t, f.Evaluate(snapAt(ts.Add(time.Hour), map[string]float64{"A": 4, "B": 9}, nil), nil, ""))
	flags := f.Evaluate(snapAt(ts.Add(2*time.Hour), map[string]float64{"A": 4.5, "B": 9}, nil), nil, "")
	require.Len(t, flags, 1)
	assert.Equal(t, "A", flags[0].Coin)
	assert.Equal(t, ReasonDrawdown, flags[0].Reason)
}

func TestSurvivalBottomRank(t *testing.T) {
	reg := universe.NewRegistry("USDT", []string{"A", "B", "C", "D"})
	f := NewSurvivalFilter(SurvivalConfig{BottomFraction: 0.25, Evaluations: 2}, reg, zerolog.Nop())
	snap := snapAt(time.Unix(0, 0), map[string]float64{"A": 1, "B": 1, "C": 1, "D": 1}, nil)
	scores := map[string]float64{"A": 0.01, "B": -0.2, "C": 0.03, "D": 0.0}

	assert.Empty(t, f.Evaluate(snap, scores, ""))
	flags := f.Evaluate(snap, scores, "")
	require.Len(t, flags, 1)
	assert.Equal(t, "B", flags[0].Coin)
	assert.Equal(t, ReasonBottomRank, flags[0].Reason)
}

func TestSurvivalDefersActiveCoin(t *testing.T) {
	reg := universe.NewRegistry("USDT", []string{"A", "B", "C"})
	f := NewSurvivalFilter(SurvivalConfig{MinVolume: 1000, Evaluations: 1}, reg, zerolog.Nop())
	snap := snapAt(time.Unix(0, 0), map[string]float64{"A": 1, "B": 1, "C": 1}, map[string]float64{"A": 1, "B": 5000, "C": 5000})

	assert.Empty(t, f.Evaluate(snap, nil, "A"))
	assert.True(t, reg.IsActive("A"), "active coin must not be flagged while locked")
	require.Len(t, f.Pending(), 1)

	assert.Empty(t, f.Flush("A"), "still locked")
	flags := f.Flush("")
	require.Len(t, flags, 1)
	assert.Equal(t, "A", flags[0].Coin)
	st, _ := reg.Status("A")
	assert.Equal(t, universe.FlaggedForRemoval, st)
	assert.Empty(t, f.Pending())
}

func TestEvaluationDue(t *testing.T) {
	assert.False(t, EvaluationDue(0, 10))
	assert.False(t, EvaluationDue(9, 10))
	assert.True(t, EvaluationDue(20, 10))
	assert.False(t, EvaluationDue(20, 0))
}

func TestSurvivalStateCarriesStrikesAcrossRestore(t *testing.T) {
	reg := universe.NewRegistry("USDT", []string{"A", "B", "C"})
	cfg := SurvivalConfig{MinVolume: 1000, MaxDrawdown: 0.5, Evaluations: 2}
	f := NewSurvivalFilter(cfg, reg, zerolog.Nop())
	ts := time.Unix(0, 0)
	prices := map[string]float64{"A": 10, "B": 10, "C": 10}
	thin := map[string]float64{"A": 1, "B": 5000, "C": 5}

	f.Evaluate(snapAt(ts, prices, thin), nil, "")
	f.Evaluate(snapAt(ts.Add(time.Hour), prices, thin), nil, "A")
	st := f.Snapshot()
	require.Len(t, st.Pending, 1)
	assert.Equal(t, "A", st.Pending[0].Coin)
	assert.Equal(t, 10.0, st.Peaks["B"])

	restored := NewSurvivalFilter(cfg, reg, zerolog.Nop())
	require.NoError(t, restored.Restore(st))
	assert.Equal(t, st, restored.Snapshot())

	flags := restored.Flush("")
	require.Len(t, flags, 1)
	assert.Equal(t, "A", flags[0].Coin)
}

func TestSurvivalRestoreRejectsBadState(t *testing.T) {
	reg := universe.NewRegistry("USDT", []string{"A", "B"})
	f := NewSurvivalFilter(SurvivalConfig{MinVolume: 1000}, reg, zerolog.Nop())
	good := SurvivalState{Pending: []universe.Flag{{Coin: "A", Reason: ReasonIlliquid}}}
	require.NoError(t, f.Restore(good))

	cases := map[string]SurvivalState{
		"unknown coin": {Pending: []universe.Flag{{Coin: "ZZZ", Reason: ReasonIlliquid}}},
		"peak":         {Peaks: map[string]float64{"A": -1}},
		"strikes":      {Strikes: map[string]map[string]int{"A": {ReasonIlliquid: -2}}},
	}
	for name, st := range cases {
		assert.ErrorIs(t, f.Restore(st), ErrInvalidSurvivalState, name)
	}
	assert.Len(t, f.Pending(), 1, "failed restores must leave the filter unchanged")
}
