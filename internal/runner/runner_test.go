package runner

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/execution"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/risk"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/signal"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/store"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/strategy"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/universe"
)

var coins = []string{"A", "B", "C", "D", "E"}

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type scriptedEngine struct {
	script []signal.Intent
	calls  int
	last   time.Time
}

func (s *scriptedEngine) OnSnapshot(_ context.Context, snap signal.Snapshot) (signal.Intent, error) {
	in := s.script[s.calls%len(s.script)]
	in.Time = snap.Time
	s.calls++
	s.last = snap.Time
	return in, nil
}

func (s *scriptedEngine) Snapshot() strategy.State {
	return strategy.State{Version: strategy.StateVersion, Ticks: uint64(s.calls), LastTick: s.last}
}
func (s *scriptedEngine) Records() []strategy.BreadthRecord { return nil }
func (s *scriptedEngine) Lock() strategy.LockSnapshot      { return strategy.LockSnapshot{Mode: strategy.ModeIdle} }
func (s *scriptedEngine) LastTick() (time.Time, uint64)    { return s.last, uint64(s.calls) }

type recordingExec struct {
	intents []signal.Intent
	err     error
}

func (e *recordingExec) Execute(_ context.Context, intent signal.Intent, _ signal.Snapshot) (*execution.Fill, error) {
	e.intents = append(e.intents, intent)
	if e.err != nil {
		return nil, e.err
	}
	return &execution.Fill{Coin: intent.Coin}, nil
}

type recordingNotifier struct {
	intents []signal.Intent
	fills   []*execution.Fill
	faults  []error
}

func (n *recordingNotifier) Intent(_ context.Context, intent signal.Intent, fill *execution.Fill) error {
	n.intents = append(n.intents, intent)
	n.fills = append(n.fills, fill)
	return nil
}

func (n *recordingNotifier) Fault(_ context.Context, err error) error {
	n.faults = append(n.faults, err)
	return nil
}

func snapAt(i int, prices map[string]float64) signal.Snapshot {
	return signal.NewSnapshot(t0.Add(time.Duration(i)*time.Minute), prices)
}

func openStore(t *testing.T) *store.GormStore {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "runner.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStepHandsTradesToExecutorAndNotifier(t *testing.T) {
	eng := &scriptedEngine{script: []signal.Intent{
		{Kind: signal.HoldBridge},
		{Kind: signal.Enter, Coin: "A"},
		{Kind: signal.Hold, Coin: "A"},
		{Kind: signal.ExitToBridge, Coin: "A"},
	}}
	exec := &recordingExec{}
	n := &recordingNotifier{}
	r := New(eng, zerolog.Nop(), WithExecutor(exec), WithNotifier(n))

	for i := 0; i < 4; i++ {
		_, err := r.Step(context.Background(), snapAt(i, map[string]float64{"A": 1}))
		require.NoError(t, err)
	}
	require.Len(t, exec.intents, 2)
	assert.Equal(t, signal.Enter, exec.intents[0].Kind)
	assert.Equal(t, signal.ExitToBridge, exec.intents[1].Kind)
	require.Len(t, n.intents, 2)
	assert.NotNil(t, n.fills[0])
	assert.Empty(t, n.faults)
}

func TestExecutionFailureIsReportedNotFatal(t *testing.T) {
	eng := &scriptedEngine{script: []signal.Intent{{Kind: signal.Enter, Coin: "A"}}}
	exec := &recordingExec{err: execution.ErrNoPrice}
	n := &recordingNotifier{}
	r := New(eng, zerolog.Nop(), WithExecutor(exec), WithNotifier(n))

	intent, err := r.Step(context.Background(), snapAt(0, map[string]float64{"A": 1}))
	require.NoError(t, err)
	assert.Equal(t, signal.Enter, intent.Kind)
	require.Len(t, n.faults, 1)
	assert.ErrorIs(t, n.faults[0], execution.ErrNoPrice)
	require.Len(t, n.intents, 1)
	assert.Nil(t, n.fills[0])
}

func TestPauseTakesEffectAtTickBoundary(t *testing.T) {
	eng := &scriptedEngine{script: []signal.Intent{{Kind: signal.HoldBridge}}}
	r := New(eng, zerolog.Nop())

	r.Pause()
	assert.True(t, r.Paused())
	_, err := r.handle(context.Background(), snapAt(0, map[string]float64{"A": 1}))
	require.NoError(t, err)
	assert.Equal(t, 0, eng.calls)

	r.Resume()
	_, err = r.handle(context.Background(), snapAt(1, map[string]float64{"A": 1}))
	require.NoError(t, err)
	assert.Equal(t, 1, eng.calls)
}

func TestRunDrainsUntilChannelCloses(t *testing.T) {
	eng := &scriptedEngine{script: []signal.Intent{{Kind: signal.HoldBridge}}}
	r := New(eng, zerolog.Nop())
	in := make(chan signal.Snapshot, 3)
	for i := 0; i < 3; i++ {
		in <- snapAt(i, map[string]float64{"A": 1})
	}
	close(in)
	require.NoError(t, r.Run(context.Background(), in))
	assert.Equal(t, 3, eng.calls)
}

func TestRunStopsOnCancel(t *testing.T) {
	eng := &scriptedEngine{script: []signal.Intent{{Kind: signal.HoldBridge}}}
	r := New(eng, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.Run(ctx, make(chan signal.Snapshot))
	assert.ErrorIs(t, err, context.Canceled)
}

func walkParams() strategy.Params {
	p := strategy.DefaultParams()
	p.ReferenceWindow = 10
	p.QuantileWindow = 300
	p.QuantileMinSamples = 30
	p.QuantileHigh = 1.0 // all-time extremes count as rare
	p.BreadthK = 2
	p.EntryPersistence = 2
	p.ExitPersistence = 2
	return p
}

type walk struct {
	rng    *rand.Rand
	prices map[string]float64
	i      int
}

func newWalk(seed int64) *walk {
	w := &walk{rng: rand.New(rand.NewSource(seed)), prices: make(map[string]float64)}
	for i, c := range coins {
		w.prices[c] = float64(10 * (i + 1))
	}
	return w
}

func (w *walk) next() signal.Snapshot {
	for _, c := range coins {
		w.prices[c] *= 1 + w.rng.NormFloat64()*0.01
	}
	if w.i%53 == 0 {
		w.prices[coins[w.rng.Intn(len(coins))]] *= 1.12
	}
	snap := snapAt(w.i, w.prices)
	w.i++
	return snap
}

func TestCheckpointResumeMatchesUninterruptedRun(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)

	live, err := Boot(ctx, st, "engine", walkParams(), universe.NewRegistry("USDT", coins), zerolog.Nop())
	require.NoError(t, err)
	liveRunner := New(live, zerolog.Nop(), WithCheckpoints(st, "engine"))

	w := newWalk(11)
	for i := 0; i < 250; i++ {
		_, err := liveRunner.Step(ctx, w.next())
		require.NoError(t, err)
	}

	resumed, err := Boot(ctx, st, "engine", walkParams(), universe.NewRegistry("USDT", coins), zerolog.Nop())
	require.NoError(t, err)
	_, ticks := resumed.LastTick()
	require.Equal(t, uint64(250), ticks)
	assert.Equal(t, live.Lock(), resumed.Lock())

	resumedRunner := New(resumed, zerolog.Nop())
	for i := 0; i < 250; i++ {
		snap := w.next()
		want, err := liveRunner.Step(ctx, snap)
		require.NoError(t, err)
		got, err := resumedRunner.Step(ctx, snap)
		require.NoError(t, err)
		require.Equal(t, want, got, "tick %d", i)
	}
}

func TestBootWithoutCheckpointStartsIdle(t *testing.T) {
	eng, err := Boot(context.Background(), openStore(t), "", walkParams(), universe.NewRegistry("USDT", coins), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, strategy.ModeIdle, eng.Lock().Mode)
}

func TestBootCorruptCheckpointFallsBackToIdle(t *testing.T) {
	ctx := context.Background()
	cases := map[string]string{
		"garbage": "{not json",
		"version": `{"version": 99}`,
		"lock":    `{"version": 1, "lock": {"mode": "TREND_LOCK"}}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			st := openStore(t)
			require.NoError(t, st.SaveCheckpoint(ctx, store.Checkpoint{Name: "engine", Version: 1, Payload: payload}))

			eng, err := Boot(ctx, st, "engine", walkParams(), universe.NewRegistry("USDT", coins), zerolog.Nop())
			require.ErrorIs(t, err, ErrCorruptState)
			require.NotNil(t, eng)
			assert.Equal(t, strategy.ModeIdle, eng.Lock().Mode)
			_, ticks := eng.LastTick()
			assert.Zero(t, ticks)
		})
	}
}

func TestBootRejectsInvalidParams(t *testing.T) {
	p := walkParams()
	p.BreadthK = 10
	eng, err := Boot(context.Background(), nil, "", p, universe.NewRegistry("USDT", coins), zerolog.Nop())
	assert.Nil(t, eng)
	assert.ErrorIs(t, err, strategy.ErrInvalidConfig)
	assert.False(t, errors.Is(err, ErrCorruptState))
}

func TestSurvivalPassFlagsIlliquidCoin(t *testing.T) {
	reg := universe.NewRegistry("USDT", coins)
	eng, err := strategy.New(walkParams(), reg, zerolog.Nop())
	require.NoError(t, err)
	filter := risk.NewSurvivalFilter(risk.SurvivalConfig{MinVolume: 1000, Evaluations: 2}, reg, zerolog.Nop())
	r := New(eng, zerolog.Nop(), WithSurvival(filter, 1))

	for i := 0; i < 2; i++ {
		ts := t0.Add(time.Duration(i) * time.Minute)
		snap := signal.Snapshot{Time: ts, Prices: map[string]signal.PricePoint{}}
		for j, c := range coins {
			vol := 1e6
			if c == "E" {
				vol = 10
			}
			snap.Prices[c] = signal.PricePoint{Coin: c, Price: float64(j + 1), Volume: vol, Ts: ts}
		}
		_, err := r.Step(context.Background(), snap)
		require.NoError(t, err)
		if i == 0 {
			assert.True(t, reg.IsActive("E"), "one failing evaluation must not flag")
		}
	}
	st, ok := reg.Status("E")
	require.True(t, ok)
	assert.Equal(t, universe.FlaggedForRemoval, st)
	assert.Equal(t, []string{"A", "B", "C", "D"}, reg.Active())
}

// lockingEngine follows its script and tracks the lock the intents imply.
type lockingEngine struct {
	scriptedEngine
	lock strategy.LockSnapshot
}

func (e *lockingEngine) OnSnapshot(ctx context.Context, snap signal.Snapshot) (signal.Intent, error) {
	in, err := e.scriptedEngine.OnSnapshot(ctx, snap)
	switch in.Kind {
	case signal.Enter:
		e.lock = strategy.LockSnapshot{Mode: strategy.ModeTrendLock, ActiveCoin: in.Coin, EntryTime: in.Time}
	case signal.ExitToBridge:
		e.lock = strategy.LockSnapshot{Mode: strategy.ModeIdle}
	}
	return in, err
}

func (e *lockingEngine) Lock() strategy.LockSnapshot { return e.lock }

func illiquidSnap(i int, thin string) signal.Snapshot {
	ts := t0.Add(time.Duration(i) * time.Minute)
	snap := signal.Snapshot{Time: ts, Prices: map[string]signal.PricePoint{}}
	for j, c := range coins {
		vol := 1e6
		if c == thin {
			vol = 10
		}
		snap.Prices[c] = signal.PricePoint{Coin: c, Price: float64(j + 1), Volume: vol, Ts: ts}
	}
	return snap
}

func TestDeferredSurvivalFlagSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	cfg := risk.SurvivalConfig{MinVolume: 1000, Evaluations: 2}

	reg := universe.NewRegistry("USDT", coins)
	filter := risk.NewSurvivalFilter(cfg, reg, zerolog.Nop())
	locked := &lockingEngine{scriptedEngine: scriptedEngine{script: []signal.Intent{
		{Kind: signal.Enter, Coin: "A"},
		{Kind: signal.Hold, Coin: "A"},
	}}}
	first := New(locked, zerolog.Nop(), WithCheckpoints(st, "engine"), WithSurvival(filter, 1))
	for i := 0; i < 2; i++ {
		_, err := first.Step(ctx, illiquidSnap(i, "A"))
		require.NoError(t, err)
	}
	require.Len(t, filter.Pending(), 1)
	assert.True(t, reg.IsActive("A"), "the locked coin must not be flagged yet")

	reg2 := universe.NewRegistry("USDT", coins)
	filter2 := risk.NewSurvivalFilter(cfg, reg2, zerolog.Nop())
	require.NoError(t, BootSurvival(ctx, st, "engine", filter2, zerolog.Nop()))
	pending := filter2.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "A", pending[0].Coin)
	assert.Equal(t, risk.ReasonIlliquid, pending[0].Reason)

	exiting := &lockingEngine{
		scriptedEngine: scriptedEngine{script: []signal.Intent{{Kind: signal.ExitToBridge, Coin: "A"}}},
		lock:           strategy.LockSnapshot{Mode: strategy.ModeTrendLock, ActiveCoin: "A", EntryTime: t0},
	}
	second := New(exiting, zerolog.Nop(), WithSurvival(filter2, 100))
	intent, err := second.Step(ctx, illiquidSnap(2, ""))
	require.NoError(t, err)
	require.Equal(t, signal.ExitToBridge, intent.Kind)

	status, ok := reg2.Status("A")
	require.True(t, ok)
	assert.Equal(t, universe.FlaggedForRemoval, status)
	assert.Empty(t, filter2.Pending())
}

func TestBootSurvivalRejectsUnknownPendingCoin(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	payload := `{"pending":[{"coin":"ZZZ","reason":"illiquid","ts":"2024-01-01T00:00:00Z"}]}`
	require.NoError(t, st.SaveCheckpoint(ctx, store.Checkpoint{Name: SurvivalCheckpoint("engine"), Version: 1, Payload: payload}))

	filter := risk.NewSurvivalFilter(risk.SurvivalConfig{}, universe.NewRegistry("USDT", coins), zerolog.Nop())
	err := BootSurvival(ctx, st, "engine", filter, zerolog.Nop())
	require.ErrorIs(t, err, ErrCorruptState)
	assert.Empty(t, filter.Pending())

	assert.NoError(t, BootSurvival(ctx, openStore(t), "engine", filter, zerolog.Nop()))
}
