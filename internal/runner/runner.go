// Package runner drives the engine from a snapshot stream: evaluation, execution,
// notification, survival passes and checkpointing, in that order, one tick at a time.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/execution"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/metrics"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/notify"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/risk"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/signal"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/store"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/strategy"
)

// DefaultCheckpoint is the checkpoint row used when none is configured.
const DefaultCheckpoint = "engine"

// Engine is the part of strategy.TrendLock the runner depends on.
type Engine interface {
	OnSnapshot(ctx context.Context, snap signal.Snapshot) (signal.Intent, error)
	Snapshot() strategy.State
	Records() []strategy.BreadthRecord
	Lock() strategy.LockSnapshot
	LastTick() (time.Time, uint64)
}

// Executor turns trading intents into fills.
type Executor interface {
	Execute(ctx context.Context, intent signal.Intent, snap signal.Snapshot) (*execution.Fill, error)
}

// Checkpointer persists named engine checkpoints. store.GormStore implements it.
type Checkpointer interface {
	SaveCheckpoint(ctx context.Context, cp store.Checkpoint) error
	LoadCheckpoint(ctx context.Context, name string) (store.Checkpoint, error)
}

// Runner owns the tick loop. Pause and Resume apply at the next tick boundary.
type Runner struct {
	log        zerolog.Logger
	engine     Engine
	exec       Executor
	notifier   notify.Notifier
	store      Checkpointer
	checkpoint string
	runID      string
	survival   *risk.SurvivalFilter
	every      int
	paused     atomic.Bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithExecutor hands trading intents to exec.
func WithExecutor(exec Executor) Option {
	return func(r *Runner) { r.exec = exec }
}

// WithNotifier reports transitions and execution failures to n.
func WithNotifier(n notify.Notifier) Option {
	return func(r *Runner) {
		if n != nil {
			r.notifier = n
		}
	}
}

// WithCheckpoints saves the engine state under name after every tick.
func WithCheckpoints(cp Checkpointer, name string) Option {
	return func(r *Runner) {
		r.store = cp
		if name != "" {
			r.checkpoint = name
		}
	}
}

// WithSurvival runs filter every n evaluated ticks.
func WithSurvival(filter *risk.SurvivalFilter, every int) Option {
	return func(r *Runner) {
		r.survival = filter
		r.every = every
	}
}

// WithRunID tags checkpoints; a random id is used otherwise.
func WithRunID(id string) Option {
	return func(r *Runner) {
		if id != "" {
			r.runID = id
		}
	}
}

// New builds a runner around engine.
func New(engine Engine, log zerolog.Logger, opts ...Option) *Runner {
	r := &Runner{
		log:        log.With().Str("component", "runner").Logger(),
		engine:     engine,
		notifier:   notify.Nop{},
		checkpoint: DefaultCheckpoint,
		runID:      uuid.NewString(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunID identifies this process in checkpoints and fills.
func (r *Runner) RunID() string { return r.runID }

// Pause stops evaluating snapshots; those arriving meanwhile are dropped.
func (r *Runner) Pause() {
	if !r.paused.Swap(true) {
		r.log.Info().Msg("runner paused")
	}
}

// Resume restarts evaluation with the next snapshot.
func (r *Runner) Resume() {
	if r.paused.Swap(false) {
		r.log.Info().Msg("runner resumed")
	}
}

// Paused reports whether the runner is paused.
func (r *Runner) Paused() bool { return r.paused.Load() }

// Run consumes snapshots until in closes or ctx is done.
func (r *Runner) Run(ctx context.Context, in <-chan signal.Snapshot) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-in:
			if !ok {
				return nil
			}
			if _, err := r.handle(ctx, snap); err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
}

func (r *Runner) handle(ctx context.Context, snap signal.Snapshot) (signal.Intent, error) {
	if r.Paused() {
		metrics.TicksRejected.WithLabelValues("paused").Inc()
		return signal.Intent{}, nil
	}
	return r.Step(ctx, snap)
}

// Step evaluates one snapshot and applies every side effect of the resulting intent.
// Execution, notification and checkpoint failures are logged and never undo the tick.
func (r *Runner) Step(ctx context.Context, snap signal.Snapshot) (signal.Intent, error) {
	intent, err := r.engine.OnSnapshot(ctx, snap)
	if err != nil {
		if errors.Is(err, strategy.ErrOutOfOrder) {
			r.log.Warn().Err(err).Msg("snapshot skipped")
		}
		return signal.Intent{}, err
	}

	var fill *execution.Fill
	if intent.Trades() && r.exec != nil {
		fill, err = r.exec.Execute(ctx, intent, snap)
		if err != nil {
			r.log.Error().Err(err).Str("intent", intent.String()).Msg("execution failed")
			_ = r.notifier.Fault(ctx, fmt.Errorf("execute %s: %w", intent, err))
		}
	}
	if intent.Trades() {
		if err := r.notifier.Intent(ctx, intent, fill); err != nil {
			r.log.Warn().Err(err).Msg("notification failed")
		}
	}

	r.runSurvival(intent, snap)
	r.saveCheckpoint(ctx)
	return intent, nil
}

func (r *Runner) runSurvival(intent signal.Intent, snap signal.Snapshot) {
	if r.survival == nil {
		return
	}
	active := r.engine.Lock().ActiveCoin
	if intent.Kind == signal.ExitToBridge {
		if flags := r.survival.Flush(active); len(flags) > 0 {
			r.log.Info().Int("flags", len(flags)).Msg("deferred survival flags applied")
		}
	}
	if _, ticks := r.engine.LastTick(); !risk.EvaluationDue(ticks, r.every) {
		return
	}
	scores := make(map[string]float64)
	for _, rec := range r.engine.Records() {
		if rec.Peers > 0 {
			scores[rec.Coin] = rec.Mean
		}
	}
	flags := r.survival.Evaluate(snap, scores, active)
	r.log.Debug().Int("flags", len(flags)).Int("pending", len(r.survival.Pending())).Msg("survival pass")
}

func (r *Runner) saveCheckpoint(ctx context.Context) {
	if r.store == nil {
		return
	}
	st := r.engine.Snapshot()
	payload, err := json.Marshal(st)
	if err != nil {
		metrics.CheckpointErrors.Inc()
		r.log.Error().Err(err).Msg("encode checkpoint")
		return
	}
	cp := store.Checkpoint{
		Name:     r.checkpoint,
		RunID:    r.runID,
		Version:  st.Version,
		Ticks:    st.Ticks,
		LastTick: st.LastTick,
		Payload:  string(payload),
	}
	if err := r.store.SaveCheckpoint(ctx, cp); err != nil {
		metrics.CheckpointErrors.Inc()
		r.log.Error().Err(err).Msg("checkpoint failed")
	}
	if r.survival != nil {
		r.saveSurvival(ctx, cp)
	}
}

// saveSurvival stores the filter's strikes and deferred flags next to the engine row.
func (r *Runner) saveSurvival(ctx context.Context, row store.Checkpoint) {
	payload, err := json.Marshal(r.survival.Snapshot())
	if err != nil {
		metrics.CheckpointErrors.Inc()
		r.log.Error().Err(err).Msg("encode survival checkpoint")
		return
	}
	cp := store.Checkpoint{
		Name:     SurvivalCheckpoint(r.checkpoint),
		RunID:    row.RunID,
		Version:  row.Version,
		Ticks:    row.Ticks,
		LastTick: row.LastTick,
		Payload:  string(payload),
	}
	if err := r.store.SaveCheckpoint(ctx, cp); err != nil {
		metrics.CheckpointErrors.Inc()
		r.log.Error().Err(err).Msg("survival checkpoint failed")
	}
}
