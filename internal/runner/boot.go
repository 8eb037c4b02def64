package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/risk"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/store"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/strategy"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/universe"
)

// ErrCorruptState reports a checkpoint that exists but cannot be resumed from.
var ErrCorruptState = errors.New("corrupt engine checkpoint")

// Boot builds the engine and resumes it from the named checkpoint when one exists.
// A corrupt or unreadable checkpoint yields a fresh IDLE engine together with an
// error wrapping ErrCorruptState; invalid params yield a nil engine.
func Boot(ctx context.Context, cp Checkpointer, name string, params strategy.Params, registry *universe.Registry, log zerolog.Logger) (*strategy.TrendLock, error) {
	engine, err := strategy.New(params, registry, log)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return engine, nil
	}
	if name == "" {
		name = DefaultCheckpoint
	}

	saved, err := cp.LoadCheckpoint(ctx, name)
	if errors.Is(err, store.ErrNoCheckpoint) {
		log.Info().Str("checkpoint", name).Msg("no checkpoint, starting idle")
		return engine, nil
	}
	if err != nil {
		return engine, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}

	var st strategy.State
	if err := json.Unmarshal([]byte(saved.Payload), &st); err != nil {
		return engine, fmt.Errorf("%w: decode %s: %v", ErrCorruptState, name, err)
	}
	if err := engine.Restore(st); err != nil {
		return engine, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	lock := engine.Lock()
	log.Info().Str("checkpoint", name).Str("run_id", saved.RunID).Uint64("ticks", st.Ticks).
		Time("last_tick", st.LastTick).Str("mode", string(lock.Mode)).Str("coin", lock.ActiveCoin).
		Msg("engine resumed from checkpoint")
	return engine, nil
}

// SurvivalCheckpoint names the row holding survival state for engine checkpoint name.
func SurvivalCheckpoint(name string) string {
	if name == "" {
		name = DefaultCheckpoint
	}
	return name + ".survival"
}

// BootSurvival reloads strikes, peaks and deferred flags saved beside the engine
// checkpoint. Call it after Boot so the registry already holds the resumed universe.
// A missing row is not an error; an unusable one leaves filter empty and wraps
// ErrCorruptState.
func BootSurvival(ctx context.Context, cp Checkpointer, name string, filter *risk.SurvivalFilter, log zerolog.Logger) error {
	if cp == nil || filter == nil {
		return nil
	}
	name = SurvivalCheckpoint(name)
	saved, err := cp.LoadCheckpoint(ctx, name)
	if errors.Is(err, store.ErrNoCheckpoint) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	var st risk.SurvivalState
	if err := json.Unmarshal([]byte(saved.Payload), &st); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrCorruptState, name, err)
	}
	if err := filter.Restore(st); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	log.Info().Str("checkpoint", name).Int("pending", len(st.Pending)).Msg("survival state resumed")
	return nil
}
