package execution

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/store"
)

type fillWriter interface {
	RecordFill(ctx context.Context, f store.Fill) error
}

// StoreRecorder persists fills through the checkpoint store.
type StoreRecorder struct {
	w       fillWriter
	runID   string
	timeout time.Duration
	log     zerolog.Logger
}

func NewStoreRecorder(w fillWriter, runID string, log zerolog.Logger) *StoreRecorder {
	return &StoreRecorder{w: w, runID: runID, timeout: 5 * time.Second, log: log}
}

// Record writes fill; failures are logged, never fatal to the trading loop.
func (r *StoreRecorder) Record(fill Fill) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	err := r.w.RecordFill(ctx, store.Fill{
		ID:     fill.ID,
		RunID:  r.runID,
		Coin:   fill.Coin,
		Side:   strings.ToLower(string(fill.Side)),
		Qty:    fill.Qty,
		Price:  fill.Price,
		Fee:    fill.Fee,
		Reason: fill.Reason,
		Ts:     fill.Ts,
	})
	if err != nil {
		r.log.Error().Err(err).Str("fill", fill.ID).Msg("persist fill")
	}
}

// FillFromStore converts a persisted fill back into an executor fill.
func FillFromStore(f store.Fill) Fill {
	return Fill{
		ID:       f.ID,
		Coin:     f.Coin,
		Side:     Side(strings.ToUpper(f.Side)),
		Qty:      f.Qty,
		Price:    f.Price,
		Fee:      f.Fee,
		Notional: f.Qty.Mul(f.Price),
		Reason:   f.Reason,
		Ts:       f.Ts,
	}
}
