package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *GormStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "state.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCheckpointUpsert(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	_, err := s.LoadCheckpoint(ctx, "engine")
	require.ErrorIs(t, err, ErrNoCheckpoint)

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveCheckpoint(ctx, Checkpoint{Name: "engine", Version: 1, Ticks: 1, LastTick: ts, Payload: `{"a":1}`}))
	require.NoError(t, s.SaveCheckpoint(ctx, Checkpoint{Name: "engine", Version: 1, Ticks: 2, LastTick: ts.Add(time.Minute), Payload: `{"a":2}`}))

	cp, err := s.LoadCheckpoint(ctx, "engine")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cp.Ticks)
	assert.Equal(t, `{"a":2}`, cp.Payload)
	assert.True(t, cp.LastTick.Equal(ts.Add(time.Minute)))

	require.NoError(t, s.DeleteCheckpoint(ctx, "engine"))
	_, err = s.LoadCheckpoint(ctx, "engine")
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestRecordFills(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordFill(ctx, Fill{ID: "f1", Coin: "BNB", Side: "buy", Qty: decimal.RequireFromString("1.5"), Price: decimal.NewFromInt(300), Ts: base}))
	require.NoError(t, s.RecordFill(ctx, Fill{ID: "f2", Coin: "BNB", Side: "sell", Qty: decimal.RequireFromString("1.5"), Price: decimal.NewFromInt(330), Ts: base.Add(time.Hour)}))

	fills, err := s.RecentFills(ctx, 10)
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, "f2", fills[0].ID)
	assert.True(t, fills[1].Qty.Equal(decimal.RequireFromString("1.5")))

	all, err := s.Fills(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "f1", all[0].ID)
	assert.Equal(t, "f2", all[1].ID)
}
