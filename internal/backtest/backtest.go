// Package backtest replays historical prices through the trend-lock engine and a
// paper account.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/execution"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/paper"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/risk"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/runner"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/signal"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/strategy"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/universe"
)

type Config struct {
	Params        strategy.Params
	Bridge        string
	Coins         []string // universe; defaults to every coin seen in the snapshots
	StartingCash  float64
	FeeRate       float64 // per conversion
	Limits        risk.Limits
	Survival      *risk.SurvivalConfig
	SurvivalEvery int
	Recorders     []execution.FillRecorder
}

type Result struct {
	Start    time.Time
	End      time.Time
	Ticks    int
	Equity0  float64
	EquityN  float64
	Trades   []Trade
	OpenCoin string // coin still held at the end, marked to market in EquityN
	Intents  map[signal.IntentKind]int
	Flagged  []string
	Metrics  Metrics
}

// Trade is one completed bridge -> coin -> bridge round trip.
type Trade struct {
	Coin      string
	EntryTime time.Time
	ExitTime  time.Time
	Entry     float64
	Exit      float64
	Qty       float64
	Cost      float64 // bridge spent, fee included
	Proceeds  float64 // bridge received, fee deducted
	Fees      float64
	NetPnL    float64
	ReturnPct float64
	EntryWhy  string
	ExitWhy   string
}

type Metrics struct {
	NetPnL       float64
	ReturnPct    float64
	NumTrades    int
	Wins         int
	Losses       int
	WinRate      float64
	ProfitFactor float64
	MaxDrawdown  float64 // fraction of peak equity
	Exposure     float64 // fraction of ticks ending with a coin held
	Fees         float64
}

// Run evaluates snaps in order. Snapshots must be strictly increasing in time.
func Run(ctx context.Context, cfg Config, snaps []signal.Snapshot, log zerolog.Logger) (Result, error) {
	if len(snaps) == 0 {
		return Result{}, errors.New("no snapshots to replay")
	}
	if cfg.StartingCash <= 0 {
		cfg.StartingCash = 1000
	}
	coins := cfg.Coins
	if len(coins) == 0 {
		coins = seenCoins(snaps)
	}

	registry := universe.NewRegistry(cfg.Bridge, coins)
	engine, err := strategy.New(cfg.Params, registry, log)
	if err != nil {
		return Result{}, err
	}
	account := paper.NewAccount(registry.Bridge(), cfg.StartingCash, cfg.FeeRate)
	ledger := paper.NewLedger(0)
	recorders := append([]execution.FillRecorder{ledger}, cfg.Recorders...)
	exec := execution.NewExecutor(log, account, cfg.Limits, recorders...)

	opts := []runner.Option{runner.WithExecutor(exec)}
	if cfg.Survival != nil {
		opts = append(opts, runner.WithSurvival(risk.NewSurvivalFilter(*cfg.Survival, registry, log), cfg.SurvivalEvery))
	}
	run := runner.New(engine, log, opts...)

	res := Result{
		Start:   snaps[0].Time,
		End:     snaps[len(snaps)-1].Time,
		Equity0: cfg.StartingCash,
		Intents: make(map[signal.IntentKind]int),
	}
	marks := make(map[string]float64)
	peak := cfg.StartingCash
	held := 0
	for _, snap := range snaps {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		intent, err := run.Step(ctx, snap)
		if err != nil {
			return res, fmt.Errorf("tick %s: %w", snap.Time.Format(time.RFC3339), err)
		}
		res.Ticks++
		res.Intents[intent.Kind]++

		for coin := range snap.Prices {
			if px, ok := snap.Price(coin); ok {
				marks[coin] = px
			}
		}
		acct := account.Snapshot(marks)
		if len(acct.Positions) > 0 {
			held++
		}
		if acct.Equity > peak {
			peak = acct.Equity
		}
		if peak > 0 {
			res.Metrics.MaxDrawdown = math.Max(res.Metrics.MaxDrawdown, 1-acct.Equity/peak)
		}
		res.EquityN = acct.Equity
	}

	res.Trades = pairTrades(ledger.Snapshot())
	if h := account.Holdings(); len(h) > 0 {
		res.OpenCoin = h[0]
	}
	for _, m := range registry.Members() {
		if m.Status != universe.Active {
			res.Flagged = append(res.Flagged, m.Coin)
		}
	}
	fillMetrics(&res, held)

	log.Info().Int("ticks", res.Ticks).Int("trades", res.Metrics.NumTrades).
		Float64("equity", res.EquityN).Float64("return_pct", res.Metrics.ReturnPct).
		Float64("max_dd", res.Metrics.MaxDrawdown).Msg("backtest complete")
	return res, nil
}

func seenCoins(snaps []signal.Snapshot) []string {
	set := make(map[string]struct{})
	for _, s := range snaps {
		for coin := range s.Prices {
			set[coin] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// pairTrades matches each sell with the preceding buy of the same coin.
func pairTrades(fills []execution.Fill) []Trade {
	var (
		out  []Trade
		open *execution.Fill
	)
	for i := range fills {
		f := fills[i]
		switch f.Side {
		case execution.Buy:
			open = &f
		case execution.Sell:
			if open == nil || open.Coin != f.Coin {
				continue
			}
			cost := open.Notional.Add(open.Fee)
			proceeds := f.Notional.Sub(f.Fee)
			net := proceeds.Sub(cost)
			tr := Trade{
				Coin:      f.Coin,
				EntryTime: open.Ts,
				ExitTime:  f.Ts,
				Entry:     open.Price.InexactFloat64(),
				Exit:      f.Price.InexactFloat64(),
				Qty:       f.Qty.InexactFloat64(),
				Cost:      cost.InexactFloat64(),
				Proceeds:  proceeds.InexactFloat64(),
				Fees:      open.Fee.Add(f.Fee).InexactFloat64(),
				NetPnL:    net.InexactFloat64(),
				EntryWhy:  open.Reason,
				ExitWhy:   f.Reason,
			}
			if cost.IsPositive() {
				tr.ReturnPct = 100 * net.Div(cost).InexactFloat64()
			}
			out = append(out, tr)
			open = nil
		}
	}
	return out
}

func fillMetrics(res *Result, heldTicks int) {
	m := &res.Metrics
	var gain, loss float64
	for _, t := range res.Trades {
		m.Fees += t.Fees
		if t.NetPnL > 0 {
			m.Wins++
			gain += t.NetPnL
		} else {
			m.Losses++
			loss += -t.NetPnL
		}
	}
	m.NumTrades = len(res.Trades)
	m.NetPnL = res.EquityN - res.Equity0
	if res.Equity0 > 0 {
		m.ReturnPct = 100 * m.NetPnL / res.Equity0
	}
	if m.NumTrades > 0 {
		m.WinRate = 100 * float64(m.Wins) / float64(m.NumTrades)
	}
	switch {
	case loss > 0:
		m.ProfitFactor = gain / loss
	case gain > 0:
		m.ProfitFactor = 999
	}
	if res.Ticks > 0 {
		m.Exposure = float64(heldTicks) / float64(res.Ticks)
	}
}
