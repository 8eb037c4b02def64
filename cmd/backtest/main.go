package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/backtest"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/config"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/risk"
	sig "github.com/Ye-Yu-Mo/binance-trade-bot/internal/signal"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/util"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to the YAML config")
	dataDir := flag.String("data", "data/history", "directory of <COIN>.csv price files")
	step := flag.Duration("step", time.Minute, "tick spacing")
	maxAge := flag.Duration("max-age", 0, "drop prices older than this at a tick (0 keeps them)")
	out := flag.String("out", "", "write completed trades to this CSV")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := util.ForEnv(cfg.App.Env, cfg.App.LogLevel)

	series, err := backtest.LoadDir(*dataDir, cfg.Engine.Bridge)
	if err != nil {
		log.Fatal().Err(err).Msg("load price history")
	}
	snaps := backtest.Align(series, *step, *maxAge)
	log.Info().Int("coins", len(series)).Int("ticks", len(snaps)).Msg("history aligned")

	bc := backtest.Config{
		Params:       cfg.Engine.Params(),
		Bridge:       cfg.Engine.Bridge,
		StartingCash: cfg.Paper.StartingCash,
		FeeRate:      cfg.Paper.FeeRate,
		Limits:       risk.Limits{MaxNotionalPerTrade: cfg.Risk.MaxNotionalPerTrade},
	}
	if cfg.Survival.Enabled {
		bc.Survival = &risk.SurvivalConfig{
			MinVolume:      cfg.Survival.MinVolume,
			MaxDrawdown:    cfg.Survival.MaxDrawdown,
			BottomFraction: cfg.Survival.BottomFraction,
			Evaluations:    cfg.Survival.Evaluations,
		}
		bc.SurvivalEvery = cfg.Survival.EveryTicks
	}

	res, err := backtest.Run(context.Background(), bc, snaps, log)
	if err != nil {
		log.Fatal().Err(err).Msg("backtest")
	}
	printReport(res)

	if *out != "" {
		if err := backtest.WriteCSV(res.Trades, *out); err != nil {
			log.Fatal().Err(err).Msg("write trades")
		}
		fmt.Printf("trades written to %s\n", *out)
	}
}

func printReport(res backtest.Result) {
	m := res.Metrics
	fmt.Println("\n--- Backtest Report ---")
	fmt.Printf("Period: %s -> %s (%d ticks)\n", res.Start.Format(time.RFC3339), res.End.Format(time.RFC3339), res.Ticks)
	fmt.Printf("Equity: %.2f -> %.2f (%.2f%%)\n", res.Equity0, res.EquityN, m.ReturnPct)
	fmt.Printf("Trades: %d | wins %d | losses %d | win rate %.1f%%\n", m.NumTrades, m.Wins, m.Losses, m.WinRate)
	fmt.Printf("Profit factor: %.2f | max drawdown %.2f%% | exposure %.1f%% | fees %.4f\n",
		m.ProfitFactor, m.MaxDrawdown*100, m.Exposure*100, m.Fees)
	if res.OpenCoin != "" {
		fmt.Printf("Still locked on %s at the end\n", res.OpenCoin)
	}
	if len(res.Flagged) > 0 {
		fmt.Printf("Flagged by survival: %v\n", res.Flagged)
	}
	kinds := make([]string, 0, len(res.Intents))
	for k := range res.Intents {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Printf("  %-15s %d\n", k, res.Intents[sig.IntentKind(k)])
	}
}
