package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/config"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/exchange"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/execution"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/metrics"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/notify"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/paper"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/risk"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/runner"
	sig "github.com/Ye-Yu-Mo/binance-trade-bot/internal/signal"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/store"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/strategy"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/universe"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/util"
)

const defaultConfigPath = "internal/config/config.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to the YAML config")
	envFile := flag.String("env", ".env", "optional dotenv file with secrets")
	flag.Parse()

	if err := config.LoadEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "env: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.ApplyEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "env overrides: %v\n", err)
		os.Exit(1)
	}
	log := util.ForEnv(cfg.App.Env, cfg.App.LogLevel)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	_ = metrics.Serve(cfg.App.MetricsAddr)
	log.Info().Str("addr", cfg.App.MetricsAddr).Msg("metrics up")

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := store.Open(cfg.Store.DSN, log)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer db.Close()

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Notify.Telegram.Enabled {
		tg, err := notify.NewTelegram(cfg.Notify.Telegram, log)
		if err != nil {
			log.Warn().Err(err).Msg("telegram unavailable, notifications disabled")
		} else {
			notifier = tg
		}
	}

	registry := universe.NewRegistry(cfg.Engine.Bridge, cfg.Engine.Coins)
	engine, err := runner.Boot(ctx, db, cfg.Store.Checkpoint, cfg.Engine.Params(), registry, log)
	switch {
	case errors.Is(err, runner.ErrCorruptState):
		log.Error().Err(err).Msg("checkpoint unusable, starting idle")
		_ = notifier.Fault(ctx, err)
	case err != nil:
		log.Fatal().Err(err).Msg("build engine")
	}

	ledger := paper.NewLedger(256)
	recorders := []execution.FillRecorder{ledger}
	if cfg.Paper.FillsPath != "" {
		jsonl, err := paper.NewJSONLRecorder(cfg.Paper.FillsPath)
		if err != nil {
			log.Fatal().Err(err).Msg("open fills file")
		}
		defer jsonl.Close()
		recorders = append(recorders, jsonl)
	}

	runID := uuid.NewString()
	recorders = append(recorders, execution.NewStoreRecorder(db, runID, log))
	account := paper.NewAccount(registry.Bridge(), cfg.Paper.StartingCash, cfg.Paper.FeeRate)
	exec := execution.NewExecutor(log, account, risk.Limits{MaxNotionalPerTrade: cfg.Risk.MaxNotionalPerTrade}, recorders...)
	if err := restoreAccount(ctx, db, account, exec, engine.Lock()); err != nil {
		log.Error().Err(err).Msg("paper account not restored, starting from configured cash")
		account = paper.NewAccount(registry.Bridge(), cfg.Paper.StartingCash, cfg.Paper.FeeRate)
		exec = execution.NewExecutor(log, account, risk.Limits{MaxNotionalPerTrade: cfg.Risk.MaxNotionalPerTrade}, recorders...)
	}
	if lock := engine.Lock(); lock.Mode == strategy.ModeTrendLock && exec.Held() != lock.ActiveCoin {
		log.Warn().Str("coin", lock.ActiveCoin).Msg("resumed inside a trend lock with a flat paper account; its exit will not fill")
	}

	opts := []runner.Option{
		runner.WithRunID(runID),
		runner.WithExecutor(exec),
		runner.WithCheckpoints(db, cfg.Store.Checkpoint),
		runner.WithNotifier(notifier),
	}
	if cfg.Survival.Enabled {
		sc := risk.SurvivalConfig{
			MinVolume:      cfg.Survival.MinVolume,
			MaxDrawdown:    cfg.Survival.MaxDrawdown,
			BottomFraction: cfg.Survival.BottomFraction,
			Evaluations:    cfg.Survival.Evaluations,
		}
		filter := risk.NewSurvivalFilter(sc, registry, log)
		if err := runner.BootSurvival(ctx, db, cfg.Store.Checkpoint, filter, log); err != nil {
			log.Error().Err(err).Msg("survival state unusable, starting without strikes")
		}
		opts = append(opts, runner.WithSurvival(filter, cfg.Survival.EveryTicks))
		log.Info().Str("survival", sc.String()).Int("every_ticks", cfg.Survival.EveryTicks).Msg("survival filter enabled")
	}
	run := runner.New(engine, log, opts...)

	feed := exchange.NewFeed(cfg.Exchange.Name, registry.Bridge(), trackedCoins(registry), log,
		exchange.WithInterval(time.Duration(cfg.Exchange.IntervalMs)*time.Millisecond),
		exchange.WithBinanceURL(cfg.Exchange.WSURL))
	exchange.NewBinanceDiscovery(log, feed, registry, cfg.Exchange.Discovery).Start(ctx)

	go togglePause(ctx, run)

	snaps := make(chan sig.Snapshot, 16)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return feed.Run(gctx, snaps) })
	g.Go(func() error { return run.Run(gctx, snaps) })

	log.Info().Str("run_id", run.RunID()).Strs("coins", registry.Active()).Str("exchange", cfg.Exchange.Name).Msg("trend lock engine started")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("stopped")
	}
	snap := account.Snapshot(nil)
	ev := log.Info().Float64("cash", snap.Cash).Float64("realized_pnl", snap.RealizedPnL).Float64("fees", snap.Fees).Int("fills", ledger.Total())
	if recent := ledger.Snapshot(); len(recent) > 0 {
		last := recent[len(recent)-1]
		ev = ev.Str("last_fill", fmt.Sprintf("%s %s %s @ %s", last.Side, last.Qty, last.Coin, last.Price))
	}
	ev.Msg("shutting down")
}

// restoreAccount replays persisted fills into the paper account and re-attaches
// the executor to the coin held by a resumed lock.
func restoreAccount(ctx context.Context, db *store.GormStore, account *paper.Account, exec *execution.Executor, lock strategy.LockSnapshot) error {
	rows, err := db.Fills(ctx)
	if err != nil {
		return err
	}
	fills := make([]execution.Fill, 0, len(rows))
	for _, row := range rows {
		fills = append(fills, execution.FillFromStore(row))
	}
	if err := account.Replay(fills); err != nil {
		return err
	}
	if lock.Mode != strategy.ModeTrendLock {
		return nil
	}
	for i := len(fills) - 1; i >= 0; i-- {
		if fills[i].Coin == lock.ActiveCoin && fills[i].Side == execution.Buy {
			exec.Resume(lock.ActiveCoin, fills[i].Price.InexactFloat64(), lock.EntryTime)
			break
		}
	}
	return nil
}

// trackedCoins keeps prices flowing for flagged coins too, since a flagged coin
// may still be the active lock.
func trackedCoins(r *universe.Registry) []string {
	var out []string
	for _, m := range r.Members() {
		if m.Status != universe.Removed {
			out = append(out, m.Coin)
		}
	}
	return out
}

// togglePause flips the runner between paused and running on SIGUSR1.
func togglePause(ctx context.Context, run *runner.Runner) {
	ch := make(chan os.Signal, 1)
	ossignal.Notify(ch, syscall.SIGUSR1)
	defer ossignal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			if run.Paused() {
				run.Resume()
			} else {
				run.Pause()
			}
		}
	}
}
