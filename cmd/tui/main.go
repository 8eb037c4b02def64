package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/config"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/store"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/strategy"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/universe"
)

const defaultConfigPath = "internal/config/config.yaml"

func main() {
	reader := bufio.NewReader(os.Stdin)

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	for {
		fmt.Println("\n=== Trend Lock Control ===")
		fmt.Println("1) Show configuration summary")
		fmt.Println("2) Edit engine knobs")
		fmt.Println("3) Edit survival filter")
		fmt.Println("4) Inspect stored checkpoint")
		fmt.Println("5) Save config")
		fmt.Println("6) Launch trend lock bot")
		fmt.Println("7) Reload config from disk")
		fmt.Println("0) Exit")
		fmt.Print("Select option: ")

		input, _ := reader.ReadString('\n')
		choice := strings.TrimSpace(input)

		switch choice {
		case "1":
			printSummary(cfg)
		case "2":
			editEngine(reader, cfg)
		case "3":
			editSurvival(reader, cfg)
		case "4":
			inspectCheckpoint(cfg)
		case "5":
			if err := cfg.Validate(); err != nil {
				fmt.Fprintf(os.Stderr, "not saved, config invalid: %v\n", err)
			} else if err := saveConfig(cfg); err != nil {
				fmt.Fprintf(os.Stderr, "save failed: %v\n", err)
			} else {
				fmt.Println("config saved")
			}
		case "6":
			launchBot(reader)
		case "7":
			reloaded, err := loadConfig()
			if err != nil {
				fmt.Fprintf(os.Stderr, "reload failed: %v\n", err)
			} else {
				cfg = reloaded
				fmt.Println("config reloaded")
			}
		case "0":
			return
		default:
			fmt.Println("unknown option")
		}
	}
}

func printSummary(cfg *config.Config) {
	p := cfg.Engine.Params()
	fmt.Println("\n--- Configuration Summary ---")
	fmt.Printf("Bridge: %s | coins: %s\n", cfg.Engine.Bridge, strings.Join(cfg.Engine.Coins, ", "))
	fmt.Printf("Round-trip fee: %.4f%%\n", p.FeeRate*100)
	fmt.Printf("Breadth K: %d | band: [%.3f, %.3f]\n", p.BreadthK, p.QuantileLow, p.QuantileHigh)
	fmt.Printf("Entry persistence: %d | exit persistence: %d | exit majority: %.2f\n", p.EntryPersistence, p.ExitPersistence, p.ExitMajority)
	fmt.Printf("Reference: %s (window %d, alpha %.4f)\n", p.ReferenceMode, p.ReferenceWindow, p.ReferenceAlpha)
	fmt.Printf("Quantiles: %s scope, window %d, min samples %d\n", p.QuantileScope, p.QuantileWindow, p.QuantileMinSamples)
	if cfg.Survival.Enabled {
		fmt.Printf("Survival: every %d ticks, min volume %.0f, max drawdown %.0f%%, bottom %.0f%%, %d evaluations\n",
			cfg.Survival.EveryTicks, cfg.Survival.MinVolume, cfg.Survival.MaxDrawdown*100, cfg.Survival.BottomFraction*100, cfg.Survival.Evaluations)
	} else {
		fmt.Println("Survival: disabled")
	}
	fmt.Printf("Paper cash: %.2f %s | per-trade cap: %.2f\n", cfg.Paper.StartingCash, cfg.Engine.Bridge, cfg.Risk.MaxNotionalPerTrade)
	fmt.Printf("Store: %s (checkpoint %q)\n", cfg.Store.DSN, cfg.Store.Checkpoint)
	if err := cfg.Validate(); err != nil {
		fmt.Printf("WARNING: %v\n", err)
	}
}

func editEngine(reader *bufio.Reader, cfg *config.Config) {
	fmt.Println("\n--- Edit Engine ---")
	fmt.Printf("Current coins: %s\n", strings.Join(cfg.Engine.Coins, ", "))
	fmt.Print("Enter coins comma-separated (blank to keep): ")
	if line, _ := reader.ReadString('\n'); strings.TrimSpace(line) != "" {
		cfg.Engine.Coins = nil
		for _, p := range strings.Split(strings.TrimSpace(line), ",") {
			if trimmed := strings.ToUpper(strings.TrimSpace(p)); trimmed != "" {
				cfg.Engine.Coins = append(cfg.Engine.Coins, trimmed)
			}
		}
	}
	p := cfg.Engine.Params()
	cfg.Engine.FeePerLeg = promptPercent(reader, "Fee per conversion (%)", cfg.Engine.FeePerLeg)
	cfg.Engine.BreadthK = int(promptFloat(reader, "Breadth K", float64(p.BreadthK)))
	cfg.Engine.QuantileLow = promptFloat(reader, "Quantile low", p.QuantileLow)
	cfg.Engine.QuantileHigh = promptFloat(reader, "Quantile high", p.QuantileHigh)
	cfg.Engine.EntryPersistence = int(promptFloat(reader, "Entry persistence (ticks)", float64(p.EntryPersistence)))
	cfg.Engine.ExitPersistence = int(promptFloat(reader, "Exit persistence (ticks)", float64(p.ExitPersistence)))
	cfg.Engine.ExitMajority = promptFloat(reader, "Exit majority", p.ExitMajority)
}

func editSurvival(reader *bufio.Reader, cfg *config.Config) {
	fmt.Println("\n--- Edit Survival ---")
	fmt.Printf("Enabled [%t] (y/n, blank to keep): ", cfg.Survival.Enabled)
	if line, _ := reader.ReadString('\n'); strings.TrimSpace(line) != "" {
		cfg.Survival.Enabled = strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), "y")
	}
	cfg.Survival.EveryTicks = int(promptFloat(reader, "Evaluate every N ticks", float64(cfg.Survival.EveryTicks)))
	cfg.Survival.MinVolume = promptFloat(reader, "Min quote volume", cfg.Survival.MinVolume)
	cfg.Survival.MaxDrawdown = promptPercent(reader, "Max drawdown (%)", cfg.Survival.MaxDrawdown)
	cfg.Survival.BottomFraction = promptPercent(reader, "Bottom rank share (%)", cfg.Survival.BottomFraction)
	cfg.Survival.Evaluations = int(promptFloat(reader, "Consecutive failing evaluations", float64(cfg.Survival.Evaluations)))
}

func inspectCheckpoint(cfg *config.Config) {
	db, err := store.Open(cfg.Store.DSN, zerolog.Nop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	name := cfg.Store.Checkpoint
	if name == "" {
		name = "engine"
	}
	cp, err := db.LoadCheckpoint(ctx, name)
	if errors.Is(err, store.ErrNoCheckpoint) {
		fmt.Printf("no checkpoint named %q yet\n", name)
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "load checkpoint: %v\n", err)
		return
	}
	var st strategy.State
	if err := json.Unmarshal([]byte(cp.Payload), &st); err != nil {
		fmt.Fprintf(os.Stderr, "checkpoint payload unreadable: %v\n", err)
		return
	}

	fmt.Println("\n--- Checkpoint ---")
	fmt.Printf("Run: %s | saved %s | version %d\n", cp.RunID, cp.UpdatedAt.Format(time.RFC3339), st.Version)
	fmt.Printf("Ticks: %d | last tick %s\n", st.Ticks, st.LastTick.Format(time.RFC3339))
	fmt.Printf("Mode: %s", st.Lock.Mode)
	if st.Lock.Mode == strategy.ModeTrendLock {
		fmt.Printf(" on %s since %s (exit streak %d)", st.Lock.ActiveCoin, st.Lock.EntryTime.Format(time.RFC3339), st.Lock.ExitCount)
	}
	fmt.Println()
	for coin, n := range st.Entry {
		fmt.Printf("  entry streak %s: %d\n", coin, n)
	}
	fmt.Printf("Pairs tracked: %d | quantile models: %d\n", len(st.References), len(st.Quantiles))
	for _, m := range st.Universe {
		if m.Status == universe.Active {
			continue
		}
		reason := ""
		if m.Flag != nil {
			reason = m.Flag.Reason
		}
		fmt.Printf("  %s: %s %s\n", m.Coin, m.Status, reason)
	}

	fills, err := db.RecentFills(ctx, 5)
	if err == nil && len(fills) > 0 {
		fmt.Println("Recent fills:")
		for _, f := range fills {
			fmt.Printf("  %s %s %s @ %s (%s)\n", f.Ts.Format(time.RFC3339), f.Side, f.Coin, f.Price.String(), f.Qty.StringFixed(6))
		}
	}
}

func launchBot(reader *bufio.Reader) {
	fmt.Println("Launching trend lock bot (Ctrl+C to stop)...")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := exec.CommandContext(ctx, "go", "run", "./cmd/trendlock", "-config", locateConfig())
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start bot: %v\n", err)
		return
	}

	go func() {
		_ = cmd.Wait()
		cancel()
	}()

	fmt.Print("\nPress ENTER to stop the bot and return to menu...")
	_, _ = reader.ReadString('\n')
	cancel()
	time.Sleep(500 * time.Millisecond)
}

func promptFloat(reader *bufio.Reader, label string, current float64) float64 {
	fmt.Printf("%s [%g]: ", label, current)
	line, _ := reader.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return current
	}
	val, err := strconv.ParseFloat(line, 64)
	if err != nil {
		fmt.Printf("invalid number, keeping %g\n", current)
		return current
	}
	return val
}

func promptPercent(reader *bufio.Reader, label string, current float64) float64 {
	pct := promptFloat(reader, label, current*100)
	return pct / 100
}

func loadConfig() (*config.Config, error) {
	return config.Load(locateConfig())
}

func saveConfig(cfg *config.Config) error {
	return config.Save(locateConfig(), cfg)
}

func locateConfig() string {
	if p := os.Getenv("TRENDLOCK_CONFIG"); p != "" {
		return filepath.Clean(p)
	}
	return filepath.Clean(defaultConfigPath)
}
