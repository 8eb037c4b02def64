package backtest

import (
	"encoding/csv"
	"os"
	"strconv"
	"time"
)

// WriteCSV writes one row per completed trade.
func WriteCSV(trades []Trade, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	_ = w.Write([]string{
		"coin", "entry_time", "exit_time", "entry", "exit", "qty",
		"cost", "proceeds", "fees", "net_pnl", "return_pct", "entry_reason", "exit_reason",
	})
	for _, t := range trades {
		_ = w.Write([]string{
			t.Coin, t.EntryTime.Format(time.RFC3339), t.ExitTime.Format(time.RFC3339),
			formatF(t.Entry), formatF(t.Exit), formatF(t.Qty),
			formatF(t.Cost), formatF(t.Proceeds), formatF(t.Fees), formatF(t.NetPnL), formatF(t.ReturnPct),
			t.EntryWhy, t.ExitWhy,
		})
	}
	w.Flush()
	return w.Error()
}

func formatF(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
