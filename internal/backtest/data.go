package backtest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/signal"
)

// Bar is one historical observation of a coin in bridge units.
type Bar struct {
	Ts     time.Time
	Close  float64
	Volume float64
}

// LoadCSV reads bars from a CSV file with timestamp, close and optional volume
// columns. A header row naming the columns is honoured; without one the columns
// are taken in that order. Timestamps may be RFC3339 or unix seconds/milliseconds.
func LoadCSV(path string) ([]Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	bars, err := ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return bars, nil
}

// ReadCSV is LoadCSV over an arbitrary reader. Bars come back sorted by time with
// duplicate timestamps collapsed to the last row.
func ReadCSV(r io.Reader) ([]Bar, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	tsCol, closeCol, volCol := 0, 1, 2
	var bars []Bar
	line := 0
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		line++
		if line == 1 {
			if t, c, v, ok := headerColumns(rec); ok {
				tsCol, closeCol, volCol = t, c, v
				continue
			}
		}
		if len(rec) <= tsCol || len(rec) <= closeCol {
			return nil, fmt.Errorf("line %d: want at least 2 columns, got %d", line, len(rec))
		}
		ts, err := parseTimestamp(rec[tsCol])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		px, err := strconv.ParseFloat(strings.TrimSpace(rec[closeCol]), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: close: %w", line, err)
		}
		bar := Bar{Ts: ts, Close: px}
		if volCol >= 0 && len(rec) > volCol && strings.TrimSpace(rec[volCol]) != "" {
			if bar.Volume, err = strconv.ParseFloat(strings.TrimSpace(rec[volCol]), 64); err != nil {
				return nil, fmt.Errorf("line %d: volume: %w", line, err)
			}
		}
		bars = append(bars, bar)
	}

	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Ts.Before(bars[j].Ts) })
	out := bars[:0]
	for _, b := range bars {
		if n := len(out); n > 0 && out[n-1].Ts.Equal(b.Ts) {
			out[n-1] = b
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func headerColumns(rec []string) (ts, cl, vol int, ok bool) {
	ts, cl, vol = -1, -1, -1
	for i, name := range rec {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "timestamp", "time", "open_time", "date":
			ts = i
		case "close", "price":
			cl = i
		case "volume", "quote_volume":
			vol = i
		}
	}
	return ts, cl, vol, ts >= 0 && cl >= 0
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", raw)
}

// LoadDir reads every *.csv in dir. The file name (minus a trailing bridge suffix)
// names the coin, so BNB.csv and BNBUSDT.csv both load BNB.
func LoadDir(dir, bridge string) (map[string][]Bar, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return nil, err
	}
	bridge = strings.ToUpper(bridge)
	out := make(map[string][]Bar, len(paths))
	for _, p := range paths {
		coin := strings.ToUpper(strings.TrimSuffix(filepath.Base(p), filepath.Ext(p)))
		if bridge != "" && coin != bridge {
			coin = strings.TrimSuffix(coin, bridge)
		}
		if coin == "" || coin == bridge {
			continue
		}
		bars, err := LoadCSV(p)
		if err != nil {
			return nil, err
		}
		if len(bars) > 0 {
			out[coin] = bars
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no price series found in %s", dir)
	}
	return out, nil
}

// Align samples every series onto a common grid of step-spaced ticks. Each tick
// carries the last bar at or before it, so nothing from the future leaks in. A
// coin is absent before its first bar and when its last bar is older than maxAge
// (zero disables the age check).
func Align(series map[string][]Bar, step, maxAge time.Duration) []signal.Snapshot {
	if step <= 0 {
		step = time.Minute
	}
	var start, end time.Time
	for _, bars := range series {
		if len(bars) == 0 {
			continue
		}
		if first := bars[0].Ts; start.IsZero() || first.Before(start) {
			start = first
		}
		if last := bars[len(bars)-1].Ts; last.After(end) {
			end = last
		}
	}
	if start.IsZero() {
		return nil
	}
	if t := start.Truncate(step); !t.Equal(start) {
		start = t.Add(step)
	}

	coins := make([]string, 0, len(series))
	for coin := range series {
		coins = append(coins, coin)
	}
	sort.Strings(coins)
	cursor := make(map[string]int, len(coins))

	var out []signal.Snapshot
	for ts := start; !ts.After(end); ts = ts.Add(step) {
		snap := signal.Snapshot{Time: ts, Prices: make(map[string]signal.PricePoint, len(coins))}
		for _, coin := range coins {
			bars := series[coin]
			i := cursor[coin]
			for i < len(bars) && !bars[i].Ts.After(ts) {
				i++
			}
			cursor[coin] = i
			if i == 0 {
				continue
			}
			bar := bars[i-1]
			if maxAge > 0 && ts.Sub(bar.Ts) > maxAge {
				continue
			}
			snap.Prices[coin] = signal.PricePoint{Coin: coin, Price: bar.Close, Volume: bar.Volume, Ts: ts}
		}
		if len(snap.Prices) > 0 {
			out = append(out, snap)
		}
	}
	return out
}
