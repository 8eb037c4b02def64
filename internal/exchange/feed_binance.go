package exchange

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/signal"
)

// binanceMiniTicker is one element of the !miniTicker@arr payload.
type binanceMiniTicker struct {
	EventType   string `json:"e"` // declared so "e" does not fold onto "E"
	EventTime   int64  `json:"E"`
	Symbol      string `json:"s"`
	Close       string `json:"c"`
	QuoteVolume string `json:"q"`
}

func (f *Feed) runBinance(ctx context.Context, out chan<- signal.Snapshot) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return f.consumeBinance(ctx) })
	g.Go(func() error {
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case now := <-ticker.C:
				if err := f.emit(ctx, now, out); err != nil {
					return err
				}
			}
		}
	})
	return g.Wait()
}

func (f *Feed) consumeBinance(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := f.consumeBinanceStream(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.log.Warn().Err(err).Msg("binance feed disconnected, retrying")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff = time.Duration(math.Min(float64(maxBackoff), float64(backoff)*1.8))
			continue
		}
		backoff = time.Second
	}
}

func (f *Feed) consumeBinanceStream(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	f.log.Info().Str("provider", ProviderBinance).Strs("coins", f.Coins()).Str("bridge", f.bridge).Msg("connected market data feed")

	conn.SetReadLimit(4 << 20)
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	conn.SetPongHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		return nil
	})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					f.log.Warn().Err(err).Msg("binance ping failed")
					return
				}
			case <-pingCtx.Done():
				return
			}
		}
	}()
	go func() {
		<-pingCtx.Done()
		_ = conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))

		var tickers []binanceMiniTicker
		if err := json.Unmarshal(message, &tickers); err != nil {
			f.log.Warn().Err(err).Msg("failed to decode binance message")
			continue
		}
		f.applyMiniTickers(tickers)
	}
}

func (f *Feed) applyMiniTickers(tickers []binanceMiniTicker) {
	tracked := make(map[string]bool)
	for _, c := range f.Coins() {
		tracked[c] = true
	}
	for _, tk := range tickers {
		coin, ok := splitSymbol(tk.Symbol, f.bridge)
		if !ok || !tracked[coin] {
			continue
		}
		px, err := strconv.ParseFloat(tk.Close, 64)
		if err != nil {
			f.log.Warn().Err(err).Str("symbol", tk.Symbol).Msg("invalid price from binance")
			continue
		}
		vol, _ := strconv.ParseFloat(tk.QuoteVolume, 64)
		f.observe(coin, px, vol, time.UnixMilli(tk.EventTime).UTC())
	}
}

// splitSymbol strips the bridge suffix from an exchange symbol such as BNBUSDT.
func splitSymbol(symbol, bridge string) (string, bool) {
	symbol = strings.ToUpper(symbol)
	if bridge == "" || !strings.HasSuffix(symbol, bridge) || len(symbol) == len(bridge) {
		return "", false
	}
	return strings.TrimSuffix(symbol, bridge), true
}
