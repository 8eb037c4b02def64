// Package execution turns engine intents into bridge/coin conversions on a venue.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/metrics"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/risk"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/signal"
)

// Side enumerates order directions used by the executor.
type Side string

const (
	// Buy converts bridge into a coin.
	Buy Side = "BUY"
	// Sell converts a coin back into bridge.
	Sell Side = "SELL"
)

var (
	ErrNoPrice      = errors.New("no price for coin")
	ErrAlreadyHeld  = errors.New("a coin is already held")
	ErrNothingHeld  = errors.New("no coin held")
	ErrLimitBlocked = errors.New("order blocked by risk limits")
)

// Order is a market conversion request. Buys spend Notional bridge; sells give up Qty.
type Order struct {
	ID       string
	Coin     string
	Side     Side
	Qty      decimal.Decimal
	Notional decimal.Decimal
	Price    decimal.Decimal
	Reason   string
	Ts       time.Time
}

// Fill is the outcome of an executed order.
type Fill struct {
	ID       string          `json:"id"`
	OrderID  string          `json:"order_id"`
	Coin     string          `json:"coin"`
	Side     Side            `json:"side"`
	Qty      decimal.Decimal `json:"qty"`
	Price    decimal.Decimal `json:"price"`
	Fee      decimal.Decimal `json:"fee"` // bridge units
	Notional decimal.Decimal `json:"notional"`
	Reason   string          `json:"reason,omitempty"`
	Ts       time.Time       `json:"ts"`
}

// Venue executes conversions. paper.Account is the in-process implementation.
type Venue interface {
	Convert(order Order) (Fill, error)
	Cash() decimal.Decimal
	Holding(coin string) decimal.Decimal
}

// FillRecorder captures fills; the paper ledger, the JSONL file and the store all qualify.
type FillRecorder interface {
	Record(Fill)
}

type openLock struct {
	coin  string
	price decimal.Decimal
	cost  decimal.Decimal
	ts    time.Time
}

// Executor applies intents to a venue, one held coin at a time.
type Executor struct {
	mu        sync.Mutex
	log       zerolog.Logger
	venue     Venue
	limits    risk.Limits
	recorders []FillRecorder
	open      *openLock
}

// NewExecutor wires a venue with optional fill recorders.
func NewExecutor(log zerolog.Logger, venue Venue, limits risk.Limits, recorders ...FillRecorder) *Executor {
	return &Executor{
		log:       log.With().Str("component", "executor").Logger(),
		venue:     venue,
		limits:    limits,
		recorders: recorders,
	}
}

// Execute acts on intent using prices from snap. HOLD and HOLD_BRIDGE return a nil fill.
func (e *Executor) Execute(ctx context.Context, intent signal.Intent, snap signal.Snapshot) (*Fill, error) {
	if !intent.Trades() {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	px, ok := snap.Price(intent.Coin)
	if !ok {
		return nil, fmt.Errorf("%w: %s at %s", ErrNoPrice, intent.Coin, snap.Time.Format(time.RFC3339))
	}
	price := decimal.NewFromFloat(px)

	e.mu.Lock()
	defer e.mu.Unlock()

	order := Order{ID: uuid.NewString(), Coin: intent.Coin, Price: price, Reason: intent.Reason, Ts: intent.Time}
	switch intent.Kind {
	case signal.Enter:
		if e.open != nil {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyHeld, e.open.coin)
		}
		cash, _ := e.venue.Cash().Float64()
		notional := e.limits.Cap(cash)
		if notional <= 0 || !e.limits.Allow(notional) {
			return nil, fmt.Errorf("%w: notional %.8f", ErrLimitBlocked, notional)
		}
		order.Side = Buy
		order.Notional = decimal.NewFromFloat(notional)
	case signal.ExitToBridge:
		qty := e.venue.Holding(intent.Coin)
		if !qty.IsPositive() {
			return nil, fmt.Errorf("%w: %s", ErrNothingHeld, intent.Coin)
		}
		order.Side = Sell
		order.Qty = qty
	}

	return e.submitLocked(order)
}

func (e *Executor) submitLocked(order Order) (*Fill, error) {
	metrics.OrdersTotal.WithLabelValues(order.Coin, string(order.Side)).Inc()
	fill, err := e.venue.Convert(order)
	if err != nil {
		e.log.Error().Err(err).Str("coin", order.Coin).Str("side", string(order.Side)).Msg("order failed")
		return nil, err
	}
	for _, r := range e.recorders {
		r.Record(fill)
	}
	e.log.Info().Str("coin", fill.Coin).Str("side", string(fill.Side)).Str("qty", fill.Qty.String()).
		Str("px", fill.Price.String()).Str("fee", fill.Fee.String()).Msg("order filled")

	switch order.Side {
	case Buy:
		e.open = &openLock{coin: fill.Coin, price: fill.Price, cost: fill.Notional.Add(fill.Fee), ts: fill.Ts}
	case Sell:
		if e.open != nil && e.open.coin == fill.Coin {
			proceeds := fill.Notional.Sub(fill.Fee)
			pnl := proceeds.Sub(e.open.cost)
			pct := decimal.Zero
			if e.open.cost.IsPositive() {
				pct = pnl.Div(e.open.cost).Mul(decimal.NewFromInt(100))
			}
			e.log.Info().Str("coin", fill.Coin).Dur("held", fill.Ts.Sub(e.open.ts)).
				Str("pnl", pnl.StringFixed(8)).Str("pnl_pct", pct.StringFixed(3)).Msg("lock closed")
		}
		e.open = nil
	}
	return &fill, nil
}

// Resume tells the executor a coin is already held, as after a restart mid-lock.
func (e *Executor) Resume(coin string, entryPrice float64, since time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	qty := e.venue.Holding(coin)
	if !qty.IsPositive() {
		return
	}
	price := decimal.NewFromFloat(entryPrice)
	e.open = &openLock{coin: coin, price: price, cost: qty.Mul(price), ts: since}
}

// Held returns the coin the executor believes is held, or "".
func (e *Executor) Held() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.open == nil {
		return ""
	}
	return e.open.coin
}
