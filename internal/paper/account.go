package paper

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/execution"
)

var (
	ErrInsufficientCash     = errors.New("insufficient bridge balance")
	ErrInsufficientPosition = errors.New("insufficient position to sell")
)

type positionState struct {
	Qty     decimal.Decimal
	AvgCost decimal.Decimal // bridge per coin, fees included
}

// Account tracks a virtual bridge balance and coin holdings while trading in paper mode.
// Every conversion pays feeRate on the bridge side.
type Account struct {
	mu           sync.Mutex
	bridge       string
	startingCash decimal.Decimal
	cash         decimal.Decimal
	feeRate      decimal.Decimal
	realizedPnL  decimal.Decimal
	feesPaid     decimal.Decimal
	positions    map[string]positionState
}

// PositionSnapshot exposes a read-only view of a single coin position.
type PositionSnapshot struct {
	Qty         float64
	AvgCost     float64
	MarketValue float64
	Unrealized  float64
}

// Snapshot represents a thread-safe view of the account state, optionally marked to market using provided prices.
type Snapshot struct {
	Bridge      string
	Cash        float64
	RealizedPnL float64
	Fees        float64
	Equity      float64
	Positions   map[string]PositionSnapshot
}

// NewAccount constructs an account holding startingCash of the bridge asset.
func NewAccount(bridge string, startingCash, feeRate float64) *Account {
	if feeRate < 0 {
		feeRate = 0
	}
	cash := decimal.NewFromFloat(startingCash)
	return &Account{
		bridge:       bridge,
		startingCash: cash,
		cash:         cash,
		feeRate:      decimal.NewFromFloat(feeRate),
		positions:    make(map[string]positionState),
	}
}

// StartingCash returns the initial bankroll used to compute returns.
func (a *Account) StartingCash() float64 { return a.startingCash.InexactFloat64() }

// Convert executes a market conversion at order.Price.
func (a *Account) Convert(order execution.Order) (execution.Fill, error) {
	if !order.Price.IsPositive() {
		return execution.Fill{}, errors.New("price must be positive")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	fill := execution.Fill{
		ID:      uuid.NewString(),
		OrderID: order.ID,
		Coin:    order.Coin,
		Side:    order.Side,
		Price:   order.Price,
		Reason:  order.Reason,
		Ts:      order.Ts,
	}
	state := a.positions[order.Coin]

	switch order.Side {
	case execution.Buy:
		spend := order.Notional
		if !spend.IsPositive() {
			return execution.Fill{}, errors.New("notional must be positive")
		}
		if spend.GreaterThan(a.cash) {
			return execution.Fill{}, ErrInsufficientCash
		}
		fee := spend.Mul(a.feeRate)
		qty := spend.Sub(fee).Div(order.Price)
		newQty := state.Qty.Add(qty)
		cost := state.AvgCost.Mul(state.Qty).Add(spend)
		a.cash = a.cash.Sub(spend)
		a.feesPaid = a.feesPaid.Add(fee)
		a.positions[order.Coin] = positionState{Qty: newQty, AvgCost: cost.Div(newQty)}
		fill.Qty, fill.Fee, fill.Notional = qty, fee, spend.Sub(fee)

	case execution.Sell:
		qty := order.Qty
		if !qty.IsPositive() || state.Qty.LessThan(qty) {
			return execution.Fill{}, ErrInsufficientPosition
		}
		gross := qty.Mul(order.Price)
		fee := gross.Mul(a.feeRate)
		proceeds := gross.Sub(fee)
		a.realizedPnL = a.realizedPnL.Add(proceeds.Sub(state.AvgCost.Mul(qty)))
		a.cash = a.cash.Add(proceeds)
		a.feesPaid = a.feesPaid.Add(fee)
		if rest := state.Qty.Sub(qty); rest.IsPositive() {
			a.positions[order.Coin] = positionState{Qty: rest, AvgCost: state.AvgCost}
		} else {
			delete(a.positions, order.Coin)
		}
		fill.Qty, fill.Fee, fill.Notional = qty, fee, gross

	default:
		return execution.Fill{}, errors.New("unknown order side")
	}
	return fill, nil
}

// Replay rebuilds balances from fills recorded by earlier runs, oldest first.
// Buys cost qty*price plus fee; sells return qty*price minus fee.
func (a *Account) Replay(fills []execution.Fill) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, f := range fills {
		state := a.positions[f.Coin]
		gross := f.Qty.Mul(f.Price)
		switch f.Side {
		case execution.Buy:
			spend := gross.Add(f.Fee)
			if spend.GreaterThan(a.cash) {
				return fmt.Errorf("replay fill %s: %w", f.ID, ErrInsufficientCash)
			}
			newQty := state.Qty.Add(f.Qty)
			cost := state.AvgCost.Mul(state.Qty).Add(spend)
			a.cash = a.cash.Sub(spend)
			a.positions[f.Coin] = positionState{Qty: newQty, AvgCost: cost.Div(newQty)}
		case execution.Sell:
			if state.Qty.LessThan(f.Qty) {
				return fmt.Errorf("replay fill %s: %w", f.ID, ErrInsufficientPosition)
			}
			proceeds := gross.Sub(f.Fee)
			a.realizedPnL = a.realizedPnL.Add(proceeds.Sub(state.AvgCost.Mul(f.Qty)))
			a.cash = a.cash.Add(proceeds)
			if rest := state.Qty.Sub(f.Qty); rest.IsPositive() {
				a.positions[f.Coin] = positionState{Qty: rest, AvgCost: state.AvgCost}
			} else {
				delete(a.positions, f.Coin)
			}
		default:
			return fmt.Errorf("replay fill %s: unknown side %q", f.ID, f.Side)
		}
		a.feesPaid = a.feesPaid.Add(f.Fee)
	}
	return nil
}

// Snapshot returns a copy of balances, optionally marked using the supplied prices map.
func (a *Account) Snapshot(prices map[string]float64) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	positions := make(map[string]PositionSnapshot, len(a.positions))
	equity := a.cash
	for coin, pos := range a.positions {
		snap := PositionSnapshot{Qty: pos.Qty.InexactFloat64(), AvgCost: pos.AvgCost.InexactFloat64()}
		if mark, ok := prices[coin]; ok && mark > 0 {
			m := decimal.NewFromFloat(mark)
			value := pos.Qty.Mul(m)
			snap.MarketValue = value.InexactFloat64()
			snap.Unrealized = m.Sub(pos.AvgCost).Mul(pos.Qty).InexactFloat64()
			equity = equity.Add(value)
		}
		positions[coin] = snap
	}

	return Snapshot{
		Bridge:      a.bridge,
		Cash:        a.cash.InexactFloat64(),
		RealizedPnL: a.realizedPnL.InexactFloat64(),
		Fees:        a.feesPaid.InexactFloat64(),
		Equity:      equity.InexactFloat64(),
		Positions:   positions,
	}
}

// Cash reports the free bridge balance.
func (a *Account) Cash() decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cash
}

// Holding returns the position size for coin.
func (a *Account) Holding(coin string) decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.positions[coin].Qty
}

// Holdings lists coins with an open position, sorted.
func (a *Account) Holdings() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.positions))
	for coin := range a.positions {
		out = append(out, coin)
	}
	sort.Strings(out)
	return out
}

// RealizedPnL returns total closed-trade profit and loss in bridge units.
func (a *Account) RealizedPnL() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.realizedPnL.InexactFloat64()
}
