// Package notify pushes lock transitions and startup faults to operators.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/execution"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/signal"
)

// Notifier receives trading intents that changed the position and operational faults.
type Notifier interface {
	Intent(ctx context.Context, intent signal.Intent, fill *execution.Fill) error
	Fault(ctx context.Context, err error) error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Intent(context.Context, signal.Intent, *execution.Fill) error { return nil }
func (Nop) Fault(context.Context, error) error                          { return nil }

// FormatIntent renders a transition as a short plain-text message.
func FormatIntent(intent signal.Intent, fill *execution.Fill) string {
	var b strings.Builder
	switch intent.Kind {
	case signal.Enter:
		fmt.Fprintf(&b, "🔒 TREND LOCK %s\n", intent.Coin)
	case signal.ExitToBridge:
		fmt.Fprintf(&b, "🔓 EXIT %s to bridge\n", intent.Coin)
	default:
		fmt.Fprintf(&b, "%s\n", intent.String())
	}
	fmt.Fprintf(&b, "tick: %s\n", intent.Time.UTC().Format(time.RFC3339))
	if intent.Reason != "" {
		fmt.Fprintf(&b, "why: %s\n", intent.Reason)
	}
	if fill != nil {
		fmt.Fprintf(&b, "fill: %s %s @ %s (fee %s)\n", fill.Qty.StringFixed(6), fill.Coin, fill.Price.String(), fill.Fee.StringFixed(6))
	}
	return strings.TrimSuffix(b.String(), "\n")
}
