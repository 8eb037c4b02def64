package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/config"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/execution"
	"github.com/Ye-Yu-Mo/binance-trade-bot/internal/signal"
)

// Telegram sends notifications to a single chat.
type Telegram struct {
	api    *tgbotapi.BotAPI
	chatID int64
	log    zerolog.Logger
}

type telegramOptions struct {
	endpoint string
	client   *http.Client
}

// TelegramOption tweaks how the bot API is reached.
type TelegramOption func(*telegramOptions)

// WithEndpoint targets another Bot API server, e.g. a local one.
// The endpoint uses the tgbotapi format with two %s verbs (token, method).
func WithEndpoint(endpoint string, client *http.Client) TelegramOption {
	return func(o *telegramOptions) {
		o.endpoint = endpoint
		if client != nil {
			o.client = client
		}
	}
}

// NewTelegram authenticates the bot. Disabled or incomplete settings yield an error.
func NewTelegram(cfg config.Telegram, log zerolog.Logger, opts ...TelegramOption) (*Telegram, error) {
	if !cfg.Enabled {
		return nil, errors.New("telegram notifications disabled")
	}
	if cfg.Token == "" || cfg.ChatID == 0 {
		return nil, errors.New("telegram token and chat id are required")
	}
	o := telegramOptions{endpoint: tgbotapi.APIEndpoint, client: &http.Client{}}
	for _, opt := range opts {
		opt(&o)
	}
	api, err := tgbotapi.NewBotAPIWithClient(cfg.Token, o.endpoint, o.client)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	log = log.With().Str("component", "telegram").Logger()
	log.Info().Str("username", api.Self.UserName).Msg("telegram notifier ready")
	return &Telegram{api: api, chatID: cfg.ChatID, log: log}, nil
}

// Intent reports ENTER and EXIT_TO_BRIDGE; other intents are ignored.
func (t *Telegram) Intent(ctx context.Context, intent signal.Intent, fill *execution.Fill) error {
	if !intent.Trades() {
		return nil
	}
	return t.send(ctx, FormatIntent(intent, fill))
}

// Fault reports an operational problem such as a corrupt checkpoint.
func (t *Telegram) Fault(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	return t.send(ctx, "⚠️ "+err.Error())
}

func (t *Telegram) send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := t.api.Send(tgbotapi.NewMessage(t.chatID, text)); err != nil {
		t.log.Warn().Err(err).Msg("telegram send failed")
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
