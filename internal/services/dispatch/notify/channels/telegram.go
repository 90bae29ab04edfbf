package channels

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/louisbranch/dispatch/internal/services/dispatch/notify"
)

// TelegramSender is the part of tgbotapi.BotAPI the channel uses.
type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram sends messages to a chat id through a bot.
type Telegram struct {
	bot TelegramSender
}

// NewTelegram wraps a bot sender.
func NewTelegram(bot TelegramSender) *Telegram {
	return &Telegram{bot: bot}
}

// OpenTelegram authenticates a bot with token.
func OpenTelegram(token string) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(strings.TrimSpace(token))
	if err != nil {
		return nil, fmt.Errorf("open telegram bot: %w", err)
	}
	return NewTelegram(api), nil
}

// Name implements notify.Channel.
func (t *Telegram) Name() string { return "telegram" }

// Send implements notify.Channel. The bot API has no context support, so a
// send that outlives ctx is abandoned, not cancelled.
func (t *Telegram) Send(ctx context.Context, msg notify.Message) (notify.DeliveryResult, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(msg.Recipient), 10, 64)
	if err != nil {
		return notify.DeliveryResult{}, notify.Permanent(fmt.Errorf("telegram recipient %q is not a chat id", msg.Recipient))
	}
	text := msg.Title
	if msg.Body != "" {
		text += "\n\n" + msg.Body
	}

	type sent struct {
		message tgbotapi.Message
		err     error
	}
	done := make(chan sent, 1)
	go func() {
		message, err := t.bot.Send(tgbotapi.NewMessage(chatID, text))
		done <- sent{message: message, err: err}
	}()
	select {
	case <-ctx.Done():
		return notify.DeliveryResult{}, ctx.Err()
	case result := <-done:
		if result.err != nil {
			return notify.DeliveryResult{}, classifyTelegram(result.err)
		}
		return notify.DeliveryResult{ProviderID: strconv.Itoa(result.message.MessageID)}, nil
	}
}

func classifyTelegram(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != 429 {
		return notify.Permanent(fmt.Errorf("telegram send: %w", err))
	}
	return fmt.Errorf("telegram send: %w", err)
}
