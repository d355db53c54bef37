// internal/notify/telegram.go
package notify

import (
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const maxTelegramMessage = 4096

// Telegram pushes notifications to a Telegram chat. Targets look like
// "telegram:<chatID>".
type Telegram struct {
	bot *tgbotapi.BotAPI
}

// NewTelegram creates a Telegram notifier from a bot token.
func NewTelegram(token string) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &Telegram{bot: bot}, nil
}

// Handler returns the registry handler for "telegram:" targets.
func (t *Telegram) Handler() Handler {
	return func(target, message string) error {
		raw := strings.TrimPrefix(target, "telegram:")
		chatID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid telegram chat ID %q: %w", raw, err)
		}
		return t.send(chatID, message)
	}
}

// send delivers a message, splitting it at Telegram's length limit.
func (t *Telegram) send(chatID int64, message string) error {
	for len(message) > 0 {
		chunk := message
		if len(chunk) > maxTelegramMessage {
			chunk = chunk[:maxTelegramMessage]
		}
		message = message[len(chunk):]

		msg := tgbotapi.NewMessage(chatID, chunk)
		if _, err := t.bot.Send(msg); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}
