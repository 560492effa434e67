package alert

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type TelegramChannel struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramChannel logs the bot in, which fails on an invalid token
func NewTelegramChannel(botToken string, chatID int64) (*TelegramChannel, error) {
	return newTelegramChannel(botToken, tgbotapi.APIEndpoint, chatID)
}

func newTelegramChannel(botToken, endpoint string, chatID int64) (*TelegramChannel, error) {
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(botToken, endpoint)
	if err != nil {
		return nil, fmt.Errorf("telegram login: %w", err)
	}
	return &TelegramChannel{bot: bot, chatID: chatID}, nil
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Send(ctx context.Context, alert AlertPayload) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	icon := "ℹ️"
	switch alert.Level {
	case Warning:
		icon = "⚠️"
	case Error:
		icon = "❌"
	}

	text := fmt.Sprintf("%s *[%s] %s*\n\n%s", icon, alert.Level,
		tgbotapi.EscapeText(tgbotapi.ModeMarkdown, alert.Title),
		tgbotapi.EscapeText(tgbotapi.ModeMarkdown, alert.Message))

	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
