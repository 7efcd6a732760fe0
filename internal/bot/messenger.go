package bot

import (
	"context"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"ftw-vpn-bot/internal/logger"
)

// Messenger доставляет сообщения сервисов (оплата, напоминания) в Telegram
type Messenger struct {
	api logger.Sender
}

func NewMessenger(api logger.Sender) *Messenger {
	return &Messenger{api: api}
}

func (m *Messenger) SendText(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	_, err := m.api.Send(msg)
	return err
}
