package logger

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Sender часть tgbotapi.BotAPI, нужная для уведомлений
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier отправляет критические уведомления админу в Telegram.
// Нулевой Notifier (без бота или без adminID) ничего не делает.
type Notifier struct {
	bot     Sender
	adminID int64
	log     *zap.Logger
}

func NewNotifier(bot Sender, adminID int64, log *zap.Logger) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{bot: bot, adminID: adminID, log: log}
}

// NotifyAdmin отправляет критическое уведомление админу
func (n *Notifier) NotifyAdmin(msg string) {
	if n == nil || n.bot == nil || n.adminID == 0 {
		return
	}
	if _, err := n.bot.Send(tgbotapi.NewMessage(n.adminID, "[ALERT] "+msg)); err != nil {
		n.log.Warn("admin alert not delivered", zap.Error(err))
	}
}

// NotifyOnPanic ловит панику, логирует и уведомляет. Вызывать через defer.
func (n *Notifier) NotifyOnPanic(context string) {
	if r := recover(); r != nil {
		if n != nil {
			n.log.Error("panic recovered", zap.String("context", context), zap.Any("panic", r))
		}
		n.NotifyAdmin("Panic in " + context + ": " + toString(r))
	}
}

func toString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case error:
		return x.Error()
	default:
		return fmt.Sprintf("%v", x)
	}
}
