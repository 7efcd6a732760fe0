package bot

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"ftw-vpn-bot/internal/services"
)

const (
	cbTariff      = "tariff_"
	cbTestSuccess = "test_success_"
	cbCheck       = "check_payment_"
	cbCancel      = "cancel_payment_"
)

func GetReplyKeyboard(isAdmin bool) tgbotapi.ReplyKeyboardMarkup {
	rows := [][]tgbotapi.KeyboardButton{
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton("/buy"),
			tgbotapi.NewKeyboardButton("/config"),
			tgbotapi.NewKeyboardButton("/status"),
		),
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton("/promo"),
			tgbotapi.NewKeyboardButton("/help"),
		),
	}
	if isAdmin {
		rows = append(rows, tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton("/admin_stats"),
			tgbotapi.NewKeyboardButton("/admin_payments"),
			tgbotapi.NewKeyboardButton("/admin_promos"),
			tgbotapi.NewKeyboardButton("/admin_backup"),
		))
	}
	return tgbotapi.NewReplyKeyboard(rows...)
}

func tariffKeyboard(tariffs []services.Tariff) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, t := range tariffs {
		label := fmt.Sprintf("%s — %d ₽ / %d дн.", t.Title, t.Price, t.DurationDays)
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, cbTariff+t.Key),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// paymentKeyboard тестовый платёж подтверждается кнопкой, реальный оплачивается по ссылке
func paymentKeyboard(res *services.CreateResult) tgbotapi.InlineKeyboardMarkup {
	id := res.Payment.PaymentID
	cancel := tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("❌ Отменить", cbCancel+id))
	if res.Manual {
		return tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("✅ Оплатить (тест)", cbTestSuccess+id)),
			cancel,
		)
	}
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL("💳 Оплатить", res.ConfirmationURL)),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🔄 Я оплатил", cbCheck+id)),
		cancel,
	)
}
