package bot

import (
	"context"
	"fmt"
	"net/mail"
	"os"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"ftw-vpn-bot/internal/admin"
	"ftw-vpn-bot/internal/db"
	"ftw-vpn-bot/internal/services"
)

const helpText = `Доступные команды:
/buy — купить или продлить VPN
/config — получить конфиг (первый раз бесплатно)
/status — текущий тариф и срок действия
/promo КОД — применить промокод к следующей покупке
/email АДРЕС — почта для чеков
/help — эта справка`

const (
	textTooFast  = "Пожалуйста, не так быстро! Подождите пару секунд..."
	textUnknown  = "Неизвестная команда. Используйте /help для списка всех возможностей."
	textInternal = "Произошла внутренняя ошибка. Попробуйте позже."
)

var promoReasons = map[string]string{
	services.PromoNotFound:    "Промокод не найден.",
	services.PromoInactive:    "Промокод больше не действует.",
	services.PromoExpired:     "Срок действия промокода истёк.",
	services.PromoExhausted:   "Лимит использований промокода исчерпан.",
	services.PromoForeignUser: "Этот промокод выдан другому пользователю.",
}

func (b *Bot) isAdmin(tgID int64) bool {
	return b.admin != nil && b.admin.IsAdmin(tgID)
}

// refuseBanned сообщает пользователю о бане; истёкший бан снимается автоматически
func (b *Bot) refuseBanned(ctx context.Context, chatID, tgID int64) bool {
	if b.isAdmin(tgID) {
		return false
	}
	banned, reason, until, err := db.CheckBan(ctx, b.db, tgID, b.now())
	if err != nil {
		b.log.Warn("ban check failed", zap.Int64("telegram_id", tgID), zap.Error(err))
		return false
	}
	if !banned {
		return false
	}
	text := "⛔ Вы заблокированы."
	if reason != "" {
		text += " Причина: " + reason + "."
	}
	if until != nil {
		text += " Блокировка до " + until.Format("02.01.2006 15:04") + "."
	}
	b.reply(chatID, text)
	return true
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	from, chatID := msg.From, msg.Chat.ID
	user, err := db.UpsertUser(ctx, b.db, from.ID, from.UserName)
	if err != nil {
		b.log.Error("failed to upsert user", zap.Int64("telegram_id", from.ID), zap.Error(err))
		b.reply(chatID, textInternal)
		return
	}
	if b.refuseBanned(ctx, chatID, from.ID) {
		return
	}

	cmd := msg.Command()
	if cmd == "" {
		b.reply(chatID, textUnknown)
		return
	}
	isAdmin := b.isAdmin(from.ID)
	if !isAdmin && b.limiter.IsLimited(from.ID, cmd) {
		b.reply(chatID, textTooFast)
		return
	}
	args := strings.Fields(msg.CommandArguments())

	if strings.HasPrefix(cmd, "admin_") {
		if !isAdmin {
			b.reply(chatID, textUnknown)
			return
		}
		b.sendAdminReply(chatID, b.admin.Handle(ctx, cmd, args))
		return
	}

	switch cmd {
	case "start":
		out := tgbotapi.NewMessage(chatID, "Добро пожаловать в FTW VPN! 🚀\n\nПолучить бесплатный конфиг: /config\nКупить тариф: /buy")
		out.ReplyMarkup = GetReplyKeyboard(isAdmin)
		b.send(out)
	case "help":
		out := tgbotapi.NewMessage(chatID, helpText)
		out.ReplyMarkup = GetReplyKeyboard(isAdmin)
		b.send(out)
	case "buy":
		b.handleBuy(chatID, from.ID)
	case "promo":
		b.handlePromo(ctx, chatID, user, args)
	case "email":
		b.handleEmail(ctx, chatID, user, args)
	case "config":
		b.handleConfig(ctx, chatID, user)
	case "status":
		b.handleStatus(ctx, chatID, user)
	default:
		b.reply(chatID, textUnknown)
	}
}

func (b *Bot) sendAdminReply(chatID int64, r admin.Reply) {
	if r.Document == "" {
		b.reply(chatID, r.Text)
		return
	}
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(r.Document))
	doc.Caption = r.Text
	b.send(doc)
	// ручной дамп хранится только до отправки
	if err := os.Remove(r.Document); err != nil {
		b.log.Warn("failed to remove sent backup", zap.String("file", r.Document), zap.Error(err))
	}
}

func (b *Bot) handleBuy(chatID, tgID int64) {
	text := "Выберите тариф:"
	if code := b.promo(tgID); code != "" {
		text += "\nПромокод " + code + " будет применён."
	}
	out := tgbotapi.NewMessage(chatID, text)
	out.ReplyMarkup = tariffKeyboard(b.resolver.Tariffs())
	b.send(out)
}

func (b *Bot) handlePromo(ctx context.Context, chatID int64, user *db.User, args []string) {
	if len(args) != 1 {
		b.reply(chatID, "Использование: /promo КОД")
		return
	}
	check, err := b.promos.Validate(ctx, args[0], user.ID)
	if err != nil {
		b.log.Error("promo validation failed", zap.Uint("user_id", user.ID), zap.Error(err))
		b.reply(chatID, textInternal)
		return
	}
	if !check.Valid {
		b.reply(chatID, promoReasons[check.Reason])
		return
	}
	b.setPromo(user.TelegramID, check.Promo.Code)
	b.reply(chatID, fmt.Sprintf("🎟 Промокод %s принят: скидка %s%% к следующей покупке. Выберите тариф: /buy",
		check.Promo.Code, check.Discount.String()))
}

func (b *Bot) handleEmail(ctx context.Context, chatID int64, user *db.User, args []string) {
	if len(args) != 1 {
		b.reply(chatID, "Использование: /email АДРЕС. Адрес нужен для отправки чека.")
		return
	}
	addr, err := mail.ParseAddress(args[0])
	if err != nil {
		b.reply(chatID, "Некорректный адрес почты.")
		return
	}
	if err := db.SetUserEmail(ctx, b.db, user.ID, addr.Address); err != nil {
		b.log.Error("failed to save email", zap.Uint("user_id", user.ID), zap.Error(err))
		b.reply(chatID, textInternal)
		return
	}
	b.reply(chatID, "📧 Чеки будут приходить на "+addr.Address)
}

func (b *Bot) handleConfig(ctx context.Context, chatID int64, user *db.User) {
	client, created, err := b.clients.IssueFree(ctx, user.ID)
	if err != nil {
		b.log.Warn("config not issued", zap.Uint("user_id", user.ID), zap.Error(err))
		b.reply(chatID, services.UserMessage(err))
		return
	}
	text := "🔑 Ваш конфиг:"
	if created {
		text = fmt.Sprintf("🎁 Бесплатный конфиг готов: %s, до %d устройств.", formatTraffic(client.TotalTraffic), client.LimitIP)
	}
	if client.ConnectionURL != "" {
		text += "\n\n" + client.ConnectionURL
	} else {
		text += "\n\nID клиента: " + client.UUID
	}
	b.reply(chatID, text)
}

func (b *Bot) handleStatus(ctx context.Context, chatID int64, user *db.User) {
	client, err := b.clients.Current(ctx, user.ID)
	if err != nil {
		b.reply(chatID, services.UserMessage(err))
		return
	}
	tariff := "бесплатный"
	if client.TariffID != nil {
		var plan db.Plan
		if err := b.db.WithContext(ctx).First(&plan, *client.TariffID).Error; err == nil {
			tariff = plan.Title
		}
	}
	expiry := "бессрочно"
	if client.ExpiryTime != nil {
		expiry = "до " + client.ExpiryTime.Format("02.01.2006 15:04")
		if !client.ExpiryTime.After(b.now()) {
			expiry = "истекла " + client.ExpiryTime.Format("02.01.2006")
		}
	}
	state := "активен"
	if !client.IsActive {
		state = "отключён"
	}
	b.reply(chatID, fmt.Sprintf("📊 Тариф: %s\nСрок: %s\nТрафик: %s\nУстройств: до %d\nСтатус: %s",
		tariff, expiry, formatTraffic(client.TotalTraffic), client.LimitIP, state))
}

func formatTraffic(bytes int64) string {
	if bytes <= 0 {
		return "безлимит"
	}
	return fmt.Sprintf("%d ГБ", bytes>>30)
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	from := cb.From
	if from == nil {
		return
	}
	chatID := from.ID
	if cb.Message != nil {
		chatID = cb.Message.Chat.ID
	}
	if b.refuseBanned(ctx, chatID, from.ID) {
		b.answer(cb.ID, "Доступ ограничен")
		return
	}

	data := cb.Data
	switch {
	case strings.HasPrefix(data, cbTariff):
		if !b.isAdmin(from.ID) && b.limiter.IsLimited(from.ID, "tariff") {
			b.answer(cb.ID, textTooFast)
			return
		}
		b.handleTariff(ctx, cb, chatID, strings.TrimPrefix(data, cbTariff))
	case strings.HasPrefix(data, cbTestSuccess):
		b.handleTestSuccess(ctx, cb, chatID, strings.TrimPrefix(data, cbTestSuccess))
	case strings.HasPrefix(data, cbCheck):
		b.handleCheck(ctx, cb, chatID, strings.TrimPrefix(data, cbCheck))
	case strings.HasPrefix(data, cbCancel):
		b.handleCancel(ctx, cb, chatID, strings.TrimPrefix(data, cbCancel))
	default:
		b.answer(cb.ID, "")
	}
}

func (b *Bot) handleTariff(ctx context.Context, cb *tgbotapi.CallbackQuery, chatID int64, key string) {
	user, err := db.UpsertUser(ctx, b.db, cb.From.ID, cb.From.UserName)
	if err != nil {
		b.log.Error("failed to upsert user", zap.Int64("telegram_id", cb.From.ID), zap.Error(err))
		b.answer(cb.ID, textInternal)
		return
	}
	code := b.promo(cb.From.ID)
	res, err := b.payments.Create(ctx, services.CreateRequest{
		UserID:    user.ID,
		TariffKey: key,
		Contact:   user.Email,
		PromoCode: code,
	})
	if err != nil {
		// недействительный промокод больше не предлагаем
		if code != "" && services.IsKind(err, services.KindValidation) {
			b.clearPromo(cb.From.ID)
		}
		b.answer(cb.ID, "Платёж не создан")
		b.reply(chatID, services.UserMessage(err))
		return
	}
	b.clearPromo(cb.From.ID)

	text := fmt.Sprintf("Тариф «%s»\nСумма к оплате: %d ₽", res.Entitlement.Title, res.Payment.Amount)
	if code != "" {
		text += "\nПромокод " + code + " применён"
	}
	if res.Manual {
		text += "\n\n⚠️ Тестовый режим: реальное списание не производится."
	} else {
		text += "\n\nПосле оплаты тариф активируется автоматически."
	}
	out := tgbotapi.NewMessage(chatID, text)
	out.ReplyMarkup = paymentKeyboard(res)
	b.send(out)
	b.answer(cb.ID, "Платёж создан")
}

// ownPayment проверяет, что платёж принадлежит нажавшему кнопку
func (b *Bot) ownPayment(ctx context.Context, tgID int64, paymentID string) bool {
	pay, err := db.FindPayment(ctx, b.db, paymentID)
	if err != nil {
		return false
	}
	user, err := db.FindUserByTelegramID(ctx, b.db, tgID)
	if err != nil {
		return false
	}
	return pay.UserID == user.ID
}

func (b *Bot) handleTestSuccess(ctx context.Context, cb *tgbotapi.CallbackQuery, chatID int64, paymentID string) {
	if !b.ownPayment(ctx, cb.From.ID, paymentID) {
		b.answer(cb.ID, "Платёж не найден")
		return
	}
	pay, err := b.payments.ConfirmTestPayment(ctx, paymentID)
	if err != nil {
		b.answer(cb.ID, "Ошибка")
		b.reply(chatID, services.UserMessage(err))
		return
	}
	b.answer(cb.ID, statusText(pay.Status))
}

func (b *Bot) handleCheck(ctx context.Context, cb *tgbotapi.CallbackQuery, chatID int64, paymentID string) {
	if !b.ownPayment(ctx, cb.From.ID, paymentID) {
		b.answer(cb.ID, "Платёж не найден")
		return
	}
	pay, err := b.payments.Refresh(ctx, paymentID)
	if err != nil {
		b.answer(cb.ID, "Ошибка")
		b.reply(chatID, services.UserMessage(err))
		return
	}
	b.answer(cb.ID, statusText(pay.Status))
	if pay.Status == db.StatusPending || pay.Status == db.StatusWaitingForCapture {
		b.reply(chatID, "⏳ Оплата ещё не поступила. Если вы уже оплатили, подождите пару минут и нажмите кнопку снова.")
	}
}

func (b *Bot) handleCancel(ctx context.Context, cb *tgbotapi.CallbackQuery, chatID int64, paymentID string) {
	if !b.ownPayment(ctx, cb.From.ID, paymentID) {
		b.answer(cb.ID, "Платёж не найден")
		return
	}
	err := b.payments.Cancel(ctx, paymentID)
	switch {
	case services.IsKind(err, services.KindConflict):
		b.answer(cb.ID, "Платёж уже оплачен")
	case err != nil:
		b.answer(cb.ID, "Ошибка")
		b.reply(chatID, services.UserMessage(err))
	default:
		b.answer(cb.ID, "Платёж отменён")
		b.reply(chatID, "❌ Платёж отменён. Выбрать тариф заново: /buy")
	}
}

func statusText(s db.PaymentStatus) string {
	switch s {
	case db.StatusSucceeded:
		return "✅ Оплата получена"
	case db.StatusCanceled:
		return "❌ Платёж отменён"
	case db.StatusWaitingForCapture:
		return "⏳ Платёж подтверждается"
	default:
		return "⏳ Ожидаем оплату"
	}
}
