package admin

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"ftw-vpn-bot/internal/db"
	"ftw-vpn-bot/internal/logger"
	"ftw-vpn-bot/internal/services"
)

const paymentsPageSize = 30

const helpText = `Команды администратора:
/admin_stats — статистика
/admin_payments [YYYY-MM-DD YYYY-MM-DD] — платежи за период
/admin_promo_add CODE PERCENT [LIMIT] [DAYS] [TG_ID] — создать промокод
/admin_promo_off CODE — отключить промокод
/admin_promos — список промокодов
/admin_ban TG_ID HOURS [причина] — бан, 0 часов = бессрочно
/admin_unban TG_ID — снять бан
/admin_backup — резервная копия БД`

// Reply ответ на админ-команду; Document - путь к файлу, который нужно отправить
type Reply struct {
	Text     string
	Document string
}

type Handler struct {
	db       *gorm.DB
	promos   *services.PromoValidator
	backup   *Backup
	panelURL string
	adminID  int64
	log      *zap.Logger
	now      func() time.Time
}

func NewHandler(g *gorm.DB, promos *services.PromoValidator, backup *Backup, panelURL string, adminID int64, log *zap.Logger) *Handler {
	return &Handler{
		db:       g,
		promos:   promos,
		backup:   backup,
		panelURL: panelURL,
		adminID:  adminID,
		log:      log.Named("admin"),
		now:      time.Now,
	}
}

func (h *Handler) IsAdmin(userID int64) bool {
	return h.adminID != 0 && userID == h.adminID
}

// Handle выполняет команду вида admin_xxx; проверка прав на стороне вызывающего
func (h *Handler) Handle(ctx context.Context, cmd string, args []string) Reply {
	logger.LogAdminAction(h.log, h.adminID, cmd, strings.Join(args, " "))
	switch cmd {
	case "admin_stats":
		return h.stats(ctx)
	case "admin_payments":
		return h.payments(ctx, args)
	case "admin_promo_add":
		return h.promoAdd(ctx, args)
	case "admin_promo_off":
		return h.promoOff(ctx, args)
	case "admin_promos":
		return h.promoList(ctx)
	case "admin_ban":
		return h.ban(ctx, args)
	case "admin_unban":
		return h.unban(ctx, args)
	case "admin_backup":
		return h.runBackup(ctx)
	}
	return Reply{Text: helpText}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func (h *Handler) stats(ctx context.Context) Reply {
	now := h.now()
	users, errUsers := db.CountUsers(ctx, h.db)
	active, errActive := db.CountActiveClients(ctx, h.db, now)
	today, errToday := db.SumPayments(ctx, h.db, startOfDay(now), now)
	month, errMonth := db.SumPayments(ctx, h.db, now.AddDate(0, 0, -30), now)
	total, errTotal := db.SumPayments(ctx, h.db, time.Time{}, now)
	pending, errPending := db.PendingPayments(ctx, h.db)
	if err := errors.Join(errUsers, errActive, errToday, errMonth, errTotal, errPending); err != nil {
		h.log.Error("stats query failed", zap.Error(err))
		return Reply{Text: "Ошибка получения статистики: " + err.Error()}
	}

	panel := ProbePanel(ctx, h.panelURL, probeTimeout)
	return Reply{Text: fmt.Sprintf(
		"Пользователей: %d\nАктивных подписок: %d\nОжидают оплаты: %d\nПлатежи: сегодня %d ₽, за 30 дней %d ₽, всего %d ₽\nПанель: %s",
		users, active, len(pending), today, month, total, panel)}
}

func (h *Handler) payments(ctx context.Context, args []string) Reply {
	now := h.now()
	from, to := now.AddDate(0, 0, -30), now
	if len(args) == 2 {
		f, err := time.ParseInLocation("2006-01-02", args[0], now.Location())
		if err != nil {
			return Reply{Text: "Неверный формат даты (from), нужен YYYY-MM-DD"}
		}
		t, err := time.ParseInLocation("2006-01-02", args[1], now.Location())
		if err != nil {
			return Reply{Text: "Неверный формат даты (to), нужен YYYY-MM-DD"}
		}
		// конец дня включительно
		from, to = f, t.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	pays, err := db.GetPayments(ctx, h.db, from, to, paymentsPageSize)
	if err != nil {
		return Reply{Text: "Ошибка получения платежей: " + err.Error()}
	}
	if len(pays) == 0 {
		return Reply{Text: "Платежей за период нет"}
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Платежи %s — %s:\n", from.Format("02.01.2006"), to.Format("02.01.2006"))
	for _, p := range pays {
		fmt.Fprintf(&sb, "%s | user %d | %d ₽ | %s", p.PaymentID, p.UserID, p.Amount, p.Status)
		if p.Test {
			sb.WriteString(" | тест")
		}
		sb.WriteString("\n")
	}
	return Reply{Text: sb.String()}
}

func (h *Handler) promoAdd(ctx context.Context, args []string) Reply {
	if len(args) < 2 {
		return Reply{Text: "Использование: /admin_promo_add CODE PERCENT [LIMIT] [DAYS] [TG_ID]"}
	}
	percent, err := decimal.NewFromString(args[1])
	if err != nil {
		return Reply{Text: "Скидка должна быть числом, например 20 или 15.5"}
	}
	spec := services.PromoSpec{Code: args[0], Discount: percent}

	if len(args) > 2 {
		limit, err := strconv.Atoi(args[2])
		if err != nil || limit < 0 {
			return Reply{Text: "LIMIT должен быть целым числом, 0 = без ограничений"}
		}
		if limit > 0 {
			spec.UsageLimit = &limit
		}
	}
	if len(args) > 3 {
		days, err := strconv.Atoi(args[3])
		if err != nil || days < 0 {
			return Reply{Text: "DAYS должен быть целым числом, 0 = бессрочно"}
		}
		spec.ValidDays = days
	}
	if len(args) > 4 {
		tgID, err := strconv.ParseInt(args[4], 10, 64)
		if err != nil {
			return Reply{Text: "TG_ID должен быть числом"}
		}
		user, err := db.FindUserByTelegramID(ctx, h.db, tgID)
		if err != nil {
			return Reply{Text: "Пользователь не найден: " + args[4]}
		}
		spec.UserID = &user.ID
	}

	promo, err := h.promos.CreatePromo(ctx, spec)
	if err != nil {
		return Reply{Text: "Промокод не создан: " + services.UserMessage(err)}
	}
	return Reply{Text: "Промокод создан:\n" + describePromo(promo)}
}

func (h *Handler) promoOff(ctx context.Context, args []string) Reply {
	if len(args) != 1 {
		return Reply{Text: "Использование: /admin_promo_off CODE"}
	}
	if err := h.promos.DeactivatePromo(ctx, args[0]); err != nil {
		return Reply{Text: services.UserMessage(err)}
	}
	return Reply{Text: "Промокод " + args[0] + " отключён"}
}

func (h *Handler) promoList(ctx context.Context) Reply {
	promos, err := h.promos.ListPromos(ctx, false)
	if err != nil {
		return Reply{Text: services.UserMessage(err)}
	}
	if len(promos) == 0 {
		return Reply{Text: "Промокодов нет"}
	}
	var sb strings.Builder
	for i := range promos {
		sb.WriteString(describePromo(&promos[i]))
		sb.WriteString("\n")
	}
	return Reply{Text: sb.String()}
}

func describePromo(p *db.Promo) string {
	usage := strconv.Itoa(p.UsedCount)
	if p.UsageLimit != nil && *p.UsageLimit > 0 {
		usage += "/" + strconv.Itoa(*p.UsageLimit)
	}
	state := "активен"
	if !p.IsActive {
		state = "отключён"
	}
	line := fmt.Sprintf("%s — %s%% — использований %s — %s", p.Code, p.Discount.String(), usage, state)
	if p.ExpirationDate != nil {
		line += " — до " + p.ExpirationDate.Format("02.01.2006")
	}
	if p.UserID != nil {
		line += fmt.Sprintf(" — только user %d", *p.UserID)
	}
	return line
}

func (h *Handler) ban(ctx context.Context, args []string) Reply {
	if len(args) < 2 {
		return Reply{Text: "Использование: /admin_ban TG_ID HOURS [причина]"}
	}
	tgID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return Reply{Text: "TG_ID должен быть числом"}
	}
	if tgID == h.adminID {
		return Reply{Text: "Нельзя забанить администратора"}
	}
	hours, err := strconv.ParseFloat(args[1], 64)
	if err != nil || hours < 0 {
		return Reply{Text: "HOURS должен быть неотрицательным числом"}
	}
	reason := strings.Join(args[2:], " ")
	user, err := db.BanUser(ctx, h.db, tgID, reason, hours)
	if err != nil {
		return Reply{Text: "Ошибка бана: " + err.Error()}
	}
	if user.BannedUntil == nil {
		return Reply{Text: fmt.Sprintf("Пользователь %d забанен бессрочно", tgID)}
	}
	return Reply{Text: fmt.Sprintf("Пользователь %d забанен до %s", tgID, user.BannedUntil.Format("02.01.2006 15:04"))}
}

func (h *Handler) unban(ctx context.Context, args []string) Reply {
	if len(args) != 1 {
		return Reply{Text: "Использование: /admin_unban TG_ID"}
	}
	tgID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return Reply{Text: "TG_ID должен быть числом"}
	}
	err = db.UnbanUser(ctx, h.db, tgID)
	if errors.Is(err, db.ErrNotFound) {
		return Reply{Text: "Пользователь не найден"}
	}
	if err != nil {
		return Reply{Text: "Ошибка разбана: " + err.Error()}
	}
	return Reply{Text: fmt.Sprintf("Пользователь %d разбанен", tgID)}
}

func (h *Handler) runBackup(ctx context.Context) Reply {
	if h.backup == nil {
		return Reply{Text: "Резервное копирование не настроено"}
	}
	path, err := h.backup.Dump(ctx, "backup")
	if err != nil {
		return Reply{Text: "Ошибка резервного копирования: " + err.Error()}
	}
	return Reply{Text: "Резервная копия БД успешно создана", Document: path}
}
