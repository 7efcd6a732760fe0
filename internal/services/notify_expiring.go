package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"ftw-vpn-bot/internal/db"
)

// ExpiryNotifier напоминает об окончании подписки: один раз на каждое истечение
type ExpiryNotifier struct {
	db        *gorm.DB
	messenger Messenger
	resetDays int
	log       *zap.Logger
	now       func() time.Time
}

func NewExpiryNotifier(g *gorm.DB, messenger Messenger, resetDays int, log *zap.Logger) *ExpiryNotifier {
	if resetDays <= 0 {
		resetDays = 3
	}
	return &ExpiryNotifier{db: g, messenger: messenger, resetDays: resetDays, log: log.Named("notifier"), now: time.Now}
}

// Sweep проход по расписанию: сначала напоминания, затем сброс флагов после продления
func (n *ExpiryNotifier) Sweep(ctx context.Context) error {
	sent, notifyErr := n.NotifyExpiring(ctx)
	reset, resetErr := n.ResetFlags(ctx)
	n.log.Info("expiry sweep finished", zap.Int("notified", sent), zap.Int64("reset", reset))
	return errors.Join(notifyErr, resetErr)
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// NotifyExpiring шлёт напоминания клиентам, чья подписка истекла вчера, истекает сегодня
// или завтра. "Вчера" подхватывает пропущенные проходы. Ошибка по одному клиенту
// не прерывает остальных.
func (n *ExpiryNotifier) NotifyExpiring(ctx context.Context) (int, error) {
	today := startOfDay(n.now())
	from, to := today.AddDate(0, 0, -1), today.AddDate(0, 0, 2)

	var clients []db.Client
	err := n.db.WithContext(ctx).
		Preload("User").
		Where("is_active = ? AND tg_notified = ? AND expiry_time >= ? AND expiry_time < ?", true, false, from, to).
		Find(&clients).Error
	if err != nil {
		return 0, fmt.Errorf("load expiring clients: %w", err)
	}

	sent := 0
	for _, c := range clients {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		if c.User.TelegramID == 0 {
			n.log.Warn("client without telegram user", zap.Uint("user_id", c.UserID), zap.String("client_uuid", c.UUID))
			continue
		}
		text := expiryText(*c.ExpiryTime, today)
		if err := n.messenger.SendText(ctx, c.User.TelegramID, text); err != nil {
			n.log.Warn("expiry reminder not delivered",
				zap.Uint("user_id", c.UserID), zap.String("client_uuid", c.UUID), zap.Error(err))
			continue
		}
		res := n.db.WithContext(ctx).Model(&db.Client{}).
			Where("id = ? AND tg_notified = ?", c.ID, false).
			Update("tg_notified", true)
		if res.Error != nil {
			n.log.Warn("failed to mark client notified", zap.String("client_uuid", c.UUID), zap.Error(res.Error))
			continue
		}
		sent++
	}
	return sent, nil
}

func expiryText(expiry, today time.Time) string {
	date := expiry.Format("02.01.2006")
	switch {
	case expiry.Before(today):
		return fmt.Sprintf("⚠️ Ваша подписка закончилась %s. Продлите её командой /buy, чтобы VPN снова заработал.", date)
	case expiry.Before(today.AddDate(0, 0, 1)):
		return fmt.Sprintf("⏳ Ваша подписка заканчивается сегодня (%s). Продлить: /buy", date)
	default:
		return fmt.Sprintf("⏳ Ваша подписка заканчивается завтра (%s). Продлить: /buy", date)
	}
}

// ResetFlags снимает флаг напоминания у продлённых подписок, чтобы следующее
// истечение снова получило напоминание
func (n *ExpiryNotifier) ResetFlags(ctx context.Context) (int64, error) {
	threshold := n.now().AddDate(0, 0, n.resetDays)
	res := n.db.WithContext(ctx).Model(&db.Client{}).
		Where("tg_notified = ? AND expiry_time > ?", true, threshold).
		Update("tg_notified", false)
	if res.Error != nil {
		return 0, fmt.Errorf("reset notified flags: %w", res.Error)
	}
	return res.RowsAffected, nil
}
