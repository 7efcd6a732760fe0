package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("not found")

// Open подключается к БД через переданный диалект (postgres в проде, sqlite в тестах).
// Логи gorm идут в log.
func Open(dialector gorm.Dialector, log *zap.Logger) (*gorm.DB, error) {
	g, err := gorm.Open(dialector, &gorm.Config{
		Logger: newGormLogger(log),
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return g, nil
}

func OpenPostgres(dsn string, log *zap.Logger) (*gorm.DB, error) {
	if dsn == "" {
		return nil, errors.New("DATABASE_URL not set")
	}
	return Open(postgres.Open(dsn), log)
}

func Migrate(g *gorm.DB) error {
	return g.AutoMigrate(&User{}, &Plan{}, &Client{}, &Payment{}, &Promo{})
}

// SeedPlans создаёт/обновляет тарифы из статического каталога в заданном порядке.
// Каталог: единственный источник цен, поэтому поля существующих планов перезаписываются.
func SeedPlans(ctx context.Context, g *gorm.DB, plans []Plan) error {
	return g.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, p := range plans {
			var existing Plan
			err := tx.Where("tariff_key = ?", p.Key).First(&existing).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				plan := p
				if err := tx.Create(&plan).Error; err != nil {
					return fmt.Errorf("seed plan %s: %w", p.Key, err)
				}
			case err != nil:
				return fmt.Errorf("load plan %s: %w", p.Key, err)
			default:
				err := tx.Model(&existing).Updates(map[string]interface{}{
					"title":         p.Title,
					"traffic_limit": p.TrafficLimit,
					"duration_days": p.DurationDays,
					"price":         p.Price,
				}).Error
				if err != nil {
					return fmt.Errorf("update plan %s: %w", p.Key, err)
				}
			}
		}
		return nil
	})
}

// NotFound переводит gorm.ErrRecordNotFound в ErrNotFound
func NotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// UpsertUser находит пользователя по Telegram ID или создаёт нового, обновляя last_login
func UpsertUser(ctx context.Context, g *gorm.DB, telegramID int64, username string) (*User, error) {
	now := time.Now()
	user := User{TelegramID: telegramID}
	err := g.WithContext(ctx).
		Where(User{TelegramID: telegramID}).
		Attrs(User{Username: username}).
		FirstOrCreate(&user).Error
	if err != nil {
		return nil, fmt.Errorf("upsert user %d: %w", telegramID, err)
	}
	updates := map[string]interface{}{"last_login": now}
	if username != "" && user.Username != username {
		updates["username"] = username
	}
	if err := g.WithContext(ctx).Model(&user).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("touch user %d: %w", telegramID, err)
	}
	user.LastLogin = &now
	return &user, nil
}

func FindUserByTelegramID(ctx context.Context, g *gorm.DB, telegramID int64) (*User, error) {
	var user User
	if err := g.WithContext(ctx).Where("telegram_id = ?", telegramID).First(&user).Error; err != nil {
		return nil, NotFound(err)
	}
	return &user, nil
}

func GetUser(ctx context.Context, g *gorm.DB, id uint) (*User, error) {
	var user User
	if err := g.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, NotFound(err)
	}
	return &user, nil
}

func SetUserEmail(ctx context.Context, g *gorm.DB, userID uint, email string) error {
	return g.WithContext(ctx).Model(&User{}).Where("id = ?", userID).Update("email", email).Error
}

// BanUser банит пользователя; hours <= 0: бессрочно
func BanUser(ctx context.Context, g *gorm.DB, telegramID int64, reason string, hours float64) (*User, error) {
	user, err := UpsertUser(ctx, g, telegramID, "")
	if err != nil {
		return nil, err
	}
	var until *time.Time
	if hours > 0 {
		t := time.Now().Add(time.Duration(hours * float64(time.Hour)))
		until = &t
	}
	err = g.WithContext(ctx).Model(user).Updates(map[string]interface{}{
		"is_banned":    true,
		"ban_reason":   reason,
		"banned_until": until,
	}).Error
	if err != nil {
		return nil, err
	}
	user.IsBanned, user.BanReason, user.BannedUntil = true, reason, until
	return user, nil
}

func UnbanUser(ctx context.Context, g *gorm.DB, telegramID int64) error {
	res := g.WithContext(ctx).Model(&User{}).Where("telegram_id = ?", telegramID).Updates(map[string]interface{}{
		"is_banned":    false,
		"ban_reason":   "",
		"banned_until": nil,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CheckBan возвращает активный бан пользователя; истёкший временный бан снимается
func CheckBan(ctx context.Context, g *gorm.DB, telegramID int64, now time.Time) (banned bool, reason string, until *time.Time, err error) {
	user, err := FindUserByTelegramID(ctx, g, telegramID)
	if errors.Is(err, ErrNotFound) {
		return false, "", nil, nil
	}
	if err != nil {
		return false, "", nil, err
	}
	if user.BanActive(now) {
		return true, user.BanReason, user.BannedUntil, nil
	}
	if user.IsBanned {
		if err := UnbanUser(ctx, g, telegramID); err != nil {
			return false, "", nil, err
		}
	}
	return false, "", nil, nil
}

// LatestClient последняя VPN-запись пользователя
func LatestClient(ctx context.Context, g *gorm.DB, userID uint) (*Client, error) {
	var client Client
	if err := g.WithContext(ctx).Where("user_id = ?", userID).Order("id desc").First(&client).Error; err != nil {
		return nil, NotFound(err)
	}
	return &client, nil
}

func FindPayment(ctx context.Context, g *gorm.DB, paymentID string) (*Payment, error) {
	var pay Payment
	if err := g.WithContext(ctx).Where("payment_id = ?", paymentID).First(&pay).Error; err != nil {
		return nil, NotFound(err)
	}
	return &pay, nil
}

// PendingPayments нетерминальные платежи через реальный шлюз
func PendingPayments(ctx context.Context, g *gorm.DB) ([]Payment, error) {
	var pays []Payment
	err := g.WithContext(ctx).
		Where("status IN ? AND test = ?", []PaymentStatus{StatusPending, StatusWaitingForCapture}, false).
		Order("created_at").
		Find(&pays).Error
	return pays, err
}

// --- Админские методы для статистики ---

func CountUsers(ctx context.Context, g *gorm.DB) (int64, error) {
	var count int64
	err := g.WithContext(ctx).Model(&User{}).Count(&count).Error
	return count, err
}

func CountActiveClients(ctx context.Context, g *gorm.DB, now time.Time) (int64, error) {
	var count int64
	err := g.WithContext(ctx).Model(&Client{}).
		Where("is_active = ? AND (expiry_time IS NULL OR expiry_time > ?)", true, now).
		Count(&count).Error
	return count, err
}

func SumPayments(ctx context.Context, g *gorm.DB, from, to time.Time) (int64, error) {
	var sum int64
	err := g.WithContext(ctx).Model(&Payment{}).
		Where("status = ? AND paid_at >= ? AND paid_at <= ?", StatusSucceeded, from, to).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&sum).Error
	return sum, err
}

func GetPayments(ctx context.Context, g *gorm.DB, from, to time.Time, limit int) ([]Payment, error) {
	var pays []Payment
	err := g.WithContext(ctx).
		Where("created_at >= ? AND created_at <= ?", from, to).
		Order("created_at desc").
		Limit(limit).
		Find(&pays).Error
	return pays, err
}
