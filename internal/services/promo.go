package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ftw-vpn-bot/internal/db"
)

// ErrPromoExhausted лимит использований промокода исчерпан к моменту списания
var ErrPromoExhausted = errors.New("promo usage limit reached")

// Причины отказа в промокоде
const (
	PromoOK          = ""
	PromoNotFound    = "not_found"
	PromoInactive    = "inactive"
	PromoExpired     = "expired"
	PromoExhausted   = "exhausted"
	PromoForeignUser = "foreign_user"
)

var hundred = decimal.NewFromInt(100)

type PromoCheck struct {
	Valid    bool
	Discount decimal.Decimal
	Reason   string
	Promo    *db.Promo
}

type PromoValidator struct {
	db  *gorm.DB
	log *zap.Logger
	now func() time.Time
}

func NewPromoValidator(g *gorm.DB, log *zap.Logger) *PromoValidator {
	return &PromoValidator{db: g, log: log.Named("promo"), now: time.Now}
}

// Validate проверяет промокод для пользователя. Ошибка возвращается только при сбое БД,
// недействительный код даёт Valid=false и причину.
func (v *PromoValidator) Validate(ctx context.Context, code string, userID uint) (PromoCheck, error) {
	code = strings.TrimSpace(code)
	var promo db.Promo
	err := v.db.WithContext(ctx).Where("code = ?", code).First(&promo).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PromoCheck{Reason: PromoNotFound}, nil
	}
	if err != nil {
		return PromoCheck{}, fmt.Errorf("load promo %s: %w", code, err)
	}

	check := PromoCheck{Promo: &promo, Reason: checkPromo(&promo, userID, v.now())}
	if check.Reason == PromoOK {
		check.Valid = true
		check.Discount = promo.Discount
	}
	v.log.Debug("promo checked",
		zap.String("code", code),
		zap.Uint("user_id", userID),
		zap.Bool("valid", check.Valid),
		zap.String("reason", check.Reason))
	return check, nil
}

// checkPromo проверки по порядку, первая неудачная определяет причину
func checkPromo(p *db.Promo, userID uint, now time.Time) string {
	switch {
	case !p.IsActive:
		return PromoInactive
	case p.ExpirationDate != nil && p.ExpirationDate.Before(now):
		return PromoExpired
	case limited(p) && p.UsedCount >= *p.UsageLimit:
		return PromoExhausted
	case p.UserID != nil && *p.UserID != userID:
		return PromoForeignUser
	}
	return PromoOK
}

// limited лимит 0 или NULL означает неограниченный промокод
func limited(p *db.Promo) bool {
	return p.UsageLimit != nil && *p.UsageLimit > 0
}

// Consume списывает одно использование промокода в переданной транзакции.
// При достижении лимита промокод деактивируется.
func (v *PromoValidator) Consume(ctx context.Context, tx *gorm.DB, code string, userID uint) error {
	var promo db.Promo
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("code = ?", code).
		First(&promo).Error
	if err != nil {
		return fmt.Errorf("load promo %s: %w", code, db.NotFound(err))
	}
	if limited(&promo) && promo.UsedCount >= *promo.UsageLimit {
		return ErrPromoExhausted
	}

	now := v.now()
	used := promo.UsedCount + 1
	updates := map[string]interface{}{"used_count": used, "used_at": now}
	if limited(&promo) && used >= *promo.UsageLimit {
		updates["is_active"] = false
	}
	res := tx.WithContext(ctx).Model(&db.Promo{}).
		Where("id = ? AND used_count = ?", promo.ID, promo.UsedCount).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("consume promo %s: %w", code, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrPromoExhausted
	}
	v.log.Info("promo consumed",
		zap.String("code", code),
		zap.Uint("user_id", userID),
		zap.Int("used_count", used))
	return nil
}

// ApplyDiscount применяет скидку в процентах к цене в целых рублях.
// Округление половины вверх, результат не меньше 1.
func ApplyDiscount(price int, percent decimal.Decimal) int {
	if percent.LessThanOrEqual(decimal.Zero) {
		return price
	}
	if percent.GreaterThan(hundred) {
		percent = hundred
	}
	factor := hundred.Sub(percent).Div(hundred)
	amount := decimal.NewFromInt(int64(price)).Mul(factor).Round(0).IntPart()
	if amount < 1 {
		return 1
	}
	return int(amount)
}

// --- Админские операции ---

type PromoSpec struct {
	Code       string
	Discount   decimal.Decimal
	UsageLimit *int
	ValidDays  int
	UserID     *uint
}

func (v *PromoValidator) CreatePromo(ctx context.Context, spec PromoSpec) (*db.Promo, error) {
	const op = "create promo"
	code := strings.TrimSpace(spec.Code)
	if code == "" {
		return nil, validationErr(op, "Код промокода не может быть пустым.", nil)
	}
	if spec.Discount.LessThanOrEqual(decimal.Zero) || spec.Discount.GreaterThan(hundred) {
		return nil, validationErr(op, "Скидка должна быть от 0 до 100%.", fmt.Errorf("discount %s", spec.Discount))
	}
	if spec.UsageLimit != nil && *spec.UsageLimit < 0 {
		return nil, validationErr(op, "Лимит использований не может быть отрицательным.", nil)
	}

	promo := db.Promo{
		Code:       code,
		Discount:   spec.Discount,
		UsageLimit: spec.UsageLimit,
		UserID:     spec.UserID,
		IsActive:   true,
	}
	if spec.ValidDays > 0 {
		exp := v.now().AddDate(0, 0, spec.ValidDays)
		promo.ExpirationDate = &exp
	}

	var exists int64
	if err := v.db.WithContext(ctx).Model(&db.Promo{}).Where("code = ?", code).Count(&exists).Error; err != nil {
		return nil, internalErr(op, err)
	}
	if exists > 0 {
		return nil, validationErr(op, "Промокод с таким кодом уже существует.", fmt.Errorf("duplicate code %s", code))
	}
	if err := v.db.WithContext(ctx).Create(&promo).Error; err != nil {
		return nil, internalErr(op, err)
	}
	v.log.Info("promo created", zap.String("code", code), zap.String("discount", spec.Discount.String()))
	return &promo, nil
}

func (v *PromoValidator) DeactivatePromo(ctx context.Context, code string) error {
	res := v.db.WithContext(ctx).Model(&db.Promo{}).
		Where("code = ?", strings.TrimSpace(code)).
		Update("is_active", false)
	if res.Error != nil {
		return internalErr("deactivate promo", res.Error)
	}
	if res.RowsAffected == 0 {
		return validationErr("deactivate promo", "Промокод не найден.", db.ErrNotFound)
	}
	return nil
}

func (v *PromoValidator) ListPromos(ctx context.Context, activeOnly bool) ([]db.Promo, error) {
	var promos []db.Promo
	q := v.db.WithContext(ctx).Order("created_at desc")
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	if err := q.Find(&promos).Error; err != nil {
		return nil, internalErr("list promos", err)
	}
	return promos, nil
}
