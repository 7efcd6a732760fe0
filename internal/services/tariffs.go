package services

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"gorm.io/gorm"

	"ftw-vpn-bot/internal/db"
)

const gib int64 = 1 << 30

// Tariff позиция статического каталога. Цены и лимиты трафика задаются только здесь.
type Tariff struct {
	Key          string
	Title        string
	Price        int
	TrafficBytes int64
	DurationDays int
}

// Catalog в этом порядке тарифы сидируются, на чистой БД id будут 1, 2, 3
var Catalog = []Tariff{
	{Key: "base", Title: "ftw.base", Price: 69, TrafficBytes: 25 * gib, DurationDays: 30},
	{Key: "middle", Title: "ftw.middle", Price: 149, TrafficBytes: db.UnlimitedTraffic, DurationDays: 30},
	{Key: "unlimited", Title: "ftw.unlimited", Price: 199, TrafficBytes: db.UnlimitedTraffic, DurationDays: 30},
}

func catalogPlans() []db.Plan {
	plans := make([]db.Plan, 0, len(Catalog))
	for _, t := range Catalog {
		plans = append(plans, db.Plan{
			Key:          t.Key,
			Title:        t.Title,
			TrafficLimit: t.TrafficBytes,
			DurationDays: t.DurationDays,
			Price:        t.Price,
		})
	}
	return plans
}

// SeedCatalog записывает каталог в таблицу планов
func SeedCatalog(ctx context.Context, g *gorm.DB) error {
	return db.SeedPlans(ctx, g, catalogPlans())
}

func findTariff(key string) (Tariff, bool) {
	for _, t := range Catalog {
		if t.Key == key {
			return t, true
		}
	}
	return Tariff{}, false
}

type Entitlement struct {
	PlanID          uint
	TariffKey       string
	Title           string
	TrafficCapBytes int64
	IPLimit         int
	DurationDays    int
	Price           int
}

func (e Entitlement) Unlimited() bool {
	return e.TrafficCapBytes == db.UnlimitedTraffic
}

type EntitlementResolver struct {
	db       *gorm.DB
	ipLimits map[string]int
}

func NewEntitlementResolver(g *gorm.DB, ipLimits map[string]int) *EntitlementResolver {
	return &EntitlementResolver{db: g, ipLimits: ipLimits}
}

// Resolve сопоставляет ключ тарифа с конкретными лимитами и ценой
func (r *EntitlementResolver) Resolve(ctx context.Context, key string) (*Entitlement, error) {
	const op = "resolve tariff"
	if _, ok := findTariff(key); !ok {
		return nil, validationErr(op, "Такого тарифа нет. Выберите тариф из списка.", fmt.Errorf("unknown tariff %q", key))
	}
	var plan db.Plan
	if err := r.db.WithContext(ctx).Where("tariff_key = ?", key).First(&plan).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, configErr(op, fmt.Errorf("plan %q is not seeded", key))
		}
		return nil, internalErr(op, err)
	}
	return r.fromPlan(plan)
}

// ForPlan то же по id плана; tx позволяет читать внутри транзакции
func (r *EntitlementResolver) ForPlan(ctx context.Context, tx *gorm.DB, planID uint) (*Entitlement, error) {
	var plan db.Plan
	if err := tx.WithContext(ctx).First(&plan, planID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, configErr("resolve plan", fmt.Errorf("plan %d not found", planID))
		}
		return nil, internalErr("resolve plan", err)
	}
	return r.fromPlan(plan)
}

func (r *EntitlementResolver) fromPlan(plan db.Plan) (*Entitlement, error) {
	limit, ok := r.ipLimits[plan.Key]
	if !ok || limit <= 0 {
		return nil, configErr("resolve tariff", fmt.Errorf("no ip limit configured for %q", plan.Key))
	}
	return &Entitlement{
		PlanID:          plan.ID,
		TariffKey:       plan.Key,
		Title:           plan.Title,
		TrafficCapBytes: plan.TrafficLimit,
		IPLimit:         limit,
		DurationDays:    plan.DurationDays,
		Price:           plan.Price,
	}, nil
}

// Tariffs тарифы каталога по возрастанию цены для клавиатуры
func (r *EntitlementResolver) Tariffs() []Tariff {
	out := append([]Tariff(nil), Catalog...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	return out
}
