package db

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// UnlimitedTraffic значение TotalTraffic/TrafficLimit для безлимитного трафика
const UnlimitedTraffic int64 = -1

type PaymentStatus string

const (
	StatusPending           PaymentStatus = "pending"
	StatusWaitingForCapture PaymentStatus = "waiting_for_capture"
	StatusSucceeded         PaymentStatus = "succeeded"
	StatusCanceled          PaymentStatus = "canceled"
)

// Terminal после succeeded/canceled статус платежа больше не меняется
func (s PaymentStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusCanceled
}

func (s PaymentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusWaitingForCapture, StatusSucceeded, StatusCanceled:
		return true
	}
	return false
}

type User struct {
	ID          uint  `gorm:"primaryKey"`
	TelegramID  int64 `gorm:"uniqueIndex;not null"`
	Username    string
	Email       string
	IsBanned    bool `gorm:"default:false"`
	BanReason   string
	BannedUntil *time.Time
	CreatedAt   time.Time
	LastLogin   *time.Time
}

// BanActive сообщает, действует ли бан на момент now (временный бан истекает сам)
func (u User) BanActive(now time.Time) bool {
	if !u.IsBanned {
		return false
	}
	return u.BannedUntil == nil || u.BannedUntil.After(now)
}

// Client VPN-доступ пользователя на панели. Связь с User 1:N в схеме,
// сервисы работают с последней записью пользователя.
type Client struct {
	ID            uint   `gorm:"primaryKey"`
	UserID        uint   `gorm:"index;not null"`
	UUID          string `gorm:"uniqueIndex;not null"`
	Email         string // ник клиента на панели
	LimitIP       int
	TotalTraffic  int64 // байты, UnlimitedTraffic = безлимит
	ExpiryTime    *time.Time `gorm:"index"`
	IsActive      bool       `gorm:"default:true"`
	TariffID      *uint
	TgNotified    bool `gorm:"default:false"`
	ConnectionURL string
	CreatedAt     time.Time
	UpdatedAt     time.Time

	User User `gorm:"foreignKey:UserID"`
}

// Plan тариф из статического каталога, создаётся только сидированием
type Plan struct {
	ID           uint   `gorm:"primaryKey"`
	Key          string `gorm:"column:tariff_key;uniqueIndex;not null"`
	Title        string `gorm:"uniqueIndex;not null"`
	TrafficLimit int64
	DurationDays int
	Price        int
}

type Payment struct {
	ID        uint          `gorm:"primaryKey"`
	UserID    uint          `gorm:"index;not null"`
	PlanID    uint          `gorm:"not null"`
	PaymentID string        `gorm:"uniqueIndex;not null"` // ID транзакции в платёжном шлюзе
	Amount    int           `gorm:"not null"`
	Status    PaymentStatus `gorm:"index;not null"`
	PromoCode *string
	Test      bool `gorm:"default:false"`
	Metadata  datatypes.JSONMap
	CreatedAt time.Time
	PaidAt    *time.Time

	User User `gorm:"foreignKey:UserID"`
	Plan Plan `gorm:"foreignKey:PlanID"`
}

type Promo struct {
	ID             uint            `gorm:"primaryKey"`
	Code           string          `gorm:"uniqueIndex;not null"`
	Discount       decimal.Decimal `gorm:"type:numeric(5,2);not null"` // проценты, 20.0 = 20%
	ExpirationDate *time.Time
	UsageLimit     *int
	UsedCount      int  `gorm:"default:0"`
	IsActive       bool `gorm:"default:true"`
	UserID         *uint
	UsedAt         *time.Time
	CreatedAt      time.Time
}
