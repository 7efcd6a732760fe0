package bot

import (
	"context"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"ftw-vpn-bot/internal/admin"
	"ftw-vpn-bot/internal/logger"
	"ftw-vpn-bot/internal/services"
)

// API часть tgbotapi.BotAPI, которую использует бот
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

type Deps struct {
	API      API
	DB       *gorm.DB
	Payments *services.PaymentOrchestrator
	Clients  *services.ClientService
	Promos   *services.PromoValidator
	Resolver *services.EntitlementResolver
	Admin    *admin.Handler
	Alerts   *logger.Notifier
	Log      *zap.Logger
}

type Bot struct {
	api      API
	db       *gorm.DB
	payments *services.PaymentOrchestrator
	clients  *services.ClientService
	promos   *services.PromoValidator
	resolver *services.EntitlementResolver
	admin    *admin.Handler
	alerts   *logger.Notifier
	log      *zap.Logger
	limiter  *RateLimiter
	now      func() time.Time

	mu           sync.Mutex
	pendingPromo map[int64]string // telegram id -> промокод для следующей покупки
}

func New(d Deps) *Bot {
	return &Bot{
		api:          d.API,
		db:           d.DB,
		payments:     d.Payments,
		clients:      d.Clients,
		promos:       d.Promos,
		resolver:     d.Resolver,
		admin:        d.Admin,
		alerts:       d.Alerts,
		log:          d.Log.Named("bot"),
		limiter:      NewRateLimiter(),
		now:          time.Now,
		pendingPromo: make(map[int64]string),
	}
}

// Start читает апдейты через long polling, пока не отменён ctx
func (b *Bot) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)
	b.log.Info("bot started")

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.log.Info("bot stopped")
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.HandleUpdate(ctx, update)
		}
	}
}

func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer b.alerts.NotifyOnPanic("HandleUpdate")
	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil && update.Message.From != nil:
		b.handleMessage(ctx, update.Message)
	}
}

func (b *Bot) send(c tgbotapi.Chattable) {
	if _, err := b.api.Send(c); err != nil {
		b.log.Warn("telegram send failed", zap.Error(err))
	}
}

func (b *Bot) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	b.send(msg)
}

func (b *Bot) answer(callbackID, text string) {
	if _, err := b.api.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		b.log.Warn("callback answer failed", zap.Error(err))
	}
}

func (b *Bot) setPromo(tgID int64, code string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pendingPromo[tgID] = code
}

func (b *Bot) promo(tgID int64) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pendingPromo[tgID]
}

func (b *Bot) clearPromo(tgID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pendingPromo, tgID)
}
