package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ftw-vpn-bot/internal/db"
	"ftw-vpn-bot/internal/gates/yookassa"
)

// PaymentGateway платёжный шлюз: YooKassa или заглушка тестового режима
type PaymentGateway interface {
	CreateTransaction(ctx context.Context, req yookassa.CreateRequest) (*yookassa.Payment, error)
	Cancel(ctx context.Context, paymentID string) error
	FindOne(ctx context.Context, paymentID string) (*yookassa.Payment, error)
	Manual() bool
}

// manualConfirmer реализуют шлюзы с ручным подтверждением (тестовый режим)
type manualConfirmer interface {
	Confirm(ctx context.Context, paymentID string) error
}

// Messenger доставляет текстовые сообщения пользователям
type Messenger interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// AdminAlerter канал срочных уведомлений админу
type AdminAlerter interface {
	NotifyAdmin(msg string)
}

var errPaymentTerminal = errors.New("payment already in terminal state")

const panelPushTimeout = 30 * time.Second

type OrchestratorConfig struct {
	Currency            string
	ReturnURL           string
	DefaultReceiptEmail string
	LinkTemplate        string
	PollSchedule        []PollTier
}

type OrchestratorDeps struct {
	DB        *gorm.DB
	Gateway   PaymentGateway
	Panel     PanelGateway
	Resolver  *EntitlementResolver
	Promos    *PromoValidator
	Messenger Messenger
	Alerts    AdminAlerter
	Log       *zap.Logger
}

// PaymentOrchestrator ведёт платёж от создания до применения тарифа к клиенту.
// Все изменения Payment.status и лимитов клиента проходят через ObserveStatus.
type PaymentOrchestrator struct {
	db        *gorm.DB
	gateway   PaymentGateway
	panel     PanelGateway
	resolver  *EntitlementResolver
	promos    *PromoValidator
	messenger Messenger
	alerts    AdminAlerter
	log       *zap.Logger
	cfg       OrchestratorConfig
	now       func() time.Time

	mu      sync.Mutex
	pollers map[string]*pollTask
	closed  bool
	wg      sync.WaitGroup
	baseCtx context.Context
	stopAll context.CancelFunc
}

func NewPaymentOrchestrator(deps OrchestratorDeps, cfg OrchestratorConfig) *PaymentOrchestrator {
	if cfg.Currency == "" {
		cfg.Currency = "RUB"
	}
	if len(cfg.PollSchedule) == 0 {
		cfg.PollSchedule = DefaultPollSchedule
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PaymentOrchestrator{
		db:        deps.DB,
		gateway:   deps.Gateway,
		panel:     deps.Panel,
		resolver:  deps.Resolver,
		promos:    deps.Promos,
		messenger: deps.Messenger,
		alerts:    deps.Alerts,
		log:       deps.Log.Named("payments"),
		cfg:       cfg,
		now:       time.Now,
		pollers:   make(map[string]*pollTask),
		baseCtx:   ctx,
		stopAll:   cancel,
	}
}

type CreateRequest struct {
	UserID    uint
	TariffKey string
	// Contact email или телефон для чека
	Contact   string
	PromoCode string
}

type CreateResult struct {
	Payment     *db.Payment
	Entitlement *Entitlement
	// ConfirmationURL пуст для тестовых платежей, их подтверждают вручную
	ConfirmationURL string
	Manual          bool
}

func (o *PaymentOrchestrator) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	const op = "create payment"
	user, err := db.GetUser(ctx, o.db, req.UserID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, validationErr(op, "Пользователь не найден. Нажмите /start.", err)
	}
	if err != nil {
		return nil, internalErr(op, err)
	}

	ent, err := o.resolver.Resolve(ctx, req.TariffKey)
	if err != nil {
		if IsKind(err, KindConfiguration) {
			o.log.Error("tariff catalog is broken", zap.String("tariff", req.TariffKey), zap.Error(err))
			o.alert(fmt.Sprintf("Тариф %s не настроен: %v", req.TariffKey, err))
		}
		return nil, err
	}

	amount := ent.Price
	var promoCode *string
	if code := strings.TrimSpace(req.PromoCode); code != "" {
		check, err := o.promos.Validate(ctx, code, user.ID)
		if err != nil {
			return nil, internalErr(op, err)
		}
		if !check.Valid {
			return nil, validationErr(op, "Промокод недействителен или уже использован.", fmt.Errorf("promo %s: %s", code, check.Reason))
		}
		amount = ApplyDiscount(ent.Price, check.Discount)
		promoCode = &code
	}

	metadata := map[string]interface{}{
		"user_id":     user.ID,
		"telegram_id": user.TelegramID,
		"tariff":      ent.TariffKey,
		"plan_id":     ent.PlanID,
	}
	if promoCode != nil {
		metadata["promo_code"] = *promoCode
	}

	remote, err := o.gateway.CreateTransaction(ctx, yookassa.CreateRequest{
		Amount:      decimal.NewFromInt(int64(amount)),
		Currency:    o.cfg.Currency,
		Description: fmt.Sprintf("VPN %s на %d дней", ent.Title, ent.DurationDays),
		Metadata:    metadata,
		ReturnURL:   o.cfg.ReturnURL,
		Receipt:     o.receipt(req.Contact, user.Email),
	})
	if err != nil {
		o.log.Error("gateway rejected payment",
			zap.Uint("user_id", user.ID),
			zap.String("tariff", ent.TariffKey),
			zap.Error(err))
		return nil, gatewayErr(op, err)
	}
	if remote.Manual {
		o.log.Warn("test payment without real charge",
			zap.String("payment_id", remote.ID),
			zap.Uint("user_id", user.ID))
	}

	pay := db.Payment{
		UserID:    user.ID,
		PlanID:    ent.PlanID,
		PaymentID: remote.ID,
		Amount:    amount,
		Status:    db.StatusPending,
		PromoCode: promoCode,
		Test:      remote.Manual,
		Metadata:  datatypes.JSONMap(metadata),
	}
	if err := o.db.WithContext(ctx).Create(&pay).Error; err != nil {
		o.log.Error("failed to persist payment, canceling remote transaction",
			zap.String("payment_id", remote.ID), zap.Error(err))
		if cerr := o.gateway.Cancel(context.WithoutCancel(ctx), remote.ID); cerr != nil {
			o.log.Warn("remote cancel failed", zap.String("payment_id", remote.ID), zap.Error(cerr))
		}
		return nil, internalErr(op, err)
	}

	o.log.Info("payment created",
		zap.String("payment_id", pay.PaymentID),
		zap.Uint("user_id", user.ID),
		zap.String("tariff", ent.TariffKey),
		zap.Int("amount", amount))

	if !remote.Manual {
		o.StartPolling(pay.PaymentID)
	}
	return &CreateResult{
		Payment:         &pay,
		Entitlement:     ent,
		ConfirmationURL: remote.ConfirmationURL,
		Manual:          remote.Manual,
	}, nil
}

// receipt контакт с @: email, иначе телефон из цифр; без контакта - email по умолчанию
func (o *PaymentOrchestrator) receipt(contact, userEmail string) *yookassa.Receipt {
	contact = strings.TrimSpace(contact)
	if contact == "" {
		contact = userEmail
	}
	if strings.Contains(contact, "@") {
		return &yookassa.Receipt{Email: contact}
	}
	phone := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, contact)
	if phone != "" {
		return &yookassa.Receipt{Phone: phone}
	}
	if o.cfg.DefaultReceiptEmail != "" {
		return &yookassa.Receipt{Email: o.cfg.DefaultReceiptEmail}
	}
	return nil
}

// appliedEntitlement то, что нужно отправить на панель после коммита
type appliedEntitlement struct {
	client     db.Client
	created    bool
	telegramID int64
	ent        *Entitlement
}

// ObserveStatus единая точка входа для статусов из webhook, опроса и ручного подтверждения.
// Повторный или запоздавший статус для уже завершённого платежа ничего не меняет.
func (o *PaymentOrchestrator) ObserveStatus(ctx context.Context, paymentID string, status db.PaymentStatus, paid bool) error {
	const op = "observe payment status"
	if !status.Valid() {
		return validationErr(op, "Неизвестный статус платежа.", fmt.Errorf("status %q", status))
	}

	var (
		pay     db.Payment
		applied *appliedEntitlement
		unpaid  bool
	)
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("payment_id = ?", paymentID).
			First(&pay).Error; err != nil {
			return db.NotFound(err)
		}
		if pay.Status.Terminal() {
			return conflictErr(op, errPaymentTerminal)
		}
		if pay.Status == status {
			return nil
		}

		now := o.now()
		apply := status == db.StatusSucceeded && paid
		updates := map[string]interface{}{"status": status}
		if apply {
			updates["paid_at"] = now
		}
		res := tx.Model(&db.Payment{}).
			Where("payment_id = ? AND status NOT IN ?", paymentID, []db.PaymentStatus{db.StatusSucceeded, db.StatusCanceled}).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return conflictErr(op, errPaymentTerminal)
		}
		prev := pay.Status
		pay.Status = status
		o.log.Info("payment status changed",
			zap.String("payment_id", paymentID),
			zap.String("from", string(prev)),
			zap.String("status", string(status)),
			zap.Bool("paid", paid))

		if status == db.StatusSucceeded && !paid {
			unpaid = true
			o.log.Warn("payment succeeded without paid flag, entitlement not applied",
				zap.String("payment_id", paymentID),
				zap.Uint("user_id", pay.UserID))
		}
		if !apply {
			return nil
		}
		pay.PaidAt = &now
		if pay.PromoCode != nil {
			err := o.promos.Consume(ctx, tx, *pay.PromoCode, pay.UserID)
			switch {
			case errors.Is(err, ErrPromoExhausted), errors.Is(err, db.ErrNotFound):
				// скидка уже оплачена, платёж не откатываем
				o.log.Warn("promo could not be consumed",
					zap.String("payment_id", paymentID),
					zap.String("code", *pay.PromoCode),
					zap.Error(err))
			case err != nil:
				return err
			}
		}
		var err error
		applied, err = o.applyEntitlement(ctx, tx, &pay, now)
		return err
	})

	switch {
	case IsKind(err, KindConflict):
		o.log.Debug("late status for finished payment ignored",
			zap.String("payment_id", paymentID),
			zap.String("status", string(status)))
		return nil
	case errors.Is(err, db.ErrNotFound):
		return validationErr(op, "Платёж не найден.", err)
	case err != nil:
		o.log.Error("failed to apply payment status",
			zap.String("payment_id", paymentID),
			zap.String("status", string(status)),
			zap.Error(err))
		var svcErr *Error
		if errors.As(err, &svcErr) {
			if svcErr.Kind == KindConfiguration {
				o.alert(fmt.Sprintf("Платёж %s не применён: %v", paymentID, err))
			}
			return err
		}
		return internalErr(op, err)
	}

	if status.Terminal() {
		o.cancelPolling(paymentID)
	}
	if unpaid {
		o.alert(fmt.Sprintf("Платёж %s в статусе succeeded без paid=true, доступ не выдан. Проверьте вручную.", paymentID))
	}
	if applied != nil {
		o.pushToPanel(ctx, applied)
		o.notifyPaid(ctx, &pay, applied)
	}
	return nil
}

// applyEntitlement перезаписывает лимиты последнего клиента пользователя тарифом плана.
// Вызывается только из ObserveStatus внутри транзакции перехода в succeeded.
func (o *PaymentOrchestrator) applyEntitlement(ctx context.Context, tx *gorm.DB, pay *db.Payment, now time.Time) (*appliedEntitlement, error) {
	ent, err := o.resolver.ForPlan(ctx, tx, pay.PlanID)
	if err != nil {
		return nil, err
	}
	var user db.User
	if err := tx.First(&user, pay.UserID).Error; err != nil {
		return nil, fmt.Errorf("load user %d: %w", pay.UserID, err)
	}

	var client db.Client
	created := false
	err = tx.Where("user_id = ?", pay.UserID).Order("id desc").First(&client).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		client = newClientRecord(&user, o.cfg.LinkTemplate)
		created = true
	case err != nil:
		return nil, fmt.Errorf("load client: %w", err)
	}

	expiry := now.AddDate(0, 0, ent.DurationDays)
	planID := ent.PlanID
	client.LimitIP = ent.IPLimit
	client.TotalTraffic = ent.TrafficCapBytes
	client.ExpiryTime = &expiry
	client.IsActive = true
	client.TariffID = &planID

	if created {
		if err := tx.Create(&client).Error; err != nil {
			return nil, fmt.Errorf("create client: %w", err)
		}
	} else {
		err := tx.Model(&db.Client{}).Where("id = ?", client.ID).Updates(map[string]interface{}{
			"limit_ip":      client.LimitIP,
			"total_traffic": client.TotalTraffic,
			"expiry_time":   client.ExpiryTime,
			"is_active":     true,
			"tariff_id":     planID,
		}).Error
		if err != nil {
			return nil, fmt.Errorf("update client: %w", err)
		}
	}

	o.log.Info("entitlement applied",
		zap.String("payment_id", pay.PaymentID),
		zap.Uint("user_id", pay.UserID),
		zap.String("tariff", ent.TariffKey),
		zap.String("client_uuid", client.UUID),
		zap.Time("expiry", expiry))
	return &appliedEntitlement{client: client, created: created, telegramID: user.TelegramID, ent: ent}, nil
}

// pushToPanel зеркалирует клиента на панель. Локальная запись уже верна,
// поэтому ошибка панели не фатальна: логируем и сообщаем админу.
func (o *PaymentOrchestrator) pushToPanel(ctx context.Context, a *appliedEntitlement) {
	if o.panel == nil {
		o.log.Warn("panel is not configured, entitlement stays local", zap.String("client_uuid", a.client.UUID))
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), panelPushTimeout)
	defer cancel()

	push := o.panel.UpdateClient
	if a.created {
		push = o.panel.AddClient
	}
	spec := panelSpec(&a.client, a.telegramID)
	err := push(ctx, spec)
	if err != nil {
		o.log.Warn("panel push failed, retrying with normalized limits",
			zap.String("client_uuid", spec.UUID), zap.Error(err))
		// у 3x-ui безлимит кодируется нулём
		if spec.TotalBytes < 0 {
			spec.TotalBytes = 0
		}
		err = push(ctx, spec)
	}
	if err != nil {
		o.log.Error("panel push failed, remote client is out of sync",
			zap.String("client_uuid", spec.UUID),
			zap.String("tariff", a.ent.TariffKey),
			zap.Error(err))
		o.alert(fmt.Sprintf("Панель не обновлена для клиента %s (тариф %s): %v", spec.UUID, a.ent.TariffKey, err))
		return
	}
	o.log.Info("panel client updated", zap.String("client_uuid", spec.UUID), zap.Bool("created", a.created))
}

func (o *PaymentOrchestrator) notifyPaid(ctx context.Context, pay *db.Payment, a *appliedEntitlement) {
	if o.messenger == nil {
		return
	}
	text := fmt.Sprintf("✅ Оплата успешно выполнена!\n\nВаш тариф «%s» активирован до %s.\nСумма: %d ₽",
		a.ent.Title, a.client.ExpiryTime.Format("02.01.2006"), pay.Amount)
	if a.client.ConnectionURL != "" {
		text += "\n\nВаш конфиг:\n" + a.client.ConnectionURL
	}
	if err := o.messenger.SendText(context.WithoutCancel(ctx), a.telegramID, text); err != nil {
		o.log.Warn("payment notification not delivered",
			zap.String("payment_id", pay.PaymentID), zap.Error(err))
	}
}

func (o *PaymentOrchestrator) alert(msg string) {
	if o.alerts != nil {
		o.alerts.NotifyAdmin(msg)
	}
}

// HandleNotification обрабатывает webhook. Для реального шлюза успешный статус
// сверяется с API; если запрос к API не удался, доверяем подписанному уведомлению.
func (o *PaymentOrchestrator) HandleNotification(ctx context.Context, n *yookassa.Notification) error {
	status, paid := n.Object.Status, n.Object.Paid
	if !o.gateway.Manual() && status == yookassa.StatusSucceeded {
		remote, err := o.gateway.FindOne(ctx, n.Object.ID)
		switch {
		case err != nil:
			o.log.Warn("webhook cross-check failed, trusting signed notification",
				zap.String("payment_id", n.Object.ID), zap.Error(err))
		case remote.Status != status || remote.Paid != paid:
			o.log.Warn("webhook disagrees with api, using api status",
				zap.String("payment_id", n.Object.ID),
				zap.String("webhook_status", status),
				zap.String("status", remote.Status))
			status, paid = remote.Status, remote.Paid
		}
	}
	return o.ObserveStatus(ctx, n.Object.ID, db.PaymentStatus(status), paid)
}

// ConfirmTestPayment ручное подтверждение тестового платежа
func (o *PaymentOrchestrator) ConfirmTestPayment(ctx context.Context, paymentID string) (*db.Payment, error) {
	const op = "confirm test payment"
	pay, err := db.FindPayment(ctx, o.db, paymentID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, validationErr(op, "Платёж не найден.", err)
	}
	if err != nil {
		return nil, internalErr(op, err)
	}
	if !pay.Test {
		return nil, validationErr(op, "Этот платёж нельзя подтвердить вручную.", fmt.Errorf("payment %s is not a test payment", paymentID))
	}
	if c, ok := o.gateway.(manualConfirmer); ok {
		if err := c.Confirm(ctx, paymentID); err != nil {
			o.log.Warn("test gateway refused confirmation", zap.String("payment_id", paymentID), zap.Error(err))
		}
	}
	if err := o.ObserveStatus(ctx, paymentID, db.StatusSucceeded, true); err != nil {
		return nil, err
	}
	return o.reload(ctx, paymentID)
}

// Refresh разовый запрос статуса в шлюз (кнопка "Я оплатил")
func (o *PaymentOrchestrator) Refresh(ctx context.Context, paymentID string) (*db.Payment, error) {
	const op = "refresh payment"
	pay, err := db.FindPayment(ctx, o.db, paymentID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, validationErr(op, "Платёж не найден.", err)
	}
	if err != nil {
		return nil, internalErr(op, err)
	}
	if pay.Status.Terminal() || pay.Test {
		return pay, nil
	}
	remote, err := o.gateway.FindOne(ctx, paymentID)
	if err != nil {
		return nil, gatewayErr(op, err)
	}
	if err := o.ObserveStatus(ctx, paymentID, db.PaymentStatus(remote.Status), remote.Paid); err != nil {
		return nil, err
	}
	return o.reload(ctx, paymentID)
}

// Cancel отменяет платёж: в шлюзе по возможности, локально всегда (если он ещё не завершён)
func (o *PaymentOrchestrator) Cancel(ctx context.Context, paymentID string) error {
	const op = "cancel payment"
	pay, err := db.FindPayment(ctx, o.db, paymentID)
	if errors.Is(err, db.ErrNotFound) {
		return validationErr(op, "Платёж не найден.", err)
	}
	if err != nil {
		return internalErr(op, err)
	}
	switch pay.Status {
	case db.StatusSucceeded:
		return conflictErr(op, errPaymentTerminal)
	case db.StatusCanceled:
		return nil
	}

	o.cancelPolling(paymentID)
	if err := o.gateway.Cancel(ctx, paymentID); err != nil {
		o.log.Warn("gateway cancel failed, canceling locally",
			zap.String("payment_id", paymentID), zap.Error(err))
	}
	return o.ObserveStatus(ctx, paymentID, db.StatusCanceled, false)
}

// ResumePending подхватывает незавершённые платежи после рестарта и по расписанию:
// свежим назначается опрос, старым делается одна проверка.
func (o *PaymentOrchestrator) ResumePending(ctx context.Context) error {
	pays, err := db.PendingPayments(ctx, o.db)
	if err != nil {
		return fmt.Errorf("load pending payments: %w", err)
	}
	window := scheduleLength(o.cfg.PollSchedule)
	now := o.now()
	for _, p := range pays {
		if o.polling(p.PaymentID) {
			continue
		}
		if now.Sub(p.CreatedAt) < window {
			o.StartPolling(p.PaymentID)
			continue
		}
		if _, err := o.Refresh(ctx, p.PaymentID); err != nil {
			o.log.Warn("pending payment check failed", zap.String("payment_id", p.PaymentID), zap.Error(err))
		}
	}
	o.log.Debug("pending payments swept", zap.Int("count", len(pays)))
	return nil
}

func (o *PaymentOrchestrator) reload(ctx context.Context, paymentID string) (*db.Payment, error) {
	pay, err := db.FindPayment(ctx, o.db, paymentID)
	if err != nil {
		return nil, internalErr("reload payment", err)
	}
	return pay, nil
}
