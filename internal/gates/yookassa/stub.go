package yookassa

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const TestPaymentPrefix = "test_payment_"

// Stub шлюз тестового режима: платежи живут в памяти и подтверждаются вручную.
// Выбирается явно при старте, если YooKassa не настроена или включён PAYMENT_TEST_MODE.
type Stub struct {
	mu       sync.Mutex
	payments map[string]*Payment
	log      *zap.Logger
}

func NewStub(log *zap.Logger) *Stub {
	return &Stub{
		payments: make(map[string]*Payment),
		log:      log.Named("yookassa_stub"),
	}
}

func (s *Stub) Manual() bool { return true }

func (s *Stub) CreateTransaction(_ context.Context, req CreateRequest) (*Payment, error) {
	p := &Payment{
		ID:     TestPaymentPrefix + uuid.NewString(),
		Status: StatusPending,
		Manual: true,
	}
	s.mu.Lock()
	s.payments[p.ID] = p
	s.mu.Unlock()

	s.log.Warn("test payment created, no real charge",
		zap.String("payment_id", p.ID),
		zap.String("amount", req.Amount.StringFixed(2)))
	cp := *p
	return &cp, nil
}

func (s *Stub) Cancel(_ context.Context, paymentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[paymentID]
	if !ok {
		return fmt.Errorf("test payment %s not found", paymentID)
	}
	if p.Status != StatusSucceeded {
		p.Status = StatusCanceled
	}
	return nil
}

// Confirm отмечает тестовый платёж оплаченным (кнопка "тестовая оплата")
func (s *Stub) Confirm(_ context.Context, paymentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[paymentID]
	if !ok {
		// после рестарта процесса заглушка пуста, запись в БД остаётся источником истины
		p = &Payment{ID: paymentID, Manual: true}
		s.payments[paymentID] = p
	}
	if p.Status == StatusCanceled {
		return fmt.Errorf("test payment %s already canceled", paymentID)
	}
	p.Status, p.Paid = StatusSucceeded, true
	return nil
}

func (s *Stub) FindOne(_ context.Context, paymentID string) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[paymentID]
	if !ok {
		return nil, fmt.Errorf("test payment %s not found", paymentID)
	}
	cp := *p
	return &cp, nil
}
