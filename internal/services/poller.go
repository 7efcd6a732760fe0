package services

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"ftw-vpn-bot/internal/db"
)

// PollTier опрашивать шлюз каждые Interval в течение Duration
type PollTier struct {
	Interval time.Duration
	Duration time.Duration
}

// DefaultPollSchedule часто сразу после создания, реже со временем, всего 11 минут
var DefaultPollSchedule = []PollTier{
	{Interval: 5 * time.Second, Duration: time.Minute},
	{Interval: 10 * time.Second, Duration: time.Minute},
	{Interval: 20 * time.Second, Duration: 2 * time.Minute},
	{Interval: 30 * time.Second, Duration: 3 * time.Minute},
	{Interval: time.Minute, Duration: 4 * time.Minute},
}

func scheduleLength(tiers []PollTier) time.Duration {
	var total time.Duration
	for _, t := range tiers {
		total += t.Duration
	}
	return total
}

type pollTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// StartPolling запускает опрос статуса платежа. Прежний опрос того же платежа
// отменяется, новый начинает работу только после его завершения.
func (o *PaymentOrchestrator) StartPolling(paymentID string) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	prev := o.pollers[paymentID]
	ctx, cancel := context.WithCancel(o.baseCtx)
	task := &pollTask{cancel: cancel, done: make(chan struct{})}
	o.pollers[paymentID] = task
	o.wg.Add(1)
	o.mu.Unlock()

	if prev != nil {
		prev.cancel()
	}

	go func() {
		defer o.wg.Done()
		defer close(task.done)
		defer o.forget(paymentID, task)
		defer cancel()

		if prev != nil {
			<-prev.done
		}
		o.poll(ctx, paymentID)
	}()
}

// StopPolling отменяет опрос и ждёт его завершения. Нельзя вызывать из самого опроса.
func (o *PaymentOrchestrator) StopPolling(paymentID string) {
	o.mu.Lock()
	task := o.pollers[paymentID]
	o.mu.Unlock()
	if task == nil {
		return
	}
	task.cancel()
	<-task.done
}

// cancelPolling отменяет опрос без ожидания (безопасно из горутины опроса)
func (o *PaymentOrchestrator) cancelPolling(paymentID string) {
	o.mu.Lock()
	task := o.pollers[paymentID]
	o.mu.Unlock()
	if task != nil {
		task.cancel()
	}
}

func (o *PaymentOrchestrator) polling(paymentID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.pollers[paymentID]
	return ok
}

// forget удаляет задачу из реестра, только если её ещё не заменили новой
func (o *PaymentOrchestrator) forget(paymentID string, task *pollTask) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pollers[paymentID] == task {
		delete(o.pollers, paymentID)
	}
}

// Shutdown останавливает все опросы и дожидается их
func (o *PaymentOrchestrator) Shutdown() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.stopAll()
	o.wg.Wait()
}

func (o *PaymentOrchestrator) poll(ctx context.Context, paymentID string) {
	log := o.log.With(zap.String("payment_id", paymentID))
	log.Debug("polling started")

	for _, tier := range o.cfg.PollSchedule {
		if tier.Interval <= 0 {
			continue
		}
		for elapsed := time.Duration(0); elapsed < tier.Duration; elapsed += tier.Interval {
			if !sleep(ctx, tier.Interval) {
				log.Debug("polling canceled")
				return
			}
			if o.pollOnce(ctx, paymentID, log) {
				return
			}
		}
	}
	log.Info("poll schedule exhausted, payment still open")
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// pollOnce возвращает true, когда опрос можно прекращать
func (o *PaymentOrchestrator) pollOnce(ctx context.Context, paymentID string, log *zap.Logger) bool {
	local, err := db.FindPayment(ctx, o.db, paymentID)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("poll: payment lookup failed", zap.Error(err))
		}
		return errors.Is(err, db.ErrNotFound)
	}
	if local.Status.Terminal() {
		return true
	}

	remote, err := o.gateway.FindOne(ctx, paymentID)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("poll: gateway query failed", zap.Error(err))
		}
		return false
	}
	status := db.PaymentStatus(remote.Status)
	if !status.Valid() {
		log.Warn("poll: unknown gateway status", zap.String("status", remote.Status))
		return false
	}
	if status == local.Status {
		return false
	}
	if err := o.ObserveStatus(ctx, paymentID, status, remote.Paid); err != nil {
		log.Error("poll: status not applied", zap.Error(err))
		return false
	}
	return status.Terminal()
}
