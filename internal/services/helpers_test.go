package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"ftw-vpn-bot/config"
	"ftw-vpn-bot/internal/db"
	"ftw-vpn-bot/internal/db/dbtest"
	"ftw-vpn-bot/internal/gates/xui"
	"ftw-vpn-bot/internal/gates/yookassa"
)

var testNow = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	g := dbtest.New(t)
	if err := SeedCatalog(context.Background(), g); err != nil {
		t.Fatalf("seed catalog: %v", err)
	}
	return g
}

func mustUser(t *testing.T, g *gorm.DB, tgID int64) *db.User {
	t.Helper()
	u, err := db.UpsertUser(context.Background(), g, tgID, fmt.Sprintf("user%d", tgID))
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

// fakeGateway шлюз с управляемыми ответами
type fakeGateway struct {
	mu        sync.Mutex
	manual    bool
	seq       int
	created   []yookassa.CreateRequest
	remote    map[string]*yookassa.Payment
	canceled  []string
	createErr error
	findErr   error
	cancelErr error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{remote: map[string]*yookassa.Payment{}}
}

func (f *fakeGateway) Manual() bool { return f.manual }

func (f *fakeGateway) CreateTransaction(_ context.Context, req yookassa.CreateRequest) (*yookassa.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.seq++
	f.created = append(f.created, req)
	p := &yookassa.Payment{
		ID:              fmt.Sprintf("pay_%d", f.seq),
		Status:          yookassa.StatusPending,
		ConfirmationURL: fmt.Sprintf("https://pay.example/%d", f.seq),
	}
	f.remote[p.ID] = p
	cp := *p
	return &cp, nil
}

func (f *fakeGateway) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, id)
	if f.cancelErr != nil {
		return f.cancelErr
	}
	if p, ok := f.remote[id]; ok {
		p.Status = yookassa.StatusCanceled
	}
	return nil
}

func (f *fakeGateway) FindOne(_ context.Context, id string) (*yookassa.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	p, ok := f.remote[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *p
	return &cp, nil
}

func (f *fakeGateway) setRemote(id, status string, paid bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote[id] = &yookassa.Payment{ID: id, Status: status, Paid: paid}
}

func (f *fakeGateway) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

// fakePanel считает вызовы; первые failFirst вызовов завершаются ошибкой
type fakePanel struct {
	mu        sync.Mutex
	adds      []xui.ClientSpec
	updates   []xui.ClientSpec
	failFirst int
	calls     int
}

func (p *fakePanel) record(list *[]xui.ClientSpec, spec xui.ClientSpec) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	*list = append(*list, spec)
	if p.calls <= p.failFirst {
		return errors.New("panel unavailable")
	}
	return nil
}

func (p *fakePanel) AddClient(_ context.Context, spec xui.ClientSpec) error {
	return p.record(&p.adds, spec)
}

func (p *fakePanel) UpdateClient(_ context.Context, spec xui.ClientSpec) error {
	return p.record(&p.updates, spec)
}

func (p *fakePanel) snapshot() (adds, updates []xui.ClientSpec) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]xui.ClientSpec(nil), p.adds...), append([]xui.ClientSpec(nil), p.updates...)
}

type sentMessage struct {
	chatID int64
	text   string
}

type fakeMessenger struct {
	mu      sync.Mutex
	sent    []sentMessage
	failFor map[int64]bool
}

func (m *fakeMessenger) SendText(_ context.Context, chatID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFor[chatID] {
		return errors.New("bot was blocked by the user")
	}
	m.sent = append(m.sent, sentMessage{chatID: chatID, text: text})
	return nil
}

func (m *fakeMessenger) messages() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMessage(nil), m.sent...)
}

type fakeAlerts struct {
	mu   sync.Mutex
	msgs []string
}

func (a *fakeAlerts) NotifyAdmin(msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.msgs = append(a.msgs, msg)
}

func (a *fakeAlerts) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.msgs)
}

type harness struct {
	db        *gorm.DB
	gateway   *fakeGateway
	panel     *fakePanel
	messenger *fakeMessenger
	alerts    *fakeAlerts
	promos    *PromoValidator
	orch      *PaymentOrchestrator
}

// newHarness собирает оркестратор на sqlite и фейках; опрос по умолчанию не успевает сработать
func newHarness(t *testing.T, schedule ...PollTier) *harness {
	t.Helper()
	if len(schedule) == 0 {
		schedule = []PollTier{{Interval: time.Hour, Duration: time.Hour}}
	}
	log := zaptest.NewLogger(t)
	h := &harness{
		db:        newTestDB(t),
		gateway:   newFakeGateway(),
		panel:     &fakePanel{},
		messenger: &fakeMessenger{},
		alerts:    &fakeAlerts{},
	}
	h.promos = NewPromoValidator(h.db, log)
	h.promos.now = func() time.Time { return testNow }
	h.orch = NewPaymentOrchestrator(OrchestratorDeps{
		DB:        h.db,
		Gateway:   h.gateway,
		Panel:     h.panel,
		Resolver:  NewEntitlementResolver(h.db, config.DefaultTariffIPLimits),
		Promos:    h.promos,
		Messenger: h.messenger,
		Alerts:    h.alerts,
		Log:       log,
	}, OrchestratorConfig{
		Currency:            "RUB",
		ReturnURL:           "https://t.me/ftw_vpn_bot",
		DefaultReceiptEmail: "receipts@example.com",
		LinkTemplate:        "vless://{uuid}@vpn.example:443?security=reality#{name}",
		PollSchedule:        schedule,
	})
	h.orch.now = func() time.Time { return testNow }
	t.Cleanup(h.orch.Shutdown)
	return h
}

func (h *harness) payment(t *testing.T, id string) *db.Payment {
	t.Helper()
	p, err := db.FindPayment(context.Background(), h.db, id)
	if err != nil {
		t.Fatalf("find payment %s: %v", id, err)
	}
	return p
}

func (h *harness) latestClient(t *testing.T, userID uint) *db.Client {
	t.Helper()
	c, err := db.LatestClient(context.Background(), h.db, userID)
	if err != nil {
		t.Fatalf("latest client: %v", err)
	}
	return c
}

func intPtr(v int) *int { return &v }
func uintPtr(v uint) *uint { return &v }
