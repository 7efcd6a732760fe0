package bot

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"ftw-vpn-bot/config"
	"ftw-vpn-bot/internal/admin"
	"ftw-vpn-bot/internal/db"
	"ftw-vpn-bot/internal/db/dbtest"
	"ftw-vpn-bot/internal/gates/yookassa"
	"ftw-vpn-bot/internal/services"
)

const testAdminID = 1

type fakeAPI struct {
	mu      sync.Mutex
	sent    []tgbotapi.Chattable
	answers []string
	updates chan tgbotapi.Update
	stopped bool
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cb, ok := c.(tgbotapi.CallbackConfig); ok {
		f.answers = append(f.answers, cb.Text)
	}
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeAPI) StopReceivingUpdates() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeAPI) messages() []tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tgbotapi.MessageConfig
	for _, c := range f.sent {
		if m, ok := c.(tgbotapi.MessageConfig); ok {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeAPI) lastText(t *testing.T) string {
	t.Helper()
	msgs := f.messages()
	if len(msgs) == 0 {
		t.Fatal("no messages sent")
	}
	return msgs[len(msgs)-1].Text
}

func (f *fakeAPI) lastAnswer() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.answers) == 0 {
		return ""
	}
	return f.answers[len(f.answers)-1]
}

type testBot struct {
	*Bot
	api    *fakeAPI
	db     *gorm.DB
	promos *services.PromoValidator
}

func newTestBot(t *testing.T) *testBot {
	t.Helper()
	g := dbtest.New(t)
	if err := services.SeedCatalog(context.Background(), g); err != nil {
		t.Fatalf("seed: %v", err)
	}
	log := zaptest.NewLogger(t)
	api := &fakeAPI{updates: make(chan tgbotapi.Update)}
	promos := services.NewPromoValidator(g, log)
	resolver := services.NewEntitlementResolver(g, config.DefaultTariffIPLimits)
	tmpl := "vless://{uuid}@vpn.example:443#{name}"

	orch := services.NewPaymentOrchestrator(services.OrchestratorDeps{
		DB:        g,
		Gateway:   yookassa.NewStub(log),
		Resolver:  resolver,
		Promos:    promos,
		Messenger: NewMessenger(api),
		Log:       log,
	}, services.OrchestratorConfig{LinkTemplate: tmpl})
	t.Cleanup(orch.Shutdown)

	b := New(Deps{
		API:      api,
		DB:       g,
		Payments: orch,
		Clients:  services.NewClientService(g, nil, services.ClientConfig{FreeTrafficGB: 2, FreeIPLimit: 3, LinkTemplate: tmpl}, log),
		Promos:   promos,
		Resolver: resolver,
		Admin:    admin.NewHandler(g, promos, nil, "", testAdminID, log),
		Log:      log,
	})
	return &testBot{Bot: b, api: api, db: g, promos: promos}
}

func command(tgID int64, text string) tgbotapi.Update {
	word := strings.Fields(text)[0]
	msg := &tgbotapi.Message{
		From: &tgbotapi.User{ID: tgID, UserName: "user"},
		Chat: &tgbotapi.Chat{ID: tgID},
		Text: text,
	}
	if strings.HasPrefix(word, "/") {
		msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(word)}}
	}
	return tgbotapi.Update{Message: msg}
}

func callback(tgID int64, data string) tgbotapi.Update {
	return tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb",
		From:    &tgbotapi.User{ID: tgID},
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: tgID}},
		Data:    data,
	}}
}

func (tb *testBot) do(u tgbotapi.Update) {
	tb.HandleUpdate(context.Background(), u)
}

// lastPaymentID достаёт id платежа из кнопки последнего сообщения
func (tb *testBot) lastPaymentID(t *testing.T, prefix string) string {
	t.Helper()
	msgs := tb.api.messages()
	markup, ok := msgs[len(msgs)-1].ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	if !ok {
		t.Fatalf("last message has no inline keyboard: %+v", msgs[len(msgs)-1])
	}
	for _, row := range markup.InlineKeyboard {
		for _, btn := range row {
			if btn.CallbackData != nil && strings.HasPrefix(*btn.CallbackData, prefix) {
				return strings.TrimPrefix(*btn.CallbackData, prefix)
			}
		}
	}
	t.Fatalf("no %s button", prefix)
	return ""
}

func TestBuyWithPromoInTestMode(t *testing.T) {
	tb := newTestBot(t)
	ctx := context.Background()
	tb.do(command(100, "/start"))
	if !strings.Contains(tb.api.lastText(t), "Добро пожаловать") {
		t.Fatalf("start reply = %q", tb.api.lastText(t))
	}
	if _, err := tb.promos.CreatePromo(ctx, services.PromoSpec{Code: "SALE20", Discount: decimal.NewFromInt(20)}); err != nil {
		t.Fatal(err)
	}

	tb.do(command(100, "/promo SALE20"))
	if !strings.Contains(tb.api.lastText(t), "принят") {
		t.Fatalf("promo reply = %q", tb.api.lastText(t))
	}

	tb.do(command(100, "/buy"))
	msgs := tb.api.messages()
	markup := msgs[len(msgs)-1].ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	if len(markup.InlineKeyboard) != 3 || *markup.InlineKeyboard[0][0].CallbackData != "tariff_base" {
		t.Fatalf("tariff keyboard = %+v", markup.InlineKeyboard)
	}

	tb.do(callback(100, "tariff_middle"))
	text := tb.api.lastText(t)
	if !strings.Contains(text, "119 ₽") || !strings.Contains(text, "Тестовый режим") {
		t.Fatalf("payment message = %q", text)
	}
	id := tb.lastPaymentID(t, cbTestSuccess)
	if tb.promo(100) != "" {
		t.Error("promo must be cleared after the payment is created")
	}

	tb.do(callback(100, cbTestSuccess+id))
	if got := tb.api.lastAnswer(); got != "✅ Оплата получена" {
		t.Errorf("answer = %q", got)
	}
	if !strings.Contains(tb.api.lastText(t), "Оплата успешно выполнена") {
		t.Errorf("success notification = %q", tb.api.lastText(t))
	}
	user, _ := db.FindUserByTelegramID(ctx, tb.db, 100)
	client, err := db.LatestClient(ctx, tb.db, user.ID)
	if err != nil || client.TotalTraffic != db.UnlimitedTraffic || client.TariffID == nil || *client.TariffID != 2 {
		t.Errorf("client = %+v, err = %v", client, err)
	}
}

func TestPaymentCallbacksCheckOwnership(t *testing.T) {
	tb := newTestBot(t)
	ctx := context.Background()
	tb.do(command(200, "/start"))
	tb.do(command(201, "/start"))
	tb.do(callback(200, "tariff_base"))
	id := tb.lastPaymentID(t, cbCancel)

	tb.do(callback(201, cbCancel+id))
	if got := tb.api.lastAnswer(); got != "Платёж не найден" {
		t.Errorf("foreign cancel answer = %q", got)
	}
	if pay, _ := db.FindPayment(ctx, tb.db, id); pay.Status != db.StatusPending {
		t.Fatalf("status = %s after foreign cancel", pay.Status)
	}

	tb.do(callback(200, cbCancel+id))
	if got := tb.api.lastAnswer(); got != "Платёж отменён" {
		t.Errorf("cancel answer = %q", got)
	}

	// после отмены подтверждение ничего не меняет
	tb.do(callback(200, cbTestSuccess+id))
	if got := tb.api.lastAnswer(); got != "❌ Платёж отменён" {
		t.Errorf("late confirm answer = %q", got)
	}
	user, _ := db.FindUserByTelegramID(ctx, tb.db, 200)
	if _, err := db.LatestClient(ctx, tb.db, user.ID); err != db.ErrNotFound {
		t.Errorf("canceled payment must not create a client, err = %v", err)
	}
}

func TestUnknownTariff(t *testing.T) {
	tb := newTestBot(t)
	tb.do(callback(250, "tariff_gold"))
	if got := tb.api.lastAnswer(); got != "Платёж не создан" {
		t.Errorf("answer = %q", got)
	}
}

func TestBannedUserIsRefused(t *testing.T) {
	tb := newTestBot(t)
	if _, err := db.BanUser(context.Background(), tb.db, 300, "спам", 0); err != nil {
		t.Fatal(err)
	}
	tb.do(command(300, "/buy"))
	if text := tb.api.lastText(t); !strings.Contains(text, "заблокированы") || !strings.Contains(text, "спам") {
		t.Errorf("reply = %q", text)
	}
	tb.do(callback(300, "tariff_base"))
	if got := tb.api.lastAnswer(); got != "Доступ ограничен" {
		t.Errorf("answer = %q", got)
	}
}

func TestRateLimitSkipsAdmin(t *testing.T) {
	tb := newTestBot(t)
	tb.do(command(400, "/status"))
	tb.do(command(400, "/status"))
	if got := tb.api.lastText(t); got != textTooFast {
		t.Errorf("second call = %q", got)
	}

	tb.do(command(testAdminID, "/status"))
	tb.do(command(testAdminID, "/status"))
	if got := tb.api.lastText(t); got == textTooFast {
		t.Error("admin must not be rate limited")
	}
}

func TestAdminCommandsRequireAdmin(t *testing.T) {
	tb := newTestBot(t)
	tb.do(command(500, "/admin_stats"))
	if got := tb.api.lastText(t); got != textUnknown {
		t.Errorf("non-admin reply = %q", got)
	}
	tb.do(command(testAdminID, "/admin_stats"))
	if got := tb.api.lastText(t); !strings.Contains(got, "Пользователей: 2") {
		t.Errorf("admin reply = %q", got)
	}
}

func TestConfigAndStatus(t *testing.T) {
	tb := newTestBot(t)
	tb.do(command(600, "/config"))
	text := tb.api.lastText(t)
	if !strings.Contains(text, "2 ГБ, до 3 устройств") || !strings.Contains(text, "vless://") || !strings.Contains(text, "#ftw_600") {
		t.Fatalf("config reply = %q", text)
	}

	tb.do(command(600, "/status"))
	text = tb.api.lastText(t)
	for _, want := range []string{"Тариф: бесплатный", "Срок: бессрочно", "Трафик: 2 ГБ", "до 3"} {
		if !strings.Contains(text, want) {
			t.Errorf("status %q missing %q", text, want)
		}
	}
}

func TestEmailCommand(t *testing.T) {
	tb := newTestBot(t)
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	tb.limiter.now = func() time.Time { return now }

	tb.do(command(700, "/email nope"))
	if got := tb.api.lastText(t); got != "Некорректный адрес почты." {
		t.Errorf("reply = %q", got)
	}
	// повтор сразу же отсекается лимитом и ничего не сохраняет
	tb.do(command(700, "/email a@b.ru"))
	if got := tb.api.lastText(t); got != textTooFast {
		t.Errorf("immediate retry reply = %q", got)
	}
	user, _ := db.FindUserByTelegramID(context.Background(), tb.db, 700)
	if user.Email != "" {
		t.Errorf("email saved inside rate limit window: %q", user.Email)
	}

	now = now.Add(defaultRateLimit)
	tb.do(command(700, "/email a@b.ru"))
	user, _ = db.FindUserByTelegramID(context.Background(), tb.db, 700)
	if user.Email != "a@b.ru" {
		t.Errorf("email = %q", user.Email)
	}
}

func TestPlainTextAndPromoErrors(t *testing.T) {
	tb := newTestBot(t)
	tb.do(command(800, "привет"))
	if got := tb.api.lastText(t); got != textUnknown {
		t.Errorf("plain text reply = %q", got)
	}
	tb.do(command(800, "/promo NOPE"))
	if got := tb.api.lastText(t); got != "Промокод не найден." {
		t.Errorf("promo reply = %q", got)
	}
}

func TestStartStopsOnContextCancel(t *testing.T) {
	tb := newTestBot(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tb.Start(ctx) }()

	tb.api.updates <- command(900, "/help")
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
	if !strings.Contains(tb.api.lastText(t), "Доступные команды") {
		t.Errorf("help not handled: %q", tb.api.lastText(t))
	}
	tb.api.mu.Lock()
	defer tb.api.mu.Unlock()
	if !tb.api.stopped {
		t.Error("updates were not stopped")
	}
}
