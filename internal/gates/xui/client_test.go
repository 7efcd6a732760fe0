package xui

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

// fakePanel минимальная 3x-ui: логин выдаёт куку, API принимает только текущую.
type fakePanel struct {
	mu      sync.Mutex
	token   string
	logins  int
	calls   map[string]int
	clients []clientSettings
	reject  bool
}

func (p *fakePanel) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if r.FormValue("username") != "admin" || r.FormValue("password") != "pass" {
			json.NewEncoder(w).Encode(apiResponse{Success: false, Msg: "wrong credentials"})
			return
		}
		p.logins++
		http.SetCookie(w, &http.Cookie{Name: "3x-ui", Value: p.token, Path: "/"})
		json.NewEncoder(w).Encode(apiResponse{Success: true})
	})
	api := func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		cookie, err := r.Cookie("3x-ui")
		if err != nil || cookie.Value != p.token {
			http.Redirect(w, r, "/login", http.StatusTemporaryRedirect)
			return
		}
		p.calls[r.URL.Path]++
		if p.reject {
			json.NewEncoder(w).Encode(apiResponse{Success: false, Msg: "duplicate email"})
			return
		}
		var body struct {
			ID       int    `json:"id"`
			Settings string `json:"settings"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		var settings struct {
			Clients []clientSettings `json:"clients"`
		}
		if err := json.Unmarshal([]byte(body.Settings), &settings); err != nil {
			t.Errorf("settings is not a JSON string: %v", err)
		}
		p.clients = append(p.clients, settings.Clients...)
		json.NewEncoder(w).Encode(apiResponse{Success: true})
	}
	mux.HandleFunc("/panel/api/inbounds/addClient", api)
	mux.HandleFunc("/panel/api/inbounds/updateClient/", api)
	return mux
}

func (p *fakePanel) loginCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.logins
}

func (p *fakePanel) callCount(path string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[path]
}

func (p *fakePanel) received() []clientSettings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]clientSettings(nil), p.clients...)
}

func newPanel(t *testing.T) (*fakePanel, *httptest.Server) {
	t.Helper()
	p := &fakePanel{token: "t1", calls: map[string]int{}}
	srv := httptest.NewServer(p.handler(t))
	t.Cleanup(srv.Close)
	return p, srv
}

func testConfig(url, cookieFile string) Config {
	return Config{
		BaseURL:    url,
		Username:   "admin",
		Password:   "pass",
		InboundID:  3,
		Flow:       "xtls-rprx-vision",
		CookieFile: cookieFile,
	}
}

func TestAddClientLogsInAndSendsSettings(t *testing.T) {
	p, srv := newPanel(t)
	c, err := NewClient(testConfig(srv.URL, ""), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	expiry := time.Date(2026, 11, 14, 12, 0, 0, 0, time.UTC)
	err = c.AddClient(context.Background(), ClientSpec{
		UUID:       "5f1c",
		Email:      "ftw_42",
		LimitIP:    3,
		TotalBytes: 2 << 30,
		ExpiryTime: &expiry,
		Enable:     true,
		TgID:       42,
	})
	if err != nil {
		t.Fatalf("AddClient: %v", err)
	}
	if p.loginCount() != 1 {
		t.Errorf("logins = %d, want 1", p.loginCount())
	}
	clients := p.received()
	if len(clients) != 1 {
		t.Fatalf("clients = %d", len(clients))
	}
	got := clients[0]
	if got.ID != "5f1c" || got.Email != "ftw_42" || got.LimitIP != 3 || got.TotalGB != 2<<30 ||
		got.ExpiryTime != expiry.UnixMilli() || !got.Enable || got.Flow != "xtls-rprx-vision" {
		t.Errorf("client settings = %+v", got)
	}
}

func TestUpdateClientUsesUUIDPath(t *testing.T) {
	p, srv := newPanel(t)
	c, _ := NewClient(testConfig(srv.URL, ""), zaptest.NewLogger(t))
	if err := c.UpdateClient(context.Background(), ClientSpec{UUID: "abc", Enable: true}); err != nil {
		t.Fatalf("UpdateClient: %v", err)
	}
	if p.callCount("/panel/api/inbounds/updateClient/abc") != 1 {
		t.Error("update must be sent to the uuid path")
	}
	if p.received()[0].ExpiryTime != 0 {
		t.Error("nil expiry must be sent as 0")
	}
}

func TestExpiredSessionReloginOnce(t *testing.T) {
	p, srv := newPanel(t)
	c, _ := NewClient(testConfig(srv.URL, ""), zaptest.NewLogger(t))
	ctx := context.Background()
	if err := c.AddClient(ctx, ClientSpec{UUID: "a"}); err != nil {
		t.Fatalf("AddClient: %v", err)
	}

	p.mu.Lock()
	p.token = "t2"
	p.mu.Unlock()

	if err := c.UpdateClient(ctx, ClientSpec{UUID: "a"}); err != nil {
		t.Fatalf("UpdateClient after rotation: %v", err)
	}
	if p.loginCount() != 2 {
		t.Errorf("logins = %d, want 2", p.loginCount())
	}
}

func TestPanelErrorAfterRetry(t *testing.T) {
	p, srv := newPanel(t)
	p.reject = true
	c, _ := NewClient(testConfig(srv.URL, ""), zaptest.NewLogger(t))

	err := c.AddClient(context.Background(), ClientSpec{UUID: "a"})
	var panelErr *PanelError
	if !errors.As(err, &panelErr) || panelErr.Msg != "duplicate email" {
		t.Fatalf("err = %v, want PanelError", err)
	}
	if n := p.callCount("/panel/api/inbounds/addClient"); n != 2 {
		t.Errorf("add calls = %d, want 2 (one retry)", n)
	}
}

func TestLoginRejected(t *testing.T) {
	_, srv := newPanel(t)
	cfg := testConfig(srv.URL, "")
	cfg.Password = "wrong"
	c, _ := NewClient(cfg, zaptest.NewLogger(t))
	if err := c.AddClient(context.Background(), ClientSpec{UUID: "a"}); !errors.Is(err, ErrLoginFailed) {
		t.Fatalf("err = %v, want ErrLoginFailed", err)
	}
}

func TestCookiesSurviveRestart(t *testing.T) {
	p, srv := newPanel(t)
	file := filepath.Join(t.TempDir(), "panel", "cookies.json")
	ctx := context.Background()

	first, _ := NewClient(testConfig(srv.URL, file), zaptest.NewLogger(t))
	if err := first.AddClient(ctx, ClientSpec{UUID: "a"}); err != nil {
		t.Fatalf("AddClient: %v", err)
	}

	second, _ := NewClient(testConfig(srv.URL, file), zaptest.NewLogger(t))
	if err := second.UpdateClient(ctx, ClientSpec{UUID: "a"}); err != nil {
		t.Fatalf("UpdateClient: %v", err)
	}
	if p.loginCount() != 1 {
		t.Errorf("logins = %d, want 1: cached cookie must be reused", p.loginCount())
	}
}

func TestNewClientInvalidURL(t *testing.T) {
	if _, err := NewClient(Config{BaseURL: "::"}, zaptest.NewLogger(t)); err == nil {
		t.Fatal("expected error for invalid base url")
	}
}
