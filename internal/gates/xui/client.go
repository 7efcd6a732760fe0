// Package xui: клиент API панели 3x-ui: добавление и обновление VLESS-клиентов инбаунда.
package xui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	ErrUnauthorized = errors.New("xui: session is not authorized")
	ErrLoginFailed  = errors.New("xui: login rejected")
)

type Config struct {
	BaseURL    string
	Username   string
	Password   string
	InboundID  int
	Flow       string
	CookieFile string
	Timeout    time.Duration
}

// ClientSpec параметры клиента на панели. TotalBytes передаётся как есть
// (у 3x-ui 0 означает безлимит), ExpiryTime nil: бессрочно.
type ClientSpec struct {
	UUID       string
	Email      string
	LimitIP    int
	TotalBytes int64
	ExpiryTime *time.Time
	Enable     bool
	TgID       int64
	SubID      string
}

// PanelError панель ответила success=false
type PanelError struct {
	Op  string
	Msg string
}

func (e *PanelError) Error() string {
	return fmt.Sprintf("xui %s: %s", e.Op, e.Msg)
}

type Client struct {
	cfg        Config
	base       *url.URL
	httpClient *http.Client
	store      *sessionStore
	group      singleflight.Group
	log        *zap.Logger
}

func NewClient(cfg Config, log *zap.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("xui: invalid base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	c := &Client{
		cfg:  cfg,
		base: base,
		httpClient: &http.Client{
			Jar:     jar,
			Timeout: cfg.Timeout,
			// редирект на страницу логина означает протухшую сессию
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		store: newSessionStore(cfg.CookieFile),
		log:   log.Named("xui"),
	}

	cookies, err := c.store.load(context.Background())
	if err != nil {
		c.log.Warn("failed to load panel cookies", zap.Error(err))
	}
	if len(cookies) > 0 {
		jar.SetCookies(base, cookies)
		c.log.Debug("panel cookies loaded", zap.Int("count", len(cookies)))
	}
	return c, nil
}

func (c *Client) AddClient(ctx context.Context, spec ClientSpec) error {
	return c.call(ctx, "add client", "/panel/api/inbounds/addClient", spec)
}

func (c *Client) UpdateClient(ctx context.Context, spec ClientSpec) error {
	return c.call(ctx, "update client", "/panel/api/inbounds/updateClient/"+url.PathEscape(spec.UUID), spec)
}

// Login принудительно обновляет сессию. Параллельные вызовы схлопываются в один запрос.
func (c *Client) Login(ctx context.Context) error {
	_, err, _ := c.group.Do("login", func() (interface{}, error) {
		return nil, c.login(ctx)
	})
	return err
}

func (c *Client) call(ctx context.Context, op, path string, spec ClientSpec) error {
	if !c.hasSession() {
		if err := c.Login(ctx); err != nil {
			return err
		}
	}
	payload, err := c.clientPayload(spec)
	if err != nil {
		return err
	}

	err = c.post(ctx, op, path, payload)
	var panelErr *PanelError
	if errors.Is(err, ErrUnauthorized) || errors.As(err, &panelErr) {
		c.log.Info("panel call failed, re-login and retry",
			zap.String("op", op), zap.String("client_uuid", spec.UUID), zap.Error(err))
		if err := c.Login(ctx); err != nil {
			return err
		}
		err = c.post(ctx, op, path, payload)
	}
	return err
}

type clientSettings struct {
	ID         string `json:"id"`
	Flow       string `json:"flow"`
	Email      string `json:"email"`
	LimitIP    int    `json:"limitIp"`
	TotalGB    int64  `json:"totalGB"`
	ExpiryTime int64  `json:"expiryTime"`
	Enable     bool   `json:"enable"`
	TgID       int64  `json:"tgId"`
	SubID      string `json:"subId"`
	Reset      int    `json:"reset"`
}

func (c *Client) clientPayload(spec ClientSpec) ([]byte, error) {
	var expiry int64
	if spec.ExpiryTime != nil {
		expiry = spec.ExpiryTime.UnixMilli()
	}
	settings, err := json.Marshal(map[string][]clientSettings{
		"clients": {{
			ID:         spec.UUID,
			Flow:       c.cfg.Flow,
			Email:      spec.Email,
			LimitIP:    spec.LimitIP,
			TotalGB:    spec.TotalBytes,
			ExpiryTime: expiry,
			Enable:     spec.Enable,
			TgID:       spec.TgID,
			SubID:      spec.SubID,
		}},
	})
	if err != nil {
		return nil, err
	}
	// settings у 3x-ui: JSON-строка внутри JSON
	return json.Marshal(struct {
		ID       int    `json:"id"`
		Settings string `json:"settings"`
	}{ID: c.cfg.InboundID, Settings: string(settings)})
}

type apiResponse struct {
	Success bool   `json:"success"`
	Msg     string `json:"msg"`
}

func (c *Client) post(ctx context.Context, op, path string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.String()+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.doAPI(req)
	if err != nil {
		return fmt.Errorf("xui %s: %w", op, err)
	}
	if !resp.Success {
		return &PanelError{Op: op, Msg: resp.Msg}
	}
	return nil
}

func (c *Client) doAPI(req *http.Request) (*apiResponse, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden,
		resp.StatusCode >= 300 && resp.StatusCode < 400:
		return nil, ErrUnauthorized
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out apiResponse
	if err := json.Unmarshal(data, &out); err != nil {
		// панель отдаёт HTML страницы логина вместо JSON, если сессии нет
		return nil, ErrUnauthorized
	}
	return &out, nil
}

func (c *Client) login(ctx context.Context) error {
	form := url.Values{}
	form.Set("username", c.cfg.Username)
	form.Set("password", c.cfg.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.String()+"/login", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.doAPI(req)
	if err != nil {
		return fmt.Errorf("xui login: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("%w: %s", ErrLoginFailed, resp.Msg)
	}

	if err := c.store.save(ctx, c.httpClient.Jar.Cookies(c.base)); err != nil {
		c.log.Warn("failed to persist panel cookies", zap.Error(err))
	}
	c.log.Info("panel login ok")
	return nil
}

func (c *Client) hasSession() bool {
	return len(c.httpClient.Jar.Cookies(c.base)) > 0
}
