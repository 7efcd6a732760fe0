// Package yookassa: платёжный шлюз: REST-клиент YooKassa и локальная заглушка для тестового режима.
package yookassa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultBaseURL = "https://api.yookassa.ru/v3"

type Config struct {
	BaseURL string
	ShopID  string
	Secret  string
	Timeout time.Duration
}

type Client struct {
	baseURL    string
	shopID     string
	secret     string
	httpClient *http.Client
	log        *zap.Logger
}

func NewClient(cfg Config, log *zap.Logger) (*Client, error) {
	if cfg.ShopID == "" || cfg.Secret == "" {
		return nil, errors.New("yookassa: shop id and secret key are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		shopID:     cfg.ShopID,
		secret:     cfg.Secret,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log.Named("yookassa"),
	}, nil
}

// Manual реальный шлюз всегда отдаёт ссылку на оплату
func (c *Client) Manual() bool { return false }

// CreateTransaction создаёт платёж с автоматическим подтверждением (capture=true)
func (c *Client) CreateTransaction(ctx context.Context, req CreateRequest) (*Payment, error) {
	value := amount{Value: req.Amount.StringFixed(2), Currency: req.Currency}
	body := paymentRequest{
		Amount:  value,
		Capture: true,
		Confirmation: map[string]interface{}{
			"type":       "redirect",
			"return_url": req.ReturnURL,
		},
		Description: req.Description,
		Metadata:    req.Metadata,
	}
	if req.Receipt != nil && (req.Receipt.Email != "" || req.Receipt.Phone != "") {
		r := &receipt{Items: []receiptItem{{
			Description:    req.Description,
			Quantity:       "1.00",
			Amount:         value,
			VatCode:        1,
			PaymentMode:    "full_prepayment",
			PaymentSubject: "service",
		}}}
		r.Customer.Email = req.Receipt.Email
		r.Customer.Phone = req.Receipt.Phone
		body.Receipt = r
	}

	var resp paymentResponse
	if err := c.doRequest(ctx, http.MethodPost, "/payments", body, &resp); err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}
	if resp.ID == "" || resp.Confirmation.ConfirmationURL == "" {
		return nil, errors.New("create payment: response without id or confirmation url")
	}
	c.log.Info("payment created", zap.String("payment_id", resp.ID), zap.String("amount", value.Value))
	return resp.toPayment(), nil
}

func (c *Client) Cancel(ctx context.Context, paymentID string) error {
	var resp paymentResponse
	if err := c.doRequest(ctx, http.MethodPost, "/payments/"+url.PathEscape(paymentID)+"/cancel", struct{}{}, &resp); err != nil {
		return fmt.Errorf("cancel payment %s: %w", paymentID, err)
	}
	return nil
}

func (c *Client) FindOne(ctx context.Context, paymentID string) (*Payment, error) {
	var resp paymentResponse
	if err := c.doRequest(ctx, http.MethodGet, "/payments/"+url.PathEscape(paymentID), nil, &resp); err != nil {
		return nil, fmt.Errorf("find payment %s: %w", paymentID, err)
	}
	return resp.toPayment(), nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(c.shopID, c.secret)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		// POST-запросы YooKassa требуют ключ идемпотентности
		req.Header.Set("Idempotence-Key", uuid.NewString())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		c.log.Warn("api error",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("code", apiErr.Code))
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	return nil
}
