package yookassa

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{BaseURL: srv.URL, ShopID: "shop", Secret: "key"}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestCreateTransaction(t *testing.T) {
	var got map[string]interface{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/payments" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if u, p, ok := r.BasicAuth(); !ok || u != "shop" || p != "key" {
			t.Errorf("basic auth = %q %q %v", u, p, ok)
		}
		if r.Header.Get("Idempotence-Key") == "" {
			t.Error("missing Idempotence-Key")
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("bad body: %v", err)
		}
		w.Write([]byte(`{"id":"2c5d","status":"pending","paid":false,"confirmation":{"type":"redirect","confirmation_url":"https://pay/2c5d"}}`))
	})

	p, err := c.CreateTransaction(context.Background(), CreateRequest{
		Amount:      decimal.NewFromInt(119),
		Currency:    "RUB",
		Description: "ftw.middle",
		Metadata:    map[string]interface{}{"tariff": "middle"},
		ReturnURL:   "https://t.me/bot",
		Receipt:     &Receipt{Phone: "79990001122"},
	})
	if err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}
	if p.ID != "2c5d" || p.ConfirmationURL != "https://pay/2c5d" || p.Manual {
		t.Errorf("payment = %+v", p)
	}

	amount := got["amount"].(map[string]interface{})
	if amount["value"] != "119.00" || amount["currency"] != "RUB" {
		t.Errorf("amount = %v", amount)
	}
	if got["capture"] != true {
		t.Error("capture must be true")
	}
	customer := got["receipt"].(map[string]interface{})["customer"].(map[string]interface{})
	if customer["phone"] != "79990001122" {
		t.Errorf("customer = %v", customer)
	}
}

func TestCreateTransactionWithoutReceipt(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		if _, ok := body["receipt"]; ok {
			t.Error("receipt must be omitted without contact")
		}
		w.Write([]byte(`{"id":"x","status":"pending","confirmation":{"confirmation_url":"u"}}`))
	})
	if _, err := c.CreateTransaction(context.Background(), CreateRequest{Amount: decimal.NewFromInt(69), Currency: "RUB"}); err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}
}

func TestAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"type":"error","code":"invalid_request","description":"Receipt is missing"}`))
	})
	_, err := c.CreateTransaction(context.Background(), CreateRequest{Amount: decimal.NewFromInt(1), Currency: "RUB"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Code != "invalid_request" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestFindOneAndCancel(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/payments/p1":
			if r.Header.Get("Idempotence-Key") != "" {
				t.Error("GET must not carry Idempotence-Key")
			}
			w.Write([]byte(`{"id":"p1","status":"succeeded","paid":true}`))
		case r.Method == http.MethodPost && r.URL.Path == "/payments/p1/cancel":
			w.Write([]byte(`{"id":"p1","status":"canceled"}`))
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	p, err := c.FindOne(ctx, "p1")
	if err != nil {
		t.Fatalf("FindOne: %v", err)
	}
	if p.Status != StatusSucceeded || !p.Paid {
		t.Errorf("payment = %+v", p)
	}
	if err := c.Cancel(ctx, "p1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := c.FindOne(ctx, "missing"); err == nil {
		t.Error("expected error for unknown payment")
	}
}

func TestNewClientRequiresCredentials(t *testing.T) {
	if _, err := NewClient(Config{ShopID: "shop"}, zaptest.NewLogger(t)); err == nil {
		t.Fatal("expected error without secret")
	}
}
