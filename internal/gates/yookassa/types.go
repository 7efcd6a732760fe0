package yookassa

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Статусы платежа в YooKassa
const (
	StatusPending           = "pending"
	StatusWaitingForCapture = "waiting_for_capture"
	StatusSucceeded         = "succeeded"
	StatusCanceled          = "canceled"
)

// Receipt контакт покупателя для чека (54-ФЗ). Достаточно одного из полей.
type Receipt struct {
	Email string
	Phone string
}

type CreateRequest struct {
	Amount      decimal.Decimal
	Currency    string
	Description string
	Metadata    map[string]interface{}
	ReturnURL   string
	Receipt     *Receipt
}

// Payment состояние платежа со стороны шлюза
type Payment struct {
	ID              string
	Status          string
	Paid            bool
	ConfirmationURL string
	// Manual платёж подтверждается вручную (тестовый шлюз), ссылки на оплату нет
	Manual bool
}

// Notification тело webhook-уведомления
type Notification struct {
	Type   string `json:"type"`
	Event  string `json:"event"`
	Object struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Paid   bool   `json:"paid"`
	} `json:"object"`
}

// IsPaymentEvent уведомление относится к платежу (а не к возврату/выплате)
func (n Notification) IsPaymentEvent() bool {
	return strings.HasPrefix(n.Event, "payment.")
}

func ParseNotification(body []byte) (*Notification, error) {
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}
	if n.Object.ID == "" {
		return nil, fmt.Errorf("notification without payment id")
	}
	return &n, nil
}

// APIError ошибка, которую вернул API YooKassa
type APIError struct {
	StatusCode  int
	Code        string `json:"code"`
	Description string `json:"description"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("yookassa: http %d", e.StatusCode)
	}
	return fmt.Sprintf("yookassa: http %d: %s: %s", e.StatusCode, e.Code, e.Description)
}

type amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type paymentRequest struct {
	Amount       amount                 `json:"amount"`
	Capture      bool                   `json:"capture"`
	Confirmation map[string]interface{} `json:"confirmation"`
	Description  string                 `json:"description,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Receipt      *receipt               `json:"receipt,omitempty"`
}

type receipt struct {
	Customer struct {
		Email string `json:"email,omitempty"`
		Phone string `json:"phone,omitempty"`
	} `json:"customer"`
	Items []receiptItem `json:"items"`
}

type receiptItem struct {
	Description    string `json:"description"`
	Quantity       string `json:"quantity"`
	Amount         amount `json:"amount"`
	VatCode        int    `json:"vat_code"`
	PaymentMode    string `json:"payment_mode"`
	PaymentSubject string `json:"payment_subject"`
}

type paymentResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Paid         bool   `json:"paid"`
	Confirmation struct {
		Type            string `json:"type"`
		ConfirmationURL string `json:"confirmation_url"`
	} `json:"confirmation"`
}

func (r paymentResponse) toPayment() *Payment {
	return &Payment{
		ID:              r.ID,
		Status:          r.Status,
		Paid:            r.Paid,
		ConfirmationURL: r.Confirmation.ConfirmationURL,
	}
}
