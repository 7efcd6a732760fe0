package services

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	"ftw-vpn-bot/internal/gates/yookassa"
)

const maxWebhookBody = 1 << 20

// NotificationHandler получатель проверенных уведомлений шлюза
type NotificationHandler interface {
	HandleNotification(ctx context.Context, n *yookassa.Notification) error
}

type panicNotifier interface {
	NotifyOnPanic(context string)
}

// WebhookHandler принимает уведомления YooKassa. 200 отдаётся только после того,
// как статус применён; на 500 шлюз повторит доставку.
func WebhookHandler(h NotificationHandler, secret string, alerts AdminAlerter, log *zap.Logger) http.HandlerFunc {
	log = log.Named("webhook")
	return func(w http.ResponseWriter, r *http.Request) {
		if pn, ok := alerts.(panicNotifier); ok {
			defer pn.NotifyOnPanic("WebhookHandler")
		}
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			log.Warn("failed to read body", zap.Error(err))
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if !yookassa.VerifySignature(secret, body, r.Header.Get(yookassa.SignatureHeader)) {
			log.Warn("invalid webhook signature", zap.String("remote", r.RemoteAddr))
			http.Error(w, "invalid signature", http.StatusBadRequest)
			return
		}

		n, err := yookassa.ParseNotification(body)
		if err != nil {
			log.Warn("malformed notification", zap.Error(err))
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if !n.IsPaymentEvent() {
			log.Info("non-payment event ignored", zap.String("event", n.Event))
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}

		log.Info("notification received",
			zap.String("payment_id", n.Object.ID),
			zap.String("event", n.Event),
			zap.String("status", n.Object.Status),
			zap.Bool("paid", n.Object.Paid))

		if err := h.HandleNotification(r.Context(), n); err != nil {
			log.Error("notification not processed", zap.String("payment_id", n.Object.ID), zap.Error(err))
			if alerts != nil {
				alerts.NotifyAdmin("Ошибка обработки webhook для платежа " + n.Object.ID + ": " + err.Error())
			}
			writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
	}
}

// NewWebhookMux собирает HTTP-роуты сервиса уведомлений
func NewWebhookMux(h NotificationHandler, secret string, alerts AdminAlerter, log *zap.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/yookassa/notification", WebhookHandler(h, secret, alerts, log))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
