package yookassa

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
)

// SignatureHeader заголовок с подписью тела уведомления
const SignatureHeader = "X-Request-Signature"

// Sign возвращает base64(HMAC-SHA1(secret, body))
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifySignature сравнивает подпись за постоянное время. Пустой секрет или подпись не проходят.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}
