package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

type AppConfig struct {
	Env           string
	Debug         bool
	EnvFileLoaded bool

	BotToken        string
	AdminTelegramID int64
	DatabaseURL     string

	// YooKassa
	YooKassaShopID        string
	YooKassaSecret        string
	YooKassaWebhookSecret string
	YooKassaAPIURL        string
	PaymentReturnURL      string
	PaymentCurrency       string
	PaymentTestMode       bool
	DefaultReceiptEmail   string
	WebhookAddr           string

	// Панель 3x-ui
	PanelBaseURL      string
	PanelUsername     string
	PanelPassword     string
	PanelInboundID    int
	PanelCookieFile   string
	PanelFlow         string
	VLESSLinkTemplate string

	// Тарифная политика
	TariffIPLimits map[string]int
	FreeTrafficGB  int64
	FreeIPLimit    int

	// Фоновые задачи
	NotifyInterval       time.Duration
	NotifyResetDays      int
	PendingSweepInterval time.Duration
	BackupDir            string
	BackupSchedule       string
}

// DefaultTariffIPLimits лимиты одновременных IP по тарифам, если TARIFF_IP_LIMITS не задан
var DefaultTariffIPLimits = map[string]int{
	"base":      3,
	"middle":    3,
	"unlimited": 6,
}

// LoadConfig читает .env (если есть) и переменные окружения
func LoadConfig() (*AppConfig, error) {
	loaded := godotenv.Load() == nil

	cfg := &AppConfig{
		Env:           strings.ToLower(getEnv("APP_ENV", EnvDevelopment)),
		Debug:         getEnvBool("LOG_DEBUG", false),
		EnvFileLoaded: loaded,

		BotToken:    os.Getenv("BOT_TOKEN"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		YooKassaShopID:      os.Getenv("YOOKASSA_SHOP_ID"),
		YooKassaSecret:      os.Getenv("YOOKASSA_SECRET_KEY"),
		YooKassaAPIURL:      strings.TrimSuffix(getEnv("YOOKASSA_API_URL", "https://api.yookassa.ru/v3"), "/"),
		PaymentReturnURL:    getEnv("PAYMENT_RETURN_URL", "https://t.me/ftw_vpn_bot"),
		PaymentCurrency:     getEnv("PAYMENT_CURRENCY", "RUB"),
		PaymentTestMode:     getEnvBool("PAYMENT_TEST_MODE", false),
		DefaultReceiptEmail: os.Getenv("DEFAULT_RECEIPT_EMAIL"),
		WebhookAddr:         getEnv("WEBHOOK_ADDR", ":8080"),

		PanelBaseURL:      strings.TrimSuffix(os.Getenv("PANEL_BASE_URL"), "/"),
		PanelUsername:     os.Getenv("PANEL_USERNAME"),
		PanelPassword:     os.Getenv("PANEL_PASSWORD"),
		PanelInboundID:    getEnvInt("PANEL_INBOUND_ID", 1),
		PanelCookieFile:   getEnv("PANEL_COOKIE_FILE", "data/panel_cookies.json"),
		PanelFlow:         getEnv("PANEL_FLOW", "xtls-rprx-vision"),
		VLESSLinkTemplate: os.Getenv("VLESS_LINK_TEMPLATE"),

		FreeTrafficGB: getEnvInt64("FREE_TRAFFIC_GB", 2),
		FreeIPLimit:   getEnvInt("FREE_IP_LIMIT", 3),

		NotifyInterval:       getEnvDuration("NOTIFY_INTERVAL", time.Hour),
		NotifyResetDays:      getEnvInt("NOTIFY_RESET_DAYS", 3),
		PendingSweepInterval: getEnvDuration("PENDING_SWEEP_INTERVAL", 15*time.Minute),
		BackupDir:            getEnv("BACKUP_DIR", "backups"),
		BackupSchedule:       getEnv("BACKUP_SCHEDULE", "0 3 * * *"),
	}
	cfg.YooKassaWebhookSecret = getEnv("YOOKASSA_WEBHOOK_SECRET", cfg.YooKassaSecret)

	var errs []error
	if raw := os.Getenv("ADMIN_TELEGRAM_ID"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("ADMIN_TELEGRAM_ID: %w", err))
		}
		cfg.AdminTelegramID = id
	}

	limits, err := ParseTariffIPLimits(os.Getenv("TARIFF_IP_LIMITS"))
	if err != nil {
		errs = append(errs, err)
	}
	cfg.TariffIPLimits = limits

	if err := cfg.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

// Validate проверяет обязательные параметры
func (c *AppConfig) Validate() error {
	var missing []string
	if c.BotToken == "" {
		missing = append(missing, "BOT_TOKEN")
	}
	if c.AdminTelegramID == 0 {
		missing = append(missing, "ADMIN_TELEGRAM_ID")
	}
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	// В продакшене тестовый шлюз включается только явно
	if c.IsProduction() && !c.PaymentTestMode && !c.HasYooKassaCredentials() {
		return errors.New("YOOKASSA_SHOP_ID and YOOKASSA_SECRET_KEY are required in production (set PAYMENT_TEST_MODE=true to run without a gateway)")
	}
	if c.NotifyInterval <= 0 {
		return errors.New("NOTIFY_INTERVAL must be positive")
	}
	return nil
}

func (c *AppConfig) IsProduction() bool {
	return c.Env == EnvProduction
}

func (c *AppConfig) HasYooKassaCredentials() bool {
	return c.YooKassaShopID != "" && c.YooKassaSecret != ""
}

// TestMode сообщает, нужно ли использовать локальный тестовый шлюз вместо YooKassa
func (c *AppConfig) TestMode() bool {
	return c.PaymentTestMode || !c.HasYooKassaCredentials()
}

func (c *AppConfig) PanelConfigured() bool {
	return c.PanelBaseURL != "" && c.PanelUsername != ""
}

// ParseTariffIPLimits разбирает строку вида "base=3,middle=3,unlimited=6".
// Пустая строка даёт DefaultTariffIPLimits.
func ParseTariffIPLimits(raw string) (map[string]int, error) {
	out := make(map[string]int, len(DefaultTariffIPLimits))
	for k, v := range DefaultTariffIPLimits {
		out[k] = v
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return out, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("TARIFF_IP_LIMITS: malformed entry %q", pair)
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("TARIFF_IP_LIMITS: invalid limit for %q", key)
		}
		out[strings.TrimSpace(key)] = n
	}
	return out, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
