package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ftw-vpn-bot/config"
	"ftw-vpn-bot/internal/admin"
	"ftw-vpn-bot/internal/bot"
	"ftw-vpn-bot/internal/db"
	"ftw-vpn-bot/internal/gates/xui"
	"ftw-vpn-bot/internal/gates/yookassa"
	"ftw-vpn-bot/internal/logger"
	"ftw-vpn-bot/internal/services"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.Debug)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()
	if !cfg.EnvFileLoaded {
		log.Info(".env not found, using process environment")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, err := db.OpenPostgres(cfg.DatabaseURL, log)
	if err != nil {
		return err
	}
	if err := db.Migrate(g); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := services.SeedCatalog(ctx, g); err != nil {
		return fmt.Errorf("seed tariffs: %w", err)
	}

	botAPI, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return fmt.Errorf("create bot: %w", err)
	}
	log.Info("authorized on telegram", zap.String("account", botAPI.Self.UserName))
	alerts := logger.NewNotifier(botAPI, cfg.AdminTelegramID, log)
	messenger := bot.NewMessenger(botAPI)

	gateway, err := newGateway(cfg, log)
	if err != nil {
		return err
	}
	panel, err := newPanel(cfg, log)
	if err != nil {
		return err
	}

	promos := services.NewPromoValidator(g, log)
	resolver := services.NewEntitlementResolver(g, cfg.TariffIPLimits)
	payments := services.NewPaymentOrchestrator(services.OrchestratorDeps{
		DB:        g,
		Gateway:   gateway,
		Panel:     panel,
		Resolver:  resolver,
		Promos:    promos,
		Messenger: messenger,
		Alerts:    alerts,
		Log:       log,
	}, services.OrchestratorConfig{
		Currency:            cfg.PaymentCurrency,
		ReturnURL:           cfg.PaymentReturnURL,
		DefaultReceiptEmail: cfg.DefaultReceiptEmail,
		LinkTemplate:        cfg.VLESSLinkTemplate,
	})
	defer payments.Shutdown()

	clients := services.NewClientService(g, panel, services.ClientConfig{
		FreeTrafficGB: cfg.FreeTrafficGB,
		FreeIPLimit:   cfg.FreeIPLimit,
		LinkTemplate:  cfg.VLESSLinkTemplate,
	}, log)
	notifier := services.NewExpiryNotifier(g, messenger, cfg.NotifyResetDays, log)
	backup := admin.NewBackup(cfg.DatabaseURL, cfg.BackupDir, alerts, log)

	if err := payments.ResumePending(ctx); err != nil {
		log.Warn("failed to resume pending payments", zap.Error(err))
	}

	scheduler, err := newScheduler(ctx, cfg, payments, notifier, backup, log)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	srv := &http.Server{
		Addr:              cfg.WebhookAddr,
		Handler:           services.NewWebhookMux(payments, cfg.YooKassaWebhookSecret, alerts, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	b := bot.New(bot.Deps{
		API:      botAPI,
		DB:       g,
		Payments: payments,
		Clients:  clients,
		Promos:   promos,
		Resolver: resolver,
		Admin:    admin.NewHandler(g, promos, backup, cfg.PanelBaseURL, cfg.AdminTelegramID, log),
		Alerts:   alerts,
		Log:      log,
	})

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		log.Info("webhook server listening", zap.String("addr", cfg.WebhookAddr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("webhook server: %w", err)
		}
		return nil
	})
	grp.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	grp.Go(func() error {
		return b.Start(gctx)
	})

	err = grp.Wait()
	log.Info("shutting down", zap.Error(err))
	return err
}

// newGateway выбирает шлюз явно: заглушка только в тестовом режиме
func newGateway(cfg *config.AppConfig, log *zap.Logger) (services.PaymentGateway, error) {
	if cfg.TestMode() {
		log.Warn("payment gateway runs in test mode, payments are confirmed manually without a real charge",
			zap.Bool("production", cfg.IsProduction()),
			zap.Bool("explicit", cfg.PaymentTestMode))
		return yookassa.NewStub(log), nil
	}
	client, err := yookassa.NewClient(yookassa.Config{
		BaseURL: cfg.YooKassaAPIURL,
		ShopID:  cfg.YooKassaShopID,
		Secret:  cfg.YooKassaSecret,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("init yookassa: %w", err)
	}
	return client, nil
}

func newPanel(cfg *config.AppConfig, log *zap.Logger) (services.PanelGateway, error) {
	if !cfg.PanelConfigured() {
		log.Warn("3x-ui panel is not configured, clients are kept locally only")
		return nil, nil
	}
	client, err := xui.NewClient(xui.Config{
		BaseURL:    cfg.PanelBaseURL,
		Username:   cfg.PanelUsername,
		Password:   cfg.PanelPassword,
		InboundID:  cfg.PanelInboundID,
		Flow:       cfg.PanelFlow,
		CookieFile: cfg.PanelCookieFile,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("init panel client: %w", err)
	}
	return client, nil
}

func newScheduler(ctx context.Context, cfg *config.AppConfig, payments *services.PaymentOrchestrator,
	notifier *services.ExpiryNotifier, backup *admin.Backup, log *zap.Logger) (*cron.Cron, error) {
	cl := cronLogger{log.Named("cron").Sugar()}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	jobs := []struct {
		spec string
		run  func()
	}{
		// напоминания об окончании подписки и сброс флагов после продления
		{"@every " + cfg.NotifyInterval.String(), func() {
			if err := notifier.Sweep(ctx); err != nil {
				log.Warn("expiry sweep failed", zap.Error(err))
			}
		}},
		// платежи, пропущенные webhook'ом и опросом
		{"@every " + cfg.PendingSweepInterval.String(), func() {
			if err := payments.ResumePending(ctx); err != nil {
				log.Warn("pending sweep failed", zap.Error(err))
			}
		}},
		{cfg.BackupSchedule, func() { backup.Auto(ctx) }},
	}
	for _, j := range jobs {
		if _, err := c.AddFunc(j.spec, j.run); err != nil {
			return nil, fmt.Errorf("schedule %q: %w", j.spec, err)
		}
	}
	return c, nil
}

// cronLogger пишет события cron в zap
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
