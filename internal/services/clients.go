package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ftw-vpn-bot/internal/db"
	"ftw-vpn-bot/internal/gates/xui"
)

// PanelGateway операции панели VPN, которые нужны сервисам
type PanelGateway interface {
	AddClient(ctx context.Context, spec xui.ClientSpec) error
	UpdateClient(ctx context.Context, spec xui.ClientSpec) error
}

type ClientConfig struct {
	FreeTrafficGB int64
	FreeIPLimit   int
	LinkTemplate  string
}

// ClientService выдаёт бесплатный конфиг при первом запросе и показывает текущий
type ClientService struct {
	db    *gorm.DB
	panel PanelGateway
	cfg   ClientConfig
	log   *zap.Logger
}

func NewClientService(g *gorm.DB, panel PanelGateway, cfg ClientConfig, log *zap.Logger) *ClientService {
	return &ClientService{db: g, panel: panel, cfg: cfg, log: log.Named("clients")}
}

// IssueFree создаёт бесплатный конфиг пользователю, если у него ещё нет ни одного.
// Возвращает клиента и признак того, что он создан сейчас.
func (s *ClientService) IssueFree(ctx context.Context, userID uint) (*db.Client, bool, error) {
	const op = "issue free config"
	var client db.Client
	created := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user db.User
		// блокировка строки пользователя сериализует параллельные запросы конфига
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&user, userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return validationErr(op, "Пользователь не найден. Нажмите /start.", err)
			}
			return err
		}
		err := tx.Where("user_id = ?", userID).Order("id desc").First(&client).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		client = newClientRecord(&user, s.cfg.LinkTemplate)
		client.LimitIP = s.cfg.FreeIPLimit
		client.TotalTraffic = s.cfg.FreeTrafficGB * gib
		if err := tx.Create(&client).Error; err != nil {
			return err
		}
		if err := s.push(ctx, &client, user.TelegramID); err != nil {
			return gatewayErr(op, err)
		}
		created = true
		return nil
	})
	if err != nil {
		var svcErr *Error
		if errors.As(err, &svcErr) {
			return nil, false, err
		}
		return nil, false, internalErr(op, err)
	}
	if created {
		s.log.Info("free config issued",
			zap.Uint("user_id", userID),
			zap.String("client_uuid", client.UUID))
	}
	return &client, created, nil
}

func (s *ClientService) push(ctx context.Context, c *db.Client, tgID int64) error {
	if s.panel == nil {
		s.log.Warn("panel is not configured, client stays local", zap.String("client_uuid", c.UUID))
		return nil
	}
	return s.panel.AddClient(ctx, panelSpec(c, tgID))
}

// Current последняя VPN-запись пользователя
func (s *ClientService) Current(ctx context.Context, userID uint) (*db.Client, error) {
	c, err := db.LatestClient(ctx, s.db, userID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, validationErr("current client", "У вас пока нет конфига. Получите его командой /config.", err)
	}
	if err != nil {
		return nil, internalErr("current client", err)
	}
	return c, nil
}

func nickname(tgID int64) string {
	return fmt.Sprintf("ftw_%d", tgID)
}

// newClientRecord заполняет идентичность клиента; лимиты задаёт вызывающий
func newClientRecord(user *db.User, linkTemplate string) db.Client {
	id := uuid.NewString()
	name := nickname(user.TelegramID)
	return db.Client{
		UserID:        user.ID,
		UUID:          id,
		Email:         name,
		IsActive:      true,
		ConnectionURL: RenderConnectionURL(linkTemplate, id, name),
	}
}

// RenderConnectionURL подставляет {uuid} и {name} в шаблон VLESS-ссылки
func RenderConnectionURL(tmpl, clientUUID, name string) string {
	if tmpl == "" {
		return ""
	}
	return strings.NewReplacer("{uuid}", clientUUID, "{name}", name).Replace(tmpl)
}

func panelSpec(c *db.Client, tgID int64) xui.ClientSpec {
	return xui.ClientSpec{
		UUID:       c.UUID,
		Email:      c.Email,
		LimitIP:    c.LimitIP,
		TotalBytes: c.TotalTraffic,
		ExpiryTime: c.ExpiryTime,
		Enable:     c.IsActive,
		TgID:       tgID,
		SubID:      subID(c.UUID),
	}
}

func subID(clientUUID string) string {
	id := strings.ReplaceAll(clientUUID, "-", "")
	if len(id) > 16 {
		id = id[:16]
	}
	return id
}
