package admin

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"ftw-vpn-bot/internal/services"
)

const (
	backupTimeout   = 2 * time.Minute
	backupRetention = 31 * 24 * time.Hour
)

type commandRunner func(ctx context.Context, name string, args ...string) error

// Backup делает дампы Postgres через pg_dump и чистит старые
type Backup struct {
	dsn       string
	dir       string
	retention time.Duration
	alerts    services.AdminAlerter
	log       *zap.Logger
	run       commandRunner
	now       func() time.Time
}

func NewBackup(dsn, dir string, alerts services.AdminAlerter, log *zap.Logger) *Backup {
	if dir == "" {
		dir = "backups"
	}
	return &Backup{
		dsn:       dsn,
		dir:       dir,
		retention: backupRetention,
		alerts:    alerts,
		log:       log.Named("backup"),
		run:       execCommand,
		now:       time.Now,
	}
}

func execCommand(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Dump создаёт дамп БД в каталоге бэкапов и возвращает путь к файлу
func (b *Backup) Dump(ctx context.Context, prefix string) (string, error) {
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	filename := filepath.Join(b.dir, prefix+"_"+b.now().Format("20060102_150405")+".dump")

	ctx, cancel := context.WithTimeout(ctx, backupTimeout)
	defer cancel()
	if err := b.run(ctx, "pg_dump", b.dsn, "-Fc", "-f", filename); err != nil {
		_ = os.Remove(filename)
		return "", err
	}
	b.log.Info("database dumped", zap.String("file", filename))
	return filename, nil
}

// CleanOld удаляет дампы старше срока хранения
func (b *Backup) CleanOld() (int, error) {
	files, err := filepath.Glob(filepath.Join(b.dir, "*.dump"))
	if err != nil {
		return 0, err
	}
	cutoff := b.now().Add(-b.retention)
	removed := 0
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(f); err != nil {
				b.log.Warn("failed to remove old backup", zap.String("file", f), zap.Error(err))
				continue
			}
			removed++
		}
	}
	return removed, nil
}

// Auto задача cron: дамп и чистка, об ошибке сообщаем админу
func (b *Backup) Auto(ctx context.Context) {
	filename, err := b.Dump(ctx, "autobackup")
	if err != nil {
		b.log.Error("scheduled backup failed", zap.Error(err))
		if b.alerts != nil {
			b.alerts.NotifyAdmin("Автобэкап БД не удался: " + err.Error())
		}
		return
	}
	removed, err := b.CleanOld()
	if err != nil {
		b.log.Warn("backup cleanup failed", zap.Error(err))
	}
	b.log.Info("scheduled backup done", zap.String("file", filename), zap.Int("removed", removed))
}
