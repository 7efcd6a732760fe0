package xui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// sessionStore хранит куки панели в файле, чтобы переживать рестарты без лишнего логина.
// Файл защищён flock: с ним могут работать несколько процессов бота.
type sessionStore struct {
	path string
	lock *flock.Flock
}

func newSessionStore(path string) *sessionStore {
	if path == "" {
		return nil
	}
	return &sessionStore{path: path, lock: flock.New(path + ".lock")}
}

func (s *sessionStore) load(ctx context.Context) ([]*http.Cookie, error) {
	if s == nil {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, fmt.Errorf("create cookie dir: %w", err)
	}
	if err := lockWith(ctx, s.lock.TryRLockContext); err != nil {
		return nil, err
	}
	defer s.lock.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) || len(data) == 0 {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cookie file: %w", err)
	}
	var values map[string]string
	if err := json.Unmarshal(data, &values); err != nil {
		// битый файл равносилен отсутствию сессии
		return nil, nil
	}
	cookies := make([]*http.Cookie, 0, len(values))
	for name, value := range values {
		cookies = append(cookies, &http.Cookie{Name: name, Value: value, Path: "/"})
	}
	return cookies, nil
}

func (s *sessionStore) save(ctx context.Context, cookies []*http.Cookie) error {
	if s == nil {
		return nil
	}
	values := make(map[string]string, len(cookies))
	for _, c := range cookies {
		values[c.Name] = c.Value
	}
	data, err := json.Marshal(values)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create cookie dir: %w", err)
	}
	if err := lockWith(ctx, s.lock.TryLockContext); err != nil {
		return err
	}
	defer s.lock.Unlock()

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write cookie file: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func lockWith(ctx context.Context, try func(context.Context, time.Duration) (bool, error)) error {
	ok, err := try(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock cookie file: %w", err)
	}
	if !ok {
		return errors.New("lock cookie file: not acquired")
	}
	return nil
}
