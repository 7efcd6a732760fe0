package bot

import (
	"sync"
	"time"
)

const defaultRateLimit = 2 * time.Second

// RateLimiter ограничивает частоту команд на пользователя в памяти процесса
type RateLimiter struct {
	mu       sync.Mutex
	lastCall map[int64]map[string]time.Time
	limits   map[string]time.Duration
	now      func() time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		lastCall: make(map[int64]map[string]time.Time),
		limits: map[string]time.Duration{
			"buy":    5 * time.Second,
			"tariff": 10 * time.Second, // повторное нажатие не создаёт второй платёж
			"config": 5 * time.Second,
			"status": 3 * time.Second,
			"promo":  3 * time.Second,
		},
		now: time.Now,
	}
}

// IsLimited возвращает true, если пользователь вызывает команду слишком часто
func (r *RateLimiter) IsLimited(userID int64, cmd string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if r.lastCall[userID] == nil {
		r.lastCall[userID] = make(map[string]time.Time)
	}
	limit, ok := r.limits[cmd]
	if !ok {
		limit = defaultRateLimit
	}
	last := r.lastCall[userID][cmd]
	if now.Sub(last) < limit {
		return true
	}
	r.lastCall[userID][cmd] = now
	return false
}
