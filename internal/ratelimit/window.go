package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Window caps how many units a key may spend per fixed window, shared by
// every process using the same Redis.
type Window struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
	now    func() time.Time
}

// WindowOption customises a Window.
type WindowOption func(*Window)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) WindowOption {
	return func(w *Window) { w.now = now }
}

// WithPrefix namespaces the Redis keys.
func WithPrefix(prefix string) WindowOption {
	return func(w *Window) { w.prefix = prefix }
}

func NewWindow(client *redis.Client, limit int, window time.Duration, opts ...WindowOption) *Window {
	w := &Window{
		client: client,
		limit:  limit,
		window: window,
		prefix: "rate:",
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Reservation is the outcome of Reserve. Granted may be lower than requested;
// RetryAfter is set when it is.
type Reservation struct {
	Granted    int
	RetryAfter time.Duration
	key        string
}

// Reserve takes up to n units for key from the current window.
func (w *Window) Reserve(ctx context.Context, key string, n int) (Reservation, error) {
	if n <= 0 {
		return Reservation{}, nil
	}
	now := w.now()
	start := now.Truncate(w.window)
	end := start.Add(w.window)
	redisKey := fmt.Sprintf("%s%s:%d", w.prefix, key, start.UnixMilli())
	ttl := end.Sub(now) + time.Second

	granted, err := reserveScript.Run(ctx, w.client, []string{redisKey}, w.limit, n, ttl.Milliseconds()).Int()
	if err != nil {
		return Reservation{}, fmt.Errorf("reserve %s: %w", key, err)
	}
	res := Reservation{Granted: granted, key: redisKey}
	if granted < n {
		res.RetryAfter = end.Sub(now)
	}
	return res, nil
}

// Refund gives back the units of r, for work that was reserved but not done.
func (w *Window) Refund(ctx context.Context, r Reservation) error {
	if r.Granted <= 0 || r.key == "" {
		return nil
	}
	if err := refundScript.Run(ctx, w.client, []string{r.key}, r.Granted).Err(); err != nil {
		return fmt.Errorf("refund: %w", err)
	}
	return nil
}

var reserveScript = redis.NewScript(`
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
local want = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
local grant = math.min(want, math.max(0, limit - used))
if grant > 0 then
  redis.call('INCRBY', KEYS[1], grant)
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return grant
`)

var refundScript = redis.NewScript(`
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
local n = math.min(used, tonumber(ARGV[1]))
if n > 0 then
  redis.call('DECRBY', KEYS[1], n)
end
return n
`)
