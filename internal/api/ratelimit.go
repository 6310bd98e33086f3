package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"intelligence-hub/internal/config"
	huberrors "intelligence-hub/internal/errors"
	"intelligence-hub/internal/logging"
)

// Default throttle applied per client key across all API routes.
const (
	defaultRateLimit  = 120
	defaultRateWindow = time.Minute
)

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Window     time.Duration
	RetryAfter time.Duration
}

// Limiter is a per-key sliding-window throttle.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// NewLimiter builds the throttle for the HTTP surface: redis-backed
// when enabled and reachable, an in-process sliding window otherwise.
func NewLimiter(cfg config.RedisConfig, logger logging.Logger) Limiter {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	if cfg.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unreachable, rate limiting falls back to process memory",
				"addr", cfg.Addr, "error", err)
			_ = client.Close()
		} else {
			logger.Info("Rate limiting backed by redis", "addr", cfg.Addr)
			return newRedisLimiter(client, defaultRateLimit, defaultRateWindow)
		}
	}
	return NewMemoryLimiter(defaultRateLimit, defaultRateWindow)
}

// MemoryLimiter is a process-local sliding window keyed by client.
type MemoryLimiter struct {
	limit  int
	window time.Duration

	mu   sync.Mutex
	seen map[string][]time.Time
	stop chan struct{}
	once sync.Once
}

// NewMemoryLimiter creates the in-process limiter and starts its
// janitor. Call Stop when the owner shuts down.
func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	if limit <= 0 {
		limit = defaultRateLimit
	}
	if window <= 0 {
		window = defaultRateWindow
	}
	l := &MemoryLimiter{
		limit:  limit,
		window: window,
		seen:   make(map[string][]time.Time),
		stop:   make(chan struct{}),
	}
	go l.janitor()
	return l
}

// Allow records the request and reports whether it fits the window.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.seen[key][:0]
	for _, t := range l.seen[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	decision := Decision{Limit: l.limit, Window: l.window}
	if len(kept) >= l.limit {
		l.seen[key] = kept
		decision.RetryAfter = kept[0].Add(l.window).Sub(now)
		if decision.RetryAfter < 0 {
			decision.RetryAfter = 0
		}
		return decision, nil
	}

	kept = append(kept, now)
	l.seen[key] = kept
	decision.Allowed = true
	decision.Remaining = l.limit - len(kept)
	return decision, nil
}

// Stop ends the janitor goroutine.
func (l *MemoryLimiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// janitor drops keys whose whole window has expired, so idle clients
// do not accumulate.
func (l *MemoryLimiter) janitor() {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case now := <-ticker.C:
			cutoff := now.Add(-l.window)
			l.mu.Lock()
			for key, times := range l.seen {
				if len(times) == 0 || !times[len(times)-1].After(cutoff) {
					delete(l.seen, key)
				}
			}
			l.mu.Unlock()
		}
	}
}

// redisLimiter shares one sliding window across hub replicas. The
// window lives in a sorted set trimmed and counted atomically by a
// Lua script.
type redisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	script *redis.Script
}

const slidingWindowScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local current = redis.call('ZCARD', key)
local allowed = 0
if current < limit then
    redis.call('ZADD', key, now, now .. ':' .. math.random())
    redis.call('PEXPIRE', key, window)
    current = current + 1
    allowed = 1
end
return {allowed, current}
`

func newRedisLimiter(client *redis.Client, limit int, window time.Duration) *redisLimiter {
	return &redisLimiter{
		client: client,
		limit:  limit,
		window: window,
		script: redis.NewScript(slidingWindowScript),
	}
}

func (l *redisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	result, err := l.script.Run(ctx, l.client, []string{"ratelimit:" + key},
		l.limit, l.window.Milliseconds(), time.Now().UnixMilli()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return Decision{}, fmt.Errorf("rate limit script: unexpected reply %v", result)
	}
	allowed, _ := values[0].(int64)
	current, _ := values[1].(int64)

	decision := Decision{
		Allowed:   allowed == 1,
		Limit:     l.limit,
		Remaining: l.limit - int(current),
		Window:    l.window,
	}
	if decision.Remaining < 0 {
		decision.Remaining = 0
	}
	if !decision.Allowed {
		decision.RetryAfter = l.window
	}
	return decision, nil
}

// rateLimitMiddleware throttles per client IP. Probe paths and the
// websocket upgrade are exempt; a broken limiter backend fails open.
func (r *Router) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		path := req.URL.Path
		if path == "/ping" || path == "/health" || strings.HasPrefix(path, "/ws") {
			next.ServeHTTP(w, req)
			return
		}

		decision, err := r.limiter.Allow(req.Context(), clientIP(req))
		if err != nil {
			r.logger.WarnContext(req.Context(), "Rate limiter unavailable", "error", err)
			next.ServeHTTP(w, req)
			return
		}
		if !decision.Allowed {
			huberrors.NewRateLimitError(decision.Limit, decision.Window.String(),
				decision.RetryAfter, decision.Remaining).WriteHTTPError(w)
			return
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		next.ServeHTTP(w, req)
	})
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then
// the connection peer.
func clientIP(req *http.Request) string {
	if fwd := req.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	if real := req.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
