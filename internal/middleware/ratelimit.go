package middleware

import (
    "log/slog"
    "math"
    "net/http"
    "strconv"
    "strings"
    "time"

    "github.com/labstack/echo/v4"
    "github.com/redis/go-redis/v9"

    "github.com/iliyamo/skillshare-booking/internal/config"
)

// takeToken refills the bucket for the elapsed whole intervals, then
// spends one token if any is left.  Returns {allowed, tokens_left,
// retry_after_ms}.
var takeToken = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local cap = tonumber(ARGV[2])
local refill = tonumber(ARGV[3])
local every = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local st = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(st[1]) or cap
local ts = tonumber(st[2]) or now

local n = math.floor(math.max(0, now - ts) / every)
if n > 0 then
    tokens = math.min(cap, tokens + n * refill)
    ts = ts + n * every
end

local ok, wait = 0, 0
if tokens > 0 then
    ok = 1
    tokens = tokens - 1
else
    wait = math.max(0, every - (now - ts))
end

redis.call('HSET', key, 'tokens', tokens, 'ts', ts)
redis.call('EXPIRE', key, ttl)
return { ok, tokens, wait }
`)

// NewTokenBucket returns a Redis-backed token bucket limiter.  When the
// limiter is disabled or Redis is unavailable it passes every request
// through; a Redis error on a single request also fails open.
func NewTokenBucket(cfg config.RateLimitConfig, rdb *redis.Client) echo.MiddlewareFunc {
    if !cfg.Enabled || rdb == nil {
        return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
    }
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            key := bucketKey(cfg, c)
            res, err := takeToken.Run(c.Request().Context(), rdb, []string{key},
                time.Now().UnixMilli(),
                cfg.Capacity,
                cfg.RefillTokens,
                cfg.RefillInterval.Milliseconds(),
                int64(cfg.TTL/time.Second),
            ).Int64Slice()
            if err != nil || len(res) != 3 {
                if cfg.Debug {
                    slog.Warn("ratelimit: script failed, letting request through", "key", key, "err", err)
                }
                return next(c)
            }
            allowed, remaining, retryMs := res[0] == 1, res[1], res[2]

            h := c.Response().Header()
            h.Set("X-RateLimit-Limit", strconv.Itoa(cfg.Capacity))
            h.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
            if allowed {
                return next(c)
            }

            secs := int(math.Ceil(float64(retryMs) / 1000))
            h.Set("Retry-After", strconv.Itoa(secs))
            if cfg.Debug {
                slog.Info("ratelimit: blocked", "key", key, "retry_ms", retryMs)
            }
            return c.JSON(http.StatusTooManyRequests, echo.Map{
                "error":       "too_many_requests",
                "retry_after": secs,
            })
        }
    }
}

// bucketKey joins the prefix with the parts named by the key strategy,
// e.g. "rl:booking:user:42:route:POST /v1/bookings/:id/accept".
func bucketKey(cfg config.RateLimitConfig, c echo.Context) string {
    strategy := strings.ToLower(cfg.KeyStrategy)
    if !strings.Contains(strategy, "ip") && !strings.Contains(strategy, "user") && !strings.Contains(strategy, "route") {
        strategy = "ip_user_route"
    }
    parts := []string{cfg.Prefix}
    if strings.Contains(strategy, "ip") {
        ip := c.RealIP()
        if ip == "" {
            ip = "unknown"
        }
        parts = append(parts, "ip", ip)
    }
    if strings.Contains(strategy, "user") {
        uid := UserID(c)
        if uid == "" {
            uid = "anon"
        }
        parts = append(parts, "user", uid)
    }
    if strings.Contains(strategy, "route") {
        parts = append(parts, "route", c.Request().Method+" "+c.Path())
    }
    return strings.Join(parts, ":")
}
