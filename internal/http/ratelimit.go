package httpapi

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"quizsync-backend-go/internal/config"
	"quizsync-backend-go/internal/logger"
)

// Refill happens in whole intervals. The state hash expires after ttl so idle
// keys do not pile up.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local refill_tokens = tonumber(ARGV[3])
local interval_ms = tonumber(ARGV[4])
local ttl_seconds = tonumber(ARGV[5])

local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if tokens == nil or last_refill == nil then
    tokens = capacity
    last_refill = now_ms
end

if interval_ms > 0 and refill_tokens > 0 then
    local elapsed = math.max(0, now_ms - last_refill)
    local intervals = math.floor(elapsed / interval_ms)
    if intervals > 0 then
        tokens = math.min(capacity, tokens + (intervals * refill_tokens))
        last_refill = last_refill + (intervals * interval_ms)
    end
end

local allowed = 0
local retry_after_ms = 0
if tokens > 0 then
    allowed = 1
    tokens = tokens - 1
else
    retry_after_ms = math.max(0, interval_ms - (now_ms - last_refill))
end

redis.call('HSET', key, 'tokens', tokens, 'last_refill_ms', last_refill)
redis.call('EXPIRE', key, ttl_seconds)

return { allowed, tokens, retry_after_ms }
`)

// TokenBucket builds rate limiting middleware backed by Redis. The returned
// function takes the handler to run for a limited request; nil answers 429.
// Redis errors let the request through.
func TokenBucket(cfg config.RateLimitConfig, rdb *redis.Client, log *logger.Logger) func(limited http.HandlerFunc) func(http.Handler) http.Handler {
	if !cfg.Enabled || rdb == nil {
		return func(http.HandlerFunc) func(http.Handler) http.Handler {
			return func(next http.Handler) http.Handler { return next }
		}
	}
	if log == nil {
		log = logger.Nop()
	}
	ttl := cfg.TTL
	if ttl < time.Second {
		ttl = time.Minute
	}
	return func(limited http.HandlerFunc) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				key := rateKey(cfg.Prefix, r)
				vals, err := tokenBucketScript.Run(r.Context(), rdb, []string{key},
					time.Now().UnixMilli(),
					cfg.Capacity,
					cfg.RefillTokens,
					cfg.RefillInterval.Milliseconds(),
					int64(ttl/time.Second),
				).Slice()
				if err != nil || len(vals) != 3 {
					log.Warn("rate limit check failed", "key", key, "error", err)
					next.ServeHTTP(w, r)
					return
				}
				allowed := asInt64(vals[0]) == 1
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.Capacity))
				w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(asInt64(vals[1]), 10))
				if allowed {
					next.ServeHTTP(w, r)
					return
				}
				log.Info("rate limited", "key", key)
				if limited != nil {
					limited(w, r)
					return
				}
				secs := int(math.Ceil(float64(asInt64(vals[2])) / 1000.0))
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				WriteErrorCode(w, http.StatusTooManyRequests, "RATE_LIMITED", "Rate limit exceeded")
			})
		}
	}
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

func rateKey(prefix string, r *http.Request) string {
	if prefix == "" {
		prefix = "rl"
	}
	uid := CurrentUserID(r)
	if uid == "" {
		uid = "anon"
	}
	return strings.Join([]string{prefix, "ip", resolveClientIP(r), "user", uid, "route", fmt.Sprintf("%s %s", r.Method, r.URL.Path)}, ":")
}
