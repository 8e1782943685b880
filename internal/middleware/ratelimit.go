package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	rediskey "fulfillment/pkg/redis"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
)

// luaWebhookWindow 统计某支付渠道 + 来源 IP 在滑动窗口内的回调次数（毫秒精度）。
// KEYS[1]=rate_limit:webhook:<provider>:ip:<ip>
// ARGV: nowMs, windowMs, 本次请求的唯一 member, 窗口内允许的回调数
// 返回窗口内的回调数；超限返回 -1 且不记录本次请求。
const luaWebhookWindow = `
local key = KEYS[1]
local nowMs = tonumber(ARGV[1])
local windowMs = tonumber(ARGV[2])
local limit = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', nowMs - windowMs)
local seen = redis.call('ZCARD', key)
if seen >= limit then
  return -1
end
redis.call('ZADD', key, nowMs, ARGV[3])
redis.call('PEXPIRE', key, windowMs)
return seen + 1
`

// WebhookRateLimit 按支付渠道 + 来源 IP 做分布式限流（Lua 原子操作）。
// Redis 出错时放行：网关回调丢失的代价高于短时超限。
func WebhookRateLimit(rdb *rd.Client, provider string, limit int, window time.Duration, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := rediskey.WebhookRateLimitKey(provider, c.ClientIP())

		now := time.Now()
		member := strconv.FormatInt(now.UnixNano(), 36) + "-" + uuid.NewString()[:8]

		seen, err := rdb.Eval(c.Request.Context(), luaWebhookWindow, []string{key},
			now.UnixMilli(), window.Milliseconds(), member, limit).Int()
		if err != nil {
			log.Warn("rate limit unavailable", slog.String("provider", provider), slog.String("error", err.Error()))
			c.Next()
			return
		}

		if seen < 0 {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code": 429,
				"msg":  "too many requests",
			})
			return
		}
		c.Next()
	}
}
