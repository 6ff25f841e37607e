package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// limiterIdleTTL はアクセスの無いクライアントのリミッターを破棄するまでの時間。
const limiterIdleTTL = 10 * time.Minute

// RateLimit はクライアントIPごとにトークンバケットで流量を制限するGinミドルウェアを返す。
// 上限を超えたリクエストには429とRetry-Afterヘッダーを返す。
func RateLimit(limit rate.Limit, burst int) gin.HandlerFunc {
	var mu sync.Mutex
	limiters := expirable.NewLRU[string, *rate.Limiter](10000, nil, limiterIdleTTL)

	retryAfter := 1
	if limit > 0 && limit != rate.Inf {
		retryAfter = max(int(math.Ceil(1/float64(limit))), 1)
	}

	return func(c *gin.Context) {
		ip := c.ClientIP()

		mu.Lock()
		limiter, ok := limiters.Get(ip)
		if !ok {
			limiter = rate.NewLimiter(limit, burst)
		}
		// 参照のたびに入れ直してTTLを延ばす
		limiters.Add(ip, limiter)
		mu.Unlock()

		if !limiter.Allow() {
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "リクエストが多すぎます。しばらくしてから再試行してください",
			})
			return
		}
		c.Next()
	}
}
