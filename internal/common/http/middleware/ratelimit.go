package middleware

import (
	"sync"
	"time"

	appErr "egressfleet/pkg/errors"
	"egressfleet/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitPolicy bounds requests per client IP. Zero RPS disables the limit.
type RateLimitPolicy struct {
	RPS   float64       `yaml:"rps"`
	Burst int           `yaml:"burst"`
	Idle  time.Duration `yaml:"idle"`
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitMiddleware enforces a token bucket per client IP.
func RateLimitMiddleware(policy RateLimitPolicy) gin.HandlerFunc {
	if policy.RPS <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if policy.Burst <= 0 {
		policy.Burst = int(policy.RPS) + 1
	}
	if policy.Idle <= 0 {
		policy.Idle = 10 * time.Minute
	}

	var (
		mu      sync.Mutex
		clients = make(map[string]*clientLimiter)
		swept   time.Time
	)
	allow := func(ip string, now time.Time) bool {
		mu.Lock()
		defer mu.Unlock()
		if now.Sub(swept) > policy.Idle {
			for key, cl := range clients {
				if now.Sub(cl.lastSeen) > policy.Idle {
					delete(clients, key)
				}
			}
			swept = now
		}
		cl, ok := clients[ip]
		if !ok {
			cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(policy.RPS), policy.Burst)}
			clients[ip] = cl
		}
		cl.lastSeen = now
		return cl.limiter.AllowN(now, 1)
	}

	return func(c *gin.Context) {
		if !allow(c.ClientIP(), time.Now()) {
			response.AbortWithError(c, appErr.New(appErr.TooManyRequests))
			return
		}
		c.Next()
	}
}
