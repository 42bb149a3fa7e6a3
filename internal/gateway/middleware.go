package gateway

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/terminal-bench/civicledger/internal/metrics"
	"github.com/terminal-bench/civicledger/pkg/models"
	"golang.org/x/time/rate"
)

const (
	ctxAccountID     = "account_id"
	ctxRole          = "role"
	ctxCorrelationID = "correlation_id"

	limiterIdle = 10 * time.Minute
)

func (g *Gateway) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token == "" {
			// Browsers cannot set headers on a websocket handshake
			token = c.Query("access_token")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		claims, err := g.auth.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		c.Set(ctxAccountID, claims.AccountID)
		c.Set(ctxRole, string(claims.Role))
		c.Next()
	}
}

// requireRole admits only the listed platform roles
func requireRole(roles ...models.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := models.Role(c.GetString(ctxRole))
		for _, r := range roles {
			if role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": models.ErrUnauthorized.Error()})
	}
}

func (g *Gateway) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.limiter.allow(c.ClientIP(), time.Now()) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// tracingMiddleware tags each request with a correlation id, then logs and
// measures it
func (g *Gateway) tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		c.Set(ctxCorrelationID, correlationID)
		c.Header("X-Correlation-ID", correlationID)

		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := c.Writer.Status()
		metrics.ObserveHTTP(c.Request.Method, path, strconv.Itoa(status), elapsed)

		entry := g.log.WithFields(logrus.Fields{
			"method":         c.Request.Method,
			"path":           path,
			"status":         status,
			"duration_ms":    elapsed.Milliseconds(),
			"correlation_id": correlationID,
		})
		if id := c.GetString(ctxAccountID); id != "" {
			entry = entry.WithField("account_id", id)
		}
		switch {
		case status >= http.StatusInternalServerError:
			entry.Error("request failed")
		case path == "/health" || path == "/metrics":
			entry.Debug("request served")
		default:
			entry.Info("request served")
		}
	}
}

// limiterSet holds one token bucket per client
type limiterSet struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	visitors  map[string]*visitor
	lastSweep time.Time
}

type visitor struct {
	limiter *rate.Limiter
	seen    time.Time
}

func newLimiterSet(perSecond float64, burst int) *limiterSet {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &limiterSet{
		limit:    limit,
		burst:    burst,
		visitors: make(map[string]*visitor),
	}
}

func (s *limiterSet) allow(key string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastSweep) > limiterIdle {
		for k, v := range s.visitors {
			if now.Sub(v.seen) > limiterIdle {
				delete(s.visitors, k)
			}
		}
		s.lastSweep = now
	}

	v, ok := s.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.visitors[key] = v
	}
	v.seen = now
	return v.limiter.AllowN(now, 1)
}
