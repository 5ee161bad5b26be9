package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/alert-bridge/internal/failure"
	"github.com/Rajchodisetti/alert-bridge/internal/observ"
)

const (
	ridKey    = "rid"
	ridHeader = "X-Request-ID"
)

// requestID adopts the caller's X-Request-ID or mints one, and carries it in
// the request context for everything downstream.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := observ.WithRequestID(c.Request.Context(), strings.TrimSpace(c.GetHeader(ridHeader)))
		rid := observ.RequestID(ctx)
		c.Request = c.Request.WithContext(ctx)
		c.Set(ridKey, rid)
		c.Header(ridHeader, rid)
		c.Next()
	}
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		observ.RecordDuration("http_request", elapsed, map[string]string{"path": path})
		observ.L().Info("http",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Int64("elapsed_ms", elapsed.Milliseconds()),
			zap.String("rid", c.GetString(ridKey)),
		)
	}
}

// adminAuth guards control endpoints with a bearer token. An empty token
// leaves them open.
func adminAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		auth := strings.TrimSpace(c.GetHeader("Authorization"))
		got, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(token)) != 1 {
			Error(c, http.StatusUnauthorized, failure.KindAuthentication, "missing or invalid bearer token", nil)
			c.Abort()
			return
		}
		c.Next()
	}
}

func ipWhitelist(allowed []string) gin.HandlerFunc {
	set := make(map[string]struct{}, len(allowed))
	for _, ip := range allowed {
		if ip = strings.TrimSpace(ip); ip != "" {
			set[ip] = struct{}{}
		}
	}
	return func(c *gin.Context) {
		if len(set) == 0 {
			c.Next()
			return
		}
		if _, ok := set[c.ClientIP()]; !ok {
			observ.L().Warn("webhook rejected: ip not allowed", zap.String("client_ip", c.ClientIP()))
			Error(c, http.StatusForbidden, failure.KindAuthentication, "IP not allowed", nil)
			c.Abort()
			return
		}
		c.Next()
	}
}

const maxTrackedClients = 4096

type clientLimiter struct {
	mu      sync.Mutex
	perMin  int
	clients map[string]*rate.Limiter
}

// perClientLimit allows each client IP perMin requests per minute with a
// burst of the same size. Zero disables it.
func perClientLimit(perMin int) gin.HandlerFunc {
	if perMin <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	l := &clientLimiter{perMin: perMin, clients: map[string]*rate.Limiter{}}
	return func(c *gin.Context) {
		if !l.allow(c.ClientIP()) {
			observ.IncCounter("webhook_rate_limited_total", nil)
			Error(c, http.StatusTooManyRequests, failure.KindRateLimited, "rate limit exceeded", nil)
			c.Abort()
			return
		}
		c.Next()
	}
}

func (l *clientLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.clients[ip]
	if !ok {
		if len(l.clients) >= maxTrackedClients {
			l.clients = map[string]*rate.Limiter{}
		}
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMin)), l.perMin)
		l.clients[ip] = lim
	}
	return lim.Allow()
}
