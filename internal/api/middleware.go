package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const requestIDKey = "RequestID"

var (
	apiRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arb",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "Operator API requests by route and status.",
	}, []string{"method", "route", "status"})

	apiLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "arb",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "Operator API request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// IPRateLimiter hands out one token bucket per client IP.
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func NewIPRateLimiter(perSecond float64, burst int) *IPRateLimiter {
	return &IPRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

func (l *IPRateLimiter) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[ip]
	if !ok {
		// The ops surface sees a handful of clients; the map is never large.
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[ip] = limiter
	}
	return limiter
}

// Middleware prevents API abuse with per-IP rate limiting
func (l *IPRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.get(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":  "RATE_LIMITED",
				"error": "too many requests, please slow down",
			})
			return
		}
		c.Next()
	}
}

// RequestIDMiddleware adds unique request ID for tracking
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(requestIDKey, requestID)
		c.Writer.Header().Set("X-Request-ID", requestID)
		c.Next()
	}
}

// RequestLogger logs every request with timing and status and records it in the API metrics.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		apiRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		apiLatency.WithLabelValues(c.Request.Method, route).Observe(latency.Seconds())

		fields := []zap.Field{
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", latency),
			zap.String("client_ip", c.ClientIP()),
		}
		if status >= http.StatusInternalServerError {
			logger.Warn("api request", fields...)
			return
		}
		logger.Debug("api request", fields...)
	}
}
