package api

import (
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/brandon/webmail-relay/internal/session"
)

const (
	sessionHeader     = "X-Session-Id"
	sessionQueryParam = "sessionId"
	sessionContextKey = "session"
)

// recovery turns a panic into a 500 JSON response
func (s *Server) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.WithFields(logrus.Fields{
					"path":   c.Request.URL.Path,
					"method": c.Request.Method,
					"panic":  err,
					"stack":  string(debug.Stack()),
				}).Error("Panic recovered")

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": msgInternalError})
			}
		}()

		c.Next()
	}
}

// requestLogger logs one line per request. The query string is left out
// since it may carry a session id.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := c.Writer.Status()
		entry := s.logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   status,
			"duration": time.Since(start).String(),
			"ip":       c.ClientIP(),
		})

		switch {
		case status >= http.StatusInternalServerError:
			entry.Error("Server error")
		case status >= http.StatusBadRequest:
			entry.Warn("Client error")
		default:
			entry.Info("Request")
		}
	}
}

// bodySizeLimit rejects oversized bodies up front and caps reads of the rest.
func bodySizeLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": msgBodyTooLarge})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// corsMiddleware reflects any origin in development and only CORS_ORIGIN
// in production. Credentials are allowed either way.
func (s *Server) corsMiddleware() gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", sessionHeader},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if s.cfg.IsProduction() {
		cfg.AllowOrigins = []string{s.cfg.CORSOrigin}
	} else {
		cfg.AllowOriginFunc = func(string) bool { return true }
	}
	return cors.New(cfg)
}

// requestMetrics records count and latency per route
func (s *Server) requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		endpoint := endpointLabel(c)
		s.metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, endpoint, strconv.Itoa(c.Writer.Status())).Inc()
		s.metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, endpoint).Observe(time.Since(start).Seconds())
	}
}

func endpointLabel(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return "unmatched"
}

// rateLimit applies a per-client-IP token bucket.
func (s *Server) rateLimit(l *ipLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if l.allow(c.ClientIP()) {
			c.Next()
			return
		}
		if s.metrics != nil {
			s.metrics.RateLimitBlocks.WithLabelValues(endpointLabel(c)).Inc()
		}
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests"})
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipLimiter hands out one limiter per client IP. Idle entries are pruned
// lazily.
type ipLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastPrune time.Time
}

func newIPLimiter(perMinute int) *ipLimiter {
	return &ipLimiter{
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    perMinute,
		idle:     10 * time.Minute,
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastPrune) > l.idle {
		for key, v := range l.visitors {
			if now.Sub(v.lastSeen) > l.idle {
				delete(l.visitors, key)
			}
		}
		l.lastPrune = now
	}

	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// requireSession resolves the caller's session from the X-Session-Id
// header, the sessionId query parameter or the JSON body, in that order.
func (s *Server) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := sessionID(c)
		if err != nil {
			bindError(c, err)
			return
		}
		if id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msgNotConnected})
			return
		}

		sess, err := s.registry.Get(id)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msgNotConnected})
			return
		}

		c.Set(sessionContextKey, sess)
		c.Next()
	}
}

// sessionID returns an empty id when none was sent. An error means the
// body could not be read or decoded.
func sessionID(c *gin.Context) (string, error) {
	if id := strings.TrimSpace(c.GetHeader(sessionHeader)); id != "" {
		return id, nil
	}
	if id := strings.TrimSpace(c.Query(sessionQueryParam)); id != "" {
		return id, nil
	}
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return "", nil
	}
	var ref sessionRef
	if err := c.ShouldBindBodyWith(&ref, binding.JSON); err != nil {
		return "", err
	}
	return strings.TrimSpace(ref.SessionID), nil
}

func currentSession(c *gin.Context) (*session.Session, bool) {
	v, ok := c.Get(sessionContextKey)
	if !ok {
		return nil, false
	}
	sess, ok := v.(*session.Session)
	return sess, ok
}
