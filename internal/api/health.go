package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
)

const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// newHealthHandler builds the liveness/readiness handler. With no explicit
// readiness checks the mail host must resolve in DNS.
func newHealthHandler(mailHost string, readiness map[string]healthcheck.Check) healthcheck.Handler {
	h := healthcheck.NewHandler()

	h.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))

	if readiness == nil {
		readiness = map[string]healthcheck.Check{
			"mail-host-dns": healthcheck.DNSResolveCheck(mailHost, 2*time.Second),
		}
	}
	for name, check := range readiness {
		h.AddReadinessCheck(name, check)
	}
	return h
}

// health reports process status, not mail server reachability
func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"environment": s.cfg.Environment,
		"timestamp":   time.Now().UTC().Format(isoMillis),
		"sessions":    s.registry.Len(),
	})
}
