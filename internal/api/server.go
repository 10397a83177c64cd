package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
	"github.com/sirupsen/logrus"

	"github.com/brandon/webmail-relay/internal/config"
	"github.com/brandon/webmail-relay/internal/metrics"
	"github.com/brandon/webmail-relay/internal/session"
	"github.com/brandon/webmail-relay/pkg/types"
)

// MailSender submits an outgoing message on behalf of an account
type MailSender interface {
	Send(account types.Account, msg types.OutgoingMessage) error
}

// Dependencies are the collaborators the relay is built from
type Dependencies struct {
	Config   *config.Config
	Registry *session.Registry
	Sender   MailSender
	Metrics  *metrics.Metrics // optional
	Logger   *logrus.Logger

	// ReadinessChecks replaces the default DNS check on the mail host.
	ReadinessChecks map[string]healthcheck.Check
}

// Server is the HTTP relay between browser clients and the mail server
type Server struct {
	cfg      *config.Config
	registry *session.Registry
	sender   MailSender
	metrics  *metrics.Metrics
	logger   *logrus.Logger
	checks   healthcheck.Handler
	engine   *gin.Engine
}

// NewServer creates the relay and registers every route
func NewServer(deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = logrus.New()
	}

	s := &Server{
		cfg:      deps.Config,
		registry: deps.Registry,
		sender:   deps.Sender,
		metrics:  deps.Metrics,
		logger:   logger,
		checks:   newHealthHandler(deps.Config.Mail.Host, deps.ReadinessChecks),
	}
	s.engine = s.routes()
	return s
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()

	router.Use(s.recovery())
	router.Use(s.requestLogger())
	router.Use(s.corsMiddleware())
	router.Use(bodySizeLimit(s.cfg.MaxBodyBytes))
	if s.metrics != nil {
		router.Use(s.requestMetrics())
		router.GET("/metrics", gin.WrapH(s.metrics.HTTPHandler()))
	}

	router.GET("/live", gin.WrapF(s.checks.LiveEndpoint))
	router.GET("/ready", gin.WrapF(s.checks.ReadyEndpoint))

	api := router.Group(s.cfg.BasePath)
	api.GET("/health", s.health)

	connect := []gin.HandlerFunc{s.connect}
	if s.cfg.ConnectRatePerMinute > 0 {
		connect = append([]gin.HandlerFunc{s.rateLimit(newIPLimiter(s.cfg.ConnectRatePerMinute))}, connect...)
	}
	api.POST("/connect", connect...)
	api.POST("/disconnect", s.disconnect)

	authed := api.Group("", s.requireSession())
	authed.GET("/folders", s.listFolders)
	authed.GET("/emails", s.listEmails)
	authed.GET("/email-body", s.emailBody)
	authed.POST("/mark-read", s.markRead)
	authed.POST("/toggle-star", s.toggleStar)
	authed.DELETE("/email", s.deleteEmail)
	authed.POST("/move", s.moveEmail)
	authed.POST("/send", s.sendEmail)

	return router
}
