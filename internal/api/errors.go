package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/brandon/webmail-relay/internal/email"
	"github.com/brandon/webmail-relay/internal/session"
)

const (
	msgNotConnected   = "Not connected"
	msgInternalError  = "Internal server error"
	msgInvalidRequest = "Invalid request body"
	msgBodyTooLarge   = "Request body too large"
)

// statusFor maps a gateway, sender or registry error to an HTTP status.
func statusFor(err error) int {
	var connErr *email.ConnectionError
	var sendErr *email.SendError

	switch {
	case errors.Is(err, email.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, email.ErrNotConnected), errors.Is(err, session.ErrSessionNotFound):
		return http.StatusUnauthorized
	case errors.As(err, &connErr), errors.As(err, &sendErr):
		return http.StatusBadGateway
	case errors.Is(err, email.ErrMessageNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// respondError writes {"error": ...} for err. A connection found dead ends
// its session so the client is forced to log in again.
func (s *Server) respondError(c *gin.Context, err error) {
	status := statusFor(err)

	message := err.Error()
	switch {
	case errors.Is(err, email.ErrNotConnected), errors.Is(err, session.ErrSessionNotFound):
		message = msgNotConnected
		if sess, ok := currentSession(c); ok {
			s.registry.Destroy(sess.ID, session.ReasonConnectionLost)
		}
	case status == http.StatusInternalServerError && s.cfg.IsProduction():
		message = msgInternalError
	}

	entry := s.logger.WithError(err).WithFields(logrus.Fields{
		"path":   c.FullPath(),
		"status": status,
	})
	if status >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Warn("Request rejected")
	}

	if s.metrics != nil {
		s.metrics.MailOperationErrors.WithLabelValues(endpointLabel(c), strconv.Itoa(status)).Inc()
	}

	c.AbortWithStatusJSON(status, gin.H{"error": message})
}

func badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": message})
}

// bindError reports a body that could not be decoded.
func bindError(c *gin.Context, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": msgBodyTooLarge})
		return
	}
	badRequest(c, msgInvalidRequest)
}
