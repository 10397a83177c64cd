package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"github.com/brandon/webmail-relay/internal/session"
	"github.com/brandon/webmail-relay/pkg/types"
)

func respondOK(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// mustSession returns the session installed by requireSession
func mustSession(c *gin.Context) *session.Session {
	sess, _ := currentSession(c)
	return sess
}

func (s *Server) connect(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
		bindError(c, err)
		return
	}

	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		badRequest(c, "Email and password are required")
		return
	}

	id, err := s.registry.Create(types.Account{Address: req.Email, Secret: req.Password})
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "sessionId": id})
}

// disconnect is idempotent and succeeds for unknown or missing ids
func (s *Server) disconnect(c *gin.Context) {
	id, err := sessionID(c)
	if err != nil {
		bindError(c, err)
		return
	}
	if id != "" {
		s.registry.Destroy(id, session.ReasonLogout)
	}
	respondOK(c)
}

func (s *Server) listFolders(c *gin.Context) {
	folders, err := mustSession(c).Mailbox.ListFolders()
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"folders": folders})
}

func (s *Server) listEmails(c *gin.Context) {
	folder := folderOrInbox(c.Query("folder"))
	limit := s.fetchLimit(c.Query("limit"))

	emails, err := mustSession(c).Mailbox.ListMessages(folder, limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"emails": emails})
}

// fetchLimit falls back to the default for missing or invalid values and
// never exceeds the configured maximum.
func (s *Server) fetchLimit(raw string) int {
	limit, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || limit < 1 {
		limit = s.cfg.FetchLimitDefault
	}
	if limit > s.cfg.FetchLimitMax {
		limit = s.cfg.FetchLimitMax
	}
	return limit
}

func (s *Server) emailBody(c *gin.Context) {
	uid, err := parseUID(c.Query("uid"))
	if err != nil {
		badRequest(c, "A valid uid is required")
		return
	}

	body, err := mustSession(c).Mailbox.MessageBody(folderOrInbox(c.Query("folder")), uint32(uid))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"body": body})
}

func (s *Server) markRead(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
		bindError(c, err)
		return
	}
	if req.UID == 0 {
		badRequest(c, "A valid uid is required")
		return
	}

	if err := mustSession(c).Mailbox.MarkRead(folderOrInbox(req.Folder), uint32(req.UID)); err != nil {
		s.respondError(c, err)
		return
	}
	respondOK(c)
}

func (s *Server) toggleStar(c *gin.Context) {
	var req starRequest
	if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
		bindError(c, err)
		return
	}
	if req.UID == 0 {
		badRequest(c, "A valid uid is required")
		return
	}

	// starred is the message's state as the client last saw it
	if err := mustSession(c).Mailbox.SetStarred(folderOrInbox(req.Folder), uint32(req.UID), !req.Starred); err != nil {
		s.respondError(c, err)
		return
	}
	respondOK(c)
}

func (s *Server) deleteEmail(c *gin.Context) {
	uid, err := parseUID(c.Query("uid"))
	if err != nil {
		badRequest(c, "A valid uid is required")
		return
	}

	if err := mustSession(c).Mailbox.DeleteMessage(folderOrInbox(c.Query("folder")), uint32(uid)); err != nil {
		s.respondError(c, err)
		return
	}
	respondOK(c)
}

func (s *Server) moveEmail(c *gin.Context) {
	var req moveRequest
	if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
		bindError(c, err)
		return
	}
	if req.UID == 0 {
		badRequest(c, "A valid uid is required")
		return
	}
	if strings.TrimSpace(req.ToFolder) == "" {
		badRequest(c, "toFolder is required")
		return
	}

	err := mustSession(c).Mailbox.MoveMessage(folderOrInbox(req.FromFolder), uint32(req.UID), strings.TrimSpace(req.ToFolder))
	if err != nil {
		s.respondError(c, err)
		return
	}
	respondOK(c)
}

func (s *Server) sendEmail(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
		bindError(c, err)
		return
	}
	if len(req.To) == 0 {
		badRequest(c, "At least one recipient is required")
		return
	}

	msg, err := req.message()
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	if err := s.sender.Send(mustSession(c).Account, msg); err != nil {
		s.respondError(c, err)
		return
	}
	if s.metrics != nil {
		s.metrics.EmailsSent.Inc()
	}
	respondOK(c)
}
