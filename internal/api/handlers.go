package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/dharsanguruparan/wagate/internal/auth"
	"github.com/dharsanguruparan/wagate/internal/dispatch"
	"github.com/dharsanguruparan/wagate/internal/queue"
	"github.com/dharsanguruparan/wagate/internal/session"
)

// looseString accepts a JSON string or number, so callers may send phone
// numbers either way.
type looseString string

func (s *looseString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] != '"' {
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*s = looseString(n.String())
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = looseString(str)
	return nil
}

type loginRequest struct {
	SecretWord string `json:"secret_word"`
}

type numberRequest struct {
	Number looseString `json:"number"`
}

type sendRequest struct {
	Number     looseString `json:"number"`
	Message    string      `json:"message"`
	MediaURL   string      `json:"mediaUrl"`
	MediaData  string      `json:"mediaData"`
	Mimetype   string      `json:"mimetype"`
	Filename   string      `json:"filename"`
	IsDocument bool        `json:"isDocument"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	_ = c.ShouldBindJSON(&req)
	token, err := s.deps.Gate.IssueToken(req.SecretWord)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"token": token})
	case errors.Is(err, auth.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "secret word incorrect or missing"})
	default:
		s.logger.Error("token issue failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not issue token due to server configuration"})
	}
}

func (s *Server) handleSession(c *gin.Context) {
	snap := s.deps.Session.Snapshot()
	if snap.Status == session.StatusConnected {
		c.JSON(http.StatusOK, gin.H{"status": "CONNECTED", "message": "WhatsApp session is ready"})
		return
	}
	if snap.QR == "" {
		c.JSON(http.StatusOK, gin.H{"status": "WAITING", "message": "waiting for QR generation"})
		return
	}
	img, err := qrDataURL(snap.QR)
	if err != nil {
		s.logger.Error("render qr failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not render QR image"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "QR_READY", "qr_code": img})
}

func (s *Server) handleSessionEvents(c *gin.Context) {
	if s.deps.Hub == nil {
		respondError(c, http.StatusNotFound, "event stream disabled")
		return
	}
	s.deps.Hub.ServeWs(c.Writer, c.Request, s.deps.Session.Snapshot())
}

func (s *Server) handleLogout(c *gin.Context) {
	err := s.deps.Session.Logout(c.Request.Context())
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "LOGGED_OUT", "message": "session closed, generating a new QR"})
	case errors.Is(err, session.ErrNoActiveSession):
		c.JSON(http.StatusBadRequest, gin.H{"error": "no active session to log out"})
	default:
		s.logger.Error("logout failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "logout failed"})
	}
}

func (s *Server) handleReset(c *gin.Context) {
	if err := s.deps.Session.Reset(c.Request.Context()); err != nil {
		s.logger.Error("reset failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "critical failure while resetting the instance"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "RESET_COMPLETE", "message": "instance reset, scan the new QR"})
}

func (s *Server) handleIsOnWhatsApp(c *gin.Context) {
	if !s.deps.Session.Ready() {
		respondError(c, http.StatusServiceUnavailable, "WhatsApp client is not ready, scan the QR first")
		return
	}
	var req numberRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Number == "" {
		respondError(c, http.StatusBadRequest, `the "number" field is required`)
		return
	}
	digits := dispatch.NormalizeRecipient(string(req.Number))
	if digits == "" {
		respondError(c, http.StatusBadRequest, `the "number" field must contain digits`)
		return
	}
	info, err := s.deps.Numbers.LookupNumber(c.Request.Context(), digits)
	if err != nil {
		s.logger.Error("number lookup failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error while checking the number"})
		return
	}
	var jid *string
	if info.Exists {
		jid = &info.JID
	}
	c.JSON(http.StatusOK, gin.H{"exists": info.Exists, "jid": jid, "number": digits})
}

func (s *Server) handleSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(c, http.StatusRequestEntityTooLarge, "request body exceeds the 100 MB limit")
			return
		}
		respondError(c, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Number == "" || (req.Message == "" && req.MediaURL == "" && req.MediaData == "") {
		respondError(c, http.StatusBadRequest, "number and at least a message or a file are required")
		return
	}
	if req.MediaData != "" && req.Mimetype == "" {
		respondError(c, http.StatusBadRequest, `"mimetype" is required when sending "mediaData" (e.g. image/png)`)
		return
	}
	info, err := s.deps.Jobs.EnqueueSend(c.Request.Context(), queue.SendPayload{
		Number:     string(req.Number),
		Message:    req.Message,
		MediaURL:   req.MediaURL,
		MediaData:  req.MediaData,
		Mimetype:   req.Mimetype,
		Filename:   req.Filename,
		IsDocument: req.IsDocument,
	})
	if err != nil {
		s.logger.Error("enqueue failed", "err", err)
		respondError(c, http.StatusInternalServerError, "could not queue message")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "QUEUED", "message": "message added to the queue", "jobId": info.ID})
}

func (s *Server) handleFailedJobs(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		respondError(c, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	jobs, err := s.deps.Inspector.Failed(limit)
	if err != nil {
		s.logger.Error("list failed jobs", "err", err)
		respondError(c, http.StatusInternalServerError, "could not list failed jobs")
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (s *Server) handleJob(c *gin.Context) {
	job, err := s.deps.Inspector.Job(c.Param("id"))
	if err != nil {
		s.jobError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleRetryJob(c *gin.Context) {
	id := c.Param("id")
	if err := s.deps.Inspector.Retry(id); err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			respondError(c, http.StatusNotFound, "job not found")
			return
		}
		respondError(c, http.StatusConflict, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "REQUEUED", "id": id})
}

func (s *Server) jobError(c *gin.Context, err error) {
	if errors.Is(err, queue.ErrJobNotFound) {
		respondError(c, http.StatusNotFound, "job not found")
		return
	}
	s.logger.Error("inspect job", "err", err)
	respondError(c, http.StatusInternalServerError, "could not read job")
}
