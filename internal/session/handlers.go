package session

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/neekaru/whatsapp-dashboard/internal/app"
	"github.com/neekaru/whatsapp-dashboard/internal/store"
)

// Handlers contains HTTP handlers for session management
type Handlers struct {
	app     *app.App
	service *Service
}

// NewHandlers creates a new session handlers instance
func NewHandlers(app *app.App) *Handlers {
	return &Handlers{
		app:     app,
		service: NewService(app),
	}
}

// ListSessionsHandler returns every session
func (h *Handlers) ListSessionsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.service.List()})
}

// GetSessionHandler returns one session
func (h *Handlers) GetSessionHandler(c *gin.Context) {
	sess, err := h.service.Get(c.Param("id"))
	if err != nil {
		app.NotFound(c, "Session")
		return
	}
	c.JSON(http.StatusOK, sess)
}

// CreateSessionHandler handles creating a new WhatsApp session
func (h *Handlers) CreateSessionHandler(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		app.BadRequest(c, "Invalid request body", app.FieldError{Field: "body", Reason: err.Error()})
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	req.Name = strings.TrimSpace(req.Name)

	var details []app.FieldError
	if req.ID == "" {
		details = append(details, app.FieldError{Field: "id", Reason: "required"})
	}
	if req.Name == "" {
		details = append(details, app.FieldError{Field: "name", Reason: "required"})
	}
	if len(details) > 0 {
		app.BadRequest(c, "Invalid session data", details...)
		return
	}

	sess, err := h.service.Create(c.Request.Context(), req.ID, req.Name)
	switch {
	case errors.Is(err, store.ErrSessionExists):
		app.BadRequest(c, "Session already exists", app.FieldError{Field: "id", Reason: "already exists"})
		return
	case err != nil:
		h.app.InternalError(c, "Failed to create session", err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// RenameSessionHandler overrides the display name of a session
func (h *Handlers) RenameSessionHandler(c *gin.Context) {
	var req RenameSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		app.BadRequest(c, "Invalid session data", app.FieldError{Field: "name", Reason: "required"})
		return
	}

	sess, err := h.service.Rename(c.Param("id"), strings.TrimSpace(req.Name))
	if err != nil {
		app.NotFound(c, "Session")
		return
	}
	c.JSON(http.StatusOK, sess)
}

// DeleteSessionHandler stops a session and removes it
func (h *Handlers) DeleteSessionHandler(c *gin.Context) {
	id := c.Param("id")
	ok, err := h.service.Delete(c.Request.Context(), id)
	if !ok {
		app.NotFound(c, "Session")
		return
	}
	if err != nil {
		// the record is gone either way; teardown finishes in the background
		h.app.Logger.Warn("session teardown incomplete", zap.String("session_id", id), zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"message": "Session deleted successfully"})
}

// QRImageHandler returns the pending pairing code as text and PNG data URL
func (h *Handlers) QRImageHandler(c *gin.Context) {
	resp, err := h.service.QR(c.Param("id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		app.NotFound(c, "Session")
	case errors.Is(err, ErrNoQR):
		c.JSON(http.StatusNotFound, gin.H{"error": ErrNoQR.Error()})
	case err != nil:
		h.app.InternalError(c, "Failed to generate QR code", err)
	default:
		c.JSON(http.StatusOK, resp)
	}
}
