package messaging

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/neekaru/whatsapp-dashboard/internal/app"
)

// Handlers contains HTTP handlers for messaging
type Handlers struct {
	app     *app.App
	service *Service
}

// NewHandlers creates a new messaging handlers instance
func NewHandlers(app *app.App) *Handlers {
	return &Handlers{
		app:     app,
		service: NewService(app),
	}
}

// SendMessageHandler handles sending a text or media message
func (h *Handlers) SendMessageHandler(c *gin.Context) {
	// leave room for the text fields on top of the attachment
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.app.Uploads.MaxBytes()+1<<20)

	var req SendMessageRequest
	if err := c.ShouldBind(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"success": false, "error": "Request too large"})
			return
		}
		app.BadRequest(c, "Invalid request", app.FieldError{Field: "body", Reason: err.Error()})
		return
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.To = strings.TrimSpace(req.To)

	var details []app.FieldError
	if req.SessionID == "" {
		details = append(details, app.FieldError{Field: "sessionId", Reason: "required"})
	}
	if req.To == "" {
		details = append(details, app.FieldError{Field: "to", Reason: "required"})
	}
	if strings.TrimSpace(req.Message) == "" {
		details = append(details, app.FieldError{Field: "message", Reason: "required"})
	}
	if len(details) > 0 {
		app.BadRequest(c, "Invalid message data", details...)
		return
	}

	fh, err := c.FormFile("media")
	if err != nil && !errors.Is(err, http.ErrMissingFile) && !errors.Is(err, http.ErrNotMultipart) {
		app.BadRequest(c, "Invalid media upload", app.FieldError{Field: "media", Reason: err.Error()})
		return
	}

	sent, err := h.service.SendMessage(c.Request.Context(), req, fh)
	if err != nil {
		status := sendStatus(err)
		if status == http.StatusInternalServerError {
			h.app.InternalError(c, "Message cannot be sent", err)
			return
		}
		h.app.Logger.Warn("message send error",
			zap.String("session_id", req.SessionID),
			zap.Int("status", status),
			zap.Error(err))
		c.JSON(status, gin.H{"success": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, SendMessageResponse{
		Success:   true,
		MessageID: sent.MessageID,
		ID:        sent.Message.ID,
		Timestamp: sent.Message.Timestamp.Format(time.RFC3339Nano),
	})
}

// ListMessagesHandler returns messages newest first
func (h *Handlers) ListMessagesHandler(c *gin.Context) {
	// zero lists everything
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			app.BadRequest(c, "Invalid limit", app.FieldError{Field: "limit", Reason: "must be a non-negative integer"})
			return
		}
		limit = n
	}
	c.JSON(http.StatusOK, gin.H{"messages": h.service.List(c.Query("sessionId"), limit)})
}

// MarkReadHandler handles marking a message as read
func (h *Handlers) MarkReadHandler(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		app.BadRequest(c, "Invalid message id", app.FieldError{Field: "id", Reason: "must be an integer"})
		return
	}
	if !h.service.MarkRead(id) {
		app.NotFound(c, "Message")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Message marked as read"})
}
