// Package template serves the canned message templates of the dashboard
package template

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/neekaru/whatsapp-dashboard/internal/app"
)

// CreateTemplateRequest represents a new canned message
type CreateTemplateRequest struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Handlers contains HTTP handlers for templates
type Handlers struct {
	app *app.App
}

// NewHandlers creates a new template handlers instance
func NewHandlers(app *app.App) *Handlers {
	return &Handlers{app: app}
}

// ListTemplatesHandler returns every template
func (h *Handlers) ListTemplatesHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"templates": h.app.Store.ListTemplates()})
}

// CreateTemplateHandler stores a new template
func (h *Handlers) CreateTemplateHandler(c *gin.Context) {
	var req CreateTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		app.BadRequest(c, "Invalid request body", app.FieldError{Field: "body", Reason: err.Error()})
		return
	}

	var details []app.FieldError
	if strings.TrimSpace(req.Name) == "" {
		details = append(details, app.FieldError{Field: "name", Reason: "required"})
	}
	if strings.TrimSpace(req.Content) == "" {
		details = append(details, app.FieldError{Field: "content", Reason: "required"})
	}
	if len(details) > 0 {
		app.BadRequest(c, "Invalid template data", details...)
		return
	}

	c.JSON(http.StatusCreated, h.app.Store.CreateTemplate(strings.TrimSpace(req.Name), req.Content))
}

// DeleteTemplateHandler removes a template
func (h *Handlers) DeleteTemplateHandler(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		app.BadRequest(c, "Invalid template id", app.FieldError{Field: "id", Reason: "must be an integer"})
		return
	}
	if !h.app.Store.DeleteTemplate(id) {
		app.NotFound(c, "Template")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Template deleted successfully"})
}
