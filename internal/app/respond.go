package app

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// FieldError describes why one request field was rejected
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// BadRequest replies 400 with a machine-readable list of rejected fields
func BadRequest(c *gin.Context, msg string, details ...FieldError) {
	if details == nil {
		details = []FieldError{}
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": msg, "details": details})
}

// NotFound replies 404
func NotFound(c *gin.Context, what string) {
	c.JSON(http.StatusNotFound, gin.H{"error": what + " not found"})
}

// InternalError logs err and replies 500
func (a *App) InternalError(c *gin.Context, msg string, err error) {
	a.Logger.Error(msg, zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg, "details": err.Error()})
}
