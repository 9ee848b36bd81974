package health

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/neekaru/whatsapp-dashboard/internal/app"
	"github.com/neekaru/whatsapp-dashboard/internal/store"
)

// Version is reported by the root endpoint
const Version = "1.0.0"

// Handlers contains HTTP handlers for health checks
type Handlers struct {
	app *app.App
}

// NewHandlers creates a new health handlers instance
func NewHandlers(app *app.App) *Handlers {
	return &Handlers{app: app}
}

// counts returns the number of stored and connected sessions
func (h *Handlers) counts() (sessions []store.Session, connected int) {
	sessions = h.app.Store.ListSessions()
	for _, s := range sessions {
		if s.Status == store.StatusConnected {
			connected++
		}
	}
	return sessions, connected
}

// RootHandler handles the root endpoint for Docker health checks
func (h *Handlers) RootHandler(c *gin.Context) {
	sessions, _ := h.counts()
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"uptime":        time.Since(h.app.StartTime).String(),
		"session_count": len(sessions),
		"version":       Version,
	})
}

// HealthCheckHandler handles the health check endpoint
func (h *Handlers) HealthCheckHandler(c *gin.Context) {
	sessions, connected := h.counts()
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"uptime":          time.Since(h.app.StartTime).String(),
		"total_sessions":  len(sessions),
		"active_sessions": connected,
		"tracked_clients": h.app.Manager.Tracked(),
		"relay_clients":   h.app.Relay.Clients(),
		"timestamp":       time.Now().Format(time.RFC3339),
	})
}

// StatsHandler reports the dashboard counters
func (h *Handlers) StatsHandler(c *gin.Context) {
	sessions, connected := h.counts()
	var defaultID *string
	if id, ok := store.DefaultSessionID(sessions); ok {
		defaultID = &id
	}
	c.JSON(http.StatusOK, gin.H{
		"totalSessions":     len(sessions),
		"connectedSessions": connected,
		"unreadMessages":    h.app.Store.UnreadCount(),
		"lastSync":          time.Now().UTC().Format(time.RFC3339Nano),
		"defaultSessionId":  defaultID,
	})
}
