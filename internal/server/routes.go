package server

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/neekaru/whatsapp-dashboard/internal/health"
	"github.com/neekaru/whatsapp-dashboard/internal/messaging"
	"github.com/neekaru/whatsapp-dashboard/internal/session"
	"github.com/neekaru/whatsapp-dashboard/internal/template"
)

// SetupRoutes configures all the routes for the application
func (s *Server) SetupRoutes() {
	// Register health check handlers
	healthHandlers := health.NewHandlers(s.app)
	s.router.GET("/", healthHandlers.RootHandler)
	s.router.GET("/health", healthHandlers.HealthCheckHandler)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.app.Gatherer, promhttp.HandlerOpts{})))

	// Dashboard clients
	s.router.GET("/ws", s.app.Relay.Handler(s.app.Manager))

	api := s.router.Group("/api")
	api.GET("/stats", healthHandlers.StatsHandler)

	// Register session handlers
	sessionHandlers := session.NewHandlers(s.app)
	api.GET("/sessions", sessionHandlers.ListSessionsHandler)
	api.POST("/sessions", sessionHandlers.CreateSessionHandler)
	api.GET("/sessions/:id", sessionHandlers.GetSessionHandler)
	api.PATCH("/sessions/:id", sessionHandlers.RenameSessionHandler)
	api.DELETE("/sessions/:id", sessionHandlers.DeleteSessionHandler)
	api.GET("/sessions/:id/qr", sessionHandlers.QRImageHandler)

	// Register messaging handlers
	messagingHandlers := messaging.NewHandlers(s.app)
	api.POST("/send-message", messagingHandlers.SendMessageHandler)
	api.GET("/messages", messagingHandlers.ListMessagesHandler)
	api.PUT("/messages/:id/read", messagingHandlers.MarkReadHandler)

	// Register template handlers
	templateHandlers := template.NewHandlers(s.app)
	api.GET("/templates", templateHandlers.ListTemplatesHandler)
	api.POST("/templates", templateHandlers.CreateTemplateHandler)
	api.DELETE("/templates/:id", templateHandlers.DeleteTemplateHandler)
}
