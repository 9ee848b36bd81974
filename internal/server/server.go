package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/neekaru/whatsapp-dashboard/internal/app"
	"github.com/neekaru/whatsapp-dashboard/internal/config"
)

// Server represents the HTTP server
type Server struct {
	router *gin.Engine
	app    *app.App
	config *config.Config
	http   *http.Server
}

// NewServer creates a new server instance. Access logs and recovered panics
// go to logWriter, or to stdout and stderr when it is nil.
func NewServer(app *app.App, config *config.Config, logWriter io.Writer) *Server {
	out, errOut := io.Writer(os.Stdout), io.Writer(os.Stderr)
	if logWriter != nil {
		out, errOut = logWriter, logWriter
	}

	r := gin.New()
	r.Use(gin.LoggerWithWriter(out), gin.RecoveryWithWriter(errOut))

	// Configure CORS
	r.Use(cors.New(config.GetCorsConfig()))

	return &Server{
		router: r,
		app:    app,
		config: config,
		http: &http.Server{
			Addr:    config.Addr(),
			Handler: r,
		},
	}
}

// Router returns the gin router
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start binds the listen address and serves in the background. Serve errors
// are delivered on the returned channel.
func (s *Server) Start() (<-chan error, error) {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", s.http.Addr, err)
	}

	errc := make(chan error, 1)
	go func() {
		s.app.Logger.Info("dashboard server running", zap.String("addr", ln.Addr().String()))
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()
	return errc, nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.app.Logger.Info("shutting down server")
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	s.app.Logger.Info("server exited")
	return nil
}
