package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/neekaru/whatsapp-dashboard/internal/app"
	"github.com/neekaru/whatsapp-dashboard/internal/client"
	"github.com/neekaru/whatsapp-dashboard/internal/config"
	"github.com/neekaru/whatsapp-dashboard/internal/media"
	"github.com/neekaru/whatsapp-dashboard/internal/server"
	"github.com/neekaru/whatsapp-dashboard/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "whatsapp-dashboard:", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadDotEnv(); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logger.SetupLogging(logger.Config{Dir: cfg.LogDir, Level: cfg.LogLevel})
	if err != nil {
		log = logger.SetupFallbackLogger()
		log.Warn("file logging unavailable", zap.Error(err))
	}
	defer log.Close()

	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("create data directories: %w", err)
	}

	if lvl, _ := logger.ParseLevel(cfg.LogLevel); lvl > zap.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := client.NewWhatsmeowEngine(client.WhatsmeowConfig{
		DataDir:   cfg.DataDir,
		LogLevel:  cfg.WALogLevel,
		Thumbnail: media.Thumbnailer{Width: 320}.VideoThumbnail,
	}, log.Logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := app.NewApp(cfg, log.Logger, engine, reg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.RestoreSessions {
		restoreSessions(ctx, a, engine)
	}

	srv := server.NewServer(a, cfg, log.Writer())
	srv.SetupRoutes()
	serveErr, err := srv.Start()
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err = <-serveErr:
		log.Error("server stopped unexpectedly", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	return errors.Join(err, srv.Shutdown(shutdownCtx), a.Shutdown(shutdownCtx))
}

// restoreSessions brings back every device paired before the last restart
func restoreSessions(ctx context.Context, a *app.App, engine *client.WhatsmeowEngine) {
	ids, err := engine.StoredSessions()
	if err != nil {
		a.Logger.Warn("listing stored sessions failed", zap.Error(err))
		return
	}
	for _, id := range ids {
		if err := a.Manager.Init(ctx, id, id); err != nil {
			a.Logger.Warn("restoring session failed", zap.String("session_id", id), zap.Error(err))
			continue
		}
		a.Logger.Info("session restored", zap.String("session_id", id))
	}
}
