package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/neekaru/whatsapp-dashboard/internal/client"
	"github.com/neekaru/whatsapp-dashboard/internal/config"
	"github.com/neekaru/whatsapp-dashboard/internal/lifecycle"
	"github.com/neekaru/whatsapp-dashboard/internal/media"
	"github.com/neekaru/whatsapp-dashboard/internal/metrics"
	"github.com/neekaru/whatsapp-dashboard/internal/relay"
	"github.com/neekaru/whatsapp-dashboard/internal/store"
)

// App holds shared application state and resources. Everything is built
// explicitly in NewApp and handed to the handlers.
type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	Store   *store.Store
	Manager *lifecycle.Manager
	Relay   *relay.Hub
	Uploads *media.Uploads
	Metrics *metrics.Metrics
	// Gatherer serves /metrics
	Gatherer  prometheus.Gatherer
	StartTime time.Time // Track startup time for health checks
}

// NewApp creates a new App instance with initialized resources
func NewApp(cfg *config.Config, logger *zap.Logger, engine client.Engine, reg *prometheus.Registry) (*App, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := metrics.New(cfg.MetricsNamespace, reg)
	st := store.New(store.WithDefaultTemplates())

	hub := relay.NewHub(relay.Config{
		AllowedOrigins: cfg.CorsOrigins,
		MediaDir:       cfg.UploadDir,
		CommandTimeout: cfg.SendTimeout,
	}, logger, m)

	mgr, err := lifecycle.New(lifecycle.Options{
		Store:          st,
		Engine:         engine,
		Publisher:      hub,
		Logger:         logger,
		Metrics:        m,
		PairingTimeout: cfg.PairingTimeout,
		SendTimeout:    cfg.SendTimeout,
		QRImage:        media.QRDataURL,
	})
	if err != nil {
		return nil, fmt.Errorf("create lifecycle manager: %w", err)
	}

	return &App{
		Config:    cfg,
		Logger:    logger,
		Store:     st,
		Manager:   mgr,
		Relay:     hub,
		Uploads:   media.NewUploads(cfg.UploadDir, cfg.MaxUploadBytes),
		Metrics:   m,
		Gatherer:  reg,
		StartTime: time.Now(),
	}, nil
}

// Shutdown disconnects dashboard clients and stops every automation client
func (a *App) Shutdown(ctx context.Context) error {
	a.Relay.Close()
	return a.Manager.Shutdown(ctx)
}
