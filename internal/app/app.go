// Package app assembles the runtime: message bus, agent loop, tool
// registry, scheduler, heartbeat, subagent supervisor, and channel
// adapters, and manages their lifecycle.
package app

import (
	"context"
	"net/http"
	"sync"

	"github.com/valetrun/valet/internal/agent/loop"
	"github.com/valetrun/valet/internal/agent/subagent"
	"github.com/valetrun/valet/internal/bus"
	"github.com/valetrun/valet/internal/channels"
	"github.com/valetrun/valet/internal/config"
	"github.com/valetrun/valet/internal/cron"
	"github.com/valetrun/valet/internal/heartbeat"
	"github.com/valetrun/valet/internal/logger"
	"github.com/valetrun/valet/internal/metrics"
	"github.com/valetrun/valet/internal/session"
	"github.com/valetrun/valet/internal/tools"
)

// App holds references to all major components and manages their lifecycle.
type App struct {
	config *config.Config
	logger *logger.Logger

	metrics    *metrics.Metrics
	metricsSrv *http.Server

	messageBus *bus.MessageBus
	store      *session.Store
	registry   *tools.Registry

	agentLoop  *loop.Loop
	supervisor *subagent.Supervisor

	scheduler *cron.Scheduler
	heartbeat *heartbeat.Heartbeat

	adapters []channels.Adapter

	mu      sync.Mutex
	started bool
}

// New creates an App. Components are built in Initialize.
func New(cfg *config.Config, log *logger.Logger) *App {
	return &App{
		config: cfg,
		logger: log,
	}
}

// Run initializes and starts the runtime, then blocks until the context is
// cancelled and shuts everything down.
func (a *App) Run(ctx context.Context) error {
	if err := a.Initialize(ctx); err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}

	a.logger.Info("application is running")
	<-ctx.Done()

	return a.Shutdown()
}

// Scheduler exposes the job scheduler for CLI administration.
func (a *App) Scheduler() *cron.Scheduler {
	return a.scheduler
}
