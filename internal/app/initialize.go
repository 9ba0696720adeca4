package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/valetrun/valet/internal/agent/loop"
	"github.com/valetrun/valet/internal/agent/subagent"
	"github.com/valetrun/valet/internal/bus"
	"github.com/valetrun/valet/internal/channels/telegram"
	"github.com/valetrun/valet/internal/cron"
	"github.com/valetrun/valet/internal/heartbeat"
	"github.com/valetrun/valet/internal/llm"
	"github.com/valetrun/valet/internal/logger"
	"github.com/valetrun/valet/internal/metrics"
	"github.com/valetrun/valet/internal/session"
	"github.com/valetrun/valet/internal/tools"
)

// Initialize builds every component and wires them together. Nothing is
// started yet.
func (a *App) Initialize(ctx context.Context) error {
	cfg := a.config

	if a.metrics == nil {
		if cfg.Metrics.Enabled {
			reg := prometheus.NewRegistry()
			a.metrics = metrics.New("valet", reg)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			a.metricsSrv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		}
	}

	store, err := session.NewStore(cfg.SessionsDir(), a.logger)
	if err != nil {
		return fmt.Errorf("failed to create session store: %w", err)
	}
	a.store = store

	a.messageBus = bus.New(bus.Config{
		QueueDepth:      cfg.Bus.QueueDepth,
		DeliveryTimeout: time.Duration(cfg.Bus.DeliveryTimeoutSeconds) * time.Second,
		RetryDelay:      time.Duration(cfg.Bus.RetryDelayMillis) * time.Millisecond,
	}, a.logger, a.metrics)

	cronStore := cron.NewStore(cfg.Workspace.Path, a.logger)
	a.scheduler = cron.NewScheduler(cronStore, a.messageBus, a.logger, a.metrics)

	provider, err := a.buildProvider()
	if err != nil {
		return err
	}

	a.registry = tools.NewRegistry()

	a.agentLoop, err = loop.New(loop.Config{
		Provider:     provider,
		Registry:     a.registry,
		Store:        a.store,
		Publisher:    a.messageBus,
		Logger:       a.logger,
		Metrics:      a.metrics,
		SystemPrompt: cfg.Agent.SystemPrompt,
		Model:        cfg.Agent.Model,
		MaxTokens:    cfg.Agent.MaxTokens,
		Temperature:  cfg.Agent.Temperature,
		MaxRounds:    cfg.Agent.MaxRounds,
		LockTimeout:  time.Duration(cfg.Agent.LockTimeoutSeconds) * time.Second,
		ToolTimeout:  time.Duration(cfg.Agent.ToolTimeoutSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent loop: %w", err)
	}

	if cfg.Subagent.Enabled {
		a.supervisor, err = subagent.New(subagent.Config{
			Runner:    a.agentLoop,
			Publisher: a.messageBus,
			Logger:    a.logger,
			Max:       cfg.Subagent.MaxConcurrent,
			Timeout:   time.Duration(cfg.Subagent.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			return fmt.Errorf("failed to create subagent supervisor: %w", err)
		}
	}

	if err := a.registerTools(); err != nil {
		return err
	}

	a.messageBus.SetInboundHandler(a.agentLoop.HandleEnvelope)

	if cfg.Heartbeat.Enabled {
		a.heartbeat, err = heartbeat.New(a.scheduler, a.messageBus, a.logger, heartbeat.Config{
			Tick:         time.Duration(cfg.Heartbeat.TickSeconds) * time.Second,
			CheckEvery:   time.Duration(cfg.Heartbeat.CheckEveryMinutes) * time.Minute,
			OwnerChannel: bus.ChannelType(cfg.Heartbeat.OwnerChannel),
			OwnerAddress: cfg.Heartbeat.OwnerAddress,
			OwnerUserID:  cfg.Heartbeat.OwnerUserID,
		})
		if err != nil {
			return fmt.Errorf("failed to create heartbeat: %w", err)
		}
	}

	if cfg.Channels.Telegram.Enabled {
		conn, err := telegram.New(cfg.Channels.Telegram, a.logger, a.messageBus)
		if err != nil {
			return fmt.Errorf("failed to create telegram connector: %w", err)
		}
		a.adapters = append(a.adapters, conn)
	}

	for _, adapter := range a.adapters {
		if err := a.messageBus.SubscribeOutbound(adapter.Type(), adapter.Deliver); err != nil {
			return fmt.Errorf("failed to subscribe %s adapter: %w", adapter.Type(), err)
		}
	}

	a.logger.Info("application initialized",
		logger.Field{Key: "provider", Value: cfg.Agent.Provider},
		logger.Field{Key: "adapters", Value: len(a.adapters)},
		logger.Field{Key: "tools", Value: a.registry.Names()})
	return nil
}

func (a *App) buildProvider() (llm.Provider, error) {
	cfg := a.config
	switch cfg.Agent.Provider {
	case "openai":
		return llm.NewOpenAIProvider(llm.OpenAIConfig{
			APIKey:         cfg.LLM.OpenAI.APIKey,
			BaseURL:        cfg.LLM.OpenAI.BaseURL,
			Model:          cfg.Agent.Model,
			TimeoutSeconds: cfg.LLM.OpenAI.TimeoutSeconds,
		}, a.logger), nil
	case "mock":
		return llm.NewEchoProvider(), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", cfg.Agent.Provider)
	}
}

func (a *App) registerTools() error {
	toolset := []tools.Tool{
		tools.NewSystemTimeTool(),
		tools.NewSendMessageTool(a.messageBus, a.logger),
		tools.NewCronTool(a.scheduler, a.logger),
	}
	if a.supervisor != nil {
		toolset = append(toolset, tools.NewSpawnAgentTool(a.supervisor, a.logger))
	}

	for _, t := range toolset {
		if err := a.registry.Register(t); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", t.Name(), err)
		}
	}
	return nil
}

// Start launches everything in dependency order: bus first so consumers
// can publish, then channels, then the heartbeat.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return fmt.Errorf("application already started")
	}

	if err := a.messageBus.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message bus: %w", err)
	}

	for _, adapter := range a.adapters {
		if err := adapter.Start(ctx); err != nil {
			return fmt.Errorf("failed to start %s adapter: %w", adapter.Type(), err)
		}
	}

	if a.heartbeat != nil {
		if err := a.heartbeat.Start(ctx); err != nil {
			return fmt.Errorf("failed to start heartbeat: %w", err)
		}
	}

	if a.metricsSrv != nil {
		go func() {
			if err := a.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.logger.Error("metrics server failed", err)
			}
		}()
	}

	a.started = true
	return nil
}
