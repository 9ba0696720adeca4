package app

import (
	"context"
	"time"
)

// shutdownTimeout bounds how long the metrics listener gets to drain.
const shutdownTimeout = 5 * time.Second

// Shutdown stops components in reverse dependency order: heartbeat first
// so no new synthetic traffic is produced, then channels so no new human
// traffic arrives, then the bus so in-flight envelopes finish, then the
// subagent supervisor.
func (a *App) Shutdown() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		return nil
	}
	a.logger.Info("shutting down")

	if a.heartbeat != nil {
		if err := a.heartbeat.Stop(); err != nil {
			a.logger.Error("failed to stop heartbeat", err)
		}
	}

	for _, adapter := range a.adapters {
		if err := adapter.Stop(); err != nil {
			a.logger.Error("failed to stop adapter", err)
		}
	}

	if err := a.messageBus.Stop(); err != nil {
		a.logger.Error("failed to stop message bus", err)
	}

	if a.supervisor != nil {
		a.supervisor.Shutdown()
	}

	if a.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.metricsSrv.Shutdown(ctx); err != nil {
			a.logger.Error("failed to stop metrics server", err)
		}
	}

	a.started = false
	a.logger.Info("shutdown complete")
	return nil
}
