package workers

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"mosaic-hq/mosaic/pkg/config"
	"mosaic-hq/mosaic/pkg/health"
	"mosaic-hq/mosaic/pkg/httppool"
	"mosaic-hq/mosaic/pkg/registry"
)

// Manager starts and stops the background workers as one unit. No worker
// touches an upstream or the database before the startup grace period has
// passed, so a restart loop cannot amplify load.
type Manager struct {
	logger *slog.Logger

	prober   *HealthProber
	recovery *KeyRecovery
	cleanup  *LogCleanup

	// grace is randomized per process. Tests shorten it.
	grace time.Duration

	mu       sync.Mutex
	launched bool
	cancel   context.CancelFunc
}

// NewManager wires the enabled workers. requestLogs and processLogs may be
// nil when the corresponding sink is disabled.
func NewManager(cfg *config.Config, store *registry.Store, tracker *health.Tracker, pool *httppool.Pool, requestLogs, processLogs RetentionTarget) *Manager {
	m := &Manager{
		logger: slog.Default().With("component", "workers"),
		grace:  30*time.Second + time.Duration(rand.Int63n(int64(30*time.Second))),
	}
	if cfg.HealthCheck.Enabled {
		m.prober = NewHealthProber(cfg.HealthCheck, store, tracker, pool)
	}
	if cfg.KeyHealthCheck.Enabled {
		m.recovery = NewKeyRecovery(cfg.KeyHealthCheck, cfg.HealthCheck, store, tracker, pool)
	}
	if cfg.LogCleanup.Enabled {
		m.cleanup = NewLogCleanup(cfg.LogCleanup, requestLogs, processLogs)
	}
	return m
}

// Start launches the workers after the grace period. It returns
// immediately; the grace wait happens in the background.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	if m.prober == nil && m.recovery == nil && m.cleanup == nil {
		m.logger.Info("no background workers enabled")
		return
	}

	m.logger.Info("background workers starting", "grace", m.grace)
	go func() {
		select {
		case <-time.After(m.grace):
		case <-ctx.Done():
			return
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		m.launched = true

		if m.prober != nil {
			go m.prober.Run(ctx)
		}
		if m.recovery != nil {
			go m.recovery.Run(ctx)
		}
		if m.cleanup != nil {
			if err := m.cleanup.Start(ctx); err != nil {
				m.logger.Error("failed to start log cleanup", "error", err)
			}
		}
	}()
}

// Stop cancels all workers. When they were launched it waits for the
// probers to drain; during the grace period there is nothing to wait for.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}

	m.mu.Lock()
	launched := m.launched
	m.mu.Unlock()
	if !launched {
		return
	}

	if m.prober != nil {
		<-m.prober.Done()
	}
	if m.recovery != nil {
		<-m.recovery.Done()
	}
	if m.cleanup != nil {
		m.cleanup.Stop()
	}
}
