package workers

import (
	"context"
	"log/slog"
	"time"

	"mosaic-hq/mosaic/pkg/adapters"
	"mosaic-hq/mosaic/pkg/config"
	"mosaic-hq/mosaic/pkg/health"
	"mosaic-hq/mosaic/pkg/httppool"
	"mosaic-hq/mosaic/pkg/registry"
)

// KeyRecovery re-probes keys the tracker holds as unhealthy and returns
// them to rotation on success. Only probe successes clear a sticky 401,
// so this worker is the path back for keys taken out by auth failures.
type KeyRecovery struct {
	cfg     config.KeyHealthCheckConfig
	probe   config.HealthCheckConfig
	store   *registry.Store
	tracker *health.Tracker
	pool    *httppool.Pool
	logger  *slog.Logger

	done chan struct{}
}

// NewKeyRecovery creates the recovery worker. Probe timeouts come from the
// health check settings so both probers behave the same against upstreams.
func NewKeyRecovery(cfg config.KeyHealthCheckConfig, probe config.HealthCheckConfig, store *registry.Store, tracker *health.Tracker, pool *httppool.Pool) *KeyRecovery {
	return &KeyRecovery{
		cfg:     cfg,
		probe:   probe,
		store:   store,
		tracker: tracker,
		pool:    pool,
		logger:  slog.Default().With("component", "workers.recovery"),
		done:    make(chan struct{}),
	}
}

// Run loops until the context ends.
func (k *KeyRecovery) Run(ctx context.Context) {
	defer close(k.done)

	interval := time.Duration(k.cfg.IntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			k.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Done reports worker termination, for shutdown sequencing.
func (k *KeyRecovery) Done() <-chan struct{} {
	return k.done
}

// RunOnce probes every unhealthy key once. Healthy and warning keys are
// left alone; live traffic already exercises them.
func (k *KeyRecovery) RunOnce(ctx context.Context) {
	groups, err := k.store.ListGroups(ctx)
	if err != nil {
		k.logger.Error("failed to list groups for key recovery", "error", err)
		return
	}

	timeout := time.Duration(k.probe.CheckTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	recovered, checked := 0, 0
	for _, g := range groups {
		if !g.Usable() {
			continue
		}
		adapter, err := adapters.ForKind(g.ProviderKind)
		if err != nil {
			continue
		}
		for _, raw := range g.APIKeys {
			keyHash := registry.HashKey(raw)
			if k.tracker.Status(g.ID, keyHash) != health.StatusUnhealthy {
				continue
			}
			checked++
			if k.probeOne(ctx, adapter, g, raw, keyHash, timeout) {
				recovered++
			}
			if ctx.Err() != nil {
				return
			}
		}
	}

	if checked > 0 {
		k.logger.Info("key recovery round complete", "checked", checked, "recovered", recovered)
	}
}

func (k *KeyRecovery) probeOne(ctx context.Context, adapter adapters.Adapter, g *registry.Group, rawKey, keyHash string, timeout time.Duration) bool {
	status, responseMS, _, err := probeListing(ctx, k.pool, adapter, g, rawKey, timeout)

	obs := health.Observation{
		StatusCode: status,
		Duration:   time.Duration(responseMS) * time.Millisecond,
		Probe:      true,
	}
	if err != nil {
		obs.Outcome = health.OutcomeNetwork
		if ctx.Err() == nil && isDeadline(err) {
			obs.Outcome = health.OutcomeTimeout
		}
	} else {
		obs.Outcome = health.ClassifyStatusCode(status)
	}
	after := k.tracker.Observe(g.ID, keyHash, obs)

	if obs.Outcome == health.OutcomeSuccess {
		k.logger.Info("key recovered",
			"group_id", g.ID,
			"group_name", g.Name,
			"key_hash", keyHash[:12],
			"status", after,
		)
		return true
	}
	return false
}
