// Package workers holds the gateway's background loops: the periodic
// health prober, the unhealthy-key recovery worker, and the scheduled log
// cleanup. All of them wait out a startup grace period so a crash-looping
// process cannot hammer upstreams or the database.
package workers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/semaphore"

	"mosaic-hq/mosaic/pkg/adapters"
	"mosaic-hq/mosaic/pkg/config"
	"mosaic-hq/mosaic/pkg/health"
	"mosaic-hq/mosaic/pkg/httppool"
	"mosaic-hq/mosaic/pkg/registry"
)

// HealthProber periodically checks every group with health checks enabled:
// the provider endpoint, each key's credentials, and whether the group's
// configured models are actually offered upstream.
type HealthProber struct {
	cfg     config.HealthCheckConfig
	store   *registry.Store
	tracker *health.Tracker
	pool    *httppool.Pool
	logger  *slog.Logger

	done chan struct{}
}

// NewHealthProber creates the prober.
func NewHealthProber(cfg config.HealthCheckConfig, store *registry.Store, tracker *health.Tracker, pool *httppool.Pool) *HealthProber {
	return &HealthProber{
		cfg:     cfg,
		store:   store,
		tracker: tracker,
		pool:    pool,
		logger:  slog.Default().With("component", "workers.prober"),
		done:    make(chan struct{}),
	}
}

// Run loops until the context ends. The caller is expected to have waited
// out the startup grace period already.
func (p *HealthProber) Run(ctx context.Context) {
	defer close(p.done)

	interval := time.Duration(p.cfg.IntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 30 * time.Minute
	}

	if p.cfg.CheckOnStartup {
		p.RunOnce(ctx)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Done reports prober termination, for shutdown sequencing.
func (p *HealthProber) Done() <-chan struct{} {
	return p.done
}

// RunOnce probes every eligible group, fanning out across groups bounded
// by the configured concurrency.
func (p *HealthProber) RunOnce(ctx context.Context) {
	groups, err := p.store.ListGroups(ctx)
	if err != nil {
		p.logger.Error("failed to list groups for probing", "error", err)
		return
	}

	maxConcurrent := int64(p.cfg.MaxConcurrentGroups)
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	sem := semaphore.NewWeighted(maxConcurrent)

	started := time.Now()
	probed := 0
	for _, g := range groups {
		if !g.HealthCheckEnabled || !g.Usable() {
			continue
		}
		probed++
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		go func(g *registry.Group) {
			defer sem.Release(1)
			p.probeGroup(ctx, g)
		}(g)
	}

	// Wait for all in-flight probes before reporting the cycle.
	if err := sem.Acquire(ctx, maxConcurrent); err != nil {
		return
	}
	sem.Release(maxConcurrent)

	p.logger.Info("health check cycle complete",
		"groups", probed,
		"took", time.Since(started),
	)

	if p.cfg.EnableCleanup {
		p.pruneEvents(ctx)
	}
}

// probeGroup checks one group: each key's credentials against the model
// listing endpoint, then the model set from the first successful listing.
func (p *HealthProber) probeGroup(ctx context.Context, g *registry.Group) {
	adapter, err := adapters.ForKind(g.ProviderKind)
	if err != nil {
		p.logger.Error("group has no adapter", "group_id", g.ID, "provider_kind", g.ProviderKind)
		return
	}

	timeout := time.Duration(p.cfg.CheckTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	var upstreamModels []string
	providerOK := false

	for _, raw := range g.APIKeys {
		keyHash := registry.HashKey(raw)
		status, responseMS, body, err := probeListing(ctx, p.pool, adapter, g, raw, timeout)

		obs := health.Observation{
			StatusCode: status,
			Duration:   time.Duration(responseMS) * time.Millisecond,
			Probe:      true,
		}
		var errText string
		switch {
		case err != nil:
			obs.Outcome = health.OutcomeNetwork
			if ctx.Err() == nil && isDeadline(err) {
				obs.Outcome = health.OutcomeTimeout
			}
			errText = err.Error()
		default:
			obs.Outcome = health.ClassifyStatusCode(status)
		}
		p.tracker.Observe(g.ID, keyHash, obs)

		p.recordResult(ctx, &registry.HealthResult{
			GroupID:    g.ID,
			TargetKind: "key",
			Target:     keyHash,
			Success:    obs.Outcome == health.OutcomeSuccess,
			StatusCode: status,
			ResponseMS: responseMS,
			Error:      errText,
			CheckedAt:  time.Now().UTC(),
		})

		if obs.Outcome == health.OutcomeSuccess {
			providerOK = true
			if upstreamModels == nil {
				upstreamModels = parseModelList(body)
			}
		}
	}

	p.recordProviderState(ctx, g, providerOK)
	if upstreamModels != nil {
		p.checkModels(ctx, g, upstreamModels)
	}
}

// probeListing issues the model listing request with one key's
// credentials. It is the cheapest authenticated call every dialect has.
func probeListing(ctx context.Context, pool *httppool.Pool, adapter adapters.Adapter, g *registry.Group, rawKey string, timeout time.Duration) (status int, responseMS int64, body []byte, err error) {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, adapter.ModelsURL(g), nil)
	if err != nil {
		return 0, 0, nil, err
	}
	adapter.ApplyCredentials(req.Header, rawKey)

	start := time.Now()
	resp, err := pool.ClientFor(g).Do(req)
	responseMS = time.Since(start).Milliseconds()
	if err != nil {
		return 0, responseMS, nil, err
	}
	defer resp.Body.Close()

	body, _ = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return resp.StatusCode, responseMS, body, nil
}

// checkModels verifies the group's configured models against what the
// upstream actually lists.
func (p *HealthProber) checkModels(ctx context.Context, g *registry.Group, upstream []string) {
	offered := make(map[string]bool, len(upstream))
	for _, m := range upstream {
		offered[m] = true
	}

	now := time.Now().UTC()
	for _, m := range g.Models {
		ok := offered[m]
		if !ok {
			p.logger.Warn("configured model not offered upstream",
				"group_id", g.ID,
				"group_name", g.Name,
				"model", m,
			)
		}
		rec := p.tracker.ObserveModel(g.ID, m, ok)
		if err := p.store.UpsertModelValidation(ctx, g.ID, m, rec); err != nil {
			p.logger.Warn("failed to persist model validation", "group_id", g.ID, "model", m, "error", err)
		}
		p.recordResult(ctx, &registry.HealthResult{
			GroupID:    g.ID,
			TargetKind: "model",
			Target:     m,
			Success:    ok,
			CheckedAt:  now,
		})
	}
}

func (p *HealthProber) recordProviderState(ctx context.Context, g *registry.Group, ok bool) {
	now := time.Now().UTC()
	prev, err := p.store.ProviderValidation(ctx, g.ID)
	if err != nil {
		p.logger.Warn("failed to load provider validation", "group_id", g.ID, "error", err)
	}
	rec := &registry.ValidationRecord{LastCheckedAt: &now}
	if prev != nil {
		*rec = *prev
		rec.LastCheckedAt = &now
	}
	rec.TotalChecks++
	if ok {
		rec.SuccessfulChecks++
		rec.ConsecutiveFailures = 0
		rec.LastSuccessAt = &now
	} else {
		rec.ConsecutiveFailures++
		rec.LastFailureAt = &now
	}
	if err := p.store.UpsertProviderValidation(ctx, g.ID, rec); err != nil {
		p.logger.Warn("failed to persist provider validation", "group_id", g.ID, "error", err)
	}
	p.recordResult(ctx, &registry.HealthResult{
		GroupID:    g.ID,
		TargetKind: "provider",
		Target:     g.BaseURL,
		Success:    ok,
		CheckedAt:  now,
	})
}

func (p *HealthProber) recordResult(ctx context.Context, r *registry.HealthResult) {
	if err := p.store.InsertHealthResult(ctx, r); err != nil {
		p.logger.Warn("failed to record health result", "group_id", r.GroupID, "error", err)
	}
}

// pruneEvents removes probe outcomes past the retention horizon.
func (p *HealthProber) pruneEvents(ctx context.Context) {
	days := p.cfg.RetentionDays
	if days <= 0 {
		days = 7
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	deleted, err := p.store.DeleteHealthResultsBefore(ctx, cutoff)
	if err != nil {
		p.logger.Error("failed to prune health results", "error", err)
		return
	}
	if deleted > 0 {
		p.logger.Info("health results pruned", "deleted", deleted, "older_than", cutoff)
	}
}

// parseModelList pulls model ids out of a listing response in any of the
// three dialect shapes.
func parseModelList(body []byte) []string {
	var models []string
	if data := gjson.GetBytes(body, "data"); data.IsArray() {
		data.ForEach(func(_, v gjson.Result) bool {
			if id := v.Get("id").String(); id != "" {
				models = append(models, id)
			}
			return true
		})
		return models
	}
	if data := gjson.GetBytes(body, "models"); data.IsArray() {
		data.ForEach(func(_, v gjson.Result) bool {
			if name := v.Get("name").String(); name != "" {
				models = append(models, adapters.StripModelsPrefix(name))
			}
			return true
		})
	}
	return models
}

func isDeadline(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
