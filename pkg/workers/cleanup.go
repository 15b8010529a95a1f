package workers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"mosaic-hq/mosaic/pkg/config"
)

// RetentionTarget is a log store the cleanup worker can prune. Both the
// request-log store and the process-log sink satisfy it.
type RetentionTarget interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Vacuum(ctx context.Context) error
}

type namedTarget struct {
	name   string
	target RetentionTarget
}

// LogCleanup prunes aged log rows on a cron schedule and reclaims file
// space when a pass actually deleted something.
type LogCleanup struct {
	cfg     config.LogCleanupConfig
	targets []namedTarget
	cron    *cron.Cron
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewLogCleanup creates the cleanup worker. Nil targets are skipped so
// callers can pass an absent process-log sink directly.
func NewLogCleanup(cfg config.LogCleanupConfig, requestLogs RetentionTarget, processLogs RetentionTarget) *LogCleanup {
	c := &LogCleanup{
		cfg:    cfg,
		cron:   cron.New(),
		logger: slog.Default().With("component", "workers.cleanup"),
	}
	if requestLogs != nil {
		c.targets = append(c.targets, namedTarget{name: "request_logs", target: requestLogs})
	}
	if processLogs != nil {
		c.targets = append(c.targets, namedTarget{name: "process_logs", target: processLogs})
	}
	return c
}

// Start schedules cleanup passes and stops them when the context ends.
func (c *LogCleanup) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("log cleanup already running")
	}

	hours := c.cfg.IntervalHours
	if hours <= 0 {
		hours = 24
	}
	spec := fmt.Sprintf("@every %dh", hours)
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", spec, err)
	}

	if _, err := c.cron.AddFunc(spec, func() {
		c.RunOnce(context.Background())
	}); err != nil {
		return fmt.Errorf("failed to schedule cleanup: %w", err)
	}

	c.cron.Start()
	c.running = true
	c.logger.Info("log cleanup scheduled", "every_hours", hours, "retention_days", c.cfg.RetentionDays)

	go func() {
		<-ctx.Done()
		c.Stop()
	}()

	if c.cfg.CleanupOnStartup {
		c.RunOnce(ctx)
	}
	return nil
}

// Stop halts the schedule and waits for an in-flight pass to finish.
func (c *LogCleanup) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}
	stopCtx := c.cron.Stop()
	<-stopCtx.Done()
	c.running = false
	c.logger.Info("log cleanup stopped")
}

// RunOnce prunes every target past the retention horizon. VACUUM runs only
// when a pass deleted rows; it rewrites the whole file.
func (c *LogCleanup) RunOnce(ctx context.Context) {
	days := c.cfg.RetentionDays
	if days <= 0 {
		days = 30
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	for _, t := range c.targets {
		deleted, err := t.target.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			c.logger.Error("cleanup pass failed", "target", t.name, "error", err)
			continue
		}
		if deleted == 0 {
			continue
		}
		c.logger.Info("logs pruned", "target", t.name, "deleted", deleted, "older_than", cutoff)
		if err := t.target.Vacuum(ctx); err != nil {
			c.logger.Warn("vacuum failed", "target", t.name, "error", err)
		}
	}
}
