// Package reaper tears down idle sandboxes, prunes expired published
// files, and sweeps registry rows whose container has vanished. It
// never surfaces errors to users: failures are logged and retried on
// the next tick.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/sandboxd/internal/coordinator"
	"github.com/jkaninda/sandboxd/internal/files"
	"github.com/jkaninda/sandboxd/internal/observability"
	"github.com/jkaninda/sandboxd/internal/registry"
	"github.com/jkaninda/sandboxd/internal/sandbox"
)

// Config tunes the reaper.
type Config struct {
	Interval            time.Duration // Tick cadence. Default 5m.
	InactivityThreshold time.Duration // Idle time before teardown. Default 1h.
	FileTTL             time.Duration // Published file lifetime. Default 1h.
}

func (c Config) interval() time.Duration {
	if c.Interval > 0 {
		return c.Interval
	}
	return 5 * time.Minute
}

func (c Config) inactivityThreshold() time.Duration {
	if c.InactivityThreshold > 0 {
		return c.InactivityThreshold
	}
	return time.Hour
}

func (c Config) fileTTL() time.Duration {
	if c.FileTTL > 0 {
		return c.FileTTL
	}
	return time.Hour
}

// Reaper runs the periodic sweep.
type Reaper struct {
	cfg       Config
	coord     *coordinator.Coordinator
	boxes     registry.SandboxStore
	driver    sandbox.Driver
	publisher *files.Publisher
	metrics   *observability.MetricsCollector
	logger    *slog.Logger
}

// New creates a Reaper. metrics may be nil.
func New(cfg Config, coord *coordinator.Coordinator, boxes registry.SandboxStore, driver sandbox.Driver, publisher *files.Publisher, metrics *observability.MetricsCollector, logger *slog.Logger) *Reaper {
	return &Reaper{
		cfg:       cfg,
		coord:     coord,
		boxes:     boxes,
		driver:    driver,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
	}
}

// Start schedules the sweep and returns a stop function.
func (r *Reaper) Start(ctx context.Context) (func(), error) {
	c := cron.New()
	spec := fmt.Sprintf("@every %s", r.cfg.interval())
	if _, err := c.AddFunc(spec, func() { r.Tick(ctx) }); err != nil {
		return nil, fmt.Errorf("scheduling reaper: %w", err)
	}
	c.Start()

	r.logger.Info("reaper started",
		slog.Duration("interval", r.cfg.interval()),
		slog.Duration("inactivity_threshold", r.cfg.inactivityThreshold()),
		slog.Duration("file_ttl", r.cfg.fileTTL()),
	)

	return func() {
		stopCtx := c.Stop()
		<-stopCtx.Done()
	}, nil
}

// Tick runs one sweep: idle teardown, file pruning, orphan cleanup.
func (r *Reaper) Tick(ctx context.Context) {
	now := time.Now().UTC()
	if r.metrics != nil {
		r.metrics.ReaperRunsTotal.Inc()
	}

	rows, err := r.boxes.List(ctx)
	if err != nil {
		r.logger.Error("reaper: listing sandboxes failed", slog.String("error", err.Error()))
		return
	}

	cutoff := now.Add(-r.cfg.inactivityThreshold())
	for _, sb := range rows {
		switch {
		case sb.LastUsedAt.Before(cutoff):
			if err := r.coord.ReapSandbox(ctx, sb.ID); err != nil {
				r.logger.Warn("reaper: teardown failed, will retry",
					slog.String("sandbox_id", sb.ID.String()),
					slog.String("error", err.Error()),
				)
				continue
			}
			if r.metrics != nil {
				r.metrics.ReapedSandboxes.Inc()
			}
			r.logger.Info("reaped idle sandbox",
				slog.String("sandbox_id", sb.ID.String()),
				slog.Time("last_used_at", sb.LastUsedAt),
			)

		default:
			// Rows whose container vanished out from under us (manual rm,
			// pruned by the daemon) are dead weight: drop the row and its
			// files so the user can create a fresh sandbox. Stopped
			// containers still exist and are left alone.
			alive, err := r.driver.Exists(ctx, sb.ContainerID)
			if err != nil {
				r.logger.Warn("reaper: container check failed",
					slog.String("sandbox_id", sb.ID.String()),
					slog.String("error", err.Error()),
				)
				continue
			}
			if alive {
				continue
			}
			// Removing an absent container is a no-op at the driver, but
			// if the daemon objects, keep the row and retry on the next
			// sweep rather than leak the container.
			if err := r.driver.Remove(ctx, sb.ContainerID); err != nil {
				r.logger.Warn("reaper: removing orphaned container failed",
					slog.String("sandbox_id", sb.ID.String()),
					slog.String("error", err.Error()),
				)
				continue
			}
			if err := r.boxes.Delete(ctx, sb.ID); err != nil {
				r.logger.Warn("reaper: deleting orphaned row failed",
					slog.String("sandbox_id", sb.ID.String()),
					slog.String("error", err.Error()),
				)
				continue
			}
			if err := r.publisher.Forget(sb.ID); err != nil {
				r.logger.Warn("reaper: forgetting orphaned files failed",
					slog.String("sandbox_id", sb.ID.String()),
					slog.String("error", err.Error()),
				)
			}
			if r.metrics != nil {
				r.metrics.PrunedOrphanedRows.Inc()
				r.metrics.ActiveSandboxes.Dec()
			}
			r.logger.Info("removed orphaned sandbox row",
				slog.String("sandbox_id", sb.ID.String()),
			)
		}
	}

	r.publisher.Prune(now, r.cfg.fileTTL())
}
