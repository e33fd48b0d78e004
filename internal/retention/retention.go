// Package retention removes old log records and alert history on a cron
// schedule.
package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/marcus-qen/logsentry/internal/metrics"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Pruner deletes entries older than a cutoff.
type Pruner interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Cleaner runs retention on a standard five-field cron schedule.
type Cleaner struct {
	logs    Pruner
	history Pruner
	maxAge  time.Duration
	logger  *zap.Logger
	now     func() time.Time

	schedule cron.Schedule
	expr     string

	mu   sync.Mutex
	cron *cron.Cron
}

// New creates a cleaner keeping days of data. history may be nil.
func New(logs, history Pruner, days int, schedule string, logger *zap.Logger) (*Cleaner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if days <= 0 {
		return nil, fmt.Errorf("retention days must be positive, got %d", days)
	}
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", schedule, err)
	}
	return &Cleaner{
		logs:     logs,
		history:  history,
		maxAge:   time.Duration(days) * 24 * time.Hour,
		logger:   logger,
		now:      time.Now,
		schedule: sched,
		expr:     schedule,
	}, nil
}

// Start schedules cleanup runs. ctx bounds each run.
func (c *Cleaner) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cron != nil {
		return
	}

	c.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.cron.Schedule(c.schedule, cron.FuncJob(func() {
		if _, err := c.RunOnce(ctx); err != nil {
			c.logger.Warn("retention cleanup failed", zap.Error(err))
		}
	}))
	c.cron.Start()
	c.logger.Info("retention cleanup scheduled",
		zap.String("schedule", c.expr),
		zap.Duration("max_age", c.maxAge))
}

// Stop halts the schedule and waits for a running cleanup to finish.
func (c *Cleaner) Stop() {
	c.mu.Lock()
	cr := c.cron
	c.cron = nil
	c.mu.Unlock()
	if cr == nil {
		return
	}
	<-cr.Stop().Done()
}

// NextRun reports when the schedule fires next after t.
func (c *Cleaner) NextRun(t time.Time) time.Time {
	return c.schedule.Next(t)
}

// RunOnce deletes everything older than the retention period and returns
// the number of log records removed.
func (c *Cleaner) RunOnce(ctx context.Context) (int64, error) {
	cutoff := c.now().Add(-c.maxAge)

	deleted, err := c.logs.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune logs: %w", err)
	}
	metrics.RetentionDeletedTotal.Add(float64(deleted))

	var fires int64
	if c.history != nil {
		fires, err = c.history.DeleteBefore(ctx, cutoff)
		if err != nil {
			return deleted, fmt.Errorf("prune alert history: %w", err)
		}
	}

	c.logger.Info("retention cleanup complete",
		zap.Time("cutoff", cutoff),
		zap.Int64("logs_deleted", deleted),
		zap.Int64("alert_fires_deleted", fires))
	return deleted, nil
}
