// Package retention prunes idle conversations on a cron schedule so the
// message tables do not grow without bound.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/courierai/courier/internal/config"
	"github.com/courierai/courier/internal/store"
)

type Janitor struct {
	logger    *slog.Logger
	store     *store.Store
	schedule  string
	maxAge    time.Duration
	scheduler *cron.Cron
}

func NewJanitor(log *slog.Logger, st *store.Store, cfg config.RetentionConfig) *Janitor {
	if log == nil {
		log = slog.Default()
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = config.DefaultRetentionSchedule
	}
	maxDays := cfg.MaxDays
	if maxDays <= 0 {
		maxDays = config.DefaultRetentionDays
	}
	return &Janitor{
		logger:   log.With(slog.String("component", "retention")),
		store:    st,
		schedule: schedule,
		maxAge:   time.Duration(maxDays) * 24 * time.Hour,
	}
}

// Start registers the cron entry. Safe to call once.
func (j *Janitor) Start() error {
	j.scheduler = cron.New()
	if _, err := j.scheduler.AddFunc(j.schedule, j.runOnce); err != nil {
		return err
	}
	j.scheduler.Start()
	j.logger.Info("retention scheduled",
		slog.String("schedule", j.schedule),
		slog.Duration("max_age", j.maxAge))
	return nil
}

func (j *Janitor) Stop() {
	if j.scheduler == nil {
		return
	}
	stopCtx := j.scheduler.Stop()
	<-stopCtx.Done()
}

func (j *Janitor) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-j.maxAge)
	deleted, err := j.store.DeleteIdleConversations(ctx, cutoff)
	if err != nil {
		j.logger.Error("retention sweep failed", slog.Any("error", err))
		return
	}
	if deleted > 0 {
		j.logger.Info("retention sweep",
			slog.Int64("conversations_deleted", deleted),
			slog.Time("cutoff", cutoff))
	}
}
