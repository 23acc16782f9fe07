package task

import (
	"context"
	"log/slog"
	"time"

	"TaskMesh-Chain/pkg/logger"
)

// Janitor 定期归档超过保留期的终态任务，并清除归档超过清除期的任务。
type Janitor struct {
	store     Store
	retention time.Duration
	purge     time.Duration
	interval  time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewJanitor 构造 Janitor。purge 为 0 时只归档不清除。
func NewJanitor(store Store, retention, purge, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Janitor{
		store:     store,
		retention: retention,
		purge:     purge,
		interval:  interval,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.Named("janitor"),
	}
}

// Run 周期性执行清理，直到 ctx 结束。
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		if _, _, err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
			j.logger.Warn("任务清理失败", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep 执行一轮归档与清除，返回各自处理的任务数。
func (j *Janitor) Sweep(ctx context.Context) (archived, purged int, err error) {
	now := j.now()
	if j.retention > 0 {
		archived, err = j.store.Archive(ctx, now.Add(-j.retention))
		if err != nil {
			return 0, 0, err
		}
	}
	if j.purge > 0 {
		purged, err = j.store.Purge(ctx, now.Add(-j.purge))
		if err != nil {
			return archived, 0, err
		}
	}
	if archived > 0 || purged > 0 {
		logger.Audit().Info("任务清理完成", slog.Int("archived", archived), slog.Int("purged", purged))
	}
	return archived, purged, nil
}
