package registry

import (
	"context"
	"log/slog"
	"time"

	xerrors "TaskMesh-Chain/internal/errors"
	"TaskMesh-Chain/internal/observability/metrics"
	"TaskMesh-Chain/pkg/logger"
)

// Retrying 为只读操作提供有界的指数退避重试，仅对可重试错误生效。
// 写操作直接透传，避免重复提交交易。
type Retrying struct {
	next      Client
	attempts  int
	baseDelay time.Duration
	sleep     func(context.Context, time.Duration) error
	logger    *slog.Logger
}

var _ Client = (*Retrying)(nil)

// NewRetrying 包装任意 Client。
func NewRetrying(next Client, attempts int, baseDelay time.Duration) *Retrying {
	if attempts <= 0 {
		attempts = 1
	}
	return &Retrying{
		next:      next,
		attempts:  attempts,
		baseDelay: baseDelay,
		sleep:     sleepContext,
		logger:    logger.Named("registry"),
	}
}

// FindByCapability 实现 Client。
func (r *Retrying) FindByCapability(ctx context.Context, capability string) ([]Registration, error) {
	var out []Registration
	err := r.do(ctx, "find_by_capability", func() error {
		var err error
		out, err = r.next.FindByCapability(ctx, capability)
		return err
	})
	return out, err
}

// Get 实现 Client。
func (r *Retrying) Get(ctx context.Context, id string) (Registration, error) {
	var out Registration
	err := r.do(ctx, "get", func() error {
		var err error
		out, err = r.next.Get(ctx, id)
		return err
	})
	return out, err
}

// Total 实现 Client。
func (r *Retrying) Total(ctx context.Context) (uint64, error) {
	var out uint64
	err := r.do(ctx, "total", func() error {
		var err error
		out, err = r.next.Total(ctx)
		return err
	})
	return out, err
}

// List 实现 Client。
func (r *Retrying) List(ctx context.Context, offset, limit uint64) ([]Registration, error) {
	var out []Registration
	err := r.do(ctx, "list", func() error {
		var err error
		out, err = r.next.List(ctx, offset, limit)
		return err
	})
	return out, err
}

// Register 实现 Client。
func (r *Retrying) Register(ctx context.Context, req RegisterRequest) error {
	return r.next.Register(ctx, req)
}

// Deactivate 实现 Client。
func (r *Retrying) Deactivate(ctx context.Context, id string) error {
	return r.next.Deactivate(ctx, id)
}

// IndexCapability 实现 Client。
func (r *Retrying) IndexCapability(ctx context.Context, id, capability string) error {
	return r.next.IndexCapability(ctx, id, capability)
}

// Watch 在底层实现支持时透传事件订阅。
func (r *Retrying) Watch(ctx context.Context) (<-chan Event, error) {
	w, ok := r.next.(Watcher)
	if !ok {
		return nil, xerrors.New(xerrors.CodeRegistryUnavailable, "registry does not support watching")
	}
	return w.Watch(ctx)
}

func (r *Retrying) do(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		err = fn()
		if err == nil || !xerrors.RetryableError(err) || attempt == r.attempts {
			return err
		}
		delay := r.baseDelay << (attempt - 1)
		metrics.ObserveRegistryRetry(op)
		r.logger.Warn("registry call failed, retrying",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()),
		)
		if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
			return xerrors.Wrap(xerrors.CodeRegistryUnavailable, err, "registry retry interrupted")
		}
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
