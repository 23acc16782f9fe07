package task

import (
	"context"
	"log/slog"
	"time"

	xerrors "TaskMesh-Chain/internal/errors"
	"TaskMesh-Chain/internal/observability/metrics"
	"TaskMesh-Chain/pkg/logger"
)

// Signal 在任务事件日志有新追加时唤醒订阅者。Notify 不得阻塞。
type Signal interface {
	Notify(taskID string)
	Watch(taskID string) (<-chan struct{}, func())
}

// Mirror 将事件副本推送给外部观察者（例如仪表盘的消息总线）。Publish 不得阻塞。
type Mirror interface {
	Publish(key string, payload any)
}

// Recorder 是状态迁移与事件追加的唯一入口：写入存储后唤醒订阅者、
// 推送镜像并记录指标与审计日志。
type Recorder struct {
	store        Store
	signal       Signal
	mirror       Mirror
	pollInterval time.Duration
	logger       *slog.Logger
}

// RecorderOption 定义可选配置。
type RecorderOption func(*Recorder)

// WithSignal 配置订阅唤醒通道。
func WithSignal(signal Signal) RecorderOption {
	return func(r *Recorder) {
		r.signal = signal
	}
}

// WithMirror 配置事件镜像。
func WithMirror(mirror Mirror) RecorderOption {
	return func(r *Recorder) {
		r.mirror = mirror
	}
}

// WithPollInterval 设置订阅者在没有唤醒信号时回查存储的间隔。
func WithPollInterval(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// NewRecorder 构造 Recorder。
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:        store,
		pollInterval: 2 * time.Second,
		logger:       logger.Named("task"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Store 返回底层存储。
func (r *Recorder) Store() Store {
	return r.store
}

// Transition 执行一次比较交换迁移并发布其事件。
func (r *Recorder) Transition(ctx context.Context, id string, from, to State, change Change, events ...Event) ([]Event, error) {
	stored, err := r.store.Transition(ctx, id, from, to, change, events...)
	if err != nil {
		return nil, err
	}
	metrics.ObserveTransition(string(from), string(to))
	r.publish(id, stored)

	switch {
	case to == StateFailed && change.Error != nil:
		metrics.ObserveTaskFailure(string(change.Error.Code), change.Error.Step)
		logger.Audit().Warn("任务失败",
			slog.String("task_id", id),
			slog.String("from", string(from)),
			slog.String("step", change.Error.Step),
			slog.String("error_code", string(change.Error.Code)),
			slog.String("error", change.Error.Message),
		)
	case to == StateComplete:
		logger.Audit().Info("任务完成", slog.String("task_id", id))
	}
	return stored, nil
}

// Append 在任务仍处于 state 时追加进度事件。
func (r *Recorder) Append(ctx context.Context, id string, state State, events ...Event) ([]Event, error) {
	stored, err := r.store.Append(ctx, id, state, events...)
	if err != nil {
		return nil, err
	}
	r.publish(id, stored)
	return stored, nil
}

func (r *Recorder) publish(id string, events []Event) {
	if len(events) == 0 {
		return
	}
	if r.signal != nil {
		r.signal.Notify(id)
	}
	if r.mirror != nil {
		for _, evt := range events {
			r.mirror.Publish("task."+id, evt)
		}
	}
}

// Subscribe 从 from 开始按顺序推送事件，任务级终结事件送达后关闭通道。
// 事件日志是唯一数据源，唤醒信号只用于减少轮询延迟，生产者从不等待订阅者。
func (r *Recorder) Subscribe(ctx context.Context, id string, from int64) (<-chan Event, error) {
	t, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if from < 0 {
		from = 0
	}
	// 终态任务不会再有新事件，游标之后没有内容时直接结束。
	if t.State.Terminal() && from >= t.NextOffset {
		out := make(chan Event)
		close(out)
		return out, nil
	}

	var wake <-chan struct{}
	stop := func() {}
	if r.signal != nil {
		wake, stop = r.signal.Watch(id)
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		defer stop()

		ticker := time.NewTicker(r.pollInterval)
		defer ticker.Stop()

		cursor := from
		for {
			events, err := r.store.Events(ctx, id, cursor)
			if err != nil {
				if ctx.Err() == nil && xerrors.CodeOf(err) != CodeTaskNotFound {
					r.logger.Warn("读取任务事件失败", slog.String("task_id", id), slog.Any("error", err))
				}
				return
			}
			for _, evt := range events {
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
				cursor = evt.Offset + 1
				if evt.Step == StepTask && evt.Status.Terminal() {
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-wake:
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}
