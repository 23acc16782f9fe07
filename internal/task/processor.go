package task

import (
	"context"
	"log/slog"
	"time"

	xerrors "TaskMesh-Chain/internal/errors"
	"TaskMesh-Chain/internal/observability/alerting"
	"TaskMesh-Chain/pkg/logger"
)

// Runner 驱动单个任务，Orchestrator 是默认实现。
type Runner interface {
	Run(ctx context.Context, id string) error
}

// Processor 负责从队列消费任务 ID 并交给编排器执行。
type Processor struct {
	runner      Runner
	store       Store
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(runner Runner, store Store, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:      runner,
		store:       store,
		consumer:    consumer,
		workerCount: 1,
		logger:      logger.Named("processor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动任务处理循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

// handle 返回错误时队列会重新投递该任务。
func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.runner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	before, err := p.store.Get(ctx, taskID)
	if err != nil {
		if IsTaskError(err, CodeTaskNotFound) {
			p.logger.Debug("跳过不存在的任务", slog.String("task_id", taskID))
			return nil
		}
		return err
	}
	if before.State.Terminal() {
		p.logger.Debug("跳过已结束的任务", slog.String("task_id", taskID), slog.String("state", string(before.State)))
		return nil
	}

	if err := p.runner.Run(ctx, taskID); err != nil {
		if ctx.Err() == nil {
			logger.L().Error("任务处理中断", slog.Any("error", err), slog.String("task_id", taskID))
		}
		return err
	}

	after, err := p.store.Get(ctx, taskID)
	if err != nil {
		return nil
	}
	if after.State == StateFailed && after.Error != nil {
		p.emitAlert(ctx, after)
	}
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, t *Task) {
	if p.alerter == nil {
		return
	}
	attrs := xerrors.AttributesOf(t.Error.Code)
	if !attrs.Alert {
		return
	}
	event := alerting.Event{
		Code:       t.Error.Code,
		Message:    t.Error.Message,
		Severity:   attrs.Severity,
		TaskID:     t.ID,
		Step:       t.Error.Step,
		Attempts:   t.Attempts,
		Details:    append([]string(nil), t.Error.Details...),
		Metadata:   copyAttrs(t.Error.Attrs),
		OccurredAt: time.Now().UTC(),
	}
	if event.Metadata == nil {
		event.Metadata = map[string]string{}
	}
	event.Metadata["owner"] = t.Owner
	event.Metadata["goal"] = t.Request.Goal
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", t.ID),
			slog.String("code", string(t.Error.Code)),
		)
	}
}
