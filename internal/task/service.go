package task

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "TaskMesh-Chain/internal/errors"
	"TaskMesh-Chain/pkg/logger"
)

// Aborter 取消本地正在运行的任务步骤。
type Aborter interface {
	Abort(id string) bool
}

// Service 负责任务的创建、查询、取消与人工审批。
type Service struct {
	recorder *Recorder
	store    Store
	producer Producer
	aborter  Aborter
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithAborter 配置取消任务时用于中断本地步骤的 Aborter。
func WithAborter(a Aborter) ServiceOption {
	return func(s *Service) {
		s.aborter = a
	}
}

// NewService 构造任务服务。
func NewService(recorder *Recorder, producer Producer, opts ...ServiceOption) *Service {
	s := &Service{recorder: recorder, producer: producer}
	if recorder != nil {
		s.store = recorder.Store()
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit 校验请求、创建任务并推进到 PLANNING，随后把任务投递到队列。
// 提供 ID 时作为幂等键，重复提交返回已有任务。
func (s *Service) Submit(ctx context.Context, owner string, req Request) (*Task, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}
	req, err := normalizeRequest(req)
	if err != nil {
		return nil, err
	}

	taskID := req.ID
	if taskID != "" {
		existing, err := s.store.Get(ctx, taskID)
		if err == nil {
			return s.ownedBy(existing, owner)
		}
		if !stdErrors.Is(err, ErrTaskNotFound) {
			return nil, err
		}
	} else {
		taskID = uuid.NewString()
		req.ID = taskID
	}

	task := &Task{ID: taskID, Owner: owner, Request: req}
	if err := s.store.Create(ctx, task); err != nil {
		if isConflict(err) {
			existing, getErr := s.store.Get(ctx, taskID)
			if getErr == nil {
				return s.ownedBy(existing, owner)
			}
		}
		return nil, err
	}
	if _, err := s.recorder.Transition(ctx, taskID, StateIdle, StatePlanning, Change{},
		AdvanceEvents(StateIdle, StatePlanning, "")...); err != nil {
		return nil, err
	}

	if err := s.producer.Publish(ctx, taskID); err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("task_id", taskID))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
		te := NewTaskError(StatePlanning.Step(), wrapped)
		if _, failErr := s.recorder.Transition(ctx, taskID, StatePlanning, StateFailed, Change{Error: te},
			FailureEvents(StatePlanning, te)...); failErr != nil {
			logger.L().Error("回写失败状态出错", slog.Any("error", failErr), slog.String("task_id", taskID))
		}
		return nil, wrapped
	}

	logger.Audit().Info("任务已提交",
		slog.String("task_id", taskID),
		slog.String("owner", owner),
		slog.String("goal", req.Goal),
		slog.Any("capabilities", req.Capabilities),
	)
	return s.store.Get(ctx, taskID)
}

func (s *Service) ownedBy(t *Task, owner string) (*Task, error) {
	if owner != "" && t.Owner != owner {
		return nil, xerrors.New(CodeTaskConflict, "任务 ID 已被占用")
	}
	return t, nil
}

// Get 返回指定任务的快照，不阻塞。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// Events 返回从 from 开始的事件日志。
func (s *Service) Events(ctx context.Context, id string, from int64) ([]Event, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Events(ctx, id, from)
}

// Subscribe 返回从 from 开始的事件流，from 为 0 时从头回放。
func (s *Service) Subscribe(ctx context.Context, id string, from int64) (<-chan Event, error) {
	if s.recorder == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}
	return s.recorder.Subscribe(ctx, id, from)
}

// Cancel 由任务所有者在任意非终态取消任务：立即记录 FAILED(CANCELLED)，
// 再中断本地正在运行的步骤。在途步骤的结果会因比较交换失败而被丢弃。
func (s *Service) Cancel(ctx context.Context, id, owner string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	for attempt := 0; attempt < 8; attempt++ {
		t, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if owner != "" && t.Owner != owner {
			return nil, xerrors.New(xerrors.CodeUnauthorized, "只有任务所有者可以取消任务")
		}
		if t.State.Terminal() {
			return t, xerrors.New(xerrors.CodeAlreadyCompleted, "任务已结束，无法取消")
		}
		step := t.State.Step()
		if step == "" {
			step = StepTask
		}
		te := &TaskError{Code: xerrors.CodeCancelled, Step: step, Message: "cancelled by owner"}
		_, err = s.recorder.Transition(ctx, id, t.State, StateFailed, Change{Error: te}, FailureEvents(t.State, te)...)
		if isConflict(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if s.aborter != nil {
			s.aborter.Abort(id)
		}
		return s.store.Get(ctx, id)
	}
	return nil, ErrTaskConflict
}

// Approve 人工批准停留在 APPROVING_PLAN 的计划，并重新投递任务。
func (s *Service) Approve(ctx context.Context, id, owner string) (*Task, error) {
	t, err := s.awaitingApproval(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	if _, err := s.recorder.Transition(ctx, id, StateApprovingPlan, StateNegotiating, approvedChange(t),
		AdvanceEvents(StateApprovingPlan, StateNegotiating, "approved by owner")...); err != nil {
		return nil, err
	}
	if err := s.producer.Publish(ctx, id); err != nil {
		return nil, xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
	}
	logger.Audit().Info("计划已人工批准", slog.String("task_id", id), slog.String("owner", owner))
	return s.store.Get(ctx, id)
}

// Reject 人工驳回计划，任务以 PLAN_REJECTED 结束。
func (s *Service) Reject(ctx context.Context, id, owner, reason string) (*Task, error) {
	if _, err := s.awaitingApproval(ctx, id, owner); err != nil {
		return nil, err
	}
	if strings.TrimSpace(reason) == "" {
		reason = "rejected by owner"
	}
	te := &TaskError{Code: xerrors.CodePlanRejected, Step: StateApprovingPlan.Step(), Message: reason}
	if _, err := s.recorder.Transition(ctx, id, StateApprovingPlan, StateFailed, Change{Error: te},
		FailureEvents(StateApprovingPlan, te)...); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, id)
}

func (s *Service) awaitingApproval(ctx context.Context, id, owner string) (*Task, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if owner != "" && t.Owner != owner {
		return nil, xerrors.New(xerrors.CodeUnauthorized, "只有任务所有者可以审批计划")
	}
	if t.State != StateApprovingPlan || t.Plan == nil {
		return nil, xerrors.New(CodeTaskConflict, "任务不在待审批状态")
	}
	return t, nil
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 轮询直到任务进入终态或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.State.Terminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// normalizeRequest 校验并规整请求，所有问题一次性列在错误详情中。
func normalizeRequest(req Request) (Request, error) {
	req.ID = strings.TrimSpace(req.ID)
	req.Goal = strings.TrimSpace(req.Goal)

	var problems []string
	if req.Goal == "" {
		problems = append(problems, "goal: must not be empty")
	}

	seen := make(map[string]struct{}, len(req.Capabilities))
	capabilities := make([]string, 0, len(req.Capabilities))
	for _, capability := range req.Capabilities {
		capability = strings.TrimSpace(capability)
		if capability == "" {
			continue
		}
		if _, ok := seen[capability]; ok {
			continue
		}
		seen[capability] = struct{}{}
		capabilities = append(capabilities, capability)
	}
	if len(capabilities) == 0 {
		problems = append(problems, "capabilities: at least one capability is required")
	}
	req.Capabilities = capabilities

	if req.MinReputation < 0 {
		problems = append(problems, "min_reputation: must not be negative")
	}
	if req.MaxPrice < 0 {
		problems = append(problems, "max_price: must not be negative")
	}
	for _, path := range append(append([]string(nil), req.Criteria.RequiredFields...), req.Criteria.NonEmpty...) {
		if strings.TrimSpace(path) == "" {
			problems = append(problems, "criteria: field paths must not be empty")
			break
		}
	}
	for _, bound := range req.Criteria.Bounds {
		if strings.TrimSpace(bound.Path) == "" {
			problems = append(problems, "criteria.bounds: path must not be empty")
		}
		if bound.Min != nil && bound.Max != nil && *bound.Min > *bound.Max {
			problems = append(problems, "criteria.bounds."+bound.Path+": min exceeds max")
		}
	}
	if len(req.Criteria.Schema) > 0 && !json.Valid(req.Criteria.Schema) {
		problems = append(problems, "criteria.schema: must be valid JSON")
	}

	if len(problems) > 0 {
		return req, xerrors.New(CodeTaskValidation, "任务请求不合法", xerrors.WithDetails(problems...))
	}
	return req, nil
}
