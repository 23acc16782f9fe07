package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	xerrors "TaskMesh-Chain/internal/errors"
	"TaskMesh-Chain/pkg/logger"
)

// Negotiator 负责发现候选对手方并与选中的对手方确认条款。
type Negotiator interface {
	ProposePlan(ctx context.Context, req Requirements) (*Plan, error)
	// SettleTerms 返回协商确认后的计划，可能因回退而换成备选对手方，
	// 但不得修改已批准计划的验收条件。
	SettleTerms(ctx context.Context, taskID string, plan *Plan) (*Plan, error)
}

// ApprovalOutcome 是审批结论。
type ApprovalOutcome string

const (
	ApprovalGranted  ApprovalOutcome = "approved"
	ApprovalRejected ApprovalOutcome = "rejected"
	// ApprovalDeferred 表示需要人工审批，任务停留在 APPROVING_PLAN。
	ApprovalDeferred ApprovalOutcome = "deferred"
)

// Decision 是 Approver 的审批结果。
type Decision struct {
	Outcome ApprovalOutcome
	Reason  string
}

// Approver 审核计划。
type Approver interface {
	Review(ctx context.Context, t *Task) (Decision, error)
}

// PaymentGate 在执行前给出通过或拒绝的支付结论。
type PaymentGate interface {
	Authorize(ctx context.Context, taskID string, plan *Plan) error
}

// ProgressFunc 用于执行器在步骤内汇报进度，调用不得阻塞执行。
type ProgressFunc func(message string, attrs map[string]string)

// Execution 是一次执行的结果，失败时 Attempts 仍然有效。
type Execution struct {
	Output     json.RawMessage
	Attempts   int
	ArtifactID string
}

// Executor 针对选中的对手方运行集成。
type Executor interface {
	Run(ctx context.Context, plan *Plan, params map[string]any, credentialRef string, progress ProgressFunc) (Execution, error)
}

// Check 是单条验收检查的结果。
type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Verdict 是验证器的结论。
type Verdict struct {
	Accepted    bool
	Report      []Check
	Diagnostics []string
}

// Verifier 依据计划中的验收条件检查执行结果，必须是纯函数。
type Verifier interface {
	Verify(plan *Plan, raw json.RawMessage) Verdict
}

// PolicyApprover 根据配置的成本上限自动审批。
type PolicyApprover struct {
	AutoApprove bool
	MaxPlanCost float64
}

// Review 实现 Approver 接口。
func (p PolicyApprover) Review(_ context.Context, t *Task) (Decision, error) {
	if t.Plan == nil {
		return Decision{}, xerrors.New(xerrors.CodeInvalidArgument, "任务缺少计划")
	}
	if p.MaxPlanCost > 0 && t.Plan.EstimatedCost > p.MaxPlanCost {
		return Decision{
			Outcome: ApprovalRejected,
			Reason:  fmt.Sprintf("estimated cost %g exceeds limit %g", t.Plan.EstimatedCost, p.MaxPlanCost),
		}, nil
	}
	if !p.AutoApprove {
		return Decision{Outcome: ApprovalDeferred}, nil
	}
	return Decision{Outcome: ApprovalGranted, Reason: "approved by policy"}, nil
}

// Components 汇总编排器依赖的各个角色。
type Components struct {
	Negotiator Negotiator
	Approver   Approver
	Payment    PaymentGate
	Executor   Executor
	Verifier   Verifier
}

// Orchestrator 按状态机顺序驱动任务的剩余步骤。每个任务同一时刻只有一个执行流。
type Orchestrator struct {
	recorder *Recorder
	parts    Components
	logger   *slog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// OrchestratorOption 定义可选配置。
type OrchestratorOption func(*Orchestrator)

// WithOrchestratorLogger 指定日志输出。
func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewOrchestrator 构造编排器。未提供 Approver 时自动批准，未提供 PaymentGate 时直接放行。
func NewOrchestrator(recorder *Recorder, parts Components, opts ...OrchestratorOption) (*Orchestrator, error) {
	if recorder == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "编排器缺少事件记录器")
	}
	if parts.Negotiator == nil || parts.Executor == nil || parts.Verifier == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "编排器缺少协商、执行或验证组件")
	}
	if parts.Approver == nil {
		parts.Approver = PolicyApprover{AutoApprove: true}
	}
	o := &Orchestrator{
		recorder: recorder,
		parts:    parts,
		logger:   logger.Named("orchestrator"),
		running:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

// Abort 取消本进程内正在运行的任务步骤，返回任务是否在本地运行。
func (o *Orchestrator) Abort(id string) bool {
	o.mu.Lock()
	cancel, ok := o.running[id]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Running 返回本进程内正在运行的任务数量。
func (o *Orchestrator) Running() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.running)
}

func (o *Orchestrator) track(id string, cancel context.CancelFunc) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.running[id]; ok {
		return false
	}
	o.running[id] = cancel
	return true
}

func (o *Orchestrator) untrack(id string) {
	o.mu.Lock()
	delete(o.running, id)
	o.mu.Unlock()
}

// Run 从任务当前状态开始依次执行剩余步骤，直到终态或等待人工审批。
// 步骤失败会把任务迁移到 FAILED，流水线不会自动重试。
// 只有在 ctx 被取消（进程退出）或存储不可用时才返回错误，此时任务状态保持不变以便重新投递。
func (o *Orchestrator) Run(ctx context.Context, id string) error {
	t, err := o.recorder.Store().Get(ctx, id)
	if err != nil {
		return err
	}
	if t.State.Terminal() {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !o.track(id, cancel) {
		o.logger.Debug("任务已在本地运行，跳过", slog.String("task_id", id))
		return nil
	}
	defer o.untrack(id)

	for !t.State.Terminal() {
		next, waiting, err := o.step(ctx, runCtx, t)
		if err != nil {
			if isConflict(err) {
				o.logger.Info("任务状态已被其他流程修改，丢弃本次结果",
					slog.String("task_id", id), slog.String("state", string(t.State)))
				return nil
			}
			return err
		}
		if waiting {
			return nil
		}
		t = next
	}
	return nil
}

// step 执行一个状态对应的步骤。存储写入使用 ctx，步骤内的外部调用使用可被 Abort 取消的 runCtx。
func (o *Orchestrator) step(ctx, runCtx context.Context, t *Task) (*Task, bool, error) {
	log := logger.ForTask(o.logger, t.ID, t.State.Step())
	switch t.State {
	case StateIdle:
		return o.advance(ctx, t, StatePlanning, Change{}, "")

	case StatePlanning:
		plan, err := o.parts.Negotiator.ProposePlan(runCtx, t.Requirements())
		if err == nil && plan == nil {
			err = xerrors.New(xerrors.CodeNoEligibleCounterparty, "negotiator returned no plan")
		}
		if err != nil {
			return o.fail(ctx, t, err)
		}
		plan.Approved = false
		plan.Criteria = t.Request.Criteria.clone()
		log.Info("计划已生成",
			slog.String("counterparty", plan.CounterpartyID),
			slog.Int("alternates", len(plan.Alternates)),
			slog.Float64("estimated_cost", plan.EstimatedCost),
		)
		return o.advance(ctx, t, StateApprovingPlan, Change{Plan: plan}, "selected "+plan.CounterpartyID)

	case StateApprovingPlan:
		decision, err := o.parts.Approver.Review(runCtx, t)
		if err != nil {
			return o.fail(ctx, t, err)
		}
		switch decision.Outcome {
		case ApprovalGranted:
			return o.approve(ctx, t, decision.Reason)
		case ApprovalRejected:
			return o.fail(ctx, t, xerrors.New(xerrors.CodePlanRejected, decision.Reason))
		default:
			if _, err := o.recorder.Append(ctx, t.ID, StateApprovingPlan,
				StepRunning(StateApprovingPlan.Step(), "awaiting manual approval", nil)); err != nil {
				return nil, false, err
			}
			log.Info("计划等待人工审批")
			return t, true, nil
		}

	case StateNegotiating:
		accepted, err := o.parts.Negotiator.SettleTerms(runCtx, t.ID, t.Plan.Clone())
		if err == nil && accepted == nil {
			err = xerrors.New(xerrors.CodeNegotiationRejected, "negotiator returned no accepted plan")
		}
		if err != nil {
			return o.fail(ctx, t, err)
		}
		msg := "terms accepted by " + accepted.CounterpartyID
		if accepted.Fallbacks > 0 {
			msg = fmt.Sprintf("%s after %d fallback(s)", msg, accepted.Fallbacks)
		}
		return o.advance(ctx, t, StatePaying, Change{Accepted: accepted}, msg)

	case StatePaying:
		if o.parts.Payment != nil {
			if err := o.parts.Payment.Authorize(runCtx, t.ID, effectivePlan(t)); err != nil {
				return o.fail(ctx, t, err)
			}
		}
		return o.advance(ctx, t, StateExecuting, Change{}, "payment authorized")

	case StateExecuting:
		progress := func(message string, attrs map[string]string) {
			if _, err := o.recorder.Append(ctx, t.ID, StateExecuting, StepRunning(StateExecuting.Step(), message, attrs)); err != nil && !isConflict(err) {
				log.Warn("记录执行进度失败", slog.Any("error", err))
			}
		}
		exec, err := o.parts.Executor.Run(runCtx, effectivePlan(t), cloneMetadata(t.Request.Params), t.Request.CredentialRef, progress)
		if err != nil {
			return o.failWith(ctx, t, err, Change{Attempts: exec.Attempts})
		}
		msg := fmt.Sprintf("integration returned after %d attempt(s)", exec.Attempts)
		return o.advance(ctx, t, StateVerifying, Change{Result: exec.Output, Attempts: exec.Attempts}, msg)

	case StateVerifying:
		verdict := o.parts.Verifier.Verify(effectivePlan(t), t.Result)
		if !verdict.Accepted {
			err := xerrors.New(xerrors.CodeVerificationFailed, "result does not satisfy acceptance criteria",
				xerrors.WithDetails(verdict.Diagnostics...))
			return o.fail(ctx, t, err)
		}
		return o.advance(ctx, t, StateComplete, Change{}, fmt.Sprintf("%d check(s) passed", len(verdict.Report)))
	}
	return nil, false, xerrors.New(xerrors.CodeInvalidArgument, "unknown task state "+string(t.State))
}

func (o *Orchestrator) advance(ctx context.Context, t *Task, to State, change Change, message string) (*Task, bool, error) {
	if _, err := o.recorder.Transition(ctx, t.ID, t.State, to, change, AdvanceEvents(t.State, to, message)...); err != nil {
		return nil, false, err
	}
	next, err := o.recorder.Store().Get(ctx, t.ID)
	return next, false, err
}

func (o *Orchestrator) approve(ctx context.Context, t *Task, reason string) (*Task, bool, error) {
	return o.advance(ctx, t, StateNegotiating, approvedChange(t), reason)
}

func (o *Orchestrator) fail(ctx context.Context, t *Task, cause error) (*Task, bool, error) {
	return o.failWith(ctx, t, cause, Change{})
}

// failWith 记录步骤失败。如果进程正在退出则不写入，保留状态等待重新投递。
func (o *Orchestrator) failWith(ctx context.Context, t *Task, cause error, change Change) (*Task, bool, error) {
	if ctx.Err() != nil {
		return nil, false, ctx.Err()
	}
	te := NewTaskError(t.State.Step(), cause)
	change.Error = te
	if _, err := o.recorder.Transition(ctx, t.ID, t.State, StateFailed, change, FailureEvents(t.State, te)...); err != nil {
		return nil, false, err
	}
	next, err := o.recorder.Store().Get(ctx, t.ID)
	return next, false, err
}

// approvedChange 返回把当前计划标记为已批准的变更。
func approvedChange(t *Task) Change {
	plan := t.Plan.Clone()
	plan.Approved = true
	return Change{Plan: plan}
}

// effectivePlan 优先使用协商确认后的计划。
func effectivePlan(t *Task) *Plan {
	if t.Accepted != nil {
		return t.Accepted.Clone()
	}
	return t.Plan.Clone()
}

func isConflict(err error) bool {
	return xerrors.CodeOf(err) == CodeTaskConflict
}
