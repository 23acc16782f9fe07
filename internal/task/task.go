package task

import (
	"encoding/json"
	stdErrors "errors"
	"time"

	xerrors "TaskMesh-Chain/internal/errors"
)

// Request 是调用方提交的任务载荷。
type Request struct {
	// ID 可选，提供时作为幂等键。
	ID            string         `json:"id,omitempty"`
	Goal          string         `json:"goal"`
	Capabilities  []string       `json:"capabilities"`
	Params        map[string]any `json:"params,omitempty"`
	CredentialRef string         `json:"credential_ref,omitempty"`
	MinReputation float64        `json:"min_reputation,omitempty"`
	MaxPrice      float64        `json:"max_price,omitempty"`
	VerifiedOnly  bool           `json:"verified_only,omitempty"`
	Criteria      Criteria       `json:"criteria"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Criteria 是验证器对执行结果的验收条件。
type Criteria struct {
	// RequiredFields 使用 gjson 路径语法，例如 "data.items.0.id"。
	RequiredFields []string        `json:"required_fields,omitempty"`
	NonEmpty       []string        `json:"non_empty,omitempty"`
	Bounds         []Bound         `json:"bounds,omitempty"`
	Schema         json.RawMessage `json:"schema,omitempty"`
}

// Bound 约束某个数值字段的取值范围，Min/Max 为空表示不限。
type Bound struct {
	Path string   `json:"path"`
	Min  *float64 `json:"min,omitempty"`
	Max  *float64 `json:"max,omitempty"`
}

// Requirements 是 PLANNING 阶段传给协商者的选择条件。
type Requirements struct {
	TaskID        string
	Capabilities  []string
	MinReputation float64
	MaxPrice      float64
	VerifiedOnly  bool
	Criteria      Criteria
}

// Candidate 是排序后的候选对手方摘要。
type Candidate struct {
	ID         string  `json:"id"`
	Name       string  `json:"name,omitempty"`
	Rate       string  `json:"rate,omitempty"`
	Price      float64 `json:"price,omitempty"`
	Priced     bool    `json:"priced"`
	Reputation float64 `json:"reputation"`
	Verified   bool    `json:"verified"`
	Sequence   uint64  `json:"sequence"`
}

// Plan 描述所需能力、选中的对手方以及验收条件。审批通过后不可再替换。
type Plan struct {
	Capabilities   []string    `json:"capabilities"`
	CounterpartyID string      `json:"counterparty_id"`
	Selected       Candidate   `json:"selected"`
	Alternates     []Candidate `json:"alternates,omitempty"`
	EstimatedCost  float64     `json:"estimated_cost"`
	Currency       string      `json:"currency,omitempty"`
	MinReputation  float64     `json:"min_reputation"`
	Criteria       Criteria    `json:"criteria"`
	Approved       bool        `json:"approved"`
	// ThreadID 与 Fallbacks 仅在协商确认后的计划上出现。
	ThreadID  string `json:"thread_id,omitempty"`
	Fallbacks int    `json:"fallbacks,omitempty"`
}

// Clone 返回计划的深拷贝。
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Capabilities = append([]string(nil), p.Capabilities...)
	clone.Alternates = append([]Candidate(nil), p.Alternates...)
	clone.Criteria = p.Criteria.clone()
	return &clone
}

func (c Criteria) clone() Criteria {
	c.RequiredFields = append([]string(nil), c.RequiredFields...)
	c.NonEmpty = append([]string(nil), c.NonEmpty...)
	c.Bounds = append([]Bound(nil), c.Bounds...)
	if c.Schema != nil {
		c.Schema = append(json.RawMessage(nil), c.Schema...)
	}
	return c
}

// TaskError 记录任务失败的原因，FAILED 任务必定携带。
type TaskError struct {
	Code    xerrors.Code `json:"code"`
	Step    string       `json:"step"`
	Message string       `json:"message"`
	Details []string     `json:"details,omitempty"`
	// Attrs 是失败点附带的上下文，例如对手方 ID 或 HTTP 状态码。
	Attrs map[string]string `json:"attrs,omitempty"`
}

// Task 是一次编排任务的快照。
type Task struct {
	ID         string          `json:"id"`
	Owner      string          `json:"owner"`
	State      State           `json:"state"`
	Request    Request         `json:"request"`
	Plan       *Plan           `json:"plan,omitempty"`
	Accepted   *Plan           `json:"accepted_plan,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *TaskError      `json:"error,omitempty"`
	Attempts   int             `json:"attempts"`
	NextOffset int64           `json:"next_offset"`
	Archived   bool            `json:"archived"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	TerminalAt *time.Time      `json:"terminal_at,omitempty"`
}

// Requirements 从任务请求推导选择条件。
func (t *Task) Requirements() Requirements {
	return Requirements{
		TaskID:        t.ID,
		Capabilities:  append([]string(nil), t.Request.Capabilities...),
		MinReputation: t.Request.MinReputation,
		MaxPrice:      t.Request.MaxPrice,
		VerifiedOnly:  t.Request.VerifiedOnly,
		Criteria:      t.Request.Criteria.clone(),
	}
}

// Change 描述一次状态迁移附带写入的字段，零值字段保持不变。
type Change struct {
	Plan     *Plan
	Accepted *Plan
	Result   json.RawMessage
	Error    *TaskError
	Attempts int
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示任务状态已被其他流程修改，比较交换失败。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict")
	// ErrPlanImmutable 表示计划在审批通过后被尝试替换。
	ErrPlanImmutable = xerrors.New(CodeTaskConflict, "plan is immutable after approval")
)

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "TASK_CONFLICT"
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish    xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing xerrors.Code = "TASK_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:   "task not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:   "task conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:   "task validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:   "failed to publish task",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskProcessing, xerrors.Attributes{
		Message:   "task execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// IsTaskError 判断错误是否为指定的任务错误码。
func IsTaskError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	return stdErrors.Is(err, xerrors.New(target, ""))
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}

func cloneTask(t *Task) *Task {
	clone := *t
	clone.Request.Capabilities = append([]string(nil), t.Request.Capabilities...)
	clone.Request.Params = cloneMetadata(t.Request.Params)
	clone.Request.Metadata = cloneMetadata(t.Request.Metadata)
	clone.Request.Criteria = t.Request.Criteria.clone()
	clone.Plan = t.Plan.Clone()
	clone.Accepted = t.Accepted.Clone()
	if t.Result != nil {
		clone.Result = append(json.RawMessage(nil), t.Result...)
	}
	if t.Error != nil {
		errCopy := *t.Error
		errCopy.Details = append([]string(nil), t.Error.Details...)
		errCopy.Attrs = copyAttrs(t.Error.Attrs)
		clone.Error = &errCopy
	}
	if t.TerminalAt != nil {
		at := *t.TerminalAt
		clone.TerminalAt = &at
	}
	return &clone
}

func copyAttrs(attrs map[string]string) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
