package task

import (
	"fmt"

	xerrors "TaskMesh-Chain/internal/errors"
)

// State 表示任务在状态机中的位置。
type State string

const (
	StateIdle          State = "IDLE"
	StatePlanning      State = "PLANNING"
	StateApprovingPlan State = "APPROVING_PLAN"
	StateNegotiating   State = "NEGOTIATING"
	StatePaying        State = "PAYING"
	StateExecuting     State = "EXECUTING"
	StateVerifying     State = "VERIFYING"
	StateComplete      State = "COMPLETE"
	StateFailed        State = "FAILED"
)

// pipeline 是允许的前进顺序，任何非终态都可以迁移到 FAILED。
var pipeline = []State{
	StateIdle,
	StatePlanning,
	StateApprovingPlan,
	StateNegotiating,
	StatePaying,
	StateExecuting,
	StateVerifying,
	StateComplete,
}

var steps = map[State]string{
	StatePlanning:      "planning",
	StateApprovingPlan: "approving_plan",
	StateNegotiating:   "negotiating",
	StatePaying:        "paying",
	StateExecuting:     "executing",
	StateVerifying:     "verifying",
}

// StepTask 是任务级别终结事件使用的步骤名。
const StepTask = "task"

// Step 返回状态对应的步骤名，IDLE 与终态没有步骤。
func (s State) Step() string {
	return steps[s]
}

// Terminal 判断是否为终态。
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// Valid 判断是否为已知状态。
func (s State) Valid() bool {
	return s == StateFailed || s.rank() >= 0
}

// Next 返回流水线中的下一个状态。
func (s State) Next() (State, bool) {
	r := s.rank()
	if r < 0 || r+1 >= len(pipeline) {
		return "", false
	}
	return pipeline[r+1], true
}

func (s State) rank() int {
	for i, candidate := range pipeline {
		if candidate == s {
			return i
		}
	}
	return -1
}

// CanTransition 判断 from → to 是否合法：只能前进一步，或从非终态进入 FAILED。
func CanTransition(from, to State) bool {
	if from.Terminal() || !from.Valid() {
		return false
	}
	if to == StateFailed {
		return true
	}
	next, ok := from.Next()
	return ok && next == to
}

func checkTransition(from, to State) error {
	if CanTransition(from, to) {
		return nil
	}
	return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("illegal transition %s -> %s", from, to))
}

// IsValidState 检查给定的任务状态是否为支持的枚举值。
func IsValidState(state State) bool {
	return state.Valid()
}
