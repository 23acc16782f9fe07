package task

import (
	"context"
	"time"
)

// Store 抽象了任务状态与事件日志的持久化接口。
type Store interface {
	// Create 以 IDLE 状态插入新任务，ID 重复时返回 ErrTaskConflict。
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// Transition 对状态做比较交换：仅当当前状态为 from 时迁移到 to，
	// 并在同一临界区内写入 change 与 events。不匹配时返回 ErrTaskConflict 且不做任何写入。
	Transition(ctx context.Context, id string, from, to State, change Change, events ...Event) ([]Event, error)
	// Append 在任务仍处于 state 时追加事件，用于步骤内的进度上报。
	Append(ctx context.Context, id string, state State, events ...Event) ([]Event, error)
	// Events 返回 offset 不小于 from 的事件，按 offset 升序。
	Events(ctx context.Context, id string, from int64) ([]Event, error)
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	// Archive 将终结时间早于 before 的终态任务标记为归档。
	Archive(ctx context.Context, before time.Time) (int, error)
	// Purge 删除终结时间早于 before 的已归档任务及其事件。
	Purge(ctx context.Context, before time.Time) (int, error)
	Close() error
}
