package task

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "TaskMesh-Chain/internal/errors"
)

type memoryRecord struct {
	task   *Task
	events []Event
}

// MemoryStore 以内存方式保存任务状态与事件日志，用于本地运行与测试。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*memoryRecord
	now   func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]*memoryRecord),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, t *Task) error {
	if t == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(t.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return ErrTaskConflict
	}
	now := m.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	t.State = StateIdle
	t.NextOffset = 0
	m.tasks[t.ID] = &memoryRecord{task: cloneTask(t)}
	return nil
}

// Get 返回任务快照。
func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(rec.task), nil
}

// Transition 实现 Store 接口。
func (m *MemoryStore) Transition(_ context.Context, id string, from, to State, change Change, events ...Event) ([]Event, error) {
	if err := checkTransition(from, to); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if rec.task.State != from {
		return nil, ErrTaskConflict
	}
	if change.Plan != nil && rec.task.Plan != nil && rec.task.Plan.Approved {
		return nil, ErrPlanImmutable
	}

	now := m.now()
	t := rec.task
	t.State = to
	t.UpdatedAt = now
	if change.Plan != nil {
		t.Plan = change.Plan.Clone()
	}
	if change.Accepted != nil {
		t.Accepted = change.Accepted.Clone()
	}
	if change.Result != nil {
		t.Result = append([]byte(nil), change.Result...)
	}
	if change.Error != nil {
		errCopy := *change.Error
		t.Error = &errCopy
	}
	if change.Attempts > 0 {
		t.Attempts = change.Attempts
	}
	if to.Terminal() {
		t.TerminalAt = &now
	}
	return m.appendLocked(rec, now, events), nil
}

// Append 实现 Store 接口。
func (m *MemoryStore) Append(_ context.Context, id string, state State, events ...Event) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if rec.task.State != state {
		return nil, ErrTaskConflict
	}
	now := m.now()
	rec.task.UpdatedAt = now
	return m.appendLocked(rec, now, events), nil
}

func (m *MemoryStore) appendLocked(rec *memoryRecord, now time.Time, events []Event) []Event {
	stored := make([]Event, 0, len(events))
	for _, evt := range events {
		evt = cloneEvent(evt)
		evt.TaskID = rec.task.ID
		evt.Offset = rec.task.NextOffset
		if evt.Timestamp.IsZero() {
			evt.Timestamp = now
		}
		rec.task.NextOffset++
		rec.events = append(rec.events, evt)
		stored = append(stored, cloneEvent(evt))
	}
	return stored
}

// Events 实现 Store 接口。
func (m *MemoryStore) Events(_ context.Context, id string, from int64) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if from < 0 {
		from = 0
	}
	if from >= int64(len(rec.events)) {
		return nil, nil
	}
	out := make([]Event, 0, int64(len(rec.events))-from)
	for _, evt := range rec.events[from:] {
		out = append(out, cloneEvent(evt))
	}
	return out, nil
}

// List 返回符合条件的任务。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Task, 0, len(m.tasks))
	for _, rec := range m.tasks {
		if !matchesListFilters(rec.task, opts) {
			continue
		}
		results = append(results, cloneTask(rec.task))
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if opts.Order == SortByUpdatedAsc {
			a, b = b, a
		}
		if a.UpdatedAt.Equal(b.UpdatedAt) {
			if a.CreatedAt.Equal(b.CreatedAt) {
				return results[i].ID < results[j].ID
			}
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.UpdatedAt.After(b.UpdatedAt)
	})

	if opts.Offset >= len(results) {
		return []*Task{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的任务数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (TaskStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := TaskStats{ByState: make(map[State]int)}
	for _, rec := range m.tasks {
		if !matchesListFilters(rec.task, opts) {
			continue
		}
		stats.add(rec.task)
	}
	return stats, nil
}

// Archive 实现 Store 接口。
func (m *MemoryStore) Archive(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, rec := range m.tasks {
		t := rec.task
		if t.Archived || t.TerminalAt == nil || !t.TerminalAt.Before(before) {
			continue
		}
		t.Archived = true
		count++
	}
	return count, nil
}

// Purge 实现 Store 接口。
func (m *MemoryStore) Purge(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for id, rec := range m.tasks {
		t := rec.task
		if !t.Archived || t.TerminalAt == nil || !t.TerminalAt.Before(before) {
			continue
		}
		delete(m.tasks, id)
		count++
	}
	return count, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
