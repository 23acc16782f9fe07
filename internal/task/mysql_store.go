package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"TaskMesh-Chain/deploy/migrations"
	xerrors "TaskMesh-Chain/internal/errors"

	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 记录任务状态与事件日志，状态迁移与事件追加在同一事务内完成。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// MySQLConfig 描述 MySQL 任务存储的连接池参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewMySQLStore 连接 MySQL 并执行内嵌的 schema 迁移。
func NewMySQLStore(ctx context.Context, cfg MySQLConfig) (*MySQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	maxOpen, maxIdle, lifetime := cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime
	if maxOpen <= 0 {
		maxOpen = 20
	}
	if maxIdle <= 0 {
		maxIdle = 10
	}
	if lifetime <= 0 {
		lifetime = 30 * time.Minute
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	if err := runMigrations(ctx, db, migrations.Files); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化任务表失败")
	}
	return newMySQLStore(db), nil
}

func newMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const taskColumns = `id, owner, state, request, plan, accepted_plan, result, error, attempts, next_offset, archived, created_at, updated_at, terminal_at`

// Create 插入新的任务记录。
func (s *MySQLStore) Create(ctx context.Context, t *Task) error {
	if t == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(t.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}

	now := s.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	t.State = StateIdle
	t.NextOffset = 0

	request, err := json.Marshal(t.Request)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务请求失败")
	}

	const stmt = `INSERT INTO tasks (id, owner, goal, state, request, attempts, next_offset, archived, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, 0, 0, 0, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt,
		t.ID,
		t.Owner,
		t.Request.Goal,
		string(t.State),
		string(request),
		t.CreatedAt.UnixMilli(),
		t.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return t, nil
}

// Transition 实现 Store 接口。
func (s *MySQLStore) Transition(ctx context.Context, id string, from, to State, change Change, events ...Event) ([]Event, error) {
	if err := checkTransition(from, to); err != nil {
		return nil, err
	}
	var stored []Event
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var state string
		var nextOffset int64
		var plan sql.NullString
		row := tx.QueryRowContext(ctx, `SELECT state, next_offset, plan FROM tasks WHERE id = ? FOR UPDATE`, id)
		if err := row.Scan(&state, &nextOffset, &plan); err != nil {
			if stdErrors.Is(err, sql.ErrNoRows) {
				return ErrTaskNotFound
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "锁定任务失败")
		}
		if State(state) != from {
			return ErrTaskConflict
		}
		if change.Plan != nil && plan.Valid {
			var current Plan
			if err := json.Unmarshal([]byte(plan.String), &current); err == nil && current.Approved {
				return ErrPlanImmutable
			}
		}

		now := s.now()
		sets := []string{"state = ?", "updated_at = ?", "next_offset = ?"}
		args := []any{string(to), now.UnixMilli(), nextOffset + int64(len(events))}
		// 按固定顺序拼接列，保证生成的 SQL 稳定。
		for _, field := range []struct {
			column string
			value  any
		}{
			{"plan", change.Plan},
			{"accepted_plan", change.Accepted},
			{"error", change.Error},
		} {
			if isNilPointer(field.value) {
				continue
			}
			raw, err := json.Marshal(field.value)
			if err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码任务字段失败")
			}
			sets = append(sets, field.column+" = ?")
			args = append(args, string(raw))
		}
		if change.Result != nil {
			sets = append(sets, "result = ?")
			args = append(args, string(change.Result))
		}
		if change.Attempts > 0 {
			sets = append(sets, "attempts = ?")
			args = append(args, change.Attempts)
		}
		if to.Terminal() {
			sets = append(sets, "terminal_at = ?")
			args = append(args, now.UnixMilli())
		}
		args = append(args, id, string(from))
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ? AND state = ?`, args...); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
		}

		var err error
		stored, err = insertEvents(ctx, tx, id, nextOffset, now, events)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// Append 实现 Store 接口。
func (s *MySQLStore) Append(ctx context.Context, id string, state State, events ...Event) ([]Event, error) {
	var stored []Event
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var current string
		var nextOffset int64
		row := tx.QueryRowContext(ctx, `SELECT state, next_offset FROM tasks WHERE id = ? FOR UPDATE`, id)
		if err := row.Scan(&current, &nextOffset); err != nil {
			if stdErrors.Is(err, sql.ErrNoRows) {
				return ErrTaskNotFound
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "锁定任务失败")
		}
		if State(current) != state {
			return ErrTaskConflict
		}
		now := s.now()
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET next_offset = ?, updated_at = ? WHERE id = ?`,
			nextOffset+int64(len(events)), now.UnixMilli(), id); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新事件游标失败")
		}
		var err error
		stored, err = insertEvents(ctx, tx, id, nextOffset, now, events)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func insertEvents(ctx context.Context, tx *sql.Tx, id string, offset int64, now time.Time, events []Event) ([]Event, error) {
	stored := make([]Event, 0, len(events))
	for _, evt := range events {
		evt = cloneEvent(evt)
		evt.TaskID = id
		evt.Offset = offset
		if evt.Timestamp.IsZero() {
			evt.Timestamp = now
		}
		data, err := json.Marshal(evt.Data)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码事件失败")
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO task_events (task_id, seq, step, status, ts, data) VALUES (?, ?, ?, ?, ?, ?)`,
			id, evt.Offset, evt.Step, string(evt.Status), evt.Timestamp.UnixMilli(), string(data)); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入事件失败")
		}
		offset++
		stored = append(stored, evt)
	}
	return stored, nil
}

// Events 实现 Store 接口。
func (s *MySQLStore) Events(ctx context.Context, id string, from int64) ([]Event, error) {
	if from < 0 {
		from = 0
	}
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, id).Scan(&exists); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, step, status, ts, data FROM task_events WHERE task_id = ? AND seq >= ? ORDER BY seq ASC`, id, from)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务事件失败")
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var evt Event
		var status string
		var ts int64
		var data sql.NullString
		if err := rows.Scan(&evt.Offset, &evt.Step, &status, &ts, &data); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务事件失败")
		}
		evt.TaskID = id
		evt.Status = EventStatus(status)
		evt.Timestamp = time.UnixMilli(ts).UTC()
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &evt.Data); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析事件数据失败")
			}
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务事件失败")
	}
	return events, nil
}

// List 返回符合条件的任务。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	query := `SELECT ` + taskColumns + ` FROM tasks`
	clause, args := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	order := " ORDER BY updated_at DESC, created_at DESC, id ASC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// Stats 返回符合过滤条件的任务聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()

	query := `SELECT state, archived, COUNT(*), COALESCE(MIN(updated_at), 0), COALESCE(MAX(updated_at), 0) FROM tasks`
	clause, args := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	query += " GROUP BY state, archived"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	defer rows.Close()

	stats := TaskStats{ByState: make(map[State]int)}
	for rows.Next() {
		var state string
		var archived bool
		var count int
		var oldest, newest int64
		if err := rows.Scan(&state, &archived, &count, &oldest, &newest); err != nil {
			return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务统计失败")
		}
		st := State(state)
		stats.Total += count
		stats.ByState[st] += count
		switch st {
		case StateComplete:
			stats.Complete += count
		case StateFailed:
			stats.Failed += count
		default:
			stats.Active += count
		}
		if archived {
			stats.Archived += count
		}
		oldest, newest = oldest/1000, newest/1000
		if stats.OldestUpdatedAt == 0 || (oldest != 0 && oldest < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = oldest
		}
		if newest > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = newest
		}
	}
	if err := rows.Err(); err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务统计失败")
	}
	return stats, nil
}

// Archive 实现 Store 接口。
func (s *MySQLStore) Archive(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET archived = 1 WHERE archived = 0 AND terminal_at IS NOT NULL AND terminal_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "归档任务失败")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Purge 实现 Store 接口。
func (s *MySQLStore) Purge(ctx context.Context, before time.Time) (int, error) {
	var purged int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cutoff := before.UnixMilli()
		if _, err := tx.ExecContext(ctx, `DELETE e FROM task_events e JOIN tasks t ON t.id = e.task_id
        WHERE t.archived = 1 AND t.terminal_at < ?`, cutoff); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "清理任务事件失败")
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE archived = 1 AND terminal_at < ?`, cutoff)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "清理任务失败")
		}
		n, _ := res.RowsAffected()
		purged = int(n)
		return nil
	})
	return purged, err
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *MySQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t                              Task
		state                          string
		request                        string
		plan, accepted, result, errRaw sql.NullString
		createdAt, updatedAt           int64
		terminalAt                     sql.NullInt64
	)
	if err := row.Scan(
		&t.ID,
		&t.Owner,
		&state,
		&request,
		&plan,
		&accepted,
		&result,
		&errRaw,
		&t.Attempts,
		&t.NextOffset,
		&t.Archived,
		&createdAt,
		&updatedAt,
		&terminalAt,
	); err != nil {
		return nil, err
	}
	t.State = State(state)
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	t.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if terminalAt.Valid {
		at := time.UnixMilli(terminalAt.Int64).UTC()
		t.TerminalAt = &at
	}
	if err := json.Unmarshal([]byte(request), &t.Request); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	if plan.Valid && plan.String != "" {
		t.Plan = &Plan{}
		if err := json.Unmarshal([]byte(plan.String), t.Plan); err != nil {
			return nil, fmt.Errorf("decode plan: %w", err)
		}
	}
	if accepted.Valid && accepted.String != "" {
		t.Accepted = &Plan{}
		if err := json.Unmarshal([]byte(accepted.String), t.Accepted); err != nil {
			return nil, fmt.Errorf("decode accepted plan: %w", err)
		}
	}
	if result.Valid && result.String != "" {
		t.Result = json.RawMessage(result.String)
	}
	if errRaw.Valid && errRaw.String != "" {
		t.Error = &TaskError{}
		if err := json.Unmarshal([]byte(errRaw.String), t.Error); err != nil {
			return nil, fmt.Errorf("decode error: %w", err)
		}
	}
	return &t, nil
}

func isNilPointer(v any) bool {
	switch p := v.(type) {
	case *Plan:
		return p == nil
	case *TaskError:
		return p == nil
	default:
		return v == nil
	}
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 6)
	args := make([]any, 0, 8)

	if !opts.IncludeArchived {
		conditions = append(conditions, "archived = 0")
	}
	if len(opts.States) > 0 {
		placeholders := make([]string, 0, len(opts.States))
		for _, state := range opts.States {
			placeholders = append(placeholders, "?")
			args = append(args, string(state))
		}
		conditions = append(conditions, fmt.Sprintf("state IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.Owner != "" {
		conditions = append(conditions, "owner = ?")
		args = append(args, opts.Owner)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE*1000)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE*1000+999)
	}
	if opts.HasResult != nil {
		if *opts.HasResult {
			conditions = append(conditions, "(result IS NOT NULL AND result <> '')")
		} else {
			conditions = append(conditions, "(result IS NULL OR result = '')")
		}
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR goal LIKE ?)")
		args = append(args, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
