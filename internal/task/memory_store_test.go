package task

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	xerrors "TaskMesh-Chain/internal/errors"
)

func newStoredTask(t *testing.T, store Store, id, owner, goal string) {
	t.Helper()
	task := &Task{ID: id, Owner: owner, Request: Request{Goal: goal, Capabilities: []string{"translate"}}}
	if err := store.Create(context.Background(), task); err != nil {
		t.Fatalf("create task %s: %v", id, err)
	}
}

func TestMemoryStoreTransitionIsCompareAndSet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	newStoredTask(t, store, "t1", "alice", "translate a poem")

	stored, err := store.Transition(ctx, "t1", StateIdle, StatePlanning, Change{}, AdvanceEvents(StateIdle, StatePlanning, "")...)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if len(stored) != 1 || stored[0].Offset != 0 || stored[0].Step != "planning" || stored[0].Status != EventStarted {
		t.Fatalf("unexpected stored events: %+v", stored)
	}

	// 过期的 from 状态必须失败且不写入任何事件。
	_, err = store.Transition(ctx, "t1", StateIdle, StatePlanning, Change{}, StepStarted("planning"))
	if !IsTaskError(err, CodeTaskConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	events, err := store.Events(ctx, "t1", 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("conflicting transition must not append events, got %d", len(events))
	}

	_, err = store.Transition(ctx, "t1", StatePlanning, StateExecuting, Change{})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected illegal transition to be rejected, got %v", err)
	}

	if _, err := store.Transition(ctx, "missing", StateIdle, StatePlanning, Change{}); !IsTaskError(err, CodeTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreRejectsPlanReplacementAfterApproval(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	newStoredTask(t, store, "t1", "alice", "goal")

	plan := &Plan{Capabilities: []string{"translate"}, CounterpartyID: "agent-a"}
	steps := []struct {
		from, to State
		change   Change
	}{
		{StateIdle, StatePlanning, Change{}},
		{StatePlanning, StateApprovingPlan, Change{Plan: plan}},
	}
	for _, step := range steps {
		if _, err := store.Transition(ctx, "t1", step.from, step.to, step.change); err != nil {
			t.Fatalf("transition %s -> %s: %v", step.from, step.to, err)
		}
	}

	approved := plan.Clone()
	approved.Approved = true
	if _, err := store.Transition(ctx, "t1", StateApprovingPlan, StateNegotiating, Change{Plan: approved}); err != nil {
		t.Fatalf("approve: %v", err)
	}

	replacement := approved.Clone()
	replacement.CounterpartyID = "agent-b"
	_, err := store.Transition(ctx, "t1", StateNegotiating, StatePaying, Change{Plan: replacement})
	if err != ErrPlanImmutable {
		t.Fatalf("expected plan immutable error, got %v", err)
	}

	accepted := approved.Clone()
	accepted.CounterpartyID = "agent-b"
	accepted.Fallbacks = 1
	if _, err := store.Transition(ctx, "t1", StateNegotiating, StatePaying, Change{Accepted: accepted}); err != nil {
		t.Fatalf("record accepted plan: %v", err)
	}
	got, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Plan.CounterpartyID != "agent-a" || got.Accepted.CounterpartyID != "agent-b" {
		t.Fatalf("approved plan must stay intact: plan=%+v accepted=%+v", got.Plan, got.Accepted)
	}
}

func TestMemoryStoreAppendRequiresState(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	newStoredTask(t, store, "t1", "alice", "goal")

	if _, err := store.Append(ctx, "t1", StatePlanning, StepRunning("planning", "x", nil)); !IsTaskError(err, CodeTaskConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	stored, err := store.Append(ctx, "t1", StateIdle, StepRunning("planning", "a", nil), StepRunning("planning", "b", nil))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if stored[0].Offset != 0 || stored[1].Offset != 1 {
		t.Fatalf("offsets must be contiguous from 0: %+v", stored)
	}

	tail, err := store.Events(ctx, "t1", 1)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(tail) != 1 || tail[0].Data.Message != "b" {
		t.Fatalf("unexpected tail: %+v", tail)
	}
}

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	newStoredTask(t, store, "t1", "alice", "summarise report")
	newStoredTask(t, store, "t2", "bob", "translate poem")
	newStoredTask(t, store, "t3", "alice", "translate contract")

	te := &TaskError{Code: xerrors.CodeCancelled, Step: StepTask, Message: "cancelled"}
	if _, err := store.Transition(ctx, "t2", StateIdle, StateFailed, Change{Error: te}); err != nil {
		t.Fatalf("fail t2: %v", err)
	}

	store.mu.Lock()
	store.tasks["t1"].task.UpdatedAt = base
	store.tasks["t2"].task.UpdatedAt = base.Add(30 * time.Second)
	store.tasks["t3"].task.UpdatedAt = base.Add(60 * time.Second)
	store.tasks["t3"].task.Result = json.RawMessage(`{"ok":true}`)
	store.mu.Unlock()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 || all[0].ID != "t3" {
		t.Fatalf("expected newest task first, got %+v", all)
	}

	cases := []struct {
		name string
		opts []ListOption
		want []string
	}{
		{"state", []ListOption{WithStates("failed")}, []string{"t2"}},
		{"owner", []ListOption{WithOwner("alice")}, []string{"t3", "t1"}},
		{"result", []ListOption{WithResultPresence(true)}, []string{"t3"}},
		{"since", []ListOption{WithUpdatedSince(base.Add(15 * time.Second))}, []string{"t3", "t2"}},
		{"query", []ListOption{WithQuery("TRANSLATE")}, []string{"t3", "t2"}},
		{"ascending page", []ListOption{WithSortOrder(SortByUpdatedAsc), WithLimit(1), WithOffset(1)}, []string{"t2"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := store.List(ctx, buildListOptions(tc.opts))
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("expected %v, got %d tasks", tc.want, len(got))
			}
			for i, id := range tc.want {
				if got[i].ID != id {
					t.Fatalf("position %d: expected %s, got %s", i, id, got[i].ID)
				}
			}
		})
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Failed != 1 || stats.Active != 2 || stats.ByState[StateIdle] != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.OldestUpdatedAt != base.Unix() || stats.NewestUpdatedAt != base.Add(60*time.Second).Unix() {
		t.Fatalf("unexpected update range: %+v", stats)
	}
}

func TestMemoryStoreArchiveAndPurge(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	newStoredTask(t, store, "done", "alice", "goal")
	newStoredTask(t, store, "running", "alice", "goal")
	te := &TaskError{Code: xerrors.CodeCancelled, Step: StepTask, Message: "cancelled"}
	if _, err := store.Transition(ctx, "done", StateIdle, StateFailed, Change{Error: te}); err != nil {
		t.Fatalf("fail: %v", err)
	}

	if n, err := store.Archive(ctx, now); err != nil || n != 0 {
		t.Fatalf("cutoff equal to terminal time must not archive: n=%d err=%v", n, err)
	}
	if n, err := store.Archive(ctx, now.Add(time.Hour)); err != nil || n != 1 {
		t.Fatalf("expected one archived task: n=%d err=%v", n, err)
	}

	visible, _ := store.List(ctx, ListOptions{})
	if len(visible) != 1 || visible[0].ID != "running" {
		t.Fatalf("archived tasks must be hidden by default: %+v", visible)
	}
	withArchived, _ := store.List(ctx, buildListOptions([]ListOption{WithArchived(true)}))
	if len(withArchived) != 2 {
		t.Fatalf("expected archived task when requested, got %d", len(withArchived))
	}

	if n, err := store.Purge(ctx, now.Add(time.Hour)); err != nil || n != 1 {
		t.Fatalf("expected one purged task: n=%d err=%v", n, err)
	}
	if _, err := store.Get(ctx, "done"); !IsTaskError(err, CodeTaskNotFound) {
		t.Fatalf("purged task must be gone, got %v", err)
	}
	if _, err := store.Get(ctx, "running"); err != nil {
		t.Fatalf("non-terminal task must survive purge: %v", err)
	}
}
