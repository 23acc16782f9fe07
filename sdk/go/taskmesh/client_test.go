package taskmesh

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"TaskMesh-Chain/internal/api"
	"TaskMesh-Chain/internal/auth"
	"TaskMesh-Chain/internal/task"
)

func newTestClient(t *testing.T) (*Client, *task.Service) {
	t.Helper()
	store := task.NewMemoryStore()
	recorder := task.NewRecorder(store, task.WithPollInterval(10*time.Millisecond))
	svc := task.NewService(recorder, task.NewMemoryQueue(16))
	authSvc, err := auth.NewService(auth.Config{Enabled: true, Secret: "sdk"})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	srv := httptest.NewServer(api.NewServer(api.Config{}, svc, authSvc).Handler())
	t.Cleanup(srv.Close)

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	token, err := authSvc.Issue("alice", auth.PermTasksRead, auth.PermTasksWrite)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	client.SetAccessToken(token)
	return client, svc
}

func TestClientTaskLifecycle(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	created, err := client.SubmitTask(ctx, TaskRequest{
		ID:           "report-1",
		Goal:         "summarize",
		Capabilities: []string{"summarize"},
		Criteria:     Criteria{RequiredFields: []string{"summary"}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if created.ID != "report-1" || created.State != StatePlanning || created.Owner != "alice" {
		t.Fatalf("unexpected task %+v", created)
	}

	again, err := client.SubmitTask(ctx, TaskRequest{ID: "report-1", Goal: "summarize", Capabilities: []string{"summarize"}})
	if err != nil || again.ID != created.ID {
		t.Fatalf("resubmission must be idempotent: %+v %v", again, err)
	}

	list, err := client.ListTasks(ctx, ListParams{States: []string{StatePlanning}})
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v %v", list, err)
	}

	cancelled, err := client.CancelTask(ctx, created.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !cancelled.Terminal() || cancelled.Error == nil || cancelled.Error.Code != "CANCELLED" {
		t.Fatalf("expected cancelled task, got %+v", cancelled)
	}

	done, err := client.WaitForCompletion(ctx, created.ID, 10*time.Millisecond)
	if err != nil || done.State != StateFailed {
		t.Fatalf("wait: %+v %v", done, err)
	}

	events, err := client.Events(ctx, created.ID, 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) == 0 || !events[len(events)-1].Final() {
		t.Fatalf("expected log ending with the final event, got %+v", events)
	}
}

func TestClientStreamEvents(t *testing.T) {
	client, svc := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	created, err := client.SubmitTask(ctx, TaskRequest{Goal: "summarize", Capabilities: []string{"summarize"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = svc.Cancel(context.Background(), created.ID, "alice")
	}()

	var got []Event
	err = client.StreamEvents(ctx, created.ID, 0, func(e Event) error {
		got = append(got, e)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(got) == 0 || !got[len(got)-1].Final() || got[len(got)-1].Status != "error" {
		t.Fatalf("stream must end with the task error event, got %+v", got)
	}
}

func TestClientErrors(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	_, err := client.GetTask(ctx, "missing")
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	_, err = client.SubmitTask(ctx, TaskRequest{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest || len(apiErr.Details) != 2 {
		t.Fatalf("expected validation error with details, got %#v", err)
	}

	client.SetAccessToken("")
	if _, err := client.ListTasks(ctx, ListParams{}); !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %v", err)
	}

	if _, err := NewClient("not a url", nil); err == nil {
		t.Fatal("expected invalid base url error")
	}
}
