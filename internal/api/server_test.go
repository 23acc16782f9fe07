package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"TaskMesh-Chain/internal/auth"
	"TaskMesh-Chain/internal/integration"
	"TaskMesh-Chain/internal/task"
)

type fixture struct {
	srv     *httptest.Server
	tasks   *task.Service
	cache   *integration.Cache
	authSvc *auth.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := task.NewMemoryStore()
	recorder := task.NewRecorder(store, task.WithPollInterval(10*time.Millisecond))
	svc := task.NewService(recorder, task.NewMemoryQueue(64))

	authSvc, err := auth.NewService(auth.Config{Enabled: true, Issuer: "taskmesh", Secret: "test"})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	cache := integration.NewCache(integration.NewMemoryStore(), integration.NewSynthesizer(integration.Policy{}), integration.NewInvoker(nil, time.Second))

	server := NewServer(Config{MetricsEnabled: true, Heartbeat: time.Second}, svc, authSvc,
		WithIntegrations(cache),
		WithHealthCheck("store", func(context.Context) error { return nil }),
	)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, tasks: svc, cache: cache, authSvc: authSvc}
}

func (f *fixture) token(t *testing.T, subject string, perms ...string) string {
	t.Helper()
	tok, err := f.authSvc.Issue(subject, perms...)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return tok
}

func (f *fixture) do(t *testing.T, method, path, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

const submitBody = `{"goal":"summarize the report","capabilities":["summarize"],"criteria":{"required_fields":["summary"]}}`

func TestSubmitGetAndCancel(t *testing.T) {
	f := newFixture(t)
	alice := f.token(t, "alice", auth.PermTasksRead, auth.PermTasksWrite)
	bob := f.token(t, "bob", auth.PermTasksRead, auth.PermTasksWrite)

	resp := f.do(t, http.MethodPost, "/api/v1/tasks", alice, submitBody)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit: expected 202, got %d", resp.StatusCode)
	}
	created := decode[task.Task](t, resp)
	if created.Owner != "alice" || created.State != task.StatePlanning {
		t.Fatalf("unexpected task %+v", created)
	}

	if resp := f.do(t, http.MethodGet, "/api/v1/tasks/"+created.ID, bob, ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("other owners must not see the task, got %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodPost, "/api/v1/tasks/"+created.ID+"/cancel", alice, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d", resp.StatusCode)
	}
	cancelled := decode[task.Task](t, resp)
	if cancelled.State != task.StateFailed || cancelled.Error == nil || cancelled.Error.Code != "CANCELLED" {
		t.Fatalf("expected cancelled task, got %+v", cancelled)
	}

	resp = f.do(t, http.MethodPost, "/api/v1/tasks/"+created.ID+"/cancel", alice, "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second cancel: expected 409, got %d", resp.StatusCode)
	}
	body := decode[map[string]errorBody](t, resp)
	if body["error"].Code != "ALREADY_COMPLETED" {
		t.Fatalf("unexpected error body %+v", body)
	}
}

func TestSubmitValidationAndAuth(t *testing.T) {
	f := newFixture(t)
	reader := f.token(t, "carol", auth.PermTasksRead)
	writer := f.token(t, "carol", auth.PermTasksWrite)

	if resp := f.do(t, http.MethodPost, "/api/v1/tasks", "", submitBody); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token: expected 401, got %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodPost, "/api/v1/tasks", reader, submitBody); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("read-only token: expected 403, got %d", resp.StatusCode)
	}

	resp := f.do(t, http.MethodPost, "/api/v1/tasks", writer, `{"goal":" ","capabilities":[]}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid request: expected 400, got %d", resp.StatusCode)
	}
	body := decode[map[string]errorBody](t, resp)
	if body["error"].Code != string(task.CodeTaskValidation) || len(body["error"].Details) != 2 {
		t.Fatalf("expected both problems listed, got %+v", body)
	}

	if resp := f.do(t, http.MethodPost, "/api/v1/tasks", writer, `{`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body: expected 400, got %d", resp.StatusCode)
	}
}

func TestListAndStatsAreScopedToOwner(t *testing.T) {
	f := newFixture(t)
	alice := f.token(t, "alice", auth.PermTasksRead, auth.PermTasksWrite)
	bob := f.token(t, "bob", auth.PermTasksRead, auth.PermTasksWrite)
	admin := f.token(t, "ops", auth.PermTasksRead, auth.PermTasksAdmin)

	f.do(t, http.MethodPost, "/api/v1/tasks", alice, submitBody)
	f.do(t, http.MethodPost, "/api/v1/tasks", alice, submitBody)
	f.do(t, http.MethodPost, "/api/v1/tasks", bob, submitBody)

	list := decode[map[string][]task.Task](t, f.do(t, http.MethodGet, "/api/v1/tasks?state=planning", alice, ""))
	if len(list["tasks"]) != 2 {
		t.Fatalf("alice should see 2 tasks, got %d", len(list["tasks"]))
	}
	stats := decode[task.TaskStats](t, f.do(t, http.MethodGet, "/api/v1/tasks/stats", admin, ""))
	if stats.Total != 3 {
		t.Fatalf("admin should see all 3 tasks, got %d", stats.Total)
	}
	if resp := f.do(t, http.MethodGet, "/api/v1/tasks?limit=x", alice, ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit: expected 400, got %d", resp.StatusCode)
	}
}

func TestEventsJSONAndStream(t *testing.T) {
	f := newFixture(t)
	alice := f.token(t, "alice", auth.PermTasksRead, auth.PermTasksWrite)
	created := decode[task.Task](t, f.do(t, http.MethodPost, "/api/v1/tasks", alice, submitBody))
	id := created.ID

	// 先建立订阅，再取消任务，流在任务级终结事件后关闭。from=0 回放完整日志。
	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/api/v1/tasks/"+id+"/events?from=0", nil)
	req.Header.Set("Authorization", "Bearer "+alice)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := http.DefaultClient.Do(req.WithContext(ctx))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	if _, err := f.tasks.Cancel(context.Background(), id, "alice"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	var streamed []task.Event
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			var evt task.Event
			if err := json.Unmarshal([]byte(data), &evt); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			streamed = append(streamed, evt)
		}
	}
	if len(streamed) == 0 {
		t.Fatal("no events streamed")
	}
	last := streamed[len(streamed)-1]
	if last.Step != task.StepTask || last.Status != task.EventError {
		t.Fatalf("stream must end with the task error event, got %+v", last)
	}
	for i, evt := range streamed {
		if evt.Offset != int64(i) {
			t.Fatalf("offsets must be contiguous from 0, got %d at %d", evt.Offset, i)
		}
	}

	logResp := f.do(t, http.MethodGet, "/api/v1/tasks/"+id+"/events?stream=false&from=1", alice, "")
	log := decode[map[string][]task.Event](t, logResp)
	if len(log["events"]) != len(streamed)-1 || log["events"][0].Offset != 1 {
		t.Fatalf("expected replay from offset 1, got %+v", log["events"])
	}
}

func TestEventsStreamStartsAtSubscriptionTime(t *testing.T) {
	f := newFixture(t)
	alice := f.token(t, "alice", auth.PermTasksRead, auth.PermTasksWrite)
	created := decode[task.Task](t, f.do(t, http.MethodPost, "/api/v1/tasks", alice, submitBody))
	current, err := f.tasks.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if current.NextOffset == 0 {
		t.Fatal("submitted task should already have events")
	}

	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/api/v1/tasks/"+created.ID+"/events", nil)
	req.Header.Set("Authorization", "Bearer "+alice)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := http.DefaultClient.Do(req.WithContext(ctx))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()

	if _, err := f.tasks.Cancel(context.Background(), created.ID, "alice"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	var offsets []int64
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if data, ok := strings.CutPrefix(scanner.Text(), "data: "); ok {
			var evt task.Event
			if err := json.Unmarshal([]byte(data), &evt); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			offsets = append(offsets, evt.Offset)
		}
	}
	if len(offsets) == 0 || offsets[0] != current.NextOffset {
		t.Fatalf("stream without a cursor should start at offset %d, got %v", current.NextOffset, offsets)
	}

	// 已结束的任务没有新事件，默认游标的流立即关闭。
	done := f.do(t, http.MethodGet, "/api/v1/tasks/"+created.ID+"/events", alice, "")
	body, _ := io.ReadAll(done.Body)
	done.Body.Close()
	if strings.Contains(string(body), "data: ") {
		t.Fatalf("finished task should stream nothing new, got %q", body)
	}
}

func TestIntegrationsAdmin(t *testing.T) {
	f := newFixture(t)
	admin := f.token(t, "ops", auth.PermIntegrationsAdmin)
	user := f.token(t, "alice", auth.PermTasksRead)

	contract := integration.Contract{
		Endpoint:   "https://agent.example/run",
		Parameters: map[string]integration.Param{"q": {Type: integration.TypeString}},
	}.Normalize()
	artifact, err := f.cache.GetOrBuild(context.Background(), "", contract)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if resp := f.do(t, http.MethodGet, "/api/v1/integrations", user, ""); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin: expected 403, got %d", resp.StatusCode)
	}
	list := decode[map[string][]integration.Artifact](t, f.do(t, http.MethodGet, "/api/v1/integrations", admin, ""))
	if len(list["integrations"]) != 1 {
		t.Fatalf("expected one artifact, got %+v", list)
	}

	archived := decode[integration.Artifact](t, f.do(t, http.MethodPost, "/api/v1/integrations/"+artifact.Fingerprint+"/archive", admin, ""))
	if archived.State != integration.StateArchived {
		t.Fatalf("expected ARCHIVED, got %s", archived.State)
	}
	deleted := decode[integration.Artifact](t, f.do(t, http.MethodDelete, "/api/v1/integrations/"+artifact.Fingerprint, admin, ""))
	if deleted.State != integration.StateDeleted {
		t.Fatalf("expected DELETED, got %s", deleted.State)
	}
	if resp := f.do(t, http.MethodGet, "/api/v1/integrations/unknown", admin, ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown fingerprint: expected 404, got %d", resp.StatusCode)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/healthz", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", resp.StatusCode)
	}
	f.do(t, http.MethodGet, "/api/v1/tasks", f.token(t, "alice", auth.PermTasksRead), "")
	resp = f.do(t, http.MethodGet, "/metrics", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", resp.StatusCode)
	}
}
