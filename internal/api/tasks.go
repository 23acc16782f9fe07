package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"TaskMesh-Chain/internal/auth"
	xerrors "TaskMesh-Chain/internal/errors"
	"TaskMesh-Chain/internal/task"
)

const maxRequestBytes = 1 << 20

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req task.Request
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	t, err := s.tasks.Submit(r.Context(), auth.OwnerFromContext(r.Context()), req)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/tasks/"+t.ID)
	writeJSON(w, http.StatusAccepted, t)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if owner, scoped := ownerScope(r); scoped {
		opts = append(opts, task.WithOwner(owner))
	}
	tasks, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var opts []task.ListOption
	if owner, scoped := ownerScope(r); scoped {
		opts = append(opts, task.WithOwner(owner))
	}
	stats, err := s.tasks.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.visibleTask(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if _, err := s.visibleTask(r); err != nil {
		writeError(w, err)
		return
	}
	t, err := s.tasks.Cancel(r.Context(), r.PathValue("id"), auth.OwnerFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	if _, err := s.visibleTask(r); err != nil {
		writeError(w, err)
		return
	}
	t, err := s.tasks.Approve(r.Context(), r.PathValue("id"), auth.OwnerFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	if _, err := s.visibleTask(r); err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &body); err != nil {
			writeError(w, err)
			return
		}
	}
	t, err := s.tasks.Reject(r.Context(), r.PathValue("id"), auth.OwnerFromContext(r.Context()), body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleEvents 默认以 SSE 推送事件直到任务结束，stream=false 时返回当前日志。
// 未指定游标时，JSON 日志从头返回，SSE 从订阅时刻的 NextOffset 开始推送；from=0 显式回放全部。
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	t, err := s.visibleTask(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	stream := r.URL.Query().Get("stream") != "false"
	fallback := int64(0)
	if stream {
		fallback = t.NextOffset
	}
	from, err := eventCursor(r, fallback)
	if err != nil {
		writeError(w, err)
		return
	}

	if !stream {
		events, err := s.tasks.Events(r.Context(), id, from)
		if err != nil {
			writeError(w, err)
			return
		}
		if events == nil {
			events = []task.Event{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": events})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "streaming unsupported"))
		return
	}
	ch, err := s.tasks.Subscribe(r.Context(), id, from)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := writeSSE(w, evt); err != nil {
				s.logger.Debug("SSE 写入失败", slog.String("task_id", id), slog.Any("error", err))
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, evt task.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Offset, evt.Status, payload)
	return err
}

// visibleTask 返回调用方可见的任务，其他人的任务按不存在处理。
func (s *Server) visibleTask(r *http.Request) (*task.Task, error) {
	t, err := s.tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	if owner, scoped := ownerScope(r); scoped && t.Owner != owner {
		return nil, task.ErrTaskNotFound
	}
	return t, nil
}

// ownerScope 返回请求需要限定的 owner，管理员不受限。
func ownerScope(r *http.Request) (string, bool) {
	subject := auth.SubjectFromContext(r.Context())
	if subject != nil && subject.HasPermission(auth.PermTasksAdmin) {
		return "", false
	}
	return auth.OwnerFromContext(r.Context()), true
}

// eventCursor 依次读取 from 参数与 Last-Event-ID，都缺失时返回 fallback。
func eventCursor(r *http.Request, fallback int64) (int64, error) {
	raw := r.URL.Query().Get("from")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
		if raw == "" {
			return fallback, nil
		}
		last, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || last < 0 {
			return 0, xerrors.New(xerrors.CodeInvalidArgument, "invalid Last-Event-ID")
		}
		return last + 1, nil
	}
	from, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || from < 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "from must be a non-negative integer")
	}
	return from, nil
}

func listOptions(r *http.Request) ([]task.ListOption, error) {
	q := r.URL.Query()
	var opts []task.ListOption
	intParam := func(name string, apply func(int) task.ListOption) error {
		raw := q.Get(name)
		if raw == "" {
			return nil
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return xerrors.New(xerrors.CodeInvalidArgument, name+" must be a non-negative integer")
		}
		opts = append(opts, apply(v))
		return nil
	}
	if err := intParam("limit", task.WithLimit); err != nil {
		return nil, err
	}
	if err := intParam("offset", task.WithOffset); err != nil {
		return nil, err
	}
	if raw := q.Get("state"); raw != "" {
		var states []task.State
		for _, part := range strings.Split(raw, ",") {
			states = append(states, task.State(strings.ToUpper(strings.TrimSpace(part))))
		}
		opts = append(opts, task.WithStates(states...))
	}
	if query := q.Get("q"); query != "" {
		opts = append(opts, task.WithQuery(query))
	}
	if q.Get("order") == "asc" {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}
	if q.Get("include_archived") == "true" {
		opts = append(opts, task.WithArchived(true))
	}
	if raw := q.Get("has_result"); raw != "" {
		has, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "has_result must be a boolean")
		}
		opts = append(opts, task.WithResultPresence(has))
	}
	if raw := q.Get("updated_since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "updated_since must be RFC3339")
		}
		opts = append(opts, task.WithUpdatedSince(ts))
	}
	return opts, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(v); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败", xerrors.WithDetails("body: "+err.Error()))
	}
	return nil
}
