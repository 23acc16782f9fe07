package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"TaskMesh-Chain/internal/auth"
	xerrors "TaskMesh-Chain/internal/errors"
	"TaskMesh-Chain/internal/integration"
	"TaskMesh-Chain/internal/observability/metrics"
	"TaskMesh-Chain/internal/task"
	"TaskMesh-Chain/pkg/logger"

	"github.com/rs/cors"
)

// TaskService 是 API 依赖的任务服务能力。
type TaskService interface {
	Submit(ctx context.Context, owner string, req task.Request) (*task.Task, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	Events(ctx context.Context, id string, from int64) ([]task.Event, error)
	Subscribe(ctx context.Context, id string, from int64) (<-chan task.Event, error)
	Cancel(ctx context.Context, id, owner string) (*task.Task, error)
	Approve(ctx context.Context, id, owner string) (*task.Task, error)
	Reject(ctx context.Context, id, owner, reason string) (*task.Task, error)
	List(ctx context.Context, opts ...task.ListOption) ([]*task.Task, error)
	Stats(ctx context.Context, opts ...task.ListOption) (task.TaskStats, error)
}

// Integrations 是集成制品的管理能力。
type Integrations interface {
	List(ctx context.Context) ([]integration.Artifact, error)
	Get(ctx context.Context, fingerprint string) (integration.Artifact, error)
	Archive(ctx context.Context, fingerprint string) error
	Delete(ctx context.Context, fingerprint string) error
}

// HealthCheck 返回依赖组件的健康状况，nil 表示健康。
type HealthCheck func(ctx context.Context) error

// Config 描述 API 服务的运行参数。
type Config struct {
	Address        string
	AllowedOrigins []string
	ReadTimeout    time.Duration
	MetricsEnabled bool
	// Heartbeat 是 SSE 连接的保活间隔。
	Heartbeat time.Duration
}

// Server 暴露任务与集成的 REST 接口。
type Server struct {
	cfg          Config
	tasks        TaskService
	integrations Integrations
	auth         *auth.Service
	checks       map[string]HealthCheck
	logger       *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithIntegrations 挂载集成制品管理接口。
func WithIntegrations(i Integrations) Option {
	return func(s *Server) {
		s.integrations = i
	}
}

// WithHealthCheck 注册 /healthz 使用的健康检查。
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) {
		if check != nil {
			s.checks[name] = check
		}
	}
}

// WithLogger 设置日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer 构造 API 服务实例。authSvc 为空时等同于关闭鉴权。
func NewServer(cfg Config, tasks TaskService, authSvc *auth.Service, opts ...Option) *Server {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	if authSvc == nil {
		authSvc, _ = auth.NewService(auth.Config{})
	}
	s := &Server{
		cfg:    cfg,
		tasks:  tasks,
		auth:   authSvc,
		checks: make(map[string]HealthCheck),
		logger: logger.Named("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler 构造完整的路由树。
func (s *Server) Handler() http.Handler {
	read := s.auth.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{"*": {auth.PermTasksRead}},
		OnDenied:            denied,
	})
	write := s.auth.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{"*": {auth.PermTasksWrite}},
		OnDenied:            denied,
	})
	admin := s.auth.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{"*": {auth.PermIntegrationsAdmin}},
		OnDenied:            denied,
	})

	mux := http.NewServeMux()
	route := func(pattern, name string, guard func(http.Handler) http.Handler, h http.HandlerFunc) {
		mux.Handle(pattern, instrument(name, guard(h)))
	}
	route("POST /api/v1/tasks", "tasks.submit", write, s.handleSubmit)
	route("GET /api/v1/tasks", "tasks.list", read, s.handleList)
	route("GET /api/v1/tasks/stats", "tasks.stats", read, s.handleStats)
	route("GET /api/v1/tasks/{id}", "tasks.get", read, s.handleGet)
	route("POST /api/v1/tasks/{id}/cancel", "tasks.cancel", write, s.handleCancel)
	route("POST /api/v1/tasks/{id}/approve", "tasks.approve", write, s.handleApprove)
	route("POST /api/v1/tasks/{id}/reject", "tasks.reject", write, s.handleReject)
	route("GET /api/v1/tasks/{id}/events", "tasks.events", read, s.handleEvents)
	if s.integrations != nil {
		route("GET /api/v1/integrations", "integrations.list", admin, s.handleListIntegrations)
		route("GET /api/v1/integrations/{fp}", "integrations.get", admin, s.handleGetIntegration)
		route("POST /api/v1/integrations/{fp}/archive", "integrations.archive", admin, s.handleArchiveIntegration)
		route("DELETE /api/v1/integrations/{fp}", "integrations.delete", admin, s.handleDeleteIntegration)
	}
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.cfg.MetricsEnabled {
		mux.Handle("GET /metrics", metrics.Handler())
	}

	return cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
	}).Handler(mux)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API 服务已启动", slog.String("address", s.cfg.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	report := map[string]string{}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			report[name] = err.Error()
			continue
		}
		report[name] = "ok"
	}
	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": overall, "checks": report})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "服务已关闭"))
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}

// errorBody 是统一的错误响应结构。
type errorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Code: string(xerrors.CodeUnknown), Message: "internal error"}
	if e, ok := xerrors.From(err); ok {
		body.Code = string(e.Code())
		body.Message = e.Message()
		body.Details = e.Details()
	}
	writeJSON(w, statusFor(err), map[string]errorBody{"error": body})
}

func denied(w http.ResponseWriter, _ *http.Request, status int, err error) {
	code := xerrors.CodeUnauthorized
	writeJSON(w, status, map[string]errorBody{"error": {Code: string(code), Message: err.Error()}})
}

func statusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case task.CodeTaskValidation, xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case task.CodeTaskNotFound, xerrors.CodeNotFound:
		return http.StatusNotFound
	case task.CodeTaskConflict, xerrors.CodeConflict, xerrors.CodeAlreadyCompleted:
		return http.StatusConflict
	case xerrors.CodeUnauthorized:
		return http.StatusForbidden
	case task.CodeTaskPublish, xerrors.CodeInitializationFailure, xerrors.CodeRegistryUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
