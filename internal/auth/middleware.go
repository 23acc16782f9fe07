package auth

import (
	"errors"
	"net/http"
	"time"
)

// MiddlewareConfig 配置鉴权中间件。
type MiddlewareConfig struct {
	// RequiredPermissions 定义每个 HTTP 方法所需的权限，"*" 作为兜底。
	RequiredPermissions map[string][]string
	// AuditEvent 指定审计日志使用的事件名称。
	AuditEvent string
	// OnDenied 自定义拒绝响应，为空时输出纯文本状态。
	OnDenied func(w http.ResponseWriter, r *http.Request, status int, err error)
}

// Middleware 返回负责认证、授权与审计的 HTTP 中间件。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	deny := cfg.OnDenied
	if deny == nil {
		deny = func(w http.ResponseWriter, _ *http.Request, status int, _ error) {
			http.Error(w, http.StatusText(status), status)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, err := s.AuthenticateRequest(r.Header.Get("Authorization"))
			if err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, ErrPermissionDenied) {
					status = http.StatusForbidden
				}
				deny(w, r, status, err)
				s.audit.Warn("access_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"status", status,
					"error", err.Error(),
				)
				return
			}

			perms := cfg.RequiredPermissions[r.Method]
			if len(perms) == 0 {
				perms = cfg.RequiredPermissions["*"]
			}
			if err := subject.Authorize(perms...); err != nil {
				deny(w, r, http.StatusForbidden, err)
				s.audit.Warn("permission_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"error", err.Error(),
					"subject", subject.ID,
				)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
			if r.Method == http.MethodGet {
				return
			}
			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			s.audit.Info("api_request",
				"event", event,
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"subject", subject.ID,
			)
		})
	}
}

// auditWriter 捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush 透传给底层 ResponseWriter，保证 SSE 推送及时。
func (w *auditWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
