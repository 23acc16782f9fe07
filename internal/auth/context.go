package auth

import "context"

type subjectKey struct{}

// WithSubject 将主体存入上下文。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	subject.normalise()
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext 取出上下文中的主体，不存在时返回 nil。
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	subject, _ := ctx.Value(subjectKey{}).(*Subject)
	return subject
}

// OwnerFromContext 返回请求方的 owner 标识，未认证时为 Anonymous。
func OwnerFromContext(ctx context.Context) string {
	if s := SubjectFromContext(ctx); s != nil && s.ID != "" {
		return s.ID
	}
	return Anonymous
}
