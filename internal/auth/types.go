package auth

import (
	"errors"
	"strings"
)

// 鉴权子系统返回的通用错误。
var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrMissingToken     = errors.New("missing bearer token")
	ErrPermissionDenied = errors.New("permission denied")
)

// Anonymous 是鉴权关闭时请求使用的主体标识。
const Anonymous = "anonymous"

// 任务接口使用的权限。
const (
	PermTasksRead         = "tasks:read"
	PermTasksWrite        = "tasks:write"
	PermTasksAdmin        = "tasks:admin"
	PermIntegrationsAdmin = "integrations:admin"
)

// Subject 是经过认证的调用方，ID 即任务的 owner。
type Subject struct {
	ID          string
	Permissions []string

	permissionsSet map[string]struct{}
}

func (s *Subject) normalise() {
	if s == nil || s.permissionsSet != nil {
		return
	}
	s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
	for _, perm := range s.Permissions {
		s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
	}
}

// HasPermission 判断主体是否拥有指定权限，"*" 表示全部权限。
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	if _, ok := s.permissionsSet["*"]; ok {
		return true
	}
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize 要求主体拥有全部给定权限。
func (s *Subject) Authorize(perms ...string) error {
	for _, perm := range perms {
		if !s.HasPermission(perm) {
			return ErrPermissionDenied
		}
	}
	return nil
}
