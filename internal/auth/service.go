package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"TaskMesh-Chain/pkg/logger"

	"github.com/golang-jwt/jwt/v5"
)

// Config 描述 JWT 校验参数。
type Config struct {
	Enabled bool
	Issuer  string
	Secret  string
	// TokenTTL 仅用于 Issue 签发的令牌。
	TokenTTL time.Duration
}

// Service 校验 HS256 签名的访问令牌。鉴权关闭时所有请求以拥有全部权限的
// Anonymous 主体执行。
type Service struct {
	enabled bool
	issuer  string
	secret  []byte
	ttl     time.Duration
	now     func() time.Time
	audit   *slog.Logger
}

type claims struct {
	Permissions []string `json:"perms,omitempty"`
	jwt.RegisteredClaims
}

// NewService 根据配置构造鉴权服务。
func NewService(cfg Config) (*Service, error) {
	if cfg.Enabled && cfg.Secret == "" {
		return nil, errors.New("jwt secret is required when auth is enabled")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	return &Service{
		enabled: cfg.Enabled,
		issuer:  cfg.Issuer,
		secret:  []byte(cfg.Secret),
		ttl:     cfg.TokenTTL,
		now:     time.Now,
		audit:   logger.Audit(),
	}, nil
}

// Enabled 返回是否开启鉴权。
func (s *Service) Enabled() bool {
	return s != nil && s.enabled
}

// Issue 为 subject 签发访问令牌，供运维脚本与 SDK 测试使用。
func (s *Service) Issue(subject string, perms ...string) (string, error) {
	if subject == "" {
		return "", errors.New("subject is required")
	}
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Permissions: perms,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	})
	return token.SignedString(s.secret)
}

// AuthenticateRequest 解析 Authorization 头并返回主体。
func (s *Service) AuthenticateRequest(authorization string) (*Subject, error) {
	if !s.Enabled() {
		return &Subject{ID: Anonymous, Permissions: []string{"*"}}, nil
	}
	raw, ok := strings.CutPrefix(strings.TrimSpace(authorization), "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	var c claims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(raw), &c, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if c.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return &Subject{ID: c.Subject, Permissions: c.Permissions}, nil
}
