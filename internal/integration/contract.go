package integration

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"

	xerrors "TaskMesh-Chain/internal/errors"
)

// ParamType is the declared type of a contract parameter.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"
	TypeInteger ParamType = "integer"
	TypeBoolean ParamType = "boolean"
	TypeObject  ParamType = "object"
	TypeArray   ParamType = "array"
)

// AuthScheme is how credentials are attached to outgoing calls.
type AuthScheme string

const (
	AuthNone   AuthScheme = "none"
	AuthBearer AuthScheme = "bearer"
	AuthAPIKey AuthScheme = "api_key"
	AuthHeader AuthScheme = "header"
)

// DefaultAPIKeyHeader is used when an api_key contract names no header.
const DefaultAPIKeyHeader = "X-API-Key"

var paramNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]{0,63}$`)

// Param describes one named input of a capability contract.
type Param struct {
	Type        ParamType `json:"type"`
	Required    bool      `json:"required,omitempty"`
	Description string    `json:"description,omitempty"`
}

// Auth describes the credential scheme of a contract.
type Auth struct {
	Scheme AuthScheme `json:"scheme"`
	Header string     `json:"header,omitempty"`
}

// Contract is the capability contract a counterparty declares in its
// metadata: where to call it, with which parameters and how to authenticate.
type Contract struct {
	Name       string           `json:"name,omitempty"`
	Endpoint   string           `json:"endpoint"`
	Method     string           `json:"method,omitempty"`
	Parameters map[string]Param `json:"parameters"`
	Auth       Auth             `json:"auth"`
	// TimeoutMS is a hint from the counterparty; the invoker caps it.
	TimeoutMS int64 `json:"timeout_ms,omitempty"`
}

// ParseContract decodes a contract document and normalizes it. Validation is
// left to Validate so callers can report every offending field at once.
func ParseContract(raw []byte) (Contract, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Contract{}, xerrors.New(xerrors.CodeSynthesisFailure, "counterparty declares no integration contract",
			xerrors.WithDetails("integration: missing"))
	}
	var c Contract
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return Contract{}, xerrors.Wrap(xerrors.CodeSynthesisFailure, err, "malformed integration contract",
			xerrors.WithDetails("integration: "+err.Error()))
	}
	return c.Normalize(), nil
}

// Normalize fills defaults so equivalent contracts share a fingerprint.
func (c Contract) Normalize() Contract {
	c.Endpoint = strings.TrimSpace(c.Endpoint)
	c.Method = strings.ToUpper(strings.TrimSpace(c.Method))
	if c.Method == "" {
		c.Method = http.MethodPost
	}
	c.Auth.Scheme = AuthScheme(strings.ToLower(strings.TrimSpace(string(c.Auth.Scheme))))
	if c.Auth.Scheme == "" {
		c.Auth.Scheme = AuthNone
	}
	c.Auth.Header = strings.TrimSpace(c.Auth.Header)
	if c.Auth.Scheme == AuthAPIKey && c.Auth.Header == "" {
		c.Auth.Header = DefaultAPIKeyHeader
	}
	if c.Auth.Scheme == AuthBearer || c.Auth.Scheme == AuthNone {
		c.Auth.Header = ""
	}
	params := make(map[string]Param, len(c.Parameters))
	for name, p := range c.Parameters {
		p.Type = ParamType(strings.ToLower(strings.TrimSpace(string(p.Type))))
		params[strings.TrimSpace(name)] = p
	}
	c.Parameters = params
	return c
}

// Validate rejects malformed contracts with SYNTHESIS_FAILURE, listing every
// offending field in the error details.
func (c Contract) Validate() error {
	var problems []string

	u, err := url.Parse(c.Endpoint)
	switch {
	case c.Endpoint == "":
		problems = append(problems, "endpoint: required")
	case err != nil:
		problems = append(problems, "endpoint: "+err.Error())
	case u.Scheme == "" || u.Host == "":
		problems = append(problems, "endpoint: must be an absolute url")
	}

	switch c.Method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		problems = append(problems, fmt.Sprintf("method: unsupported %q", c.Method))
	}

	names := make([]string, 0, len(c.Parameters))
	for name := range c.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !paramNamePattern.MatchString(name) {
			problems = append(problems, fmt.Sprintf("parameters.%s: invalid name", name))
		}
		switch c.Parameters[name].Type {
		case TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeObject, TypeArray:
		case "":
			problems = append(problems, fmt.Sprintf("parameters.%s.type: required", name))
		default:
			problems = append(problems, fmt.Sprintf("parameters.%s.type: unsupported %q", name, c.Parameters[name].Type))
		}
	}

	switch c.Auth.Scheme {
	case AuthNone, AuthBearer, AuthAPIKey:
	case AuthHeader:
		if c.Auth.Header == "" {
			problems = append(problems, "auth.header: required for header scheme")
		}
	default:
		problems = append(problems, fmt.Sprintf("auth.scheme: unsupported %q", c.Auth.Scheme))
	}

	if c.TimeoutMS < 0 {
		problems = append(problems, "timeout_ms: must not be negative")
	}

	if len(problems) > 0 {
		return xerrors.New(xerrors.CodeSynthesisFailure, "invalid integration contract", xerrors.WithDetails(problems...))
	}
	return nil
}

// fingerprintInput is the identity of a contract: endpoint, parameter schema
// and auth scheme. Display name and timeout hint are excluded.
type fingerprintInput struct {
	Endpoint   string           `json:"endpoint"`
	Method     string           `json:"method"`
	Parameters map[string]Param `json:"parameters"`
	Auth       Auth             `json:"auth"`
}

// Fingerprint returns the hex sha256 of the contract's canonical identity.
func Fingerprint(c Contract) string {
	c = c.Normalize()
	params := make(map[string]Param, len(c.Parameters))
	for name, p := range c.Parameters {
		p.Description = ""
		params[name] = p
	}
	// encoding/json sorts map keys, which makes the encoding canonical.
	raw, _ := json.Marshal(fingerprintInput{
		Endpoint:   c.Endpoint,
		Method:     c.Method,
		Parameters: params,
		Auth:       c.Auth,
	})
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
