package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	xerrors "TaskMesh-Chain/internal/errors"
)

const maxResponseBytes = 4 << 20

// Failure classes carried by InvocationError.
const (
	ClassTimeout  = "timeout"
	ClassNetwork  = "network"
	ClassUpstream = "upstream"
	ClassClient   = "client"
	ClassSchema   = "schema"
	ClassAuth     = "auth"
)

// Credential is supplied per invocation; artifacts never hold secrets.
type Credential struct {
	Token string
}

// InvocationError describes why a call to a counterparty failed.
type InvocationError struct {
	Status    int
	Class     string
	Transient bool
	Body      string
	Err       error
}

func (e *InvocationError) Error() string {
	var b strings.Builder
	b.WriteString(e.Class)
	if e.Status > 0 {
		b.WriteString(" status ")
		b.WriteString(strconv.Itoa(e.Status))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	} else if e.Body != "" {
		b.WriteString(": ")
		b.WriteString(e.Body)
	}
	return b.String()
}

func (e *InvocationError) Unwrap() error { return e.Err }

// AsInvocationError extracts the InvocationError from err.
func AsInvocationError(err error) (*InvocationError, bool) {
	var ie *InvocationError
	if errors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}

// Invoker is the single engine that executes every descriptor.
type Invoker struct {
	client     *http.Client
	maxTimeout time.Duration
}

// NewInvoker returns an engine whose calls never exceed maxTimeout.
func NewInvoker(client *http.Client, maxTimeout time.Duration) *Invoker {
	if client == nil {
		client = &http.Client{}
	}
	if maxTimeout <= 0 {
		maxTimeout = 30 * time.Second
	}
	return &Invoker{client: client, maxTimeout: maxTimeout}
}

// Invoke calls the counterparty described by l with params.
func (i *Invoker) Invoke(ctx context.Context, l *Loaded, params map[string]any, cred Credential) (json.RawMessage, error) {
	d := l.Descriptor
	if details := l.ValidateParams(params); len(details) > 0 {
		return nil, invocationFailure(&InvocationError{Class: ClassSchema, Err: errors.New("parameters do not match contract")}, details...)
	}

	timeout := i.maxTimeout
	if hint := time.Duration(d.TimeoutMS) * time.Millisecond; hint > 0 && hint < timeout {
		timeout = hint
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := i.buildRequest(callCtx, d, params)
	if err != nil {
		return nil, invocationFailure(&InvocationError{Class: ClassClient, Err: err})
	}
	if err := applyAuth(req, d.Auth, cred); err != nil {
		return nil, invocationFailure(&InvocationError{Class: ClassAuth, Err: err})
	}

	resp, err := i.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// The caller gave up; surface its context error unchanged.
			return nil, ctx.Err()
		}
		return nil, invocationFailure(classifyTransport(callCtx, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, invocationFailure(classifyTransport(callCtx, err))
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout:
		return nil, invocationFailure(&InvocationError{Status: resp.StatusCode, Class: ClassUpstream, Transient: true, Body: snippet(body)})
	case resp.StatusCode >= 300:
		return nil, invocationFailure(&InvocationError{Status: resp.StatusCode, Class: ClassClient, Body: snippet(body)})
	}

	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return json.RawMessage("null"), nil
	}
	if json.Valid(body) {
		return json.RawMessage(body), nil
	}
	quoted, _ := json.Marshal(string(body))
	return json.RawMessage(quoted), nil
}

func (i *Invoker) buildRequest(ctx context.Context, d Descriptor, params map[string]any) (*http.Request, error) {
	if d.Method == http.MethodGet {
		u, err := url.Parse(d.Endpoint)
		if err != nil {
			return nil, err
		}
		q := u.Query()
		for name, value := range params {
			q.Set(name, fmt.Sprint(value))
		}
		u.RawQuery = q.Encode()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	}

	var payload any = params
	if d.Envelope != "" {
		payload = map[string]any{d.Envelope: params}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, d.Method, d.Endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func applyAuth(req *http.Request, auth Auth, cred Credential) error {
	if auth.Scheme == AuthNone || auth.Scheme == "" {
		return nil
	}
	if cred.Token == "" {
		return fmt.Errorf("contract requires %s credentials", auth.Scheme)
	}
	switch auth.Scheme {
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+cred.Token)
	case AuthAPIKey, AuthHeader:
		header := auth.Header
		if header == "" {
			header = DefaultAPIKeyHeader
		}
		req.Header.Set(header, cred.Token)
	default:
		return fmt.Errorf("unsupported auth scheme %s", auth.Scheme)
	}
	return nil
}

func classifyTransport(callCtx context.Context, err error) *InvocationError {
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return &InvocationError{Class: ClassTimeout, Transient: true, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &InvocationError{Class: ClassTimeout, Transient: true, Err: err}
	}
	return &InvocationError{Class: ClassNetwork, Transient: true, Err: err}
}

func invocationFailure(ie *InvocationError, details ...string) error {
	opts := []xerrors.Option{
		xerrors.WithRetryable(ie.Transient),
		xerrors.WithMetadata("class", ie.Class),
	}
	if ie.Status > 0 {
		opts = append(opts, xerrors.WithMetadata("status", strconv.Itoa(ie.Status)))
	}
	if len(details) > 0 {
		opts = append(opts, xerrors.WithDetails(details...))
	}
	return xerrors.Wrap(xerrors.CodeIntegrationInvocation, ie, "integration call failed", opts...)
}

func snippet(body []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}
