package integration

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	xerrors "TaskMesh-Chain/internal/errors"
)

func loadContract(t *testing.T, c Contract) *Loaded {
	t.Helper()
	a, err := NewSynthesizer(Policy{}).Synthesize(c)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	l, err := Load(a)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return l
}

func TestInvokerClassifiesFailures(t *testing.T) {
	cases := []struct {
		name      string
		handler   http.HandlerFunc
		timeoutMS int64
		class     string
		status    int
		transient bool
	}{
		{
			name:      "server error",
			handler:   func(w http.ResponseWriter, r *http.Request) { http.Error(w, "boom", http.StatusBadGateway) },
			class:     ClassUpstream,
			status:    http.StatusBadGateway,
			transient: true,
		},
		{
			name:      "rate limited",
			handler:   func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTooManyRequests) },
			class:     ClassUpstream,
			status:    http.StatusTooManyRequests,
			transient: true,
		},
		{
			name:    "client error",
			handler: func(w http.ResponseWriter, r *http.Request) { http.Error(w, "bad input", http.StatusBadRequest) },
			class:   ClassClient,
			status:  http.StatusBadRequest,
		},
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
			},
			timeoutMS: 50,
			class:     ClassTimeout,
			transient: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			l := loadContract(t, Contract{Endpoint: srv.URL, TimeoutMS: tc.timeoutMS})
			_, err := NewInvoker(nil, 5*time.Second).Invoke(context.Background(), l, nil, Credential{})
			if xerrors.CodeOf(err) != xerrors.CodeIntegrationInvocation {
				t.Fatalf("expected INTEGRATION_INVOCATION, got %v", err)
			}
			if xerrors.RetryableError(err) != tc.transient {
				t.Fatalf("retryable=%v, want %v", xerrors.RetryableError(err), tc.transient)
			}
			ie, ok := AsInvocationError(err)
			if !ok {
				t.Fatalf("expected InvocationError in chain: %v", err)
			}
			if ie.Class != tc.class || ie.Status != tc.status || ie.Transient != tc.transient {
				t.Fatalf("unexpected invocation error %+v", ie)
			}
		})
	}
}

func TestInvokerSchemaMismatchIsPermanent(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	defer srv.Close()

	l := loadContract(t, Contract{Endpoint: srv.URL, Parameters: map[string]Param{"text": {Type: TypeString, Required: true}}})
	_, err := NewInvoker(nil, time.Second).Invoke(context.Background(), l, map[string]any{"text": 12}, Credential{})
	ie, ok := AsInvocationError(err)
	if !ok || ie.Class != ClassSchema || ie.Transient {
		t.Fatalf("expected permanent schema failure, got %v", err)
	}
	if len(xerrors.DetailsOf(err)) == 0 {
		t.Fatal("schema failure should carry details")
	}
	if called {
		t.Fatal("counterparty must not be called when params mismatch")
	}
}

func TestInvokerAppliesCredentialsAndQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Agent-Key") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("plain " + r.URL.Query().Get("q")))
	}))
	defer srv.Close()

	l := loadContract(t, Contract{
		Endpoint:   srv.URL,
		Method:     http.MethodGet,
		Parameters: map[string]Param{"q": {Type: TypeString}},
		Auth:       Auth{Scheme: AuthHeader, Header: "X-Agent-Key"},
	})
	inv := NewInvoker(nil, time.Second)

	if _, err := inv.Invoke(context.Background(), l, nil, Credential{}); err == nil {
		t.Fatal("missing credential must fail")
	} else if ie, _ := AsInvocationError(err); ie == nil || ie.Class != ClassAuth {
		t.Fatalf("expected auth failure, got %v", err)
	}

	out, err := inv.Invoke(context.Background(), l, map[string]any{"q": "go"}, Credential{Token: "secret"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if string(out) != `"plain go"` {
		t.Fatalf("non-JSON body should be returned as a JSON string, got %s", out)
	}
}

func TestInvokerParentCancelIsNotWrapped(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server watches for client disconnect.
		_, _ = io.Copy(io.Discard, r.Body)
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	l := loadContract(t, Contract{Endpoint: srv.URL})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err := NewInvoker(nil, 5*time.Second).Invoke(ctx, l, nil, Credential{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, ok := AsInvocationError(err); ok {
		t.Fatal("owner cancellation must not be reported as an invocation failure")
	}
}
