package executor

import (
	"context"
	"os"
	"strings"

	xerrors "TaskMesh-Chain/internal/errors"
	"TaskMesh-Chain/internal/integration"
)

// CredentialResolver turns a task's credential reference into the secret
// passed to a single invocation.
type CredentialResolver interface {
	Resolve(ctx context.Context, ref string) (integration.Credential, error)
}

// EnvCredentials resolves references of the form "env:NAME" from the process
// environment. An empty reference yields an empty credential.
type EnvCredentials struct {
	lookup func(string) (string, bool)
}

// NewEnvCredentials returns a resolver backed by os.LookupEnv.
func NewEnvCredentials() EnvCredentials {
	return EnvCredentials{lookup: os.LookupEnv}
}

// Resolve implements CredentialResolver.
func (e EnvCredentials) Resolve(_ context.Context, ref string) (integration.Credential, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return integration.Credential{}, nil
	}
	name, ok := strings.CutPrefix(ref, "env:")
	if !ok || name == "" {
		return integration.Credential{}, xerrors.New(xerrors.CodeInvalidArgument, "unsupported credential reference",
			xerrors.WithDetails("credential_ref: expected env:NAME"))
	}
	lookup := e.lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	value, ok := lookup(name)
	if !ok || value == "" {
		return integration.Credential{}, xerrors.New(xerrors.CodeInvalidArgument, "credential is not configured",
			xerrors.WithDetails("credential_ref: "+name+" is unset"))
	}
	return integration.Credential{Token: value}, nil
}
