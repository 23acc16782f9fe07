package task

import (
	"fmt"
	"testing"

	xerrors "TaskMesh-Chain/internal/errors"
)

func TestNewTaskErrorKeepsErrorContext(t *testing.T) {
	err := fmt.Errorf("attempt 3: %w", xerrors.New(xerrors.CodeIntegrationInvocation, "upstream 503",
		xerrors.WithMetadata("status", "503"),
		xerrors.WithDetails("endpoint https://agent.example/run"),
	))

	te := NewTaskError("executing", err)
	if te.Code != xerrors.CodeIntegrationInvocation || te.Attrs["status"] != "503" || len(te.Details) != 1 {
		t.Fatalf("unexpected task error %+v", te)
	}
	evt := StepFailed("executing", te)
	if evt.Data.Attrs["status"] != "503" || evt.Data.Code != string(xerrors.CodeIntegrationInvocation) {
		t.Fatalf("failure event lost the context: %+v", evt.Data)
	}

	plain := NewTaskError("planning", fmt.Errorf("boom"))
	if plain.Code != CodeTaskProcessing || plain.Attrs != nil {
		t.Fatalf("plain errors map to the processing code, got %+v", plain)
	}
}
