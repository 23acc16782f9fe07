package integration

import (
	"bytes"
	"slices"
	"strings"
	"testing"

	xerrors "TaskMesh-Chain/internal/errors"
)

func translateContract() Contract {
	return Contract{
		Name:     "translate",
		Endpoint: "https://agent.example/translate",
		Method:   "post",
		Parameters: map[string]Param{
			"text":   {Type: TypeString, Required: true, Description: "source text"},
			"target": {Type: TypeString},
		},
		Auth: Auth{Scheme: AuthBearer},
	}
}

func TestParseContract(t *testing.T) {
	raw := []byte(`{"endpoint":"https://agent.example/run","parameters":{"q":{"type":"STRING","required":true}},"auth":{"scheme":"api_key"}}`)
	c, err := ParseContract(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.Method != "POST" || c.Auth.Header != DefaultAPIKeyHeader || c.Parameters["q"].Type != TypeString {
		t.Fatalf("contract not normalized: %+v", c)
	}

	if _, err := ParseContract(nil); xerrors.CodeOf(err) != xerrors.CodeSynthesisFailure {
		t.Fatalf("expected synthesis failure for empty contract, got %v", err)
	}
	if _, err := ParseContract([]byte(`{"endpoint":"x","unknown":1}`)); xerrors.CodeOf(err) != xerrors.CodeSynthesisFailure {
		t.Fatalf("expected synthesis failure for unknown field, got %v", err)
	}
}

func TestContractValidateListsEveryProblem(t *testing.T) {
	c := Contract{
		Endpoint: "not-a-url",
		Method:   "DELETE",
		Parameters: map[string]Param{
			"ok":     {Type: TypeString},
			"bad":    {Type: "date"},
			"9start": {Type: TypeString},
		},
		Auth: Auth{Scheme: "oauth"},
	}.Normalize()

	err := c.Validate()
	if xerrors.CodeOf(err) != xerrors.CodeSynthesisFailure {
		t.Fatalf("expected SYNTHESIS_FAILURE, got %v", err)
	}
	details := xerrors.DetailsOf(err)
	for _, want := range []string{"endpoint:", "method:", "parameters.bad.type:", "parameters.9start:", "auth.scheme:"} {
		if !slices.ContainsFunc(details, func(d string) bool { return strings.HasPrefix(d, want) }) {
			t.Errorf("details %v missing %q", details, want)
		}
	}
}

func TestFingerprintIdentity(t *testing.T) {
	base := translateContract()
	fp := Fingerprint(base)
	if len(fp) != 64 {
		t.Fatalf("unexpected fingerprint %q", fp)
	}

	renamed := translateContract()
	renamed.Name = "other"
	renamed.TimeoutMS = 500
	renamed.Parameters["text"] = Param{Type: TypeString, Required: true, Description: "changed"}
	if Fingerprint(renamed) != fp {
		t.Fatal("name, timeout and descriptions must not affect the fingerprint")
	}

	moved := translateContract()
	moved.Endpoint = "https://agent.example/v2/translate"
	if Fingerprint(moved) == fp {
		t.Fatal("endpoint change must change the fingerprint")
	}

	auth := translateContract()
	auth.Auth = Auth{Scheme: AuthNone}
	if Fingerprint(auth) == fp {
		t.Fatal("auth change must change the fingerprint")
	}
}

func TestSynthesizeIsDeterministic(t *testing.T) {
	s := NewSynthesizer(Policy{})
	a1, err := s.Synthesize(translateContract())
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	a2, err := s.Synthesize(translateContract())
	if err != nil {
		t.Fatalf("synthesize again: %v", err)
	}
	if a1.ID != a2.ID || !bytes.Equal(a1.Source, a2.Source) {
		t.Fatal("re-synthesis must be bit-for-bit identical")
	}
	if a1.ID != ArtifactID(Fingerprint(translateContract()), 1) || a1.State != StateActive {
		t.Fatalf("unexpected artifact %+v", a1)
	}

	loaded, err := Load(a1)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Descriptor.Method != "POST" || loaded.Descriptor.Envelope != "data" {
		t.Fatalf("unexpected descriptor %+v", loaded.Descriptor)
	}
	if details := loaded.ValidateParams(map[string]any{"target": "fr"}); len(details) == 0 {
		t.Fatal("missing required param must fail validation")
	}
	if details := loaded.ValidateParams(map[string]any{"text": "hola"}); len(details) != 0 {
		t.Fatalf("unexpected validation failure %v", details)
	}
}

func TestSynthesizeEnforcesPolicy(t *testing.T) {
	cases := []struct {
		name   string
		policy Policy
		ok     bool
	}{
		{name: "open", policy: Policy{}, ok: true},
		{name: "scheme", policy: Policy{AllowedSchemes: []string{"http"}}},
		{name: "denied", policy: Policy{DeniedHosts: []string{"*.example"}}},
		{name: "allowed", policy: Policy{AllowedHosts: []string{"agent.example"}}, ok: true},
		{name: "not allowed", policy: Policy{AllowedHosts: []string{"other.example"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewSynthesizer(tc.policy).Synthesize(translateContract())
			if tc.ok && err != nil {
				t.Fatalf("unexpected error %v", err)
			}
			if !tc.ok && xerrors.CodeOf(err) != xerrors.CodeSynthesisFailure {
				t.Fatalf("expected SYNTHESIS_FAILURE, got %v", err)
			}
		})
	}
}
