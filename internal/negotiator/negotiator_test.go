package negotiator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	xerrors "TaskMesh-Chain/internal/errors"
	"TaskMesh-Chain/internal/registry"
	"TaskMesh-Chain/internal/task"
)

type staticResolver map[string]registry.Metadata

func (s staticResolver) Resolve(_ context.Context, uri string) (registry.Metadata, error) {
	meta, ok := s[uri]
	if !ok {
		return registry.Metadata{}, xerrors.New(xerrors.CodeNotFound, "no metadata for "+uri)
	}
	return meta, nil
}

type agentSpec struct {
	id         string
	rate       string
	reputation float64
	verified   bool
	caps       []string
}

func newRegistry(t *testing.T, agents ...agentSpec) *registry.MemoryRegistry {
	t.Helper()
	resolver := staticResolver{}
	for _, a := range agents {
		resolver["mem://"+a.id] = registry.Metadata{
			Name:       a.id,
			Endpoint:   "https://" + a.id + ".example/run",
			Pricing:    registry.Pricing{Model: "per_call", Rate: a.rate},
			Reputation: a.reputation,
			Verified:   a.verified,
		}
	}
	reg := registry.NewMemoryRegistry("0xowner", resolver)
	for _, a := range agents {
		err := reg.Register(context.Background(), registry.RegisterRequest{ID: a.id, MetadataURI: "mem://" + a.id, Capabilities: a.caps})
		if err != nil {
			t.Fatalf("register %s: %v", a.id, err)
		}
	}
	return reg
}

func marketplace(t *testing.T) *registry.MemoryRegistry {
	reg := newRegistry(t,
		agentSpec{id: "a", rate: "0.05 HBAR", reputation: 4, verified: true, caps: []string{"translate"}},
		agentSpec{id: "b", rate: "0.01 HBAR", reputation: 3, caps: []string{"translate", "ocr"}},
		agentSpec{id: "c", rate: "0.01 HBAR", reputation: 4.5, verified: true, caps: []string{"translate", "ocr"}},
		agentSpec{id: "d", rate: "ask me", reputation: 5, verified: true, caps: []string{"translate"}},
		agentSpec{id: "e", rate: "0.001 HBAR", reputation: 5, caps: []string{"translate"}},
	)
	if err := reg.Deactivate(context.Background(), "e"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	return reg
}

func ids(plan *task.Plan) []string {
	out := []string{plan.Selected.ID}
	for _, alt := range plan.Alternates {
		out = append(out, alt.ID)
	}
	return out
}

func TestProposePlanRanksDeterministically(t *testing.T) {
	n := New(marketplace(t), nil, Config{})
	req := task.Requirements{TaskID: "t1", Capabilities: []string{"translate"}}

	var first []string
	for i := 0; i < 5; i++ {
		plan, err := n.ProposePlan(context.Background(), req)
		if err != nil {
			t.Fatalf("propose: %v", err)
		}
		got := ids(plan)
		if i == 0 {
			first = got
			continue
		}
		if !reflect.DeepEqual(first, got) {
			t.Fatalf("selection is not deterministic: %v vs %v", first, got)
		}
	}
	// 价格升序，同价按声誉降序，无法解析价格的排在最后，停用的被过滤。
	if want := []string{"c", "b", "a", "d"}; !reflect.DeepEqual(first, want) {
		t.Fatalf("expected ranking %v, got %v", want, first)
	}

	plan, _ := n.ProposePlan(context.Background(), req)
	if plan.CounterpartyID != "c" || plan.EstimatedCost != 0.01 || plan.Currency != "HBAR" {
		t.Fatalf("unexpected plan header: %+v", plan)
	}
	if plan.Approved {
		t.Fatalf("a proposed plan is never pre-approved")
	}
}

func TestProposePlanIntersectsAndFilters(t *testing.T) {
	n := New(marketplace(t), nil, Config{})
	ctx := context.Background()

	cases := []struct {
		name string
		req  task.Requirements
		want []string
	}{
		{"intersection", task.Requirements{Capabilities: []string{"translate", "ocr"}}, []string{"c", "b"}},
		{"min reputation", task.Requirements{Capabilities: []string{"translate"}, MinReputation: 4}, []string{"c", "a", "d"}},
		{"verified only", task.Requirements{Capabilities: []string{"ocr"}, VerifiedOnly: true}, []string{"c"}},
		{"budget", task.Requirements{Capabilities: []string{"translate"}, MaxPrice: 0.02}, []string{"c", "b"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plan, err := n.ProposePlan(ctx, tc.req)
			if err != nil {
				t.Fatalf("propose: %v", err)
			}
			if got := ids(plan); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}

	strict := New(marketplace(t), nil, Config{MinReputation: 4.6})
	plan, err := strict.ProposePlan(ctx, task.Requirements{Capabilities: []string{"translate"}})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if got := ids(plan); !reflect.DeepEqual(got, []string{"d"}) || plan.MinReputation != 4.6 {
		t.Fatalf("configured floor must apply: %v min=%g", got, plan.MinReputation)
	}
}

func TestProposePlanWithoutCandidates(t *testing.T) {
	n := New(marketplace(t), nil, Config{})
	_, err := n.ProposePlan(context.Background(), task.Requirements{Capabilities: []string{"ocr"}, MinReputation: 10})
	if xerrors.CodeOf(err) != xerrors.CodeNoEligibleCounterparty {
		t.Fatalf("expected NO_ELIGIBLE_COUNTERPARTY, got %v", err)
	}
	if details := xerrors.DetailsOf(err); len(details) != 2 {
		t.Fatalf("each filtered candidate should be explained, got %v", details)
	}

	_, err = n.ProposePlan(context.Background(), task.Requirements{Capabilities: []string{"unknown"}})
	if xerrors.CodeOf(err) != xerrors.CodeNoEligibleCounterparty {
		t.Fatalf("unknown capability should yield NO_ELIGIBLE_COUNTERPARTY, got %v", err)
	}
}

type failingResolver struct{}

func (failingResolver) Resolve(context.Context, string) (registry.Metadata, error) {
	return registry.Metadata{}, xerrors.New(xerrors.CodeRegistryUnavailable, "gateway down")
}

func TestProposePlanPropagatesRegistryFailure(t *testing.T) {
	reg := registry.NewMemoryRegistry("0xowner", failingResolver{})
	if err := reg.Register(context.Background(), registry.RegisterRequest{ID: "a", MetadataURI: "mem://a", Capabilities: []string{"x"}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := New(reg, nil, Config{}).ProposePlan(context.Background(), task.Requirements{Capabilities: []string{"x"}})
	if xerrors.CodeOf(err) != xerrors.CodeRegistryUnavailable {
		t.Fatalf("expected registry failure, got %v", err)
	}
}

type scriptedSettler struct {
	replies map[string]error
	seen    []Proposal
}

func (s *scriptedSettler) Settle(_ context.Context, p Proposal) error {
	s.seen = append(s.seen, p)
	return s.replies[p.CounterpartyID]
}

func TestSettleTermsFallsBackToAlternates(t *testing.T) {
	reg := marketplace(t)
	settler := &scriptedSettler{replies: map[string]error{
		"c": xerrors.New(xerrors.CodeNegotiationRejected, "busy"),
	}}
	n := New(reg, settler, Config{MaxFallbacks: 2})

	plan, err := n.ProposePlan(context.Background(), task.Requirements{Capabilities: []string{"translate"}})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	plan.Approved = true
	before := plan.Clone()

	accepted, err := n.SettleTerms(context.Background(), "t1", plan)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if accepted.CounterpartyID != "b" || accepted.Fallbacks != 1 || accepted.ThreadID != "a2a:t1:b" {
		t.Fatalf("unexpected accepted plan: %+v", accepted)
	}
	if !accepted.Approved || !reflect.DeepEqual(accepted.Criteria, before.Criteria) {
		t.Fatalf("fallback must keep approval and criteria")
	}
	if !reflect.DeepEqual(plan, before) {
		t.Fatalf("approved plan was mutated")
	}
	if len(settler.seen) != 2 || settler.seen[0].Currency != "HBAR" {
		t.Fatalf("unexpected proposals: %+v", settler.seen)
	}
}

func TestSettleTermsRespectsFallbackBudget(t *testing.T) {
	settler := &scriptedSettler{replies: map[string]error{
		"c": xerrors.New(xerrors.CodeNegotiationRejected, "busy"),
		"b": xerrors.New(xerrors.CodeNegotiationRejected, "too cheap"),
	}}
	n := New(marketplace(t), settler, Config{MaxFallbacks: 1})
	plan, _ := n.ProposePlan(context.Background(), task.Requirements{Capabilities: []string{"translate"}})

	_, err := n.SettleTerms(context.Background(), "t1", plan)
	if xerrors.CodeOf(err) != xerrors.CodeNegotiationRejected {
		t.Fatalf("expected rejection, got %v", err)
	}
	if len(settler.seen) != 2 {
		t.Fatalf("must stop after one fallback, tried %d", len(settler.seen))
	}
	if details := xerrors.DetailsOf(err); len(details) != 2 {
		t.Fatalf("expected reasons for both declines, got %v", details)
	}
}

func TestSettleTermsFatalErrorStopsFallback(t *testing.T) {
	settler := &scriptedSettler{replies: map[string]error{
		"c": xerrors.New(xerrors.CodeTimeout, "deadline"),
	}}
	n := New(marketplace(t), settler, Config{MaxFallbacks: 3})
	plan, _ := n.ProposePlan(context.Background(), task.Requirements{Capabilities: []string{"translate"}})
	if _, err := n.SettleTerms(context.Background(), "t1", plan); xerrors.CodeOf(err) != xerrors.CodeTimeout {
		t.Fatalf("non-rejection errors are task-fatal, got %v", err)
	}
	if len(settler.seen) != 1 {
		t.Fatalf("no fallback expected, tried %d", len(settler.seen))
	}
}

func TestHTTPSettler(t *testing.T) {
	var got Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch r.URL.Path {
		case "/accept":
			_, _ = w.Write([]byte(`{"accepted":true}`))
		case "/decline":
			_, _ = w.Write([]byte(`{"accepted":false,"reason":"fully booked"}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	settler := NewHTTPSettler("taskmesh-test", 0)
	proposal := Proposal{TaskID: "t1", ThreadID: ThreadID("t1", "c"), CounterpartyID: "c", Price: 0.01, Priced: true, Currency: "HBAR"}

	proposal.URL = srv.URL + "/accept"
	if err := settler.Settle(context.Background(), proposal); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if got.ThreadID != "a2a:t1:c" || got.Type != "task/proposal" || got.From != "taskmesh-test" || got.Body["amount"] != "0.01" {
		t.Fatalf("unexpected message: %+v", got)
	}

	proposal.URL = srv.URL + "/decline"
	err := settler.Settle(context.Background(), proposal)
	if xerrors.CodeOf(err) != xerrors.CodeNegotiationRejected {
		t.Fatalf("expected decline, got %v", err)
	}
	if e, _ := xerrors.From(err); e.Message() != "fully booked" {
		t.Fatalf("decline reason lost: %v", err)
	}

	proposal.URL = srv.URL + "/broken"
	if err := settler.Settle(context.Background(), proposal); xerrors.CodeOf(err) != xerrors.CodeNegotiationRejected {
		t.Fatalf("server errors count as decline, got %v", err)
	}

	proposal.URL = ""
	if err := settler.Settle(context.Background(), proposal); err != nil {
		t.Fatalf("no negotiation url means implicit acceptance: %v", err)
	}
}
