package registry

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	xerrors "TaskMesh-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

type fakeAgent struct {
	owner        common.Address
	uri          string
	active       bool
	registeredAt int64
	index        int64
	capabilities []string
}

// fakeContract decodes ABI calls and answers them from an in-memory table.
type fakeContract struct {
	mu       sync.Mutex
	contract abi.ABI
	agents   map[string]*fakeAgent
	order    []string
	byCap    map[string][]string
	failures int
	writes   []string
}

func newFakeContract(t *testing.T) *fakeContract {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		t.Fatalf("parse abi: %v", err)
	}
	return &fakeContract{contract: parsed, agents: map[string]*fakeAgent{}, byCap: map[string][]string{}}
}

func (f *fakeContract) add(id, uri string, active bool, caps ...string) {
	f.agents[id] = &fakeAgent{
		owner:        common.HexToAddress("0x0000000000000000000000000000000000000b0b"),
		uri:          uri,
		active:       active,
		registeredAt: 1_700_000_000 + int64(len(f.order)),
		index:        int64(len(f.order)),
		capabilities: caps,
	}
	f.order = append(f.order, id)
	for _, c := range caps {
		f.byCap[c] = append(f.byCap[c], id)
	}
}

func (f *fakeContract) Call(_ context.Context, _ common.Address, data []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("dial tcp: connection refused")
	}
	method, err := f.contract.MethodById(data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "findAgentsByCapability":
		return method.Outputs.Pack(append([]string{}, f.byCap[args[0].(string)]...))
	case "getRegistration":
		a, ok := f.agents[args[0].(string)]
		if !ok {
			return method.Outputs.Pack(common.Address{}, "", false, big.NewInt(0), big.NewInt(0), []string{})
		}
		return method.Outputs.Pack(a.owner, a.uri, a.active, big.NewInt(a.registeredAt), big.NewInt(a.index), a.capabilities)
	case "getTotalAgents":
		return method.Outputs.Pack(big.NewInt(int64(len(f.order))))
	case "getAllAgents":
		offset := args[0].(*big.Int).Int64()
		end := offset + args[1].(*big.Int).Int64()
		if end > int64(len(f.order)) {
			end = int64(len(f.order))
		}
		return method.Outputs.Pack(append([]string{}, f.order[offset:end]...))
	}
	return nil, errors.New("execution reverted: unsupported")
}

func (f *fakeContract) Transact(_ context.Context, _ common.Address, data []byte) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	method, err := f.contract.MethodById(data[:4])
	if err != nil {
		return common.Hash{}, err
	}
	f.writes = append(f.writes, method.Name)
	return common.HexToHash("0x01"), nil
}

func metadataServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ipfs/QmCheap":
			_, _ = w.Write([]byte(`{"name":"cheap","endpoint":"http://cheap.example/run","pricing":{"model":"per_call","rate":"0.01 HBAR"},"verified":true,"reputation_score":"4.2"}`))
		case "/ipfs/QmPricey":
			_, _ = w.Write([]byte(`{"name":"pricey","endpoint":"http://pricey.example/run","pricing":{"rate":"0.50 HBAR"},"reputation_score":4.9}`))
		case "/ipfs/QmBroken":
			http.Error(w, "gone", http.StatusGone)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestChainClientFindByCapability(t *testing.T) {
	contract := newFakeContract(t)
	contract.add("agent-cheap", "ipfs://QmCheap", true, "translate")
	contract.add("agent-off", "ipfs://QmCheap", false, "translate")
	contract.add("agent-broken", "ipfs://QmBroken", true, "translate")
	contract.add("agent-pricey", "ipfs://QmPricey", true, "translate", "summarize")

	srv := metadataServer(t)
	client, err := NewChainClient(contract, common.HexToAddress("0xaa"), NewHTTPResolver(srv.URL+"/ipfs/", time.Second))
	if err != nil {
		t.Fatalf("new chain client: %v", err)
	}

	regs, err := client.FindByCapability(context.Background(), "translate")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(regs) != 3 {
		t.Fatalf("expected 3 registrations (broken metadata dropped), got %d", len(regs))
	}
	if regs[0].ID != "agent-cheap" || regs[1].ID != "agent-off" || regs[2].ID != "agent-pricey" {
		t.Fatalf("registry order not preserved: %s %s %s", regs[0].ID, regs[1].ID, regs[2].ID)
	}
	if regs[1].Active {
		t.Fatal("inactive registration should be reported inactive")
	}
	if regs[0].Metadata.Reputation != 4.2 || !regs[0].Metadata.Verified {
		t.Fatalf("metadata not resolved: %+v", regs[0].Metadata)
	}
	if regs[2].Sequence != 3 {
		t.Fatalf("unexpected sequence %d", regs[2].Sequence)
	}
}

func TestChainClientGet(t *testing.T) {
	contract := newFakeContract(t)
	contract.add("agent-cheap", "ipfs://QmCheap", true, "translate")
	contract.add("agent-off", "ipfs://QmCheap", false, "translate")

	srv := metadataServer(t)
	client, err := NewChainClient(contract, common.HexToAddress("0xaa"), NewHTTPResolver(srv.URL+"/ipfs/", time.Second))
	if err != nil {
		t.Fatalf("new chain client: %v", err)
	}

	reg, err := client.Get(context.Background(), "agent-cheap")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if reg.Metadata.Endpoint != "http://cheap.example/run" {
		t.Fatalf("unexpected endpoint %s", reg.Metadata.Endpoint)
	}

	for _, id := range []string{"agent-off", "agent-missing"} {
		if _, err := client.Get(context.Background(), id); xerrors.CodeOf(err) != xerrors.CodeNotFound {
			t.Fatalf("expected NOT_FOUND for %s, got %v", id, err)
		}
	}
}

func TestChainClientUnavailable(t *testing.T) {
	contract := newFakeContract(t)
	contract.failures = 1

	client, err := NewChainClient(contract, common.HexToAddress("0xaa"), NewHTTPResolver("", time.Second))
	if err != nil {
		t.Fatalf("new chain client: %v", err)
	}
	_, err = client.FindByCapability(context.Background(), "translate")
	if xerrors.CodeOf(err) != xerrors.CodeRegistryUnavailable || !xerrors.RetryableError(err) {
		t.Fatalf("expected retryable REGISTRY_UNAVAILABLE, got %v", err)
	}
}

func TestChainClientListAndTotal(t *testing.T) {
	contract := newFakeContract(t)
	contract.add("a", "ipfs://QmCheap", true, "x")
	contract.add("b", "ipfs://QmPricey", true, "x")

	srv := metadataServer(t)
	client, err := NewChainClient(contract, common.HexToAddress("0xaa"), NewHTTPResolver(srv.URL+"/ipfs/", time.Second))
	if err != nil {
		t.Fatalf("new chain client: %v", err)
	}

	total, err := client.Total(context.Background())
	if err != nil || total != 2 {
		t.Fatalf("total = %d, %v", total, err)
	}
	regs, err := client.List(context.Background(), 1, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(regs) != 1 || regs[0].ID != "b" {
		t.Fatalf("unexpected page %+v", regs)
	}
	if _, err := client.List(context.Background(), 2, 10); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT for offset beyond total, got %v", err)
	}
}

func TestChainClientRegisterWritesThroughTransactor(t *testing.T) {
	contract := newFakeContract(t)
	client, err := NewChainClient(contract, common.HexToAddress("0xaa"), NewHTTPResolver("", time.Second))
	if err != nil {
		t.Fatalf("new chain client: %v", err)
	}

	err = client.Register(context.Background(), RegisterRequest{ID: "agent-1", MetadataURI: "ipfs://Qm1", Capabilities: []string{"translate", "summarize"}})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := client.Deactivate(context.Background(), "agent-1"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	want := []string{"registerAgent", "indexCapability", "indexCapability", "deactivateAgent"}
	if strings.Join(contract.writes, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected writes %v", contract.writes)
	}
}

func TestChainClientDecodeLog(t *testing.T) {
	contract := newFakeContract(t)
	client, err := NewChainClient(contract, common.HexToAddress("0xaa"), NewHTTPResolver("", time.Second))
	if err != nil {
		t.Fatalf("new chain client: %v", err)
	}

	ev := client.contract.Events["CapabilityIndexed"]
	data, err := ev.Inputs.Pack("agent-1", "translate")
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	evt, err := client.decodeLog([]common.Hash{ev.ID}, data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.Type != EventCapabilityIndexed || evt.AgentID != "agent-1" || evt.Capability != "translate" {
		t.Fatalf("unexpected event %+v", evt)
	}

	reg := client.contract.Events["AgentRegistered"]
	owner := common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	data, err = reg.Inputs.Pack("agent-2", owner, "ipfs://Qm2")
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	evt, err = client.decodeLog([]common.Hash{reg.ID}, data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.Type != EventRegistered || evt.Owner != owner.Hex() || evt.MetadataURI != "ipfs://Qm2" {
		t.Fatalf("unexpected event %+v", evt)
	}
}
