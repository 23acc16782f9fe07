package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "TaskMesh-Chain/internal/errors"
)

type countingSynth struct {
	inner Synthesizer
	calls atomic.Int32
	delay time.Duration
}

func (s *countingSynth) Synthesize(c Contract) (Artifact, error) {
	s.calls.Add(1)
	time.Sleep(s.delay)
	return s.inner.Synthesize(c)
}

func newTestCache(t *testing.T, delay time.Duration) (*Cache, *countingSynth, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	synth := &countingSynth{inner: NewSynthesizer(Policy{}), delay: delay}
	return NewCache(store, synth, NewInvoker(nil, 5*time.Second)), synth, store
}

func TestCacheConcurrentGetOrBuildSynthesizesOnce(t *testing.T) {
	cache, synth, _ := newTestCache(t, 50*time.Millisecond)
	contract := translateContract()
	fp := Fingerprint(contract)

	const callers = 16
	var wg sync.WaitGroup
	ids := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := cache.GetOrBuild(context.Background(), fp, contract)
			ids[i], errs[i] = a.ID, err
		}(i)
	}
	wg.Wait()

	for i := range errs {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("callers observed different artifacts: %s vs %s", ids[i], ids[0])
		}
	}
	if got := synth.calls.Load(); got != 1 {
		t.Fatalf("expected exactly one synthesis, got %d", got)
	}
	a, err := cache.Get(context.Background(), fp)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.UsageCount != callers {
		t.Fatalf("expected usage %d, got %d", callers, a.UsageCount)
	}
}

func TestCacheHitIncrementsUsage(t *testing.T) {
	cache, synth, _ := newTestCache(t, 0)
	ctx := context.Background()
	contract := translateContract()

	first, err := cache.GetOrBuild(ctx, "", contract, WithLabel(LabelCounterparty, "agent-1"))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if first.UsageCount != 1 || first.Metadata[LabelCounterparty] != "agent-1" {
		t.Fatalf("unexpected first artifact %+v", first)
	}
	second, err := cache.GetOrBuild(ctx, first.Fingerprint, contract)
	if err != nil {
		t.Fatalf("hit: %v", err)
	}
	if second.UsageCount != first.UsageCount+1 || second.ID != first.ID {
		t.Fatalf("expected usage %d on hit, got %+v", first.UsageCount+1, second)
	}
	if synth.calls.Load() != 1 {
		t.Fatalf("a hit must not synthesize")
	}

	if _, err := cache.GetOrBuild(ctx, "deadbeef", contract); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("mismatched fingerprint should be rejected, got %v", err)
	}
}

func TestCacheArchiveForcesRebuild(t *testing.T) {
	cache, synth, _ := newTestCache(t, 0)
	ctx := context.Background()
	contract := translateContract()

	a, err := cache.GetOrBuild(ctx, "", contract, WithLabel(LabelCounterparty, "agent-1"))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	n, err := cache.ArchiveLabelled(ctx, LabelCounterparty, "agent-1")
	if err != nil || n != 1 {
		t.Fatalf("archive labelled: n=%d err=%v", n, err)
	}
	archived, _ := cache.Get(ctx, a.Fingerprint)
	if archived.State != StateArchived {
		t.Fatalf("expected ARCHIVED, got %s", archived.State)
	}

	rebuilt, err := cache.GetOrBuild(ctx, a.Fingerprint, contract)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if rebuilt.State != StateActive || rebuilt.UsageCount != 1 {
		t.Fatalf("unexpected rebuilt artifact %+v", rebuilt)
	}
	if synth.calls.Load() != 2 {
		t.Fatalf("expected a second synthesis after archive, got %d", synth.calls.Load())
	}
}

func TestCacheArchiveRetainsPreviousGeneration(t *testing.T) {
	cache, _, _ := newTestCache(t, 0)
	ctx := context.Background()
	contract := translateContract()

	var first Artifact
	for i := 0; i < 5; i++ {
		a, err := cache.GetOrBuild(ctx, "", contract)
		if err != nil {
			t.Fatalf("build %d: %v", i, err)
		}
		first = a
	}
	if err := cache.Archive(ctx, first.Fingerprint); err != nil {
		t.Fatalf("archive: %v", err)
	}
	rebuilt, err := cache.GetOrBuild(ctx, "", contract)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if rebuilt.Generation != first.Generation+1 || rebuilt.ID == first.ID {
		t.Fatalf("rebuild should be a new generation, got %+v after %+v", rebuilt, first)
	}

	list, err := cache.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected both generations listed, got %d", len(list))
	}
	byID := map[string]Artifact{}
	for _, a := range list {
		byID[a.ID] = a
	}
	old, ok := byID[first.ID]
	if !ok || old.State != StateArchived || old.UsageCount != 5 {
		t.Fatalf("archived generation not retained: %+v", old)
	}
	cur, ok := byID[rebuilt.ID]
	if !ok || cur.State != StateActive || cur.UsageCount != 1 {
		t.Fatalf("unexpected active generation: %+v", cur)
	}

	got, err := cache.Get(ctx, first.Fingerprint)
	if err != nil || got.ID != rebuilt.ID {
		t.Fatalf("get should return the newest generation, got %+v err=%v", got, err)
	}
}

func TestCacheRecordsEveryCounterparty(t *testing.T) {
	cache, synth, _ := newTestCache(t, 0)
	ctx := context.Background()
	contract := translateContract()

	if _, err := cache.GetOrBuild(ctx, "", contract, WithLabel(LabelCounterparty, "agent-a")); err != nil {
		t.Fatalf("build for agent-a: %v", err)
	}
	shared, err := cache.GetOrBuild(ctx, "", contract, WithLabel(LabelCounterparty, "agent-b"))
	if err != nil {
		t.Fatalf("hit for agent-b: %v", err)
	}
	if synth.calls.Load() != 1 {
		t.Fatalf("identical contracts should share one artifact")
	}
	if !HasLabel(shared, LabelCounterparty, "agent-a") || !HasLabel(shared, LabelCounterparty, "agent-b") {
		t.Fatalf("expected both counterparties, got %q", shared.Metadata[LabelCounterparty])
	}
	if _, err := cache.GetOrBuild(ctx, "", contract, WithLabel(LabelCounterparty, "agent-b")); err != nil {
		t.Fatalf("repeat hit: %v", err)
	}
	stored, _ := cache.Get(ctx, shared.Fingerprint)
	if got := stored.Metadata[LabelCounterparty]; got != "agent-a,agent-b" {
		t.Fatalf("unexpected label set %q", got)
	}

	n, err := cache.ArchiveLabelled(ctx, LabelCounterparty, "agent-b")
	if err != nil || n != 1 {
		t.Fatalf("deactivating the second counterparty should archive the shared artifact: n=%d err=%v", n, err)
	}
	stored, _ = cache.Get(ctx, shared.Fingerprint)
	if stored.State != StateArchived {
		t.Fatalf("expected ARCHIVED, got %s", stored.State)
	}
}

func TestCacheDeleteWaitsForInFlightInvocation(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	cache, _, _ := newTestCache(t, 0)
	ctx := context.Background()
	contract := Contract{Endpoint: srv.URL, Parameters: map[string]Param{}}
	a, err := cache.GetOrBuild(ctx, "", contract)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	invoked := make(chan error, 1)
	go func() {
		_, err := cache.Invoke(ctx, a, nil, Credential{})
		invoked <- err
	}()
	<-entered
	if cache.InFlight(a.Fingerprint) != 1 {
		t.Fatalf("expected one in-flight lease")
	}

	deleted := make(chan error, 1)
	go func() { deleted <- cache.Delete(ctx, a.Fingerprint) }()

	select {
	case err := <-deleted:
		t.Fatalf("delete returned before the invocation finished: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	if err := <-invoked; err != nil {
		t.Fatalf("in-flight invocation should complete: %v", err)
	}
	select {
	case err := <-deleted:
		if err != nil {
			t.Fatalf("delete: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("delete did not finish after the lease drained")
	}

	stored, _ := cache.Get(ctx, a.Fingerprint)
	if stored.State != StateDeleted {
		t.Fatalf("expected DELETED, got %s", stored.State)
	}
	if _, err := cache.Invoke(ctx, a, nil, Credential{}); !IsRetired(err) {
		t.Fatalf("invoking a deleted artifact should fail, got %v", err)
	}
}

func TestCacheInvokeReturnsResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"echo": body["data"]["text"]})
	}))
	defer srv.Close()

	cache, _, _ := newTestCache(t, 0)
	ctx := context.Background()
	contract := Contract{Endpoint: srv.URL, Parameters: map[string]Param{"text": {Type: TypeString, Required: true}}}
	a, err := cache.GetOrBuild(ctx, "", contract)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	out, err := cache.Invoke(ctx, a, map[string]any{"text": "hi"}, Credential{})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if string(out) != `{"echo":"hi"}` {
		t.Fatalf("unexpected result %s", out)
	}
	if cache.InFlight(a.Fingerprint) != 0 {
		t.Fatal("lease must be released after invoke")
	}
}
