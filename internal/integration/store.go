package integration

import (
	"context"
	"sort"
	"strings"
	"sync"

	xerrors "TaskMesh-Chain/internal/errors"
)

// Store persists artifacts keyed by fingerprint and generation. Operations
// addressed by fingerprint act on the newest generation; older generations
// stay listed until deleted.
type Store interface {
	Get(ctx context.Context, fingerprint string) (Artifact, error)
	Put(ctx context.Context, artifact Artifact) error
	IncrementUsage(ctx context.Context, fingerprint string, delta int64) (int64, error)
	SetState(ctx context.Context, fingerprint string, state State) error
	AddLabel(ctx context.Context, fingerprint, key, value string) error
	List(ctx context.Context) ([]Artifact, error)
	Close() error
}

// ErrArtifactNotFound is returned when no artifact exists for a fingerprint.
var ErrArtifactNotFound = xerrors.New(xerrors.CodeNotFound, "artifact not found")

// MemoryStore keeps artifacts in process memory.
type MemoryStore struct {
	mu sync.RWMutex
	// generations are kept in ascending order.
	artifacts map[string][]Artifact
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{artifacts: make(map[string][]Artifact)}
}

func (s *MemoryStore) latest(fingerprint string) (*Artifact, bool) {
	gens := s.artifacts[fingerprint]
	if len(gens) == 0 {
		return nil, false
	}
	return &gens[len(gens)-1], true
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, fingerprint string) (Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.latest(fingerprint)
	if !ok {
		return Artifact{}, ErrArtifactNotFound
	}
	return cloneArtifact(*a), nil
}

// Put implements Store. A record with the same generation is replaced.
func (s *MemoryStore) Put(_ context.Context, artifact Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	gens := s.artifacts[artifact.Fingerprint]
	for i := range gens {
		if gens[i].Generation == artifact.Generation {
			gens[i] = cloneArtifact(artifact)
			return nil
		}
	}
	gens = append(gens, cloneArtifact(artifact))
	sort.Slice(gens, func(i, j int) bool { return gens[i].Generation < gens[j].Generation })
	s.artifacts[artifact.Fingerprint] = gens
	return nil
}

// IncrementUsage implements Store.
func (s *MemoryStore) IncrementUsage(_ context.Context, fingerprint string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.latest(fingerprint)
	if !ok {
		return 0, ErrArtifactNotFound
	}
	a.UsageCount += delta
	return a.UsageCount, nil
}

// SetState implements Store.
func (s *MemoryStore) SetState(_ context.Context, fingerprint string, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.latest(fingerprint)
	if !ok {
		return ErrArtifactNotFound
	}
	a.State = state
	return nil
}

// AddLabel implements Store.
func (s *MemoryStore) AddLabel(_ context.Context, fingerprint, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.latest(fingerprint)
	if !ok {
		return ErrArtifactNotFound
	}
	addLabel(a, key, value)
	return nil
}

// List implements Store, newest first.
func (s *MemoryStore) List(_ context.Context) ([]Artifact, error) {
	s.mu.RLock()
	out := make([]Artifact, 0, len(s.artifacts))
	for _, gens := range s.artifacts {
		for _, a := range gens {
			out = append(out, cloneArtifact(a))
		}
	}
	s.mu.RUnlock()
	sortArtifacts(out)
	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

// LabelValues returns every value recorded under key.
func LabelValues(a Artifact, key string) []string {
	raw := a.Metadata[key]
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

// HasLabel reports whether value is one of the values recorded under key.
func HasLabel(a Artifact, key, value string) bool {
	for _, v := range LabelValues(a, key) {
		if v == value {
			return true
		}
	}
	return false
}

// addLabel merges value into the sorted value set under key.
func addLabel(a *Artifact, key, value string) {
	if value == "" || HasLabel(*a, key, value) {
		return
	}
	values := append(LabelValues(*a, key), value)
	sort.Strings(values)
	if a.Metadata == nil {
		a.Metadata = map[string]string{}
	}
	a.Metadata[key] = strings.Join(values, ",")
}

func sortArtifacts(list []Artifact) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		if list[i].Fingerprint != list[j].Fingerprint {
			return list[i].Fingerprint < list[j].Fingerprint
		}
		return list[i].Generation > list[j].Generation
	})
}

func cloneArtifact(a Artifact) Artifact {
	a.Source = append([]byte(nil), a.Source...)
	if a.Metadata != nil {
		meta := make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			meta[k] = v
		}
		a.Metadata = meta
	}
	return a
}
