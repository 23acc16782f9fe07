package integration

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	xerrors "TaskMesh-Chain/internal/errors"
	"TaskMesh-Chain/internal/observability/metrics"
	"TaskMesh-Chain/pkg/logger"

	"golang.org/x/sync/singleflight"
)

// LabelCounterparty records the counterparties an artifact has served.
const LabelCounterparty = "counterparty"

type lease struct {
	active  int
	drained chan struct{}
}

// Cache owns artifacts: it builds at most once per fingerprint, tracks usage
// and lifecycle, and keeps Delete from tearing down an artifact that is still
// being invoked.
type Cache struct {
	store   Store
	synth   Synthesizer
	invoker *Invoker
	group   singleflight.Group
	logger  *slog.Logger

	mu       sync.Mutex
	leases   map[string]*lease
	retiring map[string]struct{}
	loaded   map[string]*Loaded
}

// CacheOption customises a Cache.
type CacheOption func(*Cache)

// WithCacheLogger sets the logger.
func WithCacheLogger(l *slog.Logger) CacheOption {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCache wires a cache over store.
func NewCache(store Store, synth Synthesizer, invoker *Invoker, opts ...CacheOption) *Cache {
	c := &Cache{
		store:    store,
		synth:    synth,
		invoker:  invoker,
		logger:   logger.Named("integration"),
		leases:   make(map[string]*lease),
		retiring: make(map[string]struct{}),
		loaded:   make(map[string]*Loaded),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type label struct {
	key, value string
}

type buildOptions struct {
	labels []label
}

// BuildOption annotates the artifact a GetOrBuild call resolves to.
type BuildOption func(*buildOptions)

// WithLabel adds value to the label set under key. Labels accumulate across
// callers, so an artifact shared by several counterparties records all of them.
func WithLabel(key, value string) BuildOption {
	return func(o *buildOptions) {
		if value != "" {
			o.labels = append(o.labels, label{key: key, value: value})
		}
	}
}

// GetOrBuild returns the ACTIVE artifact for fingerprint, synthesizing it
// from contract on a miss. Every call increments the usage count by one;
// concurrent callers for the same fingerprint share a single synthesis.
// Rebuilding after archive or delete stores a new generation next to the
// retired one.
func (c *Cache) GetOrBuild(ctx context.Context, fingerprint string, contract Contract, opts ...BuildOption) (Artifact, error) {
	expected := Fingerprint(contract)
	if fingerprint == "" {
		fingerprint = expected
	} else if fingerprint != expected {
		return Artifact{}, xerrors.New(xerrors.CodeInvalidArgument, "fingerprint does not match contract")
	}
	var bo buildOptions
	for _, opt := range opts {
		opt(&bo)
	}

	existing, err := c.store.Get(ctx, fingerprint)
	switch {
	case err == nil && existing.State == StateActive:
		metrics.ObserveCacheLookup(true)
		if existing, err = c.label(ctx, existing, bo.labels); err != nil {
			return Artifact{}, err
		}
		return c.touch(ctx, existing)
	case err != nil && xerrors.CodeOf(err) != xerrors.CodeNotFound:
		return Artifact{}, err
	}
	metrics.ObserveCacheLookup(false)

	buildCtx := context.WithoutCancel(ctx)
	v, err, _ := c.group.Do(fingerprint, func() (any, error) {
		prev, err := c.store.Get(buildCtx, fingerprint)
		switch {
		case err == nil && prev.State == StateActive:
			return prev, nil
		case err != nil && xerrors.CodeOf(err) != xerrors.CodeNotFound:
			return nil, err
		}
		c.mu.Lock()
		_, retiring := c.retiring[fingerprint]
		c.mu.Unlock()
		if retiring {
			return nil, xerrors.New(xerrors.CodeConflict, "artifact is being deleted")
		}

		a, err := c.synth.Synthesize(contract)
		metrics.ObserveSynthesis(err)
		if err != nil {
			c.logger.Warn("integration synthesis failed",
				slog.String("fingerprint", fingerprint),
				slog.Any("details", xerrors.DetailsOf(err)),
			)
			return nil, err
		}
		// prev is zero when nothing was stored, so the first build is generation 1.
		a.Generation = prev.Generation + 1
		a.ID = ArtifactID(fingerprint, a.Generation)
		for _, l := range bo.labels {
			addLabel(&a, l.key, l.value)
		}
		a.UsageCount = 0
		a.State = StateActive
		if err := c.store.Put(buildCtx, a); err != nil {
			return nil, err
		}

		c.mu.Lock()
		delete(c.loaded, fingerprint)
		c.mu.Unlock()

		logger.Audit().Info("integration artifact built",
			slog.String("artifact_id", a.ID),
			slog.String("fingerprint", fingerprint),
			slog.Int("generation", a.Generation),
			slog.String("endpoint", a.Metadata["endpoint"]),
		)
		return a, nil
	})
	if err != nil {
		return Artifact{}, err
	}
	// The build closure only carries the labels of the caller that ran it.
	a, err := c.label(ctx, v.(Artifact), bo.labels)
	if err != nil {
		return Artifact{}, err
	}
	return c.touch(ctx, a)
}

func (c *Cache) label(ctx context.Context, a Artifact, labels []label) (Artifact, error) {
	cloned := false
	for _, l := range labels {
		if HasLabel(a, l.key, l.value) {
			continue
		}
		if err := c.store.AddLabel(ctx, a.Fingerprint, l.key, l.value); err != nil {
			return Artifact{}, err
		}
		if !cloned {
			a = cloneArtifact(a)
			cloned = true
		}
		addLabel(&a, l.key, l.value)
	}
	return a, nil
}

func (c *Cache) touch(ctx context.Context, a Artifact) (Artifact, error) {
	usage, err := c.store.IncrementUsage(ctx, a.Fingerprint, 1)
	if err != nil {
		return Artifact{}, err
	}
	a.UsageCount = usage
	return a, nil
}

// Invoke runs artifact with params while holding a lease on it.
func (c *Cache) Invoke(ctx context.Context, artifact Artifact, params map[string]any, cred Credential) (json.RawMessage, error) {
	release, err := c.acquire(artifact.Fingerprint)
	if err != nil {
		return nil, err
	}
	defer release()

	loaded, err := c.load(ctx, artifact)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	out, err := c.invoker.Invoke(ctx, loaded, params, cred)
	class := ""
	if ie, ok := AsInvocationError(err); ok {
		class = ie.Class
	} else if err != nil {
		class = "cancelled"
	}
	metrics.ObserveInvocation(class, time.Since(start))
	return out, err
}

// Get returns the stored artifact for fingerprint.
func (c *Cache) Get(ctx context.Context, fingerprint string) (Artifact, error) {
	return c.store.Get(ctx, fingerprint)
}

// List returns all known artifacts, newest first.
func (c *Cache) List(ctx context.Context) ([]Artifact, error) {
	return c.store.List(ctx)
}

// Archive retires an ACTIVE artifact from cache hits. In-flight invocations
// are unaffected and the artifact is retained.
func (c *Cache) Archive(ctx context.Context, fingerprint string) error {
	a, err := c.store.Get(ctx, fingerprint)
	if err != nil {
		return err
	}
	if a.State == StateDeleted {
		return xerrors.New(xerrors.CodeConflict, "artifact already deleted")
	}
	if a.State == StateArchived {
		return nil
	}
	if err := c.store.SetState(ctx, fingerprint, StateArchived); err != nil {
		return err
	}
	logger.Audit().Info("integration artifact archived",
		slog.String("artifact_id", a.ID),
		slog.String("fingerprint", fingerprint),
		slog.Int64("usage", a.UsageCount),
	)
	return nil
}

// ArchiveLabelled archives every ACTIVE artifact whose label set under key
// contains value.
func (c *Cache) ArchiveLabelled(ctx context.Context, key, value string) (int, error) {
	list, err := c.store.List(ctx)
	if err != nil {
		return 0, err
	}
	archived := 0
	for _, a := range list {
		if a.State != StateActive || !HasLabel(a, key, value) {
			continue
		}
		if err := c.Archive(ctx, a.Fingerprint); err != nil {
			return archived, err
		}
		archived++
	}
	return archived, nil
}

// Delete waits for in-flight invocations of the artifact to finish, then
// marks it DELETED. New invocations are refused while it waits.
func (c *Cache) Delete(ctx context.Context, fingerprint string) error {
	a, err := c.store.Get(ctx, fingerprint)
	if err != nil {
		return err
	}
	if a.State == StateDeleted {
		return nil
	}

	c.mu.Lock()
	c.retiring[fingerprint] = struct{}{}
	var wait chan struct{}
	if l := c.leases[fingerprint]; l != nil && l.active > 0 {
		if l.drained == nil {
			l.drained = make(chan struct{})
		}
		wait = l.drained
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.retiring, fingerprint)
		c.mu.Unlock()
	}()

	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			return xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "artifact still in use")
		}
	}

	if err := c.store.SetState(ctx, fingerprint, StateDeleted); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.loaded, fingerprint)
	c.mu.Unlock()

	logger.Audit().Info("integration artifact deleted", slog.String("artifact_id", a.ID), slog.String("fingerprint", fingerprint))
	return nil
}

// InFlight reports how many invocations currently hold the artifact.
func (c *Cache) InFlight(fingerprint string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l := c.leases[fingerprint]; l != nil {
		return l.active
	}
	return 0
}

func (c *Cache) acquire(fingerprint string) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, retiring := c.retiring[fingerprint]; retiring {
		return nil, xerrors.New(xerrors.CodeConflict, "artifact is being deleted")
	}
	l := c.leases[fingerprint]
	if l == nil {
		l = &lease{}
		c.leases[fingerprint] = l
	}
	l.active++

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			l.active--
			if l.active == 0 {
				if l.drained != nil {
					close(l.drained)
				}
				delete(c.leases, fingerprint)
			}
		})
	}, nil
}

func (c *Cache) load(ctx context.Context, artifact Artifact) (*Loaded, error) {
	c.mu.Lock()
	l := c.loaded[artifact.Fingerprint]
	c.mu.Unlock()
	if l != nil {
		return l, nil
	}

	stored, err := c.store.Get(ctx, artifact.Fingerprint)
	if err != nil {
		return nil, err
	}
	if stored.State == StateDeleted {
		return nil, xerrors.New(xerrors.CodeConflict, "artifact has been deleted")
	}
	l, err = Load(stored)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.loaded[artifact.Fingerprint] = l
	c.mu.Unlock()
	return l, nil
}

// IsRetired reports whether err was caused by a deleted or deleting artifact.
func IsRetired(err error) bool {
	return xerrors.CodeOf(err) == xerrors.CodeConflict
}
