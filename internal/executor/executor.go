package executor

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	xerrors "TaskMesh-Chain/internal/errors"
	"TaskMesh-Chain/internal/integration"
	"TaskMesh-Chain/internal/registry"
	"TaskMesh-Chain/internal/task"
	"TaskMesh-Chain/pkg/logger"
)

// Config is the retry policy for invocations.
type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 250 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	return c
}

// Executor implements task.Executor.
type Executor struct {
	registry    registry.Client
	cache       *integration.Cache
	credentials CredentialResolver
	cfg         Config
	logger      *slog.Logger
	sleep       func(context.Context, time.Duration) error
}

// Option customises an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithCredentials replaces the default environment credential resolver.
func WithCredentials(r CredentialResolver) Option {
	return func(e *Executor) {
		if r != nil {
			e.credentials = r
		}
	}
}

// New returns an Executor.
func New(client registry.Client, cache *integration.Cache, cfg Config, opts ...Option) *Executor {
	e := &Executor{
		registry:    client,
		cache:       cache,
		credentials: NewEnvCredentials(),
		cfg:         cfg.withDefaults(),
		logger:      logger.Named("executor"),
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var _ task.Executor = (*Executor)(nil)

// Run resolves the plan's counterparty, builds or reuses its artifact once and
// invokes it. Transient failures are retried with exponential backoff up to
// MaxAttempts; anything else fails immediately.
func (e *Executor) Run(ctx context.Context, plan *task.Plan, params map[string]any, credentialRef string, progress task.ProgressFunc) (task.Execution, error) {
	var exec task.Execution
	if plan == nil || plan.CounterpartyID == "" {
		return exec, xerrors.New(xerrors.CodeInvalidArgument, "plan has no counterparty")
	}
	if progress == nil {
		progress = func(string, map[string]string) {}
	}

	reg, err := e.registry.Get(ctx, plan.CounterpartyID)
	if err != nil {
		return exec, err
	}
	contract, err := integration.ParseContract(reg.Metadata.Integration)
	if err != nil {
		return exec, err
	}
	cred, err := e.credentials.Resolve(ctx, credentialRef)
	if err != nil {
		return exec, err
	}

	artifact, err := e.cache.GetOrBuild(ctx, "", contract, integration.WithLabel(integration.LabelCounterparty, reg.ID))
	if err != nil {
		return exec, err
	}
	exec.ArtifactID = artifact.ID

	for attempt := 1; ; attempt++ {
		exec.Attempts = attempt
		progress("invoking integration", map[string]string{
			"attempt":     strconv.Itoa(attempt),
			"artifact_id": artifact.ID,
		})
		out, err := e.cache.Invoke(ctx, artifact, params, cred)
		if err == nil {
			exec.Output = out
			return exec, nil
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return exec, err
		}
		if !transient(err) || attempt >= e.cfg.MaxAttempts {
			if transient(err) {
				return exec, xerrors.Wrap(xerrors.CodeIntegrationInvocation, err, "integration retries exhausted",
					xerrors.WithRetryable(false),
					xerrors.WithMetadata("attempts", strconv.Itoa(attempt)),
					xerrors.WithDetails(xerrors.DetailsOf(err)...))
			}
			return exec, err
		}

		delay := e.backoff(attempt)
		e.logger.Warn("integration call failed, retrying",
			slog.String("counterparty", reg.ID),
			slog.String("artifact_id", artifact.ID),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()),
		)
		if err := e.sleep(ctx, delay); err != nil {
			return exec, err
		}
	}
}

func (e *Executor) backoff(attempt int) time.Duration {
	delay := e.cfg.BaseBackoff << (attempt - 1)
	if delay <= 0 || delay > e.cfg.MaxBackoff {
		delay = e.cfg.MaxBackoff
	}
	return delay
}

func transient(err error) bool {
	if ie, ok := integration.AsInvocationError(err); ok {
		return ie.Transient
	}
	return false
}

// RetireOnRegistryEvents archives a counterparty's artifacts whenever the
// registry reports it updated or deactivated, so the next run rebuilds from
// the current contract. It returns when events is closed or ctx is done.
func RetireOnRegistryEvents(ctx context.Context, events <-chan registry.Event, cache *integration.Cache) {
	log := logger.Named("executor")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != registry.EventUpdated && ev.Type != registry.EventDeactivated {
				continue
			}
			n, err := cache.ArchiveLabelled(ctx, integration.LabelCounterparty, ev.AgentID)
			if err != nil {
				log.Warn("archive counterparty artifacts failed", slog.String("agent_id", ev.AgentID), slog.Any("error", err))
				continue
			}
			if n > 0 {
				log.Info("counterparty artifacts archived",
					slog.String("agent_id", ev.AgentID),
					slog.String("event", string(ev.Type)),
					slog.Int("archived", n),
				)
			}
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
