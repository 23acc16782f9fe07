package negotiator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	xerrors "TaskMesh-Chain/internal/errors"
	"TaskMesh-Chain/internal/registry"
	"TaskMesh-Chain/internal/task"
	"TaskMesh-Chain/pkg/logger"

	"golang.org/x/sync/errgroup"
)

// lookupConcurrency bounds parallel capability lookups per plan.
const lookupConcurrency = 4

// Config is the selection and fallback policy.
type Config struct {
	// MinReputation is a floor applied on top of each request's own minimum.
	MinReputation float64
	// RequireVerified forces verified-only selection for every task.
	RequireVerified bool
	// MaxFallbacks caps how many ranked alternates SettleTerms may try.
	MaxFallbacks int
}

// Negotiator implements task.Negotiator against a registry.Client.
type Negotiator struct {
	registry registry.Client
	settler  Settler
	cfg      Config
	logger   *slog.Logger
}

// Option customises a Negotiator.
type Option func(*Negotiator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Negotiator) {
		if l != nil {
			n.logger = l
		}
	}
}

// New returns a Negotiator. A nil settler accepts every proposal.
func New(client registry.Client, settler Settler, cfg Config, opts ...Option) *Negotiator {
	if settler == nil {
		settler = AcceptAll{}
	}
	if cfg.MaxFallbacks < 0 {
		cfg.MaxFallbacks = 0
	}
	n := &Negotiator{
		registry: client,
		settler:  settler,
		cfg:      cfg,
		logger:   logger.Named("negotiator"),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

var _ task.Negotiator = (*Negotiator)(nil)

// ProposePlan queries every required capability, intersects the results,
// filters them by policy and ranks the survivors by price ascending, then
// reputation descending, then registration order.
func (n *Negotiator) ProposePlan(ctx context.Context, req task.Requirements) (*task.Plan, error) {
	tags := normalizeTags(req.Capabilities)
	if len(tags) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "at least one capability is required")
	}

	results := make([][]registry.Registration, len(tags))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(lookupConcurrency)
	for i, tag := range tags {
		g.Go(func() error {
			regs, err := n.registry.FindByCapability(gctx, tag)
			if err != nil {
				return err
			}
			results[i] = regs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	minReputation := req.MinReputation
	if n.cfg.MinReputation > minReputation {
		minReputation = n.cfg.MinReputation
	}
	verifiedOnly := req.VerifiedOnly || n.cfg.RequireVerified

	var (
		candidates []task.Candidate
		rejected   []string
	)
	for _, reg := range intersect(results) {
		c := toCandidate(reg)
		switch {
		case !reg.Active:
			rejected = append(rejected, reg.ID+": inactive")
		case c.Reputation < minReputation:
			rejected = append(rejected, fmt.Sprintf("%s: reputation %g below %g", reg.ID, c.Reputation, minReputation))
		case verifiedOnly && !c.Verified:
			rejected = append(rejected, reg.ID+": not verified")
		case req.MaxPrice > 0 && (!c.Priced || c.Price > req.MaxPrice):
			rejected = append(rejected, fmt.Sprintf("%s: price %q exceeds budget %g", reg.ID, c.Rate, req.MaxPrice))
		default:
			candidates = append(candidates, c)
		}
	}

	if len(candidates) == 0 {
		n.logger.Info("no eligible counterparty",
			slog.String("task_id", req.TaskID),
			slog.Any("capabilities", tags),
			slog.Int("rejected", len(rejected)),
		)
		return nil, xerrors.New(xerrors.CodeNoEligibleCounterparty,
			"no counterparty satisfies "+strings.Join(tags, ", "),
			xerrors.WithDetails(rejected...))
	}

	Rank(candidates)
	top := candidates[0]
	plan := &task.Plan{
		Capabilities:   tags,
		CounterpartyID: top.ID,
		Selected:       top,
		Alternates:     append([]task.Candidate(nil), candidates[1:]...),
		MinReputation:  minReputation,
		Criteria:       req.Criteria,
	}
	setCost(plan, top)
	return plan, nil
}

// Rank sorts candidates in place: price ascending (unpriced last), reputation
// descending, registry sequence ascending.
func Rank(candidates []task.Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priced != b.Priced {
			return a.Priced
		}
		if a.Priced && a.Price != b.Price {
			return a.Price < b.Price
		}
		if a.Reputation != b.Reputation {
			return a.Reputation > b.Reputation
		}
		return a.Sequence < b.Sequence
	})
}

// SettleTerms proposes the plan to the selected counterparty. When it
// declines, the next ranked alternate is tried, at most MaxFallbacks times.
// The returned plan is a copy; the approved plan is never modified.
func (n *Negotiator) SettleTerms(ctx context.Context, taskID string, plan *task.Plan) (*task.Plan, error) {
	if plan == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "plan is required")
	}
	order := append([]task.Candidate{plan.Selected}, plan.Alternates...)
	if order[0].ID == "" {
		order[0] = task.Candidate{ID: plan.CounterpartyID}
	}
	if limit := n.cfg.MaxFallbacks + 1; len(order) > limit {
		order = order[:limit]
	}

	var declined []string
	for i, cand := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		reg, err := n.registry.Get(ctx, cand.ID)
		if err != nil {
			if xerrors.CodeOf(err) == xerrors.CodeNotFound {
				declined = append(declined, cand.ID+": no longer registered")
				continue
			}
			return nil, err
		}

		proposal := Proposal{
			TaskID:         taskID,
			ThreadID:       ThreadID(taskID, cand.ID),
			CounterpartyID: cand.ID,
			Capabilities:   append([]string(nil), plan.Capabilities...),
			URL:            reg.Metadata.NegotiationURL,
			Price:          cand.Price,
			Priced:         cand.Priced,
		}
		if _, unit, err := reg.Metadata.Pricing.Amount(); err == nil {
			proposal.Currency = unit
		}

		err = n.settler.Settle(ctx, proposal)
		if err == nil {
			accepted := plan.Clone()
			accepted.CounterpartyID = cand.ID
			accepted.Selected = cand
			accepted.Alternates = append([]task.Candidate(nil), order[i+1:]...)
			accepted.ThreadID = proposal.ThreadID
			accepted.Fallbacks = i
			setCost(accepted, cand)
			n.logger.Info("terms settled",
				slog.String("task_id", taskID),
				slog.String("counterparty", cand.ID),
				slog.Int("fallbacks", i),
			)
			return accepted, nil
		}
		if xerrors.CodeOf(err) != xerrors.CodeNegotiationRejected {
			return nil, err
		}
		n.logger.Info("counterparty declined",
			slog.String("task_id", taskID),
			slog.String("counterparty", cand.ID),
			slog.Any("error", err),
		)
		declined = append(declined, cand.ID+": "+reason(err))
	}
	return nil, xerrors.New(xerrors.CodeNegotiationRejected, "no counterparty accepted the proposal",
		xerrors.WithDetails(declined...))
}

func reason(err error) string {
	if e, ok := xerrors.From(err); ok {
		return e.Message()
	}
	return err.Error()
}

func setCost(plan *task.Plan, c task.Candidate) {
	plan.EstimatedCost = 0
	plan.Currency = ""
	if !c.Priced {
		return
	}
	plan.EstimatedCost = c.Price
	if _, unit, err := (registry.Pricing{Rate: c.Rate}).Amount(); err == nil {
		plan.Currency = unit
	}
}

func toCandidate(reg registry.Registration) task.Candidate {
	c := task.Candidate{
		ID:         reg.ID,
		Name:       reg.Metadata.Name,
		Rate:       reg.Metadata.Pricing.Rate,
		Reputation: reg.Metadata.Reputation,
		Verified:   reg.Metadata.Verified,
		Sequence:   reg.Sequence,
	}
	if price, _, err := reg.Metadata.Pricing.Amount(); err == nil {
		c.Price = price
		c.Priced = true
	}
	return c
}

func normalizeTags(input []string) []string {
	seen := make(map[string]struct{}, len(input))
	out := make([]string, 0, len(input))
	for _, tag := range input {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

// intersect keeps registrations present in every result set, in the order of
// the first set.
func intersect(results [][]registry.Registration) []registry.Registration {
	if len(results) == 0 {
		return nil
	}
	counts := make(map[string]int)
	for _, set := range results {
		seen := make(map[string]struct{}, len(set))
		for _, reg := range set {
			if _, ok := seen[reg.ID]; ok {
				continue
			}
			seen[reg.ID] = struct{}{}
			counts[reg.ID]++
		}
	}
	var out []registry.Registration
	emitted := make(map[string]struct{})
	for _, reg := range results[0] {
		if counts[reg.ID] != len(results) {
			continue
		}
		if _, ok := emitted[reg.ID]; ok {
			continue
		}
		emitted[reg.ID] = struct{}{}
		out = append(out, reg)
	}
	return out
}
