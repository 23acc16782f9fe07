package task

import (
	"strings"
	"time"
)

// SortOrder defines how results should be ordered when listing tasks.
type SortOrder int

const (
	// SortByUpdatedDesc orders tasks by UpdatedAt descending (most recent first).
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc orders tasks by UpdatedAt ascending (oldest first).
	SortByUpdatedAsc
)

// ListOptions controls how tasks are selected when querying the store.
type ListOptions struct {
	Limit           int
	Offset          int
	States          []State
	Owner           string
	UpdatedGTE      int64
	UpdatedLTE      int64
	HasResult       *bool
	IncludeArchived bool
	Order           SortOrder
	Query           string
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.States != nil {
		opts.States = normalizeStates(opts.States)
	}
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
	opts.Owner = strings.TrimSpace(opts.Owner)
	opts.Query = strings.TrimSpace(opts.Query)
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of tasks returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching tasks before returning results.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithStates filters tasks by state.
func WithStates(states ...State) ListOption {
	return func(opts *ListOptions) {
		opts.States = append(opts.States[:0], states...)
	}
}

// WithOwner restricts results to tasks submitted by owner.
func WithOwner(owner string) ListOption {
	return func(opts *ListOptions) {
		opts.Owner = owner
	}
}

// WithUpdatedSince filters tasks updated after the provided instant (inclusive).
func WithUpdatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.UpdatedGTE = 0
			return
		}
		opts.UpdatedGTE = ts.Unix()
	}
}

// WithUpdatedUntil filters tasks updated before the provided instant (inclusive).
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.UpdatedLTE = 0
			return
		}
		opts.UpdatedLTE = ts.Unix()
	}
}

// WithResultPresence filters tasks by whether a result has been recorded.
func WithResultPresence(hasResult bool) ListOption {
	return func(opts *ListOptions) {
		opts.HasResult = &hasResult
	}
}

// WithArchived includes archived tasks in the results.
func WithArchived(include bool) ListOption {
	return func(opts *ListOptions) {
		opts.IncludeArchived = include
	}
}

// WithSortOrder changes the returned order of tasks.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// WithQuery filters tasks by substring match on id and goal.
func WithQuery(query string) ListOption {
	return func(opts *ListOptions) {
		opts.Query = query
	}
}

// buildListOptions applies option functions on top of defaults.
func buildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeStates(input []State) []State {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[State]struct{}, len(input))
	result := make([]State, 0, len(input))
	for _, state := range input {
		state = State(strings.ToUpper(strings.TrimSpace(string(state))))
		if !IsValidState(state) {
			continue
		}
		if _, ok := seen[state]; ok {
			continue
		}
		seen[state] = struct{}{}
		result = append(result, state)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

func matchesListFilters(t *Task, opts ListOptions) bool {
	if t.Archived && !opts.IncludeArchived {
		return false
	}
	if len(opts.States) > 0 {
		matched := false
		for _, state := range opts.States {
			if t.State == state {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.Owner != "" && t.Owner != opts.Owner {
		return false
	}
	updated := t.UpdatedAt.Unix()
	if opts.UpdatedGTE > 0 && updated < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && updated > opts.UpdatedLTE {
		return false
	}
	if opts.HasResult != nil && (len(t.Result) > 0) != *opts.HasResult {
		return false
	}
	if opts.Query != "" {
		q := strings.ToLower(opts.Query)
		if !strings.Contains(strings.ToLower(t.ID), q) && !strings.Contains(strings.ToLower(t.Request.Goal), q) {
			return false
		}
	}
	return true
}
