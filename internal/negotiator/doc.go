// Package negotiator discovers counterparties in the capability registry,
// ranks them deterministically and settles terms with the chosen one,
// falling back to ranked alternates when a counterparty declines.
package negotiator
