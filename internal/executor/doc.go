// Package executor runs the selected counterparty's integration for a task:
// it resolves the counterparty's capability contract from the registry,
// obtains the artifact through the integration cache and invokes it with a
// bounded retry budget for transient failures.
package executor
