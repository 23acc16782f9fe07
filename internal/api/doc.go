// Package api exposes the task and integration HTTP endpoints: task
// submission, inspection, cancellation and manual approval, progress events
// as server-sent events, integration artifact administration, metrics and
// health checks.
package api
