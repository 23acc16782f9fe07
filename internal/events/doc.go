// Package events carries progress-event side channels: wake-up signals for
// subscribers (in-process or across replicas via Redis pub/sub) and a
// best-effort RabbitMQ mirror for dashboards. The task event log stays the
// source of truth; nothing here is required for correctness.
package events
