// Package integration turns a counterparty's capability contract into a
// reusable artifact and runs it.
//
// Artifacts are data: a canonical descriptor interpreted by a single fixed
// Invoker. The Cache builds each fingerprint at most once, counts usage and
// guards Delete with per-artifact leases so in-flight calls always finish.
package integration
