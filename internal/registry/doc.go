// Package registry provides typed access to the external capability
// registry: an append-only set of counterparty registrations indexed by
// capability tag, backed either by an EVM contract or by an in-process map.
// Off-registry metadata is fetched through a Resolver.
package registry
