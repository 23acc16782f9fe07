package integration

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	xerrors "TaskMesh-Chain/internal/errors"
)

// Policy restricts which endpoints a synthesized integration may reach.
// Empty allow lists permit everything not explicitly denied.
type Policy struct {
	AllowedSchemes []string `yaml:"allowed_schemes"`
	AllowedHosts   []string `yaml:"allowed_hosts"`
	DeniedHosts    []string `yaml:"denied_hosts"`
}

// Merge returns a new policy using values from other when not present.
func (p Policy) Merge(other Policy) Policy {
	if len(p.AllowedSchemes) == 0 {
		p.AllowedSchemes = other.AllowedSchemes
	}
	if len(p.AllowedHosts) == 0 {
		p.AllowedHosts = other.AllowedHosts
	}
	if len(p.DeniedHosts) == 0 {
		p.DeniedHosts = other.DeniedHosts
	}
	return p
}

// Check validates the contract endpoint against the policy.
func (p Policy) Check(c Contract) error {
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeSynthesisFailure, err, "invalid endpoint", xerrors.WithDetails("endpoint: "+err.Error()))
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())

	if len(p.AllowedSchemes) > 0 && !slices.ContainsFunc(p.AllowedSchemes, func(s string) bool { return strings.EqualFold(s, scheme) }) {
		return policyViolation(fmt.Sprintf("endpoint: scheme %s not permitted", scheme))
	}
	for _, pattern := range p.DeniedHosts {
		if hostMatches(pattern, host) {
			return policyViolation(fmt.Sprintf("endpoint: host %s is explicitly denied", host))
		}
	}
	if len(p.AllowedHosts) == 0 {
		return nil
	}
	for _, pattern := range p.AllowedHosts {
		if hostMatches(pattern, host) {
			return nil
		}
	}
	return policyViolation(fmt.Sprintf("endpoint: host %s not permitted", host))
}

func policyViolation(detail string) error {
	return xerrors.New(xerrors.CodeSynthesisFailure, "integration endpoint rejected by policy", xerrors.WithDetails(detail))
}

// hostMatches supports exact hosts and "*.example.com" suffix patterns.
func hostMatches(pattern, host string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return strings.HasSuffix(host, "."+suffix)
	}
	return pattern == host
}
