// Package policy implements path-based authorization. Policies are named
// sets of rules mapping path patterns to capabilities; evaluation is
// deny-by-default and pure (no I/O).
package policy

import (
	"fmt"
	"strings"

	"github.com/strongroom/strongroom/interfaces"
)

// Capability names an operation class a rule may grant.
type Capability string

const (
	CapabilityCreate Capability = "create"
	CapabilityRead   Capability = "read"
	CapabilityUpdate Capability = "update"
	CapabilityDelete Capability = "delete"
	CapabilityList   Capability = "list"
	// CapabilitySudo gates administrative paths. It is never implied by
	// the others and must be granted explicitly.
	CapabilitySudo Capability = "sudo"
	// CapabilityDeny overrides any grant from the same or another policy.
	CapabilityDeny Capability = "deny"
)

var validCapabilities = map[Capability]bool{
	CapabilityCreate: true,
	CapabilityRead:   true,
	CapabilityUpdate: true,
	CapabilityDelete: true,
	CapabilityList:   true,
	CapabilitySudo:   true,
	CapabilityDeny:   true,
}

// Rule maps one path pattern to a capability set. A pattern is either an
// exact path or a prefix glob with a single trailing '*'.
type Rule struct {
	Path         string       `json:"path"`
	Capabilities []Capability `json:"capabilities"`
}

// Policy is a named set of rules.
type Policy struct {
	Name  string `json:"name"`
	Rules []Rule `json:"rules"`
}

// Validate checks a policy document for structural problems.
func (p *Policy) Validate() error {
	if !validName(p.Name) {
		return fmt.Errorf("%w: invalid policy name %q", interfaces.ErrValidation, p.Name)
	}
	if len(p.Rules) == 0 {
		return fmt.Errorf("%w: policy %q has no rules", interfaces.ErrValidation, p.Name)
	}
	for _, r := range p.Rules {
		if r.Path == "" {
			return fmt.Errorf("%w: policy %q has a rule with an empty path", interfaces.ErrValidation, p.Name)
		}
		if i := strings.IndexByte(r.Path, '*'); i >= 0 && i != len(r.Path)-1 {
			return fmt.Errorf("%w: policy %q: '*' is only allowed at the end of a pattern", interfaces.ErrValidation, p.Name)
		}
		if len(r.Capabilities) == 0 {
			return fmt.Errorf("%w: policy %q: rule %q grants no capabilities", interfaces.ErrValidation, p.Name, r.Path)
		}
		for _, c := range r.Capabilities {
			if !validCapabilities[c] {
				return fmt.Errorf("%w: policy %q: unknown capability %q", interfaces.ErrValidation, p.Name, c)
			}
		}
	}
	return nil
}

// Authorize reports whether the given policies grant capability on path.
// Each policy contributes only its most specific matching rule (exact
// match beats glob; among globs the longest literal prefix wins). A deny
// in any effective rule wins over every grant.
func Authorize(policies []*Policy, path string, capability Capability) bool {
	granted := false
	for _, p := range policies {
		rule := mostSpecificMatch(p, path)
		if rule == nil {
			continue
		}
		for _, c := range rule.Capabilities {
			if c == CapabilityDeny {
				return false
			}
			if c == capability {
				granted = true
			}
		}
	}
	return granted
}

// mostSpecificMatch returns the policy's best matching rule for path, or
// nil if none match.
func mostSpecificMatch(p *Policy, path string) *Rule {
	var best *Rule
	bestExact := false
	bestPrefixLen := -1

	for i := range p.Rules {
		r := &p.Rules[i]
		if strings.HasSuffix(r.Path, "*") {
			prefix := r.Path[:len(r.Path)-1]
			if !strings.HasPrefix(path, prefix) {
				continue
			}
			if !bestExact && len(prefix) > bestPrefixLen {
				best = r
				bestPrefixLen = len(prefix)
			}
			continue
		}
		if r.Path == path {
			// Exact match always wins; first one suffices.
			if !bestExact {
				best = r
				bestExact = true
			}
		}
	}
	return best
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}
