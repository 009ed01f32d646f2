package access

import (
	"context"
	"slices"
)

// Wildcard matches any document or public key in a Rule.
const Wildcard = "*"

// Rule grants a session key a set of actions on a set of documents. An
// empty PublicKeys list allows any author key.
type Rule struct {
	SessionKey string   `yaml:"session_key"`
	Documents  []string `yaml:"documents"`
	Actions    []Action `yaml:"actions"`
	PublicKeys []string `yaml:"public_keys"`
}

func (r Rule) matches(req Request) bool {
	if r.SessionKey != req.SessionKey {
		return false
	}
	if !slices.Contains(r.Documents, Wildcard) && !slices.Contains(r.Documents, req.DocumentID) {
		return false
	}
	if !slices.Contains(r.Actions, req.Action) {
		return false
	}
	if req.PublicKey != "" && len(r.PublicKeys) > 0 &&
		!slices.Contains(r.PublicKeys, Wildcard) && !slices.Contains(r.PublicKeys, req.PublicKey) {
		return false
	}
	return true
}

// StaticPolicy is a fixed rule list, typically loaded from the relay
// configuration file. A request is granted when any rule matches.
type StaticPolicy struct {
	rules []Rule
}

func NewStaticPolicy(rules []Rule) *StaticPolicy {
	return &StaticPolicy{rules: slices.Clone(rules)}
}

func (p *StaticPolicy) HasAccess(_ context.Context, req Request) (bool, error) {
	for _, r := range p.rules {
		if r.matches(req) {
			return true, nil
		}
	}
	return false, nil
}
