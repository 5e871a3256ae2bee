// Package policy decides whether two participants share state, based on
// their capability indexes (0..100).
package policy

import "github.com/ryandielhenn/impulse/internal/telemetry"

// Rule identifies the branch that produced a decision.
type Rule int

const (
	RuleDenied Rule = iota
	RuleHighCapability
	RuleTier60
	RuleTier50
	RuleBaseline
)

func (r Rule) String() string {
	switch r {
	case RuleHighCapability:
		return "high_capability"
	case RuleTier60:
		return "tier_60"
	case RuleTier50:
		return "tier_50"
	case RuleBaseline:
		return "baseline"
	default:
		return "denied"
	}
}

const (
	HighCapability = 90
	Tier60         = 60
	Tier50         = 50
	Baseline       = 25
)

type Decision struct {
	Share bool
	Rule  Rule
}

// Evaluate applies the rules in order:
//
//  1. either side >= 90
//  2. both >= 60
//  3. both >= 50
//  4. both >= 25
//
// Rules 2 and 3 are subsumed by rule 4. They are kept as separate branches
// because they are the hooks for sharing different data at different trust
// tiers; Rule reports which one fired.
func Evaluate(local, remote int32) Decision {
	if local >= HighCapability || remote >= HighCapability {
		return Decision{Share: true, Rule: RuleHighCapability}
	} else if local >= Tier60 && remote >= Tier60 {
		return Decision{Share: true, Rule: RuleTier60}
	} else if local >= Tier50 && remote >= Tier50 {
		return Decision{Share: true, Rule: RuleTier50}
	}
	if local >= Baseline && remote >= Baseline {
		return Decision{Share: true, Rule: RuleBaseline}
	}
	return Decision{Share: false, Rule: RuleDenied}
}

// ShouldShare reports whether a participant with capability local accepts
// state from one with capability remote.
func ShouldShare(local, remote int32) bool {
	d := Evaluate(local, remote)
	telemetry.PolicyDecisions.WithLabelValues(d.Rule.String()).Inc()
	return d.Share
}
