package domain

import "time"

// Tier is a cost/capability level a provider can run at.
type Tier string

const (
	TierFree    Tier = "free"
	TierMedium  Tier = "medium"
	TierPremium Tier = "premium"
)

// ParseTier maps a textual tier, defaulting to free.
func ParseTier(s string) Tier {
	switch Tier(s) {
	case TierMedium:
		return TierMedium
	case TierPremium:
		return TierPremium
	default:
		return TierFree
	}
}

// TemporalMode declares whether a provider honours a requested date range.
type TemporalMode string

const (
	TemporalHistorical  TemporalMode = "historical"
	TemporalRecentOnly  TemporalMode = "recent_only"
	TemporalForwardOnly TemporalMode = "forward_only"
	TemporalMixed       TemporalMode = "mixed"
)

// CredentialKind names the kind of secret a provider needs. CredentialNone means unauthenticated.
type CredentialKind string

const CredentialNone CredentialKind = ""

// Range is an inclusive-from, exclusive-to time window. Zero bounds are open.
type Range struct {
	From time.Time `json:"from,omitempty" yaml:"from"`
	To   time.Time `json:"to,omitempty" yaml:"to"`
}

// IsTrivial reports whether the range places no constraint at all.
func (r *Range) IsTrivial() bool {
	return r == nil || (r.From.IsZero() && r.To.IsZero())
}

// Contains reports whether t lies inside the range.
func (r *Range) Contains(t time.Time) bool {
	if r.IsTrivial() {
		return true
	}
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}

// DefaultScope is used when a query does not name one.
const DefaultScope = "default"

// Query is what the query-design layer hands to a collection run.
type Query struct {
	Terms           []string `json:"terms,omitempty" yaml:"terms"`
	ActorIDs        []string `json:"actor_ids,omitempty" yaml:"actorIds"`
	Tier            Tier     `json:"tier" yaml:"tier"`
	DateRange       *Range   `json:"date_range,omitempty" yaml:"dateRange"`
	TargetPlatforms []string `json:"target_platforms,omitempty" yaml:"targetPlatforms"`
	Scope           string   `json:"scope,omitempty" yaml:"scope"`
}

// Targets reports whether the query applies to the platform.
func (q Query) Targets(platform string) bool {
	if len(q.TargetPlatforms) == 0 {
		return true
	}
	for _, p := range q.TargetPlatforms {
		if p == platform {
			return true
		}
	}
	return false
}

// ScopeOrDefault returns the query scope, falling back to DefaultScope.
func (q Query) ScopeOrDefault() string {
	if q.Scope == "" {
		return DefaultScope
	}
	return q.Scope
}
