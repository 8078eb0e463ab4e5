// Package collector defines the contract every arena provider implements and the registry the
// orchestrator dispatches through.
package collector

import (
	"context"
	"iter"
	"slices"

	"ArenaIngest/internal/credentials"
	"ArenaIngest/internal/domain"
)

// Stream yields raw items in provider page order. An error wrapping domain.ErrMalformedItem
// concerns one item and the stream goes on; any other error is the last value yielded.
type Stream = iter.Seq2[domain.RawItem, error]

// Request is one collection call. Pace must be awaited before every network request; providers
// built on NewRestClient get that for free through the request context.
type Request struct {
	Terms      []string
	ActorIDs   []string
	Tier       domain.Tier
	DateRange  *domain.Range
	Credential credentials.Credential
	Pace       func(ctx context.Context) error
}

// ProviderClient fetches raw items from one arena. A client may support only one of the two
// operations and answers the other with domain.ErrUnsupportedOperation.
type ProviderClient interface {
	Platform() string
	Capabilities() Capabilities
	CollectByTerms(ctx context.Context, req Request) Stream
	CollectByActors(ctx context.Context, req Request) Stream
}

// Capabilities is what a provider can do, as shown to configuration tooling.
type Capabilities struct {
	Platform       string                `json:"platform"`
	Arena          string                `json:"arena"`
	ContentType    string                `json:"content_type"`
	SupportedTiers []domain.Tier         `json:"supported_tiers"`
	TemporalMode   domain.TemporalMode   `json:"temporal_mode"`
	CredentialKind domain.CredentialKind `json:"credential_kind,omitempty"`
	SupportsTerms  bool                  `json:"supports_terms"`
	SupportsActors bool                  `json:"supports_actors"`
	// FieldHints are candidate keys tried before the normalizer defaults, per record field.
	FieldHints map[string][]string `json:"-"`
}

// SupportsTier reports whether tier is in SupportedTiers.
func (c Capabilities) SupportsTier(tier domain.Tier) bool {
	return slices.Contains(c.SupportedTiers, tier)
}

// NeedsRangeWarning reports whether the provider would silently ignore the requested range.
func (c Capabilities) NeedsRangeWarning(r *domain.Range) bool {
	return c.TemporalMode != domain.TemporalHistorical && !r.IsTrivial()
}

// RequiresCredential reports whether a pooled credential must be checked out first.
func (c Capabilities) RequiresCredential() bool {
	return c.CredentialKind != domain.CredentialNone
}

type paceKey struct{}

// WithPace attaches the request pacing func to ctx.
func WithPace(ctx context.Context, pace func(context.Context) error) context.Context {
	if pace == nil {
		return ctx
	}
	return context.WithValue(ctx, paceKey{}, pace)
}

// Pace waits on the pacing func carried by ctx, if any.
func Pace(ctx context.Context) error {
	pace, ok := ctx.Value(paceKey{}).(func(context.Context) error)
	if !ok {
		return nil
	}
	return pace(ctx)
}
