package ports

import (
	"context"
	"time"

	"ArenaIngest/internal/domain"
)

// RecordStore persists normalized records; inserts are keyed by (platform, content_hash, scope).
type RecordStore interface {
	// Upsert stores rec unless its identity already exists, returning the id that owns the identity.
	Upsert(ctx context.Context, rec domain.Record) (storedID string, inserted bool, err error)
	ApplyDuplicates(ctx context.Context, assignments []domain.DuplicateAssignment) error
	LoadWindow(ctx context.Context, scope string, from, to time.Time) ([]domain.Record, error)
}

// PublicFigureDirectory is the external actor directory consulted before pseudonymization.
type PublicFigureDirectory interface {
	IsPublicFigure(platform, rawAuthorID string) bool
}

// Alerter surfaces operator-visible problems.
type Alerter interface {
	CredentialRetired(ctx context.Context, platform, credentialID, reason string) error
	ProviderFailed(ctx context.Context, platform, reason string) error
}

// EnrichmentQueue hands canonical record ids to downstream enrichment workers.
type EnrichmentQueue interface {
	Publish(ctx context.Context, recordIDs []string) error
}
