// Package normalizer maps raw provider items onto the shared content record.
package normalizer

import (
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"ArenaIngest/internal/domain"
	"ArenaIngest/internal/fingerprint"
	"ArenaIngest/internal/ports"
)

// Profile describes how items of one platform map onto records.
type Profile struct {
	Platform    string
	Arena       string
	ContentType string
	// Hints are candidate keys tried before the defaults, per field.
	Hints map[string][]string
}

// Option customizes a Normalizer.
type Option func(*Normalizer)

// WithClock replaces time.Now for collected_at.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) { n.now = now }
}

// WithLogger sets the normalizer logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Normalizer) { n.logger = logger }
}

// Normalizer is safe for concurrent use once its profiles are registered.
type Normalizer struct {
	salt      []byte
	directory ports.PublicFigureDirectory

	mu       sync.RWMutex
	profiles map[string]Profile

	idMu    sync.Mutex
	entropy io.Reader

	now    func() time.Time
	logger *slog.Logger
}

// New builds a normalizer. The salt must come from the secret store and must not be empty; a nil
// directory treats every author as a private person.
func New(salt []byte, directory ports.PublicFigureDirectory, opts ...Option) (*Normalizer, error) {
	if len(salt) == 0 {
		return nil, errors.New("pseudonymization salt is empty")
	}
	n := &Normalizer{
		salt:      append([]byte(nil), salt...),
		directory: directory,
		profiles:  map[string]Profile{},
		entropy:   ulid.Monotonic(rand.Reader, 0),
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// RegisterPlatform installs or replaces the profile of a platform.
func (n *Normalizer) RegisterPlatform(profile Profile) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.profiles[profile.Platform] = profile
}

func (n *Normalizer) profile(platform string) Profile {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if p, ok := n.profiles[platform]; ok {
		return p
	}
	return Profile{Platform: platform, Arena: "unknown"}
}

// Normalize maps raw onto a record. Items with no text, no title and no usable URL are rejected
// with domain.ErrMalformedItem. Scope and matched search terms are left to the caller.
func (n *Normalizer) Normalize(raw domain.RawItem, platform string) (domain.Record, error) {
	if len(raw) == 0 {
		return domain.Record{}, domain.MalformedItem("empty item from %s", platform)
	}

	profile := n.profile(platform)
	ex := extractor{item: raw, hints: profile.Hints}

	rec := domain.Record{
		Platform:          platform,
		Arena:             profile.Arena,
		ContentType:       profile.ContentType,
		TextContent:       ex.text(FieldText),
		Title:             ex.text(FieldTitle),
		URL:               ex.text(FieldURL),
		AuthorDisplayName: ex.text(FieldAuthorName),
		CollectedAt:       n.now().UTC(),
		RawMetadata:       domain.RawMetadata(maps.Clone(raw)),
		Engagement: domain.Engagement{
			Views:    ex.count(FieldViews),
			Likes:    ex.count(FieldLikes),
			Shares:   ex.count(FieldShares),
			Comments: ex.count(FieldComments),
		},
	}
	if ct := ex.text(FieldContentType); ct != "" {
		rec.ContentType = ct
	}
	if rec.ContentType == "" {
		rec.ContentType = "post"
	}

	if key, ok := fingerprint.URLKey(rec.URL); ok {
		rec.NormalizedURL = key
	}

	normText := fingerprint.NormalizeText(rec.TextContent)
	normTitle := fingerprint.NormalizeText(rec.Title)
	hashInput := normText
	if hashInput == "" {
		hashInput = normTitle
	}

	switch {
	case hashInput != "":
		rec.ContentHash = fingerprint.ContentHash(hashInput)
		if fp, ok := fingerprint.SimHash(hashInput); ok {
			rec.SimhashFingerprint = &fp
		} else {
			rec.DedupIncomplete = true
			rec.RawMetadata.MarkDedupIncomplete("no tokens for fingerprint")
		}
	case rec.NormalizedURL != "":
		rec.ContentHash = fingerprint.ContentHash(rec.NormalizedURL)
		rec.DedupIncomplete = true
		rec.RawMetadata.MarkHashFromURL()
		rec.RawMetadata.MarkDedupIncomplete("no text to fingerprint")
	default:
		return domain.Record{}, domain.MalformedItem("no text, title or url in %s item (keys %v)", platform, raw.Keys())
	}

	if v, ok := ex.lookup(FieldPublishedAt); ok {
		if t, ok := parseTimestamp(v); ok {
			rec.PublishedAt = t
		}
	}
	if rec.PublishedAt.IsZero() {
		rec.PublishedAt = rec.CollectedAt
		rec.RawMetadata.MarkPublishedAtInferred()
		n.logger.Debug("item has no timestamp, using collection time", "platform", platform, "url", rec.URL)
	}

	if rawAuthor := ex.text(FieldAuthorID); rawAuthor != "" {
		rec.AuthorPlatformID = rawAuthor
		if n.directory != nil && n.directory.IsPublicFigure(platform, rawAuthor) {
			rec.AuthorIsPublicFigure = true
			rec.PseudonymizedAuthorID = rawAuthor
		} else {
			rec.PseudonymizedAuthorID = Pseudonymize(n.salt, platform, rawAuthor)
		}
	}

	rec.Language, rec.LanguageSource = n.language(ex, normText, normTitle)

	id, err := n.newID(rec.PublishedAt)
	if err != nil {
		return domain.Record{}, err
	}
	rec.ID = id
	return rec, nil
}

func (n *Normalizer) language(ex extractor, normText, normTitle string) (string, domain.LanguageSource) {
	if v := ex.text(FieldLanguage); v != "" {
		if tag, ok := providerLanguage(v); ok {
			return tag, domain.LanguageFromProvider
		}
	}
	sample := strings.TrimSpace(normTitle + " " + normText)
	if lang := detectLanguage(sample); lang != domain.UndeterminedLanguage {
		return lang, domain.LanguageFromHeuristic
	}
	return domain.UndeterminedLanguage, domain.LanguageUndetermined
}

func (n *Normalizer) newID(at time.Time) (string, error) {
	n.idMu.Lock()
	defer n.idMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(at), n.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MatchTerms returns the query terms that occur in the record's normalized title or text. When none
// occur verbatim (the provider matched on stemming or metadata) every term is attributed.
func MatchTerms(rec domain.Record, terms []string) []string {
	if len(terms) == 0 {
		return nil
	}
	haystack := fingerprint.NormalizeText(rec.Title + " " + rec.TextContent)
	matched := make([]string, 0, len(terms))
	for _, term := range terms {
		needle := fingerprint.NormalizeText(term)
		if needle != "" && strings.Contains(haystack, needle) {
			matched = append(matched, term)
		}
	}
	if len(matched) == 0 {
		return append([]string(nil), terms...)
	}
	return matched
}
