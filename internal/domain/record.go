package domain

import (
	"strconv"
	"strings"
	"time"
)

// LanguageSource tells where Record.Language came from.
type LanguageSource string

const (
	LanguageFromProvider  LanguageSource = "provider"
	LanguageFromHeuristic LanguageSource = "heuristic"
	LanguageUndetermined  LanguageSource = "undetermined"
)

// UndeterminedLanguage is the BCP 47 tag used when no language could be established.
const UndeterminedLanguage = "und"

// Engagement holds the interaction counters an arena exposes. Nil means the arena does not report it.
type Engagement struct {
	Views    *int64 `json:"views,omitempty"`
	Likes    *int64 `json:"likes,omitempty"`
	Shares   *int64 `json:"shares,omitempty"`
	Comments *int64 `json:"comments,omitempty"`
}

// Record is the canonical unit of collected content, shared by every arena.
type Record struct {
	ID          string `json:"id"`
	Platform    string `json:"platform"`
	Arena       string `json:"arena"`
	ContentType string `json:"content_type"`
	Scope       string `json:"scope"`

	TextContent   string    `json:"text_content,omitempty"`
	Title         string    `json:"title,omitempty"`
	URL           string    `json:"url,omitempty"`
	NormalizedURL string    `json:"normalized_url,omitempty"`
	PublishedAt   time.Time `json:"published_at"`
	CollectedAt   time.Time `json:"collected_at"`

	AuthorPlatformID      string `json:"author_platform_id,omitempty"`
	PseudonymizedAuthorID string `json:"pseudonymized_author_id,omitempty"`
	AuthorDisplayName     string `json:"author_display_name,omitempty"`
	AuthorIsPublicFigure  bool   `json:"author_is_public_figure,omitempty"`

	Engagement Engagement `json:"engagement"`

	ContentHash        string  `json:"content_hash"`
	SimhashFingerprint *uint64 `json:"simhash_fingerprint,omitempty"`

	Language           string         `json:"language"`
	LanguageSource     LanguageSource `json:"language_source"`
	SearchTermsMatched []string       `json:"search_terms_matched,omitempty"`
	RawMetadata        RawMetadata    `json:"raw_metadata,omitempty"`

	DuplicateOf     string `json:"duplicate_of,omitempty"`
	DedupIncomplete bool   `json:"dedup_incomplete,omitempty"`
}

// IsCanonical reports whether the record heads its duplicate cluster (or stands alone).
func (r Record) IsCanonical() bool {
	return r.DuplicateOf == ""
}

// RawItem is one item exactly as a provider returned it, decoded into a generic document.
type RawItem map[string]any

// Keys lists the top-level keys of the item, useful when logging an item that could not be used.
func (r RawItem) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	return keys
}

// Lookup resolves a dotted path ("author.handle") inside the item.
func (r RawItem) Lookup(path string) (any, bool) {
	var current any = map[string]any(r)
	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			current = v
		case RawItem:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			current = v
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	if current == nil {
		return nil, false
	}
	return current, true
}

const ingestMetaKey = "_ingest"

// RawMetadata is the provider payload preserved verbatim, plus an "_ingest" section written by this
// pipeline. Known consumers read it through the typed accessors below.
type RawMetadata map[string]any

func (m RawMetadata) ingest() map[string]any {
	section, _ := m[ingestMetaKey].(map[string]any)
	return section
}

func (m RawMetadata) setIngestFlag(key string, value any) {
	section := m.ingest()
	if section == nil {
		section = map[string]any{}
		m[ingestMetaKey] = section
	}
	section[key] = value
}

// MarkPublishedAtInferred records that published_at was stamped with collected_at.
func (m RawMetadata) MarkPublishedAtInferred() {
	m.setIngestFlag("published_at_inferred", true)
}

// PublishedAtInferred reports whether published_at was not supplied by the provider.
func (m RawMetadata) PublishedAtInferred() bool {
	v, _ := m.ingest()["published_at_inferred"].(bool)
	return v
}

// MarkHashFromURL records that the content hash was computed from the URL for lack of text.
func (m RawMetadata) MarkHashFromURL() {
	m.setIngestFlag("hash_source", "url")
}

// HashFromURL reports whether the content hash stands in for an item without text.
func (m RawMetadata) HashFromURL() bool {
	v, _ := m.ingest()["hash_source"].(string)
	return v == "url"
}

// MarkDedupIncomplete records that the record could not take part in every dedup pass.
func (m RawMetadata) MarkDedupIncomplete(reason string) {
	m.setIngestFlag("dedup_incomplete", reason)
}

// DedupIncomplete returns the reason the record's dedup status is incomplete, if any.
func (m RawMetadata) DedupIncomplete() (string, bool) {
	v, ok := m.ingest()["dedup_incomplete"].(string)
	return v, ok
}

// String returns a provider string value at a dotted path.
func (m RawMetadata) String(path string) (string, bool) {
	v, ok := RawItem(m).Lookup(path)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Int64 returns a provider numeric value at a dotted path.
func (m RawMetadata) Int64(path string) (int64, bool) {
	v, ok := RawItem(m).Lookup(path)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		return parsed, err == nil
	}
	return 0, false
}

// Strings returns a provider list of strings at a dotted path, skipping non-string members.
func (m RawMetadata) Strings(path string) []string {
	v, ok := RawItem(m).Lookup(path)
	if !ok {
		return nil
	}
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Hashtags returns hashtags recorded by providers under "hashtags" or "tags".
func (m RawMetadata) Hashtags() []string {
	if tags := m.Strings("hashtags"); len(tags) > 0 {
		return tags
	}
	return m.Strings("tags")
}
