package normalizer

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"

	"ArenaIngest/internal/domain"
	"ArenaIngest/internal/fingerprint"
)

type staticDirectory map[string]bool

func (d staticDirectory) IsPublicFigure(platform, rawAuthorID string) bool {
	return d[platform+":"+rawAuthorID]
}

var collectedAt = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestNormalizer(t *testing.T, dir staticDirectory) *Normalizer {
	t.Helper()
	n, err := New([]byte("test-salt"), dir, WithClock(func() time.Time { return collectedAt }))
	require.NoError(t, err)
	n.RegisterPlatform(Profile{Platform: "bluesky", Arena: "social", ContentType: "post", Hints: map[string][]string{
		FieldText:     {"record.text"},
		FieldAuthorID: {"author.did"},
	}})
	return n
}

func TestNewRequiresSalt(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil)
	require.Error(t, err)
}

func TestNormalizeIsIdempotent(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer(t, nil)
	raw := domain.RawItem{
		"record": map[string]any{"text": "Ny CO2 afgift på landbruget", "createdAt": "2025-05-30T08:15:00Z"},
		"author": map[string]any{"did": "did:plc:abc", "displayName": "Mette"},
		"uri":    "at://did:plc:abc/app.bsky.feed.post/1",
	}

	first, err := n.Normalize(raw, "bluesky")
	require.NoError(t, err)
	second, err := n.Normalize(raw, "bluesky")
	require.NoError(t, err)

	require.Equal(t, first.ContentHash, second.ContentHash)
	require.Equal(t, first.PseudonymizedAuthorID, second.PseudonymizedAuthorID)
	require.Equal(t, *first.SimhashFingerprint, *second.SimhashFingerprint)
	require.NotEqual(t, first.ID, second.ID)

	require.Equal(t, "social", first.Arena)
	require.Equal(t, "Mette", first.AuthorDisplayName)
	require.Equal(t, "did:plc:abc", first.AuthorPlatformID)
	require.Equal(t, Pseudonymize([]byte("test-salt"), "bluesky", "did:plc:abc"), first.PseudonymizedAuthorID)
	require.Len(t, first.PseudonymizedAuthorID, PseudonymLength)
	require.Equal(t, time.Date(2025, 5, 30, 8, 15, 0, 0, time.UTC), first.PublishedAt)
}

func TestNormalizeHashIgnoresCaseAndWhitespace(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer(t, nil)
	var hashes []string
	for _, text := range []string{"CO2 afgift", "co2  afgift", "CO2 AFGIFT"} {
		rec, err := n.Normalize(domain.RawItem{"text": text}, "rss")
		require.NoError(t, err)
		hashes = append(hashes, rec.ContentHash)
	}
	require.Equal(t, hashes[0], hashes[1])
	require.Equal(t, hashes[0], hashes[2])
	require.Equal(t, fingerprint.ContentHash("co2 afgift"), hashes[0])
}

func TestNormalizeCandidateKeyPriority(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer(t, nil)
	rec, err := n.Normalize(domain.RawItem{
		"description": "from description",
		"body":        "from body",
		"headline":    "Headline",
		"link":        "https://www.dr.dk/nyheder/a?utm_source=rss",
	}, "rss")
	require.NoError(t, err)
	require.Equal(t, "from body", rec.TextContent)
	require.Equal(t, "Headline", rec.Title)
	require.Equal(t, "dr.dk/nyheder/a", rec.NormalizedURL)

	hinted, err := n.Normalize(domain.RawItem{
		"text":   "top level",
		"record": map[string]any{"text": "nested"},
	}, "bluesky")
	require.NoError(t, err)
	require.Equal(t, "nested", hinted.TextContent)
}

func TestNormalizePublicFigureKeepsRawID(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer(t, staticDirectory{"bluesky:did:plc:pm": true})
	rec, err := n.Normalize(domain.RawItem{"text": "statement", "author": map[string]any{"did": "did:plc:pm"}}, "bluesky")
	require.NoError(t, err)
	require.True(t, rec.AuthorIsPublicFigure)
	require.Equal(t, "did:plc:pm", rec.PseudonymizedAuthorID)
}

func TestNormalizeStampsMissingTimestamp(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer(t, nil)
	rec, err := n.Normalize(domain.RawItem{"text": "no date here"}, "rss")
	require.NoError(t, err)
	require.Equal(t, collectedAt, rec.PublishedAt)
	require.True(t, rec.RawMetadata.PublishedAtInferred())

	stamp, err := ulid.ParseStrict(rec.ID)
	require.NoError(t, err)
	require.Equal(t, ulid.Timestamp(collectedAt), stamp.Time())
}

func TestNormalizeMalformedItem(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer(t, nil)
	_, err := n.Normalize(domain.RawItem{"views": 10, "text": "   "}, "rss")
	require.ErrorIs(t, err, domain.ErrMalformedItem)

	_, err = n.Normalize(nil, "rss")
	require.ErrorIs(t, err, domain.ErrMalformedItem)
}

func TestNormalizeURLOnlyItem(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer(t, nil)
	rec, err := n.Normalize(domain.RawItem{"url": "https://example.com/video/1"}, "rss")
	require.NoError(t, err)
	require.Equal(t, fingerprint.ContentHash("example.com/video/1"), rec.ContentHash)
	require.Nil(t, rec.SimhashFingerprint)
	require.True(t, rec.DedupIncomplete)
	require.True(t, rec.RawMetadata.HashFromURL())
	reason, ok := rec.RawMetadata.DedupIncomplete()
	require.True(t, ok)
	require.NotEmpty(t, reason)
}

func TestNormalizeEngagementAndEpochTimestamps(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer(t, nil)
	rec, err := n.Normalize(domain.RawItem{
		"text":       "post",
		"likeCount":  float64(12),
		"replyCount": "3",
		"timestamp":  float64(1717243200000),
	}, "rss")
	require.NoError(t, err)
	require.Nil(t, rec.Engagement.Views)
	require.Equal(t, int64(12), *rec.Engagement.Likes)
	require.Equal(t, int64(3), *rec.Engagement.Comments)
	require.Equal(t, time.UnixMilli(1717243200000).UTC(), rec.PublishedAt)
}

func TestNormalizeLanguage(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer(t, nil)

	rec, err := n.Normalize(domain.RawItem{"text": "hello", "langs": []any{"da-DK"}}, "bluesky")
	require.NoError(t, err)
	require.Equal(t, "da-DK", rec.Language)
	require.Equal(t, domain.LanguageFromProvider, rec.LanguageSource)

	rec, err = n.Normalize(domain.RawItem{"text": "Regeringen vil indføre en ny afgift på landbruget, og det er ikke populært efter valget"}, "rss")
	require.NoError(t, err)
	require.Equal(t, "da", rec.Language)
	require.Equal(t, domain.LanguageFromHeuristic, rec.LanguageSource)

	rec, err = n.Normalize(domain.RawItem{"text": "CO2 afgift"}, "rss")
	require.NoError(t, err)
	require.Equal(t, domain.UndeterminedLanguage, rec.Language)
	require.Equal(t, domain.LanguageUndetermined, rec.LanguageSource)
}

func TestDetectLanguage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want string
	}{
		{name: "danish", text: "regeringen vil indføre en ny afgift på landbruget, og det er ikke populært blandt landmændene efter valget", want: "da"},
		{name: "english", text: "the government announced a new tax on agriculture, and farmers are not happy with the decision", want: "en"},
		{name: "german", text: "die regierung will eine neue steuer auf die landwirtschaft einführen, und die bauern sind nicht begeistert", want: "de"},
		{name: "too short", text: "co2 afgift", want: domain.UndeterminedLanguage},
		{name: "digits only", text: "2025 2026 2027 2028", want: domain.UndeterminedLanguage},
		{name: "empty", text: "", want: domain.UndeterminedLanguage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, detectLanguage(tt.text))
		})
	}
}

func TestParseTimestampLayouts(t *testing.T) {
	t.Parallel()

	want := time.Date(2025, 5, 30, 8, 15, 0, 0, time.UTC)
	for _, v := range []any{
		"2025-05-30T08:15:00Z",
		"Fri, 30 May 2025 08:15:00 +0000",
		"2025-05-30 08:15:00",
		"20250530T081500Z",
		"20250530081500",
		float64(want.Unix()),
		"1748592900",
	} {
		got, ok := parseTimestamp(v)
		require.True(t, ok, "%v", v)
		require.Equal(t, want, got, "%v", v)
	}

	_, ok := parseTimestamp("yesterday")
	require.False(t, ok)
}

func TestParseTimestampDigitStrings(t *testing.T) {
	t.Parallel()

	got, ok := parseTimestamp("20250530")
	require.True(t, ok)
	require.Equal(t, time.Date(2025, 5, 30, 0, 0, 0, 0, time.UTC), got)

	got, ok = parseTimestamp("999999999")
	require.True(t, ok)
	require.Equal(t, time.Unix(999999999, 0).UTC(), got)

	for _, v := range []string{"2025", "1234567", "20251340"} {
		_, ok := parseTimestamp(v)
		require.False(t, ok, v)
	}
}

func TestMatchTerms(t *testing.T) {
	t.Parallel()

	rec := domain.Record{Title: "Ny CO2 Afgift", TextContent: "Landbruget protesterer"}
	require.Equal(t, []string{"co2 afgift"}, MatchTerms(rec, []string{"co2 afgift", "elbil"}))
	require.Equal(t, []string{"elbil"}, MatchTerms(rec, []string{"elbil"}))
	require.Nil(t, MatchTerms(rec, nil))
}
