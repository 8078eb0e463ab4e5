package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ArenaIngest/internal/app"
	"ArenaIngest/internal/config"
	"ArenaIngest/internal/domain"
)

const feedBody = `<?xml version="1.0"?>
<rss version="2.0"><channel><title>Nyheder</title>
<item><guid>v1</guid><title>Valgkampen er i gang</title><link>https://example.dk/v1</link>
<description>Partierne præsenterer deres kandidater til valget</description><pubDate>Mon, 02 Jun 2025 08:00:00 GMT</pubDate></item>
</channel></rss>`

func testOpener(t *testing.T, feedURL string) opener {
	t.Helper()
	cfg := config.Config{
		Database:         config.DatabaseConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "cli.db")},
		Pseudonymization: config.PseudonymizationConfig{Salt: "cli-salt"},
		Orchestrator: config.OrchestratorConfig{
			Concurrency:     1,
			MaxAttempts:     1,
			RetryInitial:    time.Millisecond,
			RetryMax:        time.Millisecond,
			CheckoutTimeout: time.Second,
			CooldownInitial: time.Second,
			CooldownMax:     time.Minute,
		},
		Providers: config.ProvidersConfig{
			Enabled: []string{"rss"},
			RSS:     config.RSSConfig{Feeds: []config.FeedConfig{{Name: "dk", URL: feedURL}}},
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return func(ctx context.Context) (*app.Application, error) {
		return app.New(ctx, cfg, logger)
	}
}

func feedServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(feedBody))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestSplitList(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{name: "empty string", input: "", expected: nil},
		{name: "single", input: "valg", expected: []string{"valg"}},
		{name: "spaces and empties", input: " valg , ,klima ", expected: []string{"valg", "klima"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, splitList(tt.input))
		})
	}
}

func TestParseTime(t *testing.T) {
	got, err := parseTime("2025-06-02")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC), got)

	got, err = parseTime("2025-06-02T10:30:00+02:00")
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2025, 6, 2, 8, 30, 0, 0, time.UTC)))

	_, err = parseTime("yesterday")
	assert.ErrorContains(t, err, "invalid time")
}

func TestLoadQueries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queries.yaml")
	body := `
- terms: [valg, "folketingsvalg 2026"]
  tier: medium
  scope: election
  targetPlatforms: [rss, gdelt]
  dateRange:
    from: 2025-06-01T00:00:00Z
    to: 2025-06-08T00:00:00Z
- actorIds: [dr_nyheder]
  tier: bogus
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	queries, err := loadQueries(path)
	require.NoError(t, err)
	require.Len(t, queries, 2)
	assert.Equal(t, []string{"valg", "folketingsvalg 2026"}, queries[0].Terms)
	assert.Equal(t, domain.TierMedium, queries[0].Tier)
	assert.Equal(t, "election", queries[0].Scope)
	require.NotNil(t, queries[0].DateRange)
	assert.Equal(t, time.Date(2025, 6, 8, 0, 0, 0, 0, time.UTC), queries[0].DateRange.To.UTC())
	assert.Equal(t, domain.TierFree, queries[1].Tier)

	empty := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("[]"), 0o600))
	_, err = loadQueries(empty)
	assert.ErrorContains(t, err, "no queries")
}

func TestCollectRequiresTermsOrActors(t *testing.T) {
	opened := false
	open := func(context.Context) (*app.Application, error) {
		opened = true
		return nil, errors.New("must not open")
	}
	var out bytes.Buffer

	err := newCLIApp(open, &out).Run([]string{"arenaingest", "collect"})
	assert.ErrorContains(t, err, "--terms")
	assert.False(t, opened)
}

func TestCollectPrintsRunReport(t *testing.T) {
	server := feedServer(t)
	var out bytes.Buffer

	err := newCLIApp(testOpener(t, server.URL), &out).Run([]string{"arenaingest", "collect", "--terms", "valget", "--scope", "election"})
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "rss")
	assert.Contains(t, text, "complete")
	assert.Contains(t, strings.ToLower(text), "inserted")
}

func TestCollectJSON(t *testing.T) {
	server := feedServer(t)
	var out bytes.Buffer

	err := newCLIApp(testOpener(t, server.URL), &out).Run([]string{"arenaingest", "collect", "-t", "valget", "--json"})
	require.NoError(t, err)
	assert.Contains(t, out.String(), `"inserted": 1`)
	assert.Contains(t, out.String(), `"outcome": "complete"`)
}

func TestCapabilitiesTable(t *testing.T) {
	var out bytes.Buffer

	err := newCLIApp(testOpener(t, "http://127.0.0.1/feed"), &out).Run([]string{"arenaingest", "capabilities"})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "rss")
	assert.Contains(t, out.String(), "recent_only")
}

func TestDedupValidatesWindow(t *testing.T) {
	var out bytes.Buffer

	err := newCLIApp(testOpener(t, "http://127.0.0.1/feed"), &out).Run([]string{"arenaingest", "dedup", "--from", "2025-06-02", "--to", "2025-06-01"})
	assert.ErrorContains(t, err, "--from must be before --to")
}

func TestMigrate(t *testing.T) {
	var out bytes.Buffer

	err := newCLIApp(testOpener(t, "http://127.0.0.1/feed"), &out).Run([]string{"arenaingest", "migrate"})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "schema is up to date")
}
