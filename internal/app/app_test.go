package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ArenaIngest/internal/config"
	"ArenaIngest/internal/credentials"
	"ArenaIngest/internal/domain"
	"ArenaIngest/internal/usecase"
)

const feedBody = `<?xml version="1.0"?>
<rss version="2.0"><channel>
<title>Nyheder</title><language>da</language>
<item><guid>k1</guid><title>Klimaloven skærpes</title><link>https://example.dk/k1?utm_source=rss</link>
<description>Regeringen præsenterer i dag en skærpet klimalov med nye mål for 2030</description><pubDate>Fri, 30 May 2025 08:15:00 GMT</pubDate></item>
<item><guid>k2</guid><title>Debat om klimaloven</title><link>https://example.dk/k2</link>
<description>Oppositionen kritiserer tempoet i den grønne omstilling og kræver flere midler</description><pubDate>Fri, 30 May 2025 10:00:00 GMT</pubDate></item>
<item><guid>s1</guid><title>Fodbold</title><link>https://example.dk/s1</link><description>Resultater fra weekenden</description><pubDate>Fri, 30 May 2025 11:00:00 GMT</pubDate></item>
</channel></rss>`

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T, feedURL string) config.Config {
	t.Helper()
	return config.Config{
		Logging:          config.LoggingConfig{Level: "error"},
		Database:         config.DatabaseConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "ingest.db")},
		Pseudonymization: config.PseudonymizationConfig{Salt: "test-salt"},
		Orchestrator: config.OrchestratorConfig{
			Concurrency:     2,
			MaxAttempts:     1,
			RetryInitial:    time.Millisecond,
			RetryMax:        time.Millisecond,
			CheckoutTimeout: time.Second,
			CooldownInitial: time.Second,
			CooldownMax:     time.Minute,
		},
		Credentials: []config.CredentialConfig{
			{ID: "serper-1", Platform: "google_search", Kind: "serper_api_key", SecretEnv: "SERPER_KEY_1", Secret: "k"},
		},
		Dedup: config.DedupConfig{PairwiseCeiling: 100},
		Providers: config.ProvidersConfig{
			Enabled: []string{"rss"},
			RSS:     config.RSSConfig{Feeds: []config.FeedConfig{{Name: "dk", URL: feedURL}}},
		},
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://127.0.0.1/feed")
	cfg.Pseudonymization.Salt = ""
	_, err := New(context.Background(), cfg, quietLogger())
	assert.ErrorContains(t, err, "salt")
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://127.0.0.1/feed")
	cfg.Providers.Enabled = []string{"rss", "myspace"}
	_, err := New(context.Background(), cfg, quietLogger())
	assert.ErrorContains(t, err, `unknown provider "myspace"`)
}

func TestCollectEndToEnd(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(feedBody))
	}))
	defer server.Close()

	ctx := context.Background()
	a, err := New(ctx, testConfig(t, server.URL+"/feed"), quietLogger())
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.Migrate(ctx))

	queries := []domain.Query{{Terms: []string{"klimaloven"}, Tier: domain.TierFree, Scope: "climate"}}
	report, err := a.Collect(ctx, queries)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Received)
	assert.Equal(t, 2, report.Inserted)
	require.Contains(t, report.Summary.Platforms, "rss")
	assert.Equal(t, usecase.OutcomeComplete, report.Summary.Platforms["rss"].Outcome)
	assert.Equal(t, 1, report.Summary.Platforms["rss"].Requested)

	again, err := a.Collect(ctx, queries)
	require.NoError(t, err)
	assert.Equal(t, 2, again.Received)
	assert.Equal(t, 0, again.Inserted)

	from := time.Date(2025, 5, 30, 0, 0, 0, 0, time.UTC)
	window, err := a.DedupWindow(ctx, "climate", from, from.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 2, window.Records)

	other, err := a.DedupWindow(ctx, domain.DefaultScope, from, from.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 0, other.Records)
}

func TestCapabilitiesAndCredentials(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://127.0.0.1/feed")
	cfg.Providers.Enabled = []string{"telegram", "rss", "gdelt"}
	a, err := New(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer a.Close()

	caps := a.Capabilities()
	require.Len(t, caps, 3)
	assert.Equal(t, "gdelt", caps[0].Platform)
	assert.Equal(t, "rss", caps[1].Platform)
	assert.Equal(t, "telegram", caps[2].Platform)

	states := a.CredentialStates()
	require.Len(t, states, 1)
	assert.Equal(t, "serper-1", states[0].ID)
	assert.Equal(t, credentials.StateAvailable, states[0].State)
}
