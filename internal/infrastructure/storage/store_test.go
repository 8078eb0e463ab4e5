package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ArenaIngest/internal/domain"
)

func openTestStore(t *testing.T) *RecordStore {
	t.Helper()

	store, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "ingest.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func sampleRecord(id, hash string, published time.Time) domain.Record {
	simhash := uint64(0xF0F0F0F0F0F0F0F0)
	likes := int64(7)
	return domain.Record{
		ID:                    id,
		Platform:              "rss",
		Arena:                 "news",
		ContentType:           "article",
		Scope:                 "climate",
		TextContent:           "Ny CO2 afgift",
		URL:                   "https://dr.dk/x",
		NormalizedURL:         "dr.dk/x",
		PublishedAt:           published,
		CollectedAt:           published.Add(time.Hour),
		AuthorPlatformID:      "desk",
		PseudonymizedAuthorID: "abc123",
		Engagement:            domain.Engagement{Likes: &likes},
		ContentHash:           hash,
		SimhashFingerprint:    &simhash,
		Language:              "da",
		LanguageSource:        domain.LanguageFromHeuristic,
		SearchTermsMatched:    []string{"co2 afgift"},
		RawMetadata:           domain.RawMetadata{"guid": "x-1"},
	}
}

func TestMigrateIsRepeatable(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	require.NoError(t, store.Migrate(context.Background()))

	var version int
	require.NoError(t, store.db.QueryRow("PRAGMA user_version").Scan(&version))
	require.Equal(t, 1, version)
}

func TestUpsertRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openTestStore(t)
	published := time.Date(2025, 6, 2, 8, 30, 0, 0, time.UTC)
	rec := sampleRecord("01A", "hash-a", published)

	id, inserted, err := store.Upsert(ctx, rec)
	require.NoError(t, err)
	require.True(t, inserted)
	require.Equal(t, "01A", id)

	got, err := store.Get(ctx, "01A")
	require.NoError(t, err)
	require.Equal(t, rec.PublishedAt, got.PublishedAt)
	require.Equal(t, rec.CollectedAt, got.CollectedAt)
	require.Equal(t, *rec.SimhashFingerprint, *got.SimhashFingerprint)
	require.Equal(t, int64(7), *got.Engagement.Likes)
	require.Nil(t, got.Engagement.Views)
	require.Equal(t, []string{"co2 afgift"}, got.SearchTermsMatched)
	require.Equal(t, "x-1", got.RawMetadata["guid"])
	require.Equal(t, domain.LanguageFromHeuristic, got.LanguageSource)
	require.Empty(t, got.DuplicateOf)

	_, err = store.Get(ctx, "missing")
	require.True(t, IsNotFound(err))
}

func TestUpsertIgnoresSameIdentity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openTestStore(t)
	published := time.Date(2025, 6, 2, 8, 30, 0, 0, time.UTC)

	_, _, err := store.Upsert(ctx, sampleRecord("01A", "hash-a", published))
	require.NoError(t, err)

	id, inserted, err := store.Upsert(ctx, sampleRecord("01B", "hash-a", published))
	require.NoError(t, err)
	require.False(t, inserted)
	require.Equal(t, "01A", id)

	other := sampleRecord("01C", "hash-a", published)
	other.Scope = "elections"
	_, inserted, err = store.Upsert(ctx, other)
	require.NoError(t, err)
	require.True(t, inserted)
}

func TestUpsertConcurrentSameIdentity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openTestStore(t)
	published := time.Date(2025, 6, 2, 8, 30, 0, 0, time.UTC)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
		owners   = map[string]bool{}
	)
	for _, id := range []string{"01A", "01B", "01C", "01D", "01E"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			owner, ok, err := store.Upsert(ctx, sampleRecord(id, "hash-shared", published))
			if err != nil {
				t.Errorf("upsert %s: %v", id, err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if ok {
				inserted++
			}
			owners[owner] = true
		}(id)
	}
	wg.Wait()

	require.Equal(t, 1, inserted)
	require.Len(t, owners, 1)
}

func TestApplyDuplicatesAndLoadWindow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openTestStore(t)
	day := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"01A", "01B", "01C"} {
		_, _, err := store.Upsert(ctx, sampleRecord(id, "hash-"+id, day.Add(time.Duration(i)*time.Hour)))
		require.NoError(t, err)
	}
	outside := sampleRecord("01Z", "hash-z", day.AddDate(0, 0, 3))
	_, _, err := store.Upsert(ctx, outside)
	require.NoError(t, err)

	require.NoError(t, store.ApplyDuplicates(ctx, []domain.DuplicateAssignment{
		{ID: "01A"},
		{ID: "01B", DuplicateOf: "01A"},
		{ID: "01C", Incomplete: true},
	}))

	window, err := store.LoadWindow(ctx, "climate", day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, window, 3)
	require.Equal(t, "01A", window[0].ID)
	require.Empty(t, window[0].DuplicateOf)
	require.Equal(t, "01A", window[1].DuplicateOf)
	require.True(t, window[2].DedupIncomplete)

	empty, err := store.LoadWindow(ctx, "elections", day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestSQLiteDSN(t *testing.T) {
	t.Parallel()

	require.Equal(t, "a.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", sqliteDSN("a.db"))
	require.Equal(t, "a.db?mode=rwc&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", sqliteDSN("a.db?mode=rwc"))
	require.Equal(t, "a.db?_pragma=foreign_keys(1)", sqliteDSN("a.db?_pragma=foreign_keys(1)"))
}

func TestDialectFor(t *testing.T) {
	t.Parallel()

	_, err := dialectFor("mysql")
	require.Error(t, err)

	d, err := dialectFor(DriverPostgres)
	require.NoError(t, err)
	require.Equal(t, DriverPostgres, d.name())
}

func TestApplyDuplicatesRepointsStaleDuplicates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openTestStore(t)
	day := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)

	for _, rec := range []domain.Record{
		sampleRecord("01X", "hash-x", day),
		sampleRecord("01Z", "hash-z", day.AddDate(0, 0, 10)),
		sampleRecord("01Y", "hash-y", day.AddDate(0, 0, -5)),
	} {
		_, _, err := store.Upsert(ctx, rec)
		require.NoError(t, err)
	}
	require.NoError(t, store.ApplyDuplicates(ctx, []domain.DuplicateAssignment{
		{ID: "01X"},
		{ID: "01Z", DuplicateOf: "01X"},
	}))

	// A later pass sees only X and Y; Z sits outside that batch.
	require.NoError(t, store.ApplyDuplicates(ctx, []domain.DuplicateAssignment{
		{ID: "01Y"},
		{ID: "01X", DuplicateOf: "01Y"},
	}))

	for id, want := range map[string]string{"01Y": "", "01X": "01Y", "01Z": "01Y"} {
		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, want, got.DuplicateOf, id)
	}
}
