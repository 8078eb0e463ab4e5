package usecase

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ArenaIngest/internal/domain"
	"ArenaIngest/internal/infrastructure/storage"
	"ArenaIngest/internal/ports"
)

type memStore struct {
	mu          sync.Mutex
	identities  map[string]string
	records     map[string]domain.Record
	assignments []domain.DuplicateAssignment
	failUpsert  error
}

func newMemStore() *memStore {
	return &memStore{identities: map[string]string{}, records: map[string]domain.Record{}}
}

func (m *memStore) Upsert(_ context.Context, rec domain.Record) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpsert != nil {
		return "", false, m.failUpsert
	}
	key := rec.Platform + "|" + rec.ContentHash + "|" + rec.Scope
	if id, ok := m.identities[key]; ok {
		return id, false, nil
	}
	m.identities[key] = rec.ID
	m.records[rec.ID] = rec
	return rec.ID, true, nil
}

func (m *memStore) ApplyDuplicates(_ context.Context, assignments []domain.DuplicateAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignments = append(m.assignments, assignments...)
	for _, a := range assignments {
		rec := m.records[a.ID]
		rec.DuplicateOf = a.DuplicateOf
		rec.DedupIncomplete = a.Incomplete
		m.records[a.ID] = rec
	}
	for _, a := range assignments {
		if a.DuplicateOf == "" {
			continue
		}
		for id, rec := range m.records {
			if rec.DuplicateOf == a.ID {
				rec.DuplicateOf = a.DuplicateOf
				m.records[id] = rec
			}
		}
	}
	return nil
}

func (m *memStore) LoadWindow(_ context.Context, scope string, from, to time.Time) ([]domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	window := &domain.Range{From: from, To: to}
	var out []domain.Record
	for _, rec := range m.records {
		if rec.Scope == scope && window.Contains(rec.PublishedAt) {
			out = append(out, rec)
		}
	}
	return out, nil
}

type memQueue struct {
	mu  sync.Mutex
	ids []string
}

func (q *memQueue) Publish(_ context.Context, ids []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, ids...)
	return nil
}

func crossProviderPipeline(t *testing.T, store *memStore, queue ports.EnrichmentQueue) *Pipeline {
	t.Helper()
	rss := newStub("rss", func(int) []step {
		return []step{{item: domain.RawItem{
			"title":     "Regeringen vil indføre CO2 afgift",
			"link":      "https://dr.dk/x?utm_source=rss",
			"published": "2025-05-30T08:00:00Z",
		}}}
	})
	gdelt := newStub("gdelt", func(int) []step {
		return []step{{item: domain.RawItem{
			"title":    "Regeringen vil indføre CO2-afgift på landbruget",
			"url":      "https://www.dr.dk/x?utm_campaign=gdelt&fbclid=abc",
			"seendate": "20250530T091500Z",
		}}}
	})
	o := newOrchestrator(t, OrchestratorDeps{}, rss, gdelt)
	return NewPipeline(PipelineDeps{Orchestrator: o, Store: store, Queue: queue})
}

func TestCollectClustersExactDuplicateAcrossProviders(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	queue := &memQueue{}
	p := crossProviderPipeline(t, store, queue)

	report, err := p.Collect(context.Background(), []domain.Query{{Terms: []string{"CO2 afgift"}, Tier: domain.TierFree}})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Received)
	assert.Equal(t, 2, report.Inserted)
	assert.Equal(t, 1, report.Duplicates.Clusters)
	assert.Equal(t, 1, report.Duplicates.Duplicates)
	require.Len(t, report.Duplicates.Pairs, 1)

	pair := report.Duplicates.Pairs[0]
	canonical := store.records[pair.CanonicalID]
	duplicate := store.records[pair.DuplicateID]
	assert.Equal(t, "rss", canonical.Platform)
	assert.Equal(t, "gdelt", duplicate.Platform)
	assert.Empty(t, canonical.DuplicateOf)
	assert.Equal(t, canonical.ID, duplicate.DuplicateOf)

	assert.Equal(t, 1, report.Published)
	assert.Equal(t, []string{canonical.ID}, queue.ids)
	assert.Equal(t, OutcomeComplete, report.Summary.Platforms["rss"].Outcome)
	assert.Equal(t, OutcomeComplete, report.Summary.Platforms["gdelt"].Outcome)
}

func TestCollectTwiceIsNoOp(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	queue := &memQueue{}
	p := crossProviderPipeline(t, store, queue)
	queries := []domain.Query{{Terms: []string{"CO2 afgift"}, Tier: domain.TierFree}}

	_, err := p.Collect(context.Background(), queries)
	require.NoError(t, err)
	report, err := p.Collect(context.Background(), queries)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Received)
	assert.Equal(t, 0, report.Inserted)
	assert.Equal(t, 0, report.Published)
	assert.Len(t, store.records, 2)
	assert.Len(t, queue.ids, 1)
}

func TestCollectStoreFailure(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	store.failUpsert = errors.New("disk full")
	p := crossProviderPipeline(t, store, nil)

	report, err := p.Collect(context.Background(), []domain.Query{{Terms: []string{"CO2 afgift"}, Tier: domain.TierFree}})
	assert.ErrorContains(t, err, "disk full")
	assert.NotEmpty(t, report.Summary.RunID)
	assert.Empty(t, store.assignments)
}

func TestDedupWindowIsIdempotent(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	p := crossProviderPipeline(t, store, nil)
	_, err := p.Collect(context.Background(), []domain.Query{{Terms: []string{"CO2 afgift"}, Tier: domain.TierFree}})
	require.NoError(t, err)

	from := time.Date(2025, 5, 30, 0, 0, 0, 0, time.UTC)
	first, err := p.DedupWindow(context.Background(), domain.DefaultScope, from, from.AddDate(0, 0, 1))
	require.NoError(t, err)
	second, err := p.DedupWindow(context.Background(), domain.DefaultScope, from, from.AddDate(0, 0, 1))
	require.NoError(t, err)

	assert.Equal(t, 2, first.Records)
	assert.Equal(t, 1, first.Duplicates)
	assert.Equal(t, first, second)

	empty, err := p.DedupWindow(context.Background(), "other", from, from.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Records)
}

func storedRecord(id string, published time.Time, simhash uint64) domain.Record {
	return domain.Record{
		ID:                 id,
		Platform:           "rss",
		Arena:              "news",
		ContentType:        "article",
		Scope:              domain.DefaultScope,
		TextContent:        "tekst " + id,
		URL:                "https://example.dk/" + id,
		NormalizedURL:      "example.dk/" + id,
		PublishedAt:        published,
		CollectedAt:        published,
		ContentHash:        "hash-" + id,
		SimhashFingerprint: &simhash,
		Language:           "da",
		LanguageSource:     domain.LanguageFromHeuristic,
	}
}

func TestDedupWindowKeepsClustersFlatAcrossWindowEdge(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := storage.Open(storage.DriverSQLite, filepath.Join(t.TempDir(), "window.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(ctx))
	p := NewPipeline(PipelineDeps{Store: store})

	jan := func(day int) time.Time { return time.Date(2025, 1, day, 12, 0, 0, 0, time.UTC) }
	for _, rec := range []domain.Record{storedRecord("01X", jan(10), 0b00), storedRecord("01Z", jan(20), 0b01)} {
		_, _, err := store.Upsert(ctx, rec)
		require.NoError(t, err)
	}
	_, err = p.DedupWindow(ctx, domain.DefaultScope, jan(1), jan(31))
	require.NoError(t, err)
	z, err := store.Get(ctx, "01Z")
	require.NoError(t, err)
	require.Equal(t, "01X", z.DuplicateOf)

	_, _, err = store.Upsert(ctx, storedRecord("01Y", jan(5), 0b10))
	require.NoError(t, err)
	report, err := p.DedupWindow(ctx, domain.DefaultScope, time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC), jan(15))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Records)

	for id, want := range map[string]string{"01Y": "", "01X": "01Y", "01Z": "01Y"} {
		rec, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, rec.DuplicateOf, id)
		if rec.DuplicateOf != "" {
			target, err := store.Get(ctx, rec.DuplicateOf)
			require.NoError(t, err)
			assert.Empty(t, target.DuplicateOf, "%s points at a duplicate", id)
		}
	}
}
