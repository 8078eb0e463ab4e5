// Package dedup clusters exact and near-duplicate records and picks one canonical record per
// cluster. The pass is a pure function of the batch, so it can be re-run safely.
package dedup

import (
	"log/slog"
	"sort"

	"ArenaIngest/internal/domain"
)

const (
	DefaultThreshold       = 3
	DefaultPairwiseCeiling = 20000
)

// Option customizes a Service.
type Option func(*Service)

// WithThreshold sets the largest Hamming distance still treated as a near duplicate. A negative
// value disables the near-duplicate pass.
func WithThreshold(bits int) Option {
	return func(s *Service) { s.threshold = bits }
}

// WithPairwiseCeiling sets the batch size up to which fingerprints are compared pairwise. Larger
// batches use the band index, which finds the same pairs.
func WithPairwiseCeiling(n int) Option {
	return func(s *Service) { s.ceiling = n }
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// Service runs the URL, hash and near-duplicate passes.
type Service struct {
	threshold int
	ceiling   int
	logger    *slog.Logger
}

// New builds a Service with the default threshold and ceiling.
func New(opts ...Option) *Service {
	s := &Service{
		threshold: DefaultThreshold,
		ceiling:   DefaultPairwiseCeiling,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Threshold returns the configured Hamming threshold.
func (s *Service) Threshold() int {
	return s.threshold
}

// Result holds one assignment per input record, in input order, plus the run report.
type Result struct {
	Assignments []domain.DuplicateAssignment
	Report      domain.RunDuplicateReport
}

// Deduplicate clusters records and assigns every non-canonical member to its cluster's canonical
// record: earliest published_at, then lowest id. Existing duplicate_of values are ignored, so the
// same batch always yields the same assignments. Record ids must be unique within the batch.
func (s *Service) Deduplicate(records []domain.Record) Result {
	n := len(records)
	uf := newUnionFind(n)

	byURL := make(map[string]int, n)
	byHash := make(map[string]int, n)
	for i, rec := range records {
		if rec.NormalizedURL != "" {
			if first, ok := byURL[rec.NormalizedURL]; ok {
				uf.union(first, i)
			} else {
				byURL[rec.NormalizedURL] = i
			}
		}
	}
	for i, rec := range records {
		if rec.ContentHash != "" {
			if first, ok := byHash[rec.ContentHash]; ok {
				uf.union(first, i)
			} else {
				byHash[rec.ContentHash] = i
			}
		}
	}

	incomplete := make([]bool, n)
	idx := make([]int, 0, n)
	fps := make([]uint64, 0, n)
	for i, rec := range records {
		if rec.SimhashFingerprint == nil {
			incomplete[i] = true
			continue
		}
		idx = append(idx, i)
		fps = append(fps, *rec.SimhashFingerprint)
	}

	if s.threshold >= 0 && len(idx) > 1 {
		var comparisons int
		strategy := "pairwise"
		if len(idx) <= s.ceiling || s.threshold >= 64 {
			comparisons = nearPassPairwise(uf, fps, idx, s.threshold)
		} else {
			strategy = "banded"
			comparisons = nearPassBanded(uf, fps, idx, s.threshold)
		}
		s.logger.Debug("near-duplicate pass finished",
			"records", len(idx),
			"strategy", strategy,
			"comparisons", comparisons,
		)
	}

	canonical := make(map[int]int, n)
	for i := range records {
		root := uf.find(i)
		current, ok := canonical[root]
		if !ok || precedes(records[i], records[current]) {
			canonical[root] = i
		}
	}

	result := Result{
		Assignments: make([]domain.DuplicateAssignment, n),
		Report:      domain.RunDuplicateReport{Records: n, Pairs: []domain.DuplicatePair{}},
	}
	clustered := map[int]bool{}
	for i, rec := range records {
		root := uf.find(i)
		canon := records[canonical[root]]
		a := domain.DuplicateAssignment{ID: rec.ID, Incomplete: incomplete[i]}
		if canon.ID != rec.ID {
			a.DuplicateOf = canon.ID
			result.Report.Duplicates++
			result.Report.Pairs = append(result.Report.Pairs, domain.DuplicatePair{CanonicalID: canon.ID, DuplicateID: rec.ID})
			clustered[root] = true
		}
		if a.Incomplete {
			result.Report.Incomplete++
		}
		result.Assignments[i] = a
	}
	result.Report.Clusters = len(clustered)

	sort.Slice(result.Report.Pairs, func(i, j int) bool {
		a, b := result.Report.Pairs[i], result.Report.Pairs[j]
		if a.CanonicalID != b.CanonicalID {
			return a.CanonicalID < b.CanonicalID
		}
		return a.DuplicateID < b.DuplicateID
	})
	return result
}

func precedes(a, b domain.Record) bool {
	if !a.PublishedAt.Equal(b.PublishedAt) {
		return a.PublishedAt.Before(b.PublishedAt)
	}
	return a.ID < b.ID
}

// Apply returns a copy of records with the assignments of result written back.
func Apply(records []domain.Record, result Result) []domain.Record {
	byID := make(map[string]domain.DuplicateAssignment, len(result.Assignments))
	for _, a := range result.Assignments {
		byID[a.ID] = a
	}
	out := make([]domain.Record, len(records))
	for i, rec := range records {
		if a, ok := byID[rec.ID]; ok {
			rec.DuplicateOf = a.DuplicateOf
			rec.DedupIncomplete = a.Incomplete
		}
		out[i] = rec
	}
	return out
}
