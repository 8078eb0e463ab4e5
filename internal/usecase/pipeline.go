package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ArenaIngest/internal/dedup"
	"ArenaIngest/internal/domain"
	"ArenaIngest/internal/ports"
)

// PipelineDeps wires all driven adapters into the ingestion pipeline.
type PipelineDeps struct {
	Orchestrator *Orchestrator
	Store        ports.RecordStore
	Dedup        *dedup.Service
	Queue        ports.EnrichmentQueue
	Logger       *slog.Logger
}

// Pipeline persists a run's records, then deduplicates the batch once every task has ended.
type Pipeline struct {
	orchestrator *Orchestrator
	store        ports.RecordStore
	dedup        *dedup.Service
	queue        ports.EnrichmentQueue
	logger       *slog.Logger
}

// Report is the outcome of one Collect call.
type Report struct {
	Summary    RunSummary                `json:"summary"`
	Received   int                       `json:"received"`
	Inserted   int                       `json:"inserted"`
	Duplicates domain.RunDuplicateReport `json:"duplicates"`
	Published  int                       `json:"published"`
}

// NewPipeline constructs the ingestion use case.
func NewPipeline(deps PipelineDeps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	svc := deps.Dedup
	if svc == nil {
		svc = dedup.New()
	}
	return &Pipeline{
		orchestrator: deps.Orchestrator,
		store:        deps.Store,
		dedup:        svc,
		queue:        deps.Queue,
		logger:       logger,
	}
}

// Collect runs queries to completion. Records are written as they arrive; records whose identity
// is already stored are left to the window pass. Once the run is over, newly inserted records are
// deduplicated as one batch and the new canonical ids are published for enrichment.
// Cancelling ctx stops collection, but what was collected is still stored and deduplicated.
func (p *Pipeline) Collect(ctx context.Context, queries []domain.Query) (Report, error) {
	run := p.orchestrator.Start(ctx, queries)
	storeCtx := context.WithoutCancel(ctx)

	var (
		report   Report
		batch    []domain.Record
		storeErr error
	)
	for rec := range run.Records() {
		report.Received++
		if storeErr != nil {
			continue
		}
		_, inserted, err := p.store.Upsert(storeCtx, rec)
		if err != nil {
			storeErr = fmt.Errorf("persist record %s: %w", rec.ID, err)
			run.Cancel()
			continue
		}
		if inserted {
			report.Inserted++
			batch = append(batch, rec)
		}
	}
	report.Summary = run.Wait()
	if storeErr != nil {
		return report, storeErr
	}

	result := p.dedup.Deduplicate(batch)
	report.Duplicates = result.Report
	if err := p.store.ApplyDuplicates(storeCtx, result.Assignments); err != nil {
		return report, fmt.Errorf("apply duplicates: %w", err)
	}

	if p.queue != nil {
		canonical := make([]string, 0, len(result.Assignments))
		for _, a := range result.Assignments {
			if a.DuplicateOf == "" {
				canonical = append(canonical, a.ID)
			}
		}
		if err := p.queue.Publish(storeCtx, canonical); err != nil {
			p.logger.Warn("enrichment queue publish failed", "ids", len(canonical), "err", err)
		} else {
			report.Published = len(canonical)
		}
	}

	p.logger.Info("collection stored",
		"run", report.Summary.RunID,
		"received", report.Received,
		"inserted", report.Inserted,
		"clusters", report.Duplicates.Clusters,
		"duplicates", report.Duplicates.Duplicates)
	return report, nil
}

// DedupWindow re-runs deduplication over every stored record of scope published in [from, to).
func (p *Pipeline) DedupWindow(ctx context.Context, scope string, from, to time.Time) (domain.RunDuplicateReport, error) {
	records, err := p.store.LoadWindow(ctx, scope, from, to)
	if err != nil {
		return domain.RunDuplicateReport{}, fmt.Errorf("load window: %w", err)
	}
	result := p.dedup.Deduplicate(records)
	if err := p.store.ApplyDuplicates(ctx, result.Assignments); err != nil {
		return result.Report, fmt.Errorf("apply duplicates: %w", err)
	}
	p.logger.Info("window deduplicated", "scope", scope, "from", from, "to", to,
		"records", len(records), "duplicates", result.Report.Duplicates)
	return result.Report, nil
}
