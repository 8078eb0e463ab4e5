package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"ArenaIngest/internal/collector"
	"ArenaIngest/internal/credentials"
	"ArenaIngest/internal/domain"
	"ArenaIngest/internal/normalizer"
	"ArenaIngest/internal/ports"
	"ArenaIngest/internal/ratelimit"
)

var tracer = otel.Tracer("ArenaIngest/usecase")

// Outcome is how a platform's share of a run ended.
type Outcome string

const (
	OutcomeComplete    Outcome = "complete"
	OutcomePartial     Outcome = "partial"
	OutcomeFailed      Outcome = "failed"
	OutcomeConfigError Outcome = "config_error"
	OutcomeCancelled   Outcome = "cancelled"
)

var outcomeRank = map[Outcome]int{
	OutcomeComplete:    0,
	OutcomeCancelled:   1,
	OutcomePartial:     2,
	OutcomeFailed:      3,
	OutcomeConfigError: 4,
}

// mergeOutcome folds the outcome of one more operation into a platform outcome. A platform where
// some operations completed and others failed is partial.
func mergeOutcome(current, next Outcome) Outcome {
	switch {
	case current == "":
		return next
	case current == next:
		return current
	case (current == OutcomeComplete && next == OutcomeFailed) || (current == OutcomeFailed && next == OutcomeComplete):
		return OutcomePartial
	case outcomeRank[next] > outcomeRank[current]:
		return next
	default:
		return current
	}
}

// PlatformSummary counts what happened to one platform during a run. Requested is the number of
// collection operations dispatched to it.
type PlatformSummary struct {
	Requested        int                         `json:"requested"`
	Collected        int                         `json:"collected"`
	SkippedMalformed int                         `json:"skipped_malformed"`
	ErrorsByClass    map[domain.FailureClass]int `json:"errors_by_class"`
	Outcome          Outcome                     `json:"outcome"`
	Warnings         []string                    `json:"warnings,omitempty"`
}

// RunSummary is the per-run report.
type RunSummary struct {
	RunID      string                      `json:"run_id"`
	StartedAt  time.Time                   `json:"started_at"`
	FinishedAt time.Time                   `json:"finished_at"`
	Platforms  map[string]*PlatformSummary `json:"platforms"`
}

// Run is one collection run in progress. Records must be drained for the run to finish.
type Run struct {
	records chan domain.Record
	done    chan struct{}
	cancel  context.CancelFunc

	mu      sync.Mutex
	summary RunSummary
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.summary.RunID }

// Records streams normalized records; the channel is closed once every task has ended.
func (r *Run) Records() <-chan domain.Record { return r.records }

// Cancel aborts in-flight tasks. Records already emitted stay valid.
func (r *Run) Cancel() { r.cancel() }

// Wait blocks until the run is over and returns its summary.
func (r *Run) Wait() RunSummary {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary
}

func (r *Run) platform(name string) *PlatformSummary {
	s, ok := r.summary.Platforms[name]
	if !ok {
		s = &PlatformSummary{ErrorsByClass: map[domain.FailureClass]int{}}
		r.summary.Platforms[name] = s
	}
	return s
}

func (r *Run) update(platform string, fn func(*PlatformSummary)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.platform(platform))
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithConcurrency bounds how many tasks run at once.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) { o.concurrency = n }
}

// WithMaxAttempts bounds attempts per operation for retryable failures.
func WithMaxAttempts(n int) Option {
	return func(o *Orchestrator) { o.maxAttempts = n }
}

// WithRetryBackoff sets the first and the maximum wait between attempts.
func WithRetryBackoff(initial, max time.Duration) Option {
	return func(o *Orchestrator) {
		o.retryInitial = initial
		o.retryMax = max
	}
}

// WithRunTimeout bounds a whole run; zero means only the caller's context applies.
func WithRunTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.runTimeout = d }
}

// WithRecordBuffer sets the capacity of the records channel.
func WithRecordBuffer(n int) Option {
	return func(o *Orchestrator) { o.buffer = n }
}

// OrchestratorDeps wires the shared services every task uses.
type OrchestratorDeps struct {
	Registry   *collector.Registry
	Pool       *credentials.Pool
	Limiter    *ratelimit.Limiter
	Normalizer *normalizer.Normalizer
	Alerter    ports.Alerter
	Logger     *slog.Logger
}

// Orchestrator dispatches one task per (provider, query) pair and streams normalized records.
type Orchestrator struct {
	registry   *collector.Registry
	pool       *credentials.Pool
	limiter    *ratelimit.Limiter
	normalizer *normalizer.Normalizer
	alerter    ports.Alerter
	logger     *slog.Logger

	concurrency  int
	maxAttempts  int
	retryInitial time.Duration
	retryMax     time.Duration
	runTimeout   time.Duration
	buffer       int
}

// NewOrchestrator constructs the run driver.
func NewOrchestrator(deps OrchestratorDeps, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:     deps.Registry,
		pool:         deps.Pool,
		limiter:      deps.Limiter,
		normalizer:   deps.Normalizer,
		alerter:      deps.Alerter,
		logger:       deps.Logger,
		concurrency:  8,
		maxAttempts:  4,
		retryInitial: time.Second,
		retryMax:     time.Minute,
		buffer:       256,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.pool == nil {
		o.pool = credentials.New()
	}
	if o.limiter == nil {
		o.limiter = ratelimit.New(nil)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.maxAttempts < 1 {
		o.maxAttempts = 1
	}
	return o
}

type operation string

const (
	opTerms  operation = "collect_by_terms"
	opActors operation = "collect_by_actors"
)

type task struct {
	provider collector.ProviderClient
	query    domain.Query
	op       operation
	// explicit is set when the query named the platform; capability mismatches are then errors.
	explicit bool
}

// Start plans the tasks for queries and runs them in the background.
func (o *Orchestrator) Start(ctx context.Context, queries []domain.Query) *Run {
	var cancel context.CancelFunc
	if o.runTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, o.runTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	run := &Run{
		records: make(chan domain.Record, o.buffer),
		done:    make(chan struct{}),
		cancel:  cancel,
		summary: RunSummary{
			RunID:     ulid.Make().String(),
			StartedAt: time.Now().UTC(),
			Platforms: map[string]*PlatformSummary{},
		},
	}
	logger := o.logger.With("run", run.summary.RunID)
	tasks := o.plan(run, queries)
	logger.Info("run started", "queries", len(queries), "tasks", len(tasks))

	go func() {
		defer close(run.done)
		defer cancel()

		var g errgroup.Group
		g.SetLimit(o.concurrency)
		for _, t := range tasks {
			g.Go(func() error {
				o.runTask(ctx, run, t, logger)
				return nil
			})
		}
		_ = g.Wait()
		close(run.records)

		run.mu.Lock()
		run.summary.FinishedAt = time.Now().UTC()
		run.mu.Unlock()
		logger.Info("run finished", "duration", run.summary.FinishedAt.Sub(run.summary.StartedAt))
	}()
	return run
}

// plan expands queries into tasks. A query without target platforms goes to every provider that
// can serve it; named platforms always get a task so that mismatches surface as configuration errors.
func (o *Orchestrator) plan(run *Run, queries []domain.Query) []task {
	var tasks []task
	for _, q := range queries {
		explicit := len(q.TargetPlatforms) > 0
		platforms := q.TargetPlatforms
		if !explicit {
			platforms = o.registry.Platforms()
		}

		for _, platform := range platforms {
			provider, err := o.registry.Resolve(platform)
			if err != nil {
				run.update(platform, func(s *PlatformSummary) {
					s.Outcome = mergeOutcome(s.Outcome, OutcomeConfigError)
					s.Warnings = append(s.Warnings, err.Error())
				})
				continue
			}
			caps := provider.Capabilities()
			if !explicit && !caps.SupportsTier(q.Tier) {
				continue
			}
			if len(q.Terms) > 0 && (explicit || caps.SupportsTerms) {
				tasks = append(tasks, task{provider: provider, query: q, op: opTerms, explicit: explicit})
			}
			if len(q.ActorIDs) > 0 && (explicit || caps.SupportsActors) {
				tasks = append(tasks, task{provider: provider, query: q, op: opActors, explicit: explicit})
			}
		}
	}
	for _, t := range tasks {
		run.update(t.provider.Platform(), func(s *PlatformSummary) { s.Requested++ })
	}
	return tasks
}

func (o *Orchestrator) runTask(ctx context.Context, run *Run, t task, logger *slog.Logger) {
	platform := t.provider.Platform()
	caps := t.provider.Capabilities()
	logger = logger.With("platform", platform, "op", string(t.op))

	ctx, span := tracer.Start(ctx, "orchestrator.task")
	span.SetAttributes(
		attribute.String("platform", platform),
		attribute.String("operation", string(t.op)),
		attribute.String("tier", string(t.query.Tier)),
	)
	defer span.End()

	if caps.NeedsRangeWarning(t.query.DateRange) {
		msg := fmt.Sprintf("%s ignores the requested date range (temporal mode %s)", platform, caps.TemporalMode)
		logger.Warn("date range not honoured", "temporal_mode", caps.TemporalMode)
		run.update(platform, func(s *PlatformSummary) { s.Warnings = append(s.Warnings, msg) })
	}

	outcome, err := o.runWithRetries(ctx, run, t, logger)
	run.update(platform, func(s *PlatformSummary) { s.Outcome = mergeOutcome(s.Outcome, outcome) })

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(outcome))
	}
	switch outcome {
	case OutcomeFailed, OutcomePartial, OutcomeConfigError:
		logger.Error("task did not complete", "outcome", outcome, "err", err)
		if o.alerter != nil {
			if aerr := o.alerter.ProviderFailed(context.WithoutCancel(ctx), platform, err.Error()); aerr != nil {
				logger.Warn("alert not delivered", "err", aerr)
			}
		}
	case OutcomeCancelled:
		logger.Info("task cancelled")
	}
}

// runWithRetries drives attempts of one operation. A retry replays the operation from the start, so
// the records an earlier attempt already emitted are not emitted again.
func (o *Orchestrator) runWithRetries(ctx context.Context, run *Run, t task, logger *slog.Logger) (Outcome, error) {
	caps := t.provider.Capabilities()
	platform := caps.Platform

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = o.retryInitial
	retry.MaxInterval = o.retryMax
	retry.MaxElapsedTime = 0
	retry.Reset()

	// content hash -> how many records with that hash earlier attempts emitted
	seen := map[string]int{}
	swapped := false
	for attempt := 1; ; attempt++ {
		err := o.attempt(ctx, run, t, seen, logger)
		if err == nil {
			return OutcomeComplete, nil
		}

		class := domain.ClassOf(err)
		if ctx.Err() != nil {
			class = domain.FailureCancelled
		}
		if class != domain.FailureCancelled {
			run.update(platform, func(s *PlatformSummary) { s.ErrorsByClass[class]++ })
		}
		failed := OutcomeFailed
		if len(seen) > 0 {
			failed = OutcomePartial
		}

		switch {
		case class == domain.FailureCancelled:
			return OutcomeCancelled, err
		case class == domain.FailureUnsupportedOperation, class == domain.FailureUnsupportedTier:
			return OutcomeConfigError, fmt.Errorf("configuration error: %w", err)
		case class == domain.FailureAuthFailed && caps.RequiresCredential() && !swapped:
			swapped = true
			logger.Warn("credential rejected, retrying with another", "attempt", attempt)
			continue
		case class.Retryable() && attempt < o.maxAttempts:
			wait := retry.NextBackOff()
			if class == domain.FailureRateLimited && caps.RequiresCredential() {
				// The credential is cooling down in the pool; the next checkout waits for it.
				wait = 0
			} else if ra := domain.RetryAfter(err); ra > wait {
				wait = ra
			}
			logger.Warn("retrying", "attempt", attempt, "class", class, "wait", wait, "err", err)
			if err := sleep(ctx, wait); err != nil {
				return OutcomeCancelled, err
			}
		default:
			return failed, err
		}
	}
}

// attempt checks out a credential, streams the provider and forwards normalized records.
func (o *Orchestrator) attempt(ctx context.Context, run *Run, t task, seen map[string]int, logger *slog.Logger) error {
	caps := t.provider.Capabilities()
	platform := caps.Platform

	cred, release, err := o.pool.Checkout(ctx, caps.CredentialKind)
	if err != nil {
		return err
	}
	defer release()

	key := ratelimit.Key{Platform: platform, CredentialID: cred.ID}
	req := collector.Request{
		Terms:      t.query.Terms,
		ActorIDs:   t.query.ActorIDs,
		Tier:       t.query.Tier,
		DateRange:  t.query.DateRange,
		Credential: cred,
		Pace:       func(ctx context.Context) error { return o.limiter.Acquire(ctx, key) },
	}
	if t.op == opActors {
		req.Terms = nil
	} else {
		req.ActorIDs = nil
	}

	var stream collector.Stream
	if t.op == opTerms {
		stream = t.provider.CollectByTerms(ctx, req)
	} else {
		stream = t.provider.CollectByActors(ctx, req)
	}

	streamErr := o.consume(run, t, stream, seen, logger)
	if cred.ID != "" {
		switch class := domain.ClassOf(streamErr); class {
		case "":
			o.pool.ReportSuccess(cred)
		case domain.FailureRateLimited, domain.FailureAuthFailed:
			o.pool.ReportFailureAfter(ctx, cred, class, domain.RetryAfter(streamErr))
		}
	}
	return streamErr
}

// consume forwards normalized records. Distinct items sharing a content hash are all forwarded;
// only the first seen[hash] of them are skipped, being replays of an earlier attempt. A normalized
// record is always handed over, even after cancellation, since Records is drained to the end.
func (o *Orchestrator) consume(run *Run, t task, stream collector.Stream, seen map[string]int, logger *slog.Logger) error {
	platform := t.provider.Platform()
	scope := t.query.ScopeOrDefault()
	replayed := map[string]int{}

	index := 0
	for item, err := range stream {
		index++
		if err == nil {
			var rec domain.Record
			rec, err = o.normalizer.Normalize(item, platform)
			if err == nil {
				rec.Scope = scope
				if t.op == opTerms {
					rec.SearchTermsMatched = normalizer.MatchTerms(rec, t.query.Terms)
				}
				replayed[rec.ContentHash]++
				if replayed[rec.ContentHash] <= seen[rec.ContentHash] {
					continue
				}
				run.records <- rec
				seen[rec.ContentHash] = replayed[rec.ContentHash]
				run.update(platform, func(s *PlatformSummary) { s.Collected++ })
				continue
			}
		}

		if errors.Is(err, domain.ErrMalformedItem) {
			logger.Warn("malformed item skipped",
				"index", index, "terms", t.query.Terms, "actors", t.query.ActorIDs, "keys", item.Keys(), "err", err)
			run.update(platform, func(s *PlatformSummary) { s.SkippedMalformed++ })
			continue
		}
		return err
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
