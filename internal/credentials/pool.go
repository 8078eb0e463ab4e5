// Package credentials hands out pooled provider credentials for exclusive use and tracks their
// cooldown and retirement state.
package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"ArenaIngest/internal/domain"
	"ArenaIngest/internal/ports"
)

// State is the lifecycle state of a pooled credential.
type State string

const (
	StateAvailable   State = "available"
	StateCoolingDown State = "cooling_down"
	StateExhausted   State = "exhausted"
)

// Credential is one secret of a given kind. Secret is never logged.
type Credential struct {
	ID       string
	Platform string
	Kind     domain.CredentialKind
	Secret   string
}

// LogValue keeps the secret out of structured logs.
func (c Credential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", c.ID),
		slog.String("kind", string(c.Kind)),
	)
}

// EntryState is a point-in-time view of one pool entry.
type EntryState struct {
	ID            string
	Kind          domain.CredentialKind
	State         State
	CooldownUntil time.Time
	InUse         bool
}

type entry struct {
	cred          Credential
	state         State
	cooldownUntil time.Time
	inUse         bool
	backoff       *backoff.ExponentialBackOff
}

// Option customizes a Pool.
type Option func(*Pool)

// WithCooldown sets the first and the maximum cooldown applied after rate limiting.
func WithCooldown(initial, max time.Duration) Option {
	return func(p *Pool) {
		p.initialCooldown = initial
		p.maxCooldown = max
	}
}

// WithCheckoutTimeout bounds Checkout when the caller's context has no deadline.
func WithCheckoutTimeout(d time.Duration) Option {
	return func(p *Pool) { p.checkoutTimeout = d }
}

// WithAlerter reports permanently retired credentials to operators.
func WithAlerter(alerter ports.Alerter) Option {
	return func(p *Pool) { p.alerter = alerter }
}

// WithLogger sets the pool logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

// Pool is safe for concurrent use. Every state transition happens under one mutex and wakes all
// waiters, which re-check the entries themselves.
type Pool struct {
	mu      sync.Mutex
	byKind  map[domain.CredentialKind][]*entry
	byID    map[string]*entry
	changed chan struct{}

	initialCooldown time.Duration
	maxCooldown     time.Duration
	checkoutTimeout time.Duration

	now     func() time.Time
	alerter ports.Alerter
	logger  *slog.Logger
}

// New builds an empty pool.
func New(opts ...Option) *Pool {
	p := &Pool{
		byKind:          map[domain.CredentialKind][]*entry{},
		byID:            map[string]*entry{},
		changed:         make(chan struct{}),
		initialCooldown: 30 * time.Second,
		maxCooldown:     15 * time.Minute,
		checkoutTimeout: 2 * time.Minute,
		now:             time.Now,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Add registers a credential in the available state.
func (p *Pool) Add(cred Credential) error {
	if cred.ID == "" {
		return fmt.Errorf("credential for %s has no id", cred.Kind)
	}
	if cred.Kind == domain.CredentialNone {
		return fmt.Errorf("credential %s has no kind", cred.ID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.byID[cred.ID]; exists {
		return fmt.Errorf("credential %s is already registered", cred.ID)
	}
	e := &entry{cred: cred, state: StateAvailable, backoff: p.newBackoff()}
	p.byKind[cred.Kind] = append(p.byKind[cred.Kind], e)
	p.byID[cred.ID] = e
	p.broadcastLocked()
	return nil
}

func (p *Pool) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initialCooldown
	b.MaxInterval = p.maxCooldown
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Checkout blocks until a credential of kind is available and hands it out exclusively. The
// returned release func must be called exactly once; extra calls are ignored. Kind CredentialNone
// needs no secret and returns at once. When no non-retired credential of kind exists, or the wait
// outlives the context or the pool's checkout timeout, it fails with ErrNoCredentialAvailable.
func (p *Pool) Checkout(ctx context.Context, kind domain.CredentialKind) (Credential, func(), error) {
	if kind == domain.CredentialNone {
		return Credential{}, func() {}, nil
	}

	if _, ok := ctx.Deadline(); !ok && p.checkoutTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.checkoutTimeout)
		defer cancel()
	}

	for {
		e, wake, changed, err := p.tryCheckout(kind)
		if err != nil {
			return Credential{}, nil, err
		}
		if e != nil {
			return e.cred, p.releaseFunc(e), nil
		}

		var (
			timer  *time.Timer
			timerC <-chan time.Time
		)
		if wake > 0 {
			timer = time.NewTimer(wake)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return Credential{}, nil, fmt.Errorf("%w: kind %s: %w", domain.ErrNoCredentialAvailable, kind, ctx.Err())
		case <-changed:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// tryCheckout claims an available entry. Otherwise it returns the time until the earliest cooldown
// ends and the broadcast channel to wait on, both captured under the same lock as the scan.
func (p *Pool) tryCheckout(kind domain.CredentialKind) (*entry, time.Duration, <-chan struct{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	alive := false
	var earliest time.Time
	for _, e := range p.byKind[kind] {
		if e.state == StateExhausted {
			continue
		}
		alive = true
		if e.state == StateCoolingDown && !now.Before(e.cooldownUntil) {
			e.state = StateAvailable
		}
		if e.state == StateAvailable && !e.inUse {
			e.inUse = true
			return e, 0, nil, nil
		}
		if e.state == StateCoolingDown && (earliest.IsZero() || e.cooldownUntil.Before(earliest)) {
			earliest = e.cooldownUntil
		}
	}
	if !alive {
		return nil, 0, nil, fmt.Errorf("%w: kind %s", domain.ErrNoCredentialAvailable, kind)
	}
	if earliest.IsZero() {
		return nil, 0, p.changed, nil
	}
	return nil, earliest.Sub(now), p.changed, nil
}

func (p *Pool) releaseFunc(e *entry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			e.inUse = false
			p.broadcastLocked()
		})
	}
}

func (p *Pool) broadcastLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// ReportFailure records a provider failure against cred.
func (p *Pool) ReportFailure(ctx context.Context, cred Credential, class domain.FailureClass) {
	p.ReportFailureAfter(ctx, cred, class, 0)
}

// ReportFailureAfter is ReportFailure with a provider-suggested retry delay. Rate limiting puts the
// credential into cooldown for the larger of the backoff step and retryAfter; an auth failure
// retires it for good and alerts operators. Other classes leave the state unchanged.
func (p *Pool) ReportFailureAfter(ctx context.Context, cred Credential, class domain.FailureClass, retryAfter time.Duration) {
	p.mu.Lock()
	e, ok := p.byID[cred.ID]
	if !ok {
		p.mu.Unlock()
		return
	}

	retired := false
	switch class {
	case domain.FailureRateLimited:
		if e.state == StateExhausted {
			break
		}
		cooldown := e.backoff.NextBackOff()
		if retryAfter > cooldown {
			cooldown = retryAfter
		}
		e.state = StateCoolingDown
		e.cooldownUntil = p.now().Add(cooldown)
		p.logger.Info("credential cooling down", "credential", cred, "cooldown", cooldown)
	case domain.FailureAuthFailed:
		retired = e.state != StateExhausted
		e.state = StateExhausted
		e.cooldownUntil = time.Time{}
	default:
		p.mu.Unlock()
		return
	}
	p.broadcastLocked()
	p.mu.Unlock()

	if !retired {
		return
	}
	p.logger.Warn("credential retired", "credential", cred, "platform", cred.Platform)
	if p.alerter != nil {
		if err := p.alerter.CredentialRetired(ctx, cred.Platform, cred.ID, string(class)); err != nil {
			p.logger.Error("credential alert failed", "credential", cred, "err", err)
		}
	}
}

// ReportSuccess resets the cooldown progression of cred.
func (p *Pool) ReportSuccess(cred Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.byID[cred.ID]; ok {
		e.backoff.Reset()
	}
}

// Snapshot lists the entries of kind in registration order.
func (p *Pool) Snapshot(kind domain.CredentialKind) []EntryState {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	out := make([]EntryState, 0, len(p.byKind[kind]))
	for _, e := range p.byKind[kind] {
		state := e.state
		if state == StateCoolingDown && !now.Before(e.cooldownUntil) {
			state = StateAvailable
		}
		out = append(out, EntryState{
			ID:            e.cred.ID,
			Kind:          e.cred.Kind,
			State:         state,
			CooldownUntil: e.cooldownUntil,
			InUse:         e.inUse,
		})
	}
	return out
}

// Kinds lists the credential kinds with at least one registered entry, sorted.
func (p *Pool) Kinds() []domain.CredentialKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	kinds := make([]domain.CredentialKind, 0, len(p.byKind))
	for k := range p.byKind {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}
