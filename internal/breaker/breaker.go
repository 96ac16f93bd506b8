// Package breaker suppresses dispatch for issue classes that keep failing.
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/miradorstack/mirador-remediator/internal/keylock"
	"github.com/miradorstack/mirador-remediator/internal/metrics"
	"github.com/miradorstack/mirador-remediator/internal/models"
)

// Breaker states as reported in metrics and snapshots.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// StateStore persists breaker state per class.
type StateStore interface {
	LoadBreaker(ctx context.Context, class string) (models.CircuitBreakerState, error)
	SaveBreaker(ctx context.Context, state models.CircuitBreakerState) error
	ListBreakers(ctx context.Context) ([]models.CircuitBreakerState, error)
}

// Config tunes suppression.
type Config struct {
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold int
	// Cooldown is the first suppression window; each failed trial doubles it.
	Cooldown time.Duration
	// MaxCooldown caps the doubled window.
	MaxCooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = 3
	}
	if c.Cooldown <= 0 {
		c.Cooldown = time.Hour
	}
	if c.MaxCooldown < c.Cooldown {
		c.MaxCooldown = 24 * c.Cooldown
	}
	return c
}

// Controller gates dispatch per class and records outcomes.
type Controller struct {
	store  StateStore
	cfg    Config
	locks  *keylock.Map
	now    func() time.Time
	logger *slog.Logger
}

// Option customises a Controller.
type Option func(*Controller)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New returns a Controller persisting through store.
func New(store StateStore, cfg Config, opts ...Option) *Controller {
	c := &Controller{
		store:  store,
		cfg:    cfg.withDefaults(),
		locks:  keylock.New(),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AllowDispatch reports whether class may be dispatched now. Once a suppression
// window has elapsed exactly one caller is admitted as the half-open trial until
// its outcome is recorded or the trial is released.
func (c *Controller) AllowDispatch(ctx context.Context, class string) (bool, error) {
	c.locks.Lock(class)
	defer c.locks.Unlock(class)

	st, err := c.store.LoadBreaker(ctx, class)
	if err != nil {
		return false, fmt.Errorf("load breaker %s: %w", class, err)
	}
	if st.SuppressedUntil == nil {
		return true, nil
	}
	now := c.now()
	if now.Before(*st.SuppressedUntil) || st.TrialInFlight {
		return false, nil
	}

	st.TrialInFlight = true
	if err := c.store.SaveBreaker(ctx, st); err != nil {
		return false, fmt.Errorf("save breaker %s: %w", class, err)
	}
	metrics.ObserveBreaker(StateHalfOpen)
	c.logger.Info("breaker half-open trial admitted", slog.String("class", class), slog.Int("trips", st.Trips))
	return true, nil
}

// RecordOutcome feeds one attempt outcome into the class breaker.
func (c *Controller) RecordOutcome(ctx context.Context, class string, success bool) error {
	c.locks.Lock(class)
	defer c.locks.Unlock(class)

	st, err := c.store.LoadBreaker(ctx, class)
	if err != nil {
		return fmt.Errorf("load breaker %s: %w", class, err)
	}
	now := c.now()

	if success {
		wasOpen := st.SuppressedUntil != nil
		st.ConsecutiveFailures = 0
		st.SuppressedUntil = nil
		st.Trips = 0
		st.TrialInFlight = false
		st.LastSuccessAt = &now
		if err := c.store.SaveBreaker(ctx, st); err != nil {
			return fmt.Errorf("save breaker %s: %w", class, err)
		}
		if wasOpen {
			metrics.ObserveBreaker(StateClosed)
			c.logger.Info("breaker closed", slog.String("class", class))
		}
		return nil
	}

	st.ConsecutiveFailures++
	switch {
	case st.TrialInFlight:
		st.TrialInFlight = false
		c.open(&st, now)
	case st.ConsecutiveFailures >= c.cfg.Threshold && !st.Suppressed(now):
		c.open(&st, now)
	}
	if err := c.store.SaveBreaker(ctx, st); err != nil {
		return fmt.Errorf("save breaker %s: %w", class, err)
	}
	return nil
}

// ReleaseTrial gives back a half-open admission whose dispatch never produced an outcome.
func (c *Controller) ReleaseTrial(ctx context.Context, class string) error {
	c.locks.Lock(class)
	defer c.locks.Unlock(class)

	st, err := c.store.LoadBreaker(ctx, class)
	if err != nil {
		return fmt.Errorf("load breaker %s: %w", class, err)
	}
	if !st.TrialInFlight {
		return nil
	}
	st.TrialInFlight = false
	return c.store.SaveBreaker(ctx, st)
}

// ResetTrials clears trial admissions left behind by a previous process.
func (c *Controller) ResetTrials(ctx context.Context) error {
	states, err := c.store.ListBreakers(ctx)
	if err != nil {
		return err
	}
	for _, st := range states {
		if st.TrialInFlight {
			if err := c.ReleaseTrial(ctx, st.Class); err != nil {
				return err
			}
		}
	}
	return nil
}

// Suppressed reports whether class is inside a suppression window.
func (c *Controller) Suppressed(ctx context.Context, class string) (bool, error) {
	st, err := c.store.LoadBreaker(ctx, class)
	if err != nil {
		return false, fmt.Errorf("load breaker %s: %w", class, err)
	}
	return st.Suppressed(c.now()), nil
}

// Snapshot returns every persisted breaker.
func (c *Controller) Snapshot(ctx context.Context) ([]models.CircuitBreakerState, error) {
	return c.store.ListBreakers(ctx)
}

// SuppressedClasses lists classes currently blocked from dispatch.
func (c *Controller) SuppressedClasses(ctx context.Context) ([]string, error) {
	states, err := c.store.ListBreakers(ctx)
	if err != nil {
		return nil, err
	}
	now := c.now()
	var out []string
	for _, st := range states {
		if st.Suppressed(now) {
			out = append(out, st.Class)
		}
	}
	return out, nil
}

// State names the breaker state of st at now.
func State(st models.CircuitBreakerState, now time.Time) string {
	switch {
	case st.SuppressedUntil == nil:
		return StateClosed
	case st.Suppressed(now):
		return StateOpen
	}
	return StateHalfOpen
}

// CooldownFor returns the suppression window after trips prior suppressions.
func (c *Controller) CooldownFor(trips int) time.Duration {
	d := c.cfg.Cooldown
	for i := 0; i < trips; i++ {
		d *= 2
		if d >= c.cfg.MaxCooldown {
			return c.cfg.MaxCooldown
		}
	}
	return d
}

func (c *Controller) open(st *models.CircuitBreakerState, now time.Time) {
	until := now.Add(c.CooldownFor(st.Trips))
	st.SuppressedUntil = &until
	st.Trips++
	metrics.ObserveBreaker(StateOpen)
	c.logger.Warn("breaker opened",
		slog.String("class", st.Class),
		slog.Int("consecutive_failures", st.ConsecutiveFailures),
		slog.Int("trips", st.Trips),
		slog.Time("suppressed_until", until),
	)
}
