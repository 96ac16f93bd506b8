// Package engine runs the remediation control loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/miradorstack/mirador-remediator/internal/consensus"
	"github.com/miradorstack/mirador-remediator/internal/escalation"
	"github.com/miradorstack/mirador-remediator/internal/lease"
	"github.com/miradorstack/mirador-remediator/internal/metrics"
	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/telemetry"
)

// Per-issue outcomes of one cycle.
const (
	OutcomeResolved    = "resolved"
	OutcomeFailed      = "failed"
	OutcomeEscalated   = "escalated"
	OutcomeDeferred    = "deferred"
	OutcomeSuppressed  = "suppressed"
	OutcomeQuarantined = "quarantined"
)

// IssueStore is the persistence the scheduler drives.
type IssueStore interface {
	ListIssues(ctx context.Context, filter models.IssueFilter) ([]models.Issue, error)
	UpdateStatus(ctx context.Context, id int64, to models.IssueStatus, upd models.StatusUpdate) (models.Issue, error)
	AbandonInFlightRuns(ctx context.Context, reason string) (int, error)
}

// Dispatcher runs agents against an issue.
type Dispatcher interface {
	Dispatch(ctx context.Context, issue models.Issue, agentCount int) ([]models.AgentRun, error)
}

// Breaker gates dispatch per class.
type Breaker interface {
	AllowDispatch(ctx context.Context, class string) (bool, error)
	RecordOutcome(ctx context.Context, class string, success bool) error
	ReleaseTrial(ctx context.Context, class string) error
	ResetTrials(ctx context.Context) error
	Suppressed(ctx context.Context, class string) (bool, error)
}

// Arbiter reduces agent verdicts.
type Arbiter interface {
	Resolve(runs []models.AgentRun) consensus.Decision
}

// Escalator hands issues to humans.
type Escalator interface {
	Escalate(ctx context.Context, issue models.Issue, detail string) (models.Escalation, error)
	AuditStale(ctx context.Context, checker escalation.StaleChecker) (int, error)
}

// Policy picks how many agents an issue gets.
type Policy interface {
	AgentCount(ctx context.Context, issue models.Issue) int
}

// Config tunes the loop.
type Config struct {
	Period              time.Duration
	EscalationThreshold int
	LeaseTTL            time.Duration
}

func (c Config) withDefaults() Config {
	if c.Period <= 0 {
		c.Period = 5 * time.Minute
	}
	if c.EscalationThreshold <= 0 {
		c.EscalationThreshold = 3
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 10 * time.Minute
	}
	return c
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithLocker shares class leases with other replicas.
func WithLocker(l lease.Locker) Option {
	return func(s *Scheduler) { s.locker = l }
}

// WithStaleChecker enables the per-cycle stale escalation audit.
func WithStaleChecker(c escalation.StaleChecker) Option {
	return func(s *Scheduler) { s.stale = c }
}

// WithLogger sets the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithTracer overrides the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *Scheduler) { s.tracer = t }
}

// Scheduler is the periodic control loop.
type Scheduler struct {
	cfg       Config
	store     IssueStore
	runner    Dispatcher
	breaker   Breaker
	arbiter   Arbiter
	escalator Escalator
	policy    Policy
	locker    lease.Locker
	stale     escalation.StaleChecker
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time

	trigger chan struct{}
	flight  singleflight.Group

	mu   sync.Mutex
	last models.CycleReport
}

// New wires a scheduler.
func New(cfg Config, store IssueStore, runner Dispatcher, breaker Breaker, arbiter Arbiter, escalator Escalator, policy Policy, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:       cfg.withDefaults(),
		store:     store,
		runner:    runner,
		breaker:   breaker,
		arbiter:   arbiter,
		escalator: escalator,
		policy:    policy,
		now:       time.Now,
		trigger:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.tracer == nil {
		s.tracer = telemetry.Tracer()
	}
	if s.locker == nil {
		s.locker = lease.NewLocalLocker(s.now)
	}
	return s
}

// Trigger requests a cycle as soon as the loop is idle. Requests coalesce.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// LastCycle returns the report of the most recent completed cycle.
func (s *Scheduler) LastCycle() models.CycleReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Reconcile repairs state left by a previous process: runs without a verdict
// are closed inconclusive, their issues reopened, and half-open trials released.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	n, err := s.store.AbandonInFlightRuns(ctx, "abandoned by restart")
	if err != nil {
		return fmt.Errorf("abandon in-flight runs: %w", err)
	}
	if n > 0 {
		s.logger.Warn("closed runs left in flight by a previous process", slog.Int("runs", n))
	}
	if err := s.breaker.ResetTrials(ctx); err != nil {
		return fmt.Errorf("reset breaker trials: %w", err)
	}
	return nil
}

// Run reconciles and then cycles every period until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Reconcile(ctx); err != nil {
		return err
	}
	s.logger.Info("scheduler started", slog.Duration("period", s.cfg.Period))

	ticker := time.NewTicker(s.cfg.Period)
	defer ticker.Stop()

	s.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		case <-s.trigger:
		}
		s.RunCycle(ctx)
	}
}

// RunCycle processes every open issue once. Each issue runs in its own
// goroutine; a failure or panic in one never affects the others.
func (s *Scheduler) RunCycle(ctx context.Context) models.CycleReport {
	report := models.CycleReport{Started: s.now()}
	ctx, span := s.tracer.Start(ctx, "scheduler.cycle")
	defer span.End()

	issues, err := s.store.ListIssues(ctx, models.IssueFilter{Status: models.IssueOpen})
	if err != nil {
		s.logger.Error("cycle could not list open issues", slog.Any("error", err))
		span.RecordError(err)
		report.Errors++
		return s.finish(report)
	}
	report.Considered = len(issues)

	outcomes := make([]string, len(issues))
	dispatched := make([]bool, len(issues))
	var wg sync.WaitGroup
	for i, issue := range issues {
		wg.Add(1)
		go func(i int, issue models.Issue) {
			defer wg.Done()
			outcomes[i], dispatched[i] = s.processIsolated(ctx, issue)
		}(i, issue)
	}
	wg.Wait()

	for i, outcome := range outcomes {
		if dispatched[i] {
			report.Dispatched++
		}
		metrics.ObserveIssueOutcome(outcome)
		switch outcome {
		case OutcomeResolved:
			report.Resolved++
		case OutcomeFailed:
			report.Failed++
		case OutcomeEscalated:
			report.Escalated++
		case OutcomeDeferred:
			report.Deferred++
		case OutcomeSuppressed:
			report.Suppressed++
		default:
			report.Errors++
		}
	}

	if s.stale != nil && ctx.Err() == nil {
		closed, err := s.escalator.AuditStale(ctx, s.stale)
		if err != nil {
			s.logger.Warn("stale escalation audit failed", slog.Any("error", err))
		}
		report.StaleResolved = closed
	}

	span.SetAttributes(
		attribute.Int("cycle.considered", report.Considered),
		attribute.Int("cycle.dispatched", report.Dispatched),
		attribute.Int("cycle.errors", report.Errors),
	)
	return s.finish(report)
}

func (s *Scheduler) finish(report models.CycleReport) models.CycleReport {
	report.Finished = s.now()
	elapsed := report.Finished.Sub(report.Started)
	metrics.ObserveCycle(elapsed)
	s.logger.Info("cycle complete",
		slog.Int("considered", report.Considered),
		slog.Int("dispatched", report.Dispatched),
		slog.Int("resolved", report.Resolved),
		slog.Int("failed", report.Failed),
		slog.Int("escalated", report.Escalated),
		slog.Int("deferred", report.Deferred),
		slog.Int("suppressed", report.Suppressed),
		slog.Int("errors", report.Errors),
		slog.Int("stale_resolved", report.StaleResolved),
		slog.Duration("elapsed", elapsed),
	)
	s.mu.Lock()
	s.last = report
	s.mu.Unlock()
	return report
}

type issueResult struct {
	outcome    string
	dispatched bool
}

// processIsolated deduplicates concurrent work on the same issue and contains panics.
func (s *Scheduler) processIsolated(ctx context.Context, issue models.Issue) (outcome string, dispatched bool) {
	v, _, shared := s.flight.Do(strconv.FormatInt(issue.ID, 10), func() (res any, err error) {
		defer func() {
			if p := recover(); p != nil {
				s.logger.Error("issue processing panicked",
					slog.Int64("issue_id", issue.ID),
					slog.Any("panic", p),
					slog.String("stack", string(debug.Stack())))
				s.quarantine(ctx, issue, fmt.Errorf("panic: %v", p))
				res = issueResult{outcome: OutcomeQuarantined}
			}
		}()
		o, d := s.processIssue(ctx, issue)
		return issueResult{outcome: o, dispatched: d}, nil
	})
	if shared {
		// Another cycle is already working this issue and will account for it.
		return OutcomeDeferred, false
	}
	r := v.(issueResult)
	return r.outcome, r.dispatched
}

func (s *Scheduler) processIssue(ctx context.Context, issue models.Issue) (string, bool) {
	ctx, span := s.tracer.Start(ctx, "scheduler.issue", trace.WithAttributes(
		attribute.Int64("issue.id", issue.ID),
		attribute.String("issue.class", issue.Class),
		attribute.Int("issue.failure_count", issue.FailureCount),
	))
	defer span.End()

	outcome, dispatched, err := s.handle(ctx, issue)
	span.SetAttributes(attribute.String("issue.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return outcome, dispatched
}

func (s *Scheduler) handle(ctx context.Context, issue models.Issue) (string, bool, error) {
	log := s.logger.With(slog.Int64("issue_id", issue.ID), slog.String("class", issue.Class))

	// An issue that already spent its failure budget is waiting for escalation.
	if issue.FailureCount >= s.cfg.EscalationThreshold {
		suppressed, err := s.breaker.Suppressed(ctx, issue.Class)
		if err != nil {
			log.Warn("breaker lookup failed", slog.Any("error", err))
			return OutcomeDeferred, false, err
		}
		if suppressed {
			return OutcomeSuppressed, false, nil
		}
		if _, err := s.escalator.Escalate(ctx, issue, s.escalationDetail(issue)); err != nil {
			return s.failStructural(ctx, log, issue, "escalate", err)
		}
		return OutcomeEscalated, false, nil
	}

	allowed, err := s.breaker.AllowDispatch(ctx, issue.Class)
	if err != nil {
		log.Warn("breaker lookup failed", slog.Any("error", err))
		return OutcomeDeferred, false, err
	}
	if !allowed {
		log.Debug("class suppressed, issue left open")
		return OutcomeSuppressed, false, nil
	}
	// A half-open trial admitted here is handed back on every path that ends
	// without a breaker outcome, panics included.
	settled := false
	defer func() {
		if !settled {
			s.releaseTrial(ctx, log, issue.Class)
		}
	}()

	held, err := s.locker.Acquire(ctx, "class:"+issue.Class, s.cfg.LeaseTTL)
	if err != nil {
		if errors.Is(err, models.ErrLeaseHeld) {
			log.Debug("class lease held elsewhere")
			return OutcomeDeferred, false, nil
		}
		log.Warn("class lease unavailable", slog.Any("error", err))
		return OutcomeDeferred, false, err
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), held); err != nil {
			log.Warn("class lease release failed", slog.Any("error", err))
		}
	}()

	dispatchCtx, stopRenewal := s.keepLease(ctx, log, held)
	defer stopRenewal()

	count := s.policy.AgentCount(ctx, issue)
	runs, err := s.runner.Dispatch(dispatchCtx, issue, count)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrResourceSaturation):
		log.Warn("dispatch deferred by host load", slog.Any("error", err))
		return OutcomeDeferred, false, nil
	case ctx.Err() != nil:
		// Shutdown: hand the issue back untouched for the next process.
		s.reopenInterrupted(ctx, log, issue, runs, "dispatch interrupted")
		return OutcomeDeferred, len(runs) > 0, ctx.Err()
	case errors.Is(context.Cause(dispatchCtx), models.ErrLeaseLost):
		s.reopenInterrupted(ctx, log, issue, runs, "class lease lost")
		return OutcomeDeferred, len(runs) > 0, nil
	default:
		return s.failStructural(ctx, log, issue, "dispatch", err)
	}

	decision := s.arbiter.Resolve(runs)
	now := s.now()
	log = log.With(slog.String("decision", decision.String()), slog.Int("agents", len(runs)))

	if decision.Resolved() {
		method := string(models.ResolutionAgentFix)
		if _, err := s.store.UpdateStatus(ctx, issue.ID, models.IssueResolved, models.StatusUpdate{
			LastAttemptAt:    &now,
			ResolutionMethod: &method,
			Detail:           "consensus " + decision.String(),
		}); err != nil {
			return s.failStructural(ctx, log, issue, "resolve", err)
		}
		settled = true
		s.recordOutcome(ctx, log, issue.Class, true)
		log.Info("issue resolved by agents")
		return OutcomeResolved, true, nil
	}

	failures := issue.FailureCount + 1
	escalate := failures >= s.cfg.EscalationThreshold
	if escalate {
		// A class tripped by a sibling issue meanwhile holds the escalation back.
		suppressed, err := s.breaker.Suppressed(ctx, issue.Class)
		if err == nil && suppressed {
			escalate = false
		}
	}

	if escalate {
		// The failure count lands with the dispatched -> escalated transition.
		spent := issue
		spent.FailureCount = failures
		spent.LastAttemptAt = &now
		_, escErr := s.escalator.Escalate(ctx, spent, s.escalationDetail(spent))
		if escErr == nil {
			settled = true
			s.recordOutcome(ctx, log, issue.Class, false)
			log.Info("attempt failed", slog.Int("failure_count", failures), slog.String("outcome", OutcomeEscalated))
			return OutcomeEscalated, true, nil
		}
		// The issue goes back open over budget; the next cycle retries the escalation.
		log.Error("escalation failed", slog.Any("error", escErr))
	}

	if _, err := s.store.UpdateStatus(ctx, issue.ID, models.IssueOpen, models.StatusUpdate{
		FailureCount:  &failures,
		LastAttemptAt: &now,
		Detail:        "consensus " + decision.String(),
	}); err != nil {
		return s.failStructural(ctx, log, issue, "record failure", err)
	}
	settled = true
	s.recordOutcome(ctx, log, issue.Class, false)
	log.Info("attempt failed", slog.Int("failure_count", failures), slog.String("outcome", OutcomeFailed))
	return OutcomeFailed, true, nil
}

// keepLease renews held every third of the lease TTL until the returned stop
// func is called. If the lease is lost the returned context is cancelled with
// models.ErrLeaseLost as its cause, so no agent keeps working a class another
// replica may now own.
func (s *Scheduler) keepLease(ctx context.Context, log *slog.Logger, held lease.Lease) (context.Context, func()) {
	leaseCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.cfg.LeaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-leaseCtx.Done():
				return
			case <-ticker.C:
			}
			renewed, err := s.locker.Renew(leaseCtx, held, s.cfg.LeaseTTL)
			switch {
			case err == nil:
				held = renewed
			case errors.Is(err, models.ErrLeaseLost):
				log.Error("class lease lost during dispatch", slog.String("key", held.Key))
				cancel(models.ErrLeaseLost)
				return
			default:
				// Transient; the next tick retries well before the lease runs out.
				log.Warn("class lease renewal failed", slog.Any("error", err))
			}
		}
	}()
	return leaseCtx, func() {
		close(done)
		wg.Wait()
		cancel(nil)
	}
}

// reopenInterrupted returns a dispatched issue to open without counting an attempt.
func (s *Scheduler) reopenInterrupted(ctx context.Context, log *slog.Logger, issue models.Issue, runs []models.AgentRun, detail string) {
	if len(runs) == 0 {
		return
	}
	if _, err := s.store.UpdateStatus(context.WithoutCancel(ctx), issue.ID, models.IssueOpen,
		models.StatusUpdate{Detail: detail}); err != nil {
		log.Error("failed to reopen interrupted issue", slog.Any("error", err))
	}
}

func (s *Scheduler) escalationDetail(issue models.Issue) string {
	return fmt.Sprintf("failure budget exhausted after %d attempts", issue.FailureCount)
}

// failStructural quarantines the issue after an error that retrying cannot fix.
func (s *Scheduler) failStructural(ctx context.Context, log *slog.Logger, issue models.Issue, step string, err error) (string, bool, error) {
	log.Error("issue quarantined", slog.String("step", step), slog.Any("error", err))
	s.quarantine(ctx, issue, fmt.Errorf("%s: %w", step, err))
	return OutcomeQuarantined, false, err
}

func (s *Scheduler) quarantine(ctx context.Context, issue models.Issue, cause error) {
	_, err := s.store.UpdateStatus(context.WithoutCancel(ctx), issue.ID, models.IssueSuppressed,
		models.StatusUpdate{Detail: "quarantined: " + cause.Error()})
	if err != nil {
		s.logger.Error("quarantine failed",
			slog.Int64("issue_id", issue.ID),
			slog.Any("cause", cause),
			slog.Any("error", err))
	}
}

func (s *Scheduler) recordOutcome(ctx context.Context, log *slog.Logger, class string, success bool) {
	if err := s.breaker.RecordOutcome(context.WithoutCancel(ctx), class, success); err != nil {
		log.Error("breaker outcome not recorded", slog.Bool("success", success), slog.Any("error", err))
	}
}

func (s *Scheduler) releaseTrial(ctx context.Context, log *slog.Logger, class string) {
	if err := s.breaker.ReleaseTrial(context.WithoutCancel(ctx), class); err != nil {
		log.Warn("breaker trial release failed", slog.Any("error", err))
	}
}
