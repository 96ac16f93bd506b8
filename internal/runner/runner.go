package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/miradorstack/mirador-remediator/internal/metrics"
	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/utils"
)

const (
	// MaxAgentsPerIssue bounds how many agents may look at one issue at once.
	MaxAgentsPerIssue = 3

	maxEvidence = 64 << 10
)

// Recorder persists agent runs.
type Recorder interface {
	BeginRun(ctx context.Context, run models.AgentRun) error
	CompleteRun(ctx context.Context, run models.AgentRun) error
}

// EvidenceFunc gathers sanitized context handed to agents alongside the issue.
type EvidenceFunc func(ctx context.Context, issue models.Issue) string

// Config tunes dispatch.
type Config struct {
	// Concurrency caps agent runs across all issues.
	Concurrency  int
	AgentTimeout time.Duration
	// ProtocolConstraint is the semver range of accepted agent report protocols.
	ProtocolConstraint string
	Load               LoadPolicy
	// StopTimeout is how long an agent that outlived its deadline keeps its slot
	// while it winds down. Agents that know their own bound report it through
	// StopTimeout() and get the larger of the two.
	StopTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.AgentTimeout <= 0 {
		c.AgentTimeout = 60 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	c.Load = c.Load.withDefaults()
	return c
}

// Option customises a Runner.
type Option func(*Runner)

// WithClock overrides the time source used for run timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithIDs overrides run id generation.
func WithIDs(next func() string) Option {
	return func(r *Runner) { r.newID = next }
}

// WithSampler enables load shedding with the given sampler.
func WithSampler(s LoadSampler) Option {
	return func(r *Runner) { r.sampler = s }
}

// WithLogger sets the runner logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithEvidence sets the evidence gatherer for tasks.
func WithEvidence(fn EvidenceFunc) Option {
	return func(r *Runner) { r.evidence = fn }
}

// Runner dispatches agents under a global concurrency cap.
type Runner struct {
	agents    []Agent
	recorder  Recorder
	cfg       Config
	load      LoadPolicy
	sem       *semaphore.Weighted
	sampler   LoadSampler
	validator *reportValidator
	evidence  EvidenceFunc
	now       func() time.Time
	newID     func() string
	logger    *slog.Logger
	latency   *utils.LatencyTracker

	next   atomic.Uint64
	active atomic.Int64
}

// New constructs a Runner over a fixed agent pool.
func New(agents []Agent, recorder Recorder, cfg Config, opts ...Option) (*Runner, error) {
	if len(agents) == 0 {
		return nil, errors.New("runner requires at least one agent")
	}
	if recorder == nil {
		return nil, errors.New("runner requires a recorder")
	}
	cfg = cfg.withDefaults()
	validator, err := newReportValidator(cfg.ProtocolConstraint)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		agents:    agents,
		recorder:  recorder,
		cfg:       cfg,
		load:      cfg.Load,
		sem:       semaphore.NewWeighted(int64(cfg.Concurrency)),
		validator: validator,
		now:       time.Now,
		newID:     uuid.NewString,
		latency:   utils.NewLatencyTracker(256),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r, nil
}

// Active returns the number of agent runs currently holding a slot.
func (r *Runner) Active() int {
	return int(r.active.Load())
}

// Concurrency returns the global cap.
func (r *Runner) Concurrency() int {
	return r.cfg.Concurrency
}

// Dispatch runs agentCount agents (clamped to 1..MaxAgentsPerIssue) against the
// issue and waits for all of them. Each run is bounded by the agent timeout; a
// run that overruns is recorded inconclusive with zero confidence. When the host
// stays saturated Dispatch returns models.ErrResourceSaturation without starting
// anything. If ctx is cancelled, started runs are closed and ctx.Err() returned.
func (r *Runner) Dispatch(ctx context.Context, issue models.Issue, agentCount int) ([]models.AgentRun, error) {
	if err := r.waitForCapacity(ctx); err != nil {
		return nil, err
	}

	agents := r.pick(agentCount)
	task := models.Task{
		IssueID:     issue.ID,
		Class:       issue.Class,
		Description: issue.Description,
		Attempt:     issue.FailureCount + 1,
	}
	if r.evidence != nil {
		task.Evidence = r.evidence(ctx, issue)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		runs []models.AgentRun
		errs []error
	)
	for _, agent := range agents {
		wg.Add(1)
		go func(agent Agent) {
			defer wg.Done()
			run, err := r.runOne(ctx, agent, task)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			runs = append(runs, run)
		}(agent)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return runs, err
	}
	if len(errs) > 0 {
		return runs, errors.Join(errs...)
	}
	return runs, nil
}

// pick rotates through the pool so load spreads across agents.
func (r *Runner) pick(n int) []Agent {
	n = min(max(n, 1), MaxAgentsPerIssue, len(r.agents))
	start := int(r.next.Add(1)-1) % len(r.agents)
	out := make([]Agent, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, r.agents[(start+i)%len(r.agents)])
	}
	return out
}

func (r *Runner) runOne(ctx context.Context, agent Agent, task models.Task) (models.AgentRun, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return models.AgentRun{}, err
	}
	defer r.sem.Release(1)

	r.active.Add(1)
	metrics.AgentStarted()
	defer func() {
		r.active.Add(-1)
		metrics.AgentFinished()
	}()

	started := r.now()
	run := models.AgentRun{
		ID:        r.newID(),
		IssueID:   task.IssueID,
		Agent:     agent.Name(),
		StartedAt: started,
		Deadline:  started.Add(r.cfg.AgentTimeout),
	}
	if err := r.recorder.BeginRun(ctx, run); err != nil {
		return models.AgentRun{}, fmt.Errorf("begin run for issue %d: %w", task.IssueID, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.AgentTimeout)
	res, exited := r.diagnose(runCtx, agent, task)
	cancel()
	r.awaitStop(agent, exited)
	report, err := res.report, res.err
	if err == nil {
		err = r.validator.Validate(report)
		if err != nil {
			err = fmt.Errorf("invalid report: %w", err)
		}
	}

	switch {
	case err == nil:
		run.Verdict = report.Verdict
		run.Confidence = report.Confidence
		run.Evidence = utils.Truncate(report.Evidence, maxEvidence)
	case ctx.Err() != nil:
		run.Verdict = models.VerdictInconclusive
		run.Evidence = "dispatch cancelled: " + ctx.Err().Error()
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, models.ErrDispatchTimeout):
		run.Verdict = models.VerdictInconclusive
		run.Evidence = fmt.Sprintf("%s after %s", models.ErrDispatchTimeout, r.cfg.AgentTimeout)
	default:
		run.Verdict = models.VerdictInconclusive
		run.Evidence = utils.Truncate(err.Error(), maxEvidence)
	}

	finished := r.now()
	run.FinishedAt = &finished
	elapsed := finished.Sub(started)
	r.latency.Observe(elapsed)
	metrics.ObserveAgentRun(string(run.Verdict), elapsed)

	// The verdict is recorded even when dispatch is being torn down.
	if err := r.recorder.CompleteRun(context.WithoutCancel(ctx), run); err != nil {
		return run, fmt.Errorf("complete run %s: %w", run.ID, err)
	}

	r.logger.Info("agent run finished",
		slog.Int64("issue_id", run.IssueID),
		slog.String("agent", run.Agent),
		slog.String("run_id", run.ID),
		slog.String("verdict", string(run.Verdict)),
		slog.Float64("confidence", run.Confidence),
		slog.Duration("elapsed", elapsed),
		slog.Duration("p95", r.latency.Percentile(95)),
		slog.Duration("mean", r.latency.Mean()),
	)
	return run, nil
}

type diagnosis struct {
	report models.Report
	err    error
}

// diagnose calls the agent and stops waiting once ctx is done, even if the
// agent itself ignores cancellation. The returned channel is closed when the
// agent call has actually returned.
func (r *Runner) diagnose(ctx context.Context, agent Agent, task models.Task) (diagnosis, <-chan struct{}) {
	done := make(chan diagnosis, 1)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		defer func() {
			if p := recover(); p != nil {
				done <- diagnosis{err: fmt.Errorf("agent %s panicked: %v", agent.Name(), p)}
			}
		}()
		report, err := agent.Diagnose(ctx, task)
		done <- diagnosis{report: report, err: err}
	}()

	select {
	case res := <-done:
		if res.err == nil && ctx.Err() != nil {
			// A report that lands after the deadline does not count.
			return diagnosis{err: ctx.Err()}, stopped
		}
		return res, stopped
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return diagnosis{err: fmt.Errorf("agent %s: %w", agent.Name(), models.ErrDispatchTimeout)}, stopped
		}
		return diagnosis{err: ctx.Err()}, stopped
	}
}

// awaitStop holds the caller's concurrency slot until the agent call behind
// exited has returned, so an agent that overran its deadline still counts
// against the cap while it is killed. Agents that never return are given up on
// after their stop window.
func (r *Runner) awaitStop(agent Agent, exited <-chan struct{}) {
	select {
	case <-exited:
		return
	default:
	}
	window := r.cfg.StopTimeout
	if b, ok := agent.(interface{ StopTimeout() time.Duration }); ok {
		window = max(window, b.StopTimeout())
	}
	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case <-exited:
	case <-timer.C:
		r.logger.Warn("agent still running after its stop window; releasing its slot",
			slog.String("agent", agent.Name()),
			slog.Duration("window", window))
	}
}
