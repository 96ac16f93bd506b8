// Package escalation hands unresolved issues to humans and records how they were closed.
package escalation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/miradorstack/mirador-remediator/internal/metrics"
	"github.com/miradorstack/mirador-remediator/internal/models"
)

// Store is the persistence the gateway needs.
type Store interface {
	GetIssue(ctx context.Context, id int64) (models.Issue, error)
	ListRuns(ctx context.Context, issueID int64) ([]models.AgentRun, error)
	ListAudit(ctx context.Context, issueID int64) ([]models.AuditEntry, error)
	OpenEscalation(ctx context.Context, issueID int64, severity models.Severity, upd models.StatusUpdate) (models.Escalation, bool, error)
	CloseEscalation(ctx context.Context, id int64, method models.ResolutionMethod, notes, closedBy string) (models.Escalation, models.Issue, error)
	GetEscalation(ctx context.Context, id int64) (models.Escalation, error)
	ListEscalations(ctx context.Context, filter models.EscalationFilter) ([]models.Escalation, error)
}

// OutcomeRecorder receives the success a closed escalation implies for its class.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, class string, success bool) error
}

// StaleActor is recorded as the closer of escalations resolved by the stale audit.
const StaleActor = "stale-audit"

// Gateway opens and closes escalations.
type Gateway struct {
	store   Store
	breaker OutcomeRecorder
	rules   *SeverityRules
	logger  *slog.Logger
}

// NewGateway wires a gateway. rules may be nil for the built-in severity policy.
func NewGateway(store Store, breaker OutcomeRecorder, rules *SeverityRules, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{store: store, breaker: breaker, rules: rules, logger: logger}
}

// Escalate opens an escalation for issue, or returns the one already open. The
// issue's FailureCount and LastAttemptAt are written with the transition, so a
// dispatched issue that just spent its budget moves straight to escalated.
func (g *Gateway) Escalate(ctx context.Context, issue models.Issue, detail string) (models.Escalation, error) {
	runs, err := g.store.ListRuns(ctx, issue.ID)
	if err != nil {
		return models.Escalation{}, fmt.Errorf("load runs for issue %d: %w", issue.ID, err)
	}
	severity := g.rules.Severity(issue, runs)

	failures := issue.FailureCount
	esc, created, err := g.store.OpenEscalation(ctx, issue.ID, severity, models.StatusUpdate{
		FailureCount:  &failures,
		LastAttemptAt: issue.LastAttemptAt,
		Detail:        detail,
	})
	if err != nil {
		return models.Escalation{}, err
	}
	if created {
		metrics.ObserveEscalation("opened", string(esc.Severity))
		g.logger.Warn("issue escalated",
			slog.Int64("issue_id", issue.ID),
			slog.Int64("escalation_id", esc.ID),
			slog.String("class", issue.Class),
			slog.String("severity", string(esc.Severity)),
			slog.Int("failure_count", issue.FailureCount),
		)
	}
	return esc, nil
}

// Close records an operator resolution. The linked issue is resolved and the
// class breaker is told the class recovered.
func (g *Gateway) Close(ctx context.Context, id int64, method models.ResolutionMethod, notes, closedBy string) (models.Escalation, error) {
	if !method.HumanResolution() {
		return models.Escalation{}, fmt.Errorf("%w: %q (want one of %v)", models.ErrInvalidResolution, method, models.HumanResolutionMethods())
	}
	return g.close(ctx, id, method, notes, closedBy)
}

// AutoResolveStale closes an escalation whose underlying resource no longer exists.
func (g *Gateway) AutoResolveStale(ctx context.Context, id int64, notes string) (models.Escalation, error) {
	return g.close(ctx, id, models.ResolutionAutoResolvedStale, notes, StaleActor)
}

func (g *Gateway) close(ctx context.Context, id int64, method models.ResolutionMethod, notes, closedBy string) (models.Escalation, error) {
	esc, issue, err := g.store.CloseEscalation(ctx, id, method, notes, closedBy)
	if err != nil {
		return models.Escalation{}, err
	}
	metrics.ObserveEscalation("closed", string(method))
	g.logger.Info("escalation closed",
		slog.Int64("escalation_id", esc.ID),
		slog.Int64("issue_id", issue.ID),
		slog.String("class", issue.Class),
		slog.String("method", string(method)),
		slog.String("closed_by", closedBy),
	)

	if g.breaker != nil {
		// The close is already durable; a breaker write failure only delays recovery.
		if err := g.breaker.RecordOutcome(ctx, issue.Class, true); err != nil {
			g.logger.Error("breaker reset after close failed",
				slog.String("class", issue.Class),
				slog.Any("error", err))
		}
	}
	return esc, nil
}

// Get returns one escalation with its issue, runs and audit trail.
func (g *Gateway) Get(ctx context.Context, id int64) (models.EscalationCase, error) {
	esc, err := g.store.GetEscalation(ctx, id)
	if err != nil {
		return models.EscalationCase{}, err
	}
	return g.buildCase(ctx, esc)
}

// ListOpen returns every open escalation as a reviewable case, oldest first.
func (g *Gateway) ListOpen(ctx context.Context) ([]models.EscalationCase, error) {
	return g.List(ctx, models.EscalationFilter{OpenOnly: true})
}

// List returns escalations matching filter as reviewable cases.
func (g *Gateway) List(ctx context.Context, filter models.EscalationFilter) ([]models.EscalationCase, error) {
	escs, err := g.store.ListEscalations(ctx, filter)
	if err != nil {
		return nil, err
	}
	cases := make([]models.EscalationCase, 0, len(escs))
	for _, esc := range escs {
		c, err := g.buildCase(ctx, esc)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	return cases, nil
}

func (g *Gateway) buildCase(ctx context.Context, esc models.Escalation) (models.EscalationCase, error) {
	c := models.EscalationCase{Escalation: esc}
	var err error
	if c.Issue, err = g.store.GetIssue(ctx, esc.IssueID); err != nil {
		return c, err
	}
	if c.Runs, err = g.store.ListRuns(ctx, esc.IssueID); err != nil {
		return c, err
	}
	if c.Audit, err = g.store.ListAudit(ctx, esc.IssueID); err != nil {
		return c, err
	}
	return c, nil
}
