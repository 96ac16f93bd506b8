package escalation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/store"
	"github.com/miradorstack/mirador-remediator/internal/utils"
)

type outcomeLog struct {
	mu       sync.Mutex
	outcomes map[string][]bool
}

func (o *outcomeLog) RecordOutcome(_ context.Context, class string, success bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = map[string][]bool{}
	}
	o.outcomes[class] = append(o.outcomes[class], success)
	return nil
}

func newTestGateway(t *testing.T, rules *SeverityRules) (*Gateway, *store.Store, *outcomeLog) {
	t.Helper()
	s, err := store.Open(context.Background(), store.Config{Driver: store.DriverSQLite, DSN: ":memory:"},
		store.WithLogger(utils.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	breaker := &outcomeLog{}
	return NewGateway(s, breaker, rules, utils.Discard()), s, breaker
}

func reportFailed(t *testing.T, s *store.Store, class string, failures int) models.Issue {
	t.Helper()
	ctx := context.Background()
	issue, _, err := s.ReportIssue(ctx, class, class+" is broken")
	require.NoError(t, err)
	if failures > 0 {
		issue, err = s.UpdateStatus(ctx, issue.ID, models.IssueSuppressed, models.StatusUpdate{FailureCount: &failures})
		require.NoError(t, err)
		issue, err = s.UpdateStatus(ctx, issue.ID, models.IssueOpen, models.StatusUpdate{})
		require.NoError(t, err)
	}
	return issue
}

func TestEscalateIsIdempotent(t *testing.T) {
	g, s, _ := newTestGateway(t, nil)
	ctx := context.Background()
	issue := reportFailed(t, s, "dns", 3)

	first, err := g.Escalate(ctx, issue, "failure budget exhausted")
	require.NoError(t, err)
	second, err := g.Escalate(ctx, issue, "failure budget exhausted")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.SeverityHigh, first.Severity)

	open, err := g.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, models.IssueEscalated, open[0].Issue.Status)
	assert.NotEmpty(t, open[0].Audit)
}

func TestEscalateDefaultSeverityGoesCritical(t *testing.T) {
	g, s, _ := newTestGateway(t, nil)
	issue := reportFailed(t, s, "disk", 6)

	esc, err := g.Escalate(context.Background(), issue, "")
	require.NoError(t, err)
	assert.Equal(t, models.SeverityCritical, esc.Severity)
}

func TestCloseResolvesIssueAndResetsBreaker(t *testing.T) {
	g, s, breaker := newTestGateway(t, nil)
	ctx := context.Background()
	issue := reportFailed(t, s, "ntp", 3)
	esc, err := g.Escalate(ctx, issue, "")
	require.NoError(t, err)

	closed, err := g.Close(ctx, esc.ID, models.ResolutionObsolete, "host decommissioned", "alice")
	require.NoError(t, err)
	assert.False(t, closed.Open())
	assert.Equal(t, models.ResolutionObsolete, closed.ResolutionMethod)
	assert.Equal(t, "alice", closed.ResolvedBy)

	got, err := s.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IssueResolved, got.Status)
	assert.Equal(t, "obsolete", got.ResolutionMethod)
	assert.Equal(t, "host decommissioned", got.HumanNotes)
	assert.Equal(t, []bool{true}, breaker.outcomes["ntp"])

	_, err = g.Close(ctx, esc.ID, models.ResolutionFixed, "again", "bob")
	require.ErrorIs(t, err, models.ErrEscalationClosed)
}

func TestCloseRejectsNonHumanMethods(t *testing.T) {
	g, s, _ := newTestGateway(t, nil)
	ctx := context.Background()
	esc, err := g.Escalate(ctx, reportFailed(t, s, "svc", 3), "")
	require.NoError(t, err)

	for _, method := range []models.ResolutionMethod{"", "shrug", models.ResolutionAutoResolvedStale, models.ResolutionAgentFix} {
		_, err := g.Close(ctx, esc.ID, method, "", "alice")
		require.ErrorIs(t, err, models.ErrInvalidResolution, "method %q", method)
	}

	_, err = g.Close(ctx, 999, models.ResolutionFixed, "", "alice")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestAuditStaleClosesOnlyGoneResources(t *testing.T) {
	g, s, breaker := newTestGateway(t, nil)
	ctx := context.Background()
	gone, err := g.Escalate(ctx, reportFailed(t, s, "legacy-svc", 3), "")
	require.NoError(t, err)
	kept, err := g.Escalate(ctx, reportFailed(t, s, "api", 3), "")
	require.NoError(t, err)
	flaky, err := g.Escalate(ctx, reportFailed(t, s, "probe-broken", 3), "")
	require.NoError(t, err)

	checker := StaleCheckerFunc(func(_ context.Context, issue models.Issue) (bool, string, error) {
		switch issue.Class {
		case "legacy-svc":
			return true, "unit file removed", nil
		case "probe-broken":
			return false, "", errors.New("probe timeout")
		}
		return false, "", nil
	})
	closed, err := g.AuditStale(ctx, checker)
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	c, err := g.Get(ctx, gone.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ResolutionAutoResolvedStale, c.Escalation.ResolutionMethod)
	assert.Equal(t, StaleActor, c.Escalation.ResolvedBy)
	assert.Equal(t, "unit file removed", c.Issue.HumanNotes)
	assert.Equal(t, []bool{true}, breaker.outcomes["legacy-svc"])

	for _, id := range []int64{kept.ID, flaky.ID} {
		c, err := g.Get(ctx, id)
		require.NoError(t, err)
		assert.True(t, c.Escalation.Open())
	}
}

func TestSeverityRulesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "severity.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`rules:
  - id: storage
    when: 'issue.class.startsWith("disk")'
    severity: critical
  - id: unanimous-failure
    when: 'size(runs) > 0 && runs.all(r, r.verdict == "fix-failed")'
    severity: medium
  - id: noisy
    when: 'issue.failure_count < threshold'
    severity: low
`), 0o644))

	rules, err := LoadSeverityRules(path, 3, utils.Discard())
	require.NoError(t, err)

	assert.Equal(t, models.SeverityCritical, rules.Severity(models.Issue{Class: "disk-full", FailureCount: 3}, nil))
	assert.Equal(t, models.SeverityMedium, rules.Severity(models.Issue{Class: "dns", FailureCount: 3}, []models.AgentRun{
		{Verdict: models.VerdictFixFailed}, {Verdict: models.VerdictFixFailed},
	}))
	assert.Equal(t, models.SeverityLow, rules.Severity(models.Issue{Class: "dns", FailureCount: 1}, nil))
	assert.Equal(t, models.SeverityHigh, rules.Severity(models.Issue{Class: "dns", FailureCount: 4}, []models.AgentRun{
		{Verdict: models.VerdictInconclusive},
	}))
}

func TestSeverityRulesRejectBadDefinitions(t *testing.T) {
	_, err := NewSeverityRules([]SeverityRule{{ID: "x", When: "issue.class ==", Severity: models.SeverityLow}}, 3, nil)
	require.Error(t, err)

	_, err = NewSeverityRules([]SeverityRule{{ID: "x", When: "true", Severity: "urgent"}}, 3, nil)
	require.Error(t, err)

	_, err = NewSeverityRules([]SeverityRule{{ID: "x", When: "threshold + 1", Severity: models.SeverityLow}}, 3, nil)
	require.Error(t, err)
}

func TestSeverityRulesMissingFileUsesDefaults(t *testing.T) {
	rules, err := LoadSeverityRules(filepath.Join(t.TempDir(), "absent.yaml"), 2, nil)
	require.NoError(t, err)
	assert.Equal(t, models.SeverityCritical, rules.Severity(models.Issue{FailureCount: 4}, nil))
	assert.Equal(t, models.SeverityHigh, rules.Severity(models.Issue{FailureCount: 2}, nil))
}

func TestShippedSeverityRulesCompile(t *testing.T) {
	rules, err := LoadSeverityRules(filepath.Join("..", "..", "configs", "severity.yaml"), 3, utils.Discard())
	require.NoError(t, err)
	require.NotEmpty(t, rules.rules)

	assert.Equal(t, models.SeverityCritical, rules.Severity(models.Issue{Class: "security/cert-expiry", FailureCount: 3}, nil))
	assert.Equal(t, models.SeverityHigh, rules.Severity(models.Issue{Class: "dns", FailureCount: 3}, []models.AgentRun{
		{Verdict: models.VerdictFixApplied}, {Verdict: models.VerdictFixFailed},
	}))
	assert.Equal(t, models.SeverityLow, rules.Severity(models.Issue{Class: "batch/nightly-export", FailureCount: 3}, nil))
}
