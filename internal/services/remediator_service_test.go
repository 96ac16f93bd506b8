package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/miradorstack/mirador-remediator/internal/api"
	"github.com/miradorstack/mirador-remediator/internal/breaker"
	"github.com/miradorstack/mirador-remediator/internal/escalation"
	"github.com/miradorstack/mirador-remediator/internal/grpc/remediatorv1"
	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/store"
	"github.com/miradorstack/mirador-remediator/internal/utils"
)

type gauge int

func (g gauge) Active() int { return int(g) }

type triggerCounter struct{ n int }

func (t *triggerCounter) Trigger() { t.n++ }

type fixture struct {
	svc     *RemediatorService
	store   *store.Store
	breaker *breaker.Controller
	gateway *escalation.Gateway
	trigger *triggerCounter
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := utils.Discard()
	st, err := store.Open(ctx, store.Config{Driver: store.DriverSQLite, DSN: ":memory:"}, store.WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	br := breaker.New(st, breaker.Config{}, breaker.WithLogger(logger))
	gw := escalation.NewGateway(st, br, nil, logger)
	trig := &triggerCounter{}
	svc := NewRemediatorService(logger, st, gw, br, gauge(2), trig, opts...)
	return &fixture{svc: svc, store: st, breaker: br, gateway: gw, trigger: trig}
}

// escalate drives a fresh issue of class into an open escalation.
func (f *fixture) escalate(t *testing.T, class string) (models.Issue, models.Escalation) {
	t.Helper()
	ctx := context.Background()
	issue, _, err := f.store.ReportIssue(ctx, class, "probe failed")
	require.NoError(t, err)
	issue, err = f.store.UpdateStatus(ctx, issue.ID, models.IssueDispatched, models.StatusUpdate{})
	require.NoError(t, err)
	three := 3
	issue, err = f.store.UpdateStatus(ctx, issue.ID, models.IssueOpen, models.StatusUpdate{FailureCount: &three})
	require.NoError(t, err)
	esc, err := f.gateway.Escalate(ctx, issue, "threshold reached")
	require.NoError(t, err)
	return issue, esc
}

func TestReportIssueDedupsAndValidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.ReportIssue(ctx, &remediatorv1.ReportIssueRequest{Class: "svc-x-exec-fail", Description: "unit failed"})
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, "open", first.Issue.Status)

	second, err := f.svc.ReportIssue(ctx, &remediatorv1.ReportIssueRequest{Class: " svc-x-exec-fail ", Description: "again"})
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Issue.Id, second.Issue.Id)

	_, err = f.svc.ReportIssue(ctx, &remediatorv1.ReportIssueRequest{Class: "  "})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	_, err = f.svc.ReportIssue(ctx, nil)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestReportIssueRateLimited(t *testing.T) {
	f := newFixture(t, WithReportLimit(0.001, 1))
	ctx := context.Background()

	_, err := f.svc.ReportIssue(ctx, &remediatorv1.ReportIssueRequest{Class: "a"})
	require.NoError(t, err)
	_, err = f.svc.ReportIssue(ctx, &remediatorv1.ReportIssueRequest{Class: "b"})
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}

func TestGetIssueReturnsTrail(t *testing.T) {
	f := newFixture(t)
	issue, esc := f.escalate(t, "svc-a")

	resp, err := f.svc.GetIssue(context.Background(), &remediatorv1.GetIssueRequest{Id: issue.ID})
	require.NoError(t, err)
	assert.Equal(t, "escalated", resp.Issue.Status)
	require.Len(t, resp.Escalations, 1)
	assert.Equal(t, esc.ID, resp.Escalations[0].Id)
	assert.Len(t, resp.Audit, 4)

	_, err = f.svc.GetIssue(context.Background(), &remediatorv1.GetIssueRequest{Id: 999})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestCloseEscalationRecordsSubject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issue, esc := f.escalate(t, "svc-a")

	_, err := f.svc.CloseEscalation(ctx, &remediatorv1.CloseEscalationRequest{Id: esc.ID, Method: "agent_fix"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	authed := api.WithSubject(ctx, "alice")
	resp, err := f.svc.CloseEscalation(authed, &remediatorv1.CloseEscalationRequest{
		Id: esc.ID, Method: "fixed", Notes: "rotated cert", ClosedBy: "mallory",
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", resp.Escalation.ResolvedBy)
	assert.Equal(t, "fixed", resp.Escalation.ResolutionMethod)

	got, err := f.store.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IssueResolved, got.Status)

	_, err = f.svc.CloseEscalation(authed, &remediatorv1.CloseEscalationRequest{Id: esc.ID, Method: "fixed"})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestListAndGetEscalations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, open := f.escalate(t, "svc-a")
	_, closed := f.escalate(t, "svc-b")
	_, err := f.gateway.Close(ctx, closed.ID, models.ResolutionObsolete, "", "bob")
	require.NoError(t, err)

	list, err := f.svc.ListEscalations(ctx, &remediatorv1.ListEscalationsRequest{OpenOnly: true})
	require.NoError(t, err)
	require.Len(t, list.Cases, 1)
	assert.Equal(t, open.ID, list.Cases[0].Escalation.Id)

	all, err := f.svc.ListEscalations(ctx, &remediatorv1.ListEscalationsRequest{})
	require.NoError(t, err)
	assert.Len(t, all.Cases, 2)

	c, err := f.svc.GetEscalation(ctx, &remediatorv1.GetEscalationRequest{Id: open.ID})
	require.NoError(t, err)
	assert.Equal(t, "svc-a", c.Issue.Class)
	assert.NotEmpty(t, c.Audit)
}

func TestReleaseIssue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issue, _, err := f.store.ReportIssue(ctx, "svc-q", "quarantined")
	require.NoError(t, err)
	_, err = f.store.UpdateStatus(ctx, issue.ID, models.IssueSuppressed, models.StatusUpdate{Detail: "quarantined"})
	require.NoError(t, err)

	resp, err := f.svc.ReleaseIssue(api.WithSubject(ctx, "alice"), &remediatorv1.ReleaseIssueRequest{Id: issue.ID, Notes: "agent fixed"})
	require.NoError(t, err)
	assert.Equal(t, "open", resp.Issue.Status)

	_, err = f.svc.ReleaseIssue(ctx, &remediatorv1.ReleaseIssueRequest{Id: issue.ID})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestStatsAndTrigger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.escalate(t, "svc-a")
	_, _, err := f.store.ReportIssue(ctx, "svc-b", "disk")
	require.NoError(t, err)
	for range 3 {
		require.NoError(t, f.breaker.RecordOutcome(ctx, "svc-a", false))
	}

	stats, err := f.svc.GetStats(ctx, &remediatorv1.GetStatsRequest{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), stats.OpenIssues)
	assert.Equal(t, int32(1), stats.EscalatedIssues)
	assert.Equal(t, int32(1), stats.OpenEscalations)
	assert.Equal(t, int32(2), stats.ActiveDispatches)
	assert.Equal(t, []string{"svc-a"}, stats.SuppressedClasses)
	require.NotEmpty(t, stats.Hotspots)
	assert.Equal(t, "svc-a", stats.Hotspots[0].Class)

	resp, err := f.svc.TriggerCycle(ctx, &remediatorv1.TriggerCycleRequest{})
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	assert.Equal(t, 1, f.trigger.n)
}

func TestVerifyAudit(t *testing.T) {
	f := newFixture(t)
	issue, _ := f.escalate(t, "svc-a")

	resp, err := f.svc.VerifyAudit(context.Background(), &remediatorv1.VerifyAuditRequest{IssueId: issue.ID})
	require.NoError(t, err)
	assert.True(t, resp.Valid)
	assert.Equal(t, int32(4), resp.Entries)

	_, err = f.svc.VerifyAudit(context.Background(), &remediatorv1.VerifyAuditRequest{IssueId: 404})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestToStatus(t *testing.T) {
	assert.Equal(t, codes.NotFound, status.Code(toStatus(models.NotFound("issue", 1))))
	assert.Equal(t, codes.FailedPrecondition, status.Code(toStatus(&models.InvalidTransitionError{From: "resolved", To: "open"})))
	assert.Equal(t, codes.ResourceExhausted, status.Code(toStatus(models.ErrResourceSaturation)))
	assert.Equal(t, codes.DeadlineExceeded, status.Code(toStatus(context.DeadlineExceeded)))
	assert.Equal(t, codes.Internal, status.Code(toStatus(assert.AnError)))
	assert.NoError(t, toStatus(nil))
}
