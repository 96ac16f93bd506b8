package api

import (
	"errors"
	"testing"
	"time"

	"github.com/miradorstack/mirador-remediator/internal/grpc/remediatorv1"
	"github.com/miradorstack/mirador-remediator/internal/models"
)

func TestToProtoCase(t *testing.T) {
	now := time.Now()
	c := models.EscalationCase{
		Escalation: models.Escalation{ID: 2, IssueID: 9, OpenedAt: now, Severity: models.SeverityCritical},
		Issue:      models.Issue{ID: 9, Class: "svc-x", Status: models.IssueEscalated, FailureCount: 3},
		Runs: []models.AgentRun{
			{ID: "r1", IssueID: 9, Agent: "shell", Verdict: models.VerdictFixFailed, Confidence: 0.4},
		},
		Audit: []models.AuditEntry{{ID: 1, From: models.IssueDispatched, To: models.IssueEscalated, Hash: "abc"}},
	}

	proto := ToProtoCase(c)
	if proto.Escalation.Severity != "critical" {
		t.Fatalf("unexpected severity: %s", proto.Escalation.Severity)
	}
	if proto.Issue.FailureCount != 3 {
		t.Fatalf("unexpected failure count: %d", proto.Issue.FailureCount)
	}
	if len(proto.Runs) != 1 || proto.Runs[0].Verdict != "fix-failed" {
		t.Fatalf("unexpected runs: %+v", proto.Runs)
	}
	if len(proto.Audit) != 1 || proto.Audit[0].To != "escalated" {
		t.Fatalf("unexpected audit: %+v", proto.Audit)
	}
}

func TestFromProtoListIssuesRequest(t *testing.T) {
	filter, err := FromProtoListIssuesRequest(&remediatorv1.ListIssuesRequest{Status: "OPEN", Class: " svc ", Limit: 5})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if filter.Status != models.IssueOpen || filter.Class != "svc" || filter.Limit != 5 {
		t.Fatalf("unexpected filter: %+v", filter)
	}

	if _, err := FromProtoListIssuesRequest(&remediatorv1.ListIssuesRequest{Status: "closed"}); err == nil {
		t.Fatalf("expected unknown status to be rejected")
	}
	if _, err := FromProtoListIssuesRequest(nil); err == nil {
		t.Fatalf("expected nil request to be rejected")
	}
}

func TestFromProtoResolutionMethod(t *testing.T) {
	for _, m := range models.HumanResolutionMethods() {
		got, err := FromProtoResolutionMethod(string(m))
		if err != nil || got != m {
			t.Fatalf("method %s: got %s, %v", m, got, err)
		}
	}
	for _, bad := range []string{"", "agent_fix", "auto_resolved_stale", "deleted"} {
		if _, err := FromProtoResolutionMethod(bad); !errors.Is(err, models.ErrInvalidResolution) {
			t.Fatalf("method %q: expected ErrInvalidResolution, got %v", bad, err)
		}
	}
}

func TestToProtoStats(t *testing.T) {
	resp := ToProtoStats(models.Stats{
		OpenIssues:        4,
		ActiveDispatches:  2,
		SuppressedClasses: []string{"svc-a"},
		Hotspots:          []models.Hotspot{{Class: "svc-a", Escalations: 3, Resolutions: 1, EscalationRate: 0.75}},
	})
	if resp.OpenIssues != 4 || resp.ActiveDispatches != 2 {
		t.Fatalf("unexpected counts: %+v", resp)
	}
	if len(resp.Hotspots) != 1 || resp.Hotspots[0].EscalationRate != 0.75 {
		t.Fatalf("unexpected hotspots: %+v", resp.Hotspots)
	}
}
