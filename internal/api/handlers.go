package api

import (
	"fmt"
	"strings"

	"github.com/miradorstack/mirador-remediator/internal/grpc/remediatorv1"
	"github.com/miradorstack/mirador-remediator/internal/models"
)

// ToProtoIssue converts a domain issue into the wire representation.
func ToProtoIssue(issue models.Issue) *remediatorv1.Issue {
	return &remediatorv1.Issue{
		Id:               issue.ID,
		Class:            issue.Class,
		Description:      issue.Description,
		DetectedAt:       issue.DetectedAt,
		UpdatedAt:        issue.UpdatedAt,
		Status:           string(issue.Status),
		FailureCount:     int32(issue.FailureCount),
		LastAttemptAt:    issue.LastAttemptAt,
		ResolutionMethod: issue.ResolutionMethod,
		HumanNotes:       issue.HumanNotes,
	}
}

func ToProtoIssues(issues []models.Issue) []*remediatorv1.Issue {
	out := make([]*remediatorv1.Issue, 0, len(issues))
	for _, issue := range issues {
		out = append(out, ToProtoIssue(issue))
	}
	return out
}

func ToProtoRuns(runs []models.AgentRun) []*remediatorv1.AgentRun {
	out := make([]*remediatorv1.AgentRun, 0, len(runs))
	for _, run := range runs {
		out = append(out, &remediatorv1.AgentRun{
			Id:         run.ID,
			IssueId:    run.IssueID,
			Agent:      run.Agent,
			StartedAt:  run.StartedAt,
			Deadline:   run.Deadline,
			FinishedAt: run.FinishedAt,
			Verdict:    string(run.Verdict),
			Confidence: run.Confidence,
			Evidence:   run.Evidence,
		})
	}
	return out
}

func ToProtoAudit(entries []models.AuditEntry) []*remediatorv1.AuditEntry {
	out := make([]*remediatorv1.AuditEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, &remediatorv1.AuditEntry{
			Id:       e.ID,
			From:     string(e.From),
			To:       string(e.To),
			At:       e.At,
			Detail:   e.Detail,
			PrevHash: e.PrevHash,
			Hash:     e.Hash,
		})
	}
	return out
}

func ToProtoEscalation(esc models.Escalation) *remediatorv1.Escalation {
	return &remediatorv1.Escalation{
		Id:               esc.ID,
		IssueId:          esc.IssueID,
		OpenedAt:         esc.OpenedAt,
		Severity:         string(esc.Severity),
		ResolvedAt:       esc.ResolvedAt,
		ResolutionMethod: string(esc.ResolutionMethod),
		Notes:            esc.Notes,
		ResolvedBy:       esc.ResolvedBy,
	}
}

func ToProtoEscalations(escs []models.Escalation) []*remediatorv1.Escalation {
	out := make([]*remediatorv1.Escalation, 0, len(escs))
	for _, esc := range escs {
		out = append(out, ToProtoEscalation(esc))
	}
	return out
}

// ToProtoCase carries the full trail of an escalation.
func ToProtoCase(c models.EscalationCase) *remediatorv1.EscalationCase {
	return &remediatorv1.EscalationCase{
		Escalation: ToProtoEscalation(c.Escalation),
		Issue:      ToProtoIssue(c.Issue),
		Runs:       ToProtoRuns(c.Runs),
		Audit:      ToProtoAudit(c.Audit),
	}
}

func ToProtoStats(stats models.Stats) *remediatorv1.GetStatsResponse {
	resp := &remediatorv1.GetStatsResponse{
		OpenIssues:        int32(stats.OpenIssues),
		DispatchedIssues:  int32(stats.DispatchedIssues),
		EscalatedIssues:   int32(stats.EscalatedIssues),
		SuppressedIssues:  int32(stats.SuppressedIssues),
		ResolvedIssues:    int32(stats.ResolvedIssues),
		ActiveDispatches:  int32(stats.ActiveDispatches),
		OpenEscalations:   int32(stats.OpenEscalations),
		SuppressedClasses: append([]string(nil), stats.SuppressedClasses...),
		GeneratedAt:       stats.GeneratedAt,
	}
	for _, h := range stats.Hotspots {
		resp.Hotspots = append(resp.Hotspots, &remediatorv1.Hotspot{
			Class:          h.Class,
			Escalations:    int32(h.Escalations),
			Resolutions:    int32(h.Resolutions),
			EscalationRate: h.EscalationRate,
		})
	}
	return resp
}

// FromProtoListIssuesRequest maps and validates a listing filter.
func FromProtoListIssuesRequest(req *remediatorv1.ListIssuesRequest) (models.IssueFilter, error) {
	if req == nil {
		return models.IssueFilter{}, fmt.Errorf("request is nil")
	}
	filter := models.IssueFilter{Class: strings.TrimSpace(req.Class), Limit: int(req.Limit)}
	if req.Status != "" {
		filter.Status = models.IssueStatus(strings.ToLower(req.Status))
		if !filter.Status.Valid() {
			return models.IssueFilter{}, fmt.Errorf("unknown status %q", req.Status)
		}
	}
	if filter.Limit < 0 {
		return models.IssueFilter{}, fmt.Errorf("limit must not be negative")
	}
	return filter, nil
}

// FromProtoResolutionMethod accepts only the methods a human may close with.
func FromProtoResolutionMethod(method string) (models.ResolutionMethod, error) {
	m := models.ResolutionMethod(strings.ToLower(strings.TrimSpace(method)))
	if !m.HumanResolution() {
		allowed := make([]string, 0, len(models.HumanResolutionMethods()))
		for _, hm := range models.HumanResolutionMethods() {
			allowed = append(allowed, string(hm))
		}
		return "", fmt.Errorf("%w: %q is not one of %s", models.ErrInvalidResolution, method, strings.Join(allowed, ", "))
	}
	return m, nil
}
