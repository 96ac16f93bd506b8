// Package remediatorv1 defines the remediator.v1 gRPC contract. Messages travel
// as JSON over gRPC using the codec registered in this package.
package remediatorv1

import "time"

type Issue struct {
	Id               int64      `json:"id"`
	Class            string     `json:"class"`
	Description      string     `json:"description"`
	DetectedAt       time.Time  `json:"detected_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	Status           string     `json:"status"`
	FailureCount     int32      `json:"failure_count"`
	LastAttemptAt    *time.Time `json:"last_attempt_at,omitempty"`
	ResolutionMethod string     `json:"resolution_method,omitempty"`
	HumanNotes       string     `json:"human_notes,omitempty"`
}

type AgentRun struct {
	Id         string     `json:"id"`
	IssueId    int64      `json:"issue_id"`
	Agent      string     `json:"agent"`
	StartedAt  time.Time  `json:"started_at"`
	Deadline   time.Time  `json:"deadline"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Verdict    string     `json:"verdict,omitempty"`
	Confidence float64    `json:"confidence"`
	Evidence   string     `json:"evidence,omitempty"`
}

type AuditEntry struct {
	Id       int64     `json:"id"`
	From     string    `json:"from"`
	To       string    `json:"to"`
	At       time.Time `json:"at"`
	Detail   string    `json:"detail,omitempty"`
	PrevHash string    `json:"prev_hash,omitempty"`
	Hash     string    `json:"hash"`
}

type Escalation struct {
	Id               int64      `json:"id"`
	IssueId          int64      `json:"issue_id"`
	OpenedAt         time.Time  `json:"opened_at"`
	Severity         string     `json:"severity"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	ResolutionMethod string     `json:"resolution_method,omitempty"`
	Notes            string     `json:"notes,omitempty"`
	ResolvedBy       string     `json:"resolved_by,omitempty"`
}

type Hotspot struct {
	Class          string  `json:"class"`
	Escalations    int32   `json:"escalations"`
	Resolutions    int32   `json:"resolutions"`
	EscalationRate float64 `json:"escalation_rate"`
}

type ReportIssueRequest struct {
	Class       string `json:"class"`
	Description string `json:"description"`
}

func (r *ReportIssueRequest) GetClass() string {
	if r == nil {
		return ""
	}
	return r.Class
}

type ReportIssueResponse struct {
	Issue   *Issue `json:"issue"`
	Created bool   `json:"created"`
}

type GetIssueRequest struct {
	Id int64 `json:"id"`
}

func (r *GetIssueRequest) GetId() int64 {
	if r == nil {
		return 0
	}
	return r.Id
}

type GetIssueResponse struct {
	Issue       *Issue        `json:"issue"`
	Runs        []*AgentRun   `json:"runs"`
	Escalations []*Escalation `json:"escalations"`
	Audit       []*AuditEntry `json:"audit"`
}

type ListIssuesRequest struct {
	Status string `json:"status,omitempty"`
	Class  string `json:"class,omitempty"`
	Limit  int32  `json:"limit,omitempty"`
}

type ListIssuesResponse struct {
	Issues []*Issue `json:"issues"`
}

type ReleaseIssueRequest struct {
	Id    int64  `json:"id"`
	Notes string `json:"notes,omitempty"`
}

type ReleaseIssueResponse struct {
	Issue *Issue `json:"issue"`
}

type ListEscalationsRequest struct {
	OpenOnly bool  `json:"open_only,omitempty"`
	Limit    int32 `json:"limit,omitempty"`
}

type ListEscalationsResponse struct {
	Cases []*EscalationCase `json:"cases"`
}

type GetEscalationRequest struct {
	Id int64 `json:"id"`
}

func (r *GetEscalationRequest) GetId() int64 {
	if r == nil {
		return 0
	}
	return r.Id
}

// EscalationCase is an escalation with the trail a human needs to act on it.
type EscalationCase struct {
	Escalation *Escalation   `json:"escalation"`
	Issue      *Issue        `json:"issue"`
	Runs       []*AgentRun   `json:"runs"`
	Audit      []*AuditEntry `json:"audit"`
}

type CloseEscalationRequest struct {
	Id     int64  `json:"id"`
	Method string `json:"method"`
	Notes  string `json:"notes,omitempty"`
	// ClosedBy is ignored when the server authenticates callers; the token subject wins.
	ClosedBy string `json:"closed_by,omitempty"`
}

type CloseEscalationResponse struct {
	Escalation *Escalation `json:"escalation"`
}

type GetStatsRequest struct{}

type GetStatsResponse struct {
	OpenIssues        int32      `json:"open_issues"`
	DispatchedIssues  int32      `json:"dispatched_issues"`
	EscalatedIssues   int32      `json:"escalated_issues"`
	SuppressedIssues  int32      `json:"suppressed_issues"`
	ResolvedIssues    int32      `json:"resolved_issues"`
	ActiveDispatches  int32      `json:"active_dispatches"`
	OpenEscalations   int32      `json:"open_escalations"`
	SuppressedClasses []string   `json:"suppressed_classes"`
	Hotspots          []*Hotspot `json:"hotspots,omitempty"`
	GeneratedAt       time.Time  `json:"generated_at"`
}

type TriggerCycleRequest struct{}

type TriggerCycleResponse struct {
	Accepted bool `json:"accepted"`
}

type VerifyAuditRequest struct {
	IssueId int64 `json:"issue_id"`
}

type VerifyAuditResponse struct {
	Entries int32  `json:"entries"`
	Valid   bool   `json:"valid"`
	Problem string `json:"problem,omitempty"`
}
