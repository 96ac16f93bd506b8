package models

import "time"

// IssueFilter narrows an issue listing. Zero values match everything.
type IssueFilter struct {
	Status IssueStatus
	Class  string
	Limit  int
}

// EscalationFilter narrows an escalation listing.
type EscalationFilter struct {
	OpenOnly bool
	IssueID  int64
	Limit    int
}

// Stats is the health/introspection snapshot exposed to dashboards.
type Stats struct {
	OpenIssues        int       `json:"open_issues"`
	DispatchedIssues  int       `json:"dispatched_issues"`
	EscalatedIssues   int       `json:"escalated_issues"`
	SuppressedIssues  int       `json:"suppressed_issues"`
	ResolvedIssues    int       `json:"resolved_issues"`
	ActiveDispatches  int       `json:"active_dispatches"`
	OpenEscalations   int       `json:"open_escalations"`
	SuppressedClasses []string  `json:"suppressed_classes"`
	Hotspots          []Hotspot `json:"hotspots,omitempty"`
	GeneratedAt       time.Time `json:"generated_at"`
}

// CycleReport summarises one scheduler cycle.
type CycleReport struct {
	Started    time.Time
	Finished   time.Time
	Considered int
	Dispatched int
	Resolved   int
	Failed     int
	Escalated  int
	Deferred   int
	Suppressed int
	Errors     int
	// StaleResolved counts escalations closed by the stale audit.
	StaleResolved int
}

// IssueRecord is the full history of one issue, as exported by the retention policy.
type IssueRecord struct {
	Issue       Issue        `json:"issue"`
	Runs        []AgentRun   `json:"runs"`
	Escalations []Escalation `json:"escalations"`
	Audit       []AuditEntry `json:"audit"`
}
