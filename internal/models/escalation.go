package models

import "time"

// Severity captures impact levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// ResolutionMethod records how an escalation was closed.
type ResolutionMethod string

const (
	ResolutionRevoked           ResolutionMethod = "revoked"
	ResolutionFixed             ResolutionMethod = "fixed"
	ResolutionObsolete          ResolutionMethod = "obsolete"
	ResolutionFalsePositive     ResolutionMethod = "false_positive"
	ResolutionHumanIntervention ResolutionMethod = "human_intervention"
	ResolutionAutoResolvedStale ResolutionMethod = "auto_resolved_stale"
	// ResolutionAgentFix marks issues resolved by agent consensus without escalation.
	ResolutionAgentFix ResolutionMethod = "agent_fix"
)

var humanResolutionMethods = map[ResolutionMethod]bool{
	ResolutionRevoked:           true,
	ResolutionFixed:             true,
	ResolutionObsolete:          true,
	ResolutionFalsePositive:     true,
	ResolutionHumanIntervention: true,
}

// HumanResolution reports whether m may be supplied by an operator closing an escalation.
func (m ResolutionMethod) HumanResolution() bool {
	return humanResolutionMethods[m]
}

// HumanResolutionMethods lists the operator-facing methods in a stable order.
func HumanResolutionMethods() []ResolutionMethod {
	return []ResolutionMethod{
		ResolutionRevoked,
		ResolutionFixed,
		ResolutionObsolete,
		ResolutionFalsePositive,
		ResolutionHumanIntervention,
	}
}

// Escalation is the durable hand-off of an unresolved issue to human review.
type Escalation struct {
	ID               int64
	IssueID          int64
	OpenedAt         time.Time
	Severity         Severity
	ResolvedAt       *time.Time
	ResolutionMethod ResolutionMethod
	Notes            string
	ResolvedBy       string
}

// Open reports whether the escalation is awaiting a resolution.
func (e Escalation) Open() bool {
	return e.ResolvedAt == nil
}

// EscalationCase bundles an escalation with everything a reviewer needs.
type EscalationCase struct {
	Escalation Escalation
	Issue      Issue
	Runs       []AgentRun
	Audit      []AuditEntry
}
