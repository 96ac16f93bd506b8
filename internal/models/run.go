package models

import "time"

// Verdict is an agent's conclusion about an issue.
type Verdict string

const (
	VerdictFixApplied   Verdict = "fix-applied"
	VerdictFixFailed    Verdict = "fix-failed"
	VerdictInconclusive Verdict = "inconclusive"
)

// Valid reports whether v is one of the known verdicts.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictFixApplied, VerdictFixFailed, VerdictInconclusive:
		return true
	}
	return false
}

// AgentRun is one bounded diagnostic/remediation attempt against an issue.
// Verdict is empty while the run is in flight.
type AgentRun struct {
	ID         string
	IssueID    int64
	Agent      string
	StartedAt  time.Time
	Deadline   time.Time
	FinishedAt *time.Time
	Verdict    Verdict
	Confidence float64
	Evidence   string
}

// Completed reports whether a verdict has been recorded.
func (r AgentRun) Completed() bool {
	return r.Verdict != ""
}

// Task is the sanitized context an agent receives. It never carries credentials.
type Task struct {
	IssueID     int64  `json:"issue_id"`
	Class       string `json:"class"`
	Description string `json:"description"`
	Evidence    string `json:"evidence,omitempty"`
	Attempt     int    `json:"attempt"`
}

// Report is what an agent returns for a task.
type Report struct {
	Protocol   string  `json:"protocol"`
	Verdict    Verdict `json:"verdict"`
	Confidence float64 `json:"confidence"`
	Evidence   string  `json:"evidence"`
}
