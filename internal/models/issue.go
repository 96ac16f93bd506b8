package models

import (
	"fmt"
	"time"
)

// IssueStatus is the lifecycle state of an Issue.
type IssueStatus string

const (
	IssueOpen       IssueStatus = "open"
	IssueDispatched IssueStatus = "dispatched"
	IssueEscalated  IssueStatus = "escalated"
	IssueResolved   IssueStatus = "resolved"
	IssueSuppressed IssueStatus = "suppressed"
)

// Issue is a detected infrastructure fault awaiting resolution.
type Issue struct {
	ID               int64
	Class            string
	Description      string
	DetectedAt       time.Time
	UpdatedAt        time.Time
	Status           IssueStatus
	FailureCount     int
	LastAttemptAt    *time.Time
	ResolutionMethod string
	HumanNotes       string
}

// Terminal reports whether no further transition is possible.
func (i Issue) Terminal() bool {
	return i.Status.Terminal()
}

var terminalIssueStatuses = map[IssueStatus]bool{
	IssueResolved: true,
}

// Terminal reports whether s has no outgoing transitions.
func (s IssueStatus) Terminal() bool {
	return terminalIssueStatuses[s]
}

// Valid reports whether s is a known status.
func (s IssueStatus) Valid() bool {
	switch s {
	case IssueOpen, IssueDispatched, IssueEscalated, IssueResolved, IssueSuppressed:
		return true
	}
	return false
}

// open → dispatched → {resolved, open (retry), escalated}; escalated → resolved.
// suppressed is the quarantine state for issues that hit structural errors and is
// left only through an explicit release back to open.
var validIssueTransitions = map[IssueStatus]map[IssueStatus]bool{
	IssueOpen: {
		IssueDispatched: true,
		IssueEscalated:  true, // pending escalation deferred by an open breaker
		IssueSuppressed: true,
	},
	IssueDispatched: {
		IssueResolved:   true,
		IssueOpen:       true,
		IssueEscalated:  true,
		IssueSuppressed: true,
	},
	IssueEscalated: {
		IssueResolved: true,
	},
	IssueSuppressed: {
		IssueOpen: true,
	},
}

// ValidateIssueTransition returns an *InvalidTransitionError if to is unreachable from from.
func ValidateIssueTransition(from, to IssueStatus) error {
	if !to.Valid() {
		return &InvalidTransitionError{From: from, To: to, Reason: fmt.Sprintf("unknown status %q", to)}
	}
	if terminalIssueStatuses[from] {
		return &InvalidTransitionError{From: from, To: to, Reason: "status is terminal"}
	}
	if !validIssueTransitions[from][to] {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// StatusUpdate carries the optional field changes accompanying a status transition.
// Nil fields are left untouched.
type StatusUpdate struct {
	FailureCount     *int
	LastAttemptAt    *time.Time
	ResolutionMethod *string
	HumanNotes       *string
	// Detail is recorded on the audit entry only.
	Detail string
}

// AuditEntry is one immutable record of an issue status change.
type AuditEntry struct {
	ID       int64
	IssueID  int64
	From     IssueStatus
	To       IssueStatus
	At       time.Time
	Detail   string
	PrevHash string
	Hash     string
}
