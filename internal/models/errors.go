package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown issue or escalation ids.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is wrapped by every *InvalidTransitionError.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrDispatchTimeout marks an agent that exceeded its deadline.
	ErrDispatchTimeout = errors.New("agent dispatch timed out")
	// ErrResourceSaturation is returned when host load stays above the safety threshold.
	ErrResourceSaturation = errors.New("resource saturation")
	// ErrConsensusTie is reported when the top verdict weights are equal.
	ErrConsensusTie = errors.New("consensus tie")
	// ErrInvalidResolution rejects a resolution method outside the accepted set.
	ErrInvalidResolution = errors.New("invalid resolution method")
	// ErrLeaseHeld is returned when another replica holds a dispatch lease.
	ErrLeaseHeld = errors.New("lease held elsewhere")
	// ErrLeaseLost is returned when a lease expired or changed hands before renewal.
	ErrLeaseLost = errors.New("lease lost")
	// ErrEscalationClosed rejects a second close of the same escalation.
	ErrEscalationClosed = errors.New("escalation already closed")
	// ErrRunCompleted rejects a second verdict for the same agent run.
	ErrRunCompleted = errors.New("agent run already completed")
)

// NotFoundError names the kind and id that could not be located.
type NotFoundError struct {
	Kind string
	ID   string
}

// NotFound builds a *NotFoundError for any printable id.
func NotFound(kind string, id any) error {
	return &NotFoundError{Kind: kind, ID: fmt.Sprint(id)}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// InvalidTransitionError rejects an unreachable issue status change.
type InvalidTransitionError struct {
	IssueID int64
	From    IssueStatus
	To      IssueStatus
	Reason  string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("invalid issue transition: %q → %q", e.From, e.To)
	if e.IssueID != 0 {
		msg = fmt.Sprintf("issue %d: %s", e.IssueID, msg)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// Structural reports whether err indicates a defect that retrying cannot fix.
func Structural(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}
