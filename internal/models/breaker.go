package models

import "time"

// CircuitBreakerState is the persisted breaker record for one issue class.
type CircuitBreakerState struct {
	Class               string
	ConsecutiveFailures int
	SuppressedUntil     *time.Time
	LastSuccessAt       *time.Time
	// Trips counts consecutive suppressions and drives the cooldown growth.
	Trips         int
	TrialInFlight bool
	UpdatedAt     time.Time
}

// Suppressed reports whether dispatch is blocked at now.
func (s CircuitBreakerState) Suppressed(now time.Time) bool {
	return s.SuppressedUntil != nil && now.Before(*s.SuppressedUntil)
}

// ClassProfile summarises past agent work on one issue class.
type ClassProfile struct {
	Class         string
	CompletedRuns int
	DecisiveRuns  int
	AvgConfidence float64
	Resolutions   int
	Escalations   int
	LastSeen      time.Time
}

// Novel reports whether no agent has ever completed a run for the class.
func (p ClassProfile) Novel() bool {
	return p.CompletedRuns == 0
}

// Hotspot ranks a class by how often agents could not close it on their own.
type Hotspot struct {
	Class       string `json:"class"`
	Escalations int    `json:"escalations"`
	Resolutions int    `json:"resolutions"`
	// EscalationRate is escalations over all terminal outcomes.
	EscalationRate float64 `json:"escalation_rate"`
}
