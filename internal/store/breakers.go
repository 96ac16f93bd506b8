package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

const breakerColumns = `class, consecutive_failures, suppressed_until, last_success_at, trips, trial_in_flight, updated_at`

// LoadBreaker returns the persisted breaker for class, or a zero state when none exists.
func (s *Store) LoadBreaker(ctx context.Context, class string) (models.CircuitBreakerState, error) {
	row := s.conn().queryRow(ctx, `SELECT `+breakerColumns+` FROM circuit_breakers WHERE class = ?`, class)
	state, err := scanBreaker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CircuitBreakerState{Class: class}, nil
	}
	return state, err
}

// SaveBreaker upserts the breaker state of one class.
func (s *Store) SaveBreaker(ctx context.Context, state models.CircuitBreakerState) error {
	if state.Class == "" {
		return fmt.Errorf("breaker class is required")
	}
	_, err := s.conn().exec(ctx, `
		INSERT INTO circuit_breakers (class, consecutive_failures, suppressed_until, last_success_at, trips, trial_in_flight, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (class) DO UPDATE SET
			consecutive_failures = excluded.consecutive_failures,
			suppressed_until = excluded.suppressed_until,
			last_success_at = excluded.last_success_at,
			trips = excluded.trips,
			trial_in_flight = excluded.trial_in_flight,
			updated_at = excluded.updated_at`,
		state.Class, state.ConsecutiveFailures, nullableTime(state.SuppressedUntil), nullableTime(state.LastSuccessAt),
		state.Trips, boolToInt(state.TrialInFlight), formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("failed to save breaker %s: %w", state.Class, err)
	}
	return nil
}

// ListBreakers returns every persisted breaker ordered by class.
func (s *Store) ListBreakers(ctx context.Context) ([]models.CircuitBreakerState, error) {
	rows, err := s.conn().query(ctx, `SELECT `+breakerColumns+` FROM circuit_breakers ORDER BY class`)
	if err != nil {
		return nil, fmt.Errorf("failed to list breakers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var states []models.CircuitBreakerState
	for rows.Next() {
		state, err := scanBreaker(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

func scanBreaker(row scanner) (models.CircuitBreakerState, error) {
	var (
		state       models.CircuitBreakerState
		suppressed  sql.NullString
		lastSuccess sql.NullString
		trial       int
		updated     string
	)
	if err := row.Scan(&state.Class, &state.ConsecutiveFailures, &suppressed, &lastSuccess, &state.Trips, &trial, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state, err
		}
		return state, fmt.Errorf("failed to scan breaker: %w", err)
	}
	var err error
	if state.SuppressedUntil, err = parseNullTime(suppressed); err != nil {
		return state, err
	}
	if state.LastSuccessAt, err = parseNullTime(lastSuccess); err != nil {
		return state, err
	}
	if state.UpdatedAt, err = parseTime(updated); err != nil {
		return state, err
	}
	state.TrialInFlight = trial != 0
	return state, nil
}
