package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

const escalationColumns = `id, issue_id, opened_at, severity, resolved_at, resolution_method, notes, resolved_by`

// OpenEscalation moves the issue to escalated and creates its escalation record
// atomically. If the issue already has an open escalation it is returned unchanged
// with created=false.
func (s *Store) OpenEscalation(ctx context.Context, issueID int64, severity models.Severity, upd models.StatusUpdate) (models.Escalation, bool, error) {
	if !severity.Valid() {
		return models.Escalation{}, false, fmt.Errorf("invalid severity %q", severity)
	}

	s.locks.Lock(issueKey(issueID))
	defer s.locks.Unlock(issueKey(issueID))

	var (
		esc     models.Escalation
		created bool
	)
	err := s.withTx(ctx, func(tx q) error {
		existing, err := openEscalationForIssue(ctx, tx, issueID)
		if err == nil {
			esc = existing
			return nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return err
		}

		now := s.now()
		if _, err := transition(ctx, tx, issueID, models.IssueEscalated, upd, now); err != nil {
			return err
		}
		var id int64
		err = tx.queryRow(ctx, `
			INSERT INTO escalations (issue_id, opened_at, severity, notes, resolved_by)
			VALUES (?, ?, ?, '', '')
			RETURNING id`,
			issueID, formatTime(now), string(severity),
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("failed to insert escalation for issue %d: %w", issueID, err)
		}
		esc, err = getEscalation(ctx, tx, id)
		created = err == nil
		return err
	})
	return esc, created, err
}

// CloseEscalation records the resolution and resolves the linked issue in one transaction.
func (s *Store) CloseEscalation(ctx context.Context, id int64, method models.ResolutionMethod, notes, closedBy string) (models.Escalation, models.Issue, error) {
	if method == "" {
		return models.Escalation{}, models.Issue{}, fmt.Errorf("escalation %d: %w: resolution method is required", id, models.ErrInvalidResolution)
	}

	current, err := s.GetEscalation(ctx, id)
	if err != nil {
		return models.Escalation{}, models.Issue{}, err
	}

	s.locks.Lock(issueKey(current.IssueID))
	defer s.locks.Unlock(issueKey(current.IssueID))

	var (
		esc   models.Escalation
		issue models.Issue
	)
	err = s.withTx(ctx, func(tx q) error {
		now := s.now()
		res, err := tx.exec(ctx, `
			UPDATE escalations SET resolved_at = ?, resolution_method = ?, notes = ?, resolved_by = ?
			WHERE id = ? AND resolved_at IS NULL`,
			formatTime(now), string(method), notes, closedBy, id,
		)
		if err != nil {
			return fmt.Errorf("failed to close escalation %d: %w", id, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("escalation %d: %w", id, models.ErrEscalationClosed)
		}

		methodStr := string(method)
		issue, err = transition(ctx, tx, current.IssueID, models.IssueResolved, models.StatusUpdate{
			ResolutionMethod: &methodStr,
			HumanNotes:       &notes,
			Detail:           "escalation closed: " + methodStr,
		}, now)
		if err != nil {
			return err
		}
		esc, err = getEscalation(ctx, tx, id)
		return err
	})
	if err != nil {
		return models.Escalation{}, models.Issue{}, err
	}
	return esc, issue, nil
}

// GetEscalation loads one escalation.
func (s *Store) GetEscalation(ctx context.Context, id int64) (models.Escalation, error) {
	return getEscalation(ctx, s.conn(), id)
}

// OpenEscalationForIssue returns the issue's open escalation or ErrNotFound.
func (s *Store) OpenEscalationForIssue(ctx context.Context, issueID int64) (models.Escalation, error) {
	return openEscalationForIssue(ctx, s.conn(), issueID)
}

// ListEscalations returns escalations ordered by id.
func (s *Store) ListEscalations(ctx context.Context, filter models.EscalationFilter) ([]models.Escalation, error) {
	query := `SELECT ` + escalationColumns + ` FROM escalations`
	var args []any
	var where []string
	if filter.OpenOnly {
		where = append(where, "resolved_at IS NULL")
	}
	if filter.IssueID > 0 {
		where = append(where, "issue_id = ?")
		args = append(args, filter.IssueID)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return listEscalations(ctx, s.conn(), query, args...)
}

// CountOpenEscalations returns the number of unresolved escalations.
func (s *Store) CountOpenEscalations(ctx context.Context) (int, error) {
	var n int
	if err := s.conn().queryRow(ctx, `SELECT COUNT(*) FROM escalations WHERE resolved_at IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count escalations: %w", err)
	}
	return n, nil
}

func listEscalations(ctx context.Context, x q, query string, args ...any) ([]models.Escalation, error) {
	rows, err := x.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list escalations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.Escalation
	for rows.Next() {
		esc, err := scanEscalation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, esc)
	}
	return out, rows.Err()
}

func getEscalation(ctx context.Context, x q, id int64) (models.Escalation, error) {
	esc, err := scanEscalation(x.queryRow(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Escalation{}, models.NotFound("escalation", id)
	}
	return esc, err
}

func openEscalationForIssue(ctx context.Context, x q, issueID int64) (models.Escalation, error) {
	esc, err := scanEscalation(x.queryRow(ctx,
		`SELECT `+escalationColumns+` FROM escalations WHERE issue_id = ? AND resolved_at IS NULL`, issueID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Escalation{}, models.NotFound("open escalation for issue", issueID)
	}
	return esc, err
}

func scanEscalation(row scanner) (models.Escalation, error) {
	var (
		esc      models.Escalation
		opened   string
		severity string
		resolved sql.NullString
		method   sql.NullString
	)
	if err := row.Scan(&esc.ID, &esc.IssueID, &opened, &severity, &resolved, &method, &esc.Notes, &esc.ResolvedBy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return esc, err
		}
		return esc, fmt.Errorf("failed to scan escalation: %w", err)
	}
	var err error
	if esc.OpenedAt, err = parseTime(opened); err != nil {
		return esc, err
	}
	if esc.ResolvedAt, err = parseNullTime(resolved); err != nil {
		return esc, err
	}
	esc.Severity = models.Severity(severity)
	esc.ResolutionMethod = models.ResolutionMethod(method.String)
	return esc, nil
}
