package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/utils"
)

const issueColumns = `id, class, description, detected_at, updated_at, status, failure_count, last_attempt_at, resolution_method, human_notes`

func classKey(class string) string { return "class:" + class }

func issueKey(id int64) string { return "issue:" + strconv.FormatInt(id, 10) }

// CanonicalClass trims and NFC-normalises a class so visually identical
// reports deduplicate onto the same issue.
func CanonicalClass(class string) string {
	return norm.NFC.String(strings.TrimSpace(class))
}

// ReportIssue returns the live issue of class, or creates a new open one.
// created reports whether a new record was inserted.
func (s *Store) ReportIssue(ctx context.Context, class, description string) (models.Issue, bool, error) {
	class = CanonicalClass(class)
	if class == "" {
		return models.Issue{}, false, utils.NewAppError("store.ReportIssue", "class is required", nil)
	}

	s.locks.Lock(classKey(class))
	defer s.locks.Unlock(classKey(class))

	var (
		issue   models.Issue
		created bool
	)
	err := s.withTx(ctx, func(tx q) error {
		existing, err := liveIssueByClass(ctx, tx, class)
		if err == nil {
			issue = existing
			return nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return err
		}

		now := s.now()
		var id int64
		err = tx.queryRow(ctx, `
			INSERT INTO issues (class, description, detected_at, updated_at, status, failure_count)
			VALUES (?, ?, ?, ?, ?, 0)
			RETURNING id`,
			class, description, formatTime(now), formatTime(now), string(models.IssueOpen),
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("failed to insert issue: %w", err)
		}
		if _, err := appendAudit(ctx, tx, id, "", models.IssueOpen, now, "reported"); err != nil {
			return err
		}
		issue, err = getIssue(ctx, tx, id)
		created = err == nil
		return err
	})
	if err != nil {
		// A concurrent replica may have won the unique live-class index.
		if existing, lookupErr := liveIssueByClass(ctx, s.conn(), class); lookupErr == nil {
			return existing, false, nil
		}
		return models.Issue{}, false, utils.WrapOp("store.ReportIssue", err)
	}
	if created {
		s.logger.Debug("issue reported", slog.Int64("issue_id", issue.ID), slog.String("class", class))
	}
	return issue, created, nil
}

// GetIssue loads one issue.
func (s *Store) GetIssue(ctx context.Context, id int64) (models.Issue, error) {
	return getIssue(ctx, s.conn(), id)
}

// ListIssues returns issues ordered by id, oldest first.
func (s *Store) ListIssues(ctx context.Context, filter models.IssueFilter) ([]models.Issue, error) {
	query := `SELECT ` + issueColumns + ` FROM issues`
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Class != "" {
		where = append(where, "class = ?")
		args = append(args, CanonicalClass(filter.Class))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.conn().query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var issues []models.Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

// UpdateStatus is the only mutation path for Issue.status. It validates the
// transition, applies the optional field changes and appends an audit entry.
func (s *Store) UpdateStatus(ctx context.Context, id int64, to models.IssueStatus, upd models.StatusUpdate) (models.Issue, error) {
	s.locks.Lock(issueKey(id))
	defer s.locks.Unlock(issueKey(id))

	var issue models.Issue
	err := s.withTx(ctx, func(tx q) error {
		var err error
		issue, err = transition(ctx, tx, id, to, upd, s.now())
		return err
	})
	if err != nil {
		return models.Issue{}, err
	}
	return issue, nil
}

// transition applies a validated status change inside tx.
func transition(ctx context.Context, tx q, id int64, to models.IssueStatus, upd models.StatusUpdate, now time.Time) (models.Issue, error) {
	current, err := getIssue(ctx, tx, id)
	if err != nil {
		return models.Issue{}, err
	}
	if err := models.ValidateIssueTransition(current.Status, to); err != nil {
		var te *models.InvalidTransitionError
		if errors.As(err, &te) {
			te.IssueID = id
		}
		return models.Issue{}, err
	}

	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(to), formatTime(now)}
	if upd.FailureCount != nil {
		sets = append(sets, "failure_count = ?")
		args = append(args, *upd.FailureCount)
	}
	if upd.LastAttemptAt != nil {
		sets = append(sets, "last_attempt_at = ?")
		args = append(args, formatTime(*upd.LastAttemptAt))
	}
	if upd.ResolutionMethod != nil {
		sets = append(sets, "resolution_method = ?")
		args = append(args, nullableString(*upd.ResolutionMethod))
	}
	if upd.HumanNotes != nil {
		sets = append(sets, "human_notes = ?")
		args = append(args, nullableString(*upd.HumanNotes))
	}
	args = append(args, id, string(current.Status))

	res, err := tx.exec(ctx, `UPDATE issues SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return models.Issue{}, fmt.Errorf("failed to update issue %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.Issue{}, &models.InvalidTransitionError{IssueID: id, From: current.Status, To: to, Reason: "status changed concurrently"}
	}
	if _, err := appendAudit(ctx, tx, id, current.Status, to, now, upd.Detail); err != nil {
		return models.Issue{}, err
	}
	return getIssue(ctx, tx, id)
}

// Counts returns the number of issues per status.
func (s *Store) Counts(ctx context.Context) (map[models.IssueStatus]int, error) {
	rows, err := s.conn().query(ctx, `SELECT status, COUNT(*) FROM issues GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count issues: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[models.IssueStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan issue count: %w", err)
		}
		counts[models.IssueStatus(status)] = n
	}
	return counts, rows.Err()
}

func liveIssueByClass(ctx context.Context, x q, class string) (models.Issue, error) {
	row := x.queryRow(ctx, `SELECT `+issueColumns+` FROM issues WHERE class = ? AND status <> ? ORDER BY id DESC LIMIT 1`,
		class, string(models.IssueResolved))
	issue, err := scanIssue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Issue{}, models.NotFound("live issue for class", class)
	}
	return issue, err
}

func getIssue(ctx context.Context, x q, id int64) (models.Issue, error) {
	row := x.queryRow(ctx, `SELECT `+issueColumns+` FROM issues WHERE id = ?`, id)
	issue, err := scanIssue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Issue{}, models.NotFound("issue", id)
	}
	return issue, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIssue(row scanner) (models.Issue, error) {
	var (
		issue       models.Issue
		detectedAt  string
		updatedAt   string
		status      string
		lastAttempt sql.NullString
		method      sql.NullString
		notes       sql.NullString
	)
	if err := row.Scan(&issue.ID, &issue.Class, &issue.Description, &detectedAt, &updatedAt,
		&status, &issue.FailureCount, &lastAttempt, &method, &notes); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Issue{}, err
		}
		return models.Issue{}, fmt.Errorf("failed to scan issue: %w", err)
	}

	var err error
	if issue.DetectedAt, err = parseTime(detectedAt); err != nil {
		return models.Issue{}, err
	}
	if issue.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.Issue{}, err
	}
	if issue.LastAttemptAt, err = parseNullTime(lastAttempt); err != nil {
		return models.Issue{}, err
	}
	issue.Status = models.IssueStatus(status)
	issue.ResolutionMethod = method.String
	issue.HumanNotes = notes.String
	return issue, nil
}
