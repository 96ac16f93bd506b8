package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

// ClassHistory aggregates completed agent work on one issue class.
func (s *Store) ClassHistory(ctx context.Context, class string) (models.ClassProfile, error) {
	profile := models.ClassProfile{Class: class}
	var (
		decisive sql.NullInt64
		avgConf  sql.NullFloat64
		lastSeen sql.NullString
	)
	err := s.conn().queryRow(ctx, `
		SELECT COUNT(*),
			SUM(CASE WHEN r.verdict <> ? THEN 1 ELSE 0 END),
			AVG(CASE WHEN r.verdict <> ? THEN r.confidence END),
			MAX(r.finished_at)
		FROM agent_runs r JOIN issues i ON i.id = r.issue_id
		WHERE i.class = ? AND r.verdict IS NOT NULL`,
		string(models.VerdictInconclusive), string(models.VerdictInconclusive), class,
	).Scan(&profile.CompletedRuns, &decisive, &avgConf, &lastSeen)
	if err != nil {
		return profile, fmt.Errorf("failed to aggregate runs for class %s: %w", class, err)
	}
	profile.DecisiveRuns = int(decisive.Int64)
	profile.AvgConfidence = avgConf.Float64
	if t, err := parseNullTime(lastSeen); err == nil && t != nil {
		profile.LastSeen = *t
	}

	err = s.conn().queryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM issues WHERE class = ? AND status = ?),
			(SELECT COUNT(*) FROM escalations e JOIN issues i ON i.id = e.issue_id WHERE i.class = ?)`,
		class, string(models.IssueResolved), class,
	).Scan(&profile.Resolutions, &profile.Escalations)
	if err != nil {
		return profile, fmt.Errorf("failed to aggregate outcomes for class %s: %w", class, err)
	}
	return profile, nil
}

// ArchiveCandidates returns full records of resolved issues last updated before cutoff.
func (s *Store) ArchiveCandidates(ctx context.Context, cutoff time.Time, limit int) ([]models.IssueRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	issues, err := func() ([]models.Issue, error) {
		rows, err := s.conn().query(ctx, `SELECT `+issueColumns+` FROM issues WHERE status = ? AND updated_at < ? ORDER BY id LIMIT ?`,
			string(models.IssueResolved), formatTime(cutoff), limit)
		if err != nil {
			return nil, fmt.Errorf("failed to list archive candidates: %w", err)
		}
		defer func() { _ = rows.Close() }()
		var out []models.Issue
		for rows.Next() {
			issue, err := scanIssue(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, issue)
		}
		return out, rows.Err()
	}()
	if err != nil {
		return nil, err
	}

	records := make([]models.IssueRecord, 0, len(issues))
	for _, issue := range issues {
		rec := models.IssueRecord{Issue: issue}
		if rec.Runs, err = listRuns(ctx, s.conn(), issue.ID); err != nil {
			return nil, err
		}
		if rec.Escalations, err = listEscalations(ctx, s.conn(),
			`SELECT `+escalationColumns+` FROM escalations WHERE issue_id = ? ORDER BY id`, issue.ID); err != nil {
			return nil, err
		}
		if rec.Audit, err = listAudit(ctx, s.conn(), issue.ID); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// DeleteIssues removes resolved issues and everything they own. Live issues are never deleted.
func (s *Store) DeleteIssues(ctx context.Context, ids []int64) (int, error) {
	var deleted int
	err := s.withTx(ctx, func(tx q) error {
		for _, id := range ids {
			for _, stmt := range []string{
				`DELETE FROM agent_runs WHERE issue_id = ? AND issue_id IN (SELECT id FROM issues WHERE status = 'resolved')`,
				`DELETE FROM escalations WHERE issue_id = ? AND issue_id IN (SELECT id FROM issues WHERE status = 'resolved')`,
				`DELETE FROM issue_audit WHERE issue_id = ? AND issue_id IN (SELECT id FROM issues WHERE status = 'resolved')`,
			} {
				if _, err := tx.exec(ctx, stmt, id); err != nil {
					return fmt.Errorf("failed to purge issue %d: %w", id, err)
				}
			}
			res, err := tx.exec(ctx, `DELETE FROM issues WHERE id = ? AND status = ?`, id, string(models.IssueResolved))
			if err != nil {
				return fmt.Errorf("failed to delete issue %d: %w", id, err)
			}
			if n, err := res.RowsAffected(); err == nil {
				deleted += int(n)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// ClassProfiles returns the history of every class that has ever reported an issue.
func (s *Store) ClassProfiles(ctx context.Context) ([]models.ClassProfile, error) {
	rows, err := s.conn().query(ctx, `SELECT DISTINCT class FROM issues ORDER BY class`)
	if err != nil {
		return nil, fmt.Errorf("failed to list classes: %w", err)
	}
	var classes []string
	for rows.Next() {
		var class string
		if err := rows.Scan(&class); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan class: %w", err)
		}
		classes = append(classes, class)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	profiles := make([]models.ClassProfile, 0, len(classes))
	for _, class := range classes {
		profile, err := s.ClassHistory(ctx, class)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, profile)
	}
	return profiles, nil
}
