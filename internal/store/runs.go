package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

const runColumns = `id, issue_id, agent, started_at, deadline, finished_at, verdict, confidence, evidence`

// BeginRun records an in-flight agent run. The first run of an open issue moves
// it to dispatched in the same transaction, so a dispatched issue always owns a run.
func (s *Store) BeginRun(ctx context.Context, run models.AgentRun) error {
	if run.ID == "" {
		return fmt.Errorf("agent run id is required")
	}

	s.locks.Lock(issueKey(run.IssueID))
	defer s.locks.Unlock(issueKey(run.IssueID))

	return s.withTx(ctx, func(tx q) error {
		issue, err := getIssue(ctx, tx, run.IssueID)
		if err != nil {
			return err
		}
		switch issue.Status {
		case models.IssueOpen:
			if _, err := transition(ctx, tx, issue.ID, models.IssueDispatched, models.StatusUpdate{Detail: "agent dispatched"}, s.now()); err != nil {
				return err
			}
		case models.IssueDispatched:
		default:
			return &models.InvalidTransitionError{IssueID: issue.ID, From: issue.Status, To: models.IssueDispatched, Reason: "issue is not dispatchable"}
		}

		_, err = tx.exec(ctx, `
			INSERT INTO agent_runs (id, issue_id, agent, started_at, deadline, confidence, evidence)
			VALUES (?, ?, ?, ?, ?, 0, '')`,
			run.ID, run.IssueID, run.Agent, formatTime(run.StartedAt), formatTime(run.Deadline),
		)
		if err != nil {
			return fmt.Errorf("failed to insert agent run %s: %w", run.ID, err)
		}
		return nil
	})
}

// CompleteRun records the verdict of an in-flight run. Completed runs are immutable.
func (s *Store) CompleteRun(ctx context.Context, run models.AgentRun) error {
	if !run.Verdict.Valid() {
		return fmt.Errorf("agent run %s: invalid verdict %q", run.ID, run.Verdict)
	}
	finished := s.now()
	if run.FinishedAt != nil {
		finished = *run.FinishedAt
	}

	res, err := s.conn().exec(ctx, `
		UPDATE agent_runs SET finished_at = ?, verdict = ?, confidence = ?, evidence = ?
		WHERE id = ? AND verdict IS NULL`,
		formatTime(finished), string(run.Verdict), run.Confidence, run.Evidence, run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete agent run %s: %w", run.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to complete agent run %s: %w", run.ID, err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = s.conn().queryRow(ctx, `SELECT 1 FROM agent_runs WHERE id = ?`, run.ID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return models.NotFound("agent run", run.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to look up agent run %s: %w", run.ID, err)
	}
	return fmt.Errorf("agent run %s: %w", run.ID, models.ErrRunCompleted)
}

// ListRuns returns every run of an issue, oldest first.
func (s *Store) ListRuns(ctx context.Context, issueID int64) ([]models.AgentRun, error) {
	return listRuns(ctx, s.conn(), issueID)
}

// InFlightRuns counts runs without a verdict.
func (s *Store) InFlightRuns(ctx context.Context) (int, error) {
	var n int
	if err := s.conn().queryRow(ctx, `SELECT COUNT(*) FROM agent_runs WHERE verdict IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count in-flight runs: %w", err)
	}
	return n, nil
}

// AbandonInFlightRuns closes runs left without a verdict by a previous process
// as inconclusive and returns their dispatched issues to open. It returns the
// number of runs closed.
func (s *Store) AbandonInFlightRuns(ctx context.Context, reason string) (int, error) {
	now := s.now()
	var closed int
	err := s.withTx(ctx, func(tx q) error {
		res, err := tx.exec(ctx, `
			UPDATE agent_runs SET finished_at = ?, verdict = ?, confidence = 0, evidence = ?
			WHERE verdict IS NULL`,
			formatTime(now), string(models.VerdictInconclusive), reason,
		)
		if err != nil {
			return fmt.Errorf("failed to abandon runs: %w", err)
		}
		n, _ := res.RowsAffected()
		closed = int(n)

		rows, err := tx.query(ctx, `SELECT id FROM issues WHERE status = ?`, string(models.IssueDispatched))
		if err != nil {
			return fmt.Errorf("failed to list dispatched issues: %w", err)
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return fmt.Errorf("failed to scan issue id: %w", err)
			}
			ids = append(ids, id)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			if _, err := transition(ctx, tx, id, models.IssueOpen, models.StatusUpdate{Detail: reason}, now); err != nil {
				return err
			}
		}
		return nil
	})
	return closed, err
}

func listRuns(ctx context.Context, x q, issueID int64) ([]models.AgentRun, error) {
	rows, err := x.query(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE issue_id = ? ORDER BY started_at, id`, issueID)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs for issue %d: %w", issueID, err)
	}
	defer func() { _ = rows.Close() }()

	var runs []models.AgentRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(row scanner) (models.AgentRun, error) {
	var (
		run      models.AgentRun
		started  string
		deadline string
		finished sql.NullString
		verdict  sql.NullString
	)
	if err := row.Scan(&run.ID, &run.IssueID, &run.Agent, &started, &deadline, &finished, &verdict, &run.Confidence, &run.Evidence); err != nil {
		return models.AgentRun{}, fmt.Errorf("failed to scan agent run: %w", err)
	}
	var err error
	if run.StartedAt, err = parseTime(started); err != nil {
		return models.AgentRun{}, err
	}
	if run.Deadline, err = parseTime(deadline); err != nil {
		return models.AgentRun{}, err
	}
	if run.FinishedAt, err = parseNullTime(finished); err != nil {
		return models.AgentRun{}, err
	}
	run.Verdict = models.Verdict(verdict.String)
	return run, nil
}
