package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

// auditPayload is the hashed portion of an audit entry.
type auditPayload struct {
	IssueID  int64  `json:"issue_id"`
	From     string `json:"from"`
	To       string `json:"to"`
	At       string `json:"at"`
	Detail   string `json:"detail"`
	PrevHash string `json:"prev_hash"`
}

// hashAudit returns sha256 over the RFC 8785 canonical form of the entry.
func hashAudit(p auditPayload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode audit entry: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize audit entry: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// appendAudit chains a new entry onto the issue's audit log.
func appendAudit(ctx context.Context, tx q, issueID int64, from, to models.IssueStatus, at time.Time, detail string) (models.AuditEntry, error) {
	var prev string
	err := tx.queryRow(ctx, `SELECT hash FROM issue_audit WHERE issue_id = ? ORDER BY id DESC LIMIT 1`, issueID).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return models.AuditEntry{}, fmt.Errorf("failed to load audit head: %w", err)
	}

	payload := auditPayload{
		IssueID:  issueID,
		From:     string(from),
		To:       string(to),
		At:       formatTime(at),
		Detail:   detail,
		PrevHash: prev,
	}
	hash, err := hashAudit(payload)
	if err != nil {
		return models.AuditEntry{}, err
	}

	entry := models.AuditEntry{
		IssueID:  issueID,
		From:     from,
		To:       to,
		At:       at.UTC(),
		Detail:   detail,
		PrevHash: prev,
		Hash:     hash,
	}
	err = tx.queryRow(ctx, `
		INSERT INTO issue_audit (issue_id, from_status, to_status, at, detail, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		issueID, string(from), string(to), payload.At, detail, prev, hash,
	).Scan(&entry.ID)
	if err != nil {
		return models.AuditEntry{}, fmt.Errorf("failed to append audit entry: %w", err)
	}
	return entry, nil
}

// ListAudit returns the issue's audit trail in insertion order.
func (s *Store) ListAudit(ctx context.Context, issueID int64) ([]models.AuditEntry, error) {
	return listAudit(ctx, s.conn(), issueID)
}

func listAudit(ctx context.Context, x q, issueID int64) ([]models.AuditEntry, error) {
	rows, err := x.query(ctx, `
		SELECT id, issue_id, from_status, to_status, at, detail, prev_hash, hash
		FROM issue_audit WHERE issue_id = ? ORDER BY id`, issueID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit for issue %d: %w", issueID, err)
	}
	defer func() { _ = rows.Close() }()

	var entries []models.AuditEntry
	for rows.Next() {
		var (
			e        models.AuditEntry
			from, to string
			at       string
		)
		if err := rows.Scan(&e.ID, &e.IssueID, &from, &to, &at, &e.Detail, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if e.At, err = parseTime(at); err != nil {
			return nil, err
		}
		e.From = models.IssueStatus(from)
		e.To = models.IssueStatus(to)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AuditMismatchError reports the first entry whose hash chain does not verify.
type AuditMismatchError struct {
	IssueID int64
	EntryID int64
	Reason  string
}

func (e *AuditMismatchError) Error() string {
	return fmt.Sprintf("audit chain broken for issue %d at entry %d: %s", e.IssueID, e.EntryID, e.Reason)
}

// VerifyAudit recomputes the hash chain of one issue.
func (s *Store) VerifyAudit(ctx context.Context, issueID int64) error {
	entries, err := s.ListAudit(ctx, issueID)
	if err != nil {
		return err
	}
	prev := ""
	for _, e := range entries {
		if e.PrevHash != prev {
			return &AuditMismatchError{IssueID: issueID, EntryID: e.ID, Reason: "prev_hash does not match predecessor"}
		}
		want, err := hashAudit(auditPayload{
			IssueID:  e.IssueID,
			From:     string(e.From),
			To:       string(e.To),
			At:       formatTime(e.At),
			Detail:   e.Detail,
			PrevHash: e.PrevHash,
		})
		if err != nil {
			return err
		}
		if want != e.Hash {
			return &AuditMismatchError{IssueID: issueID, EntryID: e.ID, Reason: "hash does not match content"}
		}
		prev = e.Hash
	}
	return nil
}
