package escalation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

// StaleChecker decides whether the resource behind an issue still exists.
type StaleChecker interface {
	Stale(ctx context.Context, issue models.Issue) (stale bool, reason string, err error)
}

// StaleCheckerFunc adapts a function to StaleChecker.
type StaleCheckerFunc func(ctx context.Context, issue models.Issue) (bool, string, error)

func (f StaleCheckerFunc) Stale(ctx context.Context, issue models.Issue) (bool, string, error) {
	return f(ctx, issue)
}

// CommandStaleChecker asks an external probe. The probe receives the issue as
// JSON on stdin and prints {"stale": bool, "reason": string}.
type CommandStaleChecker struct {
	Path    string
	Args    []string
	Timeout time.Duration
}

func (c CommandStaleChecker) Stale(ctx context.Context, issue models.Issue) (bool, string, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(map[string]any{
		"issue_id":    issue.ID,
		"class":       issue.Class,
		"description": issue.Description,
	})
	if err != nil {
		return false, "", err
	}
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Stdin = bytes.NewReader(payload)
	out, err := cmd.Output()
	if err != nil {
		return false, "", fmt.Errorf("stale probe %s: %w", c.Path, err)
	}
	var verdict struct {
		Stale  bool   `json:"stale"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(out), &verdict); err != nil {
		return false, "", fmt.Errorf("decode stale probe output: %w", err)
	}
	return verdict.Stale, verdict.Reason, nil
}

// AuditStale runs checker against every open escalation and auto-resolves the
// ones whose resource is gone. Probe failures leave the escalation open. It
// returns how many escalations were closed.
func (g *Gateway) AuditStale(ctx context.Context, checker StaleChecker) (int, error) {
	if checker == nil {
		return 0, nil
	}
	escs, err := g.store.ListEscalations(ctx, models.EscalationFilter{OpenOnly: true})
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, esc := range escs {
		if ctx.Err() != nil {
			return closed, ctx.Err()
		}
		issue, err := g.store.GetIssue(ctx, esc.IssueID)
		if err != nil {
			g.logger.Warn("stale audit skipped escalation", slog.Int64("escalation_id", esc.ID), slog.Any("error", err))
			continue
		}
		stale, reason, err := checker.Stale(ctx, issue)
		if err != nil {
			g.logger.Warn("stale probe failed",
				slog.Int64("escalation_id", esc.ID),
				slog.String("class", issue.Class),
				slog.Any("error", err))
			continue
		}
		if !stale {
			continue
		}
		if reason == "" {
			reason = "underlying resource no longer exists"
		}
		if _, err := g.AutoResolveStale(ctx, esc.ID, reason); err != nil {
			g.logger.Warn("stale auto-resolve failed", slog.Int64("escalation_id", esc.ID), slog.Any("error", err))
			continue
		}
		closed++
	}
	return closed, nil
}
