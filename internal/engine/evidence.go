package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/utils"
)

// RunLister reads an issue's agent history.
type RunLister interface {
	ListRuns(ctx context.Context, issueID int64) ([]models.AgentRun, error)
}

// maxPriorRuns bounds how much history is replayed into a task.
const maxPriorRuns = 3

// PriorEvidence summarises the latest completed runs of an issue so a retry
// starts from what earlier agents found.
func PriorEvidence(runs RunLister, logger *slog.Logger) func(ctx context.Context, issue models.Issue) string {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, issue models.Issue) string {
		if issue.FailureCount == 0 {
			return ""
		}
		history, err := runs.ListRuns(ctx, issue.ID)
		if err != nil {
			logger.Warn("prior evidence unavailable", slog.Int64("issue_id", issue.ID), slog.Any("error", err))
			return ""
		}
		var lines []string
		for i := len(history) - 1; i >= 0 && len(lines) < maxPriorRuns; i-- {
			run := history[i]
			if !run.Completed() {
				continue
			}
			lines = append(lines, fmt.Sprintf("%s %s (%.2f): %s",
				run.Agent, run.Verdict, run.Confidence, firstLine(run.Evidence)))
		}
		return strings.Join(lines, "\n")
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return utils.Truncate(s, 240)
}
