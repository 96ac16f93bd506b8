// Package patterns turns the history of an issue class into dispatch policy.
package patterns

import (
	"context"
	"log/slog"
	"sort"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

const (
	// HighConfidence is the average decisive confidence above which a class with
	// prior resolutions is trusted to a single agent.
	HighConfidence = 0.8

	minAgents = 1
	maxAgents = 3
)

// Profiler decides how many agents an issue deserves from its class history.
type Profiler struct {
	source Source
	logger *slog.Logger
}

// NewProfiler constructs a Profiler; a nil source treats every class as novel.
func NewProfiler(logger *slog.Logger, source Source) *Profiler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Profiler{source: source, logger: logger}
}

// AgentCount returns the number of agents to dispatch for issue. History lookup
// failures fall back to the novel-class count so a flaky store never starves an issue.
func (p *Profiler) AgentCount(ctx context.Context, issue models.Issue) int {
	profile := models.ClassProfile{Class: issue.Class}
	if p.source != nil {
		var err error
		profile, err = p.source.ClassHistory(ctx, issue.Class)
		if err != nil {
			p.logger.Warn("class history unavailable",
				slog.String("class", issue.Class),
				slog.Any("error", err))
			return maxAgents
		}
	}
	return AgentCount(profile, issue.FailureCount)
}

// AgentCount applies the heuristic: novel classes get three agents, classes the
// agents resolve confidently get one, everything else two. An issue that has
// already failed gets one more, up to three.
func AgentCount(profile models.ClassProfile, failures int) int {
	if profile.Novel() {
		return maxAgents
	}
	n := 2
	if profile.Resolutions > 0 && profile.AvgConfidence >= HighConfidence {
		n = minAgents
	}
	if failures > 0 {
		n++
	}
	return min(n, maxAgents)
}

// Hotspots orders profiles by escalation rate, then escalation count. Classes
// with no outcomes are skipped.
func Hotspots(profiles []models.ClassProfile, limit int) []models.Hotspot {
	out := make([]models.Hotspot, 0, len(profiles))
	for _, p := range profiles {
		total := p.Escalations + p.Resolutions
		if total == 0 {
			continue
		}
		out = append(out, models.Hotspot{
			Class:          p.Class,
			Escalations:    p.Escalations,
			Resolutions:    p.Resolutions,
			EscalationRate: float64(p.Escalations) / float64(total),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EscalationRate != out[j].EscalationRate {
			return out[i].EscalationRate > out[j].EscalationRate
		}
		if out[i].Escalations != out[j].Escalations {
			return out[i].Escalations > out[j].Escalations
		}
		return out[i].Class < out[j].Class
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
