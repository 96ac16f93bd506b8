package patterns

import (
	"context"
	"errors"
	"testing"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

func TestAgentCountHeuristic(t *testing.T) {
	cases := []struct {
		name     string
		profile  models.ClassProfile
		failures int
		want     int
	}{
		{name: "novel", profile: models.ClassProfile{}, want: 3},
		{name: "novel with failures", profile: models.ClassProfile{}, failures: 2, want: 3},
		{name: "trusted", profile: models.ClassProfile{CompletedRuns: 6, Resolutions: 2, AvgConfidence: 0.85}, want: 1},
		{name: "trusted after failure", profile: models.ClassProfile{CompletedRuns: 6, Resolutions: 2, AvgConfidence: 0.9}, failures: 1, want: 2},
		{name: "low confidence", profile: models.ClassProfile{CompletedRuns: 4, Resolutions: 1, AvgConfidence: 0.5}, want: 2},
		{name: "never resolved", profile: models.ClassProfile{CompletedRuns: 4, AvgConfidence: 0.95}, want: 2},
		{name: "capped", profile: models.ClassProfile{CompletedRuns: 4}, failures: 5, want: 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := AgentCount(tc.profile, tc.failures); got != tc.want {
				t.Fatalf("AgentCount() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestProfilerFallsBackOnHistoryError(t *testing.T) {
	p := NewProfiler(nil, SourceFunc(func(context.Context, string) (models.ClassProfile, error) {
		return models.ClassProfile{}, errors.New("db locked")
	}))
	if got := p.AgentCount(context.Background(), models.Issue{Class: "dns"}); got != 3 {
		t.Fatalf("expected fallback to 3 agents, got %d", got)
	}
}

func TestProfilerUsesClassHistory(t *testing.T) {
	var asked string
	p := NewProfiler(nil, SourceFunc(func(_ context.Context, class string) (models.ClassProfile, error) {
		asked = class
		return models.ClassProfile{Class: class, CompletedRuns: 3, Resolutions: 3, AvgConfidence: 0.9}, nil
	}))
	if got := p.AgentCount(context.Background(), models.Issue{Class: "ntp-drift"}); got != 1 {
		t.Fatalf("expected 1 agent, got %d", got)
	}
	if asked != "ntp-drift" {
		t.Fatalf("history looked up for %q", asked)
	}
}

func TestHotspotsRanking(t *testing.T) {
	hot := Hotspots([]models.ClassProfile{
		{Class: "disk", Escalations: 1, Resolutions: 9},
		{Class: "dns", Escalations: 3, Resolutions: 1},
		{Class: "idle"},
		{Class: "cert", Escalations: 1, Resolutions: 0},
	}, 2)
	if len(hot) != 2 {
		t.Fatalf("expected 2 hotspots, got %d", len(hot))
	}
	if hot[0].Class != "cert" || hot[1].Class != "dns" {
		t.Fatalf("unexpected order: %+v", hot)
	}
	if hot[1].EscalationRate != 0.75 {
		t.Fatalf("unexpected rate %v", hot[1].EscalationRate)
	}
}
