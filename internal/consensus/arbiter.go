// Package consensus reduces the verdicts of independent agent runs to one outcome.
package consensus

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/miradorstack/mirador-remediator/internal/metrics"
	"github.com/miradorstack/mirador-remediator/internal/models"
)

// tieEpsilon absorbs float noise when comparing aggregate weights.
const tieEpsilon = 1e-9

// verdictOrder fixes iteration order so decisions are deterministic.
var verdictOrder = []models.Verdict{
	models.VerdictFixApplied,
	models.VerdictFixFailed,
	models.VerdictInconclusive,
}

// Decision is the authoritative outcome of one dispatch.
type Decision struct {
	Verdict models.Verdict
	Weights map[models.Verdict]float64
	Runs    int
	Tie     bool
}

// Resolved reports whether the issue should be marked resolved.
func (d Decision) Resolved() bool {
	return d.Verdict == models.VerdictFixApplied
}

// NeedsHuman reports whether the agents could not agree on anything actionable.
func (d Decision) NeedsHuman() bool {
	return d.Verdict == models.VerdictInconclusive
}

func (d Decision) String() string {
	if d.Tie {
		return fmt.Sprintf("%s (tie across %d runs)", d.Verdict, d.Runs)
	}
	return fmt.Sprintf("%s (%d runs, weight %.2f)", d.Verdict, d.Runs, d.Weights[d.Verdict])
}

// Arbiter applies confidence-weighted plurality voting.
type Arbiter struct {
	logger *slog.Logger
}

// NewArbiter returns an Arbiter. A nil logger falls back to slog.Default.
func NewArbiter(logger *slog.Logger) *Arbiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Arbiter{logger: logger}
}

// Resolve reduces runs to a Decision. A single run stands as-is; two or more are
// weighted by confidence and a tie on the top weight yields inconclusive.
func (a *Arbiter) Resolve(runs []models.AgentRun) Decision {
	decision, err := Tally(runs)
	if err != nil {
		a.logger.Debug("consensus tie treated as inconclusive",
			slog.Int("runs", decision.Runs), slog.Any("weights", decision.Weights))
	}
	metrics.ObserveConsensus(string(decision.Verdict), decision.Tie)
	return decision
}

// Tally computes the decision and reports models.ErrConsensusTie when the top
// weights are equal. The returned Decision is usable either way.
func Tally(runs []models.AgentRun) (Decision, error) {
	weights := make(map[models.Verdict]float64, len(verdictOrder))
	decision := Decision{Verdict: models.VerdictInconclusive, Weights: weights, Runs: len(runs)}

	switch len(runs) {
	case 0:
		return decision, nil
	case 1:
		v := normalizeVerdict(runs[0].Verdict)
		weights[v] = clampConfidence(runs[0].Confidence)
		decision.Verdict = v
		return decision, nil
	}

	for _, run := range runs {
		weights[normalizeVerdict(run.Verdict)] += clampConfidence(run.Confidence)
	}

	best := math.Inf(-1)
	var leaders []models.Verdict
	for _, v := range verdictOrder {
		w, ok := weights[v]
		if !ok {
			continue
		}
		switch {
		case w > best+tieEpsilon:
			best = w
			leaders = []models.Verdict{v}
		case math.Abs(w-best) <= tieEpsilon:
			leaders = append(leaders, v)
		}
	}

	if len(leaders) != 1 {
		decision.Tie = true
		return decision, models.ErrConsensusTie
	}
	decision.Verdict = leaders[0]
	return decision, nil
}

// normalizeVerdict maps unknown or missing verdicts to inconclusive.
func normalizeVerdict(v models.Verdict) models.Verdict {
	if v.Valid() {
		return v
	}
	return models.VerdictInconclusive
}

func clampConfidence(c float64) float64 {
	switch {
	case math.IsNaN(c), c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
