package consensus

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

func genRun() gopter.Gen {
	return gopter.CombineGens(
		gen.OneConstOf(models.VerdictFixApplied, models.VerdictFixFailed, models.VerdictInconclusive),
		gen.Float64Range(0, 1),
	).Map(func(vals []interface{}) models.AgentRun {
		return models.AgentRun{Verdict: vals[0].(models.Verdict), Confidence: vals[1].(float64)}
	})
}

func TestConsensusProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("a single run's verdict stands", prop.ForAll(
		func(r models.AgentRun) bool {
			d, err := Tally([]models.AgentRun{r})
			return err == nil && d.Verdict == r.Verdict
		},
		genRun(),
	))

	properties.Property("the winner carries strictly the highest weight", prop.ForAll(
		func(runs []models.AgentRun) bool {
			if len(runs) < 2 {
				return true
			}
			d, err := Tally(runs)
			if err != nil {
				return d.Tie && d.Verdict == models.VerdictInconclusive
			}
			for v, w := range d.Weights {
				if v != d.Verdict && w >= d.Weights[d.Verdict] {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(3, genRun()),
	))

	properties.Property("order of runs does not matter", prop.ForAll(
		func(runs []models.AgentRun) bool {
			reversed := make([]models.AgentRun, len(runs))
			for i, r := range runs {
				reversed[len(runs)-1-i] = r
			}
			a, _ := Tally(runs)
			b, _ := Tally(reversed)
			return a.Verdict == b.Verdict && a.Tie == b.Tie
		},
		gen.SliceOfN(3, genRun()),
	))

	properties.Property("unanimous inconclusive never resolves", prop.ForAll(
		func(c1, c2 float64) bool {
			d, _ := Tally([]models.AgentRun{
				{Verdict: models.VerdictInconclusive, Confidence: c1},
				{Verdict: models.VerdictInconclusive, Confidence: c2},
			})
			return !d.Resolved()
		},
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}
