package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestBreakerProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("three consecutive failures block dispatch until the window elapses", prop.ForAll(
		func(extraFailures int, probeMinutes int) bool {
			c, _, clock := newTestController(Config{Threshold: 3, Cooldown: time.Hour})
			ctx := context.Background()
			for i := 0; i < 3+extraFailures; i++ {
				if err := c.RecordOutcome(ctx, "svc", false); err != nil {
					return false
				}
			}
			clock.Advance(time.Duration(probeMinutes) * time.Minute)
			ok, err := c.AllowDispatch(ctx, "svc")
			if err != nil {
				return false
			}
			return ok == (probeMinutes >= 60)
		},
		gen.IntRange(0, 5),
		gen.IntRange(0, 119),
	))

	properties.Property("fewer failures than the threshold never block", prop.ForAll(
		func(failures int) bool {
			c, _, _ := newTestController(Config{Threshold: 3, Cooldown: time.Hour})
			ctx := context.Background()
			for i := 0; i < failures; i++ {
				_ = c.RecordOutcome(ctx, "svc", false)
			}
			ok, err := c.AllowDispatch(ctx, "svc")
			return err == nil && ok
		},
		gen.IntRange(0, 2),
	))

	properties.TestingRun(t)
}
