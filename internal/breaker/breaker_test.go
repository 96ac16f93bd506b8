package breaker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/utils"
)

type memoryStore struct {
	mu     sync.Mutex
	states map[string]models.CircuitBreakerState
}

func newMemoryStore() *memoryStore {
	return &memoryStore{states: make(map[string]models.CircuitBreakerState)}
}

func (m *memoryStore) LoadBreaker(_ context.Context, class string) (models.CircuitBreakerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[class]
	if !ok {
		return models.CircuitBreakerState{Class: class}, nil
	}
	return st, nil
}

func (m *memoryStore) SaveBreaker(_ context.Context, st models.CircuitBreakerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[st.Class] = st
	return nil
}

func (m *memoryStore) ListBreakers(_ context.Context) ([]models.CircuitBreakerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.CircuitBreakerState, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, st)
	}
	return out, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestController(cfg Config) (*Controller, *memoryStore, *fakeClock) {
	store := newMemoryStore()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(store, cfg, WithClock(clock.Now), WithLogger(utils.Discard())), store, clock
}

func failN(t *testing.T, c *Controller, class string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, c.RecordOutcome(context.Background(), class, false))
	}
}

func TestOpensAfterThreshold(t *testing.T) {
	c, store, clock := newTestController(Config{Threshold: 3, Cooldown: time.Hour})
	ctx := context.Background()

	failN(t, c, "svc", 2)
	ok, err := c.AllowDispatch(ctx, "svc")
	require.NoError(t, err)
	assert.True(t, ok)

	failN(t, c, "svc", 1)
	ok, err = c.AllowDispatch(ctx, "svc")
	require.NoError(t, err)
	assert.False(t, ok)

	st := store.states["svc"]
	require.NotNil(t, st.SuppressedUntil)
	assert.Equal(t, clock.Now().Add(time.Hour), *st.SuppressedUntil)
	assert.Equal(t, StateOpen, State(st, clock.Now()))

	classes, err := c.SuppressedClasses(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"svc"}, classes)

	clock.Advance(59 * time.Minute)
	ok, _ = c.AllowDispatch(ctx, "svc")
	assert.False(t, ok)
}

func TestHalfOpenAdmitsExactlyOneTrial(t *testing.T) {
	c, _, clock := newTestController(Config{Threshold: 3, Cooldown: time.Hour})
	ctx := context.Background()
	failN(t, c, "svc", 3)
	clock.Advance(time.Hour)

	ok, err := c.AllowDispatch(ctx, "svc")
	require.NoError(t, err)
	assert.True(t, ok, "first caller after cooldown is the trial")
	ok, _ = c.AllowDispatch(ctx, "svc")
	assert.False(t, ok, "second caller must wait for the trial outcome")

	require.NoError(t, c.RecordOutcome(ctx, "svc", true))
	ok, _ = c.AllowDispatch(ctx, "svc")
	assert.True(t, ok)
	ok, _ = c.AllowDispatch(ctx, "svc")
	assert.True(t, ok, "closed breaker admits everyone")
}

func TestFailedTrialDoublesCooldownUpToMax(t *testing.T) {
	c, store, clock := newTestController(Config{Threshold: 3, Cooldown: time.Hour, MaxCooldown: 3 * time.Hour})
	ctx := context.Background()
	failN(t, c, "svc", 3)

	expected := []time.Duration{2 * time.Hour, 3 * time.Hour, 3 * time.Hour}
	window := time.Hour
	for _, next := range expected {
		clock.Advance(window)
		ok, err := c.AllowDispatch(ctx, "svc")
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, c.RecordOutcome(ctx, "svc", false))

		st := store.states["svc"]
		require.NotNil(t, st.SuppressedUntil)
		assert.Equal(t, clock.Now().Add(next), *st.SuppressedUntil)
		assert.False(t, st.TrialInFlight)
		window = next
	}
}

func TestSuccessResets(t *testing.T) {
	c, store, _ := newTestController(Config{})
	ctx := context.Background()
	failN(t, c, "svc", 5)
	require.NoError(t, c.RecordOutcome(ctx, "svc", true))

	st := store.states["svc"]
	assert.Zero(t, st.ConsecutiveFailures)
	assert.Nil(t, st.SuppressedUntil)
	assert.Zero(t, st.Trips)
	assert.NotNil(t, st.LastSuccessAt)

	suppressed, err := c.Suppressed(ctx, "svc")
	require.NoError(t, err)
	assert.False(t, suppressed)
}

func TestReleaseAndResetTrials(t *testing.T) {
	c, store, clock := newTestController(Config{Threshold: 1, Cooldown: time.Minute})
	ctx := context.Background()
	failN(t, c, "a", 1)
	failN(t, c, "b", 1)
	clock.Advance(time.Minute)

	for _, class := range []string{"a", "b"} {
		ok, err := c.AllowDispatch(ctx, class)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, c.ReleaseTrial(ctx, "a"))
	assert.False(t, store.states["a"].TrialInFlight)

	require.NoError(t, c.ResetTrials(ctx))
	assert.False(t, store.states["b"].TrialInFlight)

	ok, _ := c.AllowDispatch(ctx, "b")
	assert.True(t, ok, "released trial can be admitted again")
}

func TestCooldownFor(t *testing.T) {
	c, _, _ := newTestController(Config{Cooldown: time.Hour, MaxCooldown: 24 * time.Hour})
	assert.Equal(t, time.Hour, c.CooldownFor(0))
	assert.Equal(t, 4*time.Hour, c.CooldownFor(2))
	assert.Equal(t, 24*time.Hour, c.CooldownFor(10))
}

func TestClassesAreIndependent(t *testing.T) {
	c, _, _ := newTestController(Config{Threshold: 3})
	ctx := context.Background()
	failN(t, c, "bad", 3)
	ok, err := c.AllowDispatch(ctx, "good")
	require.NoError(t, err)
	assert.True(t, ok)
}
