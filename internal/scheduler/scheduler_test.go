package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/spellcast/internal/store"
)

// mockSchedulerStore satisfies store.Store for scheduler tests.
type mockSchedulerStore struct {
	store.Store
	mu        sync.Mutex
	schedules map[string]*store.ScheduledCast
}

func newMockSchedulerStore() *mockSchedulerStore {
	return &mockSchedulerStore{schedules: make(map[string]*store.ScheduledCast)}
}

func (m *mockSchedulerStore) CreateScheduledCast(_ context.Context, sc *store.ScheduledCast) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sc
	m.schedules[sc.ID] = &cp
	return nil
}

func (m *mockSchedulerStore) GetScheduledCast(_ context.Context, id string) (*store.ScheduledCast, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.schedules[id]
	if !ok {
		return nil, nil
	}
	cp := *sc
	return &cp, nil
}

func (m *mockSchedulerStore) UpdateScheduledCast(_ context.Context, id string, update store.ScheduledCastUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.schedules[id]
	if !ok {
		return nil
	}
	if update.Enabled != nil {
		sc.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		sc.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		sc.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		sc.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (m *mockSchedulerStore) ListScheduledCasts(_ context.Context, filter store.ScheduledCastFilter) ([]*store.ScheduledCast, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*store.ScheduledCast
	for _, sc := range m.schedules {
		if filter.Enabled != nil && sc.Enabled != *filter.Enabled {
			continue
		}
		cp := *sc
		result = append(result, &cp)
	}
	return result, nil
}

// mockRunner records cast starts.
type mockRunner struct {
	mu    sync.Mutex
	runs  []string
	block chan struct{} // when set, ExecuteSpell blocks until closed
	err   error
}

func (r *mockRunner) ExecuteSpell(_ context.Context, spellID, _ string, _ map[string]map[string]any) error {
	r.mu.Lock()
	r.runs = append(r.runs, spellID)
	block := r.block
	r.mu.Unlock()
	if block != nil {
		<-block
	}
	return r.err
}

func (r *mockRunner) runCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestTickRunsDueSchedule(t *testing.T) {
	st := newMockSchedulerStore()
	runner := &mockRunner{}
	s := NewScheduler(st, runner, discardLogger())
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, st.CreateScheduledCast(ctx, &store.ScheduledCast{
		ID:             "sched-1",
		SpellID:        "spell-video",
		CronExpression: "* * * * *",
		RuntimeParams:  json.RawMessage(`{"1":{"prompt":"daily fox"}}`),
		InitiatorID:    "user-1",
		Enabled:        true,
		NextRunAt:      &past,
	}))

	s.tick(ctx)

	assert.Equal(t, 1, runner.runCount())
	sc, err := st.GetScheduledCast(ctx, "sched-1")
	require.NoError(t, err)
	assert.Equal(t, "success", sc.LastRunStatus)
	require.NotNil(t, sc.NextRunAt)
	assert.True(t, sc.NextRunAt.After(time.Now().UTC().Add(-time.Second)))
}

func TestTickSkipsFutureAndDisabled(t *testing.T) {
	st := newMockSchedulerStore()
	runner := &mockRunner{}
	s := NewScheduler(st, runner, discardLogger())
	ctx := context.Background()

	future := time.Now().UTC().Add(time.Hour)
	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, st.CreateScheduledCast(ctx, &store.ScheduledCast{
		ID: "future", SpellID: "a", CronExpression: "* * * * *", Enabled: true, NextRunAt: &future,
	}))
	require.NoError(t, st.CreateScheduledCast(ctx, &store.ScheduledCast{
		ID: "disabled", SpellID: "b", CronExpression: "* * * * *", Enabled: false, NextRunAt: &past,
	}))

	s.tick(ctx)
	assert.Zero(t, runner.runCount())
}

func TestTickRecordsFailureStatus(t *testing.T) {
	st := newMockSchedulerStore()
	runner := &mockRunner{err: assert.AnError}
	s := NewScheduler(st, runner, discardLogger())
	ctx := context.Background()

	require.NoError(t, st.CreateScheduledCast(ctx, &store.ScheduledCast{
		ID: "sched-1", SpellID: "spell-video", CronExpression: "* * * * *", Enabled: true,
	}))

	s.tick(ctx)

	sc, err := st.GetScheduledCast(ctx, "sched-1")
	require.NoError(t, err)
	assert.Equal(t, "error", sc.LastRunStatus)
}

func TestInflightDedup(t *testing.T) {
	st := newMockSchedulerStore()
	runner := &mockRunner{block: make(chan struct{})}
	s := NewScheduler(st, runner, discardLogger())
	ctx := context.Background()

	require.NoError(t, st.CreateScheduledCast(ctx, &store.ScheduledCast{
		ID: "sched-1", SpellID: "spell-video", CronExpression: "* * * * *", Enabled: true,
	}))

	go s.tick(ctx)
	// Wait for the first run to be in flight.
	require.Eventually(t, func() bool { return runner.runCount() == 1 }, time.Second, 5*time.Millisecond)

	// A second tick must not start the same schedule again.
	s.tick(ctx)
	assert.Equal(t, 1, runner.runCount())

	close(runner.block)
}

func TestCalculateNextRun(t *testing.T) {
	s := NewScheduler(newMockSchedulerStore(), &mockRunner{}, discardLogger())

	from := time.Date(2026, 8, 31, 5, 30, 0, 0, time.UTC)
	next, err := s.CalculateNextRun("0 6 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 31, 6, 0, 0, 0, time.UTC), next)

	_, err = s.CalculateNextRun("not a cron", from)
	assert.Error(t, err)
}

func TestRecoverMissed(t *testing.T) {
	st := newMockSchedulerStore()
	runner := &mockRunner{}
	s := NewScheduler(st, runner, discardLogger())
	ctx := context.Background()

	missed := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, st.CreateScheduledCast(ctx, &store.ScheduledCast{
		ID: "missed", SpellID: "spell-video", CronExpression: "0 * * * *", Enabled: true, NextRunAt: &missed,
	}))
	require.NoError(t, st.CreateScheduledCast(ctx, &store.ScheduledCast{
		ID: "fresh", SpellID: "spell-video", CronExpression: "0 * * * *", Enabled: true,
	}))

	require.NoError(t, s.RecoverMissed(ctx))
	assert.Equal(t, 1, runner.runCount())
}

func TestStartAndStop(t *testing.T) {
	st := newMockSchedulerStore()
	s := NewScheduler(st, &mockRunner{}, discardLogger())

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())

	// Restart after stop is allowed.
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
}
