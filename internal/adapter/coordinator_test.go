package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/spellcast/internal/catalog"
	"github.com/rendis/spellcast/pkg/schema"
)

// immediateAdapter is a fake immediate-mode tool backend.
type immediateAdapter struct {
	toolID   string
	calls    int
	failures int   // fail the first N calls
	failWith error // error to fail with
	result   *schema.StepResult
}

func (a *immediateAdapter) ToolID() string { return a.toolID }

func (a *immediateAdapter) Execute(ctx context.Context, input map[string]any) (*schema.StepResult, error) {
	a.calls++
	if a.calls <= a.failures {
		return nil, a.failWith
	}
	if a.result != nil {
		return a.result, nil
	}
	return &schema.StepResult{
		Status:  schema.GenerationStatusCompleted,
		Output:  json.RawMessage(`{"text":"ok"}`),
		CostUSD: 0.01,
	}, nil
}

// asyncAdapter is a fake async-mode tool backend.
type asyncAdapter struct {
	toolID     string
	startCalls int
	failures   int
	failWith   error
}

func (a *asyncAdapter) ToolID() string { return a.toolID }

func (a *asyncAdapter) StartJob(ctx context.Context, input map[string]any) (JobHandle, error) {
	a.startCalls++
	if a.startCalls <= a.failures {
		return JobHandle{}, a.failWith
	}
	return JobHandle{ProviderJobID: "job-1"}, nil
}

func (a *asyncAdapter) PollJob(ctx context.Context, handle JobHandle) (*schema.StepResult, error) {
	return nil, nil
}

func fastConfig() CoordinatorConfig {
	return CoordinatorConfig{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffCap: 5 * time.Millisecond}
}

func newTestCoordinator(t *testing.T, specs []*catalog.ToolSpec, adapters ...Adapter) *Coordinator {
	t.Helper()
	cat := catalog.NewMemoryCatalog()
	for _, s := range specs {
		require.NoError(t, cat.Register(s))
	}
	reg := NewRegistry()
	for _, a := range adapters {
		require.NoError(t, reg.Register(a))
	}
	return NewCoordinator(cat, reg, fastConfig(), nil)
}

func TestInvoke_ImmediateSuccess(t *testing.T) {
	ad := &immediateAdapter{toolID: "txt"}
	c := newTestCoordinator(t, []*catalog.ToolSpec{
		{ToolID: "txt", ExecutionMode: catalog.ModeImmediate},
	}, ad)

	inv, err := c.Invoke(context.Background(), "cast-1", 1, "gen-1", "txt", map[string]any{"prompt": "hi"})
	require.NoError(t, err)
	require.NotNil(t, inv.Immediate)
	assert.Nil(t, inv.Deferred)
	assert.Equal(t, "gen-1", inv.Immediate.GenerationID)
	assert.Equal(t, 1, inv.Immediate.StepID)
	assert.Equal(t, schema.GenerationStatusCompleted, inv.Immediate.Status)
}

func TestInvoke_AsyncDeferred(t *testing.T) {
	ad := &asyncAdapter{toolID: "vid"}
	c := newTestCoordinator(t, []*catalog.ToolSpec{
		{ToolID: "vid", ExecutionMode: catalog.ModeAsync, PollInterval: time.Second},
	}, ad)

	inv, err := c.Invoke(context.Background(), "cast-1", 2, "gen-2", "vid", nil)
	require.NoError(t, err)
	require.NotNil(t, inv.Deferred)
	assert.Nil(t, inv.Immediate)
	assert.Equal(t, "job-1", inv.Deferred.Handle.ProviderJobID)
	assert.Equal(t, "vid", inv.Deferred.Handle.ToolID)
	assert.Equal(t, "gen-2", inv.Deferred.GenerationID)
	assert.Equal(t, "cast-1", inv.Deferred.CastID)
	assert.NotNil(t, inv.Deferred.Poller)
}

func TestResumeJob_RebuildsPollingJob(t *testing.T) {
	ad := &asyncAdapter{toolID: "vid"}
	c := newTestCoordinator(t, []*catalog.ToolSpec{
		{ToolID: "vid", ExecutionMode: catalog.ModeAsync, PollInterval: time.Second, MaxJobDuration: time.Minute},
	}, ad)

	job, err := c.ResumeJob("cast-1", 2, "gen-2", "vid", "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.Handle.ProviderJobID)
	assert.Equal(t, "vid", job.Handle.ToolID)
	assert.Equal(t, "gen-2", job.GenerationID)
	assert.Equal(t, "cast-1", job.CastID)
	assert.Equal(t, 2, job.StepID)
	assert.Equal(t, time.Second, job.PollInterval)
	assert.Equal(t, time.Minute, job.MaxDuration)
	assert.NotNil(t, job.Poller)
}

func TestResumeJob_AdapterWithoutPolling(t *testing.T) {
	ad := &immediateAdapter{toolID: "txt"}
	c := newTestCoordinator(t, []*catalog.ToolSpec{
		{ToolID: "txt", ExecutionMode: catalog.ModeImmediate},
	}, ad)

	_, err := c.ResumeJob("cast-1", 1, "gen-1", "txt", "job-1")
	require.Error(t, err)

	var castErr *schema.CastError
	require.True(t, errors.As(err, &castErr))
	assert.Equal(t, schema.ErrCodeValidation, castErr.Code)
}

func TestInvoke_UnknownTool(t *testing.T) {
	c := newTestCoordinator(t, nil)

	_, err := c.Invoke(context.Background(), "cast-1", 1, "gen-1", "ghost", nil)
	require.Error(t, err)

	var castErr *schema.CastError
	require.True(t, errors.As(err, &castErr))
	assert.Equal(t, schema.ErrCodeNotFound, castErr.Code)
}

func TestInvoke_TransientFailureRetried(t *testing.T) {
	ad := &immediateAdapter{toolID: "txt", failures: 2, failWith: errors.New("connection refused")}
	c := newTestCoordinator(t, []*catalog.ToolSpec{
		{ToolID: "txt", ExecutionMode: catalog.ModeImmediate},
	}, ad)

	inv, err := c.Invoke(context.Background(), "cast-1", 1, "gen-1", "txt", nil)
	require.NoError(t, err)
	require.NotNil(t, inv.Immediate)
	assert.Equal(t, 3, ad.calls)
}

func TestInvoke_RetriesExhausted(t *testing.T) {
	ad := &immediateAdapter{toolID: "txt", failures: 10, failWith: errors.New("service unavailable")}
	c := newTestCoordinator(t, []*catalog.ToolSpec{
		{ToolID: "txt", ExecutionMode: catalog.ModeImmediate},
	}, ad)

	_, err := c.Invoke(context.Background(), "cast-1", 1, "gen-1", "txt", nil)
	require.Error(t, err)

	var castErr *schema.CastError
	require.True(t, errors.As(err, &castErr))
	assert.Equal(t, schema.ErrCodeRetryExhausted, castErr.Code)
	assert.Equal(t, 3, ad.calls)
}

func TestInvoke_PermanentRejectionNotRetried(t *testing.T) {
	rejection := schema.NewError(schema.ErrCodeAdapterRejected, "content policy violation")
	ad := &immediateAdapter{toolID: "txt", failures: 10, failWith: rejection}
	c := newTestCoordinator(t, []*catalog.ToolSpec{
		{ToolID: "txt", ExecutionMode: catalog.ModeImmediate},
	}, ad)

	_, err := c.Invoke(context.Background(), "cast-1", 1, "gen-1", "txt", nil)
	require.Error(t, err)

	var castErr *schema.CastError
	require.True(t, errors.As(err, &castErr))
	assert.Equal(t, schema.ErrCodeAdapterRejected, castErr.Code)
	assert.Equal(t, 1, ad.calls, "business rejection must not be retried")
}

func TestInvoke_StartJobRetried(t *testing.T) {
	ad := &asyncAdapter{toolID: "vid", failures: 1, failWith: errors.New("i/o timeout")}
	c := newTestCoordinator(t, []*catalog.ToolSpec{
		{ToolID: "vid", ExecutionMode: catalog.ModeAsync},
	}, ad)

	inv, err := c.Invoke(context.Background(), "cast-1", 1, "gen-1", "vid", nil)
	require.NoError(t, err)
	require.NotNil(t, inv.Deferred)
	assert.Equal(t, 2, ad.startCalls)
}

func TestInvoke_CircuitOpensAfterFailures(t *testing.T) {
	ad := &immediateAdapter{toolID: "txt", failures: 1000, failWith: errors.New("internal server error")}
	c := newTestCoordinator(t, []*catalog.ToolSpec{
		{ToolID: "txt", ExecutionMode: catalog.ModeImmediate},
	}, ad)

	// Each Invoke records one breaker failure after exhausting retries.
	for i := 0; i < DefaultCircuitBreakerConfig().FailureThreshold; i++ {
		_, err := c.Invoke(context.Background(), "cast-1", 1, "gen-1", "txt", nil)
		require.Error(t, err)
	}

	_, err := c.Invoke(context.Background(), "cast-1", 1, "gen-1", "txt", nil)
	require.Error(t, err)

	var castErr *schema.CastError
	require.True(t, errors.As(err, &castErr))
	assert.Equal(t, schema.ErrCodeCircuitOpen, castErr.Code)
}

func TestRegistry_RejectsCapabilityFreeAdapter(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(bareAdapter{})
	require.Error(t, err)
}

type bareAdapter struct{}

func (bareAdapter) ToolID() string { return "bare" }
