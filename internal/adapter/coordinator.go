package adapter

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rendis/spellcast/internal/catalog"
	"github.com/rendis/spellcast/pkg/schema"
)

// Invocation is the outcome of Coordinator.Invoke: exactly one of
// Immediate or Deferred is set.
type Invocation struct {
	// Immediate holds the synchronous result of an immediate-mode tool.
	Immediate *schema.StepResult
	// Deferred holds the job handle of an async-mode tool; the result
	// arrives later via poll or webhook.
	Deferred *Job
}

// Job is an outstanding asynchronous step execution.
type Job struct {
	Handle       JobHandle
	GenerationID string
	StepID       int
	CastID       string
	Poller       JobPoller
	PollInterval time.Duration
	MaxDuration  time.Duration
}

// CoordinatorConfig bounds the transient-failure retry loop.
type CoordinatorConfig struct {
	MaxAttempts int           // attempts per invocation, including the first
	BackoffBase time.Duration // exponential base
	BackoffCap  time.Duration
}

// DefaultCoordinatorConfig matches the engine's documented budgets:
// up to 3 attempts, 500ms exponential base.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		MaxAttempts: 3,
		BackoffBase: 500 * time.Millisecond,
		BackoffCap:  10 * time.Second,
	}
}

// Coordinator wraps a tool's capability set behind one uniform call and
// decides whether a step result is available now or must be awaited.
type Coordinator struct {
	catalog  catalog.ToolCatalog
	registry *Registry
	breakers *CircuitBreakerRegistry
	config   CoordinatorConfig
	logger   *slog.Logger
}

// NewCoordinator creates a Coordinator over the given catalog and adapter registry.
func NewCoordinator(cat catalog.ToolCatalog, reg *Registry, cfg CoordinatorConfig, logger *slog.Logger) *Coordinator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultCoordinatorConfig().MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultCoordinatorConfig().BackoffBase
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		catalog:  cat,
		registry: reg,
		breakers: NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig()),
		config:   cfg,
		logger:   logger,
	}
}

// Breakers exposes the circuit breaker registry for diagnostics.
func (c *Coordinator) Breakers() *CircuitBreakerRegistry { return c.breakers }

// Invoke executes one step attempt against the tool's backend. The caller
// has already created the GenerationRecord for this attempt; generationID
// and stepID are threaded through so the eventual StepResult carries them.
//
// Transient failures are retried with exponential backoff up to the
// configured attempt budget. A backend business rejection
// (ADAPTER_REJECTED) is never retried.
func (c *Coordinator) Invoke(ctx context.Context, castID string, stepID int, generationID string, toolID string, input map[string]any) (*Invocation, error) {
	spec, err := c.catalog.Resolve(toolID)
	if err != nil {
		return nil, err
	}
	ad, err := c.registry.Get(toolID)
	if err != nil {
		return nil, err
	}

	if err := c.breakers.AllowRequest(toolID); err != nil {
		return nil, err
	}

	switch spec.ExecutionMode {
	case catalog.ModeImmediate:
		exec, ok := ad.(Executor)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"tool %q is declared immediate but adapter lacks Execute", toolID).WithStep(stepID)
		}
		result, err := c.withRetry(ctx, toolID, stepID, func() (*schema.StepResult, error) {
			return exec.Execute(ctx, input)
		})
		if err != nil {
			c.breakers.RecordFailure(toolID)
			return nil, err
		}
		c.breakers.RecordSuccess(toolID)
		result.GenerationID = generationID
		result.StepID = stepID
		return &Invocation{Immediate: result}, nil

	case catalog.ModeAsync:
		starter, ok := ad.(JobStarter)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"tool %q is declared async but adapter lacks StartJob", toolID).WithStep(stepID)
		}
		poller, ok := ad.(JobPoller)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"tool %q is declared async but adapter lacks PollJob", toolID).WithStep(stepID)
		}

		var handle JobHandle
		_, err := c.withRetry(ctx, toolID, stepID, func() (*schema.StepResult, error) {
			var startErr error
			handle, startErr = starter.StartJob(ctx, input)
			return nil, startErr
		})
		if err != nil {
			c.breakers.RecordFailure(toolID)
			return nil, err
		}
		c.breakers.RecordSuccess(toolID)
		handle.ToolID = toolID

		return &Invocation{Deferred: &Job{
			Handle:       handle,
			GenerationID: generationID,
			StepID:       stepID,
			CastID:       castID,
			Poller:       poller,
			PollInterval: spec.PollInterval,
			MaxDuration:  spec.MaxJobDuration,
		}}, nil

	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"tool %q has unknown execution mode %q", toolID, spec.ExecutionMode).WithStep(stepID)
	}
}

// ResumeJob rebuilds the polling job for a generation whose provider job was
// already started. Used after a process restart to re-arm tracking.
func (c *Coordinator) ResumeJob(castID string, stepID int, generationID, toolID, providerJobID string) (*Job, error) {
	spec, err := c.catalog.Resolve(toolID)
	if err != nil {
		return nil, err
	}
	ad, err := c.registry.Get(toolID)
	if err != nil {
		return nil, err
	}
	poller, ok := ad.(JobPoller)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"tool %q cannot resume jobs: adapter lacks PollJob", toolID).WithStep(stepID)
	}

	return &Job{
		Handle:       JobHandle{ProviderJobID: providerJobID, ToolID: toolID},
		GenerationID: generationID,
		StepID:       stepID,
		CastID:       castID,
		Poller:       poller,
		PollInterval: spec.PollInterval,
		MaxDuration:  spec.MaxJobDuration,
	}, nil
}

// withRetry runs fn up to the attempt budget, backing off between transient
// failures. Permanent failures escalate immediately.
func (c *Coordinator) withRetry(ctx context.Context, toolID string, stepID int, fn func() (*schema.StepResult, error)) (*schema.StepResult, error) {
	var lastErr error
	for attempt := 0; attempt < c.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := Backoff(c.config.BackoffBase, c.config.BackoffCap, attempt-1)
			c.logger.Warn("retrying adapter call",
				slog.String("tool_id", toolID),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", delay),
				slog.String("error", lastErr.Error()),
			)
			if err := WaitForBackoff(ctx, delay); err != nil {
				return nil, schema.NewError(schema.ErrCodeCancelled, "cast cancelled during adapter backoff").WithCause(err)
			}
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsRetryableError(err) {
			var castErr *schema.CastError
			if errors.As(err, &castErr) {
				return nil, castErr.WithStep(stepID)
			}
			return nil, schema.NewErrorf(schema.ErrCodeAdapterRejected,
				"tool %q rejected request: %s", toolID, err.Error()).WithStep(stepID).WithCause(err)
		}
	}

	return nil, schema.NewErrorf(schema.ErrCodeRetryExhausted,
		"tool %q: %d attempts exhausted: %s", toolID, c.config.MaxAttempts, lastErr.Error()).
		WithStep(stepID).WithCause(lastErr)
}
