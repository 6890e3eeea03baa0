package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/spellcast/internal/adapter"
	"github.com/rendis/spellcast/internal/logging"
	"github.com/rendis/spellcast/internal/resolver"
	"github.com/rendis/spellcast/internal/store"
	"github.com/rendis/spellcast/internal/tracker"
	"github.com/rendis/spellcast/pkg/schema"
)

// SpellValidator checks a spell definition before a cast is created and
// each step's resolved input against its tool's declared schema.
type SpellValidator interface {
	Validate(spell *schema.SpellDefinition) *schema.ValidationResult
	ValidateToolInput(toolID string, input map[string]any) error
}

// CastSnapshot is the queryable state of a cast.
type CastSnapshot struct {
	Cast        *store.Cast               `json:"cast"`
	Generations []*store.GenerationRecord `json:"generations,omitempty"`
	Events      []*store.CastEvent        `json:"events,omitempty"`
}

// Orchestrator drives casts through their step chain. Steps run strictly in
// order; each step's terminal result flows through the same settlement path
// whether it arrived synchronously, from a poll, or from a webhook, so the
// bookkeeping is idempotent under duplicate and out-of-order delivery.
type Orchestrator struct {
	store       store.Store
	resolver    *resolver.Resolver
	coordinator *adapter.Coordinator
	tracker     *tracker.Tracker
	validator   SpellValidator
	gateway     NotificationGateway
	castFSM     *CastFSM
	genFSM      *GenerationFSM
	logger      *slog.Logger
}

// NewOrchestrator wires an Orchestrator. gateway may be nil, in which case
// outcomes are logged.
func NewOrchestrator(
	st store.Store,
	res *resolver.Resolver,
	coord *adapter.Coordinator,
	trk *tracker.Tracker,
	validator SpellValidator,
	gateway NotificationGateway,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if gateway == nil {
		gateway = NewLogGateway(logger)
	}
	return &Orchestrator{
		store:       st,
		resolver:    res,
		coordinator: coord,
		tracker:     trk,
		validator:   validator,
		gateway:     gateway,
		castFSM:     NewCastFSM(st),
		genFSM:      NewGenerationFSM(st),
		logger:      logger,
	}
}

// Execute validates the spell, creates a cast, and runs steps until the
// chain finishes, fails, or defers on an asynchronous job. The returned
// cast reflects the state after the synchronous portion.
func (o *Orchestrator) Execute(ctx context.Context, spell *schema.SpellDefinition, initiatorID string, runtimeParams map[string]map[string]any) (*store.Cast, error) {
	if o.validator != nil {
		if err := o.validator.Validate(spell).ToError(); err != nil {
			return nil, err
		}
	}

	cast := &store.Cast{
		ID:            uuid.New().String(),
		SpellID:       spell.SpellID,
		InitiatorID:   initiatorID,
		Definition:    *spell,
		Status:        schema.CastStatusPending,
		RuntimeParams: runtimeParams,
	}
	if err := o.store.CreateCast(ctx, cast); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create cast: %s", err.Error()).WithCause(err)
	}

	ctx = logging.WithCastID(ctx, cast.ID)

	started, err := o.store.StartCast(ctx, cast.ID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "start cast: %s", err.Error()).WithCause(err)
	}
	if started {
		if err := o.castFSM.Transition(ctx, cast.ID, schema.CastStatusPending, schema.CastStatusRunning); err != nil {
			return nil, err
		}
	}

	if err := o.runFrom(ctx, cast.ID); err != nil {
		return nil, err
	}
	return o.store.GetCast(ctx, cast.ID)
}

// ContinueExecution settles an externally delivered step result and, if the
// cast advanced, keeps executing from the new cursor. Safe to call with
// duplicate or late results.
func (o *Orchestrator) ContinueExecution(ctx context.Context, result *schema.StepResult) error {
	castID, advanced, err := o.settle(ctx, result)
	if err != nil || !advanced {
		return err
	}
	return o.runFrom(logging.WithCastID(ctx, castID), castID)
}

// Cancel terminates a non-terminal cast. The initiator is not notified;
// notifications are reserved for completion and failure.
func (o *Orchestrator) Cancel(ctx context.Context, castID, reason string) error {
	ctx = logging.WithCastID(ctx, castID)

	cast, err := o.store.GetCast(ctx, castID)
	if err != nil {
		return err
	}
	if cast.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "cast %s is already %s", castID, cast.Status)
	}

	won, err := o.store.FinalizeCast(ctx, castID, schema.CastStatusCancelled, reason, nil)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "cancel cast: %s", err.Error()).WithCause(err)
	}
	if !won {
		return schema.NewErrorf(schema.ErrCodeConflict, "cast %s reached a terminal state concurrently", castID)
	}
	if err := o.castFSM.Transition(ctx, castID, cast.Status, schema.CastStatusCancelled); err != nil {
		o.logger.WarnContext(ctx, "cancel event emit failed", slog.String("error", err.Error()))
	}

	// Stop polling any outstanding jobs. The generation records stay in
	// processing; any late delivery is absorbed by the terminal cast guard.
	if o.tracker != nil {
		processing := schema.GenerationStatusProcessing
		gens, err := o.store.ListGenerations(ctx, store.GenerationFilter{CastID: castID, Status: &processing})
		if err == nil {
			for _, gen := range gens {
				o.tracker.Resolve(gen.GenerationID)
			}
		}
	}

	o.logger.InfoContext(ctx, "cast cancelled", slog.String("reason", reason))
	return nil
}

// Status returns the current state of a cast with its generations and events.
func (o *Orchestrator) Status(ctx context.Context, castID string) (*CastSnapshot, error) {
	cast, err := o.store.GetCast(ctx, castID)
	if err != nil {
		return nil, err
	}
	gens, err := o.store.ListGenerations(ctx, store.GenerationFilter{CastID: castID})
	if err != nil {
		return nil, err
	}
	events, err := o.store.GetEvents(ctx, castID, 0)
	if err != nil {
		return nil, err
	}
	return &CastSnapshot{Cast: cast, Generations: gens, Events: events}, nil
}

// runFrom executes steps starting at the cast's current cursor until the
// cast reaches a terminal state or a step defers on an asynchronous job.
func (o *Orchestrator) runFrom(ctx context.Context, castID string) error {
	for {
		cast, err := o.store.GetCast(ctx, castID)
		if err != nil {
			return err
		}
		if cast.Status != schema.CastStatusRunning {
			return nil
		}

		steps := cast.Definition.Steps
		if cast.CurrentStepIndex >= len(steps) {
			return schema.NewErrorf(schema.ErrCodeStore,
				"cast %s cursor %d out of range", castID, cast.CurrentStepIndex)
		}
		step := &steps[cast.CurrentStepIndex]
		stepCtx := logging.WithIDs(ctx, castID, step.StepID, step.ToolID)

		result, halt, err := o.runStep(stepCtx, cast, step)
		if err != nil {
			return err
		}
		if halt {
			return nil
		}

		_, advanced, err := o.settle(stepCtx, result)
		if err != nil {
			return err
		}
		if !advanced {
			return nil
		}
	}
}

// runStep resolves and validates the step's input, records the generation,
// and invokes the adapter. A deferred invocation is handed to the tracker;
// its result comes back later through ContinueExecution. halt=true means
// the loop must stop: the step deferred, or a preflight failure already
// terminated the cast. Invocation failures are converted into a failed
// StepResult so backend failures take the same settlement path as results.
func (o *Orchestrator) runStep(ctx context.Context, cast *store.Cast, step *schema.Step) (result *schema.StepResult, halt bool, err error) {
	generationID := uuid.New().String()

	input, err := o.resolver.Resolve(ctx, &cast.Definition, step, o.priorOutputs(ctx, cast.ID), cast.RuntimeParams[strconv.Itoa(step.StepID)])
	if err != nil {
		// Parameter resolution failed: the step never reaches the backend
		// and no generation record is written for the attempt.
		o.logger.WarnContext(ctx, "parameter resolution failed", slog.String("error", err.Error()))
		return nil, true, o.failPreflight(ctx, cast.ID, step.StepID, err.Error())
	}

	if err := o.validator.ValidateToolInput(step.ToolID, input); err != nil {
		// The resolved input violates the tool's declared schema. Same
		// preflight rule: fail the cast with no generation record.
		o.logger.WarnContext(ctx, "input schema validation failed", slog.String("error", err.Error()))
		return nil, true, o.failPreflight(ctx, cast.ID, step.StepID, err.Error())
	}

	request, _ := json.Marshal(input)
	gen := &store.GenerationRecord{
		GenerationID:   generationID,
		CastID:         cast.ID,
		StepID:         step.StepID,
		ToolID:         step.ToolID,
		RequestPayload: request,
		Status:         schema.GenerationStatusProcessing,
	}
	if err := o.store.CreateGeneration(ctx, gen); err != nil {
		return nil, false, schema.NewErrorf(schema.ErrCodeStore, "create generation: %s", err.Error()).WithCause(err)
	}
	o.appendEvent(ctx, cast.ID, &step.StepID, schema.EventStepStarted, nil)

	invocation, err := o.coordinator.Invoke(ctx, cast.ID, step.StepID, generationID, step.ToolID, input)
	if err != nil {
		o.logger.WarnContext(ctx, "adapter invocation failed", slog.String("error", err.Error()))
		return &schema.StepResult{
			GenerationID:  generationID,
			StepID:        step.StepID,
			Status:        schema.GenerationStatusFailed,
			FailureReason: err.Error(),
		}, false, nil
	}

	if invocation.Deferred != nil {
		job := invocation.Deferred
		if err := o.store.SetProviderJobID(ctx, generationID, job.Handle.ProviderJobID); err != nil {
			o.logger.WarnContext(ctx, "record provider job id failed", slog.String("error", err.Error()))
		}
		payload, _ := json.Marshal(map[string]string{"provider_job_id": job.Handle.ProviderJobID})
		o.appendEvent(ctx, cast.ID, &step.StepID, schema.EventJobDeferred, payload)

		o.watchJob(job, step.ToolID)
		o.logger.InfoContext(ctx, "step deferred on async job",
			slog.String("generation_id", generationID),
			slog.String("provider_job_id", job.Handle.ProviderJobID))
		return nil, true, nil
	}

	return invocation.Immediate, false, nil
}

// failPreflight fails the cast for a step that never reached a backend.
// No generation record exists for the attempt; the step failure is still
// visible in the event log.
func (o *Orchestrator) failPreflight(ctx context.Context, castID string, stepID int, reason string) error {
	payload, _ := json.Marshal(map[string]string{"reason": reason})
	o.appendEvent(ctx, castID, &stepID, schema.EventStepFailed, payload)
	return o.failCast(ctx, castID, reason)
}

// watchJob arms the tracker for a deferred job and routes its terminal
// result back into settlement.
func (o *Orchestrator) watchJob(job *adapter.Job, toolID string) {
	o.tracker.Watch(job, func(result *schema.StepResult) {
		deliverCtx := logging.WithIDs(context.Background(), job.CastID, job.StepID, toolID)
		if err := o.ContinueExecution(deliverCtx, result); err != nil {
			o.logger.ErrorContext(deliverCtx, "continue after async result failed", slog.String("error", err.Error()))
		}
	})
}

// RecoverInflight re-arms poll loops for asynchronous jobs that were
// outstanding when the process last stopped. Jobs that finished while the
// engine was down settle on their first recovered poll; the settlement
// path absorbs anything already accounted for.
func (o *Orchestrator) RecoverInflight(ctx context.Context) error {
	processing := schema.GenerationStatusProcessing
	gens, err := o.store.ListGenerations(ctx, store.GenerationFilter{Status: &processing})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "list inflight generations: %s", err.Error()).WithCause(err)
	}

	recovered := 0
	for _, gen := range gens {
		if gen.ProviderJobID == "" {
			continue
		}
		genCtx := logging.WithIDs(ctx, gen.CastID, gen.StepID, gen.ToolID)

		cast, err := o.store.GetCast(genCtx, gen.CastID)
		if err != nil {
			o.logger.WarnContext(genCtx, "recovery skipped: cast lookup failed", slog.String("error", err.Error()))
			continue
		}
		if cast.Status.Terminal() {
			continue
		}

		job, err := o.coordinator.ResumeJob(gen.CastID, gen.StepID, gen.GenerationID, gen.ToolID, gen.ProviderJobID)
		if err != nil {
			o.logger.WarnContext(genCtx, "recovery skipped: job rebuild failed", slog.String("error", err.Error()))
			continue
		}
		o.watchJob(job, gen.ToolID)
		recovered++
	}

	if recovered > 0 {
		o.logger.InfoContext(ctx, "inflight jobs recovered", slog.Int("count", recovered))
	}
	return nil
}

// settle applies a terminal step result to the cast exactly once. It returns
// the cast ID and whether the cast advanced to a next step that should run.
// Duplicate and late deliveries return advanced=false with no error.
func (o *Orchestrator) settle(ctx context.Context, result *schema.StepResult) (string, bool, error) {
	gen, err := o.store.GetGeneration(ctx, result.GenerationID)
	if err != nil {
		return "", false, err
	}
	ctx = logging.WithIDs(ctx, gen.CastID, gen.StepID, gen.ToolID)

	cast, err := o.store.GetCast(ctx, gen.CastID)
	if err != nil {
		return gen.CastID, false, err
	}
	if cast.Status.Terminal() {
		// Late delivery after completion, failure, or cancellation.
		o.logger.InfoContext(ctx, "result for terminal cast absorbed",
			slog.String("generation_id", gen.GenerationID),
			slog.String("cast_status", string(cast.Status)))
		return gen.CastID, false, nil
	}

	won, err := o.store.FinalizeGeneration(ctx, gen.GenerationID, result.Status, result.Output, result.CostUSD, result.FailureReason)
	if err != nil {
		return gen.CastID, false, schema.NewErrorf(schema.ErrCodeStore, "finalize generation: %s", err.Error()).WithCause(err)
	}
	if won {
		if err := o.genFSM.Transition(ctx, gen.CastID, gen.StepID, schema.GenerationStatusProcessing, result.Status); err != nil {
			o.logger.WarnContext(ctx, "generation event emit failed", slog.String("error", err.Error()))
		}
	} else {
		// The same result already arrived through another channel. Fall
		// through to the ledger anyway: a crash after finalize but before
		// the ledger insert would otherwise leave the cast stranded. Use
		// the persisted outcome, not the redelivered payload.
		payload, _ := json.Marshal(map[string]string{"generation_id": gen.GenerationID})
		o.appendEvent(ctx, gen.CastID, &gen.StepID, schema.EventDuplicateResult, payload)
		o.logger.InfoContext(ctx, "duplicate result", slog.String("generation_id", gen.GenerationID))

		gen, err = o.store.GetGeneration(ctx, result.GenerationID)
		if err != nil {
			return "", false, err
		}
		result = &schema.StepResult{
			GenerationID:  gen.GenerationID,
			StepID:        gen.StepID,
			Status:        gen.Status,
			Output:        gen.ResponsePayload,
			CostUSD:       gen.CostUSD,
			FailureReason: gen.FailureReason,
		}
	}

	// Count the generation toward the cast and accrue its cost. The ledger
	// insert is the at-most-once guard; losing it means another settlement
	// already accounted for this generation.
	applied, err := o.store.RecordStepCompletion(ctx, gen.CastID, gen.GenerationID, result.CostUSD)
	if err != nil {
		return gen.CastID, false, schema.NewErrorf(schema.ErrCodeStore, "record step completion: %s", err.Error()).WithCause(err)
	}
	if !applied {
		return gen.CastID, false, nil
	}

	if result.Failed() {
		return gen.CastID, false, o.failCast(ctx, gen.CastID, result.FailureReason)
	}

	if gen.StepID == cast.Definition.LastStepID() {
		return gen.CastID, false, o.completeCast(ctx, gen.CastID, result.Output)
	}

	idx := stepIndex(&cast.Definition, gen.StepID)
	if idx < 0 {
		return gen.CastID, false, schema.NewErrorf(schema.ErrCodeStore,
			"generation %s references unknown step %d", gen.GenerationID, gen.StepID)
	}
	advanced, err := o.store.AdvanceCast(ctx, gen.CastID, idx, idx+1)
	if err != nil {
		return gen.CastID, false, schema.NewErrorf(schema.ErrCodeStore, "advance cast: %s", err.Error()).WithCause(err)
	}
	return gen.CastID, advanced, nil
}

// failCast marks the cast failed and notifies the initiator if this caller
// won the terminal transition.
func (o *Orchestrator) failCast(ctx context.Context, castID, reason string) error {
	won, err := o.store.FinalizeCast(ctx, castID, schema.CastStatusFailed, reason, nil)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "finalize cast: %s", err.Error()).WithCause(err)
	}
	if !won {
		return nil
	}
	if err := o.castFSM.Transition(ctx, castID, schema.CastStatusRunning, schema.CastStatusFailed); err != nil {
		o.logger.WarnContext(ctx, "cast event emit failed", slog.String("error", err.Error()))
	}
	o.logger.WarnContext(ctx, "cast failed", slog.String("reason", reason))
	return o.notify(ctx, castID)
}

// completeCast marks the cast completed with the final step's output and
// notifies the initiator if this caller won the terminal transition.
func (o *Orchestrator) completeCast(ctx context.Context, castID string, output json.RawMessage) error {
	won, err := o.store.FinalizeCast(ctx, castID, schema.CastStatusCompleted, "", output)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "finalize cast: %s", err.Error()).WithCause(err)
	}
	if !won {
		return nil
	}
	if err := o.castFSM.Transition(ctx, castID, schema.CastStatusRunning, schema.CastStatusCompleted); err != nil {
		o.logger.WarnContext(ctx, "cast event emit failed", slog.String("error", err.Error()))
	}
	o.logger.InfoContext(ctx, "cast completed")
	return o.notify(ctx, castID)
}

func (o *Orchestrator) notify(ctx context.Context, castID string) error {
	cast, err := o.store.GetCast(ctx, castID)
	if err != nil {
		return err
	}
	if err := o.gateway.Notify(ctx, cast); err != nil {
		o.logger.ErrorContext(ctx, "notification delivery failed", slog.String("error", err.Error()))
		return nil
	}
	o.appendEvent(ctx, castID, nil, schema.EventNotificationSent, nil)
	return nil
}

// priorOutputs collects the completed outputs of earlier steps, keyed by
// step ID, for parameter piping into the next step.
func (o *Orchestrator) priorOutputs(ctx context.Context, castID string) map[int]json.RawMessage {
	completed := schema.GenerationStatusCompleted
	gens, err := o.store.ListGenerations(ctx, store.GenerationFilter{CastID: castID, Status: &completed})
	if err != nil {
		o.logger.WarnContext(ctx, "list completed generations failed", slog.String("error", err.Error()))
		return nil
	}
	outputs := make(map[int]json.RawMessage, len(gens))
	for _, gen := range gens {
		outputs[gen.StepID] = gen.ResponsePayload
	}
	return outputs
}

func (o *Orchestrator) appendEvent(ctx context.Context, castID string, stepID *int, eventType string, payload json.RawMessage) {
	event := &store.CastEvent{
		CastID:    castID,
		StepID:    stepID,
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	if err := o.store.AppendEvent(ctx, event); err != nil {
		o.logger.WarnContext(ctx, "event append failed",
			slog.String("event_type", eventType), slog.String("error", err.Error()))
	}
}

func stepIndex(spell *schema.SpellDefinition, stepID int) int {
	for i := range spell.Steps {
		if spell.Steps[i].StepID == stepID {
			return i
		}
	}
	return -1
}
