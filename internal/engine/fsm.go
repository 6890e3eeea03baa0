package engine

import (
	"context"
	"sync"

	"github.com/rendis/spellcast/internal/store"
	"github.com/rendis/spellcast/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// EventAppender is satisfied by the Store; used by FSMs to emit events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.CastEvent) error
}

// --- Cast FSM ---

type castHookKey struct {
	from, to schema.CastStatus
}

// CastFSM manages cast lifecycle state transitions.
type CastFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[castHookKey][]TransitionHook
	after    map[castHookKey][]TransitionHook
}

// NewCastFSM creates a new CastFSM that emits events via the given appender.
func NewCastFSM(appender EventAppender) *CastFSM {
	return &CastFSM{
		appender: appender,
		before:   make(map[castHookKey][]TransitionHook),
		after:    make(map[castHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a cast transition.
func (f *CastFSM) OnBefore(from, to schema.CastStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := castHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a cast transition.
func (f *CastFSM) OnAfter(from, to schema.CastStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := castHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a cast state transition.
// It emits the corresponding event via the appender.
// The caller (Orchestrator) is responsible for persisting the new state.
func (f *CastFSM) Transition(ctx context.Context, castID string, from, to schema.CastStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidCastTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid cast transition: %s -> %s", from, to).
			WithDetails(map[string]any{"cast_id": castID, "from": string(from), "to": string(to)})
	}

	key := castHookKey{from, to}

	// Run before hooks.
	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	// Emit the corresponding event.
	eventType := castEventType(to)
	if eventType != "" {
		event := &store.CastEvent{
			CastID: castID,
			Type:   eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit cast event: %s", err.Error()).WithCause(err)
		}
	}

	// Run after hooks.
	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidCastTransition(from, to schema.CastStatus) bool {
	allowed, ok := ValidCastTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func castEventType(to schema.CastStatus) string {
	switch to {
	case schema.CastStatusRunning:
		return schema.EventCastStarted
	case schema.CastStatusCompleted:
		return schema.EventCastCompleted
	case schema.CastStatusFailed:
		return schema.EventCastFailed
	case schema.CastStatusCancelled:
		return schema.EventCastCancelled
	default:
		return ""
	}
}

// --- Generation FSM ---

type generationHookKey struct {
	from, to schema.GenerationStatus
}

// GenerationFSM manages generation lifecycle state transitions.
type GenerationFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[generationHookKey][]TransitionHook
	after    map[generationHookKey][]TransitionHook
}

// NewGenerationFSM creates a new GenerationFSM that emits events via the given appender.
func NewGenerationFSM(appender EventAppender) *GenerationFSM {
	return &GenerationFSM{
		appender: appender,
		before:   make(map[generationHookKey][]TransitionHook),
		after:    make(map[generationHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a generation transition.
func (f *GenerationFSM) OnBefore(from, to schema.GenerationStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := generationHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a generation transition.
func (f *GenerationFSM) OnAfter(from, to schema.GenerationStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := generationHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a generation state transition.
// It emits the corresponding event via the appender.
func (f *GenerationFSM) Transition(ctx context.Context, castID string, stepID int, from, to schema.GenerationStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidGenerationTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid generation transition: %s -> %s", from, to).
			WithStep(stepID).
			WithDetails(map[string]any{"cast_id": castID, "from": string(from), "to": string(to)})
	}

	key := generationHookKey{from, to}

	// Run before hooks.
	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	// Emit the corresponding event.
	eventType := generationEventType(to)
	if eventType != "" {
		event := &store.CastEvent{
			CastID: castID,
			StepID: &stepID,
			Type:   eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit generation event: %s", err.Error()).
				WithStep(stepID).WithCause(err)
		}
	}

	// Run after hooks.
	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidGenerationTransition(from, to schema.GenerationStatus) bool {
	allowed, ok := ValidGenerationTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func generationEventType(to schema.GenerationStatus) string {
	switch to {
	case schema.GenerationStatusProcessing:
		return schema.EventStepStarted
	case schema.GenerationStatusCompleted:
		return schema.EventStepCompleted
	case schema.GenerationStatusFailed:
		return schema.EventStepFailed
	default:
		return ""
	}
}

// --- Transition tables ---

// ValidCastTransitions defines the allowed state transitions for casts.
var ValidCastTransitions = map[schema.CastStatus][]schema.CastStatus{
	schema.CastStatusPending:   {schema.CastStatusRunning, schema.CastStatusCancelled},
	schema.CastStatusRunning:   {schema.CastStatusCompleted, schema.CastStatusFailed, schema.CastStatusCancelled},
	schema.CastStatusCompleted: {},
	schema.CastStatusFailed:    {},
	schema.CastStatusCancelled: {},
}

// ValidGenerationTransitions defines the allowed state transitions for generations.
var ValidGenerationTransitions = map[schema.GenerationStatus][]schema.GenerationStatus{
	schema.GenerationStatusProcessing: {schema.GenerationStatusCompleted, schema.GenerationStatusFailed},
	schema.GenerationStatusCompleted:  {},
	schema.GenerationStatusFailed:     {},
}
