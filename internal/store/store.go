package store

import (
	"context"
	"encoding/json"

	"github.com/rendis/spellcast/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Casts
	CreateCast(ctx context.Context, cast *Cast) error
	GetCast(ctx context.Context, id string) (*Cast, error)
	ListCasts(ctx context.Context, filter CastFilter) ([]*Cast, error)
	DeleteCast(ctx context.Context, id string) error

	// StartCast moves a cast from pending to running. Returns false if the
	// cast was not pending.
	StartCast(ctx context.Context, id string) (bool, error)

	// AdvanceCast moves the cast's step cursor from one index to the next.
	// The update is conditional on the current index so concurrent
	// continuations cannot skip or repeat a step. Returns false if the
	// cursor was not at from or the cast is not running.
	AdvanceCast(ctx context.Context, id string, from, to int) (bool, error)

	// FinalizeCast sets a terminal status. The update is conditional on the
	// cast being non-terminal, so exactly one caller observes true and owns
	// the completion side effects.
	FinalizeCast(ctx context.Context, id string, status schema.CastStatus, failureReason string, output json.RawMessage) (bool, error)

	// RecordStepCompletion marks a generation as counted toward the cast and
	// adds its cost to the cast total, both in one transaction. Returns false
	// when the generation was already counted; the cost is not added again.
	RecordStepCompletion(ctx context.Context, castID, generationID string, cost float64) (bool, error)

	// Generation records
	CreateGeneration(ctx context.Context, gen *GenerationRecord) error
	GetGeneration(ctx context.Context, generationID string) (*GenerationRecord, error)
	ListGenerations(ctx context.Context, filter GenerationFilter) ([]*GenerationRecord, error)

	// FinalizeGeneration records the terminal outcome of a generation. The
	// update is conditional on the record still being in processing, so a
	// duplicate delivery (webhook after poll) observes false.
	FinalizeGeneration(ctx context.Context, generationID string, status schema.GenerationStatus, output json.RawMessage, cost float64, failureReason string) (bool, error)

	// SetProviderJobID attaches the provider-side job handle to a generation.
	SetProviderJobID(ctx context.Context, generationID, providerJobID string) error

	// LookupGenerationByJob resolves a provider job id back to its generation.
	LookupGenerationByJob(ctx context.Context, toolID, providerJobID string) (*GenerationRecord, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *CastEvent) error
	GetEvents(ctx context.Context, castID string, since int64) ([]*CastEvent, error)

	// Scheduled casts
	CreateScheduledCast(ctx context.Context, sc *ScheduledCast) error
	GetScheduledCast(ctx context.Context, id string) (*ScheduledCast, error)
	UpdateScheduledCast(ctx context.Context, id string, update ScheduledCastUpdate) error
	ListScheduledCasts(ctx context.Context, filter ScheduledCastFilter) ([]*ScheduledCast, error)
	DeleteScheduledCast(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
