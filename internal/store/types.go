package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/spellcast/pkg/schema"
)

// Cast is the persisted representation of a spell execution.
type Cast struct {
	ID               string                       `json:"id"`
	SpellID          string                       `json:"spell_id"`
	InitiatorID      string                       `json:"initiator_id"`
	Definition       schema.SpellDefinition       `json:"definition"`
	Status           schema.CastStatus            `json:"status"`
	CurrentStepIndex int                          `json:"current_step_index"`
	RuntimeParams    map[string]map[string]any    `json:"runtime_params,omitempty"` // keyed by decimal step id
	CostUSD          float64                      `json:"cost_usd"`
	FailureReason    string                       `json:"failure_reason,omitempty"`
	Output           json.RawMessage              `json:"output,omitempty"`
	CreatedAt        time.Time                    `json:"created_at"`
	CompletedAt      *time.Time                   `json:"completed_at,omitempty"`
	UpdatedAt        time.Time                    `json:"updated_at"`
}

// GenerationRecord tracks one adapter invocation for one step of a cast.
type GenerationRecord struct {
	GenerationID    string                  `json:"generation_id"`
	CastID          string                  `json:"cast_id"`
	StepID          int                     `json:"step_id"`
	ToolID          string                  `json:"tool_id"`
	RequestPayload  json.RawMessage         `json:"request_payload,omitempty"`
	Status          schema.GenerationStatus `json:"status"`
	ResponsePayload json.RawMessage         `json:"response_payload,omitempty"`
	CostUSD         float64                 `json:"cost_usd"`
	FailureReason   string                  `json:"failure_reason,omitempty"`
	ProviderJobID   string                  `json:"provider_job_id,omitempty"`
	CreatedAt       time.Time               `json:"created_at"`
	UpdatedAt       time.Time               `json:"updated_at"`
}

// CastEvent is an immutable entry in the per-cast event log.
type CastEvent struct {
	ID        int64           `json:"id"`
	CastID    string          `json:"cast_id"`
	StepID    *int            `json:"step_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// ScheduledCast is a cron-triggered recurring spell execution.
type ScheduledCast struct {
	ID             string          `json:"id"`
	SpellID        string          `json:"spell_id"`
	CronExpression string          `json:"cron_expression"`
	RuntimeParams  json.RawMessage `json:"runtime_params,omitempty"`
	InitiatorID    string          `json:"initiator_id"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// CastFilter specifies criteria for listing casts.
type CastFilter struct {
	Status      *schema.CastStatus `json:"status,omitempty"`
	SpellID     string             `json:"spell_id,omitempty"`
	InitiatorID string             `json:"initiator_id,omitempty"`
	Since       *time.Time         `json:"since,omitempty"`
	Limit       int                `json:"limit,omitempty"`
	Offset      int                `json:"offset,omitempty"`
}

// GenerationFilter specifies criteria for listing generation records.
type GenerationFilter struct {
	CastID string                   `json:"cast_id,omitempty"`
	StepID *int                     `json:"step_id,omitempty"`
	Status *schema.GenerationStatus `json:"status,omitempty"`
	Limit  int                      `json:"limit,omitempty"`
}

// ScheduledCastUpdate specifies mutable fields of a scheduled cast.
type ScheduledCastUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledCastFilter specifies criteria for listing scheduled casts.
type ScheduledCastFilter struct {
	Enabled *bool  `json:"enabled,omitempty"`
	SpellID string `json:"spell_id,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}
