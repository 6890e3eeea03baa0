package adapter

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rendis/spellcast/pkg/schema"
)

// JobHandle identifies an asynchronous job at its provider.
type JobHandle struct {
	ProviderJobID string `json:"provider_job_id"`
	ToolID        string `json:"tool_id"`
}

// Executor is the capability of immediate tools: the result is available
// synchronously within bounded latency.
type Executor interface {
	Execute(ctx context.Context, input map[string]any) (*schema.StepResult, error)
}

// JobStarter starts an asynchronous job and returns its provider handle.
type JobStarter interface {
	StartJob(ctx context.Context, input map[string]any) (JobHandle, error)
}

// JobPoller checks an asynchronous job. A (nil, nil) return means the job
// is still processing.
type JobPoller interface {
	PollJob(ctx context.Context, handle JobHandle) (*schema.StepResult, error)
}

// WebhookParser normalizes a provider webhook payload into a StepResult.
type WebhookParser interface {
	ParseWebhook(payload json.RawMessage) (*schema.StepResult, error)
}

// Adapter is the minimal contract every tool backend satisfies. The
// coordinator switches on capability presence (Executor vs. JobStarter),
// never on a tool-type string, so adding a provider never touches the
// orchestrator.
type Adapter interface {
	ToolID() string
}

// Registry is a thread-safe toolID -> Adapter lookup.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. Returns an error on duplicate tool id or if the
// adapter implements neither execution capability.
func (r *Registry) Register(a Adapter) error {
	if a == nil || a.ToolID() == "" {
		return schema.NewError(schema.ErrCodeValidation, "adapter is nil or has empty tool id")
	}
	if _, ok := a.(Executor); !ok {
		if _, ok := a.(JobStarter); !ok {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"adapter %q implements neither Execute nor StartJob", a.ToolID())
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[a.ToolID()]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "adapter %q already registered", a.ToolID())
	}
	r.adapters[a.ToolID()] = a
	return nil
}

// Get retrieves an adapter by tool id.
func (r *Registry) Get(toolID string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[toolID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no adapter registered for tool %q", toolID)
	}
	return a, nil
}
