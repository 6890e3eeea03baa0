package catalog

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rendis/spellcast/pkg/schema"
)

// ExecutionMode declares how a tool's backend delivers results.
type ExecutionMode string

const (
	// ModeImmediate tools return a result synchronously within bounded latency.
	ModeImmediate ExecutionMode = "immediate"
	// ModeAsync tools return a job handle; the result arrives via poll or webhook.
	ModeAsync ExecutionMode = "async"
)

// ToolSpec is the catalog's view of a generation tool: how it executes,
// its default and required parameters, and its async budgets.
type ToolSpec struct {
	ToolID         string          `json:"tool_id"`
	Name           string          `json:"name,omitempty"`
	ExecutionMode  ExecutionMode   `json:"execution_mode"`
	DefaultParams  map[string]any  `json:"default_params,omitempty"`
	RequiredParams []string        `json:"required_params,omitempty"`
	InputSchema    json.RawMessage `json:"input_schema,omitempty"`

	// Async tools only. Zero values fall back to engine defaults.
	PollInterval   time.Duration `json:"-"`
	MaxJobDuration time.Duration `json:"-"`
}

// ToolCatalog resolves a tool identifier to its spec. Implementations must
// be safe for concurrent use and read-only from the engine's perspective.
type ToolCatalog interface {
	Resolve(toolID string) (*ToolSpec, error)
	List() []*ToolSpec
}

// MemoryCatalog is a thread-safe in-memory ToolCatalog for embedding and tests.
type MemoryCatalog struct {
	mu    sync.RWMutex
	tools map[string]*ToolSpec
}

// NewMemoryCatalog creates an empty MemoryCatalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{tools: make(map[string]*ToolSpec)}
}

// Register adds a tool spec. Returns an error on duplicate or empty id.
func (c *MemoryCatalog) Register(spec *ToolSpec) error {
	if spec == nil || spec.ToolID == "" {
		return schema.NewError(schema.ErrCodeValidation, "tool spec is nil or has empty id")
	}
	if spec.ExecutionMode != ModeImmediate && spec.ExecutionMode != ModeAsync {
		return schema.NewErrorf(schema.ErrCodeValidation, "tool %q: unknown execution mode %q", spec.ToolID, spec.ExecutionMode)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.tools[spec.ToolID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "tool %q already registered", spec.ToolID)
	}
	c.tools[spec.ToolID] = spec
	return nil
}

// Resolve returns the spec for a tool id.
func (c *MemoryCatalog) Resolve(toolID string) (*ToolSpec, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	spec, ok := c.tools[toolID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "tool %q not registered", toolID)
	}
	return spec, nil
}

// List returns all registered specs, sorted by tool id.
func (c *MemoryCatalog) List() []*ToolSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()

	specs := make([]*ToolSpec, 0, len(c.tools))
	for _, s := range c.tools {
		specs = append(specs, s)
	}
	sort.Slice(specs, func(i, j int) bool {
		return specs[i].ToolID < specs[j].ToolID
	})
	return specs
}

var _ ToolCatalog = (*MemoryCatalog)(nil)
