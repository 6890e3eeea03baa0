package mcp

import (
	"context"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/spellcast/internal/catalog"
	"github.com/rendis/spellcast/internal/engine"
	"github.com/rendis/spellcast/internal/store"
	"github.com/rendis/spellcast/pkg/schema"
)

// --- Mock Store ---

type mockStore struct {
	store.Store // embed for unimplemented methods

	casts  []*store.Cast
	events []*store.CastEvent
}

func (m *mockStore) ListCasts(_ context.Context, filter store.CastFilter) ([]*store.Cast, error) {
	result := make([]*store.Cast, 0)
	for _, c := range m.casts {
		if filter.Status != nil && c.Status != *filter.Status {
			continue
		}
		if filter.SpellID != "" && c.SpellID != filter.SpellID {
			continue
		}
		if filter.InitiatorID != "" && c.InitiatorID != filter.InitiatorID {
			continue
		}
		result = append(result, c)
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *mockStore) GetEvents(_ context.Context, castID string, since int64) ([]*store.CastEvent, error) {
	result := make([]*store.CastEvent, 0)
	for _, e := range m.events {
		if e.CastID != castID || e.Sequence <= since {
			continue
		}
		result = append(result, e)
	}
	return result, nil
}

// --- Mock Engine ---

type mockEngine struct {
	executeCast   *store.Cast
	executeErr    error
	executedSpell *schema.SpellDefinition
	executedAs    string
	executedWith  map[string]map[string]any

	statusSnap *engine.CastSnapshot
	statusErr  error

	cancelErr error
	cancelled []string
}

func (m *mockEngine) Execute(_ context.Context, spell *schema.SpellDefinition, initiatorID string, runtimeParams map[string]map[string]any) (*store.Cast, error) {
	m.executedSpell = spell
	m.executedAs = initiatorID
	m.executedWith = runtimeParams
	return m.executeCast, m.executeErr
}

func (m *mockEngine) Status(_ context.Context, castID string) (*engine.CastSnapshot, error) {
	return m.statusSnap, m.statusErr
}

func (m *mockEngine) Cancel(_ context.Context, castID, reason string) error {
	m.cancelled = append(m.cancelled, castID)
	return m.cancelErr
}

// --- Helper ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func spellArg() map[string]any {
	return map[string]any{
		"spell_id": "image-to-video",
		"steps": []any{
			map[string]any{"step_id": 1, "tool_id": "image_gen"},
			map[string]any{"step_id": 2, "tool_id": "video_gen"},
		},
	}
}

// --- Tests ---

func TestExecuteTool(t *testing.T) {
	eng := &mockEngine{
		executeCast: &store.Cast{
			ID:      "cast-123",
			SpellID: "image-to-video",
			Status:  schema.CastStatusCompleted,
			CostUSD: 0.046,
		},
	}
	book := catalog.NewSpellbook()

	s := NewCastServer(CastServerDeps{Engine: eng, Spellbook: book})

	req := buildRequest("cast.execute", map[string]any{
		"spell":        spellArg(),
		"initiator_id": "user-1",
		"runtime_params": map[string]any{
			"2": map[string]any{"duration": float64(10)},
		},
	})

	result, err := s.handleExecute(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.IsError)

	require.NotNil(t, eng.executedSpell)
	assert.Equal(t, "image-to-video", eng.executedSpell.SpellID)
	assert.Equal(t, "user-1", eng.executedAs)
	assert.Equal(t, map[string]any{"duration": float64(10)}, eng.executedWith["2"])

	// The definition lands in the spellbook for scheduled reuse.
	_, bookErr := book.Get("image-to-video")
	assert.NoError(t, bookErr)
}

func TestExecuteToolMissingArgs(t *testing.T) {
	s := NewCastServer(CastServerDeps{Engine: &mockEngine{}})

	result, err := s.handleExecute(context.Background(),
		buildRequest("cast.execute", map[string]any{"spell": spellArg()}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleExecute(context.Background(),
		buildRequest("cast.execute", map[string]any{"initiator_id": "user-1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestExecuteToolEngineError(t *testing.T) {
	eng := &mockEngine{executeErr: schema.NewError(schema.ErrCodeValidation, "spell rejected")}
	s := NewCastServer(CastServerDeps{Engine: eng})

	result, err := s.handleExecute(context.Background(), buildRequest("cast.execute", map[string]any{
		"spell":        spellArg(),
		"initiator_id": "user-1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStatusTool(t *testing.T) {
	eng := &mockEngine{
		statusSnap: &engine.CastSnapshot{
			Cast: &store.Cast{ID: "cast-1", Status: schema.CastStatusRunning},
		},
	}
	s := NewCastServer(CastServerDeps{Engine: eng})

	result, err := s.handleStatus(context.Background(),
		buildRequest("cast.status", map[string]any{"cast_id": "cast-1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
}

func TestStatusToolUnknownCast(t *testing.T) {
	eng := &mockEngine{statusErr: schema.NewError(schema.ErrCodeNotFound, "cast not found")}
	s := NewCastServer(CastServerDeps{Engine: eng})

	result, err := s.handleStatus(context.Background(),
		buildRequest("cast.status", map[string]any{"cast_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestCancelTool(t *testing.T) {
	eng := &mockEngine{}
	s := NewCastServer(CastServerDeps{Engine: eng})

	result, err := s.handleCancel(context.Background(), buildRequest("cast.cancel", map[string]any{
		"cast_id": "cast-1",
		"reason":  "user changed their mind",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, []string{"cast-1"}, eng.cancelled)
}

func TestCancelToolConflict(t *testing.T) {
	eng := &mockEngine{cancelErr: schema.NewError(schema.ErrCodeConflict, "cast is already completed")}
	s := NewCastServer(CastServerDeps{Engine: eng})

	result, err := s.handleCancel(context.Background(),
		buildRequest("cast.cancel", map[string]any{"cast_id": "cast-1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryCasts(t *testing.T) {
	ms := &mockStore{
		casts: []*store.Cast{
			{ID: "c1", SpellID: "sp-1", Status: schema.CastStatusCompleted, CreatedAt: time.Now().UTC()},
			{ID: "c2", SpellID: "sp-2", Status: schema.CastStatusFailed, CreatedAt: time.Now().UTC()},
		},
	}
	s := NewCastServer(CastServerDeps{Store: ms})

	result, err := s.handleQuery(context.Background(), buildRequest("cast.query", map[string]any{
		"resource": "casts",
		"filter":   map[string]any{"status": "completed"},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
}

func TestQueryEventsRequiresCastID(t *testing.T) {
	s := NewCastServer(CastServerDeps{Store: &mockStore{}})

	result, err := s.handleQuery(context.Background(), buildRequest("cast.query", map[string]any{
		"resource": "events",
		"filter":   map[string]any{},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryEvents(t *testing.T) {
	ms := &mockStore{
		events: []*store.CastEvent{
			{CastID: "c1", Type: schema.EventStepStarted, Sequence: 1},
			{CastID: "c1", Type: schema.EventStepCompleted, Sequence: 2},
			{CastID: "c2", Type: schema.EventStepStarted, Sequence: 1},
		},
	}
	s := NewCastServer(CastServerDeps{Store: ms})

	result, err := s.handleQuery(context.Background(), buildRequest("cast.query", map[string]any{
		"resource": "events",
		"filter":   map[string]any{"cast_id": "c1"},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
}

func TestQuerySpells(t *testing.T) {
	book := catalog.NewSpellbook()
	require.NoError(t, book.Put(&schema.SpellDefinition{
		SpellID: "sp-1",
		Steps:   []schema.Step{{StepID: 1, ToolID: "image_gen"}},
	}))
	s := NewCastServer(CastServerDeps{Spellbook: book})

	result, err := s.handleQuery(context.Background(),
		buildRequest("cast.query", map[string]any{"resource": "spells"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
}

func TestQueryUnknownResource(t *testing.T) {
	s := NewCastServer(CastServerDeps{})

	result, err := s.handleQuery(context.Background(),
		buildRequest("cast.query", map[string]any{"resource": "wands"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
