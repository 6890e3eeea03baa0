package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/spellcast/internal/store"
	"github.com/rendis/spellcast/pkg/schema"
)

// handleExecute runs a spell from an inline definition.
func (s *CastServer) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	initiatorID, err := req.RequireString("initiator_id")
	if err != nil {
		return mcp.NewToolResultError("initiator_id is required"), nil
	}

	spellRaw := mcp.ParseStringMap(req, "spell", nil)
	if spellRaw == nil {
		return mcp.NewToolResultError("spell is required"), nil
	}

	// Marshal then unmarshal to get a proper SpellDefinition.
	spellBytes, marshalErr := json.Marshal(spellRaw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid spell: %v", marshalErr)), nil
	}
	var spell schema.SpellDefinition
	if unmarshalErr := json.Unmarshal(spellBytes, &spell); unmarshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid spell: %v", unmarshalErr)), nil
	}

	runtimeParams := parseRuntimeParams(mcp.ParseStringMap(req, "runtime_params", nil))

	// Capture session mapping for completion notifications.
	s.captureSession(ctx, initiatorID)

	cast, execErr := s.engine.Execute(ctx, &spell, initiatorID, runtimeParams)
	if execErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cast execution failed: %v", execErr)), nil
	}

	// Remember the definition so scheduled casts can reference it by id.
	if s.spellbook != nil {
		if bookErr := s.spellbook.Put(&spell); bookErr != nil {
			s.logger.WarnContext(ctx, "spellbook update failed", "error", bookErr)
		}
	}

	return marshalResult(map[string]any{
		"cast_id":  cast.ID,
		"spell_id": cast.SpellID,
		"status":   cast.Status,
		"cost_usd": cast.CostUSD,
	})
}

// handleStatus returns the full snapshot of a cast.
func (s *CastServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	castID, err := req.RequireString("cast_id")
	if err != nil {
		return mcp.NewToolResultError("cast_id is required"), nil
	}

	snap, statusErr := s.engine.Status(ctx, castID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	return marshalResult(snap)
}

// handleCancel terminates a non-terminal cast.
func (s *CastServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	castID, err := req.RequireString("cast_id")
	if err != nil {
		return mcp.NewToolResultError("cast_id is required"), nil
	}
	reason := req.GetString("reason", "cancelled by initiator")

	if cancelErr := s.engine.Cancel(ctx, castID, reason); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}

	return marshalResult(map[string]any{
		"ok":      true,
		"cast_id": castID,
		"status":  schema.CastStatusCancelled,
	})
}

// handleQuery lists casts, events, or spells based on filters.
func (s *CastServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "casts":
		return s.queryCasts(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "spells":
		return s.querySpells()
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *CastServer) queryCasts(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	cf := store.CastFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		cs := schema.CastStatus(status)
		cf.Status = &cs
	}
	if spellID, ok := filter["spell_id"].(string); ok {
		cf.SpellID = spellID
	}
	if initiatorID, ok := filter["initiator_id"].(string); ok {
		cf.InitiatorID = initiatorID
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			cf.Since = &t
		}
	}

	casts, err := s.store.ListCasts(ctx, cf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"casts": casts})
}

func (s *CastServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	castID, _ := filter["cast_id"].(string)
	if castID == "" {
		return mcp.NewToolResultError("event query requires 'cast_id' in filter"), nil
	}

	since := int64(extractInt(filter, "since_sequence", 0))

	events, err := s.store.GetEvents(ctx, castID, since)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *CastServer) querySpells() (*mcp.CallToolResult, error) {
	if s.spellbook == nil {
		return marshalResult(map[string]any{"spells": []any{}})
	}
	return marshalResult(map[string]any{"spells": s.spellbook.List()})
}

// --- Internal helpers ---

// parseRuntimeParams converts the raw MCP object into per-step override maps.
// Non-object values under a step key are dropped.
func parseRuntimeParams(raw map[string]any) map[string]map[string]any {
	if len(raw) == 0 {
		return nil
	}
	params := make(map[string]map[string]any, len(raw))
	for stepKey, v := range raw {
		overrides, ok := v.(map[string]any)
		if !ok {
			continue
		}
		params[stepKey] = overrides
	}
	if len(params) == 0 {
		return nil
	}
	return params
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the initiator ID to its current MCP session for
// completion notifications.
func (s *CastServer) captureSession(ctx context.Context, initiatorID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(initiatorID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
