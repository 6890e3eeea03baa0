package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCastServer(t *testing.T) {
	s := NewCastServer(CastServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.sessions)
}

func TestToolRegistration(t *testing.T) {
	s := NewCastServer(CastServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 4)

	expectedTools := []string{
		"cast.execute",
		"cast.status",
		"cast.cancel",
		"cast.query",
	}
	for _, name := range expectedTools {
		tool := s.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
	}{
		{"execute", "cast.execute", "Execute a spell: a validated chain of media generation steps"},
		{"status", "cast.status", "Get a cast's current status, generations, and event log"},
		{"cancel", "cast.cancel", "Cancel a pending or running cast"},
		{"query", "cast.query", "Query casts, cast events, or registered spells"},
	}

	s := NewCastServer(CastServerDeps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
