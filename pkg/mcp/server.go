package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/spellcast/internal/catalog"
	"github.com/rendis/spellcast/internal/engine"
	"github.com/rendis/spellcast/internal/store"
	"github.com/rendis/spellcast/pkg/schema"
)

// CastEngine is the orchestrator surface the MCP tools drive.
type CastEngine interface {
	Execute(ctx context.Context, spell *schema.SpellDefinition, initiatorID string, runtimeParams map[string]map[string]any) (*store.Cast, error)
	Status(ctx context.Context, castID string) (*engine.CastSnapshot, error)
	Cancel(ctx context.Context, castID, reason string) error
}

// CastServerDeps holds the dependencies for creating a CastServer.
type CastServerDeps struct {
	Engine    CastEngine
	Store     store.Store
	Spellbook *catalog.Spellbook
	Logger    *slog.Logger
}

// CastServer wraps an MCP server with spellcast tool handlers.
type CastServer struct {
	engine    CastEngine
	store     store.Store
	spellbook *catalog.Spellbook
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewCastServer creates a new CastServer with all 4 tools registered.
func NewCastServer(deps CastServerDeps) *CastServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &CastServer{
		engine:    deps.Engine,
		store:     deps.Store,
		spellbook: deps.Spellbook,
		sessions:  NewSessionRegistry(),
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"spellcast",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Spellcast is a media generation pipeline engine. Use cast.execute to run a spell (a chain of tool steps), cast.status to inspect a cast's progress, cast.cancel to terminate a running cast, and cast.query to list casts, events, or registered spells."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *CastServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *CastServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the initiator session registry for notification wiring.
func (s *CastServer) Sessions() *SessionRegistry {
	return s.sessions
}

// tools returns the 4 registered MCP tools as ServerTool entries.
func (s *CastServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func executeTool() mcp.Tool {
	return mcp.NewTool("cast.execute",
		mcp.WithDescription("Execute a spell: a validated chain of media generation steps"),
		mcp.WithObject("spell", mcp.Required(), mcp.Description("Inline spell definition (spell_id, steps, output mappings)")),
		mcp.WithString("initiator_id", mcp.Required(), mcp.Description("ID of the user or agent initiating the cast")),
		mcp.WithObject("runtime_params", mcp.Description("Per-step parameter overrides keyed by step id, e.g. {\"2\": {\"duration\": 10}}")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("cast.status",
		mcp.WithDescription("Get a cast's current status, generations, and event log"),
		mcp.WithString("cast_id", mcp.Required(), mcp.Description("ID of the cast to inspect")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("cast.cancel",
		mcp.WithDescription("Cancel a pending or running cast"),
		mcp.WithString("cast_id", mcp.Required(), mcp.Description("ID of the cast to cancel")),
		mcp.WithString("reason", mcp.Description("Why the cast is being cancelled")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("cast.query",
		mcp.WithDescription("Query casts, cast events, or registered spells"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("casts", "events", "spells"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, spell_id, initiator_id, since, limit, cast_id)")),
	)
}
