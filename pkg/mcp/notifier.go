package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/spellcast/internal/store"
)

// PushGateway delivers cast outcomes to the initiating client over the MCP
// session. Best-effort: an initiator without a live session gets the outcome
// in the log instead.
type PushGateway struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	logger    *slog.Logger
}

// NewPushGateway creates a gateway that pushes via MCP notifications.
func NewPushGateway(mcpServer *server.MCPServer, sessions *SessionRegistry, logger *slog.Logger) *PushGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &PushGateway{mcpServer: mcpServer, sessions: sessions, logger: logger}
}

// Notify sends the terminal cast outcome to the initiator's session.
func (g *PushGateway) Notify(ctx context.Context, cast *store.Cast) error {
	payload := map[string]any{
		"cast_id":  cast.ID,
		"spell_id": cast.SpellID,
		"status":   string(cast.Status),
		"cost_usd": cast.CostUSD,
	}
	if len(cast.Output) > 0 {
		payload["output"] = cast.Output
	}
	if cast.FailureReason != "" {
		payload["failure_reason"] = cast.FailureReason
	}

	sessionID, ok := g.sessions.SessionFor(cast.InitiatorID)
	if !ok {
		g.logger.InfoContext(ctx, "cast outcome (initiator not connected)",
			slog.String("cast_id", cast.ID),
			slog.String("initiator_id", cast.InitiatorID),
			slog.String("status", string(cast.Status)),
		)
		return nil
	}

	err := g.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		g.sessions.Remove(sessionID)
		return nil
	}
	return err
}
