package engine

import (
	"context"
	"log/slog"

	"github.com/rendis/spellcast/internal/store"
)

// NotificationGateway delivers the terminal outcome of a cast to its
// initiator. Notify is called exactly once per cast, after the terminal
// status has been persisted, and only for completed or failed casts.
type NotificationGateway interface {
	Notify(ctx context.Context, cast *store.Cast) error
}

// LogGateway is a NotificationGateway that writes the outcome to the log.
// Used as the default when no delivery channel is configured.
type LogGateway struct {
	logger *slog.Logger
}

// NewLogGateway creates a LogGateway.
func NewLogGateway(logger *slog.Logger) *LogGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogGateway{logger: logger}
}

func (g *LogGateway) Notify(ctx context.Context, cast *store.Cast) error {
	g.logger.InfoContext(ctx, "cast outcome",
		slog.String("cast_id", cast.ID),
		slog.String("initiator_id", cast.InitiatorID),
		slog.String("status", string(cast.Status)),
		slog.String("failure_reason", cast.FailureReason),
	)
	return nil
}
