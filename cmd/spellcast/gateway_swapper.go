package main

import (
	"context"
	"sync"

	"github.com/rendis/spellcast/internal/engine"
	"github.com/rendis/spellcast/internal/store"
)

// gatewaySwapper is a NotificationGateway that allows atomic gateway
// replacement. The orchestrator is built before the MCP server, so the push
// gateway is swapped in once the server exists.
type gatewaySwapper struct {
	mu      sync.RWMutex
	gateway engine.NotificationGateway
}

func newGatewaySwapper(g engine.NotificationGateway) *gatewaySwapper {
	return &gatewaySwapper{gateway: g}
}

func (s *gatewaySwapper) Notify(ctx context.Context, cast *store.Cast) error {
	s.mu.RLock()
	g := s.gateway
	s.mu.RUnlock()
	return g.Notify(ctx, cast)
}

// Swap replaces the underlying gateway atomically.
func (s *gatewaySwapper) Swap(g engine.NotificationGateway) {
	s.mu.Lock()
	s.gateway = g
	s.mu.Unlock()
}
