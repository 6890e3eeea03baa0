package mcp

import "sync"

// SessionRegistry maps initiator IDs to MCP session IDs.
// Populated automatically when an initiator calls cast.execute.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // initiatorID -> sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates an initiator ID with a session ID.
// If the initiator already has a session, it is overwritten (reconnect).
func (r *SessionRegistry) Register(initiatorID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[initiatorID] = sessionID
}

// SessionFor returns the session ID for the given initiator, if connected.
func (r *SessionRegistry) SessionFor(initiatorID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[initiatorID]
	return sid, ok
}

// Remove deletes all initiator mappings for the given session ID.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for iid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, iid)
		}
	}
}
