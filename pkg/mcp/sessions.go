package mcp

import "sync"

// SessionRegistry maps process owner IDs to MCP session IDs. Populated when
// a tool call carries an ownerId; the owner's latest session wins.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // ownerID → sessionID
}

// NewSessionRegistry creates an empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates an owner with a session, replacing any previous one.
func (r *SessionRegistry) Register(ownerID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[ownerID] = sessionID
}

// SessionFor returns the session ID for the given owner, if connected.
func (r *SessionRegistry) SessionFor(ownerID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[ownerID]
	return sid, ok
}

// Remove deletes all owner mappings for the given session ID.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for owner, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, owner)
		}
	}
}
