// Package presence keeps the process-local directory of which users have
// live connections. It is advisory: message delivery never consults it.
package presence

import "sync"

// Registry maps connection ids to user ids and back.
type Registry struct {
	mu     sync.RWMutex
	byConn map[string]string
	byUser map[string]map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byConn: make(map[string]string),
		byUser: make(map[string]map[string]struct{}),
	}
}

// Register records that connID belongs to userID. Registering the same pair
// twice is a no-op; registering a connection under another user moves it.
func (r *Registry) Register(userID, connID string) {
	if userID == "" || connID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byConn[connID]; ok {
		if prev == userID {
			return
		}
		r.removeLocked(prev, connID)
	}
	r.byConn[connID] = userID
	conns, ok := r.byUser[userID]
	if !ok {
		conns = make(map[string]struct{})
		r.byUser[userID] = conns
	}
	conns[connID] = struct{}{}
}

// Unregister removes a single connection. It returns the user the connection
// belonged to and whether that user has no connections left.
func (r *Registry) Unregister(connID string) (userID string, wentOffline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byConn[connID]
	if !ok {
		return "", false
	}
	delete(r.byConn, connID)
	return userID, r.removeLocked(userID, connID)
}

func (r *Registry) removeLocked(userID, connID string) bool {
	conns := r.byUser[userID]
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.byUser, userID)
		return true
	}
	return false
}

// IsOnline reports whether the user has at least one registered connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// OnlineCount returns the number of distinct online users.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// Connections returns a copy of the user's connection ids.
func (r *Registry) Connections(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.byUser[userID]
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	return out
}

// Clear drops every entry. Called at shutdown.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byConn = make(map[string]string)
	r.byUser = make(map[string]map[string]struct{})
}
