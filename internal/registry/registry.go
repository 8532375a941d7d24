// Package registry holds the in-memory connection maps that route mux
// frames: tenant GUID to orchestrator connection, and session id to
// client connection.
package registry

import "sync"

// Sender enqueues a message onto a connection's outbound send-queue. It
// must be safe to call from any goroutine and must never block the
// caller on socket I/O.
type Sender interface {
	Push(msg []byte)
}

// OrchestratorHandle is the lightweight handle stored for a registered
// orchestrator connection. The connection task owns all other state; the
// registry only needs enough to route to it and to detect a stale close.
type OrchestratorHandle struct {
	ConnID string
	Send   Sender
}

// ClientHandle is the lightweight handle stored for a connected client.
type ClientHandle struct {
	ConnID string
	Send   Sender
}

// Registry is the process-wide connection registry.
type Registry struct {
	mu            sync.RWMutex
	orchestrators map[string]OrchestratorHandle // tenant -> handle
	clients       map[string]ClientHandle       // session_id -> handle
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		orchestrators: make(map[string]OrchestratorHandle),
		clients:       make(map[string]ClientHandle),
	}
}

// RegisterOrchestrator replaces any prior orchestrator entry for tenant.
func (r *Registry) RegisterOrchestrator(tenant string, h OrchestratorHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orchestrators[tenant] = h
}

// Orchestrator returns the tenant's registered orchestrator handle, if
// any.
func (r *Registry) Orchestrator(tenant string) (OrchestratorHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.orchestrators[tenant]
	return h, ok
}

// RemoveOrchestrator removes the tenant's orchestrator entry only if its
// current conn_id still matches connID (compare-and-delete), preventing
// a stale close from evicting a successor registration.
func (r *Registry) RemoveOrchestrator(tenant, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.orchestrators[tenant]; ok && h.ConnID == connID {
		delete(r.orchestrators, tenant)
	}
}

// RegisterClient adds a client entry keyed by session id.
func (r *Registry) RegisterClient(sessionID string, h ClientHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[sessionID] = h
}

// Client returns the client handle for sessionID, if any.
func (r *Registry) Client(sessionID string) (ClientHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.clients[sessionID]
	return h, ok
}

// RemoveClient removes the session's client entry unconditionally; a
// session id is unique and only ever owned by one connection at a time.
func (r *Registry) RemoveClient(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, sessionID)
}

// OrchestratorCount returns the number of tenants with a live
// orchestrator connection.
func (r *Registry) OrchestratorCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.orchestrators)
}

// ClientCount returns the number of live client sessions.
func (r *Registry) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
