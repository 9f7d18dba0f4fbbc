package collab

import "sync"

// Registry owns the live sessions of one process, keyed by document id.
// Sessions are created on first join and dropped once empty.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	metrics  *Metrics
}

// NewRegistry creates an empty registry. metrics may be nil.
func NewRegistry(metrics *Metrics) *Registry {
	return &Registry{sessions: map[string]*Session{}, metrics: metrics}
}

// GetOrCreateSession returns the session for documentID, creating it if needed.
func (r *Registry) GetOrCreateSession(documentID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreateLocked(documentID)
}

func (r *Registry) getOrCreateLocked(documentID string) *Session {
	session, ok := r.sessions[documentID]
	if !ok {
		session = newSession(documentID)
		r.sessions[documentID] = session
		r.metrics.sessionOpened()
	}
	return session
}

// Session returns the live session for documentID, if any.
func (r *Registry) Session(documentID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[documentID]
	return session, ok
}

// ReleaseIfEmpty drops the session for documentID when it has no members.
func (r *Registry) ReleaseIfEmpty(documentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.releaseIfEmptyLocked(documentID)
}

func (r *Registry) releaseIfEmptyLocked(documentID string) bool {
	session, ok := r.sessions[documentID]
	if !ok || session.Len() > 0 {
		return false
	}
	delete(r.sessions, documentID)
	r.metrics.sessionClosed()
	return true
}

// Join adds c to the session for documentID and reports whether the
// membership is new. Lookup and insert happen under one lock so a
// concurrent Leave cannot release the session in between.
func (r *Registry) Join(documentID string, c *Client) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session := r.getOrCreateLocked(documentID)
	return session, session.AddClient(c)
}

// Leave removes connID from documentID's session, releasing the session if
// it became empty. The returned session is nil when none existed.
func (r *Registry) Leave(documentID, connID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[documentID]
	if !ok {
		return nil, false
	}
	removed := session.RemoveClient(connID)
	r.releaseIfEmptyLocked(documentID)
	return session, removed
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
