package collab

import (
	"sort"
	"sync"
)

// Session is the in-memory set of connections editing one document.
type Session struct {
	documentID string

	mu      sync.RWMutex
	clients map[string]*Client
}

func newSession(documentID string) *Session {
	return &Session{documentID: documentID, clients: map[string]*Client{}}
}

// DocumentID returns the document this session serves.
func (s *Session) DocumentID() string { return s.documentID }

// AddClient registers c and reports whether it was not already a member.
func (s *Session) AddClient(c *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c.ID()]; ok {
		return false
	}
	s.clients[c.ID()] = c
	return true
}

// RemoveClient drops connID and reports whether it was a member.
func (s *Session) RemoveClient(connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[connID]; !ok {
		return false
	}
	delete(s.clients, connID)
	return true
}

// Has reports whether connID is a member.
func (s *Session) Has(connID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.clients[connID]
	return ok
}

// HasUser reports whether a member connection other than excludeConnID
// belongs to userID. An empty excludeConnID considers every member.
func (s *Session) HasUser(userID, excludeConnID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, c := range s.clients {
		if id != excludeConnID && c.User().ID == userID {
			return true
		}
	}
	return false
}

// Len returns the number of member connections.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Members returns the member connections ordered by connection id.
func (s *Session) Members() []*Client {
	s.mu.RLock()
	out := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Broadcast sends msg to every member except excludeConnID and returns the
// number of members whose send failed. An empty excludeConnID reaches all.
func (s *Session) Broadcast(excludeConnID string, msg ServerMessage) int {
	failed := 0
	for _, c := range s.Members() {
		if c.ID() == excludeConnID {
			continue
		}
		if err := c.Send(msg); err != nil {
			failed++
		}
	}
	return failed
}
