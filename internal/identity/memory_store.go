package identity

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/coedit/pkg/models"
)

// MemoryStore is an in-memory identity store for tests and local usage.
type MemoryStore struct {
	mu         sync.RWMutex
	users      map[string]*models.User
	owners     map[string]string
	members    map[string]map[string]bool
	openAccess bool
}

// NewMemoryStore creates an empty in-memory identity store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   map[string]*models.User{},
		owners:  map[string]string{},
		members: map[string]map[string]bool{},
	}
}

// SetOpenAccess makes every user a member of every workspace.
func (s *MemoryStore) SetOpenAccess(open bool) {
	s.mu.Lock()
	s.openAccess = open
	s.mu.Unlock()
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return cloneUser(user), nil
}

func (s *MemoryStore) UpsertUser(_ context.Context, user *models.User) error {
	if user == nil || user.ID == "" {
		return ErrUserNotFound
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := cloneUser(user)
	if existing, ok := s.users[user.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
		stored.Online = existing.Online
		stored.LastSeen = existing.LastSeen
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.users[user.ID] = stored
	return nil
}

func (s *MemoryStore) SetPresence(_ context.Context, userID string, online bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	user.Online = online
	user.LastSeen = at
	user.UpdatedAt = at
	return nil
}

func (s *MemoryStore) EnsureWorkspace(_ context.Context, workspaceID, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.owners[workspaceID]; !ok {
		s.owners[workspaceID] = ownerID
	}
	return nil
}

// AddMember grants userID membership of workspaceID.
func (s *MemoryStore) AddMember(workspaceID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.members[workspaceID]
	if set == nil {
		set = map[string]bool{}
		s.members[workspaceID] = set
	}
	set[userID] = true
}

func (s *MemoryStore) IsWorkspaceMember(_ context.Context, userID, workspaceID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.openAccess {
		return true, nil
	}
	if owner, ok := s.owners[workspaceID]; ok && owner == userID {
		return true, nil
	}
	return s.members[workspaceID][userID], nil
}
