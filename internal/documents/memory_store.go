package documents

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore provides an in-memory document store for tests and local usage.
type MemoryStore struct {
	mu            sync.RWMutex
	docs          map[string]*Document
	history       map[string][]*ChangeRecord
	collaborators map[string]map[string]*Collaborator
	now           func() time.Time
}

// NewMemoryStore creates a new in-memory document store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:          map[string]*Document{},
		history:       map[string][]*ChangeRecord{},
		collaborators: map[string]map[string]*Collaborator{},
		now:           time.Now,
	}
}

func (s *MemoryStore) GetDocument(_ context.Context, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDocument(doc), nil
}

func (s *MemoryStore) CreateDocument(_ context.Context, doc *Document) error {
	if doc == nil {
		return ErrNotFound
	}
	prepareDocument(doc, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.docs[doc.ID]; exists {
		return ErrAlreadyExists
	}
	s.docs[doc.ID] = cloneDocument(doc)
	return nil
}

func (s *MemoryStore) DeleteDocument(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[id]; !ok {
		return ErrNotFound
	}
	delete(s.docs, id)
	delete(s.history, id)
	delete(s.collaborators, id)
	return nil
}

func (s *MemoryStore) ApplyChange(_ context.Context, req ChangeRequest) (*ChangeRecord, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[req.DocumentID]
	if !ok {
		return nil, ErrNotFound
	}
	if doc.Version != req.ExpectedVersion {
		return nil, &ConflictError{DocumentID: doc.ID, Expected: req.ExpectedVersion, Current: doc.Version}
	}

	if req.Content != nil {
		doc.Content = *req.Content
	}
	doc.Version++
	doc.UpdatedBy = req.EditorID
	doc.UpdatedAt = now

	rec := &ChangeRecord{
		ID:         uuid.NewString(),
		DocumentID: doc.ID,
		Version:    doc.Version,
		Content:    doc.Content,
		ChangeSet:  append(json.RawMessage(nil), req.ChangeSet...),
		EditorID:   req.EditorID,
		CreatedAt:  now,
	}
	s.history[doc.ID] = append(s.history[doc.ID], rec)
	return cloneRecord(rec), nil
}

func (s *MemoryStore) ListHistory(_ context.Context, documentID string, limit int) ([]*ChangeRecord, error) {
	limit = normalizeLimit(limit)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.docs[documentID]; !ok {
		return nil, ErrNotFound
	}
	records := s.history[documentID]
	out := make([]*ChangeRecord, 0, min(limit, len(records)))
	for i := len(records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, cloneRecord(records[i]))
	}
	return out, nil
}

func (s *MemoryStore) AddCollaborator(_ context.Context, documentID, userID string) error {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[documentID]; !ok {
		return ErrNotFound
	}
	members := s.collaborators[documentID]
	if members == nil {
		members = map[string]*Collaborator{}
		s.collaborators[documentID] = members
	}
	if existing, ok := members[userID]; ok {
		existing.LastActive = now
		return nil
	}
	members[userID] = &Collaborator{UserID: userID, LastActive: now}
	return nil
}

func (s *MemoryStore) RemoveCollaborator(_ context.Context, documentID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if members := s.collaborators[documentID]; members != nil {
		delete(members, userID)
		if len(members) == 0 {
			delete(s.collaborators, documentID)
		}
	}
	return nil
}

// SetCollaboratorCursor updates presence for an existing collaborator only,
// so a late cursor event cannot resurrect a user who already left.
func (s *MemoryStore) SetCollaboratorCursor(_ context.Context, documentID, userID string, position int) error {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if member, ok := s.collaborators[documentID][userID]; ok {
		member.CursorPosition = position
		member.LastActive = now
	}
	return nil
}

func (s *MemoryStore) ListCollaborators(_ context.Context, documentID string) ([]Collaborator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members := s.collaborators[documentID]
	out := make([]Collaborator, 0, len(members))
	for _, member := range members {
		out = append(out, *member)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func prepareDocument(doc *Document, now time.Time) {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if strings.TrimSpace(doc.Title) == "" {
		doc.Title = "Untitled"
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = doc.CreatedAt
	}
	if doc.UpdatedBy == "" {
		doc.UpdatedBy = doc.CreatedBy
	}
}
