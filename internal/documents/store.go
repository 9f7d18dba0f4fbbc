// Package documents persists collaborative documents, their append-only
// change history, and per-document collaborator presence.
package documents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound        = errors.New("documents: not found")
	ErrAlreadyExists   = errors.New("documents: already exists")
	ErrVersionConflict = errors.New("documents: version conflict")
)

// DefaultHistoryLimit bounds ListHistory when the caller passes no limit.
const DefaultHistoryLimit = 50

// Document is the authoritative snapshot of a document.
type Document struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	Version     int64     `json:"version"`
	CreatedBy   string    `json:"created_by,omitempty"`
	UpdatedBy   string    `json:"updated_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Collaborator is presence metadata for a user in a document.
type Collaborator struct {
	UserID         string    `json:"user_id"`
	CursorPosition int       `json:"cursor_position"`
	LastActive     time.Time `json:"last_active"`
}

// ChangeRecord is one entry of a document's append-only history.
type ChangeRecord struct {
	ID         string          `json:"id"`
	DocumentID string          `json:"document_id"`
	Version    int64           `json:"version"`
	Content    string          `json:"content"`
	ChangeSet  json.RawMessage `json:"changes,omitempty"`
	EditorID   string          `json:"created_by"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ChangeRequest describes a mutation guarded by the caller's view of the
// current version.
type ChangeRequest struct {
	DocumentID      string
	ExpectedVersion int64
	// Content replaces the stored snapshot; nil keeps the current content.
	Content   *string
	ChangeSet json.RawMessage
	EditorID  string
}

// ConflictError reports the version a rejected change raced against.
type ConflictError struct {
	DocumentID string
	Expected   int64
	Current    int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("documents: version conflict on %s: expected %d, current %d", e.DocumentID, e.Expected, e.Current)
}

func (e *ConflictError) Unwrap() error {
	return ErrVersionConflict
}

// Store persists documents, history, and collaborator presence.
//
// ApplyChange saves the snapshot, increments the version by exactly one and
// appends the history record as a single atomic step. It fails with a
// *ConflictError when the stored version no longer equals ExpectedVersion.
type Store interface {
	GetDocument(ctx context.Context, id string) (*Document, error)
	CreateDocument(ctx context.Context, doc *Document) error
	DeleteDocument(ctx context.Context, id string) error

	ApplyChange(ctx context.Context, req ChangeRequest) (*ChangeRecord, error)
	ListHistory(ctx context.Context, documentID string, limit int) ([]*ChangeRecord, error)

	AddCollaborator(ctx context.Context, documentID, userID string) error
	RemoveCollaborator(ctx context.Context, documentID, userID string) error
	SetCollaboratorCursor(ctx context.Context, documentID, userID string, position int) error
	ListCollaborators(ctx context.Context, documentID string) ([]Collaborator, error)
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	return limit
}

func cloneDocument(doc *Document) *Document {
	if doc == nil {
		return nil
	}
	out := *doc
	return &out
}

func cloneRecord(rec *ChangeRecord) *ChangeRecord {
	if rec == nil {
		return nil
	}
	out := *rec
	if rec.ChangeSet != nil {
		out.ChangeSet = append(json.RawMessage(nil), rec.ChangeSet...)
	}
	return &out
}
