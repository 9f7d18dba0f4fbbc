package documents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// CockroachStore implements Store using CockroachDB/Postgres.
type CockroachStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewCockroachStore wraps an open pool. The caller owns db.
func NewCockroachStore(db *sql.DB) *CockroachStore {
	return &CockroachStore{db: db, now: time.Now}
}

func (s *CockroachStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, title, content, version, created_by, updated_by, created_at, updated_at
		FROM documents WHERE id = $1
	`, id)

	var doc Document
	if err := row.Scan(
		&doc.ID,
		&doc.WorkspaceID,
		&doc.Title,
		&doc.Content,
		&doc.Version,
		&doc.CreatedBy,
		&doc.UpdatedBy,
		&doc.CreatedAt,
		&doc.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get document: %w", err)
	}
	return &doc, nil
}

func (s *CockroachStore) CreateDocument(ctx context.Context, doc *Document) error {
	if doc == nil {
		return ErrNotFound
	}
	prepareDocument(doc, s.now())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, workspace_id, title, content, version, created_by, updated_by, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`,
		doc.ID,
		doc.WorkspaceID,
		doc.Title,
		doc.Content,
		doc.Version,
		doc.CreatedBy,
		doc.UpdatedBy,
		doc.CreatedAt,
		doc.UpdatedAt,
	)
	if err != nil {
		if pqCode(err) == "23505" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

// DeleteDocument removes the document; history and collaborators go with it
// through ON DELETE CASCADE.
func (s *CockroachStore) DeleteDocument(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyChange bumps the version with a conditional UPDATE so concurrent
// writers on other nodes cannot both succeed from the same base version.
func (s *CockroachStore) ApplyChange(ctx context.Context, req ChangeRequest) (*ChangeRecord, error) {
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin apply change: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rec := &ChangeRecord{
		ID:         uuid.NewString(),
		DocumentID: req.DocumentID,
		ChangeSet:  req.ChangeSet,
		EditorID:   req.EditorID,
		CreatedAt:  now,
	}
	err = tx.QueryRowContext(ctx, `
		UPDATE documents
		SET content = COALESCE($1::TEXT, content), version = version + 1, updated_by = $2, updated_at = $3
		WHERE id = $4 AND version = $5
		RETURNING version, content
	`, req.Content, req.EditorID, now, req.DocumentID, req.ExpectedVersion).Scan(&rec.Version, &rec.Content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.conflictOrMissing(ctx, tx, req)
	}
	if err != nil {
		return nil, fmt.Errorf("update document: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO document_history (id, document_id, version, content, changes, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`,
		rec.ID,
		rec.DocumentID,
		rec.Version,
		rec.Content,
		nullJSON(rec.ChangeSet),
		rec.EditorID,
		rec.CreatedAt,
	)
	if err != nil {
		if pqCode(err) == "23505" {
			// Another writer already recorded this version.
			return nil, &ConflictError{DocumentID: req.DocumentID, Expected: req.ExpectedVersion, Current: rec.Version}
		}
		return nil, fmt.Errorf("append history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit apply change: %w", err)
	}
	return rec, nil
}

func (s *CockroachStore) conflictOrMissing(ctx context.Context, tx *sql.Tx, req ChangeRequest) error {
	var current int64
	err := tx.QueryRowContext(ctx, `SELECT version FROM documents WHERE id = $1`, req.DocumentID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read document version: %w", err)
	}
	return &ConflictError{DocumentID: req.DocumentID, Expected: req.ExpectedVersion, Current: current}
}

func (s *CockroachStore) ListHistory(ctx context.Context, documentID string, limit int) ([]*ChangeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, version, content, changes, created_by, created_at
		FROM document_history
		WHERE document_id = $1
		ORDER BY version DESC
		LIMIT $2
	`, documentID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var records []*ChangeRecord
	for rows.Next() {
		var rec ChangeRecord
		var changes []byte
		if err := rows.Scan(
			&rec.ID,
			&rec.DocumentID,
			&rec.Version,
			&rec.Content,
			&changes,
			&rec.EditorID,
			&rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if len(changes) > 0 {
			rec.ChangeSet = changes
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	if len(records) == 0 {
		if _, err := s.GetDocument(ctx, documentID); err != nil {
			return nil, err
		}
	}
	return records, nil
}

func (s *CockroachStore) AddCollaborator(ctx context.Context, documentID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_collaborators (document_id, user_id, cursor_position, last_active)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (document_id, user_id) DO UPDATE SET last_active = excluded.last_active
	`, documentID, userID, s.now())
	if err != nil {
		if pqCode(err) == "23503" {
			return ErrNotFound
		}
		return fmt.Errorf("add collaborator: %w", err)
	}
	return nil
}

func (s *CockroachStore) RemoveCollaborator(ctx context.Context, documentID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM document_collaborators WHERE document_id = $1 AND user_id = $2`,
		documentID, userID)
	if err != nil {
		return fmt.Errorf("remove collaborator: %w", err)
	}
	return nil
}

func (s *CockroachStore) SetCollaboratorCursor(ctx context.Context, documentID, userID string, position int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE document_collaborators SET cursor_position = $1, last_active = $2
		WHERE document_id = $3 AND user_id = $4
	`, position, s.now(), documentID, userID)
	if err != nil {
		return fmt.Errorf("set collaborator cursor: %w", err)
	}
	return nil
}

func (s *CockroachStore) ListCollaborators(ctx context.Context, documentID string) ([]Collaborator, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, cursor_position, last_active
		FROM document_collaborators WHERE document_id = $1
		ORDER BY user_id
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list collaborators: %w", err)
	}
	defer rows.Close()

	var out []Collaborator
	for rows.Next() {
		var c Collaborator
		if err := rows.Scan(&c.UserID, &c.CursorPosition, &c.LastActive); err != nil {
			return nil, fmt.Errorf("scan collaborator: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list collaborators: %w", err)
	}
	return out, nil
}

func nullJSON(raw []byte) sql.NullString {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func pqCode(err error) pq.ErrorCode {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code
	}
	return ""
}
