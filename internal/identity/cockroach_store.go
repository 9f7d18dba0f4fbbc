package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/coedit/pkg/models"
)

// CockroachStore implements Store against the users and workspace tables.
type CockroachStore struct {
	db *sql.DB
}

// NewCockroachStore wraps an open pool. The caller owns db.
func NewCockroachStore(db *sql.DB) *CockroachStore {
	return &CockroachStore{db: db}
}

func (s *CockroachStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, name, avatar_url, is_online, last_seen, created_at, updated_at
		FROM users WHERE id = $1
	`, id)

	var user models.User
	var lastSeen sql.NullTime
	if err := row.Scan(
		&user.ID,
		&user.Email,
		&user.Name,
		&user.AvatarURL,
		&user.Online,
		&lastSeen,
		&user.CreatedAt,
		&user.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	if lastSeen.Valid {
		user.LastSeen = lastSeen.Time
	}
	return &user, nil
}

func (s *CockroachStore) UpsertUser(ctx context.Context, user *models.User) error {
	if user == nil || user.ID == "" {
		return ErrUserNotFound
	}
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, avatar_url, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$5)
		ON CONFLICT (id) DO UPDATE
		SET email = excluded.email, name = excluded.name, avatar_url = excluded.avatar_url, updated_at = excluded.updated_at
	`, user.ID, user.Email, user.Name, user.AvatarURL, now)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (s *CockroachStore) SetPresence(ctx context.Context, userID string, online bool, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET is_online = $1, last_seen = $2, updated_at = $2 WHERE id = $3
	`, online, at, userID)
	if err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *CockroachStore) EnsureWorkspace(ctx context.Context, workspaceID, ownerID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, owner_id) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, workspaceID, ownerID)
	if err != nil {
		return fmt.Errorf("ensure workspace: %w", err)
	}
	return nil
}

func (s *CockroachStore) IsWorkspaceMember(ctx context.Context, userID, workspaceID string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM workspaces w
			WHERE w.id = $1 AND (
				w.owner_id = $2 OR EXISTS (
					SELECT 1 FROM workspace_members m WHERE m.workspace_id = w.id AND m.user_id = $2
				)
			)
		)
	`, workspaceID, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check workspace membership: %w", err)
	}
	return ok, nil
}
