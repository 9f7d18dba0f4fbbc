// Package identity resolves connection credentials to users, decides
// whether a user may open a document, and tracks presence.
package identity

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/coedit/pkg/models"
)

var (
	ErrUnauthenticated = errors.New("identity: unauthenticated")
	ErrAccessDenied    = errors.New("identity: access denied")
	ErrUserNotFound    = errors.New("identity: user not found")
)

// Store persists users, workspace membership, and presence.
type Store interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	UpsertUser(ctx context.Context, user *models.User) error
	SetPresence(ctx context.Context, userID string, online bool, at time.Time) error

	// EnsureWorkspace records a workspace and its owner if absent.
	EnsureWorkspace(ctx context.Context, workspaceID, ownerID string) error
	// IsWorkspaceMember reports whether userID owns or belongs to workspaceID.
	IsWorkspaceMember(ctx context.Context, userID, workspaceID string) (bool, error)
}

func cloneUser(user *models.User) *models.User {
	if user == nil {
		return nil
	}
	out := *user
	return &out
}
