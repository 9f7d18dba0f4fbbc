package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/coedit/internal/auth"
	"github.com/haasonsaas/coedit/internal/documents"
	"github.com/haasonsaas/coedit/pkg/models"
)

// DocumentLookup resolves a document to its workspace.
type DocumentLookup interface {
	GetDocument(ctx context.Context, id string) (*documents.Document, error)
}

// Options configures a Service.
type Options struct {
	// TrustTokenClaims registers users straight from valid credentials when
	// the store has no record of them.
	TrustTokenClaims bool
	Logger           *slog.Logger
	Now              func() time.Time
}

// Service is the identity gateway used by the websocket transport and the
// protocol handler.
type Service struct {
	auth        *auth.Service
	store       Store
	docs        DocumentLookup
	trustClaims bool
	logger      *slog.Logger
	now         func() time.Time
}

// NewService wires credential validation, the user store, and document lookup.
func NewService(authService *auth.Service, store Store, docs DocumentLookup, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		auth:        authService,
		store:       store,
		docs:        docs,
		trustClaims: opts.TrustTokenClaims,
		logger:      logger.With("component", "identity"),
		now:         now,
	}
}

// Authenticate resolves a bearer token or API key to a known user.
func (s *Service) Authenticate(ctx context.Context, credential string) (*models.User, error) {
	claimed, err := s.auth.Validate(credential)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	user, err := s.store.GetUser(ctx, claimed.ID)
	switch {
	case err == nil:
		return user, nil
	case errors.Is(err, ErrUserNotFound) && s.trustClaims:
		if err := s.store.UpsertUser(ctx, claimed); err != nil {
			return nil, fmt.Errorf("register user: %w", err)
		}
		s.logger.InfoContext(ctx, "registered user from credential", "user_id", claimed.ID)
		return claimed, nil
	case errors.Is(err, ErrUserNotFound):
		return nil, fmt.Errorf("%w: unknown user %s", ErrUnauthenticated, claimed.ID)
	default:
		return nil, fmt.Errorf("load user: %w", err)
	}
}

// CanAccessDocument reports whether userID owns or is a member of the
// workspace containing documentID. A missing document yields
// documents.ErrNotFound.
func (s *Service) CanAccessDocument(ctx context.Context, userID, documentID string) (bool, error) {
	doc, err := s.docs.GetDocument(ctx, documentID)
	if err != nil {
		return false, err
	}
	return s.store.IsWorkspaceMember(ctx, userID, doc.WorkspaceID)
}

// MarkOnline records that userID has an open connection.
func (s *Service) MarkOnline(ctx context.Context, userID string) error {
	return s.setPresence(ctx, userID, true)
}

// MarkOffline records that userID disconnected, stamping last seen.
func (s *Service) MarkOffline(ctx context.Context, userID string) error {
	return s.setPresence(ctx, userID, false)
}

func (s *Service) setPresence(ctx context.Context, userID string, online bool) error {
	if err := s.store.SetPresence(ctx, userID, online, s.now()); err != nil {
		return fmt.Errorf("set presence for %s: %w", userID, err)
	}
	return nil
}
