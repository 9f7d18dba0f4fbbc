// Package collab implements the realtime document session core: the
// per-process session registry, per-document broadcast sessions, and the
// per-connection protocol state machine (join, delta, cursor, leave).
package collab

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/haasonsaas/coedit/internal/documents"
	"github.com/haasonsaas/coedit/internal/observability"
	"github.com/haasonsaas/coedit/pkg/models"
)

// Client-facing error messages.
const (
	msgDocumentNotFound = "Document not found"
	msgAccessDenied     = "Access denied to this document"
	msgJoinFailed       = "Failed to join document"
	msgApplyFailed      = "Failed to apply changes"
	msgCursorFailed     = "Failed to update cursor"
	msgLeaveFailed      = "Failed to leave document"
)

// Persistence is the subset of documents.Store the handler drives.
type Persistence interface {
	GetDocument(ctx context.Context, id string) (*documents.Document, error)
	ApplyChange(ctx context.Context, req documents.ChangeRequest) (*documents.ChangeRecord, error)
	AddCollaborator(ctx context.Context, documentID, userID string) error
	RemoveCollaborator(ctx context.Context, documentID, userID string) error
	SetCollaboratorCursor(ctx context.Context, documentID, userID string, position int) error
}

// Identity answers access and presence questions for connected users.
type Identity interface {
	CanAccessDocument(ctx context.Context, userID, documentID string) (bool, error)
	MarkOnline(ctx context.Context, userID string) error
	MarkOffline(ctx context.Context, userID string) error
}

// Publisher forwards broadcasts to other server nodes.
type Publisher interface {
	Publish(ctx context.Context, documentID string, msg ServerMessage) error
}

// HandlerOptions carries optional collaborators.
type HandlerOptions struct {
	Locker    *DocumentLocker
	Publisher Publisher
	Metrics   *Metrics
	Tracer    *observability.Tracer
	Logger    *slog.Logger
}

// Handler runs the protocol for every connection of this process. Events
// of one connection must be passed to Handle sequentially; events of
// different connections may be handled concurrently.
type Handler struct {
	registry  *Registry
	store     Persistence
	identity  Identity
	locks     *DocumentLocker
	publisher Publisher
	metrics   *Metrics
	tracer    *observability.Tracer
	logger    *slog.Logger
}

// NewHandler wires the registry to the persistence and identity gateways.
func NewHandler(registry *Registry, store Persistence, identity Identity, opts HandlerOptions) *Handler {
	if opts.Locker == nil {
		opts.Locker = NewDocumentLocker()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		registry:  registry,
		store:     store,
		identity:  identity,
		locks:     opts.Locker,
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		logger:    opts.Logger.With("component", "collab"),
	}
}

// Connect registers an authenticated connection and marks its user online.
func (h *Handler) Connect(ctx context.Context, conn Conn, user *models.User) *Client {
	client := NewClient(conn, user)
	h.metrics.clientConnected()
	if err := h.identity.MarkOnline(ctx, client.User().ID); err != nil {
		h.logger.WarnContext(ctx, "mark online failed", "user_id", client.User().ID, "error", err)
	}
	return client
}

// Disconnect leaves the joined document, if any, and marks the user offline.
func (h *Handler) Disconnect(ctx context.Context, c *Client) {
	if docID := c.DocumentID(); docID != "" {
		h.leave(ctx, c, docID, false)
	}
	if err := h.identity.MarkOffline(ctx, c.User().ID); err != nil {
		h.logger.WarnContext(ctx, "mark offline failed", "user_id", c.User().ID, "error", err)
	}
	h.metrics.clientDisconnected()
}

// Handle processes one inbound event to completion. Failures are reported
// to c only and never affect other members.
func (h *Handler) Handle(ctx context.Context, c *Client, msg ClientMessage) {
	started := time.Now()
	ctx, span := h.tracer.TraceEvent(ctx, msg.Event(), c.ID())
	defer span.End()
	defer h.metrics.observeEvent(msg.Event(), started)

	switch m := msg.(type) {
	case JoinDocument:
		h.join(ctx, c, m)
	case ApplyDelta:
		h.delta(ctx, c, m)
	case UpdateCursor:
		h.cursor(ctx, c, m)
	case LeaveDocument:
		h.leaveRequested(ctx, c, m)
	}
}

// DeliverRemote hands a broadcast published by another node to every local
// member of documentID.
func (h *Handler) DeliverRemote(documentID string, msg ServerMessage) {
	session, ok := h.registry.Session(documentID)
	if !ok {
		return
	}
	h.metrics.recordSendFailures(session.Broadcast("", msg))
}

func (h *Handler) join(ctx context.Context, c *Client, m JoinDocument) {
	docID := m.DocumentID
	ctx = observability.WithDocumentID(ctx, docID)

	// Holding the document lock keeps the snapshot consistent with the
	// delta-update stream the new member receives afterwards. A switch also
	// holds the previous document's lock; locks are taken in sorted order.
	prev := c.DocumentID()
	unlock, err := h.lockDocuments(ctx, docID, prev)
	if err != nil {
		h.fail(ctx, c, msgJoinFailed, err)
		return
	}
	defer unlock()

	doc, err := h.store.GetDocument(ctx, docID)
	if err != nil {
		h.failLookup(ctx, c, msgJoinFailed, err)
		return
	}
	allowed, err := h.identity.CanAccessDocument(ctx, c.User().ID, docID)
	if err != nil {
		h.failLookup(ctx, c, msgJoinFailed, err)
		return
	}
	if !allowed {
		h.fail(ctx, c, msgAccessDenied, nil)
		return
	}

	state := DocumentState{Content: doc.Content, Version: doc.Version, Title: doc.Title}
	if c.DocumentID() == docID {
		h.send(ctx, c, state)
		return
	}

	if err := h.store.AddCollaborator(ctx, docID, c.User().ID); err != nil {
		h.failLookup(ctx, c, msgJoinFailed, err)
		return
	}
	if prev != "" {
		h.leaveLocked(observability.WithDocumentID(ctx, prev), c, prev, false)
	}

	session, added := h.registry.Join(docID, c)
	c.setDocumentID(docID)
	h.send(ctx, c, state)
	if added {
		h.broadcast(ctx, session, c.ID(), CollaboratorJoined{User: c.User(), CursorPosition: 0})
	}
	h.logger.DebugContext(ctx, "joined document", "members", session.Len())
}

func (h *Handler) delta(ctx context.Context, c *Client, m ApplyDelta) {
	docID := m.DocumentID
	if docID == "" || c.DocumentID() != docID {
		h.violation(ctx, c, EventDelta, "not joined to document")
		return
	}
	ctx = observability.WithDocumentID(ctx, docID)

	unlock, err := h.locks.Lock(ctx, docID)
	if err != nil {
		h.failDelta(ctx, c, err)
		return
	}
	defer unlock()

	doc, err := h.store.GetDocument(ctx, docID)
	if err != nil {
		h.failDelta(ctx, c, err)
		return
	}
	if m.BaseVersion != nil && *m.BaseVersion != doc.Version {
		h.metrics.recordDelta(DeltaConflict)
		h.send(ctx, c, VersionConflict{CurrentVersion: doc.Version})
		return
	}

	rec, err := h.store.ApplyChange(ctx, documents.ChangeRequest{
		DocumentID:      docID,
		ExpectedVersion: doc.Version,
		Content:         m.HTML,
		ChangeSet:       m.Delta,
		EditorID:        c.User().ID,
	})
	if err != nil {
		h.failDelta(ctx, c, err)
		return
	}
	h.metrics.recordDelta(DeltaApplied)

	h.send(ctx, c, DeltaAck{Version: rec.Version})
	if session, ok := h.registry.Session(docID); ok {
		h.broadcast(ctx, session, c.ID(), DeltaUpdate{Delta: m.Delta, Version: rec.Version, UserID: c.User().ID})
	}
}

func (h *Handler) failDelta(ctx context.Context, c *Client, err error) {
	var conflict *documents.ConflictError
	if errors.As(err, &conflict) {
		h.metrics.recordDelta(DeltaConflict)
		h.send(ctx, c, VersionConflict{CurrentVersion: conflict.Current})
		return
	}
	h.metrics.recordDelta(DeltaFailed)
	h.failLookup(ctx, c, msgApplyFailed, err)
}

func (h *Handler) cursor(ctx context.Context, c *Client, m UpdateCursor) {
	docID := m.DocumentID
	if docID == "" || c.DocumentID() != docID {
		h.violation(ctx, c, EventCursorUpdate, "not joined to document")
		return
	}
	ctx = observability.WithDocumentID(ctx, docID)

	user := c.User()
	if err := h.store.SetCollaboratorCursor(ctx, docID, user.ID, m.Position); err != nil {
		h.fail(ctx, c, msgCursorFailed, err)
		return
	}
	if session, ok := h.registry.Session(docID); ok {
		h.broadcast(ctx, session, c.ID(), CursorUpdate{UserID: user.ID, UserName: user.Name, Position: m.Position})
	}
}

func (h *Handler) leaveRequested(ctx context.Context, c *Client, m LeaveDocument) {
	current := c.DocumentID()
	if current == "" || (m.DocumentID != "" && m.DocumentID != current) {
		h.violation(ctx, c, EventLeaveDocument, "not joined to document")
		return
	}
	h.leave(ctx, c, current, true)
}

// leave removes c from docID under the document lock so a concurrent join
// of the same user cannot lose its durable collaborator entry.
func (h *Handler) leave(ctx context.Context, c *Client, docID string, report bool) {
	ctx = observability.WithDocumentID(ctx, docID)
	unlock, err := h.locks.Lock(ctx, docID)
	if err != nil {
		if report {
			h.fail(ctx, c, msgLeaveFailed, err)
			return
		}
		h.logger.WarnContext(ctx, "leaving without document lock", "error", err)
		h.leaveLocked(ctx, c, docID, false)
		return
	}
	defer unlock()
	h.leaveLocked(ctx, c, docID, report)
}

// leaveLocked removes the durable collaborator entry before touching
// membership. When report is set a persistence failure is sent to c and
// membership is kept; otherwise the failure is logged and c leaves anyway.
// The durable entry is kept while another connection of the same user is
// still in the session.
func (h *Handler) leaveLocked(ctx context.Context, c *Client, docID string, report bool) {
	session, ok := h.registry.Session(docID)
	if !ok || !session.Has(c.ID()) {
		c.setDocumentID("")
		return
	}

	userID := c.User().ID
	if !session.HasUser(userID, c.ID()) {
		if err := h.store.RemoveCollaborator(ctx, docID, userID); err != nil {
			if report {
				h.fail(ctx, c, msgLeaveFailed, err)
				return
			}
			h.logger.WarnContext(ctx, "remove collaborator failed", "error", err)
		}
	}

	session, removed := h.registry.Leave(docID, c.ID())
	c.setDocumentID("")
	if !removed {
		return
	}
	h.broadcast(ctx, session, c.ID(), CollaboratorLeft{UserID: userID})
	h.logger.DebugContext(ctx, "left document", "members", session.Len())
}

// lockDocuments locks every non-empty id once, in sorted order, and returns
// a func releasing them in reverse.
func (h *Handler) lockDocuments(ctx context.Context, ids ...string) (func(), error) {
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			keys = append(keys, id)
		}
	}
	slices.Sort(keys)
	keys = slices.Compact(keys)

	unlocks := make([]func(), 0, len(keys))
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, key := range keys {
		unlock, err := h.locks.Lock(ctx, key)
		if err != nil {
			release()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}

// broadcast fans msg out to local members other than exclude and to other
// nodes through the publisher.
func (h *Handler) broadcast(ctx context.Context, session *Session, exclude string, msg ServerMessage) {
	h.metrics.recordSendFailures(session.Broadcast(exclude, msg))
	if h.publisher == nil {
		return
	}
	if err := h.publisher.Publish(ctx, session.DocumentID(), msg); err != nil {
		h.logger.WarnContext(ctx, "relay publish failed", "event", msg.Event(), "error", err)
		return
	}
	h.metrics.RecordRelay("out")
}

func (h *Handler) send(ctx context.Context, c *Client, msg ServerMessage) {
	if err := c.Send(msg); err != nil {
		h.metrics.recordSendFailures(1)
		h.logger.DebugContext(ctx, "send failed", "event", msg.Event(), "error", err)
	}
}

// failLookup maps gateway errors onto client-facing messages.
func (h *Handler) failLookup(ctx context.Context, c *Client, fallback string, err error) {
	if errors.Is(err, documents.ErrNotFound) {
		h.fail(ctx, c, msgDocumentNotFound, nil)
		return
	}
	h.fail(ctx, c, fallback, err)
}

func (h *Handler) fail(ctx context.Context, c *Client, message string, err error) {
	if err != nil {
		h.logger.ErrorContext(ctx, message, "error", err)
	}
	h.send(ctx, c, ErrorMessage{Message: message})
}

func (h *Handler) violation(ctx context.Context, c *Client, event, reason string) {
	h.metrics.recordViolation(event)
	h.logger.DebugContext(ctx, "dropped protocol event", "event", event, "reason", reason, "joined", c.DocumentID())
}
