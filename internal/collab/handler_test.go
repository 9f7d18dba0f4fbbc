package collab

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/coedit/internal/documents"
	"github.com/haasonsaas/coedit/pkg/models"
)

var errSendFailed = errors.New("send failed")

type fakeConn struct {
	id   string
	fail bool

	mu   sync.Mutex
	msgs []ServerMessage
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(msg ServerMessage) error {
	if f.fail {
		return errSendFailed
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return nil
}

// take returns and clears everything received so far.
func (f *fakeConn) take() []ServerMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.msgs
	f.msgs = nil
	return out
}

type fakeIdentity struct {
	mu      sync.Mutex
	denied  map[string]bool
	online  map[string]bool
	offline []string
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{denied: map[string]bool{}, online: map[string]bool{}}
}

func (f *fakeIdentity) CanAccessDocument(_ context.Context, userID, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.denied[userID], nil
}

func (f *fakeIdentity) MarkOnline(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online[userID] = true
	return nil
}

func (f *fakeIdentity) MarkOffline(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online[userID] = false
	f.offline = append(f.offline, userID)
	return nil
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []ServerMessage
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, msg ServerMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, msg)
	return nil
}

// flakyStore fails selected operations.
type flakyStore struct {
	*documents.MemoryStore
	failCursor bool
	failAdd    bool
	failRemove bool

	// When set, RemoveCollaborator signals removeEntered and waits for
	// removeRelease before touching the store.
	removeEntered chan struct{}
	removeRelease chan struct{}
}

func (s *flakyStore) SetCollaboratorCursor(ctx context.Context, documentID, userID string, position int) error {
	if s.failCursor {
		return errors.New("disk full")
	}
	return s.MemoryStore.SetCollaboratorCursor(ctx, documentID, userID, position)
}

func (s *flakyStore) AddCollaborator(ctx context.Context, documentID, userID string) error {
	if s.failAdd {
		return errors.New("connection reset")
	}
	return s.MemoryStore.AddCollaborator(ctx, documentID, userID)
}

func (s *flakyStore) RemoveCollaborator(ctx context.Context, documentID, userID string) error {
	if s.failRemove {
		return errors.New("connection reset")
	}
	if s.removeRelease != nil {
		s.removeEntered <- struct{}{}
		<-s.removeRelease
	}
	return s.MemoryStore.RemoveCollaborator(ctx, documentID, userID)
}

type harness struct {
	t         *testing.T
	handler   *Handler
	registry  *Registry
	store     *flakyStore
	identity  *fakeIdentity
	publisher *recordingPublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := &flakyStore{MemoryStore: documents.NewMemoryStore()}
	identity := newFakeIdentity()
	publisher := &recordingPublisher{}
	registry := NewRegistry(nil)
	handler := NewHandler(registry, store, identity, HandlerOptions{
		Publisher: publisher,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return &harness{t: t, handler: handler, registry: registry, store: store, identity: identity, publisher: publisher}
}

func (h *harness) createDoc(id, content string) {
	h.t.Helper()
	err := h.store.CreateDocument(context.Background(), &documents.Document{ID: id, WorkspaceID: "ws", Title: "Doc " + id, Content: content})
	if err != nil {
		h.t.Fatalf("CreateDocument() error = %v", err)
	}
}

func (h *harness) connect(connID, userID string) (*Client, *fakeConn) {
	conn := newFakeConn(connID)
	return h.handler.Connect(context.Background(), conn, testUser(userID)), conn
}

func (h *harness) handle(c *Client, msg ClientMessage) {
	h.handler.Handle(context.Background(), c, msg)
}

func testUser(id string) *models.User {
	return &models.User{ID: id, Name: "name-" + id, AvatarURL: id + ".png"}
}

func one[T ServerMessage](t *testing.T, msgs []ServerMessage) T {
	t.Helper()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages %#v, want exactly 1", len(msgs), msgs)
	}
	got, ok := msgs[0].(T)
	if !ok {
		t.Fatalf("got %T, want %T", msgs[0], *new(T))
	}
	return got
}

func delta(docID string, base int64, html string) ApplyDelta {
	return ApplyDelta{
		DocumentID:  docID,
		Delta:       json.RawMessage(`{"ops":[{"insert":"x"}]}`),
		BaseVersion: &base,
		HTML:        &html,
	}
}

func TestHandlerScenario(t *testing.T) {
	h := newHarness(t)
	h.createDoc("D1", "hello")
	a, connA := h.connect("conn-a", "alice")
	b, connB := h.connect("conn-b", "bob")

	h.handle(a, JoinDocument{DocumentID: "D1"})
	state := one[DocumentState](t, connA.take())
	if state.Content != "hello" || state.Version != 0 || state.Title != "Doc D1" {
		t.Fatalf("state = %+v", state)
	}

	h.handle(b, JoinDocument{DocumentID: "D1"})
	one[DocumentState](t, connB.take())
	joined := one[CollaboratorJoined](t, connA.take())
	if joined.User != (UserInfo{ID: "bob", Name: "name-bob", Avatar: "bob.png"}) || joined.CursorPosition != 0 {
		t.Fatalf("joined = %+v", joined)
	}

	h.handle(a, delta("D1", 0, "hello world"))
	if ack := one[DeltaAck](t, connA.take()); ack.Version != 1 {
		t.Fatalf("ack = %+v", ack)
	}
	update := one[DeltaUpdate](t, connB.take())
	if update.Version != 1 || update.UserID != "alice" || string(update.Delta) != `{"ops":[{"insert":"x"}]}` {
		t.Fatalf("update = %+v", update)
	}

	h.handle(b, delta("D1", 0, "hello!"))
	if conflict := one[VersionConflict](t, connB.take()); conflict.CurrentVersion != 1 {
		t.Fatalf("conflict = %+v", conflict)
	}
	if got := connA.take(); len(got) != 0 {
		t.Fatalf("conflict must not reach other members, a got %v", got)
	}

	doc, _ := h.store.GetDocument(context.Background(), "D1")
	if doc.Content != "hello world" || doc.Version != 1 {
		t.Fatalf("doc = %+v", doc)
	}
	history, _ := h.store.ListHistory(context.Background(), "D1", 0)
	if len(history) != 1 || history[0].EditorID != "alice" || history[0].Content != "hello world" {
		t.Fatalf("history = %+v", history)
	}
}

func TestHandlerDeltaWithoutBaseVersionOrHTML(t *testing.T) {
	h := newHarness(t)
	h.createDoc("D1", "keep me")
	a, connA := h.connect("conn-a", "alice")
	h.handle(a, JoinDocument{DocumentID: "D1"})
	connA.take()

	h.handle(a, ApplyDelta{DocumentID: "D1", Delta: json.RawMessage(`{}`)})
	if ack := one[DeltaAck](t, connA.take()); ack.Version != 1 {
		t.Fatalf("ack = %+v", ack)
	}
	doc, _ := h.store.GetDocument(context.Background(), "D1")
	if doc.Content != "keep me" || doc.Version != 1 {
		t.Fatalf("doc = %+v", doc)
	}
}

func TestHandlerIdempotentJoin(t *testing.T) {
	h := newHarness(t)
	h.createDoc("D1", "hello")
	a, connA := h.connect("conn-a", "alice")
	b, connB := h.connect("conn-b", "bob")
	h.handle(b, JoinDocument{DocumentID: "D1"})
	connB.take()

	h.handle(a, JoinDocument{DocumentID: "D1"})
	h.handle(a, JoinDocument{DocumentID: "D1"})

	if got := connA.take(); len(got) != 2 {
		t.Fatalf("expected two document-state snapshots, got %v", got)
	}
	one[CollaboratorJoined](t, connB.take())

	session, _ := h.registry.Session("D1")
	if session.Len() != 2 {
		t.Fatalf("session members = %d, want 2", session.Len())
	}
}

func TestHandlerJoinFailures(t *testing.T) {
	h := newHarness(t)
	h.createDoc("D1", "hello")
	h.identity.denied["mallory"] = true
	m, connM := h.connect("conn-m", "mallory")

	h.handle(m, JoinDocument{DocumentID: "missing"})
	if e := one[ErrorMessage](t, connM.take()); e.Message != "Document not found" {
		t.Fatalf("error = %+v", e)
	}

	h.handle(m, JoinDocument{DocumentID: "D1"})
	if e := one[ErrorMessage](t, connM.take()); e.Message != "Access denied to this document" {
		t.Fatalf("error = %+v", e)
	}
	if m.DocumentID() != "" || h.registry.Len() != 0 {
		t.Fatal("failed join must leave no state behind")
	}

	h.store.failAdd = true
	a, connA := h.connect("conn-a", "alice")
	h.handle(a, JoinDocument{DocumentID: "D1"})
	if e := one[ErrorMessage](t, connA.take()); e.Message != "Failed to join document" {
		t.Fatalf("error = %+v", e)
	}
	if a.DocumentID() != "" || h.registry.Len() != 0 {
		t.Fatal("persistence failure must leave no partial membership")
	}
}

func TestHandlerSwitchingDocumentsLeavesPrevious(t *testing.T) {
	h := newHarness(t)
	h.createDoc("D1", "one")
	h.createDoc("D2", "two")
	a, connA := h.connect("conn-a", "alice")
	b, connB := h.connect("conn-b", "bob")
	h.handle(a, JoinDocument{DocumentID: "D1"})
	h.handle(b, JoinDocument{DocumentID: "D1"})
	connA.take()
	connB.take()

	h.handle(a, JoinDocument{DocumentID: "D2"})
	if state := one[DocumentState](t, connA.take()); state.Content != "two" {
		t.Fatalf("state = %+v", state)
	}
	if left := one[CollaboratorLeft](t, connB.take()); left.UserID != "alice" {
		t.Fatalf("left = %+v", left)
	}
	if a.DocumentID() != "D2" {
		t.Fatalf("current document = %q", a.DocumentID())
	}
	members, _ := h.store.ListCollaborators(context.Background(), "D1")
	if len(members) != 1 || members[0].UserID != "bob" {
		t.Fatalf("D1 collaborators = %+v", members)
	}
}

func TestHandlerDropsEventsWhenNotJoined(t *testing.T) {
	h := newHarness(t)
	h.createDoc("D1", "hello")
	h.createDoc("D2", "other")
	a, connA := h.connect("conn-a", "alice")

	h.handle(a, delta("D1", 0, "nope"))
	h.handle(a, UpdateCursor{DocumentID: "D1", Position: 3})
	h.handle(a, LeaveDocument{DocumentID: "D1"})

	h.handle(a, JoinDocument{DocumentID: "D1"})
	connA.take()
	h.handle(a, delta("D2", 0, "wrong doc"))
	h.handle(a, LeaveDocument{DocumentID: "D2"})

	if got := connA.take(); len(got) != 0 {
		t.Fatalf("dropped events must not produce replies, got %v", got)
	}
	for _, id := range []string{"D1", "D2"} {
		doc, _ := h.store.GetDocument(context.Background(), id)
		if doc.Version != 0 {
			t.Fatalf("%s version = %d, want 0", id, doc.Version)
		}
	}
	if a.DocumentID() != "D1" {
		t.Fatal("mismatched leave must not leave the joined document")
	}
}

func TestHandlerConcurrentDeltasSingleWinner(t *testing.T) {
	h := newHarness(t)
	h.createDoc("D1", "")

	const writers = 16
	clients := make([]*Client, writers)
	conns := make([]*fakeConn, writers)
	for i := range clients {
		clients[i], conns[i] = h.connect(string(rune('a'+i)), string(rune('a'+i)))
		h.handle(clients[i], JoinDocument{DocumentID: "D1"})
	}
	for _, conn := range conns {
		conn.take()
	}

	var wg sync.WaitGroup
	for i := range clients {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h.handle(clients[i], delta("D1", 0, "from "+clients[i].ID()))
		}(i)
	}
	wg.Wait()

	acks, conflicts, updates := 0, 0, 0
	for _, conn := range conns {
		for _, msg := range conn.take() {
			switch m := msg.(type) {
			case DeltaAck:
				acks++
			case VersionConflict:
				conflicts++
				if m.CurrentVersion != 1 {
					t.Fatalf("conflict reported version %d, want 1", m.CurrentVersion)
				}
			case DeltaUpdate:
				updates++
			}
		}
	}
	if acks != 1 || conflicts != writers-1 || updates != writers-1 {
		t.Fatalf("acks=%d conflicts=%d updates=%d", acks, conflicts, updates)
	}
	doc, _ := h.store.GetDocument(context.Background(), "D1")
	if doc.Version != 1 {
		t.Fatalf("version = %d, want 1", doc.Version)
	}
}

func TestHandlerVersionMonotonic(t *testing.T) {
	h := newHarness(t)
	h.createDoc("D1", "")
	a, connA := h.connect("conn-a", "alice")
	h.handle(a, JoinDocument{DocumentID: "D1"})
	connA.take()

	for v := int64(0); v < 5; v++ {
		h.handle(a, delta("D1", v, "rev"))
		if ack := one[DeltaAck](t, connA.take()); ack.Version != v+1 {
			t.Fatalf("ack = %d, want %d", ack.Version, v+1)
		}
	}
}

func TestHandlerCursor(t *testing.T) {
	h := newHarness(t)
	h.createDoc("D1", "hello")
	a, connA := h.connect("conn-a", "alice")
	b, connB := h.connect("conn-b", "bob")
	h.handle(a, JoinDocument{DocumentID: "D1"})
	h.handle(b, JoinDocument{DocumentID: "D1"})
	connA.take()
	connB.take()

	h.handle(a, UpdateCursor{DocumentID: "D1", Position: 4})
	if got := connA.take(); len(got) != 0 {
		t.Fatalf("originator got its own cursor echo: %v", got)
	}
	cursor := one[CursorUpdate](t, connB.take())
	if cursor != (CursorUpdate{UserID: "alice", UserName: "name-alice", Position: 4}) {
		t.Fatalf("cursor = %+v", cursor)
	}
	members, _ := h.store.ListCollaborators(context.Background(), "D1")
	if members[0].UserID != "alice" || members[0].CursorPosition != 4 {
		t.Fatalf("members = %+v", members)
	}
	doc, _ := h.store.GetDocument(context.Background(), "D1")
	if doc.Version != 0 {
		t.Fatal("cursor updates must not touch the version")
	}

	h.store.failCursor = true
	h.handle(a, UpdateCursor{DocumentID: "D1", Position: 5})
	if e := one[ErrorMessage](t, connA.take()); e.Message != "Failed to update cursor" {
		t.Fatalf("error = %+v", e)
	}
	if got := connB.take(); len(got) != 0 {
		t.Fatalf("failed cursor update was broadcast: %v", got)
	}
}

func TestHandlerLeaveAndTeardown(t *testing.T) {
	h := newHarness(t)
	h.createDoc("D1", "hello")
	a, connA := h.connect("conn-a", "alice")
	b, connB := h.connect("conn-b", "bob")
	h.handle(a, JoinDocument{DocumentID: "D1"})
	h.handle(b, JoinDocument{DocumentID: "D1"})
	connA.take()
	connB.take()

	h.handle(a, LeaveDocument{})
	if left := one[CollaboratorLeft](t, connB.take()); left.UserID != "alice" {
		t.Fatalf("left = %+v", left)
	}
	if got := connA.take(); len(got) != 0 {
		t.Fatalf("leaver got %v", got)
	}
	if a.DocumentID() != "" {
		t.Fatal("leave must clear the current document")
	}

	h.handler.Disconnect(context.Background(), b)
	if _, ok := h.registry.Session("D1"); ok {
		t.Fatal("session should be released after the last member leaves")
	}
	if !containsString(h.identity.offline, "bob") {
		t.Fatalf("bob not marked offline: %v", h.identity.offline)
	}
	members, _ := h.store.ListCollaborators(context.Background(), "D1")
	if len(members) != 0 {
		t.Fatalf("collaborators = %+v, want none", members)
	}

	h.handle(a, JoinDocument{DocumentID: "D1"})
	one[DocumentState](t, connA.take())
	session, _ := h.registry.Session("D1")
	if session.Len() != 1 {
		t.Fatalf("fresh session has %d members, want 1", session.Len())
	}
}

func TestHandlerLeaveReportsPersistenceFailure(t *testing.T) {
	h := newHarness(t)
	h.createDoc("D1", "hello")
	a, connA := h.connect("conn-a", "alice")
	h.handle(a, JoinDocument{DocumentID: "D1"})
	connA.take()

	b, connB := h.connect("conn-b", "bob")
	h.handle(b, JoinDocument{DocumentID: "D1"})
	connA.take()
	connB.take()

	h.store.failRemove = true
	h.handle(a, LeaveDocument{DocumentID: "D1"})
	if e := one[ErrorMessage](t, connA.take()); e.Message != "Failed to leave document" {
		t.Fatalf("error = %+v", e)
	}
	if got := connB.take(); len(got) != 0 {
		t.Fatalf("failed leave was broadcast: %v", got)
	}
	session, ok := h.registry.Session("D1")
	if a.DocumentID() != "D1" || !ok || !session.Has("conn-a") {
		t.Fatal("a failed leave must keep the membership")
	}

	h.store.failRemove = false
	h.handle(a, LeaveDocument{DocumentID: "D1"})
	one[CollaboratorLeft](t, connB.take())
	if a.DocumentID() != "" || session.Has("conn-a") {
		t.Fatal("retried leave should remove the membership")
	}
}

func TestHandlerDisconnectLeavesDespitePersistenceFailure(t *testing.T) {
	h := newHarness(t)
	h.createDoc("D1", "hello")
	a, _ := h.connect("conn-a", "alice")
	h.handle(a, JoinDocument{DocumentID: "D1"})

	h.store.failRemove = true
	h.handler.Disconnect(context.Background(), a)
	if a.DocumentID() != "" || h.registry.Len() != 0 {
		t.Fatal("disconnect must clear membership even when persistence fails")
	}
}

func TestHandlerLeaveRacingSameUserJoinKeepsCollaborator(t *testing.T) {
	h := newHarness(t)
	h.createDoc("D1", "hello")
	tab1, _ := h.connect("tab-1", "alice")
	tab2, conn2 := h.connect("tab-2", "alice")
	h.handle(tab1, JoinDocument{DocumentID: "D1"})

	h.store.removeEntered = make(chan struct{})
	h.store.removeRelease = make(chan struct{})
	leaveDone := make(chan struct{})
	go func() {
		defer close(leaveDone)
		h.handle(tab1, LeaveDocument{DocumentID: "D1"})
	}()
	<-h.store.removeEntered

	joinDone := make(chan struct{})
	go func() {
		defer close(joinDone)
		h.handle(tab2, JoinDocument{DocumentID: "D1"})
	}()
	select {
	case <-joinDone:
		t.Fatal("join finished while a leave of the same document was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(h.store.removeRelease)
	<-leaveDone
	<-joinDone

	one[DocumentState](t, conn2.take())
	if tab2.DocumentID() != "D1" {
		t.Fatalf("tab-2 joined %q, want D1", tab2.DocumentID())
	}
	h.handle(tab2, UpdateCursor{DocumentID: "D1", Position: 7})
	members, _ := h.store.ListCollaborators(context.Background(), "D1")
	if len(members) != 1 || members[0].UserID != "alice" || members[0].CursorPosition != 7 {
		t.Fatalf("collaborators = %+v, want alice at 7", members)
	}
}

func TestHandlerCrossingSwitchesDoNotDeadlock(t *testing.T) {
	h := newHarness(t)
	h.createDoc("D1", "one")
	h.createDoc("D2", "two")
	a, _ := h.connect("conn-a", "alice")
	b, _ := h.connect("conn-b", "bob")
	h.handle(a, JoinDocument{DocumentID: "D1"})
	h.handle(b, JoinDocument{DocumentID: "D2"})

	const rounds = 50
	switchLoop := func(c *Client, even, odd string) {
		for i := 0; i < rounds; i++ {
			target := even
			if i%2 == 1 {
				target = odd
			}
			h.handle(c, JoinDocument{DocumentID: target})
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); switchLoop(a, "D2", "D1") }()
		go func() { defer wg.Done(); switchLoop(b, "D1", "D2") }()
		wg.Wait()
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("document switches deadlocked")
	}

	for _, tc := range []struct {
		doc  string
		conn string
	}{{"D1", "conn-a"}, {"D2", "conn-b"}} {
		session, ok := h.registry.Session(tc.doc)
		if !ok || session.Len() != 1 || !session.Has(tc.conn) {
			t.Fatalf("%s should hold only %s", tc.doc, tc.conn)
		}
	}
}

func TestHandlerSameUserTwoConnections(t *testing.T) {
	h := newHarness(t)
	h.createDoc("D1", "hello")
	tab1, _ := h.connect("tab-1", "alice")
	tab2, _ := h.connect("tab-2", "alice")
	h.handle(tab1, JoinDocument{DocumentID: "D1"})
	h.handle(tab2, JoinDocument{DocumentID: "D1"})

	h.handle(tab1, LeaveDocument{DocumentID: "D1"})
	members, _ := h.store.ListCollaborators(context.Background(), "D1")
	if len(members) != 1 || members[0].UserID != "alice" {
		t.Fatalf("alice should remain a collaborator through tab-2: %+v", members)
	}
}

func TestHandlerDisconnectWithoutJoin(t *testing.T) {
	h := newHarness(t)
	a, _ := h.connect("conn-a", "alice")
	if !h.identity.online["alice"] {
		t.Fatal("connect should mark the user online")
	}
	h.handler.Disconnect(context.Background(), a)
	if h.identity.online["alice"] {
		t.Fatal("disconnect should mark the user offline")
	}
}

func TestHandlerPublishesAndDeliversRemote(t *testing.T) {
	h := newHarness(t)
	h.createDoc("D1", "hello")
	a, connA := h.connect("conn-a", "alice")
	h.handle(a, JoinDocument{DocumentID: "D1"})
	h.handle(a, delta("D1", 0, "hi"))
	connA.take()

	h.publisher.mu.Lock()
	sent := append([]ServerMessage(nil), h.publisher.sent...)
	h.publisher.mu.Unlock()
	if len(sent) != 2 {
		t.Fatalf("published %d messages, want joined + delta-update", len(sent))
	}
	if _, ok := sent[1].(DeltaUpdate); !ok {
		t.Fatalf("second publish = %T", sent[1])
	}

	h.handler.DeliverRemote("D1", CursorUpdate{UserID: "remote", UserName: "Remote", Position: 1})
	if c := one[CursorUpdate](t, connA.take()); c.UserID != "remote" {
		t.Fatalf("remote cursor = %+v", c)
	}
	h.handler.DeliverRemote("unknown", CursorUpdate{})
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
