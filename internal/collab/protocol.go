package collab

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// Wire event names.
const (
	EventJoinDocument       = "join-document"
	EventDocumentState      = "document-state"
	EventCollaboratorJoined = "collaborator-joined"
	EventDelta              = "doc:delta"
	EventAck                = "doc:ack"
	EventVersionConflict    = "version-conflict"
	EventDeltaUpdate        = "delta-update"
	EventCursorUpdate       = "cursor-update"
	EventLeaveDocument      = "leave-document"
	EventCollaboratorLeft   = "collaborator-left"
	EventError              = "error"
)

var (
	ErrUnknownMessage   = errors.New("collab: unknown message")
	ErrMalformedMessage = errors.New("collab: malformed message")
)

// Envelope is the JSON frame carried over the websocket.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ClientMessage is an inbound protocol event. The set of implementations is
// closed: JoinDocument, ApplyDelta, UpdateCursor, LeaveDocument.
type ClientMessage interface {
	Event() string
	clientMessage()
}

type JoinDocument struct {
	DocumentID string
}

type ApplyDelta struct {
	DocumentID string
	// Delta is the opaque change set relayed to peers and kept in history.
	Delta json.RawMessage
	// BaseVersion is nil when the client did not claim a version.
	BaseVersion *int64
	// HTML is the full snapshot to persist; nil keeps the stored content.
	HTML *string
}

type UpdateCursor struct {
	DocumentID string
	Position   int
}

// LeaveDocument with an empty DocumentID leaves whatever is joined.
type LeaveDocument struct {
	DocumentID string
}

func (JoinDocument) Event() string  { return EventJoinDocument }
func (ApplyDelta) Event() string    { return EventDelta }
func (UpdateCursor) Event() string  { return EventCursorUpdate }
func (LeaveDocument) Event() string { return EventLeaveDocument }

func (JoinDocument) clientMessage()  {}
func (ApplyDelta) clientMessage()    {}
func (UpdateCursor) clientMessage()  {}
func (LeaveDocument) clientMessage() {}

// ServerMessage is an outbound protocol event.
type ServerMessage interface {
	Event() string
	serverMessage()
}

// UserInfo is the public identity shown to other collaborators.
type UserInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

type DocumentState struct {
	Content string `json:"content"`
	Version int64  `json:"version"`
	Title   string `json:"title"`
}

type CollaboratorJoined struct {
	User           UserInfo `json:"user"`
	CursorPosition int      `json:"cursorPosition"`
}

type DeltaAck struct {
	Version int64 `json:"version"`
}

type VersionConflict struct {
	CurrentVersion int64 `json:"currentVersion"`
}

type DeltaUpdate struct {
	Delta   json.RawMessage `json:"delta"`
	Version int64           `json:"version"`
	UserID  string          `json:"userId"`
}

type CursorUpdate struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Position int    `json:"position"`
}

type CollaboratorLeft struct {
	UserID string `json:"userId"`
}

type ErrorMessage struct {
	Message string `json:"message"`
}

func (DocumentState) Event() string      { return EventDocumentState }
func (CollaboratorJoined) Event() string { return EventCollaboratorJoined }
func (DeltaAck) Event() string           { return EventAck }
func (VersionConflict) Event() string    { return EventVersionConflict }
func (DeltaUpdate) Event() string        { return EventDeltaUpdate }
func (CursorUpdate) Event() string       { return EventCursorUpdate }
func (CollaboratorLeft) Event() string   { return EventCollaboratorLeft }
func (ErrorMessage) Event() string       { return EventError }

func (DocumentState) serverMessage()      {}
func (CollaboratorJoined) serverMessage() {}
func (DeltaAck) serverMessage()           {}
func (VersionConflict) serverMessage()    {}
func (DeltaUpdate) serverMessage()        {}
func (CursorUpdate) serverMessage()       {}
func (CollaboratorLeft) serverMessage()   {}
func (ErrorMessage) serverMessage()       {}

// EncodeServerMessage renders msg as an envelope frame.
func EncodeServerMessage(msg ServerMessage) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformedMessage)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Event(), err)
	}
	return json.Marshal(Envelope{Event: msg.Event(), Payload: payload})
}

// DecodeServerMessage parses an outbound frame. The relay uses it to replay
// broadcasts received from other nodes.
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	var msg ServerMessage
	switch env.Event {
	case EventDocumentState:
		msg = &DocumentState{}
	case EventCollaboratorJoined:
		msg = &CollaboratorJoined{}
	case EventAck:
		msg = &DeltaAck{}
	case EventVersionConflict:
		msg = &VersionConflict{}
	case EventDeltaUpdate:
		msg = &DeltaUpdate{}
	case EventCursorUpdate:
		msg = &CursorUpdate{}
	case EventCollaboratorLeft:
		msg = &CollaboratorLeft{}
	case EventError:
		msg = &ErrorMessage{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Event)
	}
	if err := json.Unmarshal(env.Payload, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, env.Event, err)
	}
	return deref(msg), nil
}

func deref(msg ServerMessage) ServerMessage {
	switch m := msg.(type) {
	case *DocumentState:
		return *m
	case *CollaboratorJoined:
		return *m
	case *DeltaAck:
		return *m
	case *VersionConflict:
		return *m
	case *DeltaUpdate:
		return *m
	case *CursorUpdate:
		return *m
	case *CollaboratorLeft:
		return *m
	case *ErrorMessage:
		return *m
	}
	return msg
}

// DecodeClientMessage parses an inbound envelope into its typed event.
func DecodeClientMessage(env Envelope) (ClientMessage, error) {
	switch env.Event {
	case EventJoinDocument:
		id, err := decodeDocumentRef(env.Payload)
		if err != nil {
			return nil, err
		}
		if id == "" {
			return nil, fmt.Errorf("%w: %s requires a document id", ErrMalformedMessage, env.Event)
		}
		return JoinDocument{DocumentID: id}, nil
	case EventLeaveDocument:
		id, err := decodeDocumentRef(env.Payload)
		if err != nil {
			return nil, err
		}
		return LeaveDocument{DocumentID: id}, nil
	case EventDelta:
		return decodeDelta(env.Payload)
	case EventCursorUpdate:
		var payload struct {
			DocumentID string `json:"documentId"`
			Position   int    `json:"position"`
		}
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, env.Event, err)
		}
		return UpdateCursor{DocumentID: payload.DocumentID, Position: payload.Position}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Event)
	}
}

// decodeDocumentRef accepts either a bare id string or {"documentId": id}.
func decodeDocumentRef(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		return strings.TrimSpace(id), nil
	}
	var obj struct {
		DocumentID string `json:"documentId"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return strings.TrimSpace(obj.DocumentID), nil
}

// decodeDelta honours baseVersion only when it is a JSON number and html
// only when it is a string; other types are treated as absent.
func decodeDelta(raw json.RawMessage) (ClientMessage, error) {
	var payload struct {
		DocumentID  string          `json:"documentId"`
		Delta       json.RawMessage `json:"delta"`
		BaseVersion json.RawMessage `json:"baseVersion"`
		HTML        json.RawMessage `json:"html"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, EventDelta, err)
	}
	msg := ApplyDelta{DocumentID: payload.DocumentID, Delta: payload.Delta}

	var base any
	if len(payload.BaseVersion) > 0 && json.Unmarshal(payload.BaseVersion, &base) == nil {
		if f, ok := base.(float64); ok {
			if f != math.Trunc(f) || f >= math.MaxInt64 || f < math.MinInt64 {
				return nil, fmt.Errorf("%w: baseVersion must be an integer", ErrMalformedMessage)
			}
			v := int64(f)
			msg.BaseVersion = &v
		}
	}

	var html any
	if len(payload.HTML) > 0 && json.Unmarshal(payload.HTML, &html) == nil {
		if s, ok := html.(string); ok {
			msg.HTML = &s
		}
	}
	return msg, nil
}
