package gateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/coedit/internal/collab"
)

type wsSchemaRegistry struct {
	once    sync.Once
	initErr error
	frame   *jsonschema.Schema
	events  map[string]*jsonschema.Schema
}

var wsSchemas wsSchemaRegistry

func initWSSchemas() error {
	wsSchemas.once.Do(func() {
		frameSchema, err := jsonschema.CompileString("ws_frame", wsFrameSchema)
		if err != nil {
			wsSchemas.initErr = err
			return
		}
		wsSchemas.frame = frameSchema

		events := map[string]string{
			collab.EventJoinDocument:  wsDocumentRefSchema,
			collab.EventLeaveDocument: wsDocumentRefSchema,
			collab.EventDelta:         wsDeltaSchema,
			collab.EventCursorUpdate:  wsCursorSchema,
		}

		wsSchemas.events = make(map[string]*jsonschema.Schema, len(events))
		for name, schema := range events {
			compiled, err := jsonschema.CompileString("ws_event_"+name, schema)
			if err != nil {
				wsSchemas.initErr = err
				return
			}
			wsSchemas.events[name] = compiled
		}
	})
	return wsSchemas.initErr
}

// validateWSFrame checks the envelope shape and, for known events, the
// payload shape. Unknown events pass through so the decoder can name them.
func validateWSFrame(raw []byte, env *collab.Envelope) error {
	if err := initWSSchemas(); err != nil {
		return err
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if err := wsSchemas.frame.Validate(payload); err != nil {
		return err
	}
	if env == nil {
		return fmt.Errorf("missing frame")
	}
	if schema := wsSchemas.events[env.Event]; schema != nil {
		var body any
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &body); err != nil {
				return err
			}
		}
		if err := schema.Validate(body); err != nil {
			return err
		}
	}
	return nil
}

const wsFrameSchema = `{
  "type": "object",
  "required": ["event"],
  "properties": {
    "event": { "type": "string", "minLength": 1 },
    "payload": {}
  },
  "additionalProperties": true
}`

// join-document and leave-document carry either the id itself or an
// object naming it. leave-document may also omit it.
const wsDocumentRefSchema = `{
  "oneOf": [
    { "type": "string" },
    { "type": "null" },
    {
      "type": "object",
      "properties": {
        "documentId": { "type": "string" }
      },
      "additionalProperties": true
    }
  ]
}`

const wsDeltaSchema = `{
  "type": "object",
  "required": ["documentId", "delta"],
  "properties": {
    "documentId": { "type": "string", "minLength": 1 },
    "delta": {},
    "baseVersion": {},
    "html": {}
  },
  "additionalProperties": true
}`

const wsCursorSchema = `{
  "type": "object",
  "required": ["documentId", "position"],
  "properties": {
    "documentId": { "type": "string", "minLength": 1 },
    "position": { "type": "integer", "minimum": 0 }
  },
  "additionalProperties": true
}`
