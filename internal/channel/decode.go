package channel

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/handoversync/internal/api"
)

var (
	ErrUnknownEvent  = errors.New("unknown event")
	ErrInvalidEvent  = errors.New("invalid event payload")
	ErrNotConnected  = errors.New("channel not connected")
	ErrInvalidOption = errors.New("invalid option")
)

const schemaBaseURL = "https://handoversync.local/schemas/"

const messageSchema = `{
	"type": "object",
	"required": ["id", "conversationId", "createdAt"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"conversationId": {"type": "string", "minLength": 1},
		"senderId": {"type": "string"},
		"text": {"type": "string"},
		"attachment": {"type": ["object", "null"]},
		"createdAt": {"type": "string", "minLength": 1}
	}
}`

// schemaSources maps every push event name to the JSON schema its payload must
// satisfy before it is decoded.
var schemaSources = map[Kind]string{
	KindNewMessage: messageSchema,
	KindNotification: `{
		"type": "object",
		"required": ["id"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"type": {"type": "string"},
			"refId": {"type": "string"},
			"message": {"type": "string"},
			"isRead": {"type": "boolean"},
			"createdAt": {"type": "string"}
		}
	}`,
	KindConversationUpdated: `{
		"type": "object",
		"required": ["id"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"isGroup": {"type": "boolean"},
			"name": {"type": "string"},
			"participantIds": {"type": "array", "items": {"type": "string"}},
			"unreadCount": {"type": "integer", "minimum": 0}
		}
	}`,
	KindTaskAdded: `{
		"type": "object",
		"required": ["sprintId"],
		"properties": {
			"sprintId": {"type": "string", "minLength": 1},
			"taskId": {"type": "string"},
			"newTask": {"type": ["object", "null"]}
		}
	}`,
	KindTaskUpdated: `{
		"type": "object",
		"required": ["sprintId"],
		"properties": {
			"sprintId": {"type": "string", "minLength": 1},
			"taskId": {"type": "string"},
			"updatedTask": {"type": ["object", "null"]}
		}
	}`,
	KindSprintUpdated: `{
		"type": "object",
		"required": ["sprintId", "updatedSprint"],
		"properties": {
			"sprintId": {"type": "string", "minLength": 1},
			"updatedSprint": {"type": "object", "required": ["id"]}
		}
	}`,
	KindNoteAdded: `{
		"type": "object",
		"required": ["sprintId", "note"],
		"properties": {
			"sprintId": {"type": "string", "minLength": 1},
			"note": {"type": "object", "required": ["id"]},
			"updatedHistory": {"type": "array"}
		}
	}`,
	KindDeliverableUploaded: `{
		"type": "object",
		"required": ["sprintId", "deliverable"],
		"properties": {
			"sprintId": {"type": "string", "minLength": 1},
			"deliverable": {"type": "object", "required": ["id"]},
			"updatedHistory": {"type": "array"}
		}
	}`,
	KindDeliverableDeleted: `{
		"type": "object",
		"required": ["sprintId", "deliverableId"],
		"properties": {
			"sprintId": {"type": "string", "minLength": 1},
			"deliverableId": {"type": "string", "minLength": 1},
			"updatedHistory": {"type": "array"}
		}
	}`,
	KindAcceptanceStatusUpdated: `{
		"type": "object",
		"required": ["sprintId", "acceptanceStatus"],
		"properties": {
			"sprintId": {"type": "string", "minLength": 1},
			"acceptanceStatus": {"type": "string"},
			"updatedHistory": {"type": "array"}
		}
	}`,
}

// Decoder turns raw push frames into typed events.
type Decoder struct {
	schemas map[Kind]*jsonschema.Schema
}

func NewDecoder() (*Decoder, error) {
	compiler := jsonschema.NewCompiler()
	for kind, src := range schemaSources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("parse %s schema: %w", kind, err)
		}
		if err := compiler.AddResource(schemaURL(kind), doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", kind, err)
		}
	}
	schemas := make(map[Kind]*jsonschema.Schema, len(schemaSources))
	for kind := range schemaSources {
		schema, err := compiler.Compile(schemaURL(kind))
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", kind, err)
		}
		schemas[kind] = schema
	}
	return &Decoder{schemas: schemas}, nil
}

func schemaURL(kind Kind) string {
	return schemaBaseURL + string(kind) + ".json"
}

func (d *Decoder) Decode(name string, data json.RawMessage) (Event, error) {
	kind := Kind(strings.TrimSpace(name))
	schema, ok := d.schemas[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, kind, err)
	}
	if err := schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, kind, err)
	}
	ev, err := decodeValidated(kind, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, kind, err)
	}
	return ev, nil
}

func decodeValidated(kind Kind, data json.RawMessage) (Event, error) {
	switch kind {
	case KindNewMessage:
		var msg api.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return NewMessage{Message: msg}, nil
	case KindNotification:
		var n api.Notification
		if err := json.Unmarshal(data, &n); err != nil {
			return nil, err
		}
		return NotificationPushed{Notification: n}, nil
	case KindConversationUpdated:
		var patch api.ConversationPatch
		if err := json.Unmarshal(data, &patch); err != nil {
			return nil, err
		}
		return ConversationUpdated{Patch: patch}, nil
	case KindTaskAdded, KindTaskUpdated:
		var payload struct {
			SprintID    string    `json:"sprintId"`
			TaskID      string    `json:"taskId"`
			NewTask     *api.Task `json:"newTask"`
			UpdatedTask *api.Task `json:"updatedTask"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, err
		}
		task := payload.NewTask
		if kind == KindTaskUpdated {
			task = payload.UpdatedTask
		}
		taskID := payload.TaskID
		if taskID == "" && task != nil {
			taskID = task.ID
		}
		return TaskChanged{EventKind: kind, SprintID: payload.SprintID, TaskID: taskID, Task: task}, nil
	case KindSprintUpdated:
		var payload struct {
			SprintID      string      `json:"sprintId"`
			UpdatedSprint *api.Sprint `json:"updatedSprint"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, err
		}
		return SprintUpdated{SprintID: payload.SprintID, Updated: payload.UpdatedSprint}, nil
	case KindNoteAdded, KindDeliverableUploaded, KindDeliverableDeleted, KindAcceptanceStatusUpdated:
		var payload struct {
			SprintID         string             `json:"sprintId"`
			Note             *api.Note          `json:"note"`
			Deliverable      *api.Deliverable   `json:"deliverable"`
			DeliverableID    string             `json:"deliverableId"`
			AcceptanceStatus *string            `json:"acceptanceStatus"`
			UpdatedHistory   []api.HistoryEntry `json:"updatedHistory"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, err
		}
		return SprintDelta{
			EventKind:        kind,
			SprintID:         payload.SprintID,
			Note:             payload.Note,
			Deliverable:      payload.Deliverable,
			DeliverableID:    payload.DeliverableID,
			AcceptanceStatus: payload.AcceptanceStatus,
			UpdatedHistory:   payload.UpdatedHistory,
		}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, kind)
}
