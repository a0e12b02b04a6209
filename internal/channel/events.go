package channel

import (
	"github.com/agentworkforce/handoversync/internal/api"
)

type Kind string

const (
	KindConnect                 Kind = "connect"
	KindDisconnect              Kind = "disconnect"
	KindNewMessage              Kind = "newMessage"
	KindNotification            Kind = "notification"
	KindConversationUpdated     Kind = "conversationUpdated"
	KindTaskAdded               Kind = "taskAdded"
	KindTaskUpdated             Kind = "taskUpdated"
	KindSprintUpdated           Kind = "sprintUpdated"
	KindNoteAdded               Kind = "noteAdded"
	KindDeliverableUploaded     Kind = "deliverableUploaded"
	KindDeliverableDeleted      Kind = "deliverableDeleted"
	KindAcceptanceStatusUpdated Kind = "acceptanceStatusUpdated"
)

// Event is one item on the client's event channel. The set of implementations
// is closed; consumers switch on the concrete type.
type Event interface {
	Kind() Kind
	isEvent()
}

// SprintEvent is implemented by every event scoped to a sprint room.
type SprintEvent interface {
	Event
	Sprint() string
}

type Connected struct {
	// Reconnect is false only for the first successful connection of a client.
	Reconnect bool
}

type Disconnected struct {
	Err error
}

type NewMessage struct {
	Message api.Message
}

type NotificationPushed struct {
	Notification api.Notification
}

type ConversationUpdated struct {
	Patch api.ConversationPatch
}

// TaskChanged carries taskAdded and taskUpdated. Task is nil when the server
// only sent a delta.
type TaskChanged struct {
	EventKind Kind
	SprintID  string
	TaskID    string
	Task      *api.Task
}

type SprintUpdated struct {
	SprintID string
	Updated  *api.Sprint
}

// SprintDelta carries the field-level sprint events. Exactly one of the delta
// fields is set, matching EventKind.
type SprintDelta struct {
	EventKind        Kind
	SprintID         string
	Note             *api.Note
	Deliverable      *api.Deliverable
	DeliverableID    string
	AcceptanceStatus *string
	UpdatedHistory   []api.HistoryEntry
}

func (Connected) Kind() Kind           { return KindConnect }
func (Disconnected) Kind() Kind        { return KindDisconnect }
func (NewMessage) Kind() Kind          { return KindNewMessage }
func (NotificationPushed) Kind() Kind  { return KindNotification }
func (ConversationUpdated) Kind() Kind { return KindConversationUpdated }
func (e TaskChanged) Kind() Kind       { return e.EventKind }
func (SprintUpdated) Kind() Kind       { return KindSprintUpdated }
func (e SprintDelta) Kind() Kind       { return e.EventKind }

func (Connected) isEvent()           {}
func (Disconnected) isEvent()        {}
func (NewMessage) isEvent()          {}
func (NotificationPushed) isEvent()  {}
func (ConversationUpdated) isEvent() {}
func (TaskChanged) isEvent()         {}
func (SprintUpdated) isEvent()       {}
func (SprintDelta) isEvent()         {}

func (e TaskChanged) Sprint() string   { return e.SprintID }
func (e SprintUpdated) Sprint() string { return e.SprintID }
func (e SprintDelta) Sprint() string   { return e.SprintID }
