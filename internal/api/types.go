package api

import "time"

type Conversation struct {
	ID             string    `json:"id"`
	IsGroup        bool      `json:"isGroup"`
	Name           string    `json:"name"`
	ParticipantIDs []string  `json:"participantIds"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	UnreadCount    int       `json:"unreadCount"`
}

// ConversationPatch is a partial conversation pushed by the server. Nil fields
// are left untouched when merged.
type ConversationPatch struct {
	ID             string     `json:"id"`
	IsGroup        *bool      `json:"isGroup,omitempty"`
	Name           *string    `json:"name,omitempty"`
	ParticipantIDs []string   `json:"participantIds,omitempty"`
	LastActivityAt *time.Time `json:"lastActivityAt,omitempty"`
	UnreadCount    *int       `json:"unreadCount,omitempty"`
}

type Attachment struct {
	URL         string `json:"url"`
	Name        string `json:"name,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Text           string      `json:"text,omitempty"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
}

type Notification struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	RefID     string    `json:"refId"`
	Message   string    `json:"message"`
	IsRead    bool      `json:"isRead"`
	CreatedAt time.Time `json:"createdAt"`
}

type Note struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"authorId"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

type Deliverable struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	URL        string    `json:"url"`
	UploadedBy string    `json:"uploadedBy,omitempty"`
	UploadedAt time.Time `json:"uploadedAt"`
}

type HistoryEntry struct {
	ID      string    `json:"id,omitempty"`
	Action  string    `json:"action"`
	ActorID string    `json:"actorId,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

type Sprint struct {
	ID               string         `json:"id"`
	ModuleID         string         `json:"moduleId,omitempty"`
	Name             string         `json:"name"`
	Status           string         `json:"status,omitempty"`
	StartDate        *time.Time     `json:"startDate,omitempty"`
	EndDate          *time.Time     `json:"endDate,omitempty"`
	AcceptanceStatus string         `json:"acceptanceStatus,omitempty"`
	Notes            []Note         `json:"notes,omitempty"`
	Deliverables     []Deliverable  `json:"deliverables,omitempty"`
	History          []HistoryEntry `json:"history,omitempty"`
}

type Task struct {
	ID         string     `json:"id"`
	SprintID   string     `json:"sprintId,omitempty"`
	Title      string     `json:"title"`
	Status     string     `json:"status,omitempty"`
	AssigneeID string     `json:"assigneeId,omitempty"`
	Priority   string     `json:"priority,omitempty"`
	DueDate    *time.Time `json:"dueDate,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt,omitempty"`
}

type SendMessageRequest struct {
	Text       string      `json:"text,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
}
