// Package sessionstate persists what a client needs to resume where it left
// off: the open views, the rooms it meant to be in and the notification
// cursor. Backends are picked by DSN scheme.
package sessionstate

import (
	"context"
	"errors"
	"io"
	"slices"
	"time"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

type State struct {
	ActiveConversationID string    `json:"activeConversationId,omitempty"`
	OpenSprintID         string    `json:"openSprintId,omitempty"`
	Rooms                []string  `json:"rooms,omitempty"`
	LastNotificationID   string    `json:"lastNotificationId,omitempty"`
	SavedAt              time.Time `json:"savedAt"`
}

func (s *State) clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	c.Rooms = slices.Clone(s.Rooms)
	return &c
}

// Backend stores a single State. Load returns nil, nil when nothing has been
// saved yet.
type Backend interface {
	Load(ctx context.Context) (*State, error)
	Save(ctx context.Context, state *State) error
}

// Close releases backend resources when the backend holds any.
func Close(b Backend) error {
	if closer, ok := b.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
