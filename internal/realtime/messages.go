package realtime

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/handoversync/internal/api"
	"github.com/agentworkforce/handoversync/internal/metrics"
)

type StreamState int

const (
	StreamIdle StreamState = iota
	StreamLoading
	StreamReady
	StreamErrored
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamLoading:
		return "loading"
	case StreamReady:
		return "ready"
	case StreamErrored:
		return "errored"
	case StreamClosed:
		return "closed"
	default:
		return "idle"
	}
}

type MessageLister interface {
	ListMessages(ctx context.Context, conversationID string) ([]api.Message, error)
}

// MessageStream is the ordered, deduplicated log of one open conversation.
// Messages are kept ascending by CreatedAt regardless of arrival order.
type MessageStream struct {
	conversationID string
	api            MessageLister
	rooms          *RoomMembershipTracker
	logger         zerolog.Logger
	changes        notifier

	mu         sync.Mutex
	state      StreamState
	messages   []api.Message
	ids        map[string]struct{}
	inflight   bool
	pending    []api.Message
	loadSeq    uint64
	cancelLoad context.CancelFunc
}

// OpenMessageStream creates the stream for conversationID and registers the
// conversation room. The stream accepts no pushes until Load succeeds.
func OpenMessageStream(ctx context.Context, conversationID string, lister MessageLister, rooms *RoomMembershipTracker, logger *zerolog.Logger) (*MessageStream, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, fmt.Errorf("%w: conversation id is required", ErrInvalidInput)
	}
	if lister == nil {
		return nil, fmt.Errorf("%w: message api is required", ErrInvalidInput)
	}
	l := loggerOrNop(logger, "messages").With().Str("conversation", conversationID).Logger()
	s := &MessageStream{
		conversationID: conversationID,
		api:            lister,
		rooms:          rooms,
		logger:         l,
		ids:            map[string]struct{}{},
	}
	if rooms != nil {
		if err := rooms.Join(ctx, conversationID); err != nil && !errors.Is(err, ErrInvalidInput) {
			// The room stays in the tracker and is replayed on reconnect.
			s.logger.Warn().Err(err).Msg("conversation room join not sent")
		}
	}
	return s, nil
}

func (s *MessageStream) ConversationID() string {
	return s.conversationID
}

// Load fetches the full history and replaces the log. Pushes that arrive
// while the fetch is in flight are held and merged on top of the snapshot.
// A response that arrives after Close or after a newer Load is dropped.
func (s *MessageStream) Load(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StreamClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.cancelLoad != nil {
		s.cancelLoad()
	}
	loadCtx, cancel := context.WithCancel(ctx)
	s.cancelLoad = cancel
	s.loadSeq++
	seq := s.loadSeq
	s.inflight = true
	if s.state != StreamReady {
		s.state = StreamLoading
	}
	s.changes.notify()
	s.mu.Unlock()

	history, err := s.api.ListMessages(loadCtx, s.conversationID)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StreamClosed || seq != s.loadSeq {
		metrics.SnapshotLoads.WithLabelValues("messages", "discarded").Inc()
		return ErrStaleLoad
	}
	s.inflight = false
	s.cancelLoad = nil
	if err != nil {
		metrics.SnapshotLoads.WithLabelValues("messages", "error").Inc()
		if s.state == StreamReady {
			s.mergePendingLocked()
		} else {
			s.state = StreamErrored
			s.messages = nil
			s.ids = map[string]struct{}{}
			s.pending = nil
		}
		s.changes.notify()
		return fmt.Errorf("load messages for %s: %w", s.conversationID, err)
	}

	messages := make([]api.Message, 0, len(history))
	ids := make(map[string]struct{}, len(history))
	for _, msg := range history {
		if msg.ConversationID == "" {
			msg.ConversationID = s.conversationID
		}
		if msg.ID == "" || msg.ConversationID != s.conversationID {
			continue
		}
		if _, dup := ids[msg.ID]; dup {
			continue
		}
		ids[msg.ID] = struct{}{}
		messages = append(messages, msg)
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
	s.messages = messages
	s.ids = ids
	s.state = StreamReady
	s.mergePendingLocked()
	metrics.SnapshotLoads.WithLabelValues("messages", "ok").Inc()
	s.changes.notify()
	return nil
}

// AppendIfNew inserts msg at its CreatedAt position unless its ID is already
// present. It reports whether the log changed.
func (s *MessageStream) AppendIfNew(msg api.Message) bool {
	if msg.ConversationID == "" {
		msg.ConversationID = s.conversationID
	}
	if msg.ID == "" || msg.ConversationID != s.conversationID {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight {
		s.pending = append(s.pending, msg)
	}
	if s.state != StreamReady {
		if !s.inflight {
			metrics.EventsDropped.WithLabelValues("not_ready").Inc()
		}
		return false
	}
	if !s.insertLocked(msg) {
		metrics.EventsDropped.WithLabelValues("duplicate").Inc()
		return false
	}
	s.changes.notify()
	return true
}

func (s *MessageStream) insertLocked(msg api.Message) bool {
	if _, ok := s.ids[msg.ID]; ok {
		return false
	}
	idx := sort.Search(len(s.messages), func(i int) bool {
		return s.messages[i].CreatedAt.After(msg.CreatedAt)
	})
	s.messages = slices.Insert(s.messages, idx, msg)
	s.ids[msg.ID] = struct{}{}
	return true
}

func (s *MessageStream) mergePendingLocked() {
	for _, msg := range s.pending {
		s.insertLocked(msg)
	}
	s.pending = nil
}

// Close cancels any in-flight load and leaves the conversation room.
func (s *MessageStream) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StreamClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StreamClosed
	if s.cancelLoad != nil {
		s.cancelLoad()
		s.cancelLoad = nil
	}
	s.inflight = false
	s.messages = nil
	s.pending = nil
	s.ids = map[string]struct{}{}
	s.changes.notify()
	s.mu.Unlock()

	if s.rooms == nil {
		return nil
	}
	return s.rooms.Leave(ctx, s.conversationID)
}

func (s *MessageStream) Messages() []api.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

func (s *MessageStream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *MessageStream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *MessageStream) Subscribe() (<-chan struct{}, func()) {
	return s.changes.subscribe()
}
