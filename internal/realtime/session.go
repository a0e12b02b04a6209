package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/handoversync/internal/api"
	"github.com/agentworkforce/handoversync/internal/channel"
	"github.com/agentworkforce/handoversync/internal/metrics"
	"github.com/agentworkforce/handoversync/internal/sessionstate"
)

const sessionResyncKey = "session:resync"

type SessionOptions struct {
	API     api.Client
	Channel channel.Client
	// SelfID is the authenticated user; their own messages never count as unread.
	SelfID         string
	ReconcileDelay time.Duration
	RefetchDelay   time.Duration
	LoadTimeout    time.Duration
	Logger         *zerolog.Logger
}

// Session owns the stores of one authenticated user and routes channel events
// to them. The conversation, notification and room state live as long as the
// session; the message stream and sprint reconciler follow the open views.
type Session struct {
	Scheduler     *Scheduler
	Rooms         *RoomMembershipTracker
	Conversations *ConversationStore
	Notifications *NotificationStore

	api            api.Client
	channel        channel.Client
	loggerRef      *zerolog.Logger
	logger         zerolog.Logger
	reconcileDelay time.Duration
	refetchDelay   time.Duration
	loadTimeout    time.Duration

	// viewMu serializes conversation view switches; mu guards the fields.
	viewMu   sync.Mutex
	mu       sync.Mutex
	stream   *MessageStream
	activity *ActivityReconciler
	closed   bool
}

func NewSession(opts SessionOptions) (*Session, error) {
	if opts.API == nil {
		return nil, fmt.Errorf("%w: api client is required", ErrInvalidInput)
	}
	if opts.Channel == nil {
		return nil, fmt.Errorf("%w: channel client is required", ErrInvalidInput)
	}
	if opts.ReconcileDelay <= 0 {
		opts.ReconcileDelay = 500 * time.Millisecond
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 15 * time.Second
	}
	scheduler := NewScheduler(opts.Logger)
	return &Session{
		Scheduler: scheduler,
		Rooms:     NewRoomMembershipTracker(opts.Channel, opts.Logger),
		Conversations: NewConversationStore(ConversationStoreOptions{
			API:            opts.API,
			Marker:         opts.Channel,
			Scheduler:      scheduler,
			SelfID:         opts.SelfID,
			ReconcileDelay: opts.ReconcileDelay,
			LoadTimeout:    opts.LoadTimeout,
			Logger:         opts.Logger,
		}),
		Notifications: NewNotificationStore(NotificationStoreOptions{
			API:    opts.API,
			Logger: opts.Logger,
		}),
		api:            opts.API,
		channel:        opts.Channel,
		loggerRef:      opts.Logger,
		logger:         loggerOrNop(opts.Logger, "session"),
		reconcileDelay: opts.ReconcileDelay,
		refetchDelay:   opts.RefetchDelay,
		loadTimeout:    opts.LoadTimeout,
	}, nil
}

// Start loads the session-wide snapshots.
func (s *Session) Start(ctx context.Context) error {
	return errors.Join(s.Conversations.Load(ctx), s.Notifications.Load(ctx))
}

// Run applies channel events one at a time until ctx is done or the channel
// closes its event stream.
func (s *Session) Run(ctx context.Context) error {
	events := s.channel.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.Handle(ctx, ev)
		}
	}
}

func (s *Session) Handle(ctx context.Context, ev channel.Event) {
	switch e := ev.(type) {
	case channel.Connected:
		if err := s.Rooms.OnConnect(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("room replay incomplete")
		}
		if e.Reconnect {
			// Pushes sent while disconnected are gone; only a reload recovers them.
			s.scheduleResync()
		}
	case channel.Disconnected:
		s.Rooms.OnDisconnect()
		s.logger.Info().AnErr("cause", e.Err).Msg("channel disconnected")
	case channel.NewMessage:
		if stream := s.Stream(); stream != nil && stream.ConversationID() == e.Message.ConversationID {
			stream.AppendIfNew(e.Message)
		}
		s.Conversations.OnNewMessage(e.Message)
	case channel.NotificationPushed:
		s.Notifications.OnPush(e.Notification)
	case channel.ConversationUpdated:
		s.Conversations.UpsertFromEvent(e.Patch)
	case channel.SprintEvent:
		activity := s.Activity()
		if activity == nil {
			metrics.EventsDropped.WithLabelValues("stale").Inc()
			return
		}
		activity.Apply(e)
	default:
		metrics.EventsDropped.WithLabelValues("unknown").Inc()
	}
}

func (s *Session) scheduleResync() {
	s.Scheduler.Schedule(sessionResyncKey, s.reconcileDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.loadTimeout)
		defer cancel()
		if err := s.Resync(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("resync after reconnect failed")
		}
	})
}

// Resync reloads every snapshot the session holds, including the open views.
func (s *Session) Resync(ctx context.Context) error {
	errs := []error{s.Conversations.Load(ctx), s.Notifications.Load(ctx)}
	if stream := s.Stream(); stream != nil {
		errs = append(errs, stream.Load(ctx))
	}
	if activity := s.Activity(); activity != nil && activity.SprintID() != "" {
		errs = append(errs, activity.Refetch(ctx))
	}
	for i, err := range errs {
		if errors.Is(err, ErrStaleLoad) || errors.Is(err, ErrClosed) {
			errs[i] = nil
		}
	}
	return errors.Join(errs...)
}

// OpenConversation makes id the active conversation and loads its history.
// The stream is returned even when the load fails so callers can retry it.
func (s *Session) OpenConversation(ctx context.Context, id string) (*MessageStream, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: conversation id is required", ErrInvalidInput)
	}
	stream, err := s.switchConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := stream.Load(ctx); err != nil {
		return stream, err
	}
	return stream, nil
}

// switchConversation swaps the open stream under viewMu so that concurrent
// opens never leave a displaced stream or its room behind.
func (s *Session) switchConversation(ctx context.Context, id string) (*MessageStream, error) {
	s.viewMu.Lock()
	defer s.viewMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	prev := s.stream
	s.mu.Unlock()
	if prev != nil && prev.ConversationID() == id {
		return prev, nil
	}

	if prev != nil {
		if err := prev.Close(ctx); err != nil {
			s.logger.Warn().Err(err).Str("conversation", prev.ConversationID()).Msg("leaving previous conversation failed")
		}
	}
	stream, err := OpenMessageStream(ctx, id, s.api, s.Rooms, s.loggerRef)
	if err != nil {
		s.mu.Lock()
		s.stream = nil
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()

	if err := s.Conversations.SetActive(ctx, id); err != nil {
		s.logger.Debug().Err(err).Str("conversation", id).Msg("read marker not delivered")
	}
	return stream, nil
}

func (s *Session) CloseConversation(ctx context.Context) error {
	s.viewMu.Lock()
	defer s.viewMu.Unlock()
	s.mu.Lock()
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()
	if stream == nil {
		return nil
	}
	if err := s.Conversations.SetActive(ctx, ""); err != nil {
		return err
	}
	return stream.Close(ctx)
}

// SendMessage posts to conversationID, which must be the open conversation,
// and applies the server's response locally. The push echo of the same
// message is absorbed later. A conversation whose history never loaded
// refuses sends with ErrNotLoaded.
func (s *Session) SendMessage(ctx context.Context, conversationID, text string, attachment *api.Attachment) (api.Message, error) {
	conversationID = strings.TrimSpace(conversationID)
	stream := s.Stream()
	if stream == nil || stream.ConversationID() != conversationID {
		return api.Message{}, ErrNoConversation
	}
	if strings.TrimSpace(text) == "" && attachment == nil {
		return api.Message{}, fmt.Errorf("%w: message needs text or an attachment", ErrInvalidInput)
	}
	switch stream.State() {
	case StreamIdle, StreamErrored:
		return api.Message{}, ErrNotLoaded
	case StreamClosed:
		return api.Message{}, ErrClosed
	}
	msg, err := s.api.SendMessage(ctx, conversationID, api.SendMessageRequest{Text: text, Attachment: attachment})
	if err != nil {
		return api.Message{}, err
	}
	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}
	stream.AppendIfNew(msg)
	s.Conversations.OnNewMessage(msg)
	return msg, nil
}

func (s *Session) OpenSprint(ctx context.Context, sprintID string) (*ActivityReconciler, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.activity == nil {
		s.activity = NewActivityReconciler(ActivityReconcilerOptions{
			API:          s.api,
			Rooms:        s.Rooms,
			Scheduler:    s.Scheduler,
			RefetchDelay: s.refetchDelay,
			LoadTimeout:  s.loadTimeout,
			Logger:       s.loggerRef,
		})
	}
	activity := s.activity
	s.mu.Unlock()
	return activity, activity.Open(ctx, sprintID)
}

func (s *Session) CloseSprint(ctx context.Context) error {
	s.mu.Lock()
	activity := s.activity
	s.activity = nil
	s.mu.Unlock()
	if activity == nil {
		return nil
	}
	return activity.Close(ctx)
}

// Stream is the open conversation's stream, or nil.
func (s *Session) Stream() *MessageStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

// Activity is the open sprint's reconciler, or nil.
func (s *Session) Activity() *ActivityReconciler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activity
}

// Snapshot captures what a restarted client needs to come back to the same
// place: open views, room intent and the notification cursor.
func (s *Session) Snapshot() sessionstate.State {
	state := sessionstate.State{
		ActiveConversationID: s.Conversations.Active(),
		Rooms:                s.Rooms.Rooms(),
		LastNotificationID:   s.Notifications.LatestID(),
		SavedAt:              time.Now().UTC(),
	}
	if activity := s.Activity(); activity != nil {
		state.OpenSprintID = activity.SprintID()
	}
	return state
}

// Restore re-registers saved rooms and reopens saved views. Call it after
// Start so the conversation list is already loaded.
func (s *Session) Restore(ctx context.Context, state sessionstate.State) error {
	var errs []error
	for _, room := range state.Rooms {
		if err := s.Rooms.Join(ctx, room); err != nil {
			errs = append(errs, err)
		}
	}
	if state.ActiveConversationID != "" {
		if _, err := s.OpenConversation(ctx, state.ActiveConversationID); err != nil {
			errs = append(errs, err)
		}
	}
	if state.OpenSprintID != "" {
		if _, err := s.OpenSprint(ctx, state.OpenSprintID); err != nil {
			errs = append(errs, err)
		}
	}
	if state.LastNotificationID != "" {
		if missed := len(s.Notifications.Since(state.LastNotificationID)); missed > 0 {
			s.logger.Info().Int("notifications", missed).Msg("notifications arrived since last run")
		}
	}
	return errors.Join(errs...)
}

// Close tears down the open views and stops pending reconciliation.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	err := errors.Join(s.CloseConversation(ctx), s.CloseSprint(ctx))
	s.Scheduler.Stop()
	return err
}
