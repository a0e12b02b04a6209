package realtime

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/handoversync/internal/api"
	"github.com/agentworkforce/handoversync/internal/metrics"
)

const defaultToastBuffer = 32

type NotificationAPI interface {
	ListNotifications(ctx context.Context) ([]api.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context) error
}

// Toast is a transient alert for a pushed notification.
type Toast struct {
	ID           string
	Notification api.Notification
	At           time.Time
}

type NotificationStoreOptions struct {
	API         NotificationAPI
	ToastBuffer int
	Logger      *zerolog.Logger
}

type NotificationStore struct {
	api     NotificationAPI
	logger  zerolog.Logger
	toasts  chan Toast
	changes notifier

	mu      sync.Mutex
	items   []api.Notification
	unread  int
	loaded  bool
	loadSeq uint64
}

func NewNotificationStore(opts NotificationStoreOptions) *NotificationStore {
	if opts.ToastBuffer <= 0 {
		opts.ToastBuffer = defaultToastBuffer
	}
	return &NotificationStore{
		api:    opts.API,
		logger: loggerOrNop(opts.Logger, "notifications"),
		toasts: make(chan Toast, opts.ToastBuffer),
	}
}

// Load replaces the feed with the server snapshot and recounts unread.
func (s *NotificationStore) Load(ctx context.Context) error {
	if s.api == nil {
		return fmt.Errorf("%w: notification api is not configured", ErrInvalidInput)
	}
	s.mu.Lock()
	s.loadSeq++
	seq := s.loadSeq
	s.mu.Unlock()

	list, err := s.api.ListNotifications(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if seq != s.loadSeq {
		metrics.SnapshotLoads.WithLabelValues("notifications", "discarded").Inc()
		return ErrStaleLoad
	}
	if err != nil {
		metrics.SnapshotLoads.WithLabelValues("notifications", "error").Inc()
		if !s.loaded {
			s.items = nil
			s.unread = 0
			s.publishLocked()
		}
		return fmt.Errorf("load notifications: %w", err)
	}
	seen := make(map[string]struct{}, len(list))
	items := make([]api.Notification, 0, len(list))
	for _, n := range list {
		n.ID = strings.TrimSpace(n.ID)
		if n.ID == "" {
			continue
		}
		if _, dup := seen[n.ID]; dup {
			continue
		}
		seen[n.ID] = struct{}{}
		items = append(items, n)
	}
	s.items = items
	s.unread = countUnread(items)
	s.loaded = true
	metrics.SnapshotLoads.WithLabelValues("notifications", "ok").Inc()
	s.publishLocked()
	return nil
}

// OnPush prepends n and raises a toast. A notification already in the feed
// is ignored. It reports whether the feed changed.
func (s *NotificationStore) OnPush(n api.Notification) bool {
	n.ID = strings.TrimSpace(n.ID)
	if n.ID == "" {
		return false
	}
	s.mu.Lock()
	if s.indexLocked(n.ID) >= 0 {
		s.mu.Unlock()
		metrics.EventsDropped.WithLabelValues("duplicate").Inc()
		return false
	}
	s.items = slices.Insert(s.items, 0, n)
	if !n.IsRead {
		s.unread++
	}
	s.publishLocked()
	s.mu.Unlock()

	toast := Toast{ID: uuid.NewString(), Notification: n, At: time.Now().UTC()}
	select {
	case s.toasts <- toast:
	default:
		s.logger.Debug().Str("notification", n.ID).Msg("toast buffer full; alert skipped")
	}
	return true
}

// MarkAsRead flips the local flag first. A failed REST call leaves the flip
// in place and is only reported.
func (s *NotificationStore) MarkAsRead(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: notification id is required", ErrInvalidInput)
	}
	s.mu.Lock()
	if i := s.indexLocked(id); i >= 0 && !s.items[i].IsRead {
		s.items[i].IsRead = true
		s.unread = max(s.unread-1, 0)
		s.publishLocked()
	}
	s.mu.Unlock()

	if s.api == nil {
		return nil
	}
	if err := s.api.MarkNotificationRead(ctx, id); err != nil {
		s.logger.Warn().Err(err).Str("notification", id).Msg("mark notification read failed")
		return fmt.Errorf("mark notification %s read: %w", id, err)
	}
	return nil
}

func (s *NotificationStore) MarkAllAsRead(ctx context.Context) error {
	s.mu.Lock()
	for i := range s.items {
		s.items[i].IsRead = true
	}
	s.unread = 0
	s.publishLocked()
	s.mu.Unlock()

	if s.api == nil {
		return nil
	}
	if err := s.api.MarkAllNotificationsRead(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("mark all notifications read failed")
		return fmt.Errorf("mark all notifications read: %w", err)
	}
	return nil
}

func (s *NotificationStore) List() []api.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.items)
}

func (s *NotificationStore) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// LatestID is the ID at the head of the feed, or "" when empty.
func (s *NotificationStore) LatestID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) == 0 {
		return ""
	}
	return s.items[0].ID
}

// Since returns the entries ahead of cursor in the feed. An unknown cursor
// yields the whole feed.
func (s *NotificationStore) Since(cursor string) []api.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cursor == "" {
		return slices.Clone(s.items)
	}
	i := s.indexLocked(cursor)
	if i < 0 {
		return slices.Clone(s.items)
	}
	return slices.Clone(s.items[:i])
}

func (s *NotificationStore) Toasts() <-chan Toast {
	return s.toasts
}

func (s *NotificationStore) Subscribe() (<-chan struct{}, func()) {
	return s.changes.subscribe()
}

func (s *NotificationStore) publishLocked() {
	metrics.UnreadNotifications.Set(float64(s.unread))
	s.changes.notify()
}

func (s *NotificationStore) indexLocked(id string) int {
	for i := range s.items {
		if s.items[i].ID == id {
			return i
		}
	}
	return -1
}

func countUnread(items []api.Notification) int {
	n := 0
	for _, item := range items {
		if !item.IsRead {
			n++
		}
	}
	return n
}
