package realtime

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/handoversync/internal/api"
	"github.com/agentworkforce/handoversync/internal/metrics"
)

const (
	conversationsReconcileKey = "conversations"
	maxCountedMessages        = 4096
)

type ConversationLister interface {
	ListConversations(ctx context.Context) ([]api.Conversation, error)
}

type ReadMarker interface {
	MarkRead(ctx context.Context, conversationID string) error
}

type ConversationStoreOptions struct {
	API       ConversationLister
	Marker    ReadMarker
	Scheduler *Scheduler
	// SelfID keeps the user's own messages from counting as unread.
	SelfID         string
	ReconcileDelay time.Duration
	LoadTimeout    time.Duration
	Logger         *zerolog.Logger
}

type ConversationStore struct {
	api            ConversationLister
	marker         ReadMarker
	scheduler      *Scheduler
	selfID         string
	reconcileDelay time.Duration
	loadTimeout    time.Duration
	logger         zerolog.Logger
	changes        notifier

	mu           sync.Mutex
	items        []api.Conversation
	active       string
	loaded       bool
	loadSeq      uint64
	counted      map[string]struct{}
	countedOrder []string
}

func NewConversationStore(opts ConversationStoreOptions) *ConversationStore {
	if opts.ReconcileDelay <= 0 {
		opts.ReconcileDelay = 500 * time.Millisecond
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 15 * time.Second
	}
	return &ConversationStore{
		api:            opts.API,
		marker:         opts.Marker,
		scheduler:      opts.Scheduler,
		selfID:         strings.TrimSpace(opts.SelfID),
		reconcileDelay: opts.ReconcileDelay,
		loadTimeout:    opts.LoadTimeout,
		logger:         loggerOrNop(opts.Logger, "conversations"),
		counted:        map[string]struct{}{},
	}
}

// Load replaces the whole list with the server snapshot. A failed first load
// leaves the store empty; a failed reload keeps what was there.
func (s *ConversationStore) Load(ctx context.Context) error {
	if s.api == nil {
		return fmt.Errorf("%w: conversation api is not configured", ErrInvalidInput)
	}
	s.mu.Lock()
	s.loadSeq++
	seq := s.loadSeq
	s.mu.Unlock()

	list, err := s.api.ListConversations(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if seq != s.loadSeq {
		metrics.SnapshotLoads.WithLabelValues("conversations", "discarded").Inc()
		return ErrStaleLoad
	}
	if err != nil {
		metrics.SnapshotLoads.WithLabelValues("conversations", "error").Inc()
		if !s.loaded {
			s.items = nil
			s.changes.notify()
		}
		return fmt.Errorf("load conversations: %w", err)
	}

	byID := make(map[string]int, len(list))
	items := make([]api.Conversation, 0, len(list))
	for _, c := range list {
		c.ID = strings.TrimSpace(c.ID)
		if c.ID == "" {
			continue
		}
		c.ParticipantIDs = slices.Clone(c.ParticipantIDs)
		if c.UnreadCount < 0 || c.ID == s.active {
			c.UnreadCount = 0
		}
		if i, ok := byID[c.ID]; ok {
			items[i] = c
			continue
		}
		byID[c.ID] = len(items)
		items = append(items, c)
	}
	sortConversations(items)
	s.items = items
	s.loaded = true
	metrics.SnapshotLoads.WithLabelValues("conversations", "ok").Inc()
	s.publishLocked()
	return nil
}

// UpsertFromEvent merges a partial push field by field. Unknown conversations
// are appended and a reconciling reload is scheduled to fix their position.
func (s *ConversationStore) UpsertFromEvent(patch api.ConversationPatch) {
	id := strings.TrimSpace(patch.ID)
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		c := api.Conversation{ID: id}
		s.applyPatchLocked(&c, patch)
		s.items = append(s.items, c)
		s.scheduleReconcileLocked()
		s.publishLocked()
		return
	}
	s.applyPatchLocked(&s.items[i], patch)
	if patch.LastActivityAt != nil {
		sortConversations(s.items)
	}
	s.publishLocked()
}

func (s *ConversationStore) applyPatchLocked(c *api.Conversation, patch api.ConversationPatch) {
	if patch.IsGroup != nil {
		c.IsGroup = *patch.IsGroup
	}
	if patch.Name != nil {
		c.Name = *patch.Name
	}
	if patch.ParticipantIDs != nil {
		c.ParticipantIDs = slices.Clone(patch.ParticipantIDs)
	}
	if patch.LastActivityAt != nil && patch.LastActivityAt.After(c.LastActivityAt) {
		c.LastActivityAt = *patch.LastActivityAt
	}
	if patch.UnreadCount != nil {
		c.UnreadCount = max(*patch.UnreadCount, 0)
	}
	if c.ID == s.active {
		c.UnreadCount = 0
	}
}

// OnNewMessage bumps activity and, unless the conversation is open, unread.
// A message already counted is ignored so redelivery cannot double count.
func (s *ConversationStore) OnNewMessage(msg api.Message) {
	id := strings.TrimSpace(msg.ConversationID)
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID != "" {
		if _, seen := s.counted[msg.ID]; seen {
			metrics.EventsDropped.WithLabelValues("duplicate").Inc()
			return
		}
		s.rememberLocked(msg.ID)
	}
	countsAsUnread := id != s.active && (s.selfID == "" || msg.SenderID != s.selfID)
	i := s.indexLocked(id)
	if i < 0 {
		c := api.Conversation{ID: id, LastActivityAt: msg.CreatedAt}
		if countsAsUnread {
			c.UnreadCount = 1
		}
		if msg.SenderID != "" {
			c.ParticipantIDs = []string{msg.SenderID}
		}
		s.items = append(s.items, c)
		s.scheduleReconcileLocked()
	} else {
		c := &s.items[i]
		if msg.CreatedAt.After(c.LastActivityAt) {
			c.LastActivityAt = msg.CreatedAt
		}
		if countsAsUnread {
			c.UnreadCount++
		}
	}
	sortConversations(s.items)
	s.publishLocked()
}

// SetActive selects a conversation (zeroing its unread count and telling the
// server it was read) or, with an empty id, deselects without touching counts.
func (s *ConversationStore) SetActive(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	s.mu.Lock()
	s.active = id
	if id != "" {
		if i := s.indexLocked(id); i >= 0 {
			s.items[i].UnreadCount = 0
		}
	}
	s.publishLocked()
	s.mu.Unlock()

	if id == "" || s.marker == nil {
		return nil
	}
	if err := s.marker.MarkRead(ctx, id); err != nil {
		s.logger.Warn().Err(err).Str("conversation", id).Msg("mark read failed")
		return fmt.Errorf("mark %s read: %w", id, err)
	}
	return nil
}

func (s *ConversationStore) SelfID() string {
	return s.selfID
}

func (s *ConversationStore) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *ConversationStore) List() []api.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneConversations(s.items)
}

func (s *ConversationStore) Get(id string) (api.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(strings.TrimSpace(id))
	if i < 0 {
		return api.Conversation{}, false
	}
	c := s.items[i]
	c.ParticipantIDs = slices.Clone(c.ParticipantIDs)
	return c, true
}

// Search filters by display name, case-insensitively, keeping list order.
func (s *ConversationStore) Search(term string) []api.Conversation {
	term = strings.ToLower(strings.TrimSpace(term))
	s.mu.Lock()
	defer s.mu.Unlock()
	if term == "" {
		return cloneConversations(s.items)
	}
	out := []api.Conversation{}
	for _, c := range s.items {
		if strings.Contains(strings.ToLower(DisplayName(c, s.selfID)), term) {
			c.ParticipantIDs = slices.Clone(c.ParticipantIDs)
			out = append(out, c)
		}
	}
	return out
}

func (s *ConversationStore) TotalUnread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalUnreadLocked()
}

func (s *ConversationStore) Subscribe() (<-chan struct{}, func()) {
	return s.changes.subscribe()
}

// DisplayName is the group name, or for a direct conversation without a name
// the other participants.
func DisplayName(c api.Conversation, selfID string) string {
	if name := strings.TrimSpace(c.Name); name != "" {
		return name
	}
	others := make([]string, 0, len(c.ParticipantIDs))
	for _, p := range c.ParticipantIDs {
		if p != selfID {
			others = append(others, p)
		}
	}
	if len(others) == 0 {
		return c.ID
	}
	return strings.Join(others, ", ")
}

func (s *ConversationStore) totalUnreadLocked() int {
	total := 0
	for _, c := range s.items {
		if c.ID != s.active {
			total += c.UnreadCount
		}
	}
	return total
}

func (s *ConversationStore) publishLocked() {
	metrics.UnreadMessages.Set(float64(s.totalUnreadLocked()))
	s.changes.notify()
}

func (s *ConversationStore) indexLocked(id string) int {
	for i := range s.items {
		if s.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *ConversationStore) rememberLocked(messageID string) {
	s.counted[messageID] = struct{}{}
	s.countedOrder = append(s.countedOrder, messageID)
	if len(s.countedOrder) > maxCountedMessages {
		oldest := s.countedOrder[0]
		s.countedOrder = s.countedOrder[1:]
		delete(s.counted, oldest)
	}
}

func (s *ConversationStore) scheduleReconcileLocked() {
	if s.scheduler == nil || s.api == nil {
		return
	}
	s.scheduler.Schedule(conversationsReconcileKey, s.reconcileDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.loadTimeout)
		defer cancel()
		if err := s.Load(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("background conversation reconcile failed")
		}
	})
}

func sortConversations(items []api.Conversation) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].LastActivityAt.Equal(items[j].LastActivityAt) {
			return items[i].LastActivityAt.After(items[j].LastActivityAt)
		}
		return items[i].ID < items[j].ID
	})
}

func cloneConversations(in []api.Conversation) []api.Conversation {
	out := make([]api.Conversation, len(in))
	for i, c := range in {
		c.ParticipantIDs = slices.Clone(c.ParticipantIDs)
		out[i] = c
	}
	return out
}
