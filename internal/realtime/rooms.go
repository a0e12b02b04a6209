package realtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/handoversync/internal/metrics"
)

type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

type RoomTransport interface {
	JoinRoom(ctx context.Context, roomID string) error
	LeaveRoom(ctx context.Context, roomID string) error
}

// RoomMembershipTracker records which rooms the client wants to be in,
// independent of the physical connection. Transport subscriptions die with the
// connection; this set does not, and is replayed on every connect.
type RoomMembershipTracker struct {
	transport RoomTransport
	logger    zerolog.Logger

	mu    sync.Mutex
	rooms map[string]struct{}
	state ConnState
}

func NewRoomMembershipTracker(transport RoomTransport, logger *zerolog.Logger) *RoomMembershipTracker {
	return &RoomMembershipTracker{
		transport: transport,
		logger:    loggerOrNop(logger, "rooms"),
		rooms:     map[string]struct{}{},
	}
}

func normalizeRoom(room string) string {
	return strings.TrimSpace(room)
}

// Join adds room to the set. The join is sent now only while connected;
// otherwise it goes out with the replay on the next connect.
func (t *RoomMembershipTracker) Join(ctx context.Context, room string) error {
	room = normalizeRoom(room)
	if room == "" {
		return fmt.Errorf("%w: empty room id", ErrInvalidInput)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.rooms[room]; ok {
		return nil
	}
	t.rooms[room] = struct{}{}
	metrics.RoomsTracked.Set(float64(len(t.rooms)))
	if t.state != Connected || t.transport == nil {
		t.logger.Debug().Str("room", room).Str("state", t.state.String()).Msg("join deferred until connect")
		return nil
	}
	if err := t.transport.JoinRoom(ctx, room); err != nil {
		t.logger.Warn().Err(err).Str("room", room).Msg("join failed; will replay on reconnect")
		return fmt.Errorf("join %s: %w", room, err)
	}
	return nil
}

func (t *RoomMembershipTracker) Leave(ctx context.Context, room string) error {
	room = normalizeRoom(room)
	if room == "" {
		return fmt.Errorf("%w: empty room id", ErrInvalidInput)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.rooms[room]; !ok {
		return nil
	}
	delete(t.rooms, room)
	metrics.RoomsTracked.Set(float64(len(t.rooms)))
	if t.state != Connected || t.transport == nil {
		return nil
	}
	if err := t.transport.LeaveRoom(ctx, room); err != nil {
		return fmt.Errorf("leave %s: %w", room, err)
	}
	return nil
}

// MarkConnecting records that a dial is in progress. Joins made now are
// deferred to the replay.
func (t *RoomMembershipTracker) MarkConnecting() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = Connecting
}

// OnConnect replays a join for every room in the set, once each. It runs on
// the initial connect and on every reconnect.
func (t *RoomMembershipTracker) OnConnect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = Connected
	if t.transport == nil {
		return nil
	}
	var errs []error
	for _, room := range t.sortedLocked() {
		if err := t.transport.JoinRoom(ctx, room); err != nil {
			errs = append(errs, fmt.Errorf("rejoin %s: %w", room, err))
			continue
		}
		metrics.RoomJoinsReplayed.Inc()
	}
	t.logger.Info().Int("rooms", len(t.rooms)).Int("failed", len(errs)).Msg("rooms replayed after connect")
	return errors.Join(errs...)
}

// OnDisconnect flips the state only; the room set is kept for the replay.
func (t *RoomMembershipTracker) OnDisconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = Disconnected
}

func (t *RoomMembershipTracker) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *RoomMembershipTracker) Has(room string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.rooms[normalizeRoom(room)]
	return ok
}

func (t *RoomMembershipTracker) Rooms() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sortedLocked()
}

func (t *RoomMembershipTracker) sortedLocked() []string {
	rooms := make([]string, 0, len(t.rooms))
	for room := range t.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}
