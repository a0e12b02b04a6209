package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/handoversync/internal/api"
	"github.com/agentworkforce/handoversync/internal/channel"
)

var errFakeNetwork = errors.New("fake network failure")

type transportCall struct {
	Op   string
	Room string
}

// fakeTransport records room and read-marker traffic.
type fakeTransport struct {
	mu     sync.Mutex
	calls  []transportCall
	failOn map[string]error
	events chan channel.Event

	heldRoom    string
	heldEntered chan struct{}
	heldRelease chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan channel.Event, 64), failOn: map[string]error{}}
}

func (f *fakeTransport) record(op, room string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, transportCall{Op: op, Room: room})
	return f.failOn[op+":"+room]
}

func (f *fakeTransport) Events() <-chan channel.Event { return f.events }

func (f *fakeTransport) JoinRoom(ctx context.Context, roomID string) error {
	f.mu.Lock()
	held := f.heldRoom != "" && f.heldRoom == roomID
	entered, release := f.heldEntered, f.heldRelease
	if held {
		f.heldRoom = ""
	}
	f.mu.Unlock()
	if held {
		close(entered)
		<-release
	}
	return f.record("join", roomID)
}

// holdJoin blocks the next join of room until release is closed. entered is
// closed once that join has started.
func (f *fakeTransport) holdJoin(room string) (entered <-chan struct{}, release chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heldRoom = room
	f.heldEntered = make(chan struct{})
	f.heldRelease = make(chan struct{})
	return f.heldEntered, f.heldRelease
}

func (f *fakeTransport) LeaveRoom(ctx context.Context, roomID string) error {
	return f.record("leave", roomID)
}

func (f *fakeTransport) MarkRead(ctx context.Context, conversationID string) error {
	return f.record("markRead", conversationID)
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func (f *fakeTransport) count(op, room string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Op == op && c.Room == room {
			n++
		}
	}
	return n
}

func (f *fakeTransport) ops(op string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var rooms []string
	for _, c := range f.calls {
		if c.Op == op {
			rooms = append(rooms, c.Room)
		}
	}
	return rooms
}

// fakeAPI serves canned snapshots. A non-nil gate blocks the matching call
// until it is closed, which lets tests interleave pushes with loads.
type fakeAPI struct {
	mu              sync.Mutex
	conversations   []api.Conversation
	conversationErr error
	messages        map[string][]api.Message
	messagesErr     error
	messagesGate    chan struct{}
	gateOnly        string
	notifications   []api.Notification
	notificationErr error
	markErr         error
	markedRead      []string
	markedAll       int
	sprints         map[string]api.Sprint
	tasks           map[string][]api.Task
	sprintErr       error
	sprintGate      chan struct{}
	sprintFetches   int
	sent            []api.SendMessageRequest
	sendResponse    api.Message
	messageFetches  int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		messages: map[string][]api.Message{},
		sprints:  map[string]api.Sprint{},
		tasks:    map[string][]api.Task{},
	}
}

func (f *fakeAPI) ListConversations(ctx context.Context) ([]api.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conversationErr != nil {
		return nil, f.conversationErr
	}
	return append([]api.Conversation(nil), f.conversations...), nil
}

func (f *fakeAPI) ListMessages(ctx context.Context, conversationID string) ([]api.Message, error) {
	f.mu.Lock()
	gate := f.messagesGate
	if f.gateOnly != "" && f.gateOnly != conversationID {
		gate = nil
	}
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messageFetches++
	if f.messagesErr != nil {
		return nil, f.messagesErr
	}
	return append([]api.Message(nil), f.messages[conversationID]...), nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, conversationID string, req api.SendMessageRequest) (api.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	msg := f.sendResponse
	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}
	return msg, nil
}

func (f *fakeAPI) ListNotifications(ctx context.Context) ([]api.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notificationErr != nil {
		return nil, f.notificationErr
	}
	return append([]api.Notification(nil), f.notifications...), nil
}

func (f *fakeAPI) MarkNotificationRead(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedRead = append(f.markedRead, id)
	return f.markErr
}

func (f *fakeAPI) MarkAllNotificationsRead(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedAll++
	return f.markErr
}

func (f *fakeAPI) GetSprint(ctx context.Context, sprintID string) (api.Sprint, error) {
	f.mu.Lock()
	gate := f.sprintGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return api.Sprint{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sprintFetches++
	if f.sprintErr != nil {
		return api.Sprint{}, f.sprintErr
	}
	return f.sprints[sprintID], nil
}

func (f *fakeAPI) ListSprintTasks(ctx context.Context, sprintID string) ([]api.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sprintErr != nil {
		return nil, f.sprintErr
	}
	return append([]api.Task(nil), f.tasks[sprintID]...), nil
}

func (f *fakeAPI) setMessages(conversationID string, msgs ...api.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[conversationID] = msgs
}

func (f *fakeAPI) fetchCounts() (messages, sprints int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messageFetches, f.sprintFetches
}

var baseTime = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func at(seconds int) time.Time {
	return baseTime.Add(time.Duration(seconds) * time.Second)
}

func message(id, conversationID string, seconds int) api.Message {
	return api.Message{ID: id, ConversationID: conversationID, SenderID: "u2", Text: "text " + id, CreatedAt: at(seconds)}
}

func messageIDs(msgs []api.Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
