// Package inboxfs exposes a session's inbox as a small read-only filesystem,
// so shell tools can tail unread counts and the open conversation.
package inboxfs

import (
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/handoversync/internal/api"
	"github.com/agentworkforce/handoversync/internal/realtime"
)

// View is the read side the filesystem renders from.
type View interface {
	SelfID() string
	Conversations() []api.Conversation
	OpenConversation() (conversationID string, messages []api.Message, ok bool)
	Notifications() []api.Notification
	OpenSprint() (sprint api.Sprint, tasks []api.Task, ok bool)
	Unread() (messages, notifications int)
}

type sessionView struct {
	session *realtime.Session
}

// SessionView adapts a live session to View.
func SessionView(session *realtime.Session) View {
	return sessionView{session: session}
}

func (v sessionView) SelfID() string { return v.session.Conversations.SelfID() }

func (v sessionView) Conversations() []api.Conversation { return v.session.Conversations.List() }

func (v sessionView) OpenConversation() (string, []api.Message, bool) {
	stream := v.session.Stream()
	if stream == nil {
		return "", nil, false
	}
	return stream.ConversationID(), stream.Messages(), true
}

func (v sessionView) Notifications() []api.Notification { return v.session.Notifications.List() }

func (v sessionView) OpenSprint() (api.Sprint, []api.Task, bool) {
	activity := v.session.Activity()
	if activity == nil {
		return api.Sprint{}, nil, false
	}
	sprint, ok := activity.Sprint()
	if !ok {
		return api.Sprint{}, nil, false
	}
	return sprint, activity.Tasks(), true
}

func (v sessionView) Unread() (int, int) {
	return v.session.Conversations.TotalUnread(), v.session.Notifications.UnreadCount()
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// oneLine keeps multi-line text from breaking the line-per-record layout.
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// RenderConversations lists one conversation per line, most recent first:
// id, unread count, last activity and display name, tab separated.
func RenderConversations(list []api.Conversation, selfID string) []byte {
	var b strings.Builder
	for _, c := range list {
		fmt.Fprintf(&b, "%s\t%d\t%s\t%s\n", c.ID, c.UnreadCount, stamp(c.LastActivityAt), oneLine(realtime.DisplayName(c, selfID)))
	}
	return []byte(b.String())
}

func RenderMessages(conversationID string, msgs []api.Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", conversationID)
	for _, m := range msgs {
		text := oneLine(m.Text)
		if m.Attachment != nil {
			name := m.Attachment.Name
			if name == "" {
				name = m.Attachment.URL
			}
			text = strings.TrimSpace(text + " [attachment: " + name + "]")
		}
		fmt.Fprintf(&b, "%s %s: %s\n", stamp(m.CreatedAt), m.SenderID, text)
	}
	return []byte(b.String())
}

// RenderNotifications marks unread entries with a leading asterisk.
func RenderNotifications(list []api.Notification) []byte {
	var b strings.Builder
	for _, n := range list {
		mark := " "
		if !n.IsRead {
			mark = "*"
		}
		fmt.Fprintf(&b, "%s %s %s %s\n", mark, stamp(n.CreatedAt), n.ID, oneLine(n.Message))
	}
	return []byte(b.String())
}

func RenderSprint(sprint api.Sprint, tasks []api.Task) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s %s\n", sprint.ID, oneLine(sprint.Name))
	if sprint.Status != "" {
		fmt.Fprintf(&b, "status: %s\n", sprint.Status)
	}
	if sprint.AcceptanceStatus != "" {
		fmt.Fprintf(&b, "acceptance: %s\n", sprint.AcceptanceStatus)
	}
	for _, t := range tasks {
		status := t.Status
		if status == "" {
			status = "-"
		}
		fmt.Fprintf(&b, "task %s [%s] %s\n", t.ID, status, oneLine(t.Title))
	}
	for _, d := range sprint.Deliverables {
		fmt.Fprintf(&b, "deliverable %s %s\n", d.ID, oneLine(d.Name))
	}
	for _, n := range sprint.Notes {
		fmt.Fprintf(&b, "note %s %s: %s\n", stamp(n.CreatedAt), n.AuthorID, oneLine(n.Text))
	}
	return []byte(b.String())
}

func RenderUnread(messages, notifications int) []byte {
	return []byte(fmt.Sprintf("messages %d\nnotifications %d\n", messages, notifications))
}

// file is one entry of the filesystem root.
type file struct {
	name   string
	render func(View) []byte
}

var files = []file{
	{name: "conversations.txt", render: func(v View) []byte {
		return RenderConversations(v.Conversations(), v.SelfID())
	}},
	{name: "messages.txt", render: func(v View) []byte {
		id, msgs, ok := v.OpenConversation()
		if !ok {
			return nil
		}
		return RenderMessages(id, msgs)
	}},
	{name: "notifications.txt", render: func(v View) []byte {
		return RenderNotifications(v.Notifications())
	}},
	{name: "sprint.txt", render: func(v View) []byte {
		sprint, tasks, ok := v.OpenSprint()
		if !ok {
			return nil
		}
		return RenderSprint(sprint, tasks)
	}},
	{name: "unread", render: func(v View) []byte {
		return RenderUnread(v.Unread())
	}},
}
