package channel

import (
	"encoding/json"
	"errors"
	"testing"
)

func mustDecoder(t *testing.T) *Decoder {
	t.Helper()
	decoder, err := NewDecoder()
	if err != nil {
		t.Fatalf("new decoder failed: %v", err)
	}
	return decoder
}

func TestDecodeNewMessage(t *testing.T) {
	decoder := mustDecoder(t)
	ev, err := decoder.Decode("newMessage", json.RawMessage(`{"id":"m1","conversationId":"c1","senderId":"u2","text":"hi","createdAt":"2024-05-01T10:00:00Z"}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	msg, ok := ev.(NewMessage)
	if !ok {
		t.Fatalf("expected NewMessage, got %T", ev)
	}
	if msg.Message.ID != "m1" || msg.Message.ConversationID != "c1" || msg.Message.Text != "hi" {
		t.Fatalf("unexpected message: %+v", msg.Message)
	}
	if msg.Message.CreatedAt.IsZero() {
		t.Fatalf("expected createdAt to be parsed")
	}
}

func TestDecodeRejectsMessageWithoutConversation(t *testing.T) {
	decoder := mustDecoder(t)
	_, err := decoder.Decode("newMessage", json.RawMessage(`{"id":"m1","createdAt":"2024-05-01T10:00:00Z"}`))
	if !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestDecodeRejectsUnknownEvent(t *testing.T) {
	decoder := mustDecoder(t)
	_, err := decoder.Decode("projectArchived", json.RawMessage(`{}`))
	if !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
}

func TestDecodeTaskUpdatedWithoutTaskIsDelta(t *testing.T) {
	decoder := mustDecoder(t)
	ev, err := decoder.Decode("taskUpdated", json.RawMessage(`{"sprintId":"s1","taskId":"t9"}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	changed, ok := ev.(TaskChanged)
	if !ok {
		t.Fatalf("expected TaskChanged, got %T", ev)
	}
	if changed.Kind() != KindTaskUpdated || changed.Sprint() != "s1" || changed.TaskID != "t9" {
		t.Fatalf("unexpected event: %+v", changed)
	}
	if changed.Task != nil {
		t.Fatalf("expected nil task for a delta, got %+v", changed.Task)
	}
}

func TestDecodeTaskAddedTakesIDFromTask(t *testing.T) {
	decoder := mustDecoder(t)
	ev, err := decoder.Decode("taskAdded", json.RawMessage(`{"sprintId":"s1","newTask":{"id":"t1","sprintId":"s1","title":"Review"}}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	changed := ev.(TaskChanged)
	if changed.TaskID != "t1" || changed.Task == nil || changed.Task.Title != "Review" {
		t.Fatalf("unexpected event: %+v", changed)
	}
}

func TestDecodeSprintDeltas(t *testing.T) {
	decoder := mustDecoder(t)
	ev, err := decoder.Decode("deliverableDeleted", json.RawMessage(`{"sprintId":"s1","deliverableId":"d1","updatedHistory":[{"action":"deliverable deleted","at":"2024-05-01T10:00:00Z"}]}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	delta := ev.(SprintDelta)
	if delta.Kind() != KindDeliverableDeleted || delta.DeliverableID != "d1" || len(delta.UpdatedHistory) != 1 {
		t.Fatalf("unexpected delta: %+v", delta)
	}

	if _, err := decoder.Decode("acceptanceStatusUpdated", json.RawMessage(`{"sprintId":"s1"}`)); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected missing acceptanceStatus to be rejected, got %v", err)
	}
	if _, err := decoder.Decode("sprintUpdated", json.RawMessage(`{"sprintId":"s1"}`)); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected missing updatedSprint to be rejected, got %v", err)
	}
}

func TestDecodeSprintUpdatedCarriesReplacement(t *testing.T) {
	decoder := mustDecoder(t)
	ev, err := decoder.Decode("sprintUpdated", json.RawMessage(`{"sprintId":"s1","updatedSprint":{"id":"s1","name":"Sprint 1 (renamed)"}}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	updated, ok := ev.(SprintUpdated)
	if !ok {
		t.Fatalf("expected SprintUpdated, got %T", ev)
	}
	var sprintEvent SprintEvent = updated
	if sprintEvent.Sprint() != "s1" {
		t.Fatalf("expected sprint id s1, got %q", sprintEvent.Sprint())
	}
	if updated.Updated == nil || updated.Updated.Name != "Sprint 1 (renamed)" {
		t.Fatalf("expected replacement sprint, got %+v", updated.Updated)
	}
}
