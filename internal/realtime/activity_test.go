package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/agentworkforce/handoversync/internal/api"
	"github.com/agentworkforce/handoversync/internal/channel"
)

func newOpenReconciler(t *testing.T, fake *fakeAPI, sprintID string) (*ActivityReconciler, *Scheduler, *fakeTransport) {
	t.Helper()
	transport := newFakeTransport()
	rooms := NewRoomMembershipTracker(transport, nil)
	_ = rooms.OnConnect(context.Background())
	scheduler := NewScheduler(nil)
	t.Cleanup(scheduler.Stop)
	r := NewActivityReconciler(ActivityReconcilerOptions{
		API:          fake,
		Rooms:        rooms,
		Scheduler:    scheduler,
		RefetchDelay: 50 * time.Millisecond,
	})
	if err := r.Open(context.Background(), sprintID); err != nil {
		t.Fatalf("open sprint: %v", err)
	}
	return r, scheduler, transport
}

func sprintFixture() *fakeAPI {
	fake := newFakeAPI()
	fake.sprints["s1"] = api.Sprint{
		ID:               "s1",
		Name:             "Sprint 1",
		AcceptanceStatus: "pending",
		Notes:            []api.Note{{ID: "note1", Text: "kickoff"}},
		Deliverables:     []api.Deliverable{{ID: "d1", Name: "spec.pdf"}},
	}
	fake.tasks["s1"] = []api.Task{
		{ID: "t1", SprintID: "s1", Title: "Wire login", Status: "todo"},
		{ID: "t2", SprintID: "s1", Title: "Write docs", Status: "todo"},
	}
	return fake
}

func TestActivityIgnoresEventsForOtherSprint(t *testing.T) {
	r, scheduler, _ := newOpenReconciler(t, sprintFixture(), "s1")
	beforeSprint, _ := r.Sprint()
	beforeTasks := r.Tasks()

	status := "accepted"
	events := []channel.SprintEvent{
		channel.TaskChanged{EventKind: channel.KindTaskUpdated, SprintID: "s2", TaskID: "t1", Task: &api.Task{ID: "t1", Title: "Hijack", Status: "done"}},
		channel.SprintUpdated{SprintID: "s2", Updated: &api.Sprint{ID: "s2", Name: "Other"}},
		channel.SprintDelta{EventKind: channel.KindAcceptanceStatusUpdated, SprintID: "s2", AcceptanceStatus: &status},
		channel.TaskChanged{EventKind: channel.KindTaskUpdated, SprintID: "s2", TaskID: "t9"},
	}
	for _, ev := range events {
		if r.Apply(ev) {
			t.Fatalf("expected %s for another sprint to be dropped", ev.Kind())
		}
	}
	afterSprint, _ := r.Sprint()
	if afterSprint.Name != beforeSprint.Name || afterSprint.AcceptanceStatus != beforeSprint.AcceptanceStatus {
		t.Fatalf("expected sprint unchanged, got %+v", afterSprint)
	}
	afterTasks := r.Tasks()
	if len(afterTasks) != len(beforeTasks) || afterTasks[0].Title != "Wire login" {
		t.Fatalf("expected tasks unchanged, got %+v", afterTasks)
	}
	if len(scheduler.Keys()) != 0 {
		t.Fatalf("expected no refetch for stale events, got %v", scheduler.Keys())
	}
}

func TestActivityAppliesCompleteTasks(t *testing.T) {
	r, scheduler, _ := newOpenReconciler(t, sprintFixture(), "s1")

	updated := api.Task{ID: "t1", Title: "Wire login", Status: "done"}
	if !r.Apply(channel.TaskChanged{EventKind: channel.KindTaskUpdated, SprintID: "s1", TaskID: "t1", Task: &updated}) {
		t.Fatalf("expected complete task to apply")
	}
	added := api.Task{ID: "t3", SprintID: "s1", Title: "Ship it"}
	ev := channel.TaskChanged{EventKind: channel.KindTaskAdded, SprintID: "s1", TaskID: "t3", Task: &added}
	r.Apply(ev)
	r.Apply(ev)

	tasks := r.Tasks()
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks after idempotent add, got %d", len(tasks))
	}
	if tasks[0].Status != "done" || tasks[0].SprintID != "s1" {
		t.Fatalf("expected t1 replaced in place, got %+v", tasks[0])
	}
	if tasks[2].ID != "t3" {
		t.Fatalf("expected t3 appended, got %+v", tasks[2])
	}

	foreign := api.Task{ID: "t4", SprintID: "s9", Title: "Elsewhere"}
	if r.Apply(channel.TaskChanged{EventKind: channel.KindTaskAdded, SprintID: "s1", TaskID: "t4", Task: &foreign}) {
		t.Fatalf("expected task belonging to another sprint to be dropped")
	}
	if len(scheduler.Keys()) != 0 {
		t.Fatalf("expected no refetch scheduled, got %v", scheduler.Keys())
	}
	if r.State() != ActivityIdle {
		t.Fatalf("expected idle after apply, got %s", r.State())
	}
}

func TestActivityInsufficientDeltaRefetchesOnce(t *testing.T) {
	fake := sprintFixture()
	r, scheduler, _ := newOpenReconciler(t, fake, "s1")
	_, fetchesBefore := fake.fetchCounts()

	fake.mu.Lock()
	fake.tasks["s1"] = append(fake.tasks["s1"], api.Task{ID: "t5", SprintID: "s1", Title: "From server"})
	fake.mu.Unlock()

	for i := 0; i < 5; i++ {
		if !r.Apply(channel.TaskChanged{EventKind: channel.KindTaskUpdated, SprintID: "s1", TaskID: "t5"}) {
			t.Fatalf("expected delta to be taken up")
		}
	}
	if !scheduler.Pending(sprintRefetchKey("s1")) {
		t.Fatalf("expected refetch pending under %s", sprintRefetchKey("s1"))
	}
	waitFor(t, "refetched tasks", func() bool { return len(r.Tasks()) == 3 })
	time.Sleep(100 * time.Millisecond)

	if _, fetches := fake.fetchCounts(); fetches-fetchesBefore != 1 {
		t.Fatalf("expected a single coalesced refetch, got %d", fetches-fetchesBefore)
	}
}

func TestActivitySprintDeltas(t *testing.T) {
	r, _, _ := newOpenReconciler(t, sprintFixture(), "s1")
	history := []api.HistoryEntry{{Action: "noteAdded", At: at(1)}}

	note := api.Note{ID: "note2", Text: "risk"}
	noteEvent := channel.SprintDelta{EventKind: channel.KindNoteAdded, SprintID: "s1", Note: &note, UpdatedHistory: history}
	r.Apply(noteEvent)
	r.Apply(noteEvent)

	d2 := api.Deliverable{ID: "d2", Name: "build.zip"}
	r.Apply(channel.SprintDelta{EventKind: channel.KindDeliverableUploaded, SprintID: "s1", Deliverable: &d2})
	r.Apply(channel.SprintDelta{EventKind: channel.KindDeliverableDeleted, SprintID: "s1", DeliverableID: "d1"})
	r.Apply(channel.SprintDelta{EventKind: channel.KindDeliverableDeleted, SprintID: "s1", DeliverableID: "d1"})

	status := "accepted"
	r.Apply(channel.SprintDelta{EventKind: channel.KindAcceptanceStatusUpdated, SprintID: "s1", AcceptanceStatus: &status})

	sprint, ok := r.Sprint()
	if !ok {
		t.Fatalf("expected sprint loaded")
	}
	if len(sprint.Notes) != 2 || sprint.Notes[1].ID != "note2" {
		t.Fatalf("expected note appended once, got %+v", sprint.Notes)
	}
	if len(sprint.Deliverables) != 1 || sprint.Deliverables[0].ID != "d2" {
		t.Fatalf("expected d1 removed and d2 added, got %+v", sprint.Deliverables)
	}
	if sprint.AcceptanceStatus != "accepted" {
		t.Fatalf("expected acceptance accepted, got %q", sprint.AcceptanceStatus)
	}
	if len(sprint.History) != 1 || sprint.History[0].Action != "noteAdded" {
		t.Fatalf("expected history replaced, got %+v", sprint.History)
	}

	replaced := api.Sprint{ID: "s1", Name: "Sprint 1 (renamed)"}
	r.Apply(channel.SprintUpdated{SprintID: "s1", Updated: &replaced})
	sprint, _ = r.Sprint()
	if sprint.Name != "Sprint 1 (renamed)" || len(sprint.Notes) != 0 {
		t.Fatalf("expected sprintUpdated to replace the sprint, got %+v", sprint)
	}
}

func TestActivityCloseReleasesRoomAndTimers(t *testing.T) {
	r, scheduler, transport := newOpenReconciler(t, sprintFixture(), "s1")
	if n := transport.count("join", "s1"); n != 1 {
		t.Fatalf("expected sprint room joined, got %d", n)
	}
	r.Apply(channel.TaskChanged{EventKind: channel.KindTaskUpdated, SprintID: "s1", TaskID: "t1"})
	if !scheduler.Pending(sprintRefetchKey("s1")) {
		t.Fatalf("expected refetch pending")
	}
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if scheduler.Pending(sprintRefetchKey("s1")) {
		t.Fatalf("expected refetch cancelled on close")
	}
	if n := transport.count("leave", "s1"); n != 1 {
		t.Fatalf("expected sprint room left, got %d", n)
	}
	if r.Apply(channel.TaskChanged{EventKind: channel.KindTaskUpdated, SprintID: "s1", TaskID: "t1"}) {
		t.Fatalf("expected events dropped after close")
	}
}

func TestActivitySwitchingSprintLeavesPrevious(t *testing.T) {
	fake := sprintFixture()
	fake.sprints["s2"] = api.Sprint{ID: "s2", Name: "Sprint 2"}
	r, _, transport := newOpenReconciler(t, fake, "s1")
	if err := r.Open(context.Background(), "s2"); err != nil {
		t.Fatalf("open s2: %v", err)
	}
	if transport.count("leave", "s1") != 1 || transport.count("join", "s2") != 1 {
		t.Fatalf("expected leave s1 and join s2, got %+v", transport.calls)
	}
	sprint, _ := r.Sprint()
	if sprint.ID != "s2" || len(r.Tasks()) != 0 {
		t.Fatalf("expected s2 loaded with no tasks, got %+v / %d tasks", sprint, len(r.Tasks()))
	}
}

func TestActivityReplaysPushesOverRefetch(t *testing.T) {
	fake := sprintFixture()
	r, _, _ := newOpenReconciler(t, fake, "s1")

	fake.mu.Lock()
	fake.sprintGate = make(chan struct{})
	fake.mu.Unlock()
	done := make(chan error, 1)
	go func() { done <- r.Refetch(context.Background()) }()
	waitFor(t, "refetch in flight", func() bool { return r.State() == ActivityRefetching })

	added := api.Task{ID: "t7", Title: "Pushed mid-fetch"}
	r.Apply(channel.TaskChanged{EventKind: channel.KindTaskAdded, SprintID: "s1", TaskID: "t7", Task: &added})
	close(fake.sprintGate)
	if err := <-done; err != nil {
		t.Fatalf("refetch: %v", err)
	}
	tasks := r.Tasks()
	if len(tasks) != 3 || tasks[2].ID != "t7" {
		t.Fatalf("expected pushed task kept on top of snapshot, got %+v", tasks)
	}
}
