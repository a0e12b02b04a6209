package realtime

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/handoversync/internal/api"
	"github.com/agentworkforce/handoversync/internal/channel"
	"github.com/agentworkforce/handoversync/internal/metrics"
)

type SprintAPI interface {
	GetSprint(ctx context.Context, sprintID string) (api.Sprint, error)
	ListSprintTasks(ctx context.Context, sprintID string) ([]api.Task, error)
}

type ActivityState int

const (
	ActivityIdle ActivityState = iota
	ActivityApplying
	ActivityRefetching
)

func (s ActivityState) String() string {
	switch s {
	case ActivityApplying:
		return "applying"
	case ActivityRefetching:
		return "refetching"
	default:
		return "idle"
	}
}

type ActivityReconcilerOptions struct {
	API          SprintAPI
	Rooms        *RoomMembershipTracker
	Scheduler    *Scheduler
	RefetchDelay time.Duration
	LoadTimeout  time.Duration
	Logger       *zerolog.Logger
}

// ActivityReconciler keeps one open sprint and its task list in step with
// sprint room pushes. Complete sub-entities are applied in place; anything
// that cannot be applied consistently falls back to a debounced refetch.
type ActivityReconciler struct {
	api          SprintAPI
	rooms        *RoomMembershipTracker
	scheduler    *Scheduler
	refetchDelay time.Duration
	loadTimeout  time.Duration
	logger       zerolog.Logger
	changes      notifier

	mu         sync.Mutex
	sprintID   string
	sprint     *api.Sprint
	tasks      []api.Task
	state      ActivityState
	loadSeq    uint64
	inflight   bool
	pending    []channel.SprintEvent
	cancelLoad context.CancelFunc
}

func NewActivityReconciler(opts ActivityReconcilerOptions) *ActivityReconciler {
	if opts.RefetchDelay <= 0 {
		opts.RefetchDelay = 300 * time.Millisecond
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 15 * time.Second
	}
	return &ActivityReconciler{
		api:          opts.API,
		rooms:        opts.Rooms,
		scheduler:    opts.Scheduler,
		refetchDelay: opts.RefetchDelay,
		loadTimeout:  opts.LoadTimeout,
		logger:       loggerOrNop(opts.Logger, "activity"),
	}
}

func sprintRefetchKey(sprintID string) string {
	return "sprint:" + sprintID
}

// Open switches the reconciler to sprintID, joins its room and loads it.
// Opening the sprint already open only reloads it.
func (r *ActivityReconciler) Open(ctx context.Context, sprintID string) error {
	sprintID = strings.TrimSpace(sprintID)
	if sprintID == "" {
		return fmt.Errorf("%w: sprint id is required", ErrInvalidInput)
	}
	if r.api == nil {
		return fmt.Errorf("%w: sprint api is not configured", ErrInvalidInput)
	}
	r.mu.Lock()
	previous := r.sprintID
	if previous != sprintID {
		r.resetLocked()
		r.sprintID = sprintID
		r.changes.notify()
	}
	r.mu.Unlock()

	if previous != "" && previous != sprintID {
		r.release(ctx, previous)
	}
	if r.rooms != nil {
		if err := r.rooms.Join(ctx, sprintID); err != nil {
			r.logger.Warn().Err(err).Str("sprint", sprintID).Msg("sprint room join not sent")
		}
		// A concurrent Open may have switched away and released the room
		// before this join landed.
		if r.SprintID() != sprintID {
			r.release(ctx, sprintID)
			return ErrStaleLoad
		}
	}
	return r.Refetch(ctx)
}

// Refetch reloads the open sprint and its tasks. Pushes applied while the
// fetch was in flight are applied again on top of the fresh snapshot.
func (r *ActivityReconciler) Refetch(ctx context.Context) error {
	r.mu.Lock()
	sprintID := r.sprintID
	if sprintID == "" {
		r.mu.Unlock()
		return ErrNoSprint
	}
	if r.cancelLoad != nil {
		r.cancelLoad()
	}
	loadCtx, cancel := context.WithCancel(ctx)
	r.cancelLoad = cancel
	r.loadSeq++
	seq := r.loadSeq
	r.inflight = true
	r.state = ActivityRefetching
	r.mu.Unlock()

	sprint, err := r.api.GetSprint(loadCtx, sprintID)
	var tasks []api.Task
	if err == nil {
		tasks, err = r.api.ListSprintTasks(loadCtx, sprintID)
	}
	cancel()

	r.mu.Lock()
	defer r.mu.Unlock()
	if seq != r.loadSeq || sprintID != r.sprintID {
		metrics.SnapshotLoads.WithLabelValues("sprint", "discarded").Inc()
		return ErrStaleLoad
	}
	pending := r.pending
	r.pending = nil
	r.inflight = false
	r.cancelLoad = nil
	r.state = ActivityIdle
	if err != nil {
		metrics.SnapshotLoads.WithLabelValues("sprint", "error").Inc()
		return fmt.Errorf("refetch sprint %s: %w", sprintID, err)
	}

	sprint = cloneSprint(sprint)
	sprint.ID = sprintID
	r.sprint = &sprint
	r.tasks = r.tasks[:0]
	seen := make(map[string]struct{}, len(tasks))
	for _, task := range tasks {
		if task.ID == "" || (task.SprintID != "" && task.SprintID != sprintID) {
			continue
		}
		if _, dup := seen[task.ID]; dup {
			continue
		}
		seen[task.ID] = struct{}{}
		task.SprintID = sprintID
		r.tasks = append(r.tasks, task)
	}
	for _, ev := range pending {
		r.applyLocked(ev)
	}
	metrics.SnapshotLoads.WithLabelValues("sprint", "ok").Inc()
	r.changes.notify()
	return nil
}

// Apply merges one sprint room event. Events for a sprint other than the
// open one change nothing. It reports whether the event was taken up,
// either applied or answered with a scheduled refetch.
func (r *ActivityReconciler) Apply(ev channel.SprintEvent) bool {
	if ev == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sprintID == "" || ev.Sprint() != r.sprintID {
		metrics.EventsDropped.WithLabelValues("stale").Inc()
		r.logger.Debug().Str("event", string(ev.Kind())).Str("sprint", ev.Sprint()).Msg("dropping event for sprint not open")
		return false
	}
	prev := r.state
	r.state = ActivityApplying
	if r.inflight {
		r.pending = append(r.pending, ev)
	}
	changed, refetch := r.applyLocked(ev)
	r.state = prev
	if refetch {
		r.scheduleRefetchLocked()
	}
	if changed {
		r.changes.notify()
	}
	return changed || refetch
}

// applyLocked reports whether state changed and whether the event was too
// thin to apply and needs a refetch.
func (r *ActivityReconciler) applyLocked(ev channel.SprintEvent) (changed bool, refetch bool) {
	switch e := ev.(type) {
	case channel.TaskChanged:
		if e.Task == nil || e.Task.ID == "" || strings.TrimSpace(e.Task.Title) == "" {
			return false, true
		}
		if e.TaskID != "" && e.TaskID != e.Task.ID {
			return false, true
		}
		task := *e.Task
		if task.SprintID != "" && task.SprintID != r.sprintID {
			metrics.EventsDropped.WithLabelValues("stale").Inc()
			return false, false
		}
		task.SprintID = r.sprintID
		if i := slices.IndexFunc(r.tasks, func(t api.Task) bool { return t.ID == task.ID }); i >= 0 {
			r.tasks[i] = task
		} else {
			r.tasks = append(r.tasks, task)
		}
		return true, false

	case channel.SprintUpdated:
		if e.Updated == nil {
			return false, true
		}
		if e.Updated.ID != "" && e.Updated.ID != r.sprintID {
			metrics.EventsDropped.WithLabelValues("stale").Inc()
			return false, false
		}
		sprint := cloneSprint(*e.Updated)
		sprint.ID = r.sprintID
		r.sprint = &sprint
		return true, false

	case channel.SprintDelta:
		if r.sprint == nil {
			return false, true
		}
		switch e.EventKind {
		case channel.KindNoteAdded:
			if e.Note == nil || e.Note.ID == "" {
				return false, true
			}
			if !slices.ContainsFunc(r.sprint.Notes, func(n api.Note) bool { return n.ID == e.Note.ID }) {
				r.sprint.Notes = append(r.sprint.Notes, *e.Note)
			}
		case channel.KindDeliverableUploaded:
			if e.Deliverable == nil || e.Deliverable.ID == "" {
				return false, true
			}
			if i := slices.IndexFunc(r.sprint.Deliverables, func(d api.Deliverable) bool { return d.ID == e.Deliverable.ID }); i >= 0 {
				r.sprint.Deliverables[i] = *e.Deliverable
			} else {
				r.sprint.Deliverables = append(r.sprint.Deliverables, *e.Deliverable)
			}
		case channel.KindDeliverableDeleted:
			if e.DeliverableID == "" {
				return false, true
			}
			r.sprint.Deliverables = slices.DeleteFunc(r.sprint.Deliverables, func(d api.Deliverable) bool { return d.ID == e.DeliverableID })
		case channel.KindAcceptanceStatusUpdated:
			if e.AcceptanceStatus == nil {
				return false, true
			}
			r.sprint.AcceptanceStatus = *e.AcceptanceStatus
		default:
			return false, true
		}
		if e.UpdatedHistory != nil {
			r.sprint.History = slices.Clone(e.UpdatedHistory)
		}
		return true, false
	}
	return false, false
}

func (r *ActivityReconciler) scheduleRefetchLocked() {
	if r.scheduler == nil {
		return
	}
	sprintID := r.sprintID
	r.scheduler.Schedule(sprintRefetchKey(sprintID), r.refetchDelay, func() {
		if r.SprintID() != sprintID {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.loadTimeout)
		defer cancel()
		if err := r.Refetch(ctx); err != nil {
			r.logger.Warn().Err(err).Str("sprint", sprintID).Msg("debounced sprint refetch failed")
		}
	})
}

// Close tears the view down: pending refetches are cancelled, any in-flight
// fetch is discarded and the sprint room is left.
func (r *ActivityReconciler) Close(ctx context.Context) error {
	r.mu.Lock()
	sprintID := r.sprintID
	r.resetLocked()
	r.changes.notify()
	r.mu.Unlock()
	if sprintID == "" {
		return nil
	}
	return r.release(ctx, sprintID)
}

func (r *ActivityReconciler) resetLocked() {
	if r.cancelLoad != nil {
		r.cancelLoad()
		r.cancelLoad = nil
	}
	r.loadSeq++
	r.sprintID = ""
	r.sprint = nil
	r.tasks = nil
	r.pending = nil
	r.inflight = false
	r.state = ActivityIdle
}

func (r *ActivityReconciler) release(ctx context.Context, sprintID string) error {
	if r.scheduler != nil {
		r.scheduler.Cancel(sprintRefetchKey(sprintID))
	}
	if r.rooms == nil {
		return nil
	}
	return r.rooms.Leave(ctx, sprintID)
}

func (r *ActivityReconciler) SprintID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sprintID
}

// Sprint returns a copy of the open sprint; false until the first fetch lands.
func (r *ActivityReconciler) Sprint() (api.Sprint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sprint == nil {
		return api.Sprint{}, false
	}
	return cloneSprint(*r.sprint), true
}

func (r *ActivityReconciler) Tasks() []api.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.tasks)
}

func (r *ActivityReconciler) State() ActivityState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *ActivityReconciler) Subscribe() (<-chan struct{}, func()) {
	return r.changes.subscribe()
}

func cloneSprint(s api.Sprint) api.Sprint {
	s.Notes = slices.Clone(s.Notes)
	s.Deliverables = slices.Clone(s.Deliverables)
	s.History = slices.Clone(s.History)
	return s
}
