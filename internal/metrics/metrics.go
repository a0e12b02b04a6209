package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transport
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoversync_events_received_total",
			Help: "Push events received from the channel, by event name",
		},
		[]string{"event"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoversync_events_dropped_total",
			Help: "Push events discarded before or during apply",
		},
		[]string{"reason"}, // "invalid", "unknown", "stale", "duplicate", "not_ready"
	)

	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "handoversync_reconnects_total",
			Help: "Successful channel connections after the first one",
		},
	)

	DialFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "handoversync_dial_failures_total",
			Help: "Failed channel dial attempts",
		},
	)

	// Rooms
	RoomJoinsReplayed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "handoversync_room_joins_replayed_total",
			Help: "Room joins re-sent on (re)connect",
		},
	)

	RoomsTracked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "handoversync_rooms_tracked",
			Help: "Rooms the client intends to be subscribed to",
		},
	)

	// Stores
	SnapshotLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoversync_snapshot_loads_total",
			Help: "Snapshot loads by store and result",
		},
		[]string{"store", "result"}, // result: "ok", "error", "discarded"
	)

	ScheduledRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "handoversync_scheduled_runs_total",
			Help: "Debounced reconciliation callbacks that fired",
		},
	)

	UnreadMessages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "handoversync_unread_messages",
			Help: "Unread messages across conversations not currently open",
		},
	)

	UnreadNotifications = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "handoversync_unread_notifications",
			Help: "Unread notifications",
		},
	)
)
