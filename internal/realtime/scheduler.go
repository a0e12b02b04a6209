package realtime

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/handoversync/internal/metrics"
)

// Scheduler debounces work per key. Scheduling a key that is already pending
// restarts its timer and replaces its callback; distinct keys are independent.
type Scheduler struct {
	logger zerolog.Logger

	mu      sync.Mutex
	seq     uint64
	pending map[string]*scheduledCall
	stopped bool
}

type scheduledCall struct {
	seq   uint64
	timer *time.Timer
	fn    func()
}

func NewScheduler(logger *zerolog.Logger) *Scheduler {
	return &Scheduler{
		logger:  loggerOrNop(logger, "scheduler"),
		pending: map[string]*scheduledCall{},
	}
}

func (s *Scheduler) Schedule(key string, delay time.Duration, fn func()) {
	if fn == nil {
		return
	}
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if existing, ok := s.pending[key]; ok {
		existing.timer.Stop()
	}
	s.seq++
	seq := s.seq
	call := &scheduledCall{seq: seq, fn: fn}
	call.timer = time.AfterFunc(delay, func() { s.fire(key, seq) })
	s.pending[key] = call
}

// fire runs the callback only if it is still the latest one for key; a timer
// that was reset or cancelled after it started firing is ignored.
func (s *Scheduler) fire(key string, seq uint64) {
	s.mu.Lock()
	call, ok := s.pending[key]
	if !ok || call.seq != seq || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.pending, key)
	s.mu.Unlock()

	metrics.ScheduledRuns.Inc()
	s.logger.Debug().Str("key", key).Msg("running scheduled reconciliation")
	call.fn()
}

func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.pending[key]
	if !ok {
		return false
	}
	call.timer.Stop()
	delete(s.pending, key)
	return true
}

// CancelPrefix cancels every pending key starting with prefix and returns how
// many were dropped.
func (s *Scheduler) CancelPrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, call := range s.pending {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		call.timer.Stop()
		delete(s.pending, key)
		n++
	}
	return n
}

func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

func (s *Scheduler) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.pending))
	for key := range s.pending {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Stop cancels everything and rejects further scheduling.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for key, call := range s.pending {
		call.timer.Stop()
		delete(s.pending, key)
	}
}
