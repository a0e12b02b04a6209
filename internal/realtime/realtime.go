// Package realtime keeps in-memory conversations, messages, notifications and
// sprint activity consistent with the server's push stream. REST snapshots are
// authoritative; push events are merged on top of them idempotently.
package realtime

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

var (
	ErrClosed         = errors.New("closed")
	ErrStaleLoad      = errors.New("load superseded")
	ErrNotLoaded      = errors.New("no baseline loaded")
	ErrNoConversation = errors.New("no conversation open")
	ErrNoSprint       = errors.New("no sprint open")
	ErrInvalidInput   = errors.New("invalid input")
)

// notifier fans a "something changed" signal out to subscribers. Signals are
// coalesced: a slow subscriber sees at most one pending signal.
type notifier struct {
	mu   sync.Mutex
	next int
	subs map[int]chan struct{}
}

func (n *notifier) subscribe() (<-chan struct{}, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs == nil {
		n.subs = map[int]chan struct{}{}
	}
	id := n.next
	n.next++
	ch := make(chan struct{}, 1)
	n.subs[id] = ch
	return ch, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, id)
	}
}

func (n *notifier) notify() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func loggerOrNop(logger *zerolog.Logger, component string) zerolog.Logger {
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	return l.With().Str("component", component).Logger()
}
