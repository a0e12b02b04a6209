package sessionstate

import (
	"context"
	"sync"
)

type InMemoryBackend struct {
	mu    sync.Mutex
	state *State
}

func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{}
}

func (b *InMemoryBackend) Load(ctx context.Context) (*State, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.clone(), nil
}

func (b *InMemoryBackend) Save(ctx context.Context, state *State) error {
	if b == nil || state == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = state.clone()
	return nil
}
