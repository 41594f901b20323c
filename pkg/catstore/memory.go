package catstore

import (
	"context"
	"sync"

	"github.com/infisparks/aichat/pkg/intent"
)

// Memory is an in-process Store for tests.
type Memory struct {
	mu     sync.Mutex
	cat    intent.Catalog
	exists bool
	subs   map[chan Update]struct{}
}

// NewMemory creates an empty in-memory catalog store.
func NewMemory() *Memory {
	return &Memory{subs: make(map[chan Update]struct{})}
}

var _ Store = (*Memory)(nil)

func (m *Memory) ReadCatalog(_ context.Context) (intent.Catalog, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cat.Clone(), m.exists, nil
}

func (m *Memory) WriteCatalog(_ context.Context, c intent.Catalog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cat = c.Clone()
	m.exists = true
	for ch := range m.subs {
		deliver(ch, Update{Catalog: c.Clone()})
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context) (<-chan Update, error) {
	ch := make(chan Update, 1)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, ch)
		m.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}
