package kv

import (
	"bytes"
	"context"
	"iter"
	"sort"
	"sync"
)

// Memory is an in-memory Store implementation backed by a sorted map.
// It is safe for concurrent use and intended primarily for testing.
type Memory struct {
	mu       sync.RWMutex
	data     map[string][]byte
	opts     *Options
	watchers map[*memWatcher]struct{}
}

var _ Store = (*Memory)(nil)

// memWatcher is one active Watch subscription on a Memory store.
type memWatcher struct {
	prefix []byte // encoded prefix with trailing separator; nil matches all
	co     *coalescer
}

// NewMemory creates a new in-memory Store.
// Pass nil for default options.
func NewMemory(opts *Options) *Memory {
	return &Memory{
		data:     make(map[string][]byte),
		opts:     opts,
		watchers: make(map[*memWatcher]struct{}),
	}
}

func (m *Memory) Get(_ context.Context, key Key) ([]byte, error) {
	k := string(m.opts.encode(key))
	m.mu.RLock()
	v, ok := m.data[k]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	// Return a copy to prevent mutation.
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (m *Memory) Set(_ context.Context, key Key, value []byte) error {
	k := string(m.opts.encode(key))
	cp := make([]byte, len(value))
	copy(cp, value)
	m.mu.Lock()
	m.data[k] = cp
	m.mu.Unlock()
	m.notify([]Key{key})
	return nil
}

func (m *Memory) Delete(_ context.Context, key Key) error {
	k := string(m.opts.encode(key))
	m.mu.Lock()
	delete(m.data, k)
	m.mu.Unlock()
	m.notify([]Key{key})
	return nil
}

func (m *Memory) List(_ context.Context, prefix Key) iter.Seq2[Entry, error] {
	p := m.opts.encode(prefix)
	// Append separator so "a:b" prefix doesn't match "a:bc".
	// But if prefix is empty, scan everything.
	var prefixBytes []byte
	if len(p) > 0 {
		prefixBytes = append(p, m.opts.sep())
	}

	// Snapshot matching keys under read lock.
	m.mu.RLock()
	type kv struct {
		key string
		val []byte
	}
	var matches []kv
	for k, v := range m.data {
		if len(k) > 0 && k[0] == 0 {
			// Reserved bookkeeping key.
			continue
		}
		if len(prefixBytes) == 0 || bytes.HasPrefix([]byte(k), prefixBytes) {
			cp := make([]byte, len(v))
			copy(cp, v)
			matches = append(matches, kv{k, cp})
		}
	}
	m.mu.RUnlock()

	// Sort for deterministic lexicographic order.
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].key < matches[j].key
	})

	return func(yield func(Entry, error) bool) {
		for _, kv := range matches {
			entry := Entry{
				Key:   m.opts.decode([]byte(kv.key)),
				Value: kv.val,
			}
			if !yield(entry, nil) {
				return
			}
		}
	}
}

func (m *Memory) BatchSet(_ context.Context, entries []Entry) error {
	keys := make([]Key, 0, len(entries))
	m.mu.Lock()
	for _, e := range entries {
		k := string(m.opts.encode(e.Key))
		cp := make([]byte, len(e.Value))
		copy(cp, e.Value)
		m.data[k] = cp
		keys = append(keys, e.Key)
	}
	m.mu.Unlock()
	m.notify(keys)
	return nil
}

func (m *Memory) BatchDelete(_ context.Context, keys []Key) error {
	m.mu.Lock()
	for _, key := range keys {
		k := string(m.opts.encode(key))
		delete(m.data, k)
	}
	m.mu.Unlock()
	m.notify(keys)
	return nil
}

// Watch registers a subscription that receives every subsequent change
// under the prefix until ctx is canceled.
func (m *Memory) Watch(ctx context.Context, prefix Key) (<-chan WatchEvent, error) {
	p := m.opts.encode(prefix)
	var prefixBytes []byte
	if len(p) > 0 {
		prefixBytes = append(p, m.opts.sep())
	}

	w := &memWatcher{prefix: prefixBytes, co: newCoalescer()}
	m.mu.Lock()
	m.watchers[w] = struct{}{}
	m.mu.Unlock()

	out := make(chan WatchEvent)
	go func() {
		defer close(out)
		defer func() {
			m.mu.Lock()
			delete(m.watchers, w)
			m.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.co.kick:
			}
			keys := w.co.take()
			if len(keys) == 0 {
				continue
			}
			select {
			case out <- WatchEvent{Keys: keys}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// notify fans changed keys out to matching watchers. Delivery goes
// through each watcher's coalescer, so writers never block on slow
// consumers.
func (m *Memory) notify(keys []Key) {
	if len(keys) == 0 {
		return
	}
	m.mu.RLock()
	watchers := make([]*memWatcher, 0, len(m.watchers))
	for w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		var matched []Key
		for _, key := range keys {
			enc := m.opts.encode(key)
			if len(enc) > 0 && enc[0] == 0 {
				continue
			}
			if len(w.prefix) == 0 || bytes.HasPrefix(enc, w.prefix) {
				matched = append(matched, key)
			}
		}
		w.co.add(matched)
	}
}

func (m *Memory) Close() error {
	return nil
}
