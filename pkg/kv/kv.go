// Package kv provides the key-value store the intent catalog lives in.
// Keys are hierarchical paths represented as string slices (e.g.,
// ["intents", "greet"]) and encoded internally using a configurable
// separator (default ':').
//
// The package includes a BadgerDB-backed implementation for production
// use and an in-memory implementation for testing. Both support
// [Store.Watch], the change feed that drives classifier retraining when
// catalog records are written.
package kv

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
)

// Sentinel errors.
var (
	// ErrNotFound is returned when a key does not exist in the store.
	ErrNotFound = errors.New("kv: not found")
)

// Key is a hierarchical path represented as a slice of string segments.
// For example, Key{"intents", "greet"} encodes to "intents:greet" using
// the default separator ':'.
//
// Segments must not contain the configured separator character; encoding
// such a key panics. Keys whose first segment begins with a NUL byte are
// reserved for store-internal bookkeeping and never appear in Watch
// events or List results.
type Key []string

// String returns the key as a human-readable string using ':' as separator.
// This is for display/debug only; use Options.encode for storage encoding.
func (k Key) String() string {
	return strings.Join(k, ":")
}

// Entry is a key-value pair returned by List and used by BatchSet.
type Entry struct {
	Key   Key
	Value []byte
}

// WatchEvent is one delivery on a [Store.Watch] channel.
type WatchEvent struct {
	// Keys are the keys that changed, in change order. When the consumer
	// is slower than the writer, several change batches coalesce into
	// one event and Keys may repeat.
	Keys []Key

	// Err is non-nil when the subscription terminated abnormally. An
	// error event is the last delivery before the channel closes.
	Err error
}

// Store is the interface for a key-value store with path-based keys.
type Store interface {
	// Get retrieves the value for a key. Returns ErrNotFound if not present.
	Get(ctx context.Context, key Key) ([]byte, error)

	// Set stores a key-value pair. Overwrites any existing value.
	Set(ctx context.Context, key Key, value []byte) error

	// Delete removes a key. No error if the key does not exist.
	Delete(ctx context.Context, key Key) error

	// List iterates over all entries whose key starts with the given prefix.
	// The iteration order is lexicographic by encoded key.
	List(ctx context.Context, prefix Key) iter.Seq2[Entry, error]

	// BatchSet atomically stores multiple key-value pairs.
	BatchSet(ctx context.Context, entries []Entry) error

	// BatchDelete atomically removes multiple keys.
	BatchDelete(ctx context.Context, keys []Key) error

	// Watch streams change events for keys under the given prefix until
	// ctx is canceled. Delivery is at-least-once per change; a slow
	// consumer sees coalesced events rather than missed ones. The caller
	// must drain the channel, which closes after ctx cancellation or a
	// terminal error event.
	Watch(ctx context.Context, prefix Key) (<-chan WatchEvent, error)

	// Close releases any resources held by the store.
	Close() error
}

// DefaultSeparator is the default separator byte used to encode key segments.
const DefaultSeparator byte = ':'

// Options configures store behavior.
type Options struct {
	// Separator is the byte used to join key segments when encoding to storage.
	// Default is ':' if zero.
	Separator byte
}

// sep returns the effective separator.
func (o *Options) sep() byte {
	if o != nil && o.Separator != 0 {
		return o.Separator
	}
	return DefaultSeparator
}

// encode converts a Key to its byte representation using the separator.
// Panics if a segment contains the separator, which would make the key
// indistinguishable from a longer path.
func (o *Options) encode(k Key) []byte {
	s := o.sep()
	// Calculate total length to avoid allocations.
	n := 0
	for i, seg := range k {
		if strings.IndexByte(seg, s) >= 0 {
			panic("kv: key segment " + seg + " contains separator")
		}
		if i > 0 {
			n++ // separator
		}
		n += len(seg)
	}
	buf := make([]byte, n)
	pos := 0
	for i, seg := range k {
		if i > 0 {
			buf[pos] = s
			pos++
		}
		pos += copy(buf[pos:], seg)
	}
	return buf
}

// decode converts a byte representation back to a Key using the separator.
func (o *Options) decode(b []byte) Key {
	s := o.sep()
	parts := splitBytes(b, s)
	k := make(Key, len(parts))
	for i, p := range parts {
		k[i] = string(p)
	}
	return k
}

// splitBytes splits b by separator byte, similar to bytes.Split but returns
// [][]byte without importing bytes package for this single use.
func splitBytes(b []byte, sep byte) [][]byte {
	n := 1
	for _, c := range b {
		if c == sep {
			n++
		}
	}
	parts := make([][]byte, 0, n)
	start := 0
	for i, c := range b {
		if c == sep {
			parts = append(parts, b[start:i])
			start = i + 1
		}
	}
	parts = append(parts, b[start:])
	return parts
}

// coalescer accumulates changed keys between deliveries so a slow watch
// consumer never blocks a writer and never misses a change.
type coalescer struct {
	mu      sync.Mutex
	pending []Key
	kick    chan struct{}
}

func newCoalescer() *coalescer {
	return &coalescer{kick: make(chan struct{}, 1)}
}

// add records changed keys and nudges the forwarder.
func (c *coalescer) add(keys []Key) {
	if len(keys) == 0 {
		return
	}
	c.mu.Lock()
	c.pending = append(c.pending, keys...)
	c.mu.Unlock()
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// take removes and returns everything accumulated so far.
func (c *coalescer) take() []Key {
	c.mu.Lock()
	keys := c.pending
	c.pending = nil
	c.mu.Unlock()
	return keys
}
