package catstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/infisparks/aichat/pkg/intent"
	"github.com/infisparks/aichat/pkg/kv"
)

// KV stores one msgpack-encoded record per intent under a key prefix.
// Listing the prefix yields the catalog in tag order, which keeps reads
// stable regardless of write order.
type KV struct {
	store  kv.Store
	prefix kv.Key
	logger *slog.Logger
}

// KVOptions configures a KV catalog store.
type KVOptions struct {
	// Prefix is the key prefix intent records live under.
	// Default: ["intents"].
	Prefix kv.Key

	// Logger receives subscription diagnostics.
	// Optional. If nil, uses slog.Default().
	Logger *slog.Logger
}

// NewKV creates a catalog store on top of a kv.Store.
func NewKV(store kv.Store, opts *KVOptions) *KV {
	if opts == nil {
		opts = &KVOptions{}
	}
	prefix := opts.Prefix
	if len(prefix) == 0 {
		prefix = kv.Key{"intents"}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &KV{store: store, prefix: prefix, logger: logger}
}

var _ Store = (*KV)(nil)

// tagKey builds the record key for a tag.
func (s *KV) tagKey(tag string) kv.Key {
	k := make(kv.Key, len(s.prefix)+1)
	copy(k, s.prefix)
	k[len(s.prefix)] = tag
	return k
}

// ReadCatalog lists the prefix and decodes every record. A record that
// fails to decode is an error, not a skip: training on a silently
// truncated catalog would misclassify without anyone noticing.
func (s *KV) ReadCatalog(ctx context.Context) (intent.Catalog, bool, error) {
	var c intent.Catalog
	for entry, err := range s.store.List(ctx, s.prefix) {
		if err != nil {
			return intent.Catalog{}, false, fmt.Errorf("catstore: list intents: %w", err)
		}
		var in intent.Intent
		if err := msgpack.Unmarshal(entry.Value, &in); err != nil {
			return intent.Catalog{}, false, fmt.Errorf("catstore: decode record %s: %w", entry.Key, err)
		}
		c.Intents = append(c.Intents, in)
	}
	return c, len(c.Intents) > 0, nil
}

// WriteCatalog replaces the stored catalog. New records are written
// before removed tags are deleted, so an interruption leaves a superset
// of the catalog rather than a hole.
func (s *KV) WriteCatalog(ctx context.Context, c intent.Catalog) error {
	keep := make(map[string]bool, len(c.Intents))
	entries := make([]kv.Entry, 0, len(c.Intents))
	for _, in := range c.Intents {
		data, err := msgpack.Marshal(&in)
		if err != nil {
			return fmt.Errorf("catstore: encode record %s: %w", in.Tag, err)
		}
		keep[in.Tag] = true
		entries = append(entries, kv.Entry{Key: s.tagKey(in.Tag), Value: data})
	}

	var removed []kv.Key
	for entry, err := range s.store.List(ctx, s.prefix) {
		if err != nil {
			return fmt.Errorf("catstore: list intents: %w", err)
		}
		tag := entry.Key[len(entry.Key)-1]
		if !keep[tag] {
			removed = append(removed, entry.Key)
		}
	}

	if len(entries) > 0 {
		if err := s.store.BatchSet(ctx, entries); err != nil {
			return fmt.Errorf("catstore: write intents: %w", err)
		}
	}
	if len(removed) > 0 {
		if err := s.store.BatchDelete(ctx, removed); err != nil {
			return fmt.Errorf("catstore: delete removed intents: %w", err)
		}
	}
	return nil
}

// Subscribe re-reads the catalog on every change reported by the
// underlying store's watch feed.
func (s *KV) Subscribe(ctx context.Context) (<-chan Update, error) {
	watch, err := s.store.Watch(ctx, s.prefix)
	if err != nil {
		return nil, fmt.Errorf("catstore: watch intents: %w", err)
	}

	out := make(chan Update, 1)
	go func() {
		defer close(out)
		for ev := range watch {
			if ev.Err != nil {
				deliver(out, Update{Err: ev.Err})
				return
			}
			cat, _, err := s.ReadCatalog(ctx)
			if err != nil {
				s.logger.Warn("catstore: re-read after change failed", "error", err)
			}
			deliver(out, Update{Catalog: cat, Err: err})
		}
	}()
	return out, nil
}
