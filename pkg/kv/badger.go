package kv

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/pb"
)

// Badger is a Store implementation backed by BadgerDB v4.
type Badger struct {
	db   *badger.DB
	opts *Options
}

var _ Store = (*Badger)(nil)

// BadgerOptions configures the BadgerDB store.
type BadgerOptions struct {
	// Options is the common kv options (separator, etc.).
	Options *Options

	// Dir is the directory for BadgerDB data files.
	// Required.
	Dir string

	// InMemory runs BadgerDB in memory-only mode (no disk persistence).
	// Useful for testing with a real badger engine.
	InMemory bool

	// Logger sets the badger logger. If nil, badger warnings and errors
	// are forwarded to slog and lower levels are dropped.
	Logger badger.Logger
}

// NewBadger creates a new BadgerDB-backed Store.
func NewBadger(bopts BadgerOptions) (*Badger, error) {
	if !bopts.InMemory && bopts.Dir == "" {
		return nil, errors.New("kv: BadgerOptions.Dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(bopts.Dir)
	if bopts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	if bopts.Logger != nil {
		dbOpts = dbOpts.WithLogger(bopts.Logger)
	} else {
		dbOpts = dbOpts.WithLogger(slogLogger{})
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, err
	}
	return &Badger{db: db, opts: bopts.Options}, nil
}

func (b *Badger) Get(_ context.Context, key Key) ([]byte, error) {
	k := b.opts.encode(key)
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return val, err
}

func (b *Badger) Set(_ context.Context, key Key, value []byte) error {
	k := b.opts.encode(key)
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(k, value)
	})
}

func (b *Badger) Delete(_ context.Context, key Key) error {
	k := b.opts.encode(key)
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(k)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (b *Badger) List(_ context.Context, prefix Key) iter.Seq2[Entry, error] {
	p := b.opts.encode(prefix)
	// Append separator so "a:b" prefix doesn't match "a:bc".
	var prefixBytes []byte
	if len(p) > 0 {
		prefixBytes = append(p, b.opts.sep())
	}

	return func(yield func(Entry, error) bool) {
		err := b.db.View(func(txn *badger.Txn) error {
			iterOpts := badger.DefaultIteratorOptions
			iterOpts.Prefix = prefixBytes
			it := txn.NewIterator(iterOpts)
			defer it.Close()

			for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
				item := it.Item()
				keyCopy := item.KeyCopy(nil)
				if len(keyCopy) > 0 && keyCopy[0] == 0 {
					// Reserved bookkeeping key, e.g. a watch sync
					// marker leaked by a crash.
					continue
				}

				val, err := item.ValueCopy(nil)
				if err != nil {
					if !yield(Entry{}, err) {
						return nil
					}
					continue
				}

				entry := Entry{
					Key:   b.opts.decode(keyCopy),
					Value: val,
				}
				if !yield(entry, nil) {
					return nil
				}
			}
			return nil
		})
		if err != nil {
			yield(Entry{}, err)
		}
	}
}

func (b *Badger) BatchSet(_ context.Context, entries []Entry) error {
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, e := range entries {
		k := b.opts.encode(e.Key)
		if err := wb.Set(k, e.Value); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (b *Badger) BatchDelete(_ context.Context, keys []Key) error {
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		k := b.opts.encode(key)
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// watchSeq distinguishes the sync markers of concurrent Watch calls.
var watchSeq atomic.Uint64

// Watch subscribes to badger's change stream for the prefix. Changes are
// forwarded through a coalescer so a slow consumer delays deliveries but
// never badger's subscription dispatch.
//
// Badger registers a subscriber on the goroutine running Subscribe, so
// there is a window where a commit lands before the subscription exists.
// Watch closes that window with a sync marker: it writes a reserved
// NUL-prefixed key until the subscription reports it back, and only then
// returns. A change committed after Watch returns is never missed.
func (b *Badger) Watch(ctx context.Context, prefix Key) (<-chan WatchEvent, error) {
	p := b.opts.encode(prefix)
	// Append separator so "a:b" prefix doesn't match "a:bc".
	var prefixBytes []byte
	if len(p) > 0 {
		prefixBytes = append(p, b.opts.sep())
	}
	syncKey := []byte(fmt.Sprintf("\x00watch.sync.%d", watchSeq.Add(1)))

	co := newCoalescer()
	done := make(chan error, 1)
	ready := make(chan struct{})
	var readyOnce sync.Once

	go func() {
		done <- b.db.Subscribe(ctx, func(list *pb.KVList) error {
			keys := make([]Key, 0, len(list.Kv))
			for _, kvp := range list.Kv {
				if len(kvp.Key) > 0 && kvp.Key[0] == 0 {
					readyOnce.Do(func() { close(ready) })
					continue
				}
				keys = append(keys, b.opts.decode(kvp.Key))
			}
			co.add(keys)
			return nil
		}, []pb.Match{{Prefix: prefixBytes}, {Prefix: syncKey}})
	}()

	if err := b.awaitRegistration(ctx, syncKey, ready, done); err != nil {
		return nil, err
	}

	out := make(chan WatchEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-co.kick:
				keys := co.take()
				if len(keys) == 0 {
					continue
				}
				select {
				case out <- WatchEvent{Keys: keys}:
				case <-ctx.Done():
					<-done
					return
				}
			case err := <-done:
				if err != nil && !errors.Is(err, context.Canceled) {
					select {
					case out <- WatchEvent{Err: fmt.Errorf("kv: badger subscription: %w", err)}:
					case <-ctx.Done():
					}
				}
				return
			case <-ctx.Done():
				<-done
				return
			}
		}
	}()
	return out, nil
}

// awaitRegistration rewrites the sync marker until the subscription
// delivers it, proving the subscriber is registered. The marker is
// deleted afterwards on a best-effort basis.
func (b *Badger) awaitRegistration(ctx context.Context, syncKey []byte, ready <-chan struct{}, done <-chan error) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if err := b.db.Update(func(txn *badger.Txn) error {
			return txn.Set(syncKey, nil)
		}); err != nil {
			return fmt.Errorf("kv: watch sync write: %w", err)
		}
		select {
		case <-ready:
			_ = b.db.Update(func(txn *badger.Txn) error {
				return txn.Delete(syncKey)
			})
			return nil
		case err := <-done:
			if err == nil {
				err = errors.New("subscription exited")
			}
			return fmt.Errorf("kv: watch registration: %w", err)
		case <-ctx.Done():
			<-done
			return ctx.Err()
		case <-ticker.C:
			// Subscriber not registered yet; write the marker again.
		}
	}
}

func (b *Badger) Close() error {
	return b.db.Close()
}

// slogLogger forwards badger warnings and errors to slog, dropping the
// chatty info and debug output. Badger terminates its messages with a
// newline that slog does not want.
type slogLogger struct{}

func (slogLogger) Errorf(f string, v ...interface{}) {
	slog.Error("kv: badger: " + strings.TrimSuffix(fmt.Sprintf(f, v...), "\n"))
}
func (slogLogger) Warningf(f string, v ...interface{}) {
	slog.Warn("kv: badger: " + strings.TrimSuffix(fmt.Sprintf(f, v...), "\n"))
}
func (slogLogger) Infof(string, ...interface{})  {}
func (slogLogger) Debugf(string, ...interface{}) {}
