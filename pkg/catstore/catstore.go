// Package catstore persists the intent catalog and reports when it
// changes.
//
// Three backends cover the deployment spectrum: KV keeps one record
// per intent in a key-value store and rides its change feed, File keeps
// a single hand-editable JSON document watched through fsnotify, and
// Memory backs tests. All of them deliver change notifications through
// a latest-wins mailbox, so a consumer that falls behind skips straight
// to the newest catalog instead of replaying history.
//
// A write made through the store is also reported back to its own
// subscribers. Consumers that train on catalog changes are expected to
// deduplicate by fingerprint rather than by change origin.
package catstore

import (
	"context"

	"github.com/infisparks/aichat/pkg/intent"
)

// Update is one change notification from Subscribe.
type Update struct {
	// Catalog is the full catalog as re-read after the change.
	Catalog intent.Catalog

	// Err is non-nil when the re-read failed or the subscription
	// terminated. A failed re-read is recoverable (the next change
	// delivers again); a terminated subscription closes the channel
	// after this update.
	Err error
}

// Store reads, replaces, and watches the intent catalog.
type Store interface {
	// ReadCatalog returns the current catalog. The bool reports whether
	// a catalog exists at all; an existing but empty catalog returns
	// (empty, true, nil).
	ReadCatalog(ctx context.Context) (intent.Catalog, bool, error)

	// WriteCatalog replaces the stored catalog.
	WriteCatalog(ctx context.Context, c intent.Catalog) error

	// Subscribe delivers an Update after every catalog change until ctx
	// is cancelled or the subscription fails, then closes the channel.
	// Deliveries coalesce: only the newest undelivered update is kept.
	Subscribe(ctx context.Context) (<-chan Update, error)
}

// deliver places u in a capacity-1 mailbox channel, displacing an
// undelivered update if one is pending. Callers must not invoke it
// concurrently for the same channel.
func deliver(out chan Update, u Update) {
	select {
	case out <- u:
		return
	default:
	}
	select {
	case <-out:
		// Discard the stale update.
	default:
	}
	out <- u
}
