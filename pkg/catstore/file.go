package catstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/infisparks/aichat/pkg/intent"
)

// File stores the catalog as one JSON document, suited to hand-edited
// catalogs. Writes go through a temp file and rename. Subscribe watches
// the parent directory rather than the file itself, because editors and
// atomic writers replace the inode on every save.
type File struct {
	path     string
	base     string
	debounce time.Duration
	logger   *slog.Logger
}

// FileOptions configures a File catalog store.
type FileOptions struct {
	// Debounce is how long the file must stay quiet before a change is
	// delivered. Editors often emit several events per save.
	// Default: 200ms.
	Debounce time.Duration

	// Logger receives watch diagnostics.
	// Optional. If nil, uses slog.Default().
	Logger *slog.Logger
}

// NewFile creates a catalog store at path, creating the parent
// directory if needed.
func NewFile(path string, opts *FileOptions) (*File, error) {
	if opts == nil {
		opts = &FileOptions{}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, err
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &File{
		path:     abs,
		base:     filepath.Base(abs),
		debounce: debounce,
		logger:   logger,
	}, nil
}

var _ Store = (*File)(nil)

// document is the on-disk JSON shape, the same document format intents
// are submitted in.
type document struct {
	Intents []intent.Intent `json:"intents"`
}

// ReadCatalog parses the document. A missing file is an absent catalog,
// not an error.
func (f *File) ReadCatalog(_ context.Context) (intent.Catalog, bool, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return intent.Catalog{}, false, nil
	}
	if err != nil {
		return intent.Catalog{}, false, fmt.Errorf("catstore: read %s: %w", f.path, err)
	}
	c, err := intent.ParseDocument(data)
	if err != nil {
		return intent.Catalog{}, false, err
	}
	return c, true, nil
}

// WriteCatalog writes the document through a temp file in the same
// directory and renames it into place.
func (f *File) WriteCatalog(_ context.Context, c intent.Catalog) error {
	data, err := json.MarshalIndent(document{Intents: c.Intents}, "", "  ")
	if err != nil {
		return fmt.Errorf("catstore: encode document: %w", err)
	}
	data = append(data, '\n')

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("catstore: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("catstore: replace %s: %w", f.path, err)
	}
	return nil
}

// Subscribe watches the parent directory and re-reads the document once
// events for it settle past the debounce window.
func (f *File) Subscribe(ctx context.Context) (<-chan Update, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("catstore: watch %s: %w", f.path, err)
	}
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("catstore: watch %s: %w", filepath.Dir(f.path), err)
	}

	out := make(chan Update, 1)
	go func() {
		defer close(out)
		defer watcher.Close()

		timer := time.NewTimer(f.debounce)
		timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return

			case ev, ok := <-watcher.Events:
				if !ok {
					deliver(out, Update{Err: errors.New("catstore: file watch closed")})
					return
				}
				if filepath.Base(ev.Name) != f.base {
					continue
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				timer.Reset(f.debounce)

			case err, ok := <-watcher.Errors:
				if !ok {
					deliver(out, Update{Err: errors.New("catstore: file watch closed")})
					return
				}
				// Overflow and similar conditions are recoverable; the
				// next settled event re-reads the document anyway.
				f.logger.Warn("catstore: file watch error", "path", f.path, "error", err)

			case <-timer.C:
				cat, _, err := f.ReadCatalog(ctx)
				if err != nil {
					f.logger.Warn("catstore: re-read after change failed", "error", err)
				}
				deliver(out, Update{Catalog: cat, Err: err})
			}
		}
	}()
	return out, nil
}
