package modelstore

import (
	"context"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// NewDir opens a store rooted at a local directory, creating it (with
// parents) if needed. Processes sharing the directory coordinate
// through a lock file inside it.
func NewDir(dir string) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	return &Store{
		blob: dirBlob{root: abs},
		lock: flock.New(filepath.Join(abs, "lock")),
	}, nil
}

// dirBlob stores artifact files in a flat local directory.
type dirBlob struct {
	root string
}

// put writes through a temp file and renames, so a reader never
// observes a half-written file.
func (d dirBlob) put(_ context.Context, name string, data []byte) error {
	full := filepath.Join(d.root, name)
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, full)
}

func (d dirBlob) get(_ context.Context, name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(d.root, name))
}
