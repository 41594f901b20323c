// Package modelstore persists trained classifier models across restarts.
//
// An artifact is two objects: params.bin, the msgpack-encoded network
// parameters, and manifest.json, a small JSON document carrying the
// artifact version, the fingerprint of the catalog the model was
// trained on, and the vocabulary and class lists the parameters are
// shaped by. Save writes params.bin before manifest.json, making the
// manifest the commit point: a crash mid-save leaves at worst an
// orphaned params payload, never a committed manifest over missing
// data.
//
// Two backends are provided: a local directory, with a lock file so
// two processes cannot interleave writes, and S3-compatible object
// storage, where single-object writes are already atomic.
package modelstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/infisparks/aichat/pkg/neural"
)

// Object names within the store.
const (
	paramsName   = "params.bin"
	manifestName = "manifest.json"
)

// Artifact is one persisted model: the trained network parameters plus
// everything needed to rebuild the classifier around them.
type Artifact struct {
	// Version identifies this artifact. Assigned by NewArtifact.
	Version string

	// CreatedAt is when the artifact was stamped.
	CreatedAt time.Time

	// Fingerprint is the canonical fingerprint of the catalog the
	// model was trained on. Used to decide whether a persisted model
	// still matches the current catalog.
	Fingerprint string

	// Words is the vocabulary the network inputs are indexed by.
	Words []string

	// Classes is the label list the network outputs are indexed by.
	Classes []string

	// Params is the trained network state.
	Params *neural.Snapshot
}

// NewArtifact stamps freshly trained parameters with a version and
// creation time, ready for Save.
func NewArtifact(params *neural.Snapshot, words, classes []string, fingerprint string) *Artifact {
	return &Artifact{
		Version:     uuid.NewString(),
		CreatedAt:   time.Now().UTC(),
		Fingerprint: fingerprint,
		Words:       words,
		Classes:     classes,
		Params:      params,
	}
}

// manifest is the on-store JSON form of everything but the params.
// Layers duplicates the hidden sizes from the params so a mismatched
// pair is detected without trusting the binary payload.
type manifest struct {
	Version     string    `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	Fingerprint string    `json:"fingerprint"`
	Words       []string  `json:"words"`
	Classes     []string  `json:"classes"`
	Layers      []int     `json:"layers"`
}

// blob is the byte-oriented object store the artifact lives in.
// get returns an error wrapping os.ErrNotExist for a missing name.
type blob interface {
	put(ctx context.Context, name string, data []byte) error
	get(ctx context.Context, name string) ([]byte, error)
}

// Store reads and writes the single current artifact of a backend.
// Safe for concurrent use.
type Store struct {
	blob blob

	// lock guards cross-process access for backends that need it.
	// Nil for backends whose writes are atomic on their own.
	lock *flock.Flock
}

// Save persists the artifact, replacing any previous one. The params
// payload goes first; the manifest write commits the artifact.
func (s *Store) Save(ctx context.Context, art *Artifact) error {
	if art == nil || art.Params == nil {
		return errors.New("modelstore: artifact has no params")
	}
	unlock, err := s.acquire(ctx, false)
	if err != nil {
		return err
	}
	defer unlock()

	params, err := msgpack.Marshal(art.Params)
	if err != nil {
		return fmt.Errorf("modelstore: encode params: %w", err)
	}
	if err := s.blob.put(ctx, paramsName, params); err != nil {
		return fmt.Errorf("modelstore: write %s: %w", paramsName, err)
	}

	m := manifest{
		Version:     art.Version,
		CreatedAt:   art.CreatedAt,
		Fingerprint: art.Fingerprint,
		Words:       art.Words,
		Classes:     art.Classes,
		Layers:      art.Params.Hidden,
	}
	data, err := json.MarshalIndent(&m, "", "  ")
	if err != nil {
		return fmt.Errorf("modelstore: encode manifest: %w", err)
	}
	if err := s.blob.put(ctx, manifestName, data); err != nil {
		return fmt.Errorf("modelstore: write %s: %w", manifestName, err)
	}
	return nil
}

// Load reads the persisted artifact. It returns (nil, nil) when no
// artifact exists; that is a cold start, not a fault. An artifact that
// is present but unreadable or internally inconsistent is an error.
func (s *Store) Load(ctx context.Context) (*Artifact, error) {
	unlock, err := s.acquire(ctx, true)
	if err != nil {
		return nil, err
	}
	defer unlock()

	data, err := s.blob.get(ctx, manifestName)
	if errors.Is(err, os.ErrNotExist) {
		// No manifest means no committed artifact. An orphaned params
		// payload from an interrupted save is invisible here and is
		// overwritten by the next Save.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("modelstore: read %s: %w", manifestName, err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("modelstore: decode %s: %w", manifestName, err)
	}

	raw, err := s.blob.get(ctx, paramsName)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("modelstore: artifact %s has a manifest but no %s", m.Version, paramsName)
	}
	if err != nil {
		return nil, fmt.Errorf("modelstore: read %s: %w", paramsName, err)
	}
	var params neural.Snapshot
	if err := msgpack.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("modelstore: decode %s: %w", paramsName, err)
	}

	if err := verify(&m, &params); err != nil {
		return nil, err
	}
	return &Artifact{
		Version:     m.Version,
		CreatedAt:   m.CreatedAt,
		Fingerprint: m.Fingerprint,
		Words:       m.Words,
		Classes:     m.Classes,
		Params:      &params,
	}, nil
}

// verify cross-checks the manifest against the decoded params so a
// mismatched pair never reaches the classifier.
func verify(m *manifest, p *neural.Snapshot) error {
	if len(m.Words) != p.Inputs {
		return fmt.Errorf("modelstore: manifest has %d words but params expect %d inputs", len(m.Words), p.Inputs)
	}
	if len(m.Classes) != p.Outputs {
		return fmt.Errorf("modelstore: manifest has %d classes but params expect %d outputs", len(m.Classes), p.Outputs)
	}
	if !slices.Equal(m.Layers, p.Hidden) {
		return fmt.Errorf("modelstore: manifest layers %v do not match params layers %v", m.Layers, p.Hidden)
	}
	return nil
}

// acquire takes the artifact lock when the backend has one: shared for
// reads, exclusive for writes. The returned func releases it.
func (s *Store) acquire(ctx context.Context, shared bool) (func(), error) {
	if s.lock == nil {
		return func() {}, nil
	}
	try := s.lock.TryLockContext
	if shared {
		try = s.lock.TryRLockContext
	}
	locked, err := try(ctx, 100*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("modelstore: acquire lock: %w", err)
	}
	if !locked {
		return nil, errors.New("modelstore: acquire lock: not acquired")
	}
	return func() { _ = s.lock.Unlock() }, nil
}
