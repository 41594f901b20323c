// Package brain owns the serving lifecycle of the intent classifier.
// One engine holds the currently serving model and catalog in an
// atomically swapped snapshot, answers classification requests against
// it, and retrains in a single worker loop whenever the catalog
// changes. Requests keep hitting the previous snapshot while a retrain
// is in flight.
package brain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/infisparks/aichat/pkg/catstore"
	"github.com/infisparks/aichat/pkg/classifier"
	"github.com/infisparks/aichat/pkg/intent"
	"github.com/infisparks/aichat/pkg/modelstore"
)

var (
	// ErrNotReady is returned by Classify before any model is
	// available. Callers typically map it to a retry-later response.
	ErrNotReady = errors.New("brain: no model ready")

	// ErrUnknownIntent is returned when the model predicts a tag the
	// serving catalog does not define. It indicates a bug: model and
	// catalog are swapped together and should never disagree.
	ErrUnknownIntent = errors.New("brain: predicted tag not in catalog")
)

// DefaultConfidenceFloor is the confidence below which a prediction is
// redirected to the default intent.
const DefaultConfidenceFloor = 0.7

// Reply is the outcome of a classification.
type Reply struct {
	// Tag is the intent that produced the response. When the model's
	// confidence is below the floor this is the default tag, not the
	// model's pick.
	Tag string `json:"tag"`

	// Response is one of the intent's canned responses.
	Response string `json:"response"`

	// Confidence is the model's top softmax probability. It reports
	// the raw value even when the floor redirected the reply.
	Confidence float64 `json:"confidence"`
}

// Config configures an Engine.
type Config struct {
	// Catalog is where intent definitions live. Required.
	Catalog catstore.Store

	// Models persists trained artifacts across restarts. Optional. If
	// nil, every start is a cold start and nothing is saved.
	Models *modelstore.Store

	// Training tunes the classifier. The zero value uses production
	// defaults.
	Training classifier.Options

	// ConfidenceFloor redirects low-confidence predictions to the
	// default intent. Optional. If zero, uses DefaultConfidenceFloor;
	// a negative value disables the floor.
	ConfidenceFloor float64

	// DefaultTag is the intent that answers low-confidence requests.
	// Optional. If empty, uses intent.DefaultTag.
	DefaultTag string

	// PickResponse chooses among an intent's responses. Optional. If
	// nil, picks uniformly at random. Tests inject a deterministic
	// picker here.
	PickResponse func(n int) int

	// Logger is optional. If nil, uses slog.Default().
	Logger *slog.Logger
}

// snapshot is the immutable pair a request sees: a model and the
// catalog it was trained from. The two are swapped together so a
// predicted tag always resolves to its responses.
type snapshot struct {
	model       *classifier.Model
	catalog     intent.Catalog
	byTag       map[string]intent.Intent
	fingerprint string
	version     string
	trainedAt   time.Time
}

// Engine serves classifications and keeps the model in sync with the
// catalog. Create one with New, start its worker with Run.
type Engine struct {
	catalog    catstore.Store
	models     *modelstore.Store
	training   classifier.Options
	floor      float64
	defaultTag string
	pick       func(n int) int
	logger     *slog.Logger

	current atomic.Pointer[snapshot]
	state   atomic.Int32

	// submitMu serializes SubmitCatalog's read-merge-write so two
	// concurrent submissions cannot lose each other's intents.
	submitMu sync.Mutex

	subMu sync.Mutex
	subs  []chan Event
}

// New creates an engine. It panics if cfg.Catalog is nil.
func New(cfg Config) *Engine {
	if cfg.Catalog == nil {
		panic("brain: Config.Catalog is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Training.Logger == nil {
		cfg.Training.Logger = logger
	}
	floor := cfg.ConfidenceFloor
	if floor == 0 {
		floor = DefaultConfidenceFloor
	}
	defaultTag := cfg.DefaultTag
	if defaultTag == "" {
		defaultTag = intent.DefaultTag
	}
	pick := cfg.PickResponse
	if pick == nil {
		pick = rand.IntN
	}
	e := &Engine{
		catalog:    cfg.Catalog,
		models:     cfg.Models,
		training:   cfg.Training,
		floor:      floor,
		defaultTag: defaultTag,
		pick:       pick,
		logger:     logger,
	}
	e.state.Store(int32(StateCold))
	return e
}

// Classify predicts the intent of an utterance and answers with one of
// its responses. Predictions below the confidence floor are redirected
// to the default intent; the reported confidence stays the model's raw
// value either way.
//
// It returns ErrNotReady before the first model is available and
// ErrUnknownIntent if the resolved tag is missing from the serving
// catalog.
func (e *Engine) Classify(utterance string) (Reply, error) {
	snap := e.current.Load()
	if snap == nil {
		return Reply{}, ErrNotReady
	}
	tag, confidence := snap.model.Predict(utterance)
	if confidence < e.floor {
		tag = e.defaultTag
	}
	in, ok := snap.byTag[tag]
	if !ok || len(in.Responses) == 0 {
		return Reply{}, fmt.Errorf("%w: %q", ErrUnknownIntent, tag)
	}
	return Reply{
		Tag:        tag,
		Response:   in.Responses[e.pick(len(in.Responses))],
		Confidence: confidence,
	}, nil
}

// SubmitCatalog merges incoming intents into the stored catalog, keyed
// by tag: an incoming tag replaces the stored record wholesale, a new
// tag is appended, stored tags absent from the submission survive. The
// merged catalog is validated before anything is written; on a
// *intent.ValidationError the store is untouched.
//
// Returning does not mean a model is serving the new intents yet; the
// running worker picks the write up and retrains.
func (e *Engine) SubmitCatalog(ctx context.Context, incoming intent.Catalog) (intent.Catalog, error) {
	e.submitMu.Lock()
	defer e.submitMu.Unlock()

	existing, _, err := e.catalog.ReadCatalog(ctx)
	if err != nil {
		return intent.Catalog{}, fmt.Errorf("brain: read catalog: %w", err)
	}
	merged := intent.Merge(existing, incoming)
	if err := intent.Validate(merged); err != nil {
		return intent.Catalog{}, err
	}
	if err := e.catalog.WriteCatalog(ctx, merged); err != nil {
		return intent.Catalog{}, fmt.Errorf("brain: write catalog: %w", err)
	}
	return merged, nil
}

// Catalog returns the stored catalog. It reads the store rather than
// the serving snapshot, so it reflects writes the worker has not
// trained on yet.
func (e *Engine) Catalog(ctx context.Context) (intent.Catalog, error) {
	c, _, err := e.catalog.ReadCatalog(ctx)
	if err != nil {
		return intent.Catalog{}, fmt.Errorf("brain: read catalog: %w", err)
	}
	return c, nil
}

// Status is a point-in-time summary of the engine.
type Status struct {
	State        State     `json:"state"`
	Fingerprint  string    `json:"fingerprint,omitempty"`
	ModelVersion string    `json:"model_version,omitempty"`
	TrainedAt    time.Time `json:"trained_at,omitzero"`
	Intents      int       `json:"intents"`
	Words        int       `json:"words"`
	Classes      int       `json:"classes"`
}

// Status reports the engine state and, when a model is serving, its
// identity and dimensions.
func (e *Engine) Status() Status {
	st := Status{State: e.State()}
	if snap := e.current.Load(); snap != nil {
		st.Fingerprint = snap.fingerprint
		st.ModelVersion = snap.version
		st.TrainedAt = snap.trainedAt
		st.Intents = len(snap.catalog.Intents)
		st.Words = snap.model.Vocabulary().Len()
		st.Classes = len(snap.model.Labels())
	}
	return st
}

func indexCatalog(c intent.Catalog) map[string]intent.Intent {
	byTag := make(map[string]intent.Intent, len(c.Intents))
	for _, in := range c.Intents {
		byTag[in.Tag] = in
	}
	return byTag
}
