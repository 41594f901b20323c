package brain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/infisparks/aichat/pkg/classifier"
	"github.com/infisparks/aichat/pkg/intent"
	"github.com/infisparks/aichat/pkg/modelstore"
)

// Run keeps the model in sync with the catalog until ctx is cancelled.
// It subscribes to catalog changes before the initial read so no write
// can fall between the two, restores a persisted model when its
// fingerprint still matches the catalog, and otherwise retrains. All
// training happens on this one goroutine; a burst of writes collapses
// into a single retrain on the newest catalog.
//
// Run returns nil on cancellation and an error only when the catalog
// subscription dies, which leaves the engine unable to observe further
// changes.
func (e *Engine) Run(ctx context.Context) error {
	updates, err := e.catalog.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("brain: subscribe catalog: %w", err)
	}

	restored, err := e.loadPersisted(ctx)
	if err != nil {
		e.logger.Warn("brain: persisted model unusable, starting cold", "error", err)
	}

	// The first catalog decides the restored model's fate: adopt it if
	// the fingerprint still matches, retrain if not. Either way the
	// question is settled once.
	handle := func(cat intent.Catalog) {
		if r := restored; r != nil {
			restored = nil
			if r.fingerprint == cat.Fingerprint() && intent.Validate(cat) == nil {
				e.adopt(r, cat)
				return
			}
		}
		e.reconcile(ctx, cat)
	}

	cat, exists, err := e.catalog.ReadCatalog(ctx)
	switch {
	case err != nil:
		e.logger.Warn("brain: initial catalog read failed, waiting for updates", "error", err)
	case exists:
		handle(cat)
	default:
		e.logger.Info("brain: no catalog yet, waiting for first write")
	}

	var subErr error
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				if subErr == nil {
					subErr = errors.New("subscription closed")
				}
				return fmt.Errorf("brain: catalog subscription: %w", subErr)
			}
			if u.Err != nil {
				subErr = u.Err
				e.logger.Warn("brain: catalog update failed", "error", u.Err)
				continue
			}
			subErr = nil
			handle(u.Catalog)
		}
	}
}

// restoredModel is a persisted artifact waiting for a catalog. The
// artifact carries patterns' worth of weights but no responses, so it
// cannot serve until paired with the catalog it was trained from.
type restoredModel struct {
	model       *classifier.Model
	fingerprint string
	version     string
	trainedAt   time.Time
}

func (e *Engine) loadPersisted(ctx context.Context) (*restoredModel, error) {
	if e.models == nil {
		return nil, nil
	}
	art, err := e.models.Load(ctx)
	if err != nil {
		return nil, err
	}
	if art == nil {
		return nil, nil
	}
	model, err := classifier.Restore(art.Params, art.Words, art.Classes)
	if err != nil {
		return nil, err
	}
	return &restoredModel{
		model:       model,
		fingerprint: art.Fingerprint,
		version:     art.Version,
		trainedAt:   art.CreatedAt,
	}, nil
}

// Restore serves the persisted artifact against the stored catalog
// without training. It fails when either half is missing or when the
// artifact no longer matches the catalog; callers that want a fresh
// model use TrainOnce instead.
func (e *Engine) Restore(ctx context.Context) error {
	r, err := e.loadPersisted(ctx)
	if err != nil {
		return fmt.Errorf("brain: load persisted model: %w", err)
	}
	if r == nil {
		return errors.New("brain: no persisted model")
	}
	cat, exists, err := e.catalog.ReadCatalog(ctx)
	if err != nil {
		return fmt.Errorf("brain: read catalog: %w", err)
	}
	if !exists {
		return errors.New("brain: no catalog to serve")
	}
	if err := intent.Validate(cat); err != nil {
		return err
	}
	if fp := cat.Fingerprint(); r.fingerprint != fp {
		return fmt.Errorf("brain: persisted model was trained on %s but the catalog is now %s, retrain first",
			r.fingerprint, fp)
	}
	e.adopt(r, cat)
	return nil
}

// adopt serves a restored model whose fingerprint matches the catalog,
// skipping the retrain a cold start would otherwise pay.
func (e *Engine) adopt(r *restoredModel, cat intent.Catalog) {
	e.current.Store(&snapshot{
		model:       r.model,
		catalog:     cat.Clone(),
		byTag:       indexCatalog(cat),
		fingerprint: r.fingerprint,
		version:     r.version,
		trainedAt:   r.trainedAt,
	})
	e.setState(StateReady, r.fingerprint, r.version)
	e.logger.Info("brain: persisted model adopted", "version", r.version, "fingerprint", r.fingerprint)
}

// reconcile brings the serving snapshot in line with cat. Failures are
// logged, never fatal: a bad catalog or a failed training run leaves
// the previous model serving.
func (e *Engine) reconcile(ctx context.Context, cat intent.Catalog) {
	fp := cat.Fingerprint()
	if snap := e.current.Load(); snap != nil && snap.fingerprint == fp {
		return
	}
	if err := intent.Validate(cat); err != nil {
		e.logger.Error("brain: catalog rejected, keeping current model", "error", err)
		return
	}
	e.setState(StateRetraining, fp, "")
	model, err := classifier.Train(ctx, cat, e.training)
	if err != nil {
		e.logger.Error("brain: training failed, keeping current model", "error", err)
		e.revert()
		return
	}
	if err := e.swap(ctx, model, cat, fp); err != nil {
		e.logger.Warn("brain: model persist failed, serving from memory", "error", err)
	}
}

// swap publishes the freshly trained model and persists it. The
// snapshot is already serving when the returned persistence error, if
// any, is reported.
func (e *Engine) swap(ctx context.Context, model *classifier.Model, cat intent.Catalog, fp string) error {
	art := modelstore.NewArtifact(model.Snapshot(), model.Vocabulary().Words(), model.Labels(), fp)
	e.current.Store(&snapshot{
		model:       model,
		catalog:     cat.Clone(),
		byTag:       indexCatalog(cat),
		fingerprint: fp,
		version:     art.Version,
		trainedAt:   art.CreatedAt,
	})
	e.setState(StateReady, fp, art.Version)
	e.logger.Info("brain: model swapped in",
		"version", art.Version,
		"fingerprint", fp,
		"intents", len(cat.Intents),
	)
	if e.models == nil {
		return nil
	}
	if err := e.models.Save(ctx, art); err != nil {
		return fmt.Errorf("save artifact %s: %w", art.Version, err)
	}
	return nil
}

// revert returns the engine to the state implied by whatever snapshot
// survived a failed training run.
func (e *Engine) revert() {
	if snap := e.current.Load(); snap != nil {
		e.setState(StateReady, snap.fingerprint, snap.version)
		return
	}
	e.setState(StateCold, "", "")
}

// TrainOnce reads the catalog, trains, swaps the result in, and saves
// it. Unlike the Run loop it propagates persistence failures, so a
// one-shot training command exits nonzero when no artifact was
// written.
func (e *Engine) TrainOnce(ctx context.Context) (Status, error) {
	cat, exists, err := e.catalog.ReadCatalog(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("brain: read catalog: %w", err)
	}
	if !exists {
		return Status{}, errors.New("brain: no catalog to train on")
	}
	if err := intent.Validate(cat); err != nil {
		return Status{}, err
	}
	fp := cat.Fingerprint()
	e.setState(StateRetraining, fp, "")
	model, err := classifier.Train(ctx, cat, e.training)
	if err != nil {
		e.revert()
		return Status{}, err
	}
	if err := e.swap(ctx, model, cat, fp); err != nil {
		return e.Status(), fmt.Errorf("brain: %w", err)
	}
	return e.Status(), nil
}
