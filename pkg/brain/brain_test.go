package brain_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/infisparks/aichat/pkg/brain"
	"github.com/infisparks/aichat/pkg/catstore"
	"github.com/infisparks/aichat/pkg/intent"
	"github.com/infisparks/aichat/pkg/modelstore"
)

func testCatalog() intent.Catalog {
	return intent.Catalog{Intents: []intent.Intent{
		{Tag: "greet", Patterns: []string{"hi", "hello", "good morning"}, Responses: []string{"Hello!", "Hi!"}},
		{Tag: "bye", Patterns: []string{"bye", "goodbye", "see you later"}, Responses: []string{"Bye!"}},
		{Tag: "default", Patterns: []string{"x"}, Responses: []string{"Sorry?"}},
	}}
}

func testConfig(cs catstore.Store) brain.Config {
	return brain.Config{
		Catalog:      cs,
		PickResponse: func(n int) int { return 0 },
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// startEngine runs the engine's worker for the duration of the test and
// returns an event channel subscribed before the worker starts, so no
// transition can be missed.
func startEngine(t *testing.T, cfg brain.Config) (*brain.Engine, <-chan brain.Event) {
	t.Helper()
	e := brain.New(cfg)
	events, stop := e.Watch(32)
	t.Cleanup(stop)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Run did not stop after cancel")
		}
	})
	return e, events
}

// waitFor drains events until one matches the wanted state (and
// fingerprint, when non-empty).
func waitFor(t *testing.T, events <-chan brain.Event, state brain.State, fingerprint string) brain.Event {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed while waiting for %v", state)
			}
			if ev.State == state && (fingerprint == "" || ev.Fingerprint == fingerprint) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %v", state)
		}
	}
}

// nextEvent returns the next event, whatever it is.
func nextEvent(t *testing.T, events <-chan brain.Event) brain.Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for an event")
	}
	return brain.Event{}
}

func TestNewRequiresCatalogStore(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("New(Config{}) did not panic")
		}
	}()
	brain.New(brain.Config{})
}

func TestClassifyBeforeModelReady(t *testing.T) {
	e := brain.New(testConfig(catstore.NewMemory()))
	if got := e.State(); got != brain.StateCold {
		t.Fatalf("State = %v, want cold", got)
	}
	if _, err := e.Classify("hello"); !errors.Is(err, brain.ErrNotReady) {
		t.Fatalf("Classify before training = %v, want ErrNotReady", err)
	}
}

func TestRunTrainsOnCatalogWrite(t *testing.T) {
	ctx := context.Background()
	cs := catstore.NewMemory()
	e, events := startEngine(t, testConfig(cs))

	cat := testCatalog()
	if _, err := e.SubmitCatalog(ctx, cat); err != nil {
		t.Fatalf("SubmitCatalog: %v", err)
	}
	waitFor(t, events, brain.StateRetraining, cat.Fingerprint())
	ev := waitFor(t, events, brain.StateReady, cat.Fingerprint())
	if ev.ModelVersion == "" {
		t.Fatal("ready event carries no model version")
	}

	reply, err := e.Classify("good morning")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if reply.Tag != "greet" || reply.Response != "Hello!" {
		t.Fatalf("Classify = %+v, want tag greet with first response", reply)
	}
	if reply.Confidence < 0.7 {
		t.Fatalf("Classify confidence = %.3f, want >= 0.7", reply.Confidence)
	}

	st := e.Status()
	if st.State != brain.StateReady || st.Fingerprint != cat.Fingerprint() {
		t.Fatalf("Status = %+v, want ready at %s", st, cat.Fingerprint())
	}
	if st.Intents != 3 || st.Classes != 3 || st.Words == 0 {
		t.Fatalf("Status dimensions = %+v", st)
	}
	if st.TrainedAt.IsZero() {
		t.Fatal("Status.TrainedAt is zero")
	}
}

func TestClassifyFloorFallsBackToDefault(t *testing.T) {
	cfg := testConfig(catstore.NewMemory())
	cfg.ConfidenceFloor = 2 // nothing clears it
	e, events := startEngine(t, cfg)

	cat := testCatalog()
	if _, err := e.SubmitCatalog(context.Background(), cat); err != nil {
		t.Fatalf("SubmitCatalog: %v", err)
	}
	waitFor(t, events, brain.StateReady, cat.Fingerprint())

	reply, err := e.Classify("good morning")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if reply.Tag != "default" || reply.Response != "Sorry?" {
		t.Fatalf("Classify below floor = %+v, want the default intent", reply)
	}
	if reply.Confidence <= 0 || reply.Confidence > 1 {
		t.Fatalf("Classify confidence = %v, want the raw model value", reply.Confidence)
	}
}

func TestClassifyUnknownDefaultTag(t *testing.T) {
	cfg := testConfig(catstore.NewMemory())
	cfg.ConfidenceFloor = 2
	cfg.DefaultTag = "no-such-intent"
	e, events := startEngine(t, cfg)

	cat := testCatalog()
	if _, err := e.SubmitCatalog(context.Background(), cat); err != nil {
		t.Fatalf("SubmitCatalog: %v", err)
	}
	waitFor(t, events, brain.StateReady, cat.Fingerprint())

	if _, err := e.Classify("good morning"); !errors.Is(err, brain.ErrUnknownIntent) {
		t.Fatalf("Classify = %v, want ErrUnknownIntent", err)
	}
}

func TestSubmitCatalogMergesByTag(t *testing.T) {
	ctx := context.Background()
	e := brain.New(testConfig(catstore.NewMemory()))

	if _, err := e.SubmitCatalog(ctx, testCatalog()); err != nil {
		t.Fatalf("seed SubmitCatalog: %v", err)
	}
	merged, err := e.SubmitCatalog(ctx, intent.Catalog{Intents: []intent.Intent{
		{Tag: "greet", Patterns: []string{"howdy"}, Responses: []string{"Howdy!"}},
		{Tag: "thanks", Patterns: []string{"thank you"}, Responses: []string{"Welcome!"}},
	}})
	if err != nil {
		t.Fatalf("SubmitCatalog: %v", err)
	}

	if got, want := merged.Tags(), []string{"greet", "bye", "default", "thanks"}; !slices.Equal(got, want) {
		t.Fatalf("merged tags = %v, want %v", got, want)
	}
	greet, _ := merged.Find("greet")
	if !slices.Equal(greet.Patterns, []string{"howdy"}) {
		t.Fatalf("greet patterns = %v, want the replacement only", greet.Patterns)
	}

	stored, err := e.Catalog(ctx)
	if err != nil {
		t.Fatalf("Catalog: %v", err)
	}
	if stored.Fingerprint() != merged.Fingerprint() {
		t.Fatal("stored catalog differs from the returned merge")
	}
}

func TestSubmitCatalogRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	e := brain.New(testConfig(catstore.NewMemory()))

	seeded, err := e.SubmitCatalog(ctx, testCatalog())
	if err != nil {
		t.Fatalf("seed SubmitCatalog: %v", err)
	}

	_, err = e.SubmitCatalog(ctx, intent.Catalog{Intents: []intent.Intent{
		{Tag: "broken", Patterns: []string{"oops"}},
	}})
	var verr *intent.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("SubmitCatalog = %v, want *intent.ValidationError", err)
	}

	stored, err := e.Catalog(ctx)
	if err != nil {
		t.Fatalf("Catalog: %v", err)
	}
	if stored.Fingerprint() != seeded.Fingerprint() {
		t.Fatal("failed submission modified the store")
	}
}

func TestRunAdoptsMatchingPersistedModel(t *testing.T) {
	ctx := context.Background()
	cs := catstore.NewMemory()
	ms, err := modelstore.NewDir(t.TempDir())
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	cat := testCatalog()
	if err := cs.WriteCatalog(ctx, cat); err != nil {
		t.Fatalf("WriteCatalog: %v", err)
	}

	cfg := testConfig(cs)
	cfg.Models = ms
	first, err := brain.New(cfg).TrainOnce(ctx)
	if err != nil {
		t.Fatalf("TrainOnce: %v", err)
	}

	// A fresh engine over the same stores must serve the saved model
	// without retraining. An adopted model keeps its version; a retrain
	// would mint a new one.
	e, events := startEngine(t, cfg)
	ev := waitFor(t, events, brain.StateReady, cat.Fingerprint())
	if ev.ModelVersion != first.ModelVersion {
		t.Fatalf("restart serves version %s, want adopted %s", ev.ModelVersion, first.ModelVersion)
	}

	reply, err := e.Classify("goodbye")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if reply.Tag != "bye" {
		t.Fatalf("Classify after restore = %+v, want bye", reply)
	}
}

func TestRunRetrainsWhenCatalogChangedOffline(t *testing.T) {
	ctx := context.Background()
	cs := catstore.NewMemory()
	ms, err := modelstore.NewDir(t.TempDir())
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	if err := cs.WriteCatalog(ctx, testCatalog()); err != nil {
		t.Fatalf("WriteCatalog: %v", err)
	}

	cfg := testConfig(cs)
	cfg.Models = ms
	first, err := brain.New(cfg).TrainOnce(ctx)
	if err != nil {
		t.Fatalf("TrainOnce: %v", err)
	}

	grown := testCatalog()
	grown.Intents = append(grown.Intents, intent.Intent{
		Tag: "thanks", Patterns: []string{"thank you", "many thanks"}, Responses: []string{"Welcome!"},
	})
	if err := cs.WriteCatalog(ctx, grown); err != nil {
		t.Fatalf("WriteCatalog: %v", err)
	}

	e, events := startEngine(t, cfg)
	ev := waitFor(t, events, brain.StateReady, grown.Fingerprint())
	if ev.ModelVersion == first.ModelVersion {
		t.Fatal("stale persisted model was adopted despite a changed catalog")
	}

	reply, err := e.Classify("thank you")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if reply.Tag != "thanks" {
		t.Fatalf("Classify = %+v, want thanks", reply)
	}
}

func TestRunKeepsServingWhenTrainingFails(t *testing.T) {
	ctx := context.Background()
	cs := catstore.NewMemory()
	e, events := startEngine(t, testConfig(cs))

	cat := testCatalog()
	if _, err := e.SubmitCatalog(ctx, cat); err != nil {
		t.Fatalf("SubmitCatalog: %v", err)
	}
	waitFor(t, events, brain.StateReady, cat.Fingerprint())

	// Valid shape, but every token is a single rune, so the vocabulary
	// comes out empty and training aborts.
	unusable := intent.Catalog{Intents: []intent.Intent{
		{Tag: "letters", Patterns: []string{"a b", "c"}, Responses: []string{"?"}},
	}}
	if err := cs.WriteCatalog(ctx, unusable); err != nil {
		t.Fatalf("WriteCatalog: %v", err)
	}
	waitFor(t, events, brain.StateRetraining, unusable.Fingerprint())
	waitFor(t, events, brain.StateReady, cat.Fingerprint())

	st := e.Status()
	if st.Fingerprint != cat.Fingerprint() {
		t.Fatalf("Status.Fingerprint = %s, want the previous catalog %s", st.Fingerprint, cat.Fingerprint())
	}
	reply, err := e.Classify("good morning")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if reply.Tag != "greet" {
		t.Fatalf("Classify = %+v, want the previous model's answer", reply)
	}
}

func TestRunRejectsInvalidCatalogWrite(t *testing.T) {
	ctx := context.Background()
	cs := catstore.NewMemory()
	e, events := startEngine(t, testConfig(cs))

	cat := testCatalog()
	if _, err := e.SubmitCatalog(ctx, cat); err != nil {
		t.Fatalf("SubmitCatalog: %v", err)
	}
	waitFor(t, events, brain.StateReady, cat.Fingerprint())

	// Bypasses SubmitCatalog's validation, like a hand-edited file
	// backend would.
	invalid := intent.Catalog{Intents: []intent.Intent{
		{Tag: "dup", Patterns: []string{"one way"}, Responses: []string{"a"}},
		{Tag: "dup", Patterns: []string{"or another"}, Responses: []string{"b"}},
	}}
	if err := cs.WriteCatalog(ctx, invalid); err != nil {
		t.Fatalf("WriteCatalog: %v", err)
	}

	fixed := testCatalog()
	fixed.Intents = append(fixed.Intents, intent.Intent{
		Tag: "thanks", Patterns: []string{"thank you"}, Responses: []string{"Welcome!"},
	})
	if err := cs.WriteCatalog(ctx, fixed); err != nil {
		t.Fatalf("WriteCatalog: %v", err)
	}

	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Fingerprint == invalid.Fingerprint() {
				t.Fatalf("engine entered %v on an invalid catalog", ev.State)
			}
			if ev.State == brain.StateReady && ev.Fingerprint == fixed.Fingerprint() {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for the corrected catalog to serve")
		}
	}
}

func TestRunConvergesOnNewestCatalog(t *testing.T) {
	ctx := context.Background()
	cs := catstore.NewMemory()
	e, events := startEngine(t, testConfig(cs))

	versions := make([]intent.Catalog, 3)
	for i := range versions {
		c := testCatalog()
		c.Intents[0].Responses = []string{"Hello!", "rev", string(rune('a' + i))}
		versions[i] = c
		if err := cs.WriteCatalog(ctx, c); err != nil {
			t.Fatalf("WriteCatalog %d: %v", i, err)
		}
	}

	newest := versions[len(versions)-1]
	waitFor(t, events, brain.StateReady, newest.Fingerprint())
	if got := e.Status().Fingerprint; got != newest.Fingerprint() {
		t.Fatalf("Status.Fingerprint = %s, want the newest write %s", got, newest.Fingerprint())
	}
}

// subStore hands Run a subscription channel the test controls.
type subStore struct {
	updates chan catstore.Update
}

func (s *subStore) ReadCatalog(context.Context) (intent.Catalog, bool, error) {
	return intent.Catalog{}, false, nil
}

func (s *subStore) WriteCatalog(context.Context, intent.Catalog) error { return nil }

func (s *subStore) Subscribe(context.Context) (<-chan catstore.Update, error) {
	return s.updates, nil
}

func TestRunSubscriptionDeathIsFatal(t *testing.T) {
	t.Run("after error", func(t *testing.T) {
		store := &subStore{updates: make(chan catstore.Update, 2)}
		e := brain.New(testConfig(store))
		done := make(chan error, 1)
		go func() { done <- e.Run(context.Background()) }()

		errBoom := errors.New("backend gone")
		store.updates <- catstore.Update{Err: errBoom}
		close(store.updates)

		select {
		case err := <-done:
			if !errors.Is(err, errBoom) {
				t.Fatalf("Run = %v, want the subscription error", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not exit after the subscription died")
		}
	})

	t.Run("silent close", func(t *testing.T) {
		store := &subStore{updates: make(chan catstore.Update)}
		e := brain.New(testConfig(store))
		done := make(chan error, 1)
		go func() { done <- e.Run(context.Background()) }()

		close(store.updates)

		select {
		case err := <-done:
			if err == nil || !strings.Contains(err.Error(), "catalog subscription") {
				t.Fatalf("Run = %v, want a subscription error", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not exit after the subscription closed")
		}
	})
}

func TestRunSurvivesTransientUpdateError(t *testing.T) {
	store := &subStore{updates: make(chan catstore.Update, 2)}
	e, events := startEngine(t, testConfig(store))

	store.updates <- catstore.Update{Err: errors.New("blip")}
	cat := testCatalog()
	store.updates <- catstore.Update{Catalog: cat}

	waitFor(t, events, brain.StateReady, cat.Fingerprint())
	if _, err := e.Classify("hello"); err != nil {
		t.Fatalf("Classify after transient error: %v", err)
	}
}

func TestRunIdenticalUpdateTrainsOnce(t *testing.T) {
	store := &subStore{updates: make(chan catstore.Update)}
	_, events := startEngine(t, testConfig(store))

	cat := testCatalog()
	store.updates <- catstore.Update{Catalog: cat}
	waitFor(t, events, brain.StateReady, cat.Fingerprint())

	// The channel is unbuffered, so once the next send completes the
	// worker has consumed the byte-identical catalog.
	store.updates <- catstore.Update{Catalog: testCatalog()}

	changed := testCatalog()
	changed.Intents[0].Responses = append(changed.Intents[0].Responses, "Hey there!")
	store.updates <- catstore.Update{Catalog: changed}

	ev := nextEvent(t, events)
	if ev.State != brain.StateRetraining || ev.Fingerprint != changed.Fingerprint() {
		t.Fatalf("event after identical update = %+v, want retraining at %s", ev, changed.Fingerprint())
	}
	waitFor(t, events, brain.StateReady, changed.Fingerprint())
}

func TestTrainOnce(t *testing.T) {
	ctx := context.Background()
	cs := catstore.NewMemory()
	ms, err := modelstore.NewDir(t.TempDir())
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	cat := testCatalog()
	if err := cs.WriteCatalog(ctx, cat); err != nil {
		t.Fatalf("WriteCatalog: %v", err)
	}

	cfg := testConfig(cs)
	cfg.Models = ms
	e := brain.New(cfg)

	st, err := e.TrainOnce(ctx)
	if err != nil {
		t.Fatalf("TrainOnce: %v", err)
	}
	if st.State != brain.StateReady || st.Fingerprint != cat.Fingerprint() {
		t.Fatalf("TrainOnce status = %+v", st)
	}

	art, err := ms.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if art == nil || art.Version != st.ModelVersion || art.Fingerprint != cat.Fingerprint() {
		t.Fatalf("persisted artifact = %+v, want version %s", art, st.ModelVersion)
	}
}

func TestTrainOnceWithoutCatalog(t *testing.T) {
	e := brain.New(testConfig(catstore.NewMemory()))
	if _, err := e.TrainOnce(context.Background()); err == nil {
		t.Fatal("TrainOnce on an empty store succeeded")
	}
	if e.State() != brain.StateCold {
		t.Fatalf("State = %v, want cold", e.State())
	}
}

func TestTrainOnceRejectsInvalidCatalog(t *testing.T) {
	ctx := context.Background()
	cs := catstore.NewMemory()
	invalid := intent.Catalog{Intents: []intent.Intent{
		{Tag: "dup", Patterns: []string{"one"}, Responses: []string{"a"}},
		{Tag: "dup", Patterns: []string{"two"}, Responses: []string{"b"}},
	}}
	if err := cs.WriteCatalog(ctx, invalid); err != nil {
		t.Fatalf("WriteCatalog: %v", err)
	}

	e := brain.New(testConfig(cs))
	_, err := e.TrainOnce(ctx)
	var verr *intent.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("TrainOnce = %v, want *intent.ValidationError", err)
	}
}

func TestRestoreServesSavedModel(t *testing.T) {
	ctx := context.Background()
	cs := catstore.NewMemory()
	ms, err := modelstore.NewDir(t.TempDir())
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	cat := testCatalog()
	if err := cs.WriteCatalog(ctx, cat); err != nil {
		t.Fatalf("WriteCatalog: %v", err)
	}

	cfg := testConfig(cs)
	cfg.Models = ms
	first, err := brain.New(cfg).TrainOnce(ctx)
	if err != nil {
		t.Fatalf("TrainOnce: %v", err)
	}

	e := brain.New(cfg)
	if err := e.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if st := e.Status(); st.State != brain.StateReady || st.ModelVersion != first.ModelVersion {
		t.Fatalf("Status after Restore = %+v, want ready with version %s", st, first.ModelVersion)
	}
	reply, err := e.Classify("hello")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if reply.Tag != "greet" {
		t.Fatalf("Classify = %+v, want greet", reply)
	}
}

func TestRestoreRefusesStaleModel(t *testing.T) {
	ctx := context.Background()
	cs := catstore.NewMemory()
	ms, err := modelstore.NewDir(t.TempDir())
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	if err := cs.WriteCatalog(ctx, testCatalog()); err != nil {
		t.Fatalf("WriteCatalog: %v", err)
	}

	cfg := testConfig(cs)
	cfg.Models = ms
	if _, err := brain.New(cfg).TrainOnce(ctx); err != nil {
		t.Fatalf("TrainOnce: %v", err)
	}

	grown := testCatalog()
	grown.Intents = append(grown.Intents, intent.Intent{
		Tag: "thanks", Patterns: []string{"thank you"}, Responses: []string{"Welcome!"},
	})
	if err := cs.WriteCatalog(ctx, grown); err != nil {
		t.Fatalf("WriteCatalog: %v", err)
	}

	e := brain.New(cfg)
	if err := e.Restore(ctx); err == nil || !strings.Contains(err.Error(), "retrain") {
		t.Fatalf("Restore with a stale model = %v, want a retrain hint", err)
	}
	if e.State() != brain.StateCold {
		t.Fatalf("State = %v, want cold", e.State())
	}
}

func TestRestoreWithoutModel(t *testing.T) {
	ctx := context.Background()
	cs := catstore.NewMemory()
	if err := cs.WriteCatalog(ctx, testCatalog()); err != nil {
		t.Fatalf("WriteCatalog: %v", err)
	}

	// No model store configured.
	if err := brain.New(testConfig(cs)).Restore(ctx); err == nil {
		t.Fatal("Restore without a model store succeeded")
	}

	// Model store configured but empty.
	ms, err := modelstore.NewDir(t.TempDir())
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	cfg := testConfig(cs)
	cfg.Models = ms
	if err := brain.New(cfg).Restore(ctx); err == nil {
		t.Fatal("Restore from an empty model store succeeded")
	}
}

func TestWatchCancel(t *testing.T) {
	e := brain.New(testConfig(catstore.NewMemory()))
	ch, cancel := e.Watch(1)
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("event channel still open after cancel")
	}
	cancel() // second cancel is a no-op
}
