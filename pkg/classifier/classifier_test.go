package classifier_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/infisparks/aichat/pkg/classifier"
	"github.com/infisparks/aichat/pkg/intent"
)

func trainingCatalog() intent.Catalog {
	return intent.Catalog{Intents: []intent.Intent{
		{Tag: "greet", Patterns: []string{"hi", "hello", "good morning"}, Responses: []string{"Hello!"}},
		{Tag: "bye", Patterns: []string{"bye", "goodbye", "see you later"}, Responses: []string{"Bye!"}},
		{Tag: "default", Patterns: []string{"x"}, Responses: []string{"Sorry?"}},
	}}
}

func TestTrainAndPredict(t *testing.T) {
	m, err := classifier.Train(context.Background(), trainingCatalog(), classifier.Options{})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}

	tests := []struct {
		utterance string
		wantTag   string
	}{
		{"hello", "greet"},
		{"good morning", "greet"},
		{"goodbye", "bye"},
		{"see you later", "bye"},
	}
	for _, tt := range tests {
		tag, conf := m.Predict(tt.utterance)
		if tag != tt.wantTag {
			t.Errorf("Predict(%q) = %q (%.3f), want %q", tt.utterance, tag, conf, tt.wantTag)
		}
		if conf < 0.7 {
			t.Errorf("Predict(%q) confidence = %.3f, want >= 0.7", tt.utterance, conf)
		}
	}
}

// Out-of-vocabulary input encodes to the zero vector; only the intent
// trained on a zero vector (its sole pattern is a single rune) can claim
// it.
func TestPredictGibberishFallsToDefault(t *testing.T) {
	m, err := classifier.Train(context.Background(), trainingCatalog(), classifier.Options{})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	tag, _ := m.Predict("asdkfj")
	if tag != "default" {
		t.Fatalf("Predict(gibberish) = %q, want default", tag)
	}
}

func TestTrainErrors(t *testing.T) {
	tests := []struct {
		name    string
		catalog intent.Catalog
	}{
		{"empty catalog", intent.Catalog{}},
		{"no patterns anywhere", intent.Catalog{Intents: []intent.Intent{
			{Tag: "greet", Responses: []string{"hi"}},
		}}},
		{"only single-rune tokens", intent.Catalog{Intents: []intent.Intent{
			{Tag: "letters", Patterns: []string{"a b", "c"}, Responses: []string{"?"}},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := classifier.Train(context.Background(), tt.catalog, classifier.Options{})
			var terr *classifier.TrainingDataError
			if !errors.As(err, &terr) {
				t.Fatalf("Train error = %v, want *TrainingDataError", err)
			}
		})
	}
}

func TestTrainRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := classifier.Train(ctx, trainingCatalog(), classifier.Options{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Train on canceled ctx = %v, want context.Canceled", err)
	}
}

// Training must not depend on intent order: reordering the catalog
// yields a model with identical predictions.
func TestTrainIgnoresIntentOrder(t *testing.T) {
	ctx := context.Background()
	a := trainingCatalog()
	b := intent.Catalog{Intents: []intent.Intent{a.Intents[2], a.Intents[0], a.Intents[1]}}

	ma, err := classifier.Train(ctx, a, classifier.Options{})
	if err != nil {
		t.Fatalf("Train a: %v", err)
	}
	mb, err := classifier.Train(ctx, b, classifier.Options{})
	if err != nil {
		t.Fatalf("Train b: %v", err)
	}

	for _, probe := range []string{"hello", "see you later", "zzz"} {
		tagA, confA := ma.Predict(probe)
		tagB, confB := mb.Predict(probe)
		if tagA != tagB || confA != confB {
			t.Fatalf("Predict(%q) differs under reorder: %q/%v vs %q/%v",
				probe, tagA, confA, tagB, confB)
		}
	}
}

func TestSnapshotRestoreBehavesIdentically(t *testing.T) {
	m, err := classifier.Train(context.Background(), trainingCatalog(), classifier.Options{})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}

	restored, err := classifier.Restore(m.Snapshot(), m.Vocabulary().Words(), m.Labels())
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}

	if !slices.Equal(m.Labels(), restored.Labels()) {
		t.Fatalf("labels differ: %v vs %v", m.Labels(), restored.Labels())
	}
	for _, probe := range []string{"hello", "goodbye", "what is this"} {
		tagA, confA := m.Predict(probe)
		tagB, confB := restored.Predict(probe)
		if tagA != tagB || confA != confB {
			t.Fatalf("Predict(%q) after restore = %q/%v, want %q/%v",
				probe, tagB, confB, tagA, confA)
		}
	}
}

func TestRestoreRejectsMismatchedParts(t *testing.T) {
	m, err := classifier.Train(context.Background(), trainingCatalog(), classifier.Options{})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	words := m.Vocabulary().Words()
	classes := m.Labels()

	if _, err := classifier.Restore(m.Snapshot(), words[:len(words)-1], classes); err == nil {
		t.Fatal("Restore accepted a vocabulary of the wrong size")
	}
	if _, err := classifier.Restore(m.Snapshot(), words, classes[:len(classes)-1]); err == nil {
		t.Fatal("Restore accepted a label set of the wrong size")
	}
}
