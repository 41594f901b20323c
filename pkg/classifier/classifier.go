// Package classifier turns an intent catalog into a trained model and
// answers (tag, confidence) queries against it.
//
// A [Model] binds network parameters to the vocabulary and label set
// they were trained with. The three parts travel together through
// persistence and restore: feature positions are vocabulary-index-
// dependent and output positions are label-index-dependent, so mixing
// parts from different training runs would silently corrupt predictions.
package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/infisparks/aichat/pkg/bow"
	"github.com/infisparks/aichat/pkg/intent"
	"github.com/infisparks/aichat/pkg/neural"
)

// TrainingDataError reports a catalog that cannot train a classifier.
// The caller keeps its previous model; this is bad upstream data, not a
// fault of the engine.
type TrainingDataError struct {
	Reason string
}

func (e *TrainingDataError) Error() string {
	return "classifier: unusable training data: " + e.Reason
}

// Options tunes training. The zero value trains with production
// defaults: hidden layers 128 and 64, learning rate 0.01, dropout 0.5,
// 200 epochs, batch size 5, fixed seed.
type Options struct {
	// Hidden overrides the hidden layer sizes.
	Hidden []int

	// LearningRate overrides the Adam step size.
	LearningRate float64

	// Epochs overrides the epoch count.
	Epochs int

	// BatchSize overrides the mini-batch size.
	BatchSize int

	// Seed overrides the training seed. A fixed seed makes training a
	// pure function of the catalog content.
	Seed uint64

	// Logger is optional. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Model is a trained classifier bound to its vocabulary and label set.
// It is immutable after Train and safe for concurrent Predict calls.
type Model struct {
	net    *neural.Network
	vocab  *bow.Vocabulary
	labels bow.Labels
}

// Train builds the feature space from the catalog, encodes one training
// example per (tag, pattern) pair, and fits the network. It returns a
// *TrainingDataError when the catalog has no labeled patterns or when
// every token is too short to enter the vocabulary.
//
// A run that has started always completes; ctx is only consulted before
// the expensive part begins. Callers that supersede a run discard its
// result instead of interrupting it.
func Train(ctx context.Context, c intent.Catalog, opts Options) (*Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	vocab, labels := bow.Build(c)
	if len(labels) == 0 {
		return nil, &TrainingDataError{Reason: "catalog has no intents with patterns"}
	}
	if vocab.Len() == 0 {
		return nil, &TrainingDataError{Reason: "patterns yield no tokens longer than one rune"}
	}

	// Iterate tags in label order so the sample sequence, and therefore
	// the shuffled batches, depend only on catalog content.
	var samples []neural.Sample
	for _, tag := range labels {
		in, ok := c.Find(tag)
		if !ok {
			continue
		}
		target := labels.Index(tag)
		for _, pattern := range in.Patterns {
			samples = append(samples, neural.Sample{
				Input:  vocab.Encode(pattern),
				Target: target,
			})
		}
	}

	net := neural.New(neural.Config{
		Inputs:       vocab.Len(),
		Outputs:      len(labels),
		Hidden:       opts.Hidden,
		LearningRate: opts.LearningRate,
		Epochs:       opts.Epochs,
		BatchSize:    opts.BatchSize,
		Seed:         opts.Seed,
	})
	loss := net.Train(samples)
	logger.Debug("classifier: trained",
		"samples", len(samples),
		"words", vocab.Len(),
		"classes", len(labels),
		"loss", loss)

	return &Model{net: net, vocab: vocab, labels: labels}, nil
}

// Predict encodes the utterance against the model's vocabulary, runs the
// network, and returns the top label with its probability. Confidence
// thresholds and fallback tags are the serving layer's concern.
func (m *Model) Predict(utterance string) (tag string, confidence float64) {
	probs := m.net.Predict(m.vocab.Encode(utterance))
	best := 0
	for i, p := range probs {
		if p > probs[best] {
			best = i
		}
	}
	return m.labels[best], probs[best]
}

// Vocabulary returns the model's vocabulary.
func (m *Model) Vocabulary() *bow.Vocabulary { return m.vocab }

// Labels returns a copy of the model's label set.
func (m *Model) Labels() bow.Labels { return slices.Clone(m.labels) }

// Snapshot exports the network parameters for persistence. Persist it
// together with [Model.Vocabulary] and [Model.Labels]; [Restore] wants
// all three back.
func (m *Model) Snapshot() *neural.Snapshot { return m.net.Snapshot() }

// Restore rebuilds a model from persisted parts, verifying that the
// network shape matches the vocabulary and label set so a reload can
// never pair mismatched parts.
func Restore(params *neural.Snapshot, words, classes []string) (*Model, error) {
	net, err := neural.FromSnapshot(params)
	if err != nil {
		return nil, err
	}
	vocab := bow.NewVocabulary(words)
	if net.Inputs() != vocab.Len() {
		return nil, fmt.Errorf("classifier: network expects %d features, vocabulary has %d words",
			net.Inputs(), vocab.Len())
	}
	if net.Outputs() != len(classes) {
		return nil, fmt.Errorf("classifier: network expects %d classes, label set has %d",
			net.Outputs(), len(classes))
	}
	return &Model{net: net, vocab: vocab, labels: bow.Labels(slices.Clone(classes))}, nil
}
