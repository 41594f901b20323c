// Package neural implements the small dense network behind the intent
// classifier: fully-connected hidden layers with rectified-linear
// activation and inverted dropout, a softmax output layer, cross-entropy
// loss, and Adam updates over shuffled mini-batches.
//
// The capacity is deliberately low. Bag-of-words features over a few
// dozen intents with short example phrases need nothing bigger, and a
// fixed epoch budget keeps every training run bounded.
//
// Training is deterministic for a fixed [Config.Seed]: initialization,
// batch shuffling, and dropout masks all draw from one seeded source, so
// the same samples train to identical parameters.
package neural

import (
	"math"
	"math/rand/v2"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// Config configures a new [Network].
type Config struct {
	// Inputs is the feature vector length. Required; must be positive.
	Inputs int

	// Outputs is the number of classes. Required; must be positive.
	Outputs int

	// Hidden lists the hidden layer sizes, in order. Default: [128, 64].
	Hidden []int

	// LearningRate is the Adam step size. Default: 0.01.
	LearningRate float64

	// Dropout is the probability of dropping a hidden activation during
	// training. Default: 0.5. Set negative to disable dropout.
	Dropout float64

	// Epochs is the number of passes over the training samples.
	// Default: 200.
	Epochs int

	// BatchSize is the mini-batch size. Default: 5.
	BatchSize int

	// Seed seeds weight initialization, shuffling, and dropout masks.
	// Default: 1.
	Seed uint64
}

func (c *Config) setDefaults() {
	if len(c.Hidden) == 0 {
		c.Hidden = []int{128, 64}
	}
	if c.LearningRate <= 0 {
		c.LearningRate = 0.01
	}
	if c.Dropout == 0 {
		c.Dropout = 0.5
	} else if c.Dropout < 0 {
		c.Dropout = 0
	}
	if c.Epochs <= 0 {
		c.Epochs = 200
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.Seed == 0 {
		c.Seed = 1
	}
}

// ---------------------------------------------------------------------------
// Network
// ---------------------------------------------------------------------------

// layer is one dense layer. Weights are row-major: w[o*in+i] connects
// input i to output o.
type layer struct {
	in, out int
	w       []float64
	b       []float64
}

// Network is a feed-forward classifier. It is not safe for concurrent
// mutation; train it once, then share it for read-only prediction.
type Network struct {
	cfg    Config
	layers []layer // hidden layers then the output layer
	rng    *rand.Rand
}

// New creates a network with randomly initialized weights.
// Panics if cfg.Inputs or cfg.Outputs is not positive.
func New(cfg Config) *Network {
	if cfg.Inputs <= 0 {
		panic("neural: Config.Inputs must be positive")
	}
	if cfg.Outputs <= 0 {
		panic("neural: Config.Outputs must be positive")
	}
	cfg.setDefaults()

	n := &Network{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed)),
	}
	sizes := append([]int{cfg.Inputs}, cfg.Hidden...)
	sizes = append(sizes, cfg.Outputs)
	n.layers = make([]layer, len(sizes)-1)
	for l := range n.layers {
		in, out := sizes[l], sizes[l+1]
		w := make([]float64, in*out)
		// He initialization suits the rectified-linear hidden units.
		scale := math.Sqrt(2.0 / float64(in))
		for i := range w {
			w[i] = n.rng.NormFloat64() * scale
		}
		n.layers[l] = layer{in: in, out: out, w: w, b: make([]float64, out)}
	}
	return n
}

// Inputs returns the expected feature vector length.
func (n *Network) Inputs() int { return n.cfg.Inputs }

// Outputs returns the number of classes.
func (n *Network) Outputs() int { return n.cfg.Outputs }

// Predict runs a forward pass with dropout disabled and returns the
// softmax probability distribution over the classes. The input length
// must equal [Network.Inputs].
func (n *Network) Predict(x []float64) []float64 {
	if len(x) != n.cfg.Inputs {
		panic("neural: input length mismatch")
	}
	a := x
	for l := range n.layers {
		z := n.layers[l].forward(a)
		if l < len(n.layers)-1 {
			relu(z)
		} else {
			softmax(z)
		}
		a = z
	}
	return a
}

// forward computes z = W*in + b into a fresh slice.
func (l *layer) forward(in []float64) []float64 {
	z := make([]float64, l.out)
	for o := 0; o < l.out; o++ {
		sum := l.b[o]
		row := l.w[o*l.in : (o+1)*l.in]
		for i, x := range in {
			sum += row[i] * x
		}
		z[o] = sum
	}
	return z
}

func relu(z []float64) {
	for i, v := range z {
		if v < 0 {
			z[i] = 0
		}
	}
}

// softmax normalizes z into a probability distribution in place,
// shifting by the maximum for numeric stability.
func softmax(z []float64) {
	max := z[0]
	for _, v := range z[1:] {
		if v > max {
			max = v
		}
	}
	sum := 0.0
	for i, v := range z {
		e := math.Exp(v - max)
		z[i] = e
		sum += e
	}
	for i := range z {
		z[i] /= sum
	}
}
