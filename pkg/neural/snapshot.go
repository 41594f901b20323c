package neural

import (
	"fmt"
	"math/rand/v2"
	"slices"
)

// Snapshot is the serializable parameter state of a trained network.
// It carries everything needed to rebuild an identically predicting
// network: the layer shapes and every weight and bias.
type Snapshot struct {
	Inputs  int         `json:"inputs" msgpack:"inputs"`
	Outputs int         `json:"outputs" msgpack:"outputs"`
	Hidden  []int       `json:"hidden" msgpack:"hidden"`
	Weights [][]float64 `json:"weights" msgpack:"weights"`
	Biases  [][]float64 `json:"biases" msgpack:"biases"`
}

// Snapshot copies the current parameters. The result shares no memory
// with the network.
func (n *Network) Snapshot() *Snapshot {
	s := &Snapshot{
		Inputs:  n.cfg.Inputs,
		Outputs: n.cfg.Outputs,
		Weights: make([][]float64, 0, len(n.layers)),
		Biases:  make([][]float64, 0, len(n.layers)),
	}
	for i, l := range n.layers {
		if i < len(n.layers)-1 {
			s.Hidden = append(s.Hidden, l.out)
		}
		s.Weights = append(s.Weights, slices.Clone(l.w))
		s.Biases = append(s.Biases, slices.Clone(l.b))
	}
	return s
}

// FromSnapshot rebuilds a network from persisted parameters. The
// restored network predicts identically to the one that produced the
// snapshot.
func FromSnapshot(s *Snapshot) (*Network, error) {
	if s == nil {
		return nil, fmt.Errorf("neural: nil snapshot")
	}
	if s.Inputs <= 0 || s.Outputs <= 0 {
		return nil, fmt.Errorf("neural: snapshot shape %dx%d invalid", s.Inputs, s.Outputs)
	}
	want := len(s.Hidden) + 1
	if len(s.Weights) != want || len(s.Biases) != want {
		return nil, fmt.Errorf("neural: snapshot has %d weight and %d bias layers, want %d",
			len(s.Weights), len(s.Biases), want)
	}

	cfg := Config{Inputs: s.Inputs, Outputs: s.Outputs}
	cfg.setDefaults()
	cfg.Hidden = slices.Clone(s.Hidden)
	n := &Network{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed)),
	}

	sizes := append([]int{s.Inputs}, s.Hidden...)
	sizes = append(sizes, s.Outputs)
	n.layers = make([]layer, len(sizes)-1)
	for l := range n.layers {
		in, out := sizes[l], sizes[l+1]
		if len(s.Weights[l]) != in*out {
			return nil, fmt.Errorf("neural: layer %d has %d weights, want %d", l, len(s.Weights[l]), in*out)
		}
		if len(s.Biases[l]) != out {
			return nil, fmt.Errorf("neural: layer %d has %d biases, want %d", l, len(s.Biases[l]), out)
		}
		n.layers[l] = layer{
			in:  in,
			out: out,
			w:   slices.Clone(s.Weights[l]),
			b:   slices.Clone(s.Biases[l]),
		}
	}
	return n, nil
}
