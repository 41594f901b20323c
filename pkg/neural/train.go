package neural

import "math"

// Sample is one training example: an encoded feature vector and the
// index of its class.
type Sample struct {
	Input  []float64
	Target int
}

// Train fits the network to the samples over the configured epoch and
// batch budget and returns the mean cross-entropy loss of the final
// epoch. Every input must have length [Network.Inputs] and every target
// must be a valid class index; violations panic, they are programmer
// errors in the encoding layer, not data errors.
func (n *Network) Train(samples []Sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	for _, s := range samples {
		if len(s.Input) != n.cfg.Inputs {
			panic("neural: sample input length mismatch")
		}
		if s.Target < 0 || s.Target >= n.cfg.Outputs {
			panic("neural: sample target out of range")
		}
	}

	opt := newAdam(n.layers, n.cfg.LearningRate)
	grads := newGrads(n.layers)
	order := make([]int, len(samples))
	for i := range order {
		order[i] = i
	}

	var lastLoss float64
	for epoch := 0; epoch < n.cfg.Epochs; epoch++ {
		n.rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
		epochLoss := 0.0
		for start := 0; start < len(order); start += n.cfg.BatchSize {
			end := min(start+n.cfg.BatchSize, len(order))
			epochLoss += n.trainBatch(order[start:end], samples, opt, grads)
		}
		lastLoss = epochLoss / float64(len(samples))
	}
	return lastLoss
}

// trainBatch accumulates gradients over one mini-batch and applies a
// single Adam step with the batch-averaged gradient. Returns the summed
// loss of the batch.
func (n *Network) trainBatch(idx []int, samples []Sample, opt *adam, grads []grad) float64 {
	for l := range grads {
		clear(grads[l].w)
		clear(grads[l].b)
	}
	loss := 0.0
	for _, i := range idx {
		loss += n.backprop(samples[i], grads)
	}
	opt.apply(n.layers, grads, 1/float64(len(idx)))
	return loss
}

// backprop runs one forward/backward pass for a single sample and adds
// its gradients into grads. Returns the sample's cross-entropy loss.
//
// Hidden layers use inverted dropout: surviving activations are scaled
// by 1/(1-p) during training so prediction needs no rescaling.
func (n *Network) backprop(s Sample, grads []grad) float64 {
	last := len(n.layers) - 1

	// Forward. acts[l] is the input of layer l; factors[l] holds the
	// dropout factor applied to layer l's output (nil when disabled).
	acts := make([][]float64, len(n.layers)+1)
	factors := make([][]float64, len(n.layers))
	acts[0] = s.Input
	for l := range n.layers {
		z := n.layers[l].forward(acts[l])
		if l < last {
			relu(z)
			if p := n.cfg.Dropout; p > 0 {
				f := make([]float64, len(z))
				keepInv := 1 / (1 - p)
				for i := range z {
					if n.rng.Float64() < p {
						z[i] = 0
					} else {
						f[i] = keepInv
						z[i] *= keepInv
					}
				}
				factors[l] = f
			}
		} else {
			softmax(z)
		}
		acts[l+1] = z
	}

	probs := acts[len(acts)-1]
	loss := -math.Log(math.Max(probs[s.Target], 1e-12))

	// Softmax plus cross-entropy gives the output delta directly.
	delta := make([]float64, len(probs))
	copy(delta, probs)
	delta[s.Target]--

	for l := last; l >= 0; l-- {
		ly := &n.layers[l]
		in := acts[l]
		g := &grads[l]
		for o := 0; o < ly.out; o++ {
			d := delta[o]
			if d == 0 {
				continue
			}
			g.b[o] += d
			row := g.w[o*ly.in : (o+1)*ly.in]
			for i, x := range in {
				if x != 0 {
					row[i] += d * x
				}
			}
		}
		if l == 0 {
			break
		}

		// Gradient w.r.t. this layer's input, gated by the previous
		// layer's rectifier and dropout mask. A zero activation means
		// the unit was clipped or dropped; its gradient is zero.
		prev := make([]float64, ly.in)
		for o := 0; o < ly.out; o++ {
			d := delta[o]
			if d == 0 {
				continue
			}
			row := ly.w[o*ly.in : (o+1)*ly.in]
			for i := range prev {
				prev[i] += row[i] * d
			}
		}
		for i := range prev {
			switch {
			case in[i] == 0:
				prev[i] = 0
			case factors[l-1] != nil:
				prev[i] *= factors[l-1][i]
			}
		}
		delta = prev
	}
	return loss
}

// grad mirrors a layer's parameter shapes.
type grad struct {
	w []float64
	b []float64
}

func newGrads(layers []layer) []grad {
	g := make([]grad, len(layers))
	for l := range layers {
		g[l] = grad{
			w: make([]float64, len(layers[l].w)),
			b: make([]float64, len(layers[l].b)),
		}
	}
	return g
}

// ---------------------------------------------------------------------------
// Adam
// ---------------------------------------------------------------------------

const (
	adamBeta1   = 0.9
	adamBeta2   = 0.999
	adamEpsilon = 1e-8
)

// adam keeps first and second moment estimates per parameter.
type adam struct {
	lr   float64
	step int

	mw, vw [][]float64
	mb, vb [][]float64
}

func newAdam(layers []layer, lr float64) *adam {
	a := &adam{
		lr: lr,
		mw: make([][]float64, len(layers)),
		vw: make([][]float64, len(layers)),
		mb: make([][]float64, len(layers)),
		vb: make([][]float64, len(layers)),
	}
	for l := range layers {
		a.mw[l] = make([]float64, len(layers[l].w))
		a.vw[l] = make([]float64, len(layers[l].w))
		a.mb[l] = make([]float64, len(layers[l].b))
		a.vb[l] = make([]float64, len(layers[l].b))
	}
	return a
}

// apply performs one Adam update with gradients scaled by the given
// factor (1/batch size).
func (a *adam) apply(layers []layer, grads []grad, scale float64) {
	a.step++
	c1 := 1 - math.Pow(adamBeta1, float64(a.step))
	c2 := 1 - math.Pow(adamBeta2, float64(a.step))
	for l := range layers {
		a.update(layers[l].w, grads[l].w, a.mw[l], a.vw[l], scale, c1, c2)
		a.update(layers[l].b, grads[l].b, a.mb[l], a.vb[l], scale, c1, c2)
	}
}

func (a *adam) update(p, g, m, v []float64, scale, c1, c2 float64) {
	for i := range p {
		gi := g[i] * scale
		m[i] = adamBeta1*m[i] + (1-adamBeta1)*gi
		v[i] = adamBeta2*v[i] + (1-adamBeta2)*gi*gi
		p[i] -= a.lr * (m[i] / c1) / (math.Sqrt(v[i]/c2) + adamEpsilon)
	}
}
