// Package layers - forward-only neural network primitives for 1-D temporal
// feature maps. Weights live in plain float32 slices; tensors carry shape.
package layers

import (
	"math/rand"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

const lnEpsilon = 1e-5

// MaskedConv1D is a 1-D convolution that zeroes its output at padded
// locations so padding never leaks into valid timesteps downstream.
type MaskedConv1D struct {
	InDim  int
	OutDim int
	Kernel int
	// Weight is laid out [out][in][k].
	Weight []float32
	// Bias is nil when the layer is followed by a normalization carrying its
	// own shift.
	Bias []float32
}

// NewMaskedConv1D creates a convolution with Kaiming-style weight init.
//
// Arguments:
// - inDim, outDim: Channel counts.
// - kernel: Kernel width, must be odd so the output stays aligned.
// - withBias: Whether to allocate a bias vector.
// - rng: Source of initialization randomness.
func NewMaskedConv1D(inDim, outDim, kernel int, withBias bool, rng *rand.Rand) (*MaskedConv1D, error) {
	if kernel%2 != 1 {
		return nil, errors.Errorf("kernel size must be odd, got %d", kernel)
	}
	c := &MaskedConv1D{
		InDim:  inDim,
		OutDim: outDim,
		Kernel: kernel,
		Weight: make([]float32, outDim*inDim*kernel),
	}
	std := math32.Sqrt(2 / float32(inDim*kernel))
	for i := range c.Weight {
		c.Weight[i] = float32(rng.NormFloat64()) * std
	}
	if withBias {
		c.Bias = make([]float32, outDim)
	}
	return c, nil
}

// Forward applies the convolution to x with shape [InDim, T] and zeroes the
// masked locations of the result.
func (c *MaskedConv1D) Forward(x *tensor.Dense, mask []bool) (*tensor.Dense, error) {
	shape := x.Shape()
	if len(shape) != 2 || shape[0] != c.InDim {
		return nil, errors.Errorf("expected [%d, T] input, got shape %v", c.InDim, shape)
	}
	seqLen := shape[1]
	if len(mask) != seqLen {
		return nil, errors.Errorf("mask length %d does not match T=%d", len(mask), seqLen)
	}
	in := x.Data().([]float32)
	pad := c.Kernel / 2
	out := make([]float32, c.OutDim*seqLen)

	for o := 0; o < c.OutDim; o++ {
		wBase := o * c.InDim * c.Kernel
		for t := 0; t < seqLen; t++ {
			if !mask[t] {
				continue
			}
			var acc float32
			if c.Bias != nil {
				acc = c.Bias[o]
			}
			for i := 0; i < c.InDim; i++ {
				row := in[i*seqLen : (i+1)*seqLen]
				w := c.Weight[wBase+i*c.Kernel : wBase+(i+1)*c.Kernel]
				for k := 0; k < c.Kernel; k++ {
					src := t + k - pad
					if src < 0 || src >= seqLen {
						continue
					}
					acc += w[k] * row[src]
				}
			}
			out[o*seqLen+t] = acc
		}
	}
	return tensor.New(tensor.WithShape(c.OutDim, seqLen), tensor.Of(tensor.Float32), tensor.WithBacking(out)), nil
}

// LayerNorm normalizes over the channel dimension independently at every
// timestep.
type LayerNorm struct {
	Dim   int
	Gamma []float32
	Beta  []float32
}

// NewLayerNorm creates a LayerNorm with unit gain and zero shift.
func NewLayerNorm(dim int) *LayerNorm {
	g := make([]float32, dim)
	for i := range g {
		g[i] = 1
	}
	return &LayerNorm{Dim: dim, Gamma: g, Beta: make([]float32, dim)}
}

// Forward normalizes x with shape [Dim, T] in place-compatible fashion,
// returning a fresh tensor. Masked timesteps come out zero.
func (n *LayerNorm) Forward(x *tensor.Dense, mask []bool) (*tensor.Dense, error) {
	shape := x.Shape()
	if len(shape) != 2 || shape[0] != n.Dim {
		return nil, errors.Errorf("expected [%d, T] input, got shape %v", n.Dim, shape)
	}
	seqLen := shape[1]
	in := x.Data().([]float32)
	out := make([]float32, len(in))
	for t := 0; t < seqLen; t++ {
		if !mask[t] {
			continue
		}
		var mean float32
		for c := 0; c < n.Dim; c++ {
			mean += in[c*seqLen+t]
		}
		mean /= float32(n.Dim)
		var variance float32
		for c := 0; c < n.Dim; c++ {
			d := in[c*seqLen+t] - mean
			variance += d * d
		}
		variance /= float32(n.Dim)
		inv := 1 / math32.Sqrt(variance+lnEpsilon)
		for c := 0; c < n.Dim; c++ {
			out[c*seqLen+t] = (in[c*seqLen+t]-mean)*inv*n.Gamma[c] + n.Beta[c]
		}
	}
	return tensor.New(tensor.WithShape(n.Dim, seqLen), tensor.Of(tensor.Float32), tensor.WithBacking(out)), nil
}

// Scale is a learnable per-level scalar multiplier.
type Scale struct {
	Value float32
}

// NewScale returns a Scale initialized to 1.
func NewScale() *Scale {
	return &Scale{Value: 1}
}

// Apply multiplies every element of data by the scale, in place.
func (s *Scale) Apply(data []float32) {
	for i := range data {
		data[i] *= s.Value
	}
}

// Linear is a fully connected layer applied either per timestep of a [In, T]
// map or per row of an [N, In] matrix.
type Linear struct {
	InDim  int
	OutDim int
	// Weight is laid out [out][in].
	Weight []float32
	Bias   []float32
}

// NewLinear creates a Linear layer with Kaiming-style init.
func NewLinear(inDim, outDim int, rng *rand.Rand) *Linear {
	l := &Linear{
		InDim:  inDim,
		OutDim: outDim,
		Weight: make([]float32, outDim*inDim),
		Bias:   make([]float32, outDim),
	}
	std := math32.Sqrt(2 / float32(inDim))
	for i := range l.Weight {
		l.Weight[i] = float32(rng.NormFloat64()) * std
	}
	return l
}

// ForwardTime applies the layer along the channel dimension of x [InDim, T].
func (l *Linear) ForwardTime(x *tensor.Dense) (*tensor.Dense, error) {
	shape := x.Shape()
	if len(shape) != 2 || shape[0] != l.InDim {
		return nil, errors.Errorf("expected [%d, T] input, got shape %v", l.InDim, shape)
	}
	seqLen := shape[1]
	in := x.Data().([]float32)
	out := make([]float32, l.OutDim*seqLen)
	for o := 0; o < l.OutDim; o++ {
		w := l.Weight[o*l.InDim : (o+1)*l.InDim]
		for t := 0; t < seqLen; t++ {
			acc := l.Bias[o]
			for i := 0; i < l.InDim; i++ {
				acc += w[i] * in[i*seqLen+t]
			}
			out[o*seqLen+t] = acc
		}
	}
	return tensor.New(tensor.WithShape(l.OutDim, seqLen), tensor.Of(tensor.Float32), tensor.WithBacking(out)), nil
}

// ForwardRows applies the layer to every row of x [N, InDim].
func (l *Linear) ForwardRows(x *tensor.Dense) (*tensor.Dense, error) {
	shape := x.Shape()
	if len(shape) != 2 || shape[1] != l.InDim {
		return nil, errors.Errorf("expected [N, %d] input, got shape %v", l.InDim, shape)
	}
	rows := shape[0]
	in := x.Data().([]float32)
	out := make([]float32, rows*l.OutDim)
	for r := 0; r < rows; r++ {
		src := in[r*l.InDim : (r+1)*l.InDim]
		for o := 0; o < l.OutDim; o++ {
			w := l.Weight[o*l.InDim : (o+1)*l.InDim]
			acc := l.Bias[o]
			for i := 0; i < l.InDim; i++ {
				acc += w[i] * src[i]
			}
			out[r*l.OutDim+o] = acc
		}
	}
	return tensor.New(tensor.WithShape(rows, l.OutDim), tensor.Of(tensor.Float32), tensor.WithBacking(out)), nil
}

// ReLU clamps data at zero, in place.
func ReLU(data []float32) {
	for i, v := range data {
		if v < 0 {
			data[i] = 0
		}
	}
}
