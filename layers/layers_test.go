package layers

import (
	"math/rand"
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

// TestMaskedConv1DIdentity runs a hand-built identity kernel through the conv
// and checks that masked locations come out zero.
func TestMaskedConv1DIdentity(t *testing.T) {
	c, err := NewMaskedConv1D(1, 1, 3, false, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	// Center tap 1, neighbors 0: output equals input at valid locations.
	c.Weight = []float32{0, 1, 0}

	x := tensor.New(tensor.WithShape(1, 4), tensor.WithBacking([]float32{1, 2, 3, 4}))
	out, err := c.Forward(x, []bool{true, true, true, false})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 0}, out.Data().([]float32))
}

// TestMaskedConv1DBoundary checks implicit zero padding at the sequence ends.
func TestMaskedConv1DBoundary(t *testing.T) {
	c, err := NewMaskedConv1D(1, 1, 3, true, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	// Sum of the 3-neighborhood plus bias 10.
	c.Weight = []float32{1, 1, 1}
	c.Bias = []float32{10}

	x := tensor.New(tensor.WithShape(1, 3), tensor.WithBacking([]float32{1, 2, 3}))
	out, err := c.Forward(x, []bool{true, true, true})
	require.NoError(t, err)
	assert.Equal(t, []float32{13, 16, 15}, out.Data().([]float32))
}

func TestMaskedConv1DErrors(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	_, err := NewMaskedConv1D(1, 1, 2, false, rng)
	assert.Error(t, err, "even kernel")

	c, err := NewMaskedConv1D(2, 1, 3, false, rng)
	require.NoError(t, err)
	x := tensor.New(tensor.WithShape(1, 3), tensor.WithBacking(make([]float32, 3)))
	_, err = c.Forward(x, []bool{true, true, true})
	assert.Error(t, err, "channel mismatch")

	x = tensor.New(tensor.WithShape(2, 3), tensor.WithBacking(make([]float32, 6)))
	_, err = c.Forward(x, []bool{true})
	assert.Error(t, err, "mask mismatch")
}

// TestLayerNorm verifies per-timestep channel normalization.
func TestLayerNorm(t *testing.T) {
	n := NewLayerNorm(2)
	x := tensor.New(tensor.WithShape(2, 2), tensor.WithBacking([]float32{1, 4, 3, 4}))
	out, err := n.Forward(x, []bool{true, false})
	require.NoError(t, err)
	data := out.Data().([]float32)

	// t=0: channels (1, 3), mean 2, var 1 -> normalized to (-1, +1).
	assert.InDelta(t, -1, data[0], 1e-3)
	assert.InDelta(t, 1, data[2], 1e-3)
	// t=1 is masked.
	assert.Equal(t, float32(0), data[1])
	assert.Equal(t, float32(0), data[3])
}

func TestLayerNormGammaBeta(t *testing.T) {
	n := NewLayerNorm(2)
	n.Gamma = []float32{2, 2}
	n.Beta = []float32{1, 1}
	x := tensor.New(tensor.WithShape(2, 1), tensor.WithBacking([]float32{1, 3}))
	out, err := n.Forward(x, []bool{true})
	require.NoError(t, err)
	data := out.Data().([]float32)
	assert.InDelta(t, -1, data[0], 1e-3)
	assert.InDelta(t, 3, data[1], 1e-3)
}

func TestScale(t *testing.T) {
	s := NewScale()
	assert.Equal(t, float32(1), s.Value)
	s.Value = 0.5
	data := []float32{2, 4}
	s.Apply(data)
	assert.Equal(t, []float32{1, 2}, data)
}

func TestLinearForwardTime(t *testing.T) {
	l := NewLinear(2, 1, rand.New(rand.NewSource(1)))
	l.Weight = []float32{1, 2}
	l.Bias = []float32{1}

	x := tensor.New(tensor.WithShape(2, 2), tensor.WithBacking([]float32{1, 2, 3, 4}))
	out, err := l.ForwardTime(x)
	require.NoError(t, err)
	// t=0: 1*1 + 2*3 + 1 = 8; t=1: 1*2 + 2*4 + 1 = 11.
	assert.Equal(t, []float32{8, 11}, out.Data().([]float32))
}

func TestLinearForwardRows(t *testing.T) {
	l := NewLinear(2, 2, rand.New(rand.NewSource(1)))
	l.Weight = []float32{1, 0, 0, 1}
	l.Bias = []float32{0, 5}

	x := tensor.New(tensor.WithShape(2, 2), tensor.WithBacking([]float32{1, 2, 3, 4}))
	out, err := l.ForwardRows(x)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 7, 3, 9}, out.Data().([]float32))
}

func TestReLU(t *testing.T) {
	data := []float32{-1, 0, 2, math32.Inf(-1)}
	ReLU(data)
	assert.Equal(t, []float32{0, 0, 2, 0}, data)
}
