package heads

import (
	"math/rand"
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-tal/pyramid"
)

func testLevels(channels int, lengths []int) []pyramid.Level {
	rng := rand.New(rand.NewSource(7))
	levels := make([]pyramid.Level, len(lengths))
	for l, tl := range lengths {
		data := make([]float32, channels*tl)
		for i := range data {
			data[i] = float32(rng.NormFloat64())
		}
		mask := make([]bool, tl)
		for i := range mask {
			mask[i] = true
		}
		levels[l] = pyramid.Level{
			Feats: tensor.New(tensor.WithShape(channels, tl), tensor.WithBacking(data)),
			Mask:  mask,
		}
	}
	return levels
}

// TestClsHeadShapesAndPrior checks output shapes and that the prior bias
// pushes initial sigmoid scores near the configured probability.
func TestClsHeadShapesAndPrior(t *testing.T) {
	cfg := ClsConfig{
		InputDim:   8,
		FeatDim:    8,
		NumClasses: 5,
		NumLayers:  2,
		KernelSize: 3,
		PriorProb:  0.01,
		WithLN:     true,
	}
	h, err := NewClsHead(cfg, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	levels := testLevels(8, []int{8, 4})
	logits, err := h.Forward(levels)
	require.NoError(t, err)
	require.Len(t, logits, 2)
	assert.Equal(t, tensor.Shape{5, 8}, logits[0].Shape())
	assert.Equal(t, tensor.Shape{5, 4}, logits[1].Shape())

	// -log((1-0.01)/0.01) ~ -4.595.
	assert.InDelta(t, -4.595, h.cls.Bias[0], 1e-3)
}

func TestClsHeadEmptyClasses(t *testing.T) {
	cfg := ClsConfig{
		InputDim:   4,
		FeatDim:    4,
		NumClasses: 3,
		NumLayers:  1,
		KernelSize: 3,
		PriorProb:  0.01,
		EmptyCls:   []int{2},
	}
	h, err := NewClsHead(cfg, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	// Empty class bias is far more negative than the prior bias.
	assert.Less(t, h.cls.Bias[2], h.cls.Bias[0])
	assert.InDelta(t, -math32.Log((1-1e-6)/1e-6), h.cls.Bias[2], 1e-2)

	cfg.EmptyCls = []int{7}
	_, err = NewClsHead(cfg, rand.New(rand.NewSource(1)))
	assert.Error(t, err)
}

func TestRegHeadOutDim(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	cfg := RegConfig{InputDim: 8, FeatDim: 8, NumLevels: 2, NumLayers: 2, KernelSize: 3, NumBins: 16}
	h, err := NewRegHead(cfg, rng)
	require.NoError(t, err)
	assert.Equal(t, 34, h.OutDim())

	levels := testLevels(8, []int{8, 4})
	outs, err := h.Forward(levels)
	require.NoError(t, err)
	require.Len(t, outs, 2)
	assert.Equal(t, tensor.Shape{34, 8}, outs[0].Shape())

	// Output is clamped at zero.
	for _, v := range outs[0].Data().([]float32) {
		assert.GreaterOrEqual(t, v, float32(0))
	}

	_, err = h.Forward(testLevels(8, []int{8}))
	assert.Error(t, err, "level count mismatch")
}

// TestDistribution checks the stable softmax, its NaN handling and the
// degenerate all-NaN row.
func TestDistribution(t *testing.T) {
	probs := Distribution([]float32{1, 1, 1, 1})
	for _, p := range probs {
		assert.InDelta(t, 0.25, p, 1e-5)
	}

	// Large values must not overflow.
	probs = Distribution([]float32{1000, 1000})
	assert.InDelta(t, 0.5, probs[0], 1e-5)

	nan := math32.NaN()
	probs = Distribution([]float32{nan, nan})
	assert.Equal(t, []float32{0, 0}, probs)

	// Random rows sum to 1.
	rng := rand.New(rand.NewSource(3))
	for trial := 0; trial < 10; trial++ {
		vals := make([]float32, 5)
		for i := range vals {
			vals[i] = float32(rng.NormFloat64()) * 10
		}
		var sum float32
		for _, p := range Distribution(vals) {
			sum += p
		}
		assert.InDelta(t, 1, sum, 1e-4)
	}
}

// TestOffsetDecoderDirect verifies direct-mode pass-through.
func TestOffsetDecoderDirect(t *testing.T) {
	d, err := NewOffsetDecoder(0, false)
	require.NoError(t, err)
	assert.False(t, d.Trident())

	reg := tensor.New(tensor.WithShape(2, 3), tensor.WithBacking([]float32{1, 2, 3, 4, 5, 6}))
	out, err := d.DecodeLevel(reg, nil, nil)
	require.NoError(t, err)
	assert.False(t, out.PerClass)

	l, r := out.At(0, 0)
	assert.Equal(t, float32(1), l)
	assert.Equal(t, float32(4), r)
	l, r = out.At(2, 9)
	assert.Equal(t, float32(3), l)
	assert.Equal(t, float32(6), r)
}

// TestOffsetDecoderTridentRange is a property test: decoded expectations are
// always in [0, numBins] regardless of logits.
func TestOffsetDecoderTridentRange(t *testing.T) {
	const (
		numBins = 4
		classes = 3
		seqLen  = 6
	)
	d, err := NewOffsetDecoder(numBins, true)
	require.NoError(t, err)
	assert.True(t, d.Trident())

	rng := rand.New(rand.NewSource(11))
	randTensor := func(rows, cols int) *tensor.Dense {
		data := make([]float32, rows*cols)
		for i := range data {
			data[i] = float32(rng.NormFloat64()) * 5
		}
		return tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(data))
	}

	reg := randTensor(2*(numBins+1), seqLen)
	start := randTensor(classes, seqLen)
	end := randTensor(classes, seqLen)

	out, err := d.DecodeLevel(reg, start, end)
	require.NoError(t, err)
	assert.True(t, out.PerClass)
	assert.Equal(t, classes, out.Classes)
	assert.Equal(t, seqLen, out.T)

	for tt := 0; tt < seqLen; tt++ {
		for c := 0; c < classes; c++ {
			l, r := out.At(tt, c)
			assert.GreaterOrEqual(t, l, float32(0))
			assert.LessOrEqual(t, l, float32(numBins))
			assert.GreaterOrEqual(t, r, float32(0))
			assert.LessOrEqual(t, r, float32(numBins))
		}
	}
}

// TestOffsetDecoderTridentPeak drives one bin's mass to dominance and checks
// the expectation lands on that bin's index.
func TestOffsetDecoderTridentPeak(t *testing.T) {
	const numBins = 2
	d, err := NewOffsetDecoder(numBins, true)
	require.NoError(t, err)

	seqLen := numBins + 1
	width := numBins + 1
	// Regression biases zero everywhere.
	reg := tensor.New(tensor.WithShape(2*width, seqLen), tensor.WithBacking(make([]float32, 2*width*seqLen)))

	// A huge start logit at position 0 pulls the left expectation of t=2
	// toward its inverted bin index numBins.
	start := make([]float32, seqLen)
	start[0] = 50
	end := make([]float32, seqLen)
	sT := tensor.New(tensor.WithShape(1, seqLen), tensor.WithBacking(start))
	eT := tensor.New(tensor.WithShape(1, seqLen), tensor.WithBacking(end))

	out, err := d.DecodeLevel(reg, sT, eT)
	require.NoError(t, err)
	l, _ := out.At(2, 0)
	assert.InDelta(t, float32(numBins), l, 1e-3)
}

func TestDecodeVideoConcat(t *testing.T) {
	d, err := NewOffsetDecoder(0, false)
	require.NoError(t, err)

	r1 := tensor.New(tensor.WithShape(2, 2), tensor.WithBacking([]float32{1, 2, 3, 4}))
	r2 := tensor.New(tensor.WithShape(2, 1), tensor.WithBacking([]float32{5, 6}))
	out, err := d.DecodeVideo([]*tensor.Dense{r1, r2}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, out.T)

	l, r := out.At(2, 0)
	assert.Equal(t, float32(5), l)
	assert.Equal(t, float32(6), r)
}

func TestOffsetDecoderErrors(t *testing.T) {
	d, err := NewOffsetDecoder(4, true)
	require.NoError(t, err)

	reg := tensor.New(tensor.WithShape(2, 3), tensor.WithBacking(make([]float32, 6)))
	_, err = d.DecodeLevel(reg, nil, nil)
	assert.Error(t, err, "wrong channel count for distribution mode")

	reg = tensor.New(tensor.WithShape(10, 3), tensor.WithBacking(make([]float32, 30)))
	_, err = d.DecodeLevel(reg, nil, nil)
	assert.Error(t, err, "missing boundary logits")
}
