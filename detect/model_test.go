package detect

import (
	"math/rand"
	"testing"

	"github.com/chewxy/math32"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-tal/common"
	"github.com/nvr-ai/go-tal/config"
	"github.com/nvr-ai/go-tal/embeddings"
	"github.com/nvr-ai/go-tal/fusion"
	"github.com/nvr-ai/go-tal/heads"
	"github.com/nvr-ai/go-tal/pyramid"
)

// testConfig is a miniature two-level setup small enough to trace by hand.
func testConfig() config.Model {
	cfg := config.Default()
	cfg.NumClasses = 2
	cfg.SecondaryVocab = 3
	cfg.InputDim = 4
	cfg.ClipDim = 4
	cfg.FPNDim = 8 // Fused channel count: the pooling backbone keeps it.
	cfg.HeadDim = 8
	cfg.HeadNumLayers = 2
	cfg.HeadKernelSize = 3
	cfg.NumBins = 2
	cfg.MaxSeqLen = 8
	cfg.FPNStrides = []int{1, 2}
	cfg.MHAWinSize = []int{1, 1}
	cfg.RegRanges = [][2]float32{{0, 4}, {4, 10000}}
	cfg.Train.HeadEmptyCls = nil
	return cfg
}

func testEmbeddings(rng *rand.Rand, vocab, dim int) embeddings.Loader {
	data := make([]float32, vocab*dim)
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}
	return embeddings.Static{
		Matrix: tensor.New(tensor.WithShape(vocab, dim), tensor.WithBacking(data)),
	}
}

func newTestModel(t *testing.T, cfg config.Model) *Model {
	t.Helper()
	rng := rand.New(rand.NewSource(42))
	bb, err := pyramid.NewPoolingBackbone(cfg.FPNStrides)
	require.NoError(t, err)
	m, err := New(cfg, bb, testEmbeddings(rng, cfg.SecondaryVocab, cfg.FPNDim), rng, zerolog.Nop())
	require.NoError(t, err)
	return m
}

func testVideo(rng *rand.Rand, cfg config.Model, id string, seqLen int) fusion.Video {
	feats := make([]float32, cfg.InputDim*seqLen)
	clip := make([]float32, cfg.ClipDim*seqLen)
	for i := range feats {
		feats[i] = float32(rng.NormFloat64())
	}
	for i := range clip {
		clip[i] = float32(rng.NormFloat64())
	}
	return fusion.Video{
		ID:            id,
		Feats:         tensor.New(tensor.WithShape(cfg.InputDim, seqLen), tensor.WithBacking(feats)),
		ClipFeats:     tensor.New(tensor.WithShape(cfg.ClipDim, seqLen), tensor.WithBacking(clip)),
		FPS:           25,
		Duration:      10,
		FeatStride:    4,
		FeatNumFrames: 16,
	}
}

func TestNewValidation(t *testing.T) {
	cfg := testConfig()
	rng := rand.New(rand.NewSource(1))
	bb, err := pyramid.NewPoolingBackbone(cfg.FPNStrides)
	require.NoError(t, err)

	_, err = New(cfg, nil, testEmbeddings(rng, cfg.SecondaryVocab, cfg.FPNDim), rng, zerolog.Nop())
	assert.Error(t, err, "missing backbone")

	// Vocabulary mismatch between embeddings and configuration.
	_, err = New(cfg, bb, testEmbeddings(rng, cfg.SecondaryVocab+1, cfg.FPNDim), rng, zerolog.Nop())
	assert.Error(t, err)

	bad := cfg
	bad.NumClasses = 0
	_, err = New(bad, bb, testEmbeddings(rng, cfg.SecondaryVocab, cfg.FPNDim), rng, zerolog.Nop())
	assert.Error(t, err)
}

// TestForwardTrain runs a full training step and checks the loss breakdown
// is finite and consistent.
func TestForwardTrain(t *testing.T) {
	cfg := testConfig()
	m := newTestModel(t, cfg)
	rng := rand.New(rand.NewSource(9))

	v1 := testVideo(rng, cfg, "a", 8)
	v1.Segments = []common.Segment{{Start: 1, End: 3}}
	v1.Labels = []int{0}
	v2 := testVideo(rng, cfg, "b", 6)
	v2.Segments = []common.Segment{{Start: 2, End: 4}}
	v2.Labels = []int{1}

	res, err := m.ForwardTrain([]fusion.Video{v1, v2})
	require.NoError(t, err)

	assert.False(t, math32.IsNaN(res.Final))
	assert.Greater(t, res.Cls, float32(0))
	assert.Greater(t, res.Clip, float32(0))
	assert.GreaterOrEqual(t, res.NumPos, 1)
	if res.NumPos > 0 {
		assert.Greater(t, res.Reg, float32(0))
	}
	assert.InDelta(t, 0.3*res.Cls+0.4*res.Clip+0.3*res.Reg*cfg.Train.LossWeight, res.Final, 1e-4)

	// The EMA normalizer moved from its initial value.
	assert.NotEqual(t, cfg.Train.InitLossNorm, m.Normalizer().Value())
}

// TestForwardTrainBackgroundVideo accepts a video with present-but-empty
// annotations.
func TestForwardTrainBackgroundVideo(t *testing.T) {
	cfg := testConfig()
	m := newTestModel(t, cfg)
	rng := rand.New(rand.NewSource(10))

	v := testVideo(rng, cfg, "bg", 8)
	v.Segments = []common.Segment{}
	v.Labels = []int{}

	res, err := m.ForwardTrain([]fusion.Video{v})
	require.NoError(t, err)
	assert.Equal(t, 0, res.NumPos)
	assert.Equal(t, float32(0), res.Reg)
}

func TestForwardTrainMissingAnnotations(t *testing.T) {
	cfg := testConfig()
	m := newTestModel(t, cfg)
	v := testVideo(rand.New(rand.NewSource(11)), cfg, "x", 8)

	_, err := m.ForwardTrain([]fusion.Video{v})
	assert.Error(t, err)
}

// TestForwardInference runs the full decode + NMS + time-mapping path.
func TestForwardInference(t *testing.T) {
	cfg := testConfig()
	m := newTestModel(t, cfg)
	rng := rand.New(rand.NewSource(12))

	v := testVideo(rng, cfg, "infer", 8)
	results, err := m.ForwardInference([]fusion.Video{v})
	require.NoError(t, err)
	require.Len(t, results, 1)

	res := results[0]
	assert.Equal(t, "infer", res.VideoID)
	assert.Equal(t, float32(10), res.Duration)
	// The untrained prior keeps scores low but above the pre-NMS threshold.
	require.NotEmpty(t, res.Detections)
	for _, d := range res.Detections {
		assert.Greater(t, d.Score, float32(0))
		assert.LessOrEqual(t, d.Score, float32(1))
		assert.GreaterOrEqual(t, d.Segment.Start, float32(0))
		assert.LessOrEqual(t, d.Segment.End, res.Duration)
		assert.GreaterOrEqual(t, d.Label, 0)
		assert.Less(t, d.Label, cfg.NumClasses)
	}
	// Descending score order after postprocessing.
	for i := 1; i < len(res.Detections); i++ {
		assert.GreaterOrEqual(t, res.Detections[i-1].Score, res.Detections[i].Score)
	}

	_, err = m.ForwardInference([]fusion.Video{v, v})
	assert.Error(t, err, "single-video precondition")
}

// TestDecodeGridCoordinates checks that Decode leaves detections on the
// feature grid with the time-mapping metadata attached.
func TestDecodeGridCoordinates(t *testing.T) {
	cfg := testConfig()
	m := newTestModel(t, cfg)
	v := testVideo(rand.New(rand.NewSource(13)), cfg, "raw", 8)

	raw, err := m.Decode([]fusion.Video{v})
	require.NoError(t, err)
	require.Len(t, raw, 1)
	assert.Equal(t, 4, raw[0].FeatStride)
	assert.Equal(t, 16, raw[0].FeatNumFrames)
	assert.Equal(t, float32(25), raw[0].FPS)
}

// TestFlattenLogits checks the level-major, location-major flattening.
func TestFlattenLogits(t *testing.T) {
	// Level 0: [2, 2] channel-major; level 1: [2, 1].
	l0 := tensor.New(tensor.WithShape(2, 2), tensor.WithBacking([]float32{1, 2, 3, 4}))
	l1 := tensor.New(tensor.WithShape(2, 1), tensor.WithBacking([]float32{5, 6}))

	flat := flattenLogits([]*tensor.Dense{l0, l1})
	// Location 0: channels (1, 3); location 1: (2, 4); location 2: (5, 6).
	assert.Equal(t, []float32{1, 3, 2, 4, 5, 6}, flat)
}

// TestDirectRegressionMode exercises the non-trident head variant end to end.
func TestDirectRegressionMode(t *testing.T) {
	cfg := testConfig()
	cfg.UseTridentHead = false
	m := newTestModel(t, cfg)
	rng := rand.New(rand.NewSource(14))

	v := testVideo(rng, cfg, "direct", 8)
	v.Segments = []common.Segment{{Start: 1, End: 3}}
	v.Labels = []int{1}

	res, err := m.ForwardTrain([]fusion.Video{v})
	require.NoError(t, err)
	assert.False(t, math32.IsNaN(res.Final))

	_, err = m.ForwardInference([]fusion.Video{testVideo(rng, cfg, "direct2", 8)})
	require.NoError(t, err)
}

// TestDecodeLevelHandComputed feeds hand-built logits through decodeLevel and
// checks the exact decoded segment. A single location clears the score
// threshold: class 1 at t=2 on a stride-2 level, with direct regression
// offsets (1.5, 2.5), so the segment must come out as (4-1.5*2, 4+2.5*2).
func TestDecodeLevelHandComputed(t *testing.T) {
	cfg := testConfig()
	cfg.UseTridentHead = false
	cfg.Test.CombineStrategy = config.CombineMax
	cfg.Test.CombineAlpha = 0.7
	cfg.Test.CombineBeta = 0.3
	cfg.Test.PreNMSThresh = 0.5
	cfg.Test.PreNMSTopK = 100
	cfg.Test.DurationThresh = 0.05

	dec, err := heads.NewOffsetDecoder(0, false)
	require.NoError(t, err)
	m := &Model{cfg: cfg, decoder: dec}

	const seqLen = 4
	lvl := pyramid.Level{
		Feats: tensor.New(tensor.WithShape(1, seqLen), tensor.WithBacking(make([]float32, seqLen))),
		Mask:  []bool{true, true, true, true},
	}

	// Class logits [2, seqLen], channel-major. Only (class 1, t=2) is hot.
	cls := make([]float32, 2*seqLen)
	for i := range cls {
		cls[i] = -10
	}
	cls[1*seqLen+2] = 10

	// Secondary logits [3, seqLen], uniformly cold.
	clip := make([]float32, 3*seqLen)
	for i := range clip {
		clip[i] = -10
	}

	// Direct regression [2, seqLen]: row 0 left, row 1 right offsets.
	reg := make([]float32, 2*seqLen)
	reg[2] = 1.5
	reg[seqLen+2] = 2.5

	out := &videoOutputs{
		levels:     []pyramid.Level{lvl},
		clsLogits:  []*tensor.Dense{tensor.New(tensor.WithShape(2, seqLen), tensor.WithBacking(cls))},
		clipLogits: []*tensor.Dense{tensor.New(tensor.WithShape(3, seqLen), tensor.WithBacking(clip))},
		regOuts:    []*tensor.Dense{tensor.New(tensor.WithShape(2, seqLen), tensor.WithBacking(reg))},
	}
	pts := make([]pyramid.Point, seqLen)
	for i := range pts {
		pts[i] = pyramid.Point{T: float32(i) * 2, RangeMin: 0, RangeMax: 10000, Stride: 2}
	}

	dets, err := m.decodeLevel(out, [][]pyramid.Point{pts}, 0)
	require.NoError(t, err)
	require.Len(t, dets, 1)

	assert.Equal(t, 1, dets[0].Label)
	assert.InDelta(t, 1.0, dets[0].Segment.Start, 1e-5)
	assert.InDelta(t, 9.0, dets[0].Segment.End, 1e-5)

	want := 0.7*sigmoid(10) + 0.3*sigmoid(-10)
	assert.InDelta(t, want, dets[0].Score, 1e-6)
}
