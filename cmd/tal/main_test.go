package main

import (
	"math/rand"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-tal/config"
	"github.com/nvr-ai/go-tal/detect"
	"github.com/nvr-ai/go-tal/embeddings"
	"github.com/nvr-ai/go-tal/fusion"
	"github.com/nvr-ai/go-tal/pyramid"
	"gorgonia.org/tensor"
)

// TestAlignFPNDim checks that the stock configuration gets its fpn_dim
// reconciled with the pooling backbone's fused channel count.
func TestAlignFPNDim(t *testing.T) {
	cfg := config.Default()
	require.NotEqual(t, cfg.InputDim+cfg.ClipDim, cfg.FPNDim)

	alignFPNDim(&cfg, zerolog.Nop())
	assert.Equal(t, cfg.InputDim+cfg.ClipDim, cfg.FPNDim)

	// Already-aligned configs stay untouched.
	before := cfg.FPNDim
	alignFPNDim(&cfg, zerolog.Nop())
	assert.Equal(t, before, cfg.FPNDim)
}

// TestAlignFPNDimBuildsModel verifies the aligned config passes the head
// channel check that a default run previously tripped.
func TestAlignFPNDimBuildsModel(t *testing.T) {
	cfg := config.Default()
	cfg.InputDim = 4
	cfg.ClipDim = 4
	cfg.FPNDim = 512 // Deliberately stale, as in the stock defaults.
	cfg.HeadDim = 8
	cfg.MaxSeqLen = 8
	cfg.FPNStrides = []int{1, 2}
	cfg.MHAWinSize = []int{1, 1}
	cfg.RegRanges = [][2]float32{{0, 4}, {4, 10000}}
	cfg.NumClasses = 2
	cfg.SecondaryVocab = 3
	alignFPNDim(&cfg, zerolog.Nop())

	rng := rand.New(rand.NewSource(1))
	data := make([]float32, cfg.SecondaryVocab*cfg.FPNDim)
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}
	loader := embeddings.Static{
		Matrix: tensor.New(tensor.WithShape(cfg.SecondaryVocab, cfg.FPNDim), tensor.WithBacking(data)),
	}

	bb, err := pyramid.NewPoolingBackbone(cfg.FPNStrides)
	require.NoError(t, err)
	model, err := detect.New(cfg, bb, loader, rng, zerolog.Nop())
	require.NoError(t, err)

	// The channel check fires during the forward pass, so run one video
	// through inference end to end.
	feats := make([]float32, cfg.InputDim*8)
	clip := make([]float32, cfg.ClipDim*8)
	for i := range feats {
		feats[i] = float32(rng.NormFloat64())
	}
	for i := range clip {
		clip[i] = float32(rng.NormFloat64())
	}
	_, err = model.ForwardInference([]fusion.Video{{
		ID:        "v",
		Feats:     tensor.New(tensor.WithShape(cfg.InputDim, 8), tensor.WithBacking(feats)),
		ClipFeats: tensor.New(tensor.WithShape(cfg.ClipDim, 8), tensor.WithBacking(clip)),
		FPS:       30,
		Duration:  10,
	}})
	assert.NoError(t, err)
}
