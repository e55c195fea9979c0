package heads

import (
	"math/rand"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-tal/layers"
	"github.com/nvr-ai/go-tal/pyramid"
)

// RegConfig configures the regression head.
type RegConfig struct {
	InputDim   int
	FeatDim    int
	NumLevels  int
	NumLayers  int
	KernelSize int
	WithLN     bool
	// NumBins selects the boundary-distribution width. Zero disables the
	// distribution mode and the head emits direct 2-value offsets.
	NumBins int
}

// RegHead produces per-location regression output: either raw (left, right)
// distances or, in distribution mode, 2*(NumBins+1) raw bin logits per
// location. A learnable per-level scalar scales the output, which is then
// clamped at zero since distances are non-negative.
type RegHead struct {
	convs  []*layers.MaskedConv1D
	norms  []*layers.LayerNorm
	offset *layers.MaskedConv1D
	scales []*layers.Scale
	outDim int
}

// NewRegHead builds the regression head for a fixed pyramid depth.
func NewRegHead(cfg RegConfig, rng *rand.Rand) (*RegHead, error) {
	if cfg.NumLayers < 1 {
		return nil, errors.Errorf("head needs at least one layer, got %d", cfg.NumLayers)
	}
	if cfg.NumLevels < 1 {
		return nil, errors.Errorf("head needs at least one pyramid level, got %d", cfg.NumLevels)
	}
	h := &RegHead{outDim: 2 * (cfg.NumBins + 1)}
	for idx := 0; idx < cfg.NumLayers-1; idx++ {
		inDim := cfg.FeatDim
		if idx == 0 {
			inDim = cfg.InputDim
		}
		conv, err := layers.NewMaskedConv1D(inDim, cfg.FeatDim, cfg.KernelSize, !cfg.WithLN, rng)
		if err != nil {
			return nil, err
		}
		h.convs = append(h.convs, conv)
		if cfg.WithLN {
			h.norms = append(h.norms, layers.NewLayerNorm(cfg.FeatDim))
		} else {
			h.norms = append(h.norms, nil)
		}
	}
	inDim := cfg.FeatDim
	if cfg.NumLayers == 1 {
		inDim = cfg.InputDim
	}
	offset, err := layers.NewMaskedConv1D(inDim, h.outDim, cfg.KernelSize, true, rng)
	if err != nil {
		return nil, err
	}
	h.offset = offset
	for i := 0; i < cfg.NumLevels; i++ {
		h.scales = append(h.scales, layers.NewScale())
	}
	return h, nil
}

// OutDim returns the per-location channel count of the head output.
func (h *RegHead) OutDim() int {
	return h.outDim
}

// Forward produces one map [2*(NumBins+1), T_i] per pyramid level, scaled by
// the level's scalar and clamped at zero.
func (h *RegHead) Forward(levels []pyramid.Level) ([]*tensor.Dense, error) {
	if len(levels) != len(h.scales) {
		return nil, errors.Errorf("pyramid has %d levels, head built for %d", len(levels), len(h.scales))
	}
	out := make([]*tensor.Dense, len(levels))
	for l, lvl := range levels {
		cur := lvl.Feats
		var err error
		for i, conv := range h.convs {
			cur, err = conv.Forward(cur, lvl.Mask)
			if err != nil {
				return nil, errors.Wrapf(err, "reg head layer %d level %d", i, l)
			}
			if h.norms[i] != nil {
				cur, err = h.norms[i].Forward(cur, lvl.Mask)
				if err != nil {
					return nil, errors.Wrapf(err, "reg head norm %d level %d", i, l)
				}
			}
			layers.ReLU(cur.Data().([]float32))
		}
		offsets, err := h.offset.Forward(cur, lvl.Mask)
		if err != nil {
			return nil, errors.Wrapf(err, "reg head offsets level %d", l)
		}
		data := offsets.Data().([]float32)
		h.scales[l].Apply(data)
		layers.ReLU(data)
		out[l] = offsets
	}
	return out, nil
}
