// Package heads - dense prediction heads for the temporal detection model.
package heads

import (
	"math/rand"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-tal/layers"
	"github.com/nvr-ai/go-tal/pyramid"
)

// ClsConfig configures a classification head instance.
type ClsConfig struct {
	InputDim   int
	FeatDim    int
	NumClasses int
	NumLayers  int
	KernelSize int
	PriorProb  float32
	WithLN     bool
	// EmptyCls lists class indices that never occur in the training
	// distribution; their final bias is driven to a large negative value so
	// their activation stays suppressed.
	EmptyCls []int
	// DetachFeat makes the head operate on a private copy of the features.
	// Boundary heads use this so they cannot feed back into the shared trunk.
	DetachFeat bool
}

// ClsHead is a shared-weight-per-level conv stack producing per-location
// per-class logits. Three independently weighted instances serve as the main
// classifier and the start/end boundary classifiers.
type ClsHead struct {
	convs      []*layers.MaskedConv1D
	norms      []*layers.LayerNorm
	cls        *layers.MaskedConv1D
	detachFeat bool
}

// NewClsHead builds the head and applies the analytic bias initialization:
// with prior probability p the final bias is set to -log((1-p)/p) so sigmoid
// outputs approximate p for every class at init. Empty classes are then
// overwritten once with -log((1-1e-6)/1e-6).
func NewClsHead(cfg ClsConfig, rng *rand.Rand) (*ClsHead, error) {
	if cfg.NumLayers < 1 {
		return nil, errors.Errorf("head needs at least one layer, got %d", cfg.NumLayers)
	}
	h := &ClsHead{detachFeat: cfg.DetachFeat}
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
	cls, err := layers.NewMaskedConv1D(inDim, cfg.NumClasses, cfg.KernelSize, true, rng)
	if err != nil {
		return nil, err
	}
	if cfg.PriorProb > 0 {
		bias := -math32.Log((1 - cfg.PriorProb) / cfg.PriorProb)
		for i := range cls.Bias {
			cls.Bias[i] = bias
		}
	}
	if len(cfg.EmptyCls) > 0 {
		bias := -math32.Log((1 - 1e-6) / 1e-6)
		for _, idx := range cfg.EmptyCls {
			if idx < 0 || idx >= cfg.NumClasses {
				return nil, errors.Errorf("empty class index %d out of range [0, %d)", idx, cfg.NumClasses)
			}
			cls.Bias[idx] = bias
		}
	}
	h.cls = cls
	return h, nil
}

// Forward produces one logits map [NumClasses, T_i] per pyramid level.
func (h *ClsHead) Forward(levels []pyramid.Level) ([]*tensor.Dense, error) {
	out := make([]*tensor.Dense, len(levels))
	for l, lvl := range levels {
		cur := lvl.Feats
		if h.detachFeat {
			cur = cur.Clone().(*tensor.Dense)
		}
		var err error
		for i, conv := range h.convs {
			cur, err = conv.Forward(cur, lvl.Mask)
			if err != nil {
				return nil, errors.Wrapf(err, "cls head layer %d level %d", i, l)
			}
			if h.norms[i] != nil {
				cur, err = h.norms[i].Forward(cur, lvl.Mask)
				if err != nil {
					return nil, errors.Wrapf(err, "cls head norm %d level %d", i, l)
				}
			}
			layers.ReLU(cur.Data().([]float32))
		}
		logits, err := h.cls.Forward(cur, lvl.Mask)
		if err != nil {
			return nil, errors.Wrapf(err, "cls head classifier level %d", l)
		}
		out[l] = logits
	}
	return out, nil
}
