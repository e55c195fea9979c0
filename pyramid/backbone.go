package pyramid

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Backbone turns a padded feature sequence and its validity mask into a
// feature pyramid. Production deployments inject their own implementation
// (temporal conv + attention stacks); the detection head only depends on this
// contract.
type Backbone interface {
	Forward(feats *tensor.Dense, mask []bool) ([]Level, error)
}

// PoolingBackbone is a reference Backbone that builds the pyramid by strided
// max pooling. It keeps the channel count unchanged, which doubles as an
// identity neck. Useful for tests and as a stand-in while wiring real models.
type PoolingBackbone struct {
	strides []int
}

// NewPoolingBackbone creates a pooling backbone for the given level strides.
// Strides must be ascending and the first stride must be 1 so that level 0
// mirrors the input resolution.
func NewPoolingBackbone(strides []int) (*PoolingBackbone, error) {
	if len(strides) == 0 {
		return nil, errors.New("at least one pyramid level is required")
	}
	if strides[0] != 1 {
		return nil, errors.Errorf("first level stride must be 1, got %d", strides[0])
	}
	for i := 1; i < len(strides); i++ {
		if strides[i] <= strides[i-1] {
			return nil, errors.Errorf("strides must be ascending, got %v", strides)
		}
	}
	return &PoolingBackbone{strides: strides}, nil
}

// Forward builds the pyramid. Level l has length T/stride_l; position i pools
// the input window [i*stride, (i+1)*stride). A pooled location is valid only
// if the first input step of its window is valid, matching how masks
// propagate through strided convolutions.
func (b *PoolingBackbone) Forward(feats *tensor.Dense, mask []bool) ([]Level, error) {
	shape := feats.Shape()
	if len(shape) != 2 {
		return nil, errors.Errorf("expected [channels, T] features, got shape %v", shape)
	}
	channels, seqLen := shape[0], shape[1]
	if len(mask) != seqLen {
		return nil, errors.Errorf("mask length %d does not match T=%d", len(mask), seqLen)
	}
	data := feats.Data().([]float32)

	levels := make([]Level, len(b.strides))
	for l, stride := range b.strides {
		if seqLen%stride != 0 {
			return nil, errors.Errorf("sequence length %d not divisible by level stride %d", seqLen, stride)
		}
		outT := seqLen / stride
		out := make([]float32, channels*outT)
		for c := 0; c < channels; c++ {
			row := data[c*seqLen : (c+1)*seqLen]
			for i := 0; i < outT; i++ {
				v := math32.Inf(-1)
				for k := i * stride; k < (i+1)*stride; k++ {
					if row[k] > v {
						v = row[k]
					}
				}
				out[c*outT+i] = v
			}
		}
		outMask := make([]bool, outT)
		for i := 0; i < outT; i++ {
			outMask[i] = mask[i*stride]
		}
		// Padded locations must carry zeros, not pooled garbage, so that
		// downstream convs read neutral values from their neighborhoods.
		for i, ok := range outMask {
			if !ok {
				for c := 0; c < channels; c++ {
					out[c*outT+i] = 0
				}
			}
		}
		levels[l] = Level{
			Feats: tensor.New(tensor.WithShape(channels, outT), tensor.Of(tensor.Float32), tensor.WithBacking(out)),
			Mask:  outMask,
		}
	}
	return levels, nil
}
