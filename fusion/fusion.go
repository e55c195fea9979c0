// Package fusion - two-modality input fusion and batch padding for the
// detection model.
package fusion

import (
	"math/rand"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-tal/common"
	"github.com/nvr-ai/go-tal/layers"
)

// Video is one per-video input record: the primary and secondary feature
// streams plus ground truth and passthrough metadata.
type Video struct {
	ID string
	// Feats is the primary feature stream [inputDim, T].
	Feats *tensor.Dense
	// ClipFeats is the secondary (semantic) feature stream [clipDim, T].
	ClipFeats *tensor.Dense
	// Segments / Labels are the ground-truth annotations; empty for
	// inference-only inputs.
	Segments []common.Segment
	Labels   []int
	// Passthrough metadata used by the postprocessor.
	FPS           float32
	Duration      float32
	FeatStride    int
	FeatNumFrames int
}

// T returns the temporal length of the video's features.
func (v Video) T() int {
	return v.Feats.Shape()[1]
}

// Fuser maps both feature streams through residual projections and
// concatenates them channel-wise, then pads a batch to a common length and
// builds the validity masks.
type Fuser struct {
	featsProj *layers.Linear
	clipProj  *layers.Linear
	maxSeqLen int
	// maxDivFactor is the largest effective level stride; oversized inference
	// inputs are padded up to the next multiple so every level divides evenly.
	maxDivFactor int
}

// NewFuser creates the fusion front-end.
func NewFuser(inputDim, clipDim, maxSeqLen, maxDivFactor int, rng *rand.Rand) (*Fuser, error) {
	if maxSeqLen <= 0 || maxDivFactor <= 0 {
		return nil, errors.Errorf("invalid maxSeqLen=%d maxDivFactor=%d", maxSeqLen, maxDivFactor)
	}
	return &Fuser{
		featsProj:    layers.NewLinear(inputDim, inputDim, rng),
		clipProj:     layers.NewLinear(clipDim, clipDim, rng),
		maxSeqLen:    maxSeqLen,
		maxDivFactor: maxDivFactor,
	}, nil
}

// FusedDim returns the channel count of the fused features.
func (f *Fuser) FusedDim() int {
	return f.featsProj.OutDim + f.clipProj.OutDim
}

// Fuse projects both streams (ReLU over projection plus residual) and
// concatenates them along the channel axis.
func (f *Fuser) Fuse(v Video) (*tensor.Dense, error) {
	if v.Feats == nil || v.ClipFeats == nil {
		return nil, errors.Errorf("video %s is missing a feature stream", v.ID)
	}
	if v.Feats.Shape()[1] != v.ClipFeats.Shape()[1] {
		return nil, errors.Errorf("video %s stream lengths differ: %d vs %d",
			v.ID, v.Feats.Shape()[1], v.ClipFeats.Shape()[1])
	}
	mapped, err := f.project(f.featsProj, v.Feats)
	if err != nil {
		return nil, errors.Wrapf(err, "video %s primary stream", v.ID)
	}
	clipMapped, err := f.project(f.clipProj, v.ClipFeats)
	if err != nil {
		return nil, errors.Wrapf(err, "video %s secondary stream", v.ID)
	}

	seqLen := v.Feats.Shape()[1]
	fusedDim := f.FusedDim()
	out := make([]float32, fusedDim*seqLen)
	copy(out, mapped.Data().([]float32))
	copy(out[f.featsProj.OutDim*seqLen:], clipMapped.Data().([]float32))
	return tensor.New(tensor.WithShape(fusedDim, seqLen), tensor.Of(tensor.Float32), tensor.WithBacking(out)), nil
}

func (f *Fuser) project(proj *layers.Linear, x *tensor.Dense) (*tensor.Dense, error) {
	mapped, err := proj.ForwardTime(x)
	if err != nil {
		return nil, err
	}
	data := mapped.Data().([]float32)
	src := x.Data().([]float32)
	for i := range data {
		data[i] += src[i]
		if data[i] < 0 {
			data[i] = 0
		}
	}
	return mapped, nil
}

// Batch fuses every video and pads the batch to a common length.
//
// During training every input must fit within maxSeqLen and the batch is
// padded exactly to it. During inference the batch must hold a single video;
// shorter inputs are padded to maxSeqLen, longer ones to the next multiple of
// the maximum effective level stride.
//
// Returns:
// - One fused, padded tensor [fusedDim, paddedT] per video.
// - One validity mask per video, aligned with the padded time axis.
func (f *Fuser) Batch(videos []Video, training bool) ([]*tensor.Dense, [][]bool, error) {
	if len(videos) == 0 {
		return nil, nil, errors.New("empty batch")
	}
	maxLen := 0
	for _, v := range videos {
		if v.T() > maxLen {
			maxLen = v.T()
		}
	}
	if training {
		if maxLen > f.maxSeqLen {
			return nil, nil, errors.Errorf("input length %d exceeds max_seq_len %d during training", maxLen, f.maxSeqLen)
		}
		maxLen = f.maxSeqLen
	} else {
		if len(videos) != 1 {
			return nil, nil, errors.Errorf("inference supports a single video per batch, got %d", len(videos))
		}
		if maxLen <= f.maxSeqLen {
			maxLen = f.maxSeqLen
		} else {
			stride := f.maxDivFactor
			maxLen = (maxLen + stride - 1) / stride * stride
		}
	}

	fusedDim := f.FusedDim()
	inputs := make([]*tensor.Dense, len(videos))
	masks := make([][]bool, len(videos))
	for i, v := range videos {
		fused, err := f.Fuse(v)
		if err != nil {
			return nil, nil, err
		}
		seqLen := v.T()
		padded := make([]float32, fusedDim*maxLen)
		src := fused.Data().([]float32)
		for c := 0; c < fusedDim; c++ {
			copy(padded[c*maxLen:c*maxLen+seqLen], src[c*seqLen:(c+1)*seqLen])
		}
		mask := make([]bool, maxLen)
		for t := 0; t < seqLen; t++ {
			mask[t] = true
		}
		inputs[i] = tensor.New(tensor.WithShape(fusedDim, maxLen), tensor.Of(tensor.Float32), tensor.WithBacking(padded))
		masks[i] = mask
	}
	return inputs, masks, nil
}
