package detect

import (
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-tal/assign"
	"github.com/nvr-ai/go-tal/fusion"
	"github.com/nvr-ai/go-tal/loss"
	"github.com/nvr-ai/go-tal/pyramid"
)

// ForwardTrain runs the full training forward pass over a batch of videos
// and returns the labeled loss breakdown. The EMA loss normalizer is updated
// exactly once per call.
//
// Every video must carry ground-truth segments and labels; a video whose
// annotation list is empty (but present) is valid and contributes only
// background targets.
func (m *Model) ForwardTrain(videos []fusion.Video) (loss.Result, error) {
	for _, v := range videos {
		if v.Segments == nil || v.Labels == nil {
			return loss.Result{}, errors.Errorf("video %s has no ground-truth annotations", v.ID)
		}
	}

	inputs, masks, err := m.fuser.Batch(videos, true)
	if err != nil {
		return loss.Result{}, err
	}

	outs := make([]*videoOutputs, len(videos))
	for i := range videos {
		if outs[i], err = m.forwardVideo(inputs[i], masks[i]); err != nil {
			return loss.Result{}, errors.Wrapf(err, "video %s", videos[i].ID)
		}
	}

	// All inputs are padded to the same length, so the point table of the
	// first video serves the whole batch.
	points, err := m.generator.Generate(outs[0].levels)
	if err != nil {
		return loss.Result{}, err
	}
	flatPoints := pyramid.Concat(points)

	lossIn := loss.Inputs{
		ValidMask:   make([][]bool, len(videos)),
		ClsLogits:   make([][]float32, len(videos)),
		ClipLogits:  make([][]float32, len(videos)),
		ClsTargets:  make([][]float32, len(videos)),
		ClipTargets: make([][]float32, len(videos)),
		RegTargets:  make([][]float32, len(videos)),
	}
	assignCfg := assign.Config{
		NumClasses:         m.cfg.NumClasses,
		SecondaryVocab:     m.cfg.SecondaryVocab,
		CenterSample:       m.cfg.Train.CenterSample,
		CenterSampleRadius: m.cfg.Train.CenterSampleRadius,
	}
	for i, v := range videos {
		targets, err := assign.LabelPoints(assignCfg, flatPoints, v.Segments, v.Labels)
		if err != nil {
			return loss.Result{}, errors.Wrapf(err, "label video %s", v.ID)
		}
		decoded, err := m.decoder.DecodeVideo(outs[i].regOuts, outs[i].startLogits, outs[i].endLogits)
		if err != nil {
			return loss.Result{}, errors.Wrapf(err, "decode video %s", v.ID)
		}
		lossIn.ValidMask[i] = pyramid.ConcatMasks(outs[i].levels)
		lossIn.ClsLogits[i] = flattenLogits(outs[i].clsLogits)
		lossIn.ClipLogits[i] = flattenLogits(outs[i].clipLogits)
		lossIn.Decoded = append(lossIn.Decoded, decoded)
		lossIn.ClsTargets[i] = targets.Cls
		lossIn.ClipTargets[i] = targets.Clip
		lossIn.RegTargets[i] = targets.Reg
	}

	return loss.Compute(loss.Config{
		NumClasses:     m.cfg.NumClasses,
		SecondaryVocab: m.cfg.SecondaryVocab,
		LabelSmoothing: m.cfg.Train.LabelSmoothing,
		IoUWeightPower: m.cfg.IoUWeightPower,
		LossWeight:     m.cfg.Train.LossWeight,
		Trident:        m.cfg.UseTridentHead,
	}, m.normalizer, lossIn)
}
