package detect

import (
	"sort"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-tal/common"
	"github.com/nvr-ai/go-tal/config"
	"github.com/nvr-ai/go-tal/fusion"
	"github.com/nvr-ai/go-tal/postprocess"
	"github.com/nvr-ai/go-tal/pyramid"
)

// ForwardInference runs detection on a single video (a strict precondition:
// callers parallelize across videos by issuing independent calls) and returns
// the postprocessed results.
func (m *Model) ForwardInference(videos []fusion.Video) ([]postprocess.Result, error) {
	raw, err := m.Decode(videos)
	if err != nil {
		return nil, err
	}
	return postprocess.Process(raw, m.nmsConfig())
}

// Decode runs backbone, heads and per-level decoding, returning grid-relative
// raw results (before NMS and time mapping).
func (m *Model) Decode(videos []fusion.Video) ([]postprocess.RawResult, error) {
	inputs, masks, err := m.fuser.Batch(videos, false)
	if err != nil {
		return nil, err
	}
	v := videos[0]
	out, err := m.forwardVideo(inputs[0], masks[0])
	if err != nil {
		return nil, errors.Wrapf(err, "video %s", v.ID)
	}
	points, err := m.generator.Generate(out.levels)
	if err != nil {
		return nil, err
	}

	var detections []common.Detection
	for l := range out.levels {
		dets, err := m.decodeLevel(out, points, l)
		if err != nil {
			return nil, errors.Wrapf(err, "video %s level %d", v.ID, l)
		}
		detections = append(detections, dets...)
	}

	return []postprocess.RawResult{{
		VideoID:       v.ID,
		Detections:    detections,
		FPS:           v.FPS,
		Duration:      v.Duration,
		FeatStride:    v.FeatStride,
		FeatNumFrames: v.FeatNumFrames,
	}}, nil
}

// decodeLevel scores, filters and decodes one pyramid level of one video.
func (m *Model) decodeLevel(out *videoOutputs, points [][]pyramid.Point, l int) ([]common.Detection, error) {
	lvl := out.levels[l]
	seqLen := lvl.T()
	numClasses := m.cfg.NumClasses
	cls := out.clsLogits[l].Data().([]float32)
	clip := out.clipLogits[l].Data().([]float32)
	vocab := out.clipLogits[l].Shape()[0]
	alpha := m.cfg.Test.CombineAlpha
	beta := m.cfg.Test.CombineBeta

	// Combined probability over (location, class) pairs; masked locations
	// stay zero and never pass the threshold below.
	type candidate struct {
		flat  int
		score float32
	}
	var cands []candidate
	for t := 0; t < seqLen; t++ {
		if !lvl.Mask[t] {
			continue
		}
		var clipScore float32
		if m.cfg.Test.CombineStrategy == config.CombineMax {
			best := math32.Inf(-1)
			for s := 0; s < vocab; s++ {
				if v := clip[s*seqLen+t]; v > best {
					best = v
				}
			}
			clipScore = sigmoid(best)
		}
		for c := 0; c < numClasses; c++ {
			cs := clipScore
			if m.cfg.Test.CombineStrategy == config.CombinePerClass {
				cs = sigmoid(clip[c*seqLen+t])
			}
			score := alpha*sigmoid(cls[c*seqLen+t]) + beta*cs
			if score > m.cfg.Test.PreNMSThresh {
				cands = append(cands, candidate{flat: t*numClasses + c, score: score})
			}
		}
	}

	// Top-k by score; stable sort keeps earlier locations on ties.
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].score > cands[j].score
	})
	if len(cands) > m.cfg.Test.PreNMSTopK {
		cands = cands[:m.cfg.Test.PreNMSTopK]
	}
	if len(cands) == 0 {
		return nil, nil
	}

	decoded, err := m.decoder.DecodeLevel(out.regOuts[l], levelOrNil(out.startLogits, l), levelOrNil(out.endLogits, l))
	if err != nil {
		return nil, err
	}

	pts := points[l]
	dets := make([]common.Detection, 0, len(cands))
	for _, cand := range cands {
		loc := cand.flat / numClasses
		clsIdx := cand.flat % numClasses
		left, right := decoded.At(loc, clsIdx)
		pt := pts[loc]
		seg := common.Segment{
			Start: pt.T - left*pt.Stride,
			End:   pt.T + right*pt.Stride,
		}
		if seg.Duration() <= m.cfg.Test.DurationThresh {
			continue
		}
		dets = append(dets, common.Detection{Segment: seg, Score: cand.score, Label: clsIdx})
	}
	return dets, nil
}

func (m *Model) nmsConfig() *postprocess.NMSConfig {
	return &postprocess.NMSConfig{
		Method:       m.cfg.Test.NMSMethod,
		IoUThreshold: m.cfg.Test.IoUThreshold,
		MinScore:     m.cfg.Test.MinScore,
		MaxSegNum:    m.cfg.Test.MaxSegNum,
		Multiclass:   m.cfg.Test.MulticlassNMS,
		Sigma:        m.cfg.Test.NMSSigma,
		VotingThresh: m.cfg.Test.VotingThresh,
	}
}

func sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}

// levelOrNil indexes a per-level tensor list that may be absent entirely
// (direct regression mode has no boundary heads).
func levelOrNil(list []*tensor.Dense, l int) *tensor.Dense {
	if list == nil {
		return nil
	}
	return list[l]
}
