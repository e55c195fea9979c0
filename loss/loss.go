package loss

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-tal/heads"
)

// Final-loss combination weights. Deliberately distinct from the 0.7/0.3 mix
// the inference decoder uses for scores; only the regression share is
// additionally scaled by the configured loss weight.
const (
	finalAlpha = 0.3
	finalBeta  = 0.4
)

// Config controls the combined loss computation.
type Config struct {
	NumClasses     int
	SecondaryVocab int
	LabelSmoothing float32
	IoUWeightPower float32
	// LossWeight scales the regression share. Non-positive switches to the
	// auto-balancing fallback using the current cls/reg ratio.
	LossWeight float32
	Trident    bool
}

// Inputs carries the flattened per-video quantities consumed by Compute.
// All per-location matrices are location-major: index loc*width + column.
type Inputs struct {
	// ValidMask marks real (non-padded) locations, one slice per video.
	ValidMask [][]bool
	// ClsLogits / ClipLogits hold [FT, vocab] logits per video.
	ClsLogits  [][]float32
	ClipLogits [][]float32
	// Decoded holds the decoded offsets per video, per-class in trident mode.
	Decoded []*heads.Offsets
	// ClsTargets / ClipTargets / RegTargets come from the label assigner.
	ClsTargets  [][]float32
	ClipTargets [][]float32
	RegTargets  [][]float32
}

// Result is the labeled loss breakdown of one training step.
type Result struct {
	Cls    float32
	Reg    float32
	Clip   float32
	Final  float32
	NumPos int
}

// Compute evaluates the combined training loss.
//
// Primary classification: focal loss over all valid locations; in trident
// mode each positively-labeled element is further scaled by (1-iou)^p, iou
// being the generalized-IoU of its decoded offsets against the ground truth,
// so poorly localized predictions keep their full classification penalty
// while well-localized ones are relaxed. Secondary classification: plain
// focal loss. Regression: distance-IoU over positive elements only; with
// zero positives the term is exactly zero. All three are divided by the EMA
// normalizer, which is updated here once.
func Compute(cfg Config, norm *EMANormalizer, in Inputs) (Result, error) {
	numVideos := len(in.ValidMask)
	if len(in.ClsLogits) != numVideos || len(in.ClipLogits) != numVideos ||
		len(in.Decoded) != numVideos || len(in.ClsTargets) != numVideos ||
		len(in.ClipTargets) != numVideos || len(in.RegTargets) != numVideos {
		return Result{}, errors.New("per-video input lists must have equal length")
	}

	numPos := 0
	for b := 0; b < numVideos; b++ {
		for loc, valid := range in.ValidMask[b] {
			if valid && rowSum(in.ClsTargets[b], loc, cfg.NumClasses) > 0 {
				numPos++
			}
		}
	}
	normValue := norm.Update(numPos)

	smoothCls := cfg.LabelSmoothing / float32(cfg.NumClasses+1)
	smoothClip := cfg.LabelSmoothing / float32(cfg.SecondaryVocab+1)

	var clsLoss, clipLoss, regLoss float32
	for b := 0; b < numVideos; b++ {
		mask := in.ValidMask[b]
		ft := len(mask)
		if len(in.ClsLogits[b]) != ft*cfg.NumClasses || len(in.ClsTargets[b]) != ft*cfg.NumClasses {
			return Result{}, errors.Errorf("video %d cls width mismatch", b)
		}
		if len(in.ClipLogits[b]) != ft*cfg.SecondaryVocab || len(in.ClipTargets[b]) != ft*cfg.SecondaryVocab {
			return Result{}, errors.Errorf("video %d clip width mismatch", b)
		}
		if len(in.RegTargets[b]) != ft*2 {
			return Result{}, errors.Errorf("video %d reg width mismatch", b)
		}
		if in.Decoded[b].T != ft {
			return Result{}, errors.Errorf("video %d decoded offsets cover %d locations, want %d", b, in.Decoded[b].T, ft)
		}

		for loc := 0; loc < ft; loc++ {
			if !mask[loc] {
				continue
			}
			gtLeft := in.RegTargets[b][loc*2]
			gtRight := in.RegTargets[b][loc*2+1]
			positive := rowSum(in.ClsTargets[b], loc, cfg.NumClasses) > 0

			for c := 0; c < cfg.NumClasses; c++ {
				raw := in.ClsTargets[b][loc*cfg.NumClasses+c]
				target := raw*(1-cfg.LabelSmoothing) + smoothCls
				l := SigmoidFocal(in.ClsLogits[b][loc*cfg.NumClasses+c], target)
				if cfg.Trident && raw > 0 {
					pl, pr := in.Decoded[b].At(loc, c)
					iouRate := GIoU(pl, pr, gtLeft, gtRight)
					l *= math32.Pow(iouRate, cfg.IoUWeightPower)
				}
				clsLoss += l
			}
			for c := 0; c < cfg.SecondaryVocab; c++ {
				target := in.ClipTargets[b][loc*cfg.SecondaryVocab+c]*(1-cfg.LabelSmoothing) + smoothClip
				clipLoss += SigmoidFocal(in.ClipLogits[b][loc*cfg.SecondaryVocab+c], target)
			}

			if !positive {
				continue
			}
			if cfg.Trident {
				// One regression term per positively labeled class element.
				for c := 0; c < cfg.NumClasses; c++ {
					if in.ClsTargets[b][loc*cfg.NumClasses+c] <= 0 {
						continue
					}
					pl, pr := in.Decoded[b].At(loc, c)
					regLoss += DIoU(pl, pr, gtLeft, gtRight)
				}
			} else {
				pl, pr := in.Decoded[b].At(loc, 0)
				regLoss += DIoU(pl, pr, gtLeft, gtRight)
			}
		}
	}

	clsLoss /= normValue
	clipLoss /= normValue
	if numPos == 0 {
		regLoss = 0
	} else {
		regLoss /= normValue
	}

	weight := cfg.LossWeight
	if weight <= 0 {
		weight = clsLoss / math32.Max(regLoss, 0.01)
	}
	final := finalAlpha*clsLoss + finalBeta*clipLoss + regLoss*weight*(1-finalAlpha-finalBeta)

	return Result{
		Cls:    clsLoss,
		Reg:    regLoss,
		Clip:   clipLoss,
		Final:  final,
		NumPos: numPos,
	}, nil
}

func rowSum(m []float32, row, width int) float32 {
	var s float32
	for _, v := range m[row*width : (row+1)*width] {
		s += v
	}
	return s
}
