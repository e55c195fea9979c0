// Package eval - detection quality metrics: per-class average precision and
// mean AP across temporal IoU thresholds.
package eval

import (
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/nvr-ai/go-tal/common"
)

// GroundTruth is one annotated action instance.
type GroundTruth struct {
	VideoID string
	Segment common.Segment
	Label   int
}

// Prediction is one scored detection attributed to a video.
type Prediction struct {
	VideoID   string
	Detection common.Detection
}

// Report summarizes detection quality over a threshold sweep.
type Report struct {
	// Thresholds are the evaluated temporal IoU thresholds.
	Thresholds []float32
	// MAP holds the mean AP (over classes) at each threshold.
	MAP []float64
	// Average is the mean of MAP across thresholds.
	Average float64
}

// AveragePrecision computes AP for one class at one tIoU threshold.
//
// Predictions are consumed in descending score order; each prediction matches
// at most one still-unmatched ground truth of the same video when their
// temporal IoU reaches the threshold. AP integrates the precision envelope
// over recall.
func AveragePrecision(preds []Prediction, gts []GroundTruth, label int, tiou float32) float64 {
	var classGT []GroundTruth
	gtByVideo := make(map[string][]int)
	for _, g := range gts {
		if g.Label != label {
			continue
		}
		gtByVideo[g.VideoID] = append(gtByVideo[g.VideoID], len(classGT))
		classGT = append(classGT, g)
	}
	if len(classGT) == 0 {
		return 0
	}

	var classPreds []Prediction
	for _, p := range preds {
		if p.Detection.Label == label {
			classPreds = append(classPreds, p)
		}
	}
	sort.SliceStable(classPreds, func(i, j int) bool {
		return classPreds[i].Detection.Score > classPreds[j].Detection.Score
	})

	matched := make([]bool, len(classGT))
	tp := make([]float64, len(classPreds))
	fp := make([]float64, len(classPreds))
	for i, p := range classPreds {
		bestIoU := float32(0)
		bestIdx := -1
		for _, gi := range gtByVideo[p.VideoID] {
			if matched[gi] {
				continue
			}
			if iou := p.Detection.Segment.IoU(classGT[gi].Segment); iou > bestIoU {
				bestIoU = iou
				bestIdx = gi
			}
		}
		if bestIdx >= 0 && bestIoU >= tiou {
			matched[bestIdx] = true
			tp[i] = 1
		} else {
			fp[i] = 1
		}
	}

	floats.CumSum(tp, tp)
	floats.CumSum(fp, fp)

	var ap, prevRecall float64
	for i := range tp {
		recall := tp[i] / float64(len(classGT))
		precision := tp[i] / (tp[i] + fp[i])
		ap += precision * (recall - prevRecall)
		prevRecall = recall
	}
	return ap
}

// MeanAP evaluates mAP at every threshold and averages across them.
func MeanAP(preds []Prediction, gts []GroundTruth, numClasses int, thresholds []float32) Report {
	rep := Report{Thresholds: thresholds, MAP: make([]float64, len(thresholds))}
	for ti, tiou := range thresholds {
		aps := make([]float64, 0, numClasses)
		for label := 0; label < numClasses; label++ {
			present := false
			for _, g := range gts {
				if g.Label == label {
					present = true
					break
				}
			}
			if !present {
				continue
			}
			aps = append(aps, AveragePrecision(preds, gts, label, tiou))
		}
		if len(aps) > 0 {
			rep.MAP[ti] = stat.Mean(aps, nil)
		}
	}
	if len(rep.MAP) > 0 {
		rep.Average = stat.Mean(rep.MAP, nil)
	}
	return rep
}
