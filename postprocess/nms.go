// Package postprocess - Non-Maximum Suppression and time mapping for
// temporal detection results.
package postprocess

import (
	"sort"

	"github.com/chewxy/math32"

	"github.com/nvr-ai/go-tal/common"
	"github.com/nvr-ai/go-tal/config"
)

// NMSConfig defines parameters for temporal Non-Maximum Suppression.
type NMSConfig struct {
	Method       string  // One of config.NMSMethodSoft/Hard/None.
	IoUThreshold float32 // Overlap threshold for suppression (hard mode).
	MinScore     float32 // Score floor below which detections are dropped.
	MaxSegNum    int     // Maximum number of detections to keep.
	Multiclass   bool    // If true, suppress only within the same label.
	Sigma        float32 // Gaussian decay width for soft NMS.
	VotingThresh float32 // IoU threshold for score voting; 0 disables voting.
}

// BatchedNMS filters overlapping detections of one video.
//
// Arguments:
// - detections: Candidate detections in any order.
// - cfg: NMS configuration; Method "none" returns the input unchanged.
//
// Returns:
// - Filtered detections sorted by descending score.
func BatchedNMS(detections []common.Detection, cfg *NMSConfig) []common.Detection {
	if cfg.Method == config.NMSMethodNone || len(detections) == 0 {
		return detections
	}

	work := make([]common.Detection, len(detections))
	copy(work, detections)
	sort.SliceStable(work, func(i, j int) bool {
		return work[i].Score > work[j].Score
	})

	var kept []common.Detection
	if cfg.Method == config.NMSMethodSoft {
		kept = applySoftNMS(work, cfg)
	} else {
		kept = applyHardNMS(work, cfg)
	}

	if cfg.VotingThresh > 0 {
		kept = scoreVoting(kept, detections, cfg.VotingThresh, cfg.Multiclass)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Score > kept[j].Score
	})
	out := kept[:0]
	for _, d := range kept {
		if d.Score < cfg.MinScore {
			continue
		}
		out = append(out, d)
		if cfg.MaxSegNum > 0 && len(out) == cfg.MaxSegNum {
			break
		}
	}
	return out
}

// applyHardNMS performs greedy suppression: every detection overlapping an
// already kept one beyond the IoU threshold is removed outright.
func applyHardNMS(sorted []common.Detection, cfg *NMSConfig) []common.Detection {
	used := make([]bool, len(sorted))
	kept := make([]common.Detection, 0, len(sorted))
	for i := range sorted {
		if used[i] {
			continue
		}
		anchor := sorted[i]
		kept = append(kept, anchor)
		used[i] = true
		for j := i + 1; j < len(sorted); j++ {
			if used[j] {
				continue
			}
			if cfg.Multiclass && anchor.Label != sorted[j].Label {
				continue
			}
			if anchor.Segment.IoU(sorted[j].Segment) > cfg.IoUThreshold {
				used[j] = true
			}
		}
	}
	return kept
}

// applySoftNMS decays the scores of overlapping detections with a Gaussian
// penalty instead of removing them, repeatedly promoting the current best
// candidate until the score floor or the output budget is reached.
func applySoftNMS(sorted []common.Detection, cfg *NMSConfig) []common.Detection {
	remaining := make([]common.Detection, len(sorted))
	copy(remaining, sorted)
	kept := make([]common.Detection, 0, len(sorted))

	for len(remaining) > 0 {
		if cfg.MaxSegNum > 0 && len(kept) >= cfg.MaxSegNum {
			break
		}
		best := 0
		for i := 1; i < len(remaining); i++ {
			if remaining[i].Score > remaining[best].Score {
				best = i
			}
		}
		anchor := remaining[best]
		if anchor.Score < cfg.MinScore {
			break
		}
		kept = append(kept, anchor)
		remaining = append(remaining[:best], remaining[best+1:]...)

		for i := range remaining {
			if cfg.Multiclass && anchor.Label != remaining[i].Label {
				continue
			}
			iou := anchor.Segment.IoU(remaining[i].Segment)
			if iou > 0 {
				remaining[i].Score *= math32.Exp(-(iou * iou) / cfg.Sigma)
			}
		}
	}
	return kept
}

// scoreVoting refines each kept boundary as the score-weighted average of all
// candidate detections overlapping it beyond the voting threshold.
func scoreVoting(kept, candidates []common.Detection, votingThresh float32, multiclass bool) []common.Detection {
	out := make([]common.Detection, len(kept))
	for i, k := range kept {
		var wSum, start, end float32
		for _, c := range candidates {
			if multiclass && c.Label != k.Label {
				continue
			}
			if k.Segment.IoU(c.Segment) <= votingThresh {
				continue
			}
			wSum += c.Score
			start += c.Score * c.Segment.Start
			end += c.Score * c.Segment.End
		}
		if wSum > 0 {
			k.Segment = common.Segment{Start: start / wSum, End: end / wSum}
		}
		out[i] = k
	}
	return out
}
