// Package assign - maps ground-truth segments onto feature-grid points to
// produce per-location classification and regression targets.
package assign

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-tal/common"
	"github.com/nvr-ai/go-tal/config"
	"github.com/nvr-ai/go-tal/pyramid"
)

// Ties between candidate segments closer in duration than this contribute
// their labels jointly, producing multi-hot targets for near-duplicate
// ground truths.
const tieEpsilon = 1e-3

// Config controls the assignment policy.
type Config struct {
	NumClasses         int
	SecondaryVocab     int
	CenterSample       string
	CenterSampleRadius float32
}

// Targets holds the per-location training targets of one video, flattened in
// the canonical level-major point order.
type Targets struct {
	// Cls is the primary one-hot matrix [numPoints, NumClasses]; an all-zero
	// row means background.
	Cls []float32
	// Clip is the secondary vocabulary one-hot matrix [numPoints, SecondaryVocab].
	Clip []float32
	// Reg is the stride-normalized (left, right) distance matrix [numPoints, 2].
	Reg []float32
}

// LabelPoints computes targets for one video.
//
// A point becomes a candidate for a segment when it lies strictly inside the
// segment (or inside the stride-radius window around its center when center
// sampling is on, clipped to the segment) and the larger of its two boundary
// distances falls within the point's regression range. Among candidates the
// shortest segment wins; all segments within tieEpsilon of the minimum
// contribute their labels. Points with no candidate get all-zero targets.
//
// Arguments:
// - cfg: Assignment policy.
// - points: Flattened point table, level-major.
// - segments: Ground-truth segments, start < end.
// - labels: One class id per segment, in [0, NumClasses).
//
// Returns:
// - The per-location targets.
// - An error on malformed ground truth or an unsupported policy.
func LabelPoints(cfg Config, points []pyramid.Point, segments []common.Segment, labels []int) (*Targets, error) {
	switch cfg.CenterSample {
	case config.CenterSampleRadius, config.CenterSampleNone:
	default:
		return nil, errors.Errorf("unsupported center_sample %q", cfg.CenterSample)
	}
	if len(segments) != len(labels) {
		return nil, errors.Errorf("got %d segments but %d labels", len(segments), len(labels))
	}
	for i, lb := range labels {
		if lb < 0 || lb >= cfg.NumClasses || lb >= cfg.SecondaryVocab {
			return nil, errors.Errorf("label %d of segment %d out of range", lb, i)
		}
	}

	numPts := len(points)
	t := &Targets{
		Cls:  make([]float32, numPts*cfg.NumClasses),
		Clip: make([]float32, numPts*cfg.SecondaryVocab),
		Reg:  make([]float32, numPts*2),
	}
	// A video with no actions is expected: everything stays background.
	if len(segments) == 0 {
		return t, nil
	}

	durations := make([]float32, len(segments))
	for i, seg := range segments {
		durations[i] = seg.Duration()
	}

	for p, pt := range points {
		minLen := math32.Inf(1)
		minIdx := -1
		effLens := make([]float32, len(segments))
		for n, seg := range segments {
			left := pt.T - seg.Start
			right := seg.End - pt.T

			var inside bool
			if cfg.CenterSample == config.CenterSampleRadius {
				center := seg.Center()
				tMin := center - pt.Stride*cfg.CenterSampleRadius
				tMax := center + pt.Stride*cfg.CenterSampleRadius
				cbLeft := pt.T - math32.Max(tMin, seg.Start)
				cbRight := math32.Min(tMax, seg.End) - pt.T
				inside = math32.Min(cbLeft, cbRight) > 0
			} else {
				inside = math32.Min(left, right) > 0
			}

			maxDist := math32.Max(left, right)
			inRange := maxDist >= pt.RangeMin && maxDist <= pt.RangeMax

			if inside && inRange {
				effLens[n] = durations[n]
				if durations[n] < minLen {
					minLen = durations[n]
					minIdx = n
				}
			} else {
				effLens[n] = math32.Inf(1)
			}
		}
		if minIdx < 0 {
			continue
		}

		clsRow := t.Cls[p*cfg.NumClasses : (p+1)*cfg.NumClasses]
		clipRow := t.Clip[p*cfg.SecondaryVocab : (p+1)*cfg.SecondaryVocab]
		for n, l := range effLens {
			if math32.IsInf(l, 1) || l > minLen+tieEpsilon {
				continue
			}
			clsRow[labels[n]] += 1
			clipRow[labels[n]] += 1
		}
		// Repeated ground truths with identical label must not push the
		// target beyond a valid probability.
		for i := range clsRow {
			if clsRow[i] > 1 {
				clsRow[i] = 1
			}
		}
		for i := range clipRow {
			if clipRow[i] > 1 {
				clipRow[i] = 1
			}
		}

		seg := segments[minIdx]
		t.Reg[p*2] = (pt.T - seg.Start) / pt.Stride
		t.Reg[p*2+1] = (seg.End - pt.T) / pt.Stride
	}
	return t, nil
}
