package postprocess

import (
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-tal/common"
	"github.com/nvr-ai/go-tal/config"
)

// RawResult is the per-video output of the inference decoder: detections
// still expressed on the feature grid plus the metadata needed to map them
// into real time.
type RawResult struct {
	VideoID       string
	Detections    []common.Detection
	FPS           float32
	Duration      float32
	FeatStride    int
	FeatNumFrames int
}

// Result is the final per-video output: detections in seconds, clipped to the
// video duration when it is known. The grid-mapping metadata is consumed and
// dropped.
type Result struct {
	VideoID    string
	Detections []common.Detection
	FPS        float32
	Duration   float32
}

// ToSeconds maps a feature-grid coordinate into real time: the grid value is
// scaled by the feature stride, shifted by half the feature window and
// divided by the frame rate. Strictly monotonic in g for fixed parameters.
func ToSeconds(g float32, featStride, featNumFrames int, fps float32) float32 {
	return (g*float32(featStride) + 0.5*float32(featNumFrames)) / fps
}

// Process runs NMS on each video's detections and converts the surviving
// segments from feature-grid coordinates to clipped real-time seconds.
//
// Arguments:
// - results: Per-video raw results from the inference decoder.
// - cfg: NMS configuration; validated here.
//
// Returns:
// - One processed Result per input video, detection order by descending score.
// - An error on an unsupported NMS method.
func Process(results []RawResult, cfg *NMSConfig) ([]Result, error) {
	switch cfg.Method {
	case config.NMSMethodSoft, config.NMSMethodHard, config.NMSMethodNone:
	default:
		return nil, errors.Errorf("unsupported nms_method %q", cfg.Method)
	}

	processed := make([]Result, 0, len(results))
	for _, raw := range results {
		dets := raw.Detections
		if cfg.Method != config.NMSMethodNone {
			dets = BatchedNMS(dets, cfg)
		}
		out := make([]common.Detection, len(dets))
		for i, d := range dets {
			seg := common.Segment{
				Start: ToSeconds(d.Segment.Start, raw.FeatStride, raw.FeatNumFrames, raw.FPS),
				End:   ToSeconds(d.Segment.End, raw.FeatStride, raw.FeatNumFrames, raw.FPS),
			}
			if raw.Duration > 0 {
				seg = seg.Clip(raw.Duration)
			}
			out[i] = common.Detection{
				Segment: seg,
				Score:   d.Score,
				Label:   d.Label,
			}
		}
		processed = append(processed, Result{
			VideoID:    raw.VideoID,
			Detections: out,
			FPS:        raw.FPS,
			Duration:   raw.Duration,
		})
	}
	return processed, nil
}
