// Package common - shared value types for temporal detection.
package common

import (
	"fmt"

	"github.com/chewxy/math32"
)

// Segment represents a temporal interval [Start, End) on the feature grid or
// in real time, depending on context. Start < End for any valid segment.
type Segment struct {
	Start float32
	End   float32
}

// Detection is a scored, labeled segment produced by the detection head.
type Detection struct {
	// The temporal extent of the detection.
	Segment Segment
	// The confidence score of the detection.
	Score float32
	// The predicted class index of the detection.
	Label int
}

func (s Segment) String() string {
	return fmt.Sprintf("[%f, %f]", s.Start, s.End)
}

// Duration returns the temporal length of the segment.
func (s Segment) Duration() float32 {
	return s.End - s.Start
}

// Center returns the temporal midpoint of the segment.
func (s Segment) Center() float32 {
	return 0.5 * (s.Start + s.End)
}

// Intersection calculates the overlap length between two segments.
//
// Arguments:
// - other: The other segment to intersect with.
//
// Returns:
// - The length of the overlap, zero if the segments are disjoint.
func (s Segment) Intersection(other Segment) float32 {
	lo := math32.Max(s.Start, other.Start)
	hi := math32.Min(s.End, other.End)
	if hi <= lo {
		return 0
	}
	return hi - lo
}

// Union calculates the combined length covered by two segments.
func (s Segment) Union(other Segment) float32 {
	return s.Duration() + other.Duration() - s.Intersection(other)
}

// IoU calculates the temporal Intersection over Union between two segments.
//
// This metric drives Non-Maximum Suppression of duplicate detections, the 1-D
// analogue of box IoU in image detection.
//
// Arguments:
// - other: The other segment to compare against.
//
// Returns:
// - The IoU value between 0 and 1.
func (s Segment) IoU(other Segment) float32 {
	union := s.Union(other)
	if union <= 0 {
		return 0
	}
	return s.Intersection(other) / union
}

// Clip truncates both boundaries of the segment into [0, limit].
func (s Segment) Clip(limit float32) Segment {
	return Segment{
		Start: math32.Min(math32.Max(s.Start, 0), limit),
		End:   math32.Min(math32.Max(s.End, 0), limit),
	}
}
