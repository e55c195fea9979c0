// Package pyramid - temporal feature pyramid structures for the detection head.
package pyramid

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Level is one resolution tier of the temporal feature pyramid.
type Level struct {
	// Feats holds the per-timestep features with shape [channels, T].
	Feats *tensor.Dense
	// Mask marks which of the T locations carry real content (true) as
	// opposed to padding (false). Aligned 1:1 with the time axis.
	Mask []bool
}

// T returns the temporal length of the level.
func (l Level) T() int {
	return l.Feats.Shape()[1]
}

// Channels returns the channel count of the level.
func (l Level) Channels() int {
	return l.Feats.Shape()[0]
}

// Data exposes the raw float32 backing of the level features, laid out
// channel-major: index c*T + t.
func (l Level) Data() []float32 {
	return l.Feats.Data().([]float32)
}

// Point is a single feature-grid location. Each point carries the regression
// range it is responsible for and the stride of its pyramid level.
type Point struct {
	T        float32
	RangeMin float32
	RangeMax float32
	Stride   float32
}

// CheckAligned verifies that every level's mask matches its temporal length
// and that the pyramid has the expected number of levels.
//
// Arguments:
// - levels: The pyramid produced by the backbone/neck.
// - numLevels: The configured pyramid depth.
//
// Returns:
// - An error on any mismatch, nil otherwise.
func CheckAligned(levels []Level, numLevels int) error {
	if len(levels) != numLevels {
		return errors.Errorf("pyramid has %d levels, expected %d", len(levels), numLevels)
	}
	for i, l := range levels {
		if len(l.Mask) != l.T() {
			return errors.Errorf("level %d mask length %d does not match T=%d", i, len(l.Mask), l.T())
		}
	}
	return nil
}

// Generator produces the point table for a pyramid. Points are emitted in the
// same level-major order used to flatten features, masks and logits.
type Generator struct {
	strides []int
	ranges  [][2]float32
}

// NewGenerator creates a point generator for the given per-level strides and
// regression ranges.
func NewGenerator(strides []int, ranges [][2]float32) (*Generator, error) {
	if len(strides) != len(ranges) {
		return nil, errors.Errorf("strides (%d) and ranges (%d) must have the same length",
			len(strides), len(ranges))
	}
	return &Generator{strides: strides, ranges: ranges}, nil
}

// Generate returns one point list per pyramid level, sized to the levels'
// current temporal lengths. The point at index i of level l sits at time
// i*stride_l.
func (g *Generator) Generate(levels []Level) ([][]Point, error) {
	if len(levels) != len(g.strides) {
		return nil, errors.Errorf("pyramid has %d levels, generator configured for %d",
			len(levels), len(g.strides))
	}
	points := make([][]Point, len(levels))
	for l, lvl := range levels {
		stride := float32(g.strides[l])
		pts := make([]Point, lvl.T())
		for i := range pts {
			pts[i] = Point{
				T:        float32(i) * stride,
				RangeMin: g.ranges[l][0],
				RangeMax: g.ranges[l][1],
				Stride:   stride,
			}
		}
		points[l] = pts
	}
	return points, nil
}

// Concat flattens per-level point lists into the canonical level-major order.
func Concat(points [][]Point) []Point {
	n := 0
	for _, p := range points {
		n += len(p)
	}
	out := make([]Point, 0, n)
	for _, p := range points {
		out = append(out, p...)
	}
	return out
}

// ConcatMasks flattens per-level masks into the canonical level-major order.
func ConcatMasks(levels []Level) []bool {
	n := 0
	for _, l := range levels {
		n += len(l.Mask)
	}
	out := make([]bool, 0, n)
	for _, l := range levels {
		out = append(out, l.Mask...)
	}
	return out
}

// TotalT returns the summed temporal length of all levels.
func TotalT(levels []Level) int {
	n := 0
	for _, l := range levels {
		n += l.T()
	}
	return n
}
