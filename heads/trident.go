package heads

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Offsets holds decoded scalar (left, right) distances. In distribution mode
// the decoder produces one offset pair per class per location; in direct mode
// a single pair per location.
type Offsets struct {
	PerClass bool
	Classes  int
	T        int
	data     []float32
}

// At returns the (left, right) offset of location t for class c. In direct
// mode c is ignored.
func (o *Offsets) At(t, c int) (float32, float32) {
	if !o.PerClass {
		c = 0
	}
	base := (t*o.Classes + c) * 2
	return o.data[base], o.data[base+1]
}

// OffsetDecoder reconstructs scalar boundary distances from the regression
// head output. The mode is selected once at construction: direct pass-through
// of the 2-value regression, or the Trident neighbor-distribution formulation
// combining the boundary heads' logits with the regression head's bin biases.
type OffsetDecoder struct {
	numBins int
	trident bool
}

// NewOffsetDecoder creates a decoder. numBins is ignored in direct mode.
func NewOffsetDecoder(numBins int, trident bool) (*OffsetDecoder, error) {
	if trident && numBins < 0 {
		return nil, errors.Errorf("num bins must be non-negative, got %d", numBins)
	}
	return &OffsetDecoder{numBins: numBins, trident: trident}, nil
}

// Trident reports whether the decoder runs in distribution mode.
func (d *OffsetDecoder) Trident() bool {
	return d.trident
}

// DecodeLevel decodes one pyramid level.
//
// Arguments:
//   - regOut: Regression head output [2*(numBins+1), T] (or [2, T] direct).
//   - startLogits, endLogits: Boundary head logits [C, T]; ignored in direct
//     mode and may be nil there.
//
// Returns:
// - Decoded per-location offsets; per-class in distribution mode.
func (d *OffsetDecoder) DecodeLevel(regOut, startLogits, endLogits *tensor.Dense) (*Offsets, error) {
	regShape := regOut.Shape()
	if len(regShape) != 2 {
		return nil, errors.Errorf("expected 2-D regression output, got shape %v", regShape)
	}
	seqLen := regShape[1]
	reg := regOut.Data().([]float32)

	if !d.trident {
		if regShape[0] != 2 {
			return nil, errors.Errorf("direct mode expects 2 regression channels, got %d", regShape[0])
		}
		out := &Offsets{PerClass: false, Classes: 1, T: seqLen, data: make([]float32, seqLen*2)}
		for t := 0; t < seqLen; t++ {
			out.data[t*2] = reg[t]
			out.data[t*2+1] = reg[seqLen+t]
		}
		return out, nil
	}

	width := d.numBins + 1
	if regShape[0] != 2*width {
		return nil, errors.Errorf("distribution mode expects %d regression channels, got %d", 2*width, regShape[0])
	}
	if startLogits == nil || endLogits == nil {
		return nil, errors.New("distribution mode requires boundary head logits")
	}
	sShape := startLogits.Shape()
	eShape := endLogits.Shape()
	if len(sShape) != 2 || len(eShape) != 2 || sShape[1] != seqLen || eShape[1] != seqLen || sShape[0] != eShape[0] {
		return nil, errors.Errorf("boundary logits shapes %v / %v do not match regression T=%d", sShape, eShape, seqLen)
	}
	classes := sShape[0]
	start := startLogits.Data().([]float32)
	end := endLogits.Data().([]float32)

	out := &Offsets{PerClass: true, Classes: classes, T: seqLen, data: make([]float32, seqLen*classes*2)}
	vals := make([]float32, width)
	for c := 0; c < classes; c++ {
		sRow := start[c*seqLen : (c+1)*seqLen]
		eRow := end[c*seqLen : (c+1)*seqLen]
		for t := 0; t < seqLen; t++ {
			// Left window ends at t over a zero-padded history; bin b looks
			// back numBins-b steps and weighs index numBins-b.
			for b := 0; b < width; b++ {
				var nb float32
				if src := t - d.numBins + b; src >= 0 {
					nb = sRow[src]
				}
				vals[b] = nb + reg[b*seqLen+t]
			}
			left := expectation(vals, true, d.numBins)

			// Right window starts at t over a zero-padded future.
			for b := 0; b < width; b++ {
				var nb float32
				if src := t + b; src < seqLen {
					nb = eRow[src]
				}
				vals[b] = nb + reg[(width+b)*seqLen+t]
			}
			right := expectation(vals, false, d.numBins)

			base := (t*classes + c) * 2
			out.data[base] = left
			out.data[base+1] = right
		}
	}
	return out, nil
}

// DecodeVideo decodes and concatenates all pyramid levels of one video in the
// canonical level-major order.
func (d *OffsetDecoder) DecodeVideo(regOuts, startLogits, endLogits []*tensor.Dense) (*Offsets, error) {
	if d.trident && (len(startLogits) != len(regOuts) || len(endLogits) != len(regOuts)) {
		return nil, errors.Errorf("boundary logits must cover all %d levels", len(regOuts))
	}
	var merged *Offsets
	for l, regOut := range regOuts {
		var sb, eb *tensor.Dense
		if d.trident {
			sb, eb = startLogits[l], endLogits[l]
		}
		dec, err := d.DecodeLevel(regOut, sb, eb)
		if err != nil {
			return nil, errors.Wrapf(err, "decode level %d", l)
		}
		if merged == nil {
			merged = &Offsets{PerClass: dec.PerClass, Classes: dec.Classes}
		} else if dec.Classes != merged.Classes {
			return nil, errors.Errorf("level %d class count %d does not match %d", l, dec.Classes, merged.Classes)
		}
		merged.T += dec.T
		merged.data = append(merged.data, dec.data...)
	}
	if merged == nil {
		return nil, errors.New("no pyramid levels to decode")
	}
	return merged, nil
}

// Distribution returns the numerically stable softmax of vals with NaN
// entries replaced by zero probability. A row whose softmax degenerates to
// NaN everywhere comes back all-zero rather than summing to 1.
func Distribution(vals []float32) []float32 {
	maxVal := math32.Inf(-1)
	for _, v := range vals {
		if v > maxVal {
			maxVal = v
		}
	}
	var sum float32
	probs := make([]float32, len(vals))
	for i, v := range vals {
		p := math32.Exp(v - maxVal)
		probs[i] = p
		sum += p
	}
	for i := range probs {
		probs[i] /= sum
		if math32.IsNaN(probs[i]) {
			probs[i] = 0
		}
	}
	return probs
}

// expectation returns the probability-weighted sum of bin indices under the
// softmax of vals. The left side uses inverted indices (numBins..0) so the
// bin nearest the center carries the highest index.
func expectation(vals []float32, inverted bool, numBins int) float32 {
	probs := Distribution(vals)
	var exp float32
	for i, p := range probs {
		idx := float32(i)
		if inverted {
			idx = float32(numBins - i)
		}
		exp += p * idx
	}
	return exp
}
