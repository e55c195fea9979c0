// Package loss - classification and regression losses for 1-D temporal
// detection, plus the EMA positive-count normalizer.
package loss

import "github.com/chewxy/math32"

// Default focal loss parameters, matching the single-stage detection
// convention.
const (
	FocalAlpha = 0.25
	FocalGamma = 2.0
)

// SigmoidFocal computes the elementwise sigmoid focal loss for one logit and
// one (possibly soft) target. Well-classified elements are down-weighted by
// (1-p_t)^gamma; alpha balances the positive/negative contributions.
func SigmoidFocal(logit, target float32) float32 {
	p := 1 / (1 + math32.Exp(-logit))
	// Numerically stable binary cross entropy with logits.
	ce := math32.Max(logit, 0) - logit*target + math32.Log1p(math32.Exp(-math32.Abs(logit)))
	pt := p*target + (1-p)*(1-target)
	l := ce * math32.Pow(1-pt, FocalGamma)
	alphaT := FocalAlpha*target + (1-FocalAlpha)*(1-target)
	return alphaT * l
}
