package loss

import "github.com/chewxy/math32"

const iouEpsilon = 1e-8

// iou1d returns the plain IoU, the union and the enclosing length of two
// center-relative (left, right) offset pairs.
func iou1d(predLeft, predRight, gtLeft, gtRight float32) (iou, union, enclose float32) {
	inter := math32.Min(predLeft, gtLeft) + math32.Min(predRight, gtRight)
	union = (predLeft + predRight) + (gtLeft + gtRight) - inter
	enclose = math32.Max(predLeft, gtLeft) + math32.Max(predRight, gtRight)
	iou = inter / math32.Max(union, iouEpsilon)
	return iou, union, enclose
}

// GIoU computes the 1-D generalized-IoU loss (1 - gIoU) between predicted and
// ground-truth offsets, both taken from the same center location.
func GIoU(predLeft, predRight, gtLeft, gtRight float32) float32 {
	iou, union, enclose := iou1d(predLeft, predRight, gtLeft, gtRight)
	return 1 - iou + (enclose-union)/math32.Max(enclose, iouEpsilon)
}

// DIoU computes the 1-D distance-IoU loss: 1 - IoU plus the squared
// normalized distance between the two segment centers.
func DIoU(predLeft, predRight, gtLeft, gtRight float32) float32 {
	iou, _, enclose := iou1d(predLeft, predRight, gtLeft, gtRight)
	rho := 0.5 * (predRight - predLeft - gtRight + gtLeft)
	d := rho / math32.Max(enclose, iouEpsilon)
	return 1 - iou + d*d
}
