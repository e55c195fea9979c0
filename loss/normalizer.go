package loss

import "sync"

// EMANormalizer tracks an exponential moving average of the positive-sample
// count across training steps. Dividing the losses by this value keeps their
// scale stable under small or unbalanced mini-batches.
//
// The normalizer is the only state in the detection core that persists and
// mutates across calls. Update is mutex-guarded; a single logical training
// thread remains the intended writer.
type EMANormalizer struct {
	mu       sync.Mutex
	momentum float32
	value    float32
}

// NewEMANormalizer creates a normalizer with the configured initial value and
// momentum (0.9 by convention).
func NewEMANormalizer(init, momentum float32) *EMANormalizer {
	return &EMANormalizer{momentum: momentum, value: init}
}

// Update folds max(numPos, 1) into the moving average once per training step
// and returns the new value.
func (n *EMANormalizer) Update(numPos int) float32 {
	if numPos < 1 {
		numPos = 1
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.value = n.momentum*n.value + (1-n.momentum)*float32(numPos)
	return n.value
}

// Value returns the current moving average.
func (n *EMANormalizer) Value() float32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.value
}
