package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 6, cfg.NumLevels())
	assert.Equal(t, 20, cfg.NumClasses)
	assert.Equal(t, NMSMethodSoft, cfg.Test.NMSMethod)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.yaml")
	body := `
num_classes: 10
max_seq_len: 1152
test_cfg:
  nms_method: hard
  iou_threshold: 0.4
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.NumClasses)
	assert.Equal(t, 1152, cfg.MaxSeqLen)
	assert.Equal(t, NMSMethodHard, cfg.Test.NMSMethod)
	assert.InDelta(t, 0.4, cfg.Test.IoUThreshold, 1e-6)
	// Untouched fields keep their defaults.
	assert.Equal(t, 200, cfg.SecondaryVocab)
	assert.InDelta(t, 0.7, cfg.Test.CombineAlpha, 1e-6)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Model)
	}{
		{name: "Zero classes", mutate: func(m *Model) { m.NumClasses = 0 }},
		{name: "Zero vocabulary", mutate: func(m *Model) { m.SecondaryVocab = 0 }},
		{name: "No strides", mutate: func(m *Model) { m.FPNStrides = nil; m.RegRanges = nil; m.MHAWinSize = nil }},
		{name: "Stride range mismatch", mutate: func(m *Model) { m.RegRanges = m.RegRanges[:3] }},
		{name: "Window list mismatch", mutate: func(m *Model) { m.MHAWinSize = m.MHAWinSize[:2] }},
		{name: "Indivisible sequence length", mutate: func(m *Model) { m.MaxSeqLen = 1000 }},
		{name: "Bad center sample", mutate: func(m *Model) { m.Train.CenterSample = "grid" }},
		{name: "Bad nms method", mutate: func(m *Model) { m.Test.NMSMethod = "fast" }},
		{name: "Bad combine strategy", mutate: func(m *Model) { m.Test.CombineStrategy = "sum" }},
		{name: "Negative bins", mutate: func(m *Model) { m.NumBins = -1 }},
		{name: "Empty class out of range", mutate: func(m *Model) { m.Train.HeadEmptyCls = []int{20} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

// TestValidatePerClassCombine covers the vocabulary alignment rule of the
// per-class combine strategy.
func TestValidatePerClassCombine(t *testing.T) {
	cfg := Default()
	cfg.Test.CombineStrategy = CombinePerClass
	assert.Error(t, cfg.Validate(), "vocabularies differ")

	cfg.SecondaryVocab = cfg.NumClasses
	assert.NoError(t, cfg.Validate())
}
