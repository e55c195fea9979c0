// Package config - configuration surface for the temporal detection model.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Center sampling modes for label assignment.
const (
	CenterSampleRadius = "radius"
	CenterSampleNone   = "none"
)

// NMS methods applied during postprocessing.
const (
	NMSMethodSoft = "soft"
	NMSMethodHard = "hard"
	NMSMethodNone = "none"
)

// Strategies for combining the primary classifier with the secondary
// vocabulary scores at inference time. "max" broadcasts the best secondary
// match into every primary class decision; "perclass" combines score-by-score
// and requires the two vocabularies to align by index.
const (
	CombineMax      = "max"
	CombinePerClass = "perclass"
)

// Train holds the training-time knobs of the detection head.
type Train struct {
	CenterSample       string  `yaml:"center_sample"`
	CenterSampleRadius float32 `yaml:"center_sample_radius"`
	LossWeight         float32 `yaml:"loss_weight"`
	ClsPriorProb       float32 `yaml:"cls_prior_prob"`
	Dropout            float32 `yaml:"dropout"`
	DropPath           float32 `yaml:"droppath"`
	LabelSmoothing     float32 `yaml:"label_smoothing"`
	InitLossNorm       float32 `yaml:"init_loss_norm"`
	HeadEmptyCls       []int   `yaml:"head_empty_cls"`
}

// Test holds the inference and postprocessing knobs.
type Test struct {
	PreNMSThresh   float32 `yaml:"pre_nms_thresh"`
	PreNMSTopK     int     `yaml:"pre_nms_topk"`
	IoUThreshold   float32 `yaml:"iou_threshold"`
	MinScore       float32 `yaml:"min_score"`
	MaxSegNum      int     `yaml:"max_seg_num"`
	NMSMethod      string  `yaml:"nms_method"`
	NMSSigma       float32 `yaml:"nms_sigma"`
	DurationThresh float32 `yaml:"duration_thresh"`
	MulticlassNMS  bool    `yaml:"multiclass_nms"`
	VotingThresh   float32 `yaml:"voting_thresh"`
	// Weights of the primary / secondary score mix. These are deliberately
	// separate knobs from the loss combination weights.
	CombineStrategy string  `yaml:"combine_strategy"`
	CombineAlpha    float32 `yaml:"combine_alpha"`
	CombineBeta     float32 `yaml:"combine_beta"`
}

// Model is the full configuration of the detection model.
type Model struct {
	NumClasses     int          `yaml:"num_classes"`
	SecondaryVocab int          `yaml:"secondary_vocab"`
	InputDim       int          `yaml:"input_dim"`
	ClipDim        int          `yaml:"clip_dim"`
	FPNDim         int          `yaml:"fpn_dim"`
	HeadDim        int          `yaml:"head_dim"`
	HeadNumLayers  int          `yaml:"head_num_layers"`
	HeadKernelSize int          `yaml:"head_kernel_size"`
	HeadWithLN     bool         `yaml:"head_with_ln"`
	NumBins        int          `yaml:"num_bins"`
	UseTridentHead bool         `yaml:"use_trident_head"`
	IoUWeightPower float32      `yaml:"iou_weight_power"`
	MaxSeqLen      int          `yaml:"max_seq_len"`
	FPNStrides     []int        `yaml:"fpn_strides"`
	MHAWinSize     []int        `yaml:"mha_win_size"`
	RegRanges      [][2]float32 `yaml:"regression_range"`
	EmbeddingsFile string       `yaml:"embeddings_file"`

	Train Train `yaml:"train_cfg"`
	Test  Test  `yaml:"test_cfg"`
}

// Default returns a Model populated with the stock THUMOS-style settings.
func Default() Model {
	return Model{
		NumClasses:     20,
		SecondaryVocab: 200,
		InputDim:       2048,
		ClipDim:        512,
		FPNDim:         512,
		HeadDim:        512,
		HeadNumLayers:  3,
		HeadKernelSize: 3,
		NumBins:        16,
		UseTridentHead: true,
		IoUWeightPower: 1.0,
		MaxSeqLen:      2304,
		FPNStrides:     []int{1, 2, 4, 8, 16, 32},
		MHAWinSize:     []int{19, 19, 19, 19, 19, 19},
		RegRanges: [][2]float32{
			{0, 4}, {4, 8}, {8, 16}, {16, 32}, {32, 64}, {64, 10000},
		},
		Train: Train{
			CenterSample:       CenterSampleRadius,
			CenterSampleRadius: 1.5,
			LossWeight:         1.0,
			ClsPriorProb:       0.01,
			LabelSmoothing:     0.0,
			InitLossNorm:       100,
		},
		Test: Test{
			PreNMSThresh:    0.001,
			PreNMSTopK:      2000,
			IoUThreshold:    0.1,
			MinScore:        0.001,
			MaxSegNum:       200,
			NMSMethod:       NMSMethodSoft,
			NMSSigma:        0.5,
			DurationThresh:  0.05,
			MulticlassNMS:   true,
			VotingThresh:    0.7,
			CombineStrategy: CombineMax,
			CombineAlpha:    0.7,
			CombineBeta:     0.3,
		},
	}
}

// Load reads a YAML configuration file on top of the defaults and validates
// the result.
//
// Arguments:
// - path: Path to the YAML configuration file.
//
// Returns:
// - The validated model configuration.
// - An error if reading, decoding or validation fails.
func Load(path string) (Model, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "decode config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks invariants that cannot be recovered from at run time.
func (m *Model) Validate() error {
	if m.NumClasses <= 0 {
		return errors.Errorf("num_classes must be positive, got %d", m.NumClasses)
	}
	if m.SecondaryVocab <= 0 {
		return errors.Errorf("secondary_vocab must be positive, got %d", m.SecondaryVocab)
	}
	if len(m.FPNStrides) == 0 {
		return errors.New("fpn_strides must not be empty")
	}
	if len(m.FPNStrides) != len(m.RegRanges) {
		return errors.Errorf("fpn_strides (%d) and regression_range (%d) must have the same length",
			len(m.FPNStrides), len(m.RegRanges))
	}
	if len(m.MHAWinSize) != len(m.FPNStrides) {
		return errors.Errorf("mha_win_size (%d) must list one window per pyramid level (%d)",
			len(m.MHAWinSize), len(m.FPNStrides))
	}
	for i, s := range m.FPNStrides {
		stride := s
		if w := m.MHAWinSize[i]; w > 1 {
			stride = s * (w / 2) * 2
		}
		if m.MaxSeqLen%stride != 0 {
			return errors.Errorf("max_seq_len (%d) must be divisible by the effective stride %d of level %d",
				m.MaxSeqLen, stride, i)
		}
	}
	switch m.Train.CenterSample {
	case CenterSampleRadius, CenterSampleNone:
	default:
		return errors.Errorf("unsupported center_sample %q", m.Train.CenterSample)
	}
	switch m.Test.NMSMethod {
	case NMSMethodSoft, NMSMethodHard, NMSMethodNone:
	default:
		return errors.Errorf("unsupported nms_method %q", m.Test.NMSMethod)
	}
	switch m.Test.CombineStrategy {
	case CombineMax:
	case CombinePerClass:
		if m.SecondaryVocab != m.NumClasses {
			return errors.Errorf("combine_strategy %q requires aligned vocabularies, got %d vs %d",
				CombinePerClass, m.SecondaryVocab, m.NumClasses)
		}
	default:
		return errors.Errorf("unsupported combine_strategy %q", m.Test.CombineStrategy)
	}
	if m.NumBins < 0 {
		return errors.Errorf("num_bins must be non-negative, got %d", m.NumBins)
	}
	for i, e := range m.Train.HeadEmptyCls {
		if e < 0 || e >= m.NumClasses {
			return errors.Errorf("head_empty_cls[%d] = %d out of range [0, %d)", i, e, m.NumClasses)
		}
	}
	return nil
}

// NumLevels returns the number of pyramid levels.
func (m *Model) NumLevels() int {
	return len(m.FPNStrides)
}
