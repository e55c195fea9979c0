// Package detect - the single-stage temporal action detection model: head
// construction, training losses and inference decoding on top of an injected
// feature backbone.
package detect

import (
	"math/rand"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-tal/config"
	"github.com/nvr-ai/go-tal/embeddings"
	"github.com/nvr-ai/go-tal/fusion"
	"github.com/nvr-ai/go-tal/heads"
	"github.com/nvr-ai/go-tal/loss"
	"github.com/nvr-ai/go-tal/pyramid"
)

// Boundary heads always use a narrow kernel regardless of the main head
// configuration.
const boundaryKernelSize = 3

// EMA momentum of the positive-count loss normalizer.
const lossNormMomentum = 0.9

// Model is the detection head stack. The head variant (trident boundary
// distributions vs. direct regression) is fixed once at construction; no
// per-call dispatch.
type Model struct {
	cfg       config.Model
	backbone  pyramid.Backbone
	generator *pyramid.Generator
	fuser     *fusion.Fuser

	clsHead   *heads.ClsHead
	startHead *heads.ClsHead
	endHead   *heads.ClsHead
	regHead   *heads.RegHead
	decoder   *heads.OffsetDecoder
	clipCls   *embeddings.Classifier

	normalizer *loss.EMANormalizer
	log        zerolog.Logger
}

// New constructs the model.
//
// Arguments:
// - cfg: Validated model configuration.
// - backbone: The injected feature pyramid producer.
// - loader: Source of the category embedding matrix.
// - rng: Weight initialization randomness.
// - logger: Structured logger; the numeric core itself stays silent.
//
// Returns:
// - The ready model.
// - An error on configuration or embedding problems.
func New(cfg config.Model, backbone pyramid.Backbone, loader embeddings.Loader, rng *rand.Rand, logger zerolog.Logger) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if backbone == nil {
		return nil, errors.New("a backbone is required")
	}

	generator, err := pyramid.NewGenerator(cfg.FPNStrides, cfg.RegRanges)
	if err != nil {
		return nil, err
	}

	maxDiv := 1
	for i, s := range cfg.FPNStrides {
		stride := s
		if w := cfg.MHAWinSize[i]; w > 1 {
			stride = s * (w / 2) * 2
		}
		if stride > maxDiv {
			maxDiv = stride
		}
	}
	fuser, err := fusion.NewFuser(cfg.InputDim, cfg.ClipDim, cfg.MaxSeqLen, maxDiv, rng)
	if err != nil {
		return nil, err
	}

	clsHead, err := heads.NewClsHead(heads.ClsConfig{
		InputDim:   cfg.FPNDim,
		FeatDim:    cfg.HeadDim,
		NumClasses: cfg.NumClasses,
		NumLayers:  cfg.HeadNumLayers,
		KernelSize: cfg.HeadKernelSize,
		PriorProb:  cfg.Train.ClsPriorProb,
		WithLN:     cfg.HeadWithLN,
		EmptyCls:   cfg.Train.HeadEmptyCls,
	}, rng)
	if err != nil {
		return nil, err
	}

	numBins := 0
	var startHead, endHead *heads.ClsHead
	if cfg.UseTridentHead {
		numBins = cfg.NumBins
		boundaryCfg := heads.ClsConfig{
			InputDim:   cfg.FPNDim,
			FeatDim:    cfg.HeadDim,
			NumClasses: cfg.NumClasses,
			NumLayers:  cfg.HeadNumLayers,
			KernelSize: boundaryKernelSize,
			PriorProb:  cfg.Train.ClsPriorProb,
			WithLN:     cfg.HeadWithLN,
			EmptyCls:   cfg.Train.HeadEmptyCls,
			DetachFeat: true,
		}
		if startHead, err = heads.NewClsHead(boundaryCfg, rng); err != nil {
			return nil, err
		}
		if endHead, err = heads.NewClsHead(boundaryCfg, rng); err != nil {
			return nil, err
		}
	}

	regHead, err := heads.NewRegHead(heads.RegConfig{
		InputDim:   cfg.FPNDim,
		FeatDim:    cfg.HeadDim,
		NumLevels:  cfg.NumLevels(),
		NumLayers:  cfg.HeadNumLayers,
		KernelSize: cfg.HeadKernelSize,
		WithLN:     cfg.HeadWithLN,
		NumBins:    numBins,
	}, rng)
	if err != nil {
		return nil, err
	}

	decoder, err := heads.NewOffsetDecoder(numBins, cfg.UseTridentHead)
	if err != nil {
		return nil, err
	}

	clipCls, err := embeddings.NewClassifier(loader, rng)
	if err != nil {
		return nil, err
	}
	if clipCls.Vocab() != cfg.SecondaryVocab {
		return nil, errors.Errorf("embedding vocab %d does not match secondary_vocab %d",
			clipCls.Vocab(), cfg.SecondaryVocab)
	}

	logger.Info().
		Int("num_classes", cfg.NumClasses).
		Int("levels", cfg.NumLevels()).
		Int("num_bins", numBins).
		Bool("trident", cfg.UseTridentHead).
		Msg("detection model ready")

	return &Model{
		cfg:        cfg,
		backbone:   backbone,
		generator:  generator,
		fuser:      fuser,
		clsHead:    clsHead,
		startHead:  startHead,
		endHead:    endHead,
		regHead:    regHead,
		decoder:    decoder,
		clipCls:    clipCls,
		normalizer: loss.NewEMANormalizer(cfg.Train.InitLossNorm, lossNormMomentum),
		log:        logger,
	}, nil
}

// Normalizer exposes the EMA loss normalizer. Single-writer: only the
// training loop may drive updates, and it does so through ForwardTrain.
func (m *Model) Normalizer() *loss.EMANormalizer {
	return m.normalizer
}

// videoOutputs holds one video's head outputs, per pyramid level.
type videoOutputs struct {
	levels      []pyramid.Level
	clsLogits   []*tensor.Dense
	clipLogits  []*tensor.Dense
	startLogits []*tensor.Dense
	endLogits   []*tensor.Dense
	regOuts     []*tensor.Dense
}

// forwardVideo runs backbone and all heads for one padded input.
func (m *Model) forwardVideo(input *tensor.Dense, mask []bool) (*videoOutputs, error) {
	levels, err := m.backbone.Forward(input, mask)
	if err != nil {
		return nil, errors.Wrap(err, "backbone")
	}
	if err := pyramid.CheckAligned(levels, m.cfg.NumLevels()); err != nil {
		return nil, err
	}
	for l, lvl := range levels {
		if lvl.Channels() != m.cfg.FPNDim {
			return nil, errors.Errorf("level %d has %d channels, heads expect fpn_dim %d",
				l, lvl.Channels(), m.cfg.FPNDim)
		}
	}

	out := &videoOutputs{levels: levels}
	if out.clsLogits, err = m.clsHead.Forward(levels); err != nil {
		return nil, err
	}
	if m.cfg.UseTridentHead {
		if out.startLogits, err = m.startHead.Forward(levels); err != nil {
			return nil, err
		}
		if out.endLogits, err = m.endHead.Forward(levels); err != nil {
			return nil, err
		}
	}
	if out.regOuts, err = m.regHead.Forward(levels); err != nil {
		return nil, err
	}
	if out.clipLogits, err = m.clipCls.Forward(levels); err != nil {
		return nil, err
	}
	return out, nil
}

// flattenLogits turns per-level [C, T_i] logit maps into one location-major
// matrix [sum(T_i), C], matching the point and mask orderings.
func flattenLogits(perLevel []*tensor.Dense) []float32 {
	total := 0
	classes := 0
	for _, lv := range perLevel {
		shape := lv.Shape()
		classes = shape[0]
		total += shape[1]
	}
	out := make([]float32, total*classes)
	base := 0
	for _, lv := range perLevel {
		data := lv.Data().([]float32)
		seqLen := lv.Shape()[1]
		for t := 0; t < seqLen; t++ {
			for c := 0; c < classes; c++ {
				out[(base+t)*classes+c] = data[c*seqLen+t]
			}
		}
		base += seqLen
	}
	return out
}
