// Command tal runs temporal action localization over pre-extracted video
// features: it loads a model configuration, scores every video in a feature
// directory and writes the detected segments as JSON.
package main

import (
	"encoding/json"
	"math/rand"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-tal/config"
	"github.com/nvr-ai/go-tal/detect"
	"github.com/nvr-ai/go-tal/embeddings"
	"github.com/nvr-ai/go-tal/fusion"
	"github.com/nvr-ai/go-tal/postprocess"
	"github.com/nvr-ai/go-tal/profiler"
	"github.com/nvr-ai/go-tal/pyramid"
	"github.com/nvr-ai/go-tal/util"
)

var (
	configPath    string
	featsDir      string
	clipDir       string
	outputPath    string
	fps           float32
	duration      float32
	featStride    int
	featNumFrames int
	seed          int64
	verbose       bool
)

func main() {
	root := &cobra.Command{
		Use:   "tal",
		Short: "Temporal action localization over pre-extracted features",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "model configuration YAML (defaults apply when empty)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	detectCmd := &cobra.Command{
		Use:   "detect",
		Short: "Run inference over every video in a feature directory",
		RunE:  runDetect,
	}
	detectCmd.Flags().StringVar(&featsDir, "features", "", "directory of primary .feat files (required)")
	detectCmd.Flags().StringVar(&clipDir, "clip-features", "", "directory of secondary .feat files (required)")
	detectCmd.Flags().StringVarP(&outputPath, "output", "o", "", "result JSON path (stdout when empty)")
	detectCmd.Flags().Float32Var(&fps, "fps", 30, "source frame rate")
	detectCmd.Flags().Float32Var(&duration, "duration", 0, "video duration in seconds (0 = no clipping)")
	detectCmd.Flags().IntVar(&featStride, "feat-stride", 4, "frames between consecutive feature steps")
	detectCmd.Flags().IntVar(&featNumFrames, "feat-num-frames", 16, "frames per feature window")
	detectCmd.Flags().Int64Var(&seed, "seed", 1, "weight initialization seed")
	_ = detectCmd.MarkFlagRequired("features")
	_ = detectCmd.MarkFlagRequired("clip-features")
	root.AddCommand(detectCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// alignFPNDim reconciles fpn_dim with the pooling backbone, which preserves
// the fused channel count (input_dim + clip_dim). A mismatched fpn_dim would
// fail the head channel check on the first video.
func alignFPNDim(cfg *config.Model, log zerolog.Logger) {
	fused := cfg.InputDim + cfg.ClipDim
	if cfg.FPNDim == fused {
		return
	}
	log.Warn().
		Int("fpn_dim", cfg.FPNDim).
		Int("fused_dim", fused).
		Msg("fpn_dim does not match the pooling backbone output, overriding")
	cfg.FPNDim = fused
}

func newMatrix(rows, cols int, data []float32) *tensor.Dense {
	return tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(data))
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}

func loadConfig() (config.Model, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func runDetect(cmd *cobra.Command, args []string) error {
	log := newLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	alignFPNDim(&cfg, log)

	var loader embeddings.Loader
	if cfg.EmbeddingsFile != "" {
		loader = embeddings.FileLoader{Path: cfg.EmbeddingsFile}
	} else {
		// No embedding file configured: fall back to a random matrix so the
		// pipeline stays runnable on fresh setups.
		rng := rand.New(rand.NewSource(seed))
		data := make([]float32, cfg.SecondaryVocab*cfg.FPNDim)
		for i := range data {
			data[i] = float32(rng.NormFloat64())
		}
		loader = embeddings.Static{Matrix: newMatrix(cfg.SecondaryVocab, cfg.FPNDim, data)}
		log.Warn().Msg("no embeddings_file configured, using random embeddings")
	}

	backbone, err := pyramid.NewPoolingBackbone(cfg.FPNStrides)
	if err != nil {
		return err
	}
	model, err := detect.New(cfg, backbone, loader, rand.New(rand.NewSource(seed)), log)
	if err != nil {
		return err
	}

	feats, err := util.LoadDirectoryFeatureFiles(featsDir)
	if err != nil {
		return err
	}
	clips, err := util.LoadDirectoryFeatureFiles(clipDir)
	if err != nil {
		return err
	}
	clipByID := make(map[string]util.FeatureFile, len(clips))
	for _, c := range clips {
		clipByID[c.VideoID] = c
	}

	prof := profiler.New(log)
	var results []postprocess.Result
	for _, f := range feats {
		clip, ok := clipByID[f.VideoID]
		if !ok {
			log.Warn().Str("video", f.VideoID).Msg("no matching clip features, skipping")
			continue
		}
		video := fusion.Video{
			ID:            f.VideoID,
			Feats:         f.Feats,
			ClipFeats:     clip.Feats,
			FPS:           fps,
			Duration:      duration,
			FeatStride:    featStride,
			FeatNumFrames: featNumFrames,
		}
		var out []postprocess.Result
		err := prof.Time("inference", func() error {
			var ferr error
			out, ferr = model.ForwardInference([]fusion.Video{video})
			return ferr
		})
		if err != nil {
			return err
		}
		log.Info().Str("video", f.VideoID).Int("detections", len(out[0].Detections)).Msg("decoded")
		results = append(results, out...)
	}
	prof.Report()

	payload, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return err
	}
	if outputPath == "" {
		_, err = os.Stdout.Write(append(payload, '\n'))
		return err
	}
	return os.WriteFile(outputPath, payload, 0o644)
}
