package util

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// FeatureFile represents one video's extracted feature matrix on disk.
type FeatureFile struct {
	// Path is the path to the feature file.
	Path string
	// VideoID is the file name without its extension.
	VideoID string
	// Feats holds features with shape [channels, timesteps].
	Feats *tensor.Dense
}

// ReadFeatureFile reads a single feature matrix.
//
// The format is a little-endian header of two uint32 values (channels,
// timesteps) followed by channels*timesteps float32 values in channel-major
// order.
//
// Arguments:
// - path: Path to the feature file.
//
// Returns:
// - *tensor.Dense: Feature matrix with shape [channels, timesteps].
// - error: Error if reading fails or the payload is truncated.
func ReadFeatureFile(path string) (*tensor.Dense, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) < 8 {
		return nil, errors.Errorf("feature file %s too short for header", path)
	}
	channels := int(binary.LittleEndian.Uint32(raw[0:4]))
	timesteps := int(binary.LittleEndian.Uint32(raw[4:8]))
	if channels <= 0 || timesteps <= 0 {
		return nil, errors.Errorf("feature file %s has invalid shape [%d, %d]", path, channels, timesteps)
	}
	want := 8 + channels*timesteps*4
	if len(raw) != want {
		return nil, errors.Errorf("feature file %s has %d bytes, expected %d", path, len(raw), want)
	}

	data := make([]float32, channels*timesteps)
	for i := range data {
		off := 8 + i*4
		bits := binary.LittleEndian.Uint32(raw[off : off+4])
		data[i] = math.Float32frombits(bits)
	}
	return tensor.New(tensor.WithShape(channels, timesteps), tensor.WithBacking(data)), nil
}

// LoadDirectoryFeatureFiles reads all feature files from a directory.
//
// Arguments:
// - dir: Directory path containing .feat files.
//
// Returns:
// - []FeatureFile: Slice of FeatureFile sorted by video ID.
// - error: Error if loading fails.
func LoadDirectoryFeatureFiles(dir string) ([]FeatureFile, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var feats []FeatureFile
	for _, file := range files {
		if file.IsDir() {
			continue
		}

		ext := filepath.Ext(file.Name())
		if ext != ".feat" {
			continue
		}
		path := filepath.Join(dir, file.Name())
		m, readErr := ReadFeatureFile(path)
		if readErr != nil {
			return nil, readErr
		}
		feats = append(feats, FeatureFile{
			Path:    path,
			VideoID: strings.TrimSuffix(file.Name(), ext),
			Feats:   m,
		})
	}

	sort.Slice(feats, func(i, j int) bool {
		return feats[i].VideoID < feats[j].VideoID
	})

	return feats, nil
}
